package mcp

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

func toString(val interface{}) string {
	switch v := val.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(v)
	}
	return fmt.Sprintf("%v", val)
}

// toUint64 accepts JSON numbers and decimal strings. Strings carry amounts
// above 2^53 without float rounding.
func toUint64(val interface{}) (uint64, error) {
	switch v := val.(type) {
	case float64:
		if v < 0 || v != math.Trunc(v) || v >= math.MaxUint64 {
			return 0, fmt.Errorf("%v is not a non-negative integer", v)
		}
		return uint64(v), nil
	case int:
		if v < 0 {
			return 0, fmt.Errorf("%d is negative", v)
		}
		return uint64(v), nil
	case int64:
		if v < 0 {
			return 0, fmt.Errorf("%d is negative", v)
		}
		return uint64(v), nil
	case uint64:
		return v, nil
	case json.Number:
		return strconv.ParseUint(v.String(), 10, 64)
	case string:
		return strconv.ParseUint(strings.TrimSpace(v), 10, 64)
	}
	return 0, fmt.Errorf("unsupported number %T", val)
}

func requireUint(req mcp.CallToolRequest, key string) (uint64, error) {
	val, ok := req.GetArguments()[key]
	if !ok || val == nil {
		return 0, fmt.Errorf("required argument %q not found", key)
	}
	n, err := toUint64(val)
	if err != nil {
		return 0, fmt.Errorf("argument %q: %w", key, err)
	}
	return n, nil
}

func optionalUint(req mcp.CallToolRequest, key string) (uint64, error) {
	val, ok := req.GetArguments()[key]
	if !ok || val == nil {
		return 0, nil
	}
	n, err := toUint64(val)
	if err != nil {
		return 0, fmt.Errorf("argument %q: %w", key, err)
	}
	return n, nil
}
