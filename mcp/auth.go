package mcp

import (
	"fmt"
	"log"

	"github.com/mark3labs/mcp-go/mcp"

	"settlement-backend/storage/auth"
)

// Option configures an MCPServer.
type Option func(*MCPServer)

// WithAPIKeys turns on key checks for tools that act on the ledger. sessionKey
// is used when a call carries no api_key argument, which is how a stdio
// client launched with its own key is identified.
func WithAPIKeys(keys auth.Validator, sessionKey string) Option {
	return func(s *MCPServer) {
		if k, ok := keys.(*auth.APIKeyStore); ok && k == nil {
			keys = nil
		}
		s.keys = keys
		s.sessionKey = sessionKey
	}
}

func (s *MCPServer) keysEnabled() bool {
	return s.keys != nil && s.keys.Len() > 0
}

// callerArg declares the acting account and the key that vouches for it.
func callerArg() mcp.ToolOption {
	return func(t *mcp.Tool) {
		mcp.WithString("caller", mcp.Description("Account acting on the ledger; implied by an account-bound api_key"))(t)
		apiKeyArg()(t)
	}
}

func apiKeyArg() mcp.ToolOption {
	return mcp.WithString("api_key", mcp.Description("API key, when the server requires one"))
}

func (s *MCPServer) lookupKey(req mcp.CallToolRequest) (auth.APIKey, error) {
	key := toString(req.GetArguments()["api_key"])
	if key == "" {
		key = s.sessionKey
	}
	if key == "" {
		return auth.APIKey{}, fmt.Errorf("api key required")
	}
	rec, ok := s.keys.Get(key)
	if !ok {
		log.Printf("AUDIT: invalid api key for tool %s", req.Params.Name)
		return auth.APIKey{}, fmt.Errorf("invalid api key")
	}
	return rec, nil
}

// requireCaller resolves the acting account. A bound key acts only as its own
// account; an operator key, or a server without keys, takes the caller argument.
func (s *MCPServer) requireCaller(req mcp.CallToolRequest) (string, error) {
	caller := toString(req.GetArguments()["caller"])
	if s.keysEnabled() {
		rec, err := s.lookupKey(req)
		if err != nil {
			return "", err
		}
		if !rec.Operator() {
			if caller != "" && caller != rec.Account {
				return "", fmt.Errorf("api key is bound to account %s", rec.Account)
			}
			caller = rec.Account
		}
	}
	if caller == "" {
		return "", fmt.Errorf("required argument %q not found", "caller")
	}
	return caller, nil
}

// requireOperator guards tools that move funds on no account's behalf.
func (s *MCPServer) requireOperator(req mcp.CallToolRequest) error {
	if !s.keysEnabled() {
		return nil
	}
	rec, err := s.lookupKey(req)
	if err != nil {
		return err
	}
	if !rec.Operator() {
		return fmt.Errorf("operator key required")
	}
	return nil
}
