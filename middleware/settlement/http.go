package settlement

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"

	core "settlement-backend/core/settlement"
)

// JSON writes a JSON response with status code.
func JSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, msg string) {
	JSON(w, status, map[string]string{"error": msg})
}

// ErrorFrom maps a settlement error onto a status and writes it with its code.
func ErrorFrom(w http.ResponseWriter, err error) {
	body := map[string]interface{}{
		"error": err.Error(),
		"code":  core.Code(err),
	}
	var mi *core.ManualInterventionError
	if errors.As(err, &mi) {
		body["reward_id"] = mi.RewardID
		body["task_id"] = mi.TaskID
	}
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		log.Printf("settlement api: %v", err)
	}
	JSON(w, status, body)
}

// StatusFor returns the HTTP status for err.
func StatusFor(err error) int {
	switch core.Code(err) {
	case "ok":
		return http.StatusOK
	case "invalid_state", "association_race", "orphan_inconsistency":
		return http.StatusConflict
	case "unauthorized":
		return http.StatusForbidden
	case "invalid_address", "validation":
		return http.StatusBadRequest
	case "not_found":
		return http.StatusNotFound
	case "insufficient_funds", "insufficient_allowance":
		return http.StatusPaymentRequired
	case "delivery_failure":
		return http.StatusBadGateway
	case "canceled":
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// decode reads an optional JSON body into v. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
