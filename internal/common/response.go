package common

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// ErrorBody represents a consistent error payload returned by the API.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// JSON writes the provided value to the response writer as JSON.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// JSONError renders an error response using the canonical error shape.
func JSONError(w http.ResponseWriter, status int, code, message string, details any) {
	JSON(w, status, map[string]any{
		"error": ErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// DecodeJSON reads a single JSON document from r into dst, rejecting unknown fields.
func DecodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return NewAppError("INVALID_JSON", "request body is not valid JSON", http.StatusBadRequest, fmt.Errorf("decode body: %w", err))
	}
	return nil
}
