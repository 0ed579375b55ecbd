package httpext

import (
	"encoding/json"
	"net/http"

	"github.com/relyce/chatstream/pkg/logger"
)

// ErrorResponse mirrors the backend's error body. Clients read Detail.
type ErrorResponse struct {
	Detail string `json:"detail"`
	Code   string `json:"code,omitempty"`
}

// JsonError writes a JSON error response with the specified status code
func JsonError(w http.ResponseWriter, detail string, code int) {
	JsonErrorWithCode(w, code, ErrorResponse{Detail: detail})
}

// JsonErrorWithCode writes an error response carrying a machine readable code
func JsonErrorWithCode(w http.ResponseWriter, status int, body ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		l := logger.With(logger.MOCK)
		l.Error().Err(err).Int("status", status).Msg("Failed to encode error response")
		http.Error(w, `{"detail":"Internal Server Error"}`, http.StatusInternalServerError)
	}
}

// WriteJSON writes v with a 200 status.
func WriteJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		l := logger.With(logger.MOCK)
		l.Error().Err(err).Msg("Failed to encode response")
	}
}

// DecodeError reads an ErrorResponse from body, returning fallback when the
// body is empty or not JSON.
func DecodeError(body []byte, fallback string) string {
	var resp ErrorResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.Detail == "" {
		return fallback
	}
	return resp.Detail
}
