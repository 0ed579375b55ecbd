package fallback

import (
	"fmt"
	"net/http"

	"github.com/relyce/chatstream/internal/connections"
)

// StatusError is a non-2xx response. 401 and 403 match
// connections.ErrUnauthorized.
type StatusError struct {
	StatusCode int
	Detail     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Detail)
}

func (e *StatusError) Unwrap() error {
	if e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden {
		return connections.ErrUnauthorized
	}
	return nil
}

// BackendError is an error frame received on the stream.
type BackendError struct {
	Message string
}

func (e *BackendError) Error() string {
	return e.Message
}

func (e *BackendError) Unwrap() error {
	return connections.ErrBackend
}
