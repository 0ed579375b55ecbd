package config

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

const defaultAPIBaseURL = "http://127.0.0.1:8080"

var localhostPattern = regexp.MustCompile(`://localhost([:/]|$)`)

// NormalizeLocalhost rewrites localhost to 127.0.0.1 so dialers do not pick
// an IPv6 loopback the backend is not listening on.
func NormalizeLocalhost(url string) string {
	return localhostPattern.ReplaceAllString(url, "://127.0.0.1$1")
}

// GetAPIBaseURL returns the backend HTTP base URL without a trailing slash.
func GetAPIBaseURL() string {
	value := NormalizeLocalhost(GetEnvOrDefault("API_BASE_URL", defaultAPIBaseURL))
	log.Debug().Str("api_base_url", value).Msg("Resolved backend base URL")
	return strings.TrimRight(value, "/")
}

// WebSocketURL derives the socket base from an HTTP base URL.
func WebSocketURL(httpBase string) string {
	switch {
	case strings.HasPrefix(httpBase, "https"):
		return "wss" + strings.TrimPrefix(httpBase, "https")
	case strings.HasPrefix(httpBase, "http"):
		return "ws" + strings.TrimPrefix(httpBase, "http")
	default:
		return httpBase
	}
}

// GetWSBaseURL returns the socket base URL matching GetAPIBaseURL.
func GetWSBaseURL() string {
	return WebSocketURL(GetAPIBaseURL())
}

// GetMockBackendAddr is the listen address of the development backend.
func GetMockBackendAddr() string {
	return GetEnvOrDefault("MOCK_BACKEND_ADDR", ":8080")
}

// GetMockMessageRate is the number of messages per minute a single chat may
// send to the development backend. Zero disables the limit.
func GetMockMessageRate() int {
	return parseEnvInt("MOCK_TOKEN_RATE", 60)
}
