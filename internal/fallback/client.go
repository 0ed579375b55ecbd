// Package fallback streams a reply over a single HTTP request when the
// socket is unavailable. The body is a sequence of "data: {json}" lines
// carrying the same frames as the socket.
package fallback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/relyce/chatstream/internal/connections"
	"github.com/relyce/chatstream/internal/credentials"
	"github.com/relyce/chatstream/internal/wire"
	"github.com/relyce/chatstream/pkg/httpext"
	"github.com/relyce/chatstream/pkg/logger"
)

const (
	StreamPath = "/chat/stream"
	HealthPath = "/health"
)

const maxErrorBody = 64 << 10

// Request is the body of a streamed chat call.
type Request struct {
	Message       string                      `json:"message" validate:"max=10000"`
	SessionID     string                      `json:"session_id" validate:"required"`
	UserID        string                      `json:"user_id"`
	ChatMode      string                      `json:"chat_mode" validate:"required,oneof=normal business deepsearch"`
	FileIDs       []string                    `json:"file_ids"`
	UserSettings  map[string]any              `json:"user_settings"`
	Personality   *wire.NormalizedPersonality `json:"personality,omitempty"`
	PersonalityID string                      `json:"personality_id,omitempty"`
}

// NewRequest builds a request, sending the personality in full.
func NewRequest(message, sessionID, userID, mode string, fileIDs []string, personality *wire.Personality, settings map[string]any) Request {
	if fileIDs == nil {
		fileIDs = []string{}
	}
	req := Request{
		Message:      message,
		SessionID:    sessionID,
		UserID:       userID,
		ChatMode:     mode,
		FileIDs:      fileIDs,
		UserSettings: settings,
	}
	if n := wire.NormalizePersonality(personality); n != nil {
		req.Personality = n
		req.PersonalityID = n.ID
	}
	return req
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	tokens     credentials.Provider
	log        zerolog.Logger
}

// NewClient creates a client for the backend at baseURL. A nil httpClient
// uses http.DefaultClient; there is no overall timeout since replies may
// stream for a long time.
func NewClient(baseURL string, tokens credentials.Provider, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		tokens:     tokens,
		log:        logger.With(logger.FALLBACK),
	}
}

// Stream starts a streamed reply. The caller must Close the result.
// Cancelling ctx aborts the read.
func (c *Client) Stream(ctx context.Context, req Request) (*Stream, error) {
	if err := wire.Validate(req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+StreamPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	c.authorize(ctx, httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.log.Error().Err(err).Msg("Stream request failed")
		return nil, fmt.Errorf("%w: %v", connections.ErrTransport, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, c.statusError(resp)
	}

	c.log.Debug().Str("session_id", req.SessionID).Str("mode", req.ChatMode).Msg("Streaming reply over HTTP")
	return newStream(resp.Body, c.log), nil
}

// Health checks that the backend is up.
func (c *Client) Health(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+HealthPath, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", connections.ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.statusError(resp)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) authorize(ctx context.Context, req *http.Request) {
	if token := credentials.Resolve(ctx, c.tokens); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

func (c *Client) statusError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	err := &StatusError{
		StatusCode: resp.StatusCode,
		Detail:     httpext.DecodeError(data, http.StatusText(resp.StatusCode)),
	}
	c.log.Error().Int("status", resp.StatusCode).Str("detail", err.Detail).Msg("Backend returned an error status")
	return err
}
