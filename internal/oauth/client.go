package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/golang-jwt/jwt/v5"

	"github.com/relyce/chatstream/internal/fallback"
	"github.com/relyce/chatstream/pkg/httpext"
)

var ErrMissingSubject = errors.New("token carries no sid claim")

// Client obtains anonymous tokens and rotates the refresh token on each
// call after the first. A rejected refresh token falls back to a new
// anonymous grant.
type Client struct {
	baseURL    string
	httpClient *http.Client

	mu      sync.Mutex
	refresh string
	userID  string
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: baseURL, httpClient: httpClient}
}

func (c *Client) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.refresh != "" {
		resp, err := c.request(ctx, TokenRequest{GrantType: GrantTypeRefresh, RefreshToken: c.refresh})
		if err == nil {
			return c.accept(resp)
		}
		var status *fallback.StatusError
		if !errors.As(err, &status) || status.StatusCode != http.StatusUnauthorized {
			return "", err
		}
		c.refresh = ""
	}

	resp, err := c.request(ctx, TokenRequest{GrantType: GrantTypeAnonymous})
	if err != nil {
		return "", err
	}
	return c.accept(resp)
}

// UserID is the sid claim of the last issued token.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// accept reads the sid claim without verifying the signature. Only the
// backend holds the signing key; it verifies the token on every request.
func (c *Client) accept(resp TokenResponse) (string, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(resp.AccessToken, &claims); err != nil {
		return "", fmt.Errorf("reading issued token: %w", err)
	}
	if claims.SessionID == "" {
		return "", ErrMissingSubject
	}
	c.refresh = resp.RefreshToken
	c.userID = claims.SessionID
	return resp.AccessToken, nil
}

func (c *Client) request(ctx context.Context, body TokenRequest) (TokenResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return TokenResponse{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+TokenPath, bytes.NewReader(payload))
	if err != nil {
		return TokenResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("requesting token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return TokenResponse{}, &fallback.StatusError{
			StatusCode: resp.StatusCode,
			Detail:     httpext.DecodeError(data, resp.Status),
		}
	}

	var out TokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return TokenResponse{}, fmt.Errorf("decoding token response: %w", err)
	}
	return out, nil
}
