package connections

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/relyce/chatstream/internal/credentials"
	"github.com/relyce/chatstream/internal/wire"
	"github.com/relyce/chatstream/pkg/logger"
)

// CloseUnauthorized is the close code the backend uses to reject a token.
// It never triggers a reconnect.
const CloseUnauthorized = websocket.ClosePolicyViolation

const DefaultPath = "/ws/chat"

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateReconnecting
	StateUnauthorized
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	case StateUnauthorized:
		return "closed-unauthorized"
	default:
		return "disconnected"
	}
}

// TimeoutConfig holds the various timeout settings for the socket
type TimeoutConfig struct {
	HandshakeTimeout time.Duration
	WriteWait        time.Duration
	// PongWait bounds the silence between inbound frames; zero disables it.
	// It must exceed the caller's ping interval.
	PongWait time.Duration
}

var DefaultTimeouts = TimeoutConfig{
	HandshakeTimeout: 10 * time.Second,
	WriteWait:        10 * time.Second,
	PongWait:         60 * time.Second,
}

type Options struct {
	// BaseURL is the ws:// or wss:// origin of the backend.
	BaseURL               string
	Path                  string
	ReconnectBaseInterval time.Duration
	MaxReconnectAttempts  int
	Timeouts              TimeoutConfig
}

// Client owns one socket bound to one chat session and turns inbound frames
// into Events. Events for a socket are delivered sequentially from its read
// goroutine.
type Client struct {
	opts   Options
	dialer *websocket.Dialer
	log    zerolog.Logger

	mu         sync.Mutex
	state      State
	sessionID  string
	tokens     credentials.Provider
	handler    Handler
	conn       *websocket.Conn
	attempt    int
	timer      *time.Timer
	generation uint64
	lifetime   context.Context
	cancel     context.CancelFunc

	writeMu sync.Mutex
}

func NewClient(opts Options) *Client {
	if opts.Path == "" {
		opts.Path = DefaultPath
	}
	if opts.ReconnectBaseInterval <= 0 {
		opts.ReconnectBaseInterval = time.Second
	}
	if opts.Timeouts == (TimeoutConfig{}) {
		opts.Timeouts = DefaultTimeouts
	}

	return &Client{
		opts: opts,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.Timeouts.HandshakeTimeout,
		},
		log:      logger.With(logger.CONNECTION),
		lifetime: context.Background(),
		cancel:   func() {},
	}
}

// Connect opens a socket for sessionID and returns once the first attempt
// has either opened or failed. It is a no-op while the client is already
// open, connecting or reconnecting for the same session. Switching to a
// different session tears the current socket down first. Failures are
// delivered to h, never returned.
func (c *Client) Connect(ctx context.Context, sessionID string, tokens credentials.Provider, h Handler) {
	c.mu.Lock()
	if c.sessionID == sessionID && c.activeLocked() {
		c.mu.Unlock()
		return
	}

	c.teardownLocked()
	if h == nil {
		h = Callbacks{}
	}
	c.sessionID = sessionID
	c.tokens = tokens
	c.handler = h
	c.state = StateConnecting
	c.attempt = 0
	c.lifetime, c.cancel = context.WithCancel(context.Background())
	gen := c.generation
	lifetime := c.lifetime
	c.mu.Unlock()

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(lifetime, cancel)
	defer stop()

	c.dial(attemptCtx, gen)
}

func (c *Client) activeLocked() bool {
	return c.state == StateOpen || c.state == StateConnecting || c.state == StateReconnecting
}

func (c *Client) dial(ctx context.Context, gen uint64) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}
	tokens, sessionID := c.tokens, c.sessionID
	c.mu.Unlock()

	token, err := credential(ctx, tokens)
	if err != nil && !errors.Is(err, ErrUnauthorized) {
		// The token source is unreachable; retry like a failed dial.
		c.log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to obtain credential")
		c.retryAfter(ctx, gen, "Failed to obtain credentials", err)
		return
	}
	if token == "" {
		if c.transition(gen, StateDisconnected) {
			c.log.Error().Err(err).Str("session_id", sessionID).Msg("No credential available, not connecting")
			c.emit(gen, Failed{Reason: "Unauthorized: missing token", Err: ErrUnauthorized})
		}
		return
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.url(token, sessionID), nil)
	if err != nil {
		c.dialFailed(ctx, gen, sessionID, resp, err)
		return
	}

	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.state = StateOpen
	c.attempt = 0
	c.mu.Unlock()

	c.log.Info().Str("session_id", sessionID).Msg("Connected to chat backend")
	c.emit(gen, Connected{SessionID: sessionID})

	go c.readLoop(conn, gen)
}

func (c *Client) dialFailed(ctx context.Context, gen uint64, sessionID string, resp *http.Response, err error) {
	if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		if c.transition(gen, StateUnauthorized) {
			c.log.Error().Int("status", resp.StatusCode).Str("session_id", sessionID).Msg("Backend rejected credentials")
			c.emit(gen, Failed{Reason: "Unauthorized: invalid or expired token", Err: ErrUnauthorized})
		}
		return
	}

	c.log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to open socket")
	c.retryAfter(ctx, gen, "WebSocket connection error", err)
}

// retryAfter reports a transient failure and schedules the next attempt,
// unless ctx is done because of Disconnect or an abandoned first attempt.
func (c *Client) retryAfter(ctx context.Context, gen uint64, reason string, err error) {
	if ctx.Err() != nil {
		if c.transition(gen, StateDisconnected) {
			c.emit(gen, Failed{Reason: "Failed to connect", Err: fmt.Errorf("%w: %v", ErrTransport, ctx.Err())})
		}
		return
	}
	if !c.current(gen) {
		return
	}
	c.emit(gen, Failed{Reason: reason, Err: fmt.Errorf("%w: %v", ErrTransport, err)})
	c.scheduleReconnect(gen)
}

// credential asks tokens for a bearer token. A nil provider yields none.
func credential(ctx context.Context, tokens credentials.Provider) (string, error) {
	if tokens == nil {
		return "", nil
	}
	return tokens.Token(ctx)
}

func (c *Client) readLoop(conn *websocket.Conn, gen uint64) {
	for {
		if wait := c.opts.Timeouts.PongWait; wait > 0 {
			conn.SetReadDeadline(time.Now().Add(wait))
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleClose(conn, gen, err)
			return
		}

		frame, err := wire.ParseFrame(data)
		if err != nil {
			if errors.Is(err, wire.ErrUnknownType) {
				c.log.Debug().Str("type", frame.Type).Msg("Ignoring unknown frame type")
			} else {
				c.log.Warn().Err(err).Int("bytes", len(data)).Msg("Skipping malformed frame")
			}
			continue
		}

		switch frame.Type {
		case wire.TypeToken:
			c.emit(gen, Token{Text: frame.Content})
		case wire.TypeInfo:
			c.emit(gen, Info{Text: frame.Content})
		case wire.TypeDone:
			c.emit(gen, Done{})
		case wire.TypeError:
			c.emit(gen, Failed{Reason: frame.Content, Err: ErrBackend})
		case wire.TypePong:
			c.log.Trace().Msg("Heartbeat acknowledged")
		}
	}
}

func (c *Client) handleClose(conn *websocket.Conn, gen uint64, err error) {
	c.mu.Lock()
	if gen != c.generation || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	sessionID := c.sessionID
	conn.Close()

	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) && closeErr.Code == CloseUnauthorized {
		c.state = StateUnauthorized
		c.mu.Unlock()

		c.log.Error().Str("session_id", sessionID).Str("reason", closeErr.Text).Msg("Socket closed as unauthorized")
		c.emit(gen, Failed{Reason: "Unauthorized: invalid or expired token", Err: ErrUnauthorized})
		return
	}
	c.mu.Unlock()

	c.log.Warn().Err(err).Str("session_id", sessionID).Msg("Socket closed unexpectedly")
	c.emit(gen, Failed{Reason: "Connection lost", Err: fmt.Errorf("%w: %v", ErrTransport, err)})
	c.scheduleReconnect(gen)
}

// scheduleReconnect waits attempt*ReconnectBaseInterval before the next
// attempt, up to MaxReconnectAttempts.
func (c *Client) scheduleReconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.generation {
		c.mu.Unlock()
		return
	}

	if c.attempt >= c.opts.MaxReconnectAttempts {
		c.state = StateDisconnected
		attempts := c.attempt
		c.mu.Unlock()

		c.log.Error().Int("attempts", attempts).Msg("Giving up on reconnecting")
		c.emit(gen, Failed{Reason: "Connection lost: reconnect attempts exhausted", Err: ErrReconnectExhausted})
		return
	}

	c.attempt++
	attempt := c.attempt
	delay := time.Duration(attempt) * c.opts.ReconnectBaseInterval
	c.state = StateReconnecting
	sessionID := c.sessionID
	c.mu.Unlock()

	c.log.Info().Int("attempt", attempt).Dur("delay", delay).Str("session_id", sessionID).Msg("Scheduling reconnect")
	c.emit(gen, Reconnecting{SessionID: sessionID, Attempt: attempt, Delay: delay})

	c.mu.Lock()
	if gen == c.generation && c.state == StateReconnecting {
		c.timer = time.AfterFunc(delay, func() { c.reconnect(gen) })
	}
	c.mu.Unlock()
}

func (c *Client) reconnect(gen uint64) {
	c.mu.Lock()
	if gen != c.generation || c.state != StateReconnecting {
		c.mu.Unlock()
		return
	}
	c.state = StateConnecting
	c.timer = nil
	lifetime := c.lifetime
	c.mu.Unlock()

	c.dial(lifetime, gen)
}

// Disconnect closes the socket without reconnecting and forgets the
// session. Safe to call repeatedly.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.teardownLocked()
	c.state = StateDisconnected
	c.sessionID = ""
	c.attempt = 0
}

// teardownLocked detaches the current socket: pending timers stop and any
// events still in flight from it are dropped by the generation check.
func (c *Client) teardownLocked() {
	c.generation++
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.cancel()

	if c.conn != nil {
		deadline := time.Now().Add(c.opts.Timeouts.WriteWait)
		c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.conn.Close()
		c.conn = nil
	}
}

// TrySend writes one user turn and reports failures to the caller instead
// of the handler. The controller uses it to fall back to HTTP streaming.
func (c *Client) TrySend(msg wire.OutboundMessage) error {
	if err := wire.Validate(msg); err != nil {
		return fmt.Errorf("invalid message: %w", err)
	}
	return c.write(msg)
}

// SendMessage transmits one user turn. When the socket is not open the
// handler receives Failed with ErrNotConnected.
func (c *Client) SendMessage(content, mode string, personality *wire.Personality, settings map[string]any) {
	err := c.TrySend(wire.NewOutboundMessage(content, mode, personality, settings))
	if err == nil {
		return
	}

	c.mu.Lock()
	gen := c.generation
	c.mu.Unlock()

	if errors.Is(err, ErrNotConnected) {
		c.log.Error().Msg("Socket not connected")
		c.emit(gen, Failed{Reason: "Not connected to server", Err: ErrNotConnected})
		return
	}
	c.log.Error().Err(err).Msg("Failed to send message")
	c.emit(gen, Failed{Reason: "Failed to send message", Err: fmt.Errorf("%w: %v", ErrTransport, err)})
}

// StopGeneration asks the backend to cancel the current generation.
func (c *Client) StopGeneration() {
	if err := c.write(wire.StopFrame); err != nil && !errors.Is(err, ErrNotConnected) {
		c.log.Warn().Err(err).Msg("Failed to send stop")
	}
}

// Ping sends an application heartbeat. The caller schedules it.
func (c *Client) Ping() {
	if err := c.write(wire.PingFrame); err != nil && !errors.Is(err, ErrNotConnected) {
		c.log.Warn().Err(err).Msg("Failed to send ping")
	}
}

func (c *Client) write(v any) error {
	c.mu.Lock()
	conn, open := c.conn, c.state == StateOpen
	c.mu.Unlock()

	if !open || conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(c.opts.Timeouts.WriteWait)); err != nil {
		return err
	}
	return conn.WriteJSON(v)
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateOpen
}

// IsConnecting is true from the moment Connect is called, through
// credential resolution and the handshake, and while a reconnect is pending.
func (c *Client) IsConnecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateConnecting || c.state == StateReconnecting
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) url(token, sessionID string) string {
	params := url.Values{}
	params.Set("token", token)
	params.Set("chat_id", sessionID)
	return strings.TrimRight(c.opts.BaseURL, "/") + c.opts.Path + "?" + params.Encode()
}

func (c *Client) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return gen == c.generation
}

func (c *Client) transition(gen uint64, to State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return false
	}
	c.state = to
	return true
}

func (c *Client) emit(gen uint64, e Event) {
	c.mu.Lock()
	h := c.handler
	stale := gen != c.generation
	c.mu.Unlock()

	if stale || h == nil {
		return
	}
	h.HandleEvent(e)
}
