// Package chat drives one conversation at a time: it binds a socket to the
// active session, turns streamed events into message updates and falls back
// to HTTP streaming when the socket cannot take a message.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/relyce/chatstream/internal/buffer"
	"github.com/relyce/chatstream/internal/connections"
	"github.com/relyce/chatstream/internal/credentials"
	"github.com/relyce/chatstream/internal/fallback"
	"github.com/relyce/chatstream/internal/history"
	"github.com/relyce/chatstream/internal/messages"
	"github.com/relyce/chatstream/internal/wire"
	"github.com/relyce/chatstream/pkg/logger"
)

var (
	ErrNoSession      = errors.New("no active session")
	ErrEmptyMessage   = errors.New("message has no text or files")
	ErrInvalidMode    = errors.New("unknown chat mode")
	ErrStreamInFlight = messages.ErrStreamInFlight
)

// NotConnectedReason finalizes a send that neither transport could carry.
const NotConnectedReason = "Not connected to server"

const persistTimeout = 5 * time.Second

type Options struct {
	UserID   string
	Tokens   credentials.Provider
	Registry *connections.Registry
	// Fallback streams replies over HTTP when the socket is not open. Nil
	// disables it.
	Fallback *fallback.Client
	// History is the persisted conversation. Nil keeps messages in memory
	// only.
	History history.Source
	// Store receives the assembled messages; one is created when nil.
	Store          *messages.Store
	FlushInterval  time.Duration
	FlushThreshold int
	// PingInterval schedules application heartbeats; zero disables them.
	PingInterval time.Duration
	// PersistSocketReplies saves replies received on the socket. Backends
	// that store their own replies leave it off.
	PersistSocketReplies bool
	// OnEvent observes every transport event of the active session.
	OnEvent func(connections.Event)
}

type SendRequest struct {
	Text      string
	Files     []messages.File `validate:"dive"`
	WebSearch bool
}

type Status struct {
	SessionID string
	State     connections.State
	LastError string
	Streaming bool
	BotTyping bool
}

// activeStream is the bot message currently receiving tokens. viaSocket
// and cancel are guarded by Controller.mu.
type activeStream struct {
	id        string
	flusher   *buffer.Flusher
	viaSocket bool
	// epoch is the connection the turn was sent on.
	epoch  uint64
	cancel context.CancelFunc
}

type Controller struct {
	opts  Options
	store *messages.Store
	log   zerolog.Logger

	mu          sync.Mutex
	sessionID   string
	sessionGen  uint64
	client      *connections.Client
	stream      *activeStream
	connEpoch   uint64
	draining    int
	lastError   string
	botTyping   bool
	mode        string
	personality *wire.Personality
	settings    map[string]any
	cache       map[string][]messages.Message
	unsubscribe func()
	stopPing    context.CancelFunc
}

func NewController(opts Options) *Controller {
	if opts.Store == nil {
		opts.Store = messages.NewStore()
	}
	return &Controller{
		opts:  opts,
		store: opts.Store,
		log:   logger.With(logger.CHAT),
		mode:  wire.ModeNormal,
		cache: make(map[string][]messages.Message),
	}
}

// SetSession makes sessionID the active conversation. The outgoing
// session's list is cached and restored when it becomes active again; an
// in-flight stream is finalized with what it received so far.
func (c *Controller) SetSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrNoSession
	}

	c.mu.Lock()
	if sessionID == c.sessionID {
		c.mu.Unlock()
		return nil
	}
	prev := c.sessionID
	st, cancel := c.claimStreamLocked()
	unsubscribe, stopPing := c.unsubscribe, c.stopPing
	c.unsubscribe, c.stopPing = nil, nil
	c.sessionGen++
	gen := c.sessionGen
	c.sessionID = sessionID
	c.client = nil
	c.draining = 0
	c.lastError = ""
	c.botTyping = false
	c.mu.Unlock()

	if st != nil {
		st.abort(cancel)
		c.store.Finalize(st.id, "")
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	if stopPing != nil {
		stopPing()
	}
	if prev != "" {
		c.opts.Registry.Release(prev)
	}

	outgoing := c.store.Messages()
	c.mu.Lock()
	if prev != "" {
		c.cache[prev] = outgoing
	}
	cached := c.cache[sessionID]
	c.mu.Unlock()
	c.store.Reset(cached)

	c.log.Info().Str("session_id", sessionID).Msg("Switched session")

	if c.opts.History != nil {
		unsub, err := c.opts.History.Subscribe(ctx, c.opts.UserID, sessionID, func(list []messages.Message) {
			c.onHistory(gen, list)
		})
		switch {
		case err != nil:
			c.log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to subscribe to history")
		case !c.setIfCurrent(gen, func() { c.unsubscribe = unsub }):
			unsub()
		}
	}

	client := c.opts.Registry.Acquire(sessionID)
	var pingCtx context.Context
	if !c.setIfCurrent(gen, func() {
		c.client = client
		pingCtx, c.stopPing = context.WithCancel(context.Background())
	}) {
		c.opts.Registry.Release(sessionID)
		return nil
	}

	if c.opts.PingInterval > 0 {
		go c.pingLoop(pingCtx, client)
	}
	client.Connect(ctx, sessionID, c.opts.Tokens, c.handlerFor(gen))
	return nil
}

// Reconnect drops the socket of the active session and dials again,
// resetting the retry budget.
func (c *Controller) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	client, sessionID, gen := c.client, c.sessionID, c.sessionGen
	c.mu.Unlock()

	if client == nil {
		return ErrNoSession
	}
	client.Disconnect()
	client.Connect(ctx, sessionID, c.opts.Tokens, c.handlerFor(gen))
	return nil
}

// Send appends the user turn and a streaming bot placeholder, then sends the
// turn over the socket, or the HTTP fallback when the socket is not open.
// It returns the placeholder's id. Transport failures finalize the
// placeholder instead of being returned.
func (c *Controller) Send(ctx context.Context, req SendRequest) (string, error) {
	if err := wire.Validate(req); err != nil {
		return "", fmt.Errorf("invalid request: %w", err)
	}
	if strings.TrimSpace(req.Text) == "" && len(req.Files) == 0 {
		return "", ErrEmptyMessage
	}
	text := truncate(req.Text, wire.MaxContentLength)

	c.mu.Lock()
	if c.sessionID == "" {
		c.mu.Unlock()
		return "", ErrNoSession
	}
	if c.stream != nil {
		c.mu.Unlock()
		return "", ErrStreamInFlight
	}
	sessionID, client := c.sessionID, c.client
	mode := c.mode
	if req.WebSearch {
		mode = wire.ModeDeepSearch
	}
	var personality *wire.Personality
	if mode == wire.ModeNormal {
		personality = c.personality
	}
	settings := c.settings

	now := time.Now().UTC()
	user := messages.Message{ID: uuid.New().String(), Role: messages.RoleUser, Content: text, Timestamp: now, Files: req.Files}
	bot := messages.Message{ID: uuid.New().String(), Role: messages.RoleBot, Timestamp: now, IsStreaming: true, IsGenerating: true}
	st := &activeStream{
		id: bot.ID,
		flusher: buffer.NewFlusher(func(text string) {
			c.store.AppendContent(bot.ID, text)
		}, c.opts.FlushInterval, c.opts.FlushThreshold),
	}
	c.stream = st
	c.botTyping = true
	c.mu.Unlock()

	if err := c.store.Append(user, bot); err != nil {
		c.mu.Lock()
		if c.stream == st {
			c.releaseStreamLocked()
		}
		c.mu.Unlock()
		return "", err
	}

	c.persistUser(ctx, sessionID, user)

	c.mu.Lock()
	if c.stream != st {
		// Stopped or switched away while persisting.
		c.mu.Unlock()
		return bot.ID, nil
	}
	st.viaSocket = client != nil
	st.epoch = c.connEpoch
	c.mu.Unlock()

	if client != nil {
		err := client.TrySend(wire.NewOutboundMessage(text, mode, personality, settings))
		if err == nil {
			c.log.Debug().Str("session_id", sessionID).Str("mode", mode).Msg("Sent message over socket")
			return bot.ID, nil
		}
		c.log.Warn().Err(err).Str("session_id", sessionID).Msg("Socket send failed")
		c.mu.Lock()
		st.viaSocket = false
		c.mu.Unlock()
	}

	if c.opts.Fallback == nil {
		c.finish(st, NotConnectedReason, false)
		return bot.ID, nil
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.stream != st {
		c.mu.Unlock()
		cancel()
		return bot.ID, nil
	}
	st.cancel = cancel
	c.mu.Unlock()

	request := fallback.NewRequest(text, sessionID, c.opts.UserID, mode, fileIDs(req.Files), personality, settings)
	go func() {
		defer cancel()
		c.streamFallback(streamCtx, st, request)
	}()
	return bot.ID, nil
}

// Stop cancels the current generation and finalizes the bot message with
// the text already shown. Buffered text not yet applied is dropped.
func (c *Controller) Stop() {
	c.mu.Lock()
	st, cancel := c.claimStreamLocked()
	client := c.client
	viaSocket := st != nil && st.viaSocket
	// The backend answers a stop with one terminal frame, but only on the
	// connection that carried the turn.
	if viaSocket && st.epoch == c.connEpoch {
		c.draining++
	}
	c.mu.Unlock()

	if st == nil {
		return
	}
	if viaSocket && client != nil {
		client.StopGeneration()
	}
	st.abort(cancel)
	c.store.Finalize(st.id, "")
	c.log.Info().Str("message_id", st.id).Msg("Generation stopped")
}

// Close stops everything and releases the active session.
func (c *Controller) Close() {
	c.mu.Lock()
	st, cancel := c.claimStreamLocked()
	sessionID := c.sessionID
	unsubscribe, stopPing := c.unsubscribe, c.stopPing
	c.unsubscribe, c.stopPing = nil, nil
	c.sessionGen++
	c.sessionID = ""
	c.client = nil
	c.mu.Unlock()

	if st != nil {
		st.abort(cancel)
		c.store.Finalize(st.id, "")
	}
	if unsubscribe != nil {
		unsubscribe()
	}
	if stopPing != nil {
		stopPing()
	}
	if sessionID != "" {
		c.opts.Registry.Release(sessionID)
	}
}

func (c *Controller) SetMode(mode string) error {
	switch mode {
	case wire.ModeNormal, wire.ModeBusiness, wire.ModeDeepSearch:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	c.mu.Lock()
	c.mode = mode
	c.mu.Unlock()
	return nil
}

func (c *Controller) Mode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// SetPersonality selects the persona sent with normal mode turns.
func (c *Controller) SetPersonality(p *wire.Personality) {
	c.mu.Lock()
	c.personality = p
	c.mu.Unlock()
}

func (c *Controller) SetUserSettings(settings map[string]any) {
	c.mu.Lock()
	c.settings = settings
	c.mu.Unlock()
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Status{
		SessionID: c.sessionID,
		LastError: c.lastError,
		Streaming: c.stream != nil,
		BotTyping: c.botTyping,
	}
	if c.client != nil {
		s.State = c.client.State()
	}
	return s
}

func (c *Controller) Messages() []messages.Message {
	return c.store.Messages()
}

func (c *Controller) Pairs() []messages.Pair {
	return c.store.Pairs()
}

// Subscribe registers fn for every change to the message list. fn must not
// block.
func (c *Controller) Subscribe(fn messages.Listener) func() {
	return c.store.Subscribe(fn)
}

func (c *Controller) handlerFor(gen uint64) connections.Handler {
	return connections.HandlerFunc(func(e connections.Event) {
		c.handleEvent(gen, e)
	})
}

func (c *Controller) handleEvent(gen uint64, e connections.Event) {
	c.mu.Lock()
	if gen != c.sessionGen {
		c.mu.Unlock()
		return
	}

	var (
		st          *activeStream
		reason      string
		persist     bool
		terminalErr bool
	)
	switch ev := e.(type) {
	case connections.Connected:
		c.lastError = ""
		c.draining = 0
		c.connEpoch++
	case connections.Reconnecting:
		c.log.Debug().Int("attempt", ev.Attempt).Msg("Waiting to reconnect")
	case connections.Token, connections.Info:
		st = c.socketStreamLocked()
	case connections.Done:
		if c.draining > 0 {
			c.draining--
			break
		}
		if st = c.socketStreamLocked(); st != nil {
			c.releaseStreamLocked()
			persist = c.opts.PersistSocketReplies
		}
	case connections.Failed:
		c.lastError = ev.Reason
		if !ev.Terminal() {
			break
		}
		if errors.Is(ev.Err, connections.ErrBackend) && c.draining > 0 {
			c.draining--
			break
		}
		if !errors.Is(ev.Err, connections.ErrBackend) {
			c.draining = 0
		}
		if st = c.socketStreamLocked(); st != nil {
			c.releaseStreamLocked()
			reason = ev.Reason
			terminalErr = true
		}
	}
	c.mu.Unlock()

	if c.opts.OnEvent != nil {
		c.opts.OnEvent(e)
	}
	if st == nil {
		return
	}

	switch ev := e.(type) {
	case connections.Token:
		st.flusher.Append(ev.Text)
	case connections.Info:
		c.applyInfo(st, ev.Text)
	case connections.Done:
		c.complete(st, "", persist)
	case connections.Failed:
		if terminalErr {
			c.complete(st, reason, false)
		}
	}
}

// socketStreamLocked is the stream socket events apply to, or nil while
// events of a stopped generation are being drained.
func (c *Controller) socketStreamLocked() *activeStream {
	if c.stream == nil || !c.stream.viaSocket || c.draining > 0 {
		return nil
	}
	return c.stream
}

func (c *Controller) applyInfo(st *activeStream, text string) {
	info, err := wire.ParseInfo(text)
	if err != nil {
		c.log.Warn().Err(err).Msg("Ignoring malformed info payload")
		return
	}

	c.store.Update(st.id, func(m *messages.Message) {
		if !m.IsStreaming {
			return
		}
		switch info.Kind {
		case wire.InfoProcessing:
			m.IsGenerating = true
		case wire.InfoStopped:
			m.IsGenerating = false
			m.IsSearching = false
			m.SearchQuery = ""
		case wire.InfoSearching:
			m.IsSearching = true
			m.SearchQuery = info.Query
		case wire.InfoIntelligence:
			m.Intelligence = info.Intelligence
		}
	})
}

func (c *Controller) streamFallback(ctx context.Context, st *activeStream, req fallback.Request) {
	stream, err := c.opts.Fallback.Stream(ctx, req)
	if err != nil {
		if ctx.Err() == nil {
			c.log.Error().Err(err).Str("session_id", req.SessionID).Msg("Fallback stream failed")
			c.finish(st, err.Error(), false)
		}
		return
	}
	defer stream.Close()

	for stream.Next() {
		ev := stream.Event()
		switch ev.Kind {
		case fallback.EventToken:
			st.flusher.Append(ev.Text)
		case fallback.EventInfo:
			c.applyInfo(st, ev.Text)
		}
	}

	if ctx.Err() != nil {
		return
	}
	if err := stream.Err(); err != nil {
		c.log.Error().Err(err).Str("session_id", req.SessionID).Msg("Fallback stream ended with an error")
		c.finish(st, err.Error(), false)
		return
	}
	c.finish(st, "", true)
}

// finish ends st if it is still the active stream.
func (c *Controller) finish(st *activeStream, reason string, persist bool) {
	c.mu.Lock()
	if c.stream != st {
		c.mu.Unlock()
		return
	}
	c.releaseStreamLocked()
	c.mu.Unlock()

	c.complete(st, reason, persist)
}

// complete flushes what st buffered, persists the reply when asked and
// finalizes the message. The caller has already released st.
func (c *Controller) complete(st *activeStream, reason string, persist bool) {
	st.flusher.Drain()

	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()

	if persist && reason == "" {
		if m, ok := c.store.Get(st.id); ok && strings.TrimSpace(m.Content) != "" {
			c.persistBot(sessionID, m)
		}
	}

	final, err := c.store.Finalize(st.id, reason)
	if err != nil {
		// A session switch or history refresh replaced the list.
		c.log.Debug().Err(err).Str("message_id", st.id).Msg("Finalized message is gone")
		return
	}
	if final.IsError {
		c.log.Warn().Str("message_id", st.id).Str("reason", reason).Msg("Reply failed")
	}
}

func (c *Controller) onHistory(gen uint64, list []messages.Message) {
	c.mu.Lock()
	if gen != c.sessionGen {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	applied := c.store.ApplyHistory(list)
	if !applied {
		c.log.Debug().Int("messages", len(list)).Msg("Deferring history until the stream ends")
	}

	// Local replies the history lacks still count as answers.
	visible := c.store.Messages()
	c.mu.Lock()
	if gen == c.sessionGen {
		c.botTyping = c.stream != nil || (applied && messages.AwaitingReply(visible))
	}
	c.mu.Unlock()
}

func (c *Controller) persistUser(ctx context.Context, sessionID string, m messages.Message) {
	if c.opts.History == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()

	if _, err := c.opts.History.Append(ctx, c.opts.UserID, sessionID, m); err != nil {
		c.log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to save user message")
		return
	}
	if m.Content == "" {
		return
	}
	renamed, err := c.opts.History.EnsureSessionName(ctx, c.opts.UserID, sessionID, history.TitleFromMessage(m.Content))
	if err != nil {
		c.log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to name session")
		return
	}
	if renamed {
		c.log.Debug().Str("session_id", sessionID).Msg("Named session from first message")
	}
}

func (c *Controller) persistBot(sessionID string, m messages.Message) {
	if c.opts.History == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	m.IsStreaming = false
	m.IsGenerating = false
	if _, err := c.opts.History.Append(ctx, c.opts.UserID, sessionID, m); err != nil {
		c.log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to save reply")
	}
}

func (c *Controller) pingLoop(ctx context.Context, client *connections.Client) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if client.IsConnected() {
				client.Ping()
			}
		}
	}
}

// claimStreamLocked detaches the active stream so only one caller ends it.
func (c *Controller) claimStreamLocked() (*activeStream, context.CancelFunc) {
	st := c.stream
	c.releaseStreamLocked()
	if st == nil {
		return nil, nil
	}
	return st, st.cancel
}

// releaseStreamLocked forgets the active stream. The bot is no longer typing
// until history shows an unanswered question again.
func (c *Controller) releaseStreamLocked() {
	c.stream = nil
	c.botTyping = false
}

func (c *Controller) setIfCurrent(gen uint64, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.sessionGen {
		return false
	}
	fn()
	return true
}

// abort drops buffered text and cancels the HTTP stream, if any.
func (st *activeStream) abort(cancel context.CancelFunc) {
	st.flusher.Discard()
	if cancel != nil {
		cancel()
	}
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}

func fileIDs(files []messages.File) []string {
	ids := make([]string, 0, len(files))
	for _, f := range files {
		if f.FileID != "" {
			ids = append(ids, f.FileID)
		}
	}
	return ids
}
