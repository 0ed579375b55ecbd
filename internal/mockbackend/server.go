// Package mockbackend is a development chat backend. It issues anonymous
// tokens and streams replies over both the socket and the HTTP fallback.
package mockbackend

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/relyce/chatstream/internal/config"
	"github.com/relyce/chatstream/internal/fallback"
	"github.com/relyce/chatstream/internal/history"
	"github.com/relyce/chatstream/internal/messages"
	"github.com/relyce/chatstream/internal/oauth"
	"github.com/relyce/chatstream/pkg/httpext"
	"github.com/relyce/chatstream/pkg/logger"
	"github.com/relyce/chatstream/pkg/ratelimit"
)

type TimeoutConfig struct {
	PongWait   time.Duration
	PingPeriod time.Duration
	WriteWait  time.Duration
}

var DefaultTimeouts = TimeoutConfig{
	PongWait:   30 * time.Second,
	PingPeriod: 27 * time.Second, // (PongWait * 9) / 10
	WriteWait:  10 * time.Second,
}

type Options struct {
	Responder Responder
	// History, when set, receives every completed bot reply.
	History history.Source
	// MessageRate caps messages per chat per minute. Zero reads the
	// environment; a negative value disables the limit.
	MessageRate   int
	TokenLifetime time.Duration
	Timeouts      TimeoutConfig
}

type Server struct {
	router   *mux.Router
	opts     Options
	limiter  *ratelimit.Limiter
	sessions *sessionStore
	log      zerolog.Logger

	timeoutsMu  sync.RWMutex
	connections sync.Map
}

func New(opts Options) *Server {
	if opts.Responder == nil {
		opts.Responder = Echo{Delay: 30 * time.Millisecond}
	}
	if opts.MessageRate == 0 {
		opts.MessageRate = config.GetMockMessageRate()
	}
	if opts.TokenLifetime <= 0 {
		opts.TokenLifetime = 15 * time.Minute
	}
	if opts.Timeouts == (TimeoutConfig{}) {
		opts.Timeouts = DefaultTimeouts
	}

	s := &Server{
		router:   mux.NewRouter(),
		opts:     opts,
		limiter:  ratelimit.NewLimiter(time.Minute, opts.MessageRate),
		sessions: newSessionStore(),
		log:      logger.With(logger.MOCK),
	}

	s.router.HandleFunc(oauth.TokenPath, s.handleToken).Methods(http.MethodPost)
	s.router.HandleFunc("/ws/chat", s.handleChatSocket)
	s.router.HandleFunc(fallback.StreamPath, s.handleStream).Methods(http.MethodPost)
	s.router.HandleFunc(fallback.HealthPath, s.handleHealth).Methods(http.MethodGet)

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// SetTimeouts changes the socket timeouts for new connections and returns
// a function restoring the previous values.
func (s *Server) SetTimeouts(timeouts TimeoutConfig) func() {
	s.timeoutsMu.Lock()
	previous := s.opts.Timeouts
	s.opts.Timeouts = timeouts
	s.timeoutsMu.Unlock()

	return func() {
		s.timeoutsMu.Lock()
		s.opts.Timeouts = previous
		s.timeoutsMu.Unlock()
	}
}

func (s *Server) timeouts() TimeoutConfig {
	s.timeoutsMu.RLock()
	defer s.timeoutsMu.RUnlock()
	return s.opts.Timeouts
}

// ConnectionCount is the number of open sockets, optionally for one chat.
func (s *Server) ConnectionCount(chatID string) int {
	n := 0
	s.connections.Range(func(_, v any) bool {
		if chatID == "" || v.(string) == chatID {
			n++
		}
		return true
	})
	return n
}

// CloseAll drops every open socket with an abnormal closure.
func (s *Server) CloseAll() {
	s.connections.Range(func(k, _ any) bool {
		k.(*websocket.Conn).UnderlyingConn().Close()
		return true
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httpext.WriteJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) persistReply(p Prompt, reply string) {
	if s.opts.History == nil || reply == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msg := messages.Message{Role: messages.RoleBot, Content: reply}
	if _, err := s.opts.History.Append(ctx, p.UserID, p.SessionID, msg); err != nil {
		s.log.Warn().Err(err).Str("session_id", p.SessionID).Msg("Failed to persist reply")
	}
}
