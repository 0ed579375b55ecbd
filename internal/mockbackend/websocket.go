package mockbackend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/relyce/chatstream/internal/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// handleChatSocket serves /ws/chat. Credentials travel in the query because
// browsers cannot set headers on a socket handshake; the Authorization header
// is accepted too. Rejected clients are upgraded and then closed with 1008 so
// they can tell an auth failure from a network one.
func (s *Server) handleChatSocket(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	token := query.Get("token")
	if token == "" {
		token = extractToken(r)
	}
	chatID := query.Get("chat_id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("Could not upgrade connection")
		return
	}
	defer conn.Close()

	userID, valid := validateToken(token)
	if !valid || chatID == "" {
		reason := "Invalid or expired token"
		if valid {
			reason = "Missing chat_id"
		}
		s.log.Info().Str("chat_id", chatID).Str("reason", reason).Msg("Rejecting socket")
		deadline := time.Now().Add(s.timeouts().WriteWait)
		conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), deadline)
		return
	}

	s.connections.Store(conn, chatID)
	defer s.connections.Delete(conn)

	sess := &socketSession{
		server: s,
		conn:   conn,
		userID: userID,
		chatID: chatID,
		log:    s.log.With().Str("chat_id", chatID).Str("user_id", userID).Logger(),
	}
	sess.run()
}

type socketSession struct {
	server *Server
	conn   *websocket.Conn
	userID string
	chatID string
	log    zerolog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
	done    chan struct{}
	wg      sync.WaitGroup
}

func (s *socketSession) run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		s.wg.Wait()
	}()

	timeouts := s.server.timeouts()
	s.conn.SetReadDeadline(time.Now().Add(timeouts.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(timeouts.PongWait))
	})

	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(timeouts.PingPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				deadline := time.Now().Add(timeouts.WriteWait)
				if err := s.conn.WriteControl(websocket.PingMessage, []byte{}, deadline); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	s.log.Debug().Msg("Socket opened")

	for {
		s.conn.SetReadDeadline(time.Now().Add(timeouts.PongWait))
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Err(err).Msg("Socket closed unexpectedly")
			}
			return
		}

		var head wire.ControlFrame
		if err := json.Unmarshal(data, &head); err != nil {
			s.writeFrame(wire.Frame{Type: wire.TypeError, Content: "Invalid message format"})
			continue
		}

		switch head.Type {
		case wire.TypePing:
			s.writeFrame(wire.Frame{Type: wire.TypePong})
		case wire.TypeStop:
			s.stop()
		case wire.TypeMessage:
			var msg wire.OutboundMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				s.writeFrame(wire.Frame{Type: wire.TypeError, Content: "Invalid message format"})
				continue
			}
			if err := wire.Validate(msg); err != nil {
				s.writeFrame(wire.Frame{Type: wire.TypeError, Content: "Invalid message: " + err.Error()})
				continue
			}
			s.start(ctx, msg)
		default:
			s.writeFrame(wire.Frame{Type: wire.TypeError, Content: "Unknown message type"})
		}
	}
}

func (s *socketSession) start(ctx context.Context, msg wire.OutboundMessage) {
	if !s.server.limiter.Allow(s.chatID) {
		s.writeFrame(wire.Frame{Type: wire.TypeError, Content: "Rate limit exceeded"})
		return
	}

	s.mu.Lock()
	if s.cancel != nil && s.stopped {
		// A stopped generation finishes with stopped+done before the next
		// one starts.
		done := s.done
		s.mu.Unlock()
		<-done
		s.mu.Lock()
	}
	if s.cancel != nil {
		s.mu.Unlock()
		s.writeFrame(wire.Frame{Type: wire.TypeError, Content: "A response is already being generated"})
		return
	}
	genCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopped = false
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	prompt := Prompt{
		UserID:        s.userID,
		SessionID:     s.chatID,
		Content:       msg.Content,
		Mode:          msg.ChatMode,
		PersonalityID: msg.PersonalityID,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(done)
		s.generate(ctx, genCtx, prompt)
	}()
}

func (s *socketSession) generate(connCtx, genCtx context.Context, prompt Prompt) {
	emit := &socketEmitter{session: s}
	err := s.server.opts.Responder.Respond(genCtx, prompt, emit)

	s.mu.Lock()
	stopped := s.stopped
	s.cancel()
	s.cancel = nil
	s.mu.Unlock()

	switch {
	case stopped:
		s.writeFrame(wire.Frame{Type: wire.TypeInfo, Content: wire.InfoStoppedText})
		s.writeFrame(wire.Frame{Type: wire.TypeDone})
	case errors.Is(err, ErrDropConnection):
		s.log.Info().Msg("Dropping connection")
		s.conn.UnderlyingConn().Close()
	case connCtx.Err() != nil:
	case err != nil:
		s.writeFrame(wire.Frame{Type: wire.TypeError, Content: err.Error()})
	default:
		s.server.persistReply(prompt, emit.reply.String())
		s.writeFrame(wire.Frame{Type: wire.TypeDone})
	}
}

// stop cancels the running generation. Without one it is ignored.
func (s *socketSession) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.stopped = true
		s.cancel()
	}
}

func (s *socketSession) writeFrame(f wire.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(s.server.timeouts().WriteWait))
	return s.conn.WriteJSON(f)
}

type socketEmitter struct {
	session *socketSession
	reply   strings.Builder
}

func (e *socketEmitter) Token(text string) error {
	e.reply.WriteString(text)
	return e.session.writeFrame(wire.Frame{Type: wire.TypeToken, Content: text})
}

func (e *socketEmitter) Info(text string) error {
	return e.session.writeFrame(wire.Frame{Type: wire.TypeInfo, Content: text})
}
