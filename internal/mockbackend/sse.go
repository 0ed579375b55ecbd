package mockbackend

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/relyce/chatstream/internal/fallback"
	"github.com/relyce/chatstream/internal/wire"
	"github.com/relyce/chatstream/pkg/httpext"
)

// handleStream serves the HTTP fallback as server-sent events.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	userID, valid := validateToken(extractToken(r))
	if !valid {
		httpext.JsonError(w, "Invalid or expired token", http.StatusUnauthorized)
		return
	}

	var req fallback.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpext.JsonError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := wire.Validate(req); err != nil {
		httpext.JsonError(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	if !s.limiter.Allow(req.SessionID) {
		httpext.JsonErrorWithCode(w, http.StatusTooManyRequests, httpext.ErrorResponse{Detail: "Rate limit exceeded", Code: "rate_limited"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		httpext.JsonError(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	prompt := Prompt{
		UserID:        userID,
		SessionID:     req.SessionID,
		Content:       req.Message,
		Mode:          req.ChatMode,
		PersonalityID: req.PersonalityID,
	}
	if req.Personality != nil && prompt.PersonalityID == "" {
		prompt.PersonalityID = req.Personality.ID
	}

	emit := &sseEmitter{w: w, flusher: flusher}
	err := s.opts.Responder.Respond(r.Context(), prompt, emit)

	switch {
	case errors.Is(err, ErrDropConnection):
		s.log.Info().Str("session_id", req.SessionID).Msg("Aborting stream")
		panic(http.ErrAbortHandler)
	case r.Context().Err() != nil:
	case err != nil:
		emit.write(wire.Frame{Type: wire.TypeError, Content: err.Error()})
	default:
		s.persistReply(prompt, emit.reply.String())
		emit.write(wire.Frame{Type: wire.TypeDone})
	}
}

// sseEmitter writes one data line per frame. Search progress travels inline
// in the token text, the way the streaming endpoint reports it.
type sseEmitter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	reply   strings.Builder
}

func (e *sseEmitter) Token(text string) error {
	e.reply.WriteString(text)
	return e.write(wire.Frame{Type: wire.TypeToken, Content: text})
}

func (e *sseEmitter) Info(text string) error {
	if strings.HasPrefix(text, wire.SearchingPrefix) {
		return e.write(wire.Frame{Type: wire.TypeToken, Content: "[INFO] " + text + "\n\n"})
	}
	return e.write(wire.Frame{Type: wire.TypeInfo, Content: text})
}

func (e *sseEmitter) write(f wire.Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", data); err != nil {
		return err
	}
	e.flusher.Flush()
	return nil
}
