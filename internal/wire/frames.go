// Package wire defines the JSON frames exchanged with the chat backend over
// the socket and the streamed HTTP fallback.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

const (
	TypeMessage = "message"
	TypeStop    = "stop"
	TypePing    = "ping"

	TypeToken = "token"
	TypeInfo  = "info"
	TypeDone  = "done"
	TypeError = "error"
	TypePong  = "pong"
)

const (
	ModeNormal     = "normal"
	ModeBusiness   = "business"
	ModeDeepSearch = "deepsearch"
)

// MaxContentLength is the longest user turn the backend accepts.
const MaxContentLength = 10000

var (
	ErrMissingType = errors.New("frame has no type")
	ErrUnknownType = errors.New("unknown frame type")
)

// OutboundMessage is one user turn sent over the socket.
type OutboundMessage struct {
	Type          string         `json:"type" validate:"eq=message"`
	Content       string         `json:"content" validate:"max=10000"`
	ChatMode      string         `json:"chat_mode" validate:"required,oneof=normal business deepsearch"`
	PersonalityID string         `json:"personality_id,omitempty"`
	UserSettings  map[string]any `json:"user_settings,omitempty"`
}

// NewOutboundMessage builds a message frame. Only the personality id travels
// on the socket; the backend resolves the rest.
func NewOutboundMessage(content, mode string, personality *Personality, settings map[string]any) OutboundMessage {
	msg := OutboundMessage{
		Type:         TypeMessage,
		Content:      content,
		ChatMode:     mode,
		UserSettings: settings,
	}
	if personality != nil {
		msg.PersonalityID = personality.ID
	}
	return msg
}

// ControlFrame carries stop and ping.
type ControlFrame struct {
	Type string `json:"type"`
}

var (
	StopFrame = ControlFrame{Type: TypeStop}
	PingFrame = ControlFrame{Type: TypePing}
)

// Frame is an inbound event from the backend, discriminated by Type.
type Frame struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// IsTerminal reports whether no further tokens follow this frame.
func (f Frame) IsTerminal() bool {
	return f.Type == TypeDone || f.Type == TypeError
}

// ParseFrame decodes one inbound frame. Unknown types decode successfully
// but return ErrUnknownType so callers can skip them.
func ParseFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("decoding frame: %w", err)
	}

	switch f.Type {
	case TypeToken, TypeInfo, TypeDone, TypeError, TypePong:
		return f, nil
	case "":
		return f, ErrMissingType
	default:
		return f, fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}
}
