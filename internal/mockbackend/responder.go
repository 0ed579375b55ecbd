package mockbackend

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/relyce/chatstream/internal/wire"
)

// ErrDropConnection makes the server cut the transport without a terminal
// frame, as a crashed backend would.
var ErrDropConnection = errors.New("mockbackend: drop connection")

// Prompt is one user turn as received by the server.
type Prompt struct {
	UserID        string
	SessionID     string
	Content       string
	Mode          string
	PersonalityID string
}

// Emitter streams parts of a reply back to the client.
type Emitter interface {
	Token(text string) error
	Info(text string) error
}

// Responder generates a reply. A nil return ends the reply with done; any
// other error except ErrDropConnection is sent as an error frame. ctx is
// cancelled when the client asks to stop.
type Responder interface {
	Respond(ctx context.Context, p Prompt, emit Emitter) error
}

type ResponderFunc func(ctx context.Context, p Prompt, emit Emitter) error

func (f ResponderFunc) Respond(ctx context.Context, p Prompt, emit Emitter) error {
	return f(ctx, p, emit)
}

// Echo repeats the prompt back one word at a time.
type Echo struct {
	Delay time.Duration
}

func (e Echo) Respond(ctx context.Context, p Prompt, emit Emitter) error {
	if err := emit.Info(wire.InfoProcessingText); err != nil {
		return err
	}

	if p.Mode == wire.ModeDeepSearch {
		if err := emit.Info(wire.SearchingPrefix + " " + p.Content); err != nil {
			return err
		}
		if err := emit.Info(wire.IntelPrefix + `{"mode":"deepsearch","confidence":0.9}`); err != nil {
			return err
		}
	}

	for _, word := range strings.SplitAfter("You said: "+p.Content, " ") {
		if err := sleep(ctx, e.Delay); err != nil {
			return err
		}
		if err := emit.Token(word); err != nil {
			return err
		}
	}
	return nil
}

// Script replays fixed tokens, then returns Err.
type Script struct {
	Infos  []string
	Tokens []string
	Delay  time.Duration
	Err    error
}

func (s Script) Respond(ctx context.Context, p Prompt, emit Emitter) error {
	for _, info := range s.Infos {
		if err := emit.Info(info); err != nil {
			return err
		}
	}
	for _, token := range s.Tokens {
		if err := sleep(ctx, s.Delay); err != nil {
			return err
		}
		if err := emit.Token(token); err != nil {
			return err
		}
	}
	if s.Err != nil {
		return s.Err
	}
	return ctx.Err()
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
