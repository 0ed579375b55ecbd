package connections

import (
	"errors"
	"time"
)

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrNotConnected       = errors.New("not connected to server")
	ErrTransport          = errors.New("connection error")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrBackend            = errors.New("backend error")
)

// Event is delivered to a Handler. The concrete types below are the whole
// set; handlers switch on them.
type Event interface {
	isEvent()
}

// Connected fires every time a socket opens, including after a reconnect.
type Connected struct {
	SessionID string
}

// Reconnecting fires when a reconnect attempt has been scheduled.
type Reconnecting struct {
	SessionID string
	Attempt   int
	Delay     time.Duration
}

// Token carries a chunk of generated text.
type Token struct {
	Text string
}

// Info carries an out-of-band status string; see wire.ParseInfo.
type Info struct {
	Text string
}

// Done marks the successful end of a generation.
type Done struct{}

// Failed reports any error. Err is one of the package sentinels and can be
// matched with errors.Is; Reason is the human readable text.
type Failed struct {
	Reason string
	Err    error
}

func (Connected) isEvent()    {}
func (Reconnecting) isEvent() {}
func (Token) isEvent()        {}
func (Info) isEvent()         {}
func (Done) isEvent()         {}
func (Failed) isEvent()       {}

// Terminal reports whether the failure ends the current generation. Socket
// drops do not: the client is reconnecting and the stream may resume.
func (f Failed) Terminal() bool {
	return !errors.Is(f.Err, ErrTransport)
}

type Handler interface {
	HandleEvent(Event)
}

type HandlerFunc func(Event)

func (f HandlerFunc) HandleEvent(e Event) { f(e) }

// Callbacks is a Handler built from optional functions. Nil entries are
// no-ops.
type Callbacks struct {
	OnConnect   func()
	OnReconnect func()
	OnToken     func(text string)
	OnInfo      func(text string)
	OnDone      func()
	OnError     func(reason string)
}

func (c Callbacks) HandleEvent(e Event) {
	switch ev := e.(type) {
	case Connected:
		if c.OnConnect != nil {
			c.OnConnect()
		}
	case Reconnecting:
		if c.OnReconnect != nil {
			c.OnReconnect()
		}
	case Token:
		if c.OnToken != nil {
			c.OnToken(ev.Text)
		}
	case Info:
		if c.OnInfo != nil {
			c.OnInfo(ev.Text)
		}
	case Done:
		if c.OnDone != nil {
			c.OnDone()
		}
	case Failed:
		if c.OnError != nil {
			c.OnError(ev.Reason)
		}
	}
}
