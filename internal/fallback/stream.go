package fallback

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/relyce/chatstream/internal/connections"
	"github.com/relyce/chatstream/internal/wire"
)

const dataPrefix = "data: "

type EventKind int

const (
	EventToken EventKind = iota
	EventInfo
)

// Event is one item of the streamed reply. Info text uses the same format
// as socket info frames.
type Event struct {
	Kind EventKind
	Text string
}

// Stream reads a reply incrementally. Iterate with Next and Event, then
// check Err:
//
//	for s.Next() {
//		e := s.Event()
//	}
//	if err := s.Err(); err != nil { ... }
type Stream struct {
	body   io.ReadCloser
	reader *bufio.Reader
	log    zerolog.Logger

	queue   []Event
	current Event
	done    bool
	err     error
	inline  inlineInfo

	closeOnce sync.Once
}

func newStream(body io.ReadCloser, log zerolog.Logger) *Stream {
	return &Stream{
		body:   body,
		reader: bufio.NewReader(body),
		log:    log,
	}
}

// Next advances to the next event, reading from the body as needed. It
// returns false at the end of the reply or on error.
func (s *Stream) Next() bool {
	for len(s.queue) == 0 {
		if s.done {
			return false
		}
		s.read()
	}
	s.current = s.queue[0]
	s.queue = s.queue[1:]
	return true
}

func (s *Stream) Event() Event {
	return s.current
}

// Err returns the error that ended the stream: a *BackendError for an error
// frame, or a transport error. A reply that ends without a done frame is
// not an error.
func (s *Stream) Err() error {
	return s.err
}

func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
	})
	return err
}

func (s *Stream) read() {
	line, err := s.reader.ReadString('\n')
	if line != "" {
		// A final line without a newline is still parsed.
		s.handleLine(strings.TrimRight(line, "\r\n"))
	}
	if s.done {
		return
	}

	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		s.finish(nil)
	default:
		s.log.Error().Err(err).Msg("Stream read failed")
		s.finish(fmt.Errorf("%w: %v", connections.ErrTransport, err))
	}
}

func (s *Stream) handleLine(line string) {
	if strings.TrimSpace(line) == "" || !strings.HasPrefix(line, dataPrefix) {
		return
	}

	frame, err := wire.ParseFrame([]byte(line[len(dataPrefix):]))
	if err != nil {
		s.log.Warn().Err(err).Str("line", line).Msg("Failed to parse SSE line")
		return
	}

	switch frame.Type {
	case wire.TypeToken:
		s.queue = append(s.queue, s.inline.token(frame.Content)...)
	case wire.TypeInfo:
		s.queue = append(s.queue, Event{Kind: EventInfo, Text: frame.Content})
	case wire.TypeDone:
		s.finish(nil)
	case wire.TypeError:
		s.log.Warn().Str("error", frame.Content).Msg("Backend reported an error")
		s.finish(&BackendError{Message: frame.Content})
	}
}

func (s *Stream) finish(err error) {
	s.queue = append(s.queue, s.inline.flush()...)
	s.done = true
	s.err = err
	s.Close()
}

const inlineInfoPrefix = "[INFO]"

var inlineSearching = regexp.MustCompile(`^\[INFO\] Searching with: (.*?)\n+`)

// inlineInfo turns a leading "[INFO] Searching with: <query>\n" block in the
// token text into a searching info event and strips it from the content.
type inlineInfo struct {
	settled  bool
	sentInfo bool
	acc      string
	rest     string
}

func (f *inlineInfo) token(text string) []Event {
	if f.settled {
		return []Event{{Kind: EventToken, Text: text}}
	}
	f.acc += text

	if !strings.HasPrefix(f.acc, inlineInfoPrefix) {
		if strings.HasPrefix(inlineInfoPrefix, f.acc) {
			return nil
		}
		return f.settle(f.acc)
	}

	m := inlineSearching.FindStringSubmatch(f.acc)
	if m == nil {
		if strings.Contains(f.acc, "\n") {
			// Some other bracketed prefix; treat it as content.
			return f.settle(f.acc)
		}
		return nil
	}

	var events []Event
	if !f.sentInfo {
		f.sentInfo = true
		events = append(events, Event{Kind: EventInfo, Text: wire.SearchingPrefix + " " + m[1]})
	}
	f.rest = f.acc[len(m[0]):]
	if strings.TrimSpace(f.rest) != "" {
		events = append(events, f.settle(f.rest)...)
	}
	return events
}

func (f *inlineInfo) settle(text string) []Event {
	f.settled = true
	f.acc = ""
	f.rest = ""
	if text == "" {
		return nil
	}
	return []Event{{Kind: EventToken, Text: text}}
}

// flush releases anything still held back at the end of the reply.
func (f *inlineInfo) flush() []Event {
	if f.settled {
		return nil
	}
	if f.sentInfo {
		return f.settle(f.rest)
	}
	return f.settle(f.acc)
}
