package messages

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

var (
	ErrDuplicateID    = errors.New("message id already exists")
	ErrStreamInFlight = errors.New("another message is already streaming")
	ErrNotFound       = errors.New("message not found")
)

// ErrorPrefix is prepended to the reason when a failed stream left no content.
const ErrorPrefix = "⚠️ Error: "

// Listener receives a snapshot of the list after every change.
type Listener func([]Message)

// Store is the canonical message list for the active session. At most one
// message is streaming at a time, and persisted history never replaces the
// list while one is. Entries added locally stay visible until a persisted
// copy with the same id arrives.
type Store struct {
	mu       sync.Mutex
	messages []Message
	pending  []Message
	deferred bool
	local    map[string]struct{}
	seq      uint64

	notifyMu  sync.Mutex
	delivered uint64
	listeners map[int]Listener
	nextID    int
}

func NewStore() *Store {
	return &Store{
		local:     make(map[string]struct{}),
		listeners: make(map[int]Listener),
	}
}

// Append adds messages in order. Either all are added or none are.
func (s *Store) Append(msgs ...Message) error {
	s.mu.Lock()

	streaming := s.streamingCountLocked()
	seen := make(map[string]struct{}, len(s.messages)+len(msgs))
	for _, m := range s.messages {
		seen[m.ID] = struct{}{}
	}
	for _, m := range msgs {
		if _, dup := seen[m.ID]; dup {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrDuplicateID, m.ID)
		}
		seen[m.ID] = struct{}{}
		if m.IsStreaming {
			streaming++
		}
	}
	if streaming > 1 {
		s.mu.Unlock()
		return ErrStreamInFlight
	}

	for _, m := range msgs {
		s.messages = append(s.messages, m.Clone())
		s.local[m.ID] = struct{}{}
	}
	snapshot, seq := s.changedLocked()
	s.mu.Unlock()

	s.notify(snapshot, seq)
	return nil
}

// AppendContent adds text to a streaming message. It returns false, and
// changes nothing, if the message is unknown or already finalized.
func (s *Store) AppendContent(id, text string) bool {
	if text == "" {
		return false
	}

	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 || !s.messages[i].IsStreaming {
		s.mu.Unlock()
		return false
	}
	s.messages[i].Content += text
	s.messages[i].IsGenerating = false
	snapshot, seq := s.changedLocked()
	s.mu.Unlock()

	s.notify(snapshot, seq)
	return true
}

// Update applies fn to the message with id. fn may not change the id or
// start a second stream.
func (s *Store) Update(id string, fn func(*Message)) error {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	before := s.messages[i]
	updated := before.Clone()
	fn(&updated)
	updated.ID = before.ID
	if updated.IsStreaming && !before.IsStreaming && s.streamingCountLocked() > 0 {
		s.mu.Unlock()
		return ErrStreamInFlight
	}
	s.messages[i] = updated
	snapshot, seq := s.changedLocked()
	s.mu.Unlock()

	s.notify(snapshot, seq)
	return nil
}

// Finalize ends the stream on id. A non-empty reason marks the message as
// errored only when it has no content yet; a partial answer is kept as is.
// Deferred history is applied once nothing is streaming.
func (s *Store) Finalize(id, reason string) (Message, error) {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return Message{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	m := &s.messages[i]
	m.IsStreaming = false
	m.IsGenerating = false
	m.IsSearching = false
	m.SearchQuery = ""
	if reason != "" && strings.TrimSpace(m.Content) == "" {
		m.Content = ErrorPrefix + reason
		m.IsError = true
	}
	final := m.Clone()

	if s.deferred && s.streamingCountLocked() == 0 {
		s.replaceLocked(s.pending)
	}
	snapshot, seq := s.changedLocked()
	s.mu.Unlock()

	s.notify(snapshot, seq)
	return final, nil
}

// ApplyHistory replaces the list with a deduplicated persisted copy. Local
// entries the copy does not contain yet are kept after the message they
// followed. While a message is streaming the copy is held back and applied
// on Finalize; only the latest held copy is kept. Reports whether the list
// was replaced.
func (s *Store) ApplyHistory(list []Message) bool {
	deduped := Dedupe(list)
	for i := range deduped {
		deduped[i] = deduped[i].Clone()
	}

	s.mu.Lock()
	if s.streamingCountLocked() > 0 {
		s.pending = deduped
		s.deferred = true
		s.mu.Unlock()
		return false
	}
	s.replaceLocked(deduped)
	snapshot, seq := s.changedLocked()
	s.mu.Unlock()

	s.notify(snapshot, seq)
	return true
}

// HasDeferredHistory reports whether a persisted copy is waiting for the
// stream to finish.
func (s *Store) HasDeferredHistory() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deferred
}

// Reset replaces the list unconditionally and drops deferred history. Used
// when switching sessions.
func (s *Store) Reset(list []Message) {
	s.mu.Lock()
	s.messages = make([]Message, 0, len(list))
	for _, m := range list {
		s.messages = append(s.messages, m.Clone())
	}
	s.pending = nil
	s.deferred = false
	s.local = make(map[string]struct{})
	snapshot, seq := s.changedLocked()
	s.mu.Unlock()

	s.notify(snapshot, seq)
}

// Messages returns a copy of the list
func (s *Store) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) Get(id string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 {
		return Message{}, false
	}
	return s.messages[i].Clone(), true
}

// StreamingCount returns how many messages are streaming. Never more than one.
func (s *Store) StreamingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamingCountLocked()
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// Pairs groups the current list into question and answer pairs.
func (s *Store) Pairs() []Pair {
	return Pairs(s.Messages())
}

// Subscribe registers fn for change snapshots and returns a func that
// removes it. Snapshots are delivered outside the store lock.
func (s *Store) Subscribe(fn Listener) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// notify delivers snapshots in the order they were taken. A snapshot that
// lost the race to a newer one is dropped. Listeners must not modify the
// store.
func (s *Store) notify(snapshot []Message, seq uint64) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	if seq <= s.delivered {
		return
	}
	s.delivered = seq

	s.mu.Lock()
	listeners := make([]Listener, 0, len(s.listeners))
	for _, fn := range s.listeners {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(snapshot)
	}
}

// replaceLocked swaps in a persisted list. A local entry is confirmed by a
// persisted entry with its id, or failing that with its role and content
// further down the list. Unconfirmed local entries stay, placed after the
// persisted message they followed.
func (s *Store) replaceLocked(list []Message) {
	current := make(map[string]struct{}, len(s.messages))
	for _, m := range s.messages {
		current[m.ID] = struct{}{}
	}
	index := make(map[string]int, len(list))
	used := make([]bool, len(list))
	for i, m := range list {
		index[m.ID] = i
		delete(s.local, m.ID)
		if _, ok := current[m.ID]; ok {
			used[i] = true
		}
	}

	after := make(map[int][]Message)
	anchor := -1
	for _, m := range s.messages {
		if i, ok := index[m.ID]; ok {
			anchor = i
			continue
		}
		if _, ok := s.local[m.ID]; !ok {
			continue
		}
		if i := matchFrom(list, used, anchor+1, m); i >= 0 {
			used[i] = true
			anchor = i
			delete(s.local, m.ID)
			continue
		}
		after[anchor] = append(after[anchor], m)
	}

	merged := make([]Message, 0, len(list)+len(s.local))
	merged = append(merged, after[-1]...)
	for i, m := range list {
		merged = append(merged, m)
		merged = append(merged, after[i]...)
	}

	s.messages = Dedupe(merged)
	s.pending = nil
	s.deferred = false
}

func matchFrom(list []Message, used []bool, from int, m Message) int {
	for i := from; i < len(list); i++ {
		if !used[i] && list[i].Role == m.Role && list[i].Content == m.Content {
			return i
		}
	}
	return -1
}

func (s *Store) changedLocked() ([]Message, uint64) {
	s.seq++
	return s.snapshotLocked(), s.seq
}

func (s *Store) indexLocked(id string) int {
	for i := range s.messages {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) streamingCountLocked() int {
	n := 0
	for _, m := range s.messages {
		if m.IsStreaming {
			n++
		}
	}
	return n
}

func (s *Store) snapshotLocked() []Message {
	out := make([]Message, len(s.messages))
	for i, m := range s.messages {
		out[i] = m.Clone()
	}
	return out
}
