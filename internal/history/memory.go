package history

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relyce/chatstream/internal/messages"
)

type memorySession struct {
	name        string
	messages    []messages.Message
	subscribers map[int]UpdateFunc
}

// MemoryStore keeps history in process. Used by the CLI by default and in
// tests.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*memorySession
	limit    int
	nextSub  int
}

func NewMemoryStore(limit int) *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*memorySession),
		limit:    limit,
	}
}

func (ms *MemoryStore) sessionLocked(userID, sessionID string) *memorySession {
	key := userID + "/" + sessionID
	s, ok := ms.sessions[key]
	if !ok {
		s = &memorySession{name: DefaultSessionName, subscribers: make(map[int]UpdateFunc)}
		ms.sessions[key] = s
	}
	return s
}

func (ms *MemoryStore) Subscribe(ctx context.Context, userID, sessionID string, fn UpdateFunc) (func(), error) {
	ms.mu.Lock()
	s := ms.sessionLocked(userID, sessionID)
	id := ms.nextSub
	ms.nextSub++
	s.subscribers[id] = fn
	current := tail(s.messages, ms.limit)
	ms.mu.Unlock()

	fn(current)

	var once sync.Once
	return func() {
		once.Do(func() {
			ms.mu.Lock()
			delete(s.subscribers, id)
			ms.mu.Unlock()
		})
	}, nil
}

func (ms *MemoryStore) Append(ctx context.Context, userID, sessionID string, msg messages.Message) (string, error) {
	msg = persisted(msg)
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	ms.mu.Lock()
	s := ms.sessionLocked(userID, sessionID)
	s.messages = append(s.messages, msg)
	current := tail(s.messages, ms.limit)
	subscribers := make([]UpdateFunc, 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		subscribers = append(subscribers, fn)
	}
	ms.mu.Unlock()

	for _, fn := range subscribers {
		fn(current)
	}
	return msg.ID, nil
}

func (ms *MemoryStore) EnsureSessionName(ctx context.Context, userID, sessionID, title string) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	s := ms.sessionLocked(userID, sessionID)
	if s.name != "" && s.name != DefaultSessionName {
		return false, nil
	}
	s.name = title
	return true, nil
}

func (ms *MemoryStore) SessionName(ctx context.Context, userID, sessionID string) (string, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.sessionLocked(userID, sessionID).name, nil
}

func (ms *MemoryStore) Close() error {
	return nil
}
