package connections

import (
	"sync"
)

type entry struct {
	client *Client
	refs   int
}

// Registry hands out the process-wide Client for a chat session. At most
// one session is live: acquiring a new one disconnects the others.
type Registry struct {
	mu       sync.Mutex
	entries  map[string]*entry
	timeouts TimeoutConfig
	newFn    func(TimeoutConfig) *Client
}

// NewRegistry creates a registry whose clients are built by newFn with the
// registry's current timeouts.
func NewRegistry(timeouts TimeoutConfig, newFn func(TimeoutConfig) *Client) *Registry {
	return &Registry{
		entries:  make(map[string]*entry),
		timeouts: timeouts,
		newFn:    newFn,
	}
}

// Acquire returns the client for sessionID, creating it if needed, and
// takes a reference on it.
func (r *Registry) Acquire(sessionID string) *Client {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[sessionID]; ok {
		e.refs++
		return e.client
	}

	for id, e := range r.entries {
		e.client.Disconnect()
		delete(r.entries, id)
	}

	c := r.newFn(r.timeouts)
	r.entries[sessionID] = &entry{client: c, refs: 1}
	return c
}

// Release drops a reference. The last release disconnects the client.
func (r *Registry) Release(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[sessionID]
	if !ok {
		return
	}
	e.refs--
	if e.refs <= 0 {
		e.client.Disconnect()
		delete(r.entries, sessionID)
	}
}

// Get returns the client for sessionID without taking a reference.
func (r *Registry) Get(sessionID string) (*Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[sessionID]
	if !ok {
		return nil, false
	}
	return e.client, true
}

func (r *Registry) Has(sessionID string) bool {
	_, ok := r.Get(sessionID)
	return ok
}

// Count returns the number of live clients
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Close disconnects every client.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.entries {
		e.client.Disconnect()
		delete(r.entries, id)
	}
}

// GetTimeouts returns the timeouts applied to new clients
func (r *Registry) GetTimeouts() TimeoutConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timeouts
}

// SetTimeouts updates the timeouts applied to clients created afterwards
func (r *Registry) SetTimeouts(timeouts TimeoutConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timeouts = timeouts
}
