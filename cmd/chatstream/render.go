package main

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/relyce/chatstream/internal/connections"
	"github.com/relyce/chatstream/internal/messages"
)

// renderer prints the tracked reply as it grows.
type renderer struct {
	mu        sync.Mutex
	out       io.Writer
	id        string
	pending   bool
	printed   int
	searching bool
	early     []messages.Message
	done      chan struct{}
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{out: out}
}

// expect marks that a reply is about to be tracked; updates arriving before
// track are replayed.
func (r *renderer) expect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = true
	r.early = nil
	r.done = make(chan struct{})
}

func (r *renderer) cancelExpect() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = false
	if r.early != nil {
		r.renderLocked(r.early)
		r.early = nil
	}
	if r.done != nil && r.id == "" {
		close(r.done)
		r.done = nil
	}
}

func (r *renderer) track(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.id = id
	r.pending = false
	r.printed = 0
	r.searching = false
	if r.early != nil {
		r.renderLocked(r.early)
		r.early = nil
	}
}

// wait blocks until the tracked reply is final.
func (r *renderer) wait(ctx context.Context) {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (r *renderer) update(list []messages.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pending {
		r.early = list
		return
	}
	r.renderLocked(list)
}

func (r *renderer) renderLocked(list []messages.Message) {
	if r.id == "" {
		return
	}

	var m *messages.Message
	for i := range list {
		if list[i].ID == r.id {
			m = &list[i]
			break
		}
	}
	if m == nil {
		// Replaced by persisted history.
		r.finishLocked()
		return
	}

	if m.IsSearching && !r.searching {
		r.searching = true
		fmt.Fprintf(r.out, "[searching: %s]\n", m.SearchQuery)
	}
	if len(m.Content) > r.printed {
		fmt.Fprint(r.out, m.Content[r.printed:])
		r.printed = len(m.Content)
	}
	if !m.IsStreaming {
		r.finishLocked()
	}
}

func (r *renderer) finishLocked() {
	fmt.Fprintln(r.out)
	r.id = ""
	if r.done != nil {
		close(r.done)
		r.done = nil
	}
}

func (r *renderer) event(e connections.Event) {
	var line string
	switch ev := e.(type) {
	case connections.Reconnecting:
		line = fmt.Sprintf("[reconnecting in %s, attempt %d]", ev.Delay, ev.Attempt)
	case connections.Failed:
		if ev.Terminal() {
			line = "[" + ev.Reason + "]"
		}
	}
	if line != "" {
		r.println(line)
	}
}

func (r *renderer) println(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.out, s)
}
