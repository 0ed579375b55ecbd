// Package buffer coalesces streamed tokens into batched updates.
package buffer

import (
	"strings"
	"sync"
	"time"
)

const (
	DefaultInterval  = 50 * time.Millisecond
	DefaultThreshold = 512
)

// Buffer accumulates text. Flush returns and clears it in one step.
type Buffer struct {
	mu sync.Mutex
	sb strings.Builder
}

func (b *Buffer) Append(text string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sb.WriteString(text)
}

// Len returns the buffered length in bytes
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sb.Len()
}

func (b *Buffer) Flush() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	text := b.sb.String()
	b.sb.Reset()
	return text
}

func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sb.Reset()
}

// Flusher hands buffered text to apply at most once per interval, or
// immediately once threshold bytes are pending. apply runs with the
// flusher's lock held so batches reach it in order; it must not call back
// into the flusher.
type Flusher struct {
	mu        sync.Mutex
	buf       Buffer
	apply     func(string)
	interval  time.Duration
	threshold int
	now       func() time.Time

	timer   *time.Timer
	timerID uint64
	last    time.Time
	closed  bool
}

func NewFlusher(apply func(string), interval time.Duration, threshold int) *Flusher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Flusher{
		apply:     apply,
		interval:  interval,
		threshold: threshold,
		now:       time.Now,
	}
}

// Append buffers text and schedules a flush. Appends after Drain or
// Discard are ignored.
func (f *Flusher) Append(text string) {
	if text == "" {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.buf.Append(text)

	if f.buf.Len() >= f.threshold {
		f.flushLocked()
		return
	}
	if f.timer != nil {
		return
	}

	wait := f.last.Add(f.interval).Sub(f.now())
	if wait < 0 {
		wait = 0
	}
	f.timerID++
	id := f.timerID
	f.timer = time.AfterFunc(wait, func() { f.fire(id) })
}

func (f *Flusher) fire(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed || id != f.timerID {
		return
	}
	f.timer = nil
	f.flushLocked()
}

func (f *Flusher) flushLocked() {
	f.stopTimerLocked()

	text := f.buf.Flush()
	if text == "" {
		return
	}
	f.last = f.now()
	f.apply(text)
}

func (f *Flusher) stopTimerLocked() {
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	f.timerID++
}

// Drain synchronously applies whatever is pending and closes the flusher.
// Call it before finalizing the message so no tokens are lost.
func (f *Flusher) Drain() {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return
	}
	f.flushLocked()
	f.closed = true
}

// Discard drops pending text and closes the flusher.
func (f *Flusher) Discard() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.stopTimerLocked()
	f.buf.Reset()
	f.closed = true
}

// Pending returns the number of buffered bytes not yet applied.
func (f *Flusher) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buf.Len()
}
