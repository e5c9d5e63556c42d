package syncer

import (
	"sync"
	"time"
)

// Debouncer coalesces a burst of triggers into one invocation of fn,
// fired after the quiet period elapses. Used by the daemon so a stream
// of mutations becomes a single export.
type Debouncer struct {
	quiet time.Duration
	fn    func()

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// NewDebouncer returns a debouncer that calls fn once no trigger has
// arrived for the quiet duration.
func NewDebouncer(quiet time.Duration, fn func()) *Debouncer {
	return &Debouncer{quiet: quiet, fn: fn}
}

// Trigger schedules (or reschedules) the callback.
func (b *Debouncer) Trigger() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = time.AfterFunc(b.quiet, b.fn)
}

// Fire runs the callback immediately, cancelling any pending timer.
func (b *Debouncer) Fire() {
	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	stopped := b.stopped
	b.mu.Unlock()
	if !stopped {
		b.fn()
	}
}

// Stop cancels any pending callback. Further triggers are ignored.
func (b *Debouncer) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}
