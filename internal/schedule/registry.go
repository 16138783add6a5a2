// Package schedule re-arms backup cycles in continuous mode and keeps track of
// pending timers so a shutdown can cancel them.
package schedule

import (
	"sync"
	"time"
)

// Registry is the set of pending timers. Once CancelAll has run, the registry
// stays closed: new timers are refused and Done is closed.
type Registry struct {
	mu     sync.Mutex
	timers map[*time.Timer]struct{}
	closed bool
	done   chan struct{}
}

// NewRegistry returns an open registry.
func NewRegistry() *Registry {
	return &Registry{
		timers: map[*time.Timer]struct{}{},
		done:   make(chan struct{}),
	}
}

// Register adds a pending timer. It returns false, and stops the timer, when
// the registry has already been cancelled.
func (r *Registry) Register(t *time.Timer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		t.Stop()
		return false
	}
	r.timers[t] = struct{}{}
	return true
}

// Release forgets a timer that fired or is no longer needed.
func (r *Registry) Release(t *time.Timer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.timers, t)
}

// CancelAll stops every pending timer, empties the set and closes the registry.
// It returns the number of timers that were stopped before firing.
func (r *Registry) CancelAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	stopped := 0
	for t := range r.timers {
		if t.Stop() {
			stopped++
		}
		delete(r.timers, t)
	}
	if !r.closed {
		r.closed = true
		close(r.done)
	}
	return stopped
}

// Done is closed by CancelAll.
func (r *Registry) Done() <-chan struct{} { return r.done }

// Cancelled reports whether CancelAll has run.
func (r *Registry) Cancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Len returns the number of pending timers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}
