package evdev

import (
	"sync"

	"github.com/obviyus/vhost-user-input/internal/input"
)

// Injector is an in-memory event source. Producers push translated events
// from any goroutine; the backend polls them from its queue workers. It
// also serves as the synthetic-input path for tests and tooling.
type Injector struct {
	mu     sync.Mutex
	events []input.Event
}

// NewInjector creates an empty injector.
func NewInjector() *Injector {
	return &Injector{}
}

// Push appends events to the pending sequence.
func (s *Injector) Push(events ...input.Event) {
	s.mu.Lock()
	s.events = append(s.events, events...)
	s.mu.Unlock()
}

// Poll removes and returns up to max pending events without blocking.
func (s *Injector) Poll(max int) []input.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.events) == 0 {
		return nil
	}
	n := len(s.events)
	if n > max {
		n = max
	}
	out := make([]input.Event, n)
	copy(out, s.events[:n])
	s.events = s.events[n:]
	return out
}

// Len returns the number of pending events.
func (s *Injector) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}
