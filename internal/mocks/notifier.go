package mocks

import (
	"sync"

	"github.com/phrazzld/segqueue/internal/events"
)

// MockNotifier records events instead of delivering them.
type MockNotifier struct {
	// Reject makes Notify report a full buffer.
	Reject bool

	mu     sync.Mutex
	events []events.Event
}

// Notify records event and reports whether it was accepted.
func (m *MockNotifier) Notify(event events.Event) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Reject {
		return false
	}
	m.events = append(m.events, event)
	return true
}

// Events returns a copy of the recorded events.
func (m *MockNotifier) Events() []events.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]events.Event(nil), m.events...)
}

// EventsOfType returns the recorded events of type t.
func (m *MockNotifier) EventsOfType(t events.Type) []events.Event {
	var out []events.Event
	for _, e := range m.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Reset forgets all recorded events.
func (m *MockNotifier) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
}
