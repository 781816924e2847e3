package scheduler

import (
	"time"
)

// EventType classifies test lifecycle events
type EventType int

const (
	EventTestStarted EventType = iota
	EventTestCompleted
	EventTestFailed
	EventTestRetry
)

// String returns the string representation of EventType
func (t EventType) String() string {
	switch t {
	case EventTestStarted:
		return "test_started"
	case EventTestCompleted:
		return "test_completed"
	case EventTestFailed:
		return "test_failed"
	case EventTestRetry:
		return "test_retry"
	default:
		return "unknown"
	}
}

// Event is one test lifecycle notification.
type Event struct {
	Type       EventType              `json:"type"`
	TestRunID  string                 `json:"testRunId"`
	TestCaseID string                 `json:"testCaseId"`
	DeviceID   string                 `json:"deviceId"`
	Timestamp  time.Time              `json:"timestamp"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// Handler receives scheduler events.
type Handler func(Event)

// On subscribes a handler and returns a handle for Off.
func (s *Scheduler) On(h Handler) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextHandler
	s.nextHandler++
	s.handlers[id] = h
	return id
}

// Off unsubscribes a handler by its handle.
func (s *Scheduler) Off(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handlers, id)
}

// emit delivers an event to every handler. A panicking handler is caught
// and logged without breaking delivery to the rest.
func (s *Scheduler) emit(ev Event) {
	s.mu.Lock()
	hs := make([]Handler, 0, len(s.handlers))
	for _, h := range s.handlers {
		hs = append(hs, h)
	}
	s.mu.Unlock()

	for _, h := range hs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.log.Error().Interface("panic", r).Str("event", ev.Type.String()).Msg("event handler panicked")
				}
			}()
			h(ev)
		}()
	}
}
