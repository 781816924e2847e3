package pool

import (
	"github.com/devicelab-dev/appium-orchestrator/pkg/session"
)

// AddListener registers a pool-level event listener and returns a handle
// for removal. Every session event is forwarded to every listener.
func (m *Manager) AddListener(fn func(session.Event)) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = fn
	return id
}

// RemoveListener unregisters a listener by its handle.
func (m *Manager) RemoveListener(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listeners, id)
}

// forward fans a session event out to all listeners. A panicking listener
// is caught and logged; it never breaks delivery to the remaining
// listeners or the emitting session.
func (m *Manager) forward(ev session.Event) {
	m.mu.Lock()
	fns := make([]func(session.Event), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		m.deliver(fn, ev)
	}
}

func (m *Manager) deliver(fn func(session.Event), ev session.Event) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error().Interface("panic", r).Str("event", ev.Type.String()).Msg("pool listener panicked")
		}
	}()
	fn(ev)
}
