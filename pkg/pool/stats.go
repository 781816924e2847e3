package pool

import (
	"time"

	"github.com/devicelab-dev/appium-orchestrator/pkg/session"
)

// Statistics is an on-demand aggregate over the pool.
type Statistics struct {
	TotalCreated         int64         `json:"totalCreated"`
	TotalDestroyed       int64         `json:"totalDestroyed"`
	ActiveCount          int           `json:"activeCount"`
	ErrorCount           int           `json:"errorCount"`
	ReconnectAttempts    int64         `json:"reconnectAttempts"`
	SuccessfulReconnects int64         `json:"successfulReconnects"`
	AvgLifetime          time.Duration `json:"avgLifetime"`
}

// Statistics recomputes the aggregate counters. AvgLifetime is a rolling
// average over the last 100 recorded session lifetimes.
func (m *Manager) Statistics() Statistics {
	var active, errored int
	for _, s := range m.snapshot() {
		switch s.Status() {
		case session.StatusActive:
			active++
		case session.StatusError:
			errored++
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	stats := Statistics{
		TotalCreated:         m.totalCreated,
		TotalDestroyed:       m.totalDestroyed,
		ActiveCount:          active,
		ErrorCount:           errored,
		ReconnectAttempts:    m.reconnectAttempts,
		SuccessfulReconnects: m.successfulReconnects,
	}
	if len(m.lifetimes) > 0 {
		var sum time.Duration
		for _, d := range m.lifetimes {
			sum += d
		}
		stats.AvgLifetime = sum / time.Duration(len(m.lifetimes))
	}
	return stats
}

// recordLifetime appends a session lifetime to the rolling window,
// evicting the oldest entry past the window size.
func (m *Manager) recordLifetime(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lifetimes = append(m.lifetimes, d)
	if len(m.lifetimes) > lifetimeWindow {
		m.lifetimes = m.lifetimes[len(m.lifetimes)-lifetimeWindow:]
	}
}
