// Package perfmon samples session-pool gauges for the duration of a run.
package perfmon

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/devicelab-dev/appium-orchestrator/pkg/core"
	"github.com/devicelab-dev/appium-orchestrator/pkg/pool"
)

// DefaultInterval is the sampling period when none is configured.
const DefaultInterval = 5 * time.Second

// Monitor implements core.PerformanceMonitor over pool statistics.
type Monitor struct {
	pool     *pool.Manager
	runID    string
	deviceID string
	interval time.Duration
	log      zerolog.Logger

	mu        sync.Mutex
	startedAt time.Time
	samples   int
	sumActive int
	peak      int
	errored   int
	running   bool
	stop      chan struct{}
	done      chan struct{}
}

// New creates a monitor scoped to one run and device.
func New(p *pool.Manager, runID, deviceID string, interval time.Duration, log zerolog.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		pool:     p,
		runID:    runID,
		deviceID: deviceID,
		interval: interval,
		log:      log.With().Str("component", "perfmon").Str("run", runID).Logger(),
	}
}

// Start begins sampling. Calling Start on a running monitor is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.startedAt = time.Now()
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	m.mu.Unlock()

	m.sample()
	go m.loop()
}

// Stop ends sampling and returns the summary. Idempotent: a second Stop
// returns another summary over the same window.
func (m *Monitor) Stop() *core.PerfSummary {
	m.mu.Lock()
	if m.running {
		m.running = false
		close(m.stop)
		done := m.done
		m.mu.Unlock()
		<-done
		m.mu.Lock()
	}
	defer m.mu.Unlock()

	summary := &core.PerfSummary{
		TestRunID:     m.runID,
		DeviceID:      m.deviceID,
		StartedAt:     m.startedAt,
		StoppedAt:     time.Now(),
		Samples:       m.samples,
		PeakActive:    m.peak,
		ErrorSessions: m.errored,
	}
	if m.samples > 0 {
		summary.AvgActive = float64(m.sumActive) / float64(m.samples)
	}
	return summary
}

func (m *Monitor) loop() {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sample()
		}
	}
}

func (m *Monitor) sample() {
	stats := m.pool.Statistics()
	m.mu.Lock()
	m.samples++
	m.sumActive += stats.ActiveCount
	if stats.ActiveCount > m.peak {
		m.peak = stats.ActiveCount
	}
	if stats.ErrorCount > m.errored {
		m.errored = stats.ErrorCount
	}
	m.mu.Unlock()
}
