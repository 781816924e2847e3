// Package pool owns the set of sessions and enforces exclusive per-device
// session use.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/devicelab-dev/appium-orchestrator/pkg/session"
)

// BatchOptions controls CreateBatchSessions.
type BatchOptions struct {
	Parallelism     int           // Chunk size; default 3
	ContinueOnError bool          // Capture per-config errors instead of aborting
	BatchDelay      time.Duration // Pause between chunks; default 1s, skipped after the last
}

func (o BatchOptions) withDefaults() BatchOptions {
	if o.Parallelism <= 0 {
		o.Parallelism = 3
	}
	if o.BatchDelay < 0 {
		o.BatchDelay = 0
	}
	return o
}

// DefaultBatchOptions returns the documented batch defaults.
func DefaultBatchOptions() BatchOptions {
	return BatchOptions{Parallelism: 3, ContinueOnError: true, BatchDelay: time.Second}
}

// BatchFailure records one config that could not be created or started.
type BatchFailure struct {
	Config session.Config
	Err    error
}

// BatchResult is the outcome of a batched creation.
type BatchResult struct {
	Successful []session.Info
	Failed     []BatchFailure
	Total      int
}

// Filter selects sessions; all set fields must match (conjunctive).
type Filter struct {
	Status    *session.Status
	Platform  string
	Tags      []string
	ServerURL string
	UDID      string
}

// Manager owns all sessions, keyed by session id.
type Manager struct {
	log zerolog.Logger

	mu           sync.Mutex
	sessions     map[string]*session.Session
	devices      map[string]*deviceSlot // device id -> exclusivity slot
	deviceConfig map[string]session.Config
	listeners    map[int]func(session.Event)
	nextListener int
	shuttingDown bool

	// Statistics
	totalCreated         int64
	totalDestroyed       int64
	reconnectAttempts    int64
	successfulReconnects int64
	lifetimes            []time.Duration // Rolling window, newest last
}

const lifetimeWindow = 100

// NewManager creates an empty pool. Callers own the instance; there is no
// package-level default.
func NewManager(log zerolog.Logger) *Manager {
	return &Manager{
		log:          log.With().Str("component", "pool").Logger(),
		sessions:     make(map[string]*session.Session),
		devices:      make(map[string]*deviceSlot),
		deviceConfig: make(map[string]session.Config),
		listeners:    make(map[int]func(session.Event)),
	}
}

// RegisterDevice teaches the pool which session config serves a device so
// Acquire can create sessions on demand.
func (m *Manager) RegisterDevice(cfg session.Config) {
	m.mu.Lock()
	m.deviceConfig[cfg.DeviceID] = cfg
	m.mu.Unlock()
}

// CreateSession constructs and registers a session, forwarding its events
// to pool listeners. With autoStart, a start failure unregisters the
// session before the error propagates: no partially-registered sessions
// remain visible.
func (m *Manager) CreateSession(ctx context.Context, cfg session.Config, autoStart bool) (*session.Session, error) {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return nil, &session.StateError{Op: "create", SessionID: "pool", Status: session.StatusStopping}
	}
	s := session.New(cfg, m.log)
	s.OnEvent(m.forward)
	m.sessions[s.ID()] = s
	m.totalCreated++
	m.mu.Unlock()

	if autoStart {
		if err := s.Start(ctx); err != nil {
			m.mu.Lock()
			delete(m.sessions, s.ID())
			m.totalCreated--
			m.mu.Unlock()
			return nil, err
		}
	}
	return s, nil
}

// CreateBatchSessions processes configs in chunks of opts.Parallelism,
// joining each chunk before the next and sleeping opts.BatchDelay between
// chunks. Order is preserved at the chunk level only.
func (m *Manager) CreateBatchSessions(ctx context.Context, configs []session.Config, opts BatchOptions) (*BatchResult, error) {
	opts = opts.withDefaults()
	result := &BatchResult{Total: len(configs)}

	for start := 0; start < len(configs); start += opts.Parallelism {
		end := start + opts.Parallelism
		if end > len(configs) {
			end = len(configs)
		}
		chunk := configs[start:end]

		type outcome struct {
			cfg  session.Config
			info session.Info
			err  error
		}
		outcomes := make([]outcome, len(chunk))

		var wg sync.WaitGroup
		for i, cfg := range chunk {
			wg.Add(1)
			go func(i int, cfg session.Config) {
				defer wg.Done()
				s, err := m.CreateSession(ctx, cfg, true)
				if err != nil {
					outcomes[i] = outcome{cfg: cfg, err: err}
					return
				}
				outcomes[i] = outcome{cfg: cfg, info: s.Info()}
			}(i, cfg)
		}
		wg.Wait()

		for _, o := range outcomes {
			if o.err != nil {
				if !opts.ContinueOnError {
					return result, o.err
				}
				result.Failed = append(result.Failed, BatchFailure{Config: o.cfg, Err: o.err})
				continue
			}
			result.Successful = append(result.Successful, o.info)
		}

		if end < len(configs) && opts.BatchDelay > 0 {
			select {
			case <-time.After(opts.BatchDelay):
			case <-ctx.Done():
				return result, ctx.Err()
			}
		}
	}
	return result, nil
}

// GetSession returns a registered session by id.
func (m *Manager) GetSession(id string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, &session.NotFoundError{ID: id}
	}
	return s, nil
}

// StopSession stops a session without removing it from the registry.
func (m *Manager) StopSession(ctx context.Context, id string) error {
	s, err := m.GetSession(id)
	if err != nil {
		return err
	}
	createdAt := s.Info().CreatedAt
	if err := s.Stop(ctx); err != nil {
		return err
	}
	m.recordLifetime(time.Since(createdAt))
	return nil
}

// DeleteSession best-effort stops the session (swallowing stop errors)
// and always removes it from the registry: deletion never leaves a
// dangling entry even when the teardown call failed.
func (m *Manager) DeleteSession(ctx context.Context, id string) error {
	s, err := m.GetSession(id)
	if err != nil {
		return err
	}

	// A stopped session already had its lifetime recorded by StopSession;
	// an idle one never ran. Record only when the delete does the stop.
	info := s.Info()
	running := info.Status != session.StatusStopped && info.Status != session.StatusIdle
	if running {
		if stopErr := s.Stop(ctx); stopErr != nil {
			m.log.Warn().Err(stopErr).Str("session", id).Msg("stop during delete failed, removing anyway")
		}
	}

	m.mu.Lock()
	delete(m.sessions, id)
	m.totalDestroyed++
	m.mu.Unlock()
	if running {
		m.recordLifetime(time.Since(info.CreatedAt))
	}
	return nil
}

// StopAllSessions stops every running session; per-session errors are
// collected, never thrown.
func (m *Manager) StopAllSessions(ctx context.Context) map[string]error {
	errs := make(map[string]error)
	for _, s := range m.snapshot() {
		switch s.Status() {
		case session.StatusStopped, session.StatusIdle:
			continue
		}
		if err := m.StopSession(ctx, s.ID()); err != nil {
			errs[s.ID()] = err
		}
	}
	return errs
}

// DeleteAllSessions deletes every session; per-session errors are collected.
func (m *Manager) DeleteAllSessions(ctx context.Context) map[string]error {
	errs := make(map[string]error)
	for _, s := range m.snapshot() {
		if err := m.DeleteSession(ctx, s.ID()); err != nil {
			errs[s.ID()] = err
		}
	}
	return errs
}

// ListSessions returns snapshots of every registered session.
func (m *Manager) ListSessions() []session.Info {
	infos := make([]session.Info, 0)
	for _, s := range m.snapshot() {
		infos = append(infos, s.Info())
	}
	return infos
}

// FilterSessions returns sessions matching every set field of f.
func (m *Manager) FilterSessions(f Filter) []session.Info {
	matched := make([]session.Info, 0)
	for _, info := range m.ListSessions() {
		if f.Status != nil && info.Status != *f.Status {
			continue
		}
		if f.Platform != "" && info.Platform.String() != f.Platform {
			continue
		}
		if f.ServerURL != "" && info.ServerURL != f.ServerURL {
			continue
		}
		if f.UDID != "" && info.DeviceID != f.UDID {
			continue
		}
		if !hasAllTags(info.Tags, f.Tags) {
			continue
		}
		matched = append(matched, info)
	}
	return matched
}

// HealthCheck probes one session.
func (m *Manager) HealthCheck(ctx context.Context, id string) (session.Health, error) {
	s, err := m.GetSession(id)
	if err != nil {
		return session.Health{}, err
	}
	return s.HealthCheck(ctx), nil
}

// HealthCheckAll probes every active session; per-session failures are
// captured in the result, never thrown.
func (m *Manager) HealthCheckAll(ctx context.Context) map[string]session.Health {
	results := make(map[string]session.Health)
	for _, s := range m.snapshot() {
		if s.Status() != session.StatusActive {
			continue
		}
		results[s.ID()] = s.HealthCheck(ctx)
	}
	return results
}

// ReconnectSession delegates to the session, tracking pool-level counters.
func (m *Manager) ReconnectSession(ctx context.Context, id string) error {
	s, err := m.GetSession(id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.reconnectAttempts++
	m.mu.Unlock()

	if err := s.Reconnect(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.successfulReconnects++
	m.mu.Unlock()
	return nil
}

// Shutdown is idempotent: it flips the shutting-down flag (new creates
// fail fast), deletes all sessions, and clears listeners.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return nil
	}
	m.shuttingDown = true
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := m.DeleteSession(ctx, id); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("delete session %s: %w", id, err)
		}
	}

	m.mu.Lock()
	m.listeners = make(map[int]func(session.Event))
	m.mu.Unlock()
	m.log.Info().Msg("pool shut down")
	return firstErr
}

func (m *Manager) snapshot() []*session.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*session.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

func hasAllTags(have, want []string) bool {
	for _, w := range want {
		found := false
		for _, h := range have {
			if h == w {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
