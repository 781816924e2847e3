package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/devicelab-dev/appium-orchestrator/pkg/core"
)

// Default timings, used when the config leaves them zero.
const (
	DefaultMaxReconnectAttempts = 3
	DefaultHealthCheckInterval  = 30 * time.Second
	DefaultRequestTimeout       = 60 * time.Second
)

// Config describes one session. All fields are resolved once at
// construction; call-time options never merge into it.
type Config struct {
	ServerURL  string                 `yaml:"serverUrl"`
	BasePath   string                 `yaml:"basePath"`
	Platform   core.Platform          `yaml:"-"`
	DeviceID   string                 `yaml:"deviceId"` // UDID or emulator id
	DeviceName string                 `yaml:"deviceName"`
	Tags       []string               `yaml:"tags"`
	Caps       map[string]interface{} `yaml:"capabilities"`

	// AutoReconnect enables the periodic health-check loop.
	AutoReconnect        bool          `yaml:"autoReconnect"`
	MaxReconnectAttempts int           `yaml:"maxReconnectAttempts"`
	HealthCheckInterval  time.Duration `yaml:"healthCheckInterval"`
	RequestTimeout       time.Duration `yaml:"requestTimeout"`
}

func (c Config) withDefaults() Config {
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = DefaultMaxReconnectAttempts
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	return c
}

// EventType classifies session lifecycle events
type EventType int

const (
	EventStarted EventType = iota
	EventStopped
	EventError
	EventUnhealthy
	EventReconnected
)

// String returns the string representation of EventType
func (t EventType) String() string {
	switch t {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventError:
		return "error"
	case EventUnhealthy:
		return "unhealthy"
	case EventReconnected:
		return "reconnected"
	default:
		return "unknown"
	}
}

// Event is emitted on session lifecycle changes and forwarded by the pool.
type Event struct {
	SessionID string
	DeviceID  string
	Type      EventType
	Timestamp time.Time
	Err       error
}

// Info is an immutable snapshot of a session's state.
type Info struct {
	ID                string        `json:"id"`
	Status            Status        `json:"status"`
	ServerURL         string        `json:"serverUrl"`
	Platform          core.Platform `json:"platform"`
	DeviceID          string        `json:"deviceId"`
	DeviceName        string        `json:"deviceName,omitempty"`
	Tags              []string      `json:"tags,omitempty"`
	RemoteSessionID   string        `json:"remoteSessionId,omitempty"`
	ReconnectAttempts int           `json:"reconnectAttempts"`
	CreatedAt         time.Time     `json:"createdAt"`
	LastActivityAt    time.Time     `json:"lastActivityAt"`
	Error             string        `json:"error,omitempty"`
}

// Session is one remote automation session bound to one device.
type Session struct {
	id     string
	cfg    Config
	client *Client
	log    zerolog.Logger

	mu           sync.Mutex
	status       Status
	remoteID     string
	remoteCaps   map[string]interface{}
	reconnects   int
	createdAt    time.Time
	lastActivity time.Time
	lastErr      error
	monitorStop  chan struct{}
	cancelStart  context.CancelFunc

	emit func(Event) // set once by the pool before Start
}

// New constructs an idle session. It does not touch the network.
func New(cfg Config, log zerolog.Logger) *Session {
	cfg = cfg.withDefaults()
	id := uuid.New().String()
	return &Session{
		id:        id,
		cfg:       cfg,
		client:    NewClient(cfg.ServerURL, cfg.BasePath, cfg.RequestTimeout),
		log:       log.With().Str("session", id).Str("device", cfg.DeviceID).Logger(),
		status:    StatusIdle,
		createdAt: time.Now(),
	}
}

// OnEvent registers the single event sink for this session. The pool uses
// it to fan events out to its listeners.
func (s *Session) OnEvent(fn func(Event)) {
	s.mu.Lock()
	s.emit = fn
	s.mu.Unlock()
}

// ID returns the pool-local session id.
func (s *Session) ID() string { return s.id }

// DeviceID returns the device this session is bound to.
func (s *Session) DeviceID() string { return s.cfg.DeviceID }

// Config returns the resolved session configuration.
func (s *Session) Config() Config { return s.cfg }

// Client returns the wire client, for artifact capture against the same
// remote session.
func (s *Session) Client() *Client { return s.client }

// Status returns the current state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// RemoteSessionID returns the server-side session id, if any.
func (s *Session) RemoteSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remoteID
}

// Info returns a snapshot of the session state.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := Info{
		ID:                s.id,
		Status:            s.status,
		ServerURL:         s.cfg.ServerURL,
		Platform:          s.cfg.Platform,
		DeviceID:          s.cfg.DeviceID,
		DeviceName:        s.cfg.DeviceName,
		Tags:              append([]string(nil), s.cfg.Tags...),
		RemoteSessionID:   s.remoteID,
		ReconnectAttempts: s.reconnects,
		CreatedAt:         s.createdAt,
		LastActivityAt:    s.lastActivity,
	}
	if s.lastErr != nil {
		info.Error = s.lastErr.Error()
	}
	return info
}

// Start creates the remote session. Legal only from idle, stopped, or
// error; on success the session is active and, when auto-reconnect is
// configured, the health-check loop is running. A concurrent Stop aborts
// the in-flight create and Start reports a StateError.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if !s.status.canStart() {
		defer s.mu.Unlock()
		return &StateError{SessionID: s.id, Op: "start", Status: s.status}
	}
	s.status = StatusStarting
	caps := s.capabilities()
	cctx, cancel := context.WithCancel(ctx)
	s.cancelStart = cancel
	s.mu.Unlock()

	resp, err := s.client.Create(cctx, caps)
	cancel()

	s.mu.Lock()
	s.cancelStart = nil
	if s.status != StatusStarting {
		// Stopped out from under us while the create was in flight. A
		// late success would be an orphan remote session; tear it down
		// instead of committing a transition off the stopped state.
		st := s.status
		s.mu.Unlock()
		if err == nil && resp.SessionID != "" {
			_ = s.client.Delete(context.Background(), resp.SessionID)
		}
		return &StateError{SessionID: s.id, Op: "start", Status: st}
	}
	if err != nil {
		s.status = StatusError
		s.lastErr = err
		s.mu.Unlock()
		s.fire(EventError, err)
		return err
	}
	s.remoteID = resp.SessionID
	s.remoteCaps = resp.Capabilities
	s.status = StatusActive
	s.lastErr = nil
	s.lastActivity = time.Now()
	if s.cfg.AutoReconnect && s.monitorStop == nil {
		stop := make(chan struct{})
		s.monitorStop = stop
		go s.monitor(stop)
	}
	s.mu.Unlock()

	s.log.Info().Str("remote", resp.SessionID).Msg("session started")
	s.fire(EventStarted, nil)
	return nil
}

// Stop tears the remote session down. Legal only from starting, active, or
// error. Clears the remote session id and the reconnect counter.
func (s *Session) Stop(ctx context.Context) error {
	return s.stop(ctx, true)
}

func (s *Session) stop(ctx context.Context, resetReconnects bool) error {
	s.mu.Lock()
	if !s.status.canStop() {
		defer s.mu.Unlock()
		return &StateError{SessionID: s.id, Op: "stop", Status: s.status}
	}
	s.status = StatusStopping
	if s.cancelStart != nil {
		s.cancelStart()
		s.cancelStart = nil
	}
	stopMonitor := s.monitorStop
	s.monitorStop = nil
	remote := s.remoteID
	s.mu.Unlock()

	if stopMonitor != nil {
		close(stopMonitor)
	}

	var err error
	if remote != "" {
		err = s.client.Delete(ctx, remote)
	}

	s.mu.Lock()
	if err != nil {
		s.status = StatusError
		s.lastErr = err
		s.mu.Unlock()
		termErr := &TerminationError{SessionID: s.id, Cause: err}
		s.fire(EventError, termErr)
		return termErr
	}
	s.status = StatusStopped
	s.remoteID = ""
	if resetReconnects {
		s.reconnects = 0
	}
	s.mu.Unlock()

	s.log.Info().Msg("session stopped")
	s.fire(EventStopped, nil)
	return nil
}

// HealthCheck probes the remote session. A non-active session or a missing
// remote id report unhealthy without touching the network.
func (s *Session) HealthCheck(ctx context.Context) Health {
	s.mu.Lock()
	status := s.status
	remote := s.remoteID
	s.mu.Unlock()

	if status != StatusActive {
		return Health{Reason: "session not active (" + status.String() + ")"}
	}
	if remote == "" {
		return Health{Reason: "no remote session id"}
	}

	h := s.client.Check(ctx, remote)
	if h.Healthy {
		s.mu.Lock()
		s.lastActivity = time.Now()
		s.mu.Unlock()
	}
	return h
}

// Reconnect tears the session down best-effort and starts it again.
// Disallowed mid start or stop; fails once the attempt budget is spent.
// The counter resets to zero on success.
func (s *Session) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.status.inTransition() {
		defer s.mu.Unlock()
		return &StateError{SessionID: s.id, Op: "reconnect", Status: s.status}
	}
	if s.reconnects >= s.cfg.MaxReconnectAttempts {
		defer s.mu.Unlock()
		return &ReconnectError{SessionID: s.id, Attempts: s.reconnects}
	}
	s.mu.Unlock()

	// Best-effort teardown; the counter survives so the budget holds
	// across consecutive failed reconnects.
	_ = s.stop(ctx, false)

	s.mu.Lock()
	s.reconnects++
	attempt := s.reconnects
	s.mu.Unlock()

	s.log.Warn().Int("attempt", attempt).Msg("reconnecting session")
	if err := s.Start(ctx); err != nil {
		return &ReconnectError{SessionID: s.id, Attempts: attempt, Cause: err}
	}

	s.mu.Lock()
	s.reconnects = 0
	s.mu.Unlock()
	s.fire(EventReconnected, nil)
	return nil
}

// monitor is the periodic health-check loop, running only while
// auto-reconnect is configured. It is NOT serialized against foreground
// use of the session: a health-triggered reconnect can race an in-flight
// attempt and swap the remote session id underneath it. Consumers guard by
// checking Status() == StatusActive immediately before using the handle.
func (s *Session) monitor(stop chan struct{}) {
	ticker := time.NewTicker(s.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if s.Status() != StatusActive {
				continue
			}
			h := s.HealthCheck(context.Background())
			if h.Healthy {
				continue
			}
			s.log.Warn().Str("reason", h.Reason).Msg("session unhealthy")
			s.fire(EventUnhealthy, errors.New(h.Reason))

			if err := s.Reconnect(context.Background()); err != nil {
				s.mu.Lock()
				s.status = StatusError
				s.lastErr = err
				s.mu.Unlock()
				s.log.Error().Err(err).Msg("reconnect failed, session errored")
				s.fire(EventError, err)
				return
			}
		}
	}
}

func (s *Session) capabilities() map[string]interface{} {
	caps := make(map[string]interface{}, len(s.cfg.Caps)+2)
	for k, v := range s.cfg.Caps {
		caps[k] = v
	}
	if _, ok := caps["platformName"]; !ok && s.cfg.Platform != core.PlatformUnknown {
		caps["platformName"] = s.cfg.Platform.String()
	}
	if _, ok := caps["appium:udid"]; !ok && s.cfg.DeviceID != "" {
		caps["appium:udid"] = s.cfg.DeviceID
	}
	return caps
}

func (s *Session) fire(typ EventType, err error) {
	s.mu.Lock()
	emit := s.emit
	s.mu.Unlock()
	if emit == nil {
		return
	}
	emit(Event{
		SessionID: s.id,
		DeviceID:  s.cfg.DeviceID,
		Type:      typ,
		Timestamp: time.Now(),
		Err:       err,
	})
}
