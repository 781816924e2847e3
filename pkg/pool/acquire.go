package pool

import (
	"context"
	"fmt"

	"github.com/devicelab-dev/appium-orchestrator/pkg/session"
)

// deviceSlot is the per-device exclusivity token. Capacity one: a held
// slot queues further acquirers instead of creating a second session.
type deviceSlot struct {
	ch chan struct{}
}

func (m *Manager) slot(deviceID string) *deviceSlot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.devices[deviceID]
	if !ok {
		s = &deviceSlot{ch: make(chan struct{}, 1)}
		m.devices[deviceID] = s
	}
	return s
}

// Acquire grants exclusive use of a device's session, blocking until the
// current holder releases it or ctx is done. If the device has no live
// session one is created from its registered config.
func (m *Manager) Acquire(ctx context.Context, deviceID string) (*session.Session, error) {
	slot := m.slot(deviceID)
	select {
	case slot.ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s, err := m.sessionForDevice(ctx, deviceID)
	if err != nil {
		<-slot.ch
		return nil, err
	}
	return s, nil
}

// Release returns a device's slot. A non-nil execErr marks the session
// for a health probe: a driver failure often means the remote side died.
func (m *Manager) Release(deviceID string, execErr error) {
	if execErr != nil {
		if s := m.findDeviceSession(deviceID); s != nil {
			h := s.HealthCheck(context.Background())
			if !h.Healthy {
				m.log.Warn().
					Str("device", deviceID).
					Str("reason", h.Reason).
					Msg("session unhealthy after failed execution")
			}
		}
	}

	slot := m.slot(deviceID)
	select {
	case <-slot.ch:
	default:
		// Release without a matching Acquire is a no-op
	}
}

func (m *Manager) sessionForDevice(ctx context.Context, deviceID string) (*session.Session, error) {
	if s := m.findDeviceSession(deviceID); s != nil {
		if s.Status() == session.StatusActive {
			return s, nil
		}
		// Dead session for this device: replace it
		if err := m.DeleteSession(ctx, s.ID()); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	cfg, ok := m.deviceConfig[deviceID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no session config registered for device %s", deviceID)
	}
	return m.CreateSession(ctx, cfg, true)
}

func (m *Manager) findDeviceSession(deviceID string) *session.Session {
	for _, s := range m.snapshot() {
		if s.DeviceID() == deviceID {
			return s
		}
	}
	return nil
}
