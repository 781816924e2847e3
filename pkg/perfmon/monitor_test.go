package perfmon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/devicelab-dev/appium-orchestrator/pkg/core"
	"github.com/devicelab-dev/appium-orchestrator/pkg/pool"
	"github.com/devicelab-dev/appium-orchestrator/pkg/session"
)

func poolWithActiveSession(t *testing.T) *pool.Manager {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/session":
			json.NewEncoder(w).Encode(map[string]interface{}{"sessionId": "remote-1"})
		case strings.HasPrefix(r.URL.Path, "/session/"):
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	p := pool.NewManager(zerolog.Nop())
	_, err := p.CreateSession(context.Background(), session.Config{
		ServerURL: srv.URL,
		DeviceID:  "dev-1",
		Platform:  core.PlatformAndroid,
	}, true)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	t.Cleanup(func() { p.Shutdown(context.Background()) })
	return p
}

func TestMonitor_StartStop(t *testing.T) {
	p := poolWithActiveSession(t)
	m := New(p, "run-1", "dev-1", 10*time.Millisecond, zerolog.Nop())

	m.Start()
	time.Sleep(50 * time.Millisecond)
	summary := m.Stop()

	if summary.TestRunID != "run-1" || summary.DeviceID != "dev-1" {
		t.Errorf("summary identity = %s/%s", summary.TestRunID, summary.DeviceID)
	}
	// One immediate sample plus at least one tick.
	if summary.Samples < 2 {
		t.Errorf("samples = %d, want at least 2", summary.Samples)
	}
	if summary.PeakActive != 1 {
		t.Errorf("peak active = %d, want 1", summary.PeakActive)
	}
	if summary.AvgActive <= 0 {
		t.Errorf("avg active = %f, want > 0", summary.AvgActive)
	}
	if !summary.StoppedAt.After(summary.StartedAt) {
		t.Error("stop time should follow start time")
	}
}

func TestMonitor_StartIsIdempotent(t *testing.T) {
	p := poolWithActiveSession(t)
	m := New(p, "run-1", "dev-1", time.Hour, zerolog.Nop())

	m.Start()
	m.Start()
	summary := m.Stop()
	if summary.Samples != 1 {
		t.Errorf("samples = %d, double Start must not double-sample", summary.Samples)
	}
}

func TestMonitor_StopIsIdempotent(t *testing.T) {
	p := poolWithActiveSession(t)
	m := New(p, "run-1", "dev-1", time.Hour, zerolog.Nop())

	m.Start()
	first := m.Stop()
	second := m.Stop()
	if second.Samples != first.Samples {
		t.Errorf("second stop reports %d samples, first %d", second.Samples, first.Samples)
	}
}

func TestMonitor_StopWithoutStart(t *testing.T) {
	p := poolWithActiveSession(t)
	m := New(p, "run-1", "dev-1", time.Hour, zerolog.Nop())

	summary := m.Stop()
	if summary.Samples != 0 {
		t.Errorf("samples = %d, want 0", summary.Samples)
	}
	if summary.AvgActive != 0 {
		t.Errorf("avg = %f, want 0", summary.AvgActive)
	}
}
