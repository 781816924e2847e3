package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devicelab-dev/appium-orchestrator/pkg/core"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "http://127.0.0.1:4723", cfg.Server.URL)
	assert.Equal(t, 3, cfg.Pool.BatchParallelism)
	assert.Equal(t, time.Second, cfg.Pool.BatchDelay.Std())
	assert.True(t, cfg.Pool.ContinueOnError)
	assert.Equal(t, 2, cfg.Execution.MaxParallel)
	assert.Equal(t, 5*time.Minute, cfg.Execution.DefaultTimeout.Std())
	assert.True(t, cfg.Execution.ScreenshotOnFailure)
	assert.Equal(t, "orchestrator.db", cfg.Storage.Path)
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	path := writeFile(t, t.TempDir(), "orchestrator.yaml", `
server:
  url: http://10.0.0.5:4723
  basePath: /wd/hub
devices:
  - id: emulator-5554
    name: Pixel 7
    platform: android
    tags: [smoke, nightly]
    capabilities:
      appium:app: /apps/demo.apk
pool:
  autoReconnect: true
  maxReconnectAttempts: 5
  healthCheckInterval: 10s
execution:
  maxParallel: 4
  defaultTimeout: 2m30s
  retryDelay: 500ms
retryService:
  url: http://retry.internal:8080
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://10.0.0.5:4723", cfg.Server.URL)
	assert.Equal(t, "/wd/hub", cfg.Server.BasePath)
	assert.Equal(t, 4, cfg.Execution.MaxParallel)
	assert.Equal(t, 2*time.Minute+30*time.Second, cfg.Execution.DefaultTimeout.Std())
	assert.Equal(t, 500*time.Millisecond, cfg.Execution.RetryDelay.Std())
	assert.Equal(t, "http://retry.internal:8080", cfg.RetryService.URL)

	// Untouched fields keep their defaults.
	assert.Equal(t, 3, cfg.Pool.BatchParallelism)
	assert.Equal(t, "orchestrator.db", cfg.Storage.Path)

	require.Len(t, cfg.Devices, 1)
	d := cfg.Devices[0]
	assert.Equal(t, "emulator-5554", d.ID)
	assert.Equal(t, []string{"smoke", "nightly"}, d.Tags)

	sc := cfg.SessionConfig(d)
	assert.Equal(t, "http://10.0.0.5:4723", sc.ServerURL)
	assert.Equal(t, core.PlatformAndroid, sc.Platform)
	assert.Equal(t, "emulator-5554", sc.DeviceID)
	assert.True(t, sc.AutoReconnect)
	assert.Equal(t, 5, sc.MaxReconnectAttempts)
	assert.Equal(t, 10*time.Second, sc.HealthCheckInterval)
	assert.Equal(t, "/apps/demo.apk", sc.Caps["appium:app"])
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeFile(t, t.TempDir(), "orchestrator.yaml", `
execution:
  defaultTimeout: five minutes
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadFromDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "orchestrator.yml", `
server:
  url: http://from-yml:4723
`)
	cfg, err := LoadFromDir(dir)
	require.NoError(t, err)
	assert.Equal(t, "http://from-yml:4723", cfg.Server.URL)
}

func TestLoadFromDir_FallsBackToDefaults(t *testing.T) {
	cfg, err := LoadFromDir(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, Default().Server.URL, cfg.Server.URL)
}

func TestDevice(t *testing.T) {
	cfg := Default()
	cfg.Devices = []DeviceConfig{{ID: "dev-1"}, {ID: "dev-2", Name: "iPhone 15"}}

	d, ok := cfg.Device("dev-2")
	require.True(t, ok)
	assert.Equal(t, "iPhone 15", d.Name)

	_, ok = cfg.Device("ghost")
	assert.False(t, ok)
}

func TestLoadSuite(t *testing.T) {
	path := writeFile(t, t.TempDir(), "suite.yaml", `
name: checkout flow
tests:
  - id: tc-login
    name: login works
    timeout: 45s
  - name: add to cart
    expectedOutcome: cart badge shows 1
`)
	suite, err := LoadSuite(path)
	require.NoError(t, err)
	assert.Equal(t, "checkout flow", suite.Name)
	require.Len(t, suite.Tests, 2)

	cases := suite.TestCases()
	require.Len(t, cases, 2)
	assert.Equal(t, "tc-login", cases[0].ID)
	assert.Equal(t, 45*time.Second, cases[0].Timeout)
	assert.Zero(t, cases[1].Timeout)
	assert.Equal(t, "cart badge shows 1", cases[1].ExpectedOutcome)
}

func TestLoadSuite_Empty(t *testing.T) {
	path := writeFile(t, t.TempDir(), "suite.yaml", "name: empty\ntests: []\n")
	_, err := LoadSuite(path)
	assert.Error(t, err)
}

func TestLoadSuite_UnnamedTest(t *testing.T) {
	path := writeFile(t, t.TempDir(), "suite.yaml", `
name: bad
tests:
  - id: tc-1
`)
	_, err := LoadSuite(path)
	assert.Error(t, err)
}
