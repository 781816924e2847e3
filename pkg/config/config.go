// Package config handles configuration for the orchestrator.
//
// Precedence is resolved once at load time: explicit call-time options
// beat file values, file values beat defaults. Nothing merges ad hoc
// after that.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/devicelab-dev/appium-orchestrator/pkg/core"
	"github.com/devicelab-dev/appium-orchestrator/pkg/session"
)

// Duration wraps time.Duration so yaml values like "30s" parse.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// DeviceConfig describes one target device.
type DeviceConfig struct {
	ID           string                 `yaml:"id"` // UDID or emulator id
	Name         string                 `yaml:"name"`
	Platform     string                 `yaml:"platform"`
	Tags         []string               `yaml:"tags"`
	Capabilities map[string]interface{} `yaml:"capabilities"`
}

// ServerConfig locates the automation server.
type ServerConfig struct {
	URL      string `yaml:"url"`
	BasePath string `yaml:"basePath"`
}

// PoolConfig tunes session management.
type PoolConfig struct {
	BatchParallelism     int      `yaml:"batchParallelism"`
	BatchDelay           Duration `yaml:"batchDelay"`
	ContinueOnError      bool     `yaml:"continueOnError"`
	AutoReconnect        bool     `yaml:"autoReconnect"`
	MaxReconnectAttempts int      `yaml:"maxReconnectAttempts"`
	HealthCheckInterval  Duration `yaml:"healthCheckInterval"`
}

// ExecutionConfig tunes the scheduler.
type ExecutionConfig struct {
	MaxParallel         int      `yaml:"maxParallel"`
	DefaultTimeout      Duration `yaml:"defaultTimeout"`
	MaxRetries          int      `yaml:"maxRetries"`
	RetryDelay          Duration `yaml:"retryDelay"`
	FullIsolation       bool     `yaml:"fullIsolation"`
	CaptureLogs         bool     `yaml:"captureLogs"`
	ScreenshotOnFailure bool     `yaml:"screenshotOnFailure"`
}

// Config is the workspace configuration (orchestrator.yaml).
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Devices   []DeviceConfig  `yaml:"devices"`
	Pool      PoolConfig      `yaml:"pool"`
	Execution ExecutionConfig `yaml:"execution"`
	Storage   struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`
	Artifacts struct {
		Dir string `yaml:"dir"`
	} `yaml:"artifacts"`
	RetryService struct {
		URL string `yaml:"url"`
	} `yaml:"retryService"`
}

// Default returns the fully-specified defaults.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.URL = "http://127.0.0.1:4723"
	cfg.Pool.BatchParallelism = 3
	cfg.Pool.BatchDelay = Duration(time.Second)
	cfg.Pool.ContinueOnError = true
	cfg.Pool.MaxReconnectAttempts = 3
	cfg.Pool.HealthCheckInterval = Duration(30 * time.Second)
	cfg.Execution.MaxParallel = 2
	cfg.Execution.DefaultTimeout = Duration(5 * time.Minute)
	cfg.Execution.MaxRetries = 1
	cfg.Execution.RetryDelay = Duration(2 * time.Second)
	cfg.Execution.ScreenshotOnFailure = true
	cfg.Storage.Path = "orchestrator.db"
	cfg.Artifacts.Dir = "artifacts"
	return cfg
}

// Load reads a config file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //#nosec G304 -- user-provided config file
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromDir looks for orchestrator.yaml or orchestrator.yml in the
// directory, falling back to defaults when neither exists.
func LoadFromDir(dir string) (*Config, error) {
	for _, name := range []string{"orchestrator.yaml", "orchestrator.yml"} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}
	return Default(), nil
}

// SessionConfig resolves one device into a session config.
func (c *Config) SessionConfig(d DeviceConfig) session.Config {
	return session.Config{
		ServerURL:            c.Server.URL,
		BasePath:             c.Server.BasePath,
		Platform:             core.ParsePlatform(d.Platform),
		DeviceID:             d.ID,
		DeviceName:           d.Name,
		Tags:                 append([]string(nil), d.Tags...),
		Caps:                 d.Capabilities,
		AutoReconnect:        c.Pool.AutoReconnect,
		MaxReconnectAttempts: c.Pool.MaxReconnectAttempts,
		HealthCheckInterval:  c.Pool.HealthCheckInterval.Std(),
	}
}

// Device finds a device by id.
func (c *Config) Device(id string) (DeviceConfig, bool) {
	for _, d := range c.Devices {
		if d.ID == id {
			return d, true
		}
	}
	return DeviceConfig{}, false
}
