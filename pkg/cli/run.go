package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/appium-orchestrator/pkg/artifacts"
	"github.com/devicelab-dev/appium-orchestrator/pkg/config"
	"github.com/devicelab-dev/appium-orchestrator/pkg/core"
	"github.com/devicelab-dev/appium-orchestrator/pkg/perfmon"
	"github.com/devicelab-dev/appium-orchestrator/pkg/pool"
	"github.com/devicelab-dev/appium-orchestrator/pkg/retry"
	"github.com/devicelab-dev/appium-orchestrator/pkg/scheduler"
	"github.com/devicelab-dev/appium-orchestrator/pkg/session"
	"github.com/devicelab-dev/appium-orchestrator/pkg/storage"
)

func (a *App) runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Execute a test suite against a device",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "suite",
				Aliases:  []string{"s"},
				Usage:    "Suite file (yaml) listing the test cases",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "device",
				Aliases:  []string{"udid"},
				Usage:    "Device ID to run on",
				Required: true,
				EnvVars:  []string{"ORCHESTRATOR_DEVICE"},
			},
			&cli.IntFlag{
				Name:  "parallel",
				Usage: "Max test cases in flight per wave (overrides config)",
			},
			&cli.IntFlag{
				Name:  "retries",
				Usage: "Retry budget per test case (overrides config; 0 disables retries)",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "One-shot timeout override; disables retries",
			},
			&cli.BoolFlag{
				Name:  "isolated",
				Usage: "Run one test at a time",
			},
		},
		Action: a.runAction,
	}
}

func (a *App) runAction(c *cli.Context) error {
	cfg, err := a.loadConfig(c)
	if err != nil {
		return err
	}
	deviceID := c.String("device")
	if _, ok := cfg.Device(deviceID); !ok {
		return fmt.Errorf("device %s is not configured", deviceID)
	}

	suite, err := config.LoadSuite(c.String("suite"))
	if err != nil {
		return fmt.Errorf("load suite: %w", err)
	}

	db, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := artifacts.NewStore(cfg.Artifacts.Dir, cfg.Server.BasePath, a.log)
	if err != nil {
		return err
	}

	p := pool.NewManager(a.log)
	for _, d := range cfg.Devices {
		p.RegisterDevice(cfg.SessionConfig(d))
	}
	defer func() {
		if err := p.Shutdown(context.Background()); err != nil {
			a.log.Warn().Err(err).Msg("pool shutdown incomplete")
		}
	}()

	var retrySvc core.RetryService
	if cfg.RetryService.URL != "" {
		retrySvc = retry.NewClient(cfg.RetryService.URL, a.log)
	}

	sched := scheduler.New(scheduler.Config{
		Pool:         p,
		Store:        db,
		Driver:       &smokeDriver{basePath: cfg.Server.BasePath},
		Artifacts:    store,
		RetryService: retrySvc,
		PerfMonitor: func(runID, deviceID string) core.PerformanceMonitor {
			return perfmon.New(p, runID, deviceID, 0, a.log)
		},
		Options: scheduler.Options{
			MaxParallel:         cfg.Execution.MaxParallel,
			DefaultTimeout:      cfg.Execution.DefaultTimeout.Std(),
			MaxRetries:          cfg.Execution.MaxRetries,
			RetryDelay:          cfg.Execution.RetryDelay.Std(),
			FullIsolation:       cfg.Execution.FullIsolation,
			CaptureLogs:         cfg.Execution.CaptureLogs,
			ScreenshotOnFailure: cfg.Execution.ScreenshotOnFailure,
		},
		Logger: a.log,
	})

	handle := sched.On(func(ev scheduler.Event) {
		a.log.Info().
			Str("event", ev.Type.String()).
			Str("case", ev.TestCaseID).
			Msg("lifecycle")
	})
	defer sched.Off(handle)

	run, err := db.CreateTestRun(c.Context, suite.Name, suite.TestCases())
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	a.log.Info().Str("run", run.ID).Str("suite", suite.Name).Msg("run created")

	override := &scheduler.Options{
		MaxParallel:   c.Int("parallel"),
		Timeout:       c.Duration("timeout"),
		FullIsolation: c.Bool("isolated"),
	}
	if c.IsSet("retries") {
		override.MaxRetries = c.Int("retries")
		if override.MaxRetries <= 0 {
			override.MaxRetries = -1
		}
	}

	stats, err := sched.ExecuteTestSuite(c.Context, run.ID, deviceID, override)
	if err != nil {
		return fmt.Errorf("run %s: %w", run.ID, err)
	}

	fmt.Printf("\nRun %s finished in %s\n", stats.TestRunID, stats.Duration.Round(time.Millisecond))
	fmt.Printf("  total: %d  passed: %d  failed: %d  skipped: %d  timed out: %d  retries: %d\n",
		stats.Total, stats.Passed, stats.Failed, stats.Skipped, stats.TimedOut, stats.Retries)
	if stats.Failed > 0 {
		return cli.Exit("", 1)
	}
	return nil
}

func (a *App) loadConfig(c *cli.Context) (*config.Config, error) {
	if path := c.String("config"); path != "" {
		return config.Load(path)
	}
	return config.LoadFromDir(".")
}

// smokeDriver is the built-in connectivity driver: it probes the attempt's
// remote session and passes when the session answers. Real test logic
// plugs in behind core.Driver; the orchestrator itself never implements
// the automation protocol.
type smokeDriver struct {
	basePath string
}

func (d *smokeDriver) Execute(ctx context.Context, ec *core.ExecutionContext) (*core.DriverResult, error) {
	client := session.NewClient(ec.ServerURL, d.basePath, 30*time.Second)
	h := client.Check(ctx, ec.RemoteSessionID)
	if !h.Healthy {
		return &core.DriverResult{
			Passed:       false,
			ErrorMessage: h.Reason,
		}, nil
	}
	return &core.DriverResult{
		Passed:   true,
		Metadata: map[string]interface{}{"probe": "session"},
	}, nil
}
