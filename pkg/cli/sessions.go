package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/appium-orchestrator/pkg/pool"
	"github.com/devicelab-dev/appium-orchestrator/pkg/session"
)

func (a *App) sessionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "sessions",
		Usage: "Inspect and exercise the session pool",
		Subcommands: []*cli.Command{
			{
				Name:  "check",
				Usage: "Create sessions for all configured devices, sweep their health, and tear them down",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "parallelism",
						Usage: "Batch creation chunk size (overrides config)",
					},
					&cli.StringFlag{
						Name:  "platform",
						Usage: "Only check devices on this platform (ios, android)",
					},
				},
				Action: a.sessionsCheckAction,
			},
		},
	}
}

func (a *App) sessionsCheckAction(c *cli.Context) error {
	cfg, err := a.loadConfig(c)
	if err != nil {
		return err
	}
	if len(cfg.Devices) == 0 {
		return fmt.Errorf("no devices configured")
	}

	p := pool.NewManager(a.log)
	defer func() {
		if err := p.Shutdown(context.Background()); err != nil {
			a.log.Warn().Err(err).Msg("pool shutdown incomplete")
		}
	}()

	p.AddListener(func(ev session.Event) {
		a.log.Debug().
			Str("session", ev.SessionID).
			Str("device", ev.DeviceID).
			Str("event", ev.Type.String()).
			Msg("session event")
	})

	var configs []session.Config
	for _, d := range cfg.Devices {
		if platform := c.String("platform"); platform != "" && d.Platform != platform {
			continue
		}
		configs = append(configs, cfg.SessionConfig(d))
	}
	if len(configs) == 0 {
		return fmt.Errorf("no devices match")
	}

	opts := pool.BatchOptions{
		Parallelism:     cfg.Pool.BatchParallelism,
		ContinueOnError: cfg.Pool.ContinueOnError,
		BatchDelay:      cfg.Pool.BatchDelay.Std(),
	}
	if n := c.Int("parallelism"); n > 0 {
		opts.Parallelism = n
	}

	result, err := p.CreateBatchSessions(c.Context, configs, opts)
	if err != nil {
		return err
	}

	fmt.Printf("Sessions: %d created, %d failed (of %d)\n",
		len(result.Successful), len(result.Failed), result.Total)
	for _, f := range result.Failed {
		fmt.Printf("  FAIL %s: %v\n", f.Config.DeviceID, f.Err)
	}

	health := p.HealthCheckAll(c.Context)
	for id, h := range health {
		mark := "healthy"
		if !h.Healthy {
			mark = "unhealthy: " + h.Reason
		}
		fmt.Printf("  %s %s\n", id, mark)
	}

	stats := p.Statistics()
	fmt.Printf("Pool: created=%d active=%d errors=%d avgLifetime=%s\n",
		stats.TotalCreated, stats.ActiveCount, stats.ErrorCount,
		stats.AvgLifetime.Round(time.Millisecond))

	if len(result.Failed) > 0 {
		return cli.Exit("", 1)
	}
	return nil
}
