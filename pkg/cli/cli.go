// Package cli provides the command-line interface for the orchestrator.
package cli

import (
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/appium-orchestrator/pkg/logger"
)

// AppName is the binary name.
const AppName = "appium-orchestrator"

// App bundles the CLI with its logger.
type App struct {
	log zerolog.Logger
	cli *cli.App
}

// New builds the CLI application.
func New() *App {
	app := &App{}
	app.cli = &cli.App{
		Name:  AppName,
		Usage: "Orchestrate mobile UI test runs over pooled automation sessions",
		Description: `Drives test runs against remote Appium-style automation sessions:
bounded-concurrency waves, per-test timeouts, retries, artifact capture,
and persisted results.

Examples:
  appium-orchestrator run --suite suite.yaml --device emulator-5554
  appium-orchestrator sessions check
  appium-orchestrator runs list`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Config file (defaults to orchestrator.yaml in the working directory)",
				EnvVars: []string{"ORCHESTRATOR_CONFIG"},
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Usage:   "Enable verbose (debug) logging",
				EnvVars: []string{"ORCHESTRATOR_VERBOSE"},
			},
			&cli.StringFlag{
				Name:    "log-file",
				Usage:   "Also write logs to this file",
				EnvVars: []string{"ORCHESTRATOR_LOG_FILE"},
			},
		},
		Before: func(ctx *cli.Context) error {
			if path := ctx.String("log-file"); path != "" {
				log, closer, err := logger.NewWithFile(path, ctx.Bool("verbose"))
				if err != nil {
					return err
				}
				app.log = log
				ctx.App.After = func(*cli.Context) error {
					closer()
					return nil
				}
				return nil
			}
			app.log = logger.New(ctx.Bool("verbose"))
			return nil
		},
	}
	app.cli.Commands = []*cli.Command{
		app.runCommand(),
		app.sessionsCommand(),
		app.runsCommand(),
	}
	return app
}

// SetVersion sets the build version shown by --version.
func (a *App) SetVersion(version string) {
	a.cli.Version = version
}

// Run executes the CLI with the given arguments.
func (a *App) Run(args []string) error {
	return a.cli.Run(args)
}
