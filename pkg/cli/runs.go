package cli

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/appium-orchestrator/pkg/storage"
)

func (a *App) runsCommand() *cli.Command {
	return &cli.Command{
		Name:  "runs",
		Usage: "Inspect persisted test runs",
		Subcommands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List all test runs",
				Action: a.runsListAction,
			},
			{
				Name:      "show",
				Usage:     "Show the results of one test run",
				ArgsUsage: "<run-id>",
				Action:    a.runsShowAction,
			},
		},
	}
}

func (a *App) runsListAction(c *cli.Context) error {
	cfg, err := a.loadConfig(c)
	if err != nil {
		return err
	}
	db, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	runs, err := db.ListTestRuns(c.Context)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("no test runs")
		return nil
	}

	for _, run := range runs {
		fmt.Printf("%s  %-10s  %-24s  passed=%d failed=%d skipped=%d  %s\n",
			run.ID, run.Status, truncate(run.Name, 24),
			run.PassedCount, run.FailedCount, run.SkippedCount,
			run.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func (a *App) runsShowAction(c *cli.Context) error {
	runID := c.Args().First()
	if runID == "" {
		return fmt.Errorf("run id required")
	}

	cfg, err := a.loadConfig(c)
	if err != nil {
		return err
	}
	db, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer db.Close()

	run, err := db.GetTestRun(c.Context, runID)
	if err != nil {
		return err
	}
	results, err := db.ListResults(c.Context, runID)
	if err != nil {
		return err
	}

	fmt.Printf("Run %s (%s): %s\n", run.ID, run.Name, run.Status)
	if run.CompletedAt != nil {
		fmt.Printf("  finished %s in %s\n", run.CompletedAt.Format(time.RFC3339), run.Duration.Round(time.Millisecond))
	}
	for _, r := range results {
		line := fmt.Sprintf("  [%d] %-8s %s  %s", r.Attempt, r.Status, r.TestCaseID, r.Duration.Round(time.Millisecond))
		if r.ErrorMessage != "" {
			line += "  " + truncate(r.ErrorMessage, 60)
		}
		fmt.Println(line)
		for _, art := range r.Artifacts {
			fmt.Printf("        %s %s (%d bytes)\n", art.Type, art.Path, art.Size)
		}
	}

	if summary, err := db.GetPerfSummary(c.Context, runID); err == nil {
		fmt.Printf("  perf: samples=%d peakActive=%d avgActive=%.1f\n",
			summary.Samples, summary.PeakActive, summary.AvgActive)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
