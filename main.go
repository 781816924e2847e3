package main

import (
	"fmt"
	"os"

	"github.com/devicelab-dev/appium-orchestrator/pkg/cli"
)

// Version is set at build time via ldflags.
var version = "dev"

func main() {
	app := cli.New()
	app.SetVersion(version)
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
