package main

import (
	"fmt"
	"os"

	"github.com/moby/sys/reexec"
	"github.com/urfave/cli/v2"
)

// Run with `go run ./tools/spill-cli`

func main() {
	// Serves page faults when started as the buffer manager's helper.
	if reexec.Init() {
		return
	}
	app := &cli.App{
		Name:      "Spill Toolbox",
		HelpName:  "spill",
		Usage:     "Demonstrates buffers spilled to disk and restored on access",
		Copyright: "(c) 2024 Fantom Foundation",
		Flags: []cli.Flag{
			&logLevelFlag,
		},
		Before: setupLogging,
		Commands: []*cli.Command{
			&demoCommand,
			&sortCommand,
			&configCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
