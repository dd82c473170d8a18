package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Exit codes: 1 for configuration problems, 2 for migration failures, 130
// when an interrupt stopped a running server.
var (
	errConfig      = errors.New("configuration error")
	errMigration   = errors.New("migration error")
	errInterrupted = errors.New("interrupted")
)

var rootCmd = &cobra.Command{
	Use:           "dsentr",
	Short:         "dsentr runs workflow automations",
	Long:          `Workflow automation backend: HTTP API, run dispatcher, and scheduler. All configuration comes from the environment.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		switch {
		case errors.Is(err, errInterrupted):
			os.Exit(130)
		case errors.Is(err, errMigration):
			os.Exit(2)
		default:
			os.Exit(1)
		}
	}
}
