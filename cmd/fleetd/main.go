package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Exit codes: 0 clean shutdown, 1 fatal configuration error, 2 coordination
// backend unreachable at startup, 64 usage error.
const (
	exitOK          = 0
	exitConfig      = 1
	exitBackendDown = 2
	exitUsage       = 64
)

// exitError carries a process exit code up through cobra's RunE.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitUsage)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fleetd",
	Short: "Fleetd - central control plane for fleet monitoring",
	Long: `Fleetd is the central server of the fleet monitoring system. It ingests
encrypted telemetry from endpoint agents, tracks per-machine metric history,
dispatches commands, and clusters with other fleetd nodes through a shared
coordination backend so any node can serve any request.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"fleetd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(userCmd)
}
