package main

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/fleetmon/fleetd/pkg/client"
)

var (
	// Version information (set via ldflags during build)
	Version = "dev"
)

var (
	flagServer   string
	flagUsername string
	flagInsecure bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "fleetctl",
	Short:   "Fleetctl - command-line dashboard for fleetd",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagServer, "server", "https://localhost:8768", "fleetd base URL")
	rootCmd.PersistentFlags().StringVarP(&flagUsername, "user", "u", "", "Dashboard username")
	rootCmd.PersistentFlags().BoolVar(&flagInsecure, "insecure", false, "Skip TLS verification (lab use only)")

	rootCmd.AddCommand(machinesCmd)
	rootCmd.AddCommand(machineCmd)
	rootCmd.AddCommand(summaryCmd)
	rootCmd.AddCommand(commandCmd)
	rootCmd.AddCommand(clusterCmd)
	rootCmd.AddCommand(userCmd)
}

// dial logs in and returns a ready client plus a request context.
func dial(cmd *cobra.Command) (*client.Client, context.Context, context.CancelFunc, error) {
	if flagUsername == "" {
		return nil, nil, nil, fmt.Errorf("--user is required")
	}

	fmt.Fprintf(os.Stderr, "Password for %s: ", flagUsername)
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to read password: %w", err)
	}

	c := client.New(client.Config{
		BaseURL:            flagServer,
		InsecureSkipVerify: flagInsecure,
	})

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	if err := c.Login(ctx, flagUsername, string(password)); err != nil {
		cancel()
		return nil, nil, nil, err
	}
	return c, ctx, cancel, nil
}
