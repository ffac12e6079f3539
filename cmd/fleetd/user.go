package main

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/fleetmon/fleetd/pkg/config"
	"github.com/fleetmon/fleetd/pkg/log"
	"github.com/fleetmon/fleetd/pkg/types"

	fleetauth "github.com/fleetmon/fleetd/pkg/auth"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage dashboard users",
}

var userCreateCmd = &cobra.Command{
	Use:   "create <username>",
	Short: "Create a dashboard user",
	Long: `Create a dashboard user directly in the coordination backend. Used to
bootstrap the first admin account before the API is reachable.

Example:
  fleetd user create admin --role admin --config /etc/fleetd/fleet.yaml`,
	Args: cobra.ExactArgs(1),
	RunE: runUserCreate,
}

func init() {
	userCreateCmd.Flags().StringP("config", "c", "fleet.yaml", "Path to configuration file")
	userCreateCmd.Flags().String("role", "viewer", "Role: admin or viewer")
	userCmd.AddCommand(userCreateCmd)
}

func runUserCreate(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	roleFlag, _ := cmd.Flags().GetString("role")
	username := args[0]

	role := types.Role(roleFlag)
	if role != types.RoleAdmin && role != types.RoleViewer {
		return &exitError{code: exitUsage, err: fmt.Errorf("role must be admin or viewer, got %q", roleFlag)}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}
	if err := checkUserBackend(cfg.Cluster.Backend); err != nil {
		return &exitError{code: exitUsage, err: err}
	}
	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})

	fmt.Printf("Password for %s: ", username)
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		return &exitError{code: exitUsage, err: fmt.Errorf("failed to read password: %w", err)}
	}
	if len(password) < 8 {
		return &exitError{code: exitUsage, err: fmt.Errorf("password must be at least 8 characters")}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return &exitError{code: exitBackendDown, err: err}
	}
	defer backend.Close()

	users := fleetauth.NewUsers(backend, nil)
	user, err := users.Create(ctx, username, string(password), role)
	if err != nil {
		return &exitError{code: exitConfig, err: err}
	}

	fmt.Printf("Created user %s (%s)\n", user.Username, user.Role)
	return nil
}

// checkUserBackend rejects coordination backends whose writes die with this
// process: a user created against a memory backend would be invisible to the
// server.
func checkUserBackend(backend string) error {
	if backend == "memory" {
		return fmt.Errorf("cluster.backend %q holds state only in this process; use the file or kv backend to create users out of band", backend)
	}
	return nil
}
