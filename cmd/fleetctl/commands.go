package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fleetmon/fleetd/pkg/types"
)

var machinesCmd = &cobra.Command{
	Use:   "machines",
	Short: "List all machines",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel, err := dial(cmd)
		if err != nil {
			return err
		}
		defer cancel()

		machines, err := c.Machines(ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tFIRST SEEN\tLAST SEEN")
		for _, m := range machines {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				m.ID, m.Status,
				m.FirstSeen.Local().Format(time.RFC3339),
				m.LastSeen.Local().Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var machineCmd = &cobra.Command{
	Use:   "machine <id>",
	Short: "Show one machine, optionally with history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		withHistory, _ := cmd.Flags().GetBool("history")

		c, ctx, cancel, err := dial(cmd)
		if err != nil {
			return err
		}
		defer cancel()

		machine, err := c.Machine(ctx, args[0])
		if err != nil {
			return err
		}
		if err := printJSON(machine); err != nil {
			return err
		}

		if withHistory {
			entries, err := c.History(ctx, args[0], time.Time{})
			if err != nil {
				return err
			}
			return printJSON(entries)
		}
		return nil
	},
}

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show the fleet overview",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel, err := dial(cmd)
		if err != nil {
			return err
		}
		defer cancel()

		summary, err := c.Summary(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Total: %d\nOnline: %d\nStale: %d\nOffline: %d\n",
			summary.Total, summary.Online, summary.Stale, summary.Offline)
		return nil
	},
}

var commandCmd = &cobra.Command{
	Use:   "command <machine-id> <action>",
	Short: "Dispatch a command to a machine",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		paramsRaw, _ := cmd.Flags().GetString("params")
		params := map[string]any{}
		if paramsRaw != "" {
			if err := json.Unmarshal([]byte(paramsRaw), &params); err != nil {
				return fmt.Errorf("--params must be a JSON object: %w", err)
			}
		}

		c, ctx, cancel, err := dial(cmd)
		if err != nil {
			return err
		}
		defer cancel()

		id, err := c.EnqueueCommand(ctx, args[0], args[1], params)
		if err != nil {
			return err
		}
		fmt.Printf("Command %s queued for %s\n", id, args[0])
		return nil
	},
}

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Inspect the fleetd cluster",
}

var clusterStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cluster membership as seen by this node",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, ctx, cancel, err := dial(cmd)
		if err != nil {
			return err
		}
		defer cancel()

		nodeID, backend, nodes, err := c.ClusterStatus(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Node: %s (backend: %s)\n\n", nodeID, backend)

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NODE\tHOST\tPORT\tSTATUS\tLAST HEARTBEAT")
		for _, n := range nodes {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
				n.NodeID, n.Host, n.Port, n.Status,
				n.LastHeartbeat.Local().Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage dashboard users",
}

var userCreateCmd = &cobra.Command{
	Use:   "create <username> <password>",
	Short: "Create a dashboard user (admin session required)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		roleFlag, _ := cmd.Flags().GetString("role")
		role := types.Role(roleFlag)
		if role != types.RoleAdmin && role != types.RoleViewer {
			return fmt.Errorf("role must be admin or viewer, got %q", roleFlag)
		}

		c, ctx, cancel, err := dial(cmd)
		if err != nil {
			return err
		}
		defer cancel()

		if err := c.CreateUser(ctx, args[0], args[1], role); err != nil {
			return err
		}
		fmt.Printf("Created user %s (%s)\n", args[0], role)
		return nil
	},
}

func init() {
	machineCmd.Flags().Bool("history", false, "Include metric history")
	commandCmd.Flags().String("params", "", "Command parameters as a JSON object")
	userCreateCmd.Flags().String("role", "viewer", "Role: admin or viewer")

	clusterCmd.AddCommand(clusterStatusCmd)
	userCmd.AddCommand(userCreateCmd)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
