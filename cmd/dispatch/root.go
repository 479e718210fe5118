package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Capability-based task dispatcher",
	Long: `Dispatch assigns tasks to capability-tagged agents.

Requests are decomposed into ordered subtask chains, scored against every
healthy agent's capability profile and current load, and assigned to the
best match. Timeouts and failures feed a retry path that escalates priority
until retries run out.

Agents talk to the dispatcher over NATS: they register their capability
profile at startup, heartbeats keep them eligible, completions free their
slots and drain the backlog, failures trigger retries.`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(matrixCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
