// Package main implements the autopilot CLI: it plans, routes, executes and
// audits a coding task with CLI agents until the audit passes or the retry
// budget runs out.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// configPath is the project config file layered over the global one.
	configPath string
	version    = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "autopilot",
	Short: "Run coding tasks through planner, executors and auditors",
	Long: `autopilot turns a goal into a numbered plan, routes the plan's batches to
executor agents, persists the result and has two independent reviewers audit it.
Failed audits are handed back to the planner, at most twice.`,
	Version:      version,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", ".autopilot/config.yaml", "project config file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(compileCmd)
	rootCmd.AddCommand(statusCmd)
}
