package main

import (
	"github.com/spf13/cobra"

	"github.com/untoldecay/CodeLoom/internal/config"
	"github.com/untoldecay/CodeLoom/internal/server"
)

// version is stamped at build time via -ldflags.
var version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "AI code-generation orchestrator",
	Long: `Loom plans a software project from a natural-language query,
generates its source files in phases, deploys each phase to a sandbox,
and streams every step to connected clients.

Run "loom serve" in a project directory to start the orchestrator,
then use the client commands (generate, chat, status) against it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.Initialize()
	},
}

func init() {
	server.Version = version
	rootCmd.PersistentFlags().String("state-dir", "", "project state directory (default .loom)")
	rootCmd.PersistentFlags().Bool("json", false, "machine-readable output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(generateCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(versionCmd)
}

// stateDir resolves the project state directory from flag or config.
func stateDir(cmd *cobra.Command) string {
	if dir, _ := cmd.Flags().GetString("state-dir"); dir != "" {
		return dir
	}
	return config.GetString("state-dir")
}
