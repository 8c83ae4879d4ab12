package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool

	// appVersion is stamped by Execute for the tracer's resource attributes.
	appVersion = "dev"
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	if version != "" {
		appVersion = version
	}
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stackkit",
		Short: "StackKit - GPU stack deployment orchestrator",
		Long: `StackKit orchestrates GPU cloud stacks: it deploys stack manifests
phase by phase, tracks every resource in a dependency-aware registry,
rolls failed deployments back in reverse dependency order, and keeps
deployment state synchronized across machines.

Features:
  - Phase-driven deployments with resumable checkpoints
  - Dependency-ordered rollback (full, partial, incremental, emergency)
  - Classified error handling with regional fallback
  - State sync over S3, DynamoDB, HTTP, Redis or SFTP
  - Rego policy gate and Starlark rollback triggers`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newDeployCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newResumeCommand())
	rootCmd.AddCommand(newRollbackCommand())
	rootCmd.AddCommand(newDestroyCommand())
	rootCmd.AddCommand(newSyncCommand())
	rootCmd.AddCommand(newConflictsCommand())
	rootCmd.AddCommand(newServeCommand())

	return rootCmd
}
