package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stackkit/stackkit/pkg/config"
	"github.com/stackkit/stackkit/pkg/orchestrator"
	"github.com/stackkit/stackkit/pkg/state"
)

func newDeployCommand() *cobra.Command {
	var (
		manifestFile string
		autoRollback bool
	)

	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy a stack from a manifest",
		Long: `Deploy a stack from its manifest, phase by phase.

This command:
  - Parses and validates the stack manifest
  - Evaluates deployment policies (blocked in enforcing mode)
  - Runs the deployment phases in order, checkpointing each one
  - Registers every provisioned resource with its dependencies
  - On failure, rolls the stack back automatically (unless disabled)`,
		Example: `  # Deploy the default manifest
  stackkit deploy

  # Deploy a specific manifest
  stackkit deploy -f stacks/prod.yaml

  # Leave failed deployments in place for inspection
  stackkit deploy -f stacks/prod.yaml --auto-rollback=false`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.close()

			manifest, err := config.NewManifestParser().ParseFile(manifestFile)
			if err != nil {
				return err
			}

			engine, err := app.newRollbackEngine(cmd.Context())
			if err != nil {
				return err
			}
			orch, err := app.newOrchestrator(engine, autoRollback)
			if err != nil {
				return err
			}

			dep, err := orch.Deploy(cmd.Context(), manifest)
			if err != nil {
				if errors.Is(err, orchestrator.ErrPolicyRejected) {
					return fmt.Errorf("deployment blocked by policy: %w", err)
				}
				return err
			}
			if err := printDeployment(dep); err != nil {
				return err
			}
			return deploymentOutcome(dep)
		},
	}

	cmd.Flags().StringVarP(&manifestFile, "file", "f", "stack.yaml", "stack manifest file")
	cmd.Flags().BoolVar(&autoRollback, "auto-rollback", true, "roll back automatically when the deployment fails")

	return cmd
}

// deploymentOutcome maps the deployment's terminal status to the
// command result. A failed deployment is a valid record, not an
// orchestrator error, so the exit code has to come from the status.
func deploymentOutcome(dep *state.Deployment) error {
	switch dep.Status {
	case state.StatusFailed, state.StatusRolledBack, state.StatusPartial:
		return fmt.Errorf("deployment of %s finished %s", dep.StackID, dep.Status)
	}
	return nil
}

func printDeployment(dep *state.Deployment) error {
	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(dep)
	}
	fmt.Printf("Stack:    %s\n", dep.StackID)
	fmt.Printf("Status:   %s\n", dep.Status)
	if len(dep.Phases) > 0 {
		fmt.Printf("Phases:   %d completed (last: %s)\n", len(dep.Phases), dep.Phases[len(dep.Phases)-1])
	}
	if region := dep.Variables["region"]; region != "" {
		fmt.Printf("Region:   %s\n", region)
	}
	if len(dep.FailedComponents) > 0 {
		fmt.Printf("Failed:   %v\n", dep.FailedComponents)
	}
	fmt.Printf("Updated:  %s\n", dep.UpdatedAt.Format("2006-01-02 15:04:05 MST"))
	return nil
}
