package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stackkit/stackkit/pkg/rollback"
)

func newRollbackCommand() *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "rollback <stack>",
		Short: "Roll a stack back",
		Long: `Roll a stack back in reverse dependency order.

Modes:
  full         delete every resource in the stack
  partial      delete only failed resources and their dependents
  incremental  delete resources created since the last rollback point
  emergency    delete everything immediately, without retries or backoff

Individual cleanup failures never abort the run; resources that survive
leave the deployment PARTIAL for a follow-up pass.`,
		Example: `  # Full rollback
  stackkit rollback ai-starter-kit-prod

  # Only remove what failed
  stackkit rollback ai-starter-kit-prod --mode partial`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.close()

			rbMode := rollback.Mode(mode)
			if err := rbMode.Validate(); err != nil {
				return err
			}

			engine, err := app.newRollbackEngine(cmd.Context())
			if err != nil {
				return err
			}
			orch, err := app.newOrchestrator(engine, false)
			if err != nil {
				return err
			}

			report, err := orch.Destroy(cmd.Context(), args[0], rbMode)
			if err != nil {
				return err
			}
			return printReport(report)
		},
	}

	cmd.Flags().StringVar(&mode, "mode", "full", "rollback mode (full, partial, incremental, emergency)")

	return cmd
}

func printReport(report *rollback.Report) error {
	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(report)
	}
	fmt.Println(report.String())
	if !report.Complete() {
		fmt.Printf("Surviving resources: %v\n", report.Failed)
	}
	return nil
}
