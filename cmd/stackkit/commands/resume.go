package commands

import (
	"github.com/spf13/cobra"

	"github.com/stackkit/stackkit/pkg/config"
)

func newResumeCommand() *cobra.Command {
	var (
		manifestFile string
		autoRollback bool
	)

	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume an interrupted deployment",
		Long: `Resume a deployment from its last completed phase.

Phases already checkpointed in the deployment record are skipped; the
resource inventory is restored from the stack's snapshot so dependency
tracking survives the restart.`,
		Example: `  # Resume where the last run stopped
  stackkit resume -f stacks/prod.yaml`,
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

			dep, err := orch.Resume(cmd.Context(), manifest)
			if err != nil {
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
