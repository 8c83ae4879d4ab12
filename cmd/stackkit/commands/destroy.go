package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stackkit/stackkit/pkg/rollback"
)

func newDestroyCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "destroy <stack>",
		Short: "Tear a stack down completely",
		Long: `Tear a stack down: a full rollback of every tracked resource.

Prompts for confirmation unless --force is given. The resource inventory
is restored from the stack's snapshot, so destroy works from any machine
that has the state, not just the one that deployed.`,
		Example: `  # Destroy with confirmation prompt
  stackkit destroy ai-starter-kit-prod

  # Destroy without prompting
  stackkit destroy ai-starter-kit-prod --force`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stackID := args[0]
			if !force && !confirm(fmt.Sprintf("Destroy stack %s and all of its resources?", stackID)) {
				fmt.Println("Aborted.")
				return nil
			}

			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.close()

			engine, err := app.newRollbackEngine(cmd.Context())
			if err != nil {
				return err
			}
			orch, err := app.newOrchestrator(engine, false)
			if err != nil {
				return err
			}

			report, err := orch.Destroy(cmd.Context(), stackID, rollback.ModeFull)
			if err != nil {
				return err
			}
			return printReport(report)
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "skip the confirmation prompt")

	return cmd
}

func confirm(question string) bool {
	fmt.Printf("%s [y/N]: ", question)
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}
