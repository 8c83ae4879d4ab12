package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/spf13/cobra"

	"github.com/stackkit/stackkit/pkg/registry"
)

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [stack]",
		Short: "Show deployment status",
		Long: `Show the deployment record and resource inventory for a stack.

Without an argument, lists every stack the state store knows about.`,
		Example: `  # List all stacks
  stackkit status

  # Show one stack with its resources
  stackkit status ai-starter-kit-prod`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.close()

			if len(args) == 0 {
				return listStacks(app)
			}
			return showStack(cmd, app, args[0])
		},
	}
	return cmd
}

func listStacks(a *app) error {
	stacks, err := a.store.ListStacks()
	if err != nil {
		return err
	}
	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(map[string][]string{"stacks": stacks})
	}
	if len(stacks) == 0 {
		fmt.Println("No stacks found.")
		return nil
	}
	for _, id := range stacks {
		fmt.Println(id)
	}
	return nil
}

func showStack(cmd *cobra.Command, a *app, stackID string) error {
	engine, err := a.newRollbackEngine(cmd.Context())
	if err != nil {
		return err
	}
	orch, err := a.newOrchestrator(engine, false)
	if err != nil {
		return err
	}
	status, err := orch.Status(cmd.Context(), stackID)
	if err != nil {
		return err
	}
	if jsonOutput {
		return json.NewEncoder(os.Stdout).Encode(status)
	}

	if err := printDeployment(status.Deployment); err != nil {
		return err
	}
	if len(status.Resources) == 0 {
		return nil
	}

	counts := map[registry.Status]int{}
	for _, res := range status.Resources {
		counts[res.Status]++
	}
	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, string(s))
	}
	sort.Strings(statuses)

	fmt.Printf("\nResources (%d):\n", len(status.Resources))
	for _, s := range statuses {
		fmt.Printf("  %-10s %d\n", s, counts[registry.Status(s)])
	}
	for _, res := range status.Resources {
		fmt.Printf("  %-24s %-16s %s\n", res.ID, res.Type, res.Status)
	}
	return nil
}
