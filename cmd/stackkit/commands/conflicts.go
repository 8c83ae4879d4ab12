package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stackkit/stackkit/pkg/stores"
)

func newConflictsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Inspect and resolve sync conflicts",
		Long: `Inspect and resolve recorded sync conflicts.

Under the manual conflict strategy, a divergence between local and remote
state suspends sync for that stack and records both snapshots. 'list'
shows what is pending; 'resolve' picks a side and unblocks the stack.`,
	}

	cmd.AddCommand(newConflictsListCommand())
	cmd.AddCommand(newConflictsResolveCommand())

	return cmd
}

func newConflictsListCommand() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded sync conflicts",
		Example: `  # Pending conflicts only
  stackkit conflicts list

  # Include resolved ones
  stackkit conflicts list --all`,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.close()

			records, err := app.openRecords(cmd.Context())
			if err != nil {
				return err
			}

			var status *stores.ConflictStatus
			if !all {
				pending := stores.ConflictStatusPending
				status = &pending
			}
			conflicts, err := records.ListConflicts(cmd.Context(), status, 100, 0)
			if err != nil {
				return err
			}

			if jsonOutput {
				return json.NewEncoder(os.Stdout).Encode(conflicts)
			}
			if len(conflicts) == 0 {
				fmt.Println("No conflicts.")
				return nil
			}
			for _, c := range conflicts {
				fmt.Printf("%s  %-24s %-8s local=%s remote=%s\n",
					c.ID, c.DeploymentID, c.Status,
					c.LocalUpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
					c.RemoteUpdatedAt.Format("2006-01-02T15:04:05Z07:00"))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "include resolved conflicts")

	return cmd
}

func newConflictsResolveCommand() *cobra.Command {
	var keep string

	cmd := &cobra.Command{
		Use:   "resolve <conflict-id>",
		Short: "Resolve a conflict by picking a side",
		Long: `Resolve a recorded conflict by keeping one side.

Keeping 'local' pushes the local document to the remote; keeping
'remote' overwrites the local store with the recorded remote snapshot.
Either way the stack's sync is unblocked.`,
		Example: `  stackkit conflicts resolve 6f1c2d3e-... --keep local`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if keep != "local" && keep != "remote" {
				return fmt.Errorf("--keep must be 'local' or 'remote', got %q", keep)
			}

			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.close()

			syncer, err := app.newSyncer(cmd.Context())
			if err != nil {
				return err
			}
			if err := syncer.ResolveConflict(cmd.Context(), args[0], keep); err != nil {
				return err
			}
			fmt.Printf("Conflict %s resolved, kept %s.\n", args[0], keep)
			return nil
		},
	}

	cmd.Flags().StringVar(&keep, "keep", "", "side to keep (local or remote)")
	cmd.MarkFlagRequired("keep")

	return cmd
}
