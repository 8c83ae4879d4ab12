package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stackkit/stackkit/pkg/statesync"
)

func newSyncCommand() *cobra.Command {
	var (
		direction string
		force     bool
	)

	cmd := &cobra.Command{
		Use:   "sync [stack]",
		Short: "Synchronize deployment state with the remote backend",
		Long: `Synchronize deployment state with the configured remote backend.

Directions:
  push           publish local state to the remote
  pull           absorb remote state into the local store
  bidirectional  pull first, then push (the default)

Without an argument every stack in the local store is synced. A detected
conflict under the manual strategy is recorded for 'stackkit conflicts'
and suspends sync for that stack until resolved with 'stackkit conflicts
resolve'. --force skips the nothing-changed check so an unchanged stack
is pushed anyway; it never bypasses a pending conflict.`,
		Example: `  # Sync every stack both ways
  stackkit sync

  # Push one stack even if nothing changed
  stackkit sync ai-starter-kit-prod --direction push --force`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.close()

			dir := statesync.Direction(direction)
			if err := dir.Validate(); err != nil {
				return err
			}

			syncer, err := app.newSyncer(cmd.Context())
			if err != nil {
				return err
			}

			var stacks []string
			if len(args) == 1 {
				stacks = args
			} else {
				stacks, err = app.store.ListStacks()
				if err != nil {
					return err
				}
				if len(stacks) == 0 {
					fmt.Println("No stacks to sync.")
					return nil
				}
			}

			return syncStacks(cmd.Context(), syncer, stacks, dir, force)
		},
	}

	cmd.Flags().StringVar(&direction, "direction", string(statesync.DirectionBidirectional),
		"sync direction (push, pull, bidirectional)")
	cmd.Flags().BoolVar(&force, "force", false, "sync even when nothing changed since the last sync")

	return cmd
}

func syncStacks(ctx context.Context, syncer *statesync.Syncer, stacks []string, dir statesync.Direction, force bool) error {
	var failed bool
	results := make([]*statesync.Result, 0, len(stacks))
	for _, id := range stacks {
		result, err := syncer.Sync(ctx, id, dir, force)
		if err != nil {
			// A pending conflict blocks one stack, not the whole run.
			if errors.Is(err, statesync.ErrConflictPending) {
				fmt.Fprintf(os.Stderr, "%s: %v\n", id, err)
				if result != nil {
					results = append(results, result)
				}
				failed = true
				continue
			}
			return fmt.Errorf("sync %s: %w", id, err)
		}
		results = append(results, result)
	}

	if jsonOutput {
		if err := json.NewEncoder(os.Stdout).Encode(results); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			fmt.Println(r.String())
		}
	}
	if failed {
		return fmt.Errorf("one or more stacks have pending conflicts; resolve them with 'stackkit conflicts'")
	}
	return nil
}
