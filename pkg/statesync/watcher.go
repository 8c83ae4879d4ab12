package statesync

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchLocal watches the state store's directory tree and marks deployments
// dirty when their state document changes on disk. Dirty deployments join the
// outbound queue, so the next sync cycle pushes them even when the change was
// made by another tool.
func (s *Syncer) WatchLocal(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	s.watcher = watcher

	root := s.store.Root()
	if err := watcher.Add(root); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch state root: %w", err)
	}

	// Watch existing stack directories too; the event loop picks up ones
	// created later.
	entries, err := os.ReadDir(root)
	if err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to read state root: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := watcher.Add(filepath.Join(root, entry.Name())); err != nil {
			s.logger.Warn().Err(err).Str("dir", entry.Name()).Msg("failed to watch stack directory")
		}
	}

	go s.processFileEvents(ctx)

	s.logger.Info().Str("root", root).Msg("watching local state for changes")
	return nil
}

// processFileEvents reacts to file system events under the state root.
func (s *Syncer) processFileEvents(ctx context.Context) {
	root := s.store.Root()

	for {
		select {
		case <-ctx.Done():
			if s.watcher != nil {
				_ = s.watcher.Close()
			}
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}

			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			// A new directory directly under the root is a new stack.
			if filepath.Dir(event.Name) == root {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := s.watcher.Add(event.Name); err != nil {
						s.logger.Warn().Err(err).Str("dir", event.Name).Msg("failed to watch stack directory")
					}
					continue
				}
			}

			// Only the state document itself marks a deployment dirty;
			// snapshots and lock files churn without changing state.
			if filepath.Base(event.Name) != "state.json" {
				continue
			}
			stackID := filepath.Base(filepath.Dir(event.Name))
			s.markDirty(stackID)
			s.logger.Debug().
				Str("deployment", stackID).
				Str("op", event.Op.String()).
				Msg("state document changed")

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error().Err(err).Msg("watcher error")
		}
	}
}

// StopWatching stops watching for file changes.
func (s *Syncer) StopWatching() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
