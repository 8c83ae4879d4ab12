package statesync

import (
	"context"
	"testing"
	"time"

	"github.com/stackkit/stackkit/pkg/state"
)

func waitForDirty(t *testing.T, s *Syncer, deploymentID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !s.isDirty(deploymentID) {
		if time.Now().After(deadline) {
			t.Fatalf("Watcher never marked %s dirty", deploymentID)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWatchLocal_MarksDirtyOnStateChange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newTestSyncer(t, newFakeBackend(), StrategyTimestamp)
	if _, err := h.store.Create(ctx, "gpu-stack"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := h.syncer.WatchLocal(ctx); err != nil {
		t.Fatalf("WatchLocal failed: %v", err)
	}
	t.Cleanup(func() { h.syncer.StopWatching() })

	if _, err := h.store.Update(ctx, "gpu-stack", func(d *state.Deployment) error {
		d.SetVariable("instance_type", "g4dn.xlarge")
		return nil
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	waitForDirty(t, h.syncer, "gpu-stack")
}

func TestWatchLocal_PicksUpNewStacks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newTestSyncer(t, newFakeBackend(), StrategyTimestamp)
	if err := h.syncer.WatchLocal(ctx); err != nil {
		t.Fatalf("WatchLocal failed: %v", err)
	}
	t.Cleanup(func() { h.syncer.StopWatching() })

	// The stack directory appears only after the watch started.
	if _, err := h.store.Create(ctx, "ml-stack"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := h.store.Update(ctx, "ml-stack", func(d *state.Deployment) error {
		d.SetVariable("instance_type", "g5.xlarge")
		return nil
	}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	waitForDirty(t, h.syncer, "ml-stack")
}
