package statesync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNewScheduler_Validation(t *testing.T) {
	if _, err := NewScheduler(SchedulerConfig{}); err == nil {
		t.Error("Expected error without a syncer")
	}

	h := newTestSyncer(t, newFakeBackend(), StrategyTimestamp)
	if _, err := NewScheduler(SchedulerConfig{Syncer: h.syncer, Mode: "sometimes"}); err == nil {
		t.Error("Expected error for an unknown mode")
	}

	sched, err := NewScheduler(SchedulerConfig{Syncer: h.syncer, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("Failed to create scheduler: %v", err)
	}
	if sched.Mode() != ModeAuto {
		t.Errorf("Expected default mode auto, got %s", sched.Mode())
	}
	if sched.interval != DefaultSyncInterval {
		t.Errorf("Expected default interval %s, got %s", DefaultSyncInterval, sched.interval)
	}
}

func TestScheduler_RunsUntilModeChange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backend := newFakeBackend()
	h := newTestSyncer(t, backend, StrategyTimestamp)
	if _, err := h.store.Create(ctx, "gpu-stack"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	sched, err := NewScheduler(SchedulerConfig{
		Syncer:   h.syncer,
		Interval: 20 * time.Millisecond,
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("Failed to create scheduler: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for backend.putCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Scheduler never synced the stack")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := sched.SetMode(ModeManual); err != nil {
		t.Fatalf("SetMode failed: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Scheduler did not stop after the mode change")
	}
}

func TestScheduler_DisabledModeDoesNotRun(t *testing.T) {
	backend := newFakeBackend()
	h := newTestSyncer(t, backend, StrategyTimestamp)
	if _, err := h.store.Create(context.Background(), "gpu-stack"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	sched, err := NewScheduler(SchedulerConfig{
		Syncer:   h.syncer,
		Interval: 10 * time.Millisecond,
		Mode:     ModeDisabled,
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("Failed to create scheduler: %v", err)
	}
	if err := sched.Run(context.Background()); err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if got := backend.putCount(); got != 0 {
		t.Errorf("Expected no syncs in disabled mode, got %d puts", got)
	}
}

func TestScheduler_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := newTestSyncer(t, newFakeBackend(), StrategyTimestamp)

	sched, err := NewScheduler(SchedulerConfig{
		Syncer:   h.syncer,
		Interval: 10 * time.Millisecond,
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("Failed to create scheduler: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Scheduler did not stop on cancellation")
	}
}
