package stores

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	return store
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	// Check that tables exist by querying them
	tables := []string{"sync_conflicts", "rollback_reports", "audit"}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		err := store.db.QueryRowContext(ctx, query).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

func testConflict(id, deploymentID string, detectedAt time.Time) *SyncConflict {
	return &SyncConflict{
		ID:              id,
		DeploymentID:    deploymentID,
		Backend:         "s3",
		LocalSnapshot:   `{"status":"completed"}`,
		RemoteSnapshot:  `{"status":"failed"}`,
		LocalUpdatedAt:  detectedAt.Add(-2 * time.Minute),
		RemoteUpdatedAt: detectedAt.Add(-1 * time.Minute),
		Status:          ConflictStatusPending,
		DetectedAt:      detectedAt,
	}
}

// TestConflictLifecycle tests conflict creation, lookup and resolution
func TestConflictLifecycle(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	if err := store.CreateConflict(ctx, testConflict("conflict-001", "stack-a", now)); err != nil {
		t.Fatalf("failed to create conflict: %v", err)
	}

	retrieved, err := store.GetConflict(ctx, "conflict-001")
	if err != nil {
		t.Fatalf("failed to get conflict: %v", err)
	}
	if retrieved.DeploymentID != "stack-a" {
		t.Errorf("expected deployment stack-a, got %s", retrieved.DeploymentID)
	}
	if retrieved.Status != ConflictStatusPending {
		t.Errorf("expected pending, got %s", retrieved.Status)
	}
	if retrieved.LocalSnapshot != `{"status":"completed"}` {
		t.Errorf("expected local snapshot retained, got %s", retrieved.LocalSnapshot)
	}

	pending, err := store.PendingConflict(ctx, "stack-a")
	if err != nil {
		t.Fatalf("failed to get pending conflict: %v", err)
	}
	if pending == nil || pending.ID != "conflict-001" {
		t.Fatalf("expected pending conflict-001, got %+v", pending)
	}

	if err := store.ResolveConflict(ctx, "conflict-001", ResolutionTimestamp); err != nil {
		t.Fatalf("failed to resolve conflict: %v", err)
	}

	resolved, err := store.GetConflict(ctx, "conflict-001")
	if err != nil {
		t.Fatalf("failed to get resolved conflict: %v", err)
	}
	if resolved.Status != ConflictStatusResolved {
		t.Errorf("expected resolved, got %s", resolved.Status)
	}
	if resolved.Resolution == nil || *resolved.Resolution != ResolutionTimestamp {
		t.Errorf("expected resolution timestamp, got %v", resolved.Resolution)
	}
	if resolved.ResolvedAt == nil {
		t.Error("expected resolved_at to be set")
	}
	// Both snapshots are kept after resolution.
	if resolved.LocalSnapshot == "" || resolved.RemoteSnapshot == "" {
		t.Error("expected snapshots retained after resolution")
	}

	// The deployment no longer blocks on a pending conflict.
	pending, err = store.PendingConflict(ctx, "stack-a")
	if err != nil {
		t.Fatalf("failed to re-check pending conflict: %v", err)
	}
	if pending != nil {
		t.Errorf("expected no pending conflict, got %s", pending.ID)
	}
}

func TestResolveConflict_Errors(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	if err := store.ResolveConflict(ctx, "missing", ResolutionMerge); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got: %v", err)
	}

	if err := store.CreateConflict(ctx, testConflict("conflict-001", "stack-a", time.Now())); err != nil {
		t.Fatalf("failed to create conflict: %v", err)
	}
	if err := store.ResolveConflict(ctx, "conflict-001", ResolutionMerge); err != nil {
		t.Fatalf("failed to resolve conflict: %v", err)
	}
	if err := store.ResolveConflict(ctx, "conflict-001", ResolutionKeepLocal); err == nil {
		t.Error("expected error resolving an already-resolved conflict")
	}
}

func TestListConflicts_StatusFilter(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	base := time.Now()

	for i, id := range []string{"conflict-001", "conflict-002", "conflict-003"} {
		if err := store.CreateConflict(ctx, testConflict(id, "stack-a", base.Add(time.Duration(i)*time.Second))); err != nil {
			t.Fatalf("failed to create conflict %s: %v", id, err)
		}
	}
	if err := store.ResolveConflict(ctx, "conflict-002", ResolutionMerge); err != nil {
		t.Fatalf("failed to resolve conflict: %v", err)
	}

	pending := ConflictStatusPending
	conflicts, err := store.ListConflicts(ctx, &pending, 10, 0)
	if err != nil {
		t.Fatalf("failed to list conflicts: %v", err)
	}
	if len(conflicts) != 2 {
		t.Fatalf("expected 2 pending conflicts, got %d", len(conflicts))
	}
	// Newest first.
	if conflicts[0].ID != "conflict-003" {
		t.Errorf("expected conflict-003 first, got %s", conflicts[0].ID)
	}

	all, err := store.ListConflicts(ctx, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list all conflicts: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 conflicts, got %d", len(all))
	}
}

// TestRollbackReportUpsert tests the start-then-complete report flow
func TestRollbackReportUpsert(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	report := &RollbackReport{
		ID:           "report-001",
		DeploymentID: "stack-a",
		Trigger:      "health-failure",
		Mode:         "full",
		StartedAt:    now,
		Succeeded:    "[]",
		Failed:       "[]",
		Skipped:      "[]",
		CreatedAt:    now,
	}
	if err := store.SaveRollbackReport(ctx, report); err != nil {
		t.Fatalf("failed to save initial report: %v", err)
	}

	succeeded, _ := json.Marshal([]string{"instance", "subnet"})
	failed, _ := json.Marshal([]string{"vpc"})
	completedAt := now.Add(90 * time.Second)
	report.CompletedAt = &completedAt
	report.Succeeded = string(succeeded)
	report.Failed = string(failed)
	report.FinalStatus = "partial"
	if err := store.SaveRollbackReport(ctx, report); err != nil {
		t.Fatalf("failed to save final report: %v", err)
	}

	retrieved, err := store.GetRollbackReport(ctx, "report-001")
	if err != nil {
		t.Fatalf("failed to get report: %v", err)
	}
	if retrieved.Trigger != "health-failure" {
		t.Errorf("expected trigger health-failure, got %s", retrieved.Trigger)
	}
	if retrieved.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}
	if retrieved.FinalStatus != "partial" {
		t.Errorf("expected final status partial, got %s", retrieved.FinalStatus)
	}

	var gotFailed []string
	if err := json.Unmarshal([]byte(retrieved.Failed), &gotFailed); err != nil {
		t.Fatalf("failed to decode failed list: %v", err)
	}
	if len(gotFailed) != 1 || gotFailed[0] != "vpc" {
		t.Errorf("expected failed [vpc], got %v", gotFailed)
	}
}

func TestListRollbackReports_DeploymentFilter(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	base := time.Now()

	for i, tc := range []struct{ id, deployment string }{
		{"report-001", "stack-a"},
		{"report-002", "stack-b"},
		{"report-003", "stack-a"},
	} {
		report := &RollbackReport{
			ID:           tc.id,
			DeploymentID: tc.deployment,
			Trigger:      "deployment-timeout",
			Mode:         "partial",
			StartedAt:    base.Add(time.Duration(i) * time.Minute),
			Succeeded:    "[]",
			Failed:       "[]",
			Skipped:      "[]",
			CreatedAt:    base,
		}
		if err := store.SaveRollbackReport(ctx, report); err != nil {
			t.Fatalf("failed to save report %s: %v", tc.id, err)
		}
	}

	deployment := "stack-a"
	reports, err := store.ListRollbackReports(ctx, &deployment, 10, 0)
	if err != nil {
		t.Fatalf("failed to list reports: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("expected 2 reports for stack-a, got %d", len(reports))
	}
	if reports[0].ID != "report-003" {
		t.Errorf("expected newest report first, got %s", reports[0].ID)
	}

	if _, err := store.GetRollbackReport(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got: %v", err)
	}
}

// TestAuditTrail tests audit entry creation and filtered listing
func TestAuditTrail(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	target := "stack-a"

	entries := []*AuditEntry{
		{Action: "sync.pushed", Actor: "scheduler", TargetID: &target, Timestamp: time.Now()},
		{Action: "conflict.detected", Actor: "scheduler", TargetID: &target, Timestamp: time.Now().Add(time.Second)},
		{Action: "sync.pushed", Actor: "cli", TargetID: &target, Timestamp: time.Now().Add(2 * time.Second)},
	}
	for _, entry := range entries {
		if err := store.CreateAuditEntry(ctx, entry); err != nil {
			t.Fatalf("failed to create audit entry: %v", err)
		}
		if entry.ID == 0 {
			t.Error("expected auto-generated ID to be set")
		}
	}

	action := "sync.pushed"
	byAction, err := store.ListAuditEntries(ctx, &action, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list audit entries: %v", err)
	}
	if len(byAction) != 2 {
		t.Errorf("expected 2 sync.pushed entries, got %d", len(byAction))
	}

	actor := "scheduler"
	byBoth, err := store.ListAuditEntries(ctx, &action, &actor, 10, 0)
	if err != nil {
		t.Fatalf("failed to list audit entries: %v", err)
	}
	if len(byBoth) != 1 {
		t.Errorf("expected 1 entry for scheduler sync.pushed, got %d", len(byBoth))
	}

	all, err := store.ListAuditEntries(ctx, nil, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list all audit entries: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 entries, got %d", len(all))
	}
	// Newest first.
	if all[0].Action != "sync.pushed" || all[0].Actor != "cli" {
		t.Errorf("expected newest entry first, got %s/%s", all[0].Action, all[0].Actor)
	}
}
