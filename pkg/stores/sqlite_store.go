package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{
		cfg: cfg,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	// Open database with SQLite-specific connection parameters
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	// Verify connection and set PRAGMAs
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Ensure foreign keys are enabled (connection-level setting)
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// Create migration instance
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// CreateConflict records a newly detected sync conflict
func (s *SQLiteStore) CreateConflict(ctx context.Context, conflict *SyncConflict) error {
	query := `
		INSERT INTO sync_conflicts (
			id, deployment_id, backend, local_snapshot, remote_snapshot,
			local_updated_at, remote_updated_at, status, resolution,
			detected_at, resolved_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		conflict.ID,
		conflict.DeploymentID,
		conflict.Backend,
		conflict.LocalSnapshot,
		conflict.RemoteSnapshot,
		conflict.LocalUpdatedAt,
		conflict.RemoteUpdatedAt,
		conflict.Status,
		conflict.Resolution,
		conflict.DetectedAt,
		conflict.ResolvedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create conflict: %w", err)
	}

	return nil
}

// GetConflict retrieves a conflict by ID
func (s *SQLiteStore) GetConflict(ctx context.Context, id string) (*SyncConflict, error) {
	query := `
		SELECT id, deployment_id, backend, local_snapshot, remote_snapshot,
		       local_updated_at, remote_updated_at, status, resolution,
		       detected_at, resolved_at
		FROM sync_conflicts
		WHERE id = ?
	`

	conflict := &SyncConflict{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&conflict.ID,
		&conflict.DeploymentID,
		&conflict.Backend,
		&conflict.LocalSnapshot,
		&conflict.RemoteSnapshot,
		&conflict.LocalUpdatedAt,
		&conflict.RemoteUpdatedAt,
		&conflict.Status,
		&conflict.Resolution,
		&conflict.DetectedAt,
		&conflict.ResolvedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("conflict %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict: %w", err)
	}

	return conflict, nil
}

// PendingConflict returns the newest unresolved conflict for a deployment,
// or nil when the deployment has none.
func (s *SQLiteStore) PendingConflict(ctx context.Context, deploymentID string) (*SyncConflict, error) {
	query := `
		SELECT id, deployment_id, backend, local_snapshot, remote_snapshot,
		       local_updated_at, remote_updated_at, status, resolution,
		       detected_at, resolved_at
		FROM sync_conflicts
		WHERE deployment_id = ? AND status = ?
		ORDER BY detected_at DESC
		LIMIT 1
	`

	conflict := &SyncConflict{}
	err := s.db.QueryRowContext(ctx, query, deploymentID, ConflictStatusPending).Scan(
		&conflict.ID,
		&conflict.DeploymentID,
		&conflict.Backend,
		&conflict.LocalSnapshot,
		&conflict.RemoteSnapshot,
		&conflict.LocalUpdatedAt,
		&conflict.RemoteUpdatedAt,
		&conflict.Status,
		&conflict.Resolution,
		&conflict.DetectedAt,
		&conflict.ResolvedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending conflict: %w", err)
	}

	return conflict, nil
}

// ListConflicts lists conflicts with an optional status filter and pagination
func (s *SQLiteStore) ListConflicts(ctx context.Context, status *ConflictStatus, limit, offset int) ([]*SyncConflict, error) {
	query := `
		SELECT id, deployment_id, backend, local_snapshot, remote_snapshot,
		       local_updated_at, remote_updated_at, status, resolution,
		       detected_at, resolved_at
		FROM sync_conflicts
		WHERE (? IS NULL OR status = ?)
		ORDER BY detected_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, status, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()

	conflicts := []*SyncConflict{}
	for rows.Next() {
		conflict := &SyncConflict{}
		err := rows.Scan(
			&conflict.ID,
			&conflict.DeploymentID,
			&conflict.Backend,
			&conflict.LocalSnapshot,
			&conflict.RemoteSnapshot,
			&conflict.LocalUpdatedAt,
			&conflict.RemoteUpdatedAt,
			&conflict.Status,
			&conflict.Resolution,
			&conflict.DetectedAt,
			&conflict.ResolvedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		conflicts = append(conflicts, conflict)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}

	return conflicts, nil
}

// ResolveConflict closes a pending conflict, recording how it was resolved.
// Conflict rows are never deleted; both snapshots stay behind for audit.
func (s *SQLiteStore) ResolveConflict(ctx context.Context, id string, resolution string) error {
	query := `
		UPDATE sync_conflicts
		SET status = ?, resolution = ?, resolved_at = ?
		WHERE id = ? AND status = ?
	`

	now := time.Now()
	result, err := s.db.ExecContext(ctx, query, ConflictStatusResolved, resolution, now, id, ConflictStatusPending)
	if err != nil {
		return fmt.Errorf("failed to resolve conflict: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		if _, err := s.GetConflict(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("conflict %s is already resolved", id)
	}

	return nil
}

// SaveRollbackReport inserts or updates a rollback report. The engine writes
// an initial row when the rollback starts and the final row when it completes.
func (s *SQLiteStore) SaveRollbackReport(ctx context.Context, report *RollbackReport) error {
	query := `
		INSERT INTO rollback_reports (
			id, deployment_id, trigger_name, mode, started_at, completed_at,
			succeeded, failed, skipped, final_status, error, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			completed_at = excluded.completed_at,
			succeeded = excluded.succeeded,
			failed = excluded.failed,
			skipped = excluded.skipped,
			final_status = excluded.final_status,
			error = excluded.error
	`

	_, err := s.db.ExecContext(ctx, query,
		report.ID,
		report.DeploymentID,
		report.Trigger,
		report.Mode,
		report.StartedAt,
		report.CompletedAt,
		report.Succeeded,
		report.Failed,
		report.Skipped,
		report.FinalStatus,
		report.Error,
		report.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to save rollback report: %w", err)
	}

	return nil
}

// GetRollbackReport retrieves a report by ID
func (s *SQLiteStore) GetRollbackReport(ctx context.Context, id string) (*RollbackReport, error) {
	query := `
		SELECT id, deployment_id, trigger_name, mode, started_at, completed_at,
		       succeeded, failed, skipped, final_status, error, created_at
		FROM rollback_reports
		WHERE id = ?
	`

	report := &RollbackReport{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&report.ID,
		&report.DeploymentID,
		&report.Trigger,
		&report.Mode,
		&report.StartedAt,
		&report.CompletedAt,
		&report.Succeeded,
		&report.Failed,
		&report.Skipped,
		&report.FinalStatus,
		&report.Error,
		&report.CreatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rollback report %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rollback report: %w", err)
	}

	return report, nil
}

// ListRollbackReports lists reports, optionally for one deployment, newest first
func (s *SQLiteStore) ListRollbackReports(ctx context.Context, deploymentID *string, limit, offset int) ([]*RollbackReport, error) {
	query := `
		SELECT id, deployment_id, trigger_name, mode, started_at, completed_at,
		       succeeded, failed, skipped, final_status, error, created_at
		FROM rollback_reports
		WHERE (? IS NULL OR deployment_id = ?)
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, deploymentID, deploymentID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list rollback reports: %w", err)
	}
	defer rows.Close()

	reports := []*RollbackReport{}
	for rows.Next() {
		report := &RollbackReport{}
		err := rows.Scan(
			&report.ID,
			&report.DeploymentID,
			&report.Trigger,
			&report.Mode,
			&report.StartedAt,
			&report.CompletedAt,
			&report.Succeeded,
			&report.Failed,
			&report.Skipped,
			&report.FinalStatus,
			&report.Error,
			&report.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rollback report: %w", err)
		}
		reports = append(reports, report)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rollback reports: %w", err)
	}

	return reports, nil
}

// CreateAuditEntry creates a new audit log entry
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	query := `
		INSERT INTO audit (action, actor, target_id, details, ip_address, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		entry.Action,
		entry.Actor,
		entry.TargetID,
		entry.Details,
		entry.IPAddress,
		entry.Timestamp,
	)

	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	// Get the auto-generated ID
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}

	entry.ID = id
	return nil
}

// ListAuditEntries lists audit entries with optional filters and pagination
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error) {
	query := `
		SELECT id, action, actor, target_id, details, ip_address, timestamp
		FROM audit
		WHERE (? IS NULL OR action = ?)
		  AND (? IS NULL OR actor = ?)
		ORDER BY timestamp DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, action, action, actor, actor, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.Actor,
			&entry.TargetID,
			&entry.Details,
			&entry.IPAddress,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
