package stores

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ConflictStatus represents the lifecycle of a sync conflict
type ConflictStatus string

const (
	ConflictStatusPending  ConflictStatus = "pending"
	ConflictStatusResolved ConflictStatus = "resolved"
)

// Resolution values recorded when a conflict is closed
const (
	ResolutionTimestamp  = "timestamp"
	ResolutionMerge      = "merge"
	ResolutionKeepLocal  = "keep-local"
	ResolutionKeepRemote = "keep-remote"
)

// SyncConflict records a deployment whose local and remote copies both
// diverged since the last sync. Both snapshots are retained so a resolution
// can be audited after the fact.
type SyncConflict struct {
	ID              string         `json:"id"`
	DeploymentID    string         `json:"deployment_id"`
	Backend         string         `json:"backend"`
	LocalSnapshot   string         `json:"local_snapshot"`  // JSON blob
	RemoteSnapshot  string         `json:"remote_snapshot"` // JSON blob
	LocalUpdatedAt  time.Time      `json:"local_updated_at"`
	RemoteUpdatedAt time.Time      `json:"remote_updated_at"`
	Status          ConflictStatus `json:"status"`
	Resolution      *string        `json:"resolution,omitempty"`
	DetectedAt      time.Time      `json:"detected_at"`
	ResolvedAt      *time.Time     `json:"resolved_at,omitempty"`
}

// RollbackReport records one rollback execution end to end.
type RollbackReport struct {
	ID           string     `json:"id"`
	DeploymentID string     `json:"deployment_id"`
	Trigger      string     `json:"trigger"`
	Mode         string     `json:"mode"`
	StartedAt    time.Time  `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Succeeded    string     `json:"succeeded"` // JSON array of resource IDs
	Failed       string     `json:"failed"`    // JSON array of resource IDs
	Skipped      string     `json:"skipped"`   // JSON array of resource IDs
	FinalStatus  string     `json:"final_status"`
	Error        *string    `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// AuditEntry represents an audit trail entry
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`              // e.g., "sync.pushed", "conflict.detected", "rollback.completed"
	Actor     string    `json:"actor"`               // user or system identifier
	TargetID  *string   `json:"target_id,omitempty"` // deployment/conflict/report ID
	Details   *string   `json:"details,omitempty"`   // JSON blob
	IPAddress *string   `json:"ip_address,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Conflict operations
	CreateConflict(ctx context.Context, conflict *SyncConflict) error
	GetConflict(ctx context.Context, id string) (*SyncConflict, error)
	PendingConflict(ctx context.Context, deploymentID string) (*SyncConflict, error)
	ListConflicts(ctx context.Context, status *ConflictStatus, limit, offset int) ([]*SyncConflict, error)
	ResolveConflict(ctx context.Context, id string, resolution string) error

	// Rollback report operations
	SaveRollbackReport(ctx context.Context, report *RollbackReport) error
	GetRollbackReport(ctx context.Context, id string) (*RollbackReport, error)
	ListRollbackReports(ctx context.Context, deploymentID *string, limit, offset int) ([]*RollbackReport, error)

	// Audit operations
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
