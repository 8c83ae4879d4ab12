package rollback

import (
	"errors"
	"fmt"
	"time"

	"github.com/stackkit/stackkit/pkg/state"
)

// Mode selects how much of a stack a rollback tears down and in what order.
type Mode string

const (
	// ModeFull deletes every resource in the stack in dependency order
	// (dependents before dependencies).
	ModeFull Mode = "full"

	// ModePartial deletes only the resources recorded in the deployment's
	// failed_components set. Healthy resources are left running.
	ModePartial Mode = "partial"

	// ModeIncremental deletes resources phase group by phase group, walking
	// the deployment's completed phases in reverse. Resources are grouped by
	// their "phase" tag.
	ModeIncremental Mode = "incremental"

	// ModeEmergency deletes everything it can reach in a single pass,
	// ignoring dependency order and retry backoff. Last resort for when an
	// ordered rollback has already failed.
	ModeEmergency Mode = "emergency"
)

// Validate checks that the mode is one of the supported values.
func (m Mode) Validate() error {
	switch m {
	case ModeFull, ModePartial, ModeIncremental, ModeEmergency:
		return nil
	default:
		return fmt.Errorf("invalid rollback mode: %q", m)
	}
}

var (
	// ErrRollbackInProgress is returned when a rollback is already running
	// for the stack.
	ErrRollbackInProgress = errors.New("rollback already in progress")

	// ErrAlreadyRolledBack is returned for a non-emergency rollback of a
	// deployment that has already been rolled back.
	ErrAlreadyRolledBack = errors.New("deployment already rolled back")

	// ErrDuplicateTrigger is returned when registering a trigger whose name
	// is already taken.
	ErrDuplicateTrigger = errors.New("duplicate trigger name")
)

// Signals carries the live measurements trigger predicates evaluate against.
// The zero value means "nothing wrong": failure flags are false and the
// timeout and cost limits are disabled.
type Signals struct {
	// HealthFailed is set when service health probes report the stack down.
	HealthFailed bool `json:"health_failed"`

	// Elapsed is how long the current deployment has been running.
	Elapsed time.Duration `json:"elapsed"`

	// Timeout is the configured deployment timeout. Zero disables the
	// deployment-timeout trigger.
	Timeout time.Duration `json:"timeout"`

	// QuotaExceeded is set when the provider rejected a provisioning call
	// for quota reasons.
	QuotaExceeded bool `json:"quota_exceeded"`

	// AccumulatedCost is the estimated spend of the stack so far, in USD.
	AccumulatedCost float64 `json:"accumulated_cost"`

	// CostLimit is the spend ceiling in USD. Zero disables the cost-limit
	// trigger.
	CostLimit float64 `json:"cost_limit"`

	// ValidationFailed is set when policy validation rejected the stack.
	ValidationFailed bool `json:"validation_failed"`
}

// Predicate reports whether a trigger condition currently holds for the
// deployment. Predicates must be side-effect free; the monitor calls them on
// every tick.
type Predicate func(dep *state.Deployment, sig Signals) bool

// Trigger pairs a condition with the rollback mode to run when it fires.
type Trigger struct {
	// Name identifies the trigger in reports, events and logs.
	Name string

	// Priority orders concurrently-firing triggers; the lowest number wins.
	// Ties fall back to registration order.
	Priority int

	// Predicate is evaluated against the deployment and the current signals.
	Predicate Predicate

	// Mode is the rollback mode this trigger requests.
	Mode Mode
}

// Report summarizes one rollback run.
type Report struct {
	// ID is the report's unique identifier, shared with the persisted row.
	ID string

	// StackID names the stack that was rolled back.
	StackID string

	Mode    Mode
	Trigger string

	StartedAt time.Time
	Duration  time.Duration

	// Removed lists resource IDs whose cleanup succeeded.
	Removed []string

	// Failed lists resource IDs whose cleanup exhausted its retries.
	Failed []string

	// Skipped lists resource IDs that needed no cleanup: already deleted,
	// still mid-create, or reported gone by the provider.
	Skipped []string

	// Outcome is the deployment status after the rollback: ROLLED_BACK when
	// every cleanup succeeded, PARTIAL when any resource survived.
	Outcome state.DeploymentStatus
}

// Complete reports whether every selected resource was cleaned up.
func (r *Report) Complete() bool {
	return len(r.Failed) == 0
}

// String renders a one-line summary for logs and CLI output.
func (r *Report) String() string {
	return fmt.Sprintf("%s: %s rollback (%s) removed %d, failed %d, skipped %d in %s",
		r.StackID, r.Mode, r.Trigger, len(r.Removed), len(r.Failed), len(r.Skipped),
		r.Duration.Round(time.Millisecond))
}
