package statesync

import (
	"errors"
	"fmt"
	"time"
)

// Direction selects which way a sync moves state.
type Direction string

const (
	// DirectionPush publishes the local document to the remote backend.
	DirectionPush Direction = "push"
	// DirectionPull absorbs the remote document into local state.
	DirectionPull Direction = "pull"
	// DirectionBidirectional pulls first, then pushes. Pull-first favors not
	// losing remote edits at the cost of sometimes re-publishing a value that
	// was just overwritten.
	DirectionBidirectional Direction = "bidirectional"
)

// Validate checks that the direction is one of the known values.
func (d Direction) Validate() error {
	switch d {
	case DirectionPush, DirectionPull, DirectionBidirectional:
		return nil
	}
	return fmt.Errorf("invalid sync direction: %s", d)
}

// Strategy selects how a detected conflict is resolved.
type Strategy string

const (
	// StrategyTimestamp lets the record with the larger updated_at win
	// outright.
	StrategyTimestamp Strategy = "timestamp"
	// StrategyMerge reconciles the two records field by field.
	StrategyMerge Strategy = "merge"
	// StrategyManual records the conflict for an operator and suspends
	// automatic sync for the deployment until it is resolved.
	StrategyManual Strategy = "manual"
)

// Validate checks that the strategy is one of the known values.
func (s Strategy) Validate() error {
	switch s {
	case StrategyTimestamp, StrategyMerge, StrategyManual:
		return nil
	}
	return fmt.Errorf("invalid conflict strategy: %s", s)
}

// Mode controls the background scheduler.
type Mode string

const (
	ModeAuto     Mode = "auto"
	ModeManual   Mode = "manual"
	ModeDisabled Mode = "disabled"
)

// Validate checks that the mode is one of the known values.
func (m Mode) Validate() error {
	switch m {
	case ModeAuto, ModeManual, ModeDisabled:
		return nil
	}
	return fmt.Errorf("invalid sync mode: %s", m)
}

var (
	// ErrConflictPending is returned when a deployment has an unresolved
	// conflict; sync is suspended until an operator resolves it.
	ErrConflictPending = errors.New("sync conflict pending resolution")

	// ErrLockTimeout is returned when the sync lock could not be acquired
	// within the configured timeout.
	ErrLockTimeout = errors.New("timed out acquiring sync lock")
)

// Result describes what one Sync call did.
type Result struct {
	DeploymentID string        `json:"deployment_id"`
	Direction    Direction     `json:"direction"`
	Pushed       bool          `json:"pushed"`
	Pulled       bool          `json:"pulled"`
	Merged       bool          `json:"merged"`
	Skipped      bool          `json:"skipped"`
	SkipReason   string        `json:"skip_reason,omitempty"`
	ConflictID   string        `json:"conflict_id,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// String renders the result for CLI output.
func (r *Result) String() string {
	switch {
	case r.Skipped:
		return fmt.Sprintf("%s: skipped (%s)", r.DeploymentID, r.SkipReason)
	case r.ConflictID != "":
		return fmt.Sprintf("%s: conflict recorded (%s)", r.DeploymentID, r.ConflictID)
	default:
		actions := ""
		if r.Pulled {
			actions += "pulled"
		}
		if r.Merged {
			if actions != "" {
				actions += "+"
			}
			actions += "merged"
		}
		if r.Pushed {
			if actions != "" {
				actions += "+"
			}
			actions += "pushed"
		}
		if actions == "" {
			actions = "up to date"
		}
		return fmt.Sprintf("%s: %s in %s", r.DeploymentID, actions, r.Duration.Round(time.Millisecond))
	}
}

