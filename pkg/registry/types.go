package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status represents the lifecycle status of a registered resource.
type Status string

const (
	// StatusCreating indicates the provisioning call for the resource is in flight.
	StatusCreating Status = "creating"

	// StatusActive indicates the resource was provisioned successfully.
	StatusActive Status = "active"

	// StatusFailed indicates provisioning or deletion of the resource failed.
	StatusFailed Status = "failed"

	// StatusDeleting indicates the cleanup action for the resource is in flight.
	StatusDeleting Status = "deleting"

	// StatusDeleted indicates the resource was torn down successfully.
	StatusDeleted Status = "deleted"
)

// statusTransitions is the allowed lifecycle state machine. A resource is
// never resurrected: deleted and failed have no outgoing transitions.
var statusTransitions = map[Status][]Status{
	StatusCreating: {StatusActive, StatusFailed},
	StatusActive:   {StatusDeleting},
	StatusDeleting: {StatusDeleted, StatusFailed},
}

// IsTerminal returns true if the status has no outgoing transitions.
func (s Status) IsTerminal() bool {
	return s == StatusDeleted || s == StatusFailed
}

// IsTransitional returns true if the status represents an in-flight operation.
func (s Status) IsTransitional() bool {
	return s == StatusCreating || s == StatusDeleting
}

// CanTransition returns true if the state machine allows moving to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range statusTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Validate checks if the status is a known lifecycle state.
func (s Status) Validate() error {
	switch s {
	case StatusCreating, StatusActive, StatusFailed, StatusDeleting, StatusDeleted:
		return nil
	default:
		return fmt.Errorf("invalid resource status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *Status) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = Status(str)
	return s.Validate()
}

// CleanupFunc tears down the cloud-side object backing a resource.
// It must be idempotent: deleting an already-absent resource is a success.
type CleanupFunc func(ctx context.Context) error

// Resource is a provisioned cloud object tracked by the registry.
type Resource struct {
	// ID is the stack-unique identifier of the resource.
	ID string `json:"id"`

	// StackID is the stack the resource belongs to.
	StackID string `json:"stack_id"`

	// Type is the resource type (e.g. "vpc", "subnet", "instance").
	Type string `json:"type"`

	// Status is the current lifecycle state.
	Status Status `json:"status"`

	// Metadata holds opaque provider-specific key-value data.
	Metadata map[string]string `json:"metadata,omitempty"`

	// Tags holds user-facing labels (cost center, environment, phase).
	Tags map[string]string `json:"tags,omitempty"`

	// DependencyIDs lists the resource IDs this resource depends on.
	// Targets may be registered after this resource; edges to IDs that
	// never register constrain nothing.
	DependencyIDs []string `json:"dependency_ids,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Cleanup is invoked by the rollback engine to tear the resource down.
	Cleanup CleanupFunc `json:"-"`
}

// Registration describes a resource being registered.
type Registration struct {
	ID            string
	Type          string
	Metadata      map[string]string
	Tags          map[string]string
	DependencyIDs []string
	Cleanup       CleanupFunc
}

// Sentinel errors returned by registry operations.
var (
	// ErrDuplicateID is returned when the resource ID is already registered
	// for the stack.
	ErrDuplicateID = errors.New("duplicate resource id")

	// ErrCycleDetected is returned when the registration's dependency edges
	// would create a cycle. The registry is left unchanged.
	ErrCycleDetected = errors.New("dependency cycle detected")

	// ErrInvalidTransition is returned by SetStatus for a transition the
	// lifecycle state machine does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNotFound is returned when a stack or resource is not registered.
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidRegistration is returned when a registration is missing
	// required fields.
	ErrInvalidRegistration = errors.New("invalid registration")
)
