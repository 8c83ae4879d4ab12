package state

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// SchemaVersion is written into every state document's metadata. Bump on
// incompatible changes to the Deployment shape.
const SchemaVersion = "1.0"

// DeploymentStatus represents the overall status of a stack deployment.
type DeploymentStatus string

const (
	// StatusInitializing indicates the deployment record was created but no
	// phase has started.
	StatusInitializing DeploymentStatus = "initializing"

	// StatusInProgress indicates phases are being executed.
	StatusInProgress DeploymentStatus = "in_progress"

	// StatusCompleted indicates all phases passed.
	StatusCompleted DeploymentStatus = "completed"

	// StatusFailed indicates the deployment stopped on an error.
	StatusFailed DeploymentStatus = "failed"

	// StatusRolledBack indicates a rollback removed every resource.
	StatusRolledBack DeploymentStatus = "rolled_back"

	// StatusPartial indicates a rollback finished but some resources
	// survived cleanup.
	StatusPartial DeploymentStatus = "partial"
)

// deploymentTransitions is the allowed state machine. ROLLED_BACK and
// PARTIAL are reachable only through the rollback engine; IN_PROGRESS is
// re-enterable for resume and re-deploy.
var deploymentTransitions = map[DeploymentStatus][]DeploymentStatus{
	StatusInitializing: {StatusInProgress, StatusFailed},
	StatusInProgress:   {StatusCompleted, StatusFailed},
	StatusCompleted:    {StatusInProgress, StatusFailed},
	StatusFailed:       {StatusRolledBack, StatusPartial, StatusInProgress},
	StatusRolledBack:   {StatusInProgress},
	StatusPartial:      {StatusInProgress, StatusFailed},
}

// IsTerminal returns true if the deployment needs no further driving.
func (s DeploymentStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusRolledBack || s == StatusPartial
}

// IsActive returns true while the deployment is being worked on.
func (s DeploymentStatus) IsActive() bool {
	return s == StatusInitializing || s == StatusInProgress
}

// CanTransition returns true if the state machine allows moving to next.
func (s DeploymentStatus) CanTransition(next DeploymentStatus) bool {
	for _, allowed := range deploymentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Validate checks if the deployment status is valid.
func (s DeploymentStatus) Validate() error {
	switch s {
	case StatusInitializing, StatusInProgress, StatusCompleted,
		StatusFailed, StatusRolledBack, StatusPartial:
		return nil
	default:
		return fmt.Errorf("invalid deployment status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s DeploymentStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *DeploymentStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = DeploymentStatus(str)
	return s.Validate()
}

// RollbackPoint is a named checkpoint with a snapshot of deployment state
// at the moment it was taken.
type RollbackPoint struct {
	Name      string          `json:"name"`
	Snapshot  json.RawMessage `json:"snapshot_data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Deployment is the per-stack progress record. One Deployment exists per
// stack_id at a time; re-deploying mutates the same record.
type Deployment struct {
	StackID string `json:"stack_id"`

	// Phases lists the named checkpoints already passed, in order.
	Phases []string `json:"phases"`

	Status DeploymentStatus `json:"status"`

	// Variables holds deployment-scoped key-value state (instance IDs,
	// endpoints, chosen region).
	Variables map[string]string `json:"variables,omitempty"`

	// FailedComponents is the set of resource IDs whose provisioning
	// failed, kept sorted for stable serialization.
	FailedComponents []string `json:"failed_components,omitempty"`

	RollbackPoints []RollbackPoint `json:"rollback_points,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TransitionTo moves the deployment status, enforcing the state machine.
// Setting the current status again is a no-op.
func (d *Deployment) TransitionTo(next DeploymentStatus) error {
	if err := next.Validate(); err != nil {
		return err
	}
	if d.Status == next {
		return nil
	}
	if !d.Status.CanTransition(next) {
		return fmt.Errorf("%w: deployment %s cannot move %s -> %s",
			ErrInvalidTransition, d.StackID, d.Status, next)
	}
	d.Status = next
	return nil
}

// HasPhase returns true if the named checkpoint was already passed.
func (d *Deployment) HasPhase(name string) bool {
	for _, p := range d.Phases {
		if p == name {
			return true
		}
	}
	return false
}

// SetVariable records a deployment variable.
func (d *Deployment) SetVariable(key, value string) {
	if d.Variables == nil {
		d.Variables = make(map[string]string)
	}
	d.Variables[key] = value
}

// AddFailedComponent adds a resource ID to the failed set. It returns false
// if the component was already recorded.
func (d *Deployment) AddFailedComponent(id string) bool {
	for _, c := range d.FailedComponents {
		if c == id {
			return false
		}
	}
	d.FailedComponents = append(d.FailedComponents, id)
	sort.Strings(d.FailedComponents)
	return true
}

// HasFailedComponent reports membership in the failed set.
func (d *Deployment) HasFailedComponent(id string) bool {
	for _, c := range d.FailedComponents {
		if c == id {
			return true
		}
	}
	return false
}

// Snapshot serializes the deployment for use as rollback point data.
func (d *Deployment) Snapshot() (json.RawMessage, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("snapshot deployment %s: %w", d.StackID, err)
	}
	return data, nil
}

// Clone returns a deep copy of the deployment.
func (d *Deployment) Clone() *Deployment {
	out := *d
	out.Phases = append([]string(nil), d.Phases...)
	out.FailedComponents = append([]string(nil), d.FailedComponents...)
	if d.Variables != nil {
		out.Variables = make(map[string]string, len(d.Variables))
		for k, v := range d.Variables {
			out.Variables[k] = v
		}
	}
	if d.RollbackPoints != nil {
		out.RollbackPoints = make([]RollbackPoint, len(d.RollbackPoints))
		for i, rp := range d.RollbackPoints {
			out.RollbackPoints[i] = rp
			out.RollbackPoints[i].Snapshot = append(json.RawMessage(nil), rp.Snapshot...)
		}
	}
	return &out
}

// Metadata is the top-level header of a state document.
type Metadata struct {
	// LastModified mirrors the newest deployment updated_at in the document.
	LastModified time.Time `json:"last_modified"`

	// LastSync is the updated_at value both sides agreed on at the last
	// successful sync. Nil until the first sync.
	LastSync *time.Time `json:"last_sync,omitempty"`

	SchemaVersion string `json:"schema_version"`
}

// StateFile is the full per-stack state document as persisted on disk and
// shipped to remote backends.
type StateFile struct {
	Metadata    Metadata               `json:"metadata"`
	Deployments map[string]*Deployment `json:"deployments"`
}

// ParseDocument decodes a serialized state document.
func ParseDocument(data []byte) (*StateFile, error) {
	var sf StateFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("parse state document: %w", err)
	}
	if sf.Deployments == nil {
		sf.Deployments = make(map[string]*Deployment)
	}
	return &sf, nil
}

// Encode serializes the document in the canonical on-disk form. Encoding
// the same document always yields identical bytes.
func (sf *StateFile) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode state document: %w", err)
	}
	return append(data, '\n'), nil
}
