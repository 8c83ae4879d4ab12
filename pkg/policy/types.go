package policy

import (
	"time"

	"github.com/stackkit/stackkit/pkg/config"
	"github.com/stackkit/stackkit/pkg/state"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that block a deployment.
	SeverityError Severity = "error"

	// SeverityCritical is for violations that must never reach a provider.
	SeverityCritical Severity = "critical"
)

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// PolicyViolation represents a single policy violation.
type PolicyViolation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Resource names what violated the policy, usually the stack name.
	Resource string `json:"resource,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// DetectedAt is when the violation was detected.
	DetectedAt time.Time `json:"detected_at"`
}

// Blocking reports whether this violation alone rejects the stack.
func (v PolicyViolation) Blocking() bool {
	return v.Severity == SeverityError || v.Severity == SeverityCritical
}

// PolicyResult represents the result of evaluating all enabled policies.
type PolicyResult struct {
	// Allowed indicates if the deployment may proceed. It is false when
	// any violation carries error or critical severity.
	Allowed bool `json:"allowed"`

	// Violations lists all policy violations, blocking or not.
	Violations []PolicyViolation `json:"violations,omitempty"`

	// Warnings lists policies whose evaluation itself failed. Evaluation
	// failures never block a deployment on their own.
	Warnings []string `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedAt is when the evaluation ran.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// BlockingViolations returns the subset of violations that reject the stack.
func (r *PolicyResult) BlockingViolations() []PolicyViolation {
	var out []PolicyViolation
	for _, v := range r.Violations {
		if v.Blocking() {
			out = append(out, v)
		}
	}
	return out
}

// PolicyInput represents the input document for policy evaluation. Policies
// read it as the Rego input: input.manifest, input.deployment, input.context.
type PolicyInput struct {
	// Manifest is the stack manifest being deployed.
	Manifest *config.StackManifest `json:"manifest,omitempty"`

	// Deployment is the current deployment record, if one exists yet.
	Deployment *state.Deployment `json:"deployment,omitempty"`

	// Context provides additional evaluation context.
	Context *PolicyContext `json:"context"`
}

// PolicyContext provides context information for policy evaluation.
type PolicyContext struct {
	// User is the operator performing the operation.
	User string `json:"user,omitempty"`

	// Environment is the environment the stack targets.
	Environment string `json:"environment,omitempty"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`

	// Operation is the operation being performed (e.g., "deploy", "destroy").
	Operation string `json:"operation,omitempty"`

	// DryRun indicates if this is a dry-run evaluation.
	DryRun bool `json:"dry_run"`

	// Metadata contains additional context metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// PolicyBundle represents a collection of related policies.
type PolicyBundle struct {
	// Name is the unique name of the bundle.
	Name string `json:"name"`

	// Version is the bundle version.
	Version string `json:"version"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Policies are the policies in this bundle.
	Policies []Policy `json:"policies"`

	// CreatedAt is when the bundle was created.
	CreatedAt time.Time `json:"created_at"`
}
