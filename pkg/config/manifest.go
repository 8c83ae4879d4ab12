package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
)

// StackManifest describes one deployable stack: where it runs, what it
// runs on, and the limits the policy gate holds it to.
type StackManifest struct {
	// Name identifies the stack; it becomes the stack_id of the
	// deployment state document.
	Name string `json:"name" validate:"required"`

	// Environment the stack is intended for.
	Environment string `json:"environment" validate:"required,oneof=development staging production"`

	// Region is the primary target region.
	Region string `json:"region" validate:"required"`

	// FallbackRegions are tried in order when the primary region has no
	// capacity.
	FallbackRegions []string `json:"fallback_regions,omitempty"`

	// Instance is the compute specification.
	Instance InstanceSpec `json:"instance"`

	// Tags are propagated to every provisioned resource.
	Tags map[string]string `json:"tags,omitempty"`

	// Services are the workloads the stack hosts.
	Services []ServiceSpec `json:"services,omitempty" validate:"dive"`

	// Ingress lists the allowed inbound rules.
	Ingress []IngressRule `json:"ingress,omitempty" validate:"dive"`

	// Cost carries the spend limits and the deploy-time estimate.
	Cost CostSpec `json:"cost,omitempty"`

	// TimeoutSeconds bounds the whole deployment.
	TimeoutSeconds int `json:"timeout_seconds" validate:"gt=0"`

	// Variables seed the deployment state document.
	Variables map[string]string `json:"variables,omitempty"`
}

// Timeout returns the deployment bound as a duration.
func (m *StackManifest) Timeout() time.Duration {
	return time.Duration(m.TimeoutSeconds) * time.Second
}

// InstanceSpec is the compute specification for a stack.
type InstanceSpec struct {
	// Type is the instance type, e.g. "g4dn.xlarge".
	Type string `json:"type" validate:"required"`

	// Count is the number of instances.
	Count int `json:"count" validate:"gte=1"`

	// SpotPrice is the maximum hourly spot bid in USD; zero means
	// on-demand.
	SpotPrice float64 `json:"spot_price,omitempty" validate:"gte=0"`

	// VolumeGB is the root volume size.
	VolumeGB int `json:"volume_gb,omitempty" validate:"gte=0"`
}

// ServiceSpec declares one workload hosted on the stack.
type ServiceSpec struct {
	Name  string `json:"name" validate:"required"`
	Image string `json:"image,omitempty"`
	Port  int    `json:"port" validate:"required,gt=0,lte=65535"`

	// HealthPath is the HTTP path probed by the health checker; empty
	// means a plain TCP-level HTTP GET of /.
	HealthPath string `json:"health_path,omitempty"`
}

// IngressRule is one allowed inbound network rule.
type IngressRule struct {
	Protocol string `json:"protocol,omitempty" validate:"omitempty,oneof=tcp udp"`
	Port     int    `json:"port" validate:"gte=0,lte=65535"`
	CIDR     string `json:"cidr" validate:"required,cidr"`
}

// CostSpec carries spend limits checked by the policy gate and fed to
// the cost-limit rollback trigger.
type CostSpec struct {
	// DailyLimit is the maximum acceptable daily spend in USD; zero
	// disables the check.
	DailyLimit float64 `json:"daily_limit,omitempty" validate:"gte=0"`

	// EstimatedDaily is the deploy-time estimate for this manifest.
	EstimatedDaily float64 `json:"estimated_daily,omitempty" validate:"gte=0"`

	// MonthlyBudget is the hard monthly budget in USD.
	MonthlyBudget float64 `json:"monthly_budget,omitempty" validate:"gte=0"`
}

// Issue is one problem found while parsing or validating a manifest.
type Issue struct {
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Message string `json:"message"`
}

// IssueList aggregates manifest problems into a single error.
type IssueList []Issue

func (il IssueList) Error() string {
	var b strings.Builder
	for i, issue := range il {
		if i > 0 {
			b.WriteString("; ")
		}
		if issue.File != "" {
			fmt.Fprintf(&b, "%s:%d:%d: ", issue.File, issue.Line, issue.Column)
		}
		b.WriteString(issue.Message)
	}
	return b.String()
}

// ManifestParser parses CUE stack manifests and validates them against
// the built-in stack schema.
type ManifestParser struct {
	ctx       *cue.Context
	schema    cue.Value
	schemas   *SchemaRegistry
	validator *validator.Validate
}

// NewManifestParser creates a parser with the built-in schemas loaded.
func NewManifestParser() *ManifestParser {
	ctx := cuecontext.New()
	schema := ctx.CompileString(builtinStackSchema).LookupPath(cue.ParsePath("#Stack"))

	return &ManifestParser{
		ctx:       ctx,
		schema:    schema,
		schemas:   NewSchemaRegistry(),
		validator: validator.New(),
	}
}

// ParseFile parses the manifest file at path.
func (p *ManifestParser) ParseFile(path string) (*StackManifest, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	return p.parse(string(content), path)
}

// ParseInline parses manifest content that is not backed by a file.
func (p *ManifestParser) ParseInline(content string) (*StackManifest, error) {
	return p.parse(content, "inline")
}

func (p *ManifestParser) parse(content, source string) (*StackManifest, error) {
	val := p.ctx.CompileString(content, cue.Filename(source))
	if err := val.Err(); err != nil {
		return nil, cueIssues(err)
	}

	stackVal := val.LookupPath(cue.ParsePath("stack"))
	if !stackVal.Exists() {
		return nil, IssueList{{File: source, Message: "manifest must define a top-level stack block"}}
	}

	// Unification applies schema constraints and fills in defaults.
	unified := p.schema.Unify(stackVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, cueIssues(err)
	}

	var manifest StackManifest
	if err := unified.Decode(&manifest); err != nil {
		return nil, cueIssues(err)
	}

	if err := p.validator.Struct(&manifest); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", source, err)
	}

	return &manifest, nil
}

// Registry returns the schema registry so callers can validate other
// documents against the built-in schemas.
func (p *ManifestParser) Registry() *SchemaRegistry {
	return p.schemas
}

// cueIssues converts a CUE error chain into an IssueList.
func cueIssues(err error) IssueList {
	var issues IssueList

	for _, e := range errors.Errors(err) {
		pos := errors.Positions(e)
		var file string
		var line, column int

		if len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		issues = append(issues, Issue{
			File:    file,
			Line:    line,
			Column:  column,
			Message: errors.Details(e, nil),
		})
	}

	return issues
}
