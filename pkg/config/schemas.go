package config

import (
	"context"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	ctx := cuecontext.New()
	sr := &SchemaRegistry{
		ctx:     ctx,
		schemas: make(map[string]cue.Value),
	}

	sr.registerBuiltInSchemas()

	return sr
}

// registerBuiltInSchemas registers all built-in schemas.
func (sr *SchemaRegistry) registerBuiltInSchemas() {
	sr.RegisterSchema("stack", builtinStackSchema+"\n#Stack")
	sr.RegisterSchema("instance", builtinStackSchema+"\n#Instance")
	sr.RegisterSchema("service", builtinStackSchema+"\n#Service")
	sr.RegisterSchema("ingress", builtinStackSchema+"\n#IngressRule")
	sr.RegisterSchema("cost", builtinStackSchema+"\n#Cost")
}

// RegisterSchema registers a CUE schema with the given name.
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(ctx context.Context, schemaName string, data interface{}) error {
	schema, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}

	// Unify with schema (validates)
	unified := schema.Unify(dataVal)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	return names
}

// ValidateStack validates a stack manifest against the stack schema.
func (sr *SchemaRegistry) ValidateStack(ctx context.Context, manifest *StackManifest) error {
	return sr.ValidateAgainstSchema(ctx, "stack", manifest)
}

// ValidateService validates a service specification against the service schema.
func (sr *SchemaRegistry) ValidateService(ctx context.Context, service ServiceSpec) error {
	return sr.ValidateAgainstSchema(ctx, "service", service)
}

// ValidateIngress validates an ingress rule against the ingress schema.
func (sr *SchemaRegistry) ValidateIngress(ctx context.Context, rule IngressRule) error {
	return sr.ValidateAgainstSchema(ctx, "ingress", rule)
}

// Built-in schema definitions

const builtinStackSchema = `
// Stack schema for stackkit deployment manifests
#Stack: {
	// Name identifies the stack; it becomes the deployment stack_id
	name: string & =~"^[a-z][a-z0-9-]*$"

	// Environment the stack targets
	environment: "development" | "staging" | "production"

	// Primary target region
	region: *"us-east-1" | string

	// Regions tried in order when the primary has no capacity
	fallback_regions: *["us-west-2", "eu-west-1", "ap-northeast-1"] | [...string]

	// Compute specification
	instance: #Instance

	// Tags propagated to every provisioned resource
	tags?: {[string]: string}

	// Workloads hosted on the stack
	services?: [...#Service]

	// Allowed inbound network rules
	ingress?: [...#IngressRule]

	// Spend limits and deploy-time estimate
	cost?: #Cost

	// Bound on the whole deployment, in seconds
	timeout_seconds: *1800 | (int & >0)

	// Variables seeded into the deployment state document
	variables?: {[string]: string}
}

#Instance: {
	// Instance type, e.g. "g4dn.xlarge"
	type: string & =~"^[a-z][a-z0-9]*\\.[a-z0-9]+$"

	// Number of instances
	count: *1 | (int & >=1)

	// Maximum hourly spot bid in USD; absent means on-demand
	spot_price?: number & >=0

	// Root volume size in GB
	volume_gb?: int & >=0
}

#Service: {
	name: string & =~"^[a-z][a-z0-9-]*$"
	image?: string
	port: int & >0 & <=65535
	health_path?: string
}

#IngressRule: {
	protocol: *"tcp" | "udp"
	port: int & >=0 & <=65535
	cidr: string & =~"^([0-9]{1,3}\\.){3}[0-9]{1,3}/[0-9]{1,2}$"
}

#Cost: {
	// Maximum acceptable daily spend in USD
	daily_limit?: number & >=0

	// Deploy-time estimate for this manifest
	estimated_daily?: number & >=0

	// Hard monthly budget in USD
	monthly_budget?: number & >=0
}
`
