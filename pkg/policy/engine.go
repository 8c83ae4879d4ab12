package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/stackkit/stackkit/pkg/config"
	"github.com/stackkit/stackkit/pkg/state"
)

// ErrPolicyNotFound is returned when a named policy is not loaded.
var ErrPolicyNotFound = errors.New("policy not found")

// Engine compiles Rego policies and evaluates their deny sets against
// deployment inputs. Evaluation is read-only: the engine never mutates the
// input and identical inputs produce the same deny set.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	logger   zerolog.Logger
	builtins []Policy
}

// compiledPolicy pairs a policy with its prepared deny query.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in deployment policies
// loaded and compiled.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.New(),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		builtins: BuiltinPolicies(),
	}

	if err := e.loadBuiltins(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// EvaluateManifest evaluates all enabled policies against a stack manifest.
// This is the deploy gate: callers must not provision when Allowed is false.
func (e *Engine) EvaluateManifest(ctx context.Context, manifest *config.StackManifest) (*PolicyResult, error) {
	if manifest == nil {
		return nil, fmt.Errorf("manifest is required")
	}

	return e.Evaluate(ctx, &PolicyInput{
		Manifest: manifest,
		Context: &PolicyContext{
			Environment: manifest.Environment,
			Timestamp:   time.Now(),
			Operation:   "deploy",
		},
	})
}

// EvaluateDeployment evaluates policies against a manifest together with its
// current deployment record, for operations on an existing stack.
func (e *Engine) EvaluateDeployment(ctx context.Context, manifest *config.StackManifest, dep *state.Deployment, operation string) (*PolicyResult, error) {
	input := &PolicyInput{
		Manifest:   manifest,
		Deployment: dep,
		Context: &PolicyContext{
			Timestamp: time.Now(),
			Operation: operation,
		},
	}
	if manifest != nil {
		input.Context.Environment = manifest.Environment
	}

	return e.Evaluate(ctx, input)
}

// Evaluate runs every enabled policy against the input and aggregates the
// deny sets. Policies run in name order so the violation list is stable for
// identical input. A policy whose evaluation itself errors is reported as a
// warning and skipped; the remaining policies still run.
func (e *Engine) Evaluate(ctx context.Context, input *PolicyInput) (*PolicyResult, error) {
	start := time.Now()

	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)

	var violations []PolicyViolation
	var warnings []string
	evaluated := make([]string, 0, len(names))

	for _, name := range names {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		evaluated = append(evaluated, name)

		found, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", name).
				Msg("Policy evaluation failed")
			warnings = append(warnings, fmt.Sprintf("policy %s evaluation failed: %v", name, err))
			continue
		}
		violations = append(violations, found...)
	}

	allowed := true
	for i := range violations {
		if violations[i].Blocking() {
			allowed = false
			break
		}
	}

	result := &PolicyResult{
		Allowed:           allowed,
		Violations:        violations,
		Warnings:          warnings,
		EvaluatedPolicies: evaluated,
		EvaluatedAt:       time.Now(),
		Duration:          time.Since(start),
	}

	e.logger.Debug().
		Bool("allowed", result.Allowed).
		Int("policies", len(evaluated)).
		Int("violations", len(violations)).
		Dur("duration", result.Duration).
		Msg("Policy evaluation completed")

	return result, nil
}

// evaluatePolicy runs one compiled policy's deny query against the input.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *PolicyInput) ([]PolicyViolation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []PolicyViolation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, entry := range denySet {
			violations = append(violations, e.toViolation(cp.policy, entry, input))
		}
	}

	return violations, nil
}

// toViolation converts one deny-set entry into a PolicyViolation. Entries are
// either bare strings or objects with message/severity/resource keys.
func (e *Engine) toViolation(p *Policy, entry interface{}, input *PolicyInput) PolicyViolation {
	violation := PolicyViolation{
		Policy:     p.Name,
		Severity:   p.Severity,
		DetectedAt: time.Now(),
	}
	if input.Manifest != nil {
		violation.Resource = input.Manifest.Name
	}

	switch v := entry.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
		if res, ok := v["resource"].(string); ok {
			violation.Resource = res
		}
	default:
		violation.Message = fmt.Sprintf("%v", entry)
	}

	return violation
}

// compile parses a policy and prepares its deny query for reuse. Callers
// must hold the write lock.
func (e *Engine) compile(ctx context.Context, p *Policy) error {
	if _, err := ast.ParseModule(p.Name, p.Rego); err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	query := fmt.Sprintf("data.%s.deny", packagePath(p.Rego))
	r := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Store(e.store),
		rego.Query(query),
	)

	prepared, err := r.PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	e.policies[p.Name] = &compiledPolicy{
		policy:   p,
		query:    prepared,
		compiled: time.Now(),
	}

	e.logger.Debug().Str("policy", p.Name).Msg("Policy compiled")
	return nil
}

// packagePath extracts the package path from Rego source, so the deny query
// targets the policy's own package.
func packagePath(code string) string {
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			if parts := strings.Fields(trimmed); len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "stackkit.policies"
}

// loadBuiltins compiles the built-in policies into the engine.
func (e *Engine) loadBuiltins(ctx context.Context) error {
	for i := range e.builtins {
		if err := e.compile(ctx, &e.builtins[i]); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", e.builtins[i].Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(e.builtins)).
		Msg("Built-in policies loaded")

	return nil
}

// LoadPolicies loads and compiles policy files from the given paths, adding
// them to the engine alongside the built-ins.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	for i := range policies {
		if err := e.compile(ctx, &policies[i]); err != nil {
			e.logger.Error().Err(err).
				Str("policy", policies[i].Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded")

	return nil
}

// ApplyPolicies swaps in a freshly loaded policy set, keeping the built-ins.
// On any compile error the previous set stays in effect. Used as the reload
// callback for Loader.Watch.
func (e *Engine) ApplyPolicies(ctx context.Context, policies []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	previous := e.policies
	e.policies = make(map[string]*compiledPolicy)

	if err := e.loadBuiltins(ctx); err != nil {
		e.policies = previous
		return err
	}
	for i := range policies {
		if err := e.compile(ctx, &policies[i]); err != nil {
			e.policies = previous
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policy set replaced")

	return nil
}

// ReloadPolicies drops every loaded policy and restores the built-ins.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.policies = make(map[string]*compiledPolicy)
	return e.loadBuiltins(ctx)
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrPolicyNotFound, name)
	}

	return cp.policy, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		policies = append(policies, *cp.policy)
	}
	sort.Slice(policies, func(i, j int) bool {
		return policies[i].Name < policies[j].Name
	})

	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("%w: %s", ErrPolicyNotFound, name)
	}

	cp.policy.Enabled = true
	e.logger.Info().Str("policy", name).Msg("Policy enabled")

	return nil
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("%w: %s", ErrPolicyNotFound, name)
	}

	cp.policy.Enabled = false
	e.logger.Info().Str("policy", name).Msg("Policy disabled")

	return nil
}
