package rollback

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/stackkit/stackkit/pkg/state"
)

func TestNewStarlarkTrigger_Validation(t *testing.T) {
	cases := []struct {
		name string
		cfg  StarlarkTriggerConfig
		want string
	}{
		{"missing name", StarlarkTriggerConfig{Expression: "True"}, "name"},
		{"missing expression", StarlarkTriggerConfig{Name: "t"}, "expression"},
		{"bad mode", StarlarkTriggerConfig{Name: "t", Expression: "True", Mode: "sideways"}, "invalid rollback mode"},
		{"syntax error", StarlarkTriggerConfig{Name: "t", Expression: "signals.health_failed and"}, "t.star"},
		{"unknown name", StarlarkTriggerConfig{Name: "t", Expression: "bogus_signal > 1"}, "undefined"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewStarlarkTrigger(tc.cfg); err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Expected error containing %q, got: %v", tc.want, err)
			}
		})
	}

	trig, err := NewStarlarkTrigger(StarlarkTriggerConfig{
		Name:       "simple",
		Expression: "signals.health_failed",
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("Failed to build trigger: %v", err)
	}
	if trig.Mode != ModeFull {
		t.Errorf("Expected default mode full, got %s", trig.Mode)
	}
	if !trig.Predicate(&state.Deployment{StackID: "s"}, Signals{HealthFailed: true}) {
		t.Error("Expected predicate to fire on health_failed")
	}
	if trig.Predicate(&state.Deployment{StackID: "s"}, Signals{}) {
		t.Error("Expected predicate to stay quiet on zero signals")
	}
}

func TestStarlarkTrigger_EvaluatesSignals(t *testing.T) {
	trig, err := NewStarlarkTrigger(StarlarkTriggerConfig{
		Name:       "cost-spike",
		Expression: "signals.cost_limit > 0 and signals.accumulated_cost >= signals.cost_limit",
		Mode:       ModeFull,
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("Failed to build trigger: %v", err)
	}

	dep := &state.Deployment{StackID: "gpu-stack", Status: state.StatusInProgress}
	if !trig.Predicate(dep, Signals{AccumulatedCost: 61.5, CostLimit: 50}) {
		t.Error("Expected trigger to fire when cost exceeds the limit")
	}
	if trig.Predicate(dep, Signals{AccumulatedCost: 12, CostLimit: 50}) {
		t.Error("Expected trigger to stay quiet under the limit")
	}
}

func TestStarlarkTrigger_EvaluatesDeployment(t *testing.T) {
	trig, err := NewStarlarkTrigger(StarlarkTriggerConfig{
		Name:       "compute-phase-failure",
		Expression: `deployment.status == "failed" and "compute" in deployment.phases`,
		Mode:       ModePartial,
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("Failed to build trigger: %v", err)
	}

	failed := &state.Deployment{
		StackID: "gpu-stack",
		Status:  state.StatusFailed,
		Phases:  []string{"network", "compute"},
	}
	if !trig.Predicate(failed, Signals{}) {
		t.Error("Expected trigger to fire on a failed compute deployment")
	}

	early := &state.Deployment{
		StackID: "gpu-stack",
		Status:  state.StatusFailed,
		Phases:  []string{"network"},
	}
	if trig.Predicate(early, Signals{}) {
		t.Error("Expected trigger to stay quiet before the compute phase")
	}
}

func TestStarlarkTrigger_ReadsVariables(t *testing.T) {
	trig, err := NewStarlarkTrigger(StarlarkTriggerConfig{
		Name:       "production-guard",
		Expression: `deployment.variables.get("environment", "") == "production" and signals.health_failed`,
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("Failed to build trigger: %v", err)
	}

	prod := &state.Deployment{
		StackID:   "gpu-stack",
		Status:    state.StatusInProgress,
		Variables: map[string]string{"environment": "production"},
	}
	if !trig.Predicate(prod, Signals{HealthFailed: true}) {
		t.Error("Expected trigger to fire for production")
	}

	dev := &state.Deployment{
		StackID:   "gpu-stack",
		Status:    state.StatusInProgress,
		Variables: map[string]string{"environment": "dev"},
	}
	if trig.Predicate(dev, Signals{HealthFailed: true}) {
		t.Error("Expected trigger to stay quiet outside production")
	}
}

func TestStarlarkTrigger_FailsClosedOnRuntimeError(t *testing.T) {
	trig, err := NewStarlarkTrigger(StarlarkTriggerConfig{
		Name:       "replica-threshold",
		Expression: `int(deployment.variables.get("replicas", "0")) > 2`,
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("Failed to build trigger: %v", err)
	}

	good := &state.Deployment{
		StackID:   "gpu-stack",
		Variables: map[string]string{"replicas": "3"},
	}
	if !trig.Predicate(good, Signals{}) {
		t.Error("Expected trigger to fire for 3 replicas")
	}

	// A malformed variable makes the expression error out; that must never
	// fire a rollback.
	bad := &state.Deployment{
		StackID:   "gpu-stack",
		Variables: map[string]string{"replicas": "many"},
	}
	if trig.Predicate(bad, Signals{}) {
		t.Error("Expected predicate to fail closed on a runtime error")
	}
}

func TestStarlarkTrigger_WorksWithEngine(t *testing.T) {
	h := newTestEngine(t)
	trig, err := NewStarlarkTrigger(StarlarkTriggerConfig{
		Name:       "cost-spike",
		Priority:   5,
		Mode:       ModeFull,
		Expression: "signals.cost_limit > 0 and signals.accumulated_cost >= signals.cost_limit",
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("Failed to build trigger: %v", err)
	}
	if err := h.engine.RegisterTrigger(trig); err != nil {
		t.Fatalf("Failed to register trigger: %v", err)
	}

	dep := &state.Deployment{StackID: "gpu-stack", Status: state.StatusInProgress}
	got := h.engine.ActiveTrigger(dep, Signals{AccumulatedCost: 75, CostLimit: 50})
	if got == nil || got.Name != "cost-spike" {
		t.Errorf("Expected cost-spike to fire, got %+v", got)
	}
}
