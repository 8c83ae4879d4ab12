package rollback

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/stackkit/stackkit/pkg/state"
)

// DefaultPredicateTimeout bounds one Starlark predicate evaluation.
const DefaultPredicateTimeout = 5 * time.Second

// StarlarkTriggerConfig describes a custom trigger whose condition is a
// Starlark expression.
type StarlarkTriggerConfig struct {
	Name       string
	Priority   int
	Mode       Mode
	Expression string

	// Timeout bounds one evaluation. Defaults to DefaultPredicateTimeout.
	Timeout time.Duration

	Logger zerolog.Logger
}

// NewStarlarkTrigger compiles an expression into a Trigger. The expression
// sees two structs: deployment (stack_id, status, phases, variables,
// failed_components) and signals (health_failed, elapsed_seconds,
// timeout_seconds, quota_exceeded, accumulated_cost, cost_limit,
// validation_failed). Its result is taken as a truth value.
//
// The expression is vetted once against a probe deployment so syntax errors
// and unknown names surface at registration instead of on a monitor tick.
// Lookups into variables should use .get(), which stays total when a key is
// absent.
func NewStarlarkTrigger(cfg StarlarkTriggerConfig) (Trigger, error) {
	if cfg.Name == "" {
		return Trigger{}, fmt.Errorf("starlark trigger requires a name")
	}
	if cfg.Expression == "" {
		return Trigger{}, fmt.Errorf("starlark trigger %s requires an expression", cfg.Name)
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeFull
	}
	if err := cfg.Mode.Validate(); err != nil {
		return Trigger{}, fmt.Errorf("starlark trigger %s: %w", cfg.Name, err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultPredicateTimeout
	}

	pred := &starlarkPredicate{
		name:    cfg.Name,
		expr:    cfg.Expression,
		timeout: cfg.Timeout,
		logger:  cfg.Logger.With().Str("component", "rollback").Str("trigger", cfg.Name).Logger(),
	}

	probe := &state.Deployment{StackID: "probe", Status: state.StatusInProgress}
	if _, err := pred.evaluate(probe, Signals{}); err != nil {
		return Trigger{}, fmt.Errorf("starlark trigger %s: %w", cfg.Name, err)
	}

	return Trigger{
		Name:      cfg.Name,
		Priority:  cfg.Priority,
		Mode:      cfg.Mode,
		Predicate: pred.predicate,
	}, nil
}

type starlarkPredicate struct {
	name    string
	expr    string
	timeout time.Duration
	logger  zerolog.Logger
}

// predicate fails closed: an evaluation error must not trigger a rollback.
func (p *starlarkPredicate) predicate(dep *state.Deployment, sig Signals) bool {
	fired, err := p.evaluate(dep, sig)
	if err != nil {
		p.logger.Warn().Err(err).Msg("starlark predicate failed, treating as not firing")
		return false
	}
	return fired
}

func (p *starlarkPredicate) evaluate(dep *state.Deployment, sig Signals) (bool, error) {
	type evalResult struct {
		val starlark.Value
		err error
	}
	resultCh := make(chan evalResult, 1)

	go func() {
		thread := &starlark.Thread{
			Name:  "predicate-" + p.name,
			Print: func(_ *starlark.Thread, _ string) {},
		}
		env := starlark.StringDict{
			"deployment": deploymentValue(dep),
			"signals":    signalsValue(sig),
		}
		val, err := starlark.Eval(thread, p.name+".star", p.expr, env)
		resultCh <- evalResult{val: val, err: err}
	}()

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case res := <-resultCh:
		if res.err != nil {
			return false, fmt.Errorf("evaluate predicate: %w", res.err)
		}
		return bool(res.val.Truth()), nil
	case <-timer.C:
		return false, fmt.Errorf("predicate evaluation timed out after %s", p.timeout)
	}
}

// deploymentValue converts a deployment into a Starlark struct.
func deploymentValue(dep *state.Deployment) starlark.Value {
	phases := make([]starlark.Value, 0, len(dep.Phases))
	for _, p := range dep.Phases {
		phases = append(phases, starlark.String(p))
	}
	failed := make([]starlark.Value, 0, len(dep.FailedComponents))
	for _, id := range dep.FailedComponents {
		failed = append(failed, starlark.String(id))
	}
	vars := starlark.NewDict(len(dep.Variables))
	for k, v := range dep.Variables {
		_ = vars.SetKey(starlark.String(k), starlark.String(v))
	}
	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"stack_id":          starlark.String(dep.StackID),
		"status":            starlark.String(string(dep.Status)),
		"phases":            starlark.NewList(phases),
		"variables":         vars,
		"failed_components": starlark.NewList(failed),
	})
}

// signalsValue converts signals into a Starlark struct. Durations surface
// as float seconds.
func signalsValue(sig Signals) starlark.Value {
	return starlarkstruct.FromStringDict(starlarkstruct.Default, starlark.StringDict{
		"health_failed":     starlark.Bool(sig.HealthFailed),
		"elapsed_seconds":   starlark.Float(sig.Elapsed.Seconds()),
		"timeout_seconds":   starlark.Float(sig.Timeout.Seconds()),
		"quota_exceeded":    starlark.Bool(sig.QuotaExceeded),
		"accumulated_cost":  starlark.Float(sig.AccumulatedCost),
		"cost_limit":        starlark.Float(sig.CostLimit),
		"validation_failed": starlark.Bool(sig.ValidationFailed),
	})
}
