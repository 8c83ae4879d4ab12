package rollback

import "github.com/stackkit/stackkit/pkg/state"

// Built-in trigger priorities. Lower numbers preempt higher ones when
// several triggers fire on the same tick.
const (
	PriorityHealthFailure     = 10
	PriorityDeploymentTimeout = 20
	PriorityQuotaExceeded     = 30
	PriorityCostLimit         = 40
	PriorityValidationFailure = 50
)

// HealthFailure fires when service health probes report the stack down.
// Dead services mean the whole stack comes down.
func HealthFailure() Trigger {
	return Trigger{
		Name:     "health-failure",
		Priority: PriorityHealthFailure,
		Mode:     ModeFull,
		Predicate: func(_ *state.Deployment, sig Signals) bool {
			return sig.HealthFailed
		},
	}
}

// DeploymentTimeout fires when a deployment has been running longer than
// its configured timeout. A zero timeout disables it.
func DeploymentTimeout() Trigger {
	return Trigger{
		Name:     "deployment-timeout",
		Priority: PriorityDeploymentTimeout,
		Mode:     ModeFull,
		Predicate: func(_ *state.Deployment, sig Signals) bool {
			return sig.Timeout > 0 && sig.Elapsed >= sig.Timeout
		},
	}
}

// QuotaExceeded fires when the provider rejected provisioning for quota
// reasons. It requests a partial rollback: tearing down the components that
// failed frees the quota they reserved while the healthy ones keep running.
func QuotaExceeded() Trigger {
	return Trigger{
		Name:     "quota-exceeded",
		Priority: PriorityQuotaExceeded,
		Mode:     ModePartial,
		Predicate: func(_ *state.Deployment, sig Signals) bool {
			return sig.QuotaExceeded
		},
	}
}

// CostLimit fires when accumulated spend reaches the configured ceiling. A
// zero limit disables it.
func CostLimit() Trigger {
	return Trigger{
		Name:     "cost-limit",
		Priority: PriorityCostLimit,
		Mode:     ModeFull,
		Predicate: func(_ *state.Deployment, sig Signals) bool {
			return sig.CostLimit > 0 && sig.AccumulatedCost >= sig.CostLimit
		},
	}
}

// ValidationFailure fires when policy validation rejected the stack. A
// stack that violates policy must not keep running.
func ValidationFailure() Trigger {
	return Trigger{
		Name:     "validation-failure",
		Priority: PriorityValidationFailure,
		Mode:     ModeFull,
		Predicate: func(_ *state.Deployment, sig Signals) bool {
			return sig.ValidationFailed
		},
	}
}

// BuiltinTriggers returns the standard trigger set in priority order.
func BuiltinTriggers() []Trigger {
	return []Trigger{
		HealthFailure(),
		DeploymentTimeout(),
		QuotaExceeded(),
		CostLimit(),
		ValidationFailure(),
	}
}
