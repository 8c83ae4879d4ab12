package orchestrator

import (
	"context"
	"strconv"
	"time"

	"github.com/stackkit/stackkit/pkg/health"
	"github.com/stackkit/stackkit/pkg/rollback"
	"github.com/stackkit/stackkit/pkg/state"
)

// SignalConfig shapes the signal source handed to the rollback monitor.
type SignalConfig struct {
	// Prober supplies the health signal. Nil means always healthy.
	Prober *health.Prober

	// DefaultTimeout is the deployment timeout for stacks whose record
	// carries no timeout_seconds variable. Zero disables the timeout
	// trigger for them.
	DefaultTimeout time.Duration

	// DefaultCostLimit is the spend ceiling for stacks whose record
	// carries no cost_limit variable. Zero disables the cost trigger for
	// them.
	DefaultCostLimit float64
}

// NewSignalSource builds the live signal source the rollback monitor
// evaluates triggers against. Elapsed time, cost figures, quota and
// validation flags come from the deployment record; health comes from the
// prober. Active and completed deployments are probed; stacks already torn
// down are not.
func NewSignalSource(cfg SignalConfig) rollback.SignalFunc {
	return func(ctx context.Context, dep *state.Deployment) (rollback.Signals, error) {
		sig := rollback.Signals{
			Elapsed:   time.Since(dep.CreatedAt),
			Timeout:   cfg.DefaultTimeout,
			CostLimit: cfg.DefaultCostLimit,
		}

		if v, ok := dep.Variables["timeout_seconds"]; ok {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				sig.Timeout = time.Duration(secs) * time.Second
			}
		}
		if v, ok := dep.Variables["cost_limit"]; ok {
			if limit, err := strconv.ParseFloat(v, 64); err == nil {
				sig.CostLimit = limit
			}
		}
		if v, ok := dep.Variables["cost_estimate"]; ok {
			if cost, err := strconv.ParseFloat(v, 64); err == nil {
				sig.AccumulatedCost = cost
			}
		}
		sig.QuotaExceeded = dep.Variables["quota_exceeded"] == "true"
		sig.ValidationFailed = dep.Variables["validation_failed"] == "true"

		// The timeout signal only means anything while the deployment is
		// still being driven.
		if !dep.Status.IsActive() {
			sig.Timeout = 0
		}

		if cfg.Prober != nil && (dep.Status == state.StatusCompleted || dep.Status.IsActive()) {
			status := cfg.Prober.Probe(ctx)
			sig.HealthFailed = !status.Healthy
		}
		return sig, nil
	}
}
