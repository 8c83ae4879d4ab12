package rollback

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/stackkit/stackkit/pkg/state"
)

// DefaultMonitorInterval is how often the monitor evaluates triggers.
const DefaultMonitorInterval = 30 * time.Second

// SignalSource supplies the live measurements trigger predicates evaluate
// against. Health probers and cost trackers implement it.
type SignalSource interface {
	Signals(ctx context.Context, dep *state.Deployment) (Signals, error)
}

// SignalFunc adapts a function to a SignalSource.
type SignalFunc func(ctx context.Context, dep *state.Deployment) (Signals, error)

// Signals implements SignalSource.
func (f SignalFunc) Signals(ctx context.Context, dep *state.Deployment) (Signals, error) {
	return f(ctx, dep)
}

// MonitorConfig wires a Monitor.
type MonitorConfig struct {
	Engine   *Engine
	Source   SignalSource
	Interval time.Duration
	Logger   zerolog.Logger
}

// Monitor periodically evaluates the engine's triggers for every deployment
// the state store knows about and rolls back any stack whose condition
// fires. One trigger runs per stack per tick: the most urgent one.
type Monitor struct {
	engine   *Engine
	source   SignalSource
	interval time.Duration
	logger   zerolog.Logger
}

// NewMonitor validates the config and builds a Monitor.
func NewMonitor(cfg MonitorConfig) (*Monitor, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("monitor requires a rollback engine")
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("monitor requires a signal source")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultMonitorInterval
	}
	return &Monitor{
		engine:   cfg.Engine,
		source:   cfg.Source,
		interval: cfg.Interval,
		logger:   cfg.Logger.With().Str("component", "rollback-monitor").Logger(),
	}, nil
}

// Run drives the evaluation loop until the context is cancelled. Triggered
// rollbacks execute synchronously inside the tick, so a long teardown delays
// the next evaluation rather than stacking concurrent ones.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info().Dur("interval", m.interval).Msg("rollback monitor started")
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick evaluates every deployment once and rolls back any stack whose
// triggers fire.
func (m *Monitor) Tick(ctx context.Context) {
	stacks, err := m.engine.Store().ListStacks()
	if err != nil {
		m.logger.Error().Err(err).Msg("failed to list deployments")
		return
	}

	for _, id := range stacks {
		dep, err := m.engine.Store().Load(ctx, id)
		if err != nil {
			m.logger.Error().Err(err).Str("stack", id).Msg("failed to load deployment")
			continue
		}
		// Stacks already rolled back, fully or partially, are left alone.
		// Re-running a failed rollback is an operator decision.
		if dep.Status == state.StatusRolledBack || dep.Status == state.StatusPartial {
			continue
		}

		sig, err := m.source.Signals(ctx, dep)
		if err != nil {
			m.logger.Warn().Err(err).Str("stack", id).Msg("failed to gather signals")
			continue
		}

		trigger := m.engine.ActiveTrigger(dep, sig)
		if trigger == nil {
			continue
		}

		m.logger.Warn().
			Str("stack", id).
			Str("trigger", trigger.Name).
			Str("mode", string(trigger.Mode)).
			Msg("rollback trigger fired")

		report, err := m.engine.Execute(ctx, id, trigger.Mode, trigger.Name)
		switch {
		case errors.Is(err, ErrRollbackInProgress):
			m.logger.Debug().Str("stack", id).Msg("rollback already running")
		case err != nil:
			m.logger.Error().Err(err).Str("stack", id).Msg("triggered rollback failed")
		default:
			m.logger.Info().Str("stack", id).Str("result", report.String()).Msg("triggered rollback finished")
		}
	}
}
