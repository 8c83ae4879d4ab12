package rollback

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stackkit/stackkit/pkg/classify"
	"github.com/stackkit/stackkit/pkg/registry"
	"github.com/stackkit/stackkit/pkg/retry"
	"github.com/stackkit/stackkit/pkg/state"
	"github.com/stackkit/stackkit/pkg/stores"
	"github.com/stackkit/stackkit/pkg/telemetry"
)

// finalizeTimeout bounds the bookkeeping that still runs after the work
// context is cancelled.
const finalizeTimeout = 10 * time.Second

// Config wires the engine to the rest of the system.
type Config struct {
	// Registry tracks the stack's resources and their cleanup hooks.
	Registry *registry.Registry

	// Store is the deployment state store. The engine drives the rollback
	// status transitions and records pre/post snapshots in it.
	Store *state.Store

	// Records persists rollback reports and audit entries. Optional; with
	// no records store the report lives only in memory and logs.
	Records stores.Store

	// Policy governs retries for individual resource cleanups. Defaults to
	// retry.Exponential(). Emergency mode always runs with retry.None().
	Policy retry.Policy

	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer

	// Events receives rollback lifecycle events. Optional.
	Events *telemetry.EventPublisher
}

// Engine tears stacks down. A rollback selects resources according to its
// mode, walks them in deletion order, and drives each one through cleanup
// with classified, retried error handling. Individual failures never abort
// the run; they surface as a PARTIAL outcome instead.
type Engine struct {
	registry *registry.Registry
	store    *state.Store
	records  stores.Store
	policy   retry.Policy
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	events   *telemetry.EventPublisher

	// sleeper and now are swapped in tests.
	sleeper retry.Sleeper
	now     func() time.Time

	mu       sync.Mutex
	triggers []Trigger
	running  map[string]bool
}

// NewEngine validates the config and builds an Engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("rollback engine requires a resource registry")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("rollback engine requires a state store")
	}
	policy := cfg.Policy
	if policy.MaxAttempts == 0 {
		policy = retry.Exponential()
	}
	return &Engine{
		registry: cfg.Registry,
		store:    cfg.Store,
		records:  cfg.Records,
		policy:   policy,
		logger:   cfg.Logger.With().Str("component", "rollback").Logger(),
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
		events:   cfg.Events,
		now:      time.Now,
		running:  make(map[string]bool),
	}, nil
}

// Store exposes the deployment store for the monitor and CLI.
func (e *Engine) Store() *state.Store {
	return e.store
}

// RegisterTrigger adds a trigger to the evaluation set. Names must be
// unique; registration order breaks priority ties.
func (e *Engine) RegisterTrigger(t Trigger) error {
	if t.Name == "" {
		return fmt.Errorf("trigger requires a name")
	}
	if t.Predicate == nil {
		return fmt.Errorf("trigger %s requires a predicate", t.Name)
	}
	if err := t.Mode.Validate(); err != nil {
		return fmt.Errorf("trigger %s: %w", t.Name, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, existing := range e.triggers {
		if existing.Name == t.Name {
			return fmt.Errorf("%w: %s", ErrDuplicateTrigger, t.Name)
		}
	}
	e.triggers = append(e.triggers, t)
	return nil
}

// RegisterTriggers registers each trigger in order, stopping at the first
// error.
func (e *Engine) RegisterTriggers(triggers ...Trigger) error {
	for _, t := range triggers {
		if err := e.RegisterTrigger(t); err != nil {
			return err
		}
	}
	return nil
}

// Triggers returns the registered triggers in registration order.
func (e *Engine) Triggers() []Trigger {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Trigger(nil), e.triggers...)
}

// ActiveTrigger evaluates every registered trigger against the deployment
// and signals, returning the most urgent one that fires. Lower priority
// numbers are more urgent; ties keep registration order. Returns nil when no
// trigger fires.
func (e *Engine) ActiveTrigger(dep *state.Deployment, sig Signals) *Trigger {
	e.mu.Lock()
	triggers := append([]Trigger(nil), e.triggers...)
	e.mu.Unlock()

	var best *Trigger
	for i := range triggers {
		t := &triggers[i]
		if t.Predicate == nil || !t.Predicate(dep, sig) {
			continue
		}
		if best == nil || t.Priority < best.Priority {
			best = t
		}
	}
	return best
}

// Execute runs one rollback of the stack. The trigger name is recorded in
// the report and metrics; manual invocations pass "manual" (the default for
// an empty string). Execute returns the report even when the outcome is
// PARTIAL; the error is non-nil only when the rollback could not run at all.
func (e *Engine) Execute(ctx context.Context, stackID string, mode Mode, trigger string) (*Report, error) {
	if err := mode.Validate(); err != nil {
		return nil, err
	}
	if trigger == "" {
		trigger = "manual"
	}

	ctx, span := e.tracer.StartRollbackSpan(ctx, stackID, string(mode), trigger)
	defer span.End()

	report, err := e.execute(ctx, stackID, mode, trigger)
	if err != nil {
		telemetry.RecordError(span, err)
	} else {
		telemetry.RecordSuccess(span)
	}
	return report, err
}

func (e *Engine) execute(ctx context.Context, stackID string, mode Mode, trigger string) (*Report, error) {
	if !e.begin(stackID) {
		return nil, fmt.Errorf("%w: stack %s", ErrRollbackInProgress, stackID)
	}
	defer e.end(stackID)

	dep, err := e.store.Load(ctx, stackID)
	if err != nil {
		return nil, err
	}

	// An emergency sweep may run against an already rolled-back deployment
	// to clear leftover debris. Ordered modes refuse: there is nothing left
	// for them to order.
	if dep.Status == state.StatusRolledBack && mode != ModeEmergency {
		return nil, fmt.Errorf("%w: stack %s", ErrAlreadyRolledBack, stackID)
	}

	started := e.now().UTC()
	report := &Report{
		ID:        uuid.NewString(),
		StackID:   stackID,
		Mode:      mode,
		Trigger:   trigger,
		StartedAt: started,
	}

	e.logger.Info().
		Str("stack", stackID).
		Str("mode", string(mode)).
		Str("trigger", trigger).
		Str("report", report.ID).
		Msg("rollback started")
	e.publishTriggered(stackID, trigger, mode)

	e.snapshot(ctx, stackID, "pre-rollback", dep)
	e.saveReport(ctx, report, "running", nil, nil)

	// The state machine reaches ROLLED_BACK and PARTIAL only from FAILED,
	// so a cancellation or forced teardown moves there first. Emergency
	// mode tolerates deployments the machine will not move.
	if dep.Status != state.StatusFailed {
		if terr := e.store.Transition(ctx, stackID, state.StatusFailed); terr != nil {
			if mode != ModeEmergency {
				return nil, fmt.Errorf("stack %s cannot enter rollback: %w", stackID, terr)
			}
			e.logger.Warn().Err(terr).Str("stack", stackID).
				Msg("emergency rollback proceeding without status transition")
		}
	}

	resources, preskipped, err := e.selectResources(dep, mode)
	if err != nil {
		summary := err.Error()
		e.finishReport(ctx, report, string(state.StatusFailed), &summary)
		return nil, fmt.Errorf("select resources for %s rollback: %w", mode, err)
	}
	report.Skipped = append(report.Skipped, preskipped...)

	policy := e.policy
	if mode == ModeEmergency {
		// No backoff when the house is on fire.
		policy = retry.None()
	}

	var cancelled error
	survivors := 0
	for i, res := range resources {
		if cerr := ctx.Err(); cerr != nil {
			for _, rest := range resources[i:] {
				report.Failed = append(report.Failed, rest.ID)
			}
			cancelled = cerr
			break
		}
		switch e.deleteResource(ctx, stackID, res, policy) {
		case outcomeRemoved:
			report.Removed = append(report.Removed, res.ID)
		case outcomeSkipped:
			report.Skipped = append(report.Skipped, res.ID)
			// A resource still mid-create survives the rollback.
			if res.Status == registry.StatusCreating {
				survivors++
			}
		case outcomeFailed:
			report.Failed = append(report.Failed, res.ID)
		}
	}
	for range report.Removed {
		e.metrics.RecordRollbackResource("removed")
	}
	for range report.Failed {
		e.metrics.RecordRollbackResource("failed")
	}
	for range report.Skipped {
		e.metrics.RecordRollbackResource("skipped")
	}

	// Bookkeeping lands even when the work context was cancelled mid-run:
	// the outcome transition and final report row get their own deadline.
	finCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		finCtx, cancel = context.WithTimeout(context.Background(), finalizeTimeout)
		defer cancel()
	}

	final := state.StatusRolledBack
	if len(report.Failed) > 0 || survivors > 0 {
		final = state.StatusPartial
	}
	if terr := e.store.Transition(finCtx, stackID, final); terr != nil {
		// Emergency sweeps over a rolled-back deployment land here when the
		// machine has no edge to the computed status.
		e.logger.Warn().Err(terr).Str("stack", stackID).Msg("rollback outcome transition refused")
	}

	report.Outcome = final
	if cur, lerr := e.store.Load(finCtx, stackID); lerr == nil {
		report.Outcome = cur.Status
		e.snapshot(finCtx, stackID, "post-rollback", cur)
	}

	if pruned, perr := e.store.PruneSnapshots(finCtx, stackID); perr != nil {
		e.logger.Warn().Err(perr).Str("stack", stackID).Msg("failed to prune audit snapshots")
	} else if pruned > 0 {
		e.metrics.RecordSnapshotsPruned(pruned)
		e.logger.Debug().Str("stack", stackID).Int("pruned", pruned).Msg("pruned audit snapshots")
	}

	report.Duration = e.now().UTC().Sub(started)

	var summary *string
	switch {
	case cancelled != nil:
		s := fmt.Sprintf("cancelled: %v", cancelled)
		summary = &s
	case len(report.Failed) > 0:
		s := fmt.Sprintf("%d of %d resources failed cleanup",
			len(report.Failed), len(report.Removed)+len(report.Failed)+len(report.Skipped))
		summary = &s
	}
	e.finishReport(finCtx, report, string(report.Outcome), summary)
	e.audit(finCtx, "rollback.completed", stackID, map[string]any{
		"report":  report.ID,
		"mode":    string(mode),
		"trigger": trigger,
		"outcome": string(report.Outcome),
		"removed": len(report.Removed),
		"failed":  len(report.Failed),
		"skipped": len(report.Skipped),
	})

	e.metrics.RecordRollback(string(mode), trigger, string(report.Outcome))
	e.metrics.RecordRollbackDuration(string(mode), report.Duration)
	e.publishCompleted(stackID, string(report.Outcome), report.Duration)

	e.logger.Info().
		Str("stack", stackID).
		Str("mode", string(mode)).
		Str("outcome", string(report.Outcome)).
		Int("removed", len(report.Removed)).
		Int("failed", len(report.Failed)).
		Int("skipped", len(report.Skipped)).
		Dur("duration", report.Duration).
		Msg("rollback finished")

	if cancelled != nil {
		return report, cancelled
	}
	return report, nil
}

type resourceOutcome string

const (
	outcomeRemoved resourceOutcome = "removed"
	outcomeFailed  resourceOutcome = "failed"
	outcomeSkipped resourceOutcome = "skipped"
)

// deleteResource drives one resource through its cleanup hook and the
// registry lifecycle, returning where it ended up.
func (e *Engine) deleteResource(ctx context.Context, stackID string, res registry.Resource, policy retry.Policy) resourceOutcome {
	log := e.logger.With().
		Str("stack", stackID).
		Str("resource", res.ID).
		Str("type", res.Type).
		Logger()

	switch res.Status {
	case registry.StatusDeleted:
		return outcomeSkipped
	case registry.StatusCreating:
		// An in-flight create is left to finish; the next rollback pass
		// picks it up once it settles.
		log.Debug().Msg("resource still creating, leaving it to settle")
		return outcomeSkipped
	case registry.StatusActive:
		if err := e.registry.SetStatus(stackID, res.ID, registry.StatusDeleting); err != nil {
			log.Error().Err(err).Msg("failed to mark resource deleting")
			return outcomeFailed
		}
		res.Status = registry.StatusDeleting
	case registry.StatusDeleting:
		// A previous run died mid-delete. Cleanup hooks are idempotent, so
		// running it again is safe.
	case registry.StatusFailed:
		// Cleanup still runs to remove provider-side debris from the failed
		// create; the registry record keeps its status as history.
	}

	if res.Cleanup == nil {
		return e.settle(stackID, res, log, outcomeRemoved)
	}

	err := e.withRetry(ctx, policy, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			log.Warn().Int("attempt", attempt).Msg("retrying resource cleanup")
		}
		cerr := res.Cleanup(ctx)
		if cerr == nil {
			return nil
		}
		cls := classify.Classify(cerr, classify.Context{Operation: "cleanup", Resource: res.ID})
		if classify.IsRetryable(cls) {
			return cls
		}
		// Skip, abort and manual verdicts all mean further attempts are
		// pointless; what differs is how the caller counts the resource.
		return retry.Stop(cls)
	})

	switch {
	case err == nil:
		return e.settle(stackID, res, log, outcomeRemoved)
	case classify.ShouldSkip(err):
		// The provider says the resource is already gone.
		log.Debug().Msg("resource already gone")
		return e.settle(stackID, res, log, outcomeSkipped)
	default:
		log.Error().Err(err).Msg("resource cleanup failed")
		if res.Status == registry.StatusDeleting {
			if serr := e.registry.SetStatus(stackID, res.ID, registry.StatusFailed); serr != nil {
				log.Warn().Err(serr).Msg("failed to mark resource failed")
			}
		}
		return outcomeFailed
	}
}

func (e *Engine) withRetry(ctx context.Context, policy retry.Policy, op func(ctx context.Context, attempt int) error) error {
	if e.sleeper != nil {
		return retry.DoWithSleeper(ctx, policy, e.sleeper, op)
	}
	return retry.Do(ctx, policy, op)
}

// settle finishes the registry lifecycle after a successful or skipped
// cleanup and returns the outcome to report.
func (e *Engine) settle(stackID string, res registry.Resource, log zerolog.Logger, out resourceOutcome) resourceOutcome {
	if res.Status != registry.StatusDeleting {
		return out
	}
	if err := e.registry.SetStatus(stackID, res.ID, registry.StatusDeleted); err != nil {
		log.Error().Err(err).Msg("failed to mark resource deleted")
		return outcomeFailed
	}
	return out
}

// selectResources picks the candidates a mode tears down, already in the
// order to process them. The second return value lists IDs skipped before
// processing starts (failed components that never registered).
func (e *Engine) selectResources(dep *state.Deployment, mode Mode) ([]registry.Resource, []string, error) {
	switch mode {
	case ModeFull:
		order, err := e.registry.DeletionOrder(dep.StackID)
		return order, nil, err

	case ModePartial:
		order, err := e.registry.DeletionOrder(dep.StackID)
		if err != nil {
			return nil, nil, err
		}
		wanted := make(map[string]bool, len(dep.FailedComponents))
		for _, id := range dep.FailedComponents {
			wanted[id] = true
		}
		selected := make([]registry.Resource, 0, len(wanted))
		for _, res := range order {
			if wanted[res.ID] {
				selected = append(selected, res)
				delete(wanted, res.ID)
			}
		}
		var missing []string
		for id := range wanted {
			missing = append(missing, id)
		}
		sort.Strings(missing)
		return selected, missing, nil

	case ModeIncremental:
		order, err := e.registry.DeletionOrder(dep.StackID)
		if err != nil {
			return nil, nil, err
		}
		// Later phases tear down first. Resources without a phase tag, or
		// tagged with a phase the deployment never reached, go last. The
		// stable sort keeps dependency order within each group.
		rank := make(map[string]int, len(dep.Phases))
		for i, phase := range dep.Phases {
			rank[phase] = len(dep.Phases) - 1 - i
		}
		rankOf := func(res registry.Resource) int {
			if r, ok := rank[res.Tags["phase"]]; ok {
				return r
			}
			return len(dep.Phases)
		}
		sort.SliceStable(order, func(i, j int) bool {
			return rankOf(order[i]) < rankOf(order[j])
		})
		return order, nil, nil

	case ModeEmergency:
		return e.registry.List(dep.StackID), nil, nil
	}
	return nil, nil, fmt.Errorf("invalid rollback mode: %q", mode)
}

// snapshot records a named rollback point. Failures are logged, never
// fatal: a missing checkpoint must not stop the teardown.
func (e *Engine) snapshot(ctx context.Context, stackID, name string, dep *state.Deployment) {
	snap, err := dep.Snapshot()
	if err != nil {
		e.logger.Warn().Err(err).Str("stack", stackID).Str("point", name).Msg("failed to snapshot deployment")
		return
	}
	if err := e.store.AddRollbackPoint(ctx, stackID, name, snap); err != nil {
		e.logger.Warn().Err(err).Str("stack", stackID).Str("point", name).Msg("failed to record rollback point")
	}
}

// saveReport writes the initial report row when the rollback starts.
func (e *Engine) saveReport(ctx context.Context, r *Report, status string, completed *time.Time, summary *string) {
	if e.records == nil {
		return
	}
	row := &stores.RollbackReport{
		ID:           r.ID,
		DeploymentID: r.StackID,
		Trigger:      r.Trigger,
		Mode:         string(r.Mode),
		StartedAt:    r.StartedAt,
		CompletedAt:  completed,
		Succeeded:    jsonIDs(r.Removed),
		Failed:       jsonIDs(r.Failed),
		Skipped:      jsonIDs(r.Skipped),
		FinalStatus:  status,
		Error:        summary,
	}
	if err := e.records.SaveRollbackReport(ctx, row); err != nil {
		e.logger.Warn().Err(err).Str("report", r.ID).Msg("failed to save rollback report")
	}
}

// finishReport upserts the final report row.
func (e *Engine) finishReport(ctx context.Context, r *Report, status string, summary *string) {
	completed := e.now().UTC()
	e.saveReport(ctx, r, status, &completed, summary)
}

func (e *Engine) audit(ctx context.Context, action, stackID string, details map[string]any) {
	if e.records == nil {
		return
	}
	entry := &stores.AuditEntry{
		Action:    action,
		Actor:     "rollback-engine",
		TargetID:  &stackID,
		Timestamp: e.now().UTC(),
	}
	if details != nil {
		if data, err := json.Marshal(details); err == nil {
			str := string(data)
			entry.Details = &str
		}
	}
	if err := e.records.CreateAuditEntry(ctx, entry); err != nil {
		e.logger.Warn().Err(err).Str("action", action).Msg("failed to write audit entry")
	}
}

func (e *Engine) publishTriggered(stackID, trigger string, mode Mode) {
	if e.events == nil {
		return
	}
	if err := e.events.PublishRollbackTriggered(stackID, trigger, string(mode)); err != nil {
		e.logger.Debug().Err(err).Str("stack", stackID).Msg("failed to publish rollback event")
	}
}

func (e *Engine) publishCompleted(stackID, status string, duration time.Duration) {
	if e.events == nil {
		return
	}
	if err := e.events.PublishRollbackCompleted(stackID, status, duration); err != nil {
		e.logger.Debug().Err(err).Str("stack", stackID).Msg("failed to publish rollback event")
	}
}

func (e *Engine) begin(stackID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running[stackID] {
		return false
	}
	e.running[stackID] = true
	return true
}

func (e *Engine) end(stackID string) {
	e.mu.Lock()
	delete(e.running, stackID)
	e.mu.Unlock()
}

func jsonIDs(ids []string) string {
	if len(ids) == 0 {
		return "[]"
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return "[]"
	}
	return string(data)
}
