package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/stackkit/stackkit/pkg/classify"
	"github.com/stackkit/stackkit/pkg/config"
	"github.com/stackkit/stackkit/pkg/policy"
	"github.com/stackkit/stackkit/pkg/registry"
	"github.com/stackkit/stackkit/pkg/retry"
	"github.com/stackkit/stackkit/pkg/rollback"
	"github.com/stackkit/stackkit/pkg/state"
	"github.com/stackkit/stackkit/pkg/telemetry"
)

// DefaultPhases is the phase sequence of a stack deployment, in order.
var DefaultPhases = []string{
	"validate",
	"network",
	"compute",
	"storage",
	"services",
	"loadbalancer",
	"cdn",
	"finalize",
}

// resourcesFileName is the registry snapshot persisted next to each stack's
// state document so a later process can rebuild the graph for teardown.
const resourcesFileName = "resources.json"

// ErrPolicyRejected is returned when the policy gate blocks a deployment.
var ErrPolicyRejected = errors.New("deployment rejected by policy")

// Config wires an Orchestrator.
type Config struct {
	Registry    *registry.Registry
	Store       *state.Store
	Provisioner Provisioner

	// Rollback handles teardown when a deployment fails. Optional; without
	// it failures leave the deployment FAILED for the monitor or operator.
	Rollback *rollback.Engine

	// AutoRollback runs a rollback immediately when a deployment fails,
	// instead of waiting for the trigger monitor.
	AutoRollback bool

	// Policy gates manifests before any resource is provisioned. Optional.
	Policy *policy.Engine

	// Enforce makes blocking policy violations fail the deployment;
	// advisory mode only logs them.
	Enforce bool

	// Retry is the policy for transient phase failures. Defaults to
	// retry.Exponential().
	Retry retry.Policy

	// Phases overrides DefaultPhases.
	Phases []string

	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
	Tracer  *telemetry.Tracer
	Events  *telemetry.EventPublisher
}

// Orchestrator drives deployments for stacks, one logical worker per stack.
type Orchestrator struct {
	registry     *registry.Registry
	store        *state.Store
	provisioner  Provisioner
	rollback     *rollback.Engine
	autoRollback bool
	policy       *policy.Engine
	enforce      bool
	retry        retry.Policy
	phases       []string
	logger       zerolog.Logger
	metrics      *telemetry.Metrics
	tracer       *telemetry.Tracer
	events       *telemetry.EventPublisher

	// sleeper and now are swapped in tests.
	sleeper retry.Sleeper
	now     func() time.Time
}

// New validates the config and builds an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("orchestrator requires a resource registry")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("orchestrator requires a state store")
	}
	if cfg.Provisioner == nil {
		return nil, fmt.Errorf("orchestrator requires a provisioner")
	}
	pol := cfg.Retry
	if pol.MaxAttempts == 0 {
		pol = retry.Exponential()
	}
	phases := cfg.Phases
	if len(phases) == 0 {
		phases = DefaultPhases
	}
	return &Orchestrator{
		registry:     cfg.Registry,
		store:        cfg.Store,
		provisioner:  cfg.Provisioner,
		rollback:     cfg.Rollback,
		autoRollback: cfg.AutoRollback,
		policy:       cfg.Policy,
		enforce:      cfg.Enforce,
		retry:        pol,
		phases:       phases,
		logger:       cfg.Logger.With().Str("component", "orchestrator").Logger(),
		metrics:      cfg.Metrics,
		tracer:       cfg.Tracer,
		events:       cfg.Events,
		now:          time.Now,
	}, nil
}

// Deploy provisions the stack the manifest describes. An existing deployment
// for the same stack is re-entered, never duplicated: already-passed phases
// are skipped.
func (o *Orchestrator) Deploy(ctx context.Context, manifest *config.StackManifest) (*state.Deployment, error) {
	ctx, span := o.tracer.StartDeploySpan(ctx, manifest.Name)
	defer span.End()

	dep, err := o.deploy(ctx, manifest)
	if err != nil {
		telemetry.RecordError(span, err)
	} else {
		telemetry.RecordSuccess(span)
	}
	return dep, err
}

func (o *Orchestrator) deploy(ctx context.Context, manifest *config.StackManifest) (*state.Deployment, error) {
	stackID := manifest.Name
	log := o.logger.With().Str("stack", stackID).Logger()

	if err := o.gate(ctx, manifest, "deploy"); err != nil {
		return nil, err
	}

	dep, err := o.store.Create(ctx, stackID)
	if errors.Is(err, state.ErrAlreadyExists) {
		dep, err = o.store.Load(ctx, stackID)
	}
	if err != nil {
		return nil, err
	}

	if err := o.seedVariables(ctx, stackID, manifest); err != nil {
		return nil, err
	}
	if err := o.store.Transition(ctx, stackID, state.StatusInProgress); err != nil {
		return nil, err
	}

	o.metrics.RecordDeploymentStarted(stackID)
	o.publishStarted(stackID)
	log.Info().Str("region", manifest.Region).Str("instance", manifest.Instance.Type).
		Msg("deployment started")

	started := o.now()
	if err := o.runPhases(ctx, manifest, dep); err != nil {
		o.metrics.RecordDeploymentCompleted(string(state.StatusFailed), o.now().Sub(started))
		return o.store.Load(ctx, stackID)
	}

	if err := o.store.Transition(ctx, stackID, state.StatusCompleted); err != nil {
		return nil, err
	}
	duration := o.now().Sub(started)
	o.metrics.RecordDeploymentCompleted(string(state.StatusCompleted), duration)
	o.publishCompleted(stackID, string(state.StatusCompleted), duration)
	log.Info().Dur("duration", duration).Msg("deployment completed")

	return o.store.Load(ctx, stackID)
}

// Resume continues a failed or interrupted deployment from its last passed
// phase. The resource graph is restored from the persisted snapshot so
// surviving resources are not provisioned twice.
func (o *Orchestrator) Resume(ctx context.Context, manifest *config.StackManifest) (*state.Deployment, error) {
	stackID := manifest.Name

	dep, err := o.store.Load(ctx, stackID)
	if err != nil {
		return nil, err
	}
	if err := o.RestoreResources(stackID); err != nil {
		return nil, err
	}
	if err := o.store.Transition(ctx, stackID, state.StatusInProgress); err != nil {
		return nil, err
	}

	o.logger.Info().Str("stack", stackID).Strs("passed", dep.Phases).Msg("deployment resumed")

	started := o.now()
	if err := o.runPhases(ctx, manifest, dep); err != nil {
		o.metrics.RecordDeploymentCompleted(string(state.StatusFailed), o.now().Sub(started))
		return o.store.Load(ctx, stackID)
	}
	if err := o.store.Transition(ctx, stackID, state.StatusCompleted); err != nil {
		return nil, err
	}
	o.metrics.RecordDeploymentCompleted(string(state.StatusCompleted), o.now().Sub(started))
	return o.store.Load(ctx, stackID)
}

// Destroy tears the stack down through the rollback engine after restoring
// its resource graph from the persisted snapshot.
func (o *Orchestrator) Destroy(ctx context.Context, stackID string, mode rollback.Mode) (*rollback.Report, error) {
	if o.rollback == nil {
		return nil, fmt.Errorf("no rollback engine configured")
	}
	if err := o.RestoreResources(stackID); err != nil {
		return nil, err
	}
	report, err := o.rollback.Execute(ctx, stackID, mode, "destroy")
	if report != nil {
		if serr := o.SaveResources(stackID); serr != nil {
			o.logger.Warn().Err(serr).Str("stack", stackID).Msg("failed to persist resource snapshot")
		}
	}
	return report, err
}

// runPhases executes the remaining phases in order. The returned error is
// the classified failure of the phase that stopped the run.
func (o *Orchestrator) runPhases(ctx context.Context, manifest *config.StackManifest, dep *state.Deployment) error {
	stackID := manifest.Name
	for _, phase := range o.phases {
		if dep.HasPhase(phase) {
			continue
		}
		if err := o.runPhase(ctx, manifest, phase); err != nil {
			o.fail(ctx, stackID, phase, err)
			return err
		}

		if err := o.store.AdvancePhase(ctx, stackID, phase); err != nil {
			o.fail(ctx, stackID, phase, err)
			return err
		}
		cur, err := o.store.Load(ctx, stackID)
		if err != nil {
			return err
		}
		if snap, serr := cur.Snapshot(); serr == nil {
			if perr := o.store.AddRollbackPoint(ctx, stackID, "phase:"+phase, snap); perr != nil {
				o.logger.Warn().Err(perr).Str("stack", stackID).Str("phase", phase).
					Msg("failed to record rollback point")
			}
		}
		if err := o.SaveResources(stackID); err != nil {
			o.logger.Warn().Err(err).Str("stack", stackID).Msg("failed to persist resource snapshot")
		}
	}
	return nil
}

// runPhase executes one phase with classified retries. Regional capacity
// errors rotate through the manifest's fallback regions; other transient
// errors back off in place; everything else stops immediately.
func (o *Orchestrator) runPhase(ctx context.Context, manifest *config.StackManifest, phase string) error {
	stackID := manifest.Name
	ctx, span := o.tracer.StartPhaseSpan(ctx, stackID, phase)
	defer span.End()

	log := o.logger.With().Str("stack", stackID).Str("phase", phase).Logger()
	log.Info().Msg("phase started")
	o.publishPhaseStarted(stackID, phase)

	regions := append([]string{manifest.Region}, manifest.FallbackRegions...)
	regionIdx := 0
	fallbackUsed := false

	started := o.now()
	err := o.withRetry(ctx, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			log.Warn().Int("attempt", attempt).Str("region", regions[regionIdx]).
				Msg("retrying phase")
		}

		dep, lerr := o.store.Load(ctx, stackID)
		if lerr != nil {
			return retry.Stop(lerr)
		}
		rec := &phaseRecorder{orch: o, ctx: ctx, stackID: stackID, phase: phase}
		perr := o.provisioner.RunPhase(ctx, phase, manifest, dep, rec)
		if perr == nil {
			return nil
		}

		cls := classify.Classify(perr, classify.Context{
			Operation: phase,
			Region:    regions[regionIdx],
		})
		o.metrics.RecordError(string(cls.Category), string(cls.Strategy))

		switch {
		case cls.Strategy == classify.StrategyRetryRegional:
			if regionIdx+1 >= len(regions) {
				// Every configured region is exhausted.
				return retry.Stop(cls)
			}
			regionIdx++
			log.Warn().Str("region", regions[regionIdx]).Msg("capacity exhausted, moving to fallback region")
			o.setVariable(ctx, stackID, "region", regions[regionIdx])
			return cls
		case cls.Strategy == classify.StrategyFallback && !fallbackUsed:
			fallbackUsed = true
			log.Warn().Msg("falling back to on-demand capacity")
			o.setVariable(ctx, stackID, "pricing", "on-demand")
			return cls
		case classify.IsRetryable(cls):
			return cls
		default:
			return retry.Stop(cls)
		}
	})

	duration := o.now().Sub(started)
	if err != nil {
		telemetry.RecordError(span, err)
		o.metrics.RecordPhaseExecution(phase, "failed", duration)
		o.publishPhaseFailed(stackID, phase, err.Error())
		log.Error().Err(err).Dur("duration", duration).Msg("phase failed")
		return err
	}
	telemetry.RecordSuccess(span)
	o.metrics.RecordPhaseExecution(phase, "completed", duration)
	o.publishPhaseCompleted(stackID, phase, duration)
	log.Info().Dur("duration", duration).Msg("phase completed")
	return nil
}

// fail moves the deployment to FAILED and, when configured, hands it to the
// rollback engine right away: partial scope if any components are recorded
// as failed, full otherwise.
func (o *Orchestrator) fail(ctx context.Context, stackID, phase string, cause error) {
	o.setVariable(ctx, stackID, "failed_phase", phase)
	if err := o.store.Transition(ctx, stackID, state.StatusFailed); err != nil {
		o.logger.Error().Err(err).Str("stack", stackID).Msg("failed to mark deployment failed")
	}
	o.publishFailed(stackID, cause.Error())

	if !o.autoRollback || o.rollback == nil {
		return
	}

	dep, err := o.store.Load(ctx, stackID)
	if err != nil {
		o.logger.Error().Err(err).Str("stack", stackID).Msg("failed to load deployment for rollback")
		return
	}
	mode := rollback.ModeFull
	if len(dep.FailedComponents) > 0 {
		mode = rollback.ModePartial
	}
	report, err := o.rollback.Execute(ctx, stackID, mode, "deploy-failure")
	if err != nil {
		o.logger.Error().Err(err).Str("stack", stackID).Msg("automatic rollback failed")
		return
	}
	o.logger.Info().Str("stack", stackID).Str("result", report.String()).Msg("automatic rollback finished")
	if serr := o.SaveResources(stackID); serr != nil {
		o.logger.Warn().Err(serr).Str("stack", stackID).Msg("failed to persist resource snapshot")
	}
}

// gate evaluates the manifest against the policy engine. Blocking
// violations fail the deployment in enforcing mode and are logged in
// advisory mode.
func (o *Orchestrator) gate(ctx context.Context, manifest *config.StackManifest, operation string) error {
	if o.policy == nil {
		return nil
	}
	result, err := o.policy.EvaluateManifest(ctx, manifest)
	if err != nil {
		return fmt.Errorf("policy evaluation: %w", err)
	}
	for _, v := range result.Violations {
		o.logger.Warn().
			Str("stack", manifest.Name).
			Str("policy", v.Policy).
			Str("severity", string(v.Severity)).
			Str("operation", operation).
			Msg(v.Message)
		o.publishPolicyViolation(manifest.Name, v.Policy, v.Message)
	}
	if !result.Allowed && o.enforce {
		blocking := result.BlockingViolations()
		return classify.New(
			classify.CategoryValidation,
			classify.SeverityError,
			classify.StrategyAbort,
			fmt.Sprintf("deployment rejected by policy: %d blocking violations", len(blocking)),
			ErrPolicyRejected,
		).WithOperation(operation).
			WithHint("fix the manifest or adjust the policy set, then re-run deploy")
	}
	return nil
}

// Status summarizes a stack for operators.
type Status struct {
	Deployment *state.Deployment   `json:"deployment"`
	Resources  []registry.Resource `json:"resources,omitempty"`
}

// Status loads the deployment record and, when a resource snapshot exists,
// the resource graph.
func (o *Orchestrator) Status(ctx context.Context, stackID string) (*Status, error) {
	dep, err := o.store.Load(ctx, stackID)
	if err != nil {
		return nil, err
	}
	if err := o.RestoreResources(stackID); err != nil {
		o.logger.Debug().Err(err).Str("stack", stackID).Msg("no resource snapshot restored")
	}
	return &Status{
		Deployment: dep,
		Resources:  o.registry.List(stackID),
	}, nil
}

// SaveResources persists the stack's registry snapshot next to its state
// document.
func (o *Orchestrator) SaveResources(stackID string) error {
	data, err := o.registry.Export(stackID)
	if err != nil {
		return err
	}
	dir := filepath.Join(o.store.Root(), stackID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create stack dir: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, resourcesFileName), data, 0o600)
}

// RestoreResources rebuilds the stack's registry from the persisted
// snapshot, reattaching cleanup hooks through the provisioner. A missing
// snapshot is not an error; the registry is simply left as it is.
func (o *Orchestrator) RestoreResources(stackID string) error {
	data, err := os.ReadFile(filepath.Join(o.store.Root(), stackID, resourcesFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read resource snapshot: %w", err)
	}
	return o.registry.Restore(stackID, data, o.provisioner.CleanupFor)
}

func (o *Orchestrator) seedVariables(ctx context.Context, stackID string, manifest *config.StackManifest) error {
	_, err := o.store.Update(ctx, stackID, func(d *state.Deployment) error {
		d.SetVariable("region", manifest.Region)
		d.SetVariable("environment", manifest.Environment)
		d.SetVariable("instance_type", manifest.Instance.Type)
		d.SetVariable("timeout_seconds", strconv.Itoa(manifest.TimeoutSeconds))
		if manifest.Cost.DailyLimit > 0 {
			d.SetVariable("cost_limit", strconv.FormatFloat(manifest.Cost.DailyLimit, 'f', -1, 64))
		}
		if manifest.Cost.EstimatedDaily > 0 {
			d.SetVariable("cost_estimate", strconv.FormatFloat(manifest.Cost.EstimatedDaily, 'f', -1, 64))
		}
		for k, v := range manifest.Variables {
			d.SetVariable(k, v)
		}
		return nil
	})
	return err
}

func (o *Orchestrator) setVariable(ctx context.Context, stackID, key, value string) {
	_, err := o.store.Update(ctx, stackID, func(d *state.Deployment) error {
		d.SetVariable(key, value)
		return nil
	})
	if err != nil {
		o.logger.Warn().Err(err).Str("stack", stackID).Str("variable", key).
			Msg("failed to record deployment variable")
	}
}

func (o *Orchestrator) withRetry(ctx context.Context, op func(ctx context.Context, attempt int) error) error {
	if o.sleeper != nil {
		return retry.DoWithSleeper(ctx, o.retry, o.sleeper, op)
	}
	return retry.Do(ctx, o.retry, op)
}

func (o *Orchestrator) publishStarted(stackID string) {
	if o.events == nil {
		return
	}
	if err := o.events.PublishDeploymentStarted(stackID, "orchestrator"); err != nil {
		o.logger.Debug().Err(err).Msg("failed to publish event")
	}
}

func (o *Orchestrator) publishCompleted(stackID, status string, duration time.Duration) {
	if o.events == nil {
		return
	}
	if err := o.events.PublishDeploymentCompleted(stackID, status, duration); err != nil {
		o.logger.Debug().Err(err).Msg("failed to publish event")
	}
}

func (o *Orchestrator) publishFailed(stackID, reason string) {
	if o.events == nil {
		return
	}
	if err := o.events.PublishDeploymentFailed(stackID, reason); err != nil {
		o.logger.Debug().Err(err).Msg("failed to publish event")
	}
}

func (o *Orchestrator) publishPhaseStarted(stackID, phase string) {
	if o.events == nil {
		return
	}
	if err := o.events.PublishPhaseStarted(stackID, phase); err != nil {
		o.logger.Debug().Err(err).Msg("failed to publish event")
	}
}

func (o *Orchestrator) publishPhaseCompleted(stackID, phase string, duration time.Duration) {
	if o.events == nil {
		return
	}
	if err := o.events.PublishPhaseCompleted(stackID, phase, duration); err != nil {
		o.logger.Debug().Err(err).Msg("failed to publish event")
	}
}

func (o *Orchestrator) publishPhaseFailed(stackID, phase, reason string) {
	if o.events == nil {
		return
	}
	if err := o.events.PublishPhaseFailed(stackID, phase, reason); err != nil {
		o.logger.Debug().Err(err).Msg("failed to publish event")
	}
}

func (o *Orchestrator) publishPolicyViolation(stackID, policyName, reason string) {
	if o.events == nil {
		return
	}
	if err := o.events.PublishPolicyViolation(stackID, policyName, reason); err != nil {
		o.logger.Debug().Err(err).Msg("failed to publish event")
	}
}
