package orchestrator

import (
	"context"
	"fmt"

	"github.com/stackkit/stackkit/pkg/config"
	"github.com/stackkit/stackkit/pkg/registry"
	"github.com/stackkit/stackkit/pkg/state"
)

// Recorder is the callback surface provisioning collaborators use to report
// cloud-side progress. Calls are synchronous: a collaborator registers a
// resource before issuing the create call and reports the outcome right
// after the call returns.
type Recorder interface {
	// RegisterResource records a resource about to be provisioned. Its
	// status starts as CREATING; the orchestrator tags it with the current
	// phase so incremental rollback can group resources by phase.
	RegisterResource(reg registry.Registration) error

	// SetResourceStatus reports the outcome of a cloud-side call. Moving a
	// resource to FAILED also records it in the deployment's failed set.
	SetResourceStatus(id string, status registry.Status) error

	// SetVariable records a deployment variable (chosen region, endpoint
	// addresses, instance IDs).
	SetVariable(key, value string) error
}

// Provisioner is the external collaborator that talks to the cloud. The
// orchestrator never issues cloud API calls itself; it sequences phases and
// lets the provisioner populate each one through the Recorder.
type Provisioner interface {
	// Name identifies the provisioner in logs and metrics.
	Name() string

	// RunPhase provisions everything the named phase covers. Resources and
	// their outcomes are reported through rec as the work happens.
	RunPhase(ctx context.Context, phase string, manifest *config.StackManifest, dep *state.Deployment, rec Recorder) error

	// CleanupFor rebuilds the cleanup hook for a resource restored from a
	// snapshot. The provisioner knows how to delete its own resource types
	// from the type and metadata alone.
	CleanupFor(res registry.Resource) registry.CleanupFunc
}

// phaseRecorder scopes a Recorder to one stack and phase.
type phaseRecorder struct {
	orch    *Orchestrator
	ctx     context.Context
	stackID string
	phase   string
}

func (r *phaseRecorder) RegisterResource(reg registry.Registration) error {
	if reg.Tags == nil {
		reg.Tags = make(map[string]string)
	}
	reg.Tags["phase"] = r.phase
	if err := r.orch.registry.Register(r.stackID, reg); err != nil {
		return err
	}
	r.orch.logger.Debug().
		Str("stack", r.stackID).
		Str("phase", r.phase).
		Str("resource", reg.ID).
		Str("type", reg.Type).
		Msg("resource registered")
	return nil
}

func (r *phaseRecorder) SetResourceStatus(id string, status registry.Status) error {
	var previous registry.Status
	if res, err := r.orch.registry.Get(r.stackID, id); err == nil {
		previous = res.Status
	}
	if err := r.orch.registry.SetStatus(r.stackID, id, status); err != nil {
		return err
	}
	if r.orch.events != nil && previous != status {
		if err := r.orch.events.PublishResourceStateChanged(id, string(previous), string(status)); err != nil {
			r.orch.logger.Debug().Err(err).Msg("failed to publish event")
		}
	}
	if status == registry.StatusFailed {
		if err := r.orch.store.RecordFailedComponent(r.ctx, r.stackID, id); err != nil {
			return fmt.Errorf("record failed component %s: %w", id, err)
		}
	}
	return nil
}

func (r *phaseRecorder) SetVariable(key, value string) error {
	_, err := r.orch.store.Update(r.ctx, r.stackID, func(d *state.Deployment) error {
		d.SetVariable(key, value)
		return nil
	})
	return err
}
