package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/stackkit/stackkit/pkg/config"
	"github.com/stackkit/stackkit/pkg/registry"
	"github.com/stackkit/stackkit/pkg/state"
)

// Simulator is a Provisioner that creates no cloud resources. It registers
// the resource graph a real AWS deployment of the manifest would produce
// and tracks teardown in memory. The CLI uses it for dry runs; tests use it
// for failure injection.
type Simulator struct {
	mu sync.Mutex
	// live holds the IDs of simulated cloud objects that currently exist.
	live map[string]bool
	// failPhase injects an error when the named phase runs.
	failPhase map[string]error
	// failResource marks resource IDs whose provisioning reports FAILED.
	failResource map[string]bool
	// failCleanup injects an error when the named resource is cleaned up.
	failCleanup map[string]error
}

// NewSimulator builds an empty simulator.
func NewSimulator() *Simulator {
	return &Simulator{
		live:         make(map[string]bool),
		failPhase:    make(map[string]error),
		failResource: make(map[string]bool),
		failCleanup:  make(map[string]error),
	}
}

// Name identifies the provisioner.
func (s *Simulator) Name() string { return "simulator" }

// FailPhase makes the named phase return err after registering nothing.
func (s *Simulator) FailPhase(phase string, err error) {
	s.mu.Lock()
	s.failPhase[phase] = err
	s.mu.Unlock()
}

// ClearPhaseFailure removes an injected phase failure.
func (s *Simulator) ClearPhaseFailure(phase string) {
	s.mu.Lock()
	delete(s.failPhase, phase)
	s.mu.Unlock()
}

// FailResource makes provisioning of the given resource ID report FAILED.
func (s *Simulator) FailResource(id string) {
	s.mu.Lock()
	s.failResource[id] = true
	s.mu.Unlock()
}

// FailCleanup makes teardown of the given resource ID fail with err.
func (s *Simulator) FailCleanup(id string, err error) {
	s.mu.Lock()
	s.failCleanup[id] = err
	s.mu.Unlock()
}

// Exists reports whether the simulated cloud object is still alive.
func (s *Simulator) Exists(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live[id]
}

// RunPhase registers the phase's resources and reports their outcomes.
func (s *Simulator) RunPhase(ctx context.Context, phase string, manifest *config.StackManifest, dep *state.Deployment, rec Recorder) error {
	s.mu.Lock()
	if err, ok := s.failPhase[phase]; ok {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	for _, spec := range s.plan(phase, manifest) {
		if err := s.create(ctx, spec, rec); err != nil {
			return err
		}
	}
	return nil
}

// resourceSpec is one simulated resource to create.
type resourceSpec struct {
	id       string
	kind     string
	deps     []string
	metadata map[string]string
}

// plan returns the resources a phase creates for the manifest, mirroring
// the shape of the real service-bundle stack: networking, GPU instances,
// volumes, services, load balancer, CDN.
func (s *Simulator) plan(phase string, manifest *config.StackManifest) []resourceSpec {
	count := manifest.Instance.Count
	if count < 1 {
		count = 1
	}

	switch phase {
	case "network":
		return []resourceSpec{
			{id: "vpc", kind: "vpc"},
			{id: "subnet", kind: "subnet", deps: []string{"vpc"}},
			{id: "security-group", kind: "security-group", deps: []string{"vpc"}},
		}
	case "compute":
		specs := make([]resourceSpec, 0, count)
		for i := 1; i <= count; i++ {
			specs = append(specs, resourceSpec{
				id:   fmt.Sprintf("instance-%d", i),
				kind: "instance",
				deps: []string{"subnet", "security-group"},
				metadata: map[string]string{
					"instance_type": manifest.Instance.Type,
					"region":        manifest.Region,
				},
			})
		}
		return specs
	case "storage":
		specs := make([]resourceSpec, 0, count)
		for i := 1; i <= count; i++ {
			specs = append(specs, resourceSpec{
				id:   fmt.Sprintf("volume-%d", i),
				kind: "volume",
				deps: []string{fmt.Sprintf("instance-%d", i)},
			})
		}
		return specs
	case "services":
		specs := make([]resourceSpec, 0, len(manifest.Services))
		for _, svc := range manifest.Services {
			specs = append(specs, resourceSpec{
				id:   "service-" + svc.Name,
				kind: "service",
				deps: []string{"instance-1"},
				metadata: map[string]string{
					"image": svc.Image,
					"port":  fmt.Sprintf("%d", svc.Port),
				},
			})
		}
		return specs
	case "loadbalancer":
		deps := make([]string, 0, count)
		for i := 1; i <= count; i++ {
			deps = append(deps, fmt.Sprintf("instance-%d", i))
		}
		return []resourceSpec{{id: "alb", kind: "loadbalancer", deps: deps}}
	case "cdn":
		return []resourceSpec{{id: "cdn", kind: "cdn", deps: []string{"alb"}}}
	default:
		// validate and finalize create nothing.
		return nil
	}
}

func (s *Simulator) create(ctx context.Context, spec resourceSpec, rec Recorder) error {
	err := rec.RegisterResource(registry.Registration{
		ID:       spec.id,
		Type:     spec.kind,
		Metadata: spec.metadata,
		Tags: map[string]string{
			"Project": "AI-Starter-Kit",
		},
		DependencyIDs: spec.deps,
		Cleanup:       s.cleanup(spec.id),
	})
	if errors.Is(err, registry.ErrDuplicateID) {
		// A retried or resumed phase re-reports a resource that survived the
		// previous attempt; creation is idempotent by ID.
		return nil
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	failed := s.failResource[spec.id]
	if !failed {
		s.live[spec.id] = true
	}
	s.mu.Unlock()

	if failed {
		if serr := rec.SetResourceStatus(spec.id, registry.StatusFailed); serr != nil {
			return serr
		}
		return fmt.Errorf("provisioning %s failed", spec.id)
	}
	return rec.SetResourceStatus(spec.id, registry.StatusActive)
}

// cleanup returns the teardown hook for a simulated resource. It is
// idempotent: deleting an already-absent object succeeds.
func (s *Simulator) cleanup(id string) registry.CleanupFunc {
	return func(ctx context.Context) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		if err, ok := s.failCleanup[id]; ok {
			return err
		}
		delete(s.live, id)
		return nil
	}
}

// CleanupFor reattaches the simulated teardown hook after a snapshot
// restore.
func (s *Simulator) CleanupFor(res registry.Resource) registry.CleanupFunc {
	return s.cleanup(res.ID)
}
