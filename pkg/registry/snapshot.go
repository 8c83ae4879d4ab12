package registry

import (
	"encoding/json"
	"fmt"
)

// Export serializes the stack's resources for persistence. Cleanup hooks are
// not serializable; Restore rebuilds them from resource type and metadata.
func (r *Registry) Export(stackID string) ([]byte, error) {
	resources := r.List(stackID)
	data, err := json.MarshalIndent(resources, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("export stack %s: %w", stackID, err)
	}
	return append(data, '\n'), nil
}

// Restore replaces the stack's graph with previously exported resources,
// preserving their statuses and timestamps. The rebuild function supplies a
// cleanup hook per resource; a nil function leaves resources without one.
// The imported edge set is validated as a whole; on any error the registry
// is left unchanged.
func (r *Registry) Restore(stackID string, data []byte, rebuild func(Resource) CleanupFunc) error {
	if stackID == "" {
		return fmt.Errorf("%w: empty stack id", ErrInvalidRegistration)
	}

	var resources []Resource
	if err := json.Unmarshal(data, &resources); err != nil {
		return fmt.Errorf("restore stack %s: %w", stackID, err)
	}

	graph := newStackGraph()
	for i := range resources {
		res := cloneResource(&resources[i])
		if res.ID == "" {
			return fmt.Errorf("%w: resource %d has empty id", ErrInvalidRegistration, i)
		}
		if res.Type == "" {
			return fmt.Errorf("%w: resource %s has empty type", ErrInvalidRegistration, res.ID)
		}
		if _, exists := graph.resources[res.ID]; exists {
			return fmt.Errorf("%w: %s appears twice in snapshot", ErrDuplicateID, res.ID)
		}
		res.StackID = stackID
		res.DependencyIDs = dedupe(res.DependencyIDs)
		if rebuild != nil {
			res.Cleanup = rebuild(res)
		}
		graph.resources[res.ID] = &res
		for _, dep := range res.DependencyIDs {
			graph.dependents[dep] = append(graph.dependents[dep], res.ID)
		}
		graph.indexAdd(&res)
	}

	// Kahn pass over the whole snapshot: if it cannot order every resource,
	// the imported edges contain a cycle.
	pending := make(map[string]int, len(graph.resources))
	for id := range graph.resources {
		pending[id] = len(graph.dependents[id])
	}
	ready := make([]string, 0, len(pending))
	for id, count := range pending {
		if count == 0 {
			ready = append(ready, id)
		}
	}
	ordered := 0
	for len(ready) > 0 {
		id := ready[len(ready)-1]
		ready = ready[:len(ready)-1]
		ordered++
		for _, dep := range graph.resources[id].DependencyIDs {
			if _, registered := graph.resources[dep]; !registered {
				continue
			}
			pending[dep]--
			if pending[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}
	if ordered != len(graph.resources) {
		return fmt.Errorf("%w: snapshot for stack %s", ErrCycleDetected, stackID)
	}

	r.mu.Lock()
	r.stacks[stackID] = graph
	r.mu.Unlock()
	return nil
}
