package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Registry tracks resources per stack and maintains the dependency graph,
// type index, and status index alongside each other. All methods are safe
// for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	stacks map[string]*stackGraph

	// now is swappable in tests for deterministic created_at ordering.
	now func() time.Time
}

// stackGraph holds one stack's resources and adjacency structures.
type stackGraph struct {
	// resources maps resource ID to its record.
	resources map[string]*Resource

	// dependents maps a resource ID to the IDs registered as depending on
	// it. Keys may name IDs that are not (yet) registered; such edges
	// constrain nothing until the target registers.
	dependents map[string][]string

	// typeIndex maps resource type to the set of IDs of that type.
	typeIndex map[string]map[string]struct{}

	// statusIndex maps lifecycle status to the set of IDs in that status.
	statusIndex map[Status]map[string]struct{}
}

func newStackGraph() *stackGraph {
	return &stackGraph{
		resources:   make(map[string]*Resource),
		dependents:  make(map[string][]string),
		typeIndex:   make(map[string]map[string]struct{}),
		statusIndex: make(map[Status]map[string]struct{}),
	}
}

// NewRegistry creates an empty resource registry.
func NewRegistry() *Registry {
	return &Registry{
		stacks: make(map[string]*stackGraph),
		now:    time.Now,
	}
}

// Register records a new resource for the stack with status CREATING.
// It fails with ErrDuplicateID if the ID is already registered for the
// stack, and with ErrCycleDetected if the registration's dependency edges
// would create a cycle; in both cases the registry is left unchanged.
// Dependency targets do not have to be registered yet.
func (r *Registry) Register(stackID string, reg Registration) error {
	if stackID == "" {
		return fmt.Errorf("%w: empty stack id", ErrInvalidRegistration)
	}
	if reg.ID == "" {
		return fmt.Errorf("%w: empty resource id", ErrInvalidRegistration)
	}
	if reg.Type == "" {
		return fmt.Errorf("%w: resource %s has empty type", ErrInvalidRegistration, reg.ID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	graph, ok := r.stacks[stackID]
	if !ok {
		graph = newStackGraph()
		r.stacks[stackID] = graph
	}

	if _, exists := graph.resources[reg.ID]; exists {
		return fmt.Errorf("%w: %s already registered for stack %s", ErrDuplicateID, reg.ID, stackID)
	}

	deps := dedupe(reg.DependencyIDs)

	// Validate the prospective graph before any mutation. A new cycle must
	// pass through the resource being registered, so a single DFS from it
	// over the combined edge set is sufficient.
	if cycle := graph.findCycle(reg.ID, deps); len(cycle) > 0 {
		return fmt.Errorf("%w: %s", ErrCycleDetected, strings.Join(cycle, " -> "))
	}

	now := r.now().UTC()
	res := &Resource{
		ID:            reg.ID,
		StackID:       stackID,
		Type:          reg.Type,
		Status:        StatusCreating,
		Metadata:      copyStringMap(reg.Metadata),
		Tags:          copyStringMap(reg.Tags),
		DependencyIDs: deps,
		CreatedAt:     now,
		UpdatedAt:     now,
		Cleanup:       reg.Cleanup,
	}

	graph.resources[res.ID] = res
	for _, dep := range res.DependencyIDs {
		graph.dependents[dep] = append(graph.dependents[dep], res.ID)
	}
	graph.indexAdd(res)

	return nil
}

// SetStatus moves a resource to the given lifecycle status. Setting the
// status a resource already has is a no-op; any transition outside the
// state machine fails with ErrInvalidTransition.
func (r *Registry) SetStatus(stackID, id string, next Status) error {
	if err := next.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	res, err := r.lookup(stackID, id)
	if err != nil {
		return err
	}

	if res.Status == next {
		return nil
	}
	if !res.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s cannot move %s -> %s", ErrInvalidTransition, id, res.Status, next)
	}

	graph := r.stacks[stackID]
	graph.indexRemove(res)
	res.Status = next
	res.UpdatedAt = r.now().UTC()
	graph.indexAdd(res)

	return nil
}

// Get returns a copy of the resource record.
func (r *Registry) Get(stackID, id string) (Resource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	res, err := r.lookup(stackID, id)
	if err != nil {
		return Resource{}, err
	}
	return cloneResource(res), nil
}

// List returns copies of every resource registered for the stack, ordered
// by ascending created_at then ID.
func (r *Registry) List(stackID string) []Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()

	graph, ok := r.stacks[stackID]
	if !ok {
		return nil
	}

	out := make([]Resource, 0, len(graph.resources))
	for _, res := range graph.resources {
		out = append(out, cloneResource(res))
	}
	sortResources(out)
	return out
}

// ByType returns the stack's resources of the given type, ordered by
// ascending created_at then ID.
func (r *Registry) ByType(stackID, resourceType string) []Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()

	graph, ok := r.stacks[stackID]
	if !ok {
		return nil
	}
	return graph.collect(graph.typeIndex[resourceType])
}

// ByStatus returns the stack's resources in the given status, ordered by
// ascending created_at then ID.
func (r *Registry) ByStatus(stackID string, status Status) []Resource {
	r.mu.RLock()
	defer r.mu.RUnlock()

	graph, ok := r.stacks[stackID]
	if !ok {
		return nil
	}
	return graph.collect(graph.statusIndex[status])
}

// CountByStatus returns the number of resources per lifecycle status.
func (r *Registry) CountByStatus(stackID string) map[Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[Status]int)
	graph, ok := r.stacks[stackID]
	if !ok {
		return counts
	}
	for status, ids := range graph.statusIndex {
		if len(ids) > 0 {
			counts[status] = len(ids)
		}
	}
	return counts
}

// Stacks returns the IDs of all stacks with registered resources, sorted.
func (r *Registry) Stacks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.stacks))
	for id := range r.stacks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// DeletionOrder returns the stack's resources in reverse-topological order:
// every resource appears before all resources it depends on, so deleting in
// the returned order never removes a dependency that still has a live
// consumer. Resources with no ordering constraint between them are ordered
// by ascending created_at (oldest first), then ID.
func (r *Registry) DeletionOrder(stackID string) ([]Resource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	graph, ok := r.stacks[stackID]
	if !ok {
		return nil, nil
	}

	// Kahn's algorithm over reversed edges: a resource becomes deletable
	// once every resource depending on it has been emitted.
	pending := make(map[string]int, len(graph.resources))
	for id := range graph.resources {
		pending[id] = len(graph.dependents[id])
	}

	ready := make([]*Resource, 0, len(graph.resources))
	for id, count := range pending {
		if count == 0 {
			ready = append(ready, graph.resources[id])
		}
	}

	order := make([]Resource, 0, len(graph.resources))
	for len(ready) > 0 {
		// Pick the oldest ready resource for a deterministic order.
		min := 0
		for i := 1; i < len(ready); i++ {
			if resourceLess(ready[i], ready[min]) {
				min = i
			}
		}
		next := ready[min]
		ready[min] = ready[len(ready)-1]
		ready = ready[:len(ready)-1]

		order = append(order, cloneResource(next))
		for _, dep := range next.DependencyIDs {
			target, registered := graph.resources[dep]
			if !registered {
				continue
			}
			pending[dep]--
			if pending[dep] == 0 {
				ready = append(ready, target)
			}
		}
	}

	// Unreachable if registration-time cycle validation holds.
	if len(order) != len(graph.resources) {
		return nil, fmt.Errorf("deletion order incomplete for stack %s: %d of %d resources ordered",
			stackID, len(order), len(graph.resources))
	}

	return order, nil
}

// lookup returns the live resource record. Callers must hold r.mu.
func (r *Registry) lookup(stackID, id string) (*Resource, error) {
	graph, ok := r.stacks[stackID]
	if !ok {
		return nil, fmt.Errorf("%w: stack %s", ErrNotFound, stackID)
	}
	res, ok := graph.resources[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s in stack %s", ErrNotFound, id, stackID)
	}
	return res, nil
}

// findCycle runs a DFS from the candidate resource following dependency
// edges over registered resources plus the candidate's own edges. It
// returns the cycle path if the candidate can reach itself, nil otherwise.
func (g *stackGraph) findCycle(candidateID string, candidateDeps []string) []string {
	depsOf := func(id string) []string {
		if id == candidateID {
			return candidateDeps
		}
		if res, ok := g.resources[id]; ok {
			return res.DependencyIDs
		}
		return nil
	}

	visited := make(map[string]bool)
	onStack := make(map[string]bool)

	var walk func(id string, path []string) []string
	walk = func(id string, path []string) []string {
		visited[id] = true
		onStack[id] = true
		path = append(path, id)

		for _, dep := range depsOf(id) {
			if onStack[dep] {
				// Close the loop at the first repeated node.
				for i, seen := range path {
					if seen == dep {
						return append(path[i:], dep)
					}
				}
				return append(path, dep)
			}
			if !visited[dep] {
				if cycle := walk(dep, path); cycle != nil {
					return cycle
				}
			}
		}

		onStack[id] = false
		return nil
	}

	return walk(candidateID, nil)
}

func (g *stackGraph) indexAdd(res *Resource) {
	if g.typeIndex[res.Type] == nil {
		g.typeIndex[res.Type] = make(map[string]struct{})
	}
	g.typeIndex[res.Type][res.ID] = struct{}{}

	if g.statusIndex[res.Status] == nil {
		g.statusIndex[res.Status] = make(map[string]struct{})
	}
	g.statusIndex[res.Status][res.ID] = struct{}{}
}

func (g *stackGraph) indexRemove(res *Resource) {
	delete(g.typeIndex[res.Type], res.ID)
	delete(g.statusIndex[res.Status], res.ID)
}

// collect materializes an index entry set as a sorted slice of copies.
func (g *stackGraph) collect(ids map[string]struct{}) []Resource {
	if len(ids) == 0 {
		return nil
	}
	out := make([]Resource, 0, len(ids))
	for id := range ids {
		out = append(out, cloneResource(g.resources[id]))
	}
	sortResources(out)
	return out
}

func sortResources(resources []Resource) {
	sort.Slice(resources, func(i, j int) bool {
		return resourceLess(&resources[i], &resources[j])
	})
}

func resourceLess(a, b *Resource) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func cloneResource(res *Resource) Resource {
	out := *res
	out.Metadata = copyStringMap(res.Metadata)
	out.Tags = copyStringMap(res.Tags)
	out.DependencyIDs = append([]string(nil), res.DependencyIDs...)
	return out
}

func copyStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// dedupe returns ids with duplicates removed, preserving first-seen order.
func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
