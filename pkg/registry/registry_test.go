package registry

import (
	"errors"
	"testing"
	"time"
)

func mustRegister(t *testing.T, r *Registry, stackID string, reg Registration) {
	t.Helper()
	if err := r.Register(stackID, reg); err != nil {
		t.Fatalf("Register(%s, %s) failed: %v", stackID, reg.ID, err)
	}
}

func TestRegister_AndGet(t *testing.T) {
	r := NewRegistry()

	mustRegister(t, r, "stack-a", Registration{
		ID:       "vpc-1",
		Type:     "vpc",
		Metadata: map[string]string{"cidr": "10.0.0.0/16"},
		Tags:     map[string]string{"Environment": "development"},
	})

	res, err := r.Get("stack-a", "vpc-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	if res.Status != StatusCreating {
		t.Errorf("Expected status creating, got %s", res.Status)
	}
	if res.Type != "vpc" {
		t.Errorf("Expected type vpc, got %s", res.Type)
	}
	if res.StackID != "stack-a" {
		t.Errorf("Expected stack stack-a, got %s", res.StackID)
	}
	if res.Metadata["cidr"] != "10.0.0.0/16" {
		t.Errorf("Expected metadata cidr preserved, got %v", res.Metadata)
	}
	if res.CreatedAt.IsZero() || res.UpdatedAt.IsZero() {
		t.Error("Expected created_at and updated_at to be set")
	}
}

func TestRegister_DuplicateID(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, "stack-a", Registration{ID: "vpc-1", Type: "vpc"})

	err := r.Register("stack-a", Registration{ID: "vpc-1", Type: "vpc"})
	if !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("Expected ErrDuplicateID, got: %v", err)
	}

	if got := len(r.List("stack-a")); got != 1 {
		t.Errorf("Expected 1 resource after duplicate rejection, got %d", got)
	}
}

func TestRegister_EmptyFields(t *testing.T) {
	r := NewRegistry()

	if err := r.Register("stack-a", Registration{Type: "vpc"}); !errors.Is(err, ErrInvalidRegistration) {
		t.Errorf("Expected ErrInvalidRegistration for empty ID, got: %v", err)
	}
	if err := r.Register("stack-a", Registration{ID: "vpc-1"}); !errors.Is(err, ErrInvalidRegistration) {
		t.Errorf("Expected ErrInvalidRegistration for empty type, got: %v", err)
	}
	if err := r.Register("", Registration{ID: "vpc-1", Type: "vpc"}); !errors.Is(err, ErrInvalidRegistration) {
		t.Errorf("Expected ErrInvalidRegistration for empty stack, got: %v", err)
	}
}

func TestRegister_SelfDependency(t *testing.T) {
	r := NewRegistry()

	err := r.Register("stack-a", Registration{
		ID:            "vpc-1",
		Type:          "vpc",
		DependencyIDs: []string{"vpc-1"},
	})
	if !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("Expected ErrCycleDetected, got: %v", err)
	}

	if got := len(r.List("stack-a")); got != 0 {
		t.Errorf("Expected empty registry after rejected registration, got %d resources", got)
	}
}

func TestRegister_CycleViaForwardReference(t *testing.T) {
	r := NewRegistry()

	// subnet-1 may reference vpc-1 before vpc-1 exists.
	mustRegister(t, r, "stack-a", Registration{
		ID:            "subnet-1",
		Type:          "subnet",
		DependencyIDs: []string{"vpc-1"},
	})

	// Closing the loop must be rejected.
	err := r.Register("stack-a", Registration{
		ID:            "vpc-1",
		Type:          "vpc",
		DependencyIDs: []string{"subnet-1"},
	})
	if !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("Expected ErrCycleDetected, got: %v", err)
	}

	// No partial mutation: vpc-1 absent, subnet-1 untouched.
	if _, err := r.Get("stack-a", "vpc-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected vpc-1 to be absent, got: %v", err)
	}
	subnet, err := r.Get("stack-a", "subnet-1")
	if err != nil {
		t.Fatalf("Get subnet-1 failed: %v", err)
	}
	if len(subnet.DependencyIDs) != 1 || subnet.DependencyIDs[0] != "vpc-1" {
		t.Errorf("Expected subnet-1 dependencies unchanged, got %v", subnet.DependencyIDs)
	}
}

func TestRegister_LongerCycle(t *testing.T) {
	r := NewRegistry()

	mustRegister(t, r, "stack-a", Registration{ID: "a", Type: "vpc", DependencyIDs: []string{"b"}})
	mustRegister(t, r, "stack-a", Registration{ID: "b", Type: "subnet", DependencyIDs: []string{"c"}})

	err := r.Register("stack-a", Registration{ID: "c", Type: "instance", DependencyIDs: []string{"a"}})
	if !errors.Is(err, ErrCycleDetected) {
		t.Fatalf("Expected ErrCycleDetected for a->b->c->a, got: %v", err)
	}

	if got := len(r.List("stack-a")); got != 2 {
		t.Errorf("Expected 2 resources after rejection, got %d", got)
	}
}

func TestSetStatus_Lifecycle(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, "stack-a", Registration{ID: "i-1", Type: "instance"})

	steps := []Status{StatusActive, StatusDeleting, StatusDeleted}
	for _, next := range steps {
		if err := r.SetStatus("stack-a", "i-1", next); err != nil {
			t.Fatalf("SetStatus(%s) failed: %v", next, err)
		}
	}

	res, err := r.Get("stack-a", "i-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if res.Status != StatusDeleted {
		t.Errorf("Expected deleted, got %s", res.Status)
	}
	if !res.Status.IsTerminal() {
		t.Error("Expected deleted to be terminal")
	}

	// Terminal states have no outgoing transitions.
	if err := r.SetStatus("stack-a", "i-1", StatusActive); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition from deleted, got: %v", err)
	}
}

func TestSetStatus_InvalidTransition(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, "stack-a", Registration{ID: "i-1", Type: "instance"})

	// CREATING cannot jump straight to DELETING.
	err := r.SetStatus("stack-a", "i-1", StatusDeleting)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Expected ErrInvalidTransition, got: %v", err)
	}

	res, _ := r.Get("stack-a", "i-1")
	if res.Status != StatusCreating {
		t.Errorf("Expected status unchanged after rejected transition, got %s", res.Status)
	}
}

func TestSetStatus_Idempotent(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, "stack-a", Registration{ID: "i-1", Type: "instance"})

	if err := r.SetStatus("stack-a", "i-1", StatusActive); err != nil {
		t.Fatalf("First SetStatus failed: %v", err)
	}
	first, _ := r.Get("stack-a", "i-1")

	// Repeating the same status is a no-op, not a double-apply.
	if err := r.SetStatus("stack-a", "i-1", StatusActive); err != nil {
		t.Fatalf("Repeated SetStatus failed: %v", err)
	}
	second, _ := r.Get("stack-a", "i-1")

	if !first.UpdatedAt.Equal(second.UpdatedAt) {
		t.Errorf("Expected no-op to leave updated_at unchanged: %v vs %v", first.UpdatedAt, second.UpdatedAt)
	}
	if got := len(r.ByStatus("stack-a", StatusActive)); got != 1 {
		t.Errorf("Expected exactly 1 active resource, got %d", got)
	}
}

func TestSetStatus_NotFound(t *testing.T) {
	r := NewRegistry()

	if err := r.SetStatus("stack-a", "missing", StatusActive); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got: %v", err)
	}
}

func TestDeletionOrder_LinearStack(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, "stack-a", Registration{ID: "vpc", Type: "vpc"})
	mustRegister(t, r, "stack-a", Registration{ID: "subnet", Type: "subnet", DependencyIDs: []string{"vpc"}})
	mustRegister(t, r, "stack-a", Registration{ID: "instance", Type: "instance", DependencyIDs: []string{"subnet"}})

	order, err := r.DeletionOrder("stack-a")
	if err != nil {
		t.Fatalf("DeletionOrder failed: %v", err)
	}

	want := []string{"instance", "subnet", "vpc"}
	if len(order) != len(want) {
		t.Fatalf("Expected %d resources, got %d", len(want), len(order))
	}
	for i, id := range want {
		if order[i].ID != id {
			t.Errorf("Expected position %d to be %s, got %s", i, id, order[i].ID)
		}
	}
}

func TestDeletionOrder_Diamond(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, "stack-a", Registration{ID: "vpc", Type: "vpc"})
	mustRegister(t, r, "stack-a", Registration{ID: "subnet-a", Type: "subnet", DependencyIDs: []string{"vpc"}})
	mustRegister(t, r, "stack-a", Registration{ID: "subnet-b", Type: "subnet", DependencyIDs: []string{"vpc"}})
	mustRegister(t, r, "stack-a", Registration{
		ID:            "instance",
		Type:          "instance",
		DependencyIDs: []string{"subnet-a", "subnet-b"},
	})

	order, err := r.DeletionOrder("stack-a")
	if err != nil {
		t.Fatalf("DeletionOrder failed: %v", err)
	}

	pos := make(map[string]int, len(order))
	for i, res := range order {
		pos[res.ID] = i
	}

	// Every consumer must appear before each of its dependencies.
	for _, res := range r.List("stack-a") {
		for _, dep := range res.DependencyIDs {
			if pos[res.ID] > pos[dep] {
				t.Errorf("Expected %s before its dependency %s, got positions %d and %d",
					res.ID, dep, pos[res.ID], pos[dep])
			}
		}
	}
}

func TestDeletionOrder_TieBreakByCreatedAt(t *testing.T) {
	r := NewRegistry()

	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	clock := []time.Time{base.Add(2 * time.Second), base, base.Add(time.Second)}
	calls := 0
	r.now = func() time.Time {
		ts := clock[calls]
		calls++
		return ts
	}

	// Three independent resources: order falls back to created_at.
	mustRegister(t, r, "stack-a", Registration{ID: "bucket-c", Type: "bucket"})
	mustRegister(t, r, "stack-a", Registration{ID: "bucket-a", Type: "bucket"})
	mustRegister(t, r, "stack-a", Registration{ID: "bucket-b", Type: "bucket"})

	order, err := r.DeletionOrder("stack-a")
	if err != nil {
		t.Fatalf("DeletionOrder failed: %v", err)
	}

	want := []string{"bucket-a", "bucket-b", "bucket-c"}
	for i, id := range want {
		if order[i].ID != id {
			t.Errorf("Expected position %d to be %s (oldest first), got %s", i, id, order[i].ID)
		}
	}
}

func TestDeletionOrder_UnknownStack(t *testing.T) {
	r := NewRegistry()

	order, err := r.DeletionOrder("missing")
	if err != nil {
		t.Fatalf("Expected no error for unknown stack, got: %v", err)
	}
	if len(order) != 0 {
		t.Errorf("Expected empty order, got %d resources", len(order))
	}
}

func TestByType_AndByStatus(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, "stack-a", Registration{ID: "vpc-1", Type: "vpc"})
	mustRegister(t, r, "stack-a", Registration{ID: "subnet-1", Type: "subnet", DependencyIDs: []string{"vpc-1"}})
	mustRegister(t, r, "stack-a", Registration{ID: "subnet-2", Type: "subnet", DependencyIDs: []string{"vpc-1"}})

	if err := r.SetStatus("stack-a", "subnet-1", StatusActive); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}

	subnets := r.ByType("stack-a", "subnet")
	if len(subnets) != 2 {
		t.Fatalf("Expected 2 subnets, got %d", len(subnets))
	}

	active := r.ByStatus("stack-a", StatusActive)
	if len(active) != 1 || active[0].ID != "subnet-1" {
		t.Errorf("Expected only subnet-1 active, got %v", active)
	}

	creating := r.ByStatus("stack-a", StatusCreating)
	if len(creating) != 2 {
		t.Errorf("Expected 2 creating resources, got %d", len(creating))
	}

	counts := r.CountByStatus("stack-a")
	if counts[StatusActive] != 1 || counts[StatusCreating] != 2 {
		t.Errorf("Unexpected status counts: %v", counts)
	}
}

func TestStackIsolation(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, "stack-a", Registration{ID: "vpc-1", Type: "vpc"})
	mustRegister(t, r, "stack-b", Registration{ID: "vpc-1", Type: "vpc"})

	if err := r.SetStatus("stack-a", "vpc-1", StatusActive); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}

	b, err := r.Get("stack-b", "vpc-1")
	if err != nil {
		t.Fatalf("Get stack-b vpc-1 failed: %v", err)
	}
	if b.Status != StatusCreating {
		t.Errorf("Expected stack-b copy unaffected, got status %s", b.Status)
	}

	stacks := r.Stacks()
	if len(stacks) != 2 || stacks[0] != "stack-a" || stacks[1] != "stack-b" {
		t.Errorf("Expected sorted stacks [stack-a stack-b], got %v", stacks)
	}
}

func TestGet_ReturnsCopy(t *testing.T) {
	r := NewRegistry()
	mustRegister(t, r, "stack-a", Registration{
		ID:       "vpc-1",
		Type:     "vpc",
		Metadata: map[string]string{"cidr": "10.0.0.0/16"},
	})

	res, _ := r.Get("stack-a", "vpc-1")
	res.Metadata["cidr"] = "changed"
	res.Status = StatusDeleted

	fresh, _ := r.Get("stack-a", "vpc-1")
	if fresh.Metadata["cidr"] != "10.0.0.0/16" {
		t.Error("Expected registry metadata to be isolated from caller mutation")
	}
	if fresh.Status != StatusCreating {
		t.Errorf("Expected status creating, got %s", fresh.Status)
	}
}
