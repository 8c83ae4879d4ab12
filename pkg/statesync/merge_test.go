package statesync

import (
	"reflect"
	"testing"
	"time"

	"github.com/stackkit/stackkit/pkg/state"
)

var mergeBase = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func mergeDeployment(updatedAt time.Time) *state.Deployment {
	return &state.Deployment{
		StackID:   "gpu-stack",
		Phases:    []string{"network", "compute"},
		Status:    state.StatusInProgress,
		Variables: map[string]string{"region": "us-east-1"},
		CreatedAt: mergeBase.Add(-time.Hour),
		UpdatedAt: updatedAt,
	}
}

func TestTimestampWinner(t *testing.T) {
	older := mergeDeployment(mergeBase)
	newer := mergeDeployment(mergeBase.Add(time.Minute))

	if got := TimestampWinner(older, newer); got != newer {
		t.Fatal("expected the newer record to win")
	}
	if got := TimestampWinner(newer, older); got != newer {
		t.Fatal("expected the newer record to win regardless of side")
	}
}

func TestTimestampWinner_TieFavorsLocal(t *testing.T) {
	local := mergeDeployment(mergeBase)
	remote := mergeDeployment(mergeBase)

	if got := TimestampWinner(local, remote); got != local {
		t.Fatal("expected ties to favor the local record")
	}
}

func TestMerge_TimestampOnlyDifference(t *testing.T) {
	// Two records that differ only in updated_at must merge to the one
	// with the larger updated_at.
	local := mergeDeployment(mergeBase)
	remote := mergeDeployment(mergeBase.Add(2 * time.Minute))

	merged := Merge(local, remote)

	if !reflect.DeepEqual(merged, remote.Clone()) {
		t.Fatalf("merged record = %+v, want the newer record %+v", merged, remote)
	}
}

func TestMerge_FieldRules(t *testing.T) {
	local := &state.Deployment{
		StackID: "gpu-stack",
		Phases:  []string{"network", "compute", "storage"},
		Status:  state.StatusFailed,
		Variables: map[string]string{
			"region":     "us-east-1",
			"local_only": "yes",
		},
		FailedComponents: []string{"instance"},
		CreatedAt:        mergeBase.Add(-2 * time.Hour),
		UpdatedAt:        mergeBase,
	}
	remote := &state.Deployment{
		StackID: "gpu-stack",
		Phases:  []string{"network", "compute"},
		Status:  state.StatusInProgress,
		Variables: map[string]string{
			"region":      "us-west-2",
			"remote_only": "yes",
		},
		FailedComponents: []string{"subnet"},
		CreatedAt:        mergeBase.Add(-time.Hour),
		UpdatedAt:        mergeBase.Add(time.Minute),
	}

	merged := Merge(local, remote)

	if merged.Status != state.StatusInProgress {
		t.Errorf("status = %s, want the winner's %s", merged.Status, state.StatusInProgress)
	}
	if !merged.UpdatedAt.Equal(remote.UpdatedAt) {
		t.Errorf("updated_at = %s, want the winner's %s", merged.UpdatedAt, remote.UpdatedAt)
	}
	if !merged.CreatedAt.Equal(local.CreatedAt) {
		t.Errorf("created_at = %s, want the earlier %s", merged.CreatedAt, local.CreatedAt)
	}

	if got := merged.Variables["region"]; got != "us-west-2" {
		t.Errorf("region = %q, want the winner's value", got)
	}
	if merged.Variables["local_only"] != "yes" || merged.Variables["remote_only"] != "yes" {
		t.Errorf("expected loser-only variables to survive, got %v", merged.Variables)
	}

	wantPhases := []string{"network", "compute", "storage"}
	if !reflect.DeepEqual(merged.Phases, wantPhases) {
		t.Errorf("phases = %v, want %v", merged.Phases, wantPhases)
	}

	wantFailed := []string{"instance", "subnet"}
	if !reflect.DeepEqual(merged.FailedComponents, wantFailed) {
		t.Errorf("failed_components = %v, want union %v", merged.FailedComponents, wantFailed)
	}
}

func TestMerge_InputsLeftUntouched(t *testing.T) {
	local := mergeDeployment(mergeBase)
	local.Variables["local_only"] = "yes"
	remote := mergeDeployment(mergeBase.Add(time.Minute))

	Merge(local, remote)

	if _, leaked := remote.Variables["local_only"]; leaked {
		t.Fatal("merge mutated the remote input")
	}
	if local.UpdatedAt != mergeBase {
		t.Fatal("merge mutated the local input")
	}
}

func TestMerge_RollbackPointUnion(t *testing.T) {
	t1 := mergeBase
	t2 := mergeBase.Add(time.Minute)
	t3 := mergeBase.Add(2 * time.Minute)

	local := mergeDeployment(mergeBase)
	local.RollbackPoints = []state.RollbackPoint{
		{Name: "pre-rollback", Timestamp: t2},
		{Name: "phase-network", Timestamp: t1},
	}
	remote := mergeDeployment(mergeBase.Add(time.Minute))
	remote.RollbackPoints = []state.RollbackPoint{
		{Name: "phase-network", Timestamp: t1},
		{Name: "post-rollback", Timestamp: t3},
	}

	merged := Merge(local, remote)

	var names []string
	for _, p := range merged.RollbackPoints {
		names = append(names, p.Name)
	}
	want := []string{"phase-network", "pre-rollback", "post-rollback"}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("rollback points = %v, want deduplicated chronological %v", names, want)
	}
}
