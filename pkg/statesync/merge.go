package statesync

import (
	"sort"
	"time"

	"github.com/stackkit/stackkit/pkg/state"
)

// TimestampWinner picks the record with the larger updated_at. Ties favor the
// local copy so the process's own state stays authoritative.
func TimestampWinner(local, remote *state.Deployment) *state.Deployment {
	if remote.UpdatedAt.After(local.UpdatedAt) {
		return remote
	}
	return local
}

// Merge reconciles two divergent deployment records field by field. The
// record with the larger updated_at is the winner; the result keeps the
// winner's status, variables and timestamps while folding in whatever only
// the loser knows:
//
//   - variables: winner's values take precedence, loser-only keys survive
//   - phases: winner's order, loser-only phases appended
//   - failed_components: set union
//   - rollback_points: union keyed by (name, timestamp), chronological
//   - created_at: the earlier of the two
//
// Two records differing only in updated_at therefore merge to the one with
// the larger updated_at.
func Merge(local, remote *state.Deployment) *state.Deployment {
	winner, loser := local, remote
	if remote.UpdatedAt.After(local.UpdatedAt) {
		winner, loser = remote, local
	}

	out := winner.Clone()

	if loser.CreatedAt.Before(out.CreatedAt) && !loser.CreatedAt.IsZero() {
		out.CreatedAt = loser.CreatedAt
	}

	for key, value := range loser.Variables {
		if _, exists := out.Variables[key]; !exists {
			if out.Variables == nil {
				out.Variables = make(map[string]string)
			}
			out.Variables[key] = value
		}
	}

	for _, phase := range loser.Phases {
		if !out.HasPhase(phase) {
			out.Phases = append(out.Phases, phase)
		}
	}

	for _, component := range loser.FailedComponents {
		out.AddFailedComponent(component)
	}

	out.RollbackPoints = unionRollbackPoints(out.RollbackPoints, loser.RollbackPoints)

	return out
}

// unionRollbackPoints combines two point lists, dropping duplicates with the
// same name and timestamp, ordered chronologically.
func unionRollbackPoints(a, b []state.RollbackPoint) []state.RollbackPoint {
	seen := make(map[string]struct{}, len(a)+len(b))
	points := make([]state.RollbackPoint, 0, len(a)+len(b))

	add := func(p state.RollbackPoint) {
		key := p.Name + "\x00" + p.Timestamp.UTC().Format(time.RFC3339Nano)
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		points = append(points, p)
	}
	for _, p := range a {
		add(p)
	}
	for _, p := range b {
		add(p)
	}

	sort.SliceStable(points, func(i, j int) bool {
		if points[i].Timestamp.Equal(points[j].Timestamp) {
			return points[i].Name < points[j].Name
		}
		return points[i].Timestamp.Before(points[j].Timestamp)
	})
	if len(points) == 0 {
		return nil
	}
	return points
}
