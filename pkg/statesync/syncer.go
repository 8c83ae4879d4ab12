package statesync

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stackkit/stackkit/pkg/backends"
	"github.com/stackkit/stackkit/pkg/retry"
	"github.com/stackkit/stackkit/pkg/state"
	"github.com/stackkit/stackkit/pkg/stores"
	"github.com/stackkit/stackkit/pkg/telemetry"
)

const (
	// DefaultRetryAttempts is how many times a push is attempted.
	DefaultRetryAttempts = 3
	// DefaultRetryDelay is the fixed delay between push attempts.
	DefaultRetryDelay = 5 * time.Second
)

// Config wires a Syncer.
type Config struct {
	Backend backends.Backend
	Store   *state.Store
	// Records persists conflicts and the audit trail. Required for the
	// manual strategy; the others degrade to log-only when nil.
	Records  stores.Store
	Lock     SyncLock
	Strategy Strategy
	// RetryAttempts and RetryDelay shape the push retry policy.
	RetryAttempts int
	RetryDelay    time.Duration
	Logger        zerolog.Logger
	Metrics       *telemetry.Metrics
	Tracer        *telemetry.Tracer

	// Events receives conflict lifecycle events. Optional.
	Events *telemetry.EventPublisher
}

// Syncer moves deployment state documents between the local store and one
// remote backend.
type Syncer struct {
	backend  backends.Backend
	store    *state.Store
	records  stores.Store
	lock     SyncLock
	strategy Strategy
	attempts int
	delay    time.Duration
	logger   zerolog.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	events   *telemetry.EventPublisher
	hostname string

	// sleeper and now are swapped in tests.
	sleeper retry.Sleeper
	now     func() time.Time

	watcher *fsnotify.Watcher

	mu sync.Mutex
	// dirty holds deployments whose state files changed on disk since the
	// last push (the outbound queue).
	dirty map[string]struct{}
	// pushedHash remembers the document hash after our own writes so the
	// watcher's echo of those writes is not mistaken for new local edits.
	pushedHash map[string]string
}

// NewSyncer validates the config and builds a Syncer.
func NewSyncer(cfg Config) (*Syncer, error) {
	if cfg.Backend == nil {
		return nil, fmt.Errorf("syncer requires a backend")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("syncer requires a state store")
	}
	if cfg.Lock == nil {
		return nil, fmt.Errorf("syncer requires a sync lock")
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyTimestamp
	}
	if err := cfg.Strategy.Validate(); err != nil {
		return nil, err
	}
	if cfg.Strategy == StrategyManual && cfg.Records == nil {
		return nil, fmt.Errorf("manual conflict strategy requires a records store")
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = DefaultRetryAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	return &Syncer{
		backend:    cfg.Backend,
		store:      cfg.Store,
		records:    cfg.Records,
		lock:       cfg.Lock,
		strategy:   cfg.Strategy,
		attempts:   cfg.RetryAttempts,
		delay:      cfg.RetryDelay,
		logger:     cfg.Logger.With().Str("component", "syncer").Str("backend", cfg.Backend.Name()).Logger(),
		metrics:    cfg.Metrics,
		tracer:     cfg.Tracer,
		events:     cfg.Events,
		hostname:   hostname,
		now:        time.Now,
		dirty:      make(map[string]struct{}),
		pushedHash: make(map[string]string),
	}, nil
}

// Sync synchronizes one deployment with the remote backend. Work is skipped
// when nothing changed since the last sync, unless force is set. The global
// sync lock is held for the whole remote window and released on every exit
// path.
func (s *Syncer) Sync(ctx context.Context, deploymentID string, direction Direction, force bool) (*Result, error) {
	if err := direction.Validate(); err != nil {
		return nil, err
	}

	ctx, span := s.tracer.StartSyncSpan(ctx, deploymentID, string(direction))
	defer span.End()

	res, err := s.sync(ctx, deploymentID, direction, force)
	if err != nil {
		telemetry.RecordError(span, err)
	} else {
		telemetry.RecordSuccess(span)
	}
	return res, err
}

func (s *Syncer) sync(ctx context.Context, deploymentID string, direction Direction, force bool) (*Result, error) {
	start := s.now()
	res := &Result{DeploymentID: deploymentID, Direction: direction}

	defer func() {
		res.Duration = s.now().Sub(start)
		s.metrics.RecordSyncDuration(string(direction), res.Duration)
	}()

	if s.records != nil {
		pending, err := s.records.PendingConflict(ctx, deploymentID)
		if err != nil {
			return nil, fmt.Errorf("failed to check pending conflicts: %w", err)
		}
		if pending != nil {
			s.metrics.RecordSyncOperation(string(direction), "blocked")
			return nil, fmt.Errorf("deployment %s has conflict %s: %w", deploymentID, pending.ID, ErrConflictPending)
		}
	}

	needed, reason, err := s.needsSync(ctx, deploymentID, force)
	if err != nil {
		return nil, err
	}
	if !needed {
		res.Skipped = true
		res.SkipReason = reason
		s.logger.Debug().Str("deployment", deploymentID).Str("reason", reason).Msg("sync not needed")
		s.metrics.RecordSyncOperation(string(direction), "skipped")
		return res, nil
	}

	release, err := s.lock.Acquire(ctx)
	if err != nil {
		if errors.Is(err, ErrLockTimeout) {
			s.metrics.RecordLockTimeout("sync")
		}
		s.metrics.RecordSyncOperation(string(direction), "lock_timeout")
		return nil, fmt.Errorf("sync lock: %w", err)
	}
	defer release()

	switch direction {
	case DirectionPush:
		err = s.push(ctx, deploymentID, res)
	case DirectionPull:
		err = s.pull(ctx, deploymentID, res)
	case DirectionBidirectional:
		// Pull first to absorb concurrent remote changes, then publish.
		if err = s.pull(ctx, deploymentID, res); err == nil {
			err = s.push(ctx, deploymentID, res)
		}
	}

	if err != nil {
		outcome := "error"
		if errors.Is(err, ErrConflictPending) {
			outcome = "conflict"
		}
		s.metrics.RecordSyncOperation(string(direction), outcome)
		return res, err
	}

	s.metrics.RecordSyncOperation(string(direction), "success")
	s.logger.Info().
		Str("deployment", deploymentID).
		Str("direction", string(direction)).
		Bool("pushed", res.Pushed).
		Bool("pulled", res.Pulled).
		Bool("merged", res.Merged).
		Dur("duration", s.now().Sub(start)).
		Msg("sync completed")
	return res, nil
}

// needsSync reports whether the deployment has anything to synchronize.
func (s *Syncer) needsSync(ctx context.Context, deploymentID string, force bool) (bool, string, error) {
	if force {
		return true, "forced", nil
	}

	dep, err := s.store.Load(ctx, deploymentID)
	if errors.Is(err, state.ErrNotFound) {
		// Nothing local yet; a pull can still adopt the remote copy.
		return true, "no local copy", nil
	}
	if err != nil {
		return false, "", err
	}

	meta, err := s.store.Meta(ctx, deploymentID)
	if err != nil {
		return false, "", err
	}
	if meta.LastSync == nil {
		return true, "never synced", nil
	}
	if dep.UpdatedAt.After(*meta.LastSync) {
		return true, "local changes", nil
	}

	if s.isDirty(deploymentID) {
		// The file changed without the record timestamp moving: either our
		// own bookkeeping write echoed back, or an out-of-band edit.
		doc, derr := s.store.Document(ctx, deploymentID)
		if derr == nil && s.lastPushedHash(deploymentID) == hashDocument(doc) {
			s.clearDirty(deploymentID)
		} else {
			return true, "outbound changes", nil
		}
	}

	return false, "up to date", nil
}

// push publishes the local document, retrying with a fixed delay.
func (s *Syncer) push(ctx context.Context, deploymentID string, res *Result) error {
	dep, err := s.store.Load(ctx, deploymentID)
	if errors.Is(err, state.ErrNotFound) {
		// Pull-only bootstrap found no remote either; nothing to publish.
		return nil
	}
	if err != nil {
		return err
	}
	doc, err := s.store.Document(ctx, deploymentID)
	if err != nil {
		return err
	}

	envelope, err := backends.WrapEnvelope(doc, state.SchemaVersion, s.now())
	if err != nil {
		return err
	}

	err = s.withRetry(ctx, func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			s.logger.Warn().Str("deployment", deploymentID).Int("attempt", attempt).Msg("retrying push")
		}
		return s.backend.Put(ctx, deploymentID, envelope)
	})
	if err != nil {
		// Local state stays the source of truth; the next cycle retries.
		return fmt.Errorf("failed to push %s: %w", deploymentID, err)
	}

	if err := s.store.SetLastSync(ctx, deploymentID, dep.UpdatedAt); err != nil {
		return err
	}
	s.rememberDocument(ctx, deploymentID)
	s.clearDirty(deploymentID)
	res.Pushed = true

	s.audit(ctx, "sync.pushed", deploymentID, map[string]any{
		"backend":    s.backend.Name(),
		"updated_at": dep.UpdatedAt,
	})
	return nil
}

// pull fetches the remote document and reconciles it with local state.
func (s *Syncer) pull(ctx context.Context, deploymentID string, res *Result) error {
	raw, err := s.backend.Get(ctx, deploymentID)
	if errors.Is(err, backends.ErrNotFound) {
		s.logger.Debug().Str("deployment", deploymentID).Msg("no remote copy")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to pull %s: %w", deploymentID, err)
	}

	envelope, err := backends.OpenEnvelope(raw)
	if err != nil {
		return fmt.Errorf("remote document for %s is corrupt: %w", deploymentID, err)
	}
	remoteFile, err := state.ParseDocument(envelope.Payload)
	if err != nil {
		return fmt.Errorf("remote document for %s is corrupt: %w", deploymentID, err)
	}
	remote, ok := remoteFile.Deployments[deploymentID]
	if !ok {
		return fmt.Errorf("remote document for %s carries no matching deployment record", deploymentID)
	}

	local, err := s.store.Load(ctx, deploymentID)
	if errors.Is(err, state.ErrNotFound) {
		// First sight of this deployment: adopt the remote copy wholesale.
		if err := s.adopt(ctx, remote); err != nil {
			return err
		}
		res.Pulled = true
		s.audit(ctx, "sync.pulled", deploymentID, map[string]any{
			"backend":     s.backend.Name(),
			"source_host": envelope.SourceHost,
		})
		return nil
	}
	if err != nil {
		return err
	}

	meta, err := s.store.Meta(ctx, deploymentID)
	if err != nil {
		return err
	}
	var lastSync time.Time
	if meta.LastSync != nil {
		lastSync = *meta.LastSync
	}

	localChanged := !local.UpdatedAt.Equal(lastSync)
	remoteChanged := !remote.UpdatedAt.Equal(lastSync)

	switch {
	case !remoteChanged:
		// The remote is exactly what we last agreed on.
		return nil
	case !localChanged:
		// Only the remote moved. Never regress to an older remote record:
		// that can happen when an earlier merge chose the local side.
		if !remote.UpdatedAt.After(local.UpdatedAt) {
			s.logger.Debug().Str("deployment", deploymentID).Msg("remote record older than local, waiting for push")
			return nil
		}
		if err := s.adopt(ctx, remote); err != nil {
			return err
		}
		res.Pulled = true
		s.audit(ctx, "sync.pulled", deploymentID, map[string]any{
			"backend":     s.backend.Name(),
			"source_host": envelope.SourceHost,
		})
		return nil
	default:
		return s.reconcile(ctx, deploymentID, local, remote, res)
	}
}

// adopt persists a remote record as the local copy and marks it synced.
func (s *Syncer) adopt(ctx context.Context, remote *state.Deployment) error {
	if err := s.store.Save(ctx, remote); err != nil {
		return err
	}
	if err := s.store.SetLastSync(ctx, remote.StackID, remote.UpdatedAt); err != nil {
		return err
	}
	s.rememberDocument(ctx, remote.StackID)
	return nil
}

// reconcile applies the configured strategy to a detected conflict.
func (s *Syncer) reconcile(ctx context.Context, deploymentID string, local, remote *state.Deployment, res *Result) error {
	s.metrics.RecordSyncConflict(string(s.strategy))
	s.logger.Warn().
		Str("deployment", deploymentID).
		Time("local_updated_at", local.UpdatedAt).
		Time("remote_updated_at", remote.UpdatedAt).
		Str("strategy", string(s.strategy)).
		Msg("sync conflict detected")

	switch s.strategy {
	case StrategyTimestamp:
		winner := TimestampWinner(local, remote)
		resolution := stores.ResolutionKeepLocal
		if winner == remote {
			resolution = stores.ResolutionKeepRemote
			if err := s.adopt(ctx, remote); err != nil {
				return err
			}
			res.Pulled = true
		} else {
			// Local stays as-is. Mark this remote version as seen so the
			// same conflict is not re-detected until the remote changes
			// again; a later push still publishes the local record.
			if err := s.store.SetLastSync(ctx, deploymentID, remote.UpdatedAt); err != nil {
				return err
			}
			s.rememberDocument(ctx, deploymentID)
		}
		s.recordResolvedConflict(ctx, deploymentID, local, remote, stores.ResolutionTimestamp)
		s.metrics.RecordConflictResolution(resolution)
		return nil

	case StrategyMerge:
		merged := Merge(local, remote)
		winner := TimestampWinner(local, remote)
		mergedSnap, merr := merged.Snapshot()
		winnerSnap, werr := winner.Snapshot()
		if merr != nil || werr != nil || !bytes.Equal(mergedSnap, winnerSnap) {
			// The merge folded in data the winner lacked. Stamp the result so
			// the next push publishes it and the other side fast-forwards to
			// the merged record instead of seeing an unchanged timestamp.
			merged.UpdatedAt = s.now().UTC()
		}
		if err := s.store.Save(ctx, merged); err != nil {
			return err
		}
		// lastSync records the remote version this merge consumed; the push
		// that publishes the merged record advances it.
		if err := s.store.SetLastSync(ctx, deploymentID, remote.UpdatedAt); err != nil {
			return err
		}
		s.rememberDocument(ctx, deploymentID)
		res.Merged = true
		s.recordResolvedConflict(ctx, deploymentID, local, remote, stores.ResolutionMerge)
		s.metrics.RecordConflictResolution(stores.ResolutionMerge)
		return nil

	case StrategyManual:
		conflictID, err := s.recordPendingConflict(ctx, deploymentID, local, remote)
		if err != nil {
			return err
		}
		res.ConflictID = conflictID
		return fmt.Errorf("deployment %s: conflict %s recorded: %w", deploymentID, conflictID, ErrConflictPending)
	}
	return fmt.Errorf("invalid conflict strategy: %s", s.strategy)
}

// recordPendingConflict persists both sides of a conflict for an operator.
func (s *Syncer) recordPendingConflict(ctx context.Context, deploymentID string, local, remote *state.Deployment) (string, error) {
	localSnap, err := local.Snapshot()
	if err != nil {
		return "", err
	}
	remoteSnap, err := remote.Snapshot()
	if err != nil {
		return "", err
	}

	conflict := &stores.SyncConflict{
		ID:              uuid.NewString(),
		DeploymentID:    deploymentID,
		Backend:         s.backend.Name(),
		LocalSnapshot:   string(localSnap),
		RemoteSnapshot:  string(remoteSnap),
		LocalUpdatedAt:  local.UpdatedAt,
		RemoteUpdatedAt: remote.UpdatedAt,
		Status:          stores.ConflictStatusPending,
		DetectedAt:      s.now(),
	}
	if err := s.records.CreateConflict(ctx, conflict); err != nil {
		return "", fmt.Errorf("failed to record conflict: %w", err)
	}
	s.audit(ctx, "conflict.detected", deploymentID, map[string]any{
		"conflict_id":       conflict.ID,
		"local_updated_at":  local.UpdatedAt,
		"remote_updated_at": remote.UpdatedAt,
	})
	s.publishConflictDetected(deploymentID, conflict.ID)
	return conflict.ID, nil
}

// recordResolvedConflict keeps an audit record of an automatically resolved
// conflict, snapshots included.
func (s *Syncer) recordResolvedConflict(ctx context.Context, deploymentID string, local, remote *state.Deployment, resolution string) {
	if s.records == nil {
		return
	}
	localSnap, lerr := local.Snapshot()
	remoteSnap, rerr := remote.Snapshot()
	if lerr != nil || rerr != nil {
		s.logger.Warn().Str("deployment", deploymentID).Msg("failed to snapshot conflict sides")
		return
	}

	conflict := &stores.SyncConflict{
		ID:              uuid.NewString(),
		DeploymentID:    deploymentID,
		Backend:         s.backend.Name(),
		LocalSnapshot:   string(localSnap),
		RemoteSnapshot:  string(remoteSnap),
		LocalUpdatedAt:  local.UpdatedAt,
		RemoteUpdatedAt: remote.UpdatedAt,
		Status:          stores.ConflictStatusPending,
		DetectedAt:      s.now(),
	}
	if err := s.records.CreateConflict(ctx, conflict); err != nil {
		s.logger.Warn().Err(err).Str("deployment", deploymentID).Msg("failed to record conflict")
		return
	}
	if err := s.records.ResolveConflict(ctx, conflict.ID, resolution); err != nil {
		s.logger.Warn().Err(err).Str("conflict", conflict.ID).Msg("failed to close conflict record")
	}
	s.audit(ctx, "conflict.resolved", deploymentID, map[string]any{
		"conflict_id": conflict.ID,
		"resolution":  resolution,
	})
	s.publishConflictResolved(deploymentID, conflict.ID, resolution)
}

// ResolveConflict closes a pending conflict by keeping one side ("local" or
// "remote"), then publishes the chosen record so both sides converge.
func (s *Syncer) ResolveConflict(ctx context.Context, conflictID, keep string) error {
	if s.records == nil {
		return fmt.Errorf("no records store configured")
	}
	conflict, err := s.records.GetConflict(ctx, conflictID)
	if err != nil {
		return err
	}
	if conflict.Status != stores.ConflictStatusPending {
		return fmt.Errorf("conflict %s is already resolved", conflictID)
	}

	var snapshot string
	var resolution string
	switch keep {
	case "local":
		snapshot = conflict.LocalSnapshot
		resolution = stores.ResolutionKeepLocal
	case "remote":
		snapshot = conflict.RemoteSnapshot
		resolution = stores.ResolutionKeepRemote
	default:
		return fmt.Errorf("keep must be \"local\" or \"remote\", got %q", keep)
	}

	var chosen state.Deployment
	if err := json.Unmarshal([]byte(snapshot), &chosen); err != nil {
		return fmt.Errorf("conflict %s snapshot is corrupt: %w", conflictID, err)
	}

	release, err := s.lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("sync lock: %w", err)
	}
	defer release()

	if err := s.store.Save(ctx, &chosen); err != nil {
		return err
	}
	if err := s.store.SetLastSync(ctx, conflict.DeploymentID, chosen.UpdatedAt); err != nil {
		return err
	}
	if err := s.records.ResolveConflict(ctx, conflictID, resolution); err != nil {
		return err
	}

	// Publish the chosen record so the remote converges too.
	res := &Result{DeploymentID: conflict.DeploymentID, Direction: DirectionPush}
	if err := s.push(ctx, conflict.DeploymentID, res); err != nil {
		return err
	}

	s.metrics.RecordConflictResolution(resolution)
	s.audit(ctx, "conflict.resolved", conflict.DeploymentID, map[string]any{
		"conflict_id": conflictID,
		"resolution":  resolution,
	})
	s.publishConflictResolved(conflict.DeploymentID, conflictID, resolution)
	s.logger.Info().
		Str("conflict", conflictID).
		Str("deployment", conflict.DeploymentID).
		Str("resolution", resolution).
		Msg("conflict resolved")
	return nil
}

// Ping verifies the remote backend is reachable.
func (s *Syncer) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// Store exposes the underlying state store for callers that schedule syncs.
func (s *Syncer) Store() *state.Store {
	return s.store
}

func (s *Syncer) markDirty(deploymentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty[deploymentID] = struct{}{}
}

func (s *Syncer) clearDirty(deploymentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.dirty, deploymentID)
}

func (s *Syncer) isDirty(deploymentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dirty[deploymentID]
	return ok
}

// rememberDocument stores the on-disk document hash after one of our own
// writes, so the file watcher's echo is not treated as a local edit.
func (s *Syncer) rememberDocument(ctx context.Context, deploymentID string) {
	doc, err := s.store.Document(ctx, deploymentID)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushedHash[deploymentID] = hashDocument(doc)
}

func (s *Syncer) lastPushedHash(deploymentID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pushedHash[deploymentID]
}

func hashDocument(doc []byte) string {
	sum := sha256.Sum256(doc)
	return hex.EncodeToString(sum[:])
}

// withRetry runs op under the configured push retry policy.
func (s *Syncer) withRetry(ctx context.Context, op func(ctx context.Context, attempt int) error) error {
	policy := retry.Fixed(s.attempts, s.delay)
	if s.sleeper != nil {
		return retry.DoWithSleeper(ctx, policy, s.sleeper, op)
	}
	return retry.Do(ctx, policy, op)
}

// audit appends an entry to the operational audit trail. Audit failures are
// logged, never fatal to the sync itself.
func (s *Syncer) audit(ctx context.Context, action, deploymentID string, details map[string]any) {
	if s.records == nil {
		return
	}
	entry := &stores.AuditEntry{
		Action:    action,
		Actor:     s.hostname,
		TargetID:  &deploymentID,
		Timestamp: s.now(),
	}
	if details != nil {
		if data, err := json.Marshal(details); err == nil {
			str := string(data)
			entry.Details = &str
		}
	}
	if err := s.records.CreateAuditEntry(ctx, entry); err != nil {
		s.logger.Warn().Err(err).Str("action", action).Msg("failed to write audit entry")
	}
}

func (s *Syncer) publishConflictDetected(deploymentID, conflictID string) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishConflictDetected(deploymentID, s.backend.Name(), conflictID); err != nil {
		s.logger.Debug().Err(err).Msg("failed to publish event")
	}
}

func (s *Syncer) publishConflictResolved(deploymentID, conflictID, resolution string) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishConflictResolved(deploymentID, conflictID, resolution); err != nil {
		s.logger.Debug().Err(err).Msg("failed to publish event")
	}
}
