package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	stateFileName = "state.json"
	snapshotsDir  = "snapshots"

	// DefaultLockTimeout bounds how long Save/Load wait on the per-stack lock.
	DefaultLockTimeout = 30 * time.Second

	// DefaultSnapshotRetention is how long audit snapshots are kept before
	// pruning removes them.
	DefaultSnapshotRetention = 7 * 24 * time.Hour
)

// Sentinel errors returned by the state store.
var (
	// ErrNotFound is returned when no deployment exists for the stack.
	ErrNotFound = errors.New("deployment not found")

	// ErrAlreadyExists is returned by Create for a stack that already has
	// a deployment record.
	ErrAlreadyExists = errors.New("deployment already exists")

	// ErrLockTimeout is returned when the per-stack lock could not be
	// acquired within the configured timeout.
	ErrLockTimeout = errors.New("state lock timeout")

	// ErrOutOfOrderPhase is returned by AdvancePhase when the deployment is
	// not IN_PROGRESS.
	ErrOutOfOrderPhase = errors.New("phase advance out of order")

	// ErrInvalidTransition is returned for a deployment status transition
	// the state machine does not allow.
	ErrInvalidTransition = errors.New("invalid deployment transition")

	// errUnchanged signals from an Update closure that nothing was mutated
	// and the save should be skipped.
	errUnchanged = errors.New("unchanged")
)

// Config holds state store settings.
type Config struct {
	// Root is the directory holding one subdirectory per stack.
	Root string

	// LockTimeout bounds lock acquisition. Zero means DefaultLockTimeout.
	LockTimeout time.Duration

	// SnapshotRetention is the audit snapshot retention window. Zero means
	// DefaultSnapshotRetention.
	SnapshotRetention time.Duration

	// LockTTL is how long the on-disk lock lease stays valid. Zero means
	// DefaultLockTTL.
	LockTTL time.Duration
}

// Store is the deployment state store. It owns the state documents under
// its root directory; all mutations for a stack serialize through that
// stack's lock.
type Store struct {
	root      string
	timeout   time.Duration
	retention time.Duration
	lockTTL   time.Duration

	mu    sync.Mutex
	locks map[string]chan struct{}

	now func() time.Time
}

// NewStore creates a state store rooted at cfg.Root, creating the
// directory if needed.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("state store root is required")
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create state root: %w", err)
	}

	timeout := cfg.LockTimeout
	if timeout <= 0 {
		timeout = DefaultLockTimeout
	}
	retention := cfg.SnapshotRetention
	if retention <= 0 {
		retention = DefaultSnapshotRetention
	}
	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}

	return &Store{
		root:      cfg.Root,
		timeout:   timeout,
		retention: retention,
		lockTTL:   lockTTL,
		locks:     make(map[string]chan struct{}),
		now:       time.Now,
	}, nil
}

// Create initializes the deployment record for a stack with status
// INITIALIZING. It fails with ErrAlreadyExists if the stack already has one.
func (s *Store) Create(ctx context.Context, stackID string) (*Deployment, error) {
	if err := validateStackID(stackID); err != nil {
		return nil, err
	}

	release, err := s.acquire(ctx, stackID)
	if err != nil {
		return nil, err
	}
	defer release()

	sf, err := s.loadFile(stackID)
	if err != nil {
		return nil, err
	}
	if _, ok := sf.Deployments[stackID]; ok {
		return nil, fmt.Errorf("%w: stack %s", ErrAlreadyExists, stackID)
	}

	now := s.now().UTC()
	dep := &Deployment{
		StackID:   stackID,
		Phases:    []string{},
		Status:    StatusInitializing,
		Variables: make(map[string]string),
		CreatedAt: now,
		UpdatedAt: now,
	}
	sf.Deployments[stackID] = dep

	if err := s.writeFile(stackID, sf); err != nil {
		return nil, err
	}
	return dep.Clone(), nil
}

// Load returns the deployment record for a stack.
func (s *Store) Load(ctx context.Context, stackID string) (*Deployment, error) {
	if err := validateStackID(stackID); err != nil {
		return nil, err
	}

	release, err := s.acquire(ctx, stackID)
	if err != nil {
		return nil, err
	}
	defer release()

	sf, err := s.loadFile(stackID)
	if err != nil {
		return nil, err
	}
	dep, ok := sf.Deployments[stackID]
	if !ok {
		return nil, fmt.Errorf("%w: stack %s", ErrNotFound, stackID)
	}
	return dep.Clone(), nil
}

// Save persists the deployment record atomically, preserving the rest of
// the document (other deployment entries, last_sync).
func (s *Store) Save(ctx context.Context, dep *Deployment) error {
	if dep == nil {
		return fmt.Errorf("nil deployment")
	}
	if err := validateStackID(dep.StackID); err != nil {
		return err
	}

	release, err := s.acquire(ctx, dep.StackID)
	if err != nil {
		return err
	}
	defer release()

	sf, err := s.loadFile(dep.StackID)
	if err != nil {
		return err
	}
	sf.Deployments[dep.StackID] = dep.Clone()

	return s.writeFile(dep.StackID, sf)
}

// Update applies fn to the deployment under the stack lock, bumps
// updated_at, and saves. The closure may return an error to abort without
// saving.
func (s *Store) Update(ctx context.Context, stackID string, fn func(*Deployment) error) (*Deployment, error) {
	if err := validateStackID(stackID); err != nil {
		return nil, err
	}

	release, err := s.acquire(ctx, stackID)
	if err != nil {
		return nil, err
	}
	defer release()

	return s.updateLocked(stackID, fn)
}

// updateLocked is Update without lock acquisition. Callers must hold the
// stack lock.
func (s *Store) updateLocked(stackID string, fn func(*Deployment) error) (*Deployment, error) {
	sf, err := s.loadFile(stackID)
	if err != nil {
		return nil, err
	}
	dep, ok := sf.Deployments[stackID]
	if !ok {
		return nil, fmt.Errorf("%w: stack %s", ErrNotFound, stackID)
	}

	if err := fn(dep); err != nil {
		if errors.Is(err, errUnchanged) {
			return dep.Clone(), nil
		}
		return nil, err
	}

	dep.UpdatedAt = s.now().UTC()
	if err := s.writeFile(stackID, sf); err != nil {
		return nil, err
	}
	return dep.Clone(), nil
}

// AdvancePhase appends a passed checkpoint. It fails with ErrOutOfOrderPhase
// unless the deployment is IN_PROGRESS; re-advancing an already-passed
// phase is a no-op so resumed deployments can replay their phase list.
func (s *Store) AdvancePhase(ctx context.Context, stackID, phaseName string) error {
	if phaseName == "" {
		return fmt.Errorf("empty phase name")
	}
	_, err := s.Update(ctx, stackID, func(d *Deployment) error {
		if d.Status != StatusInProgress {
			return fmt.Errorf("%w: stack %s is %s, phase %s requires %s",
				ErrOutOfOrderPhase, stackID, d.Status, phaseName, StatusInProgress)
		}
		if d.HasPhase(phaseName) {
			return errUnchanged
		}
		d.Phases = append(d.Phases, phaseName)
		return nil
	})
	return err
}

// Transition moves the deployment status through the state machine.
func (s *Store) Transition(ctx context.Context, stackID string, next DeploymentStatus) error {
	_, err := s.Update(ctx, stackID, func(d *Deployment) error {
		if d.Status == next {
			return errUnchanged
		}
		return d.TransitionTo(next)
	})
	return err
}

// RecordFailedComponent adds a resource ID to the deployment's failed set.
func (s *Store) RecordFailedComponent(ctx context.Context, stackID, componentID string) error {
	_, err := s.Update(ctx, stackID, func(d *Deployment) error {
		if !d.AddFailedComponent(componentID) {
			return errUnchanged
		}
		return nil
	})
	return err
}

// AddRollbackPoint appends a named checkpoint to the deployment and writes
// a timestamped audit snapshot alongside the state file. Checkpoints in the
// state file are never removed; only audit snapshot files are pruned.
func (s *Store) AddRollbackPoint(ctx context.Context, stackID, name string, snapshot []byte) error {
	if name == "" {
		return fmt.Errorf("empty rollback point name")
	}
	if err := validateStackID(stackID); err != nil {
		return err
	}

	release, err := s.acquire(ctx, stackID)
	if err != nil {
		return err
	}
	defer release()

	ts := s.now().UTC()
	_, err = s.updateLocked(stackID, func(d *Deployment) error {
		d.RollbackPoints = append(d.RollbackPoints, RollbackPoint{
			Name:      name,
			Snapshot:  append([]byte(nil), snapshot...),
			Timestamp: ts,
		})
		return nil
	})
	if err != nil {
		return err
	}

	dir := filepath.Join(s.root, stackID, snapshotsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshots dir: %w", err)
	}
	file := fmt.Sprintf("%s-%s.json", ts.Format("20060102T150405.000000000Z"), sanitizeName(name))
	if err := os.WriteFile(filepath.Join(dir, file), snapshot, 0o600); err != nil {
		return fmt.Errorf("write audit snapshot: %w", err)
	}
	return nil
}

// PruneSnapshots removes audit snapshot files older than the retention
// window. The state file itself is never touched. It returns the number of
// files removed.
func (s *Store) PruneSnapshots(ctx context.Context, stackID string) (int, error) {
	if err := validateStackID(stackID); err != nil {
		return 0, err
	}

	release, err := s.acquire(ctx, stackID)
	if err != nil {
		return 0, err
	}
	defer release()

	dir := filepath.Join(s.root, stackID, snapshotsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read snapshots dir: %w", err)
	}

	cutoff := s.now().Add(-s.retention)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil {
				return removed, fmt.Errorf("prune snapshot %s: %w", entry.Name(), err)
			}
			removed++
		}
	}
	return removed, nil
}

// SetLastSync records the updated_at value agreed on at the last successful
// sync. It touches only document metadata, not the deployment record.
func (s *Store) SetLastSync(ctx context.Context, stackID string, agreed time.Time) error {
	if err := validateStackID(stackID); err != nil {
		return err
	}

	release, err := s.acquire(ctx, stackID)
	if err != nil {
		return err
	}
	defer release()

	sf, err := s.loadFile(stackID)
	if err != nil {
		return err
	}
	agreed = agreed.UTC()
	sf.Metadata.LastSync = &agreed

	return s.writeFileRaw(stackID, sf)
}

// Meta returns the document metadata for a stack.
func (s *Store) Meta(ctx context.Context, stackID string) (Metadata, error) {
	if err := validateStackID(stackID); err != nil {
		return Metadata{}, err
	}

	release, err := s.acquire(ctx, stackID)
	if err != nil {
		return Metadata{}, err
	}
	defer release()

	sf, err := s.loadFile(stackID)
	if err != nil {
		return Metadata{}, err
	}
	return sf.Metadata, nil
}

// Document returns the raw serialized state document for a stack, exactly
// as persisted. This is what sync pushes to remote backends.
func (s *Store) Document(ctx context.Context, stackID string) ([]byte, error) {
	if err := validateStackID(stackID); err != nil {
		return nil, err
	}

	release, err := s.acquire(ctx, stackID)
	if err != nil {
		return nil, err
	}
	defer release()

	data, err := os.ReadFile(s.statePath(stackID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: stack %s", ErrNotFound, stackID)
		}
		return nil, fmt.Errorf("read state document: %w", err)
	}
	return data, nil
}

// Root returns the directory holding all stack state documents.
func (s *Store) Root() string {
	return s.root
}

// ListStacks returns the IDs of all stacks with a state document, sorted.
func (s *Store) ListStacks() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read state root: %w", err)
	}

	var stacks []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, entry.Name(), stateFileName)); err == nil {
			stacks = append(stacks, entry.Name())
		}
	}
	sort.Strings(stacks)
	return stacks, nil
}

// acquire takes the per-stack lock, waiting up to the configured timeout.
// It layers the in-process channel lock under the on-disk lease, so the
// timeout covers both.
func (s *Store) acquire(ctx context.Context, stackID string) (func(), error) {
	s.mu.Lock()
	ch, ok := s.locks[stackID]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[stackID] = ch
	}
	s.mu.Unlock()

	deadline := s.now().Add(s.timeout)
	timer := time.NewTimer(s.timeout)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
	case <-timer.C:
		return nil, fmt.Errorf("%w: stack %s after %s", ErrLockTimeout, stackID, s.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	releaseLease, err := s.lockFile(ctx, stackID, deadline)
	if err != nil {
		<-ch
		return nil, err
	}
	return func() {
		releaseLease()
		<-ch
	}, nil
}

// loadFile reads the stack's document, returning an empty one if the file
// does not exist yet. Callers must hold the stack lock.
func (s *Store) loadFile(stackID string) (*StateFile, error) {
	data, err := os.ReadFile(s.statePath(stackID))
	if err != nil {
		if os.IsNotExist(err) {
			return &StateFile{
				Metadata:    Metadata{SchemaVersion: SchemaVersion},
				Deployments: make(map[string]*Deployment),
			}, nil
		}
		return nil, fmt.Errorf("read state document: %w", err)
	}
	return ParseDocument(data)
}

// writeFile refreshes metadata.last_modified from the deployments and
// persists the document. Callers must hold the stack lock.
func (s *Store) writeFile(stackID string, sf *StateFile) error {
	var newest time.Time
	for _, dep := range sf.Deployments {
		if dep.UpdatedAt.After(newest) {
			newest = dep.UpdatedAt
		}
	}
	sf.Metadata.LastModified = newest
	return s.writeFileRaw(stackID, sf)
}

// writeFileRaw persists the document as-is with write-temp-then-rename.
// Callers must hold the stack lock.
func (s *Store) writeFileRaw(stackID string, sf *StateFile) error {
	sf.Metadata.SchemaVersion = SchemaVersion

	data, err := sf.Encode()
	if err != nil {
		return err
	}

	dir := filepath.Join(s.root, stackID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create stack dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmpName, s.statePath(stackID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename state file: %w", err)
	}
	return nil
}

func (s *Store) statePath(stackID string) string {
	return filepath.Join(s.root, stackID, stateFileName)
}

func validateStackID(stackID string) error {
	if stackID == "" {
		return fmt.Errorf("empty stack id")
	}
	if strings.ContainsAny(stackID, `/\`) || stackID == "." || stackID == ".." {
		return fmt.Errorf("invalid stack id: %s", stackID)
	}
	return nil
}

func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, name)
}
