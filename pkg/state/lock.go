package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

const (
	lockFileName     = ".lock"
	lockPollInterval = 50 * time.Millisecond
)

// DefaultLockTTL is how long an on-disk lock lease stays valid before other
// processes may treat the holder as crashed and steal it.
const DefaultLockTTL = 2 * time.Minute

// lockLease is the on-disk advisory lock next to the state document. The
// in-process channel lock only covers this process; the lease covers every
// process sharing the state root.
type lockLease struct {
	Owner     string    `json:"owner"`
	PID       int       `json:"pid"`
	ExpiresAt time.Time `json:"expires_at"`
}

// lockFile takes the stack's lease file, stealing it if the previous
// holder's lease expired. Callers hold the in-process lock already, so the
// lease only contends with other processes.
func (s *Store) lockFile(ctx context.Context, stackID string, deadline time.Time) (func(), error) {
	dir := filepath.Join(s.root, stackID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create stack dir: %w", err)
	}
	path := filepath.Join(dir, lockFileName)
	owner := uuid.NewString()

	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()

	for {
		if ok, err := s.tryLockFile(path, owner); err != nil {
			return nil, err
		} else if ok {
			return func() { unlockFile(path, owner) }, nil
		}

		if s.now().After(deadline) {
			return nil, fmt.Errorf("%w: stack %s after %s (lease file %s)",
				ErrLockTimeout, stackID, s.timeout, path)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Store) tryLockFile(path, owner string) (bool, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err == nil {
		data, merr := json.Marshal(lockLease{
			Owner:     owner,
			PID:       os.Getpid(),
			ExpiresAt: s.now().Add(s.lockTTL),
		})
		if merr == nil {
			_, merr = f.Write(data)
		}
		cerr := f.Close()
		if merr != nil || cerr != nil {
			os.Remove(path)
			return false, fmt.Errorf("write lock lease: %w", errors.Join(merr, cerr))
		}
		return true, nil
	}
	if !errors.Is(err, os.ErrExist) {
		return false, fmt.Errorf("create lock lease: %w", err)
	}

	// Lease held: steal only an expired or unreadable one.
	data, rerr := os.ReadFile(path)
	if rerr != nil {
		// Holder may have released between our attempts.
		return false, nil
	}
	var current lockLease
	if json.Unmarshal(data, &current) != nil || s.now().After(current.ExpiresAt) {
		os.Remove(path)
	}
	return false, nil
}

func unlockFile(path, owner string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var current lockLease
	if err := json.Unmarshal(data, &current); err == nil && current.Owner != owner {
		// Someone stole the lease after our TTL ran out; leave it alone.
		return
	}
	os.Remove(path)
}
