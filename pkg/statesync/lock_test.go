package statesync

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestFileLock(t *testing.T, timeout time.Duration) *FileLock {
	t.Helper()
	lock, err := NewFileLock(FileLockConfig{
		Path:    filepath.Join(t.TempDir(), "sync.lock"),
		Timeout: timeout,
	})
	if err != nil {
		t.Fatalf("Failed to create file lock: %v", err)
	}
	return lock
}

func TestFileLock_AcquireRelease(t *testing.T) {
	lock := newTestFileLock(t, time.Second)

	release, err := lock.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if _, err := os.Stat(lock.path); err != nil {
		t.Errorf("Expected lease file while held, got %v", err)
	}

	release()
	if _, err := os.Stat(lock.path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected lease file removed after release, got %v", err)
	}
}

func TestFileLock_ContentionTimesOut(t *testing.T) {
	holder := newTestFileLock(t, time.Second)
	release, err := holder.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer release()

	waiter, err := NewFileLock(FileLockConfig{Path: holder.path, Timeout: 150 * time.Millisecond})
	if err != nil {
		t.Fatalf("Failed to create file lock: %v", err)
	}
	if _, err := waiter.Acquire(context.Background()); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("Expected ErrLockTimeout, got %v", err)
	}
}

func TestFileLock_StealsExpiredLease(t *testing.T) {
	lock := newTestFileLock(t, 2*time.Second)

	stale, err := json.Marshal(lease{Owner: "dead-process", ExpiresAt: time.Now().Add(-time.Minute)})
	if err != nil {
		t.Fatalf("Failed to marshal lease: %v", err)
	}
	if err := os.WriteFile(lock.path, stale, 0o600); err != nil {
		t.Fatalf("Failed to plant stale lease: %v", err)
	}

	release, err := lock.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Expected expired lease to be stolen, got %v", err)
	}
	release()
}

func TestFileLock_ContextCancelled(t *testing.T) {
	holder := newTestFileLock(t, time.Minute)
	release, err := holder.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	defer release()

	waiter, err := NewFileLock(FileLockConfig{Path: holder.path, Timeout: time.Minute})
	if err != nil {
		t.Fatalf("Failed to create file lock: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := waiter.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Expected context.DeadlineExceeded, got %v", err)
	}
}

func TestFileLock_ReleaseLeavesStolenLease(t *testing.T) {
	lock := newTestFileLock(t, time.Second)
	release, err := lock.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	// Simulate another process stealing the lease after our TTL expired.
	stolen, err := json.Marshal(lease{Owner: "new-owner", ExpiresAt: time.Now().Add(time.Minute)})
	if err != nil {
		t.Fatalf("Failed to marshal lease: %v", err)
	}
	if err := os.WriteFile(lock.path, stolen, 0o600); err != nil {
		t.Fatalf("Failed to overwrite lease: %v", err)
	}

	release()
	if _, err := os.Stat(lock.path); err != nil {
		t.Errorf("Expected release to leave another owner's lease, got %v", err)
	}
}

func newTestRedisLock(t *testing.T, timeout, ttl time.Duration) (*RedisLock, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	lock, err := NewRedisLock(RedisLockConfig{Client: client, Timeout: timeout, TTL: ttl})
	if err != nil {
		t.Fatalf("Failed to create redis lock: %v", err)
	}
	return lock, mr
}

func TestRedisLock_AcquireRelease(t *testing.T) {
	lock, mr := newTestRedisLock(t, time.Second, 0)

	release, err := lock.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if !mr.Exists("stackkit:sync:lock") {
		t.Errorf("Expected lock key while held, keys: %v", mr.Keys())
	}

	release()
	if mr.Exists("stackkit:sync:lock") {
		t.Error("Expected lock key removed after release")
	}
}

func TestRedisLock_ContentionTimesOut(t *testing.T) {
	lock, mr := newTestRedisLock(t, 150*time.Millisecond, 0)

	// Another process holds the key.
	if err := mr.Set("stackkit:sync:lock", "other-process"); err != nil {
		t.Fatalf("Failed to seed lock key: %v", err)
	}

	if _, err := lock.Acquire(context.Background()); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("Expected ErrLockTimeout, got %v", err)
	}
}

func TestRedisLock_ExpiredLockCanBeRetaken(t *testing.T) {
	lock, mr := newTestRedisLock(t, time.Second, time.Second)

	if _, err := lock.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	// The holder never releases; the TTL reaps the key instead.
	mr.FastForward(2 * time.Second)

	release, err := lock.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Expected expired lock to be retaken, got %v", err)
	}
	release()
}
