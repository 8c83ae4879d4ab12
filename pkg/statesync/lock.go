package statesync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// DefaultLockTimeout bounds how long a sync waits for the lock.
const DefaultLockTimeout = 60 * time.Second

// DefaultLockTTL is how long a held lock stays valid before other processes
// may treat it as abandoned.
const DefaultLockTTL = 2 * time.Minute

const lockPollInterval = 100 * time.Millisecond

// SyncLock serializes the remote sync critical section across processes.
// Acquire blocks until the lock is held, the timeout elapses (ErrLockTimeout)
// or the context is cancelled.
type SyncLock interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// FileLock is a lease file on shared storage. The lease carries an expiry so
// a crashed holder never blocks other processes for good.
type FileLock struct {
	path    string
	timeout time.Duration
	ttl     time.Duration
	now     func() time.Time
}

// FileLockConfig configures a FileLock.
type FileLockConfig struct {
	Path    string
	Timeout time.Duration
	TTL     time.Duration
}

type lease struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewFileLock builds a lease-file lock.
func NewFileLock(cfg FileLockConfig) (*FileLock, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("file lock requires a path")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultLockTimeout
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultLockTTL
	}
	return &FileLock{
		path:    cfg.Path,
		timeout: cfg.Timeout,
		ttl:     cfg.TTL,
		now:     time.Now,
	}, nil
}

// Acquire takes the lease, stealing it if the previous holder's lease
// expired.
func (l *FileLock) Acquire(ctx context.Context) (func(), error) {
	owner := uuid.NewString()
	deadline := l.now().Add(l.timeout)

	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()

	for {
		if ok, err := l.tryAcquire(owner); err != nil {
			return nil, err
		} else if ok {
			return func() { l.release(owner) }, nil
		}

		if l.now().After(deadline) {
			return nil, fmt.Errorf("%w after %s (lease file %s)", ErrLockTimeout, l.timeout, l.path)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *FileLock) tryAcquire(owner string) (bool, error) {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err == nil {
		data, merr := json.Marshal(lease{Owner: owner, ExpiresAt: l.now().Add(l.ttl)})
		if merr == nil {
			_, merr = f.Write(data)
		}
		cerr := f.Close()
		if merr != nil || cerr != nil {
			os.Remove(l.path)
			return false, fmt.Errorf("failed to write lease file: %w", errors.Join(merr, cerr))
		}
		return true, nil
	}
	if !errors.Is(err, os.ErrExist) {
		return false, fmt.Errorf("failed to create lease file: %w", err)
	}

	// Lock held by someone: steal only an expired lease.
	data, rerr := os.ReadFile(l.path)
	if rerr != nil {
		// Holder may have released between our attempts.
		return false, nil
	}
	var current lease
	if json.Unmarshal(data, &current) != nil || l.now().After(current.ExpiresAt) {
		log.Warn().Str("path", l.path).Str("owner", current.Owner).Msg("removing stale sync lease")
		os.Remove(l.path)
	}
	return false, nil
}

func (l *FileLock) release(owner string) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return
	}
	var current lease
	if err := json.Unmarshal(data, &current); err == nil && current.Owner != owner {
		// Someone stole the lease after our TTL ran out; leave it alone.
		return
	}
	os.Remove(l.path)
}

// RedisLock is a distributed lock using SET NX with a TTL. Release is a Lua
// compare-and-delete so a process never removes a lock it lost.
type RedisLock struct {
	client  *redis.Client
	key     string
	timeout time.Duration
	ttl     time.Duration
}

// RedisLockConfig configures a RedisLock.
type RedisLockConfig struct {
	Client  *redis.Client
	Key     string
	Timeout time.Duration
	TTL     time.Duration
}

// NewRedisLock builds a Redis-backed lock.
func NewRedisLock(cfg RedisLockConfig) (*RedisLock, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis lock requires a client")
	}
	if cfg.Key == "" {
		cfg.Key = "stackkit:sync:lock"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultLockTimeout
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultLockTTL
	}
	return &RedisLock{
		client:  cfg.Client,
		key:     cfg.Key,
		timeout: cfg.Timeout,
		ttl:     cfg.TTL,
	}, nil
}

// Acquire polls SET NX until the lock is taken or the timeout elapses.
func (l *RedisLock) Acquire(ctx context.Context) (func(), error) {
	token := uuid.NewString()
	deadline := time.Now().Add(l.timeout)

	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis error acquiring lock: %w", err)
		}
		if ok {
			return func() { l.release(token) }, nil
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w after %s (key %s)", ErrLockTimeout, l.timeout, l.key)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *RedisLock) release(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	script := `
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`
	if err := l.client.Eval(ctx, script, []string{l.key}, token).Err(); err != nil {
		log.Warn().Err(err).Str("key", l.key).Msg("failed to release sync lock")
	}
}
