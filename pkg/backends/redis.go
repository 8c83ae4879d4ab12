package backends

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces keys; documents live at <prefix>:deployment:<id>.
	Prefix string
	// TTL, when positive, expires stored documents.
	TTL time.Duration
}

// RedisBackend stores state documents as plain Redis string values.
type RedisBackend struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisBackend builds a backend with its own client.
func NewRedisBackend(cfg RedisConfig) *RedisBackend {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisBackendFromClient(client, cfg.Prefix, cfg.TTL)
}

// NewRedisBackendFromClient builds a backend from an existing client.
func NewRedisBackendFromClient(client *redis.Client, prefix string, ttl time.Duration) *RedisBackend {
	if prefix == "" {
		prefix = "stackkit"
	}
	return &RedisBackend{
		client: client,
		prefix: prefix,
		ttl:    ttl,
	}
}

// Name identifies the backend kind.
func (b *RedisBackend) Name() string { return "redis" }

func (b *RedisBackend) key(deploymentID string) string {
	return fmt.Sprintf("%s:deployment:%s", b.prefix, deploymentID)
}

// Put writes the document.
func (b *RedisBackend) Put(ctx context.Context, deploymentID string, payload []byte) error {
	if err := b.client.Set(ctx, b.key(deploymentID), payload, b.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", b.key(deploymentID), err)
	}
	return nil
}

// Get reads the document.
func (b *RedisBackend) Get(ctx context.Context, deploymentID string) ([]byte, error) {
	val, err := b.client.Get(ctx, b.key(deploymentID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("key %s: %w", b.key(deploymentID), ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get %s: %w", b.key(deploymentID), err)
	}
	return val, nil
}

// Delete removes the document. Deleting a missing key succeeds.
func (b *RedisBackend) Delete(ctx context.Context, deploymentID string) error {
	if err := b.client.Del(ctx, b.key(deploymentID)).Err(); err != nil {
		return fmt.Errorf("failed to delete %s: %w", b.key(deploymentID), err)
	}
	return nil
}

// Ping verifies the server answers.
func (b *RedisBackend) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis not reachable: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}
