package backends

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupRedisBackend(t *testing.T, ttl time.Duration) (*RedisBackend, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	backend := NewRedisBackendFromClient(client, "test", ttl)
	t.Cleanup(func() { backend.Close() })
	return backend, mr
}

func TestRedisBackend_PutGetRoundTrip(t *testing.T) {
	backend, _ := setupRedisBackend(t, 0)
	ctx := context.Background()

	payload := []byte("{\n  \"deployments\": {}\n}\n")
	if err := backend.Put(ctx, "stack-a", payload); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := backend.Get(ctx, "stack-a")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Expected byte-identical round trip, got %q", got)
	}
}

func TestRedisBackend_KeyLayout(t *testing.T) {
	backend, mr := setupRedisBackend(t, 0)

	if err := backend.Put(context.Background(), "stack-a", []byte("{}")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if !mr.Exists("test:deployment:stack-a") {
		t.Errorf("Expected key test:deployment:stack-a, keys: %v", mr.Keys())
	}
}

func TestRedisBackend_GetMissing(t *testing.T) {
	backend, _ := setupRedisBackend(t, 0)

	if _, err := backend.Get(context.Background(), "absent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got: %v", err)
	}
}

func TestRedisBackend_Delete(t *testing.T) {
	backend, mr := setupRedisBackend(t, 0)
	ctx := context.Background()

	if err := backend.Put(ctx, "stack-a", []byte("{}")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := backend.Delete(ctx, "stack-a"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if mr.Exists("test:deployment:stack-a") {
		t.Error("Expected key removed")
	}
	// Deleting again succeeds.
	if err := backend.Delete(ctx, "stack-a"); err != nil {
		t.Errorf("Expected repeated delete to succeed, got: %v", err)
	}
}

func TestRedisBackend_TTL(t *testing.T) {
	backend, mr := setupRedisBackend(t, time.Hour)

	if err := backend.Put(context.Background(), "stack-a", []byte("{}")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if ttl := mr.TTL("test:deployment:stack-a"); ttl != time.Hour {
		t.Errorf("Expected TTL 1h, got %v", ttl)
	}

	// Past the TTL the document is gone.
	mr.FastForward(2 * time.Hour)
	if _, err := backend.Get(context.Background(), "stack-a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound after expiry, got: %v", err)
	}
}

func TestRedisBackend_Ping(t *testing.T) {
	backend, mr := setupRedisBackend(t, 0)

	if err := backend.Ping(context.Background()); err != nil {
		t.Errorf("Expected healthy ping, got: %v", err)
	}

	mr.Close()
	if err := backend.Ping(context.Background()); err == nil {
		t.Error("Expected ping failure after server shutdown")
	}
}
