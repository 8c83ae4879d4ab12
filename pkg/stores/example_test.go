package stores_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/stackkit/stackkit/pkg/stores"
)

// ExampleNewSQLiteStore demonstrates creating and initializing a new SQLite store.
func ExampleNewSQLiteStore() {
	// Create store configuration
	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            ":memory:", // Use in-memory database for example
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	})
	if err != nil {
		log.Fatal(err)
	}

	// Initialize the database connection
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		log.Fatal(err)
	}

	// Run migrations
	if err := store.Migrate(ctx); err != nil {
		log.Fatal(err)
	}

	defer store.Close()

	// Store is now ready to use
	fmt.Println("Store initialized successfully")
	// Output: Store initialized successfully
}

// ExampleSQLiteStore_CreateConflict demonstrates recording and resolving a
// sync conflict.
func ExampleSQLiteStore_CreateConflict() {
	store, _ := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	ctx := context.Background()
	_ = store.Init(ctx)
	_ = store.Migrate(ctx)
	defer store.Close()

	now := time.Now()
	conflict := &stores.SyncConflict{
		ID:              "conflict-001",
		DeploymentID:    "gpu-stack",
		Backend:         "s3",
		LocalSnapshot:   `{"status":"completed"}`,
		RemoteSnapshot:  `{"status":"failed"}`,
		LocalUpdatedAt:  now.Add(-2 * time.Minute),
		RemoteUpdatedAt: now.Add(-1 * time.Minute),
		Status:          stores.ConflictStatusPending,
		DetectedAt:      now,
	}

	if err := store.CreateConflict(ctx, conflict); err != nil {
		log.Fatal(err)
	}

	// A pending conflict blocks automatic sync for its deployment.
	pending, err := store.PendingConflict(ctx, "gpu-stack")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Pending: %s on %s\n", pending.ID, pending.Backend)

	// Resolving records how the conflict was closed; the row is kept.
	if err := store.ResolveConflict(ctx, "conflict-001", stores.ResolutionKeepLocal); err != nil {
		log.Fatal(err)
	}

	resolved, _ := store.GetConflict(ctx, "conflict-001")
	fmt.Printf("Status: %s, Resolution: %s\n", resolved.Status, *resolved.Resolution)
	// Output:
	// Pending: conflict-001 on s3
	// Status: resolved, Resolution: keep-local
}
