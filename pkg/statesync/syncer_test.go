package statesync

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/stackkit/stackkit/pkg/backends"
	"github.com/stackkit/stackkit/pkg/state"
	"github.com/stackkit/stackkit/pkg/stores"
)

// fakeBackend is an in-memory remote with scriptable Put failures.
type fakeBackend struct {
	mu    sync.Mutex
	docs  map[string][]byte
	ops   []string
	fails int
	puts  int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{docs: make(map[string][]byte)}
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) Put(ctx context.Context, deploymentID string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.puts++
	b.ops = append(b.ops, "put")
	if b.fails > 0 {
		b.fails--
		return errors.New("backend unavailable")
	}
	b.docs[deploymentID] = append([]byte(nil), payload...)
	return nil
}

func (b *fakeBackend) Get(ctx context.Context, deploymentID string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ops = append(b.ops, "get")
	doc, ok := b.docs[deploymentID]
	if !ok {
		return nil, backends.ErrNotFound
	}
	return append([]byte(nil), doc...), nil
}

func (b *fakeBackend) Delete(ctx context.Context, deploymentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.docs, deploymentID)
	return nil
}

func (b *fakeBackend) Ping(ctx context.Context) error { return nil }

func (b *fakeBackend) putCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.puts
}

func (b *fakeBackend) operations() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.ops...)
}

func (b *fakeBackend) document(deploymentID string) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.docs[deploymentID]...)
}

func (b *fakeBackend) seed(deploymentID string, doc []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.docs[deploymentID] = append([]byte(nil), doc...)
}

// fakeSleeper records requested delays without sleeping.
type fakeSleeper struct {
	delays []time.Duration
}

func (s *fakeSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return nil
}

// syncHarness is one site: a syncer with its own local store and records
// database. Sites sharing a fakeBackend simulate multi-host sync.
type syncHarness struct {
	syncer  *Syncer
	store   *state.Store
	records stores.Store
	sleeper *fakeSleeper
}

func newTestSyncer(t *testing.T, backend backends.Backend, strategy Strategy) *syncHarness {
	t.Helper()
	ctx := context.Background()

	store, err := state.NewStore(state.Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("Failed to create state store: %v", err)
	}

	records, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("Failed to create records store: %v", err)
	}
	if err := records.Init(ctx); err != nil {
		t.Fatalf("Failed to initialize records store: %v", err)
	}
	if err := records.Migrate(ctx); err != nil {
		t.Fatalf("Failed to migrate records store: %v", err)
	}
	t.Cleanup(func() { records.Close() })

	lock, err := NewFileLock(FileLockConfig{
		Path:    filepath.Join(t.TempDir(), "sync.lock"),
		Timeout: time.Second,
	})
	if err != nil {
		t.Fatalf("Failed to create file lock: %v", err)
	}

	syncer, err := NewSyncer(Config{
		Backend:  backend,
		Store:    store,
		Records:  records,
		Lock:     lock,
		Strategy: strategy,
		Logger:   zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("Failed to create syncer: %v", err)
	}
	sleeper := &fakeSleeper{}
	syncer.sleeper = sleeper

	return &syncHarness{syncer: syncer, store: store, records: records, sleeper: sleeper}
}

// seedBothSites creates a stack on site A, publishes it and lets site B adopt
// it, leaving both sites agreed on the same record.
func seedBothSites(t *testing.T, ctx context.Context, siteA, siteB *syncHarness, stackID string) {
	t.Helper()
	if _, err := siteA.store.Create(ctx, stackID); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := siteA.syncer.Sync(ctx, stackID, DirectionPush, false); err != nil {
		t.Fatalf("Seed push failed: %v", err)
	}
	if _, err := siteB.syncer.Sync(ctx, stackID, DirectionPull, false); err != nil {
		t.Fatalf("Seed pull failed: %v", err)
	}
}

func updateVariable(t *testing.T, ctx context.Context, st *state.Store, stackID, key, value string) *state.Deployment {
	t.Helper()
	dep, err := st.Update(ctx, stackID, func(d *state.Deployment) error {
		d.SetVariable(key, value)
		return nil
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	return dep
}

func TestNewSyncer_Validation(t *testing.T) {
	backend := newFakeBackend()
	store, err := state.NewStore(state.Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("Failed to create state store: %v", err)
	}
	lock, err := NewFileLock(FileLockConfig{Path: filepath.Join(t.TempDir(), "sync.lock")})
	if err != nil {
		t.Fatalf("Failed to create file lock: %v", err)
	}

	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"no backend", Config{}, "backend"},
		{"no store", Config{Backend: backend}, "state store"},
		{"no lock", Config{Backend: backend, Store: store}, "sync lock"},
		{"manual without records", Config{Backend: backend, Store: store, Lock: lock, Strategy: StrategyManual}, "records store"},
		{"bad strategy", Config{Backend: backend, Store: store, Lock: lock, Strategy: "bogus"}, "invalid conflict strategy"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewSyncer(tc.cfg); err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Expected error containing %q, got %v", tc.want, err)
			}
		})
	}

	syncer, err := NewSyncer(Config{Backend: backend, Store: store, Lock: lock, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("Failed to create syncer: %v", err)
	}
	if syncer.strategy != StrategyTimestamp {
		t.Errorf("Expected default strategy timestamp, got %s", syncer.strategy)
	}
	if syncer.attempts != DefaultRetryAttempts || syncer.delay != DefaultRetryDelay {
		t.Errorf("Expected default retry policy, got %d/%s", syncer.attempts, syncer.delay)
	}
}

func TestSync_PushThenPullRoundTrip(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	siteA := newTestSyncer(t, backend, StrategyTimestamp)
	siteB := newTestSyncer(t, backend, StrategyTimestamp)

	if _, err := siteA.store.Create(ctx, "gpu-stack"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	updateVariable(t, ctx, siteA.store, "gpu-stack", "region", "us-east-1")

	res, err := siteA.syncer.Sync(ctx, "gpu-stack", DirectionPush, false)
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if !res.Pushed {
		t.Error("Expected push to publish the document")
	}

	res, err = siteB.syncer.Sync(ctx, "gpu-stack", DirectionPull, false)
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if !res.Pulled {
		t.Error("Expected pull to adopt the remote copy")
	}

	got, err := siteB.store.Load(ctx, "gpu-stack")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.Variables["region"] != "us-east-1" {
		t.Errorf("Expected adopted variables, got %v", got.Variables)
	}

	// With no further changes both sides are up to date and no conflict is
	// ever recorded.
	for _, site := range []*syncHarness{siteA, siteB} {
		res, err := site.syncer.Sync(ctx, "gpu-stack", DirectionBidirectional, false)
		if err != nil {
			t.Fatalf("Repeat sync failed: %v", err)
		}
		if !res.Skipped {
			t.Errorf("Expected repeat sync to skip, got %s", res)
		}
		conflicts, err := site.records.ListConflicts(ctx, nil, 10, 0)
		if err != nil {
			t.Fatalf("ListConflicts failed: %v", err)
		}
		if len(conflicts) != 0 {
			t.Errorf("Expected no conflicts, got %d", len(conflicts))
		}
	}
}

func TestSync_SkipsWhenUpToDate(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	h := newTestSyncer(t, backend, StrategyTimestamp)

	if _, err := h.store.Create(ctx, "gpu-stack"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := h.syncer.Sync(ctx, "gpu-stack", DirectionPush, false); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	res, err := h.syncer.Sync(ctx, "gpu-stack", DirectionPush, false)
	if err != nil {
		t.Fatalf("Repeat push failed: %v", err)
	}
	if !res.Skipped || res.SkipReason != "up to date" {
		t.Errorf("Expected up-to-date skip, got %s", res)
	}
	if got := backend.putCount(); got != 1 {
		t.Errorf("Expected one put, got %d", got)
	}
}

func TestSync_ForceOverridesSkip(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	h := newTestSyncer(t, backend, StrategyTimestamp)

	if _, err := h.store.Create(ctx, "gpu-stack"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := h.syncer.Sync(ctx, "gpu-stack", DirectionPush, false); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	res, err := h.syncer.Sync(ctx, "gpu-stack", DirectionBidirectional, true)
	if err != nil {
		t.Fatalf("Forced sync failed: %v", err)
	}
	if res.Skipped || !res.Pushed {
		t.Errorf("Expected forced sync to push, got %s", res)
	}
	if got := backend.putCount(); got != 2 {
		t.Errorf("Expected two puts, got %d", got)
	}
}

func TestSync_BidirectionalPullsThenPushes(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	h := newTestSyncer(t, backend, StrategyTimestamp)

	if _, err := h.store.Create(ctx, "gpu-stack"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	res, err := h.syncer.Sync(ctx, "gpu-stack", DirectionBidirectional, false)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if !res.Pushed || res.Pulled {
		t.Errorf("Expected push only against an empty remote, got %s", res)
	}

	want := []string{"get", "put"}
	if got := backend.operations(); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected remote operations %v, got %v", want, got)
	}
}

func TestSync_PushRetries(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	backend.fails = 2
	h := newTestSyncer(t, backend, StrategyTimestamp)

	if _, err := h.store.Create(ctx, "gpu-stack"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	res, err := h.syncer.Sync(ctx, "gpu-stack", DirectionPush, false)
	if err != nil {
		t.Fatalf("Expected push to survive transient failures, got %v", err)
	}
	if !res.Pushed {
		t.Error("Expected push to succeed on the final attempt")
	}
	if got := backend.putCount(); got != 3 {
		t.Errorf("Expected 3 attempts, got %d", got)
	}

	want := []time.Duration{DefaultRetryDelay, DefaultRetryDelay}
	if !reflect.DeepEqual(h.sleeper.delays, want) {
		t.Errorf("Expected fixed retry delays %v, got %v", want, h.sleeper.delays)
	}
}

func TestSync_PushGivesUpAfterAttempts(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	backend.fails = 3
	h := newTestSyncer(t, backend, StrategyTimestamp)

	if _, err := h.store.Create(ctx, "gpu-stack"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	_, err := h.syncer.Sync(ctx, "gpu-stack", DirectionPush, false)
	if err == nil || !strings.Contains(err.Error(), "failed to push") {
		t.Fatalf("Expected push failure, got %v", err)
	}
	if !strings.Contains(err.Error(), "after 3 attempts") {
		t.Errorf("Expected attempt count in error, got %v", err)
	}
	if len(h.sleeper.delays) != 2 {
		t.Errorf("Expected 2 waits between 3 attempts, got %d", len(h.sleeper.delays))
	}

	// Local state is untouched and still unsynced.
	if _, err := h.store.Load(ctx, "gpu-stack"); err != nil {
		t.Fatalf("Load after failed push: %v", err)
	}
	meta, err := h.store.Meta(ctx, "gpu-stack")
	if err != nil {
		t.Fatalf("Meta failed: %v", err)
	}
	if meta.LastSync != nil {
		t.Errorf("Expected no last_sync after failed push, got %v", meta.LastSync)
	}
}

func TestSync_TimestampConflictRemoteWins(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	siteA := newTestSyncer(t, backend, StrategyTimestamp)
	siteB := newTestSyncer(t, backend, StrategyTimestamp)
	seedBothSites(t, ctx, siteA, siteB, "gpu-stack")

	// Both sites edit independently, site B last.
	updateVariable(t, ctx, siteA.store, "gpu-stack", "owner", "site-a")
	time.Sleep(10 * time.Millisecond)
	updateVariable(t, ctx, siteB.store, "gpu-stack", "owner", "site-b")

	if _, err := siteB.syncer.Sync(ctx, "gpu-stack", DirectionPush, false); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	res, err := siteA.syncer.Sync(ctx, "gpu-stack", DirectionPull, false)
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if !res.Pulled {
		t.Errorf("Expected the newer remote record to be adopted, got %s", res)
	}

	got, err := siteA.store.Load(ctx, "gpu-stack")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.Variables["owner"] != "site-b" {
		t.Errorf("Expected remote edit to win, got owner=%q", got.Variables["owner"])
	}

	conflicts, err := siteA.records.ListConflicts(ctx, nil, 10, 0)
	if err != nil {
		t.Fatalf("ListConflicts failed: %v", err)
	}
	if len(conflicts) != 1 {
		t.Fatalf("Expected one recorded conflict, got %d", len(conflicts))
	}
	if conflicts[0].Status != stores.ConflictStatusResolved {
		t.Errorf("Expected auto-resolved conflict, got %s", conflicts[0].Status)
	}
	if conflicts[0].Resolution == nil || *conflicts[0].Resolution != stores.ResolutionTimestamp {
		t.Errorf("Expected timestamp resolution, got %v", conflicts[0].Resolution)
	}
}

func TestSync_TimestampConflictLocalWins(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	siteA := newTestSyncer(t, backend, StrategyTimestamp)
	siteB := newTestSyncer(t, backend, StrategyTimestamp)
	seedBothSites(t, ctx, siteA, siteB, "gpu-stack")

	// Site B publishes first; site A's later edit outranks it.
	updateVariable(t, ctx, siteB.store, "gpu-stack", "owner", "site-b")
	if _, err := siteB.syncer.Sync(ctx, "gpu-stack", DirectionPush, false); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	updateVariable(t, ctx, siteA.store, "gpu-stack", "owner", "site-a")

	res, err := siteA.syncer.Sync(ctx, "gpu-stack", DirectionPull, false)
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if res.Pulled {
		t.Errorf("Expected the local record to be kept, got %s", res)
	}

	got, err := siteA.store.Load(ctx, "gpu-stack")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.Variables["owner"] != "site-a" {
		t.Errorf("Expected local edit to win, got owner=%q", got.Variables["owner"])
	}

	// The losing remote version is marked as seen so the same conflict is not
	// re-detected on the next pull.
	remote, err := siteB.store.Load(ctx, "gpu-stack")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	meta, err := siteA.store.Meta(ctx, "gpu-stack")
	if err != nil {
		t.Fatalf("Meta failed: %v", err)
	}
	if meta.LastSync == nil || !meta.LastSync.Equal(remote.UpdatedAt) {
		t.Errorf("Expected last_sync %v, got %v", remote.UpdatedAt, meta.LastSync)
	}

	if _, err := siteA.syncer.Sync(ctx, "gpu-stack", DirectionPull, false); err != nil {
		t.Fatalf("Second pull failed: %v", err)
	}
	conflicts, err := siteA.records.ListConflicts(ctx, nil, 10, 0)
	if err != nil {
		t.Fatalf("ListConflicts failed: %v", err)
	}
	if len(conflicts) != 1 {
		t.Errorf("Expected the conflict to be recorded once, got %d", len(conflicts))
	}
}

func TestSync_MergeStrategyConverges(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	siteA := newTestSyncer(t, backend, StrategyMerge)
	siteB := newTestSyncer(t, backend, StrategyMerge)
	seedBothSites(t, ctx, siteA, siteB, "gpu-stack")

	updateVariable(t, ctx, siteA.store, "gpu-stack", "a_key", "from-a")
	time.Sleep(10 * time.Millisecond)
	updateVariable(t, ctx, siteB.store, "gpu-stack", "b_key", "from-b")

	if _, err := siteB.syncer.Sync(ctx, "gpu-stack", DirectionPush, false); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	res, err := siteA.syncer.Sync(ctx, "gpu-stack", DirectionBidirectional, false)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if !res.Merged || !res.Pushed {
		t.Errorf("Expected the merged record to be saved and published, got %s", res)
	}

	merged, err := siteA.store.Load(ctx, "gpu-stack")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if merged.Variables["a_key"] != "from-a" || merged.Variables["b_key"] != "from-b" {
		t.Errorf("Expected both edits in the merged record, got %v", merged.Variables)
	}

	// Site B fast-forwards to the published merge.
	res, err = siteB.syncer.Sync(ctx, "gpu-stack", DirectionPull, true)
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if !res.Pulled {
		t.Errorf("Expected the merged record to be adopted, got %s", res)
	}
	adopted, err := siteB.store.Load(ctx, "gpu-stack")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if adopted.Variables["a_key"] != "from-a" || adopted.Variables["b_key"] != "from-b" {
		t.Errorf("Expected both edits after convergence, got %v", adopted.Variables)
	}
	if !adopted.UpdatedAt.Equal(merged.UpdatedAt) {
		t.Errorf("Expected identical records after convergence, got %v vs %v", adopted.UpdatedAt, merged.UpdatedAt)
	}

	conflicts, err := siteA.records.ListConflicts(ctx, nil, 10, 0)
	if err != nil {
		t.Fatalf("ListConflicts failed: %v", err)
	}
	if len(conflicts) != 1 || conflicts[0].Resolution == nil || *conflicts[0].Resolution != stores.ResolutionMerge {
		t.Errorf("Expected one merge-resolved conflict, got %+v", conflicts)
	}
}

func TestSync_ManualConflictBlocksUntilResolved(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	siteA := newTestSyncer(t, backend, StrategyManual)
	siteB := newTestSyncer(t, backend, StrategyManual)
	seedBothSites(t, ctx, siteA, siteB, "gpu-stack")

	updateVariable(t, ctx, siteB.store, "gpu-stack", "owner", "site-b")
	if _, err := siteB.syncer.Sync(ctx, "gpu-stack", DirectionPush, false); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	updateVariable(t, ctx, siteA.store, "gpu-stack", "owner", "site-a")

	res, err := siteA.syncer.Sync(ctx, "gpu-stack", DirectionPull, false)
	if !errors.Is(err, ErrConflictPending) {
		t.Fatalf("Expected ErrConflictPending, got %v", err)
	}
	if res.ConflictID == "" {
		t.Fatal("Expected a recorded conflict ID")
	}

	// Every further sync is suspended until an operator decides.
	if _, err := siteA.syncer.Sync(ctx, "gpu-stack", DirectionPush, false); !errors.Is(err, ErrConflictPending) {
		t.Fatalf("Expected sync to stay blocked, got %v", err)
	}

	if err := siteA.syncer.ResolveConflict(ctx, res.ConflictID, "both"); err == nil || !strings.Contains(err.Error(), "keep must be") {
		t.Fatalf("Expected keep validation error, got %v", err)
	}

	if err := siteA.syncer.ResolveConflict(ctx, res.ConflictID, "remote"); err != nil {
		t.Fatalf("ResolveConflict failed: %v", err)
	}
	got, err := siteA.store.Load(ctx, "gpu-stack")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got.Variables["owner"] != "site-b" {
		t.Errorf("Expected the remote side to be kept, got owner=%q", got.Variables["owner"])
	}

	conflict, err := siteA.records.GetConflict(ctx, res.ConflictID)
	if err != nil {
		t.Fatalf("GetConflict failed: %v", err)
	}
	if conflict.Status != stores.ConflictStatusResolved {
		t.Errorf("Expected resolved conflict, got %s", conflict.Status)
	}
	if conflict.Resolution == nil || *conflict.Resolution != stores.ResolutionKeepRemote {
		t.Errorf("Expected keep-remote resolution, got %v", conflict.Resolution)
	}

	// Sync is unblocked and already settled.
	after, err := siteA.syncer.Sync(ctx, "gpu-stack", DirectionPush, false)
	if err != nil {
		t.Fatalf("Sync after resolution failed: %v", err)
	}
	if !after.Skipped {
		t.Errorf("Expected settled state after resolution, got %s", after)
	}

	if err := siteA.syncer.ResolveConflict(ctx, res.ConflictID, "remote"); err == nil || !strings.Contains(err.Error(), "already resolved") {
		t.Errorf("Expected already-resolved error, got %v", err)
	}
}

func TestSync_DirtyEchoIsIgnored(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	h := newTestSyncer(t, backend, StrategyTimestamp)

	if _, err := h.store.Create(ctx, "gpu-stack"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := h.syncer.Sync(ctx, "gpu-stack", DirectionPush, false); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	// The watcher echoes the syncer's own bookkeeping write.
	h.syncer.markDirty("gpu-stack")

	res, err := h.syncer.Sync(ctx, "gpu-stack", DirectionPush, false)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if !res.Skipped {
		t.Errorf("Expected own-write echo to be skipped, got %s", res)
	}
	if h.syncer.isDirty("gpu-stack") {
		t.Error("Expected dirty flag to be cleared")
	}
	if got := backend.putCount(); got != 1 {
		t.Errorf("Expected no extra put, got %d", got)
	}
}

func TestSync_ExternalEditTriggersPush(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	h := newTestSyncer(t, backend, StrategyTimestamp)

	if _, err := h.store.Create(ctx, "gpu-stack"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := h.syncer.Sync(ctx, "gpu-stack", DirectionPush, false); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	// Rewrite the document out of band without touching updated_at.
	doc, err := h.store.Document(ctx, "gpu-stack")
	if err != nil {
		t.Fatalf("Document failed: %v", err)
	}
	sf, err := state.ParseDocument(doc)
	if err != nil {
		t.Fatalf("ParseDocument failed: %v", err)
	}
	sf.Deployments["gpu-stack"].SetVariable("edited", "out-of-band")
	edited, err := sf.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	path := filepath.Join(h.store.Root(), "gpu-stack", "state.json")
	if err := os.WriteFile(path, edited, 0o644); err != nil {
		t.Fatalf("Failed to rewrite document: %v", err)
	}
	h.syncer.markDirty("gpu-stack")

	res, err := h.syncer.Sync(ctx, "gpu-stack", DirectionPush, false)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if !res.Pushed {
		t.Errorf("Expected out-of-band edit to be pushed, got %s", res)
	}

	env, err := backends.OpenEnvelope(backend.document("gpu-stack"))
	if err != nil {
		t.Fatalf("OpenEnvelope failed: %v", err)
	}
	remoteFile, err := state.ParseDocument(env.Payload)
	if err != nil {
		t.Fatalf("ParseDocument failed: %v", err)
	}
	if remoteFile.Deployments["gpu-stack"].Variables["edited"] != "out-of-band" {
		t.Error("Expected the pushed document to carry the out-of-band edit")
	}
}

func TestSync_PullNeverRegresses(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	h := newTestSyncer(t, backend, StrategyTimestamp)

	if _, err := h.store.Create(ctx, "gpu-stack"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := h.syncer.Sync(ctx, "gpu-stack", DirectionPush, false); err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	before, err := h.store.Load(ctx, "gpu-stack")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	// Plant a remote document whose record predates the local one.
	doc, err := h.store.Document(ctx, "gpu-stack")
	if err != nil {
		t.Fatalf("Document failed: %v", err)
	}
	sf, err := state.ParseDocument(doc)
	if err != nil {
		t.Fatalf("ParseDocument failed: %v", err)
	}
	rec := sf.Deployments["gpu-stack"]
	rec.UpdatedAt = rec.UpdatedAt.Add(-time.Hour)
	rec.SetVariable("stale", "true")
	stale, err := sf.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	env, err := backends.WrapEnvelope(stale, state.SchemaVersion, time.Now())
	if err != nil {
		t.Fatalf("WrapEnvelope failed: %v", err)
	}
	backend.seed("gpu-stack", env)

	res, err := h.syncer.Sync(ctx, "gpu-stack", DirectionPull, true)
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if res.Pulled {
		t.Errorf("Expected the older remote record to be ignored, got %s", res)
	}

	got, err := h.store.Load(ctx, "gpu-stack")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, leaked := got.Variables["stale"]; leaked {
		t.Error("Expected local state untouched by the stale remote")
	}
	if !got.UpdatedAt.Equal(before.UpdatedAt) {
		t.Errorf("Expected updated_at unchanged, got %v", got.UpdatedAt)
	}
}

func TestResultString(t *testing.T) {
	skipped := &Result{DeploymentID: "gpu-stack", Skipped: true, SkipReason: "up to date"}
	if got := skipped.String(); got != "gpu-stack: skipped (up to date)" {
		t.Errorf("Unexpected skip rendering: %q", got)
	}

	conflict := &Result{DeploymentID: "gpu-stack", ConflictID: "c-1"}
	if got := conflict.String(); got != "gpu-stack: conflict recorded (c-1)" {
		t.Errorf("Unexpected conflict rendering: %q", got)
	}

	actions := &Result{DeploymentID: "gpu-stack", Pulled: true, Merged: true, Pushed: true, Duration: 1500 * time.Microsecond}
	if got := actions.String(); got != "gpu-stack: pulled+merged+pushed in 2ms" {
		t.Errorf("Unexpected action rendering: %q", got)
	}

	idle := &Result{DeploymentID: "gpu-stack"}
	if got := idle.String(); got != "gpu-stack: up to date in 0s" {
		t.Errorf("Unexpected idle rendering: %q", got)
	}
}
