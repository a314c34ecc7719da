package memory

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state", "memory.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore_PutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	in := MemoryItem{
		ID:         "m1",
		OwnerID:    "vikram",
		Kind:       KindTrait,
		Text:       "Vikram never abandons a vow",
		Embedding:  []float32{0.1, 0.2, 0.7},
		Importance: 0.9,
		Episode:    2,
		Scene:      3,
	}
	if _, err := store.PutMemoryItem(ctx, in); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := store.GetMemoryItem(ctx, "m1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.OwnerID != "vikram" || got.Kind != KindTrait || got.Importance != 0.9 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if len(got.Embedding) != 3 {
		t.Fatalf("embedding not persisted with the item: %+v", got.Embedding)
	}
	if got.TokenCount == 0 || got.CreatedAtMS == 0 {
		t.Fatalf("derived fields not filled in: %+v", got)
	}
}

func TestSQLiteStore_GetMissingReturnsNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetMemoryItem(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteStore_ImportanceClampedOnWrite(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if _, err := store.PutMemoryItem(ctx, MemoryItem{ID: "hot", OwnerID: "w", Text: "x", Importance: 7.5}); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := store.GetMemoryItem(ctx, "hot")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Importance != 1 {
		t.Fatalf("importance not clamped: %f", got.Importance)
	}
}

func TestSQLiteStore_ArchiveItemsStaleWrite(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for _, id := range []string{"a", "b"} {
		if _, err := store.PutMemoryItem(ctx, MemoryItem{ID: id, OwnerID: "vikram", Text: "event " + id}); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}

	archived, err := store.ArchiveItems(ctx, []string{"a", "b"}, "sum1")
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if archived != 2 {
		t.Fatalf("archived = %d, want 2", archived)
	}

	// Archiving again must surface the stale write instead of silently
	// re-archiving.
	if _, err := store.ArchiveItems(ctx, []string{"a"}, "sum2"); !errors.Is(err, ErrStaleWrite) {
		t.Fatalf("expected ErrStaleWrite, got %v", err)
	}

	got, err := store.GetMemoryItem(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Archived || got.SummaryID != "sum1" {
		t.Fatalf("failed archive retried destructively: %+v", got)
	}
}

func TestSQLiteStore_ArchivePreservesItems(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	ids := []string{"e1", "e2", "e3"}
	for _, id := range ids {
		if _, err := store.PutMemoryItem(ctx, MemoryItem{ID: id, OwnerID: "betaal", Text: "riddle " + id}); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}
	if _, err := store.ArchiveItems(ctx, []string{"e1", "e2"}, "sum"); err != nil {
		t.Fatalf("archive: %v", err)
	}

	active, err := store.ListOwnerItems(ctx, "betaal", false, 0)
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	all, err := store.ListOwnerItems(ctx, "betaal", true, 0)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(active) != 1 || len(all) != 3 {
		t.Fatalf("archive should hide, not delete: active=%d all=%d", len(active), len(all))
	}
}

func TestSQLiteStore_DecayImportance(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if _, err := store.PutMemoryItem(ctx, MemoryItem{ID: "d1", OwnerID: "vikram", Text: "x", Importance: 0.8}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := store.DecayImportance(ctx, "vikram", 0.5); err != nil {
		t.Fatalf("decay: %v", err)
	}
	got, _ := store.GetMemoryItem(ctx, "d1")
	if got.Importance != 0.4 {
		t.Fatalf("importance = %f, want 0.4", got.Importance)
	}
}

func TestSQLiteStore_SummarySupersede(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	first := SummaryNode{ID: "s1", Level: LevelScene, ScopeID: "sc1", Text: "v1", Active: true, CreatedAtMS: 1000}
	second := SummaryNode{ID: "s2", Level: LevelScene, ScopeID: "sc1", Text: "v2", Active: true, CreatedAtMS: 2000}
	if err := store.InsertSummaryNode(ctx, first); err != nil {
		t.Fatalf("insert first: %v", err)
	}
	if err := store.InsertSummaryNode(ctx, second); err != nil {
		t.Fatalf("insert second: %v", err)
	}

	active, found, err := store.ActiveSummary(ctx, LevelScene, "sc1")
	if err != nil || !found {
		t.Fatalf("active summary: found=%v err=%v", found, err)
	}
	if active.ID != "s2" {
		t.Fatalf("active = %s, want s2", active.ID)
	}

	history, err := store.ListSummaries(ctx, LevelScene, "sc1", true)
	if err != nil {
		t.Fatalf("list summaries: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("supersede must append, not overwrite: %d nodes", len(history))
	}
	if history[0].Active {
		t.Fatalf("first node should be inactive after supersede")
	}
}

func TestSQLiteStore_ListOwners(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for _, owner := range []string{"vikram", "betaal", WorldOwner} {
		if _, err := store.PutMemoryItem(ctx, MemoryItem{ID: "o-" + owner, OwnerID: owner, Text: "x"}); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	owners, err := store.ListOwners(ctx)
	if err != nil {
		t.Fatalf("list owners: %v", err)
	}
	if len(owners) != 3 {
		t.Fatalf("owners = %v", owners)
	}
}

func TestSQLiteStore_JobClaimLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.EnqueueJob(ctx, Job{JobType: JobCompact, OwnerID: "vikram"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	now := time.Now().UnixMilli()
	job, ok, err := store.ClaimNextJob(ctx, now, 60_000)
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	if job.Status != JobRunning || job.OwnerID != "vikram" {
		t.Fatalf("claimed job: %+v", job)
	}

	// A second claim while the lease is live finds nothing.
	if _, ok, err := store.ClaimNextJob(ctx, now, 60_000); err != nil || ok {
		t.Fatalf("double claim: ok=%v err=%v", ok, err)
	}

	if err := store.CompleteJob(ctx, job.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, ok, _ := store.ClaimNextJob(ctx, now, 60_000); ok {
		t.Fatalf("completed job should not be claimable")
	}
}

func TestSQLiteStore_ReenqueueWhileRunningIsNotLost(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.EnqueueJob(ctx, Job{ID: "compact-w", JobType: JobCompact, OwnerID: "w"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	now := time.Now().UnixMilli()
	job, ok, err := store.ClaimNextJob(ctx, now, 60_000)
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	// A new trigger re-enqueues the same stable id mid-run. Completing
	// the finished run must not swallow the fresh trigger.
	if err := store.EnqueueJob(ctx, Job{ID: "compact-w", JobType: JobCompact, OwnerID: "w"}); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if err := store.CompleteJob(ctx, job.ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	again, ok, err := store.ClaimNextJob(ctx, time.Now().UnixMilli()+1000, 60_000)
	if err != nil || !ok {
		t.Fatalf("re-enqueued trigger was lost: ok=%v err=%v", ok, err)
	}
	if again.ID != "compact-w" {
		t.Fatalf("reclaimed wrong job: %+v", again)
	}
}

func TestSQLiteStore_RequeueExpiredJobs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if err := store.EnqueueJob(ctx, Job{ID: "job-x", JobType: JobDecay, OwnerID: "w"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	now := time.Now().UnixMilli()
	if _, ok, err := store.ClaimNextJob(ctx, now, 100); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}

	// After the lease expires the job becomes claimable again.
	later := now + 200
	if err := store.RequeueExpiredJobs(ctx, later); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	job, ok, err := store.ClaimNextJob(ctx, later, 60_000)
	if err != nil || !ok {
		t.Fatalf("reclaim: ok=%v err=%v", ok, err)
	}
	if job.ID != "job-x" {
		t.Fatalf("reclaimed wrong job: %+v", job)
	}
}

func TestSQLiteStore_PurgeArchivedBefore(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	// Archived long ago, eligible for purge.
	stale := MemoryItem{ID: "stale", OwnerID: "w", Text: "x", CreatedAtMS: 1000, Archived: true, ArchivedAtMS: 1000}
	// Created long ago but only just archived; the horizon counts from
	// archival, so this one survives.
	longLived := MemoryItem{ID: "longlived", OwnerID: "w", Text: "y", CreatedAtMS: 1000}
	// Old and still active, never purgeable.
	active := MemoryItem{ID: "activeold", OwnerID: "w", Text: "z", CreatedAtMS: 1000}
	for _, item := range []MemoryItem{stale, longLived, active} {
		if _, err := store.PutMemoryItem(ctx, item); err != nil {
			t.Fatalf("put: %v", err)
		}
	}
	if _, err := store.ArchiveItems(ctx, []string{"longlived"}, "s"); err != nil {
		t.Fatalf("archive: %v", err)
	}

	purged, err := store.PurgeArchivedBefore(ctx, 5000)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}
	if _, err := store.GetMemoryItem(ctx, "stale"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("stale archived item should be gone, got %v", err)
	}
	got, err := store.GetMemoryItem(ctx, "longlived")
	if err != nil {
		t.Fatalf("recently archived item should survive the purge: %v", err)
	}
	if got.ArchivedAtMS == 0 {
		t.Fatalf("archival should stamp archived_at")
	}
	if _, err := store.GetMemoryItem(ctx, "activeold"); err != nil {
		t.Fatalf("active item should survive the purge: %v", err)
	}
}
