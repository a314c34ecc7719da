package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// newTestService keeps the worker poll long so tests drive jobs by hand.
func newTestService(t *testing.T, cfg ServiceConfig) *Service {
	t.Helper()
	if cfg.Workspace == "" {
		cfg.Workspace = t.TempDir()
	}
	cfg.WorkerPoll = time.Hour
	svc, err := NewService(cfg, ServiceOptions{})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

// drainJobs claims and handles queued jobs until the queue is empty.
func drainJobs(t *testing.T, svc *Service) {
	t.Helper()
	ctx := context.Background()
	for {
		job, ok, err := svc.store.ClaimNextJob(ctx, time.Now().UnixMilli(), 60_000)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if !ok {
			return
		}
		if err := svc.handleJob(ctx, job); err != nil {
			t.Fatalf("handle %s job: %v", job.JobType, err)
		}
		if err := svc.store.CompleteJob(ctx, job.ID); err != nil {
			t.Fatalf("complete: %v", err)
		}
	}
}

func TestService_RememberRecallRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, ServiceConfig{})

	if _, err := svc.Remember(ctx, "vikram", "he freed the spirit at dawn", KindEvent, 0.7); err != nil {
		t.Fatalf("remember: %v", err)
	}

	items, degraded, err := svc.Recall(ctx, "vikram", "spirit at dawn", QueryOptions{})
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if degraded {
		t.Fatalf("local embedder should not degrade")
	}
	if len(items) != 1 {
		t.Fatalf("recall returned %d items", len(items))
	}
}

func TestService_RememberTriggersCompaction(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, ServiceConfig{CompactionThreshold: 6, CompactionKeep: 3})

	for i := 0; i < 8; i++ {
		if _, err := svc.Remember(ctx, "betaal", fmt.Sprintf("riddle number %d", i), KindEvent, 0.5); err != nil {
			t.Fatalf("remember %d: %v", i, err)
		}
	}

	drainJobs(t, svc)

	n, err := svc.store.CountActive(ctx, "betaal")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Fatalf("active after compaction = %d, want CompactionKeep=3", n)
	}
	if _, found, _ := svc.store.ActiveSummary(ctx, LevelScene, "betaal"); !found {
		t.Fatalf("compaction summary missing")
	}
}

func TestService_RecordScene(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, ServiceConfig{})

	err := svc.RecordScene(ctx, "s1e1", "Vikram meets Betaal beneath the banyan tree",
		[]string{"vikram", "betaal"}, "banyan-tree")
	if err != nil {
		t.Fatalf("record scene: %v", err)
	}

	// Graph side: scene event, both characters, location, and mutual
	// interaction edges.
	for _, id := range []string{"s1e1", "vikram", "betaal", "banyan-tree"} {
		if _, err := svc.Graph().GetNode(ctx, id); err != nil {
			t.Fatalf("node %s missing: %v", id, err)
		}
	}
	ok, err := svc.Graph().PathExists(ctx, "vikram", "betaal", 1)
	if err != nil || !ok {
		t.Fatalf("interaction edge missing: ok=%v err=%v", ok, err)
	}
	ok, err = svc.Graph().PathExists(ctx, "betaal", "vikram", 1)
	if err != nil || !ok {
		t.Fatalf("interaction must run both ways: ok=%v err=%v", ok, err)
	}

	// Memory side: one world item plus one per participant.
	stats, err := svc.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	for _, owner := range []string{WorldOwner, "vikram", "betaal"} {
		if stats[owner] != 1 {
			t.Fatalf("owner %s has %d items, want 1", owner, stats[owner])
		}
	}

	// The queued summarize job produces the scene summary.
	drainJobs(t, svc)
	node, found, err := svc.store.ActiveSummary(ctx, LevelScene, "s1e1")
	if err != nil || !found {
		t.Fatalf("scene summary missing: found=%v err=%v", found, err)
	}
	if len(node.SourceIDs) != 3 {
		t.Fatalf("scene summary sources = %d, want 3", len(node.SourceIDs))
	}
}

func TestService_AdvanceEpisodeDecays(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, ServiceConfig{DecayHalfLife: 4, ScenesPerEpisode: 4})

	item, err := svc.Remember(ctx, "vikram", "a fading memory", KindEvent, 0.8)
	if err != nil {
		t.Fatalf("remember: %v", err)
	}

	episode, err := svc.AdvanceEpisode(ctx)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if episode != 1 {
		t.Fatalf("episode = %d, want 1", episode)
	}

	drainJobs(t, svc)

	got, err := svc.store.GetMemoryItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Importance >= 0.8 {
		t.Fatalf("importance did not decay: %f", got.Importance)
	}
}

func TestService_SummarizeUp(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, ServiceConfig{})

	for i, scope := range []string{"s1", "s2"} {
		if err := svc.store.InsertSummaryNode(ctx, SummaryNode{
			ID: fmt.Sprintf("sn%d", i), Level: LevelScene, ScopeID: scope,
			Text: fmt.Sprintf("Scene %s happened.", scope), TokenCount: 8, Active: true,
		}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	node, err := svc.SummarizeUp(ctx, LevelEpisode, "ep1", []string{"s1", "s2"})
	if err != nil {
		t.Fatalf("summarize up: %v", err)
	}
	if node.Level != LevelEpisode || len(node.SourceIDs) != 2 {
		t.Fatalf("episode summary wrong: %+v", node)
	}

	// Scene level has no parent below it to fold from act downward.
	if _, err := svc.SummarizeUp(ctx, LevelScene, "x", []string{"s1"}); err == nil {
		t.Fatalf("scene level cannot be a fold target")
	}
}

func TestService_AssembleContext(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, ServiceConfig{MaxContextTokens: 2048})

	if _, err := svc.Remember(ctx, "vikram", "the oath binds him to the sorcerer", KindEvent, 0.9); err != nil {
		t.Fatalf("remember: %v", err)
	}

	bundle, err := svc.AssembleContext(ctx, "the oath", []string{"vikram"}, LevelScene)
	if err != nil {
		t.Fatalf("assemble: %v", err)
	}
	if len(bundle.Entries) == 0 {
		t.Fatalf("expected context entries")
	}
}

func TestService_CloseCheckpointsGraph(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	svc := newTestService(t, ServiceConfig{Workspace: dir})
	if err := svc.Graph().UpsertEdge(ctx, "vikram", "betaal", "INTERACTS_WITH", 2); err != nil {
		t.Fatalf("edge: %v", err)
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	checkpoint := filepath.Join(dir, "state", "graph.graphml")
	if _, err := os.Stat(checkpoint); err != nil {
		t.Fatalf("graph checkpoint not written: %v", err)
	}

	// A fresh service restores the graph from the checkpoint.
	reopened := newTestService(t, ServiceConfig{Workspace: dir})
	if _, err := reopened.Graph().GetNode(ctx, "vikram"); err != nil {
		t.Fatalf("checkpoint not restored: %v", err)
	}
}
