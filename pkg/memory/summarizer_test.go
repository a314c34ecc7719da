package memory

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// fakeGenerator returns a canned reply and records the last prompt.
type fakeGenerator struct {
	reply      string
	err        error
	lastPrompt string
	calls      int
}

func (g *fakeGenerator) Complete(_ context.Context, prompt string, _ int, _ float64) (string, error) {
	g.calls++
	g.lastPrompt = prompt
	if g.err != nil {
		return "", g.err
	}
	return g.reply, nil
}

func TestSummarizer_ConcatUnderTarget(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	gen := &fakeGenerator{reply: "should not be used"}
	s := NewSummarizer(store, gen, SummarizerConfig{}, nil)

	node, err := s.Summarize(ctx, LevelScene, "sc1", []SourceUnit{
		{ID: "a", Text: "Vikram lifts the corpse.", TokenCount: 10},
		{ID: "b", Text: "Betaal begins a riddle.", TokenCount: 10},
	})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if gen.calls != 0 {
		t.Fatalf("small input should concatenate, not call the generator")
	}
	if !strings.Contains(node.Text, "corpse") || !strings.Contains(node.Text, "riddle") {
		t.Fatalf("concat summary lost content: %q", node.Text)
	}
	if len(node.SourceIDs) != 2 || !node.Active {
		t.Fatalf("node metadata wrong: %+v", node)
	}
}

func TestSummarizer_CompressesOverTarget(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	gen := &fakeGenerator{reply: "Betaal tricks Vikram into speaking."}
	s := NewSummarizer(store, gen, SummarizerConfig{}, nil)

	long := strings.Repeat("The night deepens over the cremation ground. ", 40)
	node, err := s.Summarize(ctx, LevelScene, "sc2", []SourceUnit{
		{ID: "a", Text: long, TokenCount: estimateTokens(long)},
	})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if gen.calls != 1 {
		t.Fatalf("large input should go through the generator, calls=%d", gen.calls)
	}
	if node.Text != gen.reply {
		t.Fatalf("summary text = %q", node.Text)
	}
	if !strings.Contains(gen.lastPrompt, "scene") {
		t.Fatalf("prompt should name the level: %q", gen.lastPrompt)
	}
}

func TestSummarizer_TruncatesAtCapAndFlags(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	overlong := strings.Repeat("A fact that matters. ", 200)
	gen := &fakeGenerator{reply: overlong}
	s := NewSummarizer(store, gen, SummarizerConfig{}, nil)

	long := strings.Repeat("scene detail ", 200)
	node, err := s.Summarize(ctx, LevelScene, "sc3", []SourceUnit{
		{ID: "a", Text: long, TokenCount: estimateTokens(long)},
	})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if !node.Truncated {
		t.Fatalf("over-cap summary must carry the truncated flag")
	}
	if node.TokenCount > 120 {
		t.Fatalf("token count %d exceeds scene cap", node.TokenCount)
	}
	// Truncation should end on a sentence boundary.
	if !strings.HasSuffix(strings.TrimSpace(node.Text), ".") {
		t.Fatalf("truncation broke mid-sentence: %q", node.Text)
	}
}

func TestSummarizer_GenerationFailureDegradesToConcat(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	gen := &fakeGenerator{err: errors.New("provider down")}
	s := NewSummarizer(store, gen, SummarizerConfig{}, nil)

	long := strings.Repeat("The riddle circles back on itself. ", 100)
	node, err := s.Summarize(ctx, LevelEpisode, "ep1", []SourceUnit{
		{ID: "a", Text: long, TokenCount: estimateTokens(long)},
	})
	if err != nil {
		t.Fatalf("degraded summarize must still succeed: %v", err)
	}
	if gen.calls != 1 {
		t.Fatalf("generator should have been tried once, calls=%d", gen.calls)
	}
	if !node.Truncated {
		t.Fatalf("over-cap concat fallback must carry the truncated flag")
	}
	if node.TokenCount > 240 {
		t.Fatalf("token count %d exceeds episode cap", node.TokenCount)
	}
	if !strings.Contains(node.Text, "riddle") {
		t.Fatalf("fallback lost source content: %q", node.Text)
	}
	active, found, _ := store.ActiveSummary(ctx, LevelEpisode, "ep1")
	if !found || active.ID != node.ID {
		t.Fatalf("degraded summary must be persisted as the active node")
	}
}

func TestSummarizer_ResummarizeAppendsHistory(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	s := NewSummarizer(store, nil, SummarizerConfig{}, nil)

	sources := []SourceUnit{{ID: "a", Text: "First pass.", TokenCount: 5}}
	first, err := s.Summarize(ctx, LevelScene, "sc4", sources)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := s.Summarize(ctx, LevelScene, "sc4", sources)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("re-summarize must mint a new node")
	}

	history, err := store.ListSummaries(ctx, LevelScene, "sc4", true)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("summary history = %d nodes, want 2", len(history))
	}
	active, found, _ := store.ActiveSummary(ctx, LevelScene, "sc4")
	if !found || active.ID != second.ID {
		t.Fatalf("newest node should be the active one")
	}
}

func TestSummarizer_NoSources(t *testing.T) {
	store := newTestStore(t)
	s := NewSummarizer(store, nil, SummarizerConfig{}, nil)
	if _, err := s.Summarize(context.Background(), LevelScene, "sc5", nil); err == nil {
		t.Fatalf("expected error for empty source list")
	}
}

func TestTruncateAtSentence_HardCutFallback(t *testing.T) {
	// A single run-on with no boundary still gets cut.
	text := strings.Repeat("x", 5000)
	out := truncateAtSentence(text, 50)
	if estimateTokens(out) > 50 {
		t.Fatalf("hard cut exceeded cap: %d tokens", estimateTokens(out))
	}
	if out == "" {
		t.Fatalf("hard cut produced empty text")
	}
}
