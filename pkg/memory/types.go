package memory

// MemoryKind classifies items in the narrative memory store.
type MemoryKind string

const (
	KindTrait    MemoryKind = "trait"
	KindEvent    MemoryKind = "event"
	KindDialogue MemoryKind = "dialogue"
	KindSummary  MemoryKind = "summary"
)

// WorldOwner is the reserved owner for memories that belong to the story
// world rather than to a single character.
const WorldOwner = "world"

// MemoryItem is the atomic unit of character/world memory. Immutable once
// written except for importance decay/refresh and soft archival.
type MemoryItem struct {
	ID           string
	OwnerID      string
	Text         string
	Embedding    []float32
	Kind         MemoryKind
	Importance   float64
	Episode      int
	Scene        int
	TokenCount   int
	CreatedAtMS  int64
	Archived     bool
	ArchivedAtMS int64
	// SummaryID is the subsuming summary node once the item is archived.
	SummaryID string
}

// SummaryLevel is the granularity of a summary node.
type SummaryLevel string

const (
	LevelScene   SummaryLevel = "scene"
	LevelEpisode SummaryLevel = "episode"
	LevelAct     SummaryLevel = "act"
)

// parentLevel returns the next-coarser summary level, or "" at the top.
func parentLevel(level SummaryLevel) SummaryLevel {
	switch level {
	case LevelScene:
		return LevelEpisode
	case LevelEpisode:
		return LevelAct
	}
	return ""
}

// SummaryNode is an append-only compressed representation of lower-level
// units. Superseding a summary inserts a new node and marks the old one
// inactive; nothing is deleted.
type SummaryNode struct {
	ID          string
	Level       SummaryLevel
	ScopeID     string
	Text        string
	TokenCount  int
	SourceIDs   []string
	Active      bool
	Truncated   bool
	CreatedAtMS int64
}

// SourceUnit is one child input to a summarization pass: a memory item at
// scene level, or a finer summary node at episode/act level.
type SourceUnit struct {
	ID         string
	Text       string
	TokenCount int
}

// ScoredItem pairs a memory item with its query similarity.
type ScoredItem struct {
	Item       MemoryItem
	Similarity float64
}

// BundleEntry is one ranked piece of assembled context.
type BundleEntry struct {
	SourceID   string
	SourceType string
	Text       string
	TokenCount int
	Score      float64
}

// ContextBundle is the token-budgeted, ranked context returned to a
// generation step. Entry order is final rank order, most relevant first.
type ContextBundle struct {
	Entries    []BundleEntry
	TokenCount int
	// Degraded marks bundles assembled with one or more sources
	// unavailable.
	Degraded bool
}

// QueryOptions controls vector index retrieval.
type QueryOptions struct {
	Owner           string
	Kinds           []MemoryKind
	TopK            int
	IncludeArchived bool
}

// estimateTokens approximates token counts from rune length. Replaceable
// by a real tokenizer without touching callers.
func estimateTokens(content string) int {
	runes := len([]rune(content))
	if runes == 0 {
		return 0
	}
	tokens := runes * 2 / 5
	if tokens < 4 {
		return 4
	}
	return tokens
}

// clampImportance bounds importance to [0,1].
func clampImportance(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
