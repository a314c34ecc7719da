package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
)

const (
	defaultCompactionThreshold = 64
	defaultCompactionKeep      = 32
	defaultDecayHalfLife       = 8.0
	defaultRefreshBoost        = 0.1
	archiveRetries             = 3
)

// ManagerConfig tunes per-character memory lifecycle.
type ManagerConfig struct {
	// CompactionThreshold is the active-item count at which a
	// character's memory is due for compaction.
	CompactionThreshold int
	// CompactionKeep is how many of the newest items survive a
	// compaction pass untouched.
	CompactionKeep int
	// DecayHalfLife is the narrative distance, in scenes, at which an
	// unreferenced item's importance halves.
	DecayHalfLife float64
	// RefreshBoost is added to importance when an item is re-referenced.
	RefreshBoost float64
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.CompactionThreshold <= 0 {
		c.CompactionThreshold = defaultCompactionThreshold
	}
	if c.CompactionKeep <= 0 || c.CompactionKeep >= c.CompactionThreshold {
		c.CompactionKeep = c.CompactionThreshold / 2
	}
	if c.DecayHalfLife <= 0 {
		c.DecayHalfLife = defaultDecayHalfLife
	}
	if c.RefreshBoost <= 0 {
		c.RefreshBoost = defaultRefreshBoost
	}
	return c
}

// ownerLocks stripes a mutex per owner so writes and compaction for one
// character serialize without blocking unrelated characters.
type ownerLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newOwnerLocks() *ownerLocks {
	return &ownerLocks{locks: map[string]*sync.Mutex{}}
}

func (l *ownerLocks) lock(owner string) func() {
	l.mu.Lock()
	m, ok := l.locks[owner]
	if !ok {
		m = &sync.Mutex{}
		l.locks[owner] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// CharacterManager keeps one memory stream per character plus the shared
// world stream, and runs importance decay and compaction over them.
type CharacterManager struct {
	store      Store
	index      *VectorIndex
	summarizer *Summarizer
	cfg        ManagerConfig
	locks      *ownerLocks
	log        logrus.FieldLogger
}

func NewCharacterManager(store Store, index *VectorIndex, summarizer *Summarizer, cfg ManagerConfig, log logrus.FieldLogger) *CharacterManager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &CharacterManager{
		store:      store,
		index:      index,
		summarizer: summarizer,
		cfg:        cfg.withDefaults(),
		locks:      newOwnerLocks(),
		log:        log,
	}
}

// Remember records a memory for a character (or WorldOwner). Importance
// outside [0,1] is clamped. Writes for the same owner serialize; the
// item is durable with its embedding before Remember returns.
func (m *CharacterManager) Remember(ctx context.Context, ownerID, text string, kind MemoryKind, importance float64, episode, scene int) (MemoryItem, error) {
	if ownerID == "" {
		return MemoryItem{}, fmt.Errorf("remember: empty owner id")
	}
	if text == "" {
		return MemoryItem{}, fmt.Errorf("remember: empty text")
	}
	unlock := m.locks.lock(ownerID)
	defer unlock()

	item := MemoryItem{
		ID:         ulid.Make().String(),
		OwnerID:    ownerID,
		Text:       text,
		Kind:       kind,
		Importance: clampImportance(importance),
		Episode:    episode,
		Scene:      scene,
		TokenCount: estimateTokens(text),
	}
	stored, err := m.index.Upsert(ctx, []MemoryItem{item})
	if err != nil {
		return MemoryItem{}, err
	}
	return stored[0], nil
}

// NeedsCompaction reports whether the owner's active stream has grown
// past the compaction threshold.
func (m *CharacterManager) NeedsCompaction(ctx context.Context, ownerID string) (bool, error) {
	n, err := m.store.CountActive(ctx, ownerID)
	if err != nil {
		return false, err
	}
	return n > m.cfg.CompactionThreshold, nil
}

// Recall retrieves the owner's memories most relevant to the query.
// When embedding is unavailable it degrades to recency ordering and
// reports that through the degraded flag.
func (m *CharacterManager) Recall(ctx context.Context, ownerID, query string, opts QueryOptions) ([]ScoredItem, bool, error) {
	opts.Owner = ownerID
	items, err := m.index.Query(ctx, query, opts)
	if err == nil {
		return items, false, nil
	}
	if !errors.Is(err, ErrEmbedding) {
		return nil, false, err
	}
	m.log.WithField("owner", ownerID).Warn("embedding unavailable, recalling by recency")
	items, rerr := m.index.QueryRecent(ctx, opts)
	if rerr != nil {
		return nil, true, rerr
	}
	return items, true, nil
}

// Refresh bumps an item's importance after it is re-referenced in a new
// scene, countering decay for memories the narrative keeps touching.
func (m *CharacterManager) Refresh(ctx context.Context, id string) error {
	item, err := m.store.GetMemoryItem(ctx, id)
	if err != nil {
		return err
	}
	unlock := m.locks.lock(item.OwnerID)
	defer unlock()
	return m.store.UpdateImportance(ctx, id, clampImportance(item.Importance+m.cfg.RefreshBoost))
}

// Decay applies one narrative step of importance decay to every active
// item the owner holds. distance is how many scenes have passed since
// the last decay pass.
func (m *CharacterManager) Decay(ctx context.Context, ownerID string, distance float64) error {
	if distance <= 0 {
		return nil
	}
	unlock := m.locks.lock(ownerID)
	defer unlock()
	factor := math.Exp(-math.Ln2 * distance / m.cfg.DecayHalfLife)
	if err := m.store.DecayImportance(ctx, ownerID, factor); err != nil {
		return err
	}
	_ = m.store.AddMetric(ctx, "memory.decay", 1, map[string]string{"owner": ownerID})
	return nil
}

// Compact folds the owner's oldest active items into a summary node and
// archives them, keeping the newest CompactionKeep items verbatim. The
// owner lock doubles as the compaction lock, so concurrent Remember
// calls for the same owner wait rather than race the archive.
func (m *CharacterManager) Compact(ctx context.Context, ownerID string) error {
	unlock := m.locks.lock(ownerID)
	defer unlock()

	count, err := m.store.CountActive(ctx, ownerID)
	if err != nil {
		return err
	}
	if count <= m.cfg.CompactionThreshold {
		return nil
	}

	for attempt := 0; attempt < archiveRetries; attempt++ {
		batch := count - m.cfg.CompactionKeep
		items, err := m.store.ListActiveOldest(ctx, ownerID, batch)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		sources := make([]SourceUnit, len(items))
		ids := make([]string, len(items))
		for i, it := range items {
			sources[i] = SourceUnit{ID: it.ID, Text: it.Text, TokenCount: it.TokenCount}
			ids[i] = it.ID
		}
		node, err := m.summarizer.Summarize(ctx, LevelScene, ownerID, sources)
		if err != nil {
			return fmt.Errorf("compact %s: %w", ownerID, err)
		}
		archived, err := m.store.ArchiveItems(ctx, ids, node.ID)
		if err == nil {
			m.log.WithFields(logrus.Fields{
				"owner":    ownerID,
				"archived": archived,
				"summary":  node.ID,
			}).Info("compacted character memory")
			_ = m.store.AddMetric(ctx, "memory.compacted", float64(archived), map[string]string{"owner": ownerID})
			return nil
		}
		if !errors.Is(err, ErrStaleWrite) {
			return err
		}
		// Another pass archived part of the batch; re-read and retry.
		count, err = m.store.CountActive(ctx, ownerID)
		if err != nil {
			return err
		}
		if count <= m.cfg.CompactionThreshold {
			return nil
		}
	}
	return fmt.Errorf("compact %s: %w after %d attempts", ownerID, ErrStaleWrite, archiveRetries)
}
