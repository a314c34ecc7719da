package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"

	"github.com/fablecraft/fable/pkg/graph"
)

// ScoreWeights blend the four relevance components. They are normalized
// to sum to 1 before use.
type ScoreWeights struct {
	Similarity float64 `json:"similarity"`
	Importance float64 `json:"importance"`
	Recency    float64 `json:"recency"`
	Centrality float64 `json:"centrality"`
}

// DefaultScoreWeights emphasizes semantic similarity, matching the
// retrieval behavior writers expect when a scene names its participants.
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{Similarity: 0.5, Importance: 0.2, Recency: 0.2, Centrality: 0.1}
}

func (w ScoreWeights) normalized() ScoreWeights {
	sum := w.Similarity + w.Importance + w.Recency + w.Centrality
	if sum <= 0 {
		return DefaultScoreWeights()
	}
	return ScoreWeights{
		Similarity: w.Similarity / sum,
		Importance: w.Importance / sum,
		Recency:    w.Recency / sum,
		Centrality: w.Centrality / sum,
	}
}

// OptimizerConfig tunes candidate gathering and scoring.
type OptimizerConfig struct {
	Weights         ScoreWeights
	TopKPerEntity   int
	GraphHops       int
	RecencyHalfLife float64
	ScenesPerEpisode int
	CacheSize       int
	CacheTTL        time.Duration
}

func (c OptimizerConfig) withDefaults() OptimizerConfig {
	if c.TopKPerEntity <= 0 {
		c.TopKPerEntity = 5
	}
	if c.GraphHops <= 0 {
		c.GraphHops = 2
	}
	if c.RecencyHalfLife <= 0 {
		c.RecencyHalfLife = 6
	}
	if c.ScenesPerEpisode <= 0 {
		c.ScenesPerEpisode = 4
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 128
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Minute
	}
	c.Weights = c.Weights.normalized()
	return c
}

// ContextRequest describes the scene about to be generated.
type ContextRequest struct {
	Query     string
	Entities  []string
	Budget    ContextBudget
	LevelHint SummaryLevel
	Episode   int
	Scene     int
}

// Optimizer assembles the best context bundle that fits a token budget,
// drawing on vector recall, knowledge-graph neighborhoods and the
// active summary chain.
type Optimizer struct {
	index *VectorIndex
	graph graph.Store
	store Store
	cfg   OptimizerConfig
	cache *expirable.LRU[string, ContextBundle]
	gen   atomic.Uint64
	log   logrus.FieldLogger
}

func NewOptimizer(index *VectorIndex, g graph.Store, store Store, cfg OptimizerConfig, log logrus.FieldLogger) *Optimizer {
	cfg = cfg.withDefaults()
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Optimizer{
		index: index,
		graph: g,
		store: store,
		cfg:   cfg,
		cache: expirable.NewLRU[string, ContextBundle](cfg.CacheSize, nil, cfg.CacheTTL),
		log:   log,
	}
}

// Invalidate drops every cached bundle. Call it after any write that
// could change assembly results.
func (o *Optimizer) Invalidate() {
	o.gen.Add(1)
}

type candidate struct {
	entry      BundleEntry
	similarity float64
	importance float64
	recency    float64
	centrality float64
	order      int
}

// Assemble gathers candidates for the request, scores them, and packs
// the highest-scoring entries into the budget. Collaborator failures
// degrade the bundle instead of failing it; the Degraded flag and the
// returned (nil on success) error-list tell the caller what was missing.
func (o *Optimizer) Assemble(ctx context.Context, req ContextRequest) (ContextBundle, error) {
	if req.Budget.Available() < 0 {
		return ContextBundle{}, fmt.Errorf("%w: reservations exceed %d tokens", ErrBudgetExceeded, req.Budget.MaxTokens)
	}
	key := o.cacheKey(req)
	if cached, ok := o.cache.Get(key); ok {
		return cached, nil
	}

	var (
		errs     *multierror.Error
		degraded bool
	)
	pool := make([]candidate, 0, len(req.Entities)*o.cfg.TopKPerEntity+8)

	for _, entity := range req.Entities {
		items, fellBack, err := o.recallEntity(ctx, entity, req.Query)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			degraded = true
			errs = multierror.Append(errs, fmt.Errorf("recall %s: %w", entity, err))
			continue
		}
		if fellBack {
			degraded = true
		}
		for _, scored := range items {
			pool = append(pool, candidate{
				entry: BundleEntry{
					SourceID:   scored.Item.ID,
					SourceType: "memory",
					Text:       scored.Item.Text,
					TokenCount: scored.Item.TokenCount,
				},
				similarity: scored.Similarity,
				importance: scored.Item.Importance,
				recency:    o.recencyScore(req, scored.Item.Episode, scored.Item.Scene),
				order:      len(pool),
			})
		}
	}

	graphCands, err := o.graphCandidates(ctx, req, len(pool))
	if err != nil {
		degraded = true
		errs = multierror.Append(errs, err)
	}
	pool = append(pool, graphCands...)

	summaryCands, err := o.summaryCandidates(ctx, req, len(pool))
	if err != nil {
		degraded = true
		errs = multierror.Append(errs, err)
	}
	pool = append(pool, summaryCands...)

	bundle := o.pack(pool, req.Budget)
	bundle.Degraded = degraded
	if errs != nil {
		o.log.WithField("errors", errs.Len()).Warn("context assembled with degraded sources")
		for _, e := range errs.Errors {
			o.log.WithError(e).Debug("context source failure")
		}
	}
	// Degraded bundles are never cached; the next call retries the
	// failed sources instead of serving the fallback until expiry.
	if !bundle.Degraded {
		o.cache.Add(key, bundle)
	}
	return bundle, nil
}

// recallEntity returns the entity's top memories by similarity, falling
// back to recency when embedding is down. The boolean reports fallback.
func (o *Optimizer) recallEntity(ctx context.Context, entity, query string) ([]ScoredItem, bool, error) {
	opts := QueryOptions{Owner: entity, TopK: o.cfg.TopKPerEntity}
	items, err := o.index.Query(ctx, query, opts)
	if err == nil {
		return items, false, nil
	}
	if !errors.Is(err, ErrEmbedding) {
		return nil, false, err
	}
	items, rerr := o.index.QueryRecent(ctx, opts)
	if rerr != nil {
		return nil, true, rerr
	}
	return items, true, nil
}

func (o *Optimizer) graphCandidates(ctx context.Context, req ContextRequest, orderBase int) ([]candidate, error) {
	if o.graph == nil {
		return nil, errors.New("knowledge graph unavailable")
	}
	inScope := map[string]bool{}
	for _, e := range req.Entities {
		inScope[e] = true
	}
	best := map[string]graph.Neighbor{}
	var errs *multierror.Error
	for _, entity := range req.Entities {
		neighbors, err := o.graph.Neighbors(ctx, entity, nil, o.cfg.GraphHops)
		if err != nil {
			if errors.Is(err, graph.ErrNodeNotFound) {
				continue
			}
			errs = multierror.Append(errs, fmt.Errorf("neighbors %s: %w", entity, err))
			continue
		}
		for _, n := range neighbors {
			if inScope[n.Node.ID] {
				continue
			}
			if prev, ok := best[n.Node.ID]; !ok || n.PathWeight > prev.PathWeight {
				best[n.Node.ID] = n
			}
		}
	}

	ids := make([]string, 0, len(best))
	maxWeight := 0.0
	for id, n := range best {
		ids = append(ids, id)
		if n.PathWeight > maxWeight {
			maxWeight = n.PathWeight
		}
	}
	sort.Strings(ids)

	out := make([]candidate, 0, len(ids))
	for _, id := range ids {
		n := best[id]
		centrality := 0.0
		if maxWeight > 0 {
			centrality = n.PathWeight / maxWeight
		}
		text := renderNeighbor(n)
		out = append(out, candidate{
			entry: BundleEntry{
				SourceID:   n.Node.ID,
				SourceType: "graph",
				Text:       text,
				TokenCount: estimateTokens(text),
			},
			centrality: centrality,
			order:      orderBase + len(out),
		})
	}
	return out, errs.ErrorOrNil()
}

func (o *Optimizer) summaryCandidates(ctx context.Context, req ContextRequest, orderBase int) ([]candidate, error) {
	level := req.LevelHint
	if level == "" {
		level = LevelScene
	}
	levels := []SummaryLevel{level}
	if parent := parentLevel(level); parent != "" {
		levels = append(levels, parent)
	}
	var errs *multierror.Error
	out := make([]candidate, 0, 2)
	importance := 0.95
	for _, lvl := range levels {
		node, found, err := o.store.LatestActive(ctx, lvl)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("latest %s summary: %w", lvl, err))
			importance -= 0.1
			continue
		}
		if !found {
			importance -= 0.1
			continue
		}
		out = append(out, candidate{
			entry: BundleEntry{
				SourceID:   node.ID,
				SourceType: "summary",
				Text:       node.Text,
				TokenCount: node.TokenCount,
			},
			importance: importance,
			recency:    1,
			order:      orderBase + len(out),
		})
		importance -= 0.1
	}
	return out, errs.ErrorOrNil()
}

// pack scores the pool and admits entries greedily under the budget.
// Ties break toward cheaper entries, then earlier insertion.
func (o *Optimizer) pack(pool []candidate, budget ContextBudget) ContextBundle {
	w := o.cfg.Weights
	scores := make([]float64, len(pool))
	for i, c := range pool {
		scores[i] = w.Similarity*c.similarity +
			w.Importance*c.importance +
			w.Recency*c.recency +
			w.Centrality*c.centrality
	}
	idx := make([]int, len(pool))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		ia, ib := idx[a], idx[b]
		if scores[ia] != scores[ib] {
			return scores[ia] > scores[ib]
		}
		if pool[ia].entry.TokenCount != pool[ib].entry.TokenCount {
			return pool[ia].entry.TokenCount < pool[ib].entry.TokenCount
		}
		return pool[ia].order < pool[ib].order
	})

	available := budget.Available()
	bundle := ContextBundle{}
	for _, i := range idx {
		c := pool[i]
		if bundle.TokenCount+c.entry.TokenCount > available {
			continue
		}
		entry := c.entry
		entry.Score = scores[i]
		bundle.Entries = append(bundle.Entries, entry)
		bundle.TokenCount += entry.TokenCount
	}
	return bundle
}

// recencyScore decays with narrative distance, measured in scenes, with
// a configurable half-life. Present-scene material scores 1.
func (o *Optimizer) recencyScore(req ContextRequest, episode, scene int) float64 {
	distance := float64((req.Episode-episode)*o.cfg.ScenesPerEpisode + (req.Scene - scene))
	if distance <= 0 {
		return 1
	}
	return math.Exp(-math.Ln2 * distance / o.cfg.RecencyHalfLife)
}

func (o *Optimizer) cacheKey(req ContextRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "g%d|q:%s|b:%d/%d/%d|l:%s|e:%d|s:%d|",
		o.gen.Load(), req.Query,
		req.Budget.MaxTokens, req.Budget.ReservedForInstructions, req.Budget.ReservedForOutput,
		req.LevelHint, req.Episode, req.Scene)
	entities := append([]string(nil), req.Entities...)
	sort.Strings(entities)
	b.WriteString(strings.Join(entities, ","))
	return b.String()
}

func renderNeighbor(n graph.Neighbor) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (%s)", n.Node.ID, n.Node.Type)
	if len(n.Node.Attrs) > 0 {
		keys := make([]string, 0, len(n.Node.Attrs))
		for k := range n.Node.Attrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+": "+n.Node.Attrs[k])
		}
		b.WriteString(" [" + strings.Join(parts, ", ") + "]")
	}
	fmt.Fprintf(&b, ", %d hop(s) away", n.Hops)
	return b.String()
}
