package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
)

// VectorIndex is the semantic store of embedded memory items with
// similarity search over an injected Embedder.
type VectorIndex struct {
	store    Store
	embedder Embedder
}

func NewVectorIndex(store Store, embedder Embedder) *VectorIndex {
	if embedder == nil {
		embedder = NewChargramEmbedder()
	}
	return &VectorIndex{store: store, embedder: embedder}
}

// Upsert embeds items that arrive without vectors and persists them.
// Nothing is written for an item whose embedding fails: an item is
// either complete in the store or absent.
func (ix *VectorIndex) Upsert(ctx context.Context, items []MemoryItem) ([]MemoryItem, error) {
	out := make([]MemoryItem, 0, len(items))
	for _, item := range items {
		if len(item.Embedding) == 0 {
			vec, err := ix.embedder.Embed(ctx, item.Text)
			if err != nil {
				return out, fmt.Errorf("%w: embed %q: %v", ErrEmbedding, item.ID, err)
			}
			item.Embedding = vec
		}
		stored, err := ix.store.PutMemoryItem(ctx, item)
		if err != nil {
			return out, err
		}
		out = append(out, stored)
	}
	return out, nil
}

// Query returns the top-K items ranked by cosine similarity to the query
// text. Ties break on higher importance, then more recent creation.
// An unknown owner filter returns ErrNotFound; an embedding failure
// returns ErrEmbedding, and callers degrade via QueryRecent.
func (ix *VectorIndex) Query(ctx context.Context, queryText string, opts QueryOptions) ([]ScoredItem, error) {
	queryText = strings.TrimSpace(queryText)
	if opts.TopK <= 0 {
		opts.TopK = 8
	}

	candidates, err := ix.candidates(ctx, opts)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	queryVec, err := ix.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("%w: embed query: %v", ErrEmbedding, err)
	}

	scored := make([]ScoredItem, 0, len(candidates))
	for _, item := range candidates {
		sim := (cosineSimilarity(queryVec, item.Embedding) + 1) / 2
		scored = append(scored, ScoredItem{Item: item, Similarity: sim})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Similarity != scored[j].Similarity {
			return scored[i].Similarity > scored[j].Similarity
		}
		if scored[i].Item.Importance != scored[j].Item.Importance {
			return scored[i].Item.Importance > scored[j].Item.Importance
		}
		if scored[i].Item.CreatedAtMS != scored[j].Item.CreatedAtMS {
			return scored[i].Item.CreatedAtMS > scored[j].Item.CreatedAtMS
		}
		// ULIDs sort by creation time, so later id wins the final tie.
		return scored[i].Item.ID > scored[j].Item.ID
	})

	if len(scored) > opts.TopK {
		scored = scored[:opts.TopK]
	}
	return scored, nil
}

// QueryRecent is the recency-only fallback used when embedding is
// unavailable: newest items first, similarity zeroed.
func (ix *VectorIndex) QueryRecent(ctx context.Context, opts QueryOptions) ([]ScoredItem, error) {
	if opts.TopK <= 0 {
		opts.TopK = 8
	}
	candidates, err := ix.candidates(ctx, opts)
	if err != nil {
		return nil, err
	}
	if len(candidates) > opts.TopK {
		candidates = candidates[:opts.TopK]
	}
	scored := make([]ScoredItem, 0, len(candidates))
	for _, item := range candidates {
		scored = append(scored, ScoredItem{Item: item})
	}
	return scored, nil
}

func (ix *VectorIndex) candidates(ctx context.Context, opts QueryOptions) ([]MemoryItem, error) {
	if opts.Owner != "" {
		ok, err := ix.store.HasOwner(ctx, opts.Owner)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("owner %q: %w", opts.Owner, ErrNotFound)
		}
	}
	items, err := ix.store.ListOwnerItems(ctx, opts.Owner, opts.IncludeArchived, 0)
	if err != nil {
		return nil, err
	}
	if len(opts.Kinds) == 0 {
		return items, nil
	}
	wanted := map[MemoryKind]struct{}{}
	for _, k := range opts.Kinds {
		wanted[k] = struct{}{}
	}
	filtered := items[:0]
	for _, item := range items {
		if _, ok := wanted[item.Kind]; ok {
			filtered = append(filtered, item)
		}
	}
	return filtered, nil
}
