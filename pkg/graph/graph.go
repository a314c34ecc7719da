package graph

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Graph is the in-memory knowledge graph. Reads take a shared lock and
// may run concurrently; writes are exclusive.
type Graph struct {
	mu      sync.RWMutex
	nodes   map[string]Node
	out     map[string]map[string]map[string]*Edge // source -> target -> relation
	decay   float64
	episode int
}

// NewGraph creates a graph with a per-episode edge weight decay factor
// in (0,1]. A factor of 1 disables decay.
func NewGraph(decay float64) *Graph {
	if decay <= 0 || decay > 1 {
		decay = 0.9
	}
	return &Graph{
		nodes: map[string]Node{},
		out:   map[string]map[string]map[string]*Edge{},
		decay: decay,
	}
}

func (g *Graph) UpsertNode(_ context.Context, node Node) error {
	if strings.TrimSpace(node.ID) == "" {
		return fmt.Errorf("upsert node: id is required")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.upsertNodeLocked(node)
	return nil
}

func (g *Graph) upsertNodeLocked(node Node) {
	existing, ok := g.nodes[node.ID]
	if !ok {
		if node.Attrs == nil {
			node.Attrs = map[string]string{}
		}
		g.nodes[node.ID] = node
		return
	}
	if node.Type != "" {
		existing.Type = node.Type
	}
	for k, v := range node.Attrs {
		existing.Attrs[k] = v
	}
	g.nodes[node.ID] = existing
}

func (g *Graph) GetNode(_ context.Context, id string) (Node, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	node, ok := g.nodes[id]
	if !ok {
		return Node{}, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	return node, nil
}

// UpsertEdge accumulates weightDelta onto the edge for (source, target,
// relation), creating placeholder nodes for unknown endpoints. Repeated
// interactions strengthen a relationship rather than overwrite it.
func (g *Graph) UpsertEdge(_ context.Context, source, target, relation string, weightDelta float64) error {
	if strings.TrimSpace(relation) == "" {
		return fmt.Errorf("upsert edge: relation is required")
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[source]; !ok {
		g.upsertNodeLocked(Node{ID: source})
	}
	if _, ok := g.nodes[target]; !ok {
		g.upsertNodeLocked(Node{ID: target})
	}

	targets, ok := g.out[source]
	if !ok {
		targets = map[string]map[string]*Edge{}
		g.out[source] = targets
	}
	relations, ok := targets[target]
	if !ok {
		relations = map[string]*Edge{}
		targets[target] = relations
	}
	edge, ok := relations[relation]
	if !ok {
		edge = &Edge{Source: source, Target: target, Relation: relation}
		relations[relation] = edge
	}
	edge.Weight += weightDelta
	if edge.Weight < 0 {
		edge.Weight = 0
	}
	edge.LastUpdatedMS = time.Now().UnixMilli()
	return nil
}

func (g *Graph) Edges(_ context.Context, source string) ([]Edge, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	edges := []Edge{}
	for _, relations := range g.out[source] {
		for _, edge := range relations {
			edges = append(edges, *edge)
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Target != edges[j].Target {
			return edges[i].Target < edges[j].Target
		}
		return edges[i].Relation < edges[j].Relation
	})
	return edges, nil
}

// Neighbors walks outgoing edges up to maxHops from id, deduplicating
// nodes and keeping the heaviest cumulative path weight per node.
// Results are ordered by path weight descending.
func (g *Graph) Neighbors(_ context.Context, id string, relations []string, maxHops int) ([]Neighbor, error) {
	if maxHops <= 0 {
		maxHops = 1
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.nodes[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}

	var allowed map[string]struct{}
	if len(relations) > 0 {
		allowed = map[string]struct{}{}
		for _, r := range relations {
			allowed[r] = struct{}{}
		}
	}

	type visit struct {
		hops   int
		weight float64
	}
	best := map[string]visit{id: {hops: 0, weight: 0}}
	frontier := []string{id}

	for hop := 1; hop <= maxHops && len(frontier) > 0; hop++ {
		next := []string{}
		for _, current := range frontier {
			base := best[current].weight
			for target, rels := range g.out[current] {
				for relation, edge := range rels {
					if allowed != nil {
						if _, ok := allowed[relation]; !ok {
							continue
						}
					}
					cum := base + edge.Weight
					prev, seen := best[target]
					if seen && prev.weight >= cum {
						continue
					}
					best[target] = visit{hops: hop, weight: cum}
					next = append(next, target)
				}
			}
		}
		frontier = next
	}

	neighbors := make([]Neighbor, 0, len(best)-1)
	for nodeID, v := range best {
		if nodeID == id {
			continue
		}
		neighbors = append(neighbors, Neighbor{
			Node:       g.nodes[nodeID],
			Hops:       v.hops,
			PathWeight: v.weight,
		})
	}
	sort.Slice(neighbors, func(i, j int) bool {
		if neighbors[i].PathWeight != neighbors[j].PathWeight {
			return neighbors[i].PathWeight > neighbors[j].PathWeight
		}
		if neighbors[i].Hops != neighbors[j].Hops {
			return neighbors[i].Hops < neighbors[j].Hops
		}
		return neighbors[i].Node.ID < neighbors[j].Node.ID
	})
	return neighbors, nil
}

// PathExists reports whether target is reachable from source within
// maxHops. Used by continuity checks for causal plausibility.
func (g *Graph) PathExists(_ context.Context, source, target string, maxHops int) (bool, error) {
	if maxHops <= 0 {
		maxHops = 4
	}
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.nodes[source]; !ok {
		return false, fmt.Errorf("%w: %s", ErrNodeNotFound, source)
	}
	if source == target {
		return true, nil
	}

	seen := map[string]struct{}{source: {}}
	frontier := []string{source}
	for hop := 1; hop <= maxHops && len(frontier) > 0; hop++ {
		next := []string{}
		for _, current := range frontier {
			for t := range g.out[current] {
				if t == target {
					return true, nil
				}
				if _, ok := seen[t]; ok {
					continue
				}
				seen[t] = struct{}{}
				next = append(next, t)
			}
		}
		frontier = next
	}
	return false, nil
}

// AdvanceEpisode applies the per-episode decay to every edge weight so
// unused relationships fade across episode boundaries.
func (g *Graph) AdvanceEpisode(_ context.Context) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.episode++
	if g.decay < 1 {
		for _, targets := range g.out {
			for _, relations := range targets {
				for _, edge := range relations {
					edge.Weight *= g.decay
				}
			}
		}
	}
	return g.episode, nil
}

func (g *Graph) Episode(_ context.Context) (int, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.episode, nil
}

// NodeCount and EdgeCount support stats reporting.
func (g *Graph) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

func (g *Graph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, targets := range g.out {
		for _, relations := range targets {
			n += len(relations)
		}
	}
	return n
}
