// Package graph maintains the typed narrative knowledge graph: entities
// (characters, locations, events, items) and weighted directed
// relationships that strengthen with repeated interactions and fade with
// per-episode decay.
package graph

import (
	"context"
	"errors"
	"io"
)

// NodeType classifies graph entities.
type NodeType string

const (
	NodeCharacter NodeType = "character"
	NodeLocation  NodeType = "location"
	NodeEvent     NodeType = "event"
	NodeItem      NodeType = "item"
	NodeEpisode   NodeType = "episode"
	NodeTheme     NodeType = "theme"
)

// Standard relation types used by the narrative pipeline.
const (
	RelInteractsWith = "INTERACTS_WITH"
	RelLocatedIn     = "LOCATED_IN"
	RelPartOf        = "PART_OF"
	RelAffects       = "AFFECTS"
	RelLeadsTo       = "LEADS_TO"
	RelContains      = "CONTAINS"
	RelMentions      = "MENTIONS"
)

// Node is a typed graph entity with free-form string attributes.
type Node struct {
	ID    string
	Type  NodeType
	Attrs map[string]string
}

// Edge is a directed, weighted relationship. Multiple edges of different
// relation types may exist between the same pair; cycles are permitted.
type Edge struct {
	Source        string
	Target        string
	Relation      string
	Weight        float64
	LastUpdatedMS int64
}

// Neighbor is a node reachable from a query node, with the hop count and
// the cumulative weight of the heaviest path that reached it.
type Neighbor struct {
	Node       Node
	Hops       int
	PathWeight float64
}

// ErrNodeNotFound indicates a lookup for an unknown node id.
var ErrNodeNotFound = errors.New("graph: node not found")

// Store is the knowledge graph contract. The in-memory Graph is the
// default backend; a Neo4j client implements the same operations.
type Store interface {
	UpsertNode(ctx context.Context, node Node) error
	GetNode(ctx context.Context, id string) (Node, error)
	UpsertEdge(ctx context.Context, source, target, relation string, weightDelta float64) error
	Edges(ctx context.Context, source string) ([]Edge, error)
	Neighbors(ctx context.Context, id string, relations []string, maxHops int) ([]Neighbor, error)
	PathExists(ctx context.Context, source, target string, maxHops int) (bool, error)
	// AdvanceEpisode applies the configured per-episode weight decay and
	// returns the new episode number.
	AdvanceEpisode(ctx context.Context) (int, error)
	Episode(ctx context.Context) (int, error)
}

// Exporter is implemented by backends that can write a portable
// checkpoint of the graph.
type Exporter interface {
	Export(w io.Writer) error
}
