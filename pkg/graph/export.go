package graph

import (
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// GraphML is the portable checkpoint format for the knowledge graph.

const graphmlNS = "http://graphml.graphdrawing.org/xmlns"

type graphmlFile struct {
	XMLName xml.Name     `xml:"graphml"`
	Xmlns   string       `xml:"xmlns,attr"`
	Keys    []graphmlKey `xml:"key"`
	Graph   graphmlGraph `xml:"graph"`
}

type graphmlKey struct {
	ID       string `xml:"id,attr"`
	For      string `xml:"for,attr"`
	AttrName string `xml:"attr.name,attr"`
	AttrType string `xml:"attr.type,attr"`
}

type graphmlGraph struct {
	ID          string        `xml:"id,attr"`
	EdgeDefault string        `xml:"edgedefault,attr"`
	Data        []graphmlData `xml:"data"`
	Nodes       []graphmlNode `xml:"node"`
	Edges       []graphmlEdge `xml:"edge"`
}

type graphmlData struct {
	Key   string `xml:"key,attr"`
	Value string `xml:",chardata"`
}

type graphmlNode struct {
	ID   string        `xml:"id,attr"`
	Data []graphmlData `xml:"data"`
}

type graphmlEdge struct {
	Source string        `xml:"source,attr"`
	Target string        `xml:"target,attr"`
	Data   []graphmlData `xml:"data"`
}

// Export writes the graph as GraphML with deterministic ordering so
// checkpoints diff cleanly.
func (g *Graph) Export(w io.Writer) error {
	g.mu.RLock()
	defer g.mu.RUnlock()

	doc := graphmlFile{
		Xmlns: graphmlNS,
		Keys: []graphmlKey{
			{ID: "type", For: "node", AttrName: "type", AttrType: "string"},
			{ID: "relation", For: "edge", AttrName: "relation", AttrType: "string"},
			{ID: "weight", For: "edge", AttrName: "weight", AttrType: "double"},
			{ID: "updated", For: "edge", AttrName: "updated", AttrType: "long"},
			{ID: "episode", For: "graph", AttrName: "episode", AttrType: "int"},
		},
		Graph: graphmlGraph{
			ID:          "narrative",
			EdgeDefault: "directed",
			Data:        []graphmlData{{Key: "episode", Value: strconv.Itoa(g.episode)}},
		},
	}

	nodeIDs := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)
	for _, id := range nodeIDs {
		node := g.nodes[id]
		data := []graphmlData{{Key: "type", Value: string(node.Type)}}
		attrKeys := make([]string, 0, len(node.Attrs))
		for k := range node.Attrs {
			attrKeys = append(attrKeys, k)
		}
		sort.Strings(attrKeys)
		for _, k := range attrKeys {
			data = append(data, graphmlData{Key: "attr." + k, Value: node.Attrs[k]})
		}
		doc.Graph.Nodes = append(doc.Graph.Nodes, graphmlNode{ID: id, Data: data})
	}

	edges := []Edge{}
	for _, targets := range g.out {
		for _, relations := range targets {
			for _, edge := range relations {
				edges = append(edges, *edge)
			}
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Source != edges[j].Source {
			return edges[i].Source < edges[j].Source
		}
		if edges[i].Target != edges[j].Target {
			return edges[i].Target < edges[j].Target
		}
		return edges[i].Relation < edges[j].Relation
	})
	for _, edge := range edges {
		doc.Graph.Edges = append(doc.Graph.Edges, graphmlEdge{
			Source: edge.Source,
			Target: edge.Target,
			Data: []graphmlData{
				{Key: "relation", Value: edge.Relation},
				{Key: "weight", Value: strconv.FormatFloat(edge.Weight, 'g', -1, 64)},
				{Key: "updated", Value: strconv.FormatInt(edge.LastUpdatedMS, 10)},
			},
		})
	}

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode graphml: %w", err)
	}
	return enc.Flush()
}

// Load reads a GraphML checkpoint produced by Export into a fresh graph
// with the given decay factor.
func Load(r io.Reader, decay float64) (*Graph, error) {
	var doc graphmlFile
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode graphml: %w", err)
	}

	g := NewGraph(decay)
	for _, d := range doc.Graph.Data {
		if d.Key == "episode" {
			if n, err := strconv.Atoi(strings.TrimSpace(d.Value)); err == nil {
				g.episode = n
			}
		}
	}
	for _, n := range doc.Graph.Nodes {
		node := Node{ID: n.ID, Attrs: map[string]string{}}
		for _, d := range n.Data {
			switch {
			case d.Key == "type":
				node.Type = NodeType(d.Value)
			case strings.HasPrefix(d.Key, "attr."):
				node.Attrs[strings.TrimPrefix(d.Key, "attr.")] = d.Value
			}
		}
		g.upsertNodeLocked(node)
	}
	for _, e := range doc.Graph.Edges {
		edge := &Edge{Source: e.Source, Target: e.Target}
		for _, d := range e.Data {
			switch d.Key {
			case "relation":
				edge.Relation = d.Value
			case "weight":
				edge.Weight, _ = strconv.ParseFloat(strings.TrimSpace(d.Value), 64)
			case "updated":
				edge.LastUpdatedMS, _ = strconv.ParseInt(strings.TrimSpace(d.Value), 10, 64)
			}
		}
		if edge.Relation == "" {
			continue
		}
		if _, ok := g.nodes[edge.Source]; !ok {
			g.upsertNodeLocked(Node{ID: edge.Source})
		}
		if _, ok := g.nodes[edge.Target]; !ok {
			g.upsertNodeLocked(Node{ID: edge.Target})
		}
		targets, ok := g.out[edge.Source]
		if !ok {
			targets = map[string]map[string]*Edge{}
			g.out[edge.Source] = targets
		}
		relations, ok := targets[edge.Target]
		if !ok {
			relations = map[string]*Edge{}
			targets[edge.Target] = relations
		}
		relations[edge.Relation] = edge
	}
	return g, nil
}
