package graph

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

var relationPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Neo4jStore is the persisted Store backend for deployments that keep
// the narrative graph in a Neo4j instance instead of in process memory.
type Neo4jStore struct {
	driver   neo4j.DriverWithContext
	database string
	decay    float64
}

func NewNeo4jStore(ctx context.Context, uri, username, password, database string, decay float64) (*Neo4jStore, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("creating neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("verifying neo4j connectivity: %w", err)
	}
	if decay <= 0 || decay > 1 {
		decay = 0.9
	}
	s := &Neo4jStore{driver: driver, database: database, decay: decay}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, err
	}
	return s, nil
}

func (s *Neo4jStore) Close(ctx context.Context) error {
	if s == nil || s.driver == nil {
		return nil
	}
	return s.driver.Close(ctx)
}

func (s *Neo4jStore) ensureIndexes(ctx context.Context) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.database})
	defer session.Close(ctx)

	statements := []string{
		`CREATE CONSTRAINT entity_unique_id IF NOT EXISTS
FOR (e:Entity) REQUIRE e.id IS UNIQUE`,
		`CREATE INDEX entity_type IF NOT EXISTS FOR (e:Entity) ON (e.type)`,
	}
	for _, stmt := range statements {
		if _, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			_, err := tx.Run(ctx, stmt, nil)
			return nil, err
		}); err != nil {
			return fmt.Errorf("ensuring indexes: %w", err)
		}
	}
	return nil
}

func (s *Neo4jStore) UpsertNode(ctx context.Context, node Node) error {
	if strings.TrimSpace(node.ID) == "" {
		return fmt.Errorf("upsert node: id is required")
	}
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.database})
	defer session.Close(ctx)

	attrs := map[string]any{}
	for k, v := range node.Attrs {
		attrs["attr_"+k] = v
	}
	params := map[string]any{
		"id":    node.ID,
		"type":  string(node.Type),
		"attrs": attrs,
	}
	if _, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, `
MERGE (n:Entity {id: $id})
SET n.type = CASE WHEN $type = '' THEN coalesce(n.type, '') ELSE $type END
SET n += $attrs`, params)
		return nil, err
	}); err != nil {
		return fmt.Errorf("upserting node: %w", err)
	}
	return nil
}

func (s *Neo4jStore) GetNode(ctx context.Context, id string) (Node, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.database})
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `MATCH (n:Entity {id: $id}) RETURN properties(n) AS props`, map[string]any{"id": id})
		if err != nil {
			return nil, err
		}
		if res.Next(ctx) {
			value, _ := res.Record().Get("props")
			if props, ok := value.(map[string]any); ok {
				return props, nil
			}
		}
		if err := res.Err(); err != nil {
			return nil, err
		}
		return nil, nil
	})
	if err != nil {
		return Node{}, fmt.Errorf("get node: %w", err)
	}
	props, _ := result.(map[string]any)
	if props == nil {
		return Node{}, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	return nodeFromProps(props), nil
}

func nodeFromProps(props map[string]any) Node {
	node := Node{Attrs: map[string]string{}}
	for k, v := range props {
		str, _ := v.(string)
		switch {
		case k == "id":
			node.ID = str
		case k == "type":
			node.Type = NodeType(str)
		case strings.HasPrefix(k, "attr_"):
			node.Attrs[strings.TrimPrefix(k, "attr_")] = str
		}
	}
	return node
}

func (s *Neo4jStore) UpsertEdge(ctx context.Context, source, target, relation string, weightDelta float64) error {
	if !relationPattern.MatchString(relation) {
		return fmt.Errorf("invalid relation type: %s", relation)
	}
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.database})
	defer session.Close(ctx)

	query := fmt.Sprintf(`
MERGE (a:Entity {id: $source})
MERGE (b:Entity {id: $target})
MERGE (a)-[r:%s]->(b)
ON CREATE SET r.weight = $delta, r.updated = timestamp()
ON MATCH SET r.weight = r.weight + $delta, r.updated = timestamp()
SET r.weight = CASE WHEN r.weight < 0 THEN 0 ELSE r.weight END`, relation)

	params := map[string]any{
		"source": source,
		"target": target,
		"delta":  weightDelta,
	}
	if _, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, query, params)
		return nil, err
	}); err != nil {
		return fmt.Errorf("upserting edge: %w", err)
	}
	return nil
}

func (s *Neo4jStore) Edges(ctx context.Context, source string) ([]Edge, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.database})
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `
MATCH (a:Entity {id: $source})-[r]->(b:Entity)
RETURN b.id AS target, type(r) AS relation, coalesce(r.weight, 0.0) AS weight, coalesce(r.updated, 0) AS updated
ORDER BY target, relation`, map[string]any{"source": source})
		if err != nil {
			return nil, err
		}
		edges := []Edge{}
		for res.Next(ctx) {
			rec := res.Record()
			target, _ := rec.Get("target")
			relation, _ := rec.Get("relation")
			weight, _ := rec.Get("weight")
			updated, _ := rec.Get("updated")
			edge := Edge{Source: source}
			edge.Target, _ = target.(string)
			edge.Relation, _ = relation.(string)
			edge.Weight, _ = weight.(float64)
			edge.LastUpdatedMS, _ = updated.(int64)
			edges = append(edges, edge)
		}
		return edges, res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list edges: %w", err)
	}
	return result.([]Edge), nil
}

func (s *Neo4jStore) Neighbors(ctx context.Context, id string, relations []string, maxHops int) ([]Neighbor, error) {
	if maxHops <= 0 {
		maxHops = 1
	}
	relFilter := ""
	if len(relations) > 0 {
		for _, r := range relations {
			if !relationPattern.MatchString(r) {
				return nil, fmt.Errorf("invalid relation type: %s", r)
			}
		}
		relFilter = ":" + strings.Join(relations, "|")
	}

	session := s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.database})
	defer session.Close(ctx)

	// Hop bounds cannot be parameterized in Cypher; relations and hop
	// count are validated/derived above.
	query := fmt.Sprintf(`
MATCH (a:Entity {id: $id})
MATCH path = (a)-[%s*1..%d]->(b:Entity)
WHERE b.id <> $id
WITH b, length(path) AS hops, reduce(w = 0.0, r IN relationships(path) | w + coalesce(r.weight, 0.0)) AS pathWeight
RETURN properties(b) AS props, min(hops) AS hops, max(pathWeight) AS weight
ORDER BY weight DESC, hops ASC, b.id ASC`, relFilter, maxHops)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, map[string]any{"id": id})
		if err != nil {
			return nil, err
		}
		neighbors := []Neighbor{}
		for res.Next(ctx) {
			rec := res.Record()
			propsVal, _ := rec.Get("props")
			hopsVal, _ := rec.Get("hops")
			weightVal, _ := rec.Get("weight")
			props, ok := propsVal.(map[string]any)
			if !ok {
				continue
			}
			n := Neighbor{Node: nodeFromProps(props)}
			if hops, ok := hopsVal.(int64); ok {
				n.Hops = int(hops)
			}
			n.PathWeight, _ = weightVal.(float64)
			neighbors = append(neighbors, n)
		}
		return neighbors, res.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("neighbors: %w", err)
	}
	neighbors := result.([]Neighbor)
	if len(neighbors) == 0 {
		// Distinguish an unknown node from an isolated one.
		if _, err := s.GetNode(ctx, id); err != nil {
			return nil, err
		}
	}
	return neighbors, nil
}

func (s *Neo4jStore) PathExists(ctx context.Context, source, target string, maxHops int) (bool, error) {
	if maxHops <= 0 {
		maxHops = 4
	}
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.database})
	defer session.Close(ctx)

	query := fmt.Sprintf(`
MATCH (a:Entity {id: $source}), (b:Entity {id: $target})
RETURN EXISTS { MATCH (a)-[*1..%d]->(b) } AS reachable`, maxHops)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, map[string]any{"source": source, "target": target})
		if err != nil {
			return nil, err
		}
		if res.Next(ctx) {
			value, _ := res.Record().Get("reachable")
			reachable, _ := value.(bool)
			return reachable, nil
		}
		if err := res.Err(); err != nil {
			return nil, err
		}
		return false, nil
	})
	if err != nil {
		return false, fmt.Errorf("path exists: %w", err)
	}
	return result.(bool), nil
}

func (s *Neo4jStore) AdvanceEpisode(ctx context.Context) (int, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.database})
	defer session.Close(ctx)

	result, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx, `
MATCH ()-[r]->() WHERE r.weight IS NOT NULL
SET r.weight = r.weight * $decay`, map[string]any{"decay": s.decay}); err != nil {
			return nil, err
		}
		res, err := tx.Run(ctx, `
MERGE (m:FableMeta {id: 'meta'})
SET m.episode = coalesce(m.episode, 0) + 1
RETURN m.episode AS episode`, nil)
		if err != nil {
			return nil, err
		}
		if res.Next(ctx) {
			value, _ := res.Record().Get("episode")
			if episode, ok := value.(int64); ok {
				return int(episode), nil
			}
		}
		return 0, res.Err()
	})
	if err != nil {
		return 0, fmt.Errorf("advance episode: %w", err)
	}
	return result.(int), nil
}

func (s *Neo4jStore) Episode(ctx context.Context) (int, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: s.database})
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, `MATCH (m:FableMeta {id: 'meta'}) RETURN m.episode AS episode`, nil)
		if err != nil {
			return nil, err
		}
		if res.Next(ctx) {
			value, _ := res.Record().Get("episode")
			if episode, ok := value.(int64); ok {
				return int(episode), nil
			}
		}
		return 0, res.Err()
	})
	if err != nil {
		return 0, fmt.Errorf("episode: %w", err)
	}
	return result.(int), nil
}
