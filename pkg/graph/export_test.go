package graph

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGraphML_RoundTrip(t *testing.T) {
	ctx := context.Background()
	g := NewGraph(0.8)

	require.NoError(t, g.UpsertNode(ctx, Node{ID: "vikram", Type: NodeCharacter, Attrs: map[string]string{"title": "king"}}))
	require.NoError(t, g.UpsertNode(ctx, Node{ID: "palace", Type: NodeLocation}))
	require.NoError(t, g.UpsertEdge(ctx, "vikram", "palace", RelLocatedIn, 2.5))
	require.NoError(t, g.UpsertEdge(ctx, "vikram", "palace", RelMentions, 1))
	_, err := g.AdvanceEpisode(ctx)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, g.Export(&buf))
	require.True(t, strings.Contains(buf.String(), "graphml"), "export should be GraphML")

	loaded, err := Load(&buf, 0.8)
	require.NoError(t, err)

	require.Equal(t, g.NodeCount(), loaded.NodeCount())
	require.Equal(t, g.EdgeCount(), loaded.EdgeCount())

	node, err := loaded.GetNode(ctx, "vikram")
	require.NoError(t, err)
	require.Equal(t, NodeCharacter, node.Type)
	require.Equal(t, "king", node.Attrs["title"])

	edges, err := loaded.Edges(ctx, "vikram")
	require.NoError(t, err)
	require.Len(t, edges, 2)
	weights := map[string]float64{}
	for _, e := range edges {
		weights[e.Relation] = e.Weight
	}
	require.InDelta(t, 2.0, weights[RelLocatedIn], 1e-9, "decayed weight survives the round trip")

	episode, err := loaded.Episode(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, episode)
}

func TestGraphML_ExportIsDeterministic(t *testing.T) {
	ctx := context.Background()
	g := NewGraph(0.9)
	require.NoError(t, g.UpsertEdge(ctx, "b", "c", RelLeadsTo, 1))
	require.NoError(t, g.UpsertEdge(ctx, "a", "b", RelLeadsTo, 1))

	var first, second bytes.Buffer
	require.NoError(t, g.Export(&first))
	require.NoError(t, g.Export(&second))
	require.Equal(t, first.String(), second.String())
}

func TestGraphML_LoadRejectsGarbage(t *testing.T) {
	_, err := Load(strings.NewReader("not xml at all"), 0.9)
	require.Error(t, err)
}
