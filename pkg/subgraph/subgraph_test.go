package subgraph

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/munin/pkg/graph"
)

func extractor(maxNodes int) *Extractor {
	return NewExtractor(maxNodes, nil, nil)
}

func TestExtract_Wildcard(t *testing.T) {
	t.Run("empty_graph_yields_empty_result", func(t *testing.T) {
		kg := extractor(0).Extract(graph.New(false), "*", DefaultMaxDepth)
		assert.Empty(t, kg.Nodes)
		assert.Empty(t, kg.Edges)
	})

	t.Run("returns_the_entire_graph", func(t *testing.T) {
		g := graph.New(false)
		g.UpsertEdge("A", "B", nil)
		g.UpsertNode("isolated", nil)

		kg := extractor(0).Extract(g, "*", DefaultMaxDepth)
		assert.Len(t, kg.Nodes, 3)
		assert.Len(t, kg.Edges, 1)
	})
}

func TestExtract_LabelMatching(t *testing.T) {
	t.Run("unmatched_label_yields_empty_result", func(t *testing.T) {
		g := graph.New(false)
		g.UpsertNode("A", nil)

		kg := extractor(0).Extract(g, "nothing-matches-this", DefaultMaxDepth)
		assert.Empty(t, kg.Nodes)
		assert.Empty(t, kg.Edges)
	})

	t.Run("substring_match_selects_first_node_in_iteration_order", func(t *testing.T) {
		g := graph.New(false)
		g.UpsertNode("second-apple", nil)
		g.UpsertNode("apple-pie", nil)
		g.UpsertEdge("apple-pie", "crust", nil)

		kg := extractor(0).Extract(g, "apple", 1)
		// "second-apple" was inserted first and is isolated, so the
		// neighborhood is just that node.
		require.Len(t, kg.Nodes, 1)
		assert.Equal(t, "second-apple", kg.Nodes[0].ID)
	})
}

func TestExtract_Neighborhood(t *testing.T) {
	t.Run("depth_one_around_middle_of_a_path", func(t *testing.T) {
		g := graph.New(false)
		g.UpsertNode("A", nil)
		g.UpsertNode("B", nil)
		g.UpsertNode("C", nil)
		g.UpsertEdge("A", "B", nil)
		g.UpsertEdge("B", "C", nil)

		kg := extractor(0).Extract(g, "B", 1)

		ids := make([]string, len(kg.Nodes))
		for i, n := range kg.Nodes {
			ids[i] = n.ID
		}
		assert.ElementsMatch(t, []string{"A", "B", "C"}, ids)

		edgeIDs := make([]string, len(kg.Edges))
		for i, e := range kg.Edges {
			edgeIDs[i] = e.ID
		}
		assert.ElementsMatch(t, []string{"A-B", "B-C"}, edgeIDs)
	})

	t.Run("depth_bounds_the_expansion", func(t *testing.T) {
		g := graph.New(false)
		g.UpsertEdge("A", "B", nil)
		g.UpsertEdge("B", "C", nil)
		g.UpsertEdge("C", "D", nil)

		kg := extractor(0).Extract(g, "A", 2)

		ids := make([]string, len(kg.Nodes))
		for i, n := range kg.Nodes {
			ids[i] = n.ID
		}
		assert.ElementsMatch(t, []string{"A", "B", "C"}, ids)
	})

	t.Run("includes_edges_among_neighbors", func(t *testing.T) {
		g := graph.New(false)
		g.UpsertEdge("hub", "x", nil)
		g.UpsertEdge("hub", "y", nil)
		g.UpsertEdge("x", "y", nil)

		kg := extractor(0).Extract(g, "hub", 1)
		assert.Len(t, kg.Nodes, 3)
		assert.Len(t, kg.Edges, 3)
	})
}

func TestExtract_Truncation(t *testing.T) {
	// A star of 599 leaves around one hub: 600 nodes reachable at depth
	// 1. The hub has degree 599; leaves attached to a secondary hub
	// rank next; plain leaves tie at degree 1 and are kept in encounter
	// order.
	g := graph.New(false)
	for i := 0; i < 599; i++ {
		g.UpsertEdge("hub", fmt.Sprintf("leaf-%03d", i), nil)
	}
	require.Equal(t, 600, g.NodeCount())

	kg := extractor(500).Extract(g, "hub", 1)

	assert.Len(t, kg.Nodes, 500)
	assert.Equal(t, "hub", kg.Nodes[0].ID, "highest-degree node survives")

	// Ties at degree 1 break by encounter order: the BFS encounters
	// leaves in edge insertion order, so leaf-000..leaf-498 survive and
	// the last-inserted leaves are dropped.
	survivors := make(map[string]struct{}, len(kg.Nodes))
	for _, n := range kg.Nodes {
		survivors[n.ID] = struct{}{}
	}
	_, hasFirst := survivors["leaf-000"]
	_, hasLast := survivors["leaf-598"]
	assert.True(t, hasFirst)
	assert.False(t, hasLast)

	// No edge may reference a dropped node.
	for _, e := range kg.Edges {
		_, okSrc := survivors[e.Source]
		_, okTgt := survivors[e.Target]
		assert.True(t, okSrc, "edge %s references dropped source", e.ID)
		assert.True(t, okTgt, "edge %s references dropped target", e.ID)
	}
	assert.Len(t, kg.Edges, 499)
}

func TestExtract_TruncationPrefersDegree(t *testing.T) {
	// Two stars joined at the rim; the big hub and the small hub must
	// both outrank plain leaves.
	g := graph.New(false)
	for i := 0; i < 550; i++ {
		g.UpsertEdge("big", fmt.Sprintf("b-%03d", i), nil)
	}
	for i := 0; i < 60; i++ {
		g.UpsertEdge("small", fmt.Sprintf("s-%02d", i), nil)
	}
	g.UpsertEdge("big", "small", nil)

	kg := extractor(500).Extract(g, "*", 0)
	require.Len(t, kg.Nodes, 500)

	survivors := make(map[string]struct{}, len(kg.Nodes))
	for _, n := range kg.Nodes {
		survivors[n.ID] = struct{}{}
	}
	_, hasBig := survivors["big"]
	_, hasSmall := survivors["small"]
	assert.True(t, hasBig)
	assert.True(t, hasSmall)
}

func TestExtract_Projection(t *testing.T) {
	t.Run("folds_scalar_entity_type_into_labels", func(t *testing.T) {
		g := graph.New(false)
		g.UpsertNode("A", map[string]string{"entity_type": "person", "rank": "3"})

		kg := extractor(0).Extract(g, "*", 0)
		require.Len(t, kg.Nodes, 1)
		assert.Equal(t, []string{"A", "person"}, kg.Nodes[0].Labels)
		assert.Equal(t, "3", kg.Nodes[0].Properties["rank"])
	})

	t.Run("folds_list_entity_type_into_labels", func(t *testing.T) {
		g := graph.New(false)
		g.UpsertNode("A", map[string]string{"entity_type": `["person","author"]`})

		kg := extractor(0).Extract(g, "*", 0)
		require.Len(t, kg.Nodes, 1)
		assert.Equal(t, []string{"A", "person", "author"}, kg.Nodes[0].Labels)
	})

	t.Run("node_without_entity_type_gets_its_id_as_only_label", func(t *testing.T) {
		g := graph.New(false)
		g.UpsertNode("A", nil)

		kg := extractor(0).Extract(g, "*", 0)
		require.Len(t, kg.Nodes, 1)
		assert.Equal(t, []string{"A"}, kg.Nodes[0].Labels)
	})

	t.Run("edge_type_derives_from_directedness", func(t *testing.T) {
		und := graph.New(false)
		und.UpsertEdge("A", "B", nil)
		kg := extractor(0).Extract(und, "*", 0)
		require.Len(t, kg.Edges, 1)
		assert.Equal(t, "UNDIRECTED", kg.Edges[0].Type)

		dir := graph.New(true)
		dir.UpsertEdge("A", "B", nil)
		kg = extractor(0).Extract(dir, "*", 0)
		require.Len(t, kg.Edges, 1)
		assert.Equal(t, "DIRECTED", kg.Edges[0].Type)
	})

	t.Run("reverse_orientation_is_not_a_duplicate", func(t *testing.T) {
		g := graph.New(true)
		g.UpsertEdge("A", "B", nil)
		g.UpsertEdge("B", "A", nil)

		kg := extractor(0).Extract(g, "*", 0)
		require.Len(t, kg.Edges, 2)
		assert.NotEqual(t, kg.Edges[0].ID, kg.Edges[1].ID)
	})

	t.Run("edge_properties_carry_through", func(t *testing.T) {
		g := graph.New(false)
		g.UpsertEdge("A", "B", map[string]string{"relation": "cites", "weight": "0.8"})

		kg := extractor(0).Extract(g, "*", 0)
		require.Len(t, kg.Edges, 1)
		assert.Equal(t, "A-B", kg.Edges[0].ID)
		assert.Equal(t, "cites", kg.Edges[0].Properties["relation"])
	})
}
