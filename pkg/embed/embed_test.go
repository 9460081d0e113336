package embed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/munin/pkg/graph"
)

func TestAlgorithm(t *testing.T) {
	t.Run("string_names", func(t *testing.T) {
		assert.Equal(t, "node2vec", AlgorithmNode2Vec.String())
	})

	t.Run("parse_known", func(t *testing.T) {
		alg, err := ParseAlgorithm("node2vec")
		require.NoError(t, err)
		assert.Equal(t, AlgorithmNode2Vec, alg)
	})

	t.Run("parse_unknown_is_hard_failure", func(t *testing.T) {
		_, err := ParseAlgorithm("deepwalk")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
	})
}

func TestAdapter_EmbedNodes(t *testing.T) {
	newGraph := func() *graph.Graph {
		g := graph.New(false)
		g.UpsertNode("key-a", map[string]string{"id": "ent-a"})
		g.UpsertNode("key-b", map[string]string{"id": "ent-b"})
		g.UpsertEdge("key-a", "key-b", nil)
		return g
	}

	t.Run("maps_rows_to_logical_node_ids", func(t *testing.T) {
		routine := func(g *graph.Graph, p Params) (Matrix, []string, error) {
			assert.Equal(t, 8, p.Dimensions)
			return Matrix{{0.1, 0.2}, {0.3, 0.4}}, []string{"key-b", "key-a"}, nil
		}
		adapter := NewAdapter(Params{Dimensions: 8}, routine)

		matrix, ids, err := adapter.EmbedNodes(newGraph(), AlgorithmNode2Vec)
		require.NoError(t, err)
		require.Len(t, matrix, 2)
		// Row i corresponds to ids[i], identity taken from the logical
		// "id" attribute, not the storage key.
		assert.Equal(t, []string{"ent-b", "ent-a"}, ids)
	})

	t.Run("unknown_algorithm_fails_hard", func(t *testing.T) {
		adapter := NewAdapter(Params{}, nil)
		_, _, err := adapter.EmbedNodes(newGraph(), AlgorithmNode2Vec)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnsupportedAlgorithm)
	})

	t.Run("node_missing_id_attribute_fails", func(t *testing.T) {
		g := graph.New(false)
		g.UpsertNode("anonymous", nil)

		routine := func(g *graph.Graph, p Params) (Matrix, []string, error) {
			return Matrix{{0.5}}, []string{"anonymous"}, nil
		}
		adapter := NewAdapter(Params{}, routine)

		_, _, err := adapter.EmbedNodes(g, AlgorithmNode2Vec)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no id attribute")
	})

	t.Run("routine_errors_propagate", func(t *testing.T) {
		routine := func(g *graph.Graph, p Params) (Matrix, []string, error) {
			return nil, nil, assert.AnError
		}
		adapter := NewAdapter(Params{}, routine)

		_, _, err := adapter.EmbedNodes(newGraph(), AlgorithmNode2Vec)
		assert.ErrorIs(t, err, assert.AnError)
	})
}
