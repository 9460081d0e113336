// Package embed adapts external graph-embedding routines to the store.
//
// The store does not implement embedding algorithms itself; it
// dispatches through a closed set of named algorithms to an injected
// routine (typically a binding to a node2vec implementation) configured
// with process-wide parameters. The algorithm set is a closed
// enumeration rather than a string-indexed table: an unknown algorithm
// is a programmer error, reported hard, never recoverable by retrying.
package embed

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/orneryd/munin/pkg/graph"
)

// ErrUnsupportedAlgorithm is returned when EmbedNodes is called with an
// algorithm no routine is registered for.
var ErrUnsupportedAlgorithm = errors.New("embed: unsupported algorithm")

// Algorithm enumerates the supported node-embedding algorithms.
type Algorithm int

const (
	// AlgorithmNode2Vec embeds nodes via biased random walks
	// (node2vec). Currently the only supported algorithm.
	AlgorithmNode2Vec Algorithm = iota
)

// String returns the canonical lowercase algorithm name.
func (a Algorithm) String() string {
	switch a {
	case AlgorithmNode2Vec:
		return "node2vec"
	default:
		return fmt.Sprintf("Algorithm(%d)", int(a))
	}
}

// ParseAlgorithm maps a configured name onto the enumeration.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch name {
	case "node2vec":
		return AlgorithmNode2Vec, nil
	default:
		return 0, errors.Wrapf(ErrUnsupportedAlgorithm, "%q", name)
	}
}

// Params are the process-wide embedding parameters handed to every
// routine invocation.
type Params struct {
	Dimensions int
	NumWalks   int
	WalkLength int
	WindowSize int
	Iterations int
	Seed       int64
}

// Matrix is a dense embedding matrix; row i is the embedding of the
// i-th node in the accompanying ID list.
type Matrix [][]float64

// Routine computes embeddings for every node of g. It returns the
// matrix and the storage keys of the embedded nodes, row-aligned.
type Routine func(g *graph.Graph, p Params) (Matrix, []string, error)

// Adapter dispatches embedding requests to registered routines.
//
// Example:
//
//	adapter := embed.NewAdapter(params, node2vecBinding)
//	matrix, ids, err := adapter.EmbedNodes(g, embed.AlgorithmNode2Vec)
type Adapter struct {
	params   Params
	routines map[Algorithm]Routine
}

// NewAdapter creates an adapter with the node2vec routine registered.
// A nil routine leaves the algorithm unregistered, so EmbedNodes fails
// with ErrUnsupportedAlgorithm until one is provided.
func NewAdapter(params Params, node2vec Routine) *Adapter {
	routines := make(map[Algorithm]Routine, 1)
	if node2vec != nil {
		routines[AlgorithmNode2Vec] = node2vec
	}
	return &Adapter{params: params, routines: routines}
}

// EmbedNodes runs the routine registered for algorithm against g.
//
// Row i of the returned matrix corresponds to ids[i]. Node identity on
// this path is the logical "id" attribute of each node, distinct from
// the storage key; a node missing that attribute fails the whole
// operation.
func (a *Adapter) EmbedNodes(g *graph.Graph, algorithm Algorithm) (Matrix, []string, error) {
	routine, ok := a.routines[algorithm]
	if !ok {
		return nil, nil, errors.Wrapf(ErrUnsupportedAlgorithm, "%s", algorithm)
	}

	matrix, keys, err := routine(g, a.params)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "embed: %s", algorithm)
	}

	ids := make([]string, len(keys))
	for i, key := range keys {
		attrs, ok := g.Node(key)
		if !ok {
			return nil, nil, errors.Errorf("embed: routine returned unknown node %q", key)
		}
		id, ok := attrs["id"]
		if !ok {
			return nil, nil, errors.Errorf("embed: node %q has no id attribute", key)
		}
		ids[i] = id
	}
	return matrix, ids, nil
}
