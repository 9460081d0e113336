// Package subgraph extracts bounded knowledge-graph views for query
// consumers.
//
// An extraction starts from a label (a substring of a node ID, or "*"
// for the whole graph), expands the ego-neighborhood of the first
// matching node out to a maximum edge-distance, and projects the result
// into the KnowledgeGraph wire shape used by the retrieval pipeline.
// Results are capped at a maximum node count; when the cap is hit,
// nodes are kept by in-subgraph degree descending with ties broken by
// first-encountered order, so truncation is deterministic.
package subgraph

import (
	"encoding/json"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/orneryd/munin/pkg/graph"
	"github.com/orneryd/munin/pkg/metrics"
)

// DefaultMaxDepth is the neighborhood radius used when the caller does
// not specify one.
const DefaultMaxDepth = 5

// DefaultMaxNodes caps the node count of any extraction result.
const DefaultMaxNodes = 500

// KnowledgeGraphNode is the query-time projection of a stored node.
type KnowledgeGraphNode struct {
	ID         string            `json:"id"`
	Labels     []string          `json:"labels"`
	Properties map[string]string `json:"properties"`
}

// KnowledgeGraphEdge is the query-time projection of a stored edge. ID
// is "source-target"; Type is derived from the graph's directedness.
type KnowledgeGraphEdge struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Source     string            `json:"source"`
	Target     string            `json:"target"`
	Properties map[string]string `json:"properties"`
}

// KnowledgeGraph is a bounded, ordered view of a stored graph. It is a
// query result, never the storage representation.
type KnowledgeGraph struct {
	Nodes []KnowledgeGraphNode `json:"nodes"`
	Edges []KnowledgeGraphEdge `json:"edges"`
}

// Extractor runs bounded neighborhood queries against a graph.
type Extractor struct {
	maxNodes int
	log      *zap.Logger
	metrics  *metrics.Metrics
}

// NewExtractor creates an extractor capping results at maxNodes
// (DefaultMaxNodes when <= 0). Logger and metrics may be nil.
func NewExtractor(maxNodes int, log *zap.Logger, m *metrics.Metrics) *Extractor {
	if maxNodes <= 0 {
		maxNodes = DefaultMaxNodes
	}
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &Extractor{maxNodes: maxNodes, log: log, metrics: m}
}

// Extract returns the bounded knowledge graph around label.
//
//   - label "*" selects the entire graph as the candidate.
//   - Otherwise the first node (in insertion order) whose ID contains
//     label as a substring seeds an ego-neighborhood of radius maxDepth
//     (inclusive of the seed). No match yields an empty result and a
//     warning, never an error.
//
// Candidates larger than the node cap are truncated by in-candidate
// degree descending, ties by encounter order; edges referencing a
// dropped node are dropped with it.
func (e *Extractor) Extract(g *graph.Graph, label string, maxDepth int) *KnowledgeGraph {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	result := &KnowledgeGraph{}

	var candidates []string
	if label == "*" {
		candidates = g.NodeIDs()
	} else {
		start, ok := findSeed(g, label)
		if !ok {
			e.log.Warn("no nodes found with label", zap.String("label", label))
			return result
		}
		candidates = egoNodes(g, start, maxDepth)
	}

	edges := inducedEdges(g, candidates)

	if len(candidates) > e.maxNodes {
		before := len(candidates)
		candidates, edges = e.truncate(candidates, edges)
		e.metrics.Truncations.Inc()
		e.log.Info("reduced subgraph to node cap",
			zap.Int("from", before),
			zap.Int("to", len(candidates)),
			zap.Int("depth", maxDepth))
	}

	e.project(g, candidates, edges, result)

	e.log.Info("subgraph query successful",
		zap.String("label", label),
		zap.Int("nodes", len(result.Nodes)),
		zap.Int("edges", len(result.Edges)))
	return result
}

// findSeed returns the first node in natural iteration order whose ID
// contains label as a substring.
func findSeed(g *graph.Graph, label string) (string, bool) {
	for _, id := range g.NodeIDs() {
		if strings.Contains(id, label) {
			return id, true
		}
	}
	return "", false
}

// egoNodes collects all nodes within maxDepth edge-distance of start,
// in BFS visitation order (which is the encounter order used for
// truncation tie-breaks).
func egoNodes(g *graph.Graph, start string, maxDepth int) []string {
	visited := map[string]struct{}{start: {}}
	order := []string{start}
	frontier := []string{start}

	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, id := range frontier {
			for _, neighbor := range g.Neighbors(id) {
				if _, seen := visited[neighbor]; seen {
					continue
				}
				visited[neighbor] = struct{}{}
				order = append(order, neighbor)
				next = append(next, neighbor)
			}
		}
		frontier = next
	}
	return order
}

// inducedEdges returns the edges with both endpoints in the candidate
// set, in edge insertion order.
func inducedEdges(g *graph.Graph, candidates []string) []graph.Endpoints {
	in := make(map[string]struct{}, len(candidates))
	for _, id := range candidates {
		in[id] = struct{}{}
	}
	var edges []graph.Endpoints
	for _, e := range g.Edges() {
		if _, ok := in[e.Source]; !ok {
			continue
		}
		if _, ok := in[e.Target]; !ok {
			continue
		}
		edges = append(edges, e)
	}
	return edges
}

// truncate keeps the maxNodes candidates of highest in-candidate
// degree, ties by encounter order, and drops edges that lost an
// endpoint.
func (e *Extractor) truncate(candidates []string, edges []graph.Endpoints) ([]string, []graph.Endpoints) {
	degree := make(map[string]int, len(candidates))
	for _, edge := range edges {
		degree[edge.Source]++
		if edge.Target != edge.Source {
			degree[edge.Target]++
		}
	}

	ranked := make([]string, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(i, j int) bool {
		return degree[ranked[i]] > degree[ranked[j]]
	})
	ranked = ranked[:e.maxNodes]

	kept := make(map[string]struct{}, len(ranked))
	for _, id := range ranked {
		kept[id] = struct{}{}
	}

	// Preserve encounter order in the surviving node list.
	nodes := make([]string, 0, e.maxNodes)
	for _, id := range candidates {
		if _, ok := kept[id]; ok {
			nodes = append(nodes, id)
		}
	}

	var keptEdges []graph.Endpoints
	for _, edge := range edges {
		if _, ok := kept[edge.Source]; !ok {
			continue
		}
		if _, ok := kept[edge.Target]; !ok {
			continue
		}
		keptEdges = append(keptEdges, edge)
	}
	return nodes, keptEdges
}

// project fills result from the surviving nodes and edges,
// deduplicating by node ID and by the exact "source-target" string (the
// reverse orientation is a distinct edge).
func (e *Extractor) project(g *graph.Graph, nodes []string, edges []graph.Endpoints, result *KnowledgeGraph) {
	edgeType := "UNDIRECTED"
	if g.Directed() {
		edgeType = "DIRECTED"
	}

	seenNodes := make(map[string]struct{}, len(nodes))
	for _, id := range nodes {
		if _, dup := seenNodes[id]; dup {
			continue
		}
		seenNodes[id] = struct{}{}

		attrs, _ := g.Node(id)
		result.Nodes = append(result.Nodes, KnowledgeGraphNode{
			ID:         id,
			Labels:     nodeLabels(id, attrs),
			Properties: attrs,
		})
	}

	seenEdges := make(map[string]struct{}, len(edges))
	for _, edge := range edges {
		id := edge.Source + "-" + edge.Target
		if _, dup := seenEdges[id]; dup {
			continue
		}
		seenEdges[id] = struct{}{}

		attrs, _ := g.Edge(edge.Source, edge.Target)
		result.Edges = append(result.Edges, KnowledgeGraphEdge{
			ID:         id,
			Type:       edgeType,
			Source:     edge.Source,
			Target:     edge.Target,
			Properties: attrs,
		})
	}
}

// nodeLabels builds the projected label list: the node ID itself, plus
// the entity_type attribute folded in. entity_type accepts both a
// scalar value and a JSON array of strings.
func nodeLabels(id string, attrs map[string]string) []string {
	labels := []string{id}
	raw, ok := attrs["entity_type"]
	if !ok || raw == "" {
		return labels
	}
	var list []string
	if err := json.Unmarshal([]byte(raw), &list); err == nil {
		return append(labels, list...)
	}
	return append(labels, raw)
}
