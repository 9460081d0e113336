// Package graph provides the in-memory property graph container used by
// Munin's namespace stores.
//
// A Graph holds string-keyed nodes with flat string attribute maps, and
// edges between node pairs with their own attribute maps. Graphs can be
// directed or undirected; for undirected graphs the edge (A, B) and the
// edge (B, A) are the same edge, stored under a normalized key.
//
// Graphs preserve insertion order for both nodes and edges. This matters:
// the subgraph extractor breaks degree ties by first-encountered order,
// and label scans walk nodes in natural iteration order, so iteration
// must be deterministic and must reflect the order entities were added.
//
// A Graph is NOT safe for concurrent use. The coherence layer owns the
// namespace lock and hands out scoped access; see pkg/coherence.
//
// Example Usage:
//
//	g := graph.New(false) // undirected
//	g.UpsertNode("alice", map[string]string{"entity_type": "person"})
//	g.UpsertNode("bob", map[string]string{"entity_type": "person"})
//	g.UpsertEdge("alice", "bob", map[string]string{"relation": "knows"})
//
//	fmt.Println(g.HasEdge("bob", "alice")) // true (undirected)
//	fmt.Println(g.Degree("alice"))         // 1
package graph

import "sort"

// Endpoints identifies an edge by its two node IDs.
//
// For undirected graphs the pair is normalized (Source <= Target under
// string ordering) before being used as a storage key, so callers may
// pass endpoints in either order. For directed graphs the pair is
// significant as given.
type Endpoints struct {
	Source string
	Target string
}

// Graph is an insertion-ordered property graph.
//
// Node attributes and edge attributes are flat string maps, matching the
// GraphML data model (every value serializes as a string anyway).
type Graph struct {
	directed bool

	nodes     map[string]map[string]string
	nodeOrder []string

	edges     map[Endpoints]map[string]string
	edgeOrder []Endpoints

	// incident indexes edge keys by endpoint for O(degree) lookups.
	incident map[string]map[Endpoints]struct{}
}

// New creates an empty graph. Directedness is fixed for the lifetime of
// the graph and is preserved through serialization.
func New(directed bool) *Graph {
	return &Graph{
		directed: directed,
		nodes:    make(map[string]map[string]string),
		edges:    make(map[Endpoints]map[string]string),
		incident: make(map[string]map[Endpoints]struct{}),
	}
}

// Directed reports whether the graph is directed.
func (g *Graph) Directed() bool {
	return g.directed
}

// key normalizes an endpoint pair into the edge storage key.
func (g *Graph) key(source, target string) Endpoints {
	if !g.directed && source > target {
		source, target = target, source
	}
	return Endpoints{Source: source, Target: target}
}

// HasNode reports whether a node with the given ID exists.
func (g *Graph) HasNode(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

// HasEdge reports whether an edge exists between source and target.
// For undirected graphs the endpoint order is irrelevant.
func (g *Graph) HasEdge(source, target string) bool {
	_, ok := g.edges[g.key(source, target)]
	return ok
}

// Node returns a copy of the node's attributes and whether the node
// exists. Absence is not an error. The copy prevents callers from
// mutating stored state outside the coherence lock.
func (g *Graph) Node(id string) (map[string]string, bool) {
	attrs, ok := g.nodes[id]
	if !ok {
		return nil, false
	}
	return copyAttrs(attrs), true
}

// Edge returns a copy of the edge's attributes and whether the edge
// exists.
func (g *Graph) Edge(source, target string) (map[string]string, bool) {
	attrs, ok := g.edges[g.key(source, target)]
	if !ok {
		return nil, false
	}
	return copyAttrs(attrs), true
}

// Degree returns the number of edges incident to the node. For directed
// graphs this counts both incoming and outgoing edges. A missing node
// has degree 0.
func (g *Graph) Degree(id string) int {
	return len(g.incident[id])
}

// NodeEdges returns the edges incident to the node, in edge insertion
// order, and whether the node exists. A node with no edges yields an
// empty (non-nil) slice; a missing node yields (nil, false).
func (g *Graph) NodeEdges(id string) ([]Endpoints, bool) {
	if !g.HasNode(id) {
		return nil, false
	}
	set := g.incident[id]
	edges := make([]Endpoints, 0, len(set))
	for _, key := range g.edgeOrder {
		if _, ok := set[key]; ok {
			edges = append(edges, key)
		}
	}
	return edges, true
}

// UpsertNode creates the node if absent, otherwise merges the given
// attributes into the existing ones (new keys overwrite).
func (g *Graph) UpsertNode(id string, attrs map[string]string) {
	existing, ok := g.nodes[id]
	if !ok {
		g.nodes[id] = copyAttrs(attrs)
		g.nodeOrder = append(g.nodeOrder, id)
		return
	}
	for k, v := range attrs {
		existing[k] = v
	}
}

// UpsertEdge creates the edge if absent, otherwise merges attributes.
// Missing endpoints are auto-created as attribute-less nodes so the
// graph never references nodes that do not exist.
func (g *Graph) UpsertEdge(source, target string, attrs map[string]string) {
	if !g.HasNode(source) {
		g.UpsertNode(source, nil)
	}
	if !g.HasNode(target) {
		g.UpsertNode(target, nil)
	}

	key := g.key(source, target)
	existing, ok := g.edges[key]
	if !ok {
		g.edges[key] = copyAttrs(attrs)
		g.edgeOrder = append(g.edgeOrder, key)
		g.addIncident(key)
		return
	}
	for k, v := range attrs {
		existing[k] = v
	}
}

// DeleteNode removes the node and all edges incident to it. It reports
// whether the node existed; deleting a missing node is a no-op.
func (g *Graph) DeleteNode(id string) bool {
	if !g.HasNode(id) {
		return false
	}
	for key := range g.incident[id] {
		g.deleteEdgeKey(key)
	}
	delete(g.nodes, id)
	delete(g.incident, id)
	g.nodeOrder = removeString(g.nodeOrder, id)
	return true
}

// DeleteEdge removes the edge between source and target, reporting
// whether it existed.
func (g *Graph) DeleteEdge(source, target string) bool {
	key := g.key(source, target)
	if _, ok := g.edges[key]; !ok {
		return false
	}
	g.deleteEdgeKey(key)
	return true
}

// NodeIDs returns all node IDs in insertion order.
func (g *Graph) NodeIDs() []string {
	ids := make([]string, len(g.nodeOrder))
	copy(ids, g.nodeOrder)
	return ids
}

// SortedNodeIDs returns all node IDs sorted ascending by string order.
func (g *Graph) SortedNodeIDs() []string {
	ids := g.NodeIDs()
	sort.Strings(ids)
	return ids
}

// Edges returns all edge keys in insertion order.
func (g *Graph) Edges() []Endpoints {
	edges := make([]Endpoints, len(g.edgeOrder))
	copy(edges, g.edgeOrder)
	return edges
}

// NodeCount returns the number of nodes.
func (g *Graph) NodeCount() int {
	return len(g.nodes)
}

// EdgeCount returns the number of edges.
func (g *Graph) EdgeCount() int {
	return len(g.edges)
}

// Neighbors returns the IDs adjacent to the node, in edge insertion
// order. For directed graphs this includes both predecessors and
// successors, which is what bounded neighborhood expansion wants.
func (g *Graph) Neighbors(id string) []string {
	edges, ok := g.NodeEdges(id)
	if !ok {
		return nil
	}
	seen := make(map[string]struct{}, len(edges))
	neighbors := make([]string, 0, len(edges))
	for _, e := range edges {
		other := e.Source
		if other == id {
			other = e.Target
		}
		if _, dup := seen[other]; dup {
			continue
		}
		seen[other] = struct{}{}
		neighbors = append(neighbors, other)
	}
	return neighbors
}

func (g *Graph) addIncident(key Endpoints) {
	for _, id := range []string{key.Source, key.Target} {
		set, ok := g.incident[id]
		if !ok {
			set = make(map[Endpoints]struct{})
			g.incident[id] = set
		}
		set[key] = struct{}{}
	}
}

func (g *Graph) deleteEdgeKey(key Endpoints) {
	delete(g.edges, key)
	g.edgeOrder = removeEndpoints(g.edgeOrder, key)
	for _, id := range []string{key.Source, key.Target} {
		if set, ok := g.incident[id]; ok {
			delete(set, key)
		}
	}
}

func copyAttrs(attrs map[string]string) map[string]string {
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}

func removeString(s []string, v string) []string {
	for i, x := range s {
		if x == v {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}

func removeEndpoints(s []Endpoints, v Endpoints) []Endpoints {
	for i, x := range s {
		if x == v {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}
