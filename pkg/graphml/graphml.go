// Package graphml implements the canonical GraphML persistence codec.
//
// Each namespace persists to a single GraphML file. The codec guarantees
// that topologically identical graphs always serialize to identical
// bytes, which is what makes the persisted files diffable and auditable
// across processes. Determinism comes from two layers:
//
//  1. Stabilize produces a canonical graph: nodes sorted ascending by
//     ID, undirected edges reoriented so source <= target, edges sorted
//     by the key "source -> target".
//  2. Encode declares attribute keys in sorted order and emits elements
//     in graph iteration order, so a canonical graph yields canonical
//     bytes.
//
// Map iteration order in Go is randomized, the same way the original
// file format's iteration order is unstable; without Stabilize two
// processes holding the same logical graph would write byte-different
// files. The persist path in pkg/coherence always stabilizes before
// writing.
package graphml

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/pkg/errors"

	"github.com/orneryd/munin/pkg/graph"
)

const xmlns = "http://graphml.graphdrawing.org/xmlns"

// Stabilize returns a canonical copy of g: same nodes, same edges, same
// attributes, rebuilt in the canonical total order. Stabilizing an
// already-canonical graph is a no-op in terms of serialized bytes.
func Stabilize(g *graph.Graph) *graph.Graph {
	fixed := graph.New(g.Directed())

	for _, id := range g.SortedNodeIDs() {
		attrs, _ := g.Node(id)
		fixed.UpsertNode(id, attrs)
	}

	edges := g.Edges()
	if !g.Directed() {
		for i, e := range edges {
			if e.Source > e.Target {
				edges[i] = graph.Endpoints{Source: e.Target, Target: e.Source}
			}
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		return edgeKey(edges[i]) < edgeKey(edges[j])
	})

	for _, e := range edges {
		attrs, _ := g.Edge(e.Source, e.Target)
		fixed.UpsertEdge(e.Source, e.Target, attrs)
	}
	return fixed
}

func edgeKey(e graph.Endpoints) string {
	return fmt.Sprintf("%s -> %s", e.Source, e.Target)
}

// Checksum returns the content checksum recorded in the namespace meta
// sidecar, as "xxh64:<hex>".
func Checksum(b []byte) string {
	return fmt.Sprintf("xxh64:%016x", xxhash.Sum64(b))
}

type xmlData struct {
	Key   string `xml:"key,attr"`
	Value string `xml:",chardata"`
}

type xmlKey struct {
	ID   string `xml:"id,attr"`
	For  string `xml:"for,attr"`
	Name string `xml:"attr.name,attr"`
	Type string `xml:"attr.type,attr"`
}

type xmlNode struct {
	ID   string    `xml:"id,attr"`
	Data []xmlData `xml:"data"`
}

type xmlEdge struct {
	Source string    `xml:"source,attr"`
	Target string    `xml:"target,attr"`
	Data   []xmlData `xml:"data"`
}

type xmlGraph struct {
	EdgeDefault string    `xml:"edgedefault,attr"`
	Nodes       []xmlNode `xml:"node"`
	Edges       []xmlEdge `xml:"edge"`
}

type xmlDoc struct {
	XMLName xml.Name `xml:"graphml"`
	Xmlns   string   `xml:"xmlns,attr"`
	Keys    []xmlKey `xml:"key"`
	Graph   xmlGraph `xml:"graph"`
}

// Encode writes g as GraphML. Byte determinism holds when g is
// canonical (see Stabilize); attribute keys are always declared in
// sorted order regardless.
func Encode(w io.Writer, g *graph.Graph) error {
	doc := buildDoc(g)

	if _, err := io.WriteString(w, xml.Header); err != nil {
		return errors.Wrap(err, "graphml: write header")
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return errors.Wrap(err, "graphml: encode")
	}
	// xml.Encoder does not emit a trailing newline.
	if _, err := io.WriteString(w, "\n"); err != nil {
		return errors.Wrap(err, "graphml: write trailer")
	}
	return nil
}

// EncodeBytes is Encode into a byte slice.
func EncodeBytes(g *graph.Graph) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, g); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func buildDoc(g *graph.Graph) *xmlDoc {
	nodeKeys := attrKeyTable(collectNodeAttrNames(g), "node", 0)
	edgeKeys := attrKeyTable(collectEdgeAttrNames(g), "edge", len(nodeKeys))

	doc := &xmlDoc{
		Xmlns: xmlns,
		Graph: xmlGraph{EdgeDefault: "undirected"},
	}
	if g.Directed() {
		doc.Graph.EdgeDefault = "directed"
	}

	nodeKeyID := make(map[string]string, len(nodeKeys))
	for _, k := range nodeKeys {
		doc.Keys = append(doc.Keys, k)
		nodeKeyID[k.Name] = k.ID
	}
	edgeKeyID := make(map[string]string, len(edgeKeys))
	for _, k := range edgeKeys {
		doc.Keys = append(doc.Keys, k)
		edgeKeyID[k.Name] = k.ID
	}

	for _, id := range g.NodeIDs() {
		attrs, _ := g.Node(id)
		doc.Graph.Nodes = append(doc.Graph.Nodes, xmlNode{
			ID:   id,
			Data: dataEntries(attrs, nodeKeyID),
		})
	}
	for _, e := range g.Edges() {
		attrs, _ := g.Edge(e.Source, e.Target)
		doc.Graph.Edges = append(doc.Graph.Edges, xmlEdge{
			Source: e.Source,
			Target: e.Target,
			Data:   dataEntries(attrs, edgeKeyID),
		})
	}
	return doc
}

func attrKeyTable(names []string, forKind string, offset int) []xmlKey {
	keys := make([]xmlKey, len(names))
	for i, name := range names {
		keys[i] = xmlKey{
			ID:   fmt.Sprintf("d%d", offset+i),
			For:  forKind,
			Name: name,
			Type: "string",
		}
	}
	return keys
}

func collectNodeAttrNames(g *graph.Graph) []string {
	set := make(map[string]struct{})
	for _, id := range g.NodeIDs() {
		attrs, _ := g.Node(id)
		for name := range attrs {
			set[name] = struct{}{}
		}
	}
	return sortedNames(set)
}

func collectEdgeAttrNames(g *graph.Graph) []string {
	set := make(map[string]struct{})
	for _, e := range g.Edges() {
		attrs, _ := g.Edge(e.Source, e.Target)
		for name := range attrs {
			set[name] = struct{}{}
		}
	}
	return sortedNames(set)
}

func sortedNames(set map[string]struct{}) []string {
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func dataEntries(attrs map[string]string, keyID map[string]string) []xmlData {
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make([]xmlData, 0, len(names))
	for _, name := range names {
		entries = append(entries, xmlData{Key: keyID[name], Value: attrs[name]})
	}
	return entries
}

// Decode parses a GraphML document into a graph. Unknown attribute keys
// are tolerated; attr.type is ignored since all values round-trip as
// strings.
func Decode(r io.Reader) (*graph.Graph, error) {
	var doc xmlDoc
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, errors.Wrap(err, "graphml: decode")
	}

	keyName := make(map[string]string, len(doc.Keys))
	for _, k := range doc.Keys {
		keyName[k.ID] = k.Name
	}

	g := graph.New(doc.Graph.EdgeDefault == "directed")
	for _, n := range doc.Graph.Nodes {
		g.UpsertNode(n.ID, attrsFromData(n.Data, keyName))
	}
	for _, e := range doc.Graph.Edges {
		g.UpsertEdge(e.Source, e.Target, attrsFromData(e.Data, keyName))
	}
	return g, nil
}

func attrsFromData(data []xmlData, keyName map[string]string) map[string]string {
	if len(data) == 0 {
		return nil
	}
	attrs := make(map[string]string, len(data))
	for _, d := range data {
		name, ok := keyName[d.Key]
		if !ok {
			name = d.Key
		}
		attrs[name] = d.Value
	}
	return attrs
}

// Load reads and decodes the GraphML file at path. A missing file is
// reported as an error wrapping os.ErrNotExist; callers treat it as an
// empty graph.
func Load(path string) (*graph.Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "graphml: open %s", path)
	}
	defer f.Close()
	return Decode(f)
}

// Write atomically replaces the file at path with the given encoded
// bytes, via a temp file and rename so concurrent readers never observe
// a partially-written graph.
func Write(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "graphml: create temp in %s", dir)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "graphml: write %s", tmpName)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "graphml: sync %s", tmpName)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "graphml: close %s", tmpName)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errors.Wrapf(err, "graphml: rename to %s", path)
	}
	return nil
}
