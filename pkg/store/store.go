// Package store exposes the public graph-storage operations of a Munin
// namespace to the retrieval pipeline.
//
// A Store is the per-namespace facade over the in-memory graph
// container (pkg/graph), the coherence protocol (pkg/coherence), the
// canonical GraphML codec (pkg/graphml), the subgraph extractor
// (pkg/subgraph) and the embedding adapter (pkg/embed). Every operation
// — reads included — passes through the coherence controller, so any
// call can block on disk I/O when a peer process has persisted since
// this process's last reload. That is intentional: reload cost is paid
// only when staleness is actually signaled.
//
// Construction is pure; Initialize performs the initial load:
//
//	cfg := config.LoadFromEnv()
//	if err := cfg.Validate(); err != nil {
//		return err
//	}
//	s, err := store.New(cfg, "entities", store.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	if err := s.Initialize(); err != nil {
//		return err
//	}
//
//	s.UpsertNode("alice", map[string]string{"entity_type": "person"})
//	s.UpsertEdge("alice", "bob", map[string]string{"relation": "knows"})
//
//	// Checkpoint at the end of an indexing pass.
//	if err := s.Checkpoint(); err != nil {
//		// coherence.ErrConflict: a peer won the race; re-fetch and reapply.
//	}
//
// Mutations are cooperative at call granularity: each call is its own
// critical section. There is no multi-call atomicity and no deadline;
// lock acquisition blocks until granted.
package store

import (
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orneryd/munin/pkg/coherence"
	"github.com/orneryd/munin/pkg/config"
	"github.com/orneryd/munin/pkg/embed"
	"github.com/orneryd/munin/pkg/graph"
	"github.com/orneryd/munin/pkg/metrics"
	"github.com/orneryd/munin/pkg/subgraph"
)

// Store is the per-namespace graph storage facade. All methods are safe
// for concurrent use; the coherence controller serializes access.
type Store struct {
	namespace string
	writerID  string
	ctrl      *coherence.Controller
	extractor *subgraph.Extractor
	adapter   *embed.Adapter
	log       *zap.Logger
}

type options struct {
	logger   *zap.Logger
	metrics  *metrics.Metrics
	registry *coherence.Registry
	node2vec embed.Routine
}

// Option customizes a Store.
type Option func(*options)

// WithLogger sets the logger. Defaults to a no-op logger.
func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.logger = log }
}

// WithMetrics sets the metrics counter set. Defaults to unregistered
// counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithRegistry overrides the in-process coherence registry used in
// single-process mode. Mostly for tests; production single-process
// deployments share coherence.DefaultRegistry.
func WithRegistry(r *coherence.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithNode2Vec registers the external node2vec embedding routine.
// Without one, EmbedNodes fails with embed.ErrUnsupportedAlgorithm.
func WithNode2Vec(routine embed.Routine) Option {
	return func(o *options) { o.node2vec = routine }
}

// New creates the store for a namespace. No I/O happens here; call
// Initialize before use.
func New(cfg *config.Config, namespace string, opts ...Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &options{
		logger:   zap.NewNop(),
		registry: coherence.DefaultRegistry,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.metrics == nil {
		o.metrics = metrics.NewUnregistered()
	}

	writerID := uuid.NewString()
	paths := coherence.NamespacePaths(cfg.Storage.WorkingDir, namespace)

	var (
		flag   coherence.Flag
		locker coherence.Locker
	)
	switch cfg.Coherence.Mode {
	case config.ModeMultiProcess:
		flag = coherence.NewCrossProcessFlag(paths.Meta, writerID)
		locker = coherence.NewFileLocker(paths.Lock)
	default:
		flag = o.registry.View(namespace)
		locker = coherence.NewInProcessLocker(namespace)
	}

	log := o.logger.With(
		zap.String("namespace", namespace),
		zap.String("writer_id", writerID))

	ctrl := coherence.NewController(coherence.ControllerConfig{
		Namespace: namespace,
		Paths:     paths,
		Directed:  cfg.Storage.Directed,
		Flag:      flag,
		Locker:    locker,
		Logger:    o.logger,
		Metrics:   o.metrics,
	})

	return &Store{
		namespace: namespace,
		writerID:  writerID,
		ctrl:      ctrl,
		extractor: subgraph.NewExtractor(cfg.Storage.MaxGraphNodes, log, o.metrics),
		adapter: embed.NewAdapter(embed.Params{
			Dimensions: cfg.Embedding.Dimensions,
			NumWalks:   cfg.Embedding.NumWalks,
			WalkLength: cfg.Embedding.WalkLength,
			WindowSize: cfg.Embedding.WindowSize,
			Iterations: cfg.Embedding.Iterations,
			Seed:       cfg.Embedding.Seed,
		}, o.node2vec),
		log: log,
	}, nil
}

// Namespace returns the namespace this store serves.
func (s *Store) Namespace() string {
	return s.namespace
}

// WriterID returns this store's unique writer identity, recorded in the
// namespace's meta sidecar whenever this store persists.
func (s *Store) WriterID() string {
	return s.writerID
}

// Initialize loads the persisted graph (empty graph if the file does
// not exist yet) and marks this process's view clean.
func (s *Store) Initialize() error {
	return s.ctrl.Initialize()
}

// HasNode reports whether the node exists.
func (s *Store) HasNode(id string) (bool, error) {
	var ok bool
	err := s.ctrl.WithGraph(func(g *graph.Graph) error {
		ok = g.HasNode(id)
		return nil
	})
	return ok, err
}

// HasEdge reports whether an edge exists between source and target.
func (s *Store) HasEdge(source, target string) (bool, error) {
	var ok bool
	err := s.ctrl.WithGraph(func(g *graph.Graph) error {
		ok = g.HasEdge(source, target)
		return nil
	})
	return ok, err
}

// GetNode returns the node's attributes. A missing node yields
// (nil, false, nil): absence is not an error.
func (s *Store) GetNode(id string) (map[string]string, bool, error) {
	var (
		attrs map[string]string
		ok    bool
	)
	err := s.ctrl.WithGraph(func(g *graph.Graph) error {
		attrs, ok = g.Node(id)
		return nil
	})
	return attrs, ok, err
}

// GetEdge returns the edge's attributes, with the same absence
// semantics as GetNode.
func (s *Store) GetEdge(source, target string) (map[string]string, bool, error) {
	var (
		attrs map[string]string
		ok    bool
	)
	err := s.ctrl.WithGraph(func(g *graph.Graph) error {
		attrs, ok = g.Edge(source, target)
		return nil
	})
	return attrs, ok, err
}

// NodeDegree returns the node's incident-edge count (0 when absent).
func (s *Store) NodeDegree(id string) (int, error) {
	var degree int
	err := s.ctrl.WithGraph(func(g *graph.Graph) error {
		degree = g.Degree(id)
		return nil
	})
	return degree, err
}

// EdgeDegree returns NodeDegree(source) + NodeDegree(target) — the sum
// of the endpoint degrees, not the number of edges between them.
func (s *Store) EdgeDegree(source, target string) (int, error) {
	var degree int
	err := s.ctrl.WithGraph(func(g *graph.Graph) error {
		degree = g.Degree(source) + g.Degree(target)
		return nil
	})
	return degree, err
}

// GetNodeEdges returns the edges incident to the node. A missing node
// yields (nil, false, nil).
func (s *Store) GetNodeEdges(id string) ([]graph.Endpoints, bool, error) {
	var (
		edges []graph.Endpoints
		ok    bool
	)
	err := s.ctrl.WithGraph(func(g *graph.Graph) error {
		edges, ok = g.NodeEdges(id)
		return nil
	})
	return edges, ok, err
}

// UpsertNode creates the node or merges attributes into it (new keys
// overwrite).
func (s *Store) UpsertNode(id string, attrs map[string]string) error {
	return s.ctrl.WithGraph(func(g *graph.Graph) error {
		g.UpsertNode(id, attrs)
		return nil
	})
}

// UpsertEdge creates the edge or merges attributes into it. Missing
// endpoints are auto-created as attribute-less nodes, so the graph
// never holds a dangling edge.
func (s *Store) UpsertEdge(source, target string, attrs map[string]string) error {
	return s.ctrl.WithGraph(func(g *graph.Graph) error {
		if !g.HasNode(source) || !g.HasNode(target) {
			s.log.Debug("auto-creating missing edge endpoints",
				zap.String("source", source),
				zap.String("target", target))
		}
		g.UpsertEdge(source, target, attrs)
		return nil
	})
}

// DeleteNode removes the node and its incident edges. Deleting a
// missing node logs a warning and is not an error.
func (s *Store) DeleteNode(id string) error {
	return s.ctrl.WithGraph(func(g *graph.Graph) error {
		if g.DeleteNode(id) {
			s.log.Debug("node deleted from the graph", zap.String("node", id))
		} else {
			s.log.Warn("node not found in the graph for deletion", zap.String("node", id))
		}
		return nil
	})
}

// RemoveNodes deletes multiple nodes, silently skipping absent ones.
func (s *Store) RemoveNodes(ids []string) error {
	return s.ctrl.WithGraph(func(g *graph.Graph) error {
		for _, id := range ids {
			g.DeleteNode(id)
		}
		return nil
	})
}

// RemoveEdges deletes multiple edges, silently skipping absent ones.
func (s *Store) RemoveEdges(edges []graph.Endpoints) error {
	return s.ctrl.WithGraph(func(g *graph.Graph) error {
		for _, e := range edges {
			g.DeleteEdge(e.Source, e.Target)
		}
		return nil
	})
}

// GetAllLabels returns every node ID, treated as a label, sorted
// ascending.
func (s *Store) GetAllLabels() ([]string, error) {
	var labels []string
	err := s.ctrl.WithGraph(func(g *graph.Graph) error {
		set := make(map[string]struct{}, g.NodeCount())
		for _, id := range g.NodeIDs() {
			set[id] = struct{}{}
		}
		labels = make([]string, 0, len(set))
		for id := range set {
			labels = append(labels, id)
		}
		sort.Strings(labels)
		return nil
	})
	return labels, err
}

// GetKnowledgeGraph returns the bounded subgraph around label (see
// pkg/subgraph). maxDepth <= 0 uses subgraph.DefaultMaxDepth.
func (s *Store) GetKnowledgeGraph(label string, maxDepth int) (*subgraph.KnowledgeGraph, error) {
	var result *subgraph.KnowledgeGraph
	err := s.ctrl.WithGraph(func(g *graph.Graph) error {
		result = s.extractor.Extract(g, label, maxDepth)
		return nil
	})
	return result, err
}

// EmbedNodes computes node embeddings with the named algorithm. Row i
// of the matrix corresponds to ids[i], where node identity is the
// logical "id" attribute. An unknown algorithm is a hard error
// (embed.ErrUnsupportedAlgorithm).
func (s *Store) EmbedNodes(algorithm embed.Algorithm) (embed.Matrix, []string, error) {
	var (
		matrix embed.Matrix
		ids    []string
	)
	err := s.ctrl.WithGraph(func(g *graph.Graph) error {
		var err error
		matrix, ids, err = s.adapter.EmbedNodes(g, algorithm)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return matrix, ids, nil
}

// Checkpoint flushes in-memory mutations to the namespace's file and
// notifies peer processes. This is the indexing-done callback of the
// pipeline. It returns coherence.ErrConflict when a peer persisted
// first (local changes are discarded in favor of the peer's version),
// or a wrapped I/O error on write failure; in both cases the process
// keeps running on its current in-memory graph.
func (s *Store) Checkpoint() error {
	return s.ctrl.Persist()
}
