package coherence

import (
	"os"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/orneryd/munin/pkg/graph"
	"github.com/orneryd/munin/pkg/graphml"
	"github.com/orneryd/munin/pkg/metrics"
)

// ErrConflict is returned by Persist when a peer process persisted
// since this process's last reload. The local uncommitted changes have
// been discarded and the in-memory graph replaced by the peer's
// persisted version; the caller must re-fetch state and reapply its
// mutation before retrying.
var ErrConflict = errors.New("coherence: conflict: peer persisted since last reload")

// Controller owns one namespace's in-memory graph and runs the
// coherence protocol around every access.
//
// Construction is pure; call Initialize before first use to perform the
// initial load. All other methods assume Initialize succeeded.
//
// Example:
//
//	paths := coherence.NamespacePaths(cfg.Storage.WorkingDir, "entities")
//	ctrl := coherence.NewController(coherence.ControllerConfig{
//		Namespace: "entities",
//		Paths:     paths,
//		Flag:      coherence.NewCrossProcessFlag(paths.Meta, writerID),
//		Locker:    coherence.NewFileLocker(paths.Lock),
//		Logger:    logger,
//		Metrics:   m,
//	})
//	if err := ctrl.Initialize(); err != nil {
//		return err
//	}
type Controller struct {
	namespace string
	paths     Paths
	directed  bool
	flag      Flag
	locker    Locker
	log       *zap.Logger
	metrics   *metrics.Metrics

	graph *graph.Graph
}

// ControllerConfig configures a Controller. Logger and Metrics are
// optional; nil values are replaced with no-op equivalents.
type ControllerConfig struct {
	Namespace string
	Paths     Paths
	// Directed selects the directedness of a namespace that has never
	// been persisted. An existing file's directedness always wins.
	Directed bool
	Flag     Flag
	Locker   Locker
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

// NewController creates a controller. No I/O happens here; the initial
// load is Initialize's job so construction cannot fail.
func NewController(cfg ControllerConfig) *Controller {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &Controller{
		namespace: cfg.Namespace,
		paths:     cfg.Paths,
		directed:  cfg.Directed,
		flag:      cfg.Flag,
		locker:    cfg.Locker,
		log:       log.With(zap.String("namespace", cfg.Namespace)),
		metrics:   m,
	}
}

// Initialize loads the namespace's persisted graph, or starts an empty
// graph when the file does not exist yet, and adopts the current
// persisted version as clean.
func (c *Controller) Initialize() error {
	release, err := c.locker.Lock()
	if err != nil {
		return err
	}
	defer release()

	if err := c.loadLocked(); err != nil {
		return err
	}
	if err := c.flag.Clear(); err != nil {
		return errors.Wrapf(err, "coherence: clear flag for %s", c.namespace)
	}
	c.log.Info("graph storage initialized",
		zap.Int("nodes", c.graph.NodeCount()),
		zap.Int("edges", c.graph.EdgeCount()))
	return nil
}

// WithGraph runs fn with exclusive access to the namespace's current
// graph, reloading it first if a peer persisted since the last reload.
// The graph reference must not escape fn: a later reload replaces it.
func (c *Controller) WithGraph(fn func(g *graph.Graph) error) error {
	release, err := c.locker.Lock()
	if err != nil {
		return err
	}
	defer release()

	if err := c.refreshLocked(); err != nil {
		return err
	}
	return fn(c.graph)
}

// Persist flushes the in-memory graph to the namespace's file.
//
// If a peer persisted since this process's last reload, Persist does
// NOT write: it reloads the peer's version, discards local changes, and
// returns ErrConflict. Otherwise it stabilizes the graph into canonical
// order, writes the file atomically, and marks every other process's
// view stale (never its own).
//
// I/O failures are returned wrapped with namespace context; the process
// keeps running on its current in-memory graph.
func (c *Controller) Persist() error {
	release, err := c.locker.Lock()
	if err != nil {
		return err
	}
	defer release()

	stale, err := c.flag.Stale()
	if err != nil {
		return errors.Wrapf(err, "coherence: check flag for %s", c.namespace)
	}
	if stale {
		c.log.Warn("graph updated by another process, discarding local changes",
			zap.Int("local_nodes", c.graph.NodeCount()),
			zap.Int("local_edges", c.graph.EdgeCount()))
		if err := c.loadLocked(); err != nil {
			return err
		}
		if err := c.flag.Clear(); err != nil {
			return errors.Wrapf(err, "coherence: clear flag for %s", c.namespace)
		}
		c.metrics.Conflicts.Inc()
		c.metrics.Checkpoints.WithLabelValues(metrics.StatusConflict).Inc()
		return errors.WithStack(ErrConflict)
	}

	// Canonicalize before every write so logically identical graphs
	// persist to identical bytes.
	stable := graphml.Stabilize(c.graph)
	data, err := graphml.EncodeBytes(stable)
	if err != nil {
		c.metrics.Checkpoints.WithLabelValues(metrics.StatusError).Inc()
		return errors.Wrapf(err, "coherence: encode graph for %s", c.namespace)
	}

	c.log.Info("writing graph",
		zap.Int("nodes", stable.NodeCount()),
		zap.Int("edges", stable.EdgeCount()),
		zap.String("path", c.paths.Graph))

	if err := graphml.Write(c.paths.Graph, data); err != nil {
		c.metrics.Checkpoints.WithLabelValues(metrics.StatusError).Inc()
		c.log.Error("graph write failed",
			zap.Int("nodes", stable.NodeCount()),
			zap.Int("edges", stable.EdgeCount()),
			zap.Error(err))
		return errors.Wrapf(err, "coherence: persist %s", c.namespace)
	}
	if err := c.flag.MarkPeers(graphml.Checksum(data)); err != nil {
		c.metrics.Checkpoints.WithLabelValues(metrics.StatusError).Inc()
		return errors.Wrapf(err, "coherence: notify peers for %s", c.namespace)
	}
	c.metrics.Checkpoints.WithLabelValues(metrics.StatusOK).Inc()
	return nil
}

// refreshLocked reloads the graph when the flag signals a peer write.
// Caller holds the namespace lock.
func (c *Controller) refreshLocked() error {
	stale, err := c.flag.Stale()
	if err != nil {
		return errors.Wrapf(err, "coherence: check flag for %s", c.namespace)
	}
	if !stale {
		return nil
	}
	c.log.Info("reloading graph due to update by another process")
	if err := c.loadLocked(); err != nil {
		return err
	}
	if err := c.flag.Clear(); err != nil {
		return errors.Wrapf(err, "coherence: clear flag for %s", c.namespace)
	}
	c.metrics.Reloads.Inc()
	return nil
}

// loadLocked replaces the in-memory graph with the persisted one, or an
// empty graph when the file is absent. Caller holds the namespace lock.
func (c *Controller) loadLocked() error {
	g, err := graphml.Load(c.paths.Graph)
	if errors.Is(err, os.ErrNotExist) {
		c.graph = graph.New(c.directed)
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "coherence: load graph for %s", c.namespace)
	}
	c.graph = g
	return nil
}
