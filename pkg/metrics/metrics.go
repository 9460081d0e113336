// Package metrics exposes Prometheus counters for the coherence and
// query paths. Counters only — the store's observable behavior is cheap
// to count and expensive to sample, and operators mostly care about
// reload/conflict rates when tuning checkpoint cadence.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Checkpoint statuses recorded on the checkpoints counter.
const (
	StatusOK       = "ok"
	StatusConflict = "conflict"
	StatusError    = "error"
)

// Metrics holds the counter set for one process. Share one instance
// across all namespace stores registered against the same registry.
type Metrics struct {
	// Reloads counts graph reloads triggered by peer staleness.
	Reloads prometheus.Counter
	// Conflicts counts persist attempts rejected because a peer wrote
	// since the last reload.
	Conflicts prometheus.Counter
	// Checkpoints counts persist attempts by outcome status.
	Checkpoints *prometheus.CounterVec
	// Truncations counts knowledge-graph results cut to the node cap.
	Truncations prometheus.Counter
}

// New registers the counter set against reg and returns it.
//
// Example:
//
//	m := metrics.New(prometheus.DefaultRegisterer)
//	store, _ := store.New(cfg, "chunks", store.WithMetrics(m))
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Reloads: factory.NewCounter(prometheus.CounterOpts{
			Name: "munin_graph_reloads_total",
			Help: "Graph reloads triggered by peer update notifications.",
		}),
		Conflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "munin_persist_conflicts_total",
			Help: "Persist attempts rejected due to a concurrent peer write.",
		}),
		Checkpoints: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "munin_checkpoints_total",
			Help: "Checkpoint attempts by outcome.",
		}, []string{"status"}),
		Truncations: factory.NewCounter(prometheus.CounterOpts{
			Name: "munin_subgraph_truncations_total",
			Help: "Knowledge-graph extractions truncated to the node cap.",
		}),
	}
}

// NewUnregistered returns a counter set backed by a private registry,
// for libraries and tests that do not export metrics.
func NewUnregistered() *Metrics {
	return New(prometheus.NewRegistry())
}
