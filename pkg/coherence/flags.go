// Package coherence keeps cooperating processes' in-memory graphs
// consistent with the persisted file for each namespace.
//
// The protocol is single-writer-per-checkpoint, multi-reader:
//
//   - Every access goes through the namespace lock and checks a
//     staleness flag. If a peer persisted since this process's last
//     reload, the in-memory graph is discarded and reloaded from disk
//     before the access proceeds.
//   - Persisting acquires the same lock, detects whether a peer won the
//     race (conflict: reload and report failure, never blind-overwrite),
//     otherwise writes the canonical file and marks every other
//     process's view stale.
//
// The guarantee is that every successful read observes a fully-written
// graph, never a partial one. It is explicitly NOT a no-lost-updates
// scheme: a writer that persists after missing a reload notification
// loses the race, gets ErrConflict, and must re-fetch and reapply.
//
// ELI12:
//
// Imagine several people sharing one whiteboard photo. Everyone works
// from their own printout. Before reading your printout you glance at a
// counter on the wall; if someone bumped it since you last printed, you
// throw your printout away and print a fresh copy. Before pinning up
// your own changes you check the counter again — if someone beat you to
// it, your changes are stale and you start over from their version
// instead of papering over it.
//
// Staleness is tracked as a version counter rather than a raw boolean:
// each successful persist advances the persisted version, and a process
// view is stale exactly when the persisted version differs from the
// version it last loaded. The counter lives in memory for single-process
// deployments (InProcess mode) and in a meta sidecar file next to the
// graph file for multi-process deployments (CrossProcess mode).
package coherence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Flag is one process view of a namespace's staleness state.
//
// Implementations are chosen once at construction (in-process counter
// vs meta-file counter); operations never branch on deployment mode.
type Flag interface {
	// Stale reports whether a peer persisted since this view's last
	// Clear or MarkPeers.
	Stale() (bool, error)

	// Clear adopts the current persisted version as this view's local
	// version, transitioning the view to clean.
	Clear() error

	// MarkPeers advances the persisted version and adopts it locally,
	// so every other view becomes stale and the caller's own does not.
	// The checksum of the just-written graph bytes is recorded for
	// diagnostics where the backing supports it.
	MarkPeers(checksum string) error
}

// Paths holds the per-namespace file locations in the working
// directory. The naming pattern is fixed: one graph file, one meta
// sidecar, one lock file per namespace.
type Paths struct {
	Graph string
	Meta  string
	Lock  string
}

// NamespacePaths returns the file locations for a namespace.
func NamespacePaths(workingDir, namespace string) Paths {
	base := "graph_" + namespace
	return Paths{
		Graph: filepath.Join(workingDir, base+".graphml"),
		Meta:  filepath.Join(workingDir, base+".meta.json"),
		Lock:  filepath.Join(workingDir, base+".lock"),
	}
}

// =============================================================================
// IN-PROCESS MODE
// =============================================================================

// Registry is the shared in-process version counter table, one counter
// per namespace. All stores of a single-process deployment share one
// Registry, mirroring how multi-process deployments share a working
// directory.
type Registry struct {
	mu       sync.Mutex
	versions map[string]uint64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{versions: make(map[string]uint64)}
}

// DefaultRegistry is the process-wide registry used when no explicit
// registry is injected.
var DefaultRegistry = NewRegistry()

// View returns a new per-store flag view onto the namespace's counter.
// The view starts stale relative to nothing: its local version is the
// current shared version, i.e. clean.
func (r *Registry) View(namespace string) *InProcessFlag {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &InProcessFlag{registry: r, namespace: namespace, local: r.versions[namespace]}
}

// InProcessFlag is a Flag backed by the shared in-process Registry.
type InProcessFlag struct {
	registry  *Registry
	namespace string
	local     uint64
}

// Stale implements Flag.
func (f *InProcessFlag) Stale() (bool, error) {
	f.registry.mu.Lock()
	defer f.registry.mu.Unlock()
	return f.registry.versions[f.namespace] != f.local, nil
}

// Clear implements Flag.
func (f *InProcessFlag) Clear() error {
	f.registry.mu.Lock()
	defer f.registry.mu.Unlock()
	f.local = f.registry.versions[f.namespace]
	return nil
}

// MarkPeers implements Flag. The checksum is ignored in-process; there
// is no sidecar to record it in.
func (f *InProcessFlag) MarkPeers(string) error {
	f.registry.mu.Lock()
	defer f.registry.mu.Unlock()
	f.registry.versions[f.namespace]++
	f.local = f.registry.versions[f.namespace]
	return nil
}

// =============================================================================
// CROSS-PROCESS MODE
// =============================================================================

// Meta is the sidecar record written next to each namespace's graph
// file. Version is the coherence counter; Checksum and Writer exist for
// diagnosis (which process wrote the bytes currently on disk, and what
// they hash to).
type Meta struct {
	Version   uint64    `json:"version"`
	Checksum  string    `json:"checksum,omitempty"`
	Writer    string    `json:"writer,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ReadMeta loads the sidecar at path. A missing sidecar decodes as the
// zero Meta (version 0): a namespace that has never been persisted.
func ReadMeta(path string) (Meta, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Meta{}, nil
	}
	if err != nil {
		return Meta{}, errors.Wrapf(err, "coherence: read meta %s", path)
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return Meta{}, errors.Wrapf(err, "coherence: parse meta %s", path)
	}
	return m, nil
}

// WriteMeta atomically replaces the sidecar at path.
func WriteMeta(path string, m Meta) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return errors.Wrap(err, "coherence: marshal meta")
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrapf(err, "coherence: create temp meta for %s", path)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "coherence: write meta %s", tmpName)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "coherence: close meta %s", tmpName)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errors.Wrapf(err, "coherence: rename meta to %s", path)
	}
	return nil
}

// CrossProcessFlag is a Flag backed by the meta sidecar file, shared by
// every process pointed at the same working directory.
//
// Callers must hold the namespace lock around Stale/Clear/MarkPeers;
// the flag itself performs no locking (the lock protects the graph file
// and the sidecar together).
type CrossProcessFlag struct {
	path   string
	writer string
	local  uint64
}

// NewCrossProcessFlag creates a view onto the namespace's sidecar.
// writer identifies this process in the sidecar's diagnostics fields.
func NewCrossProcessFlag(metaPath, writer string) *CrossProcessFlag {
	return &CrossProcessFlag{path: metaPath, writer: writer}
}

// Stale implements Flag.
func (f *CrossProcessFlag) Stale() (bool, error) {
	m, err := ReadMeta(f.path)
	if err != nil {
		return false, err
	}
	return m.Version != f.local, nil
}

// Clear implements Flag.
func (f *CrossProcessFlag) Clear() error {
	m, err := ReadMeta(f.path)
	if err != nil {
		return err
	}
	f.local = m.Version
	return nil
}

// MarkPeers implements Flag.
func (f *CrossProcessFlag) MarkPeers(checksum string) error {
	m, err := ReadMeta(f.path)
	if err != nil {
		return err
	}
	next := Meta{
		Version:   m.Version + 1,
		Checksum:  checksum,
		Writer:    f.writer,
		UpdatedAt: time.Now().UTC(),
	}
	if err := WriteMeta(f.path, next); err != nil {
		return err
	}
	f.local = next.Version
	return nil
}
