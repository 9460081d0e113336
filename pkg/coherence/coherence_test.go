package coherence

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/munin/pkg/graph"
)

func newTestController(t *testing.T, dir, namespace, writer string) *Controller {
	t.Helper()
	paths := NamespacePaths(dir, namespace)
	return NewController(ControllerConfig{
		Namespace: namespace,
		Paths:     paths,
		Flag:      NewCrossProcessFlag(paths.Meta, writer),
		Locker:    NewFileLocker(paths.Lock),
	})
}

func TestNamespacePaths(t *testing.T) {
	paths := NamespacePaths("/data", "chunks")
	assert.Equal(t, "/data/graph_chunks.graphml", paths.Graph)
	assert.Equal(t, "/data/graph_chunks.meta.json", paths.Meta)
	assert.Equal(t, "/data/graph_chunks.lock", paths.Lock)
}

func TestMeta(t *testing.T) {
	t.Run("missing_sidecar_reads_as_version_zero", func(t *testing.T) {
		m, err := ReadMeta(filepath.Join(t.TempDir(), "graph_ns.meta.json"))
		require.NoError(t, err)
		assert.Equal(t, uint64(0), m.Version)
	})

	t.Run("round_trips", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "graph_ns.meta.json")
		in := Meta{Version: 7, Checksum: "xxh64:00000000deadbeef", Writer: "w-1"}
		require.NoError(t, WriteMeta(path, in))

		out, err := ReadMeta(path)
		require.NoError(t, err)
		assert.Equal(t, in.Version, out.Version)
		assert.Equal(t, in.Checksum, out.Checksum)
		assert.Equal(t, in.Writer, out.Writer)
	})

	t.Run("rejects_corrupt_sidecar", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "graph_ns.meta.json")
		require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

		_, err := ReadMeta(path)
		assert.Error(t, err)
	})
}

func TestInProcessFlags(t *testing.T) {
	t.Run("mark_peers_staleness_propagates_to_other_views_only", func(t *testing.T) {
		reg := NewRegistry()
		a := reg.View("ns")
		b := reg.View("ns")

		require.NoError(t, a.MarkPeers("xxh64:0"))

		staleA, err := a.Stale()
		require.NoError(t, err)
		assert.False(t, staleA, "the writer's own view must stay clean")

		staleB, err := b.Stale()
		require.NoError(t, err)
		assert.True(t, staleB)

		require.NoError(t, b.Clear())
		staleB, err = b.Stale()
		require.NoError(t, err)
		assert.False(t, staleB)
	})

	t.Run("namespaces_are_independent", func(t *testing.T) {
		reg := NewRegistry()
		a := reg.View("ns1")
		b := reg.View("ns2")

		require.NoError(t, a.MarkPeers(""))

		stale, err := b.Stale()
		require.NoError(t, err)
		assert.False(t, stale)
	})
}

func TestCrossProcessFlags(t *testing.T) {
	dir := t.TempDir()
	meta := filepath.Join(dir, "graph_ns.meta.json")

	a := NewCrossProcessFlag(meta, "proc-a")
	b := NewCrossProcessFlag(meta, "proc-b")
	require.NoError(t, a.Clear())
	require.NoError(t, b.Clear())

	require.NoError(t, a.MarkPeers("xxh64:1111111111111111"))

	staleA, err := a.Stale()
	require.NoError(t, err)
	assert.False(t, staleA)

	staleB, err := b.Stale()
	require.NoError(t, err)
	assert.True(t, staleB)

	m, err := ReadMeta(meta)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), m.Version)
	assert.Equal(t, "proc-a", m.Writer)
	assert.Equal(t, "xxh64:1111111111111111", m.Checksum)
}

func TestFileLocker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph_ns.lock")
	locker := NewFileLocker(path)
	defer locker.Close()

	release, err := locker.Lock()
	require.NoError(t, err)
	release()

	// Reacquirable after release.
	release, err = locker.Lock()
	require.NoError(t, err)
	release()
}

func TestController_Initialize(t *testing.T) {
	t.Run("missing_file_starts_empty", func(t *testing.T) {
		ctrl := newTestController(t, t.TempDir(), "ns", "w")
		require.NoError(t, ctrl.Initialize())

		err := ctrl.WithGraph(func(g *graph.Graph) error {
			assert.Equal(t, 0, g.NodeCount())
			assert.Equal(t, 0, g.EdgeCount())
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("loads_existing_file", func(t *testing.T) {
		dir := t.TempDir()

		writer := newTestController(t, dir, "ns", "w1")
		require.NoError(t, writer.Initialize())
		require.NoError(t, writer.WithGraph(func(g *graph.Graph) error {
			g.UpsertEdge("A", "B", nil)
			return nil
		}))
		require.NoError(t, writer.Persist())

		reader := newTestController(t, dir, "ns", "w2")
		require.NoError(t, reader.Initialize())
		err := reader.WithGraph(func(g *graph.Graph) error {
			assert.True(t, g.HasEdge("A", "B"))
			return nil
		})
		require.NoError(t, err)
	})
}

func TestController_ReloadCoherence(t *testing.T) {
	dir := t.TempDir()

	a := newTestController(t, dir, "ns", "proc-a")
	b := newTestController(t, dir, "ns", "proc-b")
	require.NoError(t, a.Initialize())
	require.NoError(t, b.Initialize())

	// A persists new state after B's last reload.
	require.NoError(t, a.WithGraph(func(g *graph.Graph) error {
		g.UpsertNode("written-by-a", map[string]string{"entity_type": "event"})
		return nil
	}))
	require.NoError(t, a.Persist())

	// B's next read must observe A's written state.
	err := b.WithGraph(func(g *graph.Graph) error {
		assert.True(t, g.HasNode("written-by-a"))
		return nil
	})
	require.NoError(t, err)
}

func TestController_ConflictDetection(t *testing.T) {
	dir := t.TempDir()

	a := newTestController(t, dir, "ns", "proc-a")
	b := newTestController(t, dir, "ns", "proc-b")
	require.NoError(t, a.Initialize())
	require.NoError(t, b.Initialize())

	// B mutates in memory but does not reload before persisting.
	require.NoError(t, b.WithGraph(func(g *graph.Graph) error {
		g.UpsertNode("written-by-b", nil)
		return nil
	}))

	// A persists first.
	require.NoError(t, a.WithGraph(func(g *graph.Graph) error {
		g.UpsertNode("written-by-a", nil)
		return nil
	}))
	require.NoError(t, a.Persist())

	// B's persist must fail and B's graph must be replaced by A's state.
	err := b.Persist()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflict)

	require.NoError(t, b.WithGraph(func(g *graph.Graph) error {
		assert.True(t, g.HasNode("written-by-a"))
		assert.False(t, g.HasNode("written-by-b"), "local uncommitted changes are discarded")
		return nil
	}))

	// The conflicting write never reached disk.
	other := newTestController(t, dir, "ns", "proc-c")
	require.NoError(t, other.Initialize())
	require.NoError(t, other.WithGraph(func(g *graph.Graph) error {
		assert.False(t, g.HasNode("written-by-b"))
		return nil
	}))
}

func TestController_PersistWritesCanonicalBytes(t *testing.T) {
	dir := t.TempDir()

	a := newTestController(t, dir, "ns", "w")
	require.NoError(t, a.Initialize())
	require.NoError(t, a.WithGraph(func(g *graph.Graph) error {
		g.UpsertEdge("zeta", "alpha", nil)
		g.UpsertNode("mid", nil)
		return nil
	}))
	require.NoError(t, a.Persist())
	first, err := os.ReadFile(NamespacePaths(dir, "ns").Graph)
	require.NoError(t, err)

	// Same logical graph built in a different order, separate namespace.
	b := newTestController(t, dir, "ns2", "w")
	require.NoError(t, b.Initialize())
	require.NoError(t, b.WithGraph(func(g *graph.Graph) error {
		g.UpsertNode("mid", nil)
		g.UpsertEdge("alpha", "zeta", nil)
		return nil
	}))
	require.NoError(t, b.Persist())
	second, err := os.ReadFile(NamespacePaths(dir, "ns2").Graph)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestController_PersistReportsIOFailure(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "workdir")
	require.NoError(t, os.Mkdir(dir, 0o755))

	ctrl := newTestController(t, dir, "ns", "w")
	require.NoError(t, ctrl.Initialize())
	require.NoError(t, ctrl.WithGraph(func(g *graph.Graph) error {
		g.UpsertNode("n", nil)
		return nil
	}))

	// Pull the working directory out from under the writer so the
	// temp-file creation fails.
	require.NoError(t, os.RemoveAll(dir))

	err := ctrl.Persist()
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrConflict)

	// The process keeps running on its in-memory graph.
	require.NoError(t, ctrl.WithGraph(func(g *graph.Graph) error {
		assert.True(t, g.HasNode("n"))
		return nil
	}))
}
