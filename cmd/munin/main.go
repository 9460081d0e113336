// Package main provides the Munin CLI entry point.
//
// The CLI is an operator tool for the namespace files a Munin-backed
// pipeline leaves in its working directory: inspect counts, list
// labels, run bounded subgraph queries, and rewrite files in canonical
// order.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/orneryd/munin/pkg/coherence"
	"github.com/orneryd/munin/pkg/config"
	"github.com/orneryd/munin/pkg/graphml"
	"github.com/orneryd/munin/pkg/logging"
	"github.com/orneryd/munin/pkg/store"
	"github.com/orneryd/munin/pkg/subgraph"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

var (
	flagWorkDir    string
	flagNamespace  string
	flagConfigFile string
	flagEnvFile    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "munin",
		Short: "Munin - file-backed knowledge-graph storage for retrieval pipelines",
		Long: `Munin stores knowledge-graph namespaces as canonical GraphML files
and keeps cooperating worker processes coherent through a shared
lock and staleness protocol.

This CLI inspects and maintains the namespace files of a working
directory.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&flagWorkDir, "workdir", "", "working directory (default from MUNIN_WORKING_DIR)")
	rootCmd.PersistentFlags().StringVar(&flagNamespace, "namespace", "", "namespace to operate on")
	rootCmd.PersistentFlags().StringVar(&flagConfigFile, "config", "", "YAML config file (default from MUNIN_CONFIG_FILE)")
	rootCmd.PersistentFlags().StringVar(&flagEnvFile, "env-file", ".env", "env file to load if present")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Munin v%s (%s)\n", version, commit)
		},
	})

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Print node/edge counts for a namespace (or all namespaces)",
		RunE:  runStats,
	}
	statsCmd.Flags().Bool("all", false, "report every namespace in the working directory")
	rootCmd.AddCommand(statsCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "labels",
		Short: "List all node labels of a namespace, sorted",
		RunE:  runLabels,
	})

	subgraphCmd := &cobra.Command{
		Use:   "subgraph <label>",
		Short: "Extract the bounded knowledge graph around a label (\"*\" for the whole graph)",
		Args:  cobra.ExactArgs(1),
		RunE:  runSubgraph,
	}
	subgraphCmd.Flags().Int("depth", subgraph.DefaultMaxDepth, "maximum edge-distance from the seed node")
	rootCmd.AddCommand(subgraphCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "stabilize",
		Short: "Rewrite a namespace's graph file in canonical order",
		Long: `Rewrite a namespace's graph file in canonical order (nodes sorted by
ID, undirected edges reoriented, edges sorted), so that logically
identical graphs are byte-identical and diffable.`,
		RunE: runStabilize,
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if flagEnvFile != "" {
		if _, err := os.Stat(flagEnvFile); err == nil {
			_ = godotenv.Load(flagEnvFile)
		}
	}

	cfg := config.LoadFromEnv()

	configFile := flagConfigFile
	if configFile == "" {
		configFile = os.Getenv("MUNIN_CONFIG_FILE")
	}
	if configFile != "" {
		if err := cfg.LoadFile(configFile); err != nil {
			return nil, err
		}
	}
	if flagWorkDir != "" {
		cfg.Storage.WorkingDir = flagWorkDir
	}
	return cfg, cfg.Validate()
}

func openStore(cfg *config.Config) (*store.Store, error) {
	if flagNamespace == "" {
		return nil, fmt.Errorf("--namespace is required")
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, err
	}
	s, err := store.New(cfg, flagNamespace, store.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	if err := s.Initialize(); err != nil {
		return nil, err
	}
	return s, nil
}

// namespaces lists every namespace with a graph file in the working
// directory, derived from the fixed graph_<ns>.graphml pattern.
func namespaces(workingDir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(workingDir, "graph_*.graphml"))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		base := filepath.Base(m)
		ns := strings.TrimSuffix(strings.TrimPrefix(base, "graph_"), ".graphml")
		names = append(names, ns)
	}
	sort.Strings(names)
	return names, nil
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	all, _ := cmd.Flags().GetBool("all")
	if !all {
		if flagNamespace == "" {
			return fmt.Errorf("--namespace is required (or use --all)")
		}
		g, err := graphml.Load(coherence.NamespacePaths(cfg.Storage.WorkingDir, flagNamespace).Graph)
		if errors.Is(err, os.ErrNotExist) {
			fmt.Printf("%s: 0 nodes, 0 edges (no file)\n", flagNamespace)
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Printf("%s: %d nodes, %d edges\n", flagNamespace, g.NodeCount(), g.EdgeCount())
		return nil
	}

	names, err := namespaces(cfg.Storage.WorkingDir)
	if err != nil {
		return err
	}

	type stat struct {
		nodes, edges int
	}
	stats := make([]stat, len(names))

	var g errgroup.Group
	for i, ns := range names {
		i, ns := i, ns
		g.Go(func() error {
			graph, err := graphml.Load(coherence.NamespacePaths(cfg.Storage.WorkingDir, ns).Graph)
			if err != nil {
				return err
			}
			stats[i] = stat{nodes: graph.NodeCount(), edges: graph.EdgeCount()}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, ns := range names {
		fmt.Printf("%s: %d nodes, %d edges\n", ns, stats[i].nodes, stats[i].edges)
	}
	return nil
}

func runLabels(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	labels, err := s.GetAllLabels()
	if err != nil {
		return err
	}
	for _, label := range labels {
		fmt.Println(label)
	}
	return nil
}

func runSubgraph(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	s, err := openStore(cfg)
	if err != nil {
		return err
	}
	depth, _ := cmd.Flags().GetInt("depth")
	kg, err := s.GetKnowledgeGraph(args[0], depth)
	if err != nil {
		return err
	}
	out, err := json.MarshalIndent(kg, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runStabilize(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if flagNamespace == "" {
		return fmt.Errorf("--namespace is required")
	}

	paths := coherence.NamespacePaths(cfg.Storage.WorkingDir, flagNamespace)
	locker := coherence.NewFileLocker(paths.Lock)
	release, err := locker.Lock()
	if err != nil {
		return err
	}
	defer release()

	g, err := graphml.Load(paths.Graph)
	if err != nil {
		return err
	}
	data, err := graphml.EncodeBytes(graphml.Stabilize(g))
	if err != nil {
		return err
	}
	if err := graphml.Write(paths.Graph, data); err != nil {
		return err
	}
	fmt.Printf("stabilized %s (%d nodes, %d edges)\n", paths.Graph, g.NodeCount(), g.EdgeCount())
	return nil
}
