// Package config handles Munin configuration via environment variables
// and an optional YAML file.
//
// Configuration is loaded from MUNIN_* environment variables using
// LoadFromEnv(), optionally layered under a YAML file with LoadFile(),
// and validated with Validate() before use.
//
// Example Usage:
//
//	cfg := config.LoadFromEnv()
//	if path := os.Getenv("MUNIN_CONFIG_FILE"); path != "" {
//		if err := cfg.LoadFile(path); err != nil {
//			log.Fatalf("Invalid config file: %v", err)
//		}
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//
// Environment Variables:
//   - MUNIN_WORKING_DIR="./data"        — namespace file directory
//   - MUNIN_GRAPH_DIRECTED=false        — directedness of new namespaces
//   - MUNIN_MAX_GRAPH_NODES=500         — knowledge-graph node cap
//   - MUNIN_COHERENCE_MODE="single"     — "single" or "multi" process
//   - MUNIN_NODE2VEC_DIMENSIONS=1536
//   - MUNIN_NODE2VEC_NUM_WALKS=10
//   - MUNIN_NODE2VEC_WALK_LENGTH=40
//   - MUNIN_NODE2VEC_WINDOW_SIZE=2
//   - MUNIN_NODE2VEC_ITERATIONS=3
//   - MUNIN_NODE2VEC_SEED=3
//   - MUNIN_LOG_LEVEL="info"
//   - MUNIN_LOG_DEVELOPMENT=false
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Coherence modes.
const (
	ModeSingleProcess = "single"
	ModeMultiProcess  = "multi"
)

// Config holds all Munin configuration.
//
// Use LoadFromEnv() (plus LoadFile() for YAML overrides) to construct,
// then Validate() before handing it to stores.
type Config struct {
	// Storage settings for namespace graph files
	Storage StorageConfig `yaml:"storage"`

	// Coherence settings for cross-process consistency
	Coherence CoherenceConfig `yaml:"coherence"`

	// Embedding parameters for node embedding routines
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging"`
}

// StorageConfig holds graph file settings.
type StorageConfig struct {
	// WorkingDir is the directory holding one graph file per namespace
	WorkingDir string `yaml:"working_dir"`
	// Directed selects the directedness of namespaces that have never
	// been persisted; an existing file's directedness always wins
	Directed bool `yaml:"directed"`
	// MaxGraphNodes caps knowledge-graph query results
	MaxGraphNodes int `yaml:"max_graph_nodes"`
}

// CoherenceConfig holds cross-process consistency settings.
type CoherenceConfig struct {
	// Mode is "single" (in-process flags and locks) or "multi"
	// (flock + meta sidecar shared through the working directory)
	Mode string `yaml:"mode"`
}

// EmbeddingConfig holds the process-wide node2vec parameters.
type EmbeddingConfig struct {
	Dimensions int   `yaml:"dimensions"`
	NumWalks   int   `yaml:"num_walks"`
	WalkLength int   `yaml:"walk_length"`
	WindowSize int   `yaml:"window_size"`
	Iterations int   `yaml:"iterations"`
	Seed       int64 `yaml:"seed"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is a zap level name: debug, info, warn, error
	Level string `yaml:"level"`
	// Development enables human-readable console output
	Development bool `yaml:"development"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			WorkingDir:    "./data",
			Directed:      false,
			MaxGraphNodes: 500,
		},
		Coherence: CoherenceConfig{
			Mode: ModeSingleProcess,
		},
		Embedding: EmbeddingConfig{
			Dimensions: 1536,
			NumWalks:   10,
			WalkLength: 40,
			WindowSize: 2,
			Iterations: 3,
			Seed:       3,
		},
		Logging: LoggingConfig{
			Level:       "info",
			Development: false,
		},
	}
}

// LoadFromEnv builds a Config from MUNIN_* environment variables,
// falling back to defaults for anything unset.
func LoadFromEnv() *Config {
	cfg := Default()

	cfg.Storage.WorkingDir = getEnv("MUNIN_WORKING_DIR", cfg.Storage.WorkingDir)
	cfg.Storage.Directed = getEnvBool("MUNIN_GRAPH_DIRECTED", cfg.Storage.Directed)
	cfg.Storage.MaxGraphNodes = getEnvInt("MUNIN_MAX_GRAPH_NODES", cfg.Storage.MaxGraphNodes)

	cfg.Coherence.Mode = getEnv("MUNIN_COHERENCE_MODE", cfg.Coherence.Mode)

	cfg.Embedding.Dimensions = getEnvInt("MUNIN_NODE2VEC_DIMENSIONS", cfg.Embedding.Dimensions)
	cfg.Embedding.NumWalks = getEnvInt("MUNIN_NODE2VEC_NUM_WALKS", cfg.Embedding.NumWalks)
	cfg.Embedding.WalkLength = getEnvInt("MUNIN_NODE2VEC_WALK_LENGTH", cfg.Embedding.WalkLength)
	cfg.Embedding.WindowSize = getEnvInt("MUNIN_NODE2VEC_WINDOW_SIZE", cfg.Embedding.WindowSize)
	cfg.Embedding.Iterations = getEnvInt("MUNIN_NODE2VEC_ITERATIONS", cfg.Embedding.Iterations)
	cfg.Embedding.Seed = getEnvInt64("MUNIN_NODE2VEC_SEED", cfg.Embedding.Seed)

	cfg.Logging.Level = getEnv("MUNIN_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Development = getEnvBool("MUNIN_LOG_DEVELOPMENT", cfg.Logging.Development)

	return cfg
}

// LoadFile merges a YAML file over the current values. Fields absent
// from the file keep their existing values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "config: read %s", path)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return errors.Wrapf(err, "config: parse %s", path)
	}
	return nil
}

// Validate checks the configuration for use.
func (c *Config) Validate() error {
	if c.Storage.WorkingDir == "" {
		return errors.New("config: storage.working_dir must be set")
	}
	if c.Storage.MaxGraphNodes <= 0 {
		return errors.Errorf("config: storage.max_graph_nodes must be positive, got %d", c.Storage.MaxGraphNodes)
	}
	switch c.Coherence.Mode {
	case ModeSingleProcess, ModeMultiProcess:
	default:
		return errors.Errorf("config: coherence.mode must be %q or %q, got %q",
			ModeSingleProcess, ModeMultiProcess, c.Coherence.Mode)
	}
	if c.Embedding.Dimensions <= 0 {
		return errors.Errorf("config: embedding.dimensions must be positive, got %d", c.Embedding.Dimensions)
	}
	return nil
}

// String returns a short human-readable summary (no secrets to redact;
// kept for log lines).
func (c *Config) String() string {
	return fmt.Sprintf("workdir=%s mode=%s directed=%t max_nodes=%d",
		c.Storage.WorkingDir, c.Coherence.Mode, c.Storage.Directed, c.Storage.MaxGraphNodes)
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}
