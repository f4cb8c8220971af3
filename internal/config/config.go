// Package config holds all mnemo configuration. Settings load from
// <home>/config.yaml and every option is overridable by environment
// variables prefixed MNEMO_.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all mnemo configuration.
type Config struct {
	// Home is the service state directory. Default: ~/.mnemo
	Home string `yaml:"home"`

	// Embedding configures the two embedding roles.
	Embedding EmbeddingConfig `yaml:"embedding"`

	// Vector configures the vector store backend.
	Vector VectorConfig `yaml:"vector"`

	// Journal is the GHAP journal directory. Default: <home>/journal
	Journal string `yaml:"journal"`

	// Limits caps user-provided payload sizes.
	Limits LimitsConfig `yaml:"limits"`

	// Context configures the assembler.
	Context ContextConfig `yaml:"context"`

	// Cluster configures density clustering.
	Cluster ClusterConfig `yaml:"cluster"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// EmbeddingConfig configures the code and semantic embedding roles.
// Dimensions are never configured: they are read from the loaded model.
type EmbeddingConfig struct {
	// Provider: "ollama" or "genai"
	Provider string `yaml:"provider"`

	// CodeModel is the model identifier for the code role.
	CodeModel string `yaml:"code_model"`

	// SemanticModel is the model identifier for the semantic role.
	SemanticModel string `yaml:"semantic_model"`

	// OllamaEndpoint for the local backend. Default: http://localhost:11434
	OllamaEndpoint string `yaml:"ollama_endpoint"`

	// GenAIAPIKey for the cloud backend.
	GenAIAPIKey string `yaml:"genai_api_key"`

	// CacheDir for model-side caches, passed through to backends.
	CacheDir string `yaml:"cache_dir"`

	// BatchSize is the max texts per embed-batch call. Default: 100
	BatchSize int `yaml:"batch_size"`
}

// VectorConfig configures the vector store.
type VectorConfig struct {
	// Backend: "sqlite" or "memory"
	Backend string `yaml:"backend"`

	// Path of the sqlite vector database. Default: <home>/vectors.db
	Path string `yaml:"path"`

	// Timeout for store operations.
	Timeout time.Duration `yaml:"timeout"`
}

// LimitsConfig caps user-provided payload sizes.
type LimitsConfig struct {
	MemoryContent int `yaml:"memory_content"` // default 10000
	CodeSnippet   int `yaml:"code_snippet"`   // default 5000
	ProjectID     int `yaml:"project_id"`     // default 100
	UnitContent   int `yaml:"unit_content"`   // embed-text truncation, default 2000
}

// ContextConfig configures context assembly.
type ContextConfig struct {
	// MaxItemFraction caps one item at this fraction of its source budget.
	MaxItemFraction float64 `yaml:"max_item_fraction"` // default 0.25

	// SimilarityThreshold is the fuzzy-duplicate LCS ratio.
	SimilarityThreshold float64 `yaml:"similarity_threshold"` // default 0.90
}

// ClusterConfig configures density clustering.
type ClusterConfig struct {
	MinClusterSize int `yaml:"min_cluster_size"` // default 3
	MinSamples     int `yaml:"min_samples"`      // default 2

	// Eps is the cosine-distance neighborhood radius. Default: 0.35
	Eps float64 `yaml:"eps"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Debug bool `yaml:"debug"`
}

// Default returns the built-in configuration.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	serviceHome := filepath.Join(home, ".mnemo")
	return &Config{
		Home: serviceHome,
		Embedding: EmbeddingConfig{
			Provider:       "ollama",
			CodeModel:      "embeddinggemma",
			SemanticModel:  "embeddinggemma",
			OllamaEndpoint: "http://localhost:11434",
			BatchSize:      100,
		},
		Vector: VectorConfig{
			Backend: "sqlite",
			Path:    filepath.Join(serviceHome, "vectors.db"),
			Timeout: 30 * time.Second,
		},
		Journal: filepath.Join(serviceHome, "journal"),
		Limits: LimitsConfig{
			MemoryContent: 10000,
			CodeSnippet:   5000,
			ProjectID:     100,
			UnitContent:   2000,
		},
		Context: ContextConfig{
			MaxItemFraction:     0.25,
			SimilarityThreshold: 0.90,
		},
		Cluster: ClusterConfig{
			MinClusterSize: 3,
			MinSamples:     2,
			Eps:            0.35,
		},
	}
}

// Load reads <home>/config.yaml if present, then applies environment
// overrides. A missing config file is not an error.
func Load() (*Config, error) {
	cfg := Default()

	if h := os.Getenv("MNEMO_HOME"); h != "" {
		cfg.Home = h
		cfg.Vector.Path = filepath.Join(h, "vectors.db")
		cfg.Journal = filepath.Join(h, "journal")
	}

	path := filepath.Join(cfg.Home, "config.yaml")
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overrides individual options from MNEMO_* variables.
func (c *Config) applyEnv() {
	setStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setFloat := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}

	setStr("MNEMO_EMBEDDING_PROVIDER", &c.Embedding.Provider)
	setStr("MNEMO_CODE_MODEL", &c.Embedding.CodeModel)
	setStr("MNEMO_SEMANTIC_MODEL", &c.Embedding.SemanticModel)
	setStr("MNEMO_OLLAMA_ENDPOINT", &c.Embedding.OllamaEndpoint)
	setStr("MNEMO_GENAI_API_KEY", &c.Embedding.GenAIAPIKey)
	setStr("MNEMO_EMBEDDING_CACHE_DIR", &c.Embedding.CacheDir)
	setInt("MNEMO_EMBEDDING_BATCH_SIZE", &c.Embedding.BatchSize)

	setStr("MNEMO_VECTOR_BACKEND", &c.Vector.Backend)
	setStr("MNEMO_VECTOR_PATH", &c.Vector.Path)
	if v := os.Getenv("MNEMO_VECTOR_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Vector.Timeout = d
		}
	}

	setStr("MNEMO_JOURNAL", &c.Journal)
	setInt("MNEMO_MEMORY_CONTENT_CAP", &c.Limits.MemoryContent)
	setInt("MNEMO_CODE_SNIPPET_CAP", &c.Limits.CodeSnippet)
	setInt("MNEMO_PROJECT_ID_CAP", &c.Limits.ProjectID)
	setInt("MNEMO_UNIT_CONTENT_CAP", &c.Limits.UnitContent)

	setFloat("MNEMO_CONTEXT_MAX_ITEM_FRACTION", &c.Context.MaxItemFraction)
	setFloat("MNEMO_CONTEXT_SIMILARITY_THRESHOLD", &c.Context.SimilarityThreshold)

	setInt("MNEMO_CLUSTER_MIN_SIZE", &c.Cluster.MinClusterSize)
	setInt("MNEMO_CLUSTER_MIN_SAMPLES", &c.Cluster.MinSamples)
	setFloat("MNEMO_CLUSTER_EPS", &c.Cluster.Eps)

	if v := os.Getenv("MNEMO_DEBUG"); v == "1" || v == "true" {
		c.Logging.Debug = true
	}
}

// MetadataPath returns the relational store path.
func (c *Config) MetadataPath() string {
	return filepath.Join(c.Home, "metadata.db")
}

// EnsureHome creates the home and journal directories.
func (c *Config) EnsureHome() error {
	if err := os.MkdirAll(c.Home, 0o755); err != nil {
		return fmt.Errorf("create home: %w", err)
	}
	if err := os.MkdirAll(c.Journal, 0o755); err != nil {
		return fmt.Errorf("create journal: %w", err)
	}
	return nil
}
