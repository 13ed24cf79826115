package ptolemies

import (
	"os"
	"time"
)

// Config holds all configuration for the Ptolemies engine.
type Config struct {
	// StateDir holds per-source checkpoints (state/<source_id>.ckpt).
	StateDir string `json:"state_dir" yaml:"state_dir"`
	// CacheDir is reserved for a future on-disk cache backing; the C9
	// cache itself is in-process only.
	CacheDir string `json:"cache_dir" yaml:"cache_dir"`
	// VectorStorePath is the SQLite file backing the Vector Store.
	VectorStorePath string `json:"vector_store_path" yaml:"vector_store_path"`
	// GraphStorePath is the SQLite file backing the Graph Store. Defaults
	// to VectorStorePath (both stores may share one database file, as
	// the schema keeps them in disjoint tables).
	GraphStorePath string `json:"graph_store_path" yaml:"graph_store_path"`

	// Embedding provider.
	EmbeddingAPIKey  string `json:"-" yaml:"-"`
	EmbeddingBaseURL string `json:"embedding_base_url" yaml:"embedding_base_url"`
	EmbeddingModel   string `json:"embedding_model" yaml:"embedding_model"`
	// EmbeddingDim is the process-wide constant dimension D (§3). It must
	// not change across the lifetime of a store without a full re-embed.
	EmbeddingDim int `json:"embedding_dim" yaml:"embedding_dim"`

	// Chunking (§4.3).
	MaxChars int `json:"max_chars" yaml:"max_chars"`
	MinChars int `json:"min_chars" yaml:"min_chars"`

	// Quality scoring (§4.4).
	MinQuality float64 `json:"min_quality" yaml:"min_quality"`
	TopicTopK  int     `json:"topic_top_k" yaml:"topic_top_k"`
	LexiconPath string `json:"lexicon_path" yaml:"lexicon_path"`

	// Embedding batching (§4.5).
	BatchMax int `json:"batch_max" yaml:"batch_max"`

	// Pipeline Orchestrator (§4.11).
	ConcurrentRequests int `json:"concurrent_requests" yaml:"concurrent_requests"`
	QueueCapacity      int `json:"queue_capacity" yaml:"queue_capacity"`

	// Fetcher (§4.1).
	FetchTimeout time.Duration `json:"fetch_timeout" yaml:"fetch_timeout"`
	UserAgent    string        `json:"user_agent" yaml:"user_agent"`
	RespectRobots bool         `json:"respect_robots" yaml:"respect_robots"`

	// Retrieval fusion weights by strategy (§4.10), keyed by strategy name.
	WeightsBalanced     [2]float64 `json:"-" yaml:"-"`
	WeightsSemanticFirst [2]float64 `json:"-" yaml:"-"`
	WeightsGraphFirst   [2]float64 `json:"-" yaml:"-"`

	LogLevel string `json:"log_level" yaml:"log_level"`
}

// DefaultConfig returns a Config with the defaults named throughout §4.
func DefaultConfig() Config {
	return Config{
		StateDir:        "state",
		CacheDir:        "cache",
		VectorStorePath: "ptolemies.db",
		GraphStorePath:  "ptolemies.db",

		EmbeddingBaseURL: "https://api.openai.com",
		EmbeddingModel:   "text-embedding-3-small",
		EmbeddingDim:     1536,

		MaxChars: 1200,
		MinChars: 100,

		MinQuality:  0.5,
		TopicTopK:   8,
		LexiconPath: "",

		BatchMax: 100,

		ConcurrentRequests: 5,
		QueueCapacity:      64,

		FetchTimeout:  30 * time.Second,
		UserAgent:     "PtolemiesBot/1.0 (+https://github.com/ptolemies/ptolemies)",
		RespectRobots: true,

		WeightsBalanced:      [2]float64{0.6, 0.4},
		WeightsSemanticFirst: [2]float64{0.8, 0.2},
		WeightsGraphFirst:    [2]float64{0.3, 0.7},

		LogLevel: "info",
	}
}

// ResolveEnv overlays the §6 recognized environment variables onto cfg,
// returning the resolved copy. Absent EMBEDDING_API_KEY leaves the engine
// in graph-only mode (handled by the Embedder/orchestrator, not here).
func (c Config) ResolveEnv() Config {
	if v := os.Getenv("EMBEDDING_API_KEY"); v != "" {
		c.EmbeddingAPIKey = v
	}
	if v := os.Getenv("VECTOR_STORE_URL"); v != "" {
		c.VectorStorePath = v
	}
	if v := os.Getenv("GRAPH_STORE_URL"); v != "" {
		c.GraphStorePath = v
	}
	if v := os.Getenv("STATE_DIR"); v != "" {
		c.StateDir = v
	}
	if v := os.Getenv("CACHE_DIR"); v != "" {
		c.CacheDir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	return c
}

// GraphOnly reports whether the engine must run without an embedding
// provider (§6: "Absent EMBEDDING_API_KEY runs the engine in
// 'graph-only' mode").
func (c Config) GraphOnly() bool { return c.EmbeddingAPIKey == "" }

// WeightsFor returns the (w_v, w_g) fusion weight pair for a retrieval
// strategy name (§4.10 step 6). Unknown strategies fall back to balanced.
func (c Config) WeightsFor(strategy string) (wv, wg float64) {
	switch strategy {
	case "semantic_first":
		return c.WeightsSemanticFirst[0], c.WeightsSemanticFirst[1]
	case "graph_first":
		return c.WeightsGraphFirst[0], c.WeightsGraphFirst[1]
	default:
		return c.WeightsBalanced[0], c.WeightsBalanced[1]
	}
}
