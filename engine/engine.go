// Package engine wires the Ptolemies components into the running core:
// it opens the two stores, runs the startup reconciliation sweep over the
// intent log, constructs the per-source crawl supervisors, and exposes
// the Retrieval API operations (§6) to in-process callers such as the
// MCP wrapper and the operational CLI.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ptolemies/ptolemies"
	"github.com/ptolemies/ptolemies/cache"
	"github.com/ptolemies/ptolemies/chunk"
	"github.com/ptolemies/ptolemies/crawl"
	"github.com/ptolemies/ptolemies/embed"
	"github.com/ptolemies/ptolemies/fetch"
	"github.com/ptolemies/ptolemies/graphstore"
	"github.com/ptolemies/ptolemies/intent"
	"github.com/ptolemies/ptolemies/pipeline"
	"github.com/ptolemies/ptolemies/quality"
	"github.com/ptolemies/ptolemies/retrieval"
	"github.com/ptolemies/ptolemies/vectorstore"
)

// Engine is the main entry point for the Ptolemies core.
type Engine interface {
	// Crawl runs the ingest pipeline for the given sources. An empty
	// sourceIDs slice crawls every configured source. incremental enables
	// conditional requests against stored document hashes (§4.8).
	Crawl(ctx context.Context, sourceIDs []string, incremental bool) (pipeline.Summary, []pipeline.RunResult, error)

	// Reembed sweeps active chunks with no embedding and fills them in
	// without creating new chunks (§8 scenario 6).
	Reembed(ctx context.Context) (int, error)

	// SemanticSearch is Retrieval API operation 1 (§6).
	SemanticSearch(ctx context.Context, query string, filters vectorstore.Filters, k int) ([]retrieval.SemanticResult, error)

	// GraphSearch is Retrieval API operation 2 (§6).
	GraphSearch(ctx context.Context, seed graphstore.NodeRef, edgeTypes []graphstore.EdgeType, depth, limit int) (graphstore.Subgraph, error)

	// HybridSearch is Retrieval API operation 3 (§6).
	HybridSearch(ctx context.Context, query string, opts retrieval.HybridOptions) (retrieval.HybridResponse, error)

	// Stats is Retrieval API operation 4 (§6).
	Stats(ctx context.Context) (retrieval.Stats, error)

	// GC deletes tombstoned rows past their retention window from both
	// stores and prunes the committed portion of the intent log.
	GC(ctx context.Context, retention time.Duration) (int, error)

	// Verify checks every §8 invariant and returns the violations found.
	Verify(ctx context.Context) ([]Violation, error)

	// VectorStore returns the underlying vector store for diagnostic access.
	VectorStore() *vectorstore.Store

	// GraphStore returns the underlying graph store for diagnostic access.
	GraphStore() *graphstore.Store

	// Close cleanly shuts down both stores.
	Close() error
}

// engine is the concrete implementation of Engine.
type engine struct {
	cfg      ptolemies.Config
	sources  []crawl.SourceConfig
	log      *slog.Logger
	vec      *vectorstore.Store
	graph    *graphstore.Store
	cache    *cache.Cache
	embedder embed.Provider
	weights  quality.Weights
	lexicon  *quality.Lexicon
	intents  *intent.Log
	retriever *retrieval.Engine
}

// New creates a Ptolemies engine from cfg and the crawl seed
// configuration. It opens both stores, rolls back the intent log's dangling
// staged commits (§5: "a recovery sweep at startup"), and leaves the
// engine ready to crawl and serve queries. A missing EMBEDDING_API_KEY
// puts the engine in graph-only mode rather than failing (§6).
func New(cfg ptolemies.Config, sources []crawl.SourceConfig) (Engine, error) {
	if cfg.EmbeddingDim <= 0 {
		return nil, fmt.Errorf("%w: embedding_dim must be positive", ptolemies.ErrInvalidConfig)
	}
	if cfg.MaxChars > 0 && cfg.MinChars > cfg.MaxChars {
		return nil, fmt.Errorf("%w: min_chars exceeds max_chars", ptolemies.ErrInvalidConfig)
	}

	log := NewLogger(cfg.LogLevel)
	ctx := context.Background()

	vec, err := vectorstore.Open(ctx, cfg.VectorStorePath, cfg.EmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("opening vector store: %w", err)
	}
	graph, err := graphstore.Open(ctx, cfg.GraphStorePath)
	if err != nil {
		vec.Close()
		return nil, fmt.Errorf("opening graph store: %w", err)
	}

	// Connection pool size = 2 x fetch parallelism (§5).
	poolSize := 2 * cfg.ConcurrentRequests
	vec.SetPoolSize(poolSize)
	graph.SetPoolSize(poolSize)

	intents := intent.New(vec.DB())
	reconciler := intent.NewReconciler(intents, vec.TombstoneDocument)
	if n, err := reconciler.Run(ctx); err != nil {
		vec.Close()
		graph.Close()
		return nil, fmt.Errorf("reconciling intent log: %w", err)
	} else if n > 0 {
		log.Warn("engine: rolled back dangling staged commits", "count", n)
	}

	var embedder embed.Provider
	if !cfg.GraphOnly() {
		embedder = embed.New(embed.Config{
			BaseURL:   cfg.EmbeddingBaseURL,
			Model:     cfg.EmbeddingModel,
			APIKey:    cfg.EmbeddingAPIKey,
			Dimension: cfg.EmbeddingDim,
		})
	} else {
		log.Info("engine: no embedding API key, running graph-only")
	}

	weights := quality.DefaultWeights()
	var lexicon *quality.Lexicon
	if cfg.LexiconPath != "" {
		weights, lexicon, err = quality.LoadConfig(cfg.LexiconPath)
		if err != nil {
			vec.Close()
			graph.Close()
			return nil, fmt.Errorf("loading scoring config: %w", err)
		}
	}

	c := cache.New(0)
	retriever := retrieval.New(vec, graph, embedder, lexicon, c, cfg, log)

	return &engine{
		cfg:       cfg,
		sources:   sources,
		log:       log,
		vec:       vec,
		graph:     graph,
		cache:     c,
		embedder:  embedder,
		weights:   weights,
		lexicon:   lexicon,
		intents:   intents,
		retriever: retriever,
	}, nil
}

// NewLogger builds the process-wide structured logger, mapping LOG_LEVEL
// to a slog level (default info).
func NewLogger(level string) *slog.Logger {
	var lv slog.LevelVar
	switch strings.ToLower(level) {
	case "debug":
		lv.Set(slog.LevelDebug)
	case "warn", "warning":
		lv.Set(slog.LevelWarn)
	case "error":
		lv.Set(slog.LevelError)
	default:
		lv.Set(slog.LevelInfo)
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: &lv}))
}

func (e *engine) Crawl(ctx context.Context, sourceIDs []string, incremental bool) (pipeline.Summary, []pipeline.RunResult, error) {
	selected, err := e.selectSources(sourceIDs)
	if err != nil {
		return pipeline.Summary{}, nil, err
	}

	runs := make([]pipeline.SourceRun, 0, len(selected))
	for _, src := range selected {
		userAgent := src.UserAgent
		if userAgent == "" {
			userAgent = e.cfg.UserAgent
		}
		fetcher := fetch.New(fetch.Config{
			Timeout:       e.cfg.FetchTimeout,
			UserAgent:     userAgent,
			RespectRobots: e.cfg.RespectRobots && src.RespectsRobots(),
			DelayMS:       src.DelayMS,
		}, e.log)
		chunker := chunk.New(chunk.Config{MaxChars: e.cfg.MaxChars, MinChars: e.cfg.MinChars})
		scorer := quality.New(e.weights, e.lexicon, e.cfg.TopicTopK)

		sup := crawl.New(src, fetcher, chunker, scorer, e.lexicon, e.embedder, e.cfg.EmbeddingModel,
			e.vec, e.graph, e.intents, e.cfg.StateDir, e.log)
		sup.Incremental = incremental
		sup.MinQuality = e.cfg.MinQuality
		sup.OnCommit = func() { e.cache.Invalidate("q:") }
		runs = append(runs, pipeline.SourceRun{Supervisor: sup, SourceID: src.SourceID})
	}

	orch := pipeline.New(e.cfg.ConcurrentRequests, e.log)
	results := orch.RunAll(ctx, runs)
	e.cache.Invalidate("q:")
	return pipeline.Summarize(results), results, nil
}

func (e *engine) selectSources(sourceIDs []string) ([]crawl.SourceConfig, error) {
	if len(sourceIDs) == 0 {
		return e.sources, nil
	}
	byID := make(map[string]crawl.SourceConfig, len(e.sources))
	for _, s := range e.sources {
		byID[s.SourceID] = s
	}
	out := make([]crawl.SourceConfig, 0, len(sourceIDs))
	for _, id := range sourceIDs {
		src, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ptolemies.ErrUnknownSource, id)
		}
		out = append(out, src)
	}
	return out, nil
}

func (e *engine) Reembed(ctx context.Context) (int, error) {
	if e.embedder == nil {
		return 0, &ptolemies.EmbedError{Reason: ptolemies.EmbedTransport,
			Err: fmt.Errorf("no embedding provider configured")}
	}

	total := 0
	for {
		missing, err := e.vec.MissingEmbeddings(ctx, e.cfg.BatchMax)
		if err != nil {
			return total, err
		}
		if len(missing) == 0 {
			return total, nil
		}
		texts := make([]string, len(missing))
		for i, m := range missing {
			texts[i] = m.Content
		}
		vectors, err := e.embedder.Embed(ctx, texts)
		if err != nil {
			return total, err
		}
		for i, m := range missing {
			if vectors[i] == nil {
				continue
			}
			if err := e.vec.UpsertEmbedding(ctx, m.ChunkID, vectors[i], e.cfg.EmbeddingModel); err != nil {
				return total, err
			}
			total++
		}
	}
}

func (e *engine) SemanticSearch(ctx context.Context, query string, filters vectorstore.Filters, k int) ([]retrieval.SemanticResult, error) {
	return e.retriever.SemanticSearch(ctx, query, filters, k)
}

func (e *engine) GraphSearch(ctx context.Context, seed graphstore.NodeRef, edgeTypes []graphstore.EdgeType, depth, limit int) (graphstore.Subgraph, error) {
	return e.retriever.GraphSearch(ctx, seed, edgeTypes, depth, limit)
}

func (e *engine) HybridSearch(ctx context.Context, query string, opts retrieval.HybridOptions) (retrieval.HybridResponse, error) {
	return e.retriever.HybridSearch(ctx, query, opts)
}

func (e *engine) Stats(ctx context.Context) (retrieval.Stats, error) {
	return e.retriever.Stats(ctx)
}

func (e *engine) GC(ctx context.Context, retention time.Duration) (int, error) {
	nVec, err := e.vec.GC(ctx, retention)
	if err != nil {
		return 0, err
	}
	nGraph, err := e.graph.GC(ctx, retention)
	if err != nil {
		return nVec, err
	}
	if _, err := e.intents.Prune(ctx, retention); err != nil {
		return nVec + nGraph, err
	}
	e.cache.Invalidate("q:")
	return nVec + nGraph, nil
}

func (e *engine) VectorStore() *vectorstore.Store { return e.vec }
func (e *engine) GraphStore() *graphstore.Store   { return e.graph }

func (e *engine) Close() error {
	vecErr := e.vec.Close()
	graphErr := e.graph.Close()
	if vecErr != nil {
		return vecErr
	}
	return graphErr
}
