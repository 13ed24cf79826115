// Package retrieval implements the Hybrid Retrieval component (C10): the
// Retrieval API's three search operations and their weighted fusion of
// vector similarity with graph proximity (§4.10, §6).
package retrieval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/ptolemies/ptolemies"
	"github.com/ptolemies/ptolemies/cache"
	"github.com/ptolemies/ptolemies/embed"
	"github.com/ptolemies/ptolemies/graphstore"
	"github.com/ptolemies/ptolemies/quality"
	"github.com/ptolemies/ptolemies/vectorstore"
)

// Strategy names recognized by hybrid_search (§4.10).
const (
	StrategyBalanced      = "balanced"
	StrategySemanticFirst = "semantic_first"
	StrategyGraphFirst    = "graph_first"
)

// SemanticResult is one semantic_search hit (§6 operation 1).
type SemanticResult struct {
	ChunkID      string  `json:"chunk_id"`
	SourceID     string  `json:"source_id"`
	URL          string  `json:"url"`
	Title        string  `json:"title"`
	Content      string  `json:"content"`
	Score        float64 `json:"score"`
	QualityScore float64 `json:"quality_score"`
}

// HybridOptions configures hybrid_search (§4.10).
type HybridOptions struct {
	Frameworks   []string
	MaxResults   int
	SimThreshold float64
	Depth        int
	Strategy     string
}

// FusedResult is one hybrid_search hit with its fusion provenance.
type FusedResult struct {
	SemanticResult
	FusedScore       float64  `json:"fused_score"`
	Provenance       []string `json:"provenance"` // "vector", "graph", or both
	HopDistance      int      `json:"hop_distance,omitempty"`
}

// HybridResponse is the hybrid_search return shape (§6 operation 3).
type HybridResponse struct {
	Results    []FusedResult `json:"results"`
	Partial    bool          `json:"partial,omitempty"`
}

// Stats is the C10 stats() result (§6 operation 4).
type Stats struct {
	Vector vectorstore.Stats `json:"vector"`
	Graph  graphstore.Stats  `json:"graph"`
}

// Engine performs semantic, graph, and hybrid retrieval over the Vector
// Store and Graph Store, fusing results per §4.10 and caching per §4.9.
type Engine struct {
	vec      *vectorstore.Store
	graph    *graphstore.Store
	embedder embed.Provider
	lexicon  *quality.Lexicon
	cache    *cache.Cache
	cfg      ptolemies.Config
	log      *slog.Logger
}

// New constructs a hybrid retrieval Engine. lexicon and c may be nil: a nil
// lexicon disables candidate-entity extraction (graph path returns no
// results); a nil cache disables caching (every call is computed fresh).
func New(vec *vectorstore.Store, graph *graphstore.Store, embedder embed.Provider, lexicon *quality.Lexicon, c *cache.Cache, cfg ptolemies.Config, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{vec: vec, graph: graph, embedder: embedder, lexicon: lexicon, cache: c, cfg: cfg, log: log}
}

// SemanticSearch embeds query and returns the top-k chunks by cosine
// similarity (§6 operation 1).
func (e *Engine) SemanticSearch(ctx context.Context, query string, filters vectorstore.Filters, k int) ([]SemanticResult, error) {
	if k <= 0 {
		k = 10
	}
	key := cache.SemanticKey(query, fmt.Sprintf("%v", filters), k)
	if e.cache != nil {
		if raw, ok := e.cache.Get(key); ok {
			var out []SemanticResult
			if err := json.Unmarshal(raw, &out); err == nil {
				return out, nil
			}
		}
	}

	qvec, err := e.embedQuery(ctx, query)
	if err != nil {
		return nil, err
	}

	scored, err := e.vec.SimilaritySearch(ctx, qvec, k, filters)
	if err != nil {
		return nil, err
	}

	results, err := e.hydrate(ctx, scored)
	if err != nil {
		return nil, err
	}

	if e.cache != nil {
		if raw, err := json.Marshal(results); err == nil {
			e.cache.Put(key, raw, cache.TTLSemantic)
		}
	}
	return results, nil
}

// GraphSearch traverses the Graph Store from seedEntity (§6 operation 2).
func (e *Engine) GraphSearch(ctx context.Context, seedEntity graphstore.NodeRef, edgeTypes []graphstore.EdgeType, depth, limit int) (graphstore.Subgraph, error) {
	if e.graph == nil {
		return graphstore.Subgraph{}, nil
	}

	types := make([]string, len(edgeTypes))
	for i, t := range edgeTypes {
		types[i] = string(t)
	}
	key := cache.GraphKey(string(seedEntity.Label)+":"+seedEntity.ID, types, depth, limit)
	if e.cache != nil {
		if raw, ok := e.cache.Get(key); ok {
			var out graphstore.Subgraph
			if err := json.Unmarshal(raw, &out); err == nil {
				return out, nil
			}
		}
	}

	sub, err := e.graph.Neighbors(ctx, seedEntity, edgeTypes, graphstore.DirOut, depth, limit)
	if err != nil {
		return graphstore.Subgraph{}, err
	}
	if e.cache != nil {
		if raw, err := json.Marshal(sub); err == nil {
			e.cache.Put(key, raw, cache.TTLGraph)
		}
	}
	return sub, nil
}

// HybridSearch fuses semantic similarity with graph proximity per §4.10's
// algorithm: cache lookup, embed with one retry, lexicon-based candidate
// entity extraction, a vector path and a graph path run independently,
// then fusion F = w_v*sim + w_g*graph_proximity, deduped by chunk_id and
// sorted by F desc, quality_score desc, chunk_id asc.
func (e *Engine) HybridSearch(ctx context.Context, queryText string, opts HybridOptions) (HybridResponse, error) {
	if opts.MaxResults <= 0 {
		opts.MaxResults = 10
	}
	if opts.SimThreshold == 0 {
		opts.SimThreshold = 0.7
	}
	if opts.Depth <= 0 {
		opts.Depth = 2
	}
	if opts.Strategy == "" {
		opts.Strategy = StrategyBalanced
	}

	key := cache.HybridKey(queryText+"|"+fmt.Sprint(opts.Frameworks), opts.Strategy, opts.MaxResults, opts.SimThreshold, opts.Depth)
	if e.cache != nil {
		if raw, ok := e.cache.Get(key); ok {
			var out HybridResponse
			if err := json.Unmarshal(raw, &out); err == nil {
				return out, nil
			}
		}
	}

	wv, wg := e.cfg.WeightsFor(opts.Strategy)

	vecResults, vecErr := e.hybridVectorPath(ctx, queryText, opts)
	graphResults, graphErr := e.hybridGraphPath(ctx, queryText, opts)

	if vecErr != nil && graphErr != nil {
		return HybridResponse{}, ptolemies.ErrBothPathsFailed
	}

	partial := vecErr != nil || graphErr != nil
	if vecErr != nil {
		e.log.Warn("hybrid_search: vector path failed, falling back to graph-only", "error", vecErr)
	}
	if graphErr != nil {
		e.log.Warn("hybrid_search: graph path failed, falling back to vector-only", "error", graphErr)
	}

	fused := fuse(vecResults, graphResults, wv, wg)
	if len(fused) > opts.MaxResults {
		fused = fused[:opts.MaxResults]
	}

	resp := HybridResponse{Results: fused, Partial: partial}
	if e.cache != nil {
		if raw, err := json.Marshal(resp); err == nil {
			e.cache.Put(key, raw, cache.TTLHybrid)
		}
	}
	return resp, nil
}

// vecHit is an intermediate vector-path hit before fusion.
type vecHit struct {
	SemanticResult
	sim float64
}

// graphHit is an intermediate graph-path hit before fusion.
type graphHit struct {
	chunkID     string
	hopDistance int
}

func (e *Engine) hybridVectorPath(ctx context.Context, queryText string, opts HybridOptions) ([]vecHit, error) {
	qvec, err := e.embedQuery(ctx, queryText)
	if err != nil {
		return nil, err
	}

	k := opts.MaxResults * 2
	filters := vectorstore.Filters{
		SourceIDs:  opts.Frameworks,
		MinQuality: e.cfg.MinQuality,
	}
	scored, err := e.vec.SimilaritySearch(ctx, qvec, k, filters)
	if err != nil {
		return nil, err
	}

	var kept []vectorstore.Scored
	for _, s := range scored {
		if s.Score >= opts.SimThreshold {
			kept = append(kept, s)
		}
	}

	results, err := e.hydrate(ctx, kept)
	if err != nil {
		return nil, err
	}
	hits := make([]vecHit, len(results))
	for i, r := range results {
		hits[i] = vecHit{SemanticResult: r, sim: r.Score}
	}
	return hits, nil
}

func (e *Engine) hybridGraphPath(ctx context.Context, queryText string, opts HybridOptions) ([]graphHit, error) {
	if e.lexicon == nil || e.graph == nil {
		return nil, nil
	}

	matches := e.lexicon.Match(queryText)
	if len(matches) == 0 {
		return nil, nil
	}

	hopDistance := make(map[string]int)
	for _, m := range matches {
		seed := graphstore.NodeRef{Label: graphstore.Label(m.Kind), ID: m.Canonical}
		for hop := 1; hop <= opts.Depth; hop++ {
			sub, err := e.graph.Neighbors(ctx, seed, []graphstore.EdgeType{
				graphstore.EdgeCoversTopic, graphstore.EdgeIntegratesWith, graphstore.EdgeRelatedTo,
			}, graphstore.DirBoth, hop, 200)
			if err != nil {
				return nil, err
			}
			for _, n := range sub.Nodes {
				if n.Label != graphstore.LabelChunk {
					continue
				}
				// A chunk one traversal hop from a candidate entity has
				// graph_proximity 1.0, so distance counts hops beyond the
				// first (1/(1+d) with d = hop-1).
				if _, seen := hopDistance[n.ID]; !seen {
					hopDistance[n.ID] = hop - 1
				}
			}
		}
	}

	hits := make([]graphHit, 0, len(hopDistance))
	for chunkID, hop := range hopDistance {
		hits = append(hits, graphHit{chunkID: chunkID, hopDistance: hop})
	}
	return hits, nil
}

// fuse combines vector and graph hits by chunk_id into FusedResult per
// §4.10 step 6.
func fuse(vecHits []vecHit, graphHits []graphHit, wv, wg float64) []FusedResult {
	byID := make(map[string]*FusedResult)
	order := make([]string, 0, len(vecHits)+len(graphHits))

	for _, h := range vecHits {
		r, ok := byID[h.ChunkID]
		if !ok {
			r = &FusedResult{SemanticResult: h.SemanticResult}
			byID[h.ChunkID] = r
			order = append(order, h.ChunkID)
		}
		r.FusedScore += wv * h.sim
		r.Provenance = append(r.Provenance, "vector")
	}

	for _, h := range graphHits {
		proximity := 1.0 / float64(1+h.hopDistance)
		r, ok := byID[h.chunkID]
		if !ok {
			r = &FusedResult{SemanticResult: SemanticResult{ChunkID: h.chunkID}, HopDistance: h.hopDistance}
			byID[h.chunkID] = r
			order = append(order, h.chunkID)
		} else if r.HopDistance == 0 || h.hopDistance < r.HopDistance {
			r.HopDistance = h.hopDistance
		}
		r.FusedScore += wg * proximity
		r.Provenance = append(r.Provenance, "graph")
	}

	out := make([]FusedResult, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FusedScore != out[j].FusedScore {
			return out[i].FusedScore > out[j].FusedScore
		}
		if out[i].QualityScore != out[j].QualityScore {
			return out[i].QualityScore > out[j].QualityScore
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	return out
}

// Stats returns combined vector and graph store counters (§6 operation 4).
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	var err error
	st.Vector, err = e.vec.Stats(ctx)
	if err != nil {
		return st, err
	}
	if e.graph != nil {
		st.Graph, err = e.graph.Stats(ctx)
		if err != nil {
			return st, err
		}
	}
	return st, nil
}

// embedQuery embeds a single query string, retrying once on failure
// before surfacing the error (§4.10 step 2).
func (e *Engine) embedQuery(ctx context.Context, query string) ([]float32, error) {
	if e.cache != nil {
		key := cache.EmbeddingKey(query)
		if raw, ok := e.cache.Get(key); ok {
			var v []float32
			if err := json.Unmarshal(raw, &v); err == nil {
				return v, nil
			}
		}
	}

	if e.embedder == nil {
		// Graph-only mode: the vector path reports failure and hybrid
		// callers fall back to graph results with partial=true (§6).
		return nil, &ptolemies.EmbedError{Reason: ptolemies.EmbedTransport, Err: errors.New("no embedding provider configured")}
	}

	vecs, err := e.embedder.Embed(ctx, []string{query})
	if err != nil {
		time.Sleep(100 * time.Millisecond)
		vecs, err = e.embedder.Embed(ctx, []string{query})
	}
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, ptolemies.ErrNoResults
	}

	if e.cache != nil {
		if raw, err := json.Marshal(vecs[0]); err == nil {
			e.cache.Put(cache.EmbeddingKey(query), raw, cache.TTLEmbedding)
		}
	}
	return vecs[0], nil
}

// hydrate joins Scored hits with their chunk content and document
// metadata to build the §6 operation 1 result shape.
func (e *Engine) hydrate(ctx context.Context, scored []vectorstore.Scored) ([]SemanticResult, error) {
	if len(scored) == 0 {
		return nil, nil
	}
	ids := make([]string, len(scored))
	scoreByID := make(map[string]float64, len(scored))
	for i, s := range scored {
		ids[i] = s.ChunkID
		scoreByID[s.ChunkID] = s.Score
	}

	chunks, err := e.vec.GetChunks(ctx, ids)
	if err != nil {
		return nil, err
	}

	docCache := make(map[string]*vectorstore.DocumentRecord)
	out := make([]SemanticResult, 0, len(chunks))
	for _, c := range chunks {
		doc, ok := docCache[c.DocumentID]
		if !ok {
			doc, err = e.vec.GetDocument(ctx, c.DocumentID)
			if err != nil {
				return nil, err
			}
			docCache[c.DocumentID] = doc
		}
		r := SemanticResult{
			ChunkID:      c.ChunkID,
			SourceID:     c.SourceID,
			Content:      c.Content,
			Score:        scoreByID[c.ChunkID],
			QualityScore: c.QualityScore,
		}
		if doc != nil {
			r.URL = doc.URL
			r.Title = doc.Title
		}
		out = append(out, r)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].QualityScore != out[j].QualityScore {
			return out[i].QualityScore > out[j].QualityScore
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	return out, nil
}
