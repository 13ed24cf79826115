// Package crawl implements the Crawl Supervisor component (C8): a
// per-source state machine driving the Fetcher through extraction,
// chunking, scoring, embedding, and the two-store commit, with BFS
// frontier management and atomically-persisted checkpoints (§4.8).
package crawl

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/ptolemies/ptolemies"
	"github.com/ptolemies/ptolemies/chunk"
	"github.com/ptolemies/ptolemies/embed"
	"github.com/ptolemies/ptolemies/extract"
	"github.com/ptolemies/ptolemies/fetch"
	"github.com/ptolemies/ptolemies/graphstore"
	"github.com/ptolemies/ptolemies/intent"
	"github.com/ptolemies/ptolemies/quality"
	"github.com/ptolemies/ptolemies/vectorstore"
)

// State is one node of the per-source state machine (§4.8).
type State string

const (
	StateIdle       State = "Idle"
	StateFetching   State = "Fetching"
	StateExtracting State = "Extracting"
	StateEmbedding  State = "Embedding"
	StateStoring    State = "Storing"
	StateFailed     State = "Failed"
)

// checkpointEvery is the default interval at which checkpoints persist
// (§4.8: "every N completed URLs (default 10)").
const checkpointEvery = 10

// Report is the per-crawl failure report (§7): URLs grouped by error
// class, e.g. "permanent_external.RobotsDisallowed" or
// "transient_external.Timeout".
type Report map[string][]string

func (r Report) add(class, url string) {
	r[class] = append(r[class], url)
}

// Result summarizes one supervisor Run.
type Result struct {
	SourceID   string
	FinalState State
	Counters   Counters
	Report     Report
}

// Supervisor drives a single source's crawl, wiring the Fetcher (C1),
// Extractor (C2), Chunker (C3), Quality Scorer (C4), Embedder (C5),
// Vector Store (C6), and Graph Store (C7).
type Supervisor struct {
	src      SourceConfig
	fetcher  *fetch.Fetcher
	chunker  *chunk.Chunker
	scorer   *quality.Scorer
	lexicon  *quality.Lexicon
	embedder      embed.Provider
	embeddingModel string
	vec      *vectorstore.Store
	graph    *graphstore.Store
	intent   *intent.Log
	stateDir string
	log      *slog.Logger

	// OnCommit, when non-nil, runs after every document commit and
	// tombstone so the owner can invalidate query caches (§4.9: "On any
	// upsert_chunks or tombstone_document, invalidate prefix q:").
	OnCommit func()

	// MinQuality drops scored fragments below the threshold before they
	// are stored; they are still counted in crawl stats (§4.4). Zero
	// disables the filter.
	MinQuality float64

	// Incremental enables conditional requests: URLs with a stored
	// document_hash are fetched with If-None-Match, and a 304 skips all
	// downstream work (§4.8). A non-incremental crawl re-fetches every
	// body but still skips the commit when the content hash is unchanged,
	// keeping ingest idempotent.
	Incremental bool
}

// New constructs a Supervisor for one source. embedder may be nil
// (graph-only mode, §6: "Absent EMBEDDING_API_KEY runs the engine in
// 'graph-only' mode").
func New(src SourceConfig, fetcher *fetch.Fetcher, chunker *chunk.Chunker, scorer *quality.Scorer, lexicon *quality.Lexicon, embedder embed.Provider, embeddingModel string, vec *vectorstore.Store, graph *graphstore.Store, il *intent.Log, stateDir string, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		src: src, fetcher: fetcher, chunker: chunker, scorer: scorer, lexicon: lexicon,
		embedder: embedder, embeddingModel: embeddingModel, vec: vec, graph: graph, intent: il, stateDir: stateDir, log: log,
	}
}

// Run executes the state machine until the frontier is empty, max_pages
// is hit, the context is cancelled, or an unrecoverable store error
// occurs (§4.8, §4.11: "a single unrecoverable store error aborts the
// whole crawl").
func (s *Supervisor) Run(ctx context.Context) (Result, error) {
	ck, err := Load(s.stateDir, s.src.SourceID)
	if err != nil {
		return Result{SourceID: s.src.SourceID, FinalState: StateFailed}, err
	}

	// A non-empty checkpointed frontier means the prior crawl was
	// interrupted: resume its queue and visited set. A completed crawl
	// (empty frontier) re-seeds from scratch so the source is actually
	// re-visited; document_hashes carry over either way for change
	// detection (§4.8 incremental mode).
	var frontierEntries []FrontierEntry
	var visited []string
	counters := Counters{}
	if len(ck.Frontier) > 0 {
		frontierEntries = ck.Frontier
		visited = ck.Visited
		counters = ck.Counters
	}

	fr, err := NewFrontier(s.src.SeedURL, s.src.MaxDepth, s.src.MaxPages, s.src.Allowlist, visited)
	if err != nil {
		return Result{SourceID: s.src.SourceID, FinalState: StateFailed}, err
	}
	for _, e := range frontierEntries {
		_ = fr.Offer(e.URL, e.Depth-1)
	}

	report := Report{}
	state := StateIdle
	sinceCheckpoint := 0

	if err := s.vec.UpsertSource(ctx, vectorstore.SourceRecord{
		SourceID: s.src.SourceID, DisplayName: s.src.DisplayName, SeedURL: s.src.SeedURL,
		Category: s.src.Category, Priority: s.src.Priority,
	}); err != nil {
		return Result{SourceID: s.src.SourceID, FinalState: StateFailed}, &ptolemies.StoreError{Op: "upsert_source", Err: err}
	}
	if err := s.graph.UpsertNodes(ctx, []graphstore.Node{{Label: graphstore.LabelSource, ID: s.src.SourceID}}); err != nil {
		return Result{SourceID: s.src.SourceID, FinalState: StateFailed}, &ptolemies.StoreError{Op: "upsert_source_node", Err: err}
	}

	for {
		select {
		case <-ctx.Done():
			s.checkpoint(fr, ck, counters)
			s.log.Info("crawl: cancelled, checkpoint written", "source_id", s.src.SourceID, "state", string(state))
			return Result{SourceID: s.src.SourceID, FinalState: state, Counters: counters, Report: report}, ctx.Err()
		default:
		}

		entry, ok := fr.Next()
		if !ok {
			break
		}

		state = StateFetching
		priorHash := ck.DocumentHashes[entry.URL]
		conditional := ""
		if s.Incremental {
			conditional = priorHash
		}
		res, err := s.fetcher.Fetch(ctx, entry.URL, conditional)
		fr.MarkVisited(entry.URL)

		if err != nil {
			if permanentFetchFailure(err) {
				counters.PermanentSkipped++
				report.add(classifyFetchError(err), entry.URL)
				s.log.Debug("crawl: permanent fetch failure, skipping", "url", entry.URL, "error", err)
			} else {
				counters.Failed++
				report.add(classifyFetchError(err), entry.URL)
				s.log.Warn("crawl: fetch retries exhausted, will retry next crawl", "url", entry.URL, "error", err)
			}
			continue
		}

		if res.NotModified {
			// Content unchanged: outlinks are not re-derivable without a
			// body, but frontier progress continues (§4.8: "frontier
			// recovery"); no downstream work is scheduled for this URL.
			counters.Skipped++
			continue
		}

		state = StateExtracting
		ext, err := extract.Extract(entry.URL, res.Body, res.Headers.Get("Content-Type"))
		if err != nil {
			counters.PermanentSkipped++
			report.add("permanent_external.ExtractionFailed", entry.URL)
			s.log.Warn("crawl: extraction failed, skipping", "url", entry.URL, "error", err)
			continue
		}
		for _, link := range ext.Outlinks {
			if err := fr.Offer(link, entry.Depth); err != nil {
				s.log.Debug("crawl: dropping unparseable outlink", "url", link, "error", err)
			}
		}

		contentHash := sha256Hex(res.Body)
		if contentHash == priorHash {
			counters.Skipped++
			continue
		}

		documentID := documentIDFor(s.src.SourceID, entry.URL)
		extractionVersion := ext.ExtractionVersion

		state = StateEmbedding
		fragments := s.chunker.Chunk(ext.Text)
		hasCode := len(ext.CodeBlocks) > 0

		// Score each fragment and drop those below min_quality; the
		// survivors are re-indexed so chunk_index stays a contiguous
		// [0, total_chunks) range (§4.3, §4.4).
		var records []vectorstore.ChunkRecord
		var contents []string
		for _, frag := range fragments {
			qualityScore := s.scorer.Score(frag.Content, hasCode)
			if s.MinQuality > 0 && qualityScore < s.MinQuality {
				counters.DroppedLowQuality++
				continue
			}
			records = append(records, vectorstore.ChunkRecord{
				ChunkID:           chunkIDFor(documentID, len(records)),
				DocumentID:        documentID,
				SourceID:          s.src.SourceID,
				Content:           frag.Content,
				ChunkIndex:        len(records),
				QualityScore:      qualityScore,
				Topics:            s.scorer.Topics(frag.Content),
				ExtractionVersion: extractionVersion,
				Active:            true,
			})
			contents = append(contents, frag.Content)
		}
		for i := range records {
			records[i].TotalChunks = len(records)
		}

		var embeddings [][]float32
		if s.embedder != nil && len(contents) > 0 {
			embeddings, err = s.embedder.Embed(ctx, contents)
			if err != nil {
				s.log.Warn("crawl: embedding failed, storing chunks without embeddings", "url", entry.URL, "error", err)
				embeddings = nil
			}
		}

		state = StateStoring
		if err := s.intent.Stage(ctx, documentID, extractionVersion, intent.PhaseStagedVector); err != nil {
			return Result{SourceID: s.src.SourceID, FinalState: StateFailed, Counters: counters, Report: report}, err
		}
		if err := s.vec.UpsertDocument(ctx, vectorstore.DocumentRecord{
			DocumentID: documentID, SourceID: s.src.SourceID, URL: entry.URL, Title: ext.Title,
			FetchedAt: time.Now(), HTTPStatus: res.Status, ContentHash: contentHash,
			ExtractionVersion: extractionVersion,
		}); err != nil {
			return Result{SourceID: s.src.SourceID, FinalState: StateFailed, Counters: counters, Report: report}, &ptolemies.StoreError{Op: "upsert_document", Err: err}
		}
		if err := s.vec.UpsertChunks(ctx, documentID, s.src.SourceID, extractionVersion, records); err != nil {
			return Result{SourceID: s.src.SourceID, FinalState: StateFailed, Counters: counters, Report: report}, err
		}
		if embeddings != nil {
			for i, rec := range records {
				if err := s.vec.UpsertEmbedding(ctx, rec.ChunkID, embeddings[i], s.embeddingModel); err != nil {
					return Result{SourceID: s.src.SourceID, FinalState: StateFailed, Counters: counters, Report: report}, err
				}
			}
		}

		if err := s.intent.Stage(ctx, documentID, extractionVersion, intent.PhaseStagedGraph); err != nil {
			return Result{SourceID: s.src.SourceID, FinalState: StateFailed, Counters: counters, Report: report}, err
		}
		if err := s.commitGraph(ctx, documentID, entry.URL, records); err != nil {
			return Result{SourceID: s.src.SourceID, FinalState: StateFailed, Counters: counters, Report: report}, err
		}
		if err := s.intent.Stage(ctx, documentID, extractionVersion, intent.PhaseCommitted); err != nil {
			return Result{SourceID: s.src.SourceID, FinalState: StateFailed, Counters: counters, Report: report}, err
		}
		if s.OnCommit != nil {
			s.OnCommit()
		}

		ck.DocumentHashes[entry.URL] = contentHash
		counters.Fetched++
		sinceCheckpoint++
		if sinceCheckpoint >= checkpointEvery {
			s.checkpoint(fr, ck, counters)
			sinceCheckpoint = 0
		}
	}

	if err := s.vec.RecomputeSourceStats(ctx, s.src.SourceID); err != nil {
		s.log.Warn("crawl: failed to recompute source stats", "source_id", s.src.SourceID, "error", err)
	}
	s.checkpoint(fr, ck, counters)

	return Result{SourceID: s.src.SourceID, FinalState: StateIdle, Counters: counters, Report: report}, nil
}

// commitGraph upserts the Document/Chunk/Topic nodes and their typed
// edges for one document (§3, §4.7).
func (s *Supervisor) commitGraph(ctx context.Context, documentID, url string, records []vectorstore.ChunkRecord) error {
	nodes := []graphstore.Node{
		{Label: graphstore.LabelDocument, ID: documentID, DocumentID: documentID, Properties: map[string]string{"url": url}},
	}
	var edges []graphstore.Edge

	for _, rec := range records {
		nodes = append(nodes, graphstore.Node{Label: graphstore.LabelChunk, ID: rec.ChunkID, DocumentID: documentID})
		edges = append(edges,
			graphstore.Edge{FromLabel: graphstore.LabelDocument, FromID: documentID, ToLabel: graphstore.LabelChunk, ToID: rec.ChunkID, Type: graphstore.EdgeHasChunkDoc, DocumentID: documentID},
			graphstore.Edge{FromLabel: graphstore.LabelSource, FromID: rec.SourceID, ToLabel: graphstore.LabelChunk, ToID: rec.ChunkID, Type: graphstore.EdgeHasChunkSource, DocumentID: documentID},
		)

		if s.lexicon == nil {
			continue
		}
		freqs := s.lexicon.Frequencies(rec.Content)
		for _, m := range s.lexicon.Match(rec.Content) {
			switch m.Kind {
			case "framework":
				// Framework nodes and the DOCUMENTS edge outlive any one
				// document, so they carry no document_id and survive
				// re-crawl replacement.
				nodes = append(nodes, graphstore.Node{Label: graphstore.LabelFramework, ID: m.Canonical})
				edges = append(edges, graphstore.Edge{
					FromLabel: graphstore.LabelSource, FromID: rec.SourceID,
					ToLabel: graphstore.LabelFramework, ToID: m.Canonical,
					Type: graphstore.EdgeDocuments,
				})
			default:
				nodes = append(nodes, graphstore.Node{Label: graphstore.LabelTopic, ID: m.Canonical})
				edges = append(edges, graphstore.Edge{
					FromLabel: graphstore.LabelChunk, FromID: rec.ChunkID,
					ToLabel: graphstore.LabelTopic, ToID: m.Canonical,
					Type: graphstore.EdgeCoversTopic, Weight: float64(freqs[m.Canonical]), DocumentID: documentID,
				})
			}
		}
	}

	// Single transaction per document: stale chunk nodes from a prior
	// extraction are tombstoned in the same commit that inserts the new
	// set (§4.7, §8 scenario 4).
	return s.graph.ReplaceDocument(ctx, documentID, nodes, edges)
}

func (s *Supervisor) checkpoint(fr *Frontier, ck *Checkpoint, counters Counters) {
	entries, visited := fr.Snapshot()
	ck.Frontier = entries
	ck.Visited = visited
	ck.Counters = counters
	if err := Save(s.stateDir, s.src.SourceID, ck); err != nil {
		s.log.Warn("crawl: checkpoint save failed", "source_id", s.src.SourceID, "error", err)
	}
}

// permanentFetchFailure reports whether err should be recorded and
// skipped permanently for this crawl rather than retried next time
// (§4.8: RobotsDisallowed or HttpError(4xx not 429)).
func permanentFetchFailure(err error) bool {
	fe, ok := err.(*ptolemies.FetchError)
	if !ok {
		return false
	}
	if fe.Reason == ptolemies.FetchRobotsDisallowed {
		return true
	}
	if fe.Reason == ptolemies.FetchHTTPError && fe.Code != 429 && fe.Code < 500 {
		return true
	}
	return false
}

// classifyFetchError renders a FetchError as a report class string,
// e.g. "permanent_external.RobotsDisallowed" or
// "transient_external.HttpError(503)".
func classifyFetchError(err error) string {
	fe, ok := err.(*ptolemies.FetchError)
	if !ok {
		return "transient_external.Network"
	}
	kind := string(fe.Kind())
	if fe.Reason == ptolemies.FetchHTTPError {
		return fmt.Sprintf("%s.HttpError(%d)", kind, fe.Code)
	}
	return kind + "." + string(fe.Reason)
}

func sha256Hex(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

func documentIDFor(sourceID, url string) string {
	h := sha256.Sum256([]byte(url))
	return fmt.Sprintf("%s:%s", sourceID, hex.EncodeToString(h[:])[:16])
}

func chunkIDFor(documentID string, chunkIndex int) string {
	return fmt.Sprintf("%s:%d", documentID, chunkIndex)
}
