package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/ptolemies/ptolemies"
	"github.com/ptolemies/ptolemies/graphstore"
	"github.com/ptolemies/ptolemies/retrieval"
	"github.com/ptolemies/ptolemies/vectorstore"
)

const testDim = 4

func testConfig(t *testing.T) ptolemies.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := ptolemies.DefaultConfig()
	cfg.VectorStorePath = filepath.Join(dir, "ptolemies.db")
	cfg.GraphStorePath = filepath.Join(dir, "ptolemies.db")
	cfg.StateDir = filepath.Join(dir, "state")
	cfg.EmbeddingDim = testDim
	return cfg
}

// embeddingStub serves an OpenAI-compatible /v1/embeddings endpoint
// returning axis-aligned unit vectors.
func embeddingStub(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding embedding request: %v", err)
			return
		}
		type datum struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}
		resp := struct {
			Data []datum `json:"data"`
		}{}
		for i := range req.Input {
			resp.Data = append(resp.Data, datum{Embedding: []float32{1, 0, 0, 0}, Index: i})
		}
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.EmbeddingDim = 0
	if _, err := New(cfg, nil); err == nil {
		t.Fatal("expected an error for embedding_dim = 0")
	}

	cfg = testConfig(t)
	cfg.MinChars = 2000
	if _, err := New(cfg, nil); err == nil {
		t.Fatal("expected an error for min_chars > max_chars")
	}
}

func TestGraphOnlyHybridSearchIsPartial(t *testing.T) {
	cfg := testConfig(t) // no EmbeddingAPIKey: graph-only mode
	eng, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer eng.Close()

	resp, err := eng.HybridSearch(context.Background(), "how do async handlers work", retrieval.HybridOptions{})
	if err != nil {
		t.Fatalf("HybridSearch: %v", err)
	}
	if !resp.Partial {
		t.Fatal("graph-only mode should flag hybrid results partial")
	}
}

func TestVerifyCleanStore(t *testing.T) {
	eng, err := New(testConfig(t), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer eng.Close()

	violations, err := eng.Verify(context.Background())
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(violations) != 0 {
		t.Fatalf("empty store should verify clean, got %v", violations)
	}
}

func TestVerifyDetectsCrossStoreDrift(t *testing.T) {
	eng, err := New(testConfig(t), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer eng.Close()
	ctx := context.Background()

	vec := eng.VectorStore()
	if err := vec.UpsertSource(ctx, vectorstore.SourceRecord{
		SourceID: "src", DisplayName: "src", SeedURL: "https://example.com",
		Category: "backend", Priority: "high",
	}); err != nil {
		t.Fatal(err)
	}
	if err := vec.UpsertDocument(ctx, vectorstore.DocumentRecord{
		DocumentID: "d1", SourceID: "src", URL: "https://example.com/d1",
		ContentHash: "h", ExtractionVersion: 1,
	}); err != nil {
		t.Fatal(err)
	}
	// Chunk committed to the vector store with no graph counterpart.
	if err := vec.UpsertChunks(ctx, "d1", "src", 1, []vectorstore.ChunkRecord{{
		ChunkID: "d1:0", DocumentID: "d1", SourceID: "src", Content: "c",
		ChunkIndex: 0, TotalChunks: 1, QualityScore: 0.9,
	}}); err != nil {
		t.Fatal(err)
	}
	if err := vec.RecomputeSourceStats(ctx, "src"); err != nil {
		t.Fatal(err)
	}

	violations, err := eng.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	found := false
	for _, v := range violations {
		if v.Invariant == "cross_store_integrity" && v.ID == "d1:0" {
			found = true
		}
	}
	if !found {
		t.Fatalf("cross-store drift not detected: %v", violations)
	}
}

func TestReembedFillsMissingVectors(t *testing.T) {
	srv := embeddingStub(t)
	cfg := testConfig(t)
	cfg.EmbeddingAPIKey = "test-key"
	cfg.EmbeddingBaseURL = srv.URL

	eng, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer eng.Close()
	ctx := context.Background()

	vec := eng.VectorStore()
	if err := vec.UpsertSource(ctx, vectorstore.SourceRecord{
		SourceID: "src", DisplayName: "src", SeedURL: "https://example.com",
		Category: "backend", Priority: "high",
	}); err != nil {
		t.Fatal(err)
	}
	if err := vec.UpsertDocument(ctx, vectorstore.DocumentRecord{
		DocumentID: "d1", SourceID: "src", URL: "https://example.com/d1",
		ContentHash: "h", ExtractionVersion: 1,
	}); err != nil {
		t.Fatal(err)
	}
	chunks := []vectorstore.ChunkRecord{
		{ChunkID: "d1:0", DocumentID: "d1", SourceID: "src", Content: "a", ChunkIndex: 0, TotalChunks: 2, QualityScore: 0.9},
		{ChunkID: "d1:1", DocumentID: "d1", SourceID: "src", Content: "b", ChunkIndex: 1, TotalChunks: 2, QualityScore: 0.9},
	}
	if err := vec.UpsertChunks(ctx, "d1", "src", 1, chunks); err != nil {
		t.Fatal(err)
	}
	if err := eng.GraphStore().ReplaceDocument(ctx, "d1", []graphstore.Node{
		{Label: graphstore.LabelDocument, ID: "d1", DocumentID: "d1"},
		{Label: graphstore.LabelChunk, ID: "d1:0", DocumentID: "d1"},
		{Label: graphstore.LabelChunk, ID: "d1:1", DocumentID: "d1"},
	}, nil); err != nil {
		t.Fatal(err)
	}

	n, err := eng.Reembed(ctx)
	if err != nil {
		t.Fatalf("Reembed: %v", err)
	}
	if n != 2 {
		t.Fatalf("reembedded %d chunks, want 2", n)
	}

	st, err := eng.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if st.Vector.NEmbedded != 2 || st.Vector.NChunks != 2 {
		t.Fatalf("stats = %+v, want all chunks embedded", st.Vector)
	}
}

func TestGCSweepsBothStores(t *testing.T) {
	eng, err := New(testConfig(t), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer eng.Close()
	ctx := context.Background()

	vec := eng.VectorStore()
	if err := vec.UpsertSource(ctx, vectorstore.SourceRecord{
		SourceID: "src", DisplayName: "src", SeedURL: "https://example.com",
		Category: "backend", Priority: "high",
	}); err != nil {
		t.Fatal(err)
	}
	if err := vec.UpsertDocument(ctx, vectorstore.DocumentRecord{
		DocumentID: "d1", SourceID: "src", URL: "https://example.com/d1",
		ContentHash: "h", ExtractionVersion: 1,
	}); err != nil {
		t.Fatal(err)
	}
	if err := vec.UpsertChunks(ctx, "d1", "src", 1, []vectorstore.ChunkRecord{{
		ChunkID: "d1:0", DocumentID: "d1", SourceID: "src", Content: "c",
		ChunkIndex: 0, TotalChunks: 1, QualityScore: 0.9,
	}}); err != nil {
		t.Fatal(err)
	}
	if err := eng.GraphStore().ReplaceDocument(ctx, "d1", []graphstore.Node{
		{Label: graphstore.LabelChunk, ID: "d1:0", DocumentID: "d1"},
	}, nil); err != nil {
		t.Fatal(err)
	}

	if err := vec.TombstoneDocument(ctx, "d1"); err != nil {
		t.Fatal(err)
	}
	if err := eng.GraphStore().TombstoneByDocument(ctx, "d1"); err != nil {
		t.Fatal(err)
	}

	n, err := eng.GC(ctx, 0)
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	if n != 2 { // 1 chunk row + 1 chunk node
		t.Fatalf("GC deleted %d rows, want 2", n)
	}
}
