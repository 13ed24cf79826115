package retrieval

import "testing"

// TestFuseBalancedStrategy mirrors the worked example: chunk X has sim=0.90
// and no graph proximity; chunk Y has sim=0.60 and graph_proximity=1.0 via
// a single COVERS_TOPIC hop. With balanced weights (0.6, 0.4), Y should
// outrank X.
func TestFuseBalancedStrategy(t *testing.T) {
	vecHits := []vecHit{
		{SemanticResult: SemanticResult{ChunkID: "x", QualityScore: 0.8}, sim: 0.90},
		{SemanticResult: SemanticResult{ChunkID: "y", QualityScore: 0.8}, sim: 0.60},
	}
	graphHits := []graphHit{
		{chunkID: "y", hopDistance: 0},
	}

	fused := fuse(vecHits, graphHits, 0.6, 0.4)
	if len(fused) != 2 {
		t.Fatalf("expected 2 fused results, got %d", len(fused))
	}
	if fused[0].ChunkID != "y" {
		t.Fatalf("expected y to rank first under balanced weights, got %s first (F=%.4f vs %.4f)",
			fused[0].ChunkID, fused[0].FusedScore, fused[1].FusedScore)
	}
	wantY := 0.6*0.60 + 0.4*1.0
	wantX := 0.6 * 0.90
	if diff := fused[0].FusedScore - wantY; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("F(Y) = %.4f, want %.4f", fused[0].FusedScore, wantY)
	}
	if diff := fused[1].FusedScore - wantX; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("F(X) = %.4f, want %.4f", fused[1].FusedScore, wantX)
	}
}

// TestFuseSemanticFirstStrategy uses the same X/Y chunks but semantic_first
// weights (0.8, 0.2), under which X should outrank Y.
func TestFuseSemanticFirstStrategy(t *testing.T) {
	vecHits := []vecHit{
		{SemanticResult: SemanticResult{ChunkID: "x"}, sim: 0.90},
		{SemanticResult: SemanticResult{ChunkID: "y"}, sim: 0.60},
	}
	graphHits := []graphHit{
		{chunkID: "y", hopDistance: 0},
	}

	fused := fuse(vecHits, graphHits, 0.8, 0.2)
	if fused[0].ChunkID != "x" {
		t.Fatalf("expected x to rank first under semantic_first weights, got %s", fused[0].ChunkID)
	}
}

func TestFuseDedupesByChunkID(t *testing.T) {
	vecHits := []vecHit{
		{SemanticResult: SemanticResult{ChunkID: "a"}, sim: 0.5},
	}
	graphHits := []graphHit{
		{chunkID: "a", hopDistance: 1},
	}
	fused := fuse(vecHits, graphHits, 0.6, 0.4)
	if len(fused) != 1 {
		t.Fatalf("expected a single fused entry for chunk a, got %d", len(fused))
	}
	if len(fused[0].Provenance) != 2 {
		t.Fatalf("expected both vector and graph provenance, got %v", fused[0].Provenance)
	}
}

func TestFuseTieBreaksByQualityThenChunkID(t *testing.T) {
	vecHits := []vecHit{
		{SemanticResult: SemanticResult{ChunkID: "b", QualityScore: 0.9}, sim: 0.5},
		{SemanticResult: SemanticResult{ChunkID: "a", QualityScore: 0.9}, sim: 0.5},
	}
	fused := fuse(vecHits, nil, 1.0, 0.0)
	if fused[0].ChunkID != "a" {
		t.Fatalf("expected chunk_id tie-break to prefer 'a', got %s first", fused[0].ChunkID)
	}
}
