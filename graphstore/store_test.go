package graphstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "graph.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedGraph(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	nodes := []Node{
		{Label: LabelSource, ID: "fastapi"},
		{Label: LabelDocument, ID: "doc1", DocumentID: "doc1"},
		{Label: LabelChunk, ID: "doc1:0", DocumentID: "doc1"},
		{Label: LabelChunk, ID: "doc1:1", DocumentID: "doc1"},
		{Label: LabelTopic, ID: "async"},
		{Label: LabelFramework, ID: "FastAPI", Properties: map[string]string{"language": "python"}},
	}
	edges := []Edge{
		{FromLabel: LabelSource, FromID: "fastapi", ToLabel: LabelFramework, ToID: "FastAPI", Type: EdgeDocuments},
		{FromLabel: LabelDocument, FromID: "doc1", ToLabel: LabelChunk, ToID: "doc1:0", Type: EdgeHasChunkDoc, DocumentID: "doc1"},
		{FromLabel: LabelDocument, FromID: "doc1", ToLabel: LabelChunk, ToID: "doc1:1", Type: EdgeHasChunkDoc, DocumentID: "doc1"},
		{FromLabel: LabelChunk, FromID: "doc1:0", ToLabel: LabelTopic, ToID: "async", Type: EdgeCoversTopic, Weight: 3, DocumentID: "doc1"},
	}
	if err := s.UpsertNodes(ctx, nodes); err != nil {
		t.Fatalf("UpsertNodes: %v", err)
	}
	if err := s.UpsertEdges(ctx, edges); err != nil {
		t.Fatalf("UpsertEdges: %v", err)
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	seedGraph(t, s)
	seedGraph(t, s)

	st, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.NNodes != 6 {
		t.Fatalf("nodes = %d, want 6 after double upsert", st.NNodes)
	}
	if st.NEdges != 4 {
		t.Fatalf("edges = %d, want 4 after double upsert", st.NEdges)
	}
	if st.PerLabel["chunk"] != 2 {
		t.Fatalf("per_label = %v", st.PerLabel)
	}
	if st.PerType["COVERS_TOPIC"] != 1 {
		t.Fatalf("per_type = %v", st.PerType)
	}
}

func TestNeighborsBFS(t *testing.T) {
	s := openTestStore(t)
	seedGraph(t, s)
	ctx := context.Background()

	// depth=0 returns the seed only (§8 boundary).
	sub, err := s.Neighbors(ctx, NodeRef{LabelDocument, "doc1"}, nil, DirBoth, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(sub.Nodes) != 1 || sub.Nodes[0].ID != "doc1" {
		t.Fatalf("depth=0 should return the seed only, got %v", sub.Nodes)
	}

	// depth=1 reaches the two chunks.
	sub, err = s.Neighbors(ctx, NodeRef{LabelDocument, "doc1"}, []EdgeType{EdgeHasChunkDoc}, DirOut, 1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(sub.Nodes) != 3 {
		t.Fatalf("depth=1 nodes = %d, want seed + 2 chunks", len(sub.Nodes))
	}

	// depth=2 additionally reaches the topic through COVERS_TOPIC.
	sub, err = s.Neighbors(ctx, NodeRef{LabelDocument, "doc1"}, []EdgeType{EdgeHasChunkDoc, EdgeCoversTopic}, DirOut, 2, 10)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, n := range sub.Nodes {
		if n.Label == LabelTopic && n.ID == "async" {
			found = true
		}
	}
	if !found {
		t.Fatalf("depth=2 should reach topic node, got %v", sub.Nodes)
	}
}

func TestNeighborsRespectsLimit(t *testing.T) {
	s := openTestStore(t)
	seedGraph(t, s)

	sub, err := s.Neighbors(context.Background(), NodeRef{LabelDocument, "doc1"}, nil, DirBoth, 3, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(sub.Nodes) > 2 {
		t.Fatalf("limit=2 exceeded: %d nodes", len(sub.Nodes))
	}
}

func TestNeighborsUnknownSeed(t *testing.T) {
	s := openTestStore(t)
	sub, err := s.Neighbors(context.Background(), NodeRef{LabelTopic, "nope"}, nil, DirBoth, 2, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(sub.Nodes) != 0 {
		t.Fatalf("unknown seed should yield an empty subgraph, got %v", sub.Nodes)
	}
}

func TestShortestPath(t *testing.T) {
	s := openTestStore(t)
	seedGraph(t, s)
	ctx := context.Background()

	path, ok, err := s.ShortestPath(ctx, NodeRef{LabelDocument, "doc1"}, NodeRef{LabelTopic, "async"}, nil, 5)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected a path doc1 -> chunk -> topic")
	}
	if len(path) != 3 {
		t.Fatalf("path = %v, want 3 nodes (2 hops)", path)
	}

	_, ok, err = s.ShortestPath(ctx, NodeRef{LabelDocument, "doc1"}, NodeRef{LabelTopic, "async"}, nil, 1)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("max_depth=1 should not reach a 2-hop target")
	}
}

func TestReplaceDocumentTombstonesStaleChunks(t *testing.T) {
	s := openTestStore(t)
	seedGraph(t, s)
	ctx := context.Background()

	// Re-extraction: doc1 now has a single chunk; the old doc1:1 node
	// must go inactive in the same commit.
	nodes := []Node{
		{Label: LabelDocument, ID: "doc1", DocumentID: "doc1"},
		{Label: LabelChunk, ID: "doc1:0", DocumentID: "doc1"},
	}
	edges := []Edge{
		{FromLabel: LabelDocument, FromID: "doc1", ToLabel: LabelChunk, ToID: "doc1:0", Type: EdgeHasChunkDoc, DocumentID: "doc1"},
	}
	if err := s.ReplaceDocument(ctx, "doc1", nodes, edges); err != nil {
		t.Fatalf("ReplaceDocument: %v", err)
	}

	refs, err := s.AllNodeRefs(ctx, LabelChunk)
	if err != nil {
		t.Fatal(err)
	}
	if len(refs) != 1 || refs[0].ID != "doc1:0" {
		t.Fatalf("active chunk nodes = %v, want [doc1:0]", refs)
	}

	// The untouched source/framework nodes stay active.
	st, _ := s.Stats(ctx)
	if st.PerLabel["source"] != 1 || st.PerLabel["framework"] != 1 {
		t.Fatalf("unrelated nodes disturbed: %v", st.PerLabel)
	}
}

func TestTombstoneByDocumentAndGC(t *testing.T) {
	s := openTestStore(t)
	seedGraph(t, s)
	ctx := context.Background()

	if err := s.TombstoneByDocument(ctx, "doc1"); err != nil {
		t.Fatalf("TombstoneByDocument: %v", err)
	}
	refs, _ := s.AllNodeRefs(ctx, LabelChunk)
	if len(refs) != 0 {
		t.Fatalf("chunk nodes still active after tombstone: %v", refs)
	}

	n, err := s.GC(ctx, 0)
	if err != nil {
		t.Fatalf("GC: %v", err)
	}
	// doc node + 2 chunk nodes + 3 doc-scoped edges.
	if n != 6 {
		t.Fatalf("GC deleted %d rows, want 6", n)
	}

	// Within retention nothing else is eligible.
	if n, _ := s.GC(ctx, time.Hour); n != 0 {
		t.Fatalf("second GC deleted %d rows", n)
	}
}

func TestQueryByLabel(t *testing.T) {
	s := openTestStore(t)
	seedGraph(t, s)

	nodes, err := s.QueryByLabel(context.Background(), LabelFramework, map[string]string{"language": "python"}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 1 || nodes[0].ID != "FastAPI" {
		t.Fatalf("query_by_label = %v", nodes)
	}

	nodes, err = s.QueryByLabel(context.Background(), LabelFramework, map[string]string{"language": "rust"}, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 0 {
		t.Fatalf("non-matching filter returned %v", nodes)
	}
}
