package crawl

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCheckpointRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ck := NewCheckpoint()
	ck.Visited = []string{"https://example.com/"}
	ck.Frontier = []FrontierEntry{{Depth: 1, URL: "https://example.com/docs"}}
	ck.DocumentHashes["https://example.com/"] = "abc"
	ck.Counters = Counters{Fetched: 1, Skipped: 2, Failed: 3, PermanentSkipped: 4}

	if err := Save(dir, "fastapi", ck); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(dir, "fastapi")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Version != checkpointVersion {
		t.Fatalf("version = %d", got.Version)
	}
	if len(got.Visited) != 1 || got.Visited[0] != "https://example.com/" {
		t.Fatalf("visited = %v", got.Visited)
	}
	if len(got.Frontier) != 1 || got.Frontier[0].URL != "https://example.com/docs" || got.Frontier[0].Depth != 1 {
		t.Fatalf("frontier = %v", got.Frontier)
	}
	if got.DocumentHashes["https://example.com/"] != "abc" {
		t.Fatalf("document_hashes = %v", got.DocumentHashes)
	}
	if got.Counters != (Counters{Fetched: 1, Skipped: 2, Failed: 3, PermanentSkipped: 4}) {
		t.Fatalf("counters = %+v", got.Counters)
	}
	if got.UpdatedAt.IsZero() {
		t.Fatal("updated_at not stamped")
	}
}

func TestLoadMissingCheckpointIsFresh(t *testing.T) {
	ck, err := Load(t.TempDir(), "nope")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(ck.Visited) != 0 || len(ck.Frontier) != 0 {
		t.Fatalf("fresh checkpoint not empty: %+v", ck)
	}
	if ck.DocumentHashes == nil {
		t.Fatal("document_hashes map not initialized")
	}
}

func TestSaveLeavesNoTempFile(t *testing.T) {
	dir := t.TempDir()
	if err := Save(dir, "src", NewCheckpoint()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "src.ckpt.tmp")); !os.IsNotExist(err) {
		t.Fatal("temp file left behind after atomic rename")
	}
	if _, err := os.Stat(filepath.Join(dir, "src.ckpt")); err != nil {
		t.Fatalf("checkpoint missing: %v", err)
	}
}
