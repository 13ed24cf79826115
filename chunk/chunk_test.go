package chunk

import (
	"strings"
	"testing"
)

func TestChunkGreedyPacking(t *testing.T) {
	// Scenario 1 (§8): "A. B. C." repeated to ~2000 chars, max_chars=1200,
	// min_chars=100, no outlinks. Expected: 2 chunks, first near MaxChars,
	// second the remainder, both non-empty.
	unit := "A. B. C. "
	text := strings.Repeat(unit, 2000/len(unit))

	c := New(Config{MaxChars: 1200, MinChars: 100})
	frags := c.Chunk(text)

	if len(frags) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(frags))
	}
	if len(frags[0].Content) > 1200 {
		t.Errorf("first chunk exceeds MaxChars: %d", len(frags[0].Content))
	}
	if len(frags[1].Content) < 100 {
		t.Errorf("second chunk below MinChars: %d", len(frags[1].Content))
	}
	for i, f := range frags {
		if f.ChunkIndex != i {
			t.Errorf("chunk %d has ChunkIndex %d", i, f.ChunkIndex)
		}
	}
}

func TestChunkEmptyText(t *testing.T) {
	c := New(Config{})
	if frags := c.Chunk(""); len(frags) != 0 {
		t.Fatalf("expected 0 chunks for empty text, got %d", len(frags))
	}
}

func TestChunkOversizeSentenceIsOwnChunk(t *testing.T) {
	c := New(Config{MaxChars: 50, MinChars: 10})
	long := strings.Repeat("word ", 30) + "."
	frags := c.Chunk("Short one. " + long)

	if len(frags) < 2 {
		t.Fatalf("expected at least 2 chunks, got %d", len(frags))
	}
	found := false
	for _, f := range frags {
		if f.Content == strings.TrimSpace(long) {
			found = true
		}
	}
	if !found {
		t.Errorf("oversize sentence was not preserved as its own chunk: %+v", frags)
	}
}

func TestChunkFencedCodeNeverSplit(t *testing.T) {
	code := "```\nfunc main() {\n  fmt.Println(\"a. b. c?\")\n}\n```"
	c := New(Config{MaxChars: 1200, MinChars: 1})
	frags := c.Chunk("Intro sentence. " + code + " Trailing sentence.")

	joined := ""
	for _, f := range frags {
		joined += f.Content
	}
	if !strings.Contains(joined, "func main()") {
		t.Fatalf("fenced code block missing from output: %+v", frags)
	}
}
