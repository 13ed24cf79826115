package quality

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testLexicon() *Lexicon {
	return NewLexicon([]LexiconEntry{
		{Term: "fastapi", Canonical: "FastAPI", Kind: "framework"},
		{Term: "async", Canonical: "async", Kind: "topic"},
		{Term: "dependency injection", Canonical: "dependency-injection", Kind: "topic"},
	})
}

func TestScoreStaysInUnitInterval(t *testing.T) {
	s := New(DefaultWeights(), testLexicon(), 8)
	inputs := []struct {
		content string
		code    bool
	}{
		{"", false},
		{strings.Repeat("fastapi async ", 60), true},
		{"© 2024 Example Corp. All rights reserved. Terms of service apply.", false},
		{strings.Repeat("x", 5000), false},
	}
	for _, in := range inputs {
		got := s.Score(in.content, in.code)
		if got < 0 || got > 1 {
			t.Fatalf("Score(%.20q) = %v, outside [0,1]", in.content, got)
		}
	}
}

func TestScorePrefersSubstantiveContent(t *testing.T) {
	s := New(DefaultWeights(), testLexicon(), 8)

	good := strings.Repeat("FastAPI supports async dependency injection for request handling. ", 11)
	boiler := "All rights reserved. See our cookie policy and terms of service."

	if sg, sb := s.Score(good, true), s.Score(boiler, false); sg <= sb {
		t.Fatalf("substantive content scored %v, boilerplate %v", sg, sb)
	}
}

func TestLengthFactor(t *testing.T) {
	tests := []struct {
		n    int
		want float64
	}{
		{600, 1.0},
		{900, 1.0},
		{750, 1.0},
		{300, 0.5},
		{0, 0.0},
	}
	for _, tt := range tests {
		if got := lengthFactor(tt.n); got != tt.want {
			t.Fatalf("lengthFactor(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
	if got := lengthFactor(10000); got != 0.2 {
		t.Fatalf("oversize length should floor at 0.2, got %v", got)
	}
}

func TestLexiconMatchOrdersByFrequency(t *testing.T) {
	l := testLexicon()
	matches := l.Match("async async async fastapi")
	if len(matches) != 2 {
		t.Fatalf("matches = %d, want 2", len(matches))
	}
	if matches[0].Canonical != "async" {
		t.Fatalf("most frequent term should rank first, got %q", matches[0].Canonical)
	}
}

func TestLexiconFrequenciesUseCanonicalNames(t *testing.T) {
	l := testLexicon()
	freqs := l.Frequencies("dependency injection is core to FastAPI; dependency injection everywhere")
	if freqs["dependency-injection"] != 2 {
		t.Fatalf("freq[dependency-injection] = %d, want 2", freqs["dependency-injection"])
	}
	if freqs["FastAPI"] != 1 {
		t.Fatalf("freq[FastAPI] = %d, want 1", freqs["FastAPI"])
	}
}

func TestTopicsHonorsTopK(t *testing.T) {
	s := New(DefaultWeights(), testLexicon(), 1)
	topics := s.Topics("fastapi async fastapi")
	if len(topics) != 1 {
		t.Fatalf("topics = %v, want exactly 1", topics)
	}
	if topics[0] != "FastAPI" {
		t.Fatalf("top topic = %q, want FastAPI", topics[0])
	}
}

func TestScorerWithoutLexicon(t *testing.T) {
	s := New(DefaultWeights(), nil, 8)
	if got := s.Topics("anything"); got != nil {
		t.Fatalf("nil lexicon should yield no topics, got %v", got)
	}
	if got := s.Score(strings.Repeat("a", 700), false); got <= 0 {
		t.Fatalf("length factor alone should score above zero, got %v", got)
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scoring.yaml")
	doc := `weights:
  length: 0.5
  code_block: 0.1
lexicon:
  - term: fastapi
    canonical: FastAPI
    kind: framework
  - term: async
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	weights, lexicon, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if weights.Length != 0.5 {
		t.Fatalf("length weight = %v, want 0.5 override", weights.Length)
	}
	if weights.CodeBlock != 0.1 {
		t.Fatalf("code weight = %v, want 0.1 override", weights.CodeBlock)
	}
	if weights.TermDensity != DefaultWeights().TermDensity {
		t.Fatalf("unset weight should keep its default, got %v", weights.TermDensity)
	}

	matches := lexicon.Match("async fastapi code")
	if len(matches) != 2 {
		t.Fatalf("lexicon matches = %v", matches)
	}
	// An entry without a canonical name canonicalizes to its own term.
	freqs := lexicon.Frequencies("async")
	if freqs["async"] != 1 {
		t.Fatalf("default canonical missing: %v", freqs)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}
