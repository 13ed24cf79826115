// Package quality implements the Quality Scorer component (C4): a scalar
// score per chunk plus the Framework/Topic lexicon match used both to
// tag chunks with topics and, by Hybrid Retrieval (C10), to extract
// candidate entities from a query.
package quality

import (
	"regexp"
	"sort"
	"strings"
)

// optimalLow/optimalHigh bound the saturating length-factor optimum
// named in §4.4 ("optimum ~600-900 chars").
const (
	optimalLow  = 600
	optimalHigh = 900
)

var boilerplatePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)all rights reserved`),
	regexp.MustCompile(`(?i)cookie policy`),
	regexp.MustCompile(`(?i)^\s*©`),
	regexp.MustCompile(`(?i)terms of service`),
}

var urlFooterPattern = regexp.MustCompile(`(?i)^(https?://\S+\s*){2,}$`)

// Weights controls the relative contribution of each scoring factor
// (§4.4: "weights and vocabulary are configuration, not code").
type Weights struct {
	Length     float64
	TermDensity float64
	CodeBlock  float64
	URLPenalty float64
	Boilerplate float64
}

// DefaultWeights returns a balanced weight set.
func DefaultWeights() Weights {
	return Weights{
		Length:      0.35,
		TermDensity: 0.35,
		CodeBlock:   0.15,
		URLPenalty:  0.15,
		Boilerplate: 0.15,
	}
}

// LexiconEntry is one Framework/Topic vocabulary term (§C.4 of
// SPEC_FULL.md). Term is matched case-insensitively; Canonical is the
// Framework/Topic node name it resolves to.
type LexiconEntry struct {
	Term      string
	Canonical string
	Kind      string // "framework" | "topic"
}

// Lexicon holds the curated technical-term vocabulary, sorted longest
// term first so matching is greedy/longest-match (§4.10 step 3).
type Lexicon struct {
	entries []LexiconEntry
}

// NewLexicon builds a Lexicon from entries, sorting for longest-match.
func NewLexicon(entries []LexiconEntry) *Lexicon {
	sorted := append([]LexiconEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool {
		return len(sorted[i].Term) > len(sorted[j].Term)
	})
	return &Lexicon{entries: sorted}
}

// Match returns, in descending frequency order, every lexicon term found
// in text by longest-match scanning.
func (l *Lexicon) Match(text string) []LexiconEntry {
	lower := strings.ToLower(text)
	counts := make(map[string]int)
	byTerm := make(map[string]LexiconEntry)

	for _, e := range l.entries {
		term := strings.ToLower(e.Term)
		if term == "" {
			continue
		}
		n := strings.Count(lower, term)
		if n > 0 {
			counts[e.Term] += n
			byTerm[e.Term] = e
			// Blank the matched spans so shorter terms cannot match inside them.
			lower = strings.ReplaceAll(lower, term, strings.Repeat("\x00", len(term)))
		}
	}

	matched := make([]LexiconEntry, 0, len(counts))
	for term := range counts {
		matched = append(matched, byTerm[term])
	}
	sort.Slice(matched, func(i, j int) bool {
		ci, cj := counts[matched[i].Term], counts[matched[j].Term]
		if ci != cj {
			return ci > cj
		}
		return matched[i].Term < matched[j].Term
	})
	return matched
}

// Frequencies returns term -> occurrence count for the matched entries,
// used to weight COVERS_TOPIC edges (§3: "weight = frequency").
func (l *Lexicon) Frequencies(text string) map[string]int {
	lower := strings.ToLower(text)
	out := make(map[string]int)
	for _, e := range l.entries {
		term := strings.ToLower(e.Term)
		if term == "" {
			continue
		}
		if n := strings.Count(lower, term); n > 0 {
			out[e.Canonical] += n
		}
	}
	return out
}

// Scorer computes quality scores and topic tags for chunks (C4).
type Scorer struct {
	weights Weights
	lexicon *Lexicon
	topK    int
}

// New returns a Scorer. topK defaults to 8 (§4.4) when zero.
func New(weights Weights, lexicon *Lexicon, topK int) *Scorer {
	if topK == 0 {
		topK = 8
	}
	return &Scorer{weights: weights, lexicon: lexicon, topK: topK}
}

// Score computes score(chunk) per §4.4: a weighted sum of a saturating
// length factor, technical-term density, code-block presence, a
// URL-or-footer penalty, and a boilerplate n-gram penalty. The result is
// clamped to [0,1].
func (s *Scorer) Score(content string, hasCodeBlock bool) float64 {
	length := lengthFactor(len(content))
	density := s.termDensity(content)
	code := 0.0
	if hasCodeBlock {
		code = 1.0
	}
	urlPenalty := 0.0
	if urlFooterPattern.MatchString(strings.TrimSpace(content)) {
		urlPenalty = 1.0
	}
	boiler := 0.0
	for _, p := range boilerplatePatterns {
		if p.MatchString(content) {
			boiler = 1.0
			break
		}
	}

	score := s.weights.Length*length +
		s.weights.TermDensity*density +
		s.weights.CodeBlock*code -
		s.weights.URLPenalty*urlPenalty -
		s.weights.Boilerplate*boiler

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}

// lengthFactor saturates at 1.0 within [optimalLow, optimalHigh] and
// decays linearly outside that band.
func lengthFactor(n int) float64 {
	if n >= optimalLow && n <= optimalHigh {
		return 1.0
	}
	if n < optimalLow {
		if optimalLow == 0 {
			return 0
		}
		f := float64(n) / float64(optimalLow)
		if f < 0 {
			return 0
		}
		return f
	}
	// n > optimalHigh: decay over the next optimalHigh chars, floor 0.2.
	over := float64(n-optimalHigh) / float64(optimalHigh)
	f := 1.0 - over
	if f < 0.2 {
		return 0.2
	}
	return f
}

func (s *Scorer) termDensity(content string) float64 {
	if s.lexicon == nil {
		return 0
	}
	words := strings.Fields(content)
	if len(words) == 0 {
		return 0
	}
	matches := s.lexicon.Match(content)
	if len(matches) == 0 {
		return 0
	}
	density := float64(len(matches)) / float64(len(words)) * 10
	if density > 1 {
		density = 1
	}
	return density
}

// Topics returns the top-K vocabulary matches by frequency (§4.4).
func (s *Scorer) Topics(content string) []string {
	if s.lexicon == nil {
		return nil
	}
	matches := s.lexicon.Match(content)
	k := s.topK
	if k > len(matches) {
		k = len(matches)
	}
	out := make([]string, k)
	for i := 0; i < k; i++ {
		out[i] = matches[i].Canonical
	}
	return out
}
