package quality

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// configFile is the on-disk shape of the scoring configuration: optional
// weight overrides plus the Framework/Topic lexicon (§4.4: "Weights and
// vocabulary are configuration, not code").
type configFile struct {
	Weights *struct {
		Length      *float64 `yaml:"length"`
		TermDensity *float64 `yaml:"term_density"`
		CodeBlock   *float64 `yaml:"code_block"`
		URLPenalty  *float64 `yaml:"url_penalty"`
		Boilerplate *float64 `yaml:"boilerplate"`
	} `yaml:"weights"`
	Lexicon []struct {
		Term      string `yaml:"term"`
		Canonical string `yaml:"canonical"`
		Kind      string `yaml:"kind"`
	} `yaml:"lexicon"`
}

// LoadConfig reads scoring weights and the lexicon from a YAML file.
// Missing weight fields keep their defaults; an entry without a canonical
// name canonicalizes to its own term.
func LoadConfig(path string) (Weights, *Lexicon, error) {
	weights := DefaultWeights()

	data, err := os.ReadFile(path)
	if err != nil {
		return weights, nil, fmt.Errorf("quality: read config: %w", err)
	}
	var cfg configFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return weights, nil, fmt.Errorf("quality: parse config: %w", err)
	}

	if w := cfg.Weights; w != nil {
		if w.Length != nil {
			weights.Length = *w.Length
		}
		if w.TermDensity != nil {
			weights.TermDensity = *w.TermDensity
		}
		if w.CodeBlock != nil {
			weights.CodeBlock = *w.CodeBlock
		}
		if w.URLPenalty != nil {
			weights.URLPenalty = *w.URLPenalty
		}
		if w.Boilerplate != nil {
			weights.Boilerplate = *w.Boilerplate
		}
	}

	entries := make([]LexiconEntry, 0, len(cfg.Lexicon))
	for _, e := range cfg.Lexicon {
		if e.Term == "" {
			continue
		}
		canonical := e.Canonical
		if canonical == "" {
			canonical = e.Term
		}
		kind := e.Kind
		if kind == "" {
			kind = "topic"
		}
		entries = append(entries, LexiconEntry{Term: e.Term, Canonical: canonical, Kind: kind})
	}
	return weights, NewLexicon(entries), nil
}
