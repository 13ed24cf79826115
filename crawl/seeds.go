package crawl

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SourceConfig is one entry in the crawl seed configuration document
// (§6: "A structured document enumerating sources").
type SourceConfig struct {
	SourceID      string   `yaml:"source_id"`
	DisplayName   string   `yaml:"display_name"`
	SeedURL       string   `yaml:"seed_url"`
	Category      string   `yaml:"category"`
	Priority      string   `yaml:"priority"`
	MaxDepth      int      `yaml:"max_depth"`
	MaxPages      int      `yaml:"max_pages"`
	DelayMS       int      `yaml:"delay_ms"`
	RespectRobots *bool    `yaml:"respect_robots"`
	UserAgent     string   `yaml:"user_agent"`
	Allowlist     []string `yaml:"allowlist"`
}

// seedDocument is the top-level YAML shape: a list of sources.
type seedDocument struct {
	Sources []SourceConfig `yaml:"sources"`
}

// LoadSeeds parses a crawl seed configuration file (§6). max_pages is
// deliberately not defaulted: 0 means a no-op crawl and a negative value
// is unbounded, so each source must state its own page budget.
func LoadSeeds(path string) ([]SourceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("crawl: read seed config: %w", err)
	}
	var doc seedDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("crawl: parse seed config: %w", err)
	}
	for i := range doc.Sources {
		if doc.Sources[i].MaxDepth == 0 {
			doc.Sources[i].MaxDepth = 3
		}
		if doc.Sources[i].DelayMS == 0 {
			doc.Sources[i].DelayMS = 1000
		}
	}
	return doc.Sources, nil
}

// RespectsRobots reports whether robots.txt should be honored for this
// source, defaulting to true when unset (§6).
func (c SourceConfig) RespectsRobots() bool {
	return c.RespectRobots == nil || *c.RespectRobots
}
