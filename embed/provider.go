// Package embed implements the batched external-provider embedding
// component (C5).
package embed

import "context"

// Config configures the embedding provider endpoint.
type Config struct {
	BaseURL string
	Model   string
	APIKey  string
	// Dimension is the process-wide constant D (§3).
	Dimension int
}

// Provider embeds batches of text into fixed-dimension vectors.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// New constructs the OpenAI-compatible embedding provider. Ptolemies
// speaks only to embedding endpoints; the chat/vision surface the
// teacher repo's LLM client also exposed has no counterpart in this
// engine's Retrieval API (§6) and is not carried forward.
func New(cfg Config) Provider {
	return newOpenAICompatClient(cfg)
}
