package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/ptolemies/ptolemies"
)

// openAICompatClient is an OpenAI-compatible embeddings client, adapted
// from the teacher's chat-completion client down to the single
// /embeddings endpoint the engine needs (§6: "Embedding provider").
type openAICompatClient struct {
	cfg    Config
	client *http.Client
}

func newOpenAICompatClient(cfg Config) *openAICompatClient {
	return &openAICompatClient{
		cfg:    cfg,
		client: &http.Client{Timeout: 120 * time.Second},
	}
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

const batchMax = 100 // §4.5 BATCH_MAX default

// Embed batches inputs up to BATCH_MAX per provider call, L2-normalizes
// the returned vectors, and applies the §4.5 failure policy: RateLimited
// retries the full batch with backoff; Provider errors halve the batch
// and retry twice. On persistent failure Embed returns that single error
// for the whole call, with no vectors and no per-item errors.
func (c *openAICompatClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for start := 0; start < len(texts); start += batchMax {
		end := start + batchMax
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := c.embedBatch(ctx, texts[start:end], 0)
		if err != nil {
			return nil, err
		}
		copy(out[start:end], vecs)
	}
	for i, v := range out {
		normalize(v)
		out[i] = v
	}
	return out, nil
}

// embedBatch embeds one batch, retrying per §4.5. provRetries tracks how
// many times this call has already halved-and-retried on a Provider
// error (max 2).
func (c *openAICompatClient) embedBatch(ctx context.Context, texts []string, provRetries int) ([][]float32, error) {
	const (
		maxRateLimitAttempts = 5
		baseDelay            = time.Second
	)

	var lastErr error
	for attempt := 0; attempt < maxRateLimitAttempts; attempt++ {
		if attempt > 0 {
			delay := baseDelay * time.Duration(1<<(attempt-1))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, &ptolemies.EmbedError{Reason: ptolemies.EmbedTransport, Err: ctx.Err()}
			}
		}

		resp, status, err := c.doEmbed(ctx, texts)
		if err == nil {
			return resp, nil
		}

		if status == http.StatusTooManyRequests {
			lastErr = &ptolemies.EmbedError{Reason: ptolemies.EmbedRateLimited, Err: err}
			slog.Warn("embed: rate limited, retrying batch", "attempt", attempt+1, "size", len(texts))
			continue
		}

		if status >= 500 || status == 0 {
			if provRetries < 2 && len(texts) > 1 {
				mid := len(texts) / 2
				slog.Warn("embed: provider error, halving batch", "size", len(texts), "retry", provRetries+1)
				first, err1 := c.embedBatch(ctx, texts[:mid], provRetries+1)
				if err1 != nil {
					return nil, err1
				}
				second, err2 := c.embedBatch(ctx, texts[mid:], provRetries+1)
				if err2 != nil {
					return nil, err2
				}
				return append(first, second...), nil
			}
			return nil, &ptolemies.EmbedError{Reason: ptolemies.EmbedProvider, Err: err}
		}

		return nil, &ptolemies.EmbedError{Reason: ptolemies.EmbedTransport, Err: err}
	}
	return nil, lastErr
}

func (c *openAICompatClient) doEmbed(ctx context.Context, texts []string) ([][]float32, int, error) {
	body := embeddingRequest{Model: c.cfg.Model, Input: texts}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/embeddings", bytes.NewReader(data))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}

	if resp.StatusCode != http.StatusOK {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				time.Sleep(time.Duration(secs) * time.Second)
			}
		}
		return nil, resp.StatusCode, fmt.Errorf("embedding API error %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("decoding embedding response: %w", err)
	}

	vecs := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < len(vecs) {
			vecs[d.Index] = d.Embedding
		}
	}
	return vecs, resp.StatusCode, nil
}

// normalize L2-normalizes v in place (§3 Embedding invariant: ‖vector‖₂ ≈ 1).
func normalize(v []float32) {
	var sumSquares float64
	for _, x := range v {
		sumSquares += float64(x) * float64(x)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}

var _ Provider = (*openAICompatClient)(nil)
