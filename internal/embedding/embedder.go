// Package embedding generates 768-dimensional vectors through the Ollama
// embed endpoint and sizes its batches adaptively to the model server's
// capacity.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/krai-tech/krai-engine/internal/config"
	"github.com/krai-tech/krai-engine/internal/observability"
)

const (
	embedPath = "/api/embed"

	defaultModel     = "nomic-embed-text"
	defaultDimension = 768
	defaultTimeout   = 60 * time.Second
)

// Embedder computes dense vectors for text.
type Embedder interface {
	// Embed computes the vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch computes vectors for a slice of texts in one request,
	// preserving order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Dimension returns the vector dimensionality.
	Dimension() int
}

// ResourceLimitError marks a model-server refusal that should shrink the
// batch size rather than fail the run.
type ResourceLimitError struct {
	StatusCode int
	Message    string
}

func (e *ResourceLimitError) Error() string {
	return fmt.Sprintf("model server resource limit (status %d): %s", e.StatusCode, e.Message)
}

// IsResourceLimit reports whether err indicates the model server is
// overloaded or the request was too large. Timeouts count: an oversized
// batch and a saturated server look the same from here.
func IsResourceLimit(err error) bool {
	if err == nil {
		return false
	}
	var rle *ResourceLimitError
	if errors.As(err, &rle) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "resource limit") ||
		strings.Contains(msg, "out of memory") ||
		strings.Contains(msg, "timeout")
}

// Client is the Ollama embedding client.
type Client struct {
	baseURL    string
	model      string
	dimension  int
	httpClient *http.Client
	log        *observability.Logger
}

// EmbedRequest is the Ollama /api/embed request body.
type EmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

// EmbedResponse is the Ollama /api/embed response body.
type EmbedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float32 `json:"embeddings"`
}

// NewClient creates an embedding client from the Ollama and embedding
// sections of the configuration.
func NewClient(ollama config.OllamaConfig, emb config.EmbeddingConfig, log *observability.Logger) *Client {
	model := ollama.EmbeddingModel
	if model == "" {
		model = defaultModel
	}
	dimension := emb.Dimension
	if dimension <= 0 {
		dimension = defaultDimension
	}
	timeout := emb.RequestTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		baseURL:    strings.TrimRight(ollama.URL, "/"),
		model:      model,
		dimension:  dimension,
		httpClient: &http.Client{Timeout: timeout},
		log:        log.WithComponent("embedder"),
	}
}

// Dimension returns the configured vector dimensionality.
func (c *Client) Dimension() int {
	return c.dimension
}

// Embed computes the vector for a single text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch computes vectors for a slice of texts in one request. The
// response must carry exactly one vector per input, each of the configured
// dimension, or the call fails.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(EmbedRequest{Model: c.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+embedPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		msg := strings.TrimSpace(string(respBody))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, &ResourceLimitError{StatusCode: resp.StatusCode, Message: msg}
		}
		return nil, fmt.Errorf("embed returned status %d: %s", resp.StatusCode, msg)
	}

	var embResp EmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embResp); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}

	if len(embResp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embed returned %d vectors for %d inputs", len(embResp.Embeddings), len(texts))
	}
	for i, vec := range embResp.Embeddings {
		if len(vec) != c.dimension {
			return nil, fmt.Errorf("embed vector %d has dimension %d, want %d", i, len(vec), c.dimension)
		}
	}

	return embResp.Embeddings, nil
}
