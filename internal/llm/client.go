// Package llm talks to the Ollama model server for text generation and
// vision analysis. Embedding requests live in internal/embedding; this
// package covers the generate-style endpoints used by classification and
// image understanding.
package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/krai-tech/krai-engine/internal/config"
	"github.com/krai-tech/krai-engine/internal/observability"
)

const (
	generatePath = "/api/generate"

	defaultVisionModel         = "llava:13b"
	defaultClassificationModel = "llama3.1:8b"
	defaultTimeout             = 120 * time.Second
)

// disabledVisionAnalysis is returned when vision processing is switched off.
// Downstream consumers treat it like any other model answer.
const disabledVisionAnalysis = "Technical illustration from a service document. Vision analysis disabled."

// Client handles communication with the Ollama HTTP API.
type Client struct {
	baseURL             string
	visionModel         string
	classificationModel string
	visionDisabled      bool
	httpClient          *http.Client
	log                 *observability.Logger
}

// GenerateRequest is the Ollama /api/generate request body.
type GenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Images  []string       `json:"images,omitempty"`
	Stream  bool           `json:"stream"`
	Format  string         `json:"format,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

// GenerateResponse is the Ollama /api/generate response body.
type GenerateResponse struct {
	Model    string `json:"model"`
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// NewClient creates a client from the Ollama section of the configuration.
func NewClient(cfg config.OllamaConfig, disableVision bool, log *observability.Logger) *Client {
	visionModel := cfg.VisionModel
	if visionModel == "" {
		visionModel = defaultVisionModel
	}
	classificationModel := cfg.ClassificationModel
	if classificationModel == "" {
		classificationModel = defaultClassificationModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		baseURL:             strings.TrimRight(cfg.URL, "/"),
		visionModel:         visionModel,
		classificationModel: classificationModel,
		visionDisabled:      disableVision,
		httpClient:          &http.Client{Timeout: timeout},
		log:                 log.WithComponent("ollama"),
	}
}

// Generate runs a text prompt against the classification model and returns
// the full (non-streamed) answer.
func (c *Client) Generate(ctx context.Context, prompt string) (string, error) {
	return c.generate(ctx, GenerateRequest{
		Model:  c.classificationModel,
		Prompt: prompt,
		Stream: false,
	})
}

// GenerateJSON runs a text prompt with Ollama's JSON output format enforced.
func (c *Client) GenerateJSON(ctx context.Context, prompt string) (string, error) {
	return c.generate(ctx, GenerateRequest{
		Model:  c.classificationModel,
		Prompt: prompt,
		Stream: false,
		Format: "json",
	})
}

// Analyze sends a PNG image to the vision model with the given prompt and
// returns the textual analysis. When vision processing is disabled a canned
// benign analysis is returned without a network round trip.
func (c *Client) Analyze(ctx context.Context, imagePNG []byte, prompt string) (string, error) {
	if c.visionDisabled {
		return disabledVisionAnalysis, nil
	}
	if len(imagePNG) == 0 {
		return "", fmt.Errorf("analyze: empty image")
	}

	return c.generate(ctx, GenerateRequest{
		Model:  c.visionModel,
		Prompt: prompt,
		Images: []string{base64.StdEncoding.EncodeToString(imagePNG)},
		Stream: false,
	})
}

// VisionDisabled reports whether vision calls are short-circuited.
func (c *Client) VisionDisabled() bool {
	return c.visionDisabled
}

func (c *Client) generate(ctx context.Context, genReq GenerateRequest) (string, error) {
	body, err := json.Marshal(genReq)
	if err != nil {
		return "", fmt.Errorf("marshal generate request: %w", err)
	}

	resp, err := c.retryWithBackoff(ctx, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+generatePath, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return c.httpClient.Do(req)
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("ollama returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var genResp GenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&genResp); err != nil {
		return "", fmt.Errorf("decode generate response: %w", err)
	}

	return genResp.Response, nil
}
