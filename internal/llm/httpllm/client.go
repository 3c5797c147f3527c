// Package httpllm implements llm.Capability against any OpenAI-compatible
// HTTP endpoint (OpenRouter, a local vLLM/Ollama gateway, OpenAI itself) via
// raw net/http calls, with no vendor SDK dependency.
package httpllm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spherical-ai/nl2sql-engine/internal/llm"
)

// Client implements llm.Capability over /embeddings and /chat/completions.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	embedModel string
	chatModel  string
	dimension  int
}

// Config holds httpllm client configuration.
type Config struct {
	APIKey     string
	BaseURL    string // default: https://openrouter.ai/api/v1
	EmbedModel string // default: google/gemini-embedding-001
	ChatModel  string // default: gpt-4o-mini
	Dimension  int    // default: 768
	Timeout    time.Duration
}

var _ llm.Capability = (*Client)(nil)
var _ llm.Dims = (*Client)(nil)

// NewClient creates a new httpllm client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://openrouter.ai/api/v1"
	}
	if cfg.EmbedModel == "" {
		cfg.EmbedModel = "google/gemini-embedding-001"
	}
	if cfg.ChatModel == "" {
		cfg.ChatModel = "gpt-4o-mini"
	}
	if cfg.Dimension <= 0 {
		cfg.Dimension = 768
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		embedModel: cfg.EmbedModel,
		chatModel:  cfg.ChatModel,
		dimension:  cfg.Dimension,
	}, nil
}

// EmbeddingDim reports the configured embedding dimension.
func (c *Client) EmbeddingDim() int {
	return c.dimension
}

type embeddingRequest struct {
	Input []string `json:"input"`
	Model string   `json:"model"`
}

type embeddingResponse struct {
	Data  []embeddingData `json:"data"`
	Error *apiError       `json:"error,omitempty"`
}

type embeddingData struct {
	Embedding []float32 `json:"embedding"`
	Index     int       `json:"index"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Embed generates embeddings for the given texts via one batched request.
func (c *Client) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(embeddingRequest{Input: texts, Model: c.embedModel})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	respBody, err := c.post(ctx, "/embeddings", body)
	if err != nil {
		return nil, err
	}

	var resp embeddingResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal embedding response: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("embedding API error: %s (%s)", resp.Error.Message, resp.Error.Type)
	}

	out := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < len(out) {
			out[d.Index] = d.Embedding
			if len(d.Embedding) > 0 {
				c.dimension = len(d.Embedding)
			}
		}
	}
	return out, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
	Error   *apiError    `json:"error,omitempty"`
}

type chatChoice struct {
	Message chatMessage `json:"message"`
}

// Complete generates a plain-text chat completion at temperature 0.
func (c *Client) Complete(ctx context.Context, messages []llm.Message) (string, error) {
	req := chatRequest{Model: c.chatModel, Temperature: 0}
	for _, m := range messages {
		req.Messages = append(req.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	respBody, err := c.post(ctx, "/chat/completions", body)
	if err != nil {
		return "", err
	}

	var resp chatResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("unmarshal chat response: %w", err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("chat API error: %s (%s)", resp.Error.Message, resp.Error.Type)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat API returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// CompleteStructured asks the model to answer in JSON (via an appended
// system instruction, since this client targets the lowest common
// denominator of OpenAI-compatible endpoints rather than a vendor-specific
// structured-output mode) and unmarshals the result into out.
func (c *Client) CompleteStructured(ctx context.Context, messages []llm.Message, out interface{}) error {
	augmented := append([]llm.Message{}, messages...)
	augmented = append(augmented, llm.Message{
		Role:    "system",
		Content: "Respond with a single JSON object only, no surrounding prose or markdown fences.",
	})

	raw, err := c.Complete(ctx, augmented)
	if err != nil {
		return err
	}
	raw = stripFences(raw)
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("unmarshal structured completion: %w", err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("HTTP-Referer", "https://nl2sql.local")
	req.Header.Set("X-Title", "NL2SQL Knowledge Engine")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error: status %d, body: %s", resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

// stripFences removes a leading/trailing ```json ... ``` or ``` ... ```
// fence, in case the model ignores the plain-JSON instruction.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		if nl := strings.IndexByte(s, '\n'); nl >= 0 {
			s = s[nl+1:]
		}
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}
