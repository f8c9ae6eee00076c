// Package textgen talks to an OpenAI-compatible chat completions endpoint to
// polish user text and generate structured drafts.
package textgen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/songzhibin97/wizard-engine/gateway"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-4o-mini"
	DefaultTimeout = 60 * time.Second
)

// ErrEmptyResponse is returned when the model answers without any choice.
var ErrEmptyResponse = errors.New("no choices in response")

// Generator is the text-generation collaborator.
type Generator interface {
	// Enhance rewrites text, using context as background facts.
	Enhance(ctx context.Context, text string, context map[string]string) (string, error)

	// Generate produces a structured artifact for prompt. A response that is
	// not a JSON object is returned under the "text" key.
	Generate(ctx context.Context, prompt string, context map[string]string) (map[string]interface{}, error)
}

// Config configures a Client.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature *float64
	MaxTokens   int
	Timeout     time.Duration
}

// Client is a Generator backed by a chat completions API.
type Client struct {
	cfg  Config
	url  string
	http *http.Client
}

// NewClient creates a Client, filling unset fields with defaults.
func NewClient(cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		cfg:  cfg,
		url:  buildURL(cfg.BaseURL),
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

func buildURL(baseURL string) string {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	baseURL = strings.TrimSuffix(baseURL, "/")
	if strings.HasSuffix(baseURL, "/chat/completions") {
		return baseURL
	}
	return baseURL + "/chat/completions"
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

const (
	enhancePrompt  = "You improve business writing. Keep the meaning, fix grammar, make it concise. Reply with the rewritten text only."
	generatePrompt = "You draft sales and partnership artifacts. Reply with a single JSON object and nothing else."
)

// Enhance implements Generator.
func (c *Client) Enhance(ctx context.Context, text string, facts map[string]string) (string, error) {
	return c.complete(ctx, enhancePrompt, withFacts(text, facts))
}

// Generate implements Generator.
func (c *Client) Generate(ctx context.Context, prompt string, facts map[string]string) (map[string]interface{}, error) {
	content, err := c.complete(ctx, generatePrompt, withFacts(prompt, facts))
	if err != nil {
		return nil, err
	}
	return ParseObject(content), nil
}

func (c *Client) complete(ctx context.Context, system, user string) (string, error) {
	req := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: c.cfg.Temperature,
	}
	if c.cfg.MaxTokens > 0 {
		req.MaxTokens = &c.cfg.MaxTokens
	}
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read chat response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &gateway.StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("parse chat response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}

// withFacts appends the context facts to the user message in a stable order.
func withFacts(text string, facts map[string]string) string {
	if len(facts) == 0 {
		return text
	}
	keys := make([]string, 0, len(facts))
	for k := range facts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(text)
	b.WriteString("\n\nContext:")
	for _, k := range keys {
		fmt.Fprintf(&b, "\n- %s: %s", k, facts[k])
	}
	return b.String()
}

// ParseObject decodes a model reply as a JSON object. Markdown code fences
// are stripped first. Anything else is wrapped as {"text": content}.
func ParseObject(content string) map[string]interface{} {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(trimmed, "```")
		trimmed = strings.TrimSpace(trimmed)
	}
	out := make(map[string]interface{})
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil || len(out) == 0 {
		return map[string]interface{}{"text": content}
	}
	return out
}
