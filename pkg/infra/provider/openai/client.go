// Package openai adapts any OpenAI-compatible chat completions endpoint into
// a translation backend.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/jguan/gametrans/pkg/backend"
	"github.com/jguan/gametrans/pkg/infra/provider"
)

const (
	DefaultBaseURL    = "https://api.openai.com/v1"
	DefaultModel      = "gpt-4o-mini"
	DefaultConfidence = 0.9
)

type Client struct {
	model      string
	baseURL    string
	userAgent  string
	confidence float64
	httpClient *http.Client
}

// NewClient creates a client. baseURL defaults to the official endpoint.
func NewClient(model, baseURL string) *Client {
	if model == "" {
		model = DefaultModel
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		model:      model,
		baseURL:    baseURL,
		confidence: DefaultConfidence,
		httpClient: &http.Client{},
	}
}

func (c *Client) SetHTTPClient(client *http.Client) { c.httpClient = client }

// SetUserAgent sets the User-Agent header; some compatible endpoints
// restrict access by it.
func (c *Client) SetUserAgent(ua string) { c.userAgent = ua }

func (c *Client) SetConfidence(v float64) { c.confidence = v }

func (c *Client) ModelName() string { return c.model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Index        int         `json:"index"`
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	} `json:"error,omitempty"`
}

// Translate implements backend.Translator.
func (c *Client) Translate(ctx context.Context, req backend.Request) (backend.Response, error) {
	if req.APIKey == "" {
		return backend.Response{}, fmt.Errorf("openai API key is not set")
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: provider.SystemPrompt},
			{Role: "user", Content: provider.TranslationPrompt(req.Text, req.SourceLang, req.TargetLang)},
		},
		MaxTokens: 4 * (len(req.Text) + 16),
	})
	if err != nil {
		return backend.Response{}, fmt.Errorf("marshal request: %w", err)
	}

	url := c.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return backend.Response{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	if c.userAgent != "" {
		httpReq.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return backend.Response{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return backend.Response{}, fmt.Errorf("read response: %w", err)
	}

	var apiResp chatResponse
	if err := json.Unmarshal(data, &apiResp); err != nil {
		return backend.Response{}, fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}

	if apiResp.Error != nil {
		return backend.Response{}, fmt.Errorf("openai API error [%s]: %s", apiResp.Error.Type, apiResp.Error.Message)
	}

	if resp.StatusCode != http.StatusOK {
		return backend.Response{}, fmt.Errorf("openai API status %d: %s", resp.StatusCode, string(data))
	}

	if len(apiResp.Choices) == 0 {
		return backend.Response{}, fmt.Errorf("openai API returned no choices")
	}

	confidence := c.confidence
	if apiResp.Choices[0].FinishReason == "length" {
		confidence *= 0.5
	}
	return backend.Response{
		Text:       provider.CleanCompletion(apiResp.Choices[0].Message.Content),
		Confidence: confidence,
	}, nil
}

var _ backend.Translator = (*Client)(nil)
