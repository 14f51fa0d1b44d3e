// Package ollama adapts a local Ollama server into a translation backend.
// It needs no API key, which makes it a natural last online resort before
// the offline phrase models.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/jguan/gametrans/pkg/backend"
	"github.com/jguan/gametrans/pkg/infra/provider"
)

const (
	DefaultBaseURL    = "http://localhost:11434"
	DefaultModel      = "qwen2.5:3b"
	DefaultConfidence = 0.75
)

type Client struct {
	baseURL    string
	model      string
	confidence float64
	httpClient *http.Client
}

func NewClient(baseURL, model string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if model == "" {
		model = DefaultModel
	}
	return &Client{
		baseURL:    baseURL,
		model:      model,
		confidence: DefaultConfidence,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// SetConfidence sets the quality reported for every answer.
func (c *Client) SetConfidence(v float64) {
	c.confidence = v
}

type GenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type GenerateResponse struct {
	Model         string `json:"model"`
	CreatedAt     string `json:"created_at"`
	Response      string `json:"response"`
	Done          bool   `json:"done"`
	TotalDuration int64  `json:"total_duration,omitempty"`
	EvalCount     int    `json:"eval_count,omitempty"`
}

type ModelInfo struct {
	Name       string `json:"name"`
	ModifiedAt string `json:"modified_at"`
	Size       int64  `json:"size"`
	Digest     string `json:"digest"`
}

type ListModelsResponse struct {
	Models []ModelInfo `json:"models"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (c *Client) doRequest(ctx context.Context, method, path string, reqBody, respBody any) error {
	var body io.Reader
	if reqBody != nil {
		jsonData, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(jsonData)
	}

	url := c.baseURL + path
	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	if reqBody != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer httpResp.Body.Close()

	respData, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode >= 400 {
		var errResp ErrorResponse
		if json.Unmarshal(respData, &errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("ollama error: %s", errResp.Error)
		}
		return fmt.Errorf("ollama error: status %d, body: %s", httpResp.StatusCode, string(respData))
	}

	if respBody != nil {
		if err := json.Unmarshal(respData, respBody); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}

	return nil
}

func (c *Client) Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	req.Stream = false
	var resp GenerateResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/generate", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) ListModels(ctx context.Context) (*ListModelsResponse, error) {
	var resp ListModelsResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/tags", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) IsRunning(ctx context.Context) bool {
	_, err := c.ListModels(ctx)
	return err == nil
}

// Translate implements backend.Translator.
func (c *Client) Translate(ctx context.Context, req backend.Request) (backend.Response, error) {
	resp, err := c.Generate(ctx, &GenerateRequest{
		Model:   c.model,
		System:  provider.SystemPrompt,
		Prompt:  provider.TranslationPrompt(req.Text, req.SourceLang, req.TargetLang),
		Options: map[string]any{"temperature": 0},
	})
	if err != nil {
		return backend.Response{}, err
	}
	return backend.Response{
		Text:       provider.CleanCompletion(resp.Response),
		Confidence: c.confidence,
	}, nil
}

var _ backend.Translator = (*Client)(nil)
