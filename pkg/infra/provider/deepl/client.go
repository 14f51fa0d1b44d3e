// Package deepl adapts the DeepL v2 REST API into a translation backend.
package deepl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/jguan/gametrans/pkg/backend"
)

const (
	FreeURL           = "https://api-free.deepl.com/v2/translate"
	ProURL            = "https://api.deepl.com/v2/translate"
	DefaultConfidence = 0.95
)

type Client struct {
	url        string
	confidence float64
	httpClient *http.Client
}

// NewClient creates a client for url. An empty url selects the free API.
func NewClient(url string) *Client {
	if url == "" {
		url = FreeURL
	}
	return &Client{url: url, confidence: DefaultConfidence, httpClient: &http.Client{}}
}

func (c *Client) SetHTTPClient(client *http.Client) { c.httpClient = client }

func (c *Client) SetConfidence(v float64) { c.confidence = v }

type translateRequest struct {
	Text       []string `json:"text"`
	SourceLang string   `json:"source_lang,omitempty"`
	TargetLang string   `json:"target_lang"`
}

type translateResponse struct {
	Translations []struct {
		DetectedSourceLanguage string `json:"detected_source_language"`
		Text                   string `json:"text"`
	} `json:"translations"`
}

type errorResponse struct {
	Message string `json:"message"`
}

// targetCode maps ISO codes to the variants DeepL requires as targets.
func targetCode(lang string) string {
	switch l := strings.ToUpper(lang); l {
	case "EN":
		return "EN-US"
	case "PT":
		return "PT-PT"
	default:
		return l
	}
}

// Translate implements backend.Translator.
func (c *Client) Translate(ctx context.Context, req backend.Request) (backend.Response, error) {
	if req.APIKey == "" {
		return backend.Response{}, fmt.Errorf("deepl auth key is not set")
	}

	body, err := json.Marshal(translateRequest{
		Text:       []string{req.Text},
		SourceLang: strings.ToUpper(req.SourceLang),
		TargetLang: targetCode(req.TargetLang),
	})
	if err != nil {
		return backend.Response{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return backend.Response{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "DeepL-Auth-Key "+req.APIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return backend.Response{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return backend.Response{}, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var e errorResponse
		if json.Unmarshal(data, &e) == nil && e.Message != "" {
			return backend.Response{}, fmt.Errorf("deepl error: status %d: %s", resp.StatusCode, e.Message)
		}
		return backend.Response{}, fmt.Errorf("deepl error: status %d", resp.StatusCode)
	}

	var out translateResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return backend.Response{}, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Translations) == 0 {
		return backend.Response{}, fmt.Errorf("deepl returned no translations")
	}

	t := out.Translations[0]
	return backend.Response{
		Text:         t.Text,
		Confidence:   c.confidence,
		DetectedLang: strings.ToLower(t.DetectedSourceLanguage),
	}, nil
}

var _ backend.Translator = (*Client)(nil)
