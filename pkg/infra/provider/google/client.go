// Package google adapts the Cloud Translation v2 REST API into a
// translation backend.
package google

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"

	"github.com/jguan/gametrans/pkg/backend"
)

const (
	DefaultURL        = "https://translation.googleapis.com/language/translate/v2"
	DefaultConfidence = 0.9
)

type Client struct {
	url        string
	confidence float64
	httpClient *http.Client
}

func NewClient(endpoint string) *Client {
	if endpoint == "" {
		endpoint = DefaultURL
	}
	return &Client{url: endpoint, confidence: DefaultConfidence, httpClient: &http.Client{}}
}

func (c *Client) SetHTTPClient(client *http.Client) { c.httpClient = client }

func (c *Client) SetConfidence(v float64) { c.confidence = v }

type translateRequest struct {
	Q      []string `json:"q"`
	Source string   `json:"source,omitempty"`
	Target string   `json:"target"`
	Format string   `json:"format"`
}

type translateResponse struct {
	Data struct {
		Translations []struct {
			TranslatedText         string `json:"translatedText"`
			DetectedSourceLanguage string `json:"detectedSourceLanguage,omitempty"`
		} `json:"translations"`
	} `json:"data"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Translate implements backend.Translator.
func (c *Client) Translate(ctx context.Context, req backend.Request) (backend.Response, error) {
	if req.APIKey == "" {
		return backend.Response{}, fmt.Errorf("google API key is not set")
	}

	body, err := json.Marshal(translateRequest{
		Q:      []string{req.Text},
		Source: req.SourceLang,
		Target: req.TargetLang,
		Format: "text",
	})
	if err != nil {
		return backend.Response{}, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := c.url + "?key=" + url.QueryEscape(req.APIKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return backend.Response{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return backend.Response{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return backend.Response{}, fmt.Errorf("read response: %w", err)
	}

	var out translateResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return backend.Response{}, fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	if out.Error != nil {
		return backend.Response{}, fmt.Errorf("google API error %d: %s", out.Error.Code, out.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return backend.Response{}, fmt.Errorf("google API status %d", resp.StatusCode)
	}
	if len(out.Data.Translations) == 0 {
		return backend.Response{}, fmt.Errorf("google API returned no translations")
	}

	t := out.Data.Translations[0]
	return backend.Response{
		Text:         html.UnescapeString(t.TranslatedText),
		Confidence:   c.confidence,
		DetectedLang: t.DetectedSourceLanguage,
	}, nil
}

var _ backend.Translator = (*Client)(nil)
