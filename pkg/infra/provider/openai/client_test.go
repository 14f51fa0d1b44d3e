package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jguan/gametrans/pkg/backend"
)

func completion(content, finish string) string {
	b, _ := json.Marshal(map[string]any{
		"id": "chatcmpl-1",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": content},
			"finish_reason": finish,
		}},
	})
	return string(b)
}

func TestClient_Translate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.Equal(t, "gametrans-test", r.Header.Get("User-Agent"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		assert.Contains(t, req.Messages[1].Content, "Continue")
		assert.Equal(t, 0.0, req.Temperature)

		_, _ = w.Write([]byte(completion("Continua", "stop")))
	}))
	defer srv.Close()

	c := NewClient("gpt-test", srv.URL)
	c.SetUserAgent("gametrans-test")
	resp, err := c.Translate(context.Background(), backend.Request{
		Text: "Continue", SourceLang: "en", TargetLang: "it", APIKey: "sk-test",
	})
	require.NoError(t, err)
	assert.Equal(t, "Continua", resp.Text)
	assert.Equal(t, DefaultConfidence, resp.Confidence)
}

func TestClient_TruncatedAnswerLowersConfidence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(completion("Contin", "length")))
	}))
	defer srv.Close()

	resp, err := NewClient("", srv.URL).Translate(context.Background(), backend.Request{Text: "Continue", APIKey: "k"})
	require.NoError(t, err)
	assert.InDelta(t, DefaultConfidence/2, resp.Confidence, 1e-9)
}

func TestClient_Errors(t *testing.T) {
	t.Run("missing key", func(t *testing.T) {
		_, err := NewClient("", "http://127.0.0.1:0").Translate(context.Background(), backend.Request{Text: "x"})
		assert.ErrorContains(t, err, "API key")
	})

	t.Run("api error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
		}))
		defer srv.Close()

		_, err := NewClient("", srv.URL).Translate(context.Background(), backend.Request{Text: "x", APIKey: "k"})
		assert.ErrorContains(t, err, "bad key")
	})

	t.Run("no choices", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"id":"x","choices":[]}`))
		}))
		defer srv.Close()

		_, err := NewClient("", srv.URL).Translate(context.Background(), backend.Request{Text: "x", APIKey: "k"})
		assert.ErrorContains(t, err, "no choices")
	})
}
