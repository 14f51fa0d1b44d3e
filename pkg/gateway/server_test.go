package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jguan/gametrans/pkg/backend"
	"github.com/jguan/gametrans/pkg/infra/store"
	"github.com/jguan/gametrans/pkg/offline"
	"github.com/jguan/gametrans/pkg/pipeline"
	"github.com/jguan/gametrans/pkg/translation"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *ErrorInfo      `json:"error"`
	Meta    *Meta           `json:"meta"`
}

type fixture struct {
	handler http.Handler
	p       *pipeline.Context
}

type fixtureOpts struct {
	backend   backend.TranslatorFunc
	noOffline bool
	history   bool
	config    func(*ServerConfig)
}

func newFixture(t *testing.T, o fixtureOpts) fixture {
	t.Helper()
	ctx := context.Background()

	backends := backend.NewManager()
	if o.backend != nil {
		require.NoError(t, backends.Register(backend.Descriptor{Name: "deepl", Enabled: true}, o.backend))
	}

	cfg := pipeline.DefaultConfig()
	cfg.MaintenanceInterval = 0
	deps := pipeline.Deps{Backends: backends}

	if !o.noOffline {
		m, err := offline.NewManager(ctx, offline.Config{ModelsDir: t.TempDir(), SupportedPairs: []string{"en-it", "en-fr"}})
		require.NoError(t, err)
		_, err = m.Download(ctx, "en", "it")
		require.NoError(t, err)
		deps.Offline = m
	} else {
		cfg.UseOfflineFallback = false
	}

	var history History
	if o.history {
		db, err := store.Open(":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		tl := store.NewTranslationLog(db, store.DefaultReviewThreshold)
		deps.Log = tl
		history = tl
	}

	p, err := pipeline.Initialize(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	sc := DefaultServerConfig()
	if o.config != nil {
		o.config(&sc)
	}
	return fixture{handler: NewServer(p, history, sc).Handler(), p: p}
}

func replying(text string, confidence float64) backend.TranslatorFunc {
	return func(context.Context, backend.Request) (backend.Response, error) {
		return backend.Response{Text: text, Confidence: confidence}, nil
	}
}

func (f fixture) do(t *testing.T, method, path string, body any, header http.Header) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", ContentTypeJSON)
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), ContentTypeJSON) {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	}
	return rec, env
}

func TestHealth(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	rec, env := f.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var h HealthResponse
	require.NoError(t, json.Unmarshal(env.Data, &h))
	assert.Equal(t, "healthy", h.Status)
	assert.NotEmpty(t, h.Components)
	require.NotNil(t, env.Meta)
	assert.Equal(t, rec.Header().Get(HeaderRequestID), env.Meta.RequestID)
}

func TestRequestIDPropagated(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	for _, name := range []string{HeaderRequestID, "x-request-id"} {
		t.Run(name, func(t *testing.T) {
			rec, env := f.do(t, http.MethodGet, "/health", nil, http.Header{name: {"req-42"}})
			assert.Equal(t, "req-42", rec.Header().Get(HeaderRequestID))
			assert.Equal(t, "req-42", env.Meta.RequestID)
		})
	}
}

func TestTranslate(t *testing.T) {
	f := newFixture(t, fixtureOpts{backend: replying("Continua", 0.95)})
	rec, env := f.do(t, http.MethodPost, "/api/v1/translate", pipeline.Input{
		Text:       "Continue",
		SourceLang: "en",
		TargetLang: "it",
		Priority:   "high",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.True(t, env.Success)

	var res pipeline.Result
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, "Continua", res.TranslatedText)
	assert.Equal(t, "high", res.Priority)
	assert.Equal(t, pipeline.StateDone, res.State)
	assert.False(t, res.FallbackUsed)
}

func TestTranslate_OfflineFallback(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	rec, env := f.do(t, http.MethodPost, "/api/v1/translate", pipeline.Input{Text: "Hello", SourceLang: "en", TargetLang: "it"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res pipeline.Result
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, "Ciao", res.TranslatedText)
	assert.True(t, res.FallbackUsed)
}

func TestTranslate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		opts   fixtureOpts
		body   any
		status int
		code   string
	}{
		{"malformed json", fixtureOpts{}, "{", http.StatusBadRequest, ErrCodeInvalidRequest},
		{"unknown field", fixtureOpts{}, `{"txt":"hi"}`, http.StatusBadRequest, ErrCodeInvalidRequest},
		{"bad priority", fixtureOpts{}, pipeline.Input{Text: "Hi", SourceLang: "en", TargetLang: "it", Priority: "urgent"},
			http.StatusBadRequest, string(translation.ErrCodeInvalidRequest)},
		{"empty text", fixtureOpts{}, pipeline.Input{Text: "  ", SourceLang: "en", TargetLang: "it"},
			http.StatusBadRequest, string(translation.ErrCodeInvalidRequest)},
		{"all sources failed", fixtureOpts{
			backend: func(context.Context, backend.Request) (backend.Response, error) {
				return backend.Response{}, errors.New("down")
			},
			noOffline: true,
		}, pipeline.Input{Text: "Hello", SourceLang: "en", TargetLang: "it"},
			http.StatusServiceUnavailable, string(translation.ErrCodeAllSourcesFailed)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.opts)
			rec, env := f.do(t, http.MethodPost, "/api/v1/translate", tt.body, nil)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.False(t, env.Success)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.code, env.Error.Code)
		})
	}
}

func TestTranslate_FailureCarriesResult(t *testing.T) {
	f := newFixture(t, fixtureOpts{noOffline: true, backend: func(context.Context, backend.Request) (backend.Response, error) {
		return backend.Response{}, errors.New("down")
	}})
	_, env := f.do(t, http.MethodPost, "/api/v1/translate", pipeline.Input{Text: "Hello", SourceLang: "en", TargetLang: "it"}, nil)

	var res pipeline.Result
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.False(t, res.Success)
	assert.Equal(t, pipeline.StateFailed, res.State)
	assert.Equal(t, pipeline.StateTranslating, res.FailedStage)
	assert.Equal(t, string(pipeline.StateTranslating), env.Error.Stage)
}

func TestBatch(t *testing.T) {
	f := newFixture(t, fixtureOpts{backend: replying("OK", 0.9), config: func(c *ServerConfig) { c.MaxBatchSize = 3 }})

	rec, env := f.do(t, http.MethodPost, "/api/v1/batch", BatchRequest{Requests: []pipeline.Input{
		{Text: "One", SourceLang: "en", TargetLang: "it", Priority: "low"},
		{Text: "", SourceLang: "en", TargetLang: "it"},
		{Text: "Three", SourceLang: "en", TargetLang: "it", Priority: "critical"},
	}}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp BatchResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	assert.Equal(t, 3, resp.Total)
	assert.Equal(t, 2, resp.Successful)
	assert.Equal(t, 1, resp.Failed)
	require.Len(t, resp.Results, 3)
	assert.Equal(t, "low", resp.Results[0].Priority)
	assert.False(t, resp.Results[1].Success)
	assert.Equal(t, "critical", resp.Results[2].Priority)

	rec, _ = f.do(t, http.MethodPost, "/api/v1/batch", BatchRequest{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	big := make([]pipeline.Input, 4)
	for i := range big {
		big[i] = pipeline.Input{Text: "x", SourceLang: "en", TargetLang: "it"}
	}
	rec, _ = f.do(t, http.MethodPost, "/api/v1/batch", BatchRequest{Requests: big}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatsAndOptimize(t *testing.T) {
	f := newFixture(t, fixtureOpts{backend: replying("Ciao", 0.9)})
	f.do(t, http.MethodPost, "/api/v1/translate", pipeline.Input{Text: "Hello", SourceLang: "en", TargetLang: "it"}, nil)

	rec, env := f.do(t, http.MethodGet, "/api/v1/stats", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var s pipeline.Stats
	require.NoError(t, json.Unmarshal(env.Data, &s))
	assert.Equal(t, int64(1), s.TotalRequests)
	assert.Equal(t, int64(1), s.SuccessfulRequests)

	rec, env = f.do(t, http.MethodPost, "/api/v1/optimize", OptimizeRequest{Memory: true}, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var o OptimizeResponse
	require.NoError(t, json.Unmarshal(env.Data, &o))
	assert.NotEmpty(t, o.Summary)
	assert.NotNil(t, o.Memory)
	require.NotEmpty(t, o.Predictions)
	assert.Equal(t, "Hello", o.Predictions[0].Text)
	assert.Equal(t, "en", o.Predictions[0].SourceLang)
	assert.Equal(t, "it", o.Predictions[0].TargetLang)

	rec, _ = f.do(t, http.MethodPost, "/api/v1/optimize", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	_, env = f.do(t, http.MethodPost, "/api/v1/stats/reset", nil, nil)
	require.NoError(t, json.Unmarshal(env.Data, &s))
	assert.Zero(t, s.TotalRequests)
}

func TestBackends(t *testing.T) {
	f := newFixture(t, fixtureOpts{backend: replying("Ciao", 0.9)})
	_, env := f.do(t, http.MethodGet, "/api/v1/backends", nil, nil)

	var list []backend.Metrics
	require.NoError(t, json.Unmarshal(env.Data, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "deepl", list[0].Descriptor.Name)
	assert.True(t, list[0].Configured)
}

func TestModels(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	rec, env := f.do(t, http.MethodGet, "/api/v1/models", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var models []ModelInfo
	require.NoError(t, json.Unmarshal(env.Data, &models))
	require.Len(t, models, 2)
	installed := map[string]bool{}
	for _, m := range models {
		installed[m.Pair()] = m.Installed
	}
	assert.Equal(t, map[string]bool{"en-it": true, "en-fr": false}, installed)

	rec, env = f.do(t, http.MethodPost, "/api/v1/models/en-fr/download", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var d offline.Descriptor
	require.NoError(t, json.Unmarshal(env.Data, &d))
	assert.True(t, d.Installed)

	rec, env = f.do(t, http.MethodDelete, "/api/v1/models/en-fr", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(env.Data, &d))
	assert.False(t, d.Installed)

	rec, _ = f.do(t, http.MethodPost, "/api/v1/models/english/download", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, env = f.do(t, http.MethodPost, "/api/v1/models/xx-yy/download", nil, nil)
	assert.GreaterOrEqual(t, rec.Code, 400)
	assert.False(t, env.Success)
}

func TestModels_OfflineDisabled(t *testing.T) {
	f := newFixture(t, fixtureOpts{noOffline: true, backend: replying("Ciao", 0.9)})
	rec, env := f.do(t, http.MethodGet, "/api/v1/models", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, ErrCodeUnavailable, env.Error.Code)
}

func TestLogs(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	rec, _ := f.do(t, http.MethodGet, "/api/v1/logs", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f = newFixture(t, fixtureOpts{history: true, backend: replying("Forse", 0.5)})
	f.do(t, http.MethodPost, "/api/v1/translate", pipeline.Input{Text: "Maybe", SourceLang: "en", TargetLang: "it"}, nil)

	rec, env := f.do(t, http.MethodGet, "/api/v1/logs?pending=true", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var logs LogsResponse
	require.NoError(t, json.Unmarshal(env.Data, &logs))
	require.Len(t, logs.Records, 1)
	assert.Equal(t, "Forse", logs.Records[0].TranslatedText)
	assert.True(t, logs.Records[0].NeedsReview)
	assert.Equal(t, int64(1), logs.Stats.Total)

	rec, _ = f.do(t, http.MethodGet, "/api/v1/logs?limit=-2", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGameContext(t *testing.T) {
	f := newFixture(t, fixtureOpts{backend: replying("Salva", 0.9)})
	rec, _ := f.do(t, http.MethodGet, "/api/v1/games/Skyrim", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.do(t, http.MethodPost, "/api/v1/translate", pipeline.Input{
		Text: "Save", SourceLang: "en", TargetLang: "it",
		Game: &pipeline.GameContext{GameName: "Skyrim", UIElementType: "menu"},
	}, nil)

	rec, env := f.do(t, http.MethodGet, "/api/v1/games/Skyrim", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var g pipeline.GameContext
	require.NoError(t, json.Unmarshal(env.Data, &g))
	assert.Equal(t, "menu", g.UIElementType)
}

func TestGames(t *testing.T) {
	f := newFixture(t, fixtureOpts{backend: replying("Salva", 0.9)})
	for _, name := range []string{"Skyrim", "Celeste"} {
		rec, _ := f.do(t, http.MethodPost, "/api/v1/translate", pipeline.Input{
			Text: "Save", SourceLang: "en", TargetLang: "it",
			Game: &pipeline.GameContext{GameName: name},
		}, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	f.do(t, http.MethodGet, "/api/v1/games/Celeste", nil, nil)

	rec, env := f.do(t, http.MethodGet, "/api/v1/games?limit=1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var games GamesResponse
	require.NoError(t, json.Unmarshal(env.Data, &games))
	assert.Equal(t, []string{"Celeste"}, games.Popular)
	assert.Equal(t, 2, games.Stats.Entries)
	assert.Contains(t, games.Report, "entries: 2")

	rec, _ = f.do(t, http.MethodGet, "/api/v1/games?limit=zero", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodDelete, "/api/v1/games/celeste", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = f.do(t, http.MethodGet, "/api/v1/games/Celeste", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec, _ = f.do(t, http.MethodDelete, "/api/v1/games/celeste", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, env = f.do(t, http.MethodGet, "/api/v1/stats", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats pipeline.Stats
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.Equal(t, 1, stats.Games.Entries)
}

func TestAuth(t *testing.T) {
	f := newFixture(t, fixtureOpts{config: func(c *ServerConfig) {
		c.EnableAuth = true
		c.AuthConfig.APIKeys = []string{"secret"}
	}})

	rec, _ := f.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, env := f.do(t, http.MethodGet, "/api/v1/stats", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", env.Error.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/v1/stats", nil, http.Header{"Authorization": {"Bearer wrong"}})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/v1/stats", nil, http.Header{"Authorization": {"Bearer secret"}})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, fixtureOpts{config: func(c *ServerConfig) { c.RateLimitPerMinute = 1 }})

	rec, _ := f.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, env := f.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "RATE_LIMITED", env.Error.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, fixtureOpts{config: func(c *ServerConfig) {
		c.EnableCORS = true
		c.EnableAuth = true
		c.AuthConfig.APIKeys = []string{"secret"}
	}})
	rec, _ := f.do(t, http.MethodOptions, "/api/v1/translate", nil, http.Header{"Origin": {"http://overlay.local"}})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://overlay.local", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestToErrorInfo(t *testing.T) {
	tests := []struct {
		err       error
		status    int
		retryable bool
	}{
		{translation.ErrConcurrencyLimitExceeded, http.StatusTooManyRequests, true},
		{translation.ErrRateLimited.WithStage("translating"), http.StatusTooManyRequests, true},
		{translation.ErrDeadlineExceeded, http.StatusGatewayTimeout, true},
		{translation.ErrExtraction, http.StatusUnprocessableEntity, false},
		{translation.ErrModelNotFound, http.StatusNotFound, false},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, true},
		{errors.New("boom"), http.StatusInternalServerError, false},
		{NewErrorInfo(ErrCodeNotFound, "gone"), http.StatusNotFound, false},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			info, status := ToErrorInfo(tt.err)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.retryable, info.Retryable)
		})
	}

	info, _ := ToErrorInfo(translation.ErrRateLimited.WithStage("translating"))
	assert.Equal(t, "translating", info.Stage)

	info, status := ToErrorInfo(nil)
	assert.Nil(t, info)
	assert.Equal(t, http.StatusOK, status)
}
