package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jguan/gametrans/pkg/backend"
	"github.com/jguan/gametrans/pkg/infra/cache"
	"github.com/jguan/gametrans/pkg/infra/eventbus"
	"github.com/jguan/gametrans/pkg/infra/ocr"
	"github.com/jguan/gametrans/pkg/offline"
	"github.com/jguan/gametrans/pkg/optimizer"
	"github.com/jguan/gametrans/pkg/translation"
)

type fakeOCR struct {
	text string
	conf float64
	err  error
}

func (f fakeOCR) Extract(ctx context.Context, image, _ string) (ocr.Extraction, error) {
	if f.err != nil {
		return ocr.Extraction{}, f.err
	}
	return ocr.Extraction{Text: f.text, Confidence: f.conf, Engine: "fake"}, nil
}

type memLog struct {
	mu      sync.Mutex
	entries []translation.LogEntry
	err     error
}

func (l *memLog) Log(_ context.Context, e translation.LogEntry) error {
	if l.err != nil {
		return l.err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, e)
	return nil
}

func (l *memLog) all() []translation.LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]translation.LogEntry(nil), l.entries...)
}

func fixedBackend(text string, confidence float64, calls *atomic.Int32) backend.TranslatorFunc {
	return func(context.Context, backend.Request) (backend.Response, error) {
		if calls != nil {
			calls.Add(1)
		}
		return backend.Response{Text: text, Confidence: confidence}, nil
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaintenanceInterval = 0
	return cfg
}

func installedOffline(t *testing.T) *offline.Manager {
	t.Helper()
	m, err := offline.NewManager(context.Background(), offline.Config{
		ModelsDir:      t.TempDir(),
		SupportedPairs: []string{"en-it"},
	})
	require.NoError(t, err)
	_, err = m.Download(context.Background(), "en", "it")
	require.NoError(t, err)
	return m
}

func newPipeline(t *testing.T, cfg Config, deps Deps) *Context {
	t.Helper()
	if deps.Backends == nil {
		deps.Backends = backend.NewManager()
	}
	c, err := Initialize(cfg, deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestProcessRequest_ConcreteScenario(t *testing.T) {
	backends := backend.NewManager()
	require.NoError(t, backends.Register(backend.Descriptor{Name: "deepl", Enabled: true}, fixedBackend("Continua", 0.95, nil)))
	log := &memLog{}
	c := newPipeline(t, testConfig(), Deps{Backends: backends, Log: log})

	req := Request{
		Unit:      translation.NewUnit("", "en", "it", translation.PriorityMedium),
		InputType: InputText,
		InputData: "Continue",
	}
	res, err := c.ProcessRequest(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "Continua", res.TranslatedText)
	assert.False(t, res.FallbackUsed)
	assert.Equal(t, 0.95, res.QualityScore)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, "deepl", res.Provider)

	names := make([]State, 0, len(res.Stages))
	for _, s := range res.Stages {
		names = append(names, s.Name)
		assert.Equal(t, StageCompleted, s.Status)
	}
	assert.Equal(t, []State{StateExtracting, StateTranslating, StatePostProcessing, StateLogging}, names)

	entries := log.all()
	require.Len(t, entries, 1)
	assert.Equal(t, "online:deepl", entries[0].Method)
	assert.Equal(t, "Continue", entries[0].OriginalText)
}

func TestProcessRequest_Idempotent(t *testing.T) {
	var calls atomic.Int32
	backends := backend.NewManager()
	require.NoError(t, backends.Register(backend.Descriptor{Name: "a", Enabled: true}, fixedBackend("Ciao", 0.9, &calls)))
	c := newPipeline(t, testConfig(), Deps{Backends: backends})

	first, err := c.ProcessRequest(context.Background(), NewTextRequest("Hello", "en", "it", translation.PriorityHigh))
	require.NoError(t, err)
	second, err := c.ProcessRequest(context.Background(), NewTextRequest("Hello", "en", "it", translation.PriorityHigh))
	require.NoError(t, err)

	assert.Equal(t, first.TranslatedText, second.TranslatedText)
	assert.False(t, first.CacheHit)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.FallbackUsed, second.FallbackUsed)
	assert.Equal(t, int32(1), calls.Load())

	s := c.Stats()
	assert.Equal(t, int64(2), s.TotalRequests)
	assert.Equal(t, int64(1), s.CacheHits)
	assert.Equal(t, 1.0, s.SuccessRate)
}

func TestProcessRequest_OfflineFallbackWhenNoBackend(t *testing.T) {
	backends := backend.NewManager()
	require.NoError(t, backends.Register(
		backend.Descriptor{Name: "deepl", Enabled: true, RequiresKey: true},
		fixedBackend("never", 1, nil),
	))
	require.NoError(t, backends.Register(backend.Descriptor{Name: "google", Enabled: false}, fixedBackend("never", 1, nil)))

	c := newPipeline(t, testConfig(), Deps{Backends: backends, Offline: installedOffline(t)})

	res, err := c.ProcessRequest(context.Background(), NewTextRequest("Hello", "en", "it", translation.PriorityMedium))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.FallbackUsed)
	assert.Equal(t, "Ciao", res.TranslatedText)
	assert.Equal(t, int64(1), c.Stats().OfflineFallbacks)
}

func TestProcessRequest_OfflineAfterBackendFailure(t *testing.T) {
	backends := backend.NewManager()
	require.NoError(t, backends.Register(backend.Descriptor{Name: "a", Enabled: true},
		backend.TranslatorFunc(func(context.Context, backend.Request) (backend.Response, error) {
			return backend.Response{}, errors.New("503")
		})))

	c := newPipeline(t, testConfig(), Deps{Backends: backends, Offline: installedOffline(t)})
	res, err := c.ProcessRequest(context.Background(), NewTextRequest("Continue", "en", "it", translation.PriorityMedium))
	require.NoError(t, err)
	assert.True(t, res.FallbackUsed)
	assert.Contains(t, res.Optimizations, optimizer.TagOfflineEscalated)

	s := c.Stats()
	assert.Equal(t, int64(1), s.OnlineAttempts)
	assert.Zero(t, s.OnlineSuccessRate)

	cfg := c.Config()
	cfg.AutoFallback = false
	require.NoError(t, c.UpdateConfig(cfg))
	_, err = c.ProcessRequest(context.Background(), NewTextRequest("Quit", "en", "it", translation.PriorityMedium))
	assert.True(t, errors.Is(err, translation.ErrAllSourcesFailed))
}

func TestProcessRequest_AllSourcesFailed(t *testing.T) {
	backends := backend.NewManager()
	require.NoError(t, backends.Register(backend.Descriptor{Name: "a", Enabled: true},
		backend.TranslatorFunc(func(context.Context, backend.Request) (backend.Response, error) {
			return backend.Response{}, errors.New("down")
		})))
	c := newPipeline(t, testConfig(), Deps{Backends: backends, Offline: installedOffline(t)})

	res, err := c.ProcessRequest(context.Background(), NewTextRequest("xyzzy plugh", "en", "it", translation.PriorityLow))
	require.Error(t, err)
	assert.True(t, errors.Is(err, translation.ErrAllSourcesFailed))
	assert.False(t, res.Success)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, StateTranslating, res.FailedStage)
	assert.Equal(t, string(translation.ErrCodeAllSourcesFailed), res.ErrorCode)
	assert.NotEmpty(t, res.ErrorMessage)

	require.Len(t, res.Stages, 2)
	assert.Equal(t, StageCompleted, res.Stages[0].Status)
	assert.Equal(t, StageFailed, res.Stages[1].Status)

	te, ok := translation.AsError(err)
	require.True(t, ok)
	assert.Equal(t, string(StateTranslating), te.Stage)
}

func TestProcessRequest_OCR(t *testing.T) {
	backends := backend.NewManager()
	require.NoError(t, backends.Register(backend.Descriptor{Name: "a", Enabled: true}, fixedBackend("Nuova partita", 0.9, nil)))

	c := newPipeline(t, testConfig(), Deps{Backends: backends, OCR: fakeOCR{text: " New\n Game ", conf: 0.7}})
	res, err := c.ProcessRequest(context.Background(), Request{
		Unit:      translation.NewUnit("", "en", "it", translation.PriorityHigh),
		InputType: InputScreenCapture,
		InputData: "shot.png",
	})
	require.NoError(t, err)
	assert.Equal(t, "New Game", res.OriginalText)
	st, ok := res.Stage(StateExtracting)
	require.True(t, ok)
	assert.Equal(t, 0.7, st.Quality)
	assert.Equal(t, 0.9, res.QualityScore)
	assert.Equal(t, 1.0, c.Stats().OCRSuccessRate)
}

func TestProcessRequest_ExtractionFailure(t *testing.T) {
	var calls atomic.Int32
	backends := backend.NewManager()
	require.NoError(t, backends.Register(backend.Descriptor{Name: "a", Enabled: true}, fixedBackend("x", 0.9, &calls)))

	c := newPipeline(t, testConfig(), Deps{Backends: backends, OCR: fakeOCR{err: errors.New("unreadable image")}})
	res, err := c.ProcessRequest(context.Background(), Request{
		Unit:      translation.NewUnit("", "en", "it", translation.PriorityHigh),
		InputType: InputImage,
		InputData: "broken.png",
	})
	assert.True(t, errors.Is(err, translation.ErrExtraction))
	assert.Equal(t, StateExtracting, res.FailedStage)
	require.Len(t, res.Stages, 1)
	assert.Contains(t, res.Stages[0].Error, "unreadable image")
	assert.Zero(t, calls.Load())
}

func TestProcessRequest_OCRUnavailable(t *testing.T) {
	c := newPipeline(t, testConfig(), Deps{Offline: installedOffline(t)})
	_, err := c.ProcessRequest(context.Background(), Request{
		Unit:      translation.NewUnit("", "en", "it", translation.PriorityHigh),
		InputType: InputImage,
		InputData: "shot.png",
	})
	assert.True(t, errors.Is(err, translation.ErrOCRUnavailable))
}

func TestProcessRequest_LoggingFailureStillDone(t *testing.T) {
	backends := backend.NewManager()
	require.NoError(t, backends.Register(backend.Descriptor{Name: "a", Enabled: true}, fixedBackend("Ciao", 0.9, nil)))
	c := newPipeline(t, testConfig(), Deps{Backends: backends, Log: &memLog{err: errors.New("disk full")}})

	res, err := c.ProcessRequest(context.Background(), NewTextRequest("Hello", "en", "it", translation.PriorityMedium))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, StateDone, res.State)

	st, ok := res.Stage(StateLogging)
	require.True(t, ok)
	assert.Equal(t, StageFailed, st.Status)
	assert.Contains(t, st.Error, "disk full")
	assert.Equal(t, int64(1), c.Stats().LoggingFailures)
}

func TestProcessRequest_TranslateDeadline(t *testing.T) {
	backends := backend.NewManager()
	require.NoError(t, backends.Register(backend.Descriptor{Name: "slow", Enabled: true},
		backend.TranslatorFunc(func(ctx context.Context, _ backend.Request) (backend.Response, error) {
			<-ctx.Done()
			return backend.Response{}, ctx.Err()
		})))

	cfg := testConfig()
	cfg.UseOfflineFallback = false
	cfg.TranslateTimeout = 20 * time.Millisecond
	c := newPipeline(t, cfg, Deps{Backends: backends})

	start := time.Now()
	res, err := c.ProcessRequest(context.Background(), NewTextRequest("Hello", "en", "it", translation.PriorityMedium))
	assert.True(t, errors.Is(err, translation.ErrDeadlineExceeded))
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, StateTranslating, res.FailedStage)
	assert.Equal(t, int64(1), c.Stats().DeadlineExceeded)
}

func TestProcessRequest_InvalidAndDisabled(t *testing.T) {
	c := newPipeline(t, testConfig(), Deps{Offline: installedOffline(t)})

	res, err := c.ProcessRequest(context.Background(), NewTextRequest("   ", "en", "it", translation.PriorityMedium))
	assert.True(t, errors.Is(err, translation.ErrInvalidRequest))
	assert.Equal(t, StateIdle, res.FailedStage)
	assert.Empty(t, res.Stages)

	cfg := c.Config()
	cfg.Enabled = false
	require.NoError(t, c.UpdateConfig(cfg))
	_, err = c.ProcessRequest(context.Background(), NewTextRequest("Hello", "en", "it", translation.PriorityMedium))
	assert.True(t, errors.Is(err, translation.ErrPipelineDisabled))
	_, err = c.ProcessBatch(context.Background(), nil)
	assert.True(t, errors.Is(err, translation.ErrPipelineDisabled))
}

func TestProcessRequest_GameContextRemembered(t *testing.T) {
	log := &memLog{}
	c := newPipeline(t, testConfig(), Deps{Offline: installedOffline(t), Log: log})

	req := NewTextRequest("Hello", "en", "it", translation.PriorityMedium)
	req.Game = &GameContext{GameName: "Skyrim", UIElementType: "dialog"}
	_, err := c.ProcessRequest(context.Background(), req)
	require.NoError(t, err)

	g, ok := c.GameContext("Skyrim")
	require.True(t, ok)
	assert.Equal(t, "dialog", g.UIElementType)

	next := NewTextRequest("Quit", "en", "it", translation.PriorityMedium)
	next.Unit.Context = "Skyrim"
	_, err = c.ProcessRequest(context.Background(), next)
	require.NoError(t, err)

	entries := log.all()
	require.Len(t, entries, 2)
	assert.Equal(t, "game=Skyrim; ui=dialog", entries[1].Context)
	assert.Equal(t, "offline:phrase-en-it", entries[1].Method)
}

func TestGameCache_ReportForgetAndMaintenance(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	games := cache.New[string, GameContext](
		cache.WithClock(func() time.Time { return now }),
		cache.WithDefaultStrategy(cache.Conservative(60)),
	)
	c := newPipeline(t, testConfig(), Deps{Offline: installedOffline(t), Games: games})

	for _, name := range []string{"Skyrim", "Celeste"} {
		req := NewTextRequest("Hello", "en", "it", translation.PriorityMedium)
		req.Game = &GameContext{GameName: name}
		_, err := c.ProcessRequest(context.Background(), req)
		require.NoError(t, err)
	}
	c.GameContext("Celeste")
	c.GameContext("Celeste")
	c.GameContext("Skyrim")

	assert.Equal(t, []string{"Celeste", "Skyrim"}, c.PopularGames(5))
	assert.Equal(t, 2, c.Stats().Games.Entries)
	assert.Contains(t, c.GameCacheReport(), "entries: 2")

	assert.Equal(t, 1, c.ForgetGame("celeste"))
	assert.Equal(t, []string{"Skyrim"}, c.PopularGames(5))

	now = now.Add(2 * time.Minute)
	c.maintainOnce(context.Background())
	assert.Zero(t, c.GameCacheStats().Entries)
	assert.Empty(t, c.PopularGames(5))
}

func TestProcessRequest_PublishesEvents(t *testing.T) {
	bus := eventbus.NewInMemoryEventBus()
	rec := eventbus.NewRecorder(10)
	_, err := bus.Subscribe(rec.Handle)
	require.NoError(t, err)

	c := newPipeline(t, testConfig(), Deps{Offline: installedOffline(t), Events: bus})
	res, err := c.ProcessRequest(context.Background(), NewTextRequest("Hello", "en", "it", translation.PriorityMedium))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(rec.Recent(10)) == 1 }, time.Second, 5*time.Millisecond)
	ev := rec.Recent(1)[0]
	assert.Equal(t, EventRequestCompleted, ev.Type)
	assert.Equal(t, res.RequestID, ev.RequestID)
}

func TestInitialize(t *testing.T) {
	_, err := Initialize(testConfig(), Deps{})
	assert.True(t, errors.Is(err, translation.ErrConfig))

	cfg := testConfig()
	cfg.UseOnlineBackends = false
	_, err = Initialize(cfg, Deps{})
	assert.True(t, errors.Is(err, translation.ErrConfig), "offline only without a model manager has no source")

	cfg.QualityThreshold = 2
	_, err = Initialize(cfg, Deps{Offline: installedOffline(t)})
	assert.True(t, errors.Is(err, translation.ErrConfig))

	c := newPipeline(t, testConfig(), Deps{Offline: installedOffline(t)})
	assert.Equal(t, []string{"online backends (0 routable)", "offline fallback (1 installed models)", "optimizer"}, c.Components())
	assert.NotNil(t, c.Optimizer())
	assert.False(t, c.Config().UseOCR)
	assert.False(t, c.Config().UseLogging)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StateIdle, StateExtracting))
	assert.True(t, CanTransition(StatePostProcessing, StateDone))
	assert.True(t, CanTransition(StateLogging, StateDone))
	assert.False(t, CanTransition(StateLogging, StateFailed))
	assert.False(t, CanTransition(StatePostProcessing, StateFailed))
	assert.False(t, CanTransition(StateDone, StateIdle))
}

func TestInput_Request(t *testing.T) {
	req, err := Input{Text: "Start", SourceLang: "en", TargetLang: "it"}.Request()
	require.NoError(t, err)
	assert.NotEmpty(t, req.Unit.ID)
	assert.Equal(t, translation.PriorityMedium, req.Unit.Priority)
	assert.Equal(t, InputText, req.InputType)
	assert.Equal(t, "Start", req.InputData)

	req, err = Input{
		SourceLang: "en",
		TargetLang: "it",
		Priority:   "critical",
		InputType:  InputImage,
		InputData:  "shot.png",
		Context:    "hud",
	}.Request()
	require.NoError(t, err)
	assert.Equal(t, translation.PriorityCritical, req.Unit.Priority)
	assert.Equal(t, InputImage, req.InputType)
	assert.Equal(t, "shot.png", req.InputData)
	assert.Equal(t, "hud", req.Unit.Context)

	_, err = Input{Text: "x", SourceLang: "en", TargetLang: "it", Priority: "urgent"}.Request()
	assert.True(t, errors.Is(err, translation.ErrInvalidRequest))
}
