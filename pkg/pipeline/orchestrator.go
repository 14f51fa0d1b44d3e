// Package pipeline sequences a translation request through extraction,
// translation, post-processing and logging, and aggregates the outcome into
// a single result.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jguan/gametrans/pkg/backend"
	"github.com/jguan/gametrans/pkg/infra/cache"
	"github.com/jguan/gametrans/pkg/infra/eventbus"
	"github.com/jguan/gametrans/pkg/infra/logger"
	"github.com/jguan/gametrans/pkg/infra/ocr"
	"github.com/jguan/gametrans/pkg/offline"
	"github.com/jguan/gametrans/pkg/optimizer"
	"github.com/jguan/gametrans/pkg/translation"
)

// Event types published on the event bus.
const (
	EventRequestCompleted = "pipeline.request.completed"
	EventRequestFailed    = "pipeline.request.failed"
	EventConfigChanged    = "pipeline.config.changed"
)

// TranslationLog receives every completed translation. Failures are
// counted and never fail the request.
type TranslationLog interface {
	Log(ctx context.Context, entry translation.LogEntry) error
}

// Deps are the collaborators a Context is built from. Nil members disable
// the stage that needs them, except Backends when online backends are on.
type Deps struct {
	Backends  *backend.Manager
	Offline   *offline.Manager
	Optimizer *optimizer.Optimizer
	OCR       ocr.Extractor
	Log       TranslationLog
	Events    eventbus.EventBus
	Logger    *slog.Logger
	// Games holds game/UI context metadata. A small Adaptive cache is
	// created when nil.
	Games *cache.IntelligentCache[string, GameContext]
}

// Context is the handle every pipeline operation goes through. It is built
// once by Initialize and is safe for concurrent use.
type Context struct {
	cfgMu sync.RWMutex
	cfg   Config

	backends  *backend.Manager
	offline   *offline.Manager
	optimizer *optimizer.Optimizer
	ocr       ocr.Extractor
	log       TranslationLog
	events    eventbus.EventBus
	logger    *slog.Logger

	games      *cache.IntelligentCache[string, GameContext]
	stats      *counters
	components []string

	stop      context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Initialize validates cfg, wires the enabled stages to their
// collaborators and returns a ready handle. Stages whose optional
// collaborator is missing are switched off and logged.
func Initialize(cfg Config, deps Deps) (*Context, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := deps.Logger
	if log == nil {
		log = logger.Default()
	}

	if cfg.UseOnlineBackends && deps.Backends == nil {
		return nil, translation.ErrConfig.WithMessage("online backends enabled but no backend manager given")
	}
	if cfg.UseOptimization && deps.Optimizer == nil {
		o, err := optimizer.New(optimizer.DefaultConfig(), optimizer.WithLogger(log))
		if err != nil {
			return nil, err
		}
		deps.Optimizer = o
	}
	if cfg.UseOCR && deps.OCR == nil {
		log.Warn("ocr engine not available, image requests will fail")
		cfg.UseOCR = false
	}
	if cfg.UseOfflineFallback && deps.Offline == nil {
		log.Warn("offline fallback enabled but no model manager given, disabling")
		cfg.UseOfflineFallback = false
	}
	if cfg.UseLogging && deps.Log == nil {
		cfg.UseLogging = false
	}
	if cfg.Enabled && !cfg.UseOnlineBackends && !cfg.UseOfflineFallback {
		return nil, translation.ErrConfig.WithMessage("no translation source available")
	}

	if deps.Games == nil {
		deps.Games = NewGameCache(8, cache.Adaptive(10*time.Minute, 2*time.Hour))
	}

	c := &Context{
		cfg:       cfg,
		backends:  deps.Backends,
		offline:   deps.Offline,
		optimizer: deps.Optimizer,
		ocr:       deps.OCR,
		log:       deps.Log,
		events:    deps.Events,
		logger:    log,
		games:     deps.Games,
		stats:     &counters{},
	}
	c.components = c.describeComponents()
	for _, comp := range c.components {
		log.Info("pipeline component ready", slog.String("component", comp))
	}

	if cfg.MaintenanceInterval > 0 {
		ctx, cancel := context.WithCancel(context.Background())
		c.stop = cancel
		c.wg.Add(1)
		go c.maintain(ctx, cfg.MaintenanceInterval)
	}
	return c, nil
}

// NewGameCache builds the game context cache Initialize expects.
func NewGameCache(maxMemoryMB int, strategy cache.Strategy) *cache.IntelligentCache[string, GameContext] {
	return cache.New[string, GameContext](
		cache.WithMaxMemoryMB(maxMemoryMB),
		cache.WithDefaultStrategy(strategy),
	)
}

func (c *Context) describeComponents() []string {
	cfg := c.cfg
	var out []string
	if cfg.UseOCR {
		out = append(out, "ocr")
	}
	if cfg.UseOnlineBackends {
		routable := 0
		for _, d := range c.backends.Descriptors() {
			if d.Routable() {
				routable++
			}
		}
		out = append(out, fmt.Sprintf("online backends (%d routable)", routable))
	}
	if cfg.UseOfflineFallback {
		out = append(out, fmt.Sprintf("offline fallback (%d installed models)", len(c.offline.InstalledPairs())))
	}
	if cfg.UseOptimization {
		out = append(out, "optimizer")
	}
	if cfg.UseLogging {
		out = append(out, "translation log")
	}
	return out
}

// Components lists the stages Initialize enabled.
func (c *Context) Components() []string {
	return append([]string(nil), c.components...)
}

func (c *Context) Config() Config {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg
}

// UpdateConfig applies cfg if it is valid and its stages have
// collaborators; otherwise nothing changes.
func (c *Context) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	switch {
	case cfg.UseOnlineBackends && c.backends == nil:
		return translation.ErrConfig.WithMessage("no backend manager configured")
	case cfg.UseOfflineFallback && c.offline == nil:
		return translation.ErrConfig.WithMessage("no offline model manager configured")
	case cfg.UseOptimization && c.optimizer == nil:
		return translation.ErrConfig.WithMessage("no optimizer configured")
	case cfg.UseOCR && c.ocr == nil:
		return translation.ErrConfig.WithMessage("no ocr engine configured")
	}
	c.cfgMu.Lock()
	c.cfg = cfg
	c.cfgMu.Unlock()
	c.publish(context.Background(), EventConfigChanged, "", map[string]any{"config": cfg})
	return nil
}

func (c *Context) Backends() *backend.Manager      { return c.backends }
func (c *Context) Offline() *offline.Manager       { return c.offline }
func (c *Context) Optimizer() *optimizer.Optimizer { return c.optimizer }

// GameContext returns metadata remembered for a game.
func (c *Context) GameContext(name string) (GameContext, bool) {
	return c.games.Get(name)
}

// GameCacheStats reports on the game metadata cache.
func (c *Context) GameCacheStats() cache.Stats {
	return c.games.Stats()
}

// GameCacheReport renders GameCacheStats for people.
func (c *Context) GameCacheReport() string {
	return c.games.Report()
}

// PopularGames lists up to n games whose context is read most often.
func (c *Context) PopularGames(n int) []string {
	return c.games.PopularKeys(n)
}

// ForgetGame drops remembered metadata for name, ignoring case, and returns
// how many entries went.
func (c *Context) ForgetGame(name string) int {
	return c.games.InvalidateFunc(func(k string) bool { return strings.EqualFold(k, name) })
}

// Close stops background maintenance and closes the event bus.
func (c *Context) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.stop != nil {
			c.stop()
		}
		c.wg.Wait()
		if c.events != nil {
			err = c.events.Close()
		}
	})
	return err
}

func (c *Context) maintain(ctx context.Context, every time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.maintainOnce(ctx)
		}
	}
}

// maintainOnce drops expired game metadata and, when the optimizer runs
// asynchronously, purges idle cache entries and prewarms predicted texts.
func (c *Context) maintainOnce(ctx context.Context) {
	attrs := []any{slog.Int("games_expired", c.games.CleanupExpired())}
	if c.optimizer != nil && c.optimizer.Config().AsyncProcessing {
		r := c.optimizer.OptimizeMemoryUsage()
		n, err := c.optimizer.Prewarm(ctx, 20, c.chain(c.Config(), ""))
		if err != nil && ctx.Err() == nil {
			c.logger.Warn("prewarm failed", slog.String("error", err.Error()))
		}
		attrs = append(attrs,
			slog.Int("hot_purged", r.HotPurged),
			slog.Int("warm_purged", r.WarmPurged),
			slog.Int("prewarmed", n),
		)
	}
	c.logger.Debug("pipeline maintenance", attrs...)
}

// run accumulates the result of one request.
type run struct {
	res   Result
	start time.Time
}

func (r *run) advance(to State) {
	if !CanTransition(r.res.State, to) {
		panic(fmt.Sprintf("pipeline: invalid transition %s -> %s", r.res.State, to))
	}
	r.res.State = to
}

func (r *run) stage(name State, started time.Time, status StageStatus, quality float64, err error, details map[string]any) Stage {
	now := time.Now()
	s := Stage{
		Name:       name,
		Status:     status,
		StartedAt:  started,
		FinishedAt: now,
		Duration:   now.Sub(started),
		Quality:    quality,
		Details:    details,
	}
	if err != nil {
		s.Error = err.Error()
	}
	r.res.Stages = append(r.res.Stages, s)
	return s
}

// ProcessRequest runs one request through every enabled stage. On failure
// the returned Result still carries the stages that completed and the
// error is also returned.
func (c *Context) ProcessRequest(ctx context.Context, req Request) (Result, error) {
	cfg := c.Config()
	if req.Unit.ID == "" {
		req.Unit.ID = uuid.NewString()
	}
	if req.Unit.Timestamp.IsZero() {
		req.Unit.Timestamp = time.Now()
	}
	if req.InputType == "" {
		req.InputType = InputText
	}
	ctx = logger.SetRequestID(ctx, req.Unit.ID)

	r := &run{
		start: time.Now(),
		res: Result{
			RequestID:  req.Unit.ID,
			State:      StateIdle,
			SourceLang: req.Unit.SourceLang,
			TargetLang: req.Unit.TargetLang,
			Priority:   req.Unit.Priority.String(),
		},
	}
	r.res.Performance.TargetLatencyMs = ms(cfg.TargetLatency)

	if !cfg.Enabled {
		return c.fail(ctx, r, StateIdle, translation.ErrPipelineDisabled)
	}
	if err := validateRequest(req); err != nil {
		return c.fail(ctx, r, StateIdle, err)
	}

	// Extracting
	r.advance(StateExtracting)
	began := time.Now()
	text, extractQuality, details, err := c.extract(logger.SetStage(ctx, string(StateExtracting)), cfg, req)
	if err != nil {
		r.stage(StateExtracting, began, StageFailed, 0, err, details)
		return c.fail(ctx, r, StateExtracting, err)
	}
	r.res.OriginalText = text
	r.res.Performance.ExtractionMs = ms(r.stage(StateExtracting, began, StageCompleted, extractQuality, nil, details).Duration)

	// Translating
	r.advance(StateTranslating)
	began = time.Now()
	unit := req.Unit
	unit.Text = text
	out, err := c.translate(logger.SetStage(ctx, string(StateTranslating)), cfg, unit, req.PreferredBackend)
	if err != nil {
		r.stage(StateTranslating, began, StageFailed, 0, err, nil)
		return c.fail(ctx, r, StateTranslating, err)
	}
	t := out.Translation
	r.res.QualityScore = translation.ClampScore(t.Confidence)
	r.res.FallbackUsed = t.FallbackUsed()
	r.res.CacheHit = out.CacheHit
	r.res.Provider = t.Provider
	r.res.Optimizations = out.Applied
	r.res.Performance.TranslationMs = ms(r.stage(StateTranslating, began, StageCompleted, r.res.QualityScore, nil, map[string]any{
		"source":    string(t.Source),
		"provider":  t.Provider,
		"cache_hit": out.CacheHit,
	}).Duration)

	// PostProcessing
	r.advance(StatePostProcessing)
	began = time.Now()
	r.res.TranslatedText = PostProcess(t.Text)
	r.res.Performance.PostProcessingMs = ms(r.stage(StatePostProcessing, began, StageCompleted, r.res.QualityScore, nil, nil).Duration)

	// Logging
	if cfg.UseLogging && c.log != nil {
		r.advance(StateLogging)
		began = time.Now()
		entry := translation.LogEntry{
			RequestID:      req.Unit.ID,
			OriginalText:   text,
			TranslatedText: r.res.TranslatedText,
			SourceLang:     unit.SourceLang,
			TargetLang:     unit.TargetLang,
			Method:         translation.Method(t, out.CacheHit),
			Quality:        r.res.QualityScore,
			Latency:        time.Since(r.start),
			Context:        c.resolveGame(req),
			CreatedAt:      time.Now(),
		}
		status := StageCompleted
		err := c.writeLog(logger.SetStage(ctx, string(StateLogging)), cfg, entry)
		if err != nil {
			status = StageFailed
		}
		r.res.Performance.LoggingMs = ms(r.stage(StateLogging, began, status, 0, err, nil).Duration)
	} else {
		c.resolveGame(req)
	}

	r.advance(StateDone)
	r.res.Success = true
	c.finish(ctx, r, cfg)
	return r.res, nil
}

func validateRequest(req Request) error {
	if !req.InputType.Valid() {
		return translation.ErrInvalidRequest.WithMessage(fmt.Sprintf("unknown input type %q", req.InputType))
	}
	if err := req.Unit.Validate(); err != nil {
		return err
	}
	if req.InputType == InputText && translation.NormalizeText(req.InputData) == "" && translation.NormalizeText(req.Unit.Text) == "" {
		return translation.ErrInvalidRequest.WithMessage("text is empty")
	}
	if req.InputType != InputText && req.InputData == "" {
		return translation.ErrInvalidRequest.WithMessage("image reference is empty")
	}
	return nil
}

func (c *Context) extract(ctx context.Context, cfg Config, req Request) (string, float64, map[string]any, error) {
	if req.InputType == InputText {
		text := req.InputData
		if translation.NormalizeText(text) == "" {
			text = req.Unit.Text
		}
		return translation.NormalizeText(text), 1.0, map[string]any{"input_type": string(InputText)}, nil
	}

	details := map[string]any{"input_type": string(req.InputType)}
	if !cfg.UseOCR || c.ocr == nil {
		return "", 0, details, translation.ErrOCRUnavailable.WithStage(string(StateExtracting))
	}

	c.stats.ocrStarted()
	sctx, cancel := stageContext(ctx, cfg.ExtractTimeout)
	defer cancel()
	ex, err := c.ocr.Extract(sctx, req.InputData, req.Unit.SourceLang)
	if err == nil && translation.NormalizeText(ex.Text) == "" {
		err = errors.New("no text recognized")
	}
	if err != nil {
		if sctx.Err() != nil && ctx.Err() == nil {
			return "", 0, details, translation.ErrDeadlineExceeded.WithStage(string(StateExtracting)).WithCause(err)
		}
		return "", 0, details, translation.ErrExtraction.WithStage(string(StateExtracting)).WithCause(err)
	}
	c.stats.ocrSucceeded()
	details["engine"] = ex.Engine
	details["boxes"] = len(ex.Boxes)
	return translation.NormalizeText(ex.Text), translation.ClampScore(ex.Confidence), details, nil
}

func stageContext(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// bounded runs fn under its own deadline and reports an overrun as
// ErrDeadlineExceeded.
func bounded(fn optimizer.TranslateFunc, d time.Duration) optimizer.TranslateFunc {
	return func(ctx context.Context, text, src, tgt string) (translation.Translation, error) {
		sctx, cancel := stageContext(ctx, d)
		defer cancel()
		t, err := fn(sctx, text, src, tgt)
		if err != nil && errors.Is(sctx.Err(), context.DeadlineExceeded) && translation.CodeOf(err) != translation.ErrCodeDeadlineExceeded {
			err = translation.ErrDeadlineExceeded.WithCause(err)
		}
		return t, err
	}
}

// chain builds the source chain for the current configuration.
func (c *Context) chain(cfg Config, preferred string) optimizer.Chain {
	var ch optimizer.Chain
	if cfg.UseOnlineBackends && c.backends != nil && c.backends.HasRoutable() {
		ch.Online = bounded(func(ctx context.Context, text, src, tgt string) (translation.Translation, error) {
			t, err := c.backends.Translate(ctx, text, src, tgt, preferred)
			c.stats.onlineAttempt(err == nil)
			return t, err
		}, cfg.TranslateTimeout)
	}
	if cfg.UseOfflineFallback && c.offline != nil && (cfg.AutoFallback || ch.Online == nil) {
		ch.Offline = bounded(c.offline.Translate, cfg.OfflineTimeout)
	}
	return ch
}

func (c *Context) translate(ctx context.Context, cfg Config, unit translation.Unit, preferred string) (optimizer.Result, error) {
	ch := c.chain(cfg, preferred)
	var (
		out optimizer.Result
		err error
	)
	if cfg.UseOptimization && c.optimizer != nil {
		out, err = c.optimizer.Translate(ctx, unit, ch)
	} else {
		began := time.Now()
		out.Translation, err = optimizer.RunChain(ctx, unit.Key(), ch, c.logger)
		out.Latency = time.Since(began)
	}
	if err != nil {
		if te, ok := translation.AsError(err); ok && te.Stage == "" {
			err = te.WithStage(string(StateTranslating))
		}
		return out, err
	}
	return out, nil
}

func (c *Context) writeLog(ctx context.Context, cfg Config, entry translation.LogEntry) (err error) {
	sctx, cancel := stageContext(ctx, cfg.LogTimeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("translation log panicked: %v", p)
		}
		if err != nil {
			c.stats.loggingFailed()
			err = translation.ErrLogging.WithStage(string(StateLogging)).WithCause(err)
			logger.WithContext(ctx).Warn("translation log write failed", slog.String("error", err.Error()))
		}
	}()
	return c.log.Log(sctx, entry)
}

// resolveGame remembers request game metadata, or recalls it when the
// request only names the game, and returns it as log context.
func (c *Context) resolveGame(req Request) string {
	if req.Game != nil && req.Game.GameName != "" {
		if err := c.games.Set(req.Game.GameName, *req.Game); err != nil {
			c.logger.Debug("game context not cached", slog.String("error", err.Error()))
		}
		return req.Game.String()
	}
	if req.Unit.Context != "" {
		if g, ok := c.games.Get(req.Unit.Context); ok {
			return g.String()
		}
	}
	return req.Unit.Context
}

func (c *Context) fail(ctx context.Context, r *run, at State, err error) (Result, error) {
	if te, ok := translation.AsError(err); ok && te.Stage == "" && at != StateIdle {
		err = te.WithStage(string(at))
	}
	r.res.State = StateFailed
	r.res.Success = false
	r.res.FailedStage = at
	r.res.Err = err
	r.res.ErrorCode = string(translation.CodeOf(err))
	r.res.ErrorMessage = err.Error()
	c.finish(ctx, r, c.Config())
	return r.res, err
}

func (c *Context) finish(ctx context.Context, r *run, cfg Config) {
	r.res.CompletedAt = time.Now()
	r.res.TotalLatency = r.res.CompletedAt.Sub(r.start)
	r.res.Performance.TargetMet = r.res.TotalLatency <= cfg.TargetLatency
	c.stats.record(r.res)

	log := logger.WithContext(ctx)
	if r.res.Success {
		log.Info("translation completed",
			slog.String("pair", translation.LangPair(r.res.SourceLang, r.res.TargetLang)),
			slog.String("provider", r.res.Provider),
			slog.Bool("cache_hit", r.res.CacheHit),
			slog.Bool("fallback_used", r.res.FallbackUsed),
			slog.Float64("quality", r.res.QualityScore),
			slog.Duration("latency", r.res.TotalLatency),
		)
		c.publish(ctx, EventRequestCompleted, r.res.RequestID, map[string]any{
			"provider":      r.res.Provider,
			"cache_hit":     r.res.CacheHit,
			"fallback_used": r.res.FallbackUsed,
			"quality":       r.res.QualityScore,
			"latency_ms":    r.res.TotalLatencyMs(),
		})
		return
	}

	level := slog.LevelError
	switch translation.CodeOf(r.res.Err) {
	case translation.ErrCodeConcurrencyLimitExceeded, translation.ErrCodeInvalidRequest:
		level = slog.LevelWarn
	}
	log.Log(ctx, level, "translation failed",
		slog.String("stage", string(r.res.FailedStage)),
		slog.String("code", r.res.ErrorCode),
		slog.String("error", r.res.ErrorMessage),
	)
	c.publish(ctx, EventRequestFailed, r.res.RequestID, map[string]any{
		"stage": string(r.res.FailedStage),
		"code":  r.res.ErrorCode,
		"error": r.res.ErrorMessage,
	})
}

func (c *Context) publish(ctx context.Context, eventType, requestID string, payload map[string]any) {
	if c.events == nil {
		return
	}
	if err := c.events.Publish(eventbus.NewEvent(eventType, requestID, payload)); err != nil {
		logger.WithContext(ctx).Debug("event not published", slog.String("type", eventType), slog.String("error", err.Error()))
	}
}
