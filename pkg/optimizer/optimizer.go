// Package optimizer keeps the common translation path fast: a two-tier
// result cache in front of the source chain, fail-fast concurrency limiting
// and self-tuning of its own configuration.
package optimizer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/jguan/gametrans/pkg/infra/logger"
	"github.com/jguan/gametrans/pkg/infra/metrics"
	"github.com/jguan/gametrans/pkg/translation"
)

// Tags recorded in Result.Applied.
const (
	TagCacheHit         = "cache_hit"
	TagCacheMiss        = "cache_miss"
	TagPredictive       = "predictive_caching"
	TagCacheWarming     = "cache_warming"
	TagCoalesced        = "request_coalescing"
	TagLatencyAchieved  = "target_latency_achieved"
	TagLatencyExceeded  = "target_latency_exceeded"
	TagOfflineEscalated = "offline_fallback"
)

// TranslateFunc is one link of the source chain.
type TranslateFunc func(ctx context.Context, text, sourceLang, targetLang string) (translation.Translation, error)

// Chain lists the sources tried on a cache miss. A nil link is skipped.
// Offline is only consulted once Online has failed.
type Chain struct {
	Online  TranslateFunc
	Offline TranslateFunc
}

// Result is the outcome of Translate.
type Result struct {
	Translation translation.Translation `json:"translation"`
	CacheHit    bool                    `json:"cache_hit"`
	Latency     time.Duration           `json:"latency"`
	Applied     []string                `json:"optimization_applied"`
	Prediction  float64                 `json:"prediction_confidence,omitempty"`
}

type cached struct {
	t          translation.Translation
	lastAccess atomic.Int64
}

func (c *cached) touch(now time.Time) { c.lastAccess.Store(now.UnixNano()) }

func (c *cached) idle(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastAccess.Load()))
}

type activeRequest struct {
	id      string
	started time.Time
}

// ActiveRequest describes an admitted, unfinished translation.
type ActiveRequest struct {
	ID      string        `json:"id"`
	Started time.Time     `json:"started"`
	Elapsed time.Duration `json:"elapsed"`
}

// Optimizer is safe for concurrent use.
type Optimizer struct {
	cfgMu sync.RWMutex
	cfg   Config

	hot  *lru.Cache[string, *cached]
	warm *lru.Cache[string, *cached]

	activeMu       sync.Mutex
	active         map[uint64]activeRequest
	nextSeq        uint64
	concurrentPeak int

	pool      *bufferPool
	predict   *predictor
	flight    singleflight.Group
	requests  atomic.Pointer[metrics.RequestMetrics]
	hits      atomic.Int64
	misses    atomic.Int64
	predicted atomic.Int64
	minLatUs  atomic.Int64
	lookupNs  atomic.Int64
	lookups   atomic.Int64

	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Optimizer)

func WithLogger(l *slog.Logger) Option {
	return func(o *Optimizer) { o.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(o *Optimizer) { o.now = now }
}

func New(cfg Config, opts ...Option) (*Optimizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &Optimizer{
		cfg:     cfg,
		active:  make(map[uint64]activeRequest),
		pool:    newBufferPool(cfg.MemoryPoolSize, cfg.BufferSize),
		predict: newPredictor(),
		logger:  logger.Default(),
		now:     time.Now,
	}
	o.requests.Store(metrics.NewRequestMetrics())
	o.minLatUs.Store(-1)
	for _, opt := range opts {
		opt(o)
	}

	var err error
	o.warm, err = lru.New[string, *cached](cfg.WarmCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create warm tier: %w", err)
	}
	// Entries leaving the hot tier drop to warm.
	o.hot, err = lru.NewWithEvict(cfg.HotCacheSize, func(key string, v *cached) {
		o.warm.Add(key, v)
	})
	if err != nil {
		return nil, fmt.Errorf("create hot tier: %w", err)
	}
	return o, nil
}

// Config returns a copy of the current configuration.
func (o *Optimizer) Config() Config {
	o.cfgMu.RLock()
	defer o.cfgMu.RUnlock()
	return o.cfg
}

// UpdateConfig validates cfg before applying it.
func (o *Optimizer) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	o.cfgMu.Lock()
	o.cfg = cfg
	o.cfgMu.Unlock()
	o.hot.Resize(cfg.HotCacheSize)
	o.warm.Resize(cfg.WarmCacheSize)
	return nil
}

// cacheKey renders key using a pooled buffer. Language codes are length
// prefixed so no text can forge another key.
func (o *Optimizer) cacheKey(key translation.CacheKey) string {
	b := o.pool.get()
	defer o.pool.put(b)
	for _, f := range [...]string{key.SourceLang, key.TargetLang} {
		b.WriteString(strconv.Itoa(len(f)))
		b.WriteByte(':')
		b.WriteString(f)
	}
	b.WriteString(key.Text)
	return b.String()
}

// Lookup checks hot then warm, promoting a warm hit into hot.
func (o *Optimizer) Lookup(key translation.CacheKey) (translation.Translation, bool) {
	start := time.Now()
	defer func() {
		o.lookupNs.Add(int64(time.Since(start)))
		o.lookups.Add(1)
	}()

	k := o.cacheKey(key)
	now := o.now()
	if c, ok := o.hot.Get(k); ok {
		c.touch(now)
		o.hits.Add(1)
		return c.t, true
	}
	if c, ok := o.warm.Get(k); ok {
		c.touch(now)
		o.hot.Add(k, c)
		o.hits.Add(1)
		return c.t, true
	}
	o.misses.Add(1)
	return translation.Translation{}, false
}

// Warm writes t into the hot tier.
func (o *Optimizer) Warm(key translation.CacheKey, t translation.Translation) {
	c := &cached{t: t}
	c.touch(o.now())
	o.hot.Add(o.cacheKey(key), c)
}

// Invalidate drops key from both tiers.
func (o *Optimizer) Invalidate(key translation.CacheKey) {
	k := o.cacheKey(key)
	// Removing from hot demotes to warm, so warm goes last.
	o.hot.Remove(k)
	o.warm.Remove(k)
}

// ClearCache empties both tiers.
func (o *Optimizer) ClearCache() {
	o.hot.Purge()
	o.warm.Purge()
}

func (o *Optimizer) admit(id string) (uint64, error) {
	limit := o.Config().MaxConcurrent
	o.activeMu.Lock()
	defer o.activeMu.Unlock()
	if len(o.active) >= limit {
		return 0, translation.ErrConcurrencyLimitExceeded.
			WithDetails("limit", limit).
			WithDetails("request_id", id)
	}
	o.nextSeq++
	o.active[o.nextSeq] = activeRequest{id: id, started: o.now()}
	o.concurrentPeak = max(o.concurrentPeak, len(o.active))
	return o.nextSeq, nil
}

func (o *Optimizer) release(seq uint64) {
	o.activeMu.Lock()
	delete(o.active, seq)
	o.activeMu.Unlock()
}

// Active lists the admitted requests that have not finished.
func (o *Optimizer) Active() []ActiveRequest {
	now := o.now()
	o.activeMu.Lock()
	defer o.activeMu.Unlock()
	out := make([]ActiveRequest, 0, len(o.active))
	for _, a := range o.active {
		out = append(out, ActiveRequest{ID: a.id, Started: a.started, Elapsed: now.Sub(a.started)})
	}
	return out
}

// Translate serves unit from cache or the chain. When MaxConcurrent
// requests are already in flight it fails immediately with
// ErrConcurrencyLimitExceeded.
func (o *Optimizer) Translate(ctx context.Context, unit translation.Unit, chain Chain) (Result, error) {
	seq, err := o.admit(unit.ID)
	if err != nil {
		o.requests.Load().RecordRejected()
		return Result{}, err
	}
	defer o.release(seq)

	cfg := o.Config()
	start := time.Now()
	res := Result{}
	key := unit.Key()

	if t, ok := o.Lookup(key); ok {
		res.Translation = t
		res.CacheHit = true
		res.Applied = append(res.Applied, TagCacheHit)
		o.logger.Debug("cache hit", slog.String("request_id", unit.ID), slog.String("pair", key.Pair()))
	} else {
		res.Applied = append(res.Applied, TagCacheMiss)
		if cfg.PredictiveCaching {
			res.Prediction = o.predict.record(key.SourceLang, key.TargetLang, key.Text)
			o.predicted.Add(1)
			res.Applied = append(res.Applied, TagPredictive)
		}

		var (
			t         translation.Translation
			coalesced bool
		)
		if cfg.BatchProcessing {
			var v any
			v, err, coalesced = o.flight.Do(o.cacheKey(key), func() (any, error) {
				return o.runChain(ctx, key, chain)
			})
			if err == nil {
				t = v.(translation.Translation)
			}
		} else {
			t, err = o.runChain(ctx, key, chain)
		}
		if err != nil {
			res.Latency = time.Since(start)
			o.recordLatency(res.Latency, true)
			return res, err
		}
		if coalesced {
			res.Applied = append(res.Applied, TagCoalesced)
		}
		if t.FallbackUsed() {
			res.Applied = append(res.Applied, TagOfflineEscalated)
		}
		o.Warm(key, t)
		res.Applied = append(res.Applied, TagCacheWarming)
		res.Translation = t
	}

	res.Latency = time.Since(start)
	if res.Latency <= cfg.TargetLatency {
		res.Applied = append(res.Applied, TagLatencyAchieved)
	} else {
		res.Applied = append(res.Applied, TagLatencyExceeded)
	}
	o.recordLatency(res.Latency, false)
	return res, nil
}

func (o *Optimizer) runChain(ctx context.Context, key translation.CacheKey, chain Chain) (translation.Translation, error) {
	return RunChain(ctx, key, chain, o.logger)
}

// RunChain tries Online, then Offline, without any caching. When every
// tried source failed only because it ran out of time the error is
// ErrDeadlineExceeded, otherwise ErrAllSourcesFailed.
func RunChain(ctx context.Context, key translation.CacheKey, chain Chain, log *slog.Logger) (translation.Translation, error) {
	var errs []error
	for _, src := range []struct {
		name string
		fn   TranslateFunc
	}{{"online", chain.Online}, {"offline", chain.Offline}} {
		if src.fn == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, translation.ErrDeadlineExceeded.WithCause(err))
			break
		}
		t, err := src.fn(ctx, key.Text, key.SourceLang, key.TargetLang)
		if err == nil {
			return t, nil
		}
		log.Warn("translation source failed",
			slog.String("request_id", logger.GetRequestID(ctx)),
			slog.String("source", src.name),
			slog.String("pair", key.Pair()),
			slog.String("error", err.Error()),
		)
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		return translation.Translation{}, translation.ErrAllSourcesFailed.WithMessage("no translation source enabled")
	}
	timedOut := true
	for _, err := range errs {
		if translation.CodeOf(err) != translation.ErrCodeDeadlineExceeded {
			timedOut = false
		}
	}
	if timedOut {
		return translation.Translation{}, translation.ErrDeadlineExceeded.WithStage("translating").WithCause(errors.Join(errs...))
	}
	return translation.Translation{}, translation.ErrAllSourcesFailed.WithCause(errors.Join(errs...))
}

func (o *Optimizer) recordLatency(d time.Duration, failed bool) {
	o.requests.Load().Record(d, failed)
	us := d.Microseconds()
	for {
		cur := o.minLatUs.Load()
		if (cur >= 0 && us >= cur) || o.minLatUs.CompareAndSwap(cur, us) {
			return
		}
	}
}

// Predictions returns the n texts most often missed.
func (o *Optimizer) Predictions(n int) []Prediction {
	return o.predict.top(n)
}

// Prewarm translates up to n predicted texts that are not cached yet,
// using ThreadPoolSize workers. It returns how many entries were added.
func (o *Optimizer) Prewarm(ctx context.Context, n int, chain Chain) (int, error) {
	var warmed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.Config().ThreadPoolSize)
	for _, p := range o.predict.top(n) {
		key := translation.NewCacheKey(p.SourceLang, p.TargetLang, p.Text)
		if o.hot.Contains(o.cacheKey(key)) || o.warm.Contains(o.cacheKey(key)) {
			continue
		}
		g.Go(func() error {
			t, err := o.runChain(gctx, key, chain)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				return nil
			}
			o.Warm(key, t)
			warmed.Add(1)
			return nil
		})
	}
	err := g.Wait()
	return int(warmed.Load()), err
}

// MemoryReport summarizes an OptimizeMemoryUsage pass.
type MemoryReport struct {
	HotPurged      int `json:"hot_purged"`
	WarmPurged     int `json:"warm_purged"`
	BuffersTrimmed int `json:"buffers_trimmed"`
}

// OptimizeMemoryUsage purges entries idle past their tier TTL and trims the
// buffer pool to its configured size. A purged hot entry is not kept in warm.
func (o *Optimizer) OptimizeMemoryUsage() MemoryReport {
	cfg := o.Config()
	now := o.now()
	var r MemoryReport

	for _, k := range o.hot.Keys() {
		if c, ok := o.hot.Peek(k); ok && c.idle(now) > cfg.HotTTL {
			o.hot.Remove(k)
			// Remove fires the demotion callback; drop the copy it made.
			if w, ok := o.warm.Peek(k); ok && w == c {
				o.warm.Remove(k)
			}
			r.HotPurged++
		}
	}
	for _, k := range o.warm.Keys() {
		if c, ok := o.warm.Peek(k); ok && c.idle(now) > cfg.WarmTTL {
			o.warm.Remove(k)
			r.WarmPurged++
		}
	}
	r.BuffersTrimmed = o.pool.trim(cfg.MemoryPoolSize)
	return r
}

// AutoOptimizeConfig adjusts the configuration from observed statistics
// and returns a description of every change.
func (o *Optimizer) AutoOptimizeConfig() []string {
	s := o.Stats()
	if s.TotalRequests == 0 {
		return nil
	}

	o.cfgMu.Lock()
	cfg := o.cfg
	var changes []string

	target := float64(cfg.TargetLatency.Microseconds()) / 1000
	if s.AverageLatencyMs > target*1.2 {
		cfg.TargetLatency = time.Duration(s.AverageLatencyMs * 1.1 * float64(time.Millisecond))
		changes = append(changes, fmt.Sprintf("target latency raised to %s", cfg.TargetLatency.Round(time.Microsecond)))
	}
	if s.HitRate < 0.8 {
		cfg.HotCacheSize = grow(cfg.HotCacheSize)
		cfg.WarmCacheSize = grow(cfg.WarmCacheSize)
		changes = append(changes, fmt.Sprintf("cache capacity grown to %d hot / %d warm", cfg.HotCacheSize, cfg.WarmCacheSize))
	}
	if s.ConcurrentPeak > cfg.ThreadPoolSize {
		cfg.ThreadPoolSize = s.ConcurrentPeak + 2
		changes = append(changes, fmt.Sprintf("thread pool grown to %d", cfg.ThreadPoolSize))
	}
	if s.MemoryPoolHits < s.TotalRequests/2 {
		cfg.MemoryPoolSize = int(float64(cfg.MemoryPoolSize)*1.3) + 1
		changes = append(changes, fmt.Sprintf("memory pool grown to %d", cfg.MemoryPoolSize))
	}
	o.cfg = cfg
	o.cfgMu.Unlock()

	o.hot.Resize(cfg.HotCacheSize)
	o.warm.Resize(cfg.WarmCacheSize)
	for _, c := range changes {
		o.logger.Info("optimizer tuned", slog.String("change", c))
	}
	return changes
}

// grow raises a capacity by half, and by at least one.
func grow(n int) int {
	return max(n*3/2, n+1)
}

// Stats is a point-in-time view of the optimizer.
type Stats struct {
	TotalRequests    int64   `json:"total_requests"`
	CacheHits        int64   `json:"cache_hits"`
	CacheMisses      int64   `json:"cache_misses"`
	HitRate          float64 `json:"hit_rate"`
	AverageLatencyMs float64 `json:"average_latency_ms"`
	PeakLatencyMs    float64 `json:"peak_latency_ms"`
	MinLatencyMs     float64 `json:"min_latency_ms"`
	AverageLookupUs  float64 `json:"average_lookup_us"`
	PredictionsMade  int64   `json:"predictions_made"`
	MemoryPoolHits   int64   `json:"memory_pool_hits"`
	MemoryPoolIdle   int     `json:"memory_pool_idle"`
	ConcurrentPeak   int     `json:"concurrent_peak"`
	ActiveRequests   int     `json:"active_requests"`
	Rejected         int64   `json:"rejected"`
	Failed           int64   `json:"failed"`
	HotEntries       int     `json:"hot_entries"`
	WarmEntries      int     `json:"warm_entries"`
}

func (o *Optimizer) Stats() Stats {
	snap := o.requests.Load().Snapshot()
	hits, misses := o.hits.Load(), o.misses.Load()

	s := Stats{
		TotalRequests:    snap.TotalRequests,
		CacheHits:        hits,
		CacheMisses:      misses,
		AverageLatencyMs: snap.AvgLatencyMs,
		PeakLatencyMs:    snap.PeakLatencyMs,
		PredictionsMade:  o.predicted.Load(),
		MemoryPoolHits:   o.pool.hits.Load(),
		MemoryPoolIdle:   o.pool.idle(),
		Rejected:         snap.TotalRejected,
		Failed:           snap.TotalErrors,
		HotEntries:       o.hot.Len(),
		WarmEntries:      o.warm.Len(),
	}
	if hits+misses > 0 {
		s.HitRate = float64(hits) / float64(hits+misses)
	}
	if m := o.minLatUs.Load(); m >= 0 {
		s.MinLatencyMs = float64(m) / 1000
	}
	if n := o.lookups.Load(); n > 0 {
		s.AverageLookupUs = float64(o.lookupNs.Load()) / float64(n) / 1000
	}

	o.activeMu.Lock()
	s.ConcurrentPeak = o.concurrentPeak
	s.ActiveRequests = len(o.active)
	o.activeMu.Unlock()
	return s
}

// ResetStats zeroes counters. Cached entries and predictions are kept.
func (o *Optimizer) ResetStats() {
	o.requests.Store(metrics.NewRequestMetrics())
	o.hits.Store(0)
	o.misses.Store(0)
	o.predicted.Store(0)
	o.minLatUs.Store(-1)
	o.lookupNs.Store(0)
	o.lookups.Store(0)
	o.pool.hits.Store(0)
	o.pool.misses.Store(0)
	o.activeMu.Lock()
	o.concurrentPeak = len(o.active)
	o.activeMu.Unlock()
}
