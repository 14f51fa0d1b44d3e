package optimizer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jguan/gametrans/pkg/translation"
)

func online(text string) TranslateFunc {
	return func(_ context.Context, _, src, tgt string) (translation.Translation, error) {
		return translation.Translation{
			Text: text, SourceLang: src, TargetLang: tgt,
			Confidence: 0.9, Source: translation.SourceOnline, Provider: "fake",
		}, nil
	}
}

func failing(err error) TranslateFunc {
	return func(context.Context, string, string, string) (translation.Translation, error) {
		return translation.Translation{}, err
	}
}

func newTestOptimizer(t *testing.T, mutate func(*Config), opts ...Option) *Optimizer {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	o, err := New(cfg, opts...)
	require.NoError(t, err)
	return o
}

func unit(text string) translation.Unit {
	return translation.NewUnit(text, "en", "it", translation.PriorityMedium)
}

func TestTranslate_MissThenHit(t *testing.T) {
	o := newTestOptimizer(t, nil)
	var calls atomic.Int32
	chain := Chain{Online: func(ctx context.Context, text, src, tgt string) (translation.Translation, error) {
		calls.Add(1)
		return online("Continua")(ctx, text, src, tgt)
	}}

	first, err := o.Translate(context.Background(), unit("Continue"), chain)
	require.NoError(t, err)
	assert.False(t, first.CacheHit)
	assert.Equal(t, "Continua", first.Translation.Text)
	assert.Contains(t, first.Applied, TagCacheMiss)
	assert.Contains(t, first.Applied, TagPredictive)
	assert.Contains(t, first.Applied, TagCacheWarming)
	assert.InDelta(t, 0.01, first.Prediction, 1e-9)

	second, err := o.Translate(context.Background(), unit("  Continue "), chain)
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Translation, second.Translation)
	assert.Contains(t, second.Applied, TagCacheHit)
	assert.Equal(t, int32(1), calls.Load())

	s := o.Stats()
	assert.Equal(t, int64(2), s.TotalRequests)
	assert.Equal(t, int64(1), s.CacheHits)
	assert.Equal(t, int64(1), s.CacheMisses)
	assert.InDelta(t, 0.5, s.HitRate, 1e-9)
	assert.Equal(t, int64(1), s.PredictionsMade)
	assert.Equal(t, 1, s.ConcurrentPeak)
	assert.LessOrEqual(t, s.MinLatencyMs, s.PeakLatencyMs)
}

func TestTranslate_OfflineEscalation(t *testing.T) {
	o := newTestOptimizer(t, nil)
	chain := Chain{
		Online: failing(translation.ErrAllBackendsFailed),
		Offline: func(_ context.Context, _, src, tgt string) (translation.Translation, error) {
			return translation.Translation{Text: "Ciao", SourceLang: src, TargetLang: tgt, Confidence: 0.85, Source: translation.SourceOffline}, nil
		},
	}

	res, err := o.Translate(context.Background(), unit("Hello"), chain)
	require.NoError(t, err)
	assert.True(t, res.Translation.FallbackUsed())
	assert.Contains(t, res.Applied, TagOfflineEscalated)

	again, err := o.Translate(context.Background(), unit("Hello"), Chain{})
	require.NoError(t, err)
	assert.True(t, again.CacheHit)
	assert.True(t, again.Translation.FallbackUsed())
}

func TestTranslate_AllSourcesFailed(t *testing.T) {
	o := newTestOptimizer(t, nil)
	chain := Chain{
		Online:  failing(translation.ErrAllBackendsFailed),
		Offline: failing(translation.ErrModelNotInstalled),
	}

	_, err := o.Translate(context.Background(), unit("Hello"), chain)
	require.Error(t, err)
	assert.True(t, errors.Is(err, translation.ErrAllSourcesFailed))
	assert.True(t, errors.Is(err, translation.ErrModelNotInstalled))

	_, ok := o.Lookup(translation.NewCacheKey("en", "it", "Hello"))
	assert.False(t, ok)
	assert.Equal(t, int64(1), o.Stats().Failed)

	_, err = o.Translate(context.Background(), unit("Hello"), Chain{})
	assert.True(t, errors.Is(err, translation.ErrAllSourcesFailed))
}

func TestTranslate_DeadlineExceeded(t *testing.T) {
	o := newTestOptimizer(t, nil)
	slow := func(ctx context.Context, _, _, _ string) (translation.Translation, error) {
		<-ctx.Done()
		return translation.Translation{}, translation.ErrDeadlineExceeded.WithCause(ctx.Err())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := o.Translate(ctx, unit("Hello"), Chain{Online: slow})
	assert.True(t, errors.Is(err, translation.ErrDeadlineExceeded))
}

func TestTranslate_Backpressure(t *testing.T) {
	const limit = 4
	o := newTestOptimizer(t, func(c *Config) { c.MaxConcurrent = limit })

	release := make(chan struct{})
	var inFlight atomic.Int32
	chain := Chain{Online: func(ctx context.Context, text, src, tgt string) (translation.Translation, error) {
		inFlight.Add(1)
		<-release
		return online("x")(ctx, text, src, tgt)
	}}

	var (
		wg       sync.WaitGroup
		rejected atomic.Int32
		done     atomic.Int32
	)
	for i := range limit + 1 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.Translate(context.Background(), unit(fmt.Sprintf("text %d", i)), chain)
			if errors.Is(err, translation.ErrConcurrencyLimitExceeded) {
				rejected.Add(1)
				return
			}
			assert.NoError(t, err)
			done.Add(1)
		}()
	}

	require.Eventually(t, func() bool {
		return inFlight.Load() == limit && rejected.Load() == 1
	}, 2*time.Second, time.Millisecond)
	assert.Len(t, o.Active(), limit)

	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), rejected.Load())
	assert.Equal(t, int32(limit), done.Load())

	s := o.Stats()
	assert.Equal(t, int64(1), s.Rejected)
	assert.Equal(t, limit, s.ConcurrentPeak)
	assert.Zero(t, s.ActiveRequests)
}

func TestLookup_WarmPromotion(t *testing.T) {
	o := newTestOptimizer(t, func(c *Config) { c.HotCacheSize = 1 })
	a := translation.NewCacheKey("en", "it", "a")
	b := translation.NewCacheKey("en", "it", "b")

	o.Warm(a, translation.Translation{Text: "A"})
	o.Warm(b, translation.Translation{Text: "B"})
	s := o.Stats()
	assert.Equal(t, 1, s.HotEntries)
	assert.Equal(t, 1, s.WarmEntries)

	got, ok := o.Lookup(a)
	require.True(t, ok)
	assert.Equal(t, "A", got.Text)
	assert.True(t, o.hot.Contains(o.cacheKey(a)))
	assert.True(t, o.warm.Contains(o.cacheKey(b)))

	o.Invalidate(a)
	_, ok = o.Lookup(a)
	assert.False(t, ok)
}

func TestOptimizeMemoryUsage(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	o := newTestOptimizer(t, nil, WithClock(func() time.Time { return now }))
	stale := translation.NewCacheKey("en", "it", "Hello")
	o.Warm(stale, translation.Translation{Text: "Ciao"})

	now = now.Add(6 * time.Minute)
	fresh := translation.NewCacheKey("en", "it", "Bye")
	c := &cached{t: translation.Translation{Text: "Addio"}}
	c.touch(now)
	o.warm.Add(o.cacheKey(fresh), c)

	r := o.OptimizeMemoryUsage()
	assert.Equal(t, 1, r.HotPurged)
	assert.Zero(t, r.WarmPurged)
	assert.Equal(t, 0, o.hot.Len())
	assert.Equal(t, 1, o.warm.Len(), "purged hot entry is not demoted")
	_, ok := o.Lookup(stale)
	assert.False(t, ok)

	now = now.Add(11 * time.Minute)
	r = o.OptimizeMemoryUsage()
	assert.Equal(t, 1, r.WarmPurged)
	_, ok = o.Lookup(fresh)
	assert.False(t, ok)
}

func TestCacheKey_FieldsCannotCollide(t *testing.T) {
	o := newTestOptimizer(t, nil)
	a := translation.NewCacheKey("en", "it", "x\x1fy")
	b := translation.NewCacheKey("en", "it\x1fx", "y")
	assert.NotEqual(t, o.cacheKey(a), o.cacheKey(b))

	o.Warm(a, translation.Translation{Text: "A"})
	_, ok := o.Lookup(b)
	assert.False(t, ok)
}

func TestAutoOptimizeConfig(t *testing.T) {
	o := newTestOptimizer(t, func(c *Config) { c.TargetLatency = time.Millisecond })
	assert.Empty(t, o.AutoOptimizeConfig())

	slow := func(ctx context.Context, text, src, tgt string) (translation.Translation, error) {
		time.Sleep(5 * time.Millisecond)
		return online("x")(ctx, text, src, tgt)
	}
	for i := range 3 {
		_, err := o.Translate(context.Background(), unit(fmt.Sprintf("t%d", i)), Chain{Online: slow})
		require.NoError(t, err)
	}

	changes := o.AutoOptimizeConfig()
	assert.NotEmpty(t, changes)
	cfg := o.Config()
	assert.Greater(t, cfg.TargetLatency, 5*time.Millisecond)
	assert.Equal(t, 1500, cfg.HotCacheSize)
	assert.Equal(t, 6000, cfg.WarmCacheSize)
	assert.Equal(t, 4, cfg.ThreadPoolSize)
}

func TestAutoOptimizeConfig_GrowsSmallCaches(t *testing.T) {
	o := newTestOptimizer(t, func(c *Config) {
		c.HotCacheSize = 1
		c.WarmCacheSize = 1
	})
	_, err := o.Translate(context.Background(), unit("Hello"), Chain{Online: online("Ciao")})
	require.NoError(t, err)

	changes := o.AutoOptimizeConfig()
	assert.Contains(t, changes, "cache capacity grown to 2 hot / 2 warm")
	assert.Equal(t, 2, o.Config().HotCacheSize)
	assert.Equal(t, 2, o.Config().WarmCacheSize)
}

func TestPredictionsAndPrewarm(t *testing.T) {
	o := newTestOptimizer(t, nil)
	fail := Chain{Online: failing(translation.ErrAllBackendsFailed)}
	for _, text := range []string{"Hello", "Hello", "Hello", "Bye"} {
		_, err := o.Translate(context.Background(), unit(text), fail)
		require.Error(t, err)
	}

	preds := o.Predictions(1)
	require.Len(t, preds, 1)
	assert.Equal(t, Prediction{
		SourceLang: "en", TargetLang: "it", Pair: "en-it",
		Text: "Hello", Frequency: 3, Confidence: 0.03,
	}, preds[0])

	warmed, err := o.Prewarm(context.Background(), 10, Chain{Online: online("ok")})
	require.NoError(t, err)
	assert.Equal(t, 2, warmed)

	got, ok := o.Lookup(translation.NewCacheKey("en", "it", "Bye"))
	require.True(t, ok)
	assert.Equal(t, "ok", got.Text)
}

func TestPrewarm_RegionalLanguageCodes(t *testing.T) {
	o := newTestOptimizer(t, nil)
	u := translation.NewUnit("Obrigado", "pt-br", "en", translation.PriorityMedium)
	_, err := o.Translate(context.Background(), u, Chain{Online: failing(translation.ErrAllBackendsFailed)})
	require.Error(t, err)

	var mu sync.Mutex
	var seen [][2]string
	record := func(ctx context.Context, text, src, tgt string) (translation.Translation, error) {
		mu.Lock()
		seen = append(seen, [2]string{src, tgt})
		mu.Unlock()
		return online("Thanks")(ctx, text, src, tgt)
	}
	warmed, err := o.Prewarm(context.Background(), 10, Chain{Online: record})
	require.NoError(t, err)
	assert.Equal(t, 1, warmed)
	assert.Equal(t, [][2]string{{"pt-br", "en"}}, seen)

	got, ok := o.Lookup(translation.NewCacheKey("pt-br", "en", "Obrigado"))
	require.True(t, ok)
	assert.Equal(t, "Thanks", got.Text)
}

func (p *predictor) size(src, tgt string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pairs[pairKey{src, tgt}])
}

func TestPredictor_BoundedPerPair(t *testing.T) {
	p := newPredictor()
	p.limit = 3
	p.record("en", "it", "a")
	p.record("en", "it", "a")
	p.record("en", "it", "b")
	p.record("en", "it", "b")
	p.record("en", "it", "c")
	p.record("en", "it", "d")
	assert.Equal(t, 3, p.size("en", "it"))

	var texts []string
	for _, pr := range p.top(0) {
		texts = append(texts, pr.Text)
	}
	assert.Equal(t, []string{"a", "b", "d"}, texts)

	p.record("en", "fr", "a")
	assert.Equal(t, 1, p.size("en", "fr"))
}

func TestUpdateConfig_RejectsInvalid(t *testing.T) {
	o := newTestOptimizer(t, nil)
	bad := o.Config()
	bad.MaxConcurrent = 0
	err := o.UpdateConfig(bad)
	assert.True(t, errors.Is(err, translation.ErrConfig))
	assert.Equal(t, 8, o.Config().MaxConcurrent)

	good := o.Config()
	good.MaxConcurrent = 2
	require.NoError(t, o.UpdateConfig(good))
	assert.Equal(t, 2, o.Config().MaxConcurrent)
}

func TestResetStats(t *testing.T) {
	o := newTestOptimizer(t, nil)
	_, err := o.Translate(context.Background(), unit("Hello"), Chain{Online: online("Ciao")})
	require.NoError(t, err)

	o.ResetStats()
	s := o.Stats()
	assert.Zero(t, s.TotalRequests)
	assert.Zero(t, s.CacheMisses)
	assert.Equal(t, 1, s.HotEntries)
}

func TestBufferPool(t *testing.T) {
	p := newBufferPool(2, 16)
	a, b, c := p.get(), p.get(), p.get()
	assert.Equal(t, int64(2), p.hits.Load())
	assert.Equal(t, int64(1), p.misses.Load())

	p.put(a)
	p.put(b)
	p.put(c)
	assert.Equal(t, 2, p.idle())
	assert.Equal(t, 1, p.trim(1))
	assert.Equal(t, 1, p.idle())
}
