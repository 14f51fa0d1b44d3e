package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jguan/gametrans/pkg/backend"
	"github.com/jguan/gametrans/pkg/optimizer"
	"github.com/jguan/gametrans/pkg/translation"
)

type recordingBackend struct {
	mu    sync.Mutex
	calls []string
}

func (b *recordingBackend) Translate(_ context.Context, req backend.Request) (backend.Response, error) {
	b.mu.Lock()
	b.calls = append(b.calls, req.Text)
	b.mu.Unlock()
	if strings.HasPrefix(req.Text, "bad") {
		return backend.Response{}, errors.New("rejected")
	}
	return backend.Response{Text: strings.ToUpper(req.Text), Confidence: 0.9}, nil
}

func (b *recordingBackend) order() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func TestProcessBatch_PriorityOrder(t *testing.T) {
	rb := &recordingBackend{}
	backends := backend.NewManager()
	require.NoError(t, backends.Register(backend.Descriptor{Name: "rec", Enabled: true}, rb))

	cfg := testConfig()
	cfg.ParallelProcessing = false
	cfg.UseOfflineFallback = false
	c := newPipeline(t, cfg, Deps{Backends: backends})

	reqs := []Request{
		NewTextRequest("low", "en", "it", translation.PriorityLow),
		NewTextRequest("critical", "en", "it", translation.PriorityCritical),
		NewTextRequest("medium", "en", "it", translation.PriorityMedium),
		NewTextRequest("high", "en", "it", translation.PriorityHigh),
	}
	results, err := c.ProcessBatch(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, results, 4)

	for i, r := range results {
		assert.True(t, r.Success)
		assert.Equal(t, reqs[i].Unit.ID, r.RequestID, "results keep input order")
	}
	assert.Equal(t, "LOW", results[0].TranslatedText)
	assert.Equal(t, []string{"critical", "high", "medium", "low"}, rb.order())

	assert.False(t, results[1].CompletedAt.After(results[3].CompletedAt))
	assert.False(t, results[3].CompletedAt.After(results[2].CompletedAt))
	assert.False(t, results[2].CompletedAt.After(results[0].CompletedAt))
}

func TestProcessBatch_PriorityOrderWithOptimizer(t *testing.T) {
	rb := &recordingBackend{}
	backends := backend.NewManager()
	require.NoError(t, backends.Register(backend.Descriptor{Name: "rec", Enabled: true}, rb))

	o, err := optimizer.New(optimizer.DefaultConfig())
	require.NoError(t, err)

	cfg := testConfig()
	cfg.UseOfflineFallback = false
	c := newPipeline(t, cfg, Deps{Backends: backends, Optimizer: o})

	reqs := []Request{
		NewTextRequest("low", "en", "it", translation.PriorityLow),
		NewTextRequest("medium", "en", "it", translation.PriorityMedium),
		NewTextRequest("critical", "en", "it", translation.PriorityCritical),
	}
	_, err = c.ProcessBatch(context.Background(), reqs)
	require.NoError(t, err)
	assert.Equal(t, []string{"critical", "medium", "low"}, rb.order())
	assert.Len(t, c.partition(reqs), 3)
}

func TestProcessBatch_IsolatesFailures(t *testing.T) {
	rb := &recordingBackend{}
	backends := backend.NewManager()
	require.NoError(t, backends.Register(backend.Descriptor{Name: "rec", Enabled: true}, rb))

	cfg := testConfig()
	cfg.UseOfflineFallback = false
	c := newPipeline(t, cfg, Deps{Backends: backends})

	reqs := []Request{
		NewTextRequest("one", "en", "it", translation.PriorityHigh),
		NewTextRequest("bad two", "en", "it", translation.PriorityHigh),
		NewTextRequest("three", "en", "it", translation.PriorityLow),
		NewTextRequest("", "en", "it", translation.PriorityCritical),
	}
	results, err := c.ProcessBatch(context.Background(), reqs)
	require.NoError(t, err)

	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.True(t, errors.Is(results[1].Err, translation.ErrAllSourcesFailed))
	assert.True(t, results[2].Success)
	assert.False(t, results[3].Success)
	assert.True(t, errors.Is(results[3].Err, translation.ErrInvalidRequest))

	s := c.Stats()
	assert.Equal(t, int64(4), s.TotalRequests)
	assert.Equal(t, int64(2), s.FailedRequests)
}

func TestProcessBatch_Empty(t *testing.T) {
	c := newPipeline(t, testConfig(), Deps{Offline: installedOffline(t)})
	results, err := c.ProcessBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestGrade(t *testing.T) {
	tests := []struct {
		name                                    string
		success, latency, target, quality, thr float64
		want                                    string
	}{
		{"perfect", 1, 50, 100, 0.9, 0.8, "A+"},
		{"slow", 1, 200, 100, 0.8, 0.8, "A"},
		{"uneven", 0.7, 100, 100, 0.4, 0.8, "B"},
		{"weak", 0.4, 100, 100, 0.4, 0.8, "C"},
		{"poor", 0.5, 200, 100, 0.4, 0.8, "D"},
		{"failing", 0, 1000, 100, 0, 0.8, "F"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Grade(tt.success, tt.latency, tt.target, tt.quality, tt.thr))
		})
	}
}

func TestStats_AutoOptimizeAndReset(t *testing.T) {
	backends := backend.NewManager()
	require.NoError(t, backends.Register(backend.Descriptor{Name: "meh", Enabled: true}, fixedBackend("Ciao", 0.5, nil)))
	c := newPipeline(t, testConfig(), Deps{Backends: backends})

	assert.Equal(t, "N/A", c.Stats().PerformanceGrade)
	assert.Equal(t, "No statistics collected yet; nothing to optimize", c.AutoOptimize())

	_, err := c.ProcessRequest(context.Background(), NewTextRequest("Hello", "en", "it", translation.PriorityMedium))
	require.NoError(t, err)

	s := c.Stats()
	assert.Equal(t, int64(1), s.SuccessfulRequests)
	assert.Equal(t, 0.5, s.AverageQuality)
	assert.NotEqual(t, "N/A", s.PerformanceGrade)
	require.NotNil(t, s.Optimizer)
	require.Len(t, s.Backends, 1)

	summary := c.AutoOptimize()
	assert.True(t, strings.HasPrefix(summary, "Applied "), summary)
	assert.Contains(t, summary, "quality threshold lowered to 0.50")
	assert.Equal(t, 0.5, c.Config().QualityThreshold)

	c.ResetStats()
	s = c.Stats()
	assert.Zero(t, s.TotalRequests)
	assert.Equal(t, "N/A", s.PerformanceGrade)
	assert.Zero(t, s.Backends[0].Stats.Total)
}

func TestGenerateTestRequests(t *testing.T) {
	_, err := GenerateTestRequests(3, "bogus", "")
	assert.True(t, errors.Is(err, translation.ErrInvalidRequest))

	count := func(reqs []Request) (images int) {
		for _, r := range reqs {
			if r.InputType != InputText {
				images++
			}
		}
		return images
	}

	text, err := GenerateTestRequests(5, KindTextOnly, "")
	require.NoError(t, err)
	require.Len(t, text, 5)
	assert.Zero(t, count(text))
	for i, r := range text {
		assert.Equal(t, translation.Priorities[i%4], r.Unit.Priority)
		assert.NoError(t, validateRequest(r))
	}

	heavy, err := GenerateTestRequests(8, KindOCRHeavy, "shots")
	require.NoError(t, err)
	assert.Equal(t, 6, count(heavy))
	assert.Equal(t, "shots/screen_000.png", heavy[0].InputData)

	mixed, err := GenerateTestRequests(4, KindMixed, "shots")
	require.NoError(t, err)
	assert.Equal(t, 2, count(mixed))
}
