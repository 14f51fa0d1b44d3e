package pipeline

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jguan/gametrans/pkg/backend"
	"github.com/jguan/gametrans/pkg/infra/cache"
	"github.com/jguan/gametrans/pkg/optimizer"
	"github.com/jguan/gametrans/pkg/translation"
)

type counterValues struct {
	total            int64
	successful       int64
	failed           int64
	ocrRequests      int64
	ocrSuccessful    int64
	onlineAttempts   int64
	onlineSuccessful int64
	offlineFallbacks int64
	cacheHits        int64
	loggingFailures  int64
	deadlineExceeded int64
	rejected         int64
	latencySum       time.Duration
	qualitySum       float64
}

type counters struct {
	mu sync.Mutex
	v  counterValues
}

func (c *counters) update(fn func(v *counterValues)) {
	c.mu.Lock()
	fn(&c.v)
	c.mu.Unlock()
}

func (c *counters) ocrStarted()    { c.update(func(v *counterValues) { v.ocrRequests++ }) }
func (c *counters) ocrSucceeded()  { c.update(func(v *counterValues) { v.ocrSuccessful++ }) }
func (c *counters) loggingFailed() { c.update(func(v *counterValues) { v.loggingFailures++ }) }

func (c *counters) onlineAttempt(ok bool) {
	c.update(func(v *counterValues) {
		v.onlineAttempts++
		if ok {
			v.onlineSuccessful++
		}
	})
}

func (c *counters) record(r Result) {
	c.update(func(v *counterValues) {
		v.total++
		v.latencySum += r.TotalLatency
		if !r.Success {
			v.failed++
			switch translation.CodeOf(r.Err) {
			case translation.ErrCodeDeadlineExceeded:
				v.deadlineExceeded++
			case translation.ErrCodeConcurrencyLimitExceeded:
				v.rejected++
			}
			return
		}
		v.successful++
		v.qualitySum += r.QualityScore
		if r.CacheHit {
			v.cacheHits++
		}
		if r.FallbackUsed && !r.CacheHit {
			v.offlineFallbacks++
		}
	})
}

func (c *counters) snapshot() counterValues {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v
}

func (c *counters) reset() {
	c.update(func(v *counterValues) { *v = counterValues{} })
}

// Stats aggregates every request since start or the last ResetStats.
type Stats struct {
	TotalRequests       int64             `json:"total_requests" yaml:"total_requests"`
	SuccessfulRequests  int64             `json:"successful_requests" yaml:"successful_requests"`
	FailedRequests      int64             `json:"failed_requests" yaml:"failed_requests"`
	SuccessRate         float64           `json:"success_rate" yaml:"success_rate"`
	OCRRequests         int64             `json:"ocr_requests" yaml:"ocr_requests"`
	OCRSuccessRate      float64           `json:"ocr_success_rate" yaml:"ocr_success_rate"`
	OnlineAttempts      int64             `json:"online_attempts" yaml:"online_attempts"`
	OnlineSuccessRate   float64           `json:"online_success_rate" yaml:"online_success_rate"`
	OfflineFallbacks    int64             `json:"offline_fallbacks" yaml:"offline_fallbacks"`
	OfflineFallbackRate float64           `json:"offline_fallback_rate" yaml:"offline_fallback_rate"`
	CacheHits           int64             `json:"cache_hits" yaml:"cache_hits"`
	CacheHitRate        float64           `json:"cache_hit_rate" yaml:"cache_hit_rate"`
	LoggingFailures     int64             `json:"logging_failures" yaml:"logging_failures"`
	DeadlineExceeded    int64             `json:"deadline_exceeded" yaml:"deadline_exceeded"`
	Rejected            int64             `json:"rejected" yaml:"rejected"`
	AverageLatencyMs    float64           `json:"average_latency_ms" yaml:"average_latency_ms"`
	AverageQuality      float64           `json:"average_quality" yaml:"average_quality"`
	TargetLatencyMs     float64           `json:"target_latency_ms" yaml:"target_latency_ms"`
	QualityThreshold    float64           `json:"quality_threshold" yaml:"quality_threshold"`
	PerformanceGrade    string            `json:"performance_grade" yaml:"performance_grade"`
	Optimizer           *optimizer.Stats  `json:"optimizer,omitempty" yaml:"optimizer,omitempty"`
	Backends            []backend.Metrics `json:"backends,omitempty" yaml:"backends,omitempty"`
	Games               cache.Stats       `json:"games" yaml:"games"`
}

func ratio(n, d int64) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d)
}

func (c *Context) Stats() Stats {
	cfg := c.Config()

	k := c.stats.snapshot()

	s := Stats{
		TotalRequests:       k.total,
		SuccessfulRequests:  k.successful,
		FailedRequests:      k.failed,
		SuccessRate:         ratio(k.successful, k.total),
		OCRRequests:         k.ocrRequests,
		OCRSuccessRate:      ratio(k.ocrSuccessful, k.ocrRequests),
		OnlineAttempts:      k.onlineAttempts,
		OnlineSuccessRate:   ratio(k.onlineSuccessful, k.onlineAttempts),
		OfflineFallbacks:    k.offlineFallbacks,
		OfflineFallbackRate: ratio(k.offlineFallbacks, k.total),
		CacheHits:           k.cacheHits,
		CacheHitRate:        ratio(k.cacheHits, k.total),
		LoggingFailures:     k.loggingFailures,
		DeadlineExceeded:    k.deadlineExceeded,
		Rejected:            k.rejected,
		TargetLatencyMs:     ms(cfg.TargetLatency),
		QualityThreshold:    cfg.QualityThreshold,
	}
	if k.total > 0 {
		s.AverageLatencyMs = ms(k.latencySum / time.Duration(k.total))
	}
	if k.successful > 0 {
		s.AverageQuality = k.qualitySum / float64(k.successful)
	}
	s.PerformanceGrade = "N/A"
	if k.total > 0 {
		s.PerformanceGrade = Grade(s.SuccessRate, s.AverageLatencyMs, s.TargetLatencyMs, s.AverageQuality, s.QualityThreshold)
	}
	if c.optimizer != nil {
		ost := c.optimizer.Stats()
		s.Optimizer = &ost
	}
	if c.backends != nil {
		s.Backends = c.backends.Metrics()
	}
	s.Games = c.games.Stats()
	return s
}

// Grade averages the success rate, the latency score (target/actual,
// capped at 1) and the quality score (quality/threshold, capped at 1) and
// buckets the mean into A+, A, B, C, D or F.
func Grade(successRate, avgLatencyMs, targetMs, avgQuality, threshold float64) string {
	latency := 1.0
	if avgLatencyMs > targetMs && avgLatencyMs > 0 {
		latency = targetMs / avgLatencyMs
	}
	quality := 1.0
	if threshold > 0 {
		quality = min(avgQuality/threshold, 1)
	}
	overall := (successRate + latency + quality) / 3

	switch {
	case overall >= 0.9:
		return "A+"
	case overall >= 0.8:
		return "A"
	case overall >= 0.7:
		return "B"
	case overall >= 0.6:
		return "C"
	case overall >= 0.5:
		return "D"
	default:
		return "F"
	}
}

// ResetStats clears pipeline, optimizer and backend counters.
func (c *Context) ResetStats() {
	c.stats.reset()
	if c.optimizer != nil {
		c.optimizer.ResetStats()
	}
	if c.backends != nil {
		c.backends.ResetMetrics()
	}
}

// AutoOptimize tunes the configuration from the collected statistics and
// describes what changed.
func (c *Context) AutoOptimize() string {
	s := c.Stats()
	if s.TotalRequests == 0 {
		return "No statistics collected yet; nothing to optimize"
	}

	c.cfgMu.Lock()
	cfg := c.cfg
	var changes []string

	if s.AverageLatencyMs > s.TargetLatencyMs*1.2 {
		cfg.TargetLatency = time.Duration(s.AverageLatencyMs * 1.1 * float64(time.Millisecond))
		changes = append(changes, fmt.Sprintf("target latency raised to %.1fms", ms(cfg.TargetLatency)))
	}
	if s.SuccessfulRequests > 0 && s.AverageQuality < cfg.QualityThreshold {
		cfg.QualityThreshold = max(s.AverageQuality*0.9, 0.5)
		changes = append(changes, fmt.Sprintf("quality threshold lowered to %.2f", cfg.QualityThreshold))
	}
	if s.OnlineAttempts > 0 && s.OnlineSuccessRate < 0.8 && !cfg.UseOfflineFallback && c.offline != nil {
		cfg.UseOfflineFallback = true
		changes = append(changes, "offline fallback enabled")
	}
	if s.AverageLatencyMs > 200 && !cfg.ParallelProcessing {
		cfg.ParallelProcessing = true
		changes = append(changes, "parallel processing enabled")
	}
	c.cfg = cfg
	c.cfgMu.Unlock()

	if c.optimizer != nil {
		changes = append(changes, c.optimizer.AutoOptimizeConfig()...)
	}
	if len(changes) == 0 {
		return "No optimizations needed"
	}
	c.logger.Info("pipeline auto-optimized", slog.Int("changes", len(changes)))
	return fmt.Sprintf("Applied %d optimizations: %s", len(changes), strings.Join(changes, "; "))
}
