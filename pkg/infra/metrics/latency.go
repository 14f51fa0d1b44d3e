package metrics

import (
	"sync"
	"time"
)

// SourceStats accumulates outcomes for one translation source.
type SourceStats struct {
	// EWMA of call latency in milliseconds.
	EWMAms float64 `json:"ewma_ms"`

	Total   uint64 `json:"total"`
	OK      uint64 `json:"ok"`
	Error   uint64 `json:"error"`
	Limited uint64 `json:"limited"`

	TotalLatency time.Duration `json:"total_latency"`
	TotalCost    float64       `json:"total_cost"`
	Characters   uint64        `json:"characters"`

	LastLatency time.Duration `json:"last_latency"`
	LastError   string        `json:"last_error,omitempty"`
	LastAt      time.Time     `json:"last_at"`
}

// SuccessRate is OK/Total, or 0 before the first call.
func (s SourceStats) SuccessRate() float64 {
	if s.Total == 0 {
		return 0
	}
	return float64(s.OK) / float64(s.Total)
}

// AvgLatency is the arithmetic mean over every observed call.
func (s SourceStats) AvgLatency() time.Duration {
	if s.Total == 0 {
		return 0
	}
	return s.TotalLatency / time.Duration(s.Total)
}

// Observation describes a single call to a source.
type Observation struct {
	Latency    time.Duration
	OK         bool
	Limited    bool
	Cost       float64
	Characters int
	Err        error
}

// LatencyTracker keeps SourceStats per source name.
type LatencyTracker struct {
	mu      sync.RWMutex
	alpha   float64
	sources map[string]*SourceStats
	now     func() time.Time
}

// NewLatencyTracker creates a tracker with EWMA smoothing factor alpha.
// Typical alpha: 0.1..0.3 (higher reacts faster).
func NewLatencyTracker(alpha float64) *LatencyTracker {
	if alpha <= 0 || alpha >= 1 {
		alpha = 0.2
	}
	return &LatencyTracker{
		alpha:   alpha,
		sources: map[string]*SourceStats{},
		now:     time.Now,
	}
}

func (t *LatencyTracker) Observe(name string, o Observation) {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.sources[name]
	if s == nil {
		s = &SourceStats{}
		t.sources[name] = s
	}

	ms := float64(o.Latency.Microseconds()) / 1000
	if ms < 0 {
		ms = 0
	}
	if s.Total == 0 {
		s.EWMAms = ms
	} else {
		s.EWMAms = (t.alpha * ms) + ((1.0 - t.alpha) * s.EWMAms)
	}

	s.Total++
	s.TotalLatency += o.Latency
	s.TotalCost += o.Cost
	s.Characters += uint64(max(o.Characters, 0))
	s.LastLatency = o.Latency
	s.LastAt = now
	if o.Limited {
		s.Limited++
	}
	if o.OK {
		s.OK++
	} else {
		s.Error++
		if o.Err != nil {
			s.LastError = o.Err.Error()
		}
	}
}

func (t *LatencyTracker) Get(name string) (SourceStats, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := t.sources[name]
	if s == nil {
		return SourceStats{}, false
	}
	return *s, true
}

func (t *LatencyTracker) Snapshot() map[string]SourceStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make(map[string]SourceStats, len(t.sources))
	for k, v := range t.sources {
		out[k] = *v
	}
	return out
}

func (t *LatencyTracker) Delete(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.sources, name)
}

func (t *LatencyTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sources = map[string]*SourceStats{}
}
