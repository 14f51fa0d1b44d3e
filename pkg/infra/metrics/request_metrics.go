// Package metrics holds lock-free request counters for the HTTP gateway and
// per-source latency/outcome tracking for translation backends and models.
package metrics

import (
	"sync/atomic"
	"time"
)

// RequestMetrics tracks gateway request counts, latency, errors and
// backpressure rejections. It uses lock-free atomic counters.
type RequestMetrics struct {
	totalRequests  atomic.Int64
	totalErrors    atomic.Int64
	totalRejected  atomic.Int64
	totalLatencyUs atomic.Int64
	peakLatencyUs  atomic.Int64
}

func NewRequestMetrics() *RequestMetrics {
	return &RequestMetrics{}
}

// Record records a completed request.
// latency is the request duration; isError indicates whether the request failed.
func (m *RequestMetrics) Record(latency time.Duration, isError bool) {
	us := latency.Microseconds()
	m.totalRequests.Add(1)
	m.totalLatencyUs.Add(us)
	if isError {
		m.totalErrors.Add(1)
	}
	for {
		peak := m.peakLatencyUs.Load()
		if us <= peak || m.peakLatencyUs.CompareAndSwap(peak, us) {
			break
		}
	}
}

// RecordRejected counts a request turned away by backpressure.
func (m *RequestMetrics) RecordRejected() {
	m.totalRejected.Add(1)
}

// Snapshot returns a point-in-time snapshot of the counters.
func (m *RequestMetrics) Snapshot() RequestSnapshot {
	total := m.totalRequests.Load()
	errors := m.totalErrors.Load()
	latencyUs := m.totalLatencyUs.Load()

	var avgLatencyMs, errorRate float64
	if total > 0 {
		avgLatencyMs = float64(latencyUs) / float64(total) / 1000
		errorRate = float64(errors) / float64(total)
	}

	return RequestSnapshot{
		TotalRequests: total,
		TotalErrors:   errors,
		TotalRejected: m.totalRejected.Load(),
		AvgLatencyMs:  avgLatencyMs,
		PeakLatencyMs: float64(m.peakLatencyUs.Load()) / 1000,
		ErrorRate:     errorRate,
	}
}

// RequestSnapshot is an immutable snapshot of request metrics at a point in time.
type RequestSnapshot struct {
	TotalRequests int64   `json:"total_requests"`
	TotalErrors   int64   `json:"total_errors"`
	TotalRejected int64   `json:"total_rejected"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	PeakLatencyMs float64 `json:"peak_latency_ms"`
	ErrorRate     float64 `json:"error_rate"`
}
