package api

import (
	"sync"
	"time"
)

type metricPoint struct {
	ok         bool
	durationMS int64
}

// AlertThresholds tune when ShouldAlert fires for a metric.
type AlertThresholds struct {
	ErrorRate   float64
	AvgMs       int64
	MinInterval time.Duration
}

// Metrics keeps a bounded ring of samples per name for p-less operational
// visibility: count, error rate, and average latency over the window.
type Metrics struct {
	mu         sync.Mutex
	windowSize int
	points     map[string][]metricPoint
	lastAlert  map[string]time.Time
}

func NewMetrics(windowSize int) *Metrics {
	if windowSize <= 0 {
		windowSize = 200
	}
	return &Metrics{
		windowSize: windowSize,
		points:     map[string][]metricPoint{},
		lastAlert:  map[string]time.Time{},
	}
}

func (m *Metrics) Record(name string, ok bool, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket := append(m.points[name], metricPoint{ok: ok, durationMS: duration.Milliseconds()})
	if len(bucket) > m.windowSize {
		bucket = bucket[len(bucket)-m.windowSize:]
	}
	m.points[name] = bucket
}

// Snapshot aggregates every metric's window.
func (m *Metrics) Snapshot() map[string]map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]map[string]any{}
	for name, bucket := range m.points {
		if len(bucket) == 0 {
			continue
		}
		total, errors, sum := len(bucket), 0, int64(0)
		for _, point := range bucket {
			if !point.ok {
				errors++
			}
			sum += point.durationMS
		}
		out[name] = map[string]any{
			"count":      total,
			"errors":     errors,
			"error_rate": float64(errors) / float64(total),
			"avg_ms":     sum / int64(total),
		}
	}
	return out
}

// ShouldAlert reports whether a metric's window exceeds its thresholds,
// throttled to one alert per MinInterval.
func (m *Metrics) ShouldAlert(name string, thresholds AlertThresholds) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket := m.points[name]
	if len(bucket) < 5 {
		return false
	}
	errors, sum := 0, int64(0)
	for _, point := range bucket {
		if !point.ok {
			errors++
		}
		sum += point.durationMS
	}
	errorRate := float64(errors) / float64(len(bucket))
	avg := sum / int64(len(bucket))
	if errorRate < thresholds.ErrorRate && avg < thresholds.AvgMs {
		return false
	}
	if time.Since(m.lastAlert[name]) < thresholds.MinInterval {
		return false
	}
	m.lastAlert[name] = time.Now()
	return true
}
