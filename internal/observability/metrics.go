package observability

import (
	"sort"
	"sync"
	"time"
)

// MetricType categorizes what is being measured.
type MetricType string

const (
	MetricDeploys        MetricType = "deploys"
	MetricPromotions     MetricType = "promotions"
	MetricFailedTests    MetricType = "failed_tests"
	MetricExtensions     MetricType = "extensions"
	MetricSweepLatency   MetricType = "sweep_latency_ms"
	MetricUpstreamErrors MetricType = "upstream_errors"
	MetricCallsFetched   MetricType = "calls_fetched"
)

// MetricPoint is a single recorded data point.
type MetricPoint struct {
	Type      MetricType `json:"type"`
	Value     float64    `json:"value"`
	Labels    Labels     `json:"labels,omitempty"` // e.g., {"test_id": "..."}
	Timestamp time.Time  `json:"timestamp"`
}

// Labels are key-value metadata on a metric.
type Labels map[string]string

// MetricsCollector collects in-memory metrics with a rolling window.
type MetricsCollector struct {
	mu       sync.RWMutex
	points   []MetricPoint
	maxSize  int // Ring buffer capacity
	counters map[string]int64
}

// NewMetricsCollector creates a collector with a max ring buffer size.
func NewMetricsCollector(maxSize int) *MetricsCollector {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &MetricsCollector{
		points:   make([]MetricPoint, 0, maxSize),
		maxSize:  maxSize,
		counters: make(map[string]int64),
	}
}

// Record adds a metric data point.
func (c *MetricsCollector) Record(mt MetricType, value float64, labels Labels) {
	c.mu.Lock()
	defer c.mu.Unlock()

	point := MetricPoint{
		Type:      mt,
		Value:     value,
		Labels:    labels,
		Timestamp: time.Now(),
	}

	if len(c.points) >= c.maxSize {
		// Shift left (drop oldest).
		copy(c.points, c.points[1:])
		c.points[len(c.points)-1] = point
	} else {
		c.points = append(c.points, point)
	}
}

// Increment increments a named counter.
func (c *MetricsCollector) Increment(name string) {
	c.IncrementBy(name, 1)
}

// IncrementBy increments a named counter by n.
func (c *MetricsCollector) IncrementBy(name string, n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[name] += n
}

// Counter returns the current value of a counter.
func (c *MetricsCollector) Counter(name string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counters[name]
}

// Query returns metric points matching type and optional time window.
// If since is zero, returns all points of this type.
func (c *MetricsCollector) Query(mt MetricType, since time.Time) []MetricPoint {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var result []MetricPoint
	for _, p := range c.points {
		if p.Type != mt {
			continue
		}
		if !since.IsZero() && p.Timestamp.Before(since) {
			continue
		}
		result = append(result, p)
	}
	return result
}

// Summary aggregates points of a type: count, sum, mean, p50, p95.
func (c *MetricsCollector) Summary(mt MetricType, since time.Time) MetricSummary {
	points := c.Query(mt, since)
	if len(points) == 0 {
		return MetricSummary{Type: mt}
	}

	values := make([]float64, len(points))
	sum := 0.0
	for i, p := range points {
		values[i] = p.Value
		sum += p.Value
	}
	sort.Float64s(values)

	return MetricSummary{
		Type:  mt,
		Count: len(values),
		Sum:   sum,
		Mean:  sum / float64(len(values)),
		P50:   percentile(values, 0.50),
		P95:   percentile(values, 0.95),
	}
}

// MetricSummary is an aggregate over recorded points.
type MetricSummary struct {
	Type  MetricType `json:"type"`
	Count int        `json:"count"`
	Sum   float64    `json:"sum"`
	Mean  float64    `json:"mean"`
	P50   float64    `json:"p50"`
	P95   float64    `json:"p95"`
}

// percentile assumes values is sorted ascending.
func percentile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return 0
	}
	idx := int(q * float64(len(values)-1))
	return values[idx]
}
