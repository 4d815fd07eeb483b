package observability

import (
	"sync"
	"time"
)

// Metrics provides counters, gauges, and histogram recording primitives.
type Metrics interface {
	IncCounter(name string, value float64, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

var defaultMetrics Metrics = noopMetrics{}

// SetMetrics overrides the global metrics implementation used by the system.
func SetMetrics(metrics Metrics) {
	if metrics == nil {
		defaultMetrics = noopMetrics{}
		return
	}
	defaultMetrics = metrics
}

// Telemetry returns the current global metrics collector.
func Telemetry() Metrics {
	return defaultMetrics
}

type noopMetrics struct{}

func (noopMetrics) IncCounter(string, float64, map[string]string)       {}
func (noopMetrics) ObserveHistogram(string, float64, map[string]string) {}
func (noopMetrics) SetGauge(string, float64, map[string]string)         {}

// DestinationHourStats captures publish counters for one destination within one hour bucket.
type DestinationHourStats struct {
	Successes     int           `json:"successes"`
	Failures      int           `json:"failures"`
	Total         int           `json:"total"`
	AvgExecTime   time.Duration `json:"avg_exec_time"`
	totalExecTime time.Duration
}

// DestinationMetricsSnapshot maps hour bucket (RFC3339, truncated) to per-destination stats.
type DestinationMetricsSnapshot map[string]map[string]DestinationHourStats

// DestinationMetrics accumulates per-destination publish counters in hourly buckets.
// Informational only; correctness never depends on these numbers.
type DestinationMetrics struct {
	mu        sync.Mutex
	retention int
	buckets   map[string]map[string]*DestinationHourStats
	order     []string
	now       func() time.Time
}

// NewDestinationMetrics constructs an accumulator retaining the given number of hour buckets.
func NewDestinationMetrics(retainHours int) *DestinationMetrics {
	if retainHours <= 0 {
		retainHours = 24
	}
	m := new(DestinationMetrics)
	m.retention = retainHours
	m.buckets = make(map[string]map[string]*DestinationHourStats)
	m.order = make([]string, 0, retainHours)
	m.now = time.Now
	return m
}

// RecordSuccess counts one successful publish with its execution duration.
func (m *DestinationMetrics) RecordSuccess(destination string, execTime time.Duration) {
	m.record(destination, execTime, true)
}

// RecordFailure counts one failed publish attempt with its execution duration.
func (m *DestinationMetrics) RecordFailure(destination string, execTime time.Duration) {
	m.record(destination, execTime, false)
}

func (m *DestinationMetrics) record(destination string, execTime time.Duration, success bool) {
	if destination == "" {
		return
	}
	key := m.now().UTC().Truncate(time.Hour).Format(time.RFC3339)
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket, ok := m.buckets[key]
	if !ok {
		bucket = make(map[string]*DestinationHourStats)
		m.buckets[key] = bucket
		m.order = append(m.order, key)
		m.evictLocked()
	}
	stats, ok := bucket[destination]
	if !ok {
		stats = new(DestinationHourStats)
		bucket[destination] = stats
	}
	stats.Total++
	if success {
		stats.Successes++
	} else {
		stats.Failures++
	}
	stats.totalExecTime += execTime
	stats.AvgExecTime = stats.totalExecTime / time.Duration(stats.Total)
}

func (m *DestinationMetrics) evictLocked() {
	for len(m.order) > m.retention {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.buckets, oldest)
	}
}

// Snapshot copies the current hourly counters for reporting.
func (m *DestinationMetrics) Snapshot() DestinationMetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := make(DestinationMetricsSnapshot, len(m.buckets))
	for key, bucket := range m.buckets {
		destStats := make(map[string]DestinationHourStats, len(bucket))
		for destination, stats := range bucket {
			destStats[destination] = *stats
		}
		snapshot[key] = destStats
	}
	return snapshot
}
