package observability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingMetrics struct {
	counters   int
	histograms int
	gauges     int
}

func (m *recordingMetrics) IncCounter(string, float64, map[string]string)       { m.counters++ }
func (m *recordingMetrics) ObserveHistogram(string, float64, map[string]string) { m.histograms++ }
func (m *recordingMetrics) SetGauge(string, float64, map[string]string)         { m.gauges++ }

func TestMetricsOverrides(t *testing.T) {
	recorder := new(recordingMetrics)
	SetMetrics(recorder)
	t.Cleanup(func() { SetMetrics(nil) })

	metrics := Telemetry()
	metrics.IncCounter("events", 1, nil)
	metrics.ObserveHistogram("latency", 2, nil)
	metrics.SetGauge("depth", 3, nil)

	require.Equal(t, 1, recorder.counters)
	require.Equal(t, 1, recorder.histograms)
	require.Equal(t, 1, recorder.gauges)

	SetMetrics(nil)
	Telemetry().IncCounter("noop", 1, nil)
	require.Equal(t, 1, recorder.counters)
}

func TestDestinationMetricsSnapshot(t *testing.T) {
	base := time.Date(2026, time.March, 3, 10, 15, 0, 0, time.UTC)
	metrics := NewDestinationMetrics(24)
	metrics.now = func() time.Time { return base }

	metrics.RecordSuccess("twitter", 100*time.Millisecond)
	metrics.RecordSuccess("twitter", 300*time.Millisecond)
	metrics.RecordFailure("twitter", 200*time.Millisecond)
	metrics.RecordFailure("bluesky", 50*time.Millisecond)

	snapshot := metrics.Snapshot()
	bucket := snapshot[base.Truncate(time.Hour).Format(time.RFC3339)]
	require.NotNil(t, bucket)

	twitter := bucket["twitter"]
	require.Equal(t, 2, twitter.Successes)
	require.Equal(t, 1, twitter.Failures)
	require.Equal(t, 3, twitter.Total)
	require.Equal(t, 200*time.Millisecond, twitter.AvgExecTime)

	bluesky := bucket["bluesky"]
	require.Equal(t, 1, bluesky.Failures)
	require.Equal(t, 0, bluesky.Successes)
}

func TestDestinationMetricsEvictsOldBuckets(t *testing.T) {
	base := time.Date(2026, time.March, 3, 0, 0, 0, 0, time.UTC)
	current := base
	metrics := NewDestinationMetrics(2)
	metrics.now = func() time.Time { return current }

	for i := 0; i < 4; i++ {
		metrics.RecordSuccess("twitter", time.Millisecond)
		current = current.Add(time.Hour)
	}

	snapshot := metrics.Snapshot()
	require.Len(t, snapshot, 2)
	_, hasOldest := snapshot[base.Format(time.RFC3339)]
	require.False(t, hasOldest)
}
