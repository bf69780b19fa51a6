package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCounterAccumulatesDeltas(t *testing.T) {
	c := NewCollector()
	c.Counter("requests", 1)
	c.Counter("requests", 4)
	assert.Equal(t, int64(5), c.GetCounter("requests"))
	assert.Equal(t, int64(0), c.GetCounter("unknown"))
}

func TestGaugeHoldsLastValue(t *testing.T) {
	c := NewCollector()
	c.Gauge("connections", 3)
	c.Gauge("connections", 7)
	assert.Equal(t, int64(7), c.GetGauge("connections"))
}

func TestHistogramTracksRecordedValues(t *testing.T) {
	c := NewCollector()
	c.Histogram("latency_ms", 10)
	c.Histogram("latency_ms", 20)
	c.Histogram("latency_ms", 30)

	stats := c.GetHistogram("latency_ms")
	if assert.NotNil(t, stats) {
		assert.Equal(t, int64(3), stats.Count)
		assert.Equal(t, 10.0, stats.Min)
		assert.Equal(t, 30.0, stats.Max)
	}
	assert.Nil(t, c.GetHistogram("unknown"))
}

func TestSnapshotCollectsEveryMetricKind(t *testing.T) {
	c := NewCollector()
	c.Counter("ops", 2)
	c.Gauge("queue_depth", 5)
	c.Histogram("latency_ms", 1)

	snap := c.Snapshot()
	assert.Equal(t, int64(2), snap.Counters["ops"])
	assert.Equal(t, int64(5), snap.Gauges["queue_depth"])
	assert.Contains(t, snap.Histograms, "latency_ms")
}

func TestResetClearsAllMetrics(t *testing.T) {
	c := NewCollector()
	c.Counter("ops", 2)
	c.Gauge("queue_depth", 5)

	c.Reset()

	assert.Equal(t, int64(0), c.GetCounter("ops"))
	assert.Equal(t, int64(0), c.GetGauge("queue_depth"))
}
