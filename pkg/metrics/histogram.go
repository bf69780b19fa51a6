package metrics

import "sync"

// Histogram accumulates observed values and reports running count, sum,
// min/max, and a coarse latency-bucket distribution, without retaining
// the individual samples.
type Histogram struct {
	mu      sync.Mutex
	count   int64
	sum     float64
	min     float64
	max     float64
	buckets []int64 // len(histogramBounds)+1, the last slot is overflow
}

// histogramBounds are the upper bounds (inclusive) of each bucket below
// the overflow bucket, tuned for millisecond-scale request latencies.
var histogramBounds = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

// NewHistogram creates an empty histogram.
func NewHistogram() *Histogram {
	return &Histogram{buckets: make([]int64, len(histogramBounds)+1)}
}

// Record observes value.
func (h *Histogram) Record(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.count == 0 {
		h.min = value
		h.max = value
	} else if value < h.min {
		h.min = value
	} else if value > h.max {
		h.max = value
	}
	h.count++
	h.sum += value

	for i, bound := range histogramBounds {
		if value <= bound {
			h.buckets[i]++
			return
		}
	}
	h.buckets[len(histogramBounds)]++
}

// Stats returns a snapshot of the histogram's running aggregates.
func (h *Histogram) Stats() *HistogramStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	mean := 0.0
	if h.count > 0 {
		mean = h.sum / float64(h.count)
	}
	buckets := make(map[float64]int64, len(histogramBounds))
	for i, bound := range histogramBounds {
		buckets[bound] = h.buckets[i]
	}
	return &HistogramStats{
		Count:       h.count,
		Sum:         h.sum,
		Min:         h.min,
		Max:         h.max,
		Mean:        mean,
		Buckets:     buckets,
		OverflowOut: h.buckets[len(histogramBounds)],
	}
}

// HistogramStats is a point-in-time summary of a Histogram. Buckets
// maps each bound to the count of observations at or below it;
// OverflowOut counts observations above the largest bound.
type HistogramStats struct {
	Count       int64
	Sum         float64
	Min         float64
	Max         float64
	Mean        float64
	Buckets     map[float64]int64
	OverflowOut int64
}
