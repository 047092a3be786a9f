package pubsub

import (
	"math"
	"time"

	"github.com/fluxgate/pubsub/internal/distribution"
)

// Histogram records ack latencies in logarithmically-sized buckets over
// [minHistogramDuration, maxHistogramDuration] and reports the
// percentile used to drive the next lease-extension deadline (spec §4.4).
type Histogram struct {
	dist *distribution.Distribution
	min  time.Duration
	max  time.Duration
}

const (
	minHistogramDuration = 10 * time.Second
	maxHistogramDuration = 600 * time.Second
	histogramBucketCount = 64
)

// NewHistogram returns a Histogram with the default [10s, 600s] range.
func NewHistogram() *Histogram {
	return &Histogram{
		dist: distribution.New(histogramBucketCount),
		min:  minHistogramDuration,
		max:  maxHistogramDuration,
	}
}

// bucketIndex maps a duration onto a logarithmic bucket in
// [0, histogramBucketCount-1].
func (h *Histogram) bucketIndex(d time.Duration) int {
	if d <= h.min {
		return 0
	}
	if d >= h.max {
		return histogramBucketCount - 1
	}
	ratio := math.Log(float64(d)/float64(h.min)) / math.Log(float64(h.max)/float64(h.min))
	idx := int(ratio * float64(histogramBucketCount-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= histogramBucketCount {
		idx = histogramBucketCount - 1
	}
	return idx
}

func (h *Histogram) bucketDuration(idx int) time.Duration {
	if idx <= 0 {
		return h.min
	}
	if idx >= histogramBucketCount-1 {
		return h.max
	}
	ratio := float64(idx) / float64(histogramBucketCount-1)
	seconds := float64(h.min) * math.Pow(float64(h.max)/float64(h.min), ratio)
	return time.Duration(seconds)
}

// Record adds one ack-latency sample.
func (h *Histogram) Record(d time.Duration) {
	h.dist.Record(h.bucketIndex(d))
}

// Percentile returns the p-th percentile ack latency (0 < p <= 1). With
// no recorded samples it returns the minimum duration.
func (h *Histogram) Percentile(p float64) time.Duration {
	if h.dist.Count() == 0 {
		return h.min
	}
	idx := int(h.dist.Percentile(p))
	return h.bucketDuration(idx)
}

// TargetDeadline clamps Percentile(0.99) into [minAckDeadline, maxAckDeadline]
// as described in spec §4.4.
func (h *Histogram) TargetDeadline(minAckDeadline, maxAckDeadline time.Duration) time.Duration {
	d := h.Percentile(0.99)
	if d < minAckDeadline {
		return minAckDeadline
	}
	if d > maxAckDeadline {
		return maxAckDeadline
	}
	return d
}
