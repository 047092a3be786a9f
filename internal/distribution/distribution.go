// Package distribution implements the fixed-width integer histogram used
// to track ack latencies and derive the next lease-extension deadline
// (spec §4.4). The call shape (Record/Percentile) mirrors the usage of
// cloud.google.com/go/pubsub/internal/distribution.D in the real
// streaming-pull iterator.
package distribution

import "sync"

// Distribution records non-negative integer samples into fixed-width
// buckets and reports percentiles with a stable rounding rule: the
// smallest bucket value v such that the fraction of samples <= v is >= p.
type Distribution struct {
	mu      sync.Mutex
	buckets []int32
	count   int64
}

// New returns a Distribution with numBuckets buckets, indexed 0..numBuckets-1,
// where bucket i holds the count of samples with value exactly i (samples
// beyond numBuckets-1 are clamped into the last bucket).
func New(numBuckets int) *Distribution {
	if numBuckets < 1 {
		numBuckets = 1
	}
	return &Distribution{buckets: make([]int32, numBuckets)}
}

// Record adds one sample with the given value (clamped to the
// distribution's range).
func (d *Distribution) Record(value int) {
	if value < 0 {
		value = 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if value >= len(d.buckets) {
		value = len(d.buckets) - 1
	}
	d.buckets[value]++
	d.count++
}

// Percentile returns the p-th percentile (0 < p <= 1) of recorded
// samples, or 0 if no samples have been recorded.
func (d *Distribution) Percentile(p float64) float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.count == 0 {
		return 0
	}
	target := p * float64(d.count)
	var cum int64
	for v, c := range d.buckets {
		cum += int64(c)
		if float64(cum) >= target {
			return float64(v)
		}
	}
	return float64(len(d.buckets) - 1)
}

// Count returns the number of samples recorded so far.
func (d *Distribution) Count() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.count
}
