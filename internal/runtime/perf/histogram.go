package perf

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/HdrHistogram/hdrhistogram-go"
)

const (
	histogramShards = 16
	// MaxLiveLatencyMs bounds the live histograms in either direction. Larger
	// magnitudes still count toward the final percentiles.
	MaxLiveLatencyMs = 7 * 24 * 3_600_000
	histogramSigFigs = 2
)

type distributionShard struct {
	mu      sync.Mutex
	samples []int64
	// positive holds latencies >= 0, negative the magnitudes of the rest.
	positive *hdrhistogram.Histogram
	negative *hdrhistogram.Histogram
}

// latencyDistribution keeps every matched latency for exact final
// percentiles, plus live histograms for cheap views during a run. Writers are
// spread over several small locks.
type latencyDistribution struct {
	shards [histogramShards]distributionShard
	next   atomic.Uint64
}

func newLiveHistogram() *hdrhistogram.Histogram {
	// 1ms resolution; values below 256ms are exact, larger ones within 1%.
	return hdrhistogram.New(1, MaxLiveLatencyMs, histogramSigFigs)
}

func newLatencyDistribution() *latencyDistribution {
	d := &latencyDistribution{}
	for i := range d.shards {
		d.shards[i].positive = newLiveHistogram()
		d.shards[i].negative = newLiveHistogram()
	}
	return d
}

// Record keeps latencyMs. The sample always reaches the exact distribution;
// an error means it could not be added to the live histograms.
func (d *latencyDistribution) Record(latencyMs int64) error {
	shard := &d.shards[d.next.Add(1)%histogramShards]
	shard.mu.Lock()
	defer shard.mu.Unlock()

	shard.samples = append(shard.samples, latencyMs)
	if latencyMs > MaxLiveLatencyMs || latencyMs < -MaxLiveLatencyMs {
		return fmt.Errorf("perf: latency %dms beyond the live range of %dms", latencyMs, MaxLiveLatencyMs)
	}
	if latencyMs >= 0 {
		return shard.positive.RecordValue(latencyMs)
	}
	return shard.negative.RecordValue(-latencyMs)
}

// Exact returns nearest-rank percentiles over every recorded sample.
func (d *latencyDistribution) Exact() Percentiles {
	var all []int64
	for i := range d.shards {
		shard := &d.shards[i]
		shard.mu.Lock()
		all = append(all, shard.samples...)
		shard.mu.Unlock()
	}
	slices.Sort(all)
	return exactPercentiles(all)
}

// Live returns percentiles from the merged live histograms.
func (d *latencyDistribution) Live() Percentiles {
	pos, neg := newLiveHistogram(), newLiveHistogram()
	for i := range d.shards {
		shard := &d.shards[i]
		shard.mu.Lock()
		pos.Merge(shard.positive)
		neg.Merge(shard.negative)
		shard.mu.Unlock()
	}
	return livePercentiles(pos, neg)
}

// Percentiles holds latency quantiles in milliseconds.
type Percentiles struct {
	P50 int64 `json:"p50Ms"`
	P95 int64 `json:"p95Ms"`
	P99 int64 `json:"p99Ms"`
}

// nearestRank is the 1-based rank of the q-th percentile among n samples.
func nearestRank(q, n int64) int64 {
	rank := (q*n + 99) / 100
	if rank < 1 {
		return 1
	}
	return rank
}

func exactPercentiles(sorted []int64) Percentiles {
	n := int64(len(sorted))
	if n == 0 {
		return Percentiles{}
	}
	at := func(q int64) int64 { return sorted[nearestRank(q, n)-1] }
	return Percentiles{P50: at(50), P95: at(95), P99: at(99)}
}

func livePercentiles(pos, neg *hdrhistogram.Histogram) Percentiles {
	negCount := neg.TotalCount()
	total := negCount + pos.TotalCount()
	if total == 0 {
		return Percentiles{}
	}
	at := func(q int64) int64 {
		rank := nearestRank(q, total)
		if rank <= negCount {
			// The rank-th smallest negative latency has the
			// (negCount-rank+1)-th smallest magnitude.
			return -valueAtRank(neg, negCount-rank+1)
		}
		return valueAtRank(pos, rank-negCount)
	}
	return Percentiles{P50: at(50), P95: at(95), P99: at(99)}
}

// valueAtRank walks the recorded buckets to the rank-th smallest value.
func valueAtRank(h *hdrhistogram.Histogram, rank int64) int64 {
	var seen int64
	for _, bar := range h.Distribution() {
		seen += bar.Count
		if seen >= rank {
			return bar.To
		}
	}
	return h.Max()
}
