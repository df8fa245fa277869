// Package perf correlates sends with receives and aggregates end-to-end
// latency, throughput and loss for one measurement run.
package perf

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drblury/relaybench/internal/runtime/correlation"
)

// Options configures an Aggregator.
type Options struct {
	TestRunID string
	// Expected is the number of messages the run intends to send.
	Expected int64
	// Store is shared with the send path. A fresh store is created when nil.
	Store *correlation.Store
	// Reporter receives every observation. Defaults to NopReporter.
	Reporter Reporter
}

// ReceiveResult describes how a receive was folded into the statistics.
type ReceiveResult struct {
	Status    correlation.LookupStatus
	LatencyMs int64
	// Negative is set when the receive timestamp precedes the send timestamp.
	Negative bool
	// Completed is set when this receive completed the run.
	Completed bool
	// Received is the matched receive count after this call.
	Received int64
}

// Aggregator is the per-run correlation and metrics engine. All methods are
// safe for concurrent use by one or more senders and receivers.
type Aggregator struct {
	runID    string
	expected int64
	store    *correlation.Store
	reporter Reporter

	state    atomic.Int32
	done     chan struct{}
	doneOnce sync.Once

	sent              atomic.Int64
	received          atomic.Int64
	duplicates        atomic.Int64
	unmatched         atomic.Int64
	negativeLatencies atomic.Int64
	untrackedLive     atomic.Int64

	latencySum atomic.Int64
	minLatency atomic.Int64
	maxLatency atomic.Int64

	firstReceived atomic.Int64
	lastReceived  atomic.Int64

	latencies *latencyDistribution

	finalizeOnce sync.Once
	final        Snapshot
}

const unsetTimestamp = math.MinInt64

// New returns an idle aggregator.
func New(opts Options) *Aggregator {
	store := opts.Store
	if store == nil {
		store = correlation.NewStore()
	}
	reporter := opts.Reporter
	if reporter == nil {
		reporter = NopReporter{}
	}

	a := &Aggregator{
		runID:     opts.TestRunID,
		expected:  opts.Expected,
		store:     store,
		reporter:  reporter,
		done:      make(chan struct{}),
		latencies: newLatencyDistribution(),
	}
	a.minLatency.Store(math.MaxInt64)
	a.maxLatency.Store(math.MinInt64)
	a.firstReceived.Store(unsetTimestamp)
	a.lastReceived.Store(unsetTimestamp)
	return a
}

// TestRunID returns the run this aggregator measures.
func (a *Aggregator) TestRunID() string { return a.runID }

// Expected returns the number of messages the run expects.
func (a *Aggregator) Expected() int64 { return a.expected }

// Store returns the correlation store shared with the send path.
func (a *Aggregator) Store() *correlation.Store { return a.store }

// State returns the current lifecycle state.
func (a *Aggregator) State() State { return State(a.state.Load()) }

// Done is closed when the run reaches Completed.
func (a *Aggregator) Done() <-chan struct{} { return a.done }

// RecordSend stores the send timestamp for id and moves an idle run to
// Running. It fails when id was already sent.
func (a *Aggregator) RecordSend(id string, sendTimestampMs int64) error {
	if err := a.store.Put(id, sendTimestampMs); err != nil {
		return err
	}
	a.sent.Add(1)
	a.state.CompareAndSwap(int32(Idle), int32(Running))
	a.reporter.MessageSent()
	return nil
}

// RecordReceive matches id against the store and folds the latency
// receiveTimestampMs - sendTimestampMs into the statistics. Unknown ids and
// repeated receives are counted but never change the received count or the
// latency distribution. Negative latencies are kept as observed and take part
// in every statistic, percentiles included.
func (a *Aggregator) RecordReceive(id string, sendTimestampMs, receiveTimestampMs int64) ReceiveResult {
	_, status := a.store.Claim(id)
	res := ReceiveResult{Status: status}

	switch status {
	case correlation.Unknown:
		a.unmatched.Add(1)
		a.reporter.Unmatched()
		res.Received = a.received.Load()
		return res
	case correlation.Duplicate:
		a.duplicates.Add(1)
		a.reporter.Duplicate()
		res.Received = a.received.Load()
		return res
	}

	latency := receiveTimestampMs - sendTimestampMs
	res.LatencyMs = latency

	a.latencySum.Add(latency)
	storeMin(&a.minLatency, latency)
	storeMax(&a.maxLatency, latency)
	if latency < 0 {
		res.Negative = true
		a.negativeLatencies.Add(1)
		a.reporter.NegativeLatency(latency)
	}
	if err := a.latencies.Record(latency); err != nil {
		a.untrackedLive.Add(1)
	}

	a.firstReceived.CompareAndSwap(unsetTimestamp, receiveTimestampMs)
	storeMax(&a.lastReceived, receiveTimestampMs)

	res.Received = a.received.Add(1)
	a.reporter.MessageReceived(latency)

	if res.Received >= a.expected {
		res.Completed = a.complete()
	}
	return res
}

// IsComplete reports whether every expected message was received. The first
// true result moves the run to Completed and closes Done.
func (a *Aggregator) IsComplete() bool {
	if a.received.Load() < a.expected {
		return false
	}
	a.complete()
	return true
}

// complete performs the one-time transition to Completed and reports whether
// this call made it.
func (a *Aggregator) complete() bool {
	for {
		cur := a.state.Load()
		if cur == int32(Completed) {
			return false
		}
		if a.state.CompareAndSwap(cur, int32(Completed)) {
			a.doneOnce.Do(func() { close(a.done) })
			return true
		}
	}
}

// CompletionPercent is the share of expected messages received so far.
func (a *Aggregator) CompletionPercent() float64 {
	if a.expected <= 0 {
		return 100
	}
	return float64(a.received.Load()) * 100 / float64(a.expected)
}

// Snapshot returns a live view. Counters are read independently, so a view
// taken during a run may be slightly inconsistent across fields; each counter
// is monotonic.
func (a *Aggregator) Snapshot() Snapshot {
	s := a.snapshot(false)
	s.InFlight = a.store.Pending()
	return s
}

// Finalize computes the final report once: lost = expected - received
// (floored at zero), throughput over the receive window, average latency and
// exact percentiles over every matched latency. Remaining store entries are evicted and counted as orphaned.
// Later calls return the same snapshot.
func (a *Aggregator) Finalize() Snapshot {
	a.finalizeOnce.Do(func() {
		a.IsComplete()
		s := a.snapshot(true)
		s.Orphaned = a.store.Evict()
		s.Finalized = true
		a.final = s
		a.reporter.Finalized(s)
	})
	return a.final
}

// snapshot reads the counters. Final snapshots sort every sample for exact
// percentiles; live ones read the histograms.
func (a *Aggregator) snapshot(final bool) Snapshot {
	received := a.received.Load()
	s := Snapshot{
		TestRunID:         a.runID,
		State:             a.State(),
		Expected:          a.expected,
		Sent:              a.sent.Load(),
		Received:          received,
		Duplicates:        a.duplicates.Load(),
		Unmatched:         a.unmatched.Load(),
		NegativeLatencies: a.negativeLatencies.Load(),
		UntrackedLive:     a.untrackedLive.Load(),
		CompletionPercent: a.CompletionPercent(),
	}
	if lost := a.expected - received; lost > 0 {
		s.Lost = lost
	}

	if received == 0 {
		s.NoMessagesReceived = true
		return s
	}

	s.MinLatencyMs = a.minLatency.Load()
	s.MaxLatencyMs = a.maxLatency.Load()
	s.AvgLatencyMs = float64(a.latencySum.Load()) / float64(received)
	if final {
		s.Percentiles = a.latencies.Exact()
	} else {
		s.Percentiles = a.latencies.Live()
	}

	first, last := a.firstReceived.Load(), a.lastReceived.Load()
	if first != unsetTimestamp && last != unsetTimestamp {
		s.FirstReceivedAt = time.UnixMilli(first)
		s.LastReceivedAt = time.UnixMilli(last)
		s.ReceiveWindowMs = last - first
		if s.ReceiveWindowMs > 0 {
			s.ThroughputPerSec = float64(received) / (float64(s.ReceiveWindowMs) / 1000)
		}
	}
	return s
}

func storeMin(v *atomic.Int64, candidate int64) {
	for {
		cur := v.Load()
		if candidate >= cur || v.CompareAndSwap(cur, candidate) {
			return
		}
	}
}

func storeMax(v *atomic.Int64, candidate int64) {
	for {
		cur := v.Load()
		if candidate <= cur || v.CompareAndSwap(cur, candidate) {
			return
		}
	}
}
