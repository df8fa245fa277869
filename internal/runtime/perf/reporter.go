package perf

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Reporter receives the aggregator's observations as they happen. It is the
// export seam for metrics backends. Implementations must be safe for
// concurrent use and must not block.
type Reporter interface {
	MessageSent()
	MessageReceived(latencyMs int64)
	NegativeLatency(latencyMs int64)
	Duplicate()
	Unmatched()
	Finalized(Snapshot)
}

// NopReporter discards every observation.
type NopReporter struct{}

func (NopReporter) MessageSent()          {}
func (NopReporter) MessageReceived(int64) {}
func (NopReporter) NegativeLatency(int64) {}
func (NopReporter) Duplicate()            {}
func (NopReporter) Unmatched()            {}
func (NopReporter) Finalized(Snapshot)    {}

// PrometheusReporter exports a run under the relaybench_perf namespace with
// test_run_id and queue labels.
type PrometheusReporter struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool
	labels     prometheus.Labels

	sentTotal       *prometheus.CounterVec
	receivedTotal   *prometheus.CounterVec
	duplicatesTotal *prometheus.CounterVec
	unmatchedTotal  *prometheus.CounterVec
	negativeTotal   *prometheus.CounterVec
	latency         *prometheus.HistogramVec

	lost       *prometheus.GaugeVec
	throughput *prometheus.GaugeVec
	completion *prometheus.GaugeVec
	latencyMs  *prometheus.GaugeVec
	status     *prometheus.GaugeVec
}

var perfLabels = []string{"test_run_id", "queue"}

func newPerfCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaybench",
			Subsystem: "perf",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newPerfGaugeVec(name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "relaybench",
			Subsystem: "perf",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewPrometheusReporter creates the collectors for one run. Call Register
// before use; a nil registerer means the default registry.
func NewPrometheusReporter(registerer prometheus.Registerer, testRunID, queue string) *PrometheusReporter {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &PrometheusReporter{
		registerer:      registerer,
		labels:          prometheus.Labels{"test_run_id": testRunID, "queue": queue},
		sentTotal:       newPerfCounterVec("messages_sent_total", "Messages sent to the ingress queue", perfLabels),
		receivedTotal:   newPerfCounterVec("messages_received_total", "Matched messages received from the egress topic", perfLabels),
		duplicatesTotal: newPerfCounterVec("duplicate_receives_total", "Receives for an already matched correlation id", perfLabels),
		unmatchedTotal:  newPerfCounterVec("unmatched_receives_total", "Receives whose correlation id was never sent", perfLabels),
		negativeTotal:   newPerfCounterVec("negative_latency_total", "Receives timestamped before their send (clock skew)", perfLabels),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "relaybench",
				Subsystem: "perf",
				Name:      "end_to_end_latency_ms",
				Help:      "End-to-end latency from send to receive in milliseconds",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 16),
			},
			perfLabels,
		),
		lost:       newPerfGaugeVec("messages_lost", "Expected messages never received, set at finalization", perfLabels),
		throughput: newPerfGaugeVec("throughput_messages_per_second", "Receive throughput over the receive window", perfLabels),
		completion: newPerfGaugeVec("completion_percent", "Share of expected messages received", perfLabels),
		latencyMs:  newPerfGaugeVec("latency_summary_ms", "Final latency statistics in milliseconds", append([]string{"stat"}, perfLabels...)),
		status:     newPerfGaugeVec("status", "1 when the run has been finalized", perfLabels),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (r *PrometheusReporter) Register() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.registered {
		return nil
	}

	var err error
	for _, c := range []**prometheus.CounterVec{&r.sentTotal, &r.receivedTotal, &r.duplicatesTotal, &r.unmatchedTotal, &r.negativeTotal} {
		if *c, err = registerOrAdopt(r.registerer, *c); err != nil {
			return err
		}
	}
	if r.latency, err = registerOrAdopt(r.registerer, r.latency); err != nil {
		return err
	}
	for _, g := range []**prometheus.GaugeVec{&r.lost, &r.throughput, &r.completion, &r.latencyMs, &r.status} {
		if *g, err = registerOrAdopt(r.registerer, *g); err != nil {
			return err
		}
	}

	r.registered = true
	return nil
}

// registerOrAdopt registers c. When an identical collector is already
// registered, for example by an earlier run sharing the registry, the existing
// collector is returned so every reporter writes to the exported series.
func registerOrAdopt[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
		if existing, ok := are.ExistingCollector.(T); ok {
			return existing, nil
		}
	}
	return c, err
}

func (r *PrometheusReporter) MessageSent() {
	r.sentTotal.With(r.labels).Inc()
}

func (r *PrometheusReporter) MessageReceived(latencyMs int64) {
	r.receivedTotal.With(r.labels).Inc()
	if latencyMs >= 0 {
		r.latency.With(r.labels).Observe(float64(latencyMs))
	}
}

func (r *PrometheusReporter) NegativeLatency(int64) {
	r.negativeTotal.With(r.labels).Inc()
}

func (r *PrometheusReporter) Duplicate() {
	r.duplicatesTotal.With(r.labels).Inc()
}

func (r *PrometheusReporter) Unmatched() {
	r.unmatchedTotal.With(r.labels).Inc()
}

func (r *PrometheusReporter) Finalized(s Snapshot) {
	r.lost.With(r.labels).Set(float64(s.Lost))
	r.throughput.With(r.labels).Set(s.ThroughputPerSec)
	r.completion.With(r.labels).Set(s.CompletionPercent)

	stats := map[string]float64{
		"min": float64(s.MinLatencyMs),
		"max": float64(s.MaxLatencyMs),
		"avg": s.AvgLatencyMs,
		"p50": float64(s.P50),
		"p95": float64(s.P95),
		"p99": float64(s.P99),
	}
	for stat, v := range stats {
		r.latencyMs.With(r.statLabels(stat)).Set(v)
	}
	r.status.With(r.labels).Set(1)
}

func (r *PrometheusReporter) statLabels(stat string) prometheus.Labels {
	out := prometheus.Labels{"stat": stat}
	for k, v := range r.labels {
		out[k] = v
	}
	return out
}
