package relay

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records relay activity. Implementations must be safe for
// concurrent use.
type Metrics interface {
	MessageReceived()
	MessageForwarded(elapsed time.Duration)
	MessageFailed()
	DecodeFailed()
	RecordAnomaly(kind string)
}

// NopMetrics discards everything.
type NopMetrics struct{}

func (NopMetrics) MessageReceived()               {}
func (NopMetrics) MessageForwarded(time.Duration) {}
func (NopMetrics) MessageFailed()                 {}
func (NopMetrics) DecodeFailed()                  {}
func (NopMetrics) RecordAnomaly(string)           {}

var relayLabels = []string{"queue", "topic"}

// PrometheusMetrics exports relay counters and processing time under the
// relaybench_relay namespace.
type PrometheusMetrics struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool
	labels     prometheus.Labels

	received       *prometheus.CounterVec
	forwarded      *prometheus.CounterVec
	failed         *prometheus.CounterVec
	decodeFailures *prometheus.CounterVec
	anomalies      *prometheus.CounterVec
	processing     *prometheus.HistogramVec
}

func newRelayCounterVec(name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "relaybench",
			Subsystem: "relay",
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// NewPrometheusMetrics creates the collectors for the queue to topic route.
// A nil registerer uses prometheus.DefaultRegisterer. Call Register before
// use.
func NewPrometheusMetrics(registerer prometheus.Registerer, queue, topic string) *PrometheusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &PrometheusMetrics{
		registerer:     registerer,
		labels:         prometheus.Labels{"queue": queue, "topic": topic},
		received:       newRelayCounterVec("messages_received_total", "Messages consumed from the ingress queue", relayLabels),
		forwarded:      newRelayCounterVec("messages_forwarded_total", "Messages handed to the egress topic", relayLabels),
		failed:         newRelayCounterVec("messages_failed_total", "Messages the relay could not transform", relayLabels),
		decodeFailures: newRelayCounterVec("decode_failures_total", "Payloads that did not decode as transaction records", relayLabels),
		anomalies:      newRelayCounterVec("record_anomalies_total", "Soft anomalies found while decoding transaction records", append([]string{"kind"}, relayLabels...)),
		processing: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "relaybench",
				Subsystem: "relay",
				Name:      "processing_seconds",
				Help:      "Time spent forwarding one message",
				Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 16),
			},
			relayLabels,
		),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *PrometheusMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	var err error
	for _, c := range []**prometheus.CounterVec{&m.received, &m.forwarded, &m.failed, &m.decodeFailures, &m.anomalies} {
		if *c, err = registerOrAdopt(m.registerer, *c); err != nil {
			return err
		}
	}
	if m.processing, err = registerOrAdopt(m.registerer, m.processing); err != nil {
		return err
	}

	m.registered = true
	return nil
}

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

func (m *PrometheusMetrics) MessageReceived() {
	m.received.With(m.labels).Inc()
}

func (m *PrometheusMetrics) MessageForwarded(elapsed time.Duration) {
	m.forwarded.With(m.labels).Inc()
	m.processing.With(m.labels).Observe(elapsed.Seconds())
}

func (m *PrometheusMetrics) MessageFailed() {
	m.failed.With(m.labels).Inc()
}

func (m *PrometheusMetrics) DecodeFailed() {
	m.decodeFailures.With(m.labels).Inc()
}

func (m *PrometheusMetrics) RecordAnomaly(kind string) {
	m.anomalies.With(prometheus.Labels{"kind": kind, "queue": m.labels["queue"], "topic": m.labels["topic"]}).Inc()
}
