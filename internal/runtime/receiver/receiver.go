// Package receiver consumes relayed messages from the egress topic and feeds
// their end-to-end latency into the run aggregator.
package receiver

import (
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/relaybench/internal/runtime/correlation"
	loggingpkg "github.com/drblury/relaybench/internal/runtime/logging"
	metadatapkg "github.com/drblury/relaybench/internal/runtime/metadata"
	"github.com/drblury/relaybench/internal/runtime/perf"
)

// DefaultProgressEvery is how often matched receives are logged.
const DefaultProgressEvery = 1000

// Recorder is the receive side of perf.Aggregator.
type Recorder interface {
	TestRunID() string
	RecordReceive(id string, sendTimestampMs, receiveTimestampMs int64) perf.ReceiveResult
	CompletionPercent() float64
}

// Status classifies a single receive.
type Status int

const (
	// Recorded means the receive matched a send and was folded into the run.
	Recorded Status = iota
	Duplicate
	Unmatched
	// ForeignRun means the message carried another run's id and was skipped.
	ForeignRun
	MissingHeaders
	InvalidTimestamp
)

var statusNames = map[Status]string{
	Recorded:         "recorded",
	Duplicate:        "duplicate",
	Unmatched:        "unmatched",
	ForeignRun:       "foreign_run",
	MissingHeaders:   "missing_headers",
	InvalidTimestamp: "invalid_timestamp",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Outcome reports what Handle did with a message.
type Outcome struct {
	Status        Status
	CorrelationID string
	Receive       perf.ReceiveResult
}

// Options configures a Receiver.
type Options struct {
	Recorder Recorder
	Logger   loggingpkg.ServiceLogger
	// Now is the receive clock. Defaults to time.Now.
	Now           func() time.Time
	ProgressEvery int
}

// Receiver correlates relayed messages with their sends. Handle is safe for
// concurrent use and never blocks.
type Receiver struct {
	recorder      Recorder
	logger        loggingpkg.ServiceLogger
	now           func() time.Time
	progressEvery int64
}

// New returns a Receiver bound to opts.Recorder.
func New(opts Options) (*Receiver, error) {
	if opts.Recorder == nil {
		return nil, fmt.Errorf("receiver: recorder is required")
	}
	r := &Receiver{
		recorder:      opts.Recorder,
		logger:        loggingpkg.OrNop(opts.Logger).With(loggingpkg.LogFields{"test_run_id": opts.Recorder.TestRunID()}),
		now:           opts.Now,
		progressEvery: int64(opts.ProgressEvery),
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.progressEvery <= 0 {
		r.progressEvery = DefaultProgressEvery
	}
	return r, nil
}

// Handle processes one envelope received at receivedAt. Messages tagged with
// a different run id are ignored; an absent run id is accepted. Header
// problems are logged and reported in the outcome, never returned.
func (r *Receiver) Handle(env metadatapkg.Envelope, receivedAt time.Time) Outcome {
	if runID, ok := env.Headers.Get(metadatapkg.KeyTestRunID); ok && runID != r.recorder.TestRunID() {
		r.logger.Trace("Ignoring message from different test run", loggingpkg.LogFields{"message_run_id": runID})
		return Outcome{Status: ForeignRun}
	}

	corr, err := metadatapkg.ParseCorrelation(env.Headers)
	if err != nil {
		var invalid *metadatapkg.InvalidTimestampError
		if errors.As(err, &invalid) {
			r.logger.Warn("Invalid sendTimestamp header", loggingpkg.LogFields{"value": invalid.Value, "error": err.Error()})
			return Outcome{Status: InvalidTimestamp}
		}
		r.logger.Warn("Message missing required headers", loggingpkg.LogFields{"error": err.Error()})
		return Outcome{Status: MissingHeaders}
	}

	res := r.recorder.RecordReceive(corr.ID, corr.SendTimestampMs, receivedAt.UnixMilli())
	out := Outcome{CorrelationID: corr.ID, Receive: res}

	switch res.Status {
	case correlation.Duplicate:
		out.Status = Duplicate
		r.logger.Warn("Duplicate receive", loggingpkg.LogFields{"correlation_id": corr.ID})
		return out
	case correlation.Unknown:
		out.Status = Unmatched
		r.logger.Warn("Receive without matching send", loggingpkg.LogFields{"correlation_id": corr.ID})
		return out
	}

	out.Status = Recorded
	fields := loggingpkg.LogFields{"correlation_id": corr.ID, "latency_ms": res.LatencyMs}
	if res.Negative {
		r.logger.Warn("Negative end-to-end latency, clocks are skewed", fields)
	} else {
		r.logger.Trace("Received message", fields)
	}

	if res.Received%r.progressEvery == 0 {
		r.logger.Info("Receive progress", loggingpkg.LogFields{
			"received": res.Received,
			"percent":  fmt.Sprintf("%.1f", r.recorder.CompletionPercent()),
		})
	}
	if res.Completed {
		r.logger.Info("All messages received", loggingpkg.LogFields{
			"received": res.Received,
			"percent":  fmt.Sprintf("%.2f", r.recorder.CompletionPercent()),
		})
	}
	return out
}

// HandlerFunc adapts the receiver for a Watermill router. It acknowledges
// every message; receive problems surface in the run statistics instead.
func (r *Receiver) HandlerFunc() message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		r.Handle(metadatapkg.EnvelopeFromMessage(msg), r.now())
		return nil
	}
}
