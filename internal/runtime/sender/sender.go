// Package sender publishes generated payloads to the ingress queue and records
// each send for correlation.
package sender

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/relaybench/internal/runtime/errors"
	idspkg "github.com/drblury/relaybench/internal/runtime/ids"
	loggingpkg "github.com/drblury/relaybench/internal/runtime/logging"
	metadatapkg "github.com/drblury/relaybench/internal/runtime/metadata"
)

// DefaultProgressEvery is how often Run logs progress, in messages.
const DefaultProgressEvery = 1000

// Recorder stores the send timestamp of a correlation id. perf.Aggregator
// implements it.
type Recorder interface {
	RecordSend(id string, sendTimestampMs int64) error
}

// Source yields the correlation id and payload of each sequence number.
// generator.Generator implements it.
type Source interface {
	Next(seq int) (string, []byte, error)
}

// Options configures a Sender.
type Options struct {
	Publisher message.Publisher
	Queue     string
	TestRunID string
	Recorder  Recorder
	Logger    loggingpkg.ServiceLogger
	// Now is the send clock. Defaults to time.Now.
	Now func() time.Time
	// ProgressEvery defaults to DefaultProgressEvery.
	ProgressEvery int
	Tracer        trace.Tracer
}

// Sender publishes one message at a time; each Send blocks until the
// publisher returns. It performs no retries.
type Sender struct {
	publisher     message.Publisher
	queue         string
	runID         string
	recorder      Recorder
	logger        loggingpkg.ServiceLogger
	now           func() time.Time
	progressEvery int
	tracer        trace.Tracer
}

// RunResult summarises a send loop.
type RunResult struct {
	Sent       int           `json:"sent"`
	Duration   time.Duration `json:"duration"`
	Throughput float64       `json:"throughputPerSec"`
}

// New validates opts and returns a Sender.
func New(opts Options) (*Sender, error) {
	switch {
	case opts.Publisher == nil:
		return nil, errspkg.ErrPublisherRequired
	case opts.Queue == "":
		return nil, errspkg.ErrTopicRequired
	case opts.TestRunID == "":
		return nil, errspkg.ErrRunIDRequired
	case opts.Recorder == nil:
		return nil, errspkg.ErrRecorderRequired
	}

	s := &Sender{
		publisher:     opts.Publisher,
		queue:         opts.Queue,
		runID:         opts.TestRunID,
		recorder:      opts.Recorder,
		logger:        loggingpkg.OrNop(opts.Logger),
		now:           opts.Now,
		progressEvery: opts.ProgressEvery,
		tracer:        opts.Tracer,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.progressEvery <= 0 {
		s.progressEvery = DefaultProgressEvery
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer("relaybench/sender")
	}
	return s, nil
}

// Send captures the send time, records it, then publishes payload to the
// ingress queue with the correlation headers. The record happens first so a
// fast receive can never race ahead of its send entry.
func (s *Sender) Send(ctx context.Context, payload []byte, corrID string) error {
	if corrID == "" {
		return errspkg.ErrCorrelationRequired
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	sentAt := s.now()
	sendMs := sentAt.UnixMilli()
	if err := s.recorder.RecordSend(corrID, sendMs); err != nil {
		return fmt.Errorf("sender: record %s: %w", corrID, err)
	}

	ctx, span := s.tracer.Start(ctx, "relaybench.send",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", s.queue),
			attribute.String("relaybench.correlation_id", corrID),
			attribute.String("relaybench.test_run_id", s.runID),
			attribute.Int("messaging.message.body.size", len(payload)),
		),
	)
	defer span.End()

	msg := message.NewMessage(idspkg.CreateULIDAt(sentAt), payload)
	msg.Metadata = metadatapkg.ToWatermill(metadatapkg.Correlation{
		ID:              corrID,
		SendTimestampMs: sendMs,
		RunID:           s.runID,
	}.Metadata())
	msg.SetContext(ctx)

	if err := s.publisher.Publish(s.queue, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return fmt.Errorf("sender: publish %s to %s: %w", corrID, s.queue, err)
	}
	return nil
}

// Run sends count messages from source in sequence, starting at zero. It
// stops at the first error or when ctx is cancelled and reports what was sent
// up to that point.
func (s *Sender) Run(ctx context.Context, source Source, count int) (RunResult, error) {
	log := s.logger.With(loggingpkg.LogFields{"test_run_id": s.runID, "queue": s.queue})
	log.Info("Beginning performance run", loggingpkg.LogFields{"message_count": count})

	start := s.now()
	var res RunResult
	finish := func() RunResult {
		res.Duration = s.now().Sub(start)
		if secs := res.Duration.Seconds(); secs > 0 {
			res.Throughput = float64(res.Sent) / secs
		}
		return res
	}

	for seq := 0; seq < count; seq++ {
		corrID, payload, err := source.Next(seq)
		if err != nil {
			return finish(), fmt.Errorf("sender: generate message %d: %w", seq, err)
		}
		if err := s.Send(ctx, payload, corrID); err != nil {
			return finish(), err
		}
		res.Sent++

		if res.Sent%s.progressEvery == 0 {
			log.Info("Send progress", loggingpkg.LogFields{
				"sent":    res.Sent,
				"total":   count,
				"percent": fmt.Sprintf("%.1f", float64(res.Sent)*100/float64(count)),
			})
		}
	}

	out := finish()
	log.Info("Send loop completed", loggingpkg.LogFields{
		"sent":             out.Sent,
		"duration":         out.Duration.String(),
		"throughput_per_s": fmt.Sprintf("%.2f", out.Throughput),
	})
	return out, nil
}
