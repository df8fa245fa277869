// Package relay forwards messages from the MQ ingress queue to the Kafka
// egress topic, carrying the correlation headers across unchanged.
package relay

import (
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/relaybench/internal/runtime/codec"
	idspkg "github.com/drblury/relaybench/internal/runtime/ids"
	loggingpkg "github.com/drblury/relaybench/internal/runtime/logging"
	metadatapkg "github.com/drblury/relaybench/internal/runtime/metadata"
)

// Transform converts an inbound payload into the outbound payload.
type Transform func(payload []byte) ([]byte, error)

// Identity returns the payload unchanged.
func Identity(payload []byte) ([]byte, error) { return payload, nil }

// Options configures a Forwarder.
type Options struct {
	// Transform defaults to Identity.
	Transform Transform
	Logger    loggingpkg.ServiceLogger
	// Metrics defaults to NopMetrics.
	Metrics Metrics
	// DecodeRecords decodes every payload as a transaction record for
	// inspection. Decode problems are logged and counted; the message is
	// forwarded regardless.
	DecodeRecords bool
	Decoder       codec.Decoder
	// Now is used to time each forward. Defaults to time.Now.
	Now func() time.Time
}

// Forwarder is the relay's single processing step.
type Forwarder struct {
	transform     Transform
	logger        loggingpkg.ServiceLogger
	metrics       Metrics
	decodeRecords bool
	decoder       codec.Decoder
	now           func() time.Time
}

// NewForwarder returns a Forwarder with defaults filled in.
func NewForwarder(opts Options) *Forwarder {
	f := &Forwarder{
		transform:     opts.Transform,
		logger:        loggingpkg.OrNop(opts.Logger),
		metrics:       opts.Metrics,
		decodeRecords: opts.DecodeRecords,
		decoder:       opts.Decoder,
		now:           opts.Now,
	}
	if f.transform == nil {
		f.transform = Identity
	}
	if f.metrics == nil {
		f.metrics = NopMetrics{}
	}
	if f.now == nil {
		f.now = time.Now
	}
	return f
}

// Forward applies the transform to the payload and copies every inbound
// header onto the outbound envelope. Missing correlation headers are logged
// and the message is still forwarded.
func (f *Forwarder) Forward(in metadatapkg.Envelope) (metadatapkg.Envelope, error) {
	start := f.now()
	f.metrics.MessageReceived()

	corrID, _ := in.Headers.Get(metadatapkg.KeyCorrelationID)
	log := f.logger
	if corrID != "" {
		log = log.With(loggingpkg.LogFields{"correlation_id": corrID})
	}
	if missing := in.Headers.MissingCorrelationKeys(); len(missing) > 0 {
		log.Debug("No correlation possible for this message", loggingpkg.LogFields{"missing_headers": missing})
	}

	if f.decodeRecords {
		f.inspect(log, in.Payload)
	}

	payload, err := f.transform(in.Payload)
	if err != nil {
		f.metrics.MessageFailed()
		return metadatapkg.Envelope{}, fmt.Errorf("relay: transform: %w", err)
	}

	out := metadatapkg.Envelope{Payload: payload, Headers: in.Headers.Clone()}
	if out.Headers == nil {
		out.Headers = metadatapkg.Metadata{}
	}
	f.metrics.MessageForwarded(f.now().Sub(start))
	return out, nil
}

func (f *Forwarder) inspect(log loggingpkg.ServiceLogger, payload []byte) {
	rec, err := f.decoder.DecodeBytes(payload)
	if err != nil {
		f.metrics.DecodeFailed()
		log.Warn("Payload is not a transaction record", loggingpkg.LogFields{"error": err.Error(), "payload_len": len(payload)})
		return
	}
	for _, a := range rec.Anomalies {
		f.metrics.RecordAnomaly(string(a.Kind))
		log.Warn("Transaction record anomaly", loggingpkg.LogFields{
			"field":  a.Field,
			"raw":    a.Raw,
			"reason": a.Reason,
		})
	}
	log.Trace("Decoded transaction record", loggingpkg.LogFields{
		"mti":    rec.MTI,
		"stan":   rec.STAN,
		"amount": rec.TransactionAmount.StringFixed(2),
	})
}

// Handler adapts the forwarder for a Watermill router: each consumed message
// produces exactly one message for the egress topic.
func (f *Forwarder) Handler() message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		out, err := f.Forward(metadatapkg.EnvelopeFromMessage(msg))
		if err != nil {
			return nil, err
		}
		outMsg := out.ToMessage(idspkg.CreateULID())
		outMsg.SetContext(msg.Context())
		return []*message.Message{outMsg}, nil
	}
}
