package receiver

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	loggingpkg "github.com/drblury/relaybench/internal/runtime/logging"
	metadatapkg "github.com/drblury/relaybench/internal/runtime/metadata"
	"github.com/drblury/relaybench/internal/runtime/perf"
)

func newAggregator(t *testing.T, expected int64, ids ...string) *perf.Aggregator {
	t.Helper()
	agg := perf.New(perf.Options{TestRunID: "run-1", Expected: expected})
	for _, id := range ids {
		require.NoError(t, agg.RecordSend(id, 1_000))
	}
	return agg
}

func envelope(pairs ...string) metadatapkg.Envelope {
	return metadatapkg.Envelope{Payload: []byte("payload"), Headers: metadatapkg.New(pairs...)}
}

func newReceiver(t *testing.T, agg *perf.Aggregator, buf *bytes.Buffer) *Receiver {
	t.Helper()
	var log loggingpkg.ServiceLogger
	if buf != nil {
		log = loggingpkg.NewSlogServiceLogger(slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: loggingpkg.LevelTrace})))
	}
	r, err := New(Options{Recorder: agg, Logger: log})
	require.NoError(t, err)
	return r
}

func TestNewRequiresRecorder(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestHandleRecordsLatency(t *testing.T) {
	agg := newAggregator(t, 2, "a", "b")
	r := newReceiver(t, agg, nil)

	out := r.Handle(envelope(
		metadatapkg.KeyCorrelationID, "a",
		metadatapkg.KeySendTimestamp, "1000",
		metadatapkg.KeyTestRunID, "run-1",
	), time.UnixMilli(1_250))

	assert.Equal(t, Recorded, out.Status)
	assert.Equal(t, "a", out.CorrelationID)
	assert.Equal(t, int64(250), out.Receive.LatencyMs)
	assert.False(t, out.Receive.Completed)

	snap := agg.Snapshot()
	assert.Equal(t, int64(1), snap.Received)
	assert.Equal(t, int64(250), snap.MinLatencyMs)
}

func TestHandleAcceptsMissingRunID(t *testing.T) {
	agg := newAggregator(t, 1, "a")
	r := newReceiver(t, agg, nil)

	out := r.Handle(envelope(
		metadatapkg.KeyCorrelationID, "a",
		metadatapkg.KeySendTimestamp, "1000",
	), time.UnixMilli(1_010))

	assert.Equal(t, Recorded, out.Status)
	assert.True(t, out.Receive.Completed)
	assert.Equal(t, perf.Completed, agg.State())
}

func TestHandleIgnoresForeignRun(t *testing.T) {
	agg := newAggregator(t, 1, "a")
	r := newReceiver(t, agg, nil)

	out := r.Handle(envelope(
		metadatapkg.KeyCorrelationID, "a",
		metadatapkg.KeySendTimestamp, "1000",
		metadatapkg.KeyTestRunID, "other-run",
	), time.UnixMilli(1_010))

	assert.Equal(t, ForeignRun, out.Status)
	snap := agg.Snapshot()
	assert.Zero(t, snap.Received)
	assert.Zero(t, snap.Unmatched)
}

func TestHandleMissingHeadersIsLogged(t *testing.T) {
	var buf bytes.Buffer
	agg := newAggregator(t, 1, "a")
	r := newReceiver(t, agg, &buf)

	out := r.Handle(envelope(metadatapkg.KeyCorrelationID, "a"), time.UnixMilli(1_010))

	assert.Equal(t, MissingHeaders, out.Status)
	assert.Contains(t, buf.String(), "Message missing required headers")
	assert.Zero(t, agg.Snapshot().Received)
}

func TestHandleInvalidTimestamp(t *testing.T) {
	var buf bytes.Buffer
	agg := newAggregator(t, 1, "a")
	r := newReceiver(t, agg, &buf)

	out := r.Handle(envelope(
		metadatapkg.KeyCorrelationID, "a",
		metadatapkg.KeySendTimestamp, "yesterday",
	), time.UnixMilli(1_010))

	assert.Equal(t, InvalidTimestamp, out.Status)
	assert.Contains(t, buf.String(), "Invalid sendTimestamp header")
	assert.Contains(t, buf.String(), "yesterday")
}

func TestHandleDuplicateAndUnmatched(t *testing.T) {
	agg := newAggregator(t, 2, "a", "b")
	r := newReceiver(t, agg, nil)
	headers := []string{metadatapkg.KeyCorrelationID, "a", metadatapkg.KeySendTimestamp, "1000"}

	assert.Equal(t, Recorded, r.Handle(envelope(headers...), time.UnixMilli(1_100)).Status)
	assert.Equal(t, Duplicate, r.Handle(envelope(headers...), time.UnixMilli(1_200)).Status)
	assert.Equal(t, Unmatched, r.Handle(envelope(
		metadatapkg.KeyCorrelationID, "zzz",
		metadatapkg.KeySendTimestamp, "1000",
	), time.UnixMilli(1_200)).Status)

	snap := agg.Snapshot()
	assert.Equal(t, int64(1), snap.Received)
	assert.Equal(t, int64(1), snap.Duplicates)
	assert.Equal(t, int64(1), snap.Unmatched)
}

func TestHandleNegativeLatencyIsWarned(t *testing.T) {
	var buf bytes.Buffer
	agg := newAggregator(t, 1, "a")
	r := newReceiver(t, agg, &buf)

	out := r.Handle(envelope(
		metadatapkg.KeyCorrelationID, "a",
		metadatapkg.KeySendTimestamp, "1000",
	), time.UnixMilli(900))

	assert.Equal(t, Recorded, out.Status)
	assert.True(t, out.Receive.Negative)
	assert.Equal(t, int64(-100), out.Receive.LatencyMs)
	assert.Contains(t, buf.String(), "Negative end-to-end latency")
}

func TestHandlerFuncNeverFails(t *testing.T) {
	agg := newAggregator(t, 1, "a")
	r := newReceiver(t, agg, nil)
	h := r.HandlerFunc()

	good := message.NewMessage("1", []byte("x"))
	good.Metadata.Set(metadatapkg.KeyCorrelationID, "a")
	good.Metadata.Set(metadatapkg.KeySendTimestamp, "1000")
	require.NoError(t, h(good))

	require.NoError(t, h(message.NewMessage("2", []byte("no headers"))))
	require.NoError(t, h(nil))
	assert.Equal(t, int64(1), agg.Snapshot().Received)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "recorded", Recorded.String())
	assert.Equal(t, "foreign_run", ForeignRun.String())
	assert.Equal(t, "status(42)", Status(42).String())
}
