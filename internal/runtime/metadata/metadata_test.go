package metadata

import (
	"errors"
	"strconv"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloneDoesNotAlias(t *testing.T) {
	original := Metadata{"a": "1", "b": "2"}
	clone := original.Clone()
	clone["a"] = "changed"

	if original["a"] != "1" {
		t.Fatalf("expected original map to stay untouched, got %q", original["a"])
	}
	if len(clone) != len(original) {
		t.Fatalf("expected clone to have same size")
	}
}

func TestCloneEmpty(t *testing.T) {
	var m Metadata
	cloned := m.Clone()
	if cloned == nil {
		t.Fatal("expected non-nil map")
	}
	if len(cloned) != 0 {
		t.Fatal("expected empty map")
	}
}

func TestWithLeavesReceiverUntouched(t *testing.T) {
	base := Metadata{"foo": "bar"}
	enriched := base.With("baz", "qux")
	if _, ok := base["baz"]; ok {
		t.Fatalf("expected base map to remain unchanged")
	}
	if enriched["baz"] != "qux" || enriched["foo"] != "bar" {
		t.Fatalf("unexpected enriched map: %v", enriched)
	}
}

func TestNewPairs(t *testing.T) {
	md := New("key", "value", "another", "entry", "dangling")
	assert.Equal(t, Metadata{"key": "value", "another": "entry"}, md)
}

func TestGetTreatsEmptyAsMissing(t *testing.T) {
	md := Metadata{"a": "", "b": "x"}
	_, ok := md.Get("a")
	assert.False(t, ok)
	v, ok := md.Get("b")
	assert.True(t, ok)
	assert.Equal(t, "x", v)
}

func TestCorrelationRoundTrip(t *testing.T) {
	c := Correlation{ID: "run-1-0000000007", SendTimestampMs: 1_700_000_000_123, RunID: "run-1"}
	md := c.Metadata()

	assert.Equal(t, "run-1-0000000007", md[KeyCorrelationID])
	assert.Equal(t, strconv.FormatInt(1_700_000_000_123, 10), md[KeySendTimestamp])
	assert.Equal(t, "run-1", md[KeyTestRunID])
	assert.Empty(t, md.MissingCorrelationKeys())

	parsed, err := ParseCorrelation(md)
	require.NoError(t, err)
	assert.Equal(t, c, parsed)
}

func TestParseCorrelationMissingHeaders(t *testing.T) {
	_, err := ParseCorrelation(Metadata{KeyTestRunID: "run-1"})
	var missing *MissingCorrelationError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{KeyCorrelationID, KeySendTimestamp}, missing.Keys)

	assert.Equal(t,
		[]string{KeyCorrelationID, KeySendTimestamp},
		Metadata{KeyTestRunID: "run-1"}.MissingCorrelationKeys(),
	)
}

func TestParseCorrelationRunIDOptional(t *testing.T) {
	parsed, err := ParseCorrelation(Metadata{KeyCorrelationID: "c", KeySendTimestamp: "5"})
	require.NoError(t, err)
	assert.Equal(t, "", parsed.RunID)
	assert.Equal(t, int64(5), parsed.SendTimestampMs)
}

func TestParseCorrelationInvalidTimestamp(t *testing.T) {
	_, err := ParseCorrelation(Metadata{KeyCorrelationID: "c", KeySendTimestamp: "yesterday"})
	var invalid *InvalidTimestampError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "yesterday", invalid.Value)

	var numErr *strconv.NumError
	assert.True(t, errors.As(err, &numErr))
}

func TestToAndFromWatermill(t *testing.T) {
	md := Metadata{"source": "api"}
	wm := ToWatermill(md)
	if wm["source"] != "api" {
		t.Fatalf("expected watermill metadata to copy entries")
	}
	wm["source"] = "mutation"
	if md["source"] != "api" {
		t.Fatalf("expected original metadata to be immutable to watermill changes")
	}

	if len(ToWatermill(nil)) != 0 {
		t.Fatal("expected nil input to return empty metadata")
	}

	roundTrip := FromWatermill(message.Metadata{"event": "order"})
	if roundTrip["event"] != "order" {
		t.Fatalf("expected watermill metadata to convert back")
	}
}

func TestEnvelopeMessageConversion(t *testing.T) {
	msg := message.NewMessage("uuid-1", []byte("payload"))
	msg.Metadata.Set(KeyCorrelationID, "c-1")

	env := EnvelopeFromMessage(msg)
	assert.Equal(t, []byte("payload"), env.Payload)
	assert.Equal(t, "c-1", env.Headers[KeyCorrelationID])

	msg.Payload[0] = 'P'
	assert.Equal(t, byte('p'), env.Payload[0], "envelope must not alias the message payload")

	out := env.ToMessage("uuid-2")
	assert.Equal(t, "uuid-2", out.UUID)
	assert.Equal(t, "c-1", out.Metadata.Get(KeyCorrelationID))
	assert.Equal(t, []byte("payload"), []byte(out.Payload))

	empty := EnvelopeFromMessage(nil)
	assert.NotNil(t, empty.Headers)
	assert.Empty(t, empty.Payload)
}
