package metadata

import (
	"fmt"
	"strconv"
)

// Header keys propagated end-to-end between the sender, the relay and the
// receiver. The names match what the MQ and Kafka sides already exchange.
const (
	KeyCorrelationID = "correlationId"
	KeySendTimestamp = "sendTimestamp"
	KeyTestRunID     = "testRunId"
)

// CorrelationKeys lists the headers the relay must carry across unchanged.
var CorrelationKeys = []string{KeyCorrelationID, KeySendTimestamp, KeyTestRunID}

// Correlation is the typed view of the correlation headers.
type Correlation struct {
	ID              string
	SendTimestampMs int64
	RunID           string
}

// Metadata renders the correlation as headers.
func (c Correlation) Metadata() Metadata {
	return Metadata{
		KeyCorrelationID: c.ID,
		KeySendTimestamp: strconv.FormatInt(c.SendTimestampMs, 10),
		KeyTestRunID:     c.RunID,
	}
}

// MissingCorrelationError reports which correlation headers were absent.
type MissingCorrelationError struct {
	Keys []string
}

func (e *MissingCorrelationError) Error() string {
	return fmt.Sprintf("missing correlation headers: %v", e.Keys)
}

// InvalidTimestampError reports a sendTimestamp header that is not an integer.
type InvalidTimestampError struct {
	Value string
	Err   error
}

func (e *InvalidTimestampError) Error() string {
	return fmt.Sprintf("invalid %s header %q: %v", KeySendTimestamp, e.Value, e.Err)
}

func (e *InvalidTimestampError) Unwrap() error { return e.Err }

// MissingCorrelationKeys returns the correlation headers absent from m, in
// declaration order.
func (m Metadata) MissingCorrelationKeys() []string {
	var missing []string
	for _, key := range CorrelationKeys {
		if _, ok := m.Get(key); !ok {
			missing = append(missing, key)
		}
	}
	return missing
}

// ParseCorrelation extracts the correlation headers. The run id is optional;
// the correlation id and send timestamp are required.
func ParseCorrelation(m Metadata) (Correlation, error) {
	id, hasID := m.Get(KeyCorrelationID)
	raw, hasTS := m.Get(KeySendTimestamp)
	if !hasID || !hasTS {
		var keys []string
		if !hasID {
			keys = append(keys, KeyCorrelationID)
		}
		if !hasTS {
			keys = append(keys, KeySendTimestamp)
		}
		return Correlation{}, &MissingCorrelationError{Keys: keys}
	}

	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return Correlation{}, &InvalidTimestampError{Value: raw, Err: err}
	}

	runID, _ := m.Get(KeyTestRunID)
	return Correlation{ID: id, SendTimestampMs: ts, RunID: runID}, nil
}
