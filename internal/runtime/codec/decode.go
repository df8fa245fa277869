package codec

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
)

// Decoder decodes fixed-width records. The zero value uses the wall clock.
// Now supplies the year for transmission datetimes and the fallback time for
// malformed ones.
type Decoder struct {
	Now func() time.Time
}

var defaultDecoder Decoder

// Decode decodes raw with the wall clock.
func Decode(raw string) (*TransactionRecord, error) {
	return defaultDecoder.Decode(raw)
}

// DecodeBytes decodes a message payload with the wall clock. A nil or empty
// slice yields EmptyInputError.
func DecodeBytes(raw []byte) (*TransactionRecord, error) {
	return defaultDecoder.DecodeBytes(raw)
}

// DecodeBytes is Decode for message payloads.
func (d Decoder) DecodeBytes(raw []byte) (*TransactionRecord, error) {
	if len(raw) == 0 {
		return nil, &EmptyInputError{}
	}
	return d.Decode(string(raw))
}

// Decode consumes the fixed fields left to right, trimming each one, then
// treats whatever remains as additional data. Malformed amounts and datetimes
// are substituted and listed in the record's Anomalies instead of failing the
// decode.
func (d Decoder) Decode(raw string) (*TransactionRecord, error) {
	if raw == "" {
		return nil, &EmptyInputError{}
	}

	runes := []rune(raw)
	fields := make([]string, len(layout))
	for i, f := range layout {
		end := f.Offset + f.Width
		if end > len(runes) {
			return nil, &TruncatedRecordError{Field: f.Name, Expected: end, Actual: len(runes)}
		}
		fields[i] = strings.TrimSpace(string(runes[f.Offset:end]))
	}

	rec := &TransactionRecord{
		MTI:                      fields[0],
		PAN:                      fields[1],
		ProcessingCode:           fields[2],
		STAN:                     fields[5],
		LocalTransactionTime:     fields[6],
		LocalTransactionDate:     fields[7],
		MerchantType:             fields[8],
		AcquiringInstitutionCode: fields[9],
		RetrievalReferenceNumber: fields[10],
		AuthorizationIDResponse:  fields[11],
		ResponseCode:             fields[12],
		TerminalID:               fields[13],
		MerchantID:               fields[14],
		CurrencyCode:             fields[15],
	}
	if len(runes) > FixedWidth {
		rec.AdditionalData = strings.TrimSpace(string(runes[FixedWidth:]))
	}
	if at := firstInvalidRune(raw); at >= 0 {
		rec.Anomalies = append(rec.Anomalies, Anomaly{
			Kind:   EncodingAnomaly,
			Field:  fieldAt(at),
			Raw:    string(runes[at]),
			Reason: fmt.Sprintf("invalid UTF-8 at character %d", at),
		})
	}

	amount, err := parseAmount(fields[3])
	if err != nil {
		rec.Anomalies = append(rec.Anomalies, Anomaly{
			Kind:   AmountAnomaly,
			Field:  FieldTransactionAmount,
			Raw:    fields[3],
			Reason: err.Error(),
		})
		amount = decimal.Zero
	}
	rec.TransactionAmount = amount

	now := d.now()
	ts, err := parseTransmission(fields[4], now)
	if err != nil {
		rec.Anomalies = append(rec.Anomalies, Anomaly{
			Kind:   TransmissionTimeAnomaly,
			Field:  FieldTransmissionDateTime,
			Raw:    fields[4],
			Reason: err.Error(),
		})
		ts = now
	}
	rec.TransmissionDateTime = ts

	return rec, nil
}

// firstInvalidRune returns the character index of the first invalid UTF-8
// byte in s, or -1 when s is valid.
func firstInvalidRune(s string) int {
	if utf8.ValidString(s) {
		return -1
	}
	n := 0
	for i := 0; i < len(s); n++ {
		r, size := utf8.DecodeRuneInString(s[i:])
		if r == utf8.RuneError && size == 1 {
			return n
		}
		i += size
	}
	return -1
}

// fieldAt names the field holding the character at index at.
func fieldAt(at int) string {
	for _, f := range layout {
		if at < f.Offset+f.Width {
			return f.Name
		}
	}
	return FieldAdditionalData
}

func (d Decoder) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// parseAmount reads an unsigned count of minor units. Signs are rejected.
func parseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, fmt.Errorf("amount is blank")
	}
	cents, err := strconv.ParseUint(s, 10, 63)
	if err != nil {
		return decimal.Zero, fmt.Errorf("amount %q is not an unsigned integer", s)
	}
	return decimal.New(int64(cents), -2), nil
}

// parseTransmission reads MMddHHmmss in now's year and location. The year is
// not on the wire, so records sent across a year boundary decode into the
// wrong year.
func parseTransmission(s string, now time.Time) (time.Time, error) {
	if len(s) != len(transmissionLayout) {
		return time.Time{}, fmt.Errorf("transmission datetime %q must have %d digits", s, len(transmissionLayout))
	}
	var parts [5]int
	for i := range parts {
		v, err := strconv.Atoi(s[i*2 : i*2+2])
		if err != nil || s[i*2] < '0' || s[i*2] > '9' {
			return time.Time{}, fmt.Errorf("transmission datetime %q is not numeric", s)
		}
		parts[i] = v
	}
	month, day, hour, minute, second := parts[0], parts[1], parts[2], parts[3], parts[4]

	year := now.Year()
	switch {
	case month < 1 || month > 12:
		return time.Time{}, fmt.Errorf("month %02d out of range", month)
	case day < 1 || day > daysIn(time.Month(month), year):
		return time.Time{}, fmt.Errorf("day %02d out of range for month %02d", day, month)
	case hour > 23:
		return time.Time{}, fmt.Errorf("hour %02d out of range", hour)
	case minute > 59:
		return time.Time{}, fmt.Errorf("minute %02d out of range", minute)
	case second > 59:
		return time.Time{}, fmt.Errorf("second %02d out of range", second)
	}

	return time.Date(year, time.Month(month), day, hour, minute, second, 0, now.Location()), nil
}

func daysIn(m time.Month, year int) int {
	return time.Date(year, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
