package codec

import (
	"strings"
	"unicode/utf8"
)

// Encode renders rec in wire layout: strings left-justified and space padded,
// the amount as zero-padded minor units, the transmission datetime as
// MMddHHmmss, then the additional data verbatim.
func Encode(rec *TransactionRecord) (string, error) {
	if rec == nil {
		return "", &InvalidFieldError{Field: "record", Reason: "record is nil"}
	}

	var b strings.Builder
	b.Grow(FixedWidth + len(rec.AdditionalData))

	values := rec.values()
	for i, f := range layout {
		var value string
		switch f.Name {
		case FieldTransactionAmount:
			amount, err := encodeAmount(rec, f.Width)
			if err != nil {
				return "", err
			}
			value = amount
		case FieldTransmissionDateTime:
			value = rec.TransmissionDateTime.Format(transmissionLayout)
		default:
			value = values[i]
		}

		n := utf8.RuneCountInString(value)
		if n > f.Width {
			return "", &FieldOverflowError{Field: f.Name, Width: f.Width, Value: value}
		}
		b.WriteString(value)
		b.WriteString(strings.Repeat(" ", f.Width-n))
	}
	b.WriteString(rec.AdditionalData)

	return b.String(), nil
}

func encodeAmount(rec *TransactionRecord, width int) (string, error) {
	amount := rec.TransactionAmount
	if amount.IsNegative() {
		return "", &InvalidFieldError{Field: FieldTransactionAmount, Reason: "amount is negative"}
	}
	cents := amount.Shift(2)
	if !cents.IsInteger() {
		return "", &InvalidFieldError{Field: FieldTransactionAmount, Reason: "amount has more than two decimal places"}
	}
	digits := cents.String()
	if len(digits) > width {
		return "", &FieldOverflowError{Field: FieldTransactionAmount, Width: width, Value: digits}
	}
	return strings.Repeat("0", width-len(digits)) + digits, nil
}
