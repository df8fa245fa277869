package codec

import "fmt"

// EmptyInputError is returned when there is nothing to decode.
type EmptyInputError struct{}

func (*EmptyInputError) Error() string {
	return "codec: record is empty"
}

// TruncatedRecordError is returned when the input ends inside a fixed field.
// Expected is the cumulative width up to and including Field; Actual is the
// input length in characters.
type TruncatedRecordError struct {
	Field    string
	Expected int
	Actual   int
}

func (e *TruncatedRecordError) Error() string {
	return fmt.Sprintf("codec: record too short for %s: expected at least %d characters, got %d", e.Field, e.Expected, e.Actual)
}

// FieldOverflowError is returned by Encode when a value does not fit its
// fixed width.
type FieldOverflowError struct {
	Field string
	Width int
	Value string
}

func (e *FieldOverflowError) Error() string {
	return fmt.Sprintf("codec: %s value %q exceeds width %d", e.Field, e.Value, e.Width)
}

// InvalidFieldError is returned by Encode when a value cannot be represented
// in the wire format at all, such as a negative amount.
type InvalidFieldError struct {
	Field  string
	Reason string
}

func (e *InvalidFieldError) Error() string {
	return fmt.Sprintf("codec: invalid %s: %s", e.Field, e.Reason)
}
