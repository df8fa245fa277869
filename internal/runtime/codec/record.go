package codec

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionRecord is a decoded fixed-width record. String fields are
// trimmed; TransactionAmount has two implied decimal places.
type TransactionRecord struct {
	MTI                      string          `json:"mti"`
	PAN                      string          `json:"pan"`
	ProcessingCode           string          `json:"processingCode"`
	TransactionAmount        decimal.Decimal `json:"transactionAmount"`
	TransmissionDateTime     time.Time       `json:"transmissionDateTime"`
	STAN                     string          `json:"stan"`
	LocalTransactionTime     string          `json:"localTransactionTime"`
	LocalTransactionDate     string          `json:"localTransactionDate"`
	MerchantType             string          `json:"merchantType"`
	AcquiringInstitutionCode string          `json:"acquiringInstitutionCode"`
	RetrievalReferenceNumber string          `json:"retrievalReferenceNumber"`
	AuthorizationIDResponse  string          `json:"authorizationIdResponse"`
	ResponseCode             string          `json:"responseCode"`
	TerminalID               string          `json:"terminalId"`
	MerchantID               string          `json:"merchantId"`
	CurrencyCode             string          `json:"currencyCode"`
	AdditionalData           string          `json:"additionalData"`

	// Anomalies lists the soft failures seen while decoding. Callers log them.
	Anomalies []Anomaly `json:"-"`
}

// AnomalyKind classifies a soft decode failure.
type AnomalyKind string

const (
	// AmountAnomaly means the amount was not an unsigned integer and zero was
	// substituted.
	AmountAnomaly AnomalyKind = "amount"
	// TransmissionTimeAnomaly means the transmission datetime was not a valid
	// MMddHHmmss value and the decoder clock's current time was substituted.
	TransmissionTimeAnomaly AnomalyKind = "transmission_datetime"
	// EncodingAnomaly means the input was not valid UTF-8 and the invalid
	// bytes were replaced by U+FFFD before the fields were cut.
	EncodingAnomaly AnomalyKind = "encoding"
)

// Anomaly records a field that could not be decoded and was replaced by a
// fallback value.
type Anomaly struct {
	Kind   AnomalyKind
	Field  string
	Raw    string
	Reason string
}

// HasAnomalies reports whether any field fell back to a substitute value.
func (r *TransactionRecord) HasAnomalies() bool {
	return r != nil && len(r.Anomalies) > 0
}

// AmountMinorUnits returns the amount as an integer count of minor units.
func (r *TransactionRecord) AmountMinorUnits() int64 {
	return r.TransactionAmount.Shift(2).IntPart()
}

func (r *TransactionRecord) values() []string {
	return []string{
		r.MTI,
		r.PAN,
		r.ProcessingCode,
		"", // amount is rendered separately
		"", // transmission datetime is rendered separately
		r.STAN,
		r.LocalTransactionTime,
		r.LocalTransactionDate,
		r.MerchantType,
		r.AcquiringInstitutionCode,
		r.RetrievalReferenceNumber,
		r.AuthorizationIDResponse,
		r.ResponseCode,
		r.TerminalID,
		r.MerchantID,
		r.CurrencyCode,
	}
}
