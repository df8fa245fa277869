// Package codec reads and writes the fixed-width transaction records carried
// by the relay. The layout is a simplified banking-switch record: sixteen
// positional fields with no bitmap followed by free-text additional data.
package codec

// Field names used in errors and anomalies. They match the JSON names of
// TransactionRecord.
const (
	FieldMTI                      = "mti"
	FieldPAN                      = "pan"
	FieldProcessingCode           = "processingCode"
	FieldTransactionAmount        = "transactionAmount"
	FieldTransmissionDateTime     = "transmissionDateTime"
	FieldSTAN                     = "stan"
	FieldLocalTransactionTime     = "localTransactionTime"
	FieldLocalTransactionDate     = "localTransactionDate"
	FieldMerchantType             = "merchantType"
	FieldAcquiringInstitutionCode = "acquiringInstitutionCode"
	FieldRetrievalReferenceNumber = "retrievalReferenceNumber"
	FieldAuthorizationIDResponse  = "authorizationIdResponse"
	FieldResponseCode             = "responseCode"
	FieldTerminalID               = "terminalId"
	FieldMerchantID               = "merchantId"
	FieldCurrencyCode             = "currencyCode"
	FieldAdditionalData           = "additionalData"
)

// FieldSpec describes one fixed-width field. Offset and Width count
// characters, not bytes.
type FieldSpec struct {
	Name   string
	Offset int
	Width  int
}

// FixedWidth is the length of a record with empty additional data.
const FixedWidth = 120

const transmissionLayout = "0102150405"

var layout = buildLayout([]struct {
	name  string
	width int
}{
	{FieldMTI, 4},
	{FieldPAN, 16},
	{FieldProcessingCode, 6},
	{FieldTransactionAmount, 12},
	{FieldTransmissionDateTime, 10},
	{FieldSTAN, 6},
	{FieldLocalTransactionTime, 6},
	{FieldLocalTransactionDate, 4},
	{FieldMerchantType, 4},
	{FieldAcquiringInstitutionCode, 6},
	{FieldRetrievalReferenceNumber, 12},
	{FieldAuthorizationIDResponse, 6},
	{FieldResponseCode, 2},
	{FieldTerminalID, 8},
	{FieldMerchantID, 15},
	{FieldCurrencyCode, 3},
})

func buildLayout(fields []struct {
	name  string
	width int
}) []FieldSpec {
	out := make([]FieldSpec, len(fields))
	offset := 0
	for i, f := range fields {
		out[i] = FieldSpec{Name: f.name, Offset: offset, Width: f.width}
		offset += f.width
	}
	if offset != FixedWidth {
		panic("codec: layout width does not match FixedWidth")
	}
	return out
}

// Layout returns the fixed fields in wire order.
func Layout() []FieldSpec {
	out := make([]FieldSpec, len(layout))
	copy(out, layout)
	return out
}
