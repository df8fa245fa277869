// Package generator builds the synthetic payloads sent during a run.
package generator

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/drblury/relaybench/internal/runtime/codec"
)

// Filler is repeated after the header and truncated to the target size.
const Filler = "ABCDEFGHIJ"

// Format selects the payload layout.
type Format string

const (
	// FormatFiller is the header followed by filler.
	FormatFiller Format = "filler"
	// FormatISO8583 is a fixed-width transaction record whose additional data
	// carries the header and filler.
	FormatISO8583 Format = "iso8583"
)

// HeaderTooLargeError is returned when the target size cannot hold the
// header, so a payload of exactly that size is impossible.
type HeaderTooLargeError struct {
	HeaderLen int
	Size      int
}

func (e *HeaderTooLargeError) Error() string {
	return fmt.Sprintf("generator: header needs %d bytes but message size is %d", e.HeaderLen, e.Size)
}

// CorrelationID derives the id of message seq within a run.
func CorrelationID(runID string, seq int) string {
	return fmt.Sprintf("%s-%010d", runID, seq)
}

// Header returns the deterministic header of a payload.
func Header(seq int, corrID, runID string, size int) string {
	return fmt.Sprintf("MSG#%010d|CORR=%s|RUN=%s|SIZE=%d|", seq, corrID, runID, size)
}

// Generate returns a payload of exactly size bytes: the header followed by
// Filler repeated and truncated. A size smaller than the header is an error.
func Generate(seq int, corrID, runID string, size int) ([]byte, error) {
	header := Header(seq, corrID, runID, size)
	if len(header) > size {
		return nil, &HeaderTooLargeError{HeaderLen: len(header), Size: size}
	}
	return fill(header, size), nil
}

func fill(header string, size int) []byte {
	out := make([]byte, size)
	n := copy(out, header)
	for i := n; i < size; i++ {
		out[i] = Filler[(i-n)%len(Filler)]
	}
	return out
}

// Options configures a Generator.
type Options struct {
	RunID  string
	Size   int
	Format Format
	// Now stamps the transmission datetime of iso8583 payloads.
	Now func() time.Time
}

// Generator produces the payload for each sequence number of a run.
type Generator struct {
	runID  string
	size   int
	format Format
	now    func() time.Time
}

// New validates opts and returns a Generator.
func New(opts Options) (*Generator, error) {
	if opts.RunID == "" {
		return nil, fmt.Errorf("generator: run id is required")
	}
	format := opts.Format
	if format == "" {
		format = FormatFiller
	}
	switch format {
	case FormatFiller:
	case FormatISO8583:
		if opts.Size < codec.FixedWidth {
			return nil, &HeaderTooLargeError{HeaderLen: codec.FixedWidth, Size: opts.Size}
		}
	default:
		return nil, fmt.Errorf("generator: unknown format %q", format)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Generator{runID: opts.RunID, size: opts.Size, format: format, now: now}, nil
}

// RunID returns the run the generator stamps into every header.
func (g *Generator) RunID() string { return g.runID }

// Next returns the correlation id and payload for seq.
func (g *Generator) Next(seq int) (string, []byte, error) {
	id := CorrelationID(g.runID, seq)
	switch g.format {
	case FormatISO8583:
		payload, err := g.record(seq, id)
		return id, payload, err
	default:
		payload, err := Generate(seq, id, g.runID, g.size)
		return id, payload, err
	}
}

// record encodes a transaction record sized so the whole payload is exactly
// g.size bytes. Everything after the fixed fields is header plus filler.
func (g *Generator) record(seq int, corrID string) ([]byte, error) {
	header := Header(seq, corrID, g.runID, g.size)
	extra := g.size - codec.FixedWidth
	if len(header) > extra {
		return nil, &HeaderTooLargeError{HeaderLen: codec.FixedWidth + len(header), Size: g.size}
	}

	now := g.now()
	stan := fmt.Sprintf("%06d", seq%1_000_000)
	rec := &codec.TransactionRecord{
		MTI:                      "0200",
		PAN:                      fmt.Sprintf("4%015d", seq),
		ProcessingCode:           "000000",
		TransactionAmount:        decimal.New(int64(seq%100_000)+100, -2),
		TransmissionDateTime:     now.Truncate(time.Second),
		STAN:                     stan,
		LocalTransactionTime:     now.Format("150405"),
		LocalTransactionDate:     now.Format("0102"),
		MerchantType:             "5411",
		AcquiringInstitutionCode: "123456",
		RetrievalReferenceNumber: fmt.Sprintf("%012d", seq),
		AuthorizationIDResponse:  "A" + stan[1:],
		ResponseCode:             "00",
		TerminalID:               "TERM0001",
		MerchantID:               "RELAYBENCH00001",
		CurrencyCode:             "840",
		AdditionalData:           string(fill(header, extra)),
	}

	out, err := codec.Encode(rec)
	if err != nil {
		return nil, fmt.Errorf("generator: encode record %d: %w", seq, err)
	}
	return []byte(out), nil
}

// ParseHeader extracts the sequence number, correlation id and run id from a
// filler payload or from the additional data of an iso8583 payload.
func ParseHeader(payload string) (seq int, corrID, runID string, ok bool) {
	idx := strings.Index(payload, "MSG#")
	if idx < 0 {
		return 0, "", "", false
	}
	parts := strings.SplitN(payload[idx:], "|", 5)
	if len(parts) < 5 {
		return 0, "", "", false
	}
	if _, err := fmt.Sscanf(parts[0], "MSG#%d", &seq); err != nil {
		return 0, "", "", false
	}
	corrID, okCorr := strings.CutPrefix(parts[1], "CORR=")
	runID, okRun := strings.CutPrefix(parts[2], "RUN=")
	if !okCorr || !okRun {
		return 0, "", "", false
	}
	return seq, corrID, runID, true
}
