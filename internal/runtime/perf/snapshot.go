package perf

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// State is the lifecycle of a run.
type State int32

const (
	Idle State = iota
	Running
	Completed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Completed:
		return "completed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText renders the state by name in JSON reports.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name.
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "idle":
		*s = Idle
	case "running":
		*s = Running
	case "completed":
		*s = Completed
	default:
		return fmt.Errorf("perf: unknown state %q", string(b))
	}
	return nil
}

// Snapshot is a view of a run's statistics. Latencies are in milliseconds.
type Snapshot struct {
	TestRunID string `json:"testRunId"`
	State     State  `json:"state"`
	Finalized bool   `json:"finalized"`

	Expected int64 `json:"expected"`
	Sent     int64 `json:"sent"`
	Received int64 `json:"received"`
	Lost     int64 `json:"lost"`

	Duplicates        int64 `json:"duplicates"`
	Unmatched         int64 `json:"unmatched"`
	NegativeLatencies int64 `json:"negativeLatencies"`
	// UntrackedLive counts latencies beyond MaxLiveLatencyMs in either
	// direction. Live percentiles leave them out; final ones include them.
	UntrackedLive int64 `json:"untrackedLive"`
	// InFlight counts sent messages not yet received. After Finalize it is
	// zero and Orphaned holds the entries that were evicted unmatched.
	InFlight int64 `json:"inFlight"`
	Orphaned int64 `json:"orphaned"`

	MinLatencyMs int64   `json:"minLatencyMs"`
	MaxLatencyMs int64   `json:"maxLatencyMs"`
	AvgLatencyMs float64 `json:"avgLatencyMs"`
	Percentiles

	ThroughputPerSec  float64 `json:"throughputPerSec"`
	CompletionPercent float64 `json:"completionPercent"`

	FirstReceivedAt time.Time `json:"firstReceivedAt"`
	LastReceivedAt  time.Time `json:"lastReceivedAt"`
	ReceiveWindowMs int64     `json:"receiveWindowMs"`

	NoMessagesReceived bool `json:"noMessagesReceived"`
}

// LossRatePercent is the share of expected messages that were not received.
func (s Snapshot) LossRatePercent() float64 {
	if s.Expected <= 0 {
		return 0
	}
	return float64(s.Lost) * 100 / float64(s.Expected)
}

// WriteText prints a human readable report.
func (s Snapshot) WriteText(w io.Writer) error {
	rule := strings.Repeat("=", 80)
	var b strings.Builder
	fmt.Fprintln(&b, rule)
	fmt.Fprintf(&b, "End-to-end performance report (run %s, %s)\n", s.TestRunID, s.State)
	fmt.Fprintf(&b, "  Messages expected:   %d\n", s.Expected)
	fmt.Fprintf(&b, "  Messages sent:       %d\n", s.Sent)
	fmt.Fprintf(&b, "  Messages received:   %d\n", s.Received)
	fmt.Fprintf(&b, "  Messages lost:       %d (%.2f%%)\n", s.Lost, s.LossRatePercent())
	if s.NoMessagesReceived {
		fmt.Fprintln(&b, "  No messages received; latency and throughput unavailable")
	} else {
		fmt.Fprintf(&b, "  Latency avg/min/max: %.2fms / %dms / %dms\n", s.AvgLatencyMs, s.MinLatencyMs, s.MaxLatencyMs)
		fmt.Fprintf(&b, "  Latency p50/p95/p99: %dms / %dms / %dms\n", s.P50, s.P95, s.P99)
		fmt.Fprintf(&b, "  Throughput:          %.2f msg/s over %dms\n", s.ThroughputPerSec, s.ReceiveWindowMs)
	}
	fmt.Fprintf(&b, "  Completion:          %.1f%%\n", s.CompletionPercent)
	if s.Duplicates > 0 || s.Unmatched > 0 || s.NegativeLatencies > 0 || s.Orphaned > 0 {
		fmt.Fprintf(&b, "  Anomalies:           duplicates=%d unmatched=%d negative=%d orphaned=%d\n",
			s.Duplicates, s.Unmatched, s.NegativeLatencies, s.Orphaned)
	}
	fmt.Fprintln(&b, rule)
	_, err := io.WriteString(w, b.String())
	return err
}
