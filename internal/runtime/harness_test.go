package runtime

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/relaybench/internal/runtime/config"
	"github.com/drblury/relaybench/internal/runtime/perf"
	"github.com/drblury/relaybench/internal/runtime/reportstore"
	sqlitetransport "github.com/drblury/relaybench/transport/sqlite"
)

func newHarnessService(t *testing.T, cfg *configpkg.Config) (*Service, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return newTestService(t, cfg, ServiceDependencies{Registerer: reg, Gatherer: reg}), reg
}

func metricValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
	metrics:
		for _, m := range fam.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue metrics
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return 0
}

func runWithTimeout(t *testing.T, svc *Service, opts PerfTestOptions) PerfTestResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	result, err := svc.RunPerfTest(ctx, opts)
	require.NoError(t, err)
	return result
}

func TestRunPerfTestEndToEndOverChannel(t *testing.T) {
	cfg := newTestConfig()
	svc, reg := newHarnessService(t, cfg)

	var reported []PerfTestResult
	result := runWithTimeout(t, svc, PerfTestOptions{
		InProcessRelay: true,
		OnReport:       func(r PerfTestResult) { reported = append(reported, r) },
	})

	assert.False(t, result.TimedOut)
	assert.Equal(t, 50, result.Send.Sent)

	report := result.Report
	assert.Equal(t, perf.Completed, report.State)
	assert.True(t, report.Finalized)
	assert.Equal(t, int64(50), report.Expected)
	assert.Equal(t, int64(50), report.Sent)
	assert.Equal(t, int64(50), report.Received)
	assert.Zero(t, report.Lost)
	assert.Zero(t, report.Orphaned)
	assert.Zero(t, report.Duplicates)
	assert.Zero(t, report.Unmatched)
	assert.False(t, report.NoMessagesReceived)
	assert.InDelta(t, 100.0, report.CompletionPercent, 0.001)
	assert.LessOrEqual(t, report.MinLatencyMs, report.MaxLatencyMs)

	require.Len(t, reported, 1)
	assert.Equal(t, report, reported[0].Report)

	last, ok := svc.LastReport()
	require.True(t, ok)
	assert.Equal(t, report, last)

	route := map[string]string{"queue": cfg.IngressQueue, "topic": cfg.EgressTopic}
	assert.Equal(t, 50.0, metricValue(t, reg, "relaybench_relay_messages_forwarded_total", route))
	run := map[string]string{"test_run_id": cfg.Run.TestRunID}
	assert.Equal(t, 50.0, metricValue(t, reg, "relaybench_perf_messages_sent_total", run))
	assert.Equal(t, 50.0, metricValue(t, reg, "relaybench_perf_messages_received_total", run))
	assert.Equal(t, 0.0, metricValue(t, reg, "relaybench_perf_messages_lost", run))
}

func TestRunPerfTestEndToEndOverSQLiteQueue(t *testing.T) {
	cfg := newTestConfig()
	cfg.IngressSystem = sqlitetransport.TransportName
	cfg.EgressSystem = sqlitetransport.TransportName
	cfg.SQLiteFile = filepath.Join(t.TempDir(), "queue.db")
	cfg.Run.MessageCount = 20
	svc, _ := newHarnessService(t, cfg)

	result := runWithTimeout(t, svc, PerfTestOptions{InProcessRelay: true})

	assert.False(t, result.TimedOut)
	assert.Equal(t, perf.Completed, result.Report.State)
	assert.Equal(t, int64(20), result.Report.Received)
	assert.Zero(t, result.Report.Lost)
	assert.Zero(t, result.Report.Duplicates)
}

func TestRunPerfTestDecodesISO8583Payloads(t *testing.T) {
	cfg := newTestConfig()
	cfg.Run.PayloadFormat = configpkg.PayloadFormatISO8583
	cfg.Run.MessageSize = 256
	cfg.Run.MessageCount = 20
	cfg.DecodeRecords = true
	svc, reg := newHarnessService(t, cfg)

	result := runWithTimeout(t, svc, PerfTestOptions{InProcessRelay: true})

	assert.Equal(t, int64(20), result.Report.Received)
	route := map[string]string{"queue": cfg.IngressQueue, "topic": cfg.EgressTopic}
	assert.Equal(t, 20.0, metricValue(t, reg, "relaybench_relay_messages_received_total", route))
	assert.Equal(t, 0.0, metricValue(t, reg, "relaybench_relay_decode_failures_total", route))
}

func TestRunPerfTestWithoutRelayTimesOut(t *testing.T) {
	cfg := newTestConfig()
	cfg.Run.MessageCount = 10
	cfg.Run.CompletionTimeout = 50 * time.Millisecond
	svc, _ := newHarnessService(t, cfg)

	result := runWithTimeout(t, svc, PerfTestOptions{})

	assert.True(t, result.TimedOut)
	assert.Equal(t, 10, result.Send.Sent)
	report := result.Report
	assert.Equal(t, perf.Running, report.State)
	assert.True(t, report.NoMessagesReceived)
	assert.Equal(t, int64(10), report.Lost)
	assert.Equal(t, int64(10), report.Orphaned)
	assert.Zero(t, report.ThroughputPerSec)
}

func TestRunPerfTestArchivesConfiguredReportStore(t *testing.T) {
	cfg := newTestConfig()
	cfg.Run.MessageCount = 5
	cfg.ReportStoreDriver = reportstore.DriverSQLite
	cfg.ReportStoreDSN = filepath.Join(t.TempDir(), "reports.db")
	svc, _ := newHarnessService(t, cfg)

	result := runWithTimeout(t, svc, PerfTestOptions{InProcessRelay: true})

	store, err := reportstore.Open(context.Background(), cfg.ReportStoreDriver, cfg.ReportStoreDSN)
	require.NoError(t, err)
	defer store.Close()
	saved, err := store.Get(context.Background(), cfg.Run.TestRunID)
	require.NoError(t, err)
	assert.Equal(t, result.Report.Received, saved.Received)
	assert.Equal(t, perf.Completed, saved.State)
}

type recordingArchive struct {
	saved []perf.Snapshot
}

func (a *recordingArchive) Save(_ context.Context, s perf.Snapshot) error {
	a.saved = append(a.saved, s)
	return nil
}

func TestRunPerfTestUsesProvidedArchive(t *testing.T) {
	cfg := newTestConfig()
	cfg.Run.MessageCount = 5
	svc, _ := newHarnessService(t, cfg)
	archive := &recordingArchive{}

	result := runWithTimeout(t, svc, PerfTestOptions{InProcessRelay: true, Archive: archive})

	require.Len(t, archive.saved, 1)
	assert.Equal(t, result.Report, archive.saved[0])
}

func TestRunPerfTestRejectsInvalidRun(t *testing.T) {
	cfg := newTestConfig()
	cfg.Run.MessageCount = 0
	svc, _ := newHarnessService(t, cfg)

	_, err := svc.RunPerfTest(context.Background(), PerfTestOptions{})
	assert.ErrorContains(t, err, "message count must be positive")
}

func TestAwaitCompletion(t *testing.T) {
	agg := perf.New(perf.Options{TestRunID: "run", Expected: 1})
	require.NoError(t, agg.RecordSend("run-0000000000", 1))

	assert.False(t, awaitCompletion(context.Background(), agg, 10*time.Millisecond))

	go agg.RecordReceive("run-0000000000", 1, 2)
	assert.True(t, awaitCompletion(context.Background(), agg, 5*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, awaitCompletion(ctx, agg, 0))
}
