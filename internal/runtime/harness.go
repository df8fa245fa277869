package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/drblury/relaybench/internal/runtime/generator"
	loggingpkg "github.com/drblury/relaybench/internal/runtime/logging"
	"github.com/drblury/relaybench/internal/runtime/perf"
	"github.com/drblury/relaybench/internal/runtime/receiver"
	"github.com/drblury/relaybench/internal/runtime/reportstore"
	"github.com/drblury/relaybench/internal/runtime/sender"
)

// ReceiverHandlerName is the router handler name of the perf receiver.
const ReceiverHandlerName = "perf_receiver"

// ReportArchive persists final reports. *reportstore.Store implements it.
type ReportArchive interface {
	Save(ctx context.Context, snap perf.Snapshot) error
}

// PerfTestOptions customises RunPerfTest.
type PerfTestOptions struct {
	// InProcessRelay registers the relay on this service so one process
	// covers the whole path. Leave it false when a separate relay runs.
	InProcessRelay bool
	Relay          RelayOptions
	// Archive stores the final report. When nil and a report store is
	// configured, the configured store is opened for the run.
	Archive ReportArchive
	// OnReport is called with the result before the keep-alive period.
	OnReport func(PerfTestResult)
	// Now drives the send and receive clocks. Defaults to time.Now.
	Now func() time.Time
}

// PerfTestResult is the outcome of one measurement run.
type PerfTestResult struct {
	Send     sender.RunResult `json:"send"`
	Report   perf.Snapshot    `json:"report"`
	TimedOut bool             `json:"timedOut"`
}

// RunPerfTest performs one measurement run: it starts the router, sends
// Run.MessageCount messages to the ingress queue, waits for the receiver to
// see them on the egress topic (bounded by Run.CompletionTimeout, zero waits
// until ctx is done), finalizes and archives the report, then keeps the
// service up for Run.KeepAlive before stopping the router.
//
// A Service runs at most one perf test because its router cannot be
// restarted.
func (s *Service) RunPerfTest(ctx context.Context, opts PerfTestOptions) (PerfTestResult, error) {
	run := s.Conf.Run
	if err := run.Validate(); err != nil {
		return PerfTestResult{}, err
	}
	log := s.Logger.With(loggingpkg.LogFields{"test_run_id": run.TestRunID})

	reporter, err := s.newPerfReporter()
	if err != nil {
		return PerfTestResult{}, err
	}
	agg := perf.New(perf.Options{
		TestRunID: run.TestRunID,
		Expected:  int64(run.MessageCount),
		Reporter:  reporter,
	})
	s.report.setLive(agg.Snapshot)

	rcv, err := receiver.New(receiver.Options{Recorder: agg, Logger: s.Logger, Now: opts.Now})
	if err != nil {
		return PerfTestResult{}, err
	}
	s.router.AddNoPublisherHandler(ReceiverHandlerName, s.Conf.EgressTopic, s.egress.Subscriber, rcv.HandlerFunc())
	if opts.InProcessRelay {
		if _, err := s.RegisterRelay(opts.Relay); err != nil {
			return PerfTestResult{}, err
		}
	}

	gen, err := generator.New(generator.Options{
		RunID:  run.TestRunID,
		Size:   run.MessageSize,
		Format: generator.Format(run.PayloadFormat),
		Now:    opts.Now,
	})
	if err != nil {
		return PerfTestResult{}, err
	}
	snd, err := sender.New(sender.Options{
		Publisher: s.ingress.Publisher,
		Queue:     s.Conf.IngressQueue,
		TestRunID: run.TestRunID,
		Recorder:  agg,
		Logger:    s.Logger,
		Now:       opts.Now,
	})
	if err != nil {
		return PerfTestResult{}, err
	}

	archive, closeArchive, err := s.openArchive(ctx, opts.Archive)
	if err != nil {
		return PerfTestResult{}, err
	}
	defer closeArchive()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	routerErr := make(chan error, 1)
	go func() { routerErr <- s.Start(runCtx) }()

	select {
	case <-s.router.Running():
	case err := <-routerErr:
		if err == nil {
			err = errors.New("router stopped before running")
		}
		return PerfTestResult{}, err
	case <-ctx.Done():
		return PerfTestResult{}, ctx.Err()
	}

	log.Info("Starting performance test", loggingpkg.LogFields{
		"message_count":  run.MessageCount,
		"message_size":   run.MessageSize,
		"payload_format": run.PayloadFormat,
		"queue":          s.Conf.IngressQueue,
		"topic":          s.Conf.EgressTopic,
	})

	var result PerfTestResult
	var sendErr error
	result.Send, sendErr = snd.Run(runCtx, gen, run.MessageCount)
	if sendErr != nil {
		log.Error("Send loop stopped early", sendErr, loggingpkg.LogFields{"sent": result.Send.Sent})
	} else {
		result.TimedOut = !awaitCompletion(ctx, agg, run.CompletionTimeout)
		if result.TimedOut {
			log.Warn("Stopped waiting for outstanding messages", loggingpkg.LogFields{
				"completion_timeout": run.CompletionTimeout.String(),
				"received":           agg.Snapshot().Received,
			})
		}
	}

	result.Report = agg.Finalize()
	s.report.setFinal(result.Report)
	logReport(log, result.Report)

	if archive != nil {
		if err := archive.Save(context.WithoutCancel(ctx), result.Report); err != nil {
			log.Error("Failed to archive report", err, nil)
		}
	}
	if opts.OnReport != nil {
		opts.OnReport(result)
	}

	if run.KeepAlive > 0 && ctx.Err() == nil {
		log.Info("Keeping service alive for metrics scraping", loggingpkg.LogFields{"keep_alive": run.KeepAlive.String()})
		select {
		case <-time.After(run.KeepAlive):
		case <-ctx.Done():
		}
	}

	cancel()
	if err := <-routerErr; err != nil {
		log.Error("Router stopped with error", err, nil)
	}
	return result, sendErr
}

func (s *Service) newPerfReporter() (perf.Reporter, error) {
	if !s.Conf.MetricsEnabled {
		return perf.NopReporter{}, nil
	}
	r := perf.NewPrometheusReporter(s.registerer, s.Conf.Run.TestRunID, s.Conf.IngressQueue)
	if err := r.Register(); err != nil {
		return nil, fmt.Errorf("register perf metrics: %w", err)
	}
	return r, nil
}

func (s *Service) openArchive(ctx context.Context, archive ReportArchive) (ReportArchive, func(), error) {
	if archive != nil || s.Conf.ReportStoreDriver == "" {
		return archive, func() {}, nil
	}
	store, err := reportstore.Open(ctx, s.Conf.ReportStoreDriver, s.Conf.ReportStoreDSN)
	if err != nil {
		return nil, nil, err
	}
	return store, func() {
		if err := store.Close(); err != nil {
			s.Logger.Error("Failed to close report store", err, nil)
		}
	}, nil
}

// awaitCompletion reports whether every expected message arrived before the
// timeout elapsed or ctx was cancelled.
func awaitCompletion(ctx context.Context, agg *perf.Aggregator, timeout time.Duration) bool {
	if agg.IsComplete() {
		return true
	}
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	select {
	case <-agg.Done():
		return true
	case <-expired:
	case <-ctx.Done():
	}
	return agg.IsComplete()
}

func logReport(log loggingpkg.ServiceLogger, s perf.Snapshot) {
	fields := loggingpkg.LogFields{
		"state":              s.State.String(),
		"expected":           s.Expected,
		"sent":               s.Sent,
		"received":           s.Received,
		"lost":               s.Lost,
		"loss_rate_percent":  s.LossRatePercent(),
		"completion_percent": s.CompletionPercent,
	}
	if s.NoMessagesReceived {
		log.Warn("Performance test finished without receiving any message", fields)
		return
	}
	fields["latency_avg_ms"] = s.AvgLatencyMs
	fields["latency_min_ms"] = s.MinLatencyMs
	fields["latency_max_ms"] = s.MaxLatencyMs
	fields["latency_p50_ms"] = s.P50
	fields["latency_p95_ms"] = s.P95
	fields["latency_p99_ms"] = s.P99
	fields["throughput_per_sec"] = s.ThroughputPerSec
	fields["duplicates"] = s.Duplicates
	fields["unmatched"] = s.Unmatched
	fields["orphaned"] = s.Orphaned
	log.Info("Performance test finished", fields)
}
