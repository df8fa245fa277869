package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/drblury/relaybench"
)

const (
	flagJSON    = "json"
	flagRelay   = "relay"
	flagLimit   = "limit"
	reportLimit = 20
)

func main() {
	if err := newRootCommand(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "relaybench",
		Short:         "Relay MQ messages to Kafka and measure the relay end to end",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.AddCommand(newRelayCommand(), newPerfTestCommand(), newReportsCommand())
	return root
}

func newRelayCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Forward messages from the ingress queue to the egress topic until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			svc, err := relaybench.TryNewService(cfg, logger, ctx, relaybench.ServiceDependencies{})
			if err != nil {
				return err
			}
			defer closeService(svc, logger)

			if _, err := svc.RegisterRelay(relaybench.RelayOptions{}); err != nil {
				return err
			}
			return svc.Start(ctx)
		},
	}
	relaybench.RegisterFlags(cmd.Flags())
	return cmd
}

func newPerfTestCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "perftest",
		Short: "Send a batch of correlated messages and report latency, throughput and loss",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			asJSON, _ := cmd.Flags().GetBool(flagJSON)
			inProcess, _ := cmd.Flags().GetBool(flagRelay)

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			svc, err := relaybench.TryNewService(cfg, logger, ctx, relaybench.ServiceDependencies{})
			if err != nil {
				return err
			}
			defer closeService(svc, logger)

			var printErr error
			_, err = svc.RunPerfTest(ctx, relaybench.PerfTestOptions{
				InProcessRelay: inProcess,
				OnReport: func(r relaybench.PerfTestResult) {
					printErr = printResult(cmd.OutOrStdout(), r, asJSON)
				},
			})
			return errors.Join(err, printErr)
		},
	}
	relaybench.RegisterFlags(cmd.Flags())
	cmd.Flags().Bool(flagJSON, false, "Print the report as JSON")
	cmd.Flags().Bool(flagRelay, true, "Run the relay in this process (disable when a separate relay is running)")
	return cmd
}

func newReportsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reports",
		Short: "Inspect archived run reports",
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List the most recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openReportStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			limit, _ := cmd.Flags().GetInt(flagLimit)
			rows, err := store.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool(flagJSON); asJSON {
				return relaybench.Encode(cmd.OutOrStdout(), rows)
			}
			return printSummaries(cmd.OutOrStdout(), rows)
		},
	}
	show := &cobra.Command{
		Use:   "show <test-run-id>",
		Short: "Print one archived report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openReportStore(cmd)
			if err != nil {
				return err
			}
			defer store.Close()

			snap, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool(flagJSON); asJSON {
				return relaybench.Encode(cmd.OutOrStdout(), snap)
			}
			return snap.WriteText(cmd.OutOrStdout())
		},
	}
	for _, sub := range []*cobra.Command{list, show} {
		relaybench.RegisterFlags(sub.Flags())
		sub.Flags().Bool(flagJSON, false, "Print as JSON")
	}
	list.Flags().Int(flagLimit, reportLimit, "Maximum number of runs to list")
	cmd.AddCommand(list, show)
	return cmd
}

// loadConfig resolves flags, RELAYBENCH_* variables and the optional config
// file, validates the result and builds the logger.
func loadConfig(cmd *cobra.Command) (*relaybench.Config, relaybench.ServiceLogger, error) {
	v, err := relaybench.NewViper(cmd.Flags())
	if err != nil {
		return nil, nil, err
	}
	cfg, err := relaybench.LoadConfig(v)
	if err != nil {
		return nil, nil, err
	}
	if err := relaybench.ValidateConfig(cfg); err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(cmd.ErrOrStderr(), cfg.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newLogger(w io.Writer, level string) (relaybench.ServiceLogger, error) {
	lvl, err := relaybench.ParseLogLevel(level)
	if err != nil {
		return nil, err
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})
	return relaybench.NewSlogServiceLogger(slog.New(handler)), nil
}

func openReportStore(cmd *cobra.Command) (*relaybench.ReportStore, error) {
	v, err := relaybench.NewViper(cmd.Flags())
	if err != nil {
		return nil, err
	}
	cfg, err := relaybench.LoadConfig(v)
	if err != nil {
		return nil, err
	}
	if cfg.ReportStoreDriver == "" {
		return nil, errors.New("no report store configured: set --report-store-driver and --report-store-dsn")
	}
	return relaybench.OpenReportStore(cmd.Context(), cfg.ReportStoreDriver, cfg.ReportStoreDSN)
}

func closeService(svc *relaybench.Service, logger relaybench.ServiceLogger) {
	if err := svc.Close(); err != nil {
		logger.Error("Failed to close transports", err, nil)
	}
}

func printResult(w io.Writer, r relaybench.PerfTestResult, asJSON bool) error {
	if asJSON {
		return relaybench.Encode(w, r)
	}
	if err := r.Report.WriteText(w); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "Sent %d messages in %s (%.2f msg/s)%s\n",
		r.Send.Sent, r.Send.Duration.Round(time.Millisecond), r.Send.Throughput, timeoutNote(r.TimedOut))
	return err
}

func timeoutNote(timedOut bool) string {
	if timedOut {
		return "; stopped waiting at the completion timeout"
	}
	return ""
}

func printSummaries(w io.Writer, rows []relaybench.ReportSummary) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTATE\tEXPECTED\tRECEIVED\tLOST\tMSG/S\tP99 MS\tRECORDED")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%.2f\t%d\t%s\n",
			r.TestRunID, r.State, r.Expected, r.Received, r.Lost, r.ThroughputPerSec, r.P99Ms, r.RecordedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}
