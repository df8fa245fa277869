package runtime

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/relaybench/internal/runtime/config"
	loggingpkg "github.com/drblury/relaybench/internal/runtime/logging"
	"github.com/drblury/relaybench/transport"
	channeltransport "github.com/drblury/relaybench/transport/channel"
	"github.com/drblury/relaybench/transport/transporttest"
)

func newTestSlogLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(newTestSlogLogger())
}

// newTestConfig describes a small in-memory run.
func newTestConfig() *configpkg.Config {
	cfg := configpkg.Default()
	cfg.IngressSystem = channeltransport.TransportName
	cfg.EgressSystem = channeltransport.TransportName
	cfg.MetricsPort = 0
	cfg.Run.TestRunID = "run-test"
	cfg.Run.MessageCount = 50
	cfg.Run.MessageSize = 128
	cfg.Run.KeepAlive = 0
	cfg.Run.CompletionTimeout = 10 * time.Second
	cfg.ApplyDefaults()
	return &cfg
}

// fakeRegistry registers "fake-in" and "fake-out" builders returning
// transporttest pairs.
type fakeRegistry struct {
	*transport.Registry
	in, out transport.Transport
	builds  []string
}

func newFakeRegistry() *fakeRegistry {
	r := &fakeRegistry{
		Registry: transport.NewRegistry(),
		in:       transport.Transport{Publisher: &transporttest.Publisher{}, Subscriber: &transporttest.Subscriber{}},
		out:      transport.Transport{Publisher: &transporttest.Publisher{}, Subscriber: &transporttest.Subscriber{}},
	}
	r.RegisterWithCapabilities("fake-in", func(context.Context, transport.Config, watermill.LoggerAdapter) (transport.Transport, error) {
		r.builds = append(r.builds, "fake-in")
		return r.in, nil
	}, transport.Capabilities{Name: "fake-in", SupportsAck: true})
	r.RegisterWithCapabilities("fake-out", func(context.Context, transport.Config, watermill.LoggerAdapter) (transport.Transport, error) {
		r.builds = append(r.builds, "fake-out")
		return r.out, nil
	}, transport.Capabilities{Name: "fake-out", SupportsAck: false, MaxMessageSize: 64})
	return r
}

func newTestService(t *testing.T, cfg *configpkg.Config, deps ServiceDependencies) *Service {
	t.Helper()
	if deps.Registerer == nil {
		reg := prometheus.NewRegistry()
		deps.Registerer = reg
		deps.Gatherer = reg
	}
	svc, err := TryNewService(cfg, newTestLogger(), context.Background(), deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

type loggedEntry struct {
	level  string
	msg    string
	fields loggingpkg.LogFields
}

// recordingLogger keeps every entry, including those of derived loggers.
type recordingLogger struct {
	mu      *sync.Mutex
	entries *[]loggedEntry
	base    loggingpkg.LogFields
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{mu: &sync.Mutex{}, entries: &[]loggedEntry{}}
}

func (r *recordingLogger) record(level, msg string, fields loggingpkg.LogFields) {
	merged := loggingpkg.LogFields{}
	for k, v := range r.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	*r.entries = append(*r.entries, loggedEntry{level: level, msg: msg, fields: merged})
}

func (r *recordingLogger) With(fields loggingpkg.LogFields) loggingpkg.ServiceLogger {
	merged := loggingpkg.LogFields{}
	for k, v := range r.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &recordingLogger{mu: r.mu, entries: r.entries, base: merged}
}

func (r *recordingLogger) Debug(msg string, f loggingpkg.LogFields) { r.record("debug", msg, f) }
func (r *recordingLogger) Info(msg string, f loggingpkg.LogFields)  { r.record("info", msg, f) }
func (r *recordingLogger) Warn(msg string, f loggingpkg.LogFields)  { r.record("warn", msg, f) }
func (r *recordingLogger) Trace(msg string, f loggingpkg.LogFields) { r.record("trace", msg, f) }
func (r *recordingLogger) Error(msg string, _ error, f loggingpkg.LogFields) {
	r.record("error", msg, f)
}

func (r *recordingLogger) count(level string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range *r.entries {
		if e.level == level {
			n++
		}
	}
	return n
}

func (r *recordingLogger) byMessage(msg string) []loggedEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []loggedEntry
	for _, e := range *r.entries {
		if e.msg == msg {
			out = append(out, e)
		}
	}
	return out
}
