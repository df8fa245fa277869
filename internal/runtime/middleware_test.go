package runtime

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	metadatapkg "github.com/drblury/relaybench/internal/runtime/metadata"
)

func TestDefaultMiddlewares(t *testing.T) {
	var names []string
	for _, reg := range DefaultMiddlewares() {
		names = append(names, reg.Name)
	}
	assert.Equal(t, []string{"log_messages", "tracer", "metrics", "retry", "recoverer"}, names)
}

func TestRetryMiddlewareConfigDefaults(t *testing.T) {
	cfg := RetryMiddlewareConfig{}.withDefaults()
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, time.Second, cfg.InitialInterval)
	assert.Equal(t, 16*time.Second, cfg.MaxInterval)

	custom := RetryMiddlewareConfig{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: time.Second}.withDefaults()
	assert.Equal(t, 2, custom.MaxRetries)
	assert.Equal(t, time.Millisecond, custom.InitialInterval)
}

func TestRetryMiddleware(t *testing.T) {
	attempts := 0
	handler := func(msg *message.Message) ([]*message.Message, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("transient")
		}
		return nil, nil
	}

	mw := RetryMiddleware(RetryMiddlewareConfig{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond})
	_, err := mw.Middleware(handler)(message.NewMessage("1", nil))

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryMiddlewareRetryIf(t *testing.T) {
	permanent := errors.New("permanent")
	attempts := 0
	handler := func(msg *message.Message) ([]*message.Message, error) {
		attempts++
		return nil, permanent
	}

	mw := RetryMiddleware(RetryMiddlewareConfig{
		MaxRetries:      3,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		RetryIf:         func(err error) bool { return !errors.Is(err, permanent) },
	})
	_, err := mw.Middleware(handler)(message.NewMessage("1", nil))

	require.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, attempts)
}

func TestConfiguredRetryMiddleware(t *testing.T) {
	svc := newTestService(t, newTestConfig(), ServiceDependencies{DisableDefaultMiddlewares: true})

	mw, err := ConfiguredRetryMiddleware().Builder(svc)
	require.NoError(t, err)
	assert.Nil(t, mw, "retry is disabled by default")

	svc.Conf.RetryMaxRetries = 2
	mw, err = ConfiguredRetryMiddleware().Builder(svc)
	require.NoError(t, err)
	assert.NotNil(t, mw)
}

func TestLogMessagesMiddleware(t *testing.T) {
	log := newRecordingLogger()
	svc := newTestService(t, newTestConfig(), ServiceDependencies{DisableDefaultMiddlewares: true})

	mw, err := LogMessagesMiddleware(log).Builder(svc)
	require.NoError(t, err)

	msg := message.NewMessage("1", []byte("payload"))
	msg.Metadata.Set(metadatapkg.KeyCorrelationID, "run-0000000001")
	_, err = mw(func(*message.Message) ([]*message.Message, error) { return nil, nil })(msg)
	require.NoError(t, err)

	entries := log.byMessage("Processing message")
	require.Len(t, entries, 1)
	assert.Equal(t, "trace", entries[0].level)
	assert.Equal(t, 7, entries[0].fields["payload_size"])
}

func TestLogMessagesMiddlewareRequiresLogger(t *testing.T) {
	svc := &Service{}
	_, err := LogMessagesMiddleware(nil).Builder(svc)
	assert.Error(t, err)
}

func TestTracerMiddleware(t *testing.T) {
	var seen *message.Message
	handler := func(msg *message.Message) ([]*message.Message, error) {
		seen = msg
		return nil, nil
	}

	msg := message.NewMessage("1", nil)
	_, err := TracerMiddleware().Middleware(handler)(msg)

	require.NoError(t, err)
	require.NotNil(t, seen)
	assert.NotNil(t, trace.SpanFromContext(seen.Context()))
}

func TestRecovererMiddleware(t *testing.T) {
	handler := func(*message.Message) ([]*message.Message, error) { panic("boom") }
	_, err := RecovererMiddleware().Middleware(handler)(message.NewMessage("1", nil))
	assert.Error(t, err)
}

func TestRegisterMiddlewareValidations(t *testing.T) {
	t.Run("requires router", func(t *testing.T) {
		err := (&Service{}).RegisterMiddleware(RecovererMiddleware())
		assert.Error(t, err)
	})
	t.Run("requires middleware or builder", func(t *testing.T) {
		svc := newTestService(t, newTestConfig(), ServiceDependencies{DisableDefaultMiddlewares: true})
		assert.Error(t, svc.RegisterMiddleware(MiddlewareRegistration{Name: "empty"}))
	})
	t.Run("nil middleware from builder is skipped", func(t *testing.T) {
		svc := newTestService(t, newTestConfig(), ServiceDependencies{DisableDefaultMiddlewares: true})
		err := svc.RegisterMiddleware(MiddlewareRegistration{
			Name:    "noop",
			Builder: func(*Service) (message.HandlerMiddleware, error) { return nil, nil },
		})
		assert.NoError(t, err)
	})
}

func TestMetricsMiddlewareRegistersEndpoints(t *testing.T) {
	cfg := newTestConfig()
	cfg.MetricsPort = 9464
	svc := newTestService(t, cfg, ServiceDependencies{})

	mux := svc.httpServers[9464]
	require.NotNil(t, mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/report", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsMiddlewareDisabled(t *testing.T) {
	cfg := newTestConfig()
	cfg.MetricsEnabled = false
	cfg.MetricsPort = 9464
	svc := newTestService(t, cfg, ServiceDependencies{})

	assert.Empty(t, svc.httpServers)
}
