package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/plugin"
	"github.com/prometheus/client_golang/prometheus"

	configpkg "github.com/drblury/relaybench/internal/runtime/config"
	errspkg "github.com/drblury/relaybench/internal/runtime/errors"
	loggingpkg "github.com/drblury/relaybench/internal/runtime/logging"
	"github.com/drblury/relaybench/transport"
)

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

const httpShutdownTimeout = 5 * time.Second

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to use the defaults.
type ServiceDependencies struct {
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	// Registry resolves transport names. Defaults to transport.DefaultRegistry.
	Registry *transport.Registry
	// Registerer and Gatherer back every Prometheus collector the service
	// creates and the /metrics endpoint. Default to the global registry.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// Service wires a Watermill router to the ingress and egress transports.
// The sender publishes to the ingress queue, the relay consumes it and
// publishes to the egress topic, and the receiver consumes the egress topic.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	ingress transport.Transport
	egress  transport.Transport
	shared  bool

	router     *message.Router
	registerer prometheus.Registerer
	gatherer   prometheus.Gatherer

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex

	report reportSource

	closeOnce sync.Once
	closeErr  error
}

// NewService constructs a Service for the supplied configuration and panics
// when it cannot. Register handlers on the returned Service before calling
// Start.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) *Service {
	s, err := TryNewService(conf, log, ctx, deps)
	if err != nil {
		panic(err)
	}
	return s
}

// TryNewService is NewService returning an error instead of panicking.
func TryNewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	wmLogger := loggingpkg.NewWatermillAdapter(log)
	log.Info("Creating relay service",
		loggingpkg.LogFields{
			"ingress_system": conf.IngressSystem,
			"egress_system":  conf.EgressSystem,
			"config":         conf,
		})

	s := &Service{
		Conf:       conf,
		Logger:     log,
		registerer: deps.Registerer,
		gatherer:   deps.Gatherer,
	}
	if s.registerer == nil {
		s.registerer = prometheus.DefaultRegisterer
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}

	registry := deps.Registry
	if registry == nil {
		registry = transport.DefaultRegistry
	}

	ingress, err := registry.Build(ctx, conf.IngressSystem, conf, wmLogger)
	if err != nil {
		return nil, fmt.Errorf("build ingress transport %q: %w", conf.IngressSystem, err)
	}
	s.ingress = ingress
	s.checkCapabilities("ingress", capabilitiesOf(ingress, registry.GetCapabilities(conf.IngressSystem)))

	if conf.EgressSystem == "" || strings.EqualFold(conf.EgressSystem, conf.IngressSystem) {
		s.egress = ingress
		s.shared = true
	} else {
		egress, err := registry.Build(ctx, conf.EgressSystem, conf, wmLogger)
		if err != nil {
			_ = ingress.Close()
			return nil, fmt.Errorf("build egress transport %q: %w", conf.EgressSystem, err)
		}
		s.egress = egress
		s.checkCapabilities("egress", capabilitiesOf(egress, registry.GetCapabilities(conf.EgressSystem)))
	}

	router, err := message.NewRouter(message.RouterConfig{}, wmLogger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	s.router = router
	s.router.AddPlugin(plugin.SignalsHandler)

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// checkCapabilities warns about transports that cannot give a complete
// measurement for the configured run.
func (s *Service) checkCapabilities(side string, caps transport.Capabilities) {
	fields := loggingpkg.LogFields{"side": side, "transport": caps.Name}
	if caps.LossyDelivery() {
		s.Logger.Warn("Transport does not acknowledge deliveries; loss may be reported that the relay never saw", fields)
	} else if side == "ingress" && !caps.SupportsReliableDelivery() {
		s.Logger.Warn("Ingress transport cannot redeliver a message the relay failed to forward; such failures count as lost", fields)
	}
	if !caps.FitsMessage(s.Conf.Run.MessageSize) {
		fields["message_size"] = s.Conf.Run.MessageSize
		fields["max_message_size"] = caps.MaxMessageSize
		s.Logger.Warn("Configured message size exceeds the transport limit", fields)
	}
}

// capabilitiesOf prefers what a built transport reports about itself over its
// registration.
func capabilitiesOf(t transport.Transport, registered transport.Capabilities) transport.Capabilities {
	for _, side := range []any{t.Subscriber, t.Publisher} {
		if p, ok := side.(transport.CapabilitiesProvider); ok {
			return p.Capabilities()
		}
	}
	return registered
}

// Router exposes the underlying Watermill router.
func (s *Service) Router() *message.Router { return s.router }

// Ingress returns the transport the sender publishes to and the relay consumes.
func (s *Service) Ingress() transport.Transport { return s.ingress }

// Egress returns the transport the relay publishes to and the receiver consumes.
func (s *Service) Egress() transport.Transport { return s.egress }

// Start runs the underlying Watermill router until the provided context is
// cancelled. Subscribers that implement transport.Starter are started once the
// router is running.
func (s *Service) Start(ctx context.Context) error {
	s.startHTTPServers(ctx)
	go s.startSubscribersWhenRunning(ctx)
	return routerRun(s.router, ctx)
}

func (s *Service) startSubscribersWhenRunning(ctx context.Context) {
	select {
	case <-s.router.Running():
	case <-ctx.Done():
		return
	}
	s.startSubscribers()
}

func (s *Service) startSubscribers() {
	subs := []message.Subscriber{s.ingress.Subscriber}
	if !s.shared {
		subs = append(subs, s.egress.Subscriber)
	}
	for _, sub := range subs {
		if starter, ok := sub.(transport.Starter); ok {
			starter.Start()
		}
	}
}

// Close releases both transports. It is safe to call more than once.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if err := s.ingress.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close ingress: %w", err))
		}
		if !s.shared {
			if err := s.egress.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close egress: %w", err))
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("failed to register middleware %s: %w", name, err)
		}
	}
	return nil
}

// RegisterHTTPHandler mounts handler on the server listening on port. Servers
// are started by Start.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers(ctx context.Context) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}
}
