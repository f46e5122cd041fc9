package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	configpkg "github.com/CodingFlow/http-to-nats-proxy/internal/runtime/config"
	perrors "github.com/CodingFlow/http-to-nats-proxy/internal/runtime/errors"
	"github.com/CodingFlow/http-to-nats-proxy/internal/runtime/gateway"
	loggingpkg "github.com/CodingFlow/http-to-nats-proxy/internal/runtime/logging"
	"github.com/CodingFlow/http-to-nats-proxy/internal/runtime/metrics"
	"github.com/CodingFlow/http-to-nats-proxy/internal/runtime/propagation"
	"github.com/CodingFlow/http-to-nats-proxy/transport"
)

const readHeaderTimeout = 10 * time.Second

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to fall back to the configured bus and the global telemetry.
type ServiceDependencies struct {
	Bus                       transport.Bus            // Used as-is instead of building one from the registry.
	Registry                  *transport.Registry      // Defaults to transport.DefaultRegistry.
	Registerer                prometheus.Registerer    // Defaults to prometheus.DefaultRegisterer.
	Gatherer                  prometheus.Gatherer      // Served on /metrics; defaults to prometheus.DefaultGatherer.
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	TracerProvider            trace.TracerProvider
	Propagator                *propagation.Propagator
}

// Service owns the bus connection, the gateway and the HTTP servers in front of it.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	bus            transport.Bus
	gateway        *gateway.Gateway
	metrics        *metrics.GatewayMetrics
	gatherer       prometheus.Gatherer
	tracerProvider trace.TracerProvider
	propagator     *propagation.Propagator

	middlewares   []Middleware
	middlewaresMu sync.RWMutex

	httpServers   map[int]*chi.Mux
	httpServersMu sync.Mutex

	resourceTracker *resourceTracker
	startedAt       time.Time
}

// NewService connects to the configured bus and builds the gateway. The bus is
// closed again if any later step fails.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, perrors.ErrConfigRequired
	}
	if log == nil {
		return nil, perrors.ErrLoggerRequired
	}

	log.Info("Creating gateway service",
		loggingpkg.LogFields{
			"bus_system": conf.BusSystem,
			"config":     conf.String(),
		})

	s := &Service{
		Conf:            conf,
		Logger:          log,
		gatherer:        deps.Gatherer,
		tracerProvider:  deps.TracerProvider,
		propagator:      deps.Propagator,
		resourceTracker: newResourceTracker(),
		startedAt:       time.Now(),
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	if s.tracerProvider == nil {
		s.tracerProvider = otel.GetTracerProvider()
	}
	if s.propagator == nil {
		s.propagator = propagation.New(nil)
	}

	bus, err := s.buildBus(ctx, deps)
	if err != nil {
		return nil, err
	}
	s.bus = bus

	if err := s.init(deps); err != nil {
		if closeErr := bus.Close(); closeErr != nil {
			log.Error("Failed to close bus", closeErr, nil)
		}
		return nil, err
	}
	return s, nil
}

func (s *Service) buildBus(ctx context.Context, deps ServiceDependencies) (transport.Bus, error) {
	if deps.Bus != nil {
		return deps.Bus, nil
	}
	registry := deps.Registry
	if registry == nil {
		registry = transport.DefaultRegistry
	}
	bus, err := registry.Build(ctx, s.Conf, loggingpkg.NewWatermillAdapter(s.Logger))
	if err != nil {
		return nil, fmt.Errorf("build %s bus: %w", s.Conf.BusSystem, err)
	}
	return bus, nil
}

func (s *Service) init(deps ServiceDependencies) error {
	if s.Conf.MetricsEnabled {
		s.metrics = metrics.NewGatewayMetrics(deps.Registerer)
		if err := s.metrics.Register(); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}

	gw, err := gateway.New(gateway.Options{
		Bus:             s.bus,
		Logger:          s.Logger,
		Metrics:         s.metrics,
		Propagator:      s.propagator,
		TracerProvider:  s.tracerProvider,
		ReplyTimeout:    s.Conf.ReplyTimeout,
		MaxRequestBytes: s.Conf.MaxRequestBytes,
		RequestIDHeader: s.Conf.RequestIDHeader,
	})
	if err != nil {
		return err
	}
	s.gateway = gw

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		return err
	}
	if s.Conf.MetricsPort > 0 {
		s.RegisterHTTPHandler(s.Conf.MetricsPort, "/healthz", http.HandlerFunc(s.handleHealth))
	}
	return nil
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
			return fmt.Errorf("register middleware %s: %w", name, err)
		}
	}
	return nil
}

// Gateway returns the request/reply gateway.
func (s *Service) Gateway() *gateway.Gateway {
	return s.gateway
}

// Bus returns the bus connection the gateway publishes on.
func (s *Service) Bus() transport.Bus {
	return s.bus
}

// Metrics returns the gateway metrics, or nil when metrics are disabled.
func (s *Service) Metrics() *metrics.GatewayMetrics {
	return s.metrics
}

// Handler returns the gateway wrapped in the registered middleware chain. The
// first registered middleware is the outermost one.
func (s *Service) Handler() http.Handler {
	s.middlewaresMu.RLock()
	defer s.middlewaresMu.RUnlock()

	var h http.Handler = s.gateway
	for i := len(s.middlewares) - 1; i >= 0; i-- {
		h = s.middlewares[i](h)
	}
	return h
}

// RegisterHTTPHandler mounts handler on the auxiliary server for port. Servers
// are started by Start.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*chi.Mux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = chi.NewRouter()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

// Start listens on the configured address and serves until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Conf.ListenAddress())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.Conf.ListenAddress(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the gateway on ln until ctx is cancelled or the server fails. On
// return the listener is closed, in-flight requests had up to ShutdownTimeout to
// finish, and the bus connection is closed.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	auxiliary := s.startHTTPServers()

	s.Logger.Info("Gateway listening", loggingpkg.LogFields{"address": ln.Addr().String()})

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Serve(ln)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		s.Logger.Info("Shutting down gateway", loggingpkg.LogFields{"timeout": s.Conf.ShutdownTimeout.String()})
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("serve: %w", err)
		}
	}

	return errors.Join(runErr, s.shutdown(server, auxiliary))
}

func (s *Service) shutdown(server *http.Server, auxiliary []*http.Server) error {
	timeout := s.Conf.ShutdownTimeout
	if timeout <= 0 {
		timeout = configpkg.Defaults().ShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown gateway server: %w", err))
	}
	for _, srv := range auxiliary {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
		}
	}
	if err := s.bus.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close bus: %w", err))
	}
	return errors.Join(errs...)
}

func (s *Service) startHTTPServers() []*http.Server {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	servers := make([]*http.Server, 0, len(s.httpServers))
	for port, mux := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: readHeaderTimeout,
		}
		servers = append(servers, srv)

		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func(srv *http.Server) {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}(srv)
	}
	return servers
}
