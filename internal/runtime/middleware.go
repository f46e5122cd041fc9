package runtime

import (
	"errors"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/CodingFlow/http-to-nats-proxy/internal/runtime/gateway"
	loggingpkg "github.com/CodingFlow/http-to-nats-proxy/internal/runtime/logging"
)

const serverTracerName = "github.com/CodingFlow/http-to-nats-proxy/server"

// Middleware wraps the gateway handler.
type Middleware func(http.Handler) http.Handler

// MiddlewareBuilder constructs a middleware using the provided service instance.
// A nil middleware is skipped.
type MiddlewareBuilder func(*Service) (Middleware, error)

// MiddlewareRegistration captures how a middleware should be registered on a Service.
type MiddlewareRegistration struct {
	Name       string
	Middleware Middleware
	Builder    MiddlewareBuilder
}

// DefaultMiddlewares returns the standard middleware chain used by the Service
// constructor, outermost first.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		RecovererMiddleware(),
		TracerMiddleware(),
		LogRequestsMiddleware(nil),
		MetricsMiddleware(),
	}
}

// RecovererMiddleware converts handler panics into a 500 response.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: chimiddleware.Recoverer,
	}
}

// TracerMiddleware continues the caller's trace and wraps the request in a
// server span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Builder: func(s *Service) (Middleware, error) {
			return s.tracerMiddleware(), nil
		},
	}
}

// LogRequestsMiddleware logs every request once it has been answered.
func LogRequestsMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_requests",
		Builder: func(s *Service) (Middleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errors.New("log requests middleware requires a logger")
			}
			return logRequestsMiddleware(l), nil
		},
	}
}

// MetricsMiddleware exposes /metrics on the metrics port. Request metrics are
// recorded by the gateway itself, so no handler wrapping is needed.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(s *Service) (Middleware, error) {
			if !s.Conf.MetricsEnabled || s.Conf.MetricsPort <= 0 {
				return nil, nil
			}
			s.RegisterHTTPHandler(s.Conf.MetricsPort, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
			return nil, nil
		},
	}
}

// RegisterMiddleware appends the supplied middleware to the chain. It must be
// called before Start.
func (s *Service) RegisterMiddleware(cfg MiddlewareRegistration) error {
	var mw Middleware
	switch {
	case cfg.Middleware != nil:
		mw = cfg.Middleware
	case cfg.Builder != nil:
		var err error
		mw, err = cfg.Builder(s)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}

	s.middlewaresMu.Lock()
	s.middlewares = append(s.middlewares, mw)
	s.middlewaresMu.Unlock()
	return nil
}

func (s *Service) tracerMiddleware() Middleware {
	tracer := s.tracerProvider.Tracer(serverTracerName)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := s.propagator.Extract(r.Context(), r.Header)
			ctx, span := tracer.Start(ctx, r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.request.method", r.Method),
					attribute.String("url.path", r.URL.Path),
					attribute.String("server.address", r.Host),
				),
			)
			defer span.End()

			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r.WithContext(ctx))

			status := responseStatus(ww)
			span.SetAttributes(attribute.Int("http.response.status_code", status))
			if status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(status))
			}
		})
	}
}

func logRequestsMiddleware(logger loggingpkg.ServiceLogger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Debug("Request handled", loggingpkg.LogFields{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status_code": responseStatus(ww),
				"bytes":       ww.BytesWritten(),
				"duration":    time.Since(started).String(),
				"request_id":  ww.Header().Get(gateway.HeaderRequestID),
			})
		})
	}
}

// responseStatus reports what the handler sent. Nothing written means the caller
// went away before the reply.
func responseStatus(ww chimiddleware.WrapResponseWriter) int {
	if status := ww.Status(); status != 0 {
		return status
	}
	return gateway.StatusClientClosedRequest
}
