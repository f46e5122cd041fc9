/*
Package runtime hosts the HTTP-to-NATS gateway.

# Architecture Overview

An inbound HTTP request flows through the middleware chain into the gateway,
which maps it to a subject, opens a correlation channel on a fresh reply
address, publishes the request envelope on the bus and waits for exactly one
reply. The reply envelope becomes the HTTP response.

# Package Structure

## Core Service (service.go)

The Service struct wires together:
  - Bus connection (NATS or the in-process channel bus)
  - Gateway and its correlation manager
  - Middleware chain
  - HTTP listener with graceful shutdown
  - Auxiliary servers for /metrics and /healthz

## Middleware (middleware.go)

  - Recoverer: panic recovery
  - Tracer: OpenTelemetry server span continuing the caller's trace
  - LogRequests: one debug line per answered request
  - Metrics: Prometheus exposition on the metrics port

## Health (health.go, resources.go)

Bus connectivity, open correlation channels, a gateway metrics snapshot and
coarse CPU/memory usage.

# Sub-packages

  - config/: configuration, defaults and loading from .env, environment and flags
  - correlation/: reply addresses and single-reply delivery
  - envelope/: request and reply envelope codec
  - errors/: sentinel errors
  - gateway/: request orchestration and the HTTP handler
  - ids/: ULID generation and deduplication keys
  - jsoncodec/: JSON marshaling on sonic
  - logging/: logger interface and adapters
  - metadata/: header and metadata conversions
  - metrics/: Prometheus collectors
  - propagation/: trace context injection and extraction
  - subject/: HTTP method and path to subject mapping

# Usage Example

	cfg, err := config.Load(config.LoadOptions{})
	if err != nil {
		return err
	}

	svc, err := runtime.NewService(cfg, logger, ctx, runtime.ServiceDependencies{})
	if err != nil {
		return err
	}

	return svc.Start(ctx)
*/
package runtime
