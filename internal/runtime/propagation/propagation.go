// Package propagation carries distributed-trace context across the HTTP to bus boundary.
package propagation

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Sink receives propagation key/value pairs. Watermill metadata and
// metadata.Metadata both satisfy it.
type Sink interface {
	Set(key, value string)
}

// Propagator injects the active trace context into outbound metadata and
// extracts the caller's context from inbound HTTP headers.
type Propagator struct {
	inner propagation.TextMapPropagator
}

// New returns a Propagator backed by p. A nil p resolves the global OpenTelemetry
// propagator on every call, so late registration in main is honoured.
func New(p propagation.TextMapPropagator) *Propagator {
	return &Propagator{inner: p}
}

func (p *Propagator) propagator() propagation.TextMapPropagator {
	if p == nil || p.inner == nil {
		return otel.GetTextMapPropagator()
	}
	return p.inner
}

// Inject writes the trace context held by ctx into sink using the propagation
// format's standard key names. Without an active span nothing is written.
func (p *Propagator) Inject(ctx context.Context, sink Sink) {
	if sink == nil {
		return
	}
	p.propagator().Inject(ctx, sinkCarrier{sink: sink})
}

// Extract returns ctx enriched with the trace context found in headers.
func (p *Propagator) Extract(ctx context.Context, headers http.Header) context.Context {
	if headers == nil {
		return ctx
	}
	return p.propagator().Extract(ctx, propagation.HeaderCarrier(headers))
}

// sinkCarrier adapts a write-only Sink to the TextMapCarrier interface.
type sinkCarrier struct {
	sink Sink
}

func (c sinkCarrier) Get(string) string { return "" }

func (c sinkCarrier) Set(key, value string) { c.sink.Set(key, value) }

func (c sinkCarrier) Keys() []string { return nil }
