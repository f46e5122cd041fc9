// Package gateway turns HTTP requests into correlated bus requests and bus
// replies back into HTTP responses.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/CodingFlow/http-to-nats-proxy/internal/runtime/correlation"
	"github.com/CodingFlow/http-to-nats-proxy/internal/runtime/envelope"
	perrors "github.com/CodingFlow/http-to-nats-proxy/internal/runtime/errors"
	"github.com/CodingFlow/http-to-nats-proxy/internal/runtime/ids"
	"github.com/CodingFlow/http-to-nats-proxy/internal/runtime/logging"
	"github.com/CodingFlow/http-to-nats-proxy/internal/runtime/metrics"
	"github.com/CodingFlow/http-to-nats-proxy/internal/runtime/propagation"
	"github.com/CodingFlow/http-to-nats-proxy/internal/runtime/subject"
	"github.com/CodingFlow/http-to-nats-proxy/transport"
)

const (
	tracerName = "github.com/CodingFlow/http-to-nats-proxy/gateway"

	// HeaderRequestID echoes the deduplication key back to the caller.
	HeaderRequestID = "X-Request-Id"

	DefaultReplyTimeout    = 30 * time.Second
	DefaultRequestIDHeader = "x-request-id"
)

// Request is the decoded inbound HTTP request.
type Request struct {
	Method  string
	Path    string
	Headers http.Header
	Query   url.Values
	Body    []byte
}

// Response is what the gateway answers with. Err is set on the failure path
// and never written to the caller.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
	Err        error
}

// Options configures a Gateway. Bus is required; everything else has a default.
type Options struct {
	Bus        transport.Bus
	Logger     logging.ServiceLogger
	Metrics    *metrics.GatewayMetrics
	Propagator *propagation.Propagator
	// TracerProvider defaults to the global OpenTelemetry provider.
	TracerProvider trace.TracerProvider

	ReplyTimeout    time.Duration
	MaxRequestBytes int64
	RequestIDHeader string
}

// Gateway runs one independent request/reply exchange per inbound request. It
// shares only the bus connection between requests and is safe for concurrent use.
type Gateway struct {
	bus        transport.Bus
	channels   *correlation.Manager
	logger     logging.ServiceLogger
	metrics    *metrics.GatewayMetrics
	propagator *propagation.Propagator
	tracer     trace.Tracer

	replyTimeout    time.Duration
	maxRequestBytes int64
	requestIDHeader string
}

// New builds a Gateway.
func New(opts Options) (*Gateway, error) {
	if opts.Bus == nil {
		return nil, perrors.ErrBusRequired
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.Propagator == nil {
		opts.Propagator = propagation.New(nil)
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = otel.GetTracerProvider()
	}
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = DefaultReplyTimeout
	}
	if opts.RequestIDHeader == "" {
		opts.RequestIDHeader = DefaultRequestIDHeader
	}

	return &Gateway{
		bus:             opts.Bus,
		channels:        correlation.NewManager(opts.Bus, opts.Logger, opts.Metrics),
		logger:          opts.Logger,
		metrics:         opts.Metrics,
		propagator:      opts.Propagator,
		tracer:          opts.TracerProvider.Tracer(tracerName),
		replyTimeout:    opts.ReplyTimeout,
		maxRequestBytes: opts.MaxRequestBytes,
		requestIDHeader: opts.RequestIDHeader,
	}, nil
}

// Channels exposes the correlation manager, mainly for health reporting.
func (g *Gateway) Channels() *correlation.Manager {
	return g.channels
}

// Handle maps the request to a subject, publishes it with a fresh reply address
// and waits for exactly one reply. Every failure is turned into an HTTP status;
// the correlation channel is released on every path.
func (g *Gateway) Handle(ctx context.Context, req Request) Response {
	subj := subject.Map(req.Method, req.Path)
	requestID := ids.DeduplicationKey(req.Headers.Get(g.requestIDHeader))
	log := g.logger.With(logging.LogFields{
		"subject":    subj,
		"request_id": requestID,
	})

	resp, outcome := g.exchange(ctx, subj, requestID, req, log)
	g.metrics.RecordOutcome(outcome)

	if resp.Err != nil {
		resp = errorResponse(resp.Err)
		logFailure(log, resp)
	} else {
		log.Debug("Request replied", logging.LogFields{"status_code": resp.StatusCode})
	}
	resp.Headers.Set(HeaderRequestID, requestID)
	return resp
}

func (g *Gateway) exchange(ctx context.Context, subj, requestID string, req Request, log logging.ServiceLogger) (Response, string) {
	if err := subject.Validate(subj); err != nil {
		return Response{Err: err}, metrics.OutcomeRejected
	}

	env, err := envelope.NewRequest(req.Headers, req.Query, req.Body)
	if err != nil {
		return Response{Err: err}, metrics.OutcomeRejected
	}

	ctx, span := g.tracer.Start(ctx, subj+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "nats"),
			attribute.String("messaging.operation.type", "publish"),
			attribute.String("messaging.destination.name", subj),
			attribute.String("messaging.message.id", requestID),
		),
	)
	defer span.End()

	resp, outcome := g.roundTrip(ctx, subj, requestID, env, log)
	if resp.Err != nil {
		span.RecordError(resp.Err)
		span.SetStatus(codes.Error, outcome)
	} else {
		span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	}
	return resp, outcome
}

func (g *Gateway) roundTrip(ctx context.Context, subj, requestID string, env envelope.Request, log logging.ServiceLogger) (Response, string) {
	ch, err := g.channels.Open()
	if err != nil {
		return Response{Err: err}, metrics.OutcomeSubscribeError
	}
	defer func() {
		if err := ch.Close(); err != nil {
			log.Error("Failed to release reply address", err, logging.LogFields{"reply_to": ch.Address()})
		}
	}()

	env.OriginReplyTo = ch.Address()
	payload, err := envelope.EncodeRequest(env)
	if err != nil {
		return Response{Err: err}, metrics.OutcomeRejected
	}

	if provider, ok := g.bus.(transport.CapabilitiesProvider); ok {
		if caps := provider.Capabilities(); !caps.FitsPayload(len(payload)) {
			return Response{Err: fmt.Errorf("%w: envelope of %d bytes exceeds the %s message limit",
				perrors.ErrBodyTooLarge, len(payload), caps.Name)}, metrics.OutcomeRejected
		}
	}

	msg := message.NewMessage(ids.CreateULID(), payload)
	g.propagator.Inject(ctx, msg.Metadata)

	published := time.Now()
	err = g.bus.PublishRequest(transport.Request{
		Subject:          subj,
		ReplyTo:          ch.Address(),
		DeduplicationKey: requestID,
		Message:          msg,
	})
	if err != nil {
		return Response{Err: fmt.Errorf("%w: %v", perrors.ErrPublish, err)}, metrics.OutcomePublishFailed
	}
	log.Trace("Request published", logging.LogFields{"reply_to": ch.Address()})

	reply, err := ch.Await(ctx, g.replyTimeout)
	if err != nil {
		if errors.Is(err, perrors.ErrCanceled) {
			return Response{Err: err}, metrics.OutcomeCanceled
		}
		return Response{Err: err}, metrics.OutcomeTimedOut
	}
	g.metrics.ObserveReplyWait(time.Since(published))

	decoded, err := envelope.DecodeReply(reply.Payload)
	if err != nil {
		return Response{Err: err}, metrics.OutcomeMalformed
	}

	return replyResponse(decoded), metrics.OutcomeReplied
}

func logFailure(log logging.ServiceLogger, resp Response) {
	fields := logging.LogFields{"status_code": resp.StatusCode}
	switch {
	case errors.Is(resp.Err, perrors.ErrCanceled):
		log.Debug("Caller went away before the reply", fields)
	case resp.StatusCode < http.StatusInternalServerError:
		log.Info("Request rejected: "+resp.Err.Error(), fields)
	default:
		log.Error("Request failed", resp.Err, fields)
	}
}
