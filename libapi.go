package natsproxy

import (
	runtimepkg "github.com/CodingFlow/http-to-nats-proxy/internal/runtime"
	configpkg "github.com/CodingFlow/http-to-nats-proxy/internal/runtime/config"
	"github.com/CodingFlow/http-to-nats-proxy/internal/runtime/envelope"
	errspkg "github.com/CodingFlow/http-to-nats-proxy/internal/runtime/errors"
	"github.com/CodingFlow/http-to-nats-proxy/internal/runtime/gateway"
	idspkg "github.com/CodingFlow/http-to-nats-proxy/internal/runtime/ids"
	jsoncodec "github.com/CodingFlow/http-to-nats-proxy/internal/runtime/jsoncodec"
	loggingpkg "github.com/CodingFlow/http-to-nats-proxy/internal/runtime/logging"
	metadatapkg "github.com/CodingFlow/http-to-nats-proxy/internal/runtime/metadata"
	"github.com/CodingFlow/http-to-nats-proxy/internal/runtime/metrics"
	"github.com/CodingFlow/http-to-nats-proxy/internal/runtime/propagation"
	"github.com/CodingFlow/http-to-nats-proxy/internal/runtime/subject"
	"github.com/CodingFlow/http-to-nats-proxy/transport"
	_ "github.com/CodingFlow/http-to-nats-proxy/transport/transports"
)

type (
	Config              = configpkg.Config
	LoadOptions         = configpkg.LoadOptions
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	HealthReport        = runtimepkg.HealthReport
	ResourceUsage       = runtimepkg.ResourceUsage

	Middleware             = runtimepkg.Middleware
	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration

	Gateway         = gateway.Gateway
	GatewayOptions  = gateway.Options
	GatewayRequest  = gateway.Request
	GatewayResponse = gateway.Response

	RequestEnvelope = envelope.Request
	ReplyEnvelope   = envelope.Reply

	Metadata   = metadatapkg.Metadata
	Propagator = propagation.Propagator

	GatewayMetrics  = metrics.GatewayMetrics
	MetricsSnapshot = metrics.Snapshot

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	// Bus transports
	Bus                   = transport.Bus
	BusBuilder            = transport.Builder
	BusConfig             = transport.Config
	BusRegistry           = transport.Registry
	BusRequest            = transport.Request
	BusHandler            = transport.Handler
	BusSubscription       = transport.Subscription
	BusCapabilities       = transport.Capabilities
	BusHealthChecker      = transport.HealthChecker
	BusCapabilityProvider = transport.CapabilitiesProvider
)

var (
	NewService     = runtimepkg.NewService
	LoadConfig     = configpkg.Load
	DefaultConfig  = configpkg.Defaults
	RegisterFlags  = configpkg.RegisterFlags
	ValidateConfig = configpkg.ValidateConfig

	DefaultMiddlewares    = runtimepkg.DefaultMiddlewares
	RecovererMiddleware   = runtimepkg.RecovererMiddleware
	TracerMiddleware      = runtimepkg.TracerMiddleware
	LogRequestsMiddleware = runtimepkg.LogRequestsMiddleware
	MetricsMiddleware     = runtimepkg.MetricsMiddleware

	NewGateway = gateway.New
	StatusCode = gateway.StatusCode

	// Subject mapping
	SubjectFor      = subject.Map
	ValidateSubject = subject.Validate

	// Envelope codec, both sides of the exchange
	NewRequestEnvelope = envelope.NewRequest
	EncodeRequest      = envelope.EncodeRequest
	DecodeRequest      = envelope.DecodeRequest
	EncodeReply        = envelope.EncodeReply
	DecodeReply        = envelope.DecodeReply

	NewPropagator     = propagation.New
	NewGatewayMetrics = metrics.NewGatewayMetrics

	// Bus registry
	DefaultBusRegistry = transport.DefaultRegistry
	RegisterBus        = transport.Register
	BuildBus           = transport.Build
	GetCapabilities    = transport.GetCapabilities
	ReplyTo            = transport.ReplyTo
	DeduplicationKey   = transport.DeduplicationKey

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal
	Encode    = jsoncodec.Encode

	ErrConfigRequired   = errspkg.ErrConfigRequired
	ErrLoggerRequired   = errspkg.ErrLoggerRequired
	ErrBusRequired      = errspkg.ErrBusRequired
	ErrEncoding         = errspkg.ErrEncoding
	ErrInvalidSubject   = errspkg.ErrInvalidSubject
	ErrBodyTooLarge     = errspkg.ErrBodyTooLarge
	ErrMethodNotAllowed = errspkg.ErrMethodNotAllowed
	ErrSubscribe        = errspkg.ErrSubscribe
	ErrPublish          = errspkg.ErrPublish
	ErrTimedOut         = errspkg.ErrTimedOut
	ErrCanceled         = errspkg.ErrCanceled
	ErrMalformedReply   = errspkg.ErrMalformedReply
	ErrDuplicateReply   = errspkg.ErrDuplicateReply
	ErrAddressInUse     = errspkg.ErrAddressInUse

	NewSlogLogger        = loggingpkg.NewSlogLogger
	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger

	// NewWatermillServiceLogger adapts an existing Watermill logger, such as the
	// one handed to BuildBus.
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger

	NewMetadata = metadatapkg.New

	CreateULID = idspkg.CreateULID
)

// Bus system names accepted in Config.BusSystem.
const (
	BusNATS    = configpkg.BusNATS
	BusChannel = configpkg.BusChannel
)

// Transport metadata keys set on every published request.
const (
	MetadataKeyReplyTo     = transport.MetadataKeyReplyTo
	HeaderDeduplicationKey = transport.HeaderDeduplicationKey
	HeaderRequestID        = gateway.HeaderRequestID
)
