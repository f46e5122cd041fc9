// Package transport defines the bus abstraction the gateway publishes requests
// and receives replies through. Each bus implementation (nats, channel) lives in
// its own sub-package and registers itself with the transport registry.
package transport

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"
)

const (
	// MetadataKeyReplyTo holds the reply address of an inbound message.
	MetadataKeyReplyTo = "_reply_to"
	// HeaderDeduplicationKey is the transport header carrying the deduplication key.
	HeaderDeduplicationKey = nats.MsgIdHdr
)

// Handler receives every message delivered on a subscription. Handlers run on
// the bus delivery goroutine and must not block for long.
type Handler func(msg *message.Message)

// Subscription is an active subscription returned by Bus.Subscribe.
type Subscription interface {
	Unsubscribe() error
}

// Request is one outbound request message.
type Request struct {
	Subject string
	// ReplyTo is the address the backend answers on.
	ReplyTo string
	// DeduplicationKey is sent as the Nats-Msg-Id header when set.
	DeduplicationKey string
	Message          *message.Message
}

// Bus is the process-wide bus client. It is created once, shared by every
// in-flight request and closed on shutdown. Implementations must be safe for
// concurrent use.
type Bus interface {
	// NewInbox returns an address unique among all addresses on this connection.
	NewInbox() string
	// Subscribe registers handler on subject. The subscription is active when
	// Subscribe returns, so a message published afterwards is not missed.
	Subscribe(subject string, handler Handler) (Subscription, error)
	// PublishRequest publishes a request carrying a reply address.
	PublishRequest(req Request) error
	// Publish sends msg to subject without a reply address. Backends answer
	// requests with it.
	Publish(subject string, msg *message.Message) error
	Close() error
}

// HealthChecker is implemented by buses that can report connection state.
type HealthChecker interface {
	IsConnected() bool
}

// Builder is the function signature for creating a bus from config. Each bus
// package provides a Builder that is registered under its name.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Bus, error)

// Config provides the configuration values needed by bus builders without
// depending on the full config package.
type Config interface {
	// GetBusSystem returns the bus name.
	GetBusSystem() string

	// NATS
	GetNATSURL() string
	GetNATSClientName() string
	GetNATSToken() string
	GetNATSMaxReconnects() int
	GetNATSReconnectWait() time.Duration
	GetNATSConnectTimeout() time.Duration
	// GetNATSDrainTimeout bounds how long Close waits for a drain to finish.
	GetNATSDrainTimeout() time.Duration
}

// CapabilitiesProvider is implemented by buses that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

// ReplyTo returns the reply address of an inbound message, or "" when the
// sender did not ask for a reply.
func ReplyTo(msg *message.Message) string {
	if msg == nil {
		return ""
	}
	return msg.Metadata.Get(MetadataKeyReplyTo)
}

// DeduplicationKey returns the deduplication key of an inbound message.
func DeduplicationKey(msg *message.Message) string {
	if msg == nil {
		return ""
	}
	return msg.Metadata.Get(HeaderDeduplicationKey)
}
