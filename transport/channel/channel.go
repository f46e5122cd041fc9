// Package channel provides an in-process bus backed by Watermill's gochannel
// pub/sub. It speaks the same request/reply protocol as the NATS bus and is used
// for local development and tests.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/CodingFlow/http-to-nats-proxy/internal/runtime/ids"
	"github.com/CodingFlow/http-to-nats-proxy/transport"
)

// TransportName is the name used to register this bus.
const TransportName = "channel"

// InboxPrefix prefixes every address returned by NewInbox.
const InboxPrefix = "_INBOX."

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("channel bus: closed")

// PubSub is the Watermill pub/sub the bus runs on.
type PubSub interface {
	message.Publisher
	message.Subscriber
}

// Factory allows overriding the pub/sub creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) PubSub {
	return gochannel.NewGoChannel(cfg, logger)
}

func init() {
	Register()
}

// Register registers the channel bus with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates a new in-process bus.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Bus, error) {
	return New(logger), nil
}

// Capabilities returns the capabilities of this bus.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}

// Bus is an in-process transport.Bus.
type Bus struct {
	pubSub PubSub
	logger watermill.LoggerAdapter

	mu     sync.Mutex
	closed bool
	subs   map[*subscription]struct{}
}

// New returns a ready bus.
func New(logger watermill.LoggerAdapter) *Bus {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Bus{
		pubSub: Factory(gochannel.Config{OutputChannelBuffer: 16}, logger),
		logger: logger,
		subs:   make(map[*subscription]struct{}),
	}
}

func (b *Bus) NewInbox() string {
	return InboxPrefix + ids.CreateULID()
}

// Subscribe consumes subject on a dedicated goroutine. Every message is acked
// after handler returns.
func (b *Bus) Subscribe(subject string, handler transport.Handler) (transport.Subscription, error) {
	if handler == nil {
		return nil, errors.New("channel bus: handler is required")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithCancel(context.Background())
	messages, err := b.pubSub.Subscribe(ctx, subject)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("channel bus: subscribe %s: %w", subject, err)
	}

	sub := &subscription{bus: b, cancel: cancel}
	b.subs[sub] = struct{}{}

	go func() {
		for msg := range messages {
			if !sub.stopped.Load() {
				handler(msg)
			}
			msg.Ack()
		}
	}()

	return sub, nil
}

func (b *Bus) PublishRequest(req transport.Request) error {
	if req.Message == nil {
		return errors.New("channel bus: message is required")
	}
	msg := req.Message.Copy()
	if req.ReplyTo != "" {
		msg.Metadata.Set(transport.MetadataKeyReplyTo, req.ReplyTo)
	}
	if req.DeduplicationKey != "" {
		msg.Metadata.Set(transport.HeaderDeduplicationKey, req.DeduplicationKey)
	}
	return b.publish(req.Subject, msg)
}

func (b *Bus) Publish(subject string, msg *message.Message) error {
	if msg == nil {
		return errors.New("channel bus: message is required")
	}
	return b.publish(subject, msg.Copy())
}

func (b *Bus) publish(subject string, msg *message.Message) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return b.pubSub.Publish(subject, msg)
}

// Capabilities implements transport.CapabilitiesProvider.
func (b *Bus) Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}

// IsConnected reports whether the bus is still open.
func (b *Bus) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.closed
}

// Active returns the number of live subscriptions.
func (b *Bus) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close cancels every subscription and closes the pub/sub. It is safe to call
// more than once.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[*subscription]struct{})
	b.mu.Unlock()

	for _, sub := range subs {
		sub.stopped.Store(true)
		sub.cancel()
	}
	return b.pubSub.Close()
}

type subscription struct {
	bus     *Bus
	cancel  context.CancelFunc
	once    sync.Once
	stopped atomic.Bool
}

// Unsubscribe stops delivery. A handler call already in progress finishes;
// buffered messages are acked without reaching the handler.
func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.stopped.Store(true)
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		s.cancel()
	})
	return nil
}
