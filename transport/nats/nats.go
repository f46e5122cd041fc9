// Package nats provides the NATS Core bus.
package nats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmnats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	"github.com/CodingFlow/http-to-nats-proxy/internal/runtime/ids"
	"github.com/CodingFlow/http-to-nats-proxy/internal/runtime/metadata"
	"github.com/CodingFlow/http-to-nats-proxy/transport"
)

// TransportName is the name used to register this bus.
const TransportName = "nats"

// defaultDrainTimeout matches the nats.go client default.
const defaultDrainTimeout = 30 * time.Second

// Conn is the subset of *nats.Conn the bus uses.
type Conn interface {
	NewInbox() string
	PublishMsg(m *nats.Msg) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
	Drain() error
	Close()
	IsConnected() bool
	SetClosedHandler(cb nats.ConnHandler)
}

// ConnectFactory allows overriding the connection creation for testing.
var ConnectFactory = func(url string, opts ...nats.Option) (Conn, error) {
	return nats.Connect(url, opts...)
}

type marshaler interface {
	Marshal(topic string, msg *message.Message) (*nats.Msg, error)
}

func init() {
	Register()
}

// Register registers the NATS bus with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// Capabilities returns the capabilities of this bus.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}

// Build connects to the configured NATS server.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Bus, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	url := cfg.GetNATSURL()
	if url == "" {
		return nil, errors.New("nats: URL is required")
	}

	conn, err := ConnectFactory(url, Options(cfg, logger)...)
	if err != nil {
		return nil, fmt.Errorf("nats: connect: %w", err)
	}

	logger.Info("Connected to NATS", watermill.LogFields{"client_name": cfg.GetNATSClientName()})
	bus := New(conn, logger)
	if timeout := cfg.GetNATSDrainTimeout(); timeout > 0 {
		bus.drainTimeout = timeout
	}
	return bus, nil
}

// Options translates cfg into connection options. Connection state changes are
// logged through logger.
func Options(cfg transport.Config, logger watermill.LoggerAdapter) []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.GetNATSMaxReconnects()),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Error("NATS connection lost", err, nil)
				return
			}
			logger.Info("NATS connection lost", nil)
		}),
		nats.ReconnectHandler(func(*nats.Conn) {
			logger.Info("NATS connection restored", nil)
		}),
	}
	if name := cfg.GetNATSClientName(); name != "" {
		opts = append(opts, nats.Name(name))
	}
	if token := cfg.GetNATSToken(); token != "" {
		opts = append(opts, nats.Token(token))
	}
	if wait := cfg.GetNATSReconnectWait(); wait > 0 {
		opts = append(opts, nats.ReconnectWait(wait))
	}
	if timeout := cfg.GetNATSConnectTimeout(); timeout > 0 {
		opts = append(opts, nats.Timeout(timeout))
	}
	if timeout := cfg.GetNATSDrainTimeout(); timeout > 0 {
		opts = append(opts, nats.DrainTimeout(timeout))
	}
	return opts
}

// Bus is a transport.Bus over a single shared NATS connection.
type Bus struct {
	conn      Conn
	marshaler marshaler
	logger    watermill.LoggerAdapter

	drainTimeout time.Duration
	closed       chan struct{}
	closedOnce   sync.Once

	closeOnce sync.Once
	closeErr  error
}

// New wraps an established connection and takes over its closed handler.
func New(conn Conn, logger watermill.LoggerAdapter) *Bus {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	b := &Bus{
		conn:         conn,
		marshaler:    &wmnats.NATSMarshaler{},
		logger:       logger,
		drainTimeout: defaultDrainTimeout,
		closed:       make(chan struct{}),
	}
	conn.SetClosedHandler(func(*nats.Conn) {
		logger.Debug("NATS connection closed", nil)
		b.closedOnce.Do(func() { close(b.closed) })
	})
	return b
}

// NewInbox returns a connection-unique _INBOX subject.
func (b *Bus) NewInbox() string {
	return b.conn.NewInbox()
}

// Subscribe registers handler on subject. The SUB is queued on the connection
// before Subscribe returns, so a later publish on the same connection cannot
// overtake it.
func (b *Bus) Subscribe(subject string, handler transport.Handler) (transport.Subscription, error) {
	if handler == nil {
		return nil, errors.New("nats: handler is required")
	}
	sub, err := b.conn.Subscribe(subject, func(m *nats.Msg) {
		handler(FromNATS(m))
	})
	if err != nil {
		return nil, fmt.Errorf("nats: subscribe: %w", err)
	}
	return sub, nil
}

// PublishRequest marshals the message, sets the reply subject and attaches the
// deduplication key as the Nats-Msg-Id header.
func (b *Bus) PublishRequest(req transport.Request) error {
	m, err := b.toNATS(req.Subject, req.Message)
	if err != nil {
		return err
	}
	m.Reply = req.ReplyTo
	if req.DeduplicationKey != "" {
		m.Header.Set(nats.MsgIdHdr, req.DeduplicationKey)
	}
	return b.conn.PublishMsg(m)
}

func (b *Bus) Publish(subject string, msg *message.Message) error {
	m, err := b.toNATS(subject, msg)
	if err != nil {
		return err
	}
	return b.conn.PublishMsg(m)
}

func (b *Bus) toNATS(subject string, msg *message.Message) (*nats.Msg, error) {
	if msg == nil {
		return nil, errors.New("nats: message is required")
	}
	m, err := b.marshaler.Marshal(subject, msg)
	if err != nil {
		return nil, fmt.Errorf("nats: marshal: %w", err)
	}
	if m.Header == nil {
		m.Header = nats.Header{}
	}
	return m, nil
}

// Capabilities implements transport.CapabilitiesProvider.
func (b *Bus) Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}

func (b *Bus) IsConnected() bool {
	return b.conn.IsConnected()
}

// Close drains the connection so buffered publishes are flushed and
// subscriptions are removed. It returns once the connection has closed, or
// closes it outright when draining outlasts the drain timeout.
func (b *Bus) Close() error {
	b.closeOnce.Do(func() {
		if err := b.conn.Drain(); err != nil {
			if !errors.Is(err, nats.ErrConnectionClosed) {
				b.closeErr = fmt.Errorf("nats: drain: %w", err)
			}
			b.conn.Close()
			return
		}

		timer := time.NewTimer(b.drainTimeout)
		defer timer.Stop()
		select {
		case <-b.closed:
		case <-timer.C:
			b.closeErr = fmt.Errorf("nats: drain did not finish within %s", b.drainTimeout)
			b.conn.Close()
		}
	})
	return b.closeErr
}

// FromNATS converts an inbound NATS message. Headers become metadata and the
// reply subject is stored under transport.MetadataKeyReplyTo.
func FromNATS(m *nats.Msg) *message.Message {
	msg := message.NewMessage(ids.CreateULID(), m.Data)
	msg.Metadata = metadata.ToWatermill(metadata.FromNATSHeader(m.Header))
	if m.Reply != "" {
		msg.Metadata.Set(transport.MetadataKeyReplyTo, m.Reply)
	}
	return msg
}
