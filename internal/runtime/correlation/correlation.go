// Package correlation allocates per-request reply addresses and waits for
// exactly one reply on each.
package correlation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	perrors "github.com/CodingFlow/http-to-nats-proxy/internal/runtime/errors"
	"github.com/CodingFlow/http-to-nats-proxy/internal/runtime/logging"
	"github.com/CodingFlow/http-to-nats-proxy/internal/runtime/metrics"
	"github.com/CodingFlow/http-to-nats-proxy/transport"
)

// Manager tracks the correlation channels open on one bus connection.
type Manager struct {
	bus     transport.Bus
	logger  logging.ServiceLogger
	metrics *metrics.GatewayMetrics

	mu   sync.Mutex
	open map[string]*Channel
}

// NewManager returns a Manager over bus. metrics may be nil.
func NewManager(bus transport.Bus, logger logging.ServiceLogger, m *metrics.GatewayMetrics) *Manager {
	if bus == nil {
		panic("natsproxy: correlation manager requires a bus")
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Manager{
		bus:     bus,
		logger:  logger,
		metrics: m,
		open:    make(map[string]*Channel),
	}
}

// Open allocates a fresh reply address and subscribes to it. The subscription
// is live when Open returns, so the request may be published right away. The
// caller must Close the channel on every exit path.
func (m *Manager) Open() (*Channel, error) {
	address := m.bus.NewInbox()
	ch := &Channel{
		address: address,
		manager: m,
		replies: make(chan *message.Message, 1),
	}

	m.mu.Lock()
	if _, taken := m.open[address]; taken {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", perrors.ErrAddressInUse, address)
	}
	m.open[address] = ch
	m.mu.Unlock()

	sub, err := m.bus.Subscribe(address, ch.deliver)
	if err != nil {
		m.forget(address)
		return nil, fmt.Errorf("%w: %v", perrors.ErrSubscribe, err)
	}

	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("%w: channel closed while opening", perrors.ErrSubscribe)
	}
	ch.sub = sub
	ch.mu.Unlock()

	m.metrics.ChannelOpened()
	return ch, nil
}

// Close closes the channel registered under address. Unknown addresses are
// ignored, so Close is idempotent.
func (m *Manager) Close(address string) error {
	m.mu.Lock()
	ch, ok := m.open[address]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return ch.Close()
}

// Active returns the number of open channels.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open)
}

func (m *Manager) forget(address string) {
	m.mu.Lock()
	delete(m.open, address)
	m.mu.Unlock()
}

// Channel is one request's reply address together with its subscription.
type Channel struct {
	address string
	manager *Manager
	replies chan *message.Message

	delivered atomic.Bool

	mu     sync.Mutex
	sub    transport.Subscription
	closed bool
}

// Address is the reply address to publish the request with.
func (c *Channel) Address() string {
	return c.address
}

// deliver hands the first reply to Await. Later replies on the same address
// are logged and dropped.
func (c *Channel) deliver(msg *message.Message) {
	if c.delivered.CompareAndSwap(false, true) {
		c.replies <- msg
		return
	}
	c.manager.metrics.RecordDuplicateReply()
	c.manager.logger.Error("Discarding duplicate reply", perrors.ErrDuplicateReply, logging.LogFields{
		"reply_to": c.address,
	})
}

// Await blocks until the reply arrives, timeout elapses or ctx is done. A
// non-positive timeout leaves only ctx to bound the wait. Timeouts report
// ErrTimedOut; caller cancellation reports ErrCanceled.
func (c *Channel) Await(ctx context.Context, timeout time.Duration) (*message.Message, error) {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case msg := <-c.replies:
		return msg, nil
	case <-expired:
		return nil, fmt.Errorf("%w after %s", perrors.ErrTimedOut, timeout)
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", perrors.ErrTimedOut, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %v", perrors.ErrCanceled, ctx.Err())
	}
}

// Close unsubscribes and releases the address. Only the first call does any
// work; later calls return nil.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()

	c.manager.forget(c.address)

	if sub == nil {
		return nil
	}
	c.manager.metrics.ChannelClosed()
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("correlation: unsubscribe %s: %w", c.address, err)
	}
	return nil
}
