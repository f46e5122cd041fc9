package correlation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/CodingFlow/http-to-nats-proxy/internal/runtime/errors"
	"github.com/CodingFlow/http-to-nats-proxy/internal/runtime/metrics"
	"github.com/CodingFlow/http-to-nats-proxy/transport"
	"github.com/CodingFlow/http-to-nats-proxy/transport/channel"
)

type fakeSubscription struct {
	bus     *fakeBus
	subject string
}

func (s *fakeSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.bus.unsubscribed = append(s.bus.unsubscribed, s.subject)
	delete(s.bus.handlers, s.subject)
	return s.bus.unsubscribeErr
}

type fakeBus struct {
	mu             sync.Mutex
	next           int
	fixedInbox     string
	handlers       map[string]transport.Handler
	unsubscribed   []string
	subscribeErr   error
	unsubscribeErr error
}

func newFakeBus() *fakeBus {
	return &fakeBus{handlers: make(map[string]transport.Handler)}
}

func (b *fakeBus) NewInbox() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fixedInbox != "" {
		return b.fixedInbox
	}
	b.next++
	return fmt.Sprintf("_INBOX.%d", b.next)
}

func (b *fakeBus) Subscribe(subject string, handler transport.Handler) (transport.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribeErr != nil {
		return nil, b.subscribeErr
	}
	b.handlers[subject] = handler
	return &fakeSubscription{bus: b, subject: subject}, nil
}

func (b *fakeBus) PublishRequest(transport.Request) error { return nil }

func (b *fakeBus) Publish(subject string, msg *message.Message) error {
	b.mu.Lock()
	handler := b.handlers[subject]
	b.mu.Unlock()
	if handler != nil {
		handler(msg)
	}
	return nil
}

func (b *fakeBus) Close() error { return nil }

func (b *fakeBus) subscribed(subject string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.handlers[subject]
	return ok
}

func TestOpenSubscribesBeforeReturning(t *testing.T) {
	bus := newFakeBus()
	m := NewManager(bus, nil, nil)

	ch, err := m.Open()
	require.NoError(t, err)
	defer ch.Close()

	assert.True(t, bus.subscribed(ch.Address()))
	assert.Equal(t, 1, m.Active())
}

func TestOpenAllocatesDistinctAddresses(t *testing.T) {
	m := NewManager(newFakeBus(), nil, nil)

	a, err := m.Open()
	require.NoError(t, err)
	b, err := m.Open()
	require.NoError(t, err)

	assert.NotEqual(t, a.Address(), b.Address())
	assert.Equal(t, 2, m.Active())
}

func TestOpenRejectsAddressInUse(t *testing.T) {
	bus := newFakeBus()
	bus.fixedInbox = "_INBOX.same"
	m := NewManager(bus, nil, nil)

	first, err := m.Open()
	require.NoError(t, err)
	defer first.Close()

	_, err = m.Open()
	require.Error(t, err)
	assert.True(t, errors.Is(err, perrors.ErrAddressInUse))
	assert.Equal(t, 1, m.Active())
}

func TestOpenSubscribeFailure(t *testing.T) {
	bus := newFakeBus()
	bus.subscribeErr = errors.New("permissions violation")
	m := NewManager(bus, nil, nil)

	_, err := m.Open()
	require.Error(t, err)
	assert.True(t, errors.Is(err, perrors.ErrSubscribe))
	assert.Zero(t, m.Active())
}

func TestAwaitReturnsFirstReply(t *testing.T) {
	bus := newFakeBus()
	m := NewManager(bus, nil, nil)

	ch, err := m.Open()
	require.NoError(t, err)
	defer ch.Close()

	go func() {
		_ = bus.Publish(ch.Address(), message.NewMessage("1", []byte(`{"statusCode":200}`)))
	}()

	msg, err := ch.Await(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, `{"statusCode":200}`, string(msg.Payload))
}

func TestDuplicateRepliesAreDiscarded(t *testing.T) {
	bus := newFakeBus()
	reg := prometheus.NewRegistry()
	gm := metrics.NewGatewayMetrics(reg)
	m := NewManager(bus, nil, gm)

	ch, err := m.Open()
	require.NoError(t, err)
	defer ch.Close()

	require.NoError(t, bus.Publish(ch.Address(), message.NewMessage("1", []byte("first"))))
	require.NoError(t, bus.Publish(ch.Address(), message.NewMessage("2", []byte("second"))))
	require.NoError(t, bus.Publish(ch.Address(), message.NewMessage("3", []byte("third"))))

	msg, err := ch.Await(context.Background(), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "first", string(msg.Payload))

	_, err = ch.Await(context.Background(), 20*time.Millisecond)
	assert.True(t, errors.Is(err, perrors.ErrTimedOut), "second delivery must never reach the caller")
	assert.Equal(t, uint64(2), gm.GetSnapshot().DuplicateReplies)
}

func TestAwaitTimesOut(t *testing.T) {
	m := NewManager(newFakeBus(), nil, nil)
	ch, err := m.Open()
	require.NoError(t, err)
	defer ch.Close()

	start := time.Now()
	_, err = ch.Await(context.Background(), 100*time.Millisecond)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.Is(err, perrors.ErrTimedOut))
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestAwaitCanceled(t *testing.T) {
	m := NewManager(newFakeBus(), nil, nil)
	ch, err := m.Open()
	require.NoError(t, err)
	defer ch.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = ch.Await(ctx, 10*time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, perrors.ErrCanceled))
}

func TestAwaitContextDeadlineIsTimeout(t *testing.T) {
	m := NewManager(newFakeBus(), nil, nil)
	ch, err := m.Open()
	require.NoError(t, err)
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = ch.Await(ctx, 0)
	assert.True(t, errors.Is(err, perrors.ErrTimedOut))
}

func TestCloseIsIdempotent(t *testing.T) {
	bus := newFakeBus()
	reg := prometheus.NewRegistry()
	gm := metrics.NewGatewayMetrics(reg)
	m := NewManager(bus, nil, gm)

	keep, err := m.Open()
	require.NoError(t, err)
	ch, err := m.Open()
	require.NoError(t, err)

	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())
	require.NoError(t, m.Close(ch.Address()))

	assert.Equal(t, []string{ch.Address()}, bus.unsubscribed)
	assert.True(t, bus.subscribed(keep.Address()), "other channels stay subscribed")
	assert.Equal(t, 1, m.Active())
	assert.Equal(t, int64(1), gm.GetSnapshot().OpenChannels)
}

func TestManagerCloseByAddress(t *testing.T) {
	bus := newFakeBus()
	m := NewManager(bus, nil, nil)

	ch, err := m.Open()
	require.NoError(t, err)

	require.NoError(t, m.Close(ch.Address()))
	require.NoError(t, m.Close(ch.Address()))
	require.NoError(t, m.Close("_INBOX.unknown"))
	assert.False(t, bus.subscribed(ch.Address()))
	assert.Zero(t, m.Active())
}

func TestCloseReportsUnsubscribeError(t *testing.T) {
	bus := newFakeBus()
	bus.unsubscribeErr = errors.New("connection closed")
	m := NewManager(bus, nil, nil)

	ch, err := m.Open()
	require.NoError(t, err)

	assert.Error(t, ch.Close())
	assert.NoError(t, ch.Close())
	assert.Zero(t, m.Active())
}

func TestLateReplyAfterCloseIsHarmless(t *testing.T) {
	bus := newFakeBus()
	m := NewManager(bus, nil, nil)

	ch, err := m.Open()
	require.NoError(t, err)
	handler := bus.handlers[ch.Address()]
	require.NoError(t, ch.Close())

	assert.NotPanics(t, func() {
		handler(message.NewMessage("late", nil))
		handler(message.NewMessage("later", nil))
	})
}

func TestNewManagerRequiresBus(t *testing.T) {
	assert.Panics(t, func() { NewManager(nil, nil, nil) })
}

func TestWithChannelBus(t *testing.T) {
	bus := channel.New(nil)
	defer bus.Close()

	m := NewManager(bus, nil, nil)
	ch, err := m.Open()
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ch.Address(), message.NewMessage("1", []byte("reply"))))
	msg, err := ch.Await(context.Background(), 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "reply", string(msg.Payload))

	require.NoError(t, ch.Close())
	assert.Zero(t, bus.Active())
	assert.Zero(t, m.Active())
}

func TestConcurrentRequestsAreIsolated(t *testing.T) {
	bus := channel.New(nil)
	defer bus.Close()
	m := NewManager(bus, nil, nil)

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ch, err := m.Open()
			if err != nil {
				errs <- err
				return
			}
			defer ch.Close()

			want := fmt.Sprintf("reply-%d", i)
			if err := bus.Publish(ch.Address(), message.NewMessage(want, []byte(want))); err != nil {
				errs <- err
				return
			}
			msg, err := ch.Await(context.Background(), 2*time.Second)
			if err != nil {
				errs <- err
				return
			}
			if string(msg.Payload) != want {
				errs <- fmt.Errorf("got %q, want %q", msg.Payload, want)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
	assert.Zero(t, m.Active())
}
