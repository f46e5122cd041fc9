package nats

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CodingFlow/http-to-nats-proxy/transport"
)

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	defer func() { transport.DefaultRegistry = original }()

	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "nats", caps.Name)
	assert.True(t, caps.SupportsHeaders)
	assert.True(t, caps.SupportsWildcards)
}

func TestCapabilities(t *testing.T) {
	caps := Capabilities()
	assert.Equal(t, transport.NATSCapabilities, caps)
	assert.Equal(t, "nats", caps.Name)
}

func TestTransportName(t *testing.T) {
	assert.Equal(t, "nats", TransportName)
}

func TestBuild(t *testing.T) {
	t.Run("connects with mocked factory", func(t *testing.T) {
		originalFactory := ConnectFactory
		defer func() { ConnectFactory = originalFactory }()

		conn := &fakeConn{connected: true}
		var gotURL string
		var gotOpts int
		ConnectFactory = func(url string, opts ...nats.Option) (Conn, error) {
			gotURL = url
			gotOpts = len(opts)
			return conn, nil
		}

		cfg := &mockConfig{natsURL: "nats://localhost:4222", clientName: "proxy", token: "t", drainTimeout: 2 * time.Second}
		bus, err := Build(context.Background(), cfg, watermill.NopLogger{})

		require.NoError(t, err)
		assert.Equal(t, "nats://localhost:4222", gotURL)
		assert.Equal(t, 6, gotOpts)
		assert.True(t, bus.(transport.HealthChecker).IsConnected())
		assert.Equal(t, 2*time.Second, bus.(*Bus).drainTimeout)
		assert.NotNil(t, conn.closedHandler, "bus must watch for the connection closing")
	})

	t.Run("returns error when connect fails", func(t *testing.T) {
		originalFactory := ConnectFactory
		defer func() { ConnectFactory = originalFactory }()

		ConnectFactory = func(url string, opts ...nats.Option) (Conn, error) {
			return nil, errors.New("no servers available")
		}

		_, err := Build(context.Background(), &mockConfig{natsURL: "nats://localhost:4222"}, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no servers available")
	})

	t.Run("requires URL", func(t *testing.T) {
		_, err := Build(context.Background(), &mockConfig{}, nil)
		require.Error(t, err)
	})
}

func TestOptionsApply(t *testing.T) {
	cfg := &mockConfig{
		clientName:     "proxy",
		token:          "secret",
		maxReconnects:  7,
		reconnectWait:  3 * time.Second,
		connectTimeout: time.Second,
		drainTimeout:   5 * time.Second,
	}

	opts := nats.GetDefaultOptions()
	for _, opt := range Options(cfg, watermill.NopLogger{}) {
		require.NoError(t, opt(&opts))
	}

	assert.Equal(t, "proxy", opts.Name)
	assert.Equal(t, "secret", opts.Token)
	assert.Equal(t, 7, opts.MaxReconnect)
	assert.Equal(t, 3*time.Second, opts.ReconnectWait)
	assert.Equal(t, time.Second, opts.Timeout)
	assert.Equal(t, 5*time.Second, opts.DrainTimeout)
	assert.NotNil(t, opts.DisconnectedErrCB)
	assert.NotNil(t, opts.ReconnectedCB)
}

func TestPublishRequestSetsReplyAndDeduplicationHeader(t *testing.T) {
	conn := &fakeConn{connected: true}
	bus := New(conn, nil)

	msg := message.NewMessage("uuid-1", []byte(`{"body":{}}`))
	msg.Metadata.Set("traceparent", "00-abc")

	err := bus.PublishRequest(transport.Request{
		Subject:          "post.orders",
		ReplyTo:          "_INBOX.reply",
		DeduplicationKey: "r1",
		Message:          msg,
	})
	require.NoError(t, err)

	require.Len(t, conn.published, 1)
	out := conn.published[0]
	assert.Equal(t, "post.orders", out.Subject)
	assert.Equal(t, "_INBOX.reply", out.Reply)
	assert.Equal(t, `{"body":{}}`, string(out.Data))
	assert.Equal(t, "r1", out.Header.Get(nats.MsgIdHdr))
	assert.Equal(t, "00-abc", out.Header.Get("traceparent"))
}

func TestPublishWithoutDeduplicationKey(t *testing.T) {
	conn := &fakeConn{connected: true}
	bus := New(conn, nil)

	require.NoError(t, bus.Publish("_INBOX.reply", message.NewMessage("uuid-2", []byte(`{"statusCode":200}`))))

	require.Len(t, conn.published, 1)
	assert.Empty(t, conn.published[0].Reply)
	assert.Empty(t, conn.published[0].Header.Get(nats.MsgIdHdr))
}

func TestPublishErrors(t *testing.T) {
	conn := &fakeConn{publishErr: nats.ErrConnectionClosed}
	bus := New(conn, nil)

	err := bus.PublishRequest(transport.Request{Subject: "get.x", Message: message.NewMessage("1", nil)})
	assert.True(t, errors.Is(err, nats.ErrConnectionClosed))

	assert.Error(t, bus.Publish("get.x", nil))
}

func TestSubscribeWrapsErrors(t *testing.T) {
	conn := &fakeConn{subscribeErr: nats.ErrBadSubject}
	bus := New(conn, nil)

	_, err := bus.Subscribe("bad subject", func(*message.Message) {})
	require.Error(t, err)
	assert.True(t, errors.Is(err, nats.ErrBadSubject))

	_, err = bus.Subscribe("x", nil)
	assert.Error(t, err)
}

func TestSubscribeConvertsMessages(t *testing.T) {
	conn := &fakeConn{}
	bus := New(conn, nil)

	var got *message.Message
	_, err := bus.Subscribe("_INBOX.1", func(msg *message.Message) { got = msg })
	require.NoError(t, err)
	require.NotNil(t, conn.handler)

	conn.handler(&nats.Msg{Subject: "_INBOX.1", Data: []byte(`{"statusCode":200}`), Header: nats.Header{"x": {"1"}}})
	require.NotNil(t, got)
	assert.Equal(t, `{"statusCode":200}`, string(got.Payload))
	assert.Equal(t, "1", got.Metadata.Get("x"))
}

func TestFromNATS(t *testing.T) {
	m := &nats.Msg{
		Subject: "get.users.42",
		Reply:   "_INBOX.abc",
		Data:    []byte(`{}`),
		Header:  nats.Header{nats.MsgIdHdr: {"r1"}, "traceparent": {"00-abc"}},
	}

	msg := FromNATS(m)
	assert.NotEmpty(t, msg.UUID)
	assert.Equal(t, "_INBOX.abc", transport.ReplyTo(msg))
	assert.Equal(t, "r1", transport.DeduplicationKey(msg))
	assert.Equal(t, "00-abc", msg.Metadata.Get("traceparent"))
}

func TestClose(t *testing.T) {
	t.Run("drains once", func(t *testing.T) {
		conn := &fakeConn{}
		bus := New(conn, nil)
		require.NoError(t, bus.Close())
		require.NoError(t, bus.Close())
		assert.Equal(t, 1, conn.drains)
		assert.Zero(t, conn.closes)
	})

	t.Run("waits until the drain has finished", func(t *testing.T) {
		conn := &fakeConn{drainDelay: 100 * time.Millisecond}
		bus := New(conn, nil)

		start := time.Now()
		require.NoError(t, bus.Close())
		assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
		assert.Zero(t, conn.closes)
	})

	t.Run("closes when the drain outlasts the timeout", func(t *testing.T) {
		conn := &fakeConn{drainHangs: true}
		bus := New(conn, nil)
		bus.drainTimeout = 50 * time.Millisecond

		start := time.Now()
		err := bus.Close()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "did not finish")
		assert.Less(t, time.Since(start), time.Second)
		assert.Equal(t, 1, conn.closes)
	})

	t.Run("closes when drain fails", func(t *testing.T) {
		conn := &fakeConn{drainErr: errors.New("boom")}
		bus := New(conn, nil)
		assert.Error(t, bus.Close())
		assert.Equal(t, 1, conn.closes)
	})

	t.Run("already closed is not an error", func(t *testing.T) {
		conn := &fakeConn{drainErr: nats.ErrConnectionClosed}
		bus := New(conn, nil)
		assert.NoError(t, bus.Close())
	})
}

func TestIntegrationRequestReply(t *testing.T) {
	nc, err := nats.Connect("nats://localhost:4222", nats.Timeout(500*time.Millisecond))
	if err != nil {
		t.Skip("NATS not available at localhost:4222")
	}
	defer nc.Close()

	bus := New(nc, watermill.NopLogger{})

	backend, err := bus.Subscribe("get.natsproxy.integration", func(msg *message.Message) {
		_ = bus.Publish(transport.ReplyTo(msg), message.NewMessage(watermill.NewUUID(), []byte(`{"statusCode":204}`)))
	})
	require.NoError(t, err)
	defer backend.Unsubscribe()

	inbox := bus.NewInbox()
	replies := make(chan *message.Message, 1)
	sub, err := bus.Subscribe(inbox, func(msg *message.Message) { replies <- msg })
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, bus.PublishRequest(transport.Request{
		Subject:          "get.natsproxy.integration",
		ReplyTo:          inbox,
		DeduplicationKey: "it-1",
		Message:          message.NewMessage(watermill.NewUUID(), []byte(`{}`)),
	}))

	select {
	case reply := <-replies:
		assert.Equal(t, `{"statusCode":204}`, string(reply.Payload))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
	}
}

type fakeConn struct {
	mu           sync.Mutex
	connected    bool
	published    []*nats.Msg
	publishErr   error
	subscribeErr error
	handler      nats.MsgHandler
	drainErr     error
	drainDelay   time.Duration
	drainHangs   bool
	drains       int
	closes       int

	closedHandler nats.ConnHandler
}

func (f *fakeConn) NewInbox() string { return "_INBOX.fake" }

func (f *fakeConn) PublishMsg(m *nats.Msg) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, m)
	return nil
}

func (f *fakeConn) Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error) {
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	f.handler = cb
	return &nats.Subscription{Subject: subj}, nil
}

func (f *fakeConn) Drain() error {
	f.drains++
	if f.drainErr != nil {
		return f.drainErr
	}
	if !f.drainHangs && f.closedHandler != nil {
		go func(cb nats.ConnHandler, delay time.Duration) {
			time.Sleep(delay)
			cb(nil)
		}(f.closedHandler, f.drainDelay)
	}
	return nil
}

func (f *fakeConn) Close() { f.closes++ }

func (f *fakeConn) IsConnected() bool { return f.connected }

func (f *fakeConn) SetClosedHandler(cb nats.ConnHandler) { f.closedHandler = cb }

type mockConfig struct {
	natsURL        string
	clientName     string
	token          string
	maxReconnects  int
	reconnectWait  time.Duration
	connectTimeout time.Duration
	drainTimeout   time.Duration
}

func (m *mockConfig) GetBusSystem() string                 { return "nats" }
func (m *mockConfig) GetNATSURL() string                   { return m.natsURL }
func (m *mockConfig) GetNATSClientName() string            { return m.clientName }
func (m *mockConfig) GetNATSToken() string                 { return m.token }
func (m *mockConfig) GetNATSMaxReconnects() int            { return m.maxReconnects }
func (m *mockConfig) GetNATSReconnectWait() time.Duration  { return m.reconnectWait }
func (m *mockConfig) GetNATSConnectTimeout() time.Duration { return m.connectTimeout }
func (m *mockConfig) GetNATSDrainTimeout() time.Duration   { return m.drainTimeout }
