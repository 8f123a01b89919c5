package transport

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/EchoingVesper/vespera-atelier-sub013/errors"
	"github.com/EchoingVesper/vespera-atelier-sub013/pkg/backoff"
)

// Client is the NATS-backed bus connection. It manages the connection
// lifecycle with bounded exponential backoff, emits status notifications,
// and serializes handler dispatch per subscription.
//
// Subscriptions survive reconnects: nats.go replays them on the restored
// connection, so components never re-subscribe themselves.
type Client struct {
	url      string
	logger   *slog.Logger
	recorder Recorder

	// Connection options
	clientName     string
	maxReconnects  int
	reconnectWait  time.Duration
	pingInterval   time.Duration
	connectTimeout time.Duration
	drainTimeout   time.Duration
	connectPolicy  backoff.Policy

	// Authentication
	username  string
	password  string
	token     string
	tlsConfig *tls.Config

	status    atomic.Value // Status
	listeners []StatusListener

	conn      *nats.Conn
	subs      map[int64]*clientSub
	nextSubID atomic.Int64

	mu      sync.RWMutex
	closeMu sync.Mutex
	closed  atomic.Bool
}

// NewClient creates a client for the given NATS URL. The connection is not
// established until Connect is called.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	if url == "" {
		return nil, errors.WrapValidation(
			fmt.Errorf("%w: empty URL", errors.ErrInvalidConfig),
			"Client", "NewClient", "check URL")
	}

	c := &Client{
		url:            url,
		logger:         slog.Default(),
		maxReconnects:  -1, // infinite
		reconnectWait:  2 * time.Second,
		pingInterval:   30 * time.Second,
		connectTimeout: 5 * time.Second,
		drainTimeout:   30 * time.Second,
		connectPolicy:  backoff.Connect(),
		subs:           make(map[int64]*clientSub),
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapValidation(err, "Client", "NewClient", "apply option")
		}
	}

	c.status.Store(StatusDisconnected)
	return c, nil
}

// URL returns the configured NATS server URL.
func (c *Client) URL() string {
	return c.url
}

// Status returns the current connection status.
func (c *Client) Status() Status {
	return c.status.Load().(Status)
}

// IsConnected reports whether the client holds a live connection.
func (c *Client) IsConnected() bool {
	return c.Status() == StatusConnected
}

// RTT returns the round-trip time to the server.
func (c *Client) RTT() (time.Duration, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return 0, errors.ErrNotConnected
	}
	return conn.RTT()
}

// OnStatusChange registers a listener for connection state transitions.
func (c *Client) OnStatusChange(fn StatusListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Client) setStatus(s Status, err error) {
	c.status.Store(s)

	c.mu.RLock()
	listeners := make([]StatusListener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.RUnlock()

	for _, fn := range listeners {
		go fn(s, err)
	}
}

// Connect establishes the connection, retrying with bounded exponential
// backoff. It returns once connected or when the policy is exhausted.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return errors.WrapConnection(errors.ErrShuttingDown, "Client", "Connect", "check state")
	}

	c.setStatus(StatusConnecting, nil)
	c.logger.Info("connecting to message bus", "url", c.url)

	err := backoff.Do(ctx, c.connectPolicy, func() error {
		conn, err := nats.Connect(c.url, c.buildOptions()...)
		if err != nil {
			c.logger.Warn("connect attempt failed", "error", err)
			return err
		}
		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		return nil
	})
	if err != nil {
		c.setStatus(StatusDisconnected, err)
		return errors.WrapConnection(err, "Client", "Connect", "establish connection")
	}

	c.setStatus(StatusConnected, nil)
	c.logger.Info("connected to message bus", "url", c.url)
	return nil
}

func (c *Client) buildOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.PingInterval(c.pingInterval),
		nats.Timeout(c.connectTimeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
		nats.ErrorHandler(c.handleAsyncError),
	}

	if c.username != "" && c.password != "" {
		opts = append(opts, nats.UserInfo(c.username, c.password))
	}
	if c.token != "" {
		opts = append(opts, nats.Token(c.token))
	}
	if c.clientName != "" {
		opts = append(opts, nats.Name(c.clientName))
	}
	if c.tlsConfig != nil {
		opts = append(opts, nats.Secure(c.tlsConfig))
	}

	return opts
}

// Publish sends a fire-and-forget message. It fails when disconnected.
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		if c.recorder != nil {
			c.recorder.RecordRejected("not_connected")
		}
		return errors.WrapConnection(errors.ErrNotConnected, "Client", "Publish", "check connection")
	}

	if err := conn.Publish(subject, data); err != nil {
		return errors.WrapConnection(err, "Client", "Publish", "send message")
	}
	if c.recorder != nil {
		c.recorder.RecordPublished(subject, envelopeType(data))
	}
	return nil
}

// Subscribe registers a handler on a subject. The handler is invoked once
// per delivered message, serially per subscription, with panics contained.
func (c *Client) Subscribe(ctx context.Context, subject string, handler Handler, opts ...SubOption) (Subscription, error) {
	options := defaultSubOptions()
	for _, opt := range opts {
		opt(&options)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil || !c.conn.IsConnected() {
		return nil, errors.WrapConnection(errors.ErrNotConnected, "Client", "Subscribe", "check connection")
	}

	dispatch := func(m *nats.Msg) {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("handler panic contained",
					"subject", subject, "panic", r, "stack", string(debug.Stack()))
			}
		}()

		if c.recorder != nil {
			if mt := envelopeType(m.Data); mt != "" {
				c.recorder.RecordReceived(m.Subject, mt)
			} else {
				c.recorder.RecordRejected("decode")
			}
		}

		msgCtx, cancel := context.WithTimeout(ctx, options.handlerTimeout)
		defer cancel()
		handler(msgCtx, &Msg{Subject: m.Subject, Reply: m.Reply, Data: m.Data})
	}

	var (
		sub *nats.Subscription
		err error
	)
	if options.queue != "" {
		sub, err = c.conn.QueueSubscribe(subject, options.queue, dispatch)
	} else {
		sub, err = c.conn.Subscribe(subject, dispatch)
	}
	if err != nil {
		return nil, errors.WrapConnection(err, "Client", "Subscribe", "create subscription")
	}

	if options.maxMessages > 0 {
		if err := sub.AutoUnsubscribe(options.maxMessages); err != nil {
			_ = sub.Unsubscribe()
			return nil, errors.WrapConnection(err, "Client", "Subscribe", "set message limit")
		}
	}

	id := c.nextSubID.Add(1)
	cs := &clientSub{id: id, subject: subject, sub: sub, client: c}
	c.subs[id] = cs
	return cs, nil
}

// Request publishes with an implicit reply subject and returns the first
// reply, or a timeout error once the bound elapses.
func (c *Client) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || !conn.IsConnected() {
		return nil, errors.WrapConnection(errors.ErrNotConnected, "Client", "Request", "check connection")
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	msg, err := conn.RequestWithContext(reqCtx, subject, data)
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) ||
			stderrors.Is(err, nats.ErrTimeout) ||
			stderrors.Is(err, nats.ErrNoResponders) {
			return nil, errors.WrapTimeout(
				fmt.Errorf("%w: no reply on %s within %v", errors.ErrTimeout, subject, timeout),
				"Client", "Request", "await reply")
		}
		return nil, errors.WrapConnection(err, "Client", "Request", "send request")
	}
	if c.recorder != nil {
		c.recorder.RecordPublished(subject, envelopeType(data))
	}
	return msg.Data, nil
}

// Close drains the connection and releases all subscriptions. Safe to call
// more than once.
func (c *Client) Close(ctx context.Context) error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()

	if c.closed.Load() {
		return nil
	}
	c.closed.Store(true)

	c.mu.Lock()
	conn := c.conn
	subs := c.subs
	c.conn = nil
	c.subs = make(map[int64]*clientSub)
	c.mu.Unlock()

	for _, s := range subs {
		s.markClosed()
	}

	if conn != nil {
		drainTimeout := c.drainTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < drainTimeout {
				drainTimeout = remaining
			}
		}

		drainDone := make(chan error, 1)
		go func() { drainDone <- conn.Drain() }()

		select {
		case err := <-drainDone:
			if err != nil {
				c.logger.Error("drain failed, forcing close", "error", err)
				conn.Close()
			}
		case <-time.After(drainTimeout):
			c.logger.Warn("drain timeout, forcing close", "timeout", drainTimeout)
			conn.Close()
		case <-ctx.Done():
			conn.Close()
		}
	}

	// Clear credentials.
	c.username = ""
	c.password = ""
	c.token = ""

	c.setStatus(StatusClosed, nil)
	return nil
}

func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	if c.closed.Load() {
		return
	}
	c.logger.Warn("bus connection lost, reconnecting", "error", err)
	c.setStatus(StatusReconnecting, err)
}

func (c *Client) handleReconnect(conn *nats.Conn) {
	c.logger.Info("bus connection restored", "url", conn.ConnectedUrl())
	if c.recorder != nil {
		c.recorder.RecordBusReconnect()
	}
	c.setStatus(StatusConnected, nil)
}

func (c *Client) handleClosed(_ *nats.Conn) {
	if c.closed.Load() {
		return
	}
	c.setStatus(StatusDisconnected, errors.ErrConnectionLost)
}

func (c *Client) handleAsyncError(_ *nats.Conn, sub *nats.Subscription, err error) {
	subject := ""
	if sub != nil {
		subject = sub.Subject
	}
	c.logger.Error("async bus error", "subject", subject, "error", err)
}

func (c *Client) removeSub(id int64) {
	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()
}

// clientSub is a Subscription backed by a NATS subscription.
type clientSub struct {
	id      int64
	subject string
	sub     *nats.Subscription
	client  *Client
	once    sync.Once
}

// Subject implements Subscription.
func (s *clientSub) Subject() string {
	return s.subject
}

// Unsubscribe implements Subscription. Idempotent.
func (s *clientSub) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.client.removeSub(s.id)
		if uerr := s.sub.Unsubscribe(); uerr != nil && !stderrors.Is(uerr, nats.ErrConnectionClosed) {
			err = errors.WrapConnection(uerr, "Subscription", "Unsubscribe", "remove subscription")
		}
	})
	return err
}

// markClosed consumes the once so a later Unsubscribe becomes a no-op
// after the client has closed the underlying connection.
func (s *clientSub) markClosed() {
	s.once.Do(func() {})
}
