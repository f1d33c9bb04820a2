// Package natsclient wraps the NATS connection used by the acquisition core.
//
// Stream announcements, discovery queries, and sample data all travel over a
// single NATS connection per process. The client adds reconnect handling,
// connection metrics, and a context-aware request helper on top of nats.go.
package natsclient

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Shusuke-O/realtime-mrs/errors"
)

const (
	defaultTimeout       = 5 * time.Second
	defaultReconnectWait = 2 * time.Second
	defaultMaxReconnects = -1 // retry forever
	defaultDrainTimeout  = 10 * time.Second
)

// Client manages a NATS connection with reconnect handling and metrics.
type Client struct {
	url        string
	clientName string

	timeout       time.Duration
	reconnectWait time.Duration
	maxReconnects int
	drainTimeout  time.Duration

	logger  *slog.Logger
	metrics connMetrics

	onDisconnect func(error)
	onReconnect  func()

	mu     sync.RWMutex
	conn   *nats.Conn
	closed chan struct{}
}

// connMetrics is the subset of connection gauges the client maintains.
// Nil fields are skipped so metrics stay optional.
type connMetrics struct {
	connected  settableGauge
	reconnects incrementable
}

type settableGauge interface{ Set(float64) }
type incrementable interface{ Inc() }

// NewClient creates a client for the given NATS URL. The connection is not
// established until Connect is called.
func NewClient(url string, options ...ClientOption) (*Client, error) {
	if url == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "natsclient", "NewClient", "url is required")
	}

	c := &Client{
		url:           url,
		clientName:    "realtime-mrs",
		timeout:       defaultTimeout,
		reconnectWait: defaultReconnectWait,
		maxReconnects: defaultMaxReconnects,
		drainTimeout:  defaultDrainTimeout,
		logger:        slog.Default(),
	}

	for _, opt := range options {
		if err := opt(c); err != nil {
			return nil, errors.Wrap(err, "natsclient", "NewClient", "apply option")
		}
	}

	return c, nil
}

// Connect establishes the NATS connection. It honors the context deadline for
// the initial connect; reconnects after that are handled by nats.go.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && c.conn.IsConnected() {
		return nil
	}

	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	// Closed by the ClosedHandler once the connection is fully torn down,
	// which is how Close bounds drain completion.
	closed := make(chan struct{})

	opts := []nats.Option{
		nats.Name(c.clientName),
		nats.Timeout(timeout),
		nats.ReconnectWait(c.reconnectWait),
		nats.MaxReconnects(c.maxReconnects),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			c.logger.Warn("nats disconnected", "error", err)
			if c.metrics.connected != nil {
				c.metrics.connected.Set(0)
			}
			if c.onDisconnect != nil {
				c.onDisconnect(err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
			if c.metrics.connected != nil {
				c.metrics.connected.Set(1)
			}
			if c.metrics.reconnects != nil {
				c.metrics.reconnects.Inc()
			}
			if c.onReconnect != nil {
				c.onReconnect()
			}
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			c.logger.Info("nats connection closed")
			if c.metrics.connected != nil {
				c.metrics.connected.Set(0)
			}
			close(closed)
		}),
	}

	conn, err := nats.Connect(c.url, opts...)
	if err != nil {
		return errors.WrapTransient(err, "natsclient", "Connect", "connect to "+c.url)
	}

	c.conn = conn
	c.closed = closed
	if c.metrics.connected != nil {
		c.metrics.connected.Set(1)
	}
	c.logger.Info("nats connected", "url", conn.ConnectedUrl())
	return nil
}

// Publish sends data on the given subject.
func (c *Client) Publish(subject string, data []byte) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}
	if err := conn.Publish(subject, data); err != nil {
		return errors.WrapTransient(err, "natsclient", "Publish", "publish to "+subject)
	}
	return nil
}

// Subscribe registers an async handler for the given subject.
func (c *Client) Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error) {
	conn, err := c.connection()
	if err != nil {
		return nil, err
	}
	sub, err := conn.Subscribe(subject, handler)
	if err != nil {
		return nil, errors.Wrap(err, "natsclient", "Subscribe", "subscribe to "+subject)
	}
	return sub, nil
}

// QueueSubscribe registers a queue-group handler for the given subject.
func (c *Client) QueueSubscribe(subject, queue string, handler nats.MsgHandler) (*nats.Subscription, error) {
	conn, err := c.connection()
	if err != nil {
		return nil, err
	}
	sub, err := conn.QueueSubscribe(subject, queue, handler)
	if err != nil {
		return nil, errors.Wrap(err, "natsclient", "QueueSubscribe", "subscribe to "+subject)
	}
	return sub, nil
}

// Request sends a request and waits for a single reply, bounded by ctx.
func (c *Client) Request(ctx context.Context, subject string, data []byte) (*nats.Msg, error) {
	conn, err := c.connection()
	if err != nil {
		return nil, err
	}
	msg, err := conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) || errors.Is(err, context.DeadlineExceeded) {
			return nil, errors.WrapTransient(errors.ErrDiscoveryTimeout, "natsclient", "Request", "request on "+subject)
		}
		return nil, errors.WrapTransient(err, "natsclient", "Request", "request on "+subject)
	}
	return msg, nil
}

// RequestMany publishes a request and delivers every reply that arrives
// before ctx is done to cb. cb returning false stops collection early.
// Used by stream discovery where several producers may answer one probe.
func (c *Client) RequestMany(ctx context.Context, subject string, data []byte, cb func(*nats.Msg) bool) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}

	inbox := nats.NewInbox()
	replies := make(chan *nats.Msg, 64)
	sub, err := conn.ChanSubscribe(inbox, replies)
	if err != nil {
		return errors.Wrap(err, "natsclient", "RequestMany", "subscribe reply inbox")
	}
	defer func() { _ = sub.Unsubscribe() }()

	if err := conn.PublishRequest(subject, inbox, data); err != nil {
		return errors.WrapTransient(err, "natsclient", "RequestMany", "publish request on "+subject)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-replies:
			if !cb(msg) {
				return nil
			}
		}
	}
}

// Flush forces any buffered publishes to the server.
func (c *Client) Flush() error {
	conn, err := c.connection()
	if err != nil {
		return err
	}
	if err := conn.Flush(); err != nil {
		return errors.WrapTransient(err, "natsclient", "Flush", "flush")
	}
	return nil
}

// IsConnected reports whether the underlying connection is currently up.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && c.conn.IsConnected()
}

// Close drains the connection, waiting up to the drain timeout for in-flight
// messages. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}

	conn := c.conn
	closed := c.closed
	c.conn = nil
	c.closed = nil

	if conn.IsClosed() {
		return nil
	}

	// Drain only initiates the shutdown; completion is signaled through the
	// ClosedHandler.
	if err := conn.Drain(); err != nil {
		conn.Close()
		return errors.Wrap(err, "natsclient", "Close", "drain")
	}
	if !waitClosed(closed, c.drainTimeout) {
		conn.Close()
		return errors.WrapTransient(errors.ErrConnectionTimeout, "natsclient", "Close", "drain timed out")
	}

	if c.metrics.connected != nil {
		c.metrics.connected.Set(0)
	}
	return nil
}

// waitClosed blocks until the connection teardown signal fires or the
// timeout elapses. A nil channel times out.
func waitClosed(closed <-chan struct{}, timeout time.Duration) bool {
	select {
	case <-closed:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (c *Client) connection() (*nats.Conn, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return nil, errors.WrapTransient(errors.ErrNoConnection, "natsclient", "connection", "not connected")
	}
	return c.conn, nil
}
