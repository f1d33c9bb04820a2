package natsclient

import (
	"log/slog"
	"time"

	"github.com/Shusuke-O/realtime-mrs/metric"
)

// ClientOption is a functional option for configuring the Client.
type ClientOption func(*Client) error

// WithName sets the client name reported to the NATS server.
func WithName(name string) ClientOption {
	return func(c *Client) error {
		if name != "" {
			c.clientName = name
		}
		return nil
	}
}

// WithTimeout sets the initial connection timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d > 0 {
			c.timeout = d
		}
		return nil
	}
}

// WithReconnectWait sets the wait time between reconnection attempts.
func WithReconnectWait(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d > 0 {
			c.reconnectWait = d
		}
		return nil
	}
}

// WithMaxReconnects sets the maximum number of reconnection attempts.
// Use -1 for unlimited.
func WithMaxReconnects(max int) ClientOption {
	return func(c *Client) error {
		c.maxReconnects = max
		return nil
	}
}

// WithDrainTimeout sets how long Close waits for the connection to drain.
func WithDrainTimeout(d time.Duration) ClientOption {
	return func(c *Client) error {
		if d > 0 {
			c.drainTimeout = d
		}
		return nil
	}
}

// WithLogger sets the structured logger used for connection events.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

// WithDisconnectCallback sets a callback invoked on disconnection.
func WithDisconnectCallback(fn func(error)) ClientOption {
	return func(c *Client) error {
		c.onDisconnect = fn
		return nil
	}
}

// WithReconnectCallback sets a callback invoked after a successful reconnect.
func WithReconnectCallback(fn func()) ClientOption {
	return func(c *Client) error {
		c.onReconnect = fn
		return nil
	}
}

// WithMetrics wires the client's connection gauges into the registry's
// core metrics.
func WithMetrics(registry *metric.MetricsRegistry) ClientOption {
	return func(c *Client) error {
		if registry == nil {
			return nil
		}
		core := registry.CoreMetrics()
		c.metrics = connMetrics{
			connected:  core.NATSConnected,
			reconnects: core.NATSReconnects,
		}
		return nil
	}
}
