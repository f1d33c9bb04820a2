package bridge

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/Shusuke-O/realtime-mrs/errors"
)

// Sink is the downstream transport the bridge forwards records into.
type Sink interface {
	Connect(ctx context.Context) error
	Connected() bool
	Send(rec Record) error
	Close() error
}

const (
	dialTimeout  = 2 * time.Second
	writeTimeout = 2 * time.Second
)

// tcpSink sends newline-delimited records over a persistent TCP connection,
// the format the visualization consumer expects.
type tcpSink struct {
	addr string

	mu   sync.Mutex
	conn net.Conn
}

func newTCPSink(host string, port int) *tcpSink {
	return &tcpSink{addr: net.JoinHostPort(host, fmt.Sprintf("%d", port))}
}

func (s *tcpSink) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn != nil {
		return nil
	}

	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return errors.WrapTransient(err, "bridge", "tcpSink.Connect", "dial "+s.addr)
	}
	s.conn = conn
	return nil
}

func (s *tcpSink) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

func (s *tcpSink) Send(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return errors.WrapTransient(errors.ErrDownstreamDisconnected, "bridge", "tcpSink.Send", "no connection")
	}

	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := s.conn.Write([]byte(rec.Line())); err != nil {
		s.conn.Close()
		s.conn = nil
		return errors.WrapTransient(err, "bridge", "tcpSink.Send", "write to "+s.addr)
	}
	return nil
}

func (s *tcpSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	if err != nil {
		return errors.Wrap(err, "bridge", "tcpSink.Close", "close "+s.addr)
	}
	return nil
}
