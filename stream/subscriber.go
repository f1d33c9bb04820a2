package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Shusuke-O/realtime-mrs/errors"
	"github.com/Shusuke-O/realtime-mrs/natsclient"
	"github.com/Shusuke-O/realtime-mrs/pkg/buffer"
)

// StalenessFunc receives edge-triggered staleness notifications: true when
// the stream stops producing within the data timeout, false when samples
// resume. At most one notification fires per transition.
type StalenessFunc func(stale bool)

// Subscription is a live subscription to one stream. Incoming samples land
// in a bounded circular buffer (oldest dropped on overflow) and are consumed
// with Pull.
type Subscription struct {
	descriptor Descriptor

	buf    buffer.Buffer[Sample]
	notify chan struct{}
	sub    *nats.Subscription
	logger *slog.Logger

	mu         sync.Mutex
	lastSample time.Time
	hasSample  bool

	closed    chan struct{}
	closeOnce sync.Once
	watchWG   sync.WaitGroup
}

// Open subscribes to the stream described by desc. bufferLength is in
// seconds of the stream's nominal rate; for irregular streams (rate 0) it is
// a plain item count.
func Open(client *natsclient.Client, desc Descriptor, bufferLength int, logger *slog.Logger) (*Subscription, error) {
	if bufferLength <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "stream", "Open", "bufferLength must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}

	capacity := bufferLength
	if desc.NominalRateHz > 0 {
		capacity = int(float64(bufferLength) * desc.NominalRateHz)
		if capacity < 1 {
			capacity = 1
		}
	}

	buf, err := buffer.NewCircularBuffer[Sample](capacity, buffer.WithOverflowPolicy[Sample](buffer.DropOldest))
	if err != nil {
		return nil, errors.Wrap(err, "stream", "Open", "create sample buffer")
	}

	s := &Subscription{
		descriptor: desc,
		buf:        buf,
		notify:     make(chan struct{}, 1),
		logger:     logger,
		closed:     make(chan struct{}),
	}

	sub, err := client.Subscribe(desc.DataSubject(), s.onMessage)
	if err != nil {
		_ = buf.Close()
		return nil, errors.Wrap(err, "stream", "Open", "subscribe "+desc.DataSubject())
	}
	s.sub = sub

	return s, nil
}

// Descriptor returns the stream this subscription is bound to.
func (s *Subscription) Descriptor() Descriptor {
	return s.descriptor
}

func (s *Subscription) onMessage(msg *nats.Msg) {
	var sample Sample
	if err := json.Unmarshal(msg.Data, &sample); err != nil {
		s.logger.Warn("discarding malformed sample",
			"stream", s.descriptor.Name, "error", err)
		return
	}

	if err := s.buf.Write(sample); err != nil {
		// Buffer closed; subscription is shutting down.
		return
	}

	s.mu.Lock()
	s.lastSample = time.Now()
	s.hasSample = true
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Pull returns buffered samples in arrival order, blocking up to timeout for
// at least one to arrive. maxChunk caps the batch; zero means no cap. An
// empty result means the timeout elapsed with nothing buffered, or the
// subscription closed.
func (s *Subscription) Pull(ctx context.Context, maxChunk int, timeout time.Duration) []Sample {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		if samples := s.drain(maxChunk); len(samples) > 0 {
			return samples
		}

		select {
		case <-s.closed:
			return s.drain(maxChunk)
		case <-ctx.Done():
			return nil
		case <-deadline.C:
			return nil
		case <-s.notify:
		}
	}
}

func (s *Subscription) drain(maxChunk int) []Sample {
	if maxChunk <= 0 {
		maxChunk = s.buf.Size()
		if maxChunk == 0 {
			return nil
		}
	}
	return s.buf.ReadBatch(maxChunk)
}

// IsStale reports whether no sample arrived within dataTimeout of now.
// A subscription that has never received a sample is stale.
func (s *Subscription) IsStale(now time.Time, dataTimeout time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasSample {
		return true
	}
	return now.Sub(s.lastSample) > dataTimeout
}

// WatchStaleness starts a background watcher that invokes fn on each
// staleness transition. The watcher stops when the subscription closes.
// The subscription starts fresh; the first notification is therefore stale.
func (s *Subscription) WatchStaleness(dataTimeout time.Duration, fn StalenessFunc) {
	if dataTimeout <= 0 || fn == nil {
		return
	}

	interval := dataTimeout / 4
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}

	s.watchWG.Add(1)
	go func() {
		defer s.watchWG.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		wasStale := false
		for {
			select {
			case <-s.closed:
				return
			case now := <-ticker.C:
				stale := s.IsStale(now, dataTimeout)
				if stale != wasStale {
					wasStale = stale
					fn(stale)
				}
			}
		}
	}()
}

// Stats exposes the buffer counters, including samples dropped to overflow.
func (s *Subscription) Stats() *buffer.Statistics {
	return s.buf.Stats()
}

// Close tears the subscription down: unsubscribes, stops watchers, and
// unblocks any pending Pull. Safe to call more than once.
func (s *Subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.sub != nil {
			err = s.sub.Unsubscribe()
		}
		close(s.closed)
		s.watchWG.Wait()
	})
	if err != nil {
		return errors.Wrap(err, "stream", "Subscription.Close", "unsubscribe")
	}
	return nil
}
