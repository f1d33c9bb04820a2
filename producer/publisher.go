// Package producer implements the stream-producer side: announcing a stream
// on the transport, answering discovery probes, and pushing samples. The
// simulated E/I source and the task event emitter are built on it.
package producer

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Shusuke-O/realtime-mrs/errors"
	"github.com/Shusuke-O/realtime-mrs/pkg/timestamp"
	"github.com/Shusuke-O/realtime-mrs/stream"
)

const defaultAnnounceInterval = 2 * time.Second

// Transport is the slice of natsclient.Client the publisher needs.
type Transport interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error)
}

// Publisher announces one stream and pushes its samples.
type Publisher struct {
	transport Transport
	desc      stream.Descriptor
	descJSON  []byte
	logger    *slog.Logger

	announceInterval time.Duration

	mu           sync.Mutex
	running      bool
	discoverySub *nats.Subscription
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	published    uint64
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithAnnounceInterval sets how often the descriptor is re-announced.
func WithAnnounceInterval(d time.Duration) PublisherOption {
	return func(p *Publisher) {
		if d > 0 {
			p.announceInterval = d
		}
	}
}

// WithLogger sets the publisher's logger.
func WithLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPublisher creates a publisher for the described stream.
func NewPublisher(transport Transport, desc stream.Descriptor, options ...PublisherOption) (*Publisher, error) {
	if desc.Name == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "producer", "NewPublisher", "stream name is required")
	}

	descJSON, err := json.Marshal(desc)
	if err != nil {
		return nil, errors.Wrap(err, "producer", "NewPublisher", "encode descriptor")
	}

	p := &Publisher{
		transport:        transport,
		desc:             desc,
		descJSON:         descJSON,
		logger:           slog.Default(),
		announceInterval: defaultAnnounceInterval,
	}
	for _, opt := range options {
		opt(p)
	}
	return p, nil
}

// Descriptor returns the published stream's descriptor.
func (p *Publisher) Descriptor() stream.Descriptor {
	return p.desc
}

// Start begins announcing the stream and answering discovery probes.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "producer", "Publisher.Start", p.desc.Name)
	}

	sub, err := p.transport.Subscribe(stream.DiscoverSubject, p.onDiscoveryProbe)
	if err != nil {
		return errors.Wrap(err, "producer", "Publisher.Start", "subscribe discovery probes")
	}
	p.discoverySub = sub

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	go p.announceLoop(runCtx)

	p.running = true
	p.logger.Info("stream publisher started",
		"stream", p.desc.Name, "type", p.desc.Type, "rate_hz", p.desc.NominalRateHz)
	return nil
}

func (p *Publisher) onDiscoveryProbe(msg *nats.Msg) {
	var filter stream.Filter
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &filter); err != nil {
			return
		}
	}
	if !filter.Matches(p.desc) {
		return
	}
	if err := msg.Respond(p.descJSON); err != nil {
		p.logger.Warn("failed to answer discovery probe", "stream", p.desc.Name, "error", err)
	}
}

func (p *Publisher) announceLoop(ctx context.Context) {
	defer p.wg.Done()

	p.announce()
	ticker := time.NewTicker(p.announceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.announce()
		}
	}
}

func (p *Publisher) announce() {
	if err := p.transport.Publish(p.desc.AnnounceSubject(), p.descJSON); err != nil {
		p.logger.Warn("announce failed", "stream", p.desc.Name, "error", err)
	}
}

// Publish pushes one sample onto the stream.
func (p *Publisher) Publish(sample stream.Sample) error {
	data, err := json.Marshal(sample)
	if err != nil {
		return errors.Wrap(err, "producer", "Publisher.Publish", "encode sample")
	}
	if err := p.transport.Publish(p.desc.DataSubject(), data); err != nil {
		return errors.WrapTransient(err, "producer", "Publisher.Publish", "publish to "+p.desc.DataSubject())
	}

	p.mu.Lock()
	p.published++
	p.mu.Unlock()
	return nil
}

// Published returns how many samples this publisher has pushed.
func (p *Publisher) Published() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published
}

// RunScalar publishes one scalar sample per interval drawn from source,
// until the context ends. It returns immediately; sampling runs in the
// background.
func (p *Publisher) RunScalar(ctx context.Context, source ScalarSource, interval time.Duration) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				sample := stream.Sample{
					Timestamp: timestamp.FromTime(now),
					Payload:   stream.Scalar(source.Next(now)),
				}
				if err := p.Publish(sample); err != nil {
					p.logger.Warn("sample publish failed", "stream", p.desc.Name, "error", err)
				}
			}
		}
	}()
}

// Stop halts announcements and discovery replies. Idempotent.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.cancel = nil
	sub := p.discoverySub
	p.discoverySub = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		_ = sub.Unsubscribe()
	}
	p.wg.Wait()
	p.logger.Info("stream publisher stopped", "stream", p.desc.Name)
}
