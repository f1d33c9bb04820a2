// Package bridge implements the receiver-forwarder bridge: it pulls samples
// from one upstream stream and forwards them to a downstream TCP consumer,
// with an optional WebSocket fan-out. The receive and send sides run as
// independent loops joined by a bounded drop-oldest queue, so a slow or
// absent downstream never stalls reception.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Shusuke-O/realtime-mrs/component"
	"github.com/Shusuke-O/realtime-mrs/config"
	"github.com/Shusuke-O/realtime-mrs/errors"
	"github.com/Shusuke-O/realtime-mrs/health"
	"github.com/Shusuke-O/realtime-mrs/metric"
	"github.com/Shusuke-O/realtime-mrs/natsclient"
	"github.com/Shusuke-O/realtime-mrs/pkg/buffer"
	"github.com/Shusuke-O/realtime-mrs/pkg/retry"
	"github.com/Shusuke-O/realtime-mrs/pkg/timestamp"
	"github.com/Shusuke-O/realtime-mrs/stream"
)

// noDataValue marks the synthetic record emitted on staleness, distinct
// from a downstream disconnect (which emits nothing).
const noDataValue = "no_data"

// Record is one forwarded value.
type Record struct {
	Timestamp float64
	Value     string
}

// Line renders the record in the downstream wire form.
func (r Record) Line() string {
	return timestamp.Format(r.Timestamp) + "," + r.Value + "\n"
}

// Resolver locates the upstream stream. *stream.Discovery satisfies it.
type Resolver interface {
	Resolve(ctx context.Context, f stream.Filter, timeout time.Duration) (stream.Descriptor, error)
}

// upstreamSource is the subscription surface the receive loop consumes.
type upstreamSource interface {
	Pull(ctx context.Context, maxChunk int, timeout time.Duration) []stream.Sample
	WatchStaleness(dataTimeout time.Duration, fn stream.StalenessFunc)
	Close() error
}

// Bridge joins one upstream stream to a downstream sink.
type Bridge struct {
	cfg      config.BridgeConfig
	resolver Resolver
	open     func(desc stream.Descriptor) (upstreamSource, error)
	sink     Sink
	ws       *WebSocketHub
	logger   *slog.Logger
	metrics  *metric.Metrics

	queue  buffer.Buffer[Record]
	notify chan struct{}

	mu                  sync.Mutex
	running             bool
	cancel              context.CancelFunc
	wg                  sync.WaitGroup
	samplesReceived     uint64
	samplesForwarded    uint64
	lastValue           float64
	lastSampleTime      float64
	upstreamConnected   bool
	downstreamConnected bool
	stale               bool
}

var _ component.LifecycleComponent = (*Bridge)(nil)

// New creates a bridge. metrics may be nil; sink defaults to a TCP sink at
// the configured forward endpoint.
func New(cfg config.BridgeConfig, client *natsclient.Client, resolver Resolver,
	logger *slog.Logger, metrics *metric.Metrics) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}

	b := &Bridge{
		cfg:      cfg,
		resolver: resolver,
		logger:   logger,
		metrics:  metrics,
		notify:   make(chan struct{}, 1),
		sink:     newTCPSink(cfg.ForwardHost, cfg.ForwardPort),
	}
	b.open = func(desc stream.Descriptor) (upstreamSource, error) {
		return stream.Open(client, desc, cfg.QueueCapacity, logger)
	}
	if cfg.WebSocketListen != "" {
		b.ws = NewWebSocketHub(cfg.WebSocketListen, logger)
	}
	return b
}

// Name implements component.LifecycleComponent.
func (b *Bridge) Name() string { return "bridge" }

// Initialize creates the forwarding queue.
func (b *Bridge) Initialize() error {
	queue, err := buffer.NewCircularBuffer[Record](b.cfg.QueueCapacity,
		buffer.WithOverflowPolicy[Record](buffer.DropOldest),
		buffer.WithDropCallback[Record](func(Record) {
			if b.metrics != nil {
				b.metrics.SamplesDropped.Inc()
			}
		}),
	)
	if err != nil {
		return errors.Wrap(err, "bridge", "Initialize", "create forwarding queue")
	}
	b.queue = queue
	return nil
}

// Start launches the upstream and downstream loops. It does not block.
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.running {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "bridge", "Start", "already running")
	}
	if b.queue == nil {
		return errors.WrapInvalid(errors.ErrNotStarted, "bridge", "Start", "Initialize not called")
	}

	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	b.wg.Add(1)
	go b.upstreamLoop(runCtx)

	if b.cfg.Enabled {
		b.wg.Add(1)
		go b.downstreamLoop(runCtx)
	}
	if b.ws != nil {
		if err := b.ws.Start(); err != nil {
			cancel()
			return err
		}
	}

	b.running = true
	b.logger.Info("bridge started",
		"stream", b.cfg.StreamName,
		"downstream", fmt.Sprintf("%s:%d", b.cfg.ForwardHost, b.cfg.ForwardPort),
		"forward_enabled", b.cfg.Enabled)
	return nil
}

// upstreamLoop resolves the upstream stream, subscribes, and moves samples
// into the forwarding queue. Resolution failures back off and retry
// indefinitely.
func (b *Bridge) upstreamLoop(ctx context.Context) {
	defer b.wg.Done()

	filter := stream.Filter{Name: b.cfg.StreamName, SourceID: b.cfg.SourceID}
	resolveRetry := retry.Config{
		MaxAttempts:  30,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     b.cfg.ConnectionRetryInterval,
		Multiplier:   2.0,
		AddJitter:    true,
	}

	for ctx.Err() == nil {
		desc, err := retry.DoWithResult(ctx, resolveRetry, func() (stream.Descriptor, error) {
			return b.resolver.Resolve(ctx, filter, b.cfg.StreamResolveTimeout)
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("upstream stream not found, will keep trying",
				"stream", b.cfg.StreamName, "error", err)
			continue
		}

		source, err := b.open(desc)
		if err != nil {
			b.logger.Error("failed to subscribe upstream", "stream", desc.Name, "error", err)
			continue
		}

		b.setUpstreamConnected(true)
		b.logger.Info("upstream connected", "stream", desc.Name, "source_id", desc.SourceID)

		source.WatchStaleness(b.cfg.DataTimeout, b.onStalenessChange)
		b.consume(ctx, source)

		_ = source.Close()
		b.setUpstreamConnected(false)
	}
}

// consume pulls until the context ends.
func (b *Bridge) consume(ctx context.Context, source upstreamSource) {
	for ctx.Err() == nil {
		samples := source.Pull(ctx, 0, time.Second)
		for _, sample := range samples {
			b.enqueueSample(sample)
		}
	}
}

func (b *Bridge) enqueueSample(sample stream.Sample) {
	value := sample.Payload.Encode()

	b.mu.Lock()
	b.samplesReceived++
	b.lastSampleTime = sample.Timestamp
	if v, ok := sample.Payload.ScalarValue(); ok {
		b.lastValue = v
	}
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.SamplesReceived.WithLabelValues(b.cfg.StreamName).Inc()
	}

	b.push(Record{Timestamp: sample.Timestamp, Value: value})
}

// onStalenessChange emits a synthetic no-data record when the upstream goes
// quiet, so the downstream can distinguish a silent source from a dead
// bridge connection.
func (b *Bridge) onStalenessChange(stale bool) {
	b.mu.Lock()
	b.stale = stale
	b.mu.Unlock()

	if b.metrics != nil {
		state := "fresh"
		if stale {
			state = "stale"
		}
		b.metrics.StaleTransitions.WithLabelValues(b.cfg.StreamName, state).Inc()
	}

	if stale {
		b.logger.Warn("upstream stale", "stream", b.cfg.StreamName, "timeout", b.cfg.DataTimeout)
		b.push(Record{Timestamp: timestamp.Now(), Value: noDataValue})
	} else {
		b.logger.Info("upstream fresh again", "stream", b.cfg.StreamName)
	}
}

func (b *Bridge) push(rec Record) {
	if err := b.queue.Write(rec); err != nil {
		return
	}
	if b.ws != nil {
		b.ws.Broadcast(rec)
	}
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// downstreamLoop keeps a persistent connection to the downstream consumer
// and sends queued records one at a time in arrival order. Reconnects honor
// the retry interval; queued records survive disconnects.
func (b *Bridge) downstreamLoop(ctx context.Context) {
	defer b.wg.Done()
	defer b.sink.Close()

	for ctx.Err() == nil {
		if !b.sink.Connected() {
			if err := b.sink.Connect(ctx); err != nil {
				b.setDownstreamConnected(false)
				b.logger.Warn("downstream connect failed, retrying",
					"error", err, "retry_in", b.cfg.ConnectionRetryInterval)
				if !sleepCtx(ctx, b.cfg.ConnectionRetryInterval) {
					return
				}
				continue
			}
			b.setDownstreamConnected(true)
			if b.metrics != nil {
				b.metrics.DownstreamConnected.Set(1)
				b.metrics.DownstreamReconnects.Inc()
			}
			b.logger.Info("downstream connected",
				"host", b.cfg.ForwardHost, "port", b.cfg.ForwardPort)
		}

		rec, ok := b.queue.Peek()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-b.notify:
			case <-time.After(time.Second):
			}
			continue
		}

		if err := b.sink.Send(rec); err != nil {
			// Keep the record queued; it goes out after reconnect.
			b.setDownstreamConnected(false)
			if b.metrics != nil {
				b.metrics.DownstreamConnected.Set(0)
			}
			b.logger.Warn("downstream send failed, reconnecting", "error", err)
			if !sleepCtx(ctx, b.cfg.ConnectionRetryInterval) {
				return
			}
			continue
		}

		b.queue.Read()
		b.mu.Lock()
		b.samplesForwarded++
		b.mu.Unlock()
		if b.metrics != nil {
			b.metrics.SamplesForwarded.Inc()
		}
	}
}

// Stop shuts both loops down cooperatively. Idempotent.
func (b *Bridge) Stop(timeout time.Duration) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "bridge", "Stop", "loops did not stop in time")
	}

	if b.ws != nil {
		b.ws.Stop()
	}
	b.logger.Info("bridge stopped")
	return nil
}

// Status is a point-in-time snapshot mirroring the bridge's internals.
type Status struct {
	Running             bool    `json:"running"`
	StreamName          string  `json:"stream_name"`
	ForwardHost         string  `json:"forward_host"`
	ForwardPort         int     `json:"forward_port"`
	ForwardEnabled      bool    `json:"forward_enabled"`
	SamplesReceived     uint64  `json:"samples_received"`
	SamplesForwarded    uint64  `json:"samples_forwarded"`
	SamplesDropped      uint64  `json:"samples_dropped"`
	QueueDepth          int     `json:"queue_depth"`
	LastValue           float64 `json:"last_value"`
	LastSampleTime      float64 `json:"last_sample_time"`
	UpstreamConnected   bool    `json:"upstream_connected"`
	DownstreamConnected bool    `json:"downstream_connected"`
	UpstreamStale       bool    `json:"upstream_stale"`
}

// Status returns a snapshot of the bridge state.
func (b *Bridge) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	status := Status{
		Running:             b.running,
		StreamName:          b.cfg.StreamName,
		ForwardHost:         b.cfg.ForwardHost,
		ForwardPort:         b.cfg.ForwardPort,
		ForwardEnabled:      b.cfg.Enabled,
		SamplesReceived:     b.samplesReceived,
		SamplesForwarded:    b.samplesForwarded,
		LastValue:           b.lastValue,
		LastSampleTime:      b.lastSampleTime,
		UpstreamConnected:   b.upstreamConnected,
		DownstreamConnected: b.downstreamConnected,
		UpstreamStale:       b.stale,
	}
	if b.queue != nil {
		status.SamplesDropped = uint64(b.queue.Stats().Drops())
		status.QueueDepth = b.queue.Size()
	}
	return status
}

// Health reports the bridge state for the health monitor.
func (b *Bridge) Health() health.Status {
	status := b.Status()

	var hs health.Status
	switch {
	case !status.Running:
		hs = health.Unhealthy("bridge", "not running")
	case !status.UpstreamConnected:
		hs = health.Degraded("bridge", "upstream not connected")
	case status.UpstreamStale:
		hs = health.Degraded("bridge", "upstream stale")
	case status.ForwardEnabled && !status.DownstreamConnected:
		hs = health.Degraded("bridge", "downstream not connected")
	default:
		hs = health.Healthy("bridge", "forwarding")
	}
	return hs.WithMetrics(&health.Metrics{
		SamplesProcessed: int64(status.SamplesForwarded),
		LastActivity:     timestamp.ToTime(status.LastSampleTime),
	})
}

func (b *Bridge) setUpstreamConnected(connected bool) {
	b.mu.Lock()
	b.upstreamConnected = connected
	b.mu.Unlock()
}

func (b *Bridge) setDownstreamConnected(connected bool) {
	b.mu.Lock()
	b.downstreamConnected = connected
	b.mu.Unlock()
}

// sleepCtx waits for d or the context, whichever ends first. Returns false
// when the context ended.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
