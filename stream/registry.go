package stream

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Shusuke-O/realtime-mrs/errors"
	"github.com/Shusuke-O/realtime-mrs/natsclient"
	"github.com/Shusuke-O/realtime-mrs/pkg/cache"
)

// descriptorTTL is how long an announcement stays valid without being
// refreshed. Producers re-announce every couple of seconds, so a silent
// stream ages out well before a recording would miss it.
const descriptorTTL = 30 * time.Second

// Registry tracks descriptors of streams observed on the transport.
// Announcements refresh them; streams that stop announcing expire.
type Registry struct {
	streams *cache.TTL[Descriptor]
	client  *natsclient.Client
	logger  *slog.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewRegistry creates a registry. Pass a non-nil client to enable Watch.
func NewRegistry(client *natsclient.Client, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	streams, _ := cache.NewTTL[Descriptor](descriptorTTL, descriptorTTL/2,
		cache.WithEvictCallback[Descriptor](func(_ string, d Descriptor) {
			logger.Info("stream announcement expired", "stream", d.Name, "source_id", d.SourceID)
		}))
	return newRegistryWith(streams, client, logger)
}

func newRegistryWith(streams *cache.TTL[Descriptor], client *natsclient.Client, logger *slog.Logger) *Registry {
	return &Registry{
		streams: streams,
		client:  client,
		logger:  logger,
	}
}

// Watch subscribes to stream announcements and keeps the registry current.
func (r *Registry) Watch() error {
	if r.client == nil {
		return errors.WrapInvalid(errors.ErrNoConnection, "stream", "Registry.Watch", "no transport client")
	}

	sub, err := r.client.Subscribe(announceSubjectPrefix+">", func(msg *nats.Msg) {
		var d Descriptor
		if err := json.Unmarshal(msg.Data, &d); err != nil {
			r.logger.Warn("discarding malformed announcement", "subject", msg.Subject, "error", err)
			return
		}
		r.Update(d)
	})
	if err != nil {
		return errors.Wrap(err, "stream", "Registry.Watch", "subscribe announcements")
	}

	r.mu.Lock()
	r.sub = sub
	r.mu.Unlock()
	return nil
}

// Update records or refreshes a descriptor.
func (r *Registry) Update(d Descriptor) {
	if r.streams.Set(d.key(), d) {
		r.logger.Info("stream discovered", "stream", d.Name, "type", d.Type, "source_id", d.SourceID)
	}
}

// Remove forgets a descriptor.
func (r *Registry) Remove(d Descriptor) {
	r.streams.Delete(d.key())
}

// Lookup returns all known descriptors matching the filter.
func (r *Registry) Lookup(f Filter) []Descriptor {
	var matches []Descriptor
	for _, d := range r.streams.Values() {
		if f.Matches(d) {
			matches = append(matches, d)
		}
	}
	return matches
}

// Len returns the number of known streams.
func (r *Registry) Len() int {
	return r.streams.Len()
}

// Prune drops expired descriptors immediately and returns how many were
// removed. Expiry also happens in the background.
func (r *Registry) Prune() int {
	return r.streams.Sweep()
}

// Close stops watching announcements and releases the expiry sweeper. The
// registry remains readable.
func (r *Registry) Close() {
	r.mu.Lock()
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
		r.sub = nil
	}
	r.mu.Unlock()
	r.streams.Close()
}
