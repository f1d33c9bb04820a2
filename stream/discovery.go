package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Shusuke-O/realtime-mrs/errors"
	"github.com/Shusuke-O/realtime-mrs/natsclient"
)

// Discovery finds live streams by probing producers over the transport and
// by consulting the announcement registry.
type Discovery struct {
	client   *natsclient.Client
	registry *Registry
	logger   *slog.Logger
}

// NewDiscovery creates a discovery helper. The registry is optional; when
// present its announcements answer before any probe goes out.
func NewDiscovery(client *natsclient.Client, registry *Registry, logger *slog.Logger) *Discovery {
	if logger == nil {
		logger = slog.Default()
	}
	return &Discovery{client: client, registry: registry, logger: logger}
}

// Discover collects all streams matching the filter within the timeout.
// An empty result is not an error. Calling again with the same filter is
// idempotent: matching is by descriptor identity, so duplicates collapse.
func (d *Discovery) Discover(ctx context.Context, f Filter, timeout time.Duration) ([]Descriptor, error) {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	seen := make(map[string]Descriptor)

	if d.registry != nil {
		for _, desc := range d.registry.Lookup(f) {
			seen[desc.key()] = desc
		}
	}

	query, err := json.Marshal(f)
	if err != nil {
		return nil, errors.Wrap(err, "stream", "Discovery.Discover", "encode filter")
	}

	err = d.client.RequestMany(probeCtx, DiscoverSubject, query, func(msg *nats.Msg) bool {
		var desc Descriptor
		if decodeErr := json.Unmarshal(msg.Data, &desc); decodeErr != nil {
			d.logger.Warn("discarding malformed discovery reply", "error", decodeErr)
			return true
		}
		if !f.Matches(desc) {
			return true
		}
		seen[desc.key()] = desc
		if d.registry != nil {
			d.registry.Update(desc)
		}
		return true
	})
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}

	matches := make([]Descriptor, 0, len(seen))
	for _, desc := range seen {
		matches = append(matches, desc)
	}
	return matches, nil
}

// Resolve returns the first stream matching the filter, waiting up to the
// timeout for one to appear. ErrDiscoveryTimeout when none does; callers
// treat that as a reportable, non-fatal condition.
func (d *Discovery) Resolve(ctx context.Context, f Filter, timeout time.Duration) (Descriptor, error) {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if d.registry != nil {
		if matches := d.registry.Lookup(f); len(matches) > 0 {
			return matches[0], nil
		}
	}

	query, err := json.Marshal(f)
	if err != nil {
		return Descriptor{}, errors.Wrap(err, "stream", "Discovery.Resolve", "encode filter")
	}

	var found *Descriptor
	err = d.client.RequestMany(probeCtx, DiscoverSubject, query, func(msg *nats.Msg) bool {
		var desc Descriptor
		if decodeErr := json.Unmarshal(msg.Data, &desc); decodeErr != nil {
			d.logger.Warn("discarding malformed discovery reply", "error", decodeErr)
			return true
		}
		if !f.Matches(desc) {
			return true
		}
		found = &desc
		if d.registry != nil {
			d.registry.Update(desc)
		}
		return false
	})
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return Descriptor{}, err
	}

	if found == nil {
		return Descriptor{}, errors.WrapTransient(errors.ErrDiscoveryTimeout,
			"stream", "Discovery.Resolve", "resolve "+filterLabel(f))
	}
	return *found, nil
}

func filterLabel(f Filter) string {
	switch {
	case f.Name != "" && f.SourceID != "":
		return f.Name + "/" + f.SourceID
	case f.Name != "":
		return f.Name
	case f.Type != "":
		return "type " + f.Type
	default:
		return "any stream"
	}
}
