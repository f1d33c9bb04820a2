// Package stream implements typed sample streams over NATS: descriptors and
// discovery, bounded subscriptions with pull semantics, and staleness
// detection. It is the substrate the recorder and bridge are built on.
package stream

import (
	"strings"
)

// NATS subject layout for stream traffic. DiscoverSubject is exported for
// producers, which answer probes on it.
const (
	announceSubjectPrefix = "streams.announce."
	DiscoverSubject       = "streams.discover"
	dataSubjectPrefix     = "streams.data."
)

// Descriptor identifies a live stream on the transport. Two descriptors
// refer to the same stream when Name and SourceID are equal. A descriptor
// is immutable once resolved.
type Descriptor struct {
	// Name is the stream's advertised name, e.g. "EI_Stream".
	Name string `json:"name"`
	// Type is the content category, e.g. "EI_metric" or "Markers".
	Type string `json:"type"`
	// SourceID disambiguates producers sharing a name. May be empty.
	SourceID string `json:"source_id,omitempty"`
	// ChannelCount is the number of values per sample. Scalar streams use 1.
	ChannelCount int `json:"channel_count"`
	// NominalRateHz is the producer's nominal sample rate. Zero means
	// irregular (event-driven) timing.
	NominalRateHz float64 `json:"nominal_rate_hz"`
}

// Same reports whether two descriptors identify the same stream.
func (d Descriptor) Same(other Descriptor) bool {
	return d.Name == other.Name && d.SourceID == other.SourceID
}

// DataSubject returns the NATS subject the stream's samples flow on.
func (d Descriptor) DataSubject() string {
	return dataSubjectPrefix + sanitizeToken(d.Name)
}

// AnnounceSubject returns the NATS subject the stream is announced on.
func (d Descriptor) AnnounceSubject() string {
	return announceSubjectPrefix + sanitizeToken(d.Name)
}

// key is the registry identity of the descriptor.
func (d Descriptor) key() string {
	return d.Name + "\x00" + d.SourceID
}

// Filter selects streams during discovery. Empty fields match anything.
type Filter struct {
	Name     string `json:"name,omitempty"`
	Type     string `json:"type,omitempty"`
	SourceID string `json:"source_id,omitempty"`
}

// Matches reports whether the descriptor satisfies the filter.
func (f Filter) Matches(d Descriptor) bool {
	if f.Name != "" && f.Name != d.Name {
		return false
	}
	if f.Type != "" && f.Type != d.Type {
		return false
	}
	if f.SourceID != "" && f.SourceID != d.SourceID {
		return false
	}
	return true
}

// sanitizeToken makes a stream name safe for use as a NATS subject token.
func sanitizeToken(name string) string {
	replacer := strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")
	return replacer.Replace(name)
}
