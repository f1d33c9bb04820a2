package stream

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shusuke-O/realtime-mrs/pkg/cache"
)

type registryClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *registryClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *registryClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestRegistry(t *testing.T) (*Registry, *registryClock) {
	t.Helper()
	clock := &registryClock{now: time.Unix(1_700_000_000, 0)}
	streams, err := cache.NewTTL[Descriptor](descriptorTTL, time.Hour,
		cache.WithClock[Descriptor](clock.Now))
	require.NoError(t, err)
	r := newRegistryWith(streams, nil, slog.Default())
	t.Cleanup(r.Close)
	return r, clock
}

func TestRegistry_UpdateAndLookup(t *testing.T) {
	r, _ := newTestRegistry(t)

	d := Descriptor{Name: "EI_Stream", Type: "EI_Ratio", SourceID: "fsl_mrs"}
	r.Update(d)
	r.Update(d) // refresh is a no-op for contents

	assert.Equal(t, 1, r.Len())
	matches := r.Lookup(Filter{Name: "EI_Stream"})
	require.Len(t, matches, 1)
	assert.Equal(t, d, matches[0])

	assert.Empty(t, r.Lookup(Filter{Name: "Other"}))
}

func TestRegistry_SameNameDifferentSource(t *testing.T) {
	r, _ := newTestRegistry(t)

	r.Update(Descriptor{Name: "EI_Stream", SourceID: "scanner_a"})
	r.Update(Descriptor{Name: "EI_Stream", SourceID: "scanner_b"})

	assert.Equal(t, 2, r.Len())
	assert.Len(t, r.Lookup(Filter{Name: "EI_Stream"}), 2)
	assert.Len(t, r.Lookup(Filter{Name: "EI_Stream", SourceID: "scanner_a"}), 1)
}

func TestRegistry_Remove(t *testing.T) {
	r, _ := newTestRegistry(t)

	d := Descriptor{Name: "EI_Stream", SourceID: "fsl_mrs"}
	r.Update(d)
	r.Remove(d)

	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Lookup(Filter{Name: "EI_Stream"}))
}

func TestRegistry_SilentStreamsExpire(t *testing.T) {
	r, clock := newTestRegistry(t)

	stale := Descriptor{Name: "Stale_Stream", SourceID: "gone"}
	r.Update(stale)
	clock.Advance(descriptorTTL / 2)

	fresh := Descriptor{Name: "EI_Stream", SourceID: "fsl_mrs"}
	r.Update(fresh)
	clock.Advance(descriptorTTL/2 + time.Second)

	assert.Equal(t, 1, r.Prune())
	assert.Equal(t, 1, r.Len())
	assert.Empty(t, r.Lookup(Filter{Name: "Stale_Stream"}))
	assert.Len(t, r.Lookup(Filter{Name: "EI_Stream"}), 1)
}

func TestRegistry_ReannounceKeepsAlive(t *testing.T) {
	r, clock := newTestRegistry(t)

	d := Descriptor{Name: "EI_Stream", SourceID: "fsl_mrs"}
	r.Update(d)
	clock.Advance(descriptorTTL - time.Second)
	r.Update(d)
	clock.Advance(descriptorTTL - time.Second)

	assert.Equal(t, 0, r.Prune())
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_WatchWithoutClientFails(t *testing.T) {
	r, _ := newTestRegistry(t)
	assert.Error(t, r.Watch())
}
