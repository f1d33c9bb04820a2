package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClock is a manually advanced time source.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestCache(t *testing.T, ttl time.Duration, clock *testClock, options ...Option[string]) *TTL[string] {
	t.Helper()
	options = append(options, WithClock[string](clock.Now))
	c, err := NewTTL[string](ttl, time.Hour, options...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestTTL_InvalidTTL(t *testing.T) {
	_, err := NewTTL[string](0, time.Second)
	assert.Error(t, err)
}

func TestTTL_SetGet(t *testing.T) {
	clock := newTestClock()
	c := newTestCache(t, 10*time.Second, clock)

	assert.True(t, c.Set("a", "one"))
	assert.False(t, c.Set("a", "uno"))

	got, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "uno", got)

	_, ok = c.Get("missing")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestTTL_ExpiryOnRead(t *testing.T) {
	clock := newTestClock()
	c := newTestCache(t, 10*time.Second, clock)

	c.Set("a", "one")
	clock.Advance(11 * time.Second)

	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestTTL_SetRefreshesDeadline(t *testing.T) {
	clock := newTestClock()
	c := newTestCache(t, 10*time.Second, clock)

	c.Set("a", "one")
	clock.Advance(8 * time.Second)
	c.Set("a", "one")
	clock.Advance(8 * time.Second)

	_, ok := c.Get("a")
	assert.True(t, ok)
}

func TestTTL_Sweep(t *testing.T) {
	clock := newTestClock()
	c := newTestCache(t, 10*time.Second, clock)

	c.Set("a", "one")
	c.Set("b", "two")
	clock.Advance(5 * time.Second)
	c.Set("c", "three")
	clock.Advance(6 * time.Second)

	assert.Equal(t, 2, c.Sweep())
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, []string{"c"}, c.Keys())
}

func TestTTL_EvictCallback(t *testing.T) {
	clock := newTestClock()
	var mu sync.Mutex
	var evicted []string
	c := newTestCache(t, 10*time.Second, clock,
		WithEvictCallback[string](func(key string, _ string) {
			mu.Lock()
			evicted = append(evicted, key)
			mu.Unlock()
		}))

	c.Set("a", "one")
	clock.Advance(11 * time.Second)
	c.Sweep()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(evicted) == 1 && evicted[0] == "a"
	}, time.Second, 5*time.Millisecond)
}

func TestTTL_DeleteSkipsCallback(t *testing.T) {
	clock := newTestClock()
	called := false
	c := newTestCache(t, 10*time.Second, clock,
		WithEvictCallback[string](func(string, string) { called = true }))

	c.Set("a", "one")
	assert.True(t, c.Delete("a"))
	assert.False(t, c.Delete("a"))
	assert.False(t, called)
}

func TestTTL_ValuesAndLenSkipExpired(t *testing.T) {
	clock := newTestClock()
	c := newTestCache(t, 10*time.Second, clock)

	c.Set("a", "one")
	clock.Advance(5 * time.Second)
	c.Set("b", "two")
	clock.Advance(6 * time.Second)

	assert.Equal(t, 1, c.Len())
	assert.Equal(t, []string{"two"}, c.Values())
}

func TestTTL_CloseIdempotent(t *testing.T) {
	c, err := NewTTL[string](time.Second, time.Hour)
	require.NoError(t, err)
	c.Close()
	c.Close()
}
