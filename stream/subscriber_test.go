package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shusuke-O/realtime-mrs/pkg/buffer"
)

// newTestSubscription builds a subscription without a live transport so
// delivery can be driven through onMessage directly.
func newTestSubscription(t *testing.T, capacity int) *Subscription {
	t.Helper()

	buf, err := buffer.NewCircularBuffer[Sample](capacity, buffer.WithOverflowPolicy[Sample](buffer.DropOldest))
	require.NoError(t, err)

	return &Subscription{
		descriptor: Descriptor{Name: "EI_Stream", Type: "EI_metric", ChannelCount: 1},
		buf:        buf,
		notify:     make(chan struct{}, 1),
		logger:     slog.Default(),
		closed:     make(chan struct{}),
	}
}

func deliver(t *testing.T, s *Subscription, sample Sample) {
	t.Helper()
	data, err := json.Marshal(sample)
	require.NoError(t, err)
	s.onMessage(&nats.Msg{Data: data})
}

func TestSubscription_PullArrivalOrder(t *testing.T) {
	s := newTestSubscription(t, 8)
	defer s.Close()

	for i := 0; i < 3; i++ {
		deliver(t, s, Sample{Timestamp: float64(i), Payload: Scalar(float64(i) * 0.1)})
	}

	samples := s.Pull(context.Background(), 0, 100*time.Millisecond)
	require.Len(t, samples, 3)
	for i, sample := range samples {
		assert.Equal(t, float64(i), sample.Timestamp)
	}
}

func TestSubscription_PullChunkLimit(t *testing.T) {
	s := newTestSubscription(t, 8)
	defer s.Close()

	for i := 0; i < 5; i++ {
		deliver(t, s, Sample{Timestamp: float64(i), Payload: Scalar(1)})
	}

	assert.Len(t, s.Pull(context.Background(), 2, 100*time.Millisecond), 2)
	assert.Len(t, s.Pull(context.Background(), 0, 100*time.Millisecond), 3)
}

func TestSubscription_PullTimesOutEmpty(t *testing.T) {
	s := newTestSubscription(t, 8)
	defer s.Close()

	start := time.Now()
	samples := s.Pull(context.Background(), 0, 50*time.Millisecond)
	assert.Empty(t, samples)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestSubscription_PullWakesOnDelivery(t *testing.T) {
	s := newTestSubscription(t, 8)
	defer s.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	var got []Sample
	go func() {
		defer wg.Done()
		got = s.Pull(context.Background(), 0, 2*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	deliver(t, s, Sample{Timestamp: 42, Payload: Scalar(0.5)})
	wg.Wait()

	require.Len(t, got, 1)
	assert.Equal(t, 42.0, got[0].Timestamp)
}

func TestSubscription_CloseUnblocksPull(t *testing.T) {
	s := newTestSubscription(t, 8)

	done := make(chan []Sample, 1)
	go func() {
		done <- s.Pull(context.Background(), 0, 10*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Close())

	select {
	case samples := <-done:
		assert.Empty(t, samples)
	case <-time.After(time.Second):
		t.Fatal("Pull did not unblock on Close")
	}

	// Close is idempotent.
	assert.NoError(t, s.Close())
}

func TestSubscription_OverflowDropsOldest(t *testing.T) {
	s := newTestSubscription(t, 3)
	defer s.Close()

	for i := 0; i < 5; i++ {
		deliver(t, s, Sample{Timestamp: float64(i), Payload: Scalar(1)})
	}

	samples := s.Pull(context.Background(), 0, 100*time.Millisecond)
	require.Len(t, samples, 3)
	assert.Equal(t, 2.0, samples[0].Timestamp, "oldest two dropped")
	assert.Equal(t, int64(2), s.Stats().Drops())
}

func TestSubscription_MalformedSampleDiscarded(t *testing.T) {
	s := newTestSubscription(t, 8)
	defer s.Close()

	s.onMessage(&nats.Msg{Data: []byte("not json")})
	deliver(t, s, Sample{Timestamp: 1, Payload: Scalar(1)})

	samples := s.Pull(context.Background(), 0, 100*time.Millisecond)
	assert.Len(t, samples, 1)
}

func TestSubscription_IsStale(t *testing.T) {
	s := newTestSubscription(t, 8)
	defer s.Close()

	now := time.Now()
	assert.True(t, s.IsStale(now, time.Second), "never-received stream is stale")

	deliver(t, s, Sample{Timestamp: 1, Payload: Scalar(1)})
	assert.False(t, s.IsStale(time.Now(), time.Second))
	assert.True(t, s.IsStale(time.Now().Add(2*time.Second), time.Second))
}

func TestSubscription_WatchStalenessEdgeTriggered(t *testing.T) {
	s := newTestSubscription(t, 8)

	var mu sync.Mutex
	var transitions []bool
	s.WatchStaleness(80*time.Millisecond, func(stale bool) {
		mu.Lock()
		transitions = append(transitions, stale)
		mu.Unlock()
	})

	// No data: a single stale notification.
	time.Sleep(150 * time.Millisecond)

	// Data resumes: a single fresh notification.
	deliver(t, s, Sample{Timestamp: 1, Payload: Scalar(1)})
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, s.Close())

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(transitions), 2)
	assert.Equal(t, []bool{true, false}, transitions[:2], "one notification per transition")
}
