package eventlog

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLog_AppendAssignsIDAndTimestamp(t *testing.T) {
	l := New()

	before := time.Now()
	event := l.Append(Event{EventType: "task_start", TaskName: "m1_tapping"})

	assert.NotEmpty(t, event.ID)
	assert.False(t, event.Timestamp.Before(before))

	// Explicit values are preserved.
	ts := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	event = l.Append(Event{ID: "fixed", Timestamp: ts, EventType: "task_end"})
	assert.Equal(t, "fixed", event.ID)
	assert.Equal(t, ts, event.Timestamp)
}

func TestLog_DrainPreservesOrder(t *testing.T) {
	l := New()

	for i := 0; i < 5; i++ {
		l.Append(Event{EventType: fmt.Sprintf("event_%d", i)})
	}

	first := l.Drain(2)
	require.Len(t, first, 2)
	assert.Equal(t, "event_0", first[0].EventType)
	assert.Equal(t, "event_1", first[1].EventType)

	rest := l.Drain(0)
	require.Len(t, rest, 3)
	assert.Equal(t, "event_2", rest[0].EventType)

	assert.Empty(t, l.Drain(10))
	assert.Equal(t, 0, l.Len())
}

func TestLog_Counts(t *testing.T) {
	l := New()

	l.Append(Event{EventType: "a"})
	l.Append(Event{EventType: "b"})
	l.Drain(1)

	appended, drained := l.Counts()
	assert.Equal(t, uint64(2), appended)
	assert.Equal(t, uint64(1), drained)
	assert.Equal(t, 1, l.Len())
}

func TestLog_ConcurrentAppend(t *testing.T) {
	l := New()

	const writers = 8
	const perWriter = 50

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				l.Append(Event{EventType: "tap", Payload: map[string]any{"writer": w}})
			}
		}(w)
	}
	wg.Wait()

	events := l.Drain(0)
	assert.Len(t, events, writers*perWriter)

	// Every event got a unique ID.
	ids := make(map[string]struct{}, len(events))
	for _, e := range events {
		ids[e.ID] = struct{}{}
	}
	assert.Len(t, ids, writers*perWriter)
}
