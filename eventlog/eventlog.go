// Package eventlog collects experiment events (task markers, interventions,
// session lifecycle) in an append-only in-memory log that the recorder
// drains to disk on its flush cadence.
package eventlog

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Shusuke-O/realtime-mrs/natsclient"
)

// MirrorSubject is the data subject appended events are mirrored on when
// mirroring is enabled, making the event log itself a recordable stream.
const MirrorSubject = "streams.data.ExperimentEvents"

// Event is one experiment event.
type Event struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	EventType     string         `json:"event_type"`
	TaskName      string         `json:"task_name,omitempty"`
	ParticipantID string         `json:"participant_id,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// Log is an append-only event log. Append and Drain are safe for concurrent
// use; append order is preserved.
type Log struct {
	mu     sync.Mutex
	events []Event

	appended uint64
	drained  uint64

	mirror *natsclient.Client
	logger *slog.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithMirror publishes every appended event on MirrorSubject.
func WithMirror(client *natsclient.Client) Option {
	return func(l *Log) { l.mirror = client }
}

// WithLogger sets the logger used for mirroring failures.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New creates an empty event log.
func New(options ...Option) *Log {
	l := &Log{logger: slog.Default()}
	for _, opt := range options {
		opt(l)
	}
	return l
}

// Append adds an event to the log. A missing ID is generated and a zero
// timestamp is stamped with the current time. Append never blocks on I/O;
// mirroring failures are logged and dropped.
func (l *Log) Append(event Event) Event {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	l.mu.Lock()
	l.events = append(l.events, event)
	l.appended++
	l.mu.Unlock()

	if l.mirror != nil {
		l.publishMirror(event)
	}

	return event
}

func (l *Log) publishMirror(event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		l.logger.Warn("failed to encode event for mirroring", "event_type", event.EventType, "error", err)
		return
	}
	if err := l.mirror.Publish(MirrorSubject, data); err != nil {
		l.logger.Warn("failed to mirror event", "event_type", event.EventType, "error", err)
	}
}

// Drain removes and returns up to maxCount of the oldest events in append
// order. maxCount <= 0 drains everything.
func (l *Log) Drain(maxCount int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.events) == 0 {
		return nil
	}

	n := len(l.events)
	if maxCount > 0 && maxCount < n {
		n = maxCount
	}

	drained := make([]Event, n)
	copy(drained, l.events[:n])
	l.events = append(l.events[:0:0], l.events[n:]...)
	l.drained += uint64(n)
	return drained
}

// Len returns the number of undrained events.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// Counts returns total events appended and drained over the log's lifetime.
func (l *Log) Counts() (appended, drained uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appended, l.drained
}
