package producer

import (
	"context"

	"github.com/Shusuke-O/realtime-mrs/pkg/timestamp"
	"github.com/Shusuke-O/realtime-mrs/stream"
)

// TaskEmitter publishes task events on a marker stream. Each event is a
// structured sample carrying the event type, the task name, and any extra
// payload fields.
type TaskEmitter struct {
	publisher *Publisher
	taskName  string
}

// NewTaskEmitter creates an emitter for the named task. The stream is
// announced as an irregular-rate marker stream.
func NewTaskEmitter(transport Transport, streamName, taskName, sourceID string, options ...PublisherOption) (*TaskEmitter, error) {
	desc := stream.Descriptor{
		Name:          streamName,
		Type:          "Markers",
		SourceID:      sourceID,
		ChannelCount:  1,
		NominalRateHz: 0,
	}
	publisher, err := NewPublisher(transport, desc, options...)
	if err != nil {
		return nil, err
	}
	return &TaskEmitter{publisher: publisher, taskName: taskName}, nil
}

// Start begins announcing the marker stream.
func (e *TaskEmitter) Start(ctx context.Context) error {
	return e.publisher.Start(ctx)
}

// Emit publishes one task event. The payload may be nil.
func (e *TaskEmitter) Emit(eventType string, payload map[string]any) error {
	fields := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		fields[k] = v
	}
	fields["event_type"] = eventType
	fields["task"] = e.taskName

	sample := stream.Sample{
		Timestamp: timestamp.Now(),
		Payload:   stream.Structured(fields),
	}
	return e.publisher.Publish(sample)
}

// Emitted returns how many events have been published.
func (e *TaskEmitter) Emitted() uint64 {
	return e.publisher.Published()
}

// Stop halts the marker stream's announcements.
func (e *TaskEmitter) Stop() {
	e.publisher.Stop()
}
