package producer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shusuke-O/realtime-mrs/stream"
)

type publishedMsg struct {
	subject string
	data    []byte
}

// fakeTransport records publishes and subscriptions in memory.
type fakeTransport struct {
	mu         sync.Mutex
	published  []publishedMsg
	subscribed []string
}

func (t *fakeTransport) Publish(subject string, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.published = append(t.published, publishedMsg{subject: subject, data: data})
	return nil
}

func (t *fakeTransport) Subscribe(subject string, handler nats.MsgHandler) (*nats.Subscription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribed = append(t.subscribed, subject)
	return nil, nil
}

func (t *fakeTransport) onSubject(subject string) []publishedMsg {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []publishedMsg
	for _, m := range t.published {
		if m.subject == subject {
			out = append(out, m)
		}
	}
	return out
}

func testDescriptor() stream.Descriptor {
	return stream.Descriptor{
		Name:          "EI_Stream",
		Type:          "EI_Ratio",
		SourceID:      "test_producer",
		ChannelCount:  1,
		NominalRateHz: 1,
	}
}

func TestPublisher_RequiresName(t *testing.T) {
	_, err := NewPublisher(&fakeTransport{}, stream.Descriptor{})
	require.Error(t, err)
}

func TestPublisher_AnnouncesOnStart(t *testing.T) {
	transport := &fakeTransport{}
	p, err := NewPublisher(transport, testDescriptor(), WithAnnounceInterval(10*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	subject := testDescriptor().AnnounceSubject()
	require.Eventually(t, func() bool {
		return len(transport.onSubject(subject)) >= 2
	}, time.Second, 5*time.Millisecond)

	var desc stream.Descriptor
	require.NoError(t, json.Unmarshal(transport.onSubject(subject)[0].data, &desc))
	assert.Equal(t, "EI_Stream", desc.Name)
	assert.Equal(t, "EI_Ratio", desc.Type)

	assert.Contains(t, transport.subscribed, stream.DiscoverSubject)
}

func TestPublisher_StartTwiceFails(t *testing.T) {
	p, err := NewPublisher(&fakeTransport{}, testDescriptor())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))
	defer p.Stop()

	assert.Error(t, p.Start(ctx))
}

func TestPublisher_PublishSample(t *testing.T) {
	transport := &fakeTransport{}
	p, err := NewPublisher(transport, testDescriptor())
	require.NoError(t, err)

	require.NoError(t, p.Publish(stream.Sample{Timestamp: 100.5, Payload: stream.Scalar(0.82)}))
	require.NoError(t, p.Publish(stream.Sample{Timestamp: 101.5, Payload: stream.Scalar(0.79)}))
	assert.Equal(t, uint64(2), p.Published())

	msgs := transport.onSubject(testDescriptor().DataSubject())
	require.Len(t, msgs, 2)

	var sample stream.Sample
	require.NoError(t, json.Unmarshal(msgs[0].data, &sample))
	assert.Equal(t, 100.5, sample.Timestamp)
	value, ok := sample.Payload.ScalarValue()
	require.True(t, ok)
	assert.Equal(t, 0.82, value)
}

func TestPublisher_RunScalarPublishesOnTicks(t *testing.T) {
	transport := &fakeTransport{}
	p, err := NewPublisher(transport, testDescriptor())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, p.Start(ctx))

	source := NewSimulatedEI(WithSeed(7))
	p.RunScalar(ctx, source, 5*time.Millisecond)

	subject := testDescriptor().DataSubject()
	require.Eventually(t, func() bool {
		return len(transport.onSubject(subject)) >= 3
	}, time.Second, 2*time.Millisecond)

	cancel()
	p.Stop()

	var sample stream.Sample
	require.NoError(t, json.Unmarshal(transport.onSubject(subject)[0].data, &sample))
	assert.Greater(t, sample.Timestamp, 0.0)
	value, ok := sample.Payload.ScalarValue()
	require.True(t, ok)
	assert.GreaterOrEqual(t, value, 0.3)
	assert.LessOrEqual(t, value, 1.2)
}

func TestPublisher_StopIdempotent(t *testing.T) {
	p, err := NewPublisher(&fakeTransport{}, testDescriptor())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, p.Start(ctx))

	p.Stop()
	p.Stop()
}

func TestSimulatedEI_StaysInRange(t *testing.T) {
	source := NewSimulatedEI(WithSeed(42))
	now := time.Now()
	for i := 0; i < 1000; i++ {
		v := source.Next(now.Add(time.Duration(i) * time.Second))
		assert.GreaterOrEqual(t, v, 0.3)
		assert.LessOrEqual(t, v, 1.2)
	}
}

func TestSimulatedEI_Deterministic(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	a := NewSimulatedEI(WithSeed(9))
	b := NewSimulatedEI(WithSeed(9))
	for i := 0; i < 50; i++ {
		at := now.Add(time.Duration(i) * time.Second)
		assert.Equal(t, a.Next(at), b.Next(at))
	}
}

func TestSimulatedEI_Interventions(t *testing.T) {
	source := NewSimulatedEI(WithSeed(1))
	assert.Equal(t, 0.7, source.Current())

	source.Intervene("excitatory", 0.2)
	assert.InDelta(t, 0.9, source.Current(), 1e-9)

	source.Intervene("inhibitory", 0.4)
	assert.InDelta(t, 0.5, source.Current(), 1e-9)

	source.Intervene("excitatory", 5.0)
	assert.Equal(t, 1.2, source.Current())

	source.ResetBaseline()
	assert.Equal(t, 0.7, source.Current())
}

func TestSimulatedEI_MixedInterventionStaysInRange(t *testing.T) {
	source := NewSimulatedEI(WithSeed(3))
	for i := 0; i < 100; i++ {
		source.Intervene("mixed", 0.5)
		v := source.Current()
		assert.GreaterOrEqual(t, v, 0.3)
		assert.LessOrEqual(t, v, 1.2)
	}
}

func TestTaskEmitter_EmitShape(t *testing.T) {
	transport := &fakeTransport{}
	emitter, err := NewTaskEmitter(transport, "ExperimentEvents", "mrt", "test_tasks")
	require.NoError(t, err)

	require.NoError(t, emitter.Emit("trial_start", map[string]any{"trial": 3}))
	assert.Equal(t, uint64(1), emitter.Emitted())

	desc := stream.Descriptor{Name: "ExperimentEvents", SourceID: "test_tasks"}
	msgs := transport.onSubject(desc.DataSubject())
	require.Len(t, msgs, 1)

	var sample stream.Sample
	require.NoError(t, json.Unmarshal(msgs[0].data, &sample))
	fields, ok := sample.Payload.StructuredValue()
	require.True(t, ok)
	assert.Equal(t, "trial_start", fields["event_type"])
	assert.Equal(t, "mrt", fields["task"])
	assert.EqualValues(t, 3, fields["trial"])
}
