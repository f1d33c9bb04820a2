package recorder

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Shusuke-O/realtime-mrs/config"
	"github.com/Shusuke-O/realtime-mrs/errors"
	"github.com/Shusuke-O/realtime-mrs/eventlog"
	"github.com/Shusuke-O/realtime-mrs/stream"
)

type fakeResolver struct {
	streams map[string]stream.Descriptor
}

func (f *fakeResolver) Resolve(_ context.Context, filter stream.Filter, _ time.Duration) (stream.Descriptor, error) {
	if desc, ok := f.streams[filter.Name]; ok {
		return desc, nil
	}
	return stream.Descriptor{}, errors.ErrDiscoveryTimeout
}

type fakeSource struct {
	mu      sync.Mutex
	pending []stream.Sample
	closed  bool
}

func (f *fakeSource) push(samples ...stream.Sample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, samples...)
}

func (f *fakeSource) Pull(_ context.Context, _ int, timeout time.Duration) []stream.Sample {
	f.mu.Lock()
	if len(f.pending) > 0 {
		out := f.pending
		f.pending = nil
		f.mu.Unlock()
		return out
	}
	f.mu.Unlock()

	if timeout > 10*time.Millisecond {
		timeout = 10 * time.Millisecond
	}
	time.Sleep(timeout)
	return nil
}

func (f *fakeSource) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func testConfig(t *testing.T) config.RecordingConfig {
	t.Helper()
	return config.RecordingConfig{
		DataDirectory:    t.TempDir(),
		AutoSaveInterval: 50 * time.Millisecond,
		FileFormats:      []string{config.FormatCSV, config.FormatJSON},
		BufferLength:     64,
		ResolveTimeout:   100 * time.Millisecond,
	}
}

func newTestRecorder(t *testing.T, cfg config.RecordingConfig, resolver Resolver, sources map[string]*fakeSource) (*Recorder, *eventlog.Log) {
	t.Helper()

	events := eventlog.New()
	r := New(cfg, nil, resolver, events, nil, nil)
	r.open = func(desc stream.Descriptor) (sampleSource, error) {
		src, ok := sources[desc.Name]
		require.True(t, ok, "unexpected stream opened: %s", desc.Name)
		return src, nil
	}
	return r, events
}

func TestStartSession_CreatesDirectory(t *testing.T) {
	cfg := testConfig(t)
	r, _ := newTestRecorder(t, cfg, &fakeResolver{}, nil)

	session, err := r.StartSession("P001", "S01", "ei_modulation")
	require.NoError(t, err)

	assert.DirExists(t, session.Directory)
	assert.True(t, strings.HasPrefix(filepath.Base(session.Directory), "P001_S01_"))
	assert.Equal(t, "ei_modulation", session.ExperimentName)

	require.NoError(t, r.EndSession())
}

func TestStartSession_IdempotentForSameIdentifiers(t *testing.T) {
	r, _ := newTestRecorder(t, testConfig(t), &fakeResolver{}, nil)

	first, err := r.StartSession("P001", "S01", "exp")
	require.NoError(t, err)

	second, err := r.StartSession("P001", "S01", "exp")
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestStartSession_ConflictRejected(t *testing.T) {
	r, _ := newTestRecorder(t, testConfig(t), &fakeResolver{}, nil)

	_, err := r.StartSession("P001", "S01", "exp")
	require.NoError(t, err)

	_, err = r.StartSession("P002", "S01", "exp")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrSessionActive)
}

func TestStartSession_RequiresIdentifiers(t *testing.T) {
	r, _ := newTestRecorder(t, testConfig(t), &fakeResolver{}, nil)

	_, err := r.StartSession("", "S01", "exp")
	assert.Error(t, err)
	_, err = r.StartSession("P001", "", "exp")
	assert.Error(t, err)
}

func TestEndSession_NoopWhenIdle(t *testing.T) {
	r, _ := newTestRecorder(t, testConfig(t), &fakeResolver{}, nil)
	assert.NoError(t, r.EndSession())
}

func TestStartRecording_RequiresSession(t *testing.T) {
	r, _ := newTestRecorder(t, testConfig(t), &fakeResolver{}, nil)

	err := r.StartRecording(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNoSession)
}

func TestRecording_FullFlow(t *testing.T) {
	cfg := testConfig(t)
	ei := stream.Descriptor{Name: "EI_Stream", Type: "EI_metric", ChannelCount: 1, NominalRateHz: 1}
	resolver := &fakeResolver{streams: map[string]stream.Descriptor{"EI_Stream": ei}}
	source := &fakeSource{}
	r, events := newTestRecorder(t, cfg, resolver, map[string]*fakeSource{"EI_Stream": source})

	session, err := r.StartSession("P001", "S01", "ei_modulation")
	require.NoError(t, err)

	require.NoError(t, r.StartRecording(context.Background(), []stream.Filter{{Name: "EI_Stream"}}))

	source.push(
		stream.Sample{Timestamp: 100.0, Payload: stream.Scalar(0.8)},
		stream.Sample{Timestamp: 101.0, Payload: stream.Scalar(0.9)},
	)
	events.Append(eventlog.Event{EventType: "intervention", TaskName: "m1_tapping"})

	// Let the writer pick the samples up.
	time.Sleep(100 * time.Millisecond)

	status := r.Status()
	assert.True(t, status.Recording)
	assert.Equal(t, uint64(2), status.StreamSamples["EI_Stream"])

	require.NoError(t, r.EndSession())
	assert.True(t, source.closed)

	// Stream CSV: header plus two rows.
	entries, err := filepath.Glob(filepath.Join(session.Directory, "EI_Stream_*.csv"))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	csvData, err := os.ReadFile(entries[0])
	require.NoError(t, err)
	rows, err := csv.NewReader(strings.NewReader(string(csvData))).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"timestamp", "data"}, rows[0])
	assert.Equal(t, "100.000000", rows[1][0])
	assert.Equal(t, "0.8", rows[1][1])

	// JSON sibling mirrors the samples.
	jsonFiles, err := filepath.Glob(filepath.Join(session.Directory, "EI_Stream_*.json"))
	require.NoError(t, err)
	require.Len(t, jsonFiles, 1)

	// session_info.json maps each stream to its file; event files sit under
	// their own keys.
	infoData, err := os.ReadFile(filepath.Join(session.Directory, "session_info.json"))
	require.NoError(t, err)
	var info Session
	require.NoError(t, json.Unmarshal(infoData, &info))
	assert.Equal(t, "P001", info.ParticipantID)
	assert.False(t, info.EndTime.IsZero())
	assert.Equal(t, entries[0], info.RecordingFiles["EI_Stream"])
	assert.Equal(t, jsonFiles[0], info.RecordingFiles["EI_Stream_json"])
	assert.Equal(t, filepath.Join(session.Directory, "events.csv"), info.RecordingFiles["events_csv"])

	// The serialized form is an object keyed by stream name, not a list.
	var raw map[string]any
	require.NoError(t, json.Unmarshal(infoData, &raw))
	byStream, ok := raw["recording_files"].(map[string]any)
	require.True(t, ok, "recording_files must serialize as an object")
	assert.Contains(t, byStream, "EI_Stream")

	// Event log persisted with lifecycle markers.
	eventsData, err := os.ReadFile(filepath.Join(session.Directory, "events.csv"))
	require.NoError(t, err)
	eventRows, err := csv.NewReader(strings.NewReader(string(eventsData))).ReadAll()
	require.NoError(t, err)
	require.NotEmpty(t, eventRows)
	assert.Equal(t, []string{"timestamp", "event_type", "task_name", "participant_id", "session_id", "event_data"}, eventRows[0])

	var types []string
	for _, row := range eventRows[1:] {
		types = append(types, row[1])
	}
	assert.Contains(t, types, "session_start")
	assert.Contains(t, types, "recording_start")
	assert.Contains(t, types, "intervention")
	assert.Contains(t, types, "recording_stop")
	assert.Contains(t, types, "session_end")

	// Recorder is idle again.
	assert.False(t, r.Status().SessionActive)
}

func TestStartRecording_MissingStreamSkipped(t *testing.T) {
	cfg := testConfig(t)
	ei := stream.Descriptor{Name: "EI_Stream", Type: "EI_metric"}
	resolver := &fakeResolver{streams: map[string]stream.Descriptor{"EI_Stream": ei}}
	source := &fakeSource{}
	r, _ := newTestRecorder(t, cfg, resolver, map[string]*fakeSource{"EI_Stream": source})

	_, err := r.StartSession("P001", "S01", "exp")
	require.NoError(t, err)

	// One resolvable stream, one that is not: the call still succeeds.
	err = r.StartRecording(context.Background(), []stream.Filter{
		{Name: "EI_Stream"},
		{Name: "Ghost_Stream"},
	})
	require.NoError(t, err)

	status := r.Status()
	assert.Len(t, status.StreamSamples, 1)
	assert.Contains(t, status.StreamSamples, "EI_Stream")

	require.NoError(t, r.EndSession())
}

func TestStartRecording_AlreadyRecording(t *testing.T) {
	cfg := testConfig(t)
	r, _ := newTestRecorder(t, cfg, &fakeResolver{}, nil)

	_, err := r.StartSession("P001", "S01", "exp")
	require.NoError(t, err)
	require.NoError(t, r.StartRecording(context.Background(), nil))

	err = r.StartRecording(context.Background(), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)

	require.NoError(t, r.EndSession())
}

func TestStopRecording_Idempotent(t *testing.T) {
	cfg := testConfig(t)
	r, _ := newTestRecorder(t, cfg, &fakeResolver{}, nil)

	// Stop with nothing running is a no-op.
	assert.NoError(t, r.StopRecording())

	_, err := r.StartSession("P001", "S01", "exp")
	require.NoError(t, err)
	require.NoError(t, r.StartRecording(context.Background(), nil))

	assert.NoError(t, r.StopRecording())
	assert.NoError(t, r.StopRecording())

	// Session survives StopRecording.
	assert.True(t, r.Status().SessionActive)
	require.NoError(t, r.EndSession())
}

func TestEndSession_NoRecordingStillWritesEvents(t *testing.T) {
	cfg := testConfig(t)
	r, events := newTestRecorder(t, cfg, &fakeResolver{}, nil)

	session, err := r.StartSession("P001", "S01", "exp")
	require.NoError(t, err)
	events.Append(eventlog.Event{EventType: "note", Payload: map[string]any{"text": "baseline only"}})

	require.NoError(t, r.EndSession())

	assert.FileExists(t, filepath.Join(session.Directory, "events.csv"))
	assert.FileExists(t, filepath.Join(session.Directory, "session_info.json"))
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "a_b", sanitizeName("a/b"))
	assert.Equal(t, "P_001", sanitizeName("P 001"))
	assert.Equal(t, "_", sanitizeName(".."))
}

func TestHealth_ReflectsRecorderState(t *testing.T) {
	resolver := &fakeResolver{streams: map[string]stream.Descriptor{
		"EI_Stream": {Name: "EI_Stream", Type: "EI_Ratio", SourceID: "sim"},
	}}
	sources := map[string]*fakeSource{"EI_Stream": {}}
	r, _ := newTestRecorder(t, testConfig(t), resolver, sources)

	assert.True(t, r.Health().IsHealthy())
	assert.Equal(t, "idle", r.Health().Message)

	_, err := r.StartSession("P001", "S01", "ei_modulation")
	require.NoError(t, err)
	assert.Equal(t, "session open", r.Health().Message)

	require.NoError(t, r.StartRecording(context.Background(), []stream.Filter{{Name: "EI_Stream"}}))
	hs := r.Health()
	assert.True(t, hs.IsHealthy())
	assert.Contains(t, hs.Message, "recording")

	require.NoError(t, r.EndSession())
	assert.Equal(t, "idle", r.Health().Message)
}
