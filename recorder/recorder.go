// Package recorder implements the experiment session recorder: one active
// session at a time, per-stream capture to disk, and event log persistence.
package recorder

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Shusuke-O/realtime-mrs/config"
	"github.com/Shusuke-O/realtime-mrs/errors"
	"github.com/Shusuke-O/realtime-mrs/eventlog"
	"github.com/Shusuke-O/realtime-mrs/health"
	"github.com/Shusuke-O/realtime-mrs/metric"
	"github.com/Shusuke-O/realtime-mrs/natsclient"
	"github.com/Shusuke-O/realtime-mrs/stream"
)

// dirTimestampLayout names session directories and stream files.
const dirTimestampLayout = "20060102_150405"

// Resolver locates a live stream for a filter. *stream.Discovery satisfies
// it.
type Resolver interface {
	Resolve(ctx context.Context, f stream.Filter, timeout time.Duration) (stream.Descriptor, error)
}

// sampleSource is the slice of stream.Subscription the writers consume.
type sampleSource interface {
	Pull(ctx context.Context, maxChunk int, timeout time.Duration) []stream.Sample
	Close() error
}

// Recorder captures streams and experiment events into a session directory.
// It moves between two states: idle (no session) and active (session open,
// optionally recording).
type Recorder struct {
	cfg      config.RecordingConfig
	resolver Resolver
	open     func(desc stream.Descriptor) (sampleSource, error)
	events   *eventlog.Log
	logger   *slog.Logger
	metrics  *metric.Metrics

	mu        sync.Mutex
	session   *Session
	recording bool
	writers   map[string]*streamWriter
	cancelRec context.CancelFunc
	flushStop chan struct{}
	flushWG   sync.WaitGroup
	eventsOut *eventWriter
}

// New creates an idle recorder. metrics may be nil.
func New(cfg config.RecordingConfig, client *natsclient.Client, resolver Resolver,
	events *eventlog.Log, logger *slog.Logger, metrics *metric.Metrics) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		cfg:      cfg,
		resolver: resolver,
		events:   events,
		logger:   logger,
		metrics:  metrics,
		writers:  make(map[string]*streamWriter),
	}
	r.open = func(desc stream.Descriptor) (sampleSource, error) {
		return stream.Open(client, desc, cfg.BufferLength, logger)
	}
	return r
}

// StartSession opens a session and creates its directory under the data
// directory. Starting again with identical identifiers returns the same
// session; different identifiers while a session is active fail with
// ErrSessionActive. Directory creation failure fails the call.
func (r *Recorder) StartSession(participantID, sessionID, experimentName string) (*Session, error) {
	if participantID == "" || sessionID == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "recorder", "StartSession",
			"participant and session identifiers are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.session != nil {
		if r.session.ParticipantID == participantID && r.session.SessionID == sessionID {
			return r.session, nil
		}
		return nil, errors.WrapInvalid(errors.ErrSessionActive, "recorder", "StartSession",
			fmt.Sprintf("session %s/%s already active", r.session.ParticipantID, r.session.SessionID))
	}

	start := time.Now()
	dirName := fmt.Sprintf("%s_%s_%s", sanitizeName(participantID), sanitizeName(sessionID), start.Format(dirTimestampLayout))
	dir := filepath.Join(r.cfg.DataDirectory, dirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.WrapFatal(err, "recorder", "StartSession", "create "+dir)
	}

	r.session = &Session{
		ParticipantID:  participantID,
		SessionID:      sessionID,
		ExperimentName: experimentName,
		StartTime:      start,
		Directory:      dir,
		RecordingFiles: make(map[string]string),
	}

	r.appendLifecycleEvent("session_start")
	r.logger.Info("session started",
		"participant", participantID, "session", sessionID, "dir", dir)
	if r.metrics != nil {
		r.metrics.SessionActive.Set(1)
	}
	return r.session, nil
}

// StartRecording resolves each filter and starts a writer goroutine per
// stream found. Streams that cannot be resolved within the configured
// timeout are logged and skipped; that is never fatal. Recording while
// already recording fails with ErrAlreadyStarted.
func (r *Recorder) StartRecording(ctx context.Context, filters []stream.Filter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.session == nil {
		return errors.WrapInvalid(errors.ErrNoSession, "recorder", "StartRecording", "no active session")
	}
	if r.recording {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "recorder", "StartRecording", "already recording")
	}

	recCtx, cancel := context.WithCancel(ctx)
	r.cancelRec = cancel

	writeJSON := containsFormat(r.cfg.FileFormats, config.FormatJSON)
	ts := r.session.StartTime.Format(dirTimestampLayout)

	for _, filter := range filters {
		desc, err := r.resolver.Resolve(recCtx, filter, r.cfg.ResolveTimeout)
		if err != nil {
			r.logger.Warn("stream not found, skipping",
				"filter", filter.Name, "error", err)
			continue
		}
		if _, exists := r.writers[desc.Name]; exists {
			continue
		}

		sub, err := r.open(desc)
		if err != nil {
			r.logger.Warn("failed to open stream, skipping",
				"stream", desc.Name, "error", err)
			continue
		}

		baseName := fmt.Sprintf("%s_%s", sanitizeName(desc.Name), ts)
		writer := newStreamWriter(desc, sub, r.session.Directory, baseName, writeJSON, r.logger)
		writer.onSample = r.recordSamples
		writer.onError = r.recordWriteError
		writer.run(recCtx, r.cfg.AutoSaveInterval)

		r.writers[desc.Name] = writer
		r.logger.Info("recording stream", "stream", desc.Name, "file", baseName+".csv")
	}

	if ew, err := newEventWriter(r.session.Directory, containsFormat(r.cfg.FileFormats, config.FormatCSV), writeJSON); err != nil {
		r.logger.Error("event writer unavailable", "error", err)
	} else {
		r.eventsOut = ew
	}

	r.flushStop = make(chan struct{})
	r.flushWG.Add(1)
	go r.eventFlushLoop()

	r.recording = true
	r.appendLifecycleEvent("recording_start")
	if r.metrics != nil {
		r.metrics.StreamsRecording.Set(float64(len(r.writers)))
	}
	return nil
}

// eventFlushLoop drains the event log to disk on the auto-save cadence.
func (r *Recorder) eventFlushLoop() {
	defer r.flushWG.Done()

	ticker := time.NewTicker(r.cfg.AutoSaveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.flushStop:
			return
		case <-ticker.C:
			r.drainEvents()
		}
	}
}

func (r *Recorder) drainEvents() {
	if r.events == nil || r.eventsOut == nil {
		return
	}
	drained := r.events.Drain(0)
	if len(drained) == 0 {
		return
	}
	if err := r.eventsOut.append(drained); err != nil {
		r.logger.Error("failed to persist events", "count", len(drained), "error", err)
		return
	}
	if r.metrics != nil {
		r.metrics.EventsPersisted.Add(float64(len(drained)))
	}
}

// StopRecording stops all stream writers and waits for their final flushes.
// Idempotent; the session stays active.
func (r *Recorder) StopRecording() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopRecordingLocked()
}

func (r *Recorder) stopRecordingLocked() error {
	if !r.recording {
		return nil
	}

	r.appendLifecycleEvent("recording_stop")

	if r.cancelRec != nil {
		r.cancelRec()
		r.cancelRec = nil
	}

	var firstErr error
	for name, writer := range r.writers {
		if err := writer.stop(); err != nil {
			r.logger.Error("writer shutdown error", "stream", name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
		if err := writer.sub.Close(); err != nil {
			r.logger.Warn("subscription close error", "stream", name, "error", err)
		}
		for streamName, path := range writer.files() {
			r.session.RecordingFiles[streamName] = path
		}
	}

	close(r.flushStop)
	r.flushWG.Wait()
	r.drainEvents()

	streamCount := len(r.writers)
	r.writers = make(map[string]*streamWriter)
	r.recording = false
	if r.metrics != nil {
		r.metrics.StreamsRecording.Set(0)
	}
	r.logger.Info("recording stopped", "streams", streamCount)
	return firstErr
}

// EndSession stops any recording, persists session_info.json and the event
// files, and returns the recorder to idle. A no-op when no session is
// active.
func (r *Recorder) EndSession() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.session == nil {
		return nil
	}

	r.appendLifecycleEvent("session_end")

	var firstErr error
	if err := r.stopRecordingLocked(); err != nil {
		firstErr = err
	}

	// Events appended after the flush loop stopped, session_end included.
	// Sessions that never recorded still get their event files.
	if r.eventsOut == nil && r.events != nil && r.events.Len() > 0 {
		writeCSV := containsFormat(r.cfg.FileFormats, config.FormatCSV)
		writeJSON := containsFormat(r.cfg.FileFormats, config.FormatJSON)
		if ew, err := newEventWriter(r.session.Directory, writeCSV, writeJSON); err != nil {
			r.logger.Error("event writer unavailable", "error", err)
		} else {
			r.eventsOut = ew
		}
	}
	if r.eventsOut != nil {
		r.drainEvents()
		if err := r.eventsOut.close(); err != nil {
			r.logger.Error("event writer close error", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
		for name, path := range r.eventsOut.files() {
			r.session.RecordingFiles[name] = path
		}
		r.eventsOut = nil
	}

	r.session.EndTime = time.Now()
	if err := r.session.writeInfo(); err != nil {
		r.logger.Error("failed to write session info", "error", err)
		if firstErr == nil {
			firstErr = err
		}
	}

	r.logger.Info("session ended",
		"participant", r.session.ParticipantID,
		"session", r.session.SessionID,
		"duration", r.session.EndTime.Sub(r.session.StartTime).Round(time.Second))

	r.session = nil
	r.writers = make(map[string]*streamWriter)
	if r.metrics != nil {
		r.metrics.SessionActive.Set(0)
	}
	return firstErr
}

// Status is a point-in-time snapshot of the recorder.
type Status struct {
	SessionActive  bool              `json:"session_active"`
	Recording      bool              `json:"recording"`
	ParticipantID  string            `json:"participant_id,omitempty"`
	SessionID      string            `json:"session_id,omitempty"`
	ExperimentName string            `json:"experiment_name,omitempty"`
	Directory      string            `json:"directory,omitempty"`
	StartTime      time.Time         `json:"start_time,omitempty"`
	StreamSamples  map[string]uint64 `json:"stream_samples,omitempty"`
	EventsPending  int               `json:"events_pending"`
}

// Status returns a snapshot of the recorder state.
func (r *Recorder) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	status := Status{
		SessionActive: r.session != nil,
		Recording:     r.recording,
	}
	if r.events != nil {
		status.EventsPending = r.events.Len()
	}
	if r.session != nil {
		status.ParticipantID = r.session.ParticipantID
		status.SessionID = r.session.SessionID
		status.ExperimentName = r.session.ExperimentName
		status.Directory = r.session.Directory
		status.StartTime = r.session.StartTime
	}
	if len(r.writers) > 0 {
		status.StreamSamples = make(map[string]uint64, len(r.writers))
		for name, writer := range r.writers {
			status.StreamSamples[name] = writer.sampleCount()
		}
	}
	return status
}

// Health reports the recorder state for the health monitor. An idle
// recorder is healthy; a recording with no streams attached is degraded.
func (r *Recorder) Health() health.Status {
	status := r.Status()

	var total uint64
	for _, n := range status.StreamSamples {
		total += n
	}

	var hs health.Status
	switch {
	case !status.SessionActive:
		hs = health.Healthy("recorder", "idle")
	case status.Recording && len(status.StreamSamples) == 0:
		hs = health.Degraded("recorder", "recording with no streams attached")
	case status.Recording:
		hs = health.Healthy("recorder", fmt.Sprintf("recording %d streams", len(status.StreamSamples)))
	default:
		hs = health.Healthy("recorder", "session open")
	}
	if status.SessionActive {
		hs = hs.WithMetrics(&health.Metrics{
			Uptime:           time.Since(status.StartTime),
			SamplesProcessed: int64(total),
		})
	}
	return hs
}

func (r *Recorder) appendLifecycleEvent(eventType string) {
	if r.events == nil || r.session == nil {
		return
	}
	r.events.Append(eventlog.Event{
		EventType:     eventType,
		ParticipantID: r.session.ParticipantID,
		SessionID:     r.session.SessionID,
	})
	if r.metrics != nil {
		r.metrics.EventsAppended.Inc()
	}
}

func (r *Recorder) recordSamples(streamName string, count int) {
	if r.metrics != nil {
		r.metrics.SamplesPersisted.WithLabelValues(streamName).Add(float64(count))
	}
}

func (r *Recorder) recordWriteError(streamName string, _ error) {
	if r.metrics != nil {
		r.metrics.WriteFailures.WithLabelValues(streamName).Inc()
	}
}

func containsFormat(formats []string, want string) bool {
	for _, f := range formats {
		if strings.EqualFold(f, want) {
			return true
		}
	}
	return false
}

// sanitizeName makes identifiers safe for file and directory names.
func sanitizeName(name string) string {
	replacer := strings.NewReplacer(
		"/", "_", "\\", "_", " ", "_", ":", "_", "..", "_",
	)
	return replacer.Replace(name)
}
