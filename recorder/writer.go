package recorder

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Shusuke-O/realtime-mrs/errors"
	"github.com/Shusuke-O/realtime-mrs/pkg/timestamp"
	"github.com/Shusuke-O/realtime-mrs/stream"
)

// pullTimeout is how long each writer loop iteration blocks waiting for
// samples before re-checking for shutdown.
const pullTimeout = 250 * time.Millisecond

// streamWriter owns one subscription and persists its samples. The CSV file
// is created lazily on the first observed sample, so streams that never
// produce leave no file behind.
type streamWriter struct {
	descriptor stream.Descriptor
	sub        sampleSource
	dir        string
	baseName   string
	writeJSON  bool
	logger     *slog.Logger

	onSample func(streamName string, count int)
	onError  func(streamName string, err error)

	mu         sync.Mutex
	csvFile    *os.File
	csvBuf     *bufio.Writer
	csvWriter  *csv.Writer
	jsonAll    []stream.Sample
	samples    uint64
	lastFlush  time.Time
	writeError error

	done chan struct{}
	wg   sync.WaitGroup
}

func newStreamWriter(desc stream.Descriptor, sub sampleSource, dir, baseName string, writeJSON bool, logger *slog.Logger) *streamWriter {
	return &streamWriter{
		descriptor: desc,
		sub:        sub,
		dir:        dir,
		baseName:   baseName,
		writeJSON:  writeJSON,
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// run pulls samples until the context is canceled or stop is called,
// flushing at the given interval.
func (w *streamWriter) run(ctx context.Context, flushInterval time.Duration) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()

		ticker := time.NewTicker(flushInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-w.done:
				return
			case <-ticker.C:
				if err := w.flush(); err != nil {
					w.reportError(err)
				}
			default:
			}

			samples := w.sub.Pull(ctx, 0, pullTimeout)
			if len(samples) == 0 {
				continue
			}
			if err := w.append(samples); err != nil {
				w.reportError(err)
			}
		}
	}()
}

// stop ends the writer loop, drains what is left in the subscription, and
// flushes everything to disk.
func (w *streamWriter) stop() error {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	w.wg.Wait()

	if remaining := w.sub.Pull(context.Background(), 0, 0); len(remaining) > 0 {
		if err := w.append(remaining); err != nil {
			w.reportError(err)
		}
	}

	if err := w.flush(); err != nil {
		w.reportError(err)
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.csvFile != nil {
		if err := w.csvFile.Close(); err != nil {
			return errors.Wrap(errors.ErrWriteFailure, "recorder", "streamWriter.stop", "close "+w.csvPath())
		}
		w.csvFile = nil
	}
	return w.writeError
}

func (w *streamWriter) append(samples []stream.Sample) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.csvWriter == nil {
		if err := w.openCSV(); err != nil {
			return err
		}
	}

	for _, sample := range samples {
		row := []string{
			timestamp.Format(sample.Timestamp),
			sample.Payload.Encode(),
		}
		if err := w.csvWriter.Write(row); err != nil {
			w.writeError = errors.Wrap(err, "recorder", "streamWriter.append", "write row to "+w.csvPath())
			return w.writeError
		}
	}
	w.samples += uint64(len(samples))

	if w.writeJSON {
		w.jsonAll = append(w.jsonAll, samples...)
	}

	if w.onSample != nil {
		w.onSample(w.descriptor.Name, len(samples))
	}
	return nil
}

func (w *streamWriter) openCSV() error {
	file, err := os.OpenFile(w.csvPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.WrapFatal(err, "recorder", "streamWriter.openCSV", "create "+w.csvPath())
	}
	w.csvFile = file
	w.csvBuf = bufio.NewWriter(file)
	w.csvWriter = csv.NewWriter(w.csvBuf)

	if err := w.csvWriter.Write([]string{"timestamp", "data"}); err != nil {
		return errors.Wrap(err, "recorder", "streamWriter.openCSV", "write header to "+w.csvPath())
	}
	return nil
}

// flush pushes buffered rows to disk and rewrites the JSON sibling.
func (w *streamWriter) flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.csvWriter != nil {
		w.csvWriter.Flush()
		if err := w.csvWriter.Error(); err != nil {
			w.writeError = errors.Wrap(err, "recorder", "streamWriter.flush", "flush "+w.csvPath())
			return w.writeError
		}
		if err := w.csvBuf.Flush(); err != nil {
			w.writeError = errors.Wrap(err, "recorder", "streamWriter.flush", "flush "+w.csvPath())
			return w.writeError
		}
		if err := w.csvFile.Sync(); err != nil {
			w.logger.Warn("fsync failed", "stream", w.descriptor.Name, "error", err)
		}
	}

	if w.writeJSON && len(w.jsonAll) > 0 {
		if err := w.rewriteJSON(); err != nil {
			return err
		}
	}

	w.lastFlush = time.Now()
	return nil
}

// rewriteJSON writes the complete sample array to a temp file and renames it
// into place, so a crash mid-write never corrupts the previous snapshot.
func (w *streamWriter) rewriteJSON() error {
	type jsonSample struct {
		Timestamp float64 `json:"timestamp"`
		Data      any     `json:"data"`
	}

	records := make([]jsonSample, len(w.jsonAll))
	for i, sample := range w.jsonAll {
		record := jsonSample{Timestamp: sample.Timestamp}
		if v, ok := sample.Payload.ScalarValue(); ok {
			record.Data = v
		} else if m, ok := sample.Payload.StructuredValue(); ok {
			record.Data = m
		}
		records[i] = record
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return errors.Wrap(err, "recorder", "streamWriter.rewriteJSON", "encode "+w.jsonPath())
	}

	tmp := w.jsonPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		w.writeError = errors.Wrap(err, "recorder", "streamWriter.rewriteJSON", "write "+tmp)
		return w.writeError
	}
	if err := os.Rename(tmp, w.jsonPath()); err != nil {
		w.writeError = errors.Wrap(err, "recorder", "streamWriter.rewriteJSON", "rename "+tmp)
		return w.writeError
	}
	return nil
}

func (w *streamWriter) reportError(err error) {
	w.logger.Error("stream writer error", "stream", w.descriptor.Name, "error", err)
	if w.onError != nil {
		w.onError(w.descriptor.Name, err)
	}
}

func (w *streamWriter) csvPath() string {
	return filepath.Join(w.dir, w.baseName+".csv")
}

func (w *streamWriter) jsonPath() string {
	return filepath.Join(w.dir, w.baseName+".json")
}

// sampleCount returns how many samples this writer persisted.
func (w *streamWriter) sampleCount() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.samples
}

// files maps the stream to the files this writer actually created. The CSV
// sits under the stream name, the JSON sibling under <stream>_json.
func (w *streamWriter) files() map[string]string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.samples == 0 {
		return nil
	}
	out := map[string]string{w.descriptor.Name: w.csvPath()}
	if w.writeJSON {
		out[w.descriptor.Name+"_json"] = w.jsonPath()
	}
	return out
}
