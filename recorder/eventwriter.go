package recorder

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/Shusuke-O/realtime-mrs/errors"
	"github.com/Shusuke-O/realtime-mrs/eventlog"
)

// eventWriter persists drained experiment events: events.csv is appended
// incrementally, events.json is rewritten as a complete array on every
// append so the file is always valid JSON.
type eventWriter struct {
	dir       string
	writeCSV  bool
	writeJSON bool

	mu      sync.Mutex
	csvFile *os.File
	csvW    *csv.Writer
	all     []eventlog.Event
}

func newEventWriter(dir string, writeCSV, writeJSON bool) (*eventWriter, error) {
	ew := &eventWriter{dir: dir, writeCSV: writeCSV, writeJSON: writeJSON}

	if writeCSV {
		path := filepath.Join(dir, "events.csv")
		info, statErr := os.Stat(path)
		needHeader := statErr != nil || info.Size() == 0

		file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, errors.WrapFatal(err, "recorder", "newEventWriter", "create "+path)
		}
		ew.csvFile = file
		ew.csvW = csv.NewWriter(file)

		if needHeader {
			header := []string{"timestamp", "event_type", "task_name", "participant_id", "session_id", "event_data"}
			if err := ew.csvW.Write(header); err != nil {
				file.Close()
				return nil, errors.Wrap(err, "recorder", "newEventWriter", "write header to "+path)
			}
		}
	}

	return ew, nil
}

func (ew *eventWriter) append(events []eventlog.Event) error {
	ew.mu.Lock()
	defer ew.mu.Unlock()

	if ew.writeCSV {
		for _, event := range events {
			payload := ""
			if len(event.Payload) > 0 {
				data, err := json.Marshal(event.Payload)
				if err == nil {
					payload = string(data)
				}
			}
			row := []string{
				event.Timestamp.Format("2006-01-02T15:04:05.000Z07:00"),
				event.EventType,
				event.TaskName,
				event.ParticipantID,
				event.SessionID,
				payload,
			}
			if err := ew.csvW.Write(row); err != nil {
				return errors.Wrap(err, "recorder", "eventWriter.append", "write events.csv row")
			}
		}
		ew.csvW.Flush()
		if err := ew.csvW.Error(); err != nil {
			return errors.Wrap(errors.ErrWriteFailure, "recorder", "eventWriter.append", "flush events.csv")
		}
	}

	if ew.writeJSON {
		ew.all = append(ew.all, events...)
		if err := ew.rewriteJSON(); err != nil {
			return err
		}
	}
	return nil
}

func (ew *eventWriter) rewriteJSON() error {
	data, err := json.MarshalIndent(ew.all, "", "  ")
	if err != nil {
		return errors.Wrap(err, "recorder", "eventWriter.rewriteJSON", "encode events")
	}

	path := filepath.Join(ew.dir, "events.json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(errors.ErrWriteFailure, "recorder", "eventWriter.rewriteJSON", "write "+tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(errors.ErrWriteFailure, "recorder", "eventWriter.rewriteJSON", "rename "+tmp)
	}
	return nil
}

func (ew *eventWriter) close() error {
	ew.mu.Lock()
	defer ew.mu.Unlock()

	if ew.csvFile != nil {
		ew.csvW.Flush()
		err := ew.csvFile.Close()
		ew.csvFile = nil
		if err != nil {
			return errors.Wrap(errors.ErrWriteFailure, "recorder", "eventWriter.close", "close events.csv")
		}
	}
	return nil
}

// files maps the event files this writer produced, keyed apart from the
// stream entries.
func (ew *eventWriter) files() map[string]string {
	ew.mu.Lock()
	defer ew.mu.Unlock()

	out := make(map[string]string)
	if ew.writeCSV {
		out["events_csv"] = filepath.Join(ew.dir, "events.csv")
	}
	if ew.writeJSON && len(ew.all) > 0 {
		out["events_json"] = filepath.Join(ew.dir, "events.json")
	}
	return out
}
