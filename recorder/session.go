package recorder

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/Shusuke-O/realtime-mrs/errors"
)

// Session describes one experiment session on disk. RecordingFiles maps
// stream name to the file the stream was persisted in; event files sit
// under their own keys.
type Session struct {
	ParticipantID  string            `json:"participant_id"`
	SessionID      string            `json:"session_id"`
	ExperimentName string            `json:"experiment_name,omitempty"`
	StartTime      time.Time         `json:"start_time"`
	EndTime        time.Time         `json:"end_time,omitempty"`
	Directory      string            `json:"data_directory"`
	RecordingFiles map[string]string `json:"recording_files"`
}

// writeInfo persists session_info.json into the session directory.
func (s *Session) writeInfo() error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrap(err, "recorder", "Session.writeInfo", "encode session info")
	}

	path := filepath.Join(s.Directory, "session_info.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(errors.ErrWriteFailure, "recorder", "Session.writeInfo", "write "+path)
	}
	return nil
}
