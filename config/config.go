// Package config loads and validates configuration for the acquisition
// processes. Configuration files may be JSON or YAML; a fixed set of
// environment variables overrides file values for deployment tweaks.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Shusuke-O/realtime-mrs/errors"
)

// File format names accepted in Recording.FileFormats.
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
)

// Config is the complete application configuration shared by the recorder
// and bridge processes.
type Config struct {
	NATS      NATSConfig      `json:"nats"`
	Recording RecordingConfig `json:"recording"`
	Bridge    BridgeConfig    `json:"bridge"`
	Metrics   MetricsConfig   `json:"metrics"`
	Log       LogConfig       `json:"log"`
}

// NATSConfig holds transport connection settings.
type NATSConfig struct {
	URL            string        `json:"url"`
	ConnectTimeout time.Duration `json:"connect_timeout"`
	ReconnectWait  time.Duration `json:"reconnect_wait"`
	MaxReconnects  int           `json:"max_reconnects"`
}

// RecordingConfig holds session recorder settings.
type RecordingConfig struct {
	// DataDirectory is the root under which session directories are created.
	DataDirectory string `json:"data_directory"`
	// AutoSaveInterval is how often buffered samples are flushed to disk.
	AutoSaveInterval time.Duration `json:"auto_save_interval"`
	// StreamsToRecord names the streams the recorder resolves and captures.
	StreamsToRecord []string `json:"streams_to_record"`
	// FileFormats selects persisted formats for event logs ("csv", "json").
	FileFormats []string `json:"file_formats"`
	// BufferLength caps the per-stream in-memory sample queue.
	BufferLength int `json:"buffer_length"`
	// SyncTolerance is the advisory cross-stream timestamp alignment bound.
	SyncTolerance time.Duration `json:"sync_tolerance"`
	// ResolveTimeout bounds stream discovery at recording start.
	ResolveTimeout time.Duration `json:"resolve_timeout"`
}

// BridgeConfig holds receiver-forwarder bridge settings.
type BridgeConfig struct {
	Enabled bool `json:"enabled"`
	// StreamName is the upstream stream to pull samples from.
	StreamName string `json:"stream_name"`
	// SourceID disambiguates when several streams share a name; optional.
	SourceID string `json:"source_id"`
	// ForwardHost and ForwardPort locate the downstream TCP consumer.
	ForwardHost string `json:"forward_host"`
	ForwardPort int    `json:"forward_port"`
	// ConnectionRetryInterval is the pause between downstream reconnect
	// attempts.
	ConnectionRetryInterval time.Duration `json:"connection_retry_interval"`
	// StreamResolveTimeout bounds each upstream discovery attempt.
	StreamResolveTimeout time.Duration `json:"stream_resolve_timeout"`
	// DataTimeout is how long without samples before the upstream is
	// considered stale.
	DataTimeout time.Duration `json:"data_timeout"`
	// QueueCapacity caps the forwarding queue between receive and send loops.
	QueueCapacity int `json:"queue_capacity"`
	// WebSocketListen optionally enables a WebSocket fan-out sink, e.g.
	// ":8765". Empty disables it.
	WebSocketListen string `json:"websocket_listen"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port"`
	Path    string `json:"path"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `json:"level"` // "debug", "info", "warn", "error"
	// MirrorToNATS publishes log entries on logs.<component> subjects.
	MirrorToNATS bool `json:"mirror_to_nats"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:            "nats://localhost:4222",
			ConnectTimeout: 5 * time.Second,
			ReconnectWait:  2 * time.Second,
			MaxReconnects:  -1,
		},
		Recording: RecordingConfig{
			DataDirectory:    "data",
			AutoSaveInterval: 30 * time.Second,
			StreamsToRecord:  []string{},
			FileFormats:      []string{FormatCSV, FormatJSON},
			BufferLength:     360,
			SyncTolerance:    10 * time.Millisecond,
			ResolveTimeout:   5 * time.Second,
		},
		Bridge: BridgeConfig{
			Enabled:                 false,
			StreamName:              "EI_Stream",
			ForwardHost:             "localhost",
			ForwardPort:             12347,
			ConnectionRetryInterval: 5 * time.Second,
			StreamResolveTimeout:    5 * time.Second,
			DataTimeout:             5 * time.Second,
			QueueCapacity:           256,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Port:    9090,
			Path:    "/metrics",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the configuration file at path, applies environment overrides,
// and validates the result. An empty path yields the defaults with overrides
// applied.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "config", "Load", "read "+path)
		}

		var raw map[string]any
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, &raw); err != nil {
				return nil, errors.WrapInvalid(err, "config", "Load", "parse yaml "+path)
			}
		case ".json":
			if err := json.Unmarshal(data, &raw); err != nil {
				return nil, errors.WrapInvalid(err, "config", "Load", "parse json "+path)
			}
		default:
			return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Load",
				fmt.Sprintf("unsupported config extension %q", filepath.Ext(path)))
		}

		parseDurations(raw)
		processed, err := json.Marshal(raw)
		if err != nil {
			return nil, errors.Wrap(err, "config", "Load", "process "+path)
		}
		if err := json.Unmarshal(processed, cfg); err != nil {
			return nil, errors.WrapInvalid(err, "config", "Load", "apply "+path)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// durationKeys lists the config fields that accept "30s"-style strings in
// addition to integer nanoseconds.
var durationKeys = map[string][]string{
	"nats":      {"connect_timeout", "reconnect_wait"},
	"recording": {"auto_save_interval", "sync_tolerance", "resolve_timeout"},
	"bridge":    {"connection_retry_interval", "stream_resolve_timeout", "data_timeout"},
}

// parseDurations converts duration strings to nanoseconds ahead of
// unmarshaling into the typed config.
func parseDurations(raw map[string]any) {
	for section, keys := range durationKeys {
		m, ok := raw[section].(map[string]any)
		if !ok {
			continue
		}
		for _, key := range keys {
			s, ok := m[key].(string)
			if !ok {
				continue
			}
			if d, err := time.ParseDuration(s); err == nil {
				m[key] = d.Nanoseconds()
			}
		}
	}
}

// applyEnvOverrides lets deployments adjust the common knobs without editing
// the config file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MRS_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("MRS_DATA_DIR"); v != "" {
		cfg.Recording.DataDirectory = v
	}
	if v := os.Getenv("MRS_STREAMS"); v != "" {
		cfg.Recording.StreamsToRecord = splitAndTrim(v)
	}
	if v := os.Getenv("MRS_FORWARD_HOST"); v != "" {
		cfg.Bridge.ForwardHost = v
	}
	if v := os.Getenv("MRS_FORWARD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Bridge.ForwardPort = port
		}
	}
	if v := os.Getenv("MRS_METRICS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Metrics.Port = port
			cfg.Metrics.Enabled = true
		}
	}
	if v := os.Getenv("MRS_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// Validate checks the configuration for values that would fail later in a
// less obvious way.
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return invalid("nats.url is required")
	}
	if c.Recording.DataDirectory == "" {
		return invalid("recording.data_directory is required")
	}
	if c.Recording.AutoSaveInterval <= 0 {
		return invalid("recording.auto_save_interval must be positive")
	}
	if c.Recording.BufferLength <= 0 {
		return invalid("recording.buffer_length must be positive")
	}
	for _, format := range c.Recording.FileFormats {
		if format != FormatCSV && format != FormatJSON {
			return invalid(fmt.Sprintf("recording.file_formats: unknown format %q", format))
		}
	}
	if len(c.Recording.FileFormats) == 0 {
		return invalid("recording.file_formats must name at least one format")
	}

	if c.Bridge.Enabled {
		if c.Bridge.StreamName == "" {
			return invalid("bridge.stream_name is required when bridge is enabled")
		}
		if c.Bridge.ForwardHost == "" {
			return invalid("bridge.forward_host is required when bridge is enabled")
		}
		if c.Bridge.ForwardPort < 1 || c.Bridge.ForwardPort > 65535 {
			return invalid(fmt.Sprintf("bridge.forward_port %d out of range", c.Bridge.ForwardPort))
		}
		if c.Bridge.QueueCapacity <= 0 {
			return invalid("bridge.queue_capacity must be positive")
		}
		if c.Bridge.ConnectionRetryInterval <= 0 {
			return invalid("bridge.connection_retry_interval must be positive")
		}
	}

	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return invalid(fmt.Sprintf("metrics.port %d out of range", c.Metrics.Port))
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return invalid(fmt.Sprintf("log.level: unknown level %q", c.Log.Level))
	}

	return nil
}

func invalid(msg string) error {
	return errors.WrapInvalid(errors.ErrInvalidConfig, "config", "Validate", msg)
}
