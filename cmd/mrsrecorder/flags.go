package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	ParticipantID   string
	SessionID       string
	ExperimentName  string
	Record          bool
	Simulate        bool
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("MRS_CONFIG", ""),
		"Path to configuration file, empty for defaults (env: MRS_CONFIG)")

	flag.StringVar(&cfg.ConfigPath, "c",
		getEnv("MRS_CONFIG", ""),
		"Path to configuration file, empty for defaults (env: MRS_CONFIG)")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("MRS_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: MRS_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("MRS_LOG_FORMAT", "json"),
		"Log format: json, text (env: MRS_LOG_FORMAT)")

	flag.StringVar(&cfg.ParticipantID, "participant",
		getEnv("MRS_PARTICIPANT", ""),
		"Participant identifier for the session (env: MRS_PARTICIPANT)")

	flag.StringVar(&cfg.SessionID, "session",
		getEnv("MRS_SESSION", ""),
		"Session identifier (env: MRS_SESSION)")

	flag.StringVar(&cfg.ExperimentName, "experiment",
		getEnv("MRS_EXPERIMENT", "realtime_mrs"),
		"Experiment name recorded in session metadata (env: MRS_EXPERIMENT)")

	flag.BoolVar(&cfg.Record, "record",
		getEnvBool("MRS_RECORD", true),
		"Start recording the configured streams immediately (env: MRS_RECORD)")

	flag.BoolVar(&cfg.Simulate, "simulate",
		getEnvBool("MRS_SIMULATE", false),
		"Publish a simulated E/I ratio stream alongside the recorder (env: MRS_SIMULATE)")

	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("MRS_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: MRS_SHUTDOWN_TIMEOUT)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	flag.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Usage = func() {
		printDetailedHelp()
	}

	flag.Parse()

	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLevels, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	validFormats := []string{"json", "text"}
	if !contains(validFormats, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	if !cfg.Validate {
		if cfg.ParticipantID == "" {
			return fmt.Errorf("participant identifier is required (-participant)")
		}
		if cfg.SessionID == "" {
			return fmt.Errorf("session identifier is required (-session)")
		}
	}

	return nil
}

func printDetailedHelp() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - Multi-stream session recorder

Usage: %s [options]

Options:
`, appName, os.Args[0])
	flag.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Record a session with the default configuration
  %s --participant=P001 --session=S01

  # Record with a config file and debug logging
  %s --config=config.yaml --participant=P001 --session=S01 --log-level=debug

  # Run with a simulated E/I ratio publisher for testing
  %s --participant=test --session=sim --simulate

  # Validate configuration only
  %s --config=config.yaml --validate

Version: %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], Version)
}

// Environment variable helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
