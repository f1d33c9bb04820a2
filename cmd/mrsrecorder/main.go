// Package main implements the session recorder binary. It connects to NATS,
// discovers the configured data streams, and records them with the
// experiment event log into a timestamped session directory.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/Shusuke-O/realtime-mrs/component"
	"github.com/Shusuke-O/realtime-mrs/config"
	"github.com/Shusuke-O/realtime-mrs/eventlog"
	"github.com/Shusuke-O/realtime-mrs/health"
	"github.com/Shusuke-O/realtime-mrs/metric"
	"github.com/Shusuke-O/realtime-mrs/natsclient"
	"github.com/Shusuke-O/realtime-mrs/producer"
	"github.com/Shusuke-O/realtime-mrs/recorder"
	"github.com/Shusuke-O/realtime-mrs/stream"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "mrsrecorder"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Recorder failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	slog.Info("Starting session recorder",
		"version", Version,
		"participant", cliCfg.ParticipantID,
		"session", cliCfg.SessionID,
		"nats_url", cfg.NATS.URL,
		"data_directory", cfg.Recording.DataDirectory)

	signalCtx, signalCancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	metricsRegistry := metric.NewMetricsRegistry()

	client, err := natsclient.NewClient(cfg.NATS.URL,
		natsclient.WithName(appName),
		natsclient.WithTimeout(cfg.NATS.ConnectTimeout),
		natsclient.WithReconnectWait(cfg.NATS.ReconnectWait),
		natsclient.WithMaxReconnects(cfg.NATS.MaxReconnects),
		natsclient.WithLogger(logger),
		natsclient.WithMetrics(metricsRegistry),
	)
	if err != nil {
		return fmt.Errorf("create nats client: %w", err)
	}
	if err := client.Connect(signalCtx); err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}
	defer func() { _ = client.Close() }()

	var metricsServer *metric.Server
	if cfg.Metrics.Enabled {
		metricsServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, metricsRegistry)
		go func() {
			// Start blocks until the server stops.
			if err := metricsServer.Start(); err != nil {
				slog.Error("Metrics server failed", "error", err)
			}
		}()
		defer func() { _ = metricsServer.Stop() }()
	}

	registry := stream.NewRegistry(client, logger)
	if err := registry.Watch(); err != nil {
		return fmt.Errorf("watch stream announcements: %w", err)
	}
	defer registry.Close()
	discovery := stream.NewDiscovery(client, registry, logger)

	events := eventlog.New(
		eventlog.WithMirror(client),
		eventlog.WithLogger(logger),
	)

	rec := recorder.New(cfg.Recording, client, discovery, events, logger,
		metricsRegistry.CoreMetrics())

	var lifecycleLog *component.Logger
	if cfg.Log.MirrorToNATS {
		lifecycleLog = component.NewLogger(appName, client, logger)
	} else {
		lifecycleLog = component.NewLogger(appName, nil, logger)
	}

	monitor := health.NewMonitor(0)
	monitor.Register("recorder", rec.Health)
	go watchHealth(signalCtx, monitor, logger)

	if cliCfg.Simulate {
		stop, err := startSimulatedProducer(signalCtx, client, cfg.Bridge.StreamName, logger)
		if err != nil {
			return fmt.Errorf("start simulated producer: %w", err)
		}
		defer stop()
	}

	if _, err := rec.StartSession(cliCfg.ParticipantID, cliCfg.SessionID, cliCfg.ExperimentName); err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	lifecycleLog.Info("session started",
		"participant", cliCfg.ParticipantID, "session", cliCfg.SessionID)

	if cliCfg.Record {
		filters := make([]stream.Filter, 0, len(cfg.Recording.StreamsToRecord))
		for _, name := range cfg.Recording.StreamsToRecord {
			filters = append(filters, stream.Filter{Name: name})
		}
		if err := rec.StartRecording(signalCtx, filters); err != nil {
			lifecycleLog.Error("failed to start recording", err)
		} else {
			lifecycleLog.Info("recording started", "streams", cfg.Recording.StreamsToRecord)
		}
	}

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	done := make(chan error, 1)
	go func() { done <- rec.EndSession() }()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("end session: %w", err)
		}
	case <-time.After(cliCfg.ShutdownTimeout):
		return fmt.Errorf("session shutdown timed out after %s", cliCfg.ShutdownTimeout)
	}
	lifecycleLog.Info("session ended",
		"participant", cliCfg.ParticipantID, "session", cliCfg.SessionID)

	slog.Info("Session recorder stopped cleanly")
	return nil
}

// watchHealth logs transitions out of and back into the healthy state.
func watchHealth(ctx context.Context, monitor *health.Monitor, logger *slog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	wasHealthy := true
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := monitor.Check()
			if status.IsHealthy() != wasHealthy {
				wasHealthy = status.IsHealthy()
				if wasHealthy {
					logger.Info("system healthy again")
				} else {
					logger.Warn("system health changed", "status", status.Status, "message", status.Message)
				}
			}
		}
	}
}

// startSimulatedProducer publishes a simulated E/I ratio stream for testing
// the recorder and bridge without a live acquisition pipeline.
func startSimulatedProducer(ctx context.Context, client *natsclient.Client,
	streamName string, logger *slog.Logger) (func(), error) {
	desc := stream.Descriptor{
		Name:          streamName,
		Type:          "EI_Ratio",
		SourceID:      "simulated_fsl_mrs",
		ChannelCount:  1,
		NominalRateHz: 1,
	}
	publisher, err := producer.NewPublisher(client, desc, producer.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	if err := publisher.Start(ctx); err != nil {
		return nil, err
	}
	publisher.RunScalar(ctx, producer.NewSimulatedEI(), time.Second)
	return publisher.Stop, nil
}

func loadConfig(path string) (*config.Config, error) {
	// An empty path yields defaults plus environment overrides.
	return config.Load(path)
}
