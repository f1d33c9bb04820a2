// Package main implements the bridge binary. It discovers the configured
// upstream stream on NATS, queues its samples, and forwards them as
// timestamp,value lines over a persistent TCP connection, with an optional
// WebSocket fan-out for local viewers.
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

	"github.com/Shusuke-O/realtime-mrs/bridge"
	"github.com/Shusuke-O/realtime-mrs/component"
	"github.com/Shusuke-O/realtime-mrs/config"
	"github.com/Shusuke-O/realtime-mrs/health"
	"github.com/Shusuke-O/realtime-mrs/metric"
	"github.com/Shusuke-O/realtime-mrs/natsclient"
	"github.com/Shusuke-O/realtime-mrs/stream"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "mrsbridge"
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
		slog.Error("Bridge failed", "error", err, "exit_code", 1)
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

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	slog.Info("Starting bridge",
		"version", Version,
		"stream", cfg.Bridge.StreamName,
		"forward_enabled", cfg.Bridge.Enabled,
		"forward_target", fmt.Sprintf("%s:%d", cfg.Bridge.ForwardHost, cfg.Bridge.ForwardPort),
		"nats_url", cfg.NATS.URL)

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

	b := bridge.New(cfg.Bridge, client, discovery, logger, metricsRegistry.CoreMetrics())

	manager := component.NewManager()
	manager.Add(b)

	if err := manager.StartAll(signalCtx, cliCfg.ShutdownTimeout); err != nil {
		return fmt.Errorf("start components: %w", err)
	}

	var lifecycleLog *component.Logger
	if cfg.Log.MirrorToNATS {
		lifecycleLog = component.NewLogger(appName, client, logger)
	} else {
		lifecycleLog = component.NewLogger(appName, nil, logger)
	}
	lifecycleLog.Info("bridge running", "stream", cfg.Bridge.StreamName)

	monitor := health.NewMonitor(cfg.Bridge.DataTimeout)
	monitor.Register("bridge", b.Health)
	go watchHealth(signalCtx, monitor, logger)

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")
	lifecycleLog.Info("bridge stopping")

	if err := manager.StopAll(cliCfg.ShutdownTimeout); err != nil {
		return fmt.Errorf("stop components: %w", err)
	}

	slog.Info("Bridge stopped cleanly")
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
