package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"golang.org/x/sync/errgroup"

	"github.com/INLOpen/nexuslog/activator"
	"github.com/INLOpen/nexuslog/cluster"
	"github.com/INLOpen/nexuslog/config"
	"github.com/INLOpen/nexuslog/core"
	"github.com/INLOpen/nexuslog/epochstore"
	"github.com/INLOpen/nexuslog/hooks"
	"github.com/INLOpen/nexuslog/sequencer"
	"github.com/INLOpen/nexuslog/server"
	"github.com/INLOpen/nexuslog/worker"
)

// createLogger creates a slog.Logger based on the provided configuration.
func createLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("invalid log level: %s", cfg.Level)
	}

	var output io.Writer
	var closer io.Closer
	switch strings.ToLower(cfg.Output) {
	case "stdout", "":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	case "file":
		if cfg.File == "" {
			return nil, nil, fmt.Errorf("log output is 'file' but no file path is specified")
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		output = file
		closer = file
	case "none":
		output = io.Discard
	default:
		return nil, nil, fmt.Errorf("invalid log output: %s", cfg.Output)
	}

	logger := slog.New(slog.NewJSONHandler(output, &slog.HandlerOptions{Level: level}))
	return logger, closer, nil
}

// initTracerProvider sets up the OTLP exporter and installs the global
// TracerProvider.
func initTracerProvider(cfg config.TracingConfig, logger *slog.Logger) (func(), error) {
	if !cfg.Enabled {
		logger.Info("Distributed tracing is disabled.")
		return func() {}, nil
	}
	logger.Info("Initializing distributed tracing...", "protocol", cfg.Protocol, "endpoint", cfg.Endpoint)

	ctx := context.Background()
	var exporter sdktrace.SpanExporter
	var err error
	switch strings.ToLower(cfg.Protocol) {
	case "http":
		exporter, err = otlptrace.New(ctx, otlptracehttp.NewClient(otlptracehttp.WithEndpoint(cfg.Endpoint), otlptracehttp.WithInsecure()))
	case "grpc", "":
		exporter, err = otlptrace.New(ctx, otlptracegrpc.NewClient(otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure()))
	default:
		return nil, fmt.Errorf("unsupported tracing protocol: %q", cfg.Protocol)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String("nexuslog-sequencerd")))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down tracer provider.", "error", err)
		}
	}
	return cleanup, nil
}

func openEpochStore(cfg config.EpochStoreConfig, myNode core.NodeID, logger *slog.Logger) (epochstore.Store, error) {
	switch strings.ToLower(cfg.Backend) {
	case "memory", "":
		return epochstore.NewMemoryStore(myNode, logger), nil
	case "file":
		if cfg.Path == "" {
			return nil, fmt.Errorf("epoch_store.path must be set for the file backend")
		}
		return epochstore.NewFileStore(cfg.Path, myNode, epochstore.FileStoreOptions{
			Compress: strings.ToLower(cfg.Compression) == "snappy",
		}, logger)
	default:
		return nil, fmt.Errorf("unsupported epoch store backend: %q", cfg.Backend)
	}
}

func run() error {
	configPath := flag.String("config", "sequencerd.yaml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		return err
	}

	logger, logCloser, err := createLogger(cfg.Logging)
	if err != nil {
		return err
	}
	if logCloser != nil {
		defer logCloser.Close()
	}
	slog.SetDefault(logger)

	tracerCleanup, err := initTracerProvider(cfg.Tracing, logger)
	if err != nil {
		return err
	}
	defer tracerCleanup()

	if cfg.ClusterConfigPath == "" {
		return fmt.Errorf("cluster_config_path must be set")
	}
	clusterCfg, err := cluster.LoadFile(cfg.ClusterConfigPath)
	if err != nil {
		return err
	}
	holder := cluster.NewUpdateable(clusterCfg)
	watcher, err := cluster.NewWatcher(cfg.ClusterConfigPath, holder, logger)
	if err != nil {
		return err
	}
	defer watcher.Close()

	engineSettings, err := cfg.EngineSettings()
	if err != nil {
		return err
	}
	settings := config.NewSettingsHolder(engineSettings)

	store, err := openEpochStore(cfg.EpochStore, clusterCfg.MyNodeID, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	hookManager := hooks.NewManager(logger)
	defer hookManager.Stop()

	processor := worker.NewProcessor(worker.Counts{
		General:    cfg.Workers.General,
		Background: cfg.Workers.Background,
	}, logger)
	defer processor.Stop()

	registry := sequencer.NewRegistry(store, holder, hookManager, logger)
	engine := activator.New(processor, registry, store, holder, settings, logger, activator.Options{
		Hooks:          hookManager,
		PublishMetrics: cfg.Debug.EnabledMetrics,
	})

	// Every configuration change flows to the sequencers and schedules a
	// re-check of all configured logs; the engine dedups and self-paces.
	holder.Subscribe(func(c *cluster.Config) {
		registry.ApplyConfigUpdate(c)
		if err := engine.RequestSchedule(c.LogIDs()); err != nil {
			logger.Warn("Failed to schedule logs after config update.", "error", err)
		}
	})
	// Initial sweep.
	if err := engine.RequestSchedule(clusterCfg.LogIDs()); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	metricSrv := server.NewMetricsServer(&cfg.Debug, logger)
	g.Go(metricSrv.Start)
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricSrv.Stop(shutdownCtx)
	})

	logger.Info("nexuslog sequencer daemon started.",
		"node", clusterCfg.MyNodeID, "logs", len(clusterCfg.Logs))
	err = g.Wait()
	logger.Info("nexuslog sequencer daemon stopped.")
	return err
}

func main() {
	if err := run(); err != nil {
		slog.Error("Fatal error.", "error", err)
		os.Exit(1)
	}
}
