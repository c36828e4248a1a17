// Command offline-gateway is an offline-first caching gateway for learning
// platforms: it fronts an upstream origin, serves cached content while
// offline, and exposes a WebSocket control plane for document caching and
// local code execution.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/learnhub/offline-cache/server"
	"github.com/learnhub/offline-cache/telemetry"
)

var version = "dev"

type cli struct {
	Address        string `help:"Address to listen on." default:":8080"`
	Storage        string `help:"Storage directory path." default:"./offline-cache" type:"path"`
	UpstreamOrigin string `help:"Origin the gateway fronts (e.g. https://app.learnhub.io)."`
	AllowedOrigin  string `help:"Browser origin allowed for CORS and WebSocket upgrades (default: any)."`

	Bound          map[string]int `help:"Per-namespace entry caps (e.g. static=50;documents=20)."`
	PriorityHigh   []string       `help:"URL keywords protecting documents from eviction."`
	PriorityMedium []string       `help:"URL keywords giving documents medium eviction priority."`

	FreshnessWindow time.Duration `help:"How long cached content is trusted without revalidation." default:"24h"`
	ExecTTL         time.Duration `help:"TTL for cached code execution results." default:"30m"`
	ExecBound       int           `help:"Maximum number of stored execution results." default:"100"`
	JobConcurrency  int           `help:"Maximum concurrent background jobs." default:"8"`

	SyncInterval time.Duration `help:"Background sync interval (0 disables the loop)." default:"15m"`
	SyncURL      []string      `help:"Data URLs refetched on every sync tick."`
	WarmupURL    []string      `help:"Static URLs fetched once at startup."`
	OfflinePage  string        `help:"HTML file served for uncached navigations while offline." type:"existingfile" optional:""`

	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics export (empty disables)." name:"otlp-endpoint"`
	Prometheus   bool   `help:"Expose Prometheus metrics at /metrics."`

	LogLevel  string           `help:"Log level." enum:"debug,info,warn,error" default:"info"`
	LogFormat string           `help:"Log format." enum:"text,json" default:"text"`
	Version   kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var flags cli
	kong.Parse(&flags,
		kong.Name("offline-gateway"),
		kong.Description("Offline-first caching gateway with a local code execution cache."),
		kong.Vars{"version": version},
	)

	logger, err := buildLogger(flags.LogLevel, flags.LogFormat)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricsShutdown, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "offline-gateway",
		ServiceVersion:   version,
		OTLPEndpoint:     flags.OTLPEndpoint,
		EnablePrometheus: flags.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}

	var offlinePage []byte
	if flags.OfflinePage != "" {
		offlinePage, err = os.ReadFile(flags.OfflinePage)
		if err != nil {
			return fmt.Errorf("reading offline page: %w", err)
		}
	}

	srv, err := server.New(server.Config{
		Address:                flags.Address,
		StoragePath:            flags.Storage,
		UpstreamOrigin:         flags.UpstreamOrigin,
		AllowedOrigin:          flags.AllowedOrigin,
		NamespaceBounds:        flags.Bound,
		DocumentPriorityHigh:   flags.PriorityHigh,
		DocumentPriorityMedium: flags.PriorityMedium,
		FreshnessWindow:        flags.FreshnessWindow,
		ExecTTL:                flags.ExecTTL,
		ExecBound:              flags.ExecBound,
		JobConcurrency:         flags.JobConcurrency,
		SyncInterval:           flags.SyncInterval,
		SyncURLs:               flags.SyncURL,
		WarmupURLs:             flags.WarmupURL,
		OfflinePage:            offlinePage,
		Logger:                 logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info("gateway started",
		"version", version,
		"address", srv.Address(),
		"upstream", flags.UpstreamOrigin,
		"storage", flags.Storage,
	)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		if merr := metricsShutdown(shutdownCtx); merr != nil {
			logger.Warn("shutting down metrics", "error", merr)
		}
		return err
	case err := <-errCh:
		return err
	}
}

func buildLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: lvl})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}

	return slog.New(handler), nil
}
