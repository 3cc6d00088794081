package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"animecatalog/internal/aggregator"
	apihttp "animecatalog/internal/api/http"
	"animecatalog/internal/app"
	"animecatalog/internal/metrics"
	"animecatalog/internal/refresh"
	"animecatalog/internal/telemetry"
)

func main() {
	cfg := app.LoadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), "anime-catalog")
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", "anime-catalog"),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("dbDriver", cfg.DBDriver),
		slog.String("metadataBaseURL", cfg.MetadataBaseURL),
		slog.String("linkBaseURL", cfg.LinkBaseURL),
		slog.Bool("hasLinkToken", strings.TrimSpace(cfg.LinkToken) != ""),
		slog.Bool("hasRedis", strings.TrimSpace(cfg.RedisURL) != ""),
		slog.String("jobBackend", cfg.JobBackend),
		slog.Duration("upstreamTimeout", cfg.UpstreamTimeout),
		slog.Duration("searchPacing", cfg.SearchPacing),
		slog.Int("refreshThreshold", cfg.RefreshThreshold),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := apihttp.NewEventHub(logger)
	components, err := app.Build(rootCtx, cfg, logger, hub)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer components.Close()

	runner, shutdownRunner, err := components.NewRunner(cfg, logger)
	if err != nil {
		logger.Error("job runner unavailable", slog.String("error", err.Error()))
		os.Exit(1)
	}
	scheduler := refresh.NewScheduler(components.Store, runner,
		refresh.WithThreshold(cfg.RefreshThreshold),
		refresh.WithLogger(logger),
	)
	service := aggregator.NewService(components.Store, runner, scheduler, aggregator.WithServiceLogger(logger))

	api := apihttp.NewServer(service,
		apihttp.WithLogger(logger),
		apihttp.WithEvents(hub),
		apihttp.WithStore(components.Store),
		apihttp.WithProviderHealth(components.Upstream),
		apihttp.WithRateLimit(cfg.HTTPRateLimit, cfg.HTTPRateBurst),
	)
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	logger.Info("anime catalog service started", slog.String("addr", cfg.HTTPAddr))

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	api.Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", slog.String("error", err.Error()))
	}
	if err := shutdownRunner(shutdownCtx); err != nil {
		logger.Warn("background jobs did not finish", slog.String("error", err.Error()))
	}
	logger.Info("anime catalog service stopped")
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	options := &slog.HandlerOptions{Level: parseLogLevel(levelRaw)}
	if strings.ToLower(strings.TrimSpace(formatRaw)) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, options))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, options))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
