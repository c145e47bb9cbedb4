package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hiroki-koketsu/go-task-tracker/internal/auth"
	"github.com/hiroki-koketsu/go-task-tracker/internal/cache"
	"github.com/hiroki-koketsu/go-task-tracker/internal/config"
	"github.com/hiroki-koketsu/go-task-tracker/internal/handler"
	"github.com/hiroki-koketsu/go-task-tracker/internal/repository"
	"github.com/hiroki-koketsu/go-task-tracker/internal/service"
	"github.com/hiroki-koketsu/go-task-tracker/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	// Create a basic logger for startup (before OTel is initialized)
	startupLogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		startupLogger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	if cfg.LogFile != "" {
		logFile := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
		defer logFile.Close()
		startupLogger = slog.New(slog.NewJSONHandler(io.MultiWriter(os.Stdout, logFile), nil))
	}

	startupLogger.Info("starting application",
		slog.String("service", cfg.ServiceName),
		slog.String("environment", cfg.Environment),
		slog.String("port", cfg.ServerPort),
		slog.String("store", cfg.StoreDriver),
	)

	if err := run(cfg, startupLogger); err != nil {
		startupLogger.Error("application error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, startupLogger *slog.Logger) error {
	ctx := context.Background()
	logger := startupLogger

	if cfg.TelemetryEnabled {
		tp, err := telemetry.InitTracerProvider(ctx, cfg.ServiceName, cfg.OTLPEndpoint, cfg.Environment)
		if err != nil {
			return fmt.Errorf("failed to initialize tracer provider: %w", err)
		}
		defer func() {
			if err := tp.Shutdown(ctx); err != nil {
				startupLogger.Error("failed to shutdown tracer provider", slog.Any("error", err))
			}
		}()

		mp, err := telemetry.InitMeterProvider(ctx, cfg.ServiceName, cfg.OTLPEndpoint, cfg.Environment)
		if err != nil {
			return fmt.Errorf("failed to initialize meter provider: %w", err)
		}
		defer func() {
			if err := mp.Shutdown(ctx); err != nil {
				startupLogger.Error("failed to shutdown meter provider", slog.Any("error", err))
			}
		}()

		// Initialize logger provider after the others for log-trace correlation
		lp, otelLogger, err := telemetry.InitLoggerProvider(ctx, cfg.ServiceName, cfg.OTLPEndpoint, cfg.Environment)
		if err != nil {
			return fmt.Errorf("failed to initialize logger provider: %w", err)
		}
		defer func() {
			if err := lp.Shutdown(ctx); err != nil {
				startupLogger.Error("failed to shutdown logger provider", slog.Any("error", err))
			}
		}()
		logger = otelLogger
	}

	store, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	meter := otel.Meter(cfg.ServiceName)
	metrics, err := telemetry.NewMetrics(meter, store.CountAll)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	opts := []service.Option{
		service.WithRecorder(metrics),
		service.WithLocation(loc),
	}

	var cachePinger handler.Pinger
	if cfg.RedisAddr != "" {
		statsCache := cache.NewStatsCache(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}), cache.DefaultPrefix, cfg.StatsCacheTTL)
		defer statsCache.Close()
		if err := statsCache.Ping(ctx); err != nil {
			logger.Warn("stats cache unreachable, continuing", slog.String("addr", cfg.RedisAddr), slog.Any("error", err))
		}
		if err := metrics.ObserveStatsCache(meter, statsCache.HitsAndMisses); err != nil {
			return fmt.Errorf("failed to observe stats cache: %w", err)
		}
		opts = append(opts, service.WithStatsCache(statsCache))
		cachePinger = statsCache
	}

	taskService := service.NewTaskService(store, logger, opts...)
	tokens := auth.NewTokenManager(auth.Config{
		Secret: cfg.JWTSecret,
		Issuer: cfg.JWTIssuer,
		TTL:    cfg.JWTTTL,
	})

	router := handler.NewRouter(handler.RouterConfig{
		Tasks:     handler.NewTaskHandler(taskService, logger, metrics),
		Auth:      handler.NewAuthHandler(tokens, cfg.AuthDevLogin, logger, metrics),
		Health:    handler.NewHealthHandler(store, cachePinger, logger),
		Tokens:    tokens,
		Logger:    logger,
		AccessLog: true,
	})

	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server listening", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal for graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		return fmt.Errorf("server error: %w", err)
	}

	logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", slog.Any("error", err))
	}

	logger.Info("server stopped")
	return nil
}

// openStore selects the task store. SQL stores are guarded by a circuit
// breaker, whose state the health check reports.
func openStore(cfg *config.Config, logger *slog.Logger) (repository.Store, func(), error) {
	if cfg.StoreDriver == "memory" {
		return repository.NewMemoryStore(), func() {}, nil
	}

	gormStore, err := repository.Open(cfg.StoreDriver, cfg.DatabaseDSN, cfg.DBDebug)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open %s store: %w", cfg.StoreDriver, err)
	}
	closeStore := func() {
		if err := gormStore.Close(); err != nil {
			logger.Error("failed to close store", slog.Any("error", err))
		}
	}
	return repository.NewBreakerStore(gormStore, repository.DefaultBreakerSettings(), logger), closeStore, nil
}
