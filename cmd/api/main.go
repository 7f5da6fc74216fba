package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/trace"

	"github.com/bizmatters/market-dashboard/orchestrator/internal/auth"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/config"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/gateway"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/metrics"
	"github.com/bizmatters/market-dashboard/orchestrator/internal/orchestration"
)

// @title Market Dashboard Orchestrator API
// @version 1.0
// @description Agent dispatch, schedules, cache, alerts and workflows behind the market dashboard.

// @contact.name API Support
// @contact.email support@bizmatters.dev

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @BasePath /api

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and the JWT.
func main() {
	if err := run(); err != nil {
		slog.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := cfg.Log.NewLogger(os.Stdout)
	slog.SetDefault(logger)

	tp, err := initTracer()
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var pool *pgxpool.Pool
	if cfg.Database.ScheduleStore == config.StorePostgres {
		pool, err = connectDatabase(ctx, cfg.Database.URL, logger)
		if err != nil {
			return err
		}
		defer pool.Close()
	}

	dispatchMetrics, err := metrics.NewDispatchMetrics()
	if err != nil {
		return fmt.Errorf("failed to create dispatch metrics: %w", err)
	}
	httpMetrics := metrics.NewHTTPMetrics("dashboard")

	svc, err := orchestration.NewService(ctx, cfg, orchestration.Deps{
		Pool:        pool,
		Dispatch:    dispatchMetrics,
		HTTPMetrics: httpMetrics,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("failed to build orchestration service: %w", err)
	}
	defer svc.Close()

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start orchestration service: %w", err)
	}

	routerCfg := gateway.RouterConfig{Metrics: httpMetrics, Logger: logger}
	if cfg.Auth.JWTSecret != "" {
		jm, err := auth.NewJWTManager(cfg.Auth.JWTSecret, nil)
		if err != nil {
			return fmt.Errorf("failed to initialize JWT manager: %w", err)
		}
		routerCfg.JWT = jm
	} else {
		logger.Warn("JWT_SECRET not set, API is unauthenticated")
	}

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gateway.NewRouter(svc, routerCfg)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting market dashboard API", "port", cfg.Server.Port, "env", cfg.Env)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to start server: %w", err)
		}
	case <-ctx.Done():
	}
	logger.Info("shutting down server")

	svc.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server exited")
	return nil
}

// connectDatabase retries while the database comes up.
func connectDatabase(ctx context.Context, url string, logger *slog.Logger) (*pgxpool.Pool, error) {
	const attempts = 10
	var lastErr error
	for i := 1; i <= attempts; i++ {
		pool, err := pgxpool.New(ctx, url)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				logger.Info("connected to PostgreSQL database")
				return pool, nil
			}
			pool.Close()
		}
		lastErr = err
		logger.Warn("waiting for database", "attempt", i, "max_attempts", attempts, "error", err)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(3 * time.Second):
		}
	}
	return nil, fmt.Errorf("failed to connect to database after retries: %w", lastErr)
}

// initTracer installs a tracer provider exporting spans to stderr so they
// stay out of the JSON log stream.
func initTracer() (*trace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
	}
	tp := trace.NewTracerProvider(trace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return tp, nil
}
