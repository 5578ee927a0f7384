package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"transit-analytics/internal/config"
	"transit-analytics/internal/db"
	httphandler "transit-analytics/internal/http"
	"transit-analytics/internal/logger"
	"transit-analytics/internal/metrics"
	"transit-analytics/internal/queue"
	"transit-analytics/internal/repository"
	"transit-analytics/internal/scheduler"
	"transit-analytics/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	appLogger := logger.New(cfg.Environment)

	database, err := db.New(cfg, appLogger)
	if err != nil {
		appLogger.Fatal().Err(err).Msg("failed to connect database")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	tripRepo := repository.NewTripRepository(database)
	aggregateRepo := repository.NewAggregateRepository(database)
	analyticsRepo := repository.NewAnalyticsRepository(database)

	engine := service.NewAggregationEngine(
		database,
		tripRepo,
		aggregateRepo,
		service.RetryPolicy{
			MaxAttempts:    cfg.Aggregation.MaxAttempts,
			InitialBackoff: cfg.Aggregation.InitialBackoff,
			MaxBackoff:     cfg.Aggregation.MaxBackoff,
		},
		metrics.NewAggregation(registry),
		appLogger,
	)
	tripService := service.NewTripService(database, tripRepo, engine, appLogger)
	analyticsService := service.NewAnalyticsService(aggregateRepo, analyticsRepo)
	maintenanceService := service.NewMaintenanceService(
		database,
		tripRepo,
		aggregateRepo,
		analyticsRepo,
		engine,
		service.MaintenanceOptions{
			WindowDays:       cfg.Maintenance.AnalyticsWindowDays,
			RedriveMinAge:    cfg.Maintenance.RedriveMinAge,
			RedriveBatchSize: cfg.Maintenance.RedriveBatchSize,
		},
		metrics.NewMaintenance(registry),
		appLogger,
	)

	var (
		publisher *queue.Publisher
		consumer  *queue.Consumer
	)
	if cfg.Queue.Enabled {
		publisher = queue.NewPublisher(cfg.Queue)
		maintenanceService.UsePublisher(publisher)

		consumer = queue.NewConsumer(cfg.Queue, engine, cfg.Aggregation.FoldTimeout, appLogger)
		if err := consumer.Start(); err != nil {
			appLogger.Fatal().Err(err).Msg("failed to start trip event consumer")
		}
	}

	jobs, err := scheduler.New(cfg.Maintenance, maintenanceService, appLogger)
	if err != nil {
		appLogger.Fatal().Err(err).Msg("failed to schedule maintenance jobs")
	}
	jobs.Start()

	handler := httphandler.NewHandler(tripService, engine, analyticsService, maintenanceService, appLogger)
	router := httphandler.NewRouter(handler, httphandler.RouterOptions{
		Environment:    cfg.Environment,
		AllowedOrigins: cfg.HTTP.CORSAllowedOrigins,
		Gatherer:       registry,
		Health: func(ctx context.Context) error {
			sqlDB, err := database.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
		Log: appLogger,
	})

	addr := fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		appLogger.Info().Str("addr", addr).Msg("starting transit analytics service")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLogger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	appLogger.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		appLogger.Error().Err(err).Msg("http shutdown")
	}
	jobs.Stop(ctx)
	if consumer != nil {
		consumer.Shutdown()
	}
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			appLogger.Error().Err(err).Msg("close queue client")
		}
	}
	if sqlDB, err := database.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
