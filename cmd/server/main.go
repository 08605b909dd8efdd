// Package main provides the API server entry point for the deposit custody service.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/deposit-custody/internal/api"
	"github.com/deposit-custody/internal/app"
	"github.com/deposit-custody/internal/config"
	"github.com/deposit-custody/internal/logging"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()
	defer func() { _ = logger.Sync() }()

	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("deposit custody API server starting")

	application, err := app.New(cfg, logger.Zap())
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize")
	}
	defer application.Close()

	serverConfig := &api.ServerConfig{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      cfg.Jobs.JobTimeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		JobTimeout:        cfg.Jobs.JobTimeout,
		JWTSecret:         cfg.Auth.JWTSecret,
		CronSecret:        cfg.Custody.CronSecret,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
	}

	server := api.NewServer(serverConfig, api.Dependencies{
		Ledger:     application.Ledger,
		Addresses:  application.Addresses,
		Reconciler: application.Reconciler,
		Sweeper:    application.Sweeper,
		Providers:  application.Registry,
		Checks: map[string]api.HealthCheck{
			"postgres": application.PingPostgres,
			"redis":    application.PingRedis,
		},
		Metrics: promhttp.HandlerFor(application.Metrics, promhttp.HandlerOpts{}),
		Logger:  logger,
	})

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("server forced to shutdown")
	}

	logger.Info("server exited")
}
