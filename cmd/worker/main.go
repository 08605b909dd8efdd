// Package main provides the job worker entry point for the deposit custody
// service. It runs deposit reconciliation and sweeping on cron schedules.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/deposit-custody/internal/app"
	"github.com/deposit-custody/internal/config"
	"github.com/deposit-custody/internal/logging"
	"github.com/deposit-custody/internal/worker"
	"go.uber.org/zap"
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

	application, err := app.New(cfg, logger.Zap())
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize")
	}
	defer application.Close()

	scheduler := worker.NewScheduler(cfg.Jobs.JobTimeout, logger.Zap())

	err = scheduler.Register("reconcile", cfg.Jobs.ReconcileSchedule, func(ctx context.Context) error {
		result, err := application.Reconciler.Run(ctx)
		if err != nil {
			return err
		}
		logger.Zap().Info("reconciliation finished",
			zap.Int("newDeposits", result.NewDeposits),
			zap.Int("processed", result.ProcessedCount),
			zap.Int("unassigned", result.Unassigned),
			zap.Int("partialScans", result.PartialScans),
			zap.Int("errors", len(result.Errors)))
		return nil
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to schedule reconciliation")
	}

	err = scheduler.Register("sweep", cfg.Jobs.SweepSchedule, func(ctx context.Context) error {
		result, err := application.Sweeper.Run(ctx)
		if err != nil {
			return err
		}
		logger.Zap().Info("sweep finished",
			zap.Int("swept", len(result.Swept)),
			zap.Int("skipped", len(result.Skipped)),
			zap.Int("errors", len(result.Errors)))
		return nil
	})
	if err != nil {
		logger.WithError(err).Fatal("failed to schedule sweep")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := scheduler.Start(ctx); err != nil {
		logger.WithError(err).Fatal("failed to start scheduler")
	}
	for _, status := range scheduler.Status() {
		logger.WithFields(map[string]interface{}{
			"job":      status.Name,
			"schedule": status.Schedule,
			"nextRun":  status.NextRun,
		}).Info("job scheduled")
	}

	// catch up on deposits made while the worker was down
	go func() {
		if err := scheduler.RunNow(ctx, "reconcile"); err != nil {
			logger.WithError(err).Warn("startup reconciliation failed")
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received, waiting for running jobs")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Warn("jobs still running at shutdown")
	}

	logger.Info("worker exited")
}
