package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"catalog-migrator/internal/bootstrap"
	"catalog-migrator/internal/telemetry"
)

func main() {
	deps, err := bootstrap.NewDeps()
	if err != nil {
		_, _ = os.Stderr.WriteString("startup: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger := deps.Logger
	defer func() { _ = logger.Sync() }()
	cfg := deps.Config

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	components, err := bootstrap.Setup(ctx, deps)
	if err != nil {
		logger.Fatal("setup failed", zap.Error(err))
	}
	defer components.Close()

	processor, err := components.Processor(ctx)
	if err != nil {
		logger.Fatal("init processor", zap.Error(err))
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	// Each tick is one bounded drain invocation; a tick that fires while the previous drain
	// is still running is skipped.
	scheduler := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err = scheduler.AddFunc(cfg.WorkerSchedule, func() {
		sum, err := processor.Drain(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Error("drain failed", zap.Error(err))
			return
		}
		if sum.Processed > 0 {
			logger.Info("drain finished",
				zap.Int("processed", sum.Processed),
				zap.Int("succeeded", sum.Succeeded),
				zap.Int("failed", sum.Failed),
				zap.Int("retried", sum.Retried),
				zap.Int("dropped", sum.Dropped),
			)
		}
		report, err := components.Monitor.Check(ctx, components.Pipeline.Queues())
		if err == nil && report.Warn {
			logger.Warn("queue backlog", zap.Strings("reasons", report.Reasons))
		}
	})
	if err != nil {
		logger.Fatal("invalid worker schedule", zap.String("schedule", cfg.WorkerSchedule), zap.Error(err))
	}

	logger.Info("worker started",
		zap.String("schedule", cfg.WorkerSchedule),
		zap.Duration("visibility", cfg.VisibilityTimeout),
		zap.Duration("budget", cfg.WorkerInvocationBudget),
		zap.Strings("sources", cfg.Sources),
	)
	scheduler.Start()
	<-ctx.Done()
	<-scheduler.Stop().Done()
	logger.Info("worker stopped")
}
