package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	api "catalog-migrator/internal/api"
	"catalog-migrator/internal/bootstrap"
)

func main() {
	deps, err := bootstrap.NewDeps()
	if err != nil {
		_, _ = os.Stderr.WriteString("startup: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger := deps.Logger
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	components, err := bootstrap.Setup(ctx, deps)
	if err != nil {
		logger.Fatal("setup failed", zap.Error(err))
	}
	defer components.Close()

	server := api.New(components.Pipeline, components.Reporter, components.Streamer, components.Limiter, logger.Named("api"))
	server.AddHealthCheck("redis", func(ctx context.Context) error { return components.Redis.Ping(ctx).Err() })
	if components.Store != nil {
		server.AddHealthCheck("postgres", components.Store.Ping)
	}

	// No WriteTimeout: progress streams stay open until their max lifetime.
	httpServer := &http.Server{
		Addr:              ":" + deps.Config.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("api listening", zap.String("addr", httpServer.Addr), zap.String("progress_backend", deps.Config.ProgressBackend))
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
