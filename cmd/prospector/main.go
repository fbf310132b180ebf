// Command prospector runs the company intelligence pipeline: the HTTP API,
// the phase workers, and the batch scheduler in one process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/nine-one-six-systems/prospector/internal/app"
	"github.com/nine-one-six-systems/prospector/internal/config"
	"github.com/nine-one-six-systems/prospector/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "path to config file (optional)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "prospector: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		application.Close(closeCtx)
	}()

	// Re-dispatch companies stranded in progress by a previous process.
	if cfg.Crawler.SkipStartupRecovery {
		logger.Info("Startup recovery disabled by config")
	} else {
		application.Recovery.Run(ctx)
	}

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		application.Worker.Run(ctx)
	}()

	go runSchedulerTicks(ctx, application, cfg, logger)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           application.Server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown failed", zap.Error(err))
	}

	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		logger.Warn("Workers did not drain before deadline")
	}
	return nil
}

// runSchedulerTicks admits pending batch companies on an interval so
// capacity freed by finished companies is reused without an API call.
func runSchedulerTicks(ctx context.Context, application *app.App, cfg config.Config, logger *zap.Logger) {
	interval := time.Duration(cfg.Scheduler.TickSeconds) * time.Second
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := application.Scheduler.ScheduleNextFromAllBatches(ctx); err != nil && ctx.Err() == nil {
				logger.Error("Scheduling tick failed", zap.Error(err))
			}
		}
	}
}
