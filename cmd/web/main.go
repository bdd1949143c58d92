package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"mediafetch/internal/config"
	"mediafetch/internal/downloader"
	"mediafetch/internal/handlers"
	"mediafetch/internal/ingest"
	"mediafetch/internal/media"
	"mediafetch/internal/observability"
	"mediafetch/internal/orchestrator"
	"mediafetch/internal/progress"
	"mediafetch/internal/twitter"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := progress.NewRegistry(logger, cfg.ProgressTTL)
	pusher := progress.NewPusher(logger, cfg.PushCloseGrace)
	registry.SetNotifier(pusher)
	pusher.StartSweep(ctx, cfg.PushSweepEvery, cfg.PushMaxAge)

	cookies := twitter.NewCookieStore(logger, filepath.Join(cfg.UploadsDir, "cookies"), cfg.CookieTTL)
	cookies.StartSweep(ctx, cfg.CookieTTL)

	metrics := observability.NewMetrics()

	orch := orchestrator.New(orchestrator.Options{
		Logger:         logger,
		Registry:       registry,
		Metrics:        metrics,
		Subprocess:     downloader.NewYtDlp(logger, cfg.YtDlpBinary),
		Stream:         downloader.NewHTTPStream(logger, cfg.FetchTimeout),
		Resolver:       twitter.NewResolver(logger, cfg.FetchTimeout),
		Cookies:        cookies,
		Ingestor:       ingest.NewDispatcher(logger, cfg.StreamThreshold),
		Metadata:       media.NewFFProbe(logger),
		Waveform:       media.SkippingWaveform{},
		OutputDir:      cfg.OutputDir,
		AmbiguousOrder: cfg.AmbiguousOrder,
	})

	app := handlers.NewApp(logger, orch, registry, pusher, cookies, metrics, cfg.MaxUploadBytes)

	startCleanupLoop(ctx, logger, cfg)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		logger.Info("server started", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
		_ = srv.Close()
	}
	logger.Info("server stopped")
}

// startCleanupLoop removes aged artifacts from both storage directories.
func startCleanupLoop(ctx context.Context, logger *slog.Logger, cfg config.Config) {
	ticker := time.NewTicker(cfg.CleanupInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				total := 0
				for _, dir := range []string{cfg.OutputDir, cfg.UploadsDir} {
					removed, err := media.CleanupOldFiles(dir, cfg.CleanupMaxAge)
					if err != nil {
						logger.Warn("cleanup failed", "dir", dir, "error", err)
						continue
					}
					total += removed
				}
				if total > 0 {
					logger.Info("cleanup completed", "removed_files", total)
				}
			}
		}
	}()
}
