package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/segment_downloader/internal/cleanup"
	"github.com/italolelis/segment_downloader/internal/config"
	"github.com/italolelis/segment_downloader/internal/downloader"
	"github.com/italolelis/segment_downloader/internal/http/rest"
	"github.com/italolelis/segment_downloader/internal/logctx"
	"github.com/italolelis/segment_downloader/internal/notifier"
	"github.com/italolelis/segment_downloader/internal/storage"
	"github.com/italolelis/segment_downloader/internal/storage/sqlite"
	"github.com/italolelis/segment_downloader/internal/telemetry"
	"github.com/italolelis/segment_downloader/internal/transfer"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewTraceHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("segment downloader starting...", "log_level", cfg.LogLevel, "version", version)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInterval:   cfg.Telemetry.OTLPInterval,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Database
	database, err := sqlite.InitDB(cfg.DBPath)
	if err != nil {
		logger.Error("DB error", "err", err)

		return err
	}
	defer database.Close()

	ledger := sqlite.NewInstrumentedSegmentRepository(database, tel)
	states := sqlite.NewInstrumentedFileStateRepository(database, tel)

	// =========================================================================
	// Start Coordinator
	fetcher := transfer.NewInstrumentedFetcher(
		transfer.NewHTTPFetcher(cfg.TargetDir,
			transfer.WithReportInterval(cfg.ProgressInterval),
			transfer.WithUserAgent("segment_downloader/"+version),
		),
		tel,
	)

	coordinator := downloader.NewCoordinator(ledger, states, fetcher, tel, downloader.Options{
		DefaultSegments:      cfg.Segments,
		MaxParallel:          cfg.MaxParallel,
		RetryMaxTries:        cfg.RetryMaxTries,
		RetryInitialInterval: cfg.RetryInterval,
	})
	// Workers stop before the database closes; interrupted downloads stay downloading.
	defer coordinator.Close()

	// =========================================================================
	// Start Notification
	setupNotificationForCoordinator(ctx, coordinator, cfg)

	if cfg.RestoreOnStart {
		n, err := coordinator.RestoreInterrupted(ctx)
		if err != nil {
			logger.Error("failed to restore some interrupted downloads", "err", err)
		}

		logger.Info("restored interrupted downloads", "count", n)
	}

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, coordinator, tel, cfg)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("waiting for downloads...",
		"target_dir", cfg.TargetDir,
		"segments", cfg.Segments,
		"max_parallel", cfg.MaxParallel,
	)

	// =========================================================================
	// Start Cleanup
	setupCleanup(ctx, states, cfg)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	}
}

func setupNotificationForCoordinator(ctx context.Context, c *downloader.Coordinator, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	var notif notifier.Notifier = notifier.Nop{}
	if cfg.DiscordWebhookURL != "" {
		notif = notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-c.OnDownloadFailed:
				logger.Error("download failed", "url", event.URL, "err", event.Err)

				if notifyErr := notif.Notify(ctx, notifier.FailedMessage(event.Name, event.Err)); notifyErr != nil {
					logger.Error("failed to send notification", "url", event.URL, "err", notifyErr)
				}
			case event := <-c.OnDownloadFinished:
				logger.Info("download finished", "url", event.URL, "name", event.Name)

				if notifyErr := notif.Notify(ctx, notifier.FinishedMessage(event)); notifyErr != nil {
					logger.Error("failed to send notification", "url", event.URL, "err", notifyErr)
				}
			}
		}
	}()
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, c *downloader.Coordinator, tel *telemetry.Telemetry, cfg *config.Config) *http.Server {
	h := rest.NewDownloadHandler(c, cfg.TargetDir, cfg.Web.Username, cfg.Web.Password)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID, telemetry.HTTPLogging, tel.Middleware)

	r.Handle("/metrics", tel.Handler())
	r.Mount("/", h.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      otelhttp.NewHandler(r, "segment_downloader"),
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

func setupCleanup(ctx context.Context, states storage.FileStateStore, cfg *config.Config) {
	logger := logctx.LoggerFromContext(ctx)

	go func() {
		cleanupTicker := time.NewTicker(cfg.CleanupInterval)
		defer cleanupTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("cleanup goroutine shutting down.")

				return
			case <-cleanupTicker.C:
				tracked, err := states.List(ctx)
				if err != nil {
					logger.Error("failed to get tracked downloads for cleanup", "err", err)

					continue
				}

				if _, err := cleanup.DeleteOrphanFiles(ctx, tracked, cfg.TargetDir, cfg.KeepOrphansFor); err != nil {
					logger.Error("failed to delete orphan files", "err", err)
				}
			}
		}
	}()
}
