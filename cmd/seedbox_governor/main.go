package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/seedbox_governor/internal/config"
	"github.com/italolelis/seedbox_governor/internal/dc/qbittorrent"
	"github.com/italolelis/seedbox_governor/internal/governor"
	"github.com/italolelis/seedbox_governor/internal/http/rest"
	"github.com/italolelis/seedbox_governor/internal/logctx"
	"github.com/italolelis/seedbox_governor/internal/notifier"
	"github.com/italolelis/seedbox_governor/internal/projector"
	"github.com/italolelis/seedbox_governor/internal/schedule"
	"github.com/italolelis/seedbox_governor/internal/seedbox"
	"github.com/italolelis/seedbox_governor/internal/telemetry"
	"github.com/italolelis/seedbox_governor/internal/transfer"
	"golang.org/x/sync/errgroup"
)

var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := logctx.NewJSONLogger(os.Stdout, cfg.SlogLevel())
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("seedbox governor starting...", "log_level", cfg.LogLevel, "version", version)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil {
		logger.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "seedbox_governor",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := tel.Shutdown(ctx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	// =========================================================================
	// Start Download Client
	client := transfer.NewInstrumentedClient(
		qbittorrent.NewClient(
			cfg.QBittorrent.URL,
			cfg.QBittorrent.Username,
			cfg.QBittorrent.Password,
			qbittorrent.WithTimeout(cfg.RequestTimeout),
			qbittorrent.WithAddLookup(cfg.AddLookupAttempts, cfg.AddLookupDelay),
			qbittorrent.WithTelemetry(tel),
		),
		tel,
		"qbittorrent",
	)

	// Not fatal: every call logs in again lazily and reports its own error.
	if err := client.Authenticate(ctx); err != nil {
		logger.Warn("initial authentication failed", "err", err)
	}

	// =========================================================================
	// Start Governor and Projector
	gov := governor.New(client, cfg.SeedingMultiplier(logger),
		governor.WithRetention(cfg.TrackingRetention),
		governor.WithTelemetry(tel),
	)

	var (
		notif notifier.Notifier
		proj  *projector.Projector
	)

	if cfg.DiscordWebhookURL != "" {
		notif = notifier.NewDiscordNotifier(cfg.DiscordWebhookURL, tel)
		proj = projector.New(client, notif, gov, projector.WithTelemetry(tel))
	} else {
		logger.Info("no discord webhook configured, live progress updates are disabled")
	}

	svc := seedbox.NewService(client, gov, proj, notif)

	sweep := schedule.NewTask("governor", cfg.SweepInterval, gov.Run, tel)

	tasks := []*schedule.Task{sweep}
	if proj != nil {
		tasks = append(tasks, schedule.NewTask("projector", cfg.PollInterval, proj.Poll, tel))
	}

	for _, task := range tasks {
		if err := task.Start(ctx); err != nil {
			return fmt.Errorf("failed to start %s task: %w", task.Name(), err)
		}

		defer task.Stop()
	}

	// Rebuild tracking state now rather than one sweep interval after startup.
	sweep.Trigger()

	logger.Info("governing seeding time",
		"multiplier", gov.Multiplier(),
		"sweep_interval", cfg.SweepInterval.String(),
		"poll_interval", cfg.PollInterval.String(),
		"retention", cfg.TrackingRetention.String(),
	)

	// =========================================================================
	// Start API Service
	server := setupServer(ctx, cfg, svc, sweep, tel)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("start shutdown")

		// Give outstanding requests a deadline for completion.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown the server", "err", err)

			if err = server.Close(); err != nil {
				return fmt.Errorf("could not stop server gracefully: %w", err)
			}
		}

		return nil
	})

	return g.Wait()
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(
	ctx context.Context,
	cfg *config.Config,
	svc *seedbox.Service,
	sweep *schedule.Task,
	tel *telemetry.Telemetry,
) *http.Server {
	handler := rest.NewSeedboxHandler(cfg.API.Username, cfg.API.Password, svc, sweep)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", tel.Handler())
	r.Mount("/api", handler.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
