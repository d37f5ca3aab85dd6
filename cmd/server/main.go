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

	"hls-restreamer/internal/channel"
	"hls-restreamer/internal/platform/config"
	"hls-restreamer/internal/platform/logger"
	"hls-restreamer/internal/platform/metrics"
	"hls-restreamer/internal/realtime"
	"hls-restreamer/internal/relay"
	"hls-restreamer/internal/session"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 15 * time.Second

func main() {
	envFile := pflag.String("env-file", ".env", "dotenv file to load before reading the environment")
	configFile := pflag.String("config", "", "optional YAML configuration file")
	pflag.Parse()

	_ = config.Load(*envFile)

	cfg, err := config.Resolve(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Server.LogLevel, cfg.Server.LogFormat)
	if err := run(cfg, log); err != nil {
		log.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

func run(cfg config.Config, log *slog.Logger) error {
	auth, err := realtime.NewJWTAuthenticator(cfg.Auth.JWTSecret)
	if err != nil {
		return err
	}

	met := metrics.New()

	registry := channel.NewRegistry(channel.NewFileStore(cfg.Storage.ChannelsFile), log)
	registry.Load()

	sessions := session.NewService(registry, log, met,
		session.NewHandshakeResolver(cfg.Session, nil, log),
	)
	relays := relay.NewManager(cfg.Relay, log, met)
	hub := realtime.NewHub(log, met)
	handler := realtime.NewHandler(registry, sessions, relays, hub, cfg.Server.SelectionRequiresAdmin, log, met)

	a := &app{
		log:      log,
		metrics:  met,
		channels: registry,
		relay:    relays,
		hub:      hub,
		handler:  handler,
		auth:     auth,
		hlsRoot:  cfg.Relay.StorageRoot,

		corsOrigins: cfg.Server.CORSOrigins,
		rateLimit:   cfg.Server.RateLimit,
	}
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := hub.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.Info("server starting",
			"port", cfg.Server.Port,
			"channels", registry.Len(),
			"storage_root", cfg.Relay.StorageRoot,
			"force_transcode", cfg.Relay.ForceTranscode,
			"selection_requires_admin", cfg.Server.SelectionRequiresAdmin,
			"log_level", cfg.Server.LogLevel,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutdown signal received, draining connections")

		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := srv.Shutdown(sctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := relays.Stop(sctx); err != nil {
			errs = append(errs, fmt.Errorf("relay stop: %w", err))
		}
		if err := registry.Close(); err != nil {
			errs = append(errs, fmt.Errorf("flush catalog: %w", err))
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}
