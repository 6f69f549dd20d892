// Command relay runs the broadcast relay: a TCP listener for line-delimited
// JSON clients, an optional WebSocket gateway and an optional Redis bridge.
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/relay/internal/bridge"
	"github.com/Tyrowin/relay/internal/config"
	"github.com/Tyrowin/relay/internal/hub"
	"github.com/Tyrowin/relay/internal/logging"
	"github.com/Tyrowin/relay/internal/server"
)

func main() {
	configPath := flag.String("config", os.Getenv(config.EnvPrefix+"CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		bootLogger := logging.New(logging.Config{Level: "info", Format: logging.FormatConsole}, os.Stderr)
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := logging.New(cfg.Log, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *configPath, logger); err != nil {
		logger.Error().Err(err).Msg("relay stopped with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, configPath string, logger zerolog.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lagPolicy, err := server.ParseLagPolicy(cfg.LagPolicy)
	if err != nil {
		return err
	}

	ln, err := server.Listen(ctx, cfg.Addr)
	if err != nil {
		return err
	}

	h := hub.New(cfg.Backlog)
	defer h.Close()

	srv := server.New(h, server.Options{
		EchoSelf:       cfg.EchoSelf,
		LagPolicy:      lagPolicy,
		MaxMessageSize: cfg.MaxMessageSize,
		WriteTimeout:   cfg.WriteTimeout,
		IdleTimeout:    cfg.IdleTimeout,
		RateLimit:      rateLimit(cfg.RateLimit),
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	})

	// Background tasks run until ctx is cancelled.
	var background errgroup.Group

	var httpServer *http.Server
	if cfg.HTTPAddr != "" {
		httpLn, err := server.Listen(ctx, cfg.HTTPAddr)
		if err != nil {
			_ = ln.Close()
			return err
		}
		httpServer = server.CreateHTTPServer(cfg.HTTPAddr, srv.Routes())
		background.Go(func() error { return server.StartHTTPServer(httpServer, httpLn, logger) })
	}

	if cfg.Redis.URL != "" {
		client, err := bridge.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			_ = ln.Close()
			return err
		}
		defer client.Close()

		b := bridge.New(h, bridge.NewRedisPubSub(client), cfg.Redis.Channel, cfg.Redis.NodeID, logger)
		background.Go(func() error {
			if err := b.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("bridge stopped")
			}
			return nil
		})
	}

	if configPath != "" {
		background.Go(func() error {
			err := config.Watch(ctx, configPath, logger, func(next config.Config) {
				logging.SetLevel(next.Log.Level)
				srv.SetRateLimit(rateLimit(next.RateLimit))
				logger.Info().Str("level", next.Log.Level).Msg("configuration reloaded")
			})
			if err != nil {
				logger.Warn().Err(err).Msg("config watch stopped")
			}
			return nil
		})
	}

	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, ln) }()

	logger.Info().
		Int("backlog", cfg.Backlog).
		Str("lag_policy", lagPolicy.String()).
		Bool("echo_self", cfg.EchoSelf).
		Msg("relay started")
	notify(logger, daemon.SdNotifyReady)

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case serveErr = <-served:
	}

	notify(logger, daemon.SdNotifyStopping)

	if httpServer != nil {
		_ = server.ShutdownHTTPServer(httpServer, cfg.ShutdownTimeout, logger)
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("sessions did not finish before the shutdown timeout")
	}

	cancel()

	if err := background.Wait(); err != nil && !errors.Is(err, net.ErrClosed) {
		logger.Warn().Err(err).Msg("background task failed")
	}

	if serveErr != nil && !errors.Is(serveErr, server.ErrServerClosed) {
		return serveErr
	}
	logger.Info().Msg("relay stopped")
	return nil
}

func rateLimit(cfg config.RateLimitConfig) server.RateLimit {
	return server.RateLimit{Burst: cfg.Burst, RefillInterval: cfg.RefillInterval}
}

// notify reports state to systemd when running under a unit with
// Type=notify. Outside systemd it is a no-op.
func notify(logger zerolog.Logger, state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		logger.Debug().Err(err).Str("state", state).Msg("sd_notify failed")
	}
}
