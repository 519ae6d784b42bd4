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

	"golang.org/x/sync/errgroup"

	"exchangeflow/config"
	"exchangeflow/db"
	"exchangeflow/exchange"
	"exchangeflow/family"
	"exchangeflow/identity"
	"exchangeflow/logging"
	"exchangeflow/outbox"
	"exchangeflow/sweeper"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Format, "exchange-api")

	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", logging.Err(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("exchange api stopped", logging.Err(err))
		os.Exit(1)
	}
	log.Info("exchange api stopped")
}

func run(ctx context.Context, cfg config.Config, log *slog.Logger) error {
	pool, err := db.NewPool(ctx, cfg.Database.URL, db.PoolOptions{MaxConns: cfg.Database.MaxConns})
	if err != nil {
		return fmt.Errorf("bootstrap database pool: %w", err)
	}
	defer pool.Close()

	identityService := identity.NewService(identity.NewRepository(pool), cfg.Auth.JWTSecret).
		WithTokenTTL(cfg.Auth.TokenTTL)
	familyService := family.NewService(family.NewRepository(pool))
	exchangeService := exchange.NewService(pool, exchange.NewRepository(pool), familyService).
		WithDirectory(identityService).
		WithOutbox(outbox.NewWriter()).
		WithLogger(log.With("component", "exchange")).
		WithHorizon(cfg.Schedule.HorizonDuration())

	publisher, closePublisher, err := newPublisher(cfg.AMQP, log)
	if err != nil {
		return err
	}
	defer closePublisher()

	relay := outbox.NewRelay(pool, outbox.NewStore(), publisher, log.With("component", "outbox"),
		cfg.Outbox.BatchSize, cfg.Outbox.MaxAttempts)
	sweep := sweeper.New(exchangeService, log.With("component", "sweeper"), cfg.Sweeper.BatchSize)

	server := NewServer(exchangeService, identityService, familyService, log.With("component", "http")).
		WithHealthCheck(pool.Ping)
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http listening", slog.String("addr", cfg.HTTP.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return sweep.Run(gctx, cfg.Sweeper.Interval)
	})
	g.Go(func() error {
		return relay.Run(gctx, cfg.Outbox.Interval)
	})
	g.Go(func() error {
		return extendHorizons(gctx, exchangeService, cfg.Horizon, log.With("component", "horizon"))
	})
	return g.Wait()
}

type horizonExtender interface {
	ExtendAll(ctx context.Context, limit int) (int, error)
}

// extendHorizons keeps every recurring definition materialized to the
// configured horizon.
func extendHorizons(ctx context.Context, ext horizonExtender, cfg config.HorizonConfig, log *slog.Logger) error {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		n, err := ext.ExtendAll(ctx, cfg.BatchSize)
		switch {
		case err != nil && ctx.Err() == nil:
			log.ErrorContext(ctx, "horizon extension failed", logging.Err(err))
		case n > 0:
			log.InfoContext(ctx, "horizon extended", slog.Int("instances", n))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func newPublisher(cfg config.AMQPConfig, log *slog.Logger) (outbox.Publisher, func(), error) {
	if cfg.URL == "" {
		log.Warn("amqp.url not set, outbox messages are only logged")
		return outbox.NewLogPublisher(log.With("component", "outbox")), func() {}, nil
	}
	pub, err := outbox.NewAMQPPublisher(cfg.URL, cfg.Exchange, log.With("component", "amqp"))
	if err != nil {
		return nil, nil, err
	}
	return pub, func() {
		if err := pub.Close(); err != nil {
			log.Warn("close amqp publisher", logging.Err(err))
		}
	}, nil
}
