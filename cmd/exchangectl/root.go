package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"exchangeflow/config"
	"exchangeflow/db"
	"exchangeflow/exchange"
	"exchangeflow/family"
	"exchangeflow/identity"
	"exchangeflow/logging"
	"exchangeflow/outbox"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	DatabaseURL string
	Format      string // "json" | "text"
	LogLevel    string
}

var validFormats = []string{"text", "json"}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "exchangectl",
		Short: "Operate the custody exchange service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(validFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, validFormats)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.DatabaseURL, "database-url", "", "PostgreSQL URL (defaults to database.url from config)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (defaults to log.level from config)")

	cmd.AddCommand(newMigrateCommand(opts))
	cmd.AddCommand(newSweepCommand(opts))
	cmd.AddCommand(newExtendCommand(opts))
	cmd.AddCommand(newRelayCommand(opts))
	return cmd
}

// env is what every job command needs: resolved config, a logger and a pool.
type env struct {
	cfg  config.Config
	log  *slog.Logger
	pool *pgxpool.Pool
}

func (o *rootOptions) config() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if o.DatabaseURL != "" {
		cfg.Database.URL = o.DatabaseURL
	}
	if o.LogLevel != "" {
		cfg.Log.Level = o.LogLevel
	}
	if cfg.Database.URL == "" {
		return config.Config{}, fmt.Errorf("database url is required: pass --database-url or set EXCHANGE_DATABASE_URL")
	}
	return cfg, nil
}

func (o *rootOptions) open(ctx context.Context, stderr io.Writer) (*env, error) {
	cfg, err := o.config()
	if err != nil {
		return nil, err
	}
	log := logging.New(stderr, cfg.Log.Level, cfg.Log.Format, "exchangectl")
	pool, err := db.NewPool(ctx, cfg.Database.URL, db.PoolOptions{MaxConns: cfg.Database.MaxConns})
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, log: log, pool: pool}, nil
}

func (e *env) close() {
	e.pool.Close()
}

// exchangeService builds the exchange service the jobs drive. Membership and
// display names are wired so ExtendAll and AutoClose behave as in the API.
func (e *env) exchangeService() *exchange.Service {
	members := family.NewService(family.NewRepository(e.pool))
	directory := identity.NewService(identity.NewRepository(e.pool), e.cfg.Auth.JWTSecret)
	return exchange.NewService(e.pool, exchange.NewRepository(e.pool), members).
		WithDirectory(directory).
		WithOutbox(outbox.NewWriter()).
		WithLogger(e.log.With("component", "exchange")).
		WithHorizon(e.cfg.Schedule.HorizonDuration())
}

func writeResult(w io.Writer, format string, v any, text string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, err := fmt.Fprintln(w, text)
	return err
}
