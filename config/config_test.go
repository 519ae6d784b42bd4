package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("EXCHANGE_CONFIG", "")
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 56, cfg.Schedule.HorizonDays)
	assert.Equal(t, 56*24*time.Hour, cfg.Schedule.HorizonDuration())
	assert.Equal(t, 5*time.Minute, cfg.Sweeper.Interval)
	assert.Equal(t, 200, cfg.Sweeper.BatchSize)
	assert.Equal(t, time.Hour, cfg.Horizon.Interval)
	assert.Equal(t, 2*time.Second, cfg.Outbox.Interval)
	assert.Equal(t, 10, cfg.Outbox.MaxAttempts)
	assert.Equal(t, "exchange_events", cfg.AMQP.Exchange)
	assert.Equal(t, "info", cfg.Log.Level)

	assert.Error(t, cfg.Validate(), "database url and secret are required")
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("EXCHANGE_CONFIG", "")
	t.Chdir(t.TempDir())
	t.Setenv("EXCHANGE_DATABASE_URL", "postgres://localhost/exchanges")
	t.Setenv("EXCHANGE_AUTH_JWT_SECRET", "s3cret")
	t.Setenv("EXCHANGE_SWEEPER_INTERVAL", "30s")
	t.Setenv("EXCHANGE_SCHEDULE_HORIZON_DAYS", "14")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/exchanges", cfg.Database.URL)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.Equal(t, 30*time.Second, cfg.Sweeper.Interval)
	assert.Equal(t, 14, cfg.Schedule.HorizonDays)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exchange.toml")
	body := "[http]\naddr = \":9090\"\n\n[outbox]\nbatch_size = 5\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	t.Setenv("EXCHANGE_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, 5, cfg.Outbox.BatchSize)
	assert.Equal(t, 10, cfg.Outbox.MaxAttempts, "unset keys keep defaults")
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	t.Setenv("EXCHANGE_CONFIG", filepath.Join(t.TempDir(), "nope.toml"))
	_, err := Load()
	assert.Error(t, err)
}
