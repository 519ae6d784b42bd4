package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Log      LogConfig      `mapstructure:"log"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
	Sweeper  SweeperConfig  `mapstructure:"sweeper"`
	Horizon  HorizonConfig  `mapstructure:"horizon"`
	Outbox   OutboxConfig   `mapstructure:"outbox"`
	AMQP     AMQPConfig     `mapstructure:"amqp"`
}

// DatabaseConfig holds PostgreSQL settings.
type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// HTTPConfig holds the API listener settings.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig holds token signing settings.
type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ScheduleConfig holds instance materialization settings.
type ScheduleConfig struct {
	HorizonDays int `mapstructure:"horizon_days"`
}

// SweeperConfig holds auto-close settings.
type SweeperConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
}

// HorizonConfig holds the periodic horizon extension settings.
type HorizonConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
}

// OutboxConfig holds relay settings.
type OutboxConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	BatchSize   int           `mapstructure:"batch_size"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

// AMQPConfig holds broker settings. An empty URL disables publishing.
type AMQPConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

// HorizonDuration is the materialization horizon as a duration.
func (c ScheduleConfig) HorizonDuration() time.Duration {
	return time.Duration(c.HorizonDays) * 24 * time.Hour
}

// Load reads configuration from file and env. Env var overrides use prefix
// EXCHANGE_, e.g. EXCHANGE_DATABASE_URL. EXCHANGE_CONFIG points at a config file.
func Load() (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("toml")

	cfgPath := os.Getenv("EXCHANGE_CONFIG")
	if cfgPath != "" {
		v.SetConfigFile(cfgPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/exchangeflow")
		v.SetConfigName("config")
	}

	v.SetEnvPrefix("EXCHANGE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgPath != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("config: read: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 16)
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", "10s")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.token_ttl", "24h")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("schedule.horizon_days", 56)
	v.SetDefault("sweeper.interval", "5m")
	v.SetDefault("sweeper.batch_size", 200)
	v.SetDefault("horizon.interval", "1h")
	v.SetDefault("horizon.batch_size", 500)
	v.SetDefault("outbox.interval", "2s")
	v.SetDefault("outbox.batch_size", 50)
	v.SetDefault("outbox.max_attempts", 10)
	v.SetDefault("amqp.url", "")
	v.SetDefault("amqp.exchange", "exchange_events")
}

// Validate reports settings the server cannot start without.
func (c Config) Validate() error {
	var errs []error
	if c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	if c.Schedule.HorizonDays <= 0 {
		errs = append(errs, errors.New("schedule.horizon_days must be positive"))
	}
	if c.Sweeper.Interval <= 0 || c.Horizon.Interval <= 0 || c.Outbox.Interval <= 0 {
		errs = append(errs, errors.New("worker intervals must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
