/*
Package config loads service settings.

PURPOSE:
  One Config for both binaries. Values come from, in increasing priority:
    1. Defaults below
    2. An optional config file (YAML, JSON or TOML, by extension)
    3. A .env file in the working directory
    4. Environment variables prefixed LOYALTY_, dots replaced by
       underscores (store.driver -> LOYALTY_STORE_DRIVER)

SEE ALSO:
  - cmd/server/main.go
  - cmd/order-events/main.go
*/
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"github.com/warp/loyalty-ledger/loyalty"
)

const envPrefix = "LOYALTY"

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	Store     StoreConfig     `mapstructure:"store"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Program   ProgramConfig   `mapstructure:"program"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Log       LogConfig       `mapstructure:"log"`
}

type HTTPConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

type StoreConfig struct {
	Driver     string         `mapstructure:"driver"`
	SQLitePath string         `mapstructure:"sqlite_path"`
	Postgres   PostgresConfig `mapstructure:"postgres"`
}

type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// RedisConfig enables the experience cache when Addr is set.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

func (r RedisConfig) Enabled() bool { return r.Addr != "" }

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
}

type ProgramConfig struct {
	ReferralBonusPoints  int64  `mapstructure:"referral_bonus_points"`
	WelcomeVoucherPoints int64  `mapstructure:"welcome_voucher_points"`
	CashValuePerPoint    string `mapstructure:"cash_value_per_point"`
	DefaultHistoryLimit  int    `mapstructure:"default_history_limit"`
	MaxHistoryLimit      int    `mapstructure:"max_history_limit"`
	CodeAttempts         int    `mapstructure:"code_attempts"`
}

type SchedulerConfig struct {
	// TierRefreshInterval of 0 disables the background tier refresh.
	TierRefreshInterval time.Duration `mapstructure:"tier_refresh_interval"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	p := loyalty.DefaultProgram()

	v.SetDefault("http.port", 8080)
	v.SetDefault("http.shutdown_timeout", 30*time.Second)
	v.SetDefault("http.allowed_origins", []string{"http://localhost:5173", "http://localhost:8080"})

	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.sqlite_path", "loyalty.db")
	v.SetDefault("store.postgres.dsn", "")
	v.SetDefault("store.postgres.max_open_conns", 25)
	v.SetDefault("store.postgres.max_idle_conns", 5)
	v.SetDefault("store.postgres.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 5*time.Minute)

	v.SetDefault("auth.jwt_secret", "")

	v.SetDefault("program.referral_bonus_points", p.ReferralBonusPoints)
	v.SetDefault("program.welcome_voucher_points", p.WelcomeVoucherPoints)
	v.SetDefault("program.cash_value_per_point", p.CashValuePerPoint.String())
	v.SetDefault("program.default_history_limit", p.DefaultHistoryLimit)
	v.SetDefault("program.max_history_limit", p.MaxHistoryLimit)
	v.SetDefault("program.code_attempts", p.CodeAttempts)

	v.SetDefault("scheduler.tier_refresh_interval", time.Hour)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads the configuration. path may be empty.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings the services cannot start with.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory, DriverSQLite:
	case DriverPostgres:
		if c.Store.Postgres.DSN == "" {
			return errors.New("config: store.postgres.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if _, err := c.LoyaltyProgram(); err != nil {
		return err
	}
	if c.Program.DefaultHistoryLimit > c.Program.MaxHistoryLimit {
		return errors.New("config: program.default_history_limit exceeds program.max_history_limit")
	}
	return nil
}

// LoyaltyProgram converts the program section into engine settings.
func (c Config) LoyaltyProgram() (loyalty.Program, error) {
	cash, err := decimal.NewFromString(c.Program.CashValuePerPoint)
	if err != nil {
		return loyalty.Program{}, fmt.Errorf("config: program.cash_value_per_point: %w", err)
	}
	if cash.IsNegative() {
		return loyalty.Program{}, errors.New("config: program.cash_value_per_point must not be negative")
	}
	return loyalty.Program{
		ReferralBonusPoints:  c.Program.ReferralBonusPoints,
		WelcomeVoucherPoints: c.Program.WelcomeVoucherPoints,
		CashValuePerPoint:    cash,
		DefaultHistoryLimit:  c.Program.DefaultHistoryLimit,
		MaxHistoryLimit:      c.Program.MaxHistoryLimit,
		CodeAttempts:         c.Program.CodeAttempts,
	}, nil
}

// NewLogger builds the process logger.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
