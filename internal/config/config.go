// Package config loads hedger settings from an optional YAML file, a .env
// file and environment overrides, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/atmx/hedge-engine/internal/hedge"
	"github.com/atmx/hedge-engine/internal/instrument"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// DefaultPath is used when neither an explicit path nor HEDGER_CONFIG is set.
const DefaultPath = "config.yaml"

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	NATS      NATSConfig      `yaml:"nats"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Hedge     HedgeConfig     `yaml:"hedge"`
	Jobs      JobsConfig      `yaml:"jobs"`
	Log       LogConfig       `yaml:"log"`
	Snowflake SnowflakeConfig `yaml:"snowflake"`
}

type ServerConfig struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig: an empty URL selects the in-memory store.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig: an empty URL disables the cache and the Redis publisher.
type RedisConfig struct {
	URL      string        `yaml:"url"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

type NATSConfig struct {
	URL string `yaml:"url"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type ExchangeConfig struct {
	Paper      bool          `yaml:"paper"`
	BridgeURL  string        `yaml:"bridge_url"`
	Instrument string        `yaml:"instrument"`
	Timeout    time.Duration `yaml:"timeout"`
	RetryCount int           `yaml:"retry_count"`
}

type HedgeConfig struct {
	hedge.Params   `yaml:",inline"`
	MaxLedgerLag   int64         `yaml:"max_ledger_lag"`
	DepositTimeout time.Duration `yaml:"deposit_timeout"`
}

type JobsConfig struct {
	PoolSize       int64         `yaml:"pool_size"`
	AdjustInterval time.Duration `yaml:"adjust_interval"`
	PollInterval   time.Duration `yaml:"poll_interval"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type SnowflakeConfig struct {
	Node int64 `yaml:"node"`
}

// Default returns a config that runs against the paper venue and the
// in-memory store.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", ShutdownTimeout: 10 * time.Second},
		Redis:  RedisConfig{CacheTTL: 30 * time.Second},
		Kafka:  KafkaConfig{Topic: "hedge.adjustments"},
		Exchange: ExchangeConfig{
			Paper:      true,
			Instrument: "BTC-USD-SWAP",
			Timeout:    5 * time.Second,
			RetryCount: 2,
		},
		Hedge: HedgeConfig{
			Params: hedge.Params{
				DeadbandCents:         5000,
				CloseThresholdCents:   10000,
				ContractNotionalCents: 10000,
			},
			MaxLedgerLag:   2,
			DepositTimeout: 10 * time.Minute,
		},
		Jobs: JobsConfig{
			PoolSize:       4,
			AdjustInterval: 5 * time.Second,
			PollInterval:   10 * time.Second,
		},
		Log: LogConfig{Level: "info", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 30},
	}
}

// Load builds the config. path overrides HEDGER_CONFIG; a missing file is
// only an error when the path was given explicitly.
func Load(path string) (*Config, error) {
	// .env is optional; real environment variables win over it.
	_ = godotenv.Load()

	required := path != ""
	if path == "" {
		path = os.Getenv("HEDGER_CONFIG")
		required = path != ""
	}
	if path == "" {
		path = DefaultPath
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !required:
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str("PORT", &c.Server.Port)
	str("DATABASE_URL", &c.Database.URL)
	str("REDIS_URL", &c.Redis.URL)
	str("NATS_URL", &c.NATS.URL)
	str("EXCHANGE_BRIDGE_URL", &c.Exchange.BridgeURL)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FILE", &c.Log.File)
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitList(v)
	}

	var errs []error
	parseInt := func(key string, dst *int64) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
	parseInt("HEDGE_DEADBAND_CENTS", &c.Hedge.DeadbandCents)
	parseInt("HEDGE_CLOSE_THRESHOLD_CENTS", &c.Hedge.CloseThresholdCents)
	parseInt("HEDGE_CONTRACT_NOTIONAL_CENTS", &c.Hedge.ContractNotionalCents)
	parseInt("HEDGE_MAX_LEDGER_LAG", &c.Hedge.MaxLedgerLag)
	parseInt("SNOWFLAKE_NODE", &c.Snowflake.Node)

	if v := os.Getenv("HEDGE_DEPOSIT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("HEDGE_DEPOSIT_TIMEOUT: %w", err))
		} else {
			c.Hedge.DepositTimeout = d
		}
	}
	if v := os.Getenv("EXCHANGE_PAPER"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("EXCHANGE_PAPER: %w", err))
		} else {
			c.Exchange.Paper = b
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	return nil
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.Server.Port == "" {
		fail("server.port is required")
	}
	if _, err := hedge.NewEngine(c.Hedge.Params); err != nil {
		fail("hedge: contract notional must be positive and thresholds non-negative (got %+v)", c.Hedge.Params)
	}
	if c.Hedge.MaxLedgerLag < 0 {
		fail("hedge.max_ledger_lag must be non-negative")
	}
	if c.Hedge.DepositTimeout <= 0 {
		fail("hedge.deposit_timeout must be positive")
	}
	if _, err := instrument.Parse(c.Exchange.Instrument); err != nil {
		fail("exchange.instrument %q: %v", c.Exchange.Instrument, err)
	}
	if !c.Exchange.Paper && c.Exchange.BridgeURL == "" {
		fail("exchange.bridge_url is required unless exchange.paper is set")
	}
	if c.Jobs.PoolSize < 1 {
		fail("jobs.pool_size must be at least 1")
	}
	if c.Jobs.AdjustInterval <= 0 || c.Jobs.PollInterval <= 0 {
		fail("jobs intervals must be positive")
	}
	if c.Snowflake.Node < 0 || c.Snowflake.Node > 1023 {
		fail("snowflake.node must be in [0, 1023]")
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		fail("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
