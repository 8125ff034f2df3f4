/*
Package config loads the server configuration.

RESOLUTION ORDER:
  1. Defaults (Default)
  2. YAML file, when a path is given
  3. LEDGER_* environment variables

  Load always ends with Validate.

ENVIRONMENT:
  LEDGER_PORT, LEDGER_LINK_BASE_URL
  LEDGER_DB_DRIVER, LEDGER_DB_DSN, LEDGER_DB_MAX_OPEN_CONNS, LEDGER_DB_TX_TIMEOUT
  LEDGER_RELEASE_THRESHOLD, LEDGER_SWEEP_INTERVAL
  LEDGER_EFFECT_WORKERS, LEDGER_EFFECT_QUEUE_SIZE
  LEDGER_NOTIFY_SINK, LEDGER_KAFKA_BROKERS (comma separated), LEDGER_KAFKA_TOPIC
  LEDGER_FRAUD_URL, LEDGER_FRAUD_TIMEOUT, LEDGER_REDIS_URL, LEDGER_CUSTOMER_TTL
  LEDGER_LOG_LEVEL, LEDGER_LOG_FORMAT
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/affiliate-ledger/clicks"
	"github.com/warp/affiliate-ledger/effects"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   Server   `yaml:"server"`
	Database Database `yaml:"database"`
	Ledger   Ledger   `yaml:"ledger"`
	Effects  Effects  `yaml:"effects"`
	Notify   Notify   `yaml:"notify"`
	Fraud    Fraud    `yaml:"fraud"`
	Log      Log      `yaml:"log"`
}

type Server struct {
	Port            int           `yaml:"port"`
	LinkBaseURL     string        `yaml:"link_base_url"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type Database struct {
	Driver       string        `yaml:"driver"` // sqlite, postgres or mysql
	DSN          string        `yaml:"dsn"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	TxTimeout    time.Duration `yaml:"tx_timeout"`
}

type Ledger struct {
	BatchSize           int             `yaml:"batch_size"`
	CreditPerBatch      decimal.Decimal `yaml:"credit_per_batch"`
	QualifyingSaleValue decimal.Decimal `yaml:"qualifying_sale_value"`
	MinQualifyingSales  int             `yaml:"min_qualifying_sales"`
	DuplicateWindow     time.Duration   `yaml:"duplicate_click_window"`
	ReleaseThreshold    decimal.Decimal `yaml:"release_threshold"`
	// SweepInterval 0 disables the periodic release sweep.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type Effects struct {
	Workers     int           `yaml:"workers"`
	QueueSize   int           `yaml:"queue_size"`
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
	Timeout     time.Duration `yaml:"timeout"`
}

type Notify struct {
	Sink    string   `yaml:"sink"` // log or kafka
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type Fraud struct {
	// URL of the fraud service; empty uses the local pass-through oracle.
	URL         string        `yaml:"url"`
	Timeout     time.Duration `yaml:"timeout"`
	RedisURL    string        `yaml:"redis_url"`
	CustomerTTL time.Duration `yaml:"customer_ttl"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

// Default returns the built-in configuration.
func Default() Config {
	cl := clicks.DefaultConfig()
	ef := effects.DefaultConfig()
	return Config{
		Server: Server{
			Port:            8080,
			LinkBaseURL:     "http://localhost:8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Database: Database{
			Driver:       "sqlite",
			DSN:          "affiliate-ledger.db",
			MaxOpenConns: 10,
			TxTimeout:    5 * time.Second,
		},
		Ledger: Ledger{
			BatchSize:           cl.BatchSize,
			CreditPerBatch:      cl.CreditPerBatch,
			QualifyingSaleValue: cl.QualifyingSaleValue,
			MinQualifyingSales:  cl.MinQualifyingSales,
			DuplicateWindow:     cl.DuplicateWindow,
			ReleaseThreshold:    decimal.NewFromInt(50),
			SweepInterval:       10 * time.Minute,
		},
		Effects: Effects{
			Workers:     ef.Workers,
			QueueSize:   ef.QueueSize,
			MaxAttempts: ef.MaxAttempts,
			Backoff:     ef.Backoff,
			Timeout:     ef.Timeout,
		},
		Notify: Notify{
			Sink:  "log",
			Topic: "affiliate-events",
		},
		Fraud: Fraud{
			Timeout:     2 * time.Second,
			CustomerTTL: 30 * 24 * time.Hour,
		},
		Log: Log{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load resolves the configuration. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// =============================================================================
// ENVIRONMENT
// =============================================================================

func applyEnv(cfg *Config) error {
	var errs []error
	envInt(&errs, "LEDGER_PORT", &cfg.Server.Port)
	envString("LEDGER_LINK_BASE_URL", &cfg.Server.LinkBaseURL)

	envString("LEDGER_DB_DRIVER", &cfg.Database.Driver)
	envString("LEDGER_DB_DSN", &cfg.Database.DSN)
	envInt(&errs, "LEDGER_DB_MAX_OPEN_CONNS", &cfg.Database.MaxOpenConns)
	envDuration(&errs, "LEDGER_DB_TX_TIMEOUT", &cfg.Database.TxTimeout)

	envDecimal(&errs, "LEDGER_RELEASE_THRESHOLD", &cfg.Ledger.ReleaseThreshold)
	envDuration(&errs, "LEDGER_SWEEP_INTERVAL", &cfg.Ledger.SweepInterval)

	envInt(&errs, "LEDGER_EFFECT_WORKERS", &cfg.Effects.Workers)
	envInt(&errs, "LEDGER_EFFECT_QUEUE_SIZE", &cfg.Effects.QueueSize)

	envString("LEDGER_NOTIFY_SINK", &cfg.Notify.Sink)
	if raw := os.Getenv("LEDGER_KAFKA_BROKERS"); raw != "" {
		cfg.Notify.Brokers = splitList(raw)
	}
	envString("LEDGER_KAFKA_TOPIC", &cfg.Notify.Topic)

	envString("LEDGER_FRAUD_URL", &cfg.Fraud.URL)
	envDuration(&errs, "LEDGER_FRAUD_TIMEOUT", &cfg.Fraud.Timeout)
	envString("LEDGER_REDIS_URL", &cfg.Fraud.RedisURL)
	envDuration(&errs, "LEDGER_CUSTOMER_TTL", &cfg.Fraud.CustomerTTL)

	envString("LEDGER_LOG_LEVEL", &cfg.Log.Level)
	envString("LEDGER_LOG_FORMAT", &cfg.Log.Format)
	return errors.Join(errs...)
}

func envString(name string, dst *string) {
	if raw := os.Getenv(name); raw != "" {
		*dst = raw
	}
}

func envInt(errs *[]error, name string, dst *int) {
	raw := os.Getenv(name)
	if raw == "" {
		return
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", name, err))
		return
	}
	*dst = v
}

func envDuration(errs *[]error, name string, dst *time.Duration) {
	raw := os.Getenv(name)
	if raw == "" {
		return
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", name, err))
		return
	}
	*dst = v
}

func envDecimal(errs *[]error, name string, dst *decimal.Decimal) {
	raw := os.Getenv(name)
	if raw == "" {
		return
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", name, err))
		return
	}
	*dst = v
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port > 0 && c.Server.Port < 65536, "server.port %d out of range", c.Server.Port)
	check(c.Server.ShutdownTimeout > 0, "server.shutdown_timeout must be positive")

	switch c.Database.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		errs = append(errs, fmt.Errorf("database.driver %q: want sqlite, postgres or mysql", c.Database.Driver))
	}
	check(c.Database.DSN != "", "database.dsn is required")
	check(c.Database.MaxOpenConns > 0, "database.max_open_conns must be positive")
	check(c.Database.TxTimeout > 0, "database.tx_timeout must be positive")

	check(c.Ledger.BatchSize > 0, "ledger.batch_size must be positive")
	check(c.Ledger.CreditPerBatch.IsPositive(), "ledger.credit_per_batch must be positive")
	check(!c.Ledger.QualifyingSaleValue.IsNegative(), "ledger.qualifying_sale_value must not be negative")
	check(c.Ledger.MinQualifyingSales >= 0, "ledger.min_qualifying_sales must not be negative")
	check(c.Ledger.DuplicateWindow >= 0, "ledger.duplicate_click_window must not be negative")
	check(c.Ledger.ReleaseThreshold.IsPositive(), "ledger.release_threshold must be positive")
	check(c.Ledger.SweepInterval >= 0, "ledger.sweep_interval must not be negative")

	check(c.Effects.Workers > 0, "effects.workers must be positive")
	check(c.Effects.QueueSize > 0, "effects.queue_size must be positive")
	check(c.Effects.MaxAttempts > 0, "effects.max_attempts must be positive")

	switch c.Notify.Sink {
	case "log":
	case "kafka":
		check(len(c.Notify.Brokers) > 0, "notify.brokers is required for the kafka sink")
		check(c.Notify.Topic != "", "notify.topic is required for the kafka sink")
	default:
		errs = append(errs, fmt.Errorf("notify.sink %q: want log or kafka", c.Notify.Sink))
	}

	check(c.Fraud.Timeout > 0, "fraud.timeout must be positive")
	check(c.Fraud.RedisURL == "" || c.Fraud.CustomerTTL > 0, "fraud.customer_ttl must be positive with redis")

	switch c.Log.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want console or json", c.Log.Format))
	}

	return errors.Join(errs...)
}

// =============================================================================
// COMPONENT CONFIG
// =============================================================================

// Clicks returns the click ledger constants.
func (c Config) Clicks() clicks.Config {
	return clicks.Config{
		BatchSize:           c.Ledger.BatchSize,
		CreditPerBatch:      c.Ledger.CreditPerBatch,
		QualifyingSaleValue: c.Ledger.QualifyingSaleValue,
		MinQualifyingSales:  c.Ledger.MinQualifyingSales,
		DuplicateWindow:     c.Ledger.DuplicateWindow,
	}
}

// EffectsConfig returns the dispatcher settings.
func (c Config) EffectsConfig() effects.Config {
	return effects.Config{
		Workers:     c.Effects.Workers,
		QueueSize:   c.Effects.QueueSize,
		MaxAttempts: c.Effects.MaxAttempts,
		Backoff:     c.Effects.Backoff,
		Timeout:     c.Effects.Timeout,
	}
}
