package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/affiliate-ledger/clicks"
	"github.com/warp/affiliate-ledger/config"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")

	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 5*time.Second, cfg.Database.TxTimeout)
	assert.Equal(t, "log", cfg.Notify.Sink)
	assert.Equal(t, "affiliate-events", cfg.Notify.Topic)
	assert.Equal(t, "50", cfg.Ledger.ReleaseThreshold.String())
	assert.Equal(t, clicks.DefaultConfig(), cfg.Clicks())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	// GIVEN
	path := writeFile(t, `
server:
  port: 9000
database:
  driver: postgres
  dsn: postgres://ledger@localhost/ledger
  tx_timeout: 2s
ledger:
  batch_size: 20
  credit_per_batch: "2.50"
  release_threshold: 75
  sweep_interval: 0s
notify:
  sink: kafka
  brokers: [kafka-1:9092, kafka-2:9092]
`)

	// WHEN
	cfg, err := config.Load(path)

	// THEN
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 2*time.Second, cfg.Database.TxTimeout)
	assert.Equal(t, 20, cfg.Ledger.BatchSize)
	assert.Equal(t, "2.5", cfg.Ledger.CreditPerBatch.String())
	assert.Equal(t, "75", cfg.Ledger.ReleaseThreshold.String())
	assert.Equal(t, time.Duration(0), cfg.Ledger.SweepInterval)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Notify.Brokers)

	// Untouched keys keep their defaults
	assert.Equal(t, 2, cfg.Ledger.MinQualifyingSales)
	assert.Equal(t, 60*time.Second, cfg.Ledger.DuplicateWindow)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "server:\n  port: 9000\n")
	t.Setenv("LEDGER_PORT", "9100")
	t.Setenv("LEDGER_DB_TX_TIMEOUT", "750ms")
	t.Setenv("LEDGER_RELEASE_THRESHOLD", "100.00")
	t.Setenv("LEDGER_NOTIFY_SINK", "kafka")
	t.Setenv("LEDGER_KAFKA_BROKERS", "a:9092, b:9092 ,")
	t.Setenv("LEDGER_LOG_FORMAT", "json")

	cfg, err := config.Load(path)

	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 750*time.Millisecond, cfg.Database.TxTimeout)
	assert.Equal(t, "100", cfg.Ledger.ReleaseThreshold.String())
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Notify.Brokers)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_BadEnvValue(t *testing.T) {
	t.Setenv("LEDGER_PORT", "eighty")

	_, err := config.Load("")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "LEDGER_PORT")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))

	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *config.Config)
		want   string
	}{
		{"unknown driver", func(c *config.Config) { c.Database.Driver = "oracle" }, "database.driver"},
		{"zero batch", func(c *config.Config) { c.Ledger.BatchSize = 0 }, "ledger.batch_size"},
		{"kafka without brokers", func(c *config.Config) { c.Notify.Sink = "kafka" }, "notify.brokers"},
		{"unknown sink", func(c *config.Config) { c.Notify.Sink = "smtp" }, "notify.sink"},
		{"negative sweep", func(c *config.Config) { c.Ledger.SweepInterval = -time.Second }, "ledger.sweep_interval"},
		{"redis without ttl", func(c *config.Config) {
			c.Fraud.RedisURL = "redis://localhost:6379"
			c.Fraud.CustomerTTL = 0
		}, "fraud.customer_ttl"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(&cfg)

			err := cfg.Validate()

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	assert.NoError(t, config.Default().Validate())
}

func TestComponentConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Effects.Workers = 8

	ef := cfg.EffectsConfig()

	assert.Equal(t, 8, ef.Workers)
	assert.Equal(t, cfg.Effects.QueueSize, ef.QueueSize)
}
