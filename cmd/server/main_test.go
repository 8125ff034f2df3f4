package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/affiliate-ledger/config"
	"github.com/warp/affiliate-ledger/fraud"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer

	logger := newLogger(config.Log{Level: "warn", Format: "json"}, &buf)
	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"message":"shown"`)
	assert.Contains(t, buf.String(), `"service":"affiliate-ledger"`)
}

func TestNewLogger_BadLevelFallsBackToInfo(t *testing.T) {
	logger := newLogger(config.Log{Level: "loud", Format: "json"}, &bytes.Buffer{})

	assert.Equal(t, zerolog.InfoLevel, logger.GetLevel())
}

func TestOpenStore_SQLite(t *testing.T) {
	cfg := config.Default().Database
	cfg.DSN = ":memory:"

	store, err := openStore(context.Background(), cfg)

	require.NoError(t, err)
	require.NoError(t, store.Close())
}

func TestNewOracle(t *testing.T) {
	// GIVEN: no fraud service configured
	oracle, closeFn, err := newOracle(config.Fraud{})
	require.NoError(t, err)
	closeFn()
	assert.IsType(t, fraud.Passthrough{}, oracle)

	// GIVEN: HTTP service only
	oracle, closeFn, err = newOracle(config.Fraud{URL: "http://fraud.internal"})
	require.NoError(t, err)
	closeFn()
	assert.IsType(t, &fraud.HTTPOracle{}, oracle)

	// GIVEN: redis for duplicate customers (client is lazy, nothing dials here)
	oracle, closeFn, err = newOracle(config.Fraud{RedisURL: "redis://localhost:6379/0", CustomerTTL: 1})
	require.NoError(t, err)
	closeFn()
	composite, ok := oracle.(fraud.Composite)
	require.True(t, ok)
	assert.IsType(t, fraud.Passthrough{}, composite.Signals)
}
