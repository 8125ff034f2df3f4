/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the affiliate ledger server. Loads configuration,
  wires every component, and handles graceful shutdown.

STARTUP SEQUENCE:
  1. Load config (defaults -> YAML file -> LEDGER_* env)
  2. Configure zerolog
  3. Open the store (sqlite, postgres or mysql)
  4. Start the side-effect dispatcher (prometheus metrics)
  5. Build the notification sink (log or kafka) and the fraud oracle
  6. Build click ledger, release engine, attribution service, stats
  7. Start the release sweeper and the HTTP server

COMMAND-LINE FLAGS:
  -config  Path to a YAML config file (optional)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections, drain active requests
  2. Stop the release sweeper
  3. Drain queued side effects
  4. Close kafka writer, redis client and database

EXAMPLES:
  # Local run on SQLite
  ./server

  # PostgreSQL with Kafka notifications
  LEDGER_DB_DRIVER=postgres LEDGER_DB_DSN=postgres://ledger@db/ledger \
  LEDGER_NOTIFY_SINK=kafka LEDGER_KAFKA_BROKERS=kafka:9092 ./server

SEE ALSO:
  - config/config.go: Keys and environment variables
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/warp/affiliate-ledger/api"
	"github.com/warp/affiliate-ledger/attribution"
	"github.com/warp/affiliate-ledger/clicks"
	"github.com/warp/affiliate-ledger/config"
	"github.com/warp/affiliate-ledger/effects"
	"github.com/warp/affiliate-ledger/fraud"
	"github.com/warp/affiliate-ledger/ledger"
	"github.com/warp/affiliate-ledger/notify"
	"github.com/warp/affiliate-ledger/release"
	"github.com/warp/affiliate-ledger/stats"
	"github.com/warp/affiliate-ledger/store/sqldb"
	"github.com/warp/affiliate-ledger/store/sqlite"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.Log, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server failed")
	}
	logger.Info().Msg("server stopped")
}

func newLogger(cfg config.Log, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "affiliate-ledger").Logger()
}

type closableStore interface {
	ledger.Store
	Close() error
}

func openStore(ctx context.Context, cfg config.Database) (closableStore, error) {
	if cfg.Driver == "sqlite" {
		return sqlite.New(cfg.DSN, sqlite.WithTxTimeout(cfg.TxTimeout))
	}
	return sqldb.Open(ctx, cfg.Driver, cfg.DSN, sqldb.Options{
		MaxOpenConns: cfg.MaxOpenConns,
		TxTimeout:    cfg.TxTimeout,
	})
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	// Store
	store, err := openStore(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Database.Driver, err)
	}
	defer store.Close()

	// Metrics and side effects
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	dispatcher := effects.NewDispatcher(cfg.EffectsConfig(), logger, registry)
	dispatcher.Start()

	// Notifications
	var sink notify.Sink = notify.LogSink{Logger: logger.With().Str("component", "notify").Logger()}
	if cfg.Notify.Sink == "kafka" {
		kafkaSink := notify.NewKafkaSink(notify.NewKafkaWriter(cfg.Notify.Brokers, cfg.Notify.Topic))
		defer kafkaSink.Close()
		sink = kafkaSink
	}
	sink = notify.Async{Effects: dispatcher, Sink: sink}

	// Fraud oracle
	oracle, closeOracle, err := newOracle(cfg.Fraud)
	if err != nil {
		return err
	}
	defer closeOracle()

	// Ledger services
	clickLedger := clicks.New(store, store, oracle, logger, clicks.WithConfig(cfg.Clicks()), clicks.WithSink(sink))
	engine := release.NewEngine(store, logger, release.WithThreshold(cfg.Ledger.ReleaseThreshold), release.WithSink(sink))
	service := attribution.New(store, clickLedger, engine, logger,
		attribution.WithEffects(dispatcher),
		attribution.WithSink(sink),
		attribution.WithLinkBaseURL(cfg.Server.LinkBaseURL),
	)
	reports := stats.New(store, clickLedger.Config(), func() time.Time { return time.Now().UTC() })

	sweeper := release.NewSweeper(engine, cfg.Ledger.SweepInterval, logger)
	sweeper.Start()

	// HTTP
	handler := api.NewHandler(api.Deps{
		Store:       store,
		Clicks:      clickLedger,
		Attribution: service,
		Releases:    engine,
		Stats:       reports,
		Oracle:      oracle,
		Metrics:     registry,
		LinkBaseURL: cfg.Server.LinkBaseURL,
		Logger:      logger,
	})
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(handler, api.RouterOptions{}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Int("port", cfg.Server.Port).Str("driver", cfg.Database.Driver).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		err := server.Shutdown(shutdownCtx)
		sweeper.Stop()
		if derr := dispatcher.Stop(shutdownCtx); derr != nil {
			logger.Warn().Err(derr).Msg("side effects not drained")
		}
		return err
	})
	return g.Wait()
}

// newOracle picks the HTTP oracle when a fraud URL is configured and
// backs duplicate-customer checks with redis when a redis URL is set.
func newOracle(cfg config.Fraud) (fraud.Oracle, func(), error) {
	var signals fraud.Oracle = fraud.Passthrough{}
	if cfg.URL != "" {
		signals = fraud.NewHTTPOracle(cfg.URL, cfg.Timeout)
	}
	if cfg.RedisURL == "" {
		return signals, func() {}, nil
	}

	client, err := fraud.Connect(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	guard := fraud.NewRedisCustomerGuard(client, cfg.CustomerTTL)
	return fraud.Composite{Signals: signals, Customers: guard}, func() { client.Close() }, nil
}
