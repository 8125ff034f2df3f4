/*
Package effects runs best-effort side effects after a ledger commit.

PURPOSE:
  Phase 1 of every ledger operation is its database transaction. Phase 2
  is whatever should happen afterwards (notifications, sale-time click
  validation, revalidation after a status change). Phase 2 must never
  block or undo phase 1, so it is handed to a Dispatcher over a bounded
  channel and executed by a worker pool.

DESIGN:
  - Submit never blocks; a full queue drops the effect and counts it
  - Each attempt gets its own timeout; failures retry with linear backoff
  - Panics in an effect are recovered and counted as failures
  - Flush waits for everything submitted so far (tests, shutdown)
  - Stop drains the queue, then abandons retries when ctx expires

METRICS:
  affiliate_ledger_effects_total{effect, outcome}
      outcome: succeeded | failed | retried | dropped
  affiliate_ledger_effect_duration_seconds{effect}
  affiliate_ledger_effects_queue_depth

USAGE:
  d := effects.NewDispatcher(effects.DefaultConfig(), logger, registry)
  d.Start()
  defer d.Stop(ctx)
  d.Submit("notify.attribution.created", func(ctx context.Context) error { ... })
*/
package effects

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

const (
	OutcomeSucceeded = "succeeded"
	OutcomeFailed    = "failed"
	OutcomeRetried   = "retried"
	OutcomeDropped   = "dropped"
)

// Config sizes the dispatcher.
type Config struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	Backoff     time.Duration
	Timeout     time.Duration // per attempt
}

func DefaultConfig() Config {
	return Config{
		Workers:     4,
		QueueSize:   1024,
		MaxAttempts: 3,
		Backoff:     200 * time.Millisecond,
		Timeout:     10 * time.Second,
	}
}

type job struct {
	name string
	fn   func(ctx context.Context) error
}

// Dispatcher is a bounded worker pool for post-commit effects.
type Dispatcher struct {
	cfg     Config
	logger  zerolog.Logger
	queue   chan job
	quit    chan struct{}
	workers sync.WaitGroup
	pending sync.WaitGroup

	mu      sync.RWMutex
	started bool
	closed  bool

	outcomes *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewDispatcher creates a dispatcher. Metrics are registered on reg when it is not nil.
func NewDispatcher(cfg Config, logger zerolog.Logger, reg prometheus.Registerer) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	d := &Dispatcher{
		cfg:    cfg,
		logger: logger.With().Str("component", "effects").Logger(),
		queue:  make(chan job, cfg.QueueSize),
		quit:   make(chan struct{}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "affiliate_ledger_effects_total",
			Help: "Post-commit side effects by outcome.",
		}, []string{"effect", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "affiliate_ledger_effect_duration_seconds",
			Help:    "Duration of a single side effect attempt.",
			Buckets: prometheus.DefBuckets,
		}, []string{"effect"}),
	}
	if reg != nil {
		depth := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "affiliate_ledger_effects_queue_depth",
			Help: "Side effects waiting for a worker.",
		}, func() float64 { return float64(len(d.queue)) })
		reg.MustRegister(d.outcomes, d.duration, depth)
	}
	return d
}

// Start launches the workers.
func (d *Dispatcher) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	for i := 0; i < d.cfg.Workers; i++ {
		d.workers.Add(1)
		go d.work()
	}
	d.logger.Info().Int("workers", d.cfg.Workers).Int("queue", d.cfg.QueueSize).Msg("dispatcher started")
}

// Submit enqueues an effect. It returns false when the effect was dropped.
func (d *Dispatcher) Submit(name string, fn func(ctx context.Context) error) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.drop(name, "dispatcher stopped")
		return false
	}
	d.pending.Add(1)
	select {
	case d.queue <- job{name: name, fn: fn}:
		return true
	default:
		d.pending.Done()
		d.drop(name, "queue full")
		return false
	}
}

func (d *Dispatcher) drop(name, reason string) {
	d.outcomes.WithLabelValues(name, OutcomeDropped).Inc()
	d.logger.Warn().Str("effect", name).Str("reason", reason).Msg("effect dropped")
}

// Flush blocks until every effect submitted so far has finished.
func (d *Dispatcher) Flush() {
	d.pending.Wait()
}

// Stop refuses new effects, drains the queue and waits for the workers.
// When ctx expires first, pending retries are abandoned and ctx.Err() is returned.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	started := d.started
	d.mu.Unlock()

	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		d.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info().Msg("dispatcher stopped")
		return nil
	case <-ctx.Done():
		close(d.quit)
		<-done
		return ctx.Err()
	}
}

func (d *Dispatcher) work() {
	defer d.workers.Done()
	for j := range d.queue {
		d.run(j)
		d.pending.Done()
	}
}

func (d *Dispatcher) run(j job) {
	log := d.logger.With().Str("effect", j.name).Logger()

	for attempt := 1; ; attempt++ {
		err := d.attempt(j)
		if err == nil {
			d.outcomes.WithLabelValues(j.name, OutcomeSucceeded).Inc()
			return
		}

		if attempt >= d.cfg.MaxAttempts {
			d.outcomes.WithLabelValues(j.name, OutcomeFailed).Inc()
			log.Warn().Err(err).Int("attempt", attempt).Msg("effect failed")
			return
		}

		d.outcomes.WithLabelValues(j.name, OutcomeRetried).Inc()
		log.Debug().Err(err).Int("attempt", attempt).Msg("effect retrying")

		select {
		case <-time.After(d.cfg.Backoff * time.Duration(attempt)):
		case <-d.quit:
			d.outcomes.WithLabelValues(j.name, OutcomeFailed).Inc()
			log.Warn().Err(err).Int("attempt", attempt).Msg("effect abandoned on shutdown")
			return
		}
	}
}

func (d *Dispatcher) attempt(j job) (err error) {
	ctx := context.Background()
	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}

	timer := prometheus.NewTimer(d.duration.WithLabelValues(j.name))
	defer timer.ObserveDuration()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("effect panicked: %v", r)
		}
	}()
	return j.fn(ctx)
}

// =============================================================================
// INLINE
// =============================================================================

// Inline runs effects synchronously on the caller's goroutine. Errors are
// logged and swallowed, same as the Dispatcher.
type Inline struct {
	Logger zerolog.Logger
}

func (i Inline) Submit(name string, fn func(ctx context.Context) error) bool {
	if err := fn(context.Background()); err != nil {
		i.Logger.Warn().Err(err).Str("effect", name).Msg("effect failed")
	}
	return true
}
