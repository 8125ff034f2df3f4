/*
sweeper.go - Periodic release sweep

PURPOSE:
  Per-attribution triggering misses affiliates whose pending sum crossed
  the threshold some other way (threshold lowered, vendor link added
  later, a trigger that failed after commit). The sweeper re-runs
  Engine.Sweep on an interval to pick those up.

DESIGN:
  - Background goroutine driven by a ticker
  - Runs once immediately on Start
  - Stop cancels an in-flight sweep and waits for it

USAGE:
  sweeper := release.NewSweeper(engine, 10*time.Minute, logger)
  sweeper.Start()
  defer sweeper.Stop()
*/
package release

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/warp/affiliate-ledger/ledger"
)

// Sweeper runs Engine.Sweep periodically.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	logger   zerolog.Logger

	mu     sync.Mutex
	ticker *time.Ticker
	cancel context.CancelFunc
	wg     sync.WaitGroup
	last   SweepResult
	runs   int
}

// NewSweeper creates a sweeper. An interval <= 0 disables it.
func NewSweeper(engine *Engine, interval time.Duration, logger zerolog.Logger) *Sweeper {
	return &Sweeper{
		engine:   engine,
		interval: interval,
		logger:   logger.With().Str("component", "release-sweeper").Logger(),
	}
}

// Start begins sweeping.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.interval <= 0 {
		s.logger.Info().Msg("sweeper disabled")
		return
	}
	if s.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.ticker = time.NewTicker(s.interval)
	s.wg.Add(1)
	go s.run(ctx, s.ticker)

	s.logger.Info().Dur("interval", s.interval).Msg("sweeper started")
}

// Stop stops the sweeper and waits for an in-flight sweep to return.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	ticker, cancel := s.ticker, s.cancel
	s.ticker, s.cancel = nil, nil
	s.mu.Unlock()

	if ticker == nil {
		return
	}
	// RunNow takes s.mu, so wait without holding it.
	ticker.Stop()
	cancel()
	s.wg.Wait()
	s.logger.Info().Msg("sweeper stopped")
}

func (s *Sweeper) run(ctx context.Context, ticker *time.Ticker) {
	defer s.wg.Done()

	s.RunNow(ctx)
	for {
		select {
		case <-ticker.C:
			s.RunNow(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// RunNow performs one sweep synchronously.
func (s *Sweeper) RunNow(ctx context.Context) SweepResult {
	res, err := s.engine.Sweep(ctx)
	if err != nil && ctx.Err() == nil {
		s.logger.Error().Err(err).Msg("sweep failed")
	}
	if res.Released > 0 || res.Failed > 0 {
		s.logger.Info().
			Int("evaluated", res.Evaluated).
			Int("released", res.Released).
			Int("failed", res.Failed).
			Str("amount", res.Value.StringFixed(ledger.MoneyPlaces)).
			Msg("sweep completed")
	}

	s.mu.Lock()
	s.last = res
	s.runs++
	s.mu.Unlock()
	return res
}

// Last returns the result of the most recent sweep and the number of runs.
func (s *Sweeper) Last() (SweepResult, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.runs
}
