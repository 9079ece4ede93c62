/*
scheduler.go - Background tier refresh

PURPOSE:
  Tiers decay as the rolling 12-month window slides, even when a member
  has no new activity. Every mutation refreshes the tiers it touches; this
  scheduler catches the rest by periodically recomputing every member's
  cached tier from the ledger.

DESIGN:
  - Runs a background goroutine with a configurable check interval
  - Runs once immediately on start
  - One failing member does not stop the pass (see RefreshAllTiers)
  - Stop waits for an in-flight pass to finish

USAGE:
  scheduler := NewTierRefreshScheduler(engine, logger)
  scheduler.CheckInterval = time.Hour
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - loyalty/tier.go: RefreshAllTiers, RecomputeTier
*/
package api

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/warp/loyalty-ledger/loyalty"
)

// TierRefresher is the part of loyalty.Engine the scheduler drives.
type TierRefresher interface {
	RefreshAllTiers(ctx context.Context) (loyalty.RefreshResult, error)
}

// TierRefreshScheduler periodically recomputes every cached tier.
type TierRefreshScheduler struct {
	Refresher     TierRefresher
	CheckInterval time.Duration
	// RunTimeout bounds a single pass. Zero means no bound.
	RunTimeout time.Duration
	Enabled    bool

	logger *slog.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex

	lastMu  sync.Mutex
	last    loyalty.RefreshResult
	lastRun time.Time
}

// NewTierRefreshScheduler creates a new scheduler.
func NewTierRefreshScheduler(refresher TierRefresher, logger *slog.Logger) *TierRefreshScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TierRefreshScheduler{
		Refresher:     refresher,
		CheckInterval: 1 * time.Hour,
		RunTimeout:    10 * time.Minute,
		Enabled:       true,
		logger:        logger.With("component", "tier_scheduler"),
	}
}

// Start begins the scheduler.
func (s *TierRefreshScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled || s.CheckInterval <= 0 {
		s.logger.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	s.ticker = time.NewTicker(s.CheckInterval)
	s.stop = make(chan struct{})
	s.wg.Add(1)

	go s.run(s.ticker, s.stop)

	s.logger.Info("started", "interval", s.CheckInterval)
}

// Stop stops the scheduler.
func (s *TierRefreshScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker != nil {
		s.ticker.Stop()
		close(s.stop)
		s.wg.Wait()
		s.ticker = nil
		s.logger.Info("stopped")
	}
}

func (s *TierRefreshScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	// Run immediately on start
	s.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			s.RunOnce(ctx)
		case <-stop:
			return
		}
	}
}

// RunOnce performs a single refresh pass.
func (s *TierRefreshScheduler) RunOnce(ctx context.Context) loyalty.RefreshResult {
	if s.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.RunTimeout)
		defer cancel()
	}

	started := time.Now()
	result, err := s.Refresher.RefreshAllTiers(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "tier refresh aborted", "error", err, "checked", result.Checked)
	} else if result.Changed > 0 || result.Failed > 0 {
		s.logger.InfoContext(ctx, "tier refresh completed",
			"checked", result.Checked, "changed", result.Changed,
			"failed", result.Failed, "took", time.Since(started))
	}

	s.lastMu.Lock()
	s.last, s.lastRun = result, started
	s.lastMu.Unlock()
	return result
}

// LastRun returns the result and start time of the latest pass.
func (s *TierRefreshScheduler) LastRun() (loyalty.RefreshResult, time.Time) {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	return s.last, s.lastRun
}
