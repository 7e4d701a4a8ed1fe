/*
scheduler.go - Background points expiry sweep

PURPOSE:
  Periodically appends the expired compensations that are due across
  every user with a ledger, so balances shrink on schedule even for
  customers who never open their loyalty page. Reads sweep lazily too;
  this keeps the ledger current for reports and the expiry total.

DESIGN:
  - Runs a background goroutine with a configurable interval
  - Sweeps once on start, then on every tick
  - Users come from the store's ledger.UserLister
  - A failing user is logged and skipped; the rest still sweep

CONFIGURATION:
  - Interval: How often to sweep (default: 2 minutes, EXPIRY_SWEEP_INTERVAL)
  - Enabled:  Whether the scheduler is active (default: true)

USAGE:
  scheduler := NewExpiryScheduler(program, store)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: POST /api/admin/expire (manual sweep)
  - loyalty/expiry.go: ExpireOldPoints, ExpireAll
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/prayan/loyalty-engine/ledger"
	"github.com/prayan/loyalty-engine/loyalty"
)

const DefaultSweepInterval = 2 * time.Minute

// ExpiryScheduler sweeps due point expirations in the background.
type ExpiryScheduler struct {
	Program  *loyalty.Program
	Users    ledger.UserLister
	Interval time.Duration
	Enabled  bool

	ticker  *time.Ticker
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	lastRun *loyalty.SweepReport
	lastAt  time.Time
}

// NewExpiryScheduler creates a scheduler over the users users lists.
func NewExpiryScheduler(program *loyalty.Program, users ledger.UserLister) *ExpiryScheduler {
	return &ExpiryScheduler{
		Program:  program,
		Users:    users,
		Interval: DefaultSweepInterval,
		Enabled:  true,
	}
}

// Start begins the scheduler.
func (s *ExpiryScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		log.Info().Msg("expiry scheduler disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}
	if s.Interval <= 0 {
		s.Interval = DefaultSweepInterval
	}

	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run(s.ticker, s.stop)

	log.Info().Dur("interval", s.Interval).Msg("expiry scheduler started")
}

// Stop stops the scheduler and waits for a running sweep to finish.
func (s *ExpiryScheduler) Stop() {
	s.mu.Lock()
	if s.ticker == nil {
		s.mu.Unlock()
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.ticker = nil
	s.mu.Unlock()

	s.wg.Wait()
	log.Info().Msg("expiry scheduler stopped")
}

func (s *ExpiryScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer s.wg.Done()

	// Run immediately on start
	s.RunNow(context.Background())

	for {
		select {
		case <-ticker.C:
			s.RunNow(context.Background())
		case <-stop:
			return
		}
	}
}

// RunNow sweeps every user immediately (for testing/admin).
func (s *ExpiryScheduler) RunNow(ctx context.Context) loyalty.SweepReport {
	users, err := s.Users.Users(ctx)
	if err != nil {
		log.Error().Err(err).Msg("expiry sweep: failed to list users")
		return loyalty.SweepReport{}
	}

	report := s.Program.ExpireAll(ctx, users)
	for userID, ferr := range report.Failed {
		log.Error().Err(ferr).Str("user_id", string(userID)).Msg("expiry sweep failed for user")
	}
	if report.Expired > 0 || len(report.Failed) > 0 {
		log.Info().
			Int("users", report.Users).
			Int64("expired_points", report.Expired).
			Int("failed", len(report.Failed)).
			Msg("expiry sweep completed")
	}

	s.mu.Lock()
	s.lastRun = &report
	s.lastAt = time.Now()
	s.mu.Unlock()
	return report
}

// LastRun returns the most recent sweep report and when it finished.
func (s *ExpiryScheduler) LastRun() (*loyalty.SweepReport, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.lastAt
}
