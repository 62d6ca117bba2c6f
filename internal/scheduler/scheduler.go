package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Housekeeper is the periodic maintenance the agent exposes.
type Housekeeper interface {
	EnsureWorker() bool
	RefreshIfStale(ctx context.Context)
}

// Scheduler runs the batch-worker watchdog and staleness-driven reloads on
// a cron schedule. A tick still running when the next one fires is skipped.
type Scheduler struct {
	target   Housekeeper
	schedule string
	cron     *cron.Cron
	stop     chan struct{}
	mu       sync.Mutex
	running  bool
	log      zerolog.Logger
}

func New(target Housekeeper, schedule string, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		target:   target,
		schedule: schedule,
		log:      log.With().Str("component", "scheduler").Logger(),
	}
}

// Start schedules housekeeping until ctx is done or Stop is called.
// Accepts standard cron expressions and descriptors such as "@every 30s".
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", s.schedule, err)
	}
	// a stopped cron keeps its entries, so every run gets a fresh one
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.schedule, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule housekeeping: %w", err)
	}
	c.Start()
	stop := make(chan struct{})
	s.cron, s.stop, s.running = c, stop, true
	s.log.Info().Str("schedule", s.schedule).Msg("housekeeping scheduler started")

	go func() {
		select {
		case <-ctx.Done():
			s.stopRun(stop)
		case <-stop:
		}
	}()
	return nil
}

// RunOnce performs a single housekeeping pass.
func (s *Scheduler) RunOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if s.target.EnsureWorker() {
		s.log.Warn().Msg("batch worker was restarted by the watchdog")
	}
	s.target.RefreshIfStale(ctx)
}

// Stop stops the scheduler and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	s.stopRun(nil)
}

// stopRun stops the current run, or only the run identified by stop when
// it is non-nil.
func (s *Scheduler) stopRun(stop chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || (stop != nil && stop != s.stop) {
		return
	}
	<-s.cron.Stop().Done()
	close(s.stop)
	s.running = false
	s.log.Info().Msg("housekeeping scheduler stopped")
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next scheduled pass, or nil when not started.
func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
