package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"api-governance-agent/internal/observability"
)

const DefaultStallThreshold = 60 * time.Second

// Options tunes the supervised worker.
type Options struct {
	BatchSize      int
	BatchMaxTime   time.Duration
	StallThreshold time.Duration
}

// Supervisor owns the single batch worker. A worker is replaced only when
// its heartbeat is older than the stall threshold or its loop has exited.
type Supervisor struct {
	queue     *Queue
	submitter Submitter
	observer  ETagObserver
	opts      Options
	now       func() time.Time
	log       zerolog.Logger

	mu     sync.Mutex
	worker *Worker
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

func NewSupervisor(q *Queue, s Submitter, o ETagObserver, opts Options, log zerolog.Logger) *Supervisor {
	if opts.StallThreshold <= 0 {
		opts.StallThreshold = DefaultStallThreshold
	}
	return &Supervisor{
		queue:     q,
		submitter: s,
		observer:  o,
		opts:      opts,
		now:       time.Now,
		log:       log.With().Str("component", "supervisor").Logger(),
	}
}

// Start spawns the worker if none is running.
func (s *Supervisor) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.worker != nil {
		return
	}
	s.spawnLocked()
}

func (s *Supervisor) spawnLocked() {
	w := NewWorker(s.queue, s.submitter, s.observer, s.opts.BatchSize, s.opts.BatchMaxTime, s.log)
	w.now = s.now
	w.beat()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	s.worker, s.cancel, s.done = w, cancel, done
}

// EnsureAlive restarts a stalled or exited worker and reports whether it
// did. It does nothing before Start.
func (s *Supervisor) EnsureAlive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.worker == nil {
		return false
	}

	exited := false
	select {
	case <-s.done:
		exited = true
	default:
	}
	idle := s.now().Sub(s.worker.LastBeat())
	if !exited && idle <= s.opts.StallThreshold {
		return false
	}

	s.log.Warn().Dur("idle", idle).Bool("exited", exited).Msg("batch worker unresponsive, restarting")
	s.cancel()
	s.spawnLocked()
	observability.WorkerRestarts.Inc()
	return true
}

// Close stops the worker and flushes what is left in the queue until it is
// empty or ctx expires. Events still queued after that are lost.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	w, cancel, done := s.worker, s.cancel, s.done
	s.mu.Unlock()

	if w != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
		}
	} else {
		w = NewWorker(s.queue, s.submitter, s.observer, s.opts.BatchSize, s.opts.BatchMaxTime, s.log)
	}

	flushed := w.Flush(ctx)
	remaining := s.queue.Len()
	s.log.Info().Int("flushed", flushed).Int("remaining", remaining).Msg("event queue closed")
	if remaining > 0 {
		observability.EventsDropped.WithLabelValues("shutdown").Add(float64(remaining))
		return ctx.Err()
	}
	return nil
}
