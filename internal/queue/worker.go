package queue

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"api-governance-agent/internal/event"
	"api-governance-agent/internal/observability"
)

const (
	DefaultBatchSize    = 200
	DefaultBatchMaxTime = 2 * time.Second
)

// Submitter delivers a batch and returns the config ETag the collector reported.
type Submitter interface {
	SubmitBatch(ctx context.Context, events []*event.Event) (etag string, err error)
}

// ETagObserver is told about config ETags seen on batch submissions.
type ETagObserver interface {
	ObserveETag(etag string)
}

// Worker drains the queue in batches of at most batchSize events.
type Worker struct {
	queue     *Queue
	submitter Submitter
	observer  ETagObserver
	batchSize int
	interval  time.Duration
	heartbeat atomic.Int64
	now       func() time.Time
	log       zerolog.Logger
}

func NewWorker(q *Queue, s Submitter, o ETagObserver, batchSize int, interval time.Duration, log zerolog.Logger) *Worker {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if interval <= 0 {
		interval = DefaultBatchMaxTime
	}
	w := &Worker{
		queue:     q,
		submitter: s,
		observer:  o,
		batchSize: batchSize,
		interval:  interval,
		now:       time.Now,
		log:       log.With().Str("component", "batch_worker").Logger(),
	}
	w.beat()
	return w
}

// Run loops until ctx is cancelled: drain, then sleep the batch interval.
func (w *Worker) Run(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		w.iterate(ctx)
		timer.Reset(w.interval)
	}
}

func (w *Worker) iterate(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error().Str("panic", fmt.Sprint(r)).Msg("batch worker iteration panicked")
		}
	}()
	w.beat()
	w.Flush(ctx)
	w.beat()
}

// Flush submits batches until the queue is empty or ctx is done and
// returns the number of events handed to the submitter.
func (w *Worker) Flush(ctx context.Context) int {
	n := 0
	for ctx.Err() == nil {
		batch := w.queue.DequeueBatch(w.batchSize)
		if len(batch) == 0 {
			break
		}
		w.submit(ctx, batch)
		n += len(batch)
		w.beat()
	}
	return n
}

func (w *Worker) submit(ctx context.Context, batch []*event.Event) {
	observability.BatchSize.Observe(float64(len(batch)))
	etag, err := w.submitter.SubmitBatch(ctx, batch)
	if err != nil {
		observability.BatchesSubmitted.WithLabelValues("error").Inc()
		observability.EventsDropped.WithLabelValues("submit_failed").Add(float64(len(batch)))
		w.log.Error().Err(err).Int("events", len(batch)).Msg("batch submission failed, events dropped")
		return
	}
	observability.BatchesSubmitted.WithLabelValues("ok").Inc()
	w.log.Debug().Int("events", len(batch)).Str("etag", etag).Msg("batch submitted")
	if w.observer != nil {
		w.observer.ObserveETag(etag)
	}
}

func (w *Worker) beat() { w.heartbeat.Store(w.now().UnixNano()) }

// LastBeat is the last time the loop made progress.
func (w *Worker) LastBeat() time.Time { return time.Unix(0, w.heartbeat.Load()) }
