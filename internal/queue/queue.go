package queue

import (
	"errors"
	"sync/atomic"

	"github.com/rs/zerolog"

	"api-governance-agent/internal/event"
	"api-governance-agent/internal/observability"
)

const DefaultSize = 1000

// ErrQueueFull is returned by Enqueue when the queue is at capacity.
var ErrQueueFull = errors.New("event queue full")

// Queue is a bounded FIFO of accepted events. Enqueue never blocks.
type Queue struct {
	ch      chan *event.Event
	dropped atomic.Uint64
	log     zerolog.Logger
}

func New(size int, log zerolog.Logger) *Queue {
	if size <= 0 {
		size = DefaultSize
	}
	return &Queue{
		ch:  make(chan *event.Event, size),
		log: log.With().Str("component", "queue").Logger(),
	}
}

// Enqueue adds ev at the tail, or drops it and returns ErrQueueFull.
func (q *Queue) Enqueue(ev *event.Event) error {
	if ev == nil {
		return nil
	}
	select {
	case q.ch <- ev:
		observability.EventsEnqueued.Inc()
		observability.QueueDepth.Set(float64(len(q.ch)))
		return nil
	default:
		total := q.dropped.Add(1)
		observability.EventsDropped.WithLabelValues("queue_full").Inc()
		q.log.Warn().
			Int("capacity", cap(q.ch)).
			Uint64("dropped_total", total).
			Str("uri", ev.Request.URI).
			Msg("event queue full, dropping event")
		return ErrQueueFull
	}
}

// DequeueBatch removes up to max events from the head without blocking.
func (q *Queue) DequeueBatch(max int) []*event.Event {
	if max <= 0 {
		return nil
	}
	var batch []*event.Event
	for len(batch) < max {
		select {
		case ev := <-q.ch:
			batch = append(batch, ev)
		default:
			observability.QueueDepth.Set(float64(len(q.ch)))
			return batch
		}
	}
	observability.QueueDepth.Set(float64(len(q.ch)))
	return batch
}

func (q *Queue) Len() int { return len(q.ch) }

func (q *Queue) Cap() int { return cap(q.ch) }

// Dropped returns the number of events rejected for lack of capacity.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }
