package queue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t atomic.Int64 }

func (c *clock) now() time.Time          { return time.Unix(0, c.t.Load()) }
func (c *clock) advance(d time.Duration) { c.t.Add(int64(d)) }

func newClock() *clock {
	c := &clock{}
	c.t.Store(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	return c
}

func TestSupervisor_RestartsOnlyStalledWorker(t *testing.T) {
	clk := newClock()
	sub := &MockSubmitter{block: make(chan struct{})}
	q := New(10, zerolog.Nop())
	s := NewSupervisor(q, sub, nil, Options{BatchSize: 5, BatchMaxTime: time.Hour, StallThreshold: time.Minute}, zerolog.Nop())
	s.now = clk.now
	defer s.Close(context.Background())

	q.Enqueue(newEvent(1))
	s.Start()
	first := s.worker
	require.Eventually(t, func() bool { return q.Len() == 0 }, time.Second, time.Millisecond, "worker is stuck submitting")
	s.Start()
	assert.Same(t, first, s.worker, "start is idempotent")

	clk.advance(30 * time.Second)
	assert.False(t, s.EnsureAlive())
	assert.Same(t, first, s.worker)

	clk.advance(31 * time.Second)
	assert.True(t, s.EnsureAlive())
	assert.NotSame(t, first, s.worker)

	assert.False(t, s.EnsureAlive(), "fresh worker has a fresh heartbeat")
}

func TestSupervisor_EnsureAliveBeforeStart(t *testing.T) {
	s := NewSupervisor(New(1, zerolog.Nop()), &MockSubmitter{}, nil, Options{}, zerolog.Nop())
	defer s.Close(context.Background())

	assert.False(t, s.EnsureAlive())
	assert.Nil(t, s.worker)
}

func TestSupervisor_CloseFlushesQueue(t *testing.T) {
	q := New(10, zerolog.Nop())
	sub := &MockSubmitter{}
	s := NewSupervisor(q, sub, nil, Options{BatchSize: 4, BatchMaxTime: time.Hour}, zerolog.Nop())
	s.Start()

	fill(q, 6)
	require.NoError(t, s.Close(context.Background()))

	total := 0
	for _, n := range sub.sizes() {
		total += n
	}
	assert.Equal(t, 6, total)
	assert.Equal(t, 0, q.Len())

	assert.False(t, s.EnsureAlive(), "closed supervisor does not restart")
	assert.NoError(t, s.Close(context.Background()))
}

func TestSupervisor_CloseHonoursDeadline(t *testing.T) {
	q := New(10, zerolog.Nop())
	sub := &MockSubmitter{block: make(chan struct{})}
	s := NewSupervisor(q, sub, nil, Options{BatchSize: 1, BatchMaxTime: time.Hour}, zerolog.Nop())
	fill(q, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := s.Close(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 2, q.Len(), "first batch was in flight when the deadline hit")
}
