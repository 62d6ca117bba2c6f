package listener

import (
	"context"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const debounce = 200 * time.Millisecond

// Reloader refreshes policy state when the database says it changed.
type Reloader interface {
	Reload(ctx context.Context) error
}

// ListenAndRefresh LISTENs on channel and reloads on every notification,
// reconnecting with jittered backoff until ctx is done.
func ListenAndRefresh(ctx context.Context, pool *pgxpool.Pool, r Reloader, channel string, baseBackoff time.Duration, log zerolog.Logger) {
	log = log.With().Str("component", "listener").Str("channel", channel).Logger()
	for {
		err := listenOnce(ctx, pool, r, channel, log)
		if ctx.Err() != nil {
			log.Info().Msg("listener stopped")
			return
		}
		backoff := jitter(baseBackoff)
		log.Error().Err(err).Dur("retry_in", backoff).Msg("listen connection lost")
		if !sleep(ctx, backoff) {
			log.Info().Msg("listener stopped")
			return
		}
	}
}

func listenOnce(ctx context.Context, pool *pgxpool.Pool, r Reloader, channel string, log zerolog.Logger) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err = conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
		return err
	}
	log.Info().Msg("listening for policy changes")

	// a reload right after (re)connecting picks up changes made while disconnected
	if err := r.Reload(ctx); err != nil {
		log.Warn().Err(err).Msg("reload after connect")
	}
	return serve(ctx, func(ctx context.Context) (string, error) {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return "", err
		}
		return n.Payload, nil
	}, r, log)
}

// serve reloads once per notification burst until wait fails.
func serve(ctx context.Context, wait func(context.Context) (string, error), r Reloader, log zerolog.Logger) error {
	var lastRefresh time.Time
	for {
		payload, err := wait(ctx)
		if err != nil {
			return err
		}
		if time.Since(lastRefresh) < debounce {
			continue
		}
		lastRefresh = time.Now()
		log.Info().Str("payload", payload).Msg("policy change; reloading")
		if err := r.Reload(ctx); err != nil {
			log.Error().Err(err).Msg("reload after notification")
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func jitter(base time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	factor := 0.5 + rand.Float64() // 0.5x-1.5x
	return time.Duration(float64(base) * factor)
}
