package appconfig

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"api-governance-agent/internal/cache"
	"api-governance-agent/internal/observability"
	"api-governance-agent/internal/rules"
)

const (
	DefaultStaleAfter = 5 * time.Minute
	DefaultRetryAfter = 30 * time.Second
)

// ErrRefreshInProgress is returned when another refresh already holds the slot.
var ErrRefreshInProgress = errors.New("config refresh already in progress")

// Source fetches the raw configuration body and its cache-validation token.
type Source interface {
	FetchConfig(ctx context.Context) (body []byte, etag string, err error)
}

// Cache holds the last successfully fetched Config. Readers never block;
// refresh publishes a fully built Config with a single atomic swap.
type Cache struct {
	source      Source
	snap        cache.Snapshot[*Config]
	observed    atomic.Value // string
	staleAfter  time.Duration
	retryAfter  time.Duration
	lastFailure atomic.Int64
	refreshing  atomic.Bool
	now         func() time.Time
	random      func() float64
	log         zerolog.Logger
}

func NewCache(source Source, staleAfter, retryAfter time.Duration, log zerolog.Logger) *Cache {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if retryAfter < 0 {
		retryAfter = DefaultRetryAfter
	}
	c := &Cache{
		source:     source,
		staleAfter: staleAfter,
		retryAfter: retryAfter,
		now:        time.Now,
		random:     rand.Float64,
		log:        log.With().Str("component", "appconfig").Logger(),
	}
	c.observed.Store("")
	return c
}

// Current returns the active configuration, or Default if none was loaded.
func (c *Cache) Current() *Config {
	if cfg, ok := c.snap.Load(); ok {
		return cfg
	}
	return Default()
}

// Loaded reports whether a fetched configuration is active.
func (c *Cache) Loaded() bool {
	_, ok := c.snap.Load()
	return ok
}

// Refresh fetches and publishes a new configuration. On any failure the
// previous configuration stays active and the error is returned.
func (c *Cache) Refresh(ctx context.Context) error {
	if c.source == nil {
		return nil
	}
	if !c.refreshing.CompareAndSwap(false, true) {
		return ErrRefreshInProgress
	}
	defer c.refreshing.Store(false)

	body, etag, err := c.source.FetchConfig(ctx)
	if err == nil && len(body) == 0 {
		err = errors.New("empty config body")
	}
	var cfg *Config
	if err == nil {
		cfg, err = Parse(body)
	}
	observability.Refreshes.WithLabelValues("config", observability.RefreshResult(err)).Inc()
	if err != nil {
		c.lastFailure.Store(c.now().UnixNano())
		return fmt.Errorf("refresh config: %w", err)
	}
	c.lastFailure.Store(0)

	if etag == "" {
		etag = c.observedETag()
	}
	cfg.ETag = etag
	cfg.FetchedAt = c.now()
	c.snap.Store(cfg)
	c.log.Debug().Str("etag", etag).Int("sample_rate", cfg.SampleRate).Msg("config refreshed")
	return nil
}

// ShouldRefresh reports whether the configuration is missing, stale, or
// superseded by a newer ETag seen on an event submission.
func (c *Cache) ShouldRefresh() bool {
	now := c.now()
	// only failed attempts are throttled
	if last := c.lastFailure.Load(); last != 0 && now.Sub(time.Unix(0, last)) < c.retryAfter {
		return false
	}
	cfg, ok := c.snap.Load()
	if !ok {
		return true
	}
	if now.Sub(cfg.FetchedAt) > c.staleAfter {
		return true
	}
	tag := c.observedETag()
	return tag != "" && tag != cfg.ETag
}

// ObserveETag records the config ETag returned alongside an event submission.
func (c *Cache) ObserveETag(etag string) {
	if etag != "" {
		c.observed.Store(etag)
	}
}

func (c *Cache) observedETag() string {
	s, _ := c.observed.Load().(string)
	return s
}

// SamplingPercentage resolves the rate against the active configuration,
// falling back to DefaultSampleRate on error.
func (c *Cache) SamplingPercentage(f rules.Fields, userID, companyID string) int {
	pct, err := c.Current().SamplingPercentage(f, userID, companyID)
	if err != nil {
		c.log.Warn().Err(err).Msg("sampling rule not evaluable, sampling everything")
		return DefaultSampleRate
	}
	return pct
}

// Sample draws a uniform value in [0,100) and accepts iff pct exceeds it.
func (c *Cache) Sample(pct int) bool {
	return float64(pct) > c.random()*100
}
