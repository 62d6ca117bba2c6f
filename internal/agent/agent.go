package agent

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"api-governance-agent/internal/appconfig"
	"api-governance-agent/internal/event"
	"api-governance-agent/internal/governance"
	"api-governance-agent/internal/observability"
	"api-governance-agent/internal/queue"
	"api-governance-agent/internal/rules"
	"api-governance-agent/internal/transport"
)

// Collector is the address capture must never record calls to.
type Collector interface {
	Owns(u *url.URL) bool
}

// Supervisor owns the batch worker that drains the queue.
type Supervisor interface {
	Start()
	EnsureAlive() bool
	Close(ctx context.Context) error
}

// Deps are the components an Agent orchestrates. Profiles and Collector may be nil.
type Deps struct {
	Rules      *governance.Engine
	Config     *appconfig.Cache
	Queue      *queue.Queue
	Supervisor Supervisor
	Profiles   ProfileUpdater
	Collector  Collector
}

// Agent runs the per-transaction flow: governance, sampling, enqueue, and
// opportunistic refresh of config and rules.
type Agent struct {
	deps       Deps
	opts       Options
	refreshing atomic.Bool
	background sync.WaitGroup
	now        func() time.Time
	log        zerolog.Logger
}

func New(deps Deps, opts Options, log zerolog.Logger) *Agent {
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = DefaultOptions().RefreshTimeout
	}
	return &Agent{
		deps: deps,
		opts: opts,
		now:  time.Now,
		log:  log.With().Str("component", "agent").Logger(),
	}
}

// Start loads config and rules once and starts the batch worker. Load
// failures are logged; the agent then runs on defaults.
func (a *Agent) Start(ctx context.Context) {
	a.logRefresh("config", a.deps.Config.Refresh(ctx))
	a.logRefresh("rules", a.deps.Rules.Reload(ctx))
	a.deps.Supervisor.Start()
}

// RefreshIfStale reloads whatever is stale, synchronously.
func (a *Agent) RefreshIfStale(ctx context.Context) {
	if a.deps.Config.ShouldRefresh() {
		a.logRefresh("config", a.deps.Config.Refresh(ctx))
	}
	if a.deps.Rules.ShouldReload() {
		a.logRefresh("rules", a.deps.Rules.Reload(ctx))
	}
}

// Reload refreshes config and rules regardless of staleness.
func (a *Agent) Reload(ctx context.Context) error {
	cerr := a.deps.Config.Refresh(ctx)
	rerr := a.deps.Rules.Reload(ctx)
	a.logRefresh("config", cerr)
	a.logRefresh("rules", rerr)
	return errors.Join(ignoreBusy(cerr), ignoreBusy(rerr))
}

// EnsureWorker restarts the batch worker if it stalled.
func (a *Agent) EnsureWorker() bool {
	return a.deps.Supervisor.EnsureAlive()
}

// Close waits for in-flight refreshes, then flushes queued events until the
// queue is empty or ctx expires.
func (a *Agent) Close(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.background.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return a.deps.Supervisor.Close(ctx)
}

// capture samples ev and queues it with its weight. It never blocks.
func (a *Agent) capture(ev *event.Event, userID, companyID string) {
	f := rules.Extract(ev)
	pct := a.deps.Config.SamplingPercentage(f, userID, companyID)
	if !a.deps.Config.Sample(pct) {
		observability.EventsSampledOut.Inc()
		a.log.Debug().Str("uri", ev.Request.URI).Int("sample_rate", pct).Msg("event sampled out")
		return
	}

	ev = callMask(a.log, a.opts.Hooks.MaskEvent, ev)
	ev.Weight = appconfig.CalculateWeight(pct)
	if err := a.deps.Queue.Enqueue(ev); err == nil {
		a.log.Debug().Str("uri", ev.Request.URI).Int("weight", ev.Weight).Msg("event queued")
	}

	a.refreshInBackground()
}

// refreshInBackground starts at most one asynchronous refresh at a time so
// a slow backend never stalls request handling.
func (a *Agent) refreshInBackground() {
	needConfig := a.deps.Config.ShouldRefresh()
	needRules := a.deps.Rules.ShouldReload()
	if !needConfig && !needRules {
		return
	}
	if !a.refreshing.CompareAndSwap(false, true) {
		return
	}
	a.background.Add(1)
	go func() {
		defer a.background.Done()
		defer a.refreshing.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), a.opts.RefreshTimeout)
		defer cancel()
		if needConfig {
			a.logRefresh("config", a.deps.Config.Refresh(ctx))
		}
		if needRules {
			a.logRefresh("rules", a.deps.Rules.Reload(ctx))
		}
	}()
}

func (a *Agent) logRefresh(what string, err error) {
	switch {
	case err == nil:
		return
	case errors.Is(err, appconfig.ErrRefreshInProgress), errors.Is(err, governance.ErrReloadInProgress):
		return
	case errors.Is(err, transport.ErrUnauthorized):
		a.log.Warn().Err(err).Str("cache", what).Msg("unauthorized loading from collector, check the application id; keeping previous state")
	default:
		a.log.Warn().Err(err).Str("cache", what).Msg("refresh failed, keeping previous state")
	}
}

func ignoreBusy(err error) error {
	if errors.Is(err, appconfig.ErrRefreshInProgress) || errors.Is(err, governance.ErrReloadInProgress) {
		return nil
	}
	return err
}
