package governance

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"api-governance-agent/internal/cache"
	"api-governance-agent/internal/observability"
	"api-governance-agent/internal/rules"
)

// DefaultStaleAfter is how long a loaded rule set is trusted before reload.
const DefaultStaleAfter = 10 * time.Minute

// ErrReloadInProgress is returned when another reload already holds the slot.
var ErrReloadInProgress = errors.New("rules reload already in progress")

// RuleSource fetches the current governance rules.
type RuleSource interface {
	FetchRules(ctx context.Context) ([]Rule, error)
}

type snapshot struct {
	idx       *Index
	fetchedAt time.Time
}

// Engine exposes read-only, lock-free governance over the last loaded rule set.
type Engine struct {
	source      RuleSource
	snap        cache.Snapshot[snapshot]
	staleAfter  time.Duration
	retryAfter  time.Duration
	lastFailure atomic.Int64
	reloading   atomic.Bool
	now         func() time.Time
	log         zerolog.Logger
}

// NewEngine creates an engine with no rules loaded. staleAfter bounds how
// long a rule set is used; retryAfter bounds how often a failing source is retried.
func NewEngine(source RuleSource, staleAfter, retryAfter time.Duration, log zerolog.Logger) *Engine {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Engine{
		source:     source,
		staleAfter: staleAfter,
		retryAfter: retryAfter,
		now:        time.Now,
		log:        log.With().Str("component", "governance").Logger(),
	}
}

// Load indexes rs and publishes it as the current rule set.
func (e *Engine) Load(rs []Rule) {
	idx := BuildIndex(rs, e.log)
	e.snap.Store(snapshot{idx: idx, fetchedAt: e.now()})
	e.log.Debug().Int("rules", idx.Len()).Msg("rule cache rebuilt")
}

// Reload fetches rules from the source. On failure the previous rule set stays active.
func (e *Engine) Reload(ctx context.Context) error {
	if e.source == nil {
		return nil
	}
	if !e.reloading.CompareAndSwap(false, true) {
		return ErrReloadInProgress
	}
	defer e.reloading.Store(false)

	rs, err := e.source.FetchRules(ctx)
	observability.Refreshes.WithLabelValues("rules", observability.RefreshResult(err)).Inc()
	if err != nil {
		e.lastFailure.Store(e.now().UnixNano())
		return fmt.Errorf("fetch rules: %w", err)
	}
	e.lastFailure.Store(0)
	e.Load(rs)
	return nil
}

// ShouldReload reports whether the rule set was never loaded or has gone stale.
func (e *Engine) ShouldReload() bool {
	now := e.now()
	if last := e.lastFailure.Load(); last != 0 && now.Sub(time.Unix(0, last)) < e.retryAfter {
		return false
	}
	s, ok := e.snap.Load()
	if !ok {
		return true
	}
	return now.Sub(s.fetchedAt) > e.staleAfter
}

// HasRules reports whether any rule is currently loaded.
func (e *Engine) HasRules() bool {
	s, _ := e.snap.Load()
	return s.idx.HasRules()
}

// Govern applies every applicable rule to the transaction's response in
// priority order: regex, then company, then user, so user policy wins.
func (e *Engine) Govern(tx Transaction) Response {
	s, _ := e.snap.Load()
	if tx.Event == nil || !s.idx.HasRules() {
		return tx.Response
	}
	ix := s.idx
	f := rules.Extract(tx.Event)
	resp := tx.Response

	regex := ix.RegexRules(f, e.log)
	resp = ApplyRules(regex, resp, nil)
	observability.GovernanceApplied.WithLabelValues(string(RuleTypeRegex)).Add(float64(len(regex)))

	var company []*Rule
	if tx.CompanyID == "" {
		company = ix.UnidentifiedCompanyRules(f, e.log)
	} else {
		company = ix.CompanyRules(tx.CompanyCohorts, f, e.log)
	}
	resp = ApplyRules(company, resp, tx.CompanyCohorts)
	observability.GovernanceApplied.WithLabelValues(string(RuleTypeCompany)).Add(float64(len(company)))

	var user []*Rule
	if tx.UserID == "" {
		user = ix.UnidentifiedUserRules(f, e.log)
	} else {
		user = ix.UserRules(tx.UserCohorts, f, e.log)
	}
	resp = ApplyRules(user, resp, tx.UserCohorts)
	observability.GovernanceApplied.WithLabelValues(string(RuleTypeUser)).Add(float64(len(user)))

	if resp.BlockedBy != "" {
		observability.GovernanceBlocked.Inc()
		e.log.Debug().Str("rule_id", resp.BlockedBy).Int("status", resp.Status).Msg("response blocked")
	}
	return resp
}
