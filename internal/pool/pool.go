// Package pool owns the in-memory working set of enabled credentials:
// cached loads from the store, round-robin selection filtered by health,
// lazy token refresh, and quarantine/disable transitions.
package pool

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/blueberrycongee/credmux/internal/credential"
	"github.com/blueberrycongee/credmux/internal/ledger"
	"github.com/blueberrycongee/credmux/internal/metrics"
	"github.com/blueberrycongee/credmux/internal/store"
	crederrors "github.com/blueberrycongee/credmux/pkg/errors"
)

const (
	// defaultReloadInterval bounds store read pressure: a cached load
	// younger than this is reused unless the caller forces a reload.
	defaultReloadInterval = 60 * time.Second

	// cursorWrap keeps the round-robin counter from growing without
	// bound.
	cursorWrap = 1 << 30
)

// TokenRefresher exchanges a credential's refresh token for a new access
// token, mutating the record in place.
type TokenRefresher interface {
	Refresh(ctx context.Context, cred *credential.Credential) error
}

// Config tunes pool behavior.
type Config struct {
	ReloadInterval time.Duration
	// ForceReloadPerSecond bounds administrative force-reload storms.
	ForceReloadPerSecond float64
	ForceReloadBurst     int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		ReloadInterval:       defaultReloadInterval,
		ForceReloadPerSecond: 1,
		ForceReloadBurst:     2,
	}
}

// Pool is the in-memory working set of enabled credentials. The cache is
// eventually consistent with the store: selections never pay a store
// round trip, and cross-process staleness is bounded by the reload
// interval. Eligibility mutations are applied to the live in-memory
// object first, then persisted, so selections in this process see the
// change immediately.
type Pool struct {
	store     store.Store
	refresher TokenRefresher
	logger    *slog.Logger
	cfg       Config

	mu       sync.RWMutex
	byID     map[string]*credential.Credential
	order    []string
	loadedAt time.Time

	cursor    atomic.Uint64
	forceGate *rate.Limiter

	// refreshFlight collapses concurrent refreshes of the same
	// credential into one token-endpoint call.
	refreshFlight singleflight.Group

	nowFn func() time.Time
}

// New creates a credential pool backed by the given store. The refresher
// may be nil, in which case expired credentials are returned as-is.
func New(st store.Store, refresher TokenRefresher, logger *slog.Logger, cfg Config) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReloadInterval <= 0 {
		cfg.ReloadInterval = defaultReloadInterval
	}
	if cfg.ForceReloadPerSecond <= 0 {
		cfg.ForceReloadPerSecond = 1
	}
	if cfg.ForceReloadBurst <= 0 {
		cfg.ForceReloadBurst = 2
	}
	return &Pool{
		store:     st,
		refresher: refresher,
		logger:    logger,
		cfg:       cfg,
		byID:      make(map[string]*credential.Credential),
		forceGate: rate.NewLimiter(rate.Limit(cfg.ForceReloadPerSecond), cfg.ForceReloadBurst),
		nowFn:     time.Now,
	}
}

// Load reloads the enabled-credential set from the store. A cached load
// younger than the reload interval is reused unless force is set; forced
// reloads additionally pass through a rate limiter so administrative
// storms cannot hammer the store.
func (p *Pool) Load(ctx context.Context, force bool) error {
	now := p.nowFn()

	p.mu.RLock()
	fresh := !p.loadedAt.IsZero() && now.Sub(p.loadedAt) < p.cfg.ReloadInterval
	p.mu.RUnlock()

	if fresh && !force {
		return nil
	}
	if force && !p.forceGate.Allow() {
		p.logger.Debug("force reload throttled, serving cached pool")
		return nil
	}

	creds, err := p.store.ListCredentials(ctx)
	if err != nil {
		return err
	}

	byID := make(map[string]*credential.Credential, len(creds))
	order := make([]string, 0, len(creds))
	for _, cred := range creds {
		if !cred.Enabled {
			continue
		}
		byID[cred.ID] = cred
		order = append(order, cred.ID)
	}

	p.mu.Lock()
	p.byID = byID
	p.order = order
	p.loadedAt = now
	p.mu.Unlock()

	trigger := "interval"
	if force {
		trigger = "forced"
	}
	metrics.PoolReloads.WithLabelValues(trigger).Inc()
	p.logger.Debug("credential pool loaded", "total", len(order), "trigger", trigger)
	return nil
}

// eligible snapshots the currently selectable credentials in stable
// order.
func (p *Pool) eligible(now time.Time) []*credential.Credential {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]*credential.Credential, 0, len(p.order))
	for _, id := range p.order {
		cred := p.byID[id]
		if cred != nil && cred.Eligible(now) {
			result = append(result, cred)
		}
	}
	metrics.PoolSize.WithLabelValues("eligible").Set(float64(len(result)))
	metrics.PoolSize.WithLabelValues("total").Set(float64(len(p.order)))
	return result
}

// Next returns the next eligible credential in round-robin order,
// refreshing its access token first when it is close to expiry. The
// returned credential is a copy; the live working-set object is only
// ever mutated under the pool lock. Returns ErrPoolExhausted when no
// credential is eligible.
func (p *Pool) Next(ctx context.Context) (*credential.Credential, error) {
	if err := p.Load(ctx, false); err != nil {
		return nil, err
	}
	now := p.nowFn()

	eligible := p.eligible(now)
	if len(eligible) == 0 {
		metrics.PoolSelections.WithLabelValues("exhausted").Inc()
		return nil, crederrors.ErrPoolExhausted
	}

	next := p.cursor.Add(1)
	if next >= cursorWrap {
		p.cursor.CompareAndSwap(next, 0)
	}
	cred := eligible[int((next-1)%uint64(len(eligible)))]

	if err := p.ensureFresh(ctx, cred); err != nil {
		metrics.PoolSelections.WithLabelValues("refresh_failed").Inc()
		return nil, err
	}
	metrics.PoolSelections.WithLabelValues("ok").Inc()

	p.mu.RLock()
	out := cred.Clone()
	p.mu.RUnlock()
	return out, nil
}

// Any returns the first eligible credential without advancing the
// round-robin cursor; intended for low-stakes lookups that must not
// perturb fair rotation.
func (p *Pool) Any(ctx context.Context) (*credential.Credential, error) {
	if err := p.Load(ctx, false); err != nil {
		return nil, err
	}
	eligible := p.eligible(p.nowFn())
	if len(eligible) == 0 {
		return nil, crederrors.ErrPoolExhausted
	}

	p.mu.RLock()
	out := eligible[0].Clone()
	p.mu.RUnlock()
	return out, nil
}

// ensureFresh refreshes the credential when it is within the expiry
// margin. Concurrent selections of the same credential share one
// refresh call; the token endpoint is never hit while the pool lock is
// held, and the live object's fields are only written under it. Refresh
// failures propagate verbatim; a second attempt would likely fail
// identically.
func (p *Pool) ensureFresh(ctx context.Context, cred *credential.Credential) error {
	if p.refresher == nil {
		return nil
	}
	p.mu.RLock()
	expired := cred.Expired(p.nowFn())
	p.mu.RUnlock()
	if !expired {
		return nil
	}

	_, err, _ := p.refreshFlight.Do(cred.ID, func() (any, error) {
		p.mu.RLock()
		stale := cred.Expired(p.nowFn())
		working := cred.Clone()
		p.mu.RUnlock()
		if !stale {
			// A caller ahead of us already refreshed.
			return nil, nil
		}

		if err := p.refresher.Refresh(ctx, working); err != nil {
			metrics.TokenRefreshes.WithLabelValues("error").Inc()
			return nil, err
		}
		metrics.TokenRefreshes.WithLabelValues("ok").Inc()

		p.mu.Lock()
		cred.AccessToken = working.AccessToken
		cred.RefreshToken = working.RefreshToken
		cred.IssuedAt = working.IssuedAt
		cred.Lifetime = working.Lifetime
		cred.UpdatedAt = working.UpdatedAt
		persist := cred.Clone()
		p.mu.Unlock()

		if err := p.store.UpsertCredential(ctx, persist); err != nil {
			p.logger.Warn("persist refreshed credential failed",
				"credential", crederrors.IDPrefix(cred.ID),
				"error", err,
			)
		}
		return nil, nil
	})
	return err
}

// DisableUntil quarantines the credential until the given reset instant
// and flags it quota-exhausted. The in-memory object is mutated first so
// subsequent selections in this process skip it immediately; the record
// stays in the working set and becomes eligible again once the instant
// passes.
func (p *Pool) DisableUntil(ctx context.Context, credID string, resetAt time.Time) error {
	p.mu.Lock()
	cred, ok := p.byID[credID]
	if ok {
		until := resetAt
		cred.QuarantinedUntil = &until
		cred.QuotaExhausted = true
		cred.UpdatedAt = p.nowFn()
		cred = cred.Clone()
	}
	p.mu.Unlock()

	if !ok {
		// Not in the working set; mutate the stored record directly.
		stored, err := p.store.GetCredential(ctx, credID)
		if err != nil || stored == nil {
			return err
		}
		until := resetAt
		stored.QuarantinedUntil = &until
		stored.QuotaExhausted = true
		cred = stored
	}

	metrics.HealthTransitions.WithLabelValues("quarantine").Inc()
	p.logger.Info("credential quarantined",
		"credential", crederrors.IDPrefix(credID),
		"until", resetAt,
	)
	return p.store.UpsertCredential(ctx, cred)
}

// DisablePermanently clears the enabled flag and quarantine state,
// persists, and forces a pool reload so callers stop seeing the
// credential immediately.
func (p *Pool) DisablePermanently(ctx context.Context, credID string) error {
	p.mu.Lock()
	cred, ok := p.byID[credID]
	if ok {
		cred.Enabled = false
		cred.QuarantinedUntil = nil
		cred.QuotaExhausted = false
		cred.UpdatedAt = p.nowFn()
		cred = cred.Clone()
	}
	p.mu.Unlock()

	if !ok {
		stored, err := p.store.GetCredential(ctx, credID)
		if err != nil || stored == nil {
			return err
		}
		stored.Enabled = false
		stored.QuarantinedUntil = nil
		stored.QuotaExhausted = false
		cred = stored
	}

	metrics.HealthTransitions.WithLabelValues("disable").Inc()
	p.logger.Warn("credential permanently disabled",
		"credential", crederrors.IDPrefix(credID),
	)
	if err := p.store.UpsertCredential(ctx, cred); err != nil {
		return err
	}
	return p.Load(ctx, true)
}

// RecordUsage meters a successful request's cost against the live
// in-memory object, identified by id rather than by value since refresh
// mutates fields, and persists the updated counters.
func (p *Pool) RecordUsage(ctx context.Context, credID string, cost float64) error {
	now := p.nowFn()

	p.mu.Lock()
	cred, ok := p.byID[credID]
	if ok {
		ledger.Apply(cred, cost, now)
		cred = cred.Clone()
	}
	p.mu.Unlock()

	if !ok {
		stored, err := p.store.GetCredential(ctx, credID)
		if err != nil || stored == nil {
			return err
		}
		ledger.Apply(stored, cost, now)
		cred = stored
	}

	metrics.UsageCost.Add(cost)
	return p.store.UpsertCredential(ctx, cred)
}

// HandleUpstreamError routes an upstream failure through the classifier
// and applies the resulting health transition. Quarantine and disable
// are absorbed: the caller should request a replacement credential
// rather than surface the original error. Propagate-class errors are
// returned untouched for the caller to decide retry policy.
func (p *Pool) HandleUpstreamError(ctx context.Context, credID string, upstreamErr error) (Action, error) {
	action := Classify(upstreamErr)
	switch action {
	case ActionQuarantine:
		resetAt := ledger.NextUTCMidnight(p.nowFn())
		return action, p.DisableUntil(ctx, credID, resetAt)
	case ActionDisable:
		return action, p.DisablePermanently(ctx, credID)
	default:
		return ActionPropagate, upstreamErr
	}
}

// Snapshot returns copies of every credential in the working set, for
// administrative listings.
func (p *Pool) Snapshot() []*credential.Credential {
	p.mu.RLock()
	defer p.mu.RUnlock()
	result := make([]*credential.Credential, 0, len(p.order))
	for _, id := range p.order {
		if cred := p.byID[id]; cred != nil {
			result = append(result, cred.Clone())
		}
	}
	return result
}
