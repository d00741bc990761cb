// Package credmux brokers access to a pool of OAuth credentials for a
// rate-limited upstream API: round-robin selection with health
// filtering, lazy token refresh, quota metering with daily UTC rollover,
// credential sharing with abuse bans, and a background quarantine sweep.
package credmux

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/blueberrycongee/credmux/internal/credential"
	"github.com/blueberrycongee/credmux/internal/ledger"
	"github.com/blueberrycongee/credmux/internal/pool"
	"github.com/blueberrycongee/credmux/internal/sharing"
	"github.com/blueberrycongee/credmux/internal/store"
	"github.com/blueberrycongee/credmux/internal/supervisor"
)

// Action re-exports the classifier verdict for callers handling
// upstream errors through the manager.
type Action = pool.Action

// Classifier verdicts.
const (
	ActionPropagate  = pool.ActionPropagate
	ActionQuarantine = pool.ActionQuarantine
	ActionDisable    = pool.ActionDisable
)

// Manager is the front door: it owns the credential pool, the sharing
// broker, the abuse guard, and the quota supervisor, and exposes the
// administrative surface over all of them.
type Manager struct {
	store      store.Store
	pool       *pool.Pool
	broker     *sharing.Broker
	guard      *sharing.Guard
	supervisor *supervisor.Supervisor
	logger     *slog.Logger
}

// Options configures a Manager.
type Options struct {
	Store      store.Store
	Refresher  pool.TokenRefresher
	Logger     *slog.Logger
	Pool       pool.Config
	Supervisor supervisor.Config
}

// New wires a Manager from its parts. The supervisor is constructed but
// not started; call Start.
func New(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("credmux: store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := pool.New(opts.Store, opts.Refresher, logger, opts.Pool)
	guard := sharing.NewGuard(opts.Store, logger)
	broker := sharing.NewBroker(opts.Store, guard, logger)
	sup := supervisor.New(opts.Supervisor, opts.Store, p, logger)

	return &Manager{
		store:      opts.Store,
		pool:       p,
		broker:     broker,
		guard:      guard,
		supervisor: sup,
		logger:     logger,
	}, nil
}

// Start launches the quota supervisor. It stops when ctx is canceled.
func (m *Manager) Start(ctx context.Context) {
	m.supervisor.Start(ctx)
}

// Acquire returns the next healthy credential in round-robin order with
// a fresh access token.
func (m *Manager) Acquire(ctx context.Context) (*credential.Credential, error) {
	return m.pool.Next(ctx)
}

// AcquireShared picks a shared credential for the borrower, subject to
// bans, blacklists, and daily borrow caps.
func (m *Manager) AcquireShared(ctx context.Context, borrowerID string) (*credential.Credential, error) {
	return m.broker.SelectForBorrower(ctx, borrowerID)
}

// RecordUsage meters a completed request's cost against the credential.
func (m *Manager) RecordUsage(ctx context.Context, credID string, cost float64) error {
	return m.pool.RecordUsage(ctx, credID, cost)
}

// HandleUpstreamError classifies an upstream failure and applies the
// resulting health transition to the credential. Callers should acquire
// a replacement unless the action is propagate, in which case the
// original error is returned.
func (m *Manager) HandleUpstreamError(ctx context.Context, credID string, upstreamErr error) (Action, error) {
	return m.pool.HandleUpstreamError(ctx, credID, upstreamErr)
}

// ImportItem is one credential to import.
type ImportItem struct {
	Label        string
	AccessToken  string
	RefreshToken string
	IssuedAt     time.Time
	Lifetime     time.Duration
	ProxyURL     string
}

// ImportCredentials stores new credentials, assigning each a fresh id,
// and forces a pool reload so they enter rotation immediately. Returns
// the assigned ids in input order.
func (m *Manager) ImportCredentials(ctx context.Context, items []ImportItem) ([]string, error) {
	now := time.Now()
	ids := make([]string, 0, len(items))
	for _, item := range items {
		cred := &credential.Credential{
			ID:           uuid.NewString(),
			Label:        item.Label,
			AccessToken:  item.AccessToken,
			RefreshToken: item.RefreshToken,
			IssuedAt:     item.IssuedAt,
			Lifetime:     item.Lifetime,
			ProxyURL:     item.ProxyURL,
			Enabled:      true,
			OwnerEnabled: true,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := m.store.UpsertCredential(ctx, cred); err != nil {
			return ids, fmt.Errorf("import credential %q: %w", item.Label, err)
		}
		ids = append(ids, cred.ID)
	}
	if len(ids) > 0 {
		if err := m.pool.Load(ctx, true); err != nil {
			m.logger.Warn("pool reload after import failed", "error", err)
		}
	}
	return ids, nil
}

// AccountStats is an administrative view of one credential.
type AccountStats struct {
	ID               string     `json:"id"`
	Label            string     `json:"label,omitempty"`
	Enabled          bool       `json:"enabled"`
	OwnerEnabled     bool       `json:"owner_enabled"`
	QuarantinedUntil *time.Time `json:"quarantined_until,omitempty"`
	QuotaExhausted   bool       `json:"quota_exhausted"`
	TotalCost        float64    `json:"total_cost"`
	DayCost          float64    `json:"day_cost"`
	RequestCount     int64      `json:"request_count"`
	Shared           bool       `json:"shared"`
	DailyBorrowLimit int        `json:"daily_borrow_limit,omitempty"`
	DayBorrowUsed    int        `json:"day_borrow_used,omitempty"`
	ProxyURL         string     `json:"proxy_url,omitempty"`
}

// ListAccounts returns administrative stats for every stored credential,
// including disabled ones the pool no longer carries.
func (m *Manager) ListAccounts(ctx context.Context) ([]AccountStats, error) {
	creds, err := m.store.ListCredentials(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]AccountStats, 0, len(creds))
	for _, cred := range creds {
		result = append(result, accountStats(cred))
	}
	return result, nil
}

// AccountStats returns the administrative view of one credential, or an
// error when it does not exist.
func (m *Manager) AccountStats(ctx context.Context, credID string) (*AccountStats, error) {
	cred, err := m.store.GetCredential(ctx, credID)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, fmt.Errorf("credential %q not found", credID)
	}
	stats := accountStats(cred)
	return &stats, nil
}

func accountStats(cred *credential.Credential) AccountStats {
	return AccountStats{
		ID:               cred.ID,
		Label:            cred.Label,
		Enabled:          cred.Enabled,
		OwnerEnabled:     cred.OwnerEnabled,
		QuarantinedUntil: cred.QuarantinedUntil,
		QuotaExhausted:   cred.QuotaExhausted,
		TotalCost:        cred.TotalCost,
		DayCost:          cred.DayCost,
		RequestCount:     cred.RequestCount,
		Shared:           cred.Shared,
		DailyBorrowLimit: cred.DailyBorrowLimit,
		DayBorrowUsed:    cred.DayBorrowUsed,
		ProxyURL:         cred.ProxyURL,
	}
}

// UsageStats aggregates metering across all credentials.
type UsageStats struct {
	Accounts     int     `json:"accounts"`
	Enabled      int     `json:"enabled"`
	TotalCost    float64 `json:"total_cost"`
	DayCost      float64 `json:"day_cost"`
	RequestCount int64   `json:"request_count"`
}

// UsageStats sums cost and request counters across the fleet. Day costs
// from records whose counter has not rolled over yet are excluded.
func (m *Manager) UsageStats(ctx context.Context) (*UsageStats, error) {
	creds, err := m.store.ListCredentials(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	stats := &UsageStats{Accounts: len(creds)}
	for _, cred := range creds {
		if cred.Enabled {
			stats.Enabled++
		}
		stats.TotalCost += cred.TotalCost
		stats.RequestCount += cred.RequestCount
		if ledger.SameDay(cred.DayResetAt, now) {
			stats.DayCost += cred.DayCost
		}
	}
	return stats, nil
}

// ToggleAccount sets a credential's enabled flag. Disabling also clears
// quarantine state; re-enabling starts from a clean slate.
func (m *Manager) ToggleAccount(ctx context.Context, credID string, enabled bool) error {
	cred, err := m.store.GetCredential(ctx, credID)
	if err != nil {
		return err
	}
	if cred == nil {
		return fmt.Errorf("credential %q not found", credID)
	}
	cred.Enabled = enabled
	cred.QuarantinedUntil = nil
	cred.QuotaExhausted = false
	cred.UpdatedAt = time.Now()
	if err := m.store.UpsertCredential(ctx, cred); err != nil {
		return err
	}
	return m.pool.Load(ctx, true)
}

// DeleteAccount removes a credential and its blacklist entries.
func (m *Manager) DeleteAccount(ctx context.Context, credID string) error {
	if err := m.store.DeleteCredential(ctx, credID); err != nil {
		return err
	}
	return m.pool.Load(ctx, true)
}

// SetAccountRoute sets the egress proxy a credential's upstream traffic
// uses. An empty URL routes directly.
func (m *Manager) SetAccountRoute(ctx context.Context, credID, proxyURL string) error {
	cred, err := m.store.GetCredential(ctx, credID)
	if err != nil {
		return err
	}
	if cred == nil {
		return fmt.Errorf("credential %q not found", credID)
	}
	cred.ProxyURL = proxyURL
	cred.UpdatedAt = time.Now()
	if err := m.store.UpsertCredential(ctx, cred); err != nil {
		return err
	}
	return m.pool.Load(ctx, true)
}

// ForceReload discards the pool cache and reloads from the store,
// subject to the force-reload rate limit.
func (m *Manager) ForceReload(ctx context.Context) error {
	return m.pool.Load(ctx, true)
}

// UpdateSharingSettings sets a credential's sharing opt-in and daily
// borrow limit. The limit is clamped to the supported range.
func (m *Manager) UpdateSharingSettings(ctx context.Context, credID string, shared bool, dailyLimit int) error {
	return m.broker.SetSharing(ctx, credID, shared, dailyLimit)
}

// ListShared lists shareable credentials with their remaining daily
// borrow allowance.
func (m *Manager) ListShared(ctx context.Context) ([]sharing.Summary, error) {
	return m.broker.ListShared(ctx)
}

// BanUser imposes an administrative ban on a borrower.
func (m *Manager) BanUser(ctx context.Context, borrowerID, reason string, duration time.Duration) error {
	return m.guard.Ban(ctx, borrowerID, reason, duration)
}

// UnbanUser lifts any ban on a borrower.
func (m *Manager) UnbanUser(ctx context.Context, borrowerID string) error {
	return m.guard.Unban(ctx, borrowerID)
}

// AddToBlacklist blocks a borrower from one credential.
func (m *Manager) AddToBlacklist(ctx context.Context, credID, borrowerID string) error {
	return m.broker.AddToBlacklist(ctx, credID, borrowerID)
}

// RemoveFromBlacklist re-admits a borrower to one credential.
func (m *Manager) RemoveFromBlacklist(ctx context.Context, credID, borrowerID string) error {
	return m.broker.RemoveFromBlacklist(ctx, credID, borrowerID)
}

// Close releases the underlying store.
func (m *Manager) Close() error {
	return m.store.Close()
}
