// Package sharing implements the credential lending layer: owner opt-in
// sharing with daily borrow caps, per-credential blacklists, and an
// abuse guard that escalates bans for borrowers with abnormal usage.
package sharing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/blueberrycongee/credmux/internal/metrics"
	"github.com/blueberrycongee/credmux/internal/store"
	crederrors "github.com/blueberrycongee/credmux/pkg/errors"
)

const (
	// sampleRetention bounds usage-trail growth; samples older than this
	// are pruned whenever a new one is recorded.
	sampleRetention = 30 * 24 * time.Hour

	// abuseThreshold is the trailing average daily borrow count above
	// which a borrower is banned. Strictly greater-than: exactly 50 per
	// day is allowed.
	abuseThreshold = 50.0
)

// banSchedule holds ascending ban durations; repeat offenders move down
// the schedule, clamping at the last entry.
var banSchedule = []time.Duration{
	1 * 24 * time.Hour,
	3 * 24 * time.Hour,
	7 * 24 * time.Hour,
	14 * 24 * time.Hour,
	30 * 24 * time.Hour,
	90 * 24 * time.Hour,
}

// Guard detects borrow abuse from the usage trail and manages bans with
// escalating durations and lazy expiry.
type Guard struct {
	store  store.Store
	logger *slog.Logger
	nowFn  func() time.Time
}

// NewGuard creates an abuse guard backed by the given store.
func NewGuard(st store.Store, logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{store: st, logger: logger, nowFn: time.Now}
}

// RecordUsage appends a borrow sample for the borrower and prunes the
// trail beyond the retention window as a side effect, bounding storage
// growth without a separate sweep job.
func (g *Guard) RecordUsage(ctx context.Context, borrowerID string) error {
	now := g.nowFn()
	samples, err := g.store.ListSamples(ctx, borrowerID)
	if err != nil {
		return err
	}

	cutoff := now.Add(-sampleRetention)
	kept := make([]store.Sample, 0, len(samples)+1)
	for _, sample := range samples {
		if sample.At.After(cutoff) {
			kept = append(kept, sample)
		}
	}
	kept = append(kept, store.Sample{At: now})
	return g.store.PutSamples(ctx, borrowerID, kept)
}

// AverageDailyUsage computes the borrower's trailing daily average:
// retained samples bucketed by UTC calendar day, total count divided by
// the number of distinct days with at least one sample. A borrower
// active for two heavy days is flagged as fast as one active for
// thirty.
func (g *Guard) AverageDailyUsage(ctx context.Context, borrowerID string) (float64, error) {
	samples, err := g.store.ListSamples(ctx, borrowerID)
	if err != nil {
		return 0, err
	}
	if len(samples) == 0 {
		return 0, nil
	}

	days := make(map[string]int)
	for _, sample := range samples {
		days[sample.At.UTC().Format("2006-01-02")]++
	}
	return float64(len(samples)) / float64(len(days)), nil
}

// CheckAndBan bans the borrower when the trailing daily average exceeds
// the threshold. Repeat offenses escalate through the ban schedule; the
// stored offense counter increments on every ban issued. Returns whether
// a ban was issued.
func (g *Guard) CheckAndBan(ctx context.Context, borrowerID string) (bool, error) {
	avg, err := g.AverageDailyUsage(ctx, borrowerID)
	if err != nil {
		return false, err
	}
	if avg <= abuseThreshold {
		return false, nil
	}

	prior, err := g.store.GetBan(ctx, borrowerID)
	if err != nil {
		return false, err
	}
	priorOffenses := 0
	if prior != nil {
		priorOffenses = prior.Offenses
	}

	idx := priorOffenses
	if idx > len(banSchedule)-1 {
		idx = len(banSchedule) - 1
	}
	duration := banSchedule[idx]

	now := g.nowFn()
	ban := &store.BanRecord{
		BorrowerID: borrowerID,
		Until:      now.Add(duration),
		Reason: fmt.Sprintf("average daily usage %.1f exceeds limit %.0f",
			avg, abuseThreshold),
		Offenses:  priorOffenses + 1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if prior != nil {
		ban.CreatedAt = prior.CreatedAt
	}
	if err := g.store.UpsertBan(ctx, ban); err != nil {
		return false, err
	}

	metrics.Bans.Inc()
	g.logger.Warn("borrower banned for abuse",
		"borrower", borrowerID,
		"average_daily", avg,
		"offense", ban.Offenses,
		"until", ban.Until,
	)
	return true, nil
}

// IsBanned reports whether the borrower is currently banned. Expired
// records are deleted on read and treated as absent.
func (g *Guard) IsBanned(ctx context.Context, borrowerID string) (*crederrors.BanInfo, error) {
	ban, err := g.store.GetBan(ctx, borrowerID)
	if err != nil {
		return nil, err
	}
	if ban == nil {
		return nil, nil
	}

	now := g.nowFn()
	if !ban.Until.After(now) {
		if err := g.store.DeleteBan(ctx, borrowerID); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return &crederrors.BanInfo{
		BorrowerID: borrowerID,
		Until:      ban.Until,
		Remaining:  ban.Until.Sub(now),
		Reason:     ban.Reason,
	}, nil
}

// Ban imposes an administrative ban with an explicit duration and
// reason, counting as an offense for future escalation.
func (g *Guard) Ban(ctx context.Context, borrowerID, reason string, duration time.Duration) error {
	prior, err := g.store.GetBan(ctx, borrowerID)
	if err != nil {
		return err
	}
	priorOffenses := 0
	createdAt := g.nowFn()
	if prior != nil {
		priorOffenses = prior.Offenses
		createdAt = prior.CreatedAt
	}

	now := g.nowFn()
	return g.store.UpsertBan(ctx, &store.BanRecord{
		BorrowerID: borrowerID,
		Until:      now.Add(duration),
		Reason:     reason,
		Offenses:   priorOffenses + 1,
		CreatedAt:  createdAt,
		UpdatedAt:  now,
	})
}

// Unban lifts any ban on the borrower.
func (g *Guard) Unban(ctx context.Context, borrowerID string) error {
	return g.store.DeleteBan(ctx, borrowerID)
}
