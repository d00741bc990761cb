// Package supervisor runs the periodic quarantine sweep: credentials
// whose quarantine window has lapsed are restored to circulation without
// waiting for a request to observe the expiry.
package supervisor

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/blueberrycongee/credmux/internal/metrics"
	"github.com/blueberrycongee/credmux/internal/store"
	crederrors "github.com/blueberrycongee/credmux/pkg/errors"
)

const defaultSweepInterval = time.Minute

// Reloader refreshes the in-memory working set after the sweep changed
// stored records.
type Reloader interface {
	Load(ctx context.Context, force bool) error
}

// Config controls the sweep cadence.
type Config struct {
	Interval time.Duration
}

// Supervisor periodically clears lapsed quarantines. The sweep is
// idempotent; running it concurrently with request-path recovery only
// repeats writes that set the same state.
type Supervisor struct {
	cfg      Config
	store    store.Store
	reloader Reloader
	logger   *slog.Logger
	started  atomic.Bool
	nowFn    func() time.Time
}

// New creates a quota supervisor.
func New(cfg Config, st store.Store, reloader Reloader, logger *slog.Logger) *Supervisor {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:      cfg,
		store:    st,
		reloader: reloader,
		logger:   logger,
		nowFn:    time.Now,
	}
}

// Start begins the sweep loop until the context is canceled.
func (s *Supervisor) Start(ctx context.Context) {
	if s == nil {
		return
	}
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	go s.run(ctx)
}

func (s *Supervisor) run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.runOnce(ctx)

	for {
		select {
		case <-ticker.C:
			s.runOnce(ctx)
		case <-ctx.Done():
			s.logger.Info("quota supervisor stopped")
			return
		}
	}
}

// runOnce scans all credentials and clears quarantines whose window has
// passed. Returns the number of credentials recovered.
func (s *Supervisor) runOnce(ctx context.Context) int {
	metrics.SweepRuns.Inc()

	creds, err := s.store.ListCredentials(ctx)
	if err != nil {
		s.logger.Warn("quota sweep list failed", "error", err)
		return 0
	}

	now := s.nowFn()
	recovered := 0
	for _, cred := range creds {
		if ctx.Err() != nil {
			return recovered
		}
		if cred.QuarantinedUntil == nil || cred.QuarantinedUntil.After(now) {
			continue
		}
		cred.QuarantinedUntil = nil
		cred.QuotaExhausted = false
		cred.UpdatedAt = now
		if err := s.store.UpsertCredential(ctx, cred); err != nil {
			s.logger.Warn("quota sweep persist failed",
				"credential", crederrors.IDPrefix(cred.ID),
				"error", err,
			)
			continue
		}
		recovered++
		metrics.SweepRecovered.Inc()
		metrics.HealthTransitions.WithLabelValues("recover").Inc()
		s.logger.Info("credential recovered from quarantine",
			"credential", crederrors.IDPrefix(cred.ID),
			"label", cred.Label,
		)
	}

	if recovered > 0 && s.reloader != nil {
		if err := s.reloader.Load(ctx, true); err != nil {
			s.logger.Warn("quota sweep reload failed", "error", err)
		}
	}
	return recovered
}
