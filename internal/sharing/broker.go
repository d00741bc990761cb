package sharing

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/blueberrycongee/credmux/internal/credential"
	"github.com/blueberrycongee/credmux/internal/ledger"
	"github.com/blueberrycongee/credmux/internal/metrics"
	"github.com/blueberrycongee/credmux/internal/store"
	crederrors "github.com/blueberrycongee/credmux/pkg/errors"
)

const (
	minDailyBorrowLimit = 1
	maxDailyBorrowLimit = 10000

	// abuseCheckTimeout bounds the background abuse check; it runs off
	// the request path and must never block a borrow response.
	abuseCheckTimeout = 10 * time.Second
)

// Summary describes one shared credential's remaining allowance for
// listings.
type Summary struct {
	CredentialID string `json:"credential_id"`
	Label        string `json:"label,omitempty"`
	DailyLimit   int    `json:"daily_limit"`
	UsedToday    int    `json:"used_today"`
	Remaining    int    `json:"remaining"`
}

// Broker tracks per-credential sharing state and selects shared
// credentials for borrowers. Owner-side selection is round robin for
// fair quota burn; here a uniform random pick is enough, since fairness
// across borrowers is not something owners opt into.
type Broker struct {
	store  store.Store
	guard  *Guard
	logger *slog.Logger

	rngMu sync.Mutex
	rng   *rand.Rand

	nowFn func() time.Time

	// dispatch runs the post-borrow abuse check; replaced in tests to
	// run synchronously.
	dispatch func(borrowerID string)
}

// NewBroker creates a sharing broker.
func NewBroker(st store.Store, guard *Guard, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Broker{
		store:  st,
		guard:  guard,
		logger: logger,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		nowFn:  time.Now,
	}
	b.dispatch = b.asyncAbuseCheck
	return b
}

// SetSharing updates a credential's sharing opt-in and daily borrow
// limit. The limit is clamped to [1, 10000].
func (b *Broker) SetSharing(ctx context.Context, credID string, shared bool, dailyLimit int) error {
	if dailyLimit < minDailyBorrowLimit {
		dailyLimit = minDailyBorrowLimit
	}
	if dailyLimit > maxDailyBorrowLimit {
		dailyLimit = maxDailyBorrowLimit
	}

	cred, err := b.store.GetCredential(ctx, credID)
	if err != nil {
		return err
	}
	if cred == nil {
		return nil
	}
	cred.Shared = shared
	cred.DailyBorrowLimit = dailyLimit
	cred.UpdatedAt = b.nowFn()
	return b.store.UpsertCredential(ctx, cred)
}

// ListShared enumerates shareable credentials with their remaining daily
// allowance, lazily rolling over each day-scoped borrow counter.
func (b *Broker) ListShared(ctx context.Context) ([]Summary, error) {
	creds, err := b.shareable(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]Summary, 0, len(creds))
	for _, cred := range creds {
		result = append(result, Summary{
			CredentialID: cred.ID,
			Label:        cred.Label,
			DailyLimit:   cred.DailyBorrowLimit,
			UsedToday:    cred.DayBorrowUsed,
			Remaining:    ledger.BorrowRemaining(cred),
		})
	}
	return result, nil
}

// SelectForBorrower picks a shared credential for the borrower: the
// abuse guard is consulted first, then blacklisting and exhausted daily
// caps filter the candidates, and one of the remainder is chosen
// uniformly at random. On success the borrow is counted, a usage sample
// recorded, and an abuse check dispatched off the request path.
func (b *Broker) SelectForBorrower(ctx context.Context, borrowerID string) (*credential.Credential, error) {
	ban, err := b.guard.IsBanned(ctx, borrowerID)
	if err != nil {
		return nil, err
	}
	if ban != nil {
		metrics.Borrows.WithLabelValues("banned").Inc()
		return nil, &crederrors.SharingDeniedError{Ban: ban}
	}

	creds, err := b.shareable(ctx)
	if err != nil {
		return nil, err
	}

	candidates := make([]*credential.Credential, 0, len(creds))
	for _, cred := range creds {
		if ledger.BorrowRemaining(cred) <= 0 {
			continue
		}
		blacklisted, err := b.store.IsBlacklisted(ctx, cred.ID, borrowerID)
		if err != nil {
			return nil, err
		}
		if blacklisted {
			continue
		}
		candidates = append(candidates, cred)
	}
	if len(candidates) == 0 {
		metrics.Borrows.WithLabelValues("unavailable").Inc()
		return nil, &crederrors.SharingDeniedError{}
	}

	cred := candidates[b.randIntn(len(candidates))]
	ledger.ApplyBorrow(cred, b.nowFn())
	if err := b.store.UpsertCredential(ctx, cred); err != nil {
		return nil, err
	}
	if err := b.guard.RecordUsage(ctx, borrowerID); err != nil {
		b.logger.Warn("record borrow sample failed",
			"borrower", borrowerID,
			"error", err,
		)
	}

	b.dispatch(borrowerID)
	metrics.Borrows.WithLabelValues("ok").Inc()
	return cred, nil
}

// AddToBlacklist blocks a borrower from one credential.
func (b *Broker) AddToBlacklist(ctx context.Context, credID, borrowerID string) error {
	return b.store.AddBlacklist(ctx, credID, borrowerID)
}

// RemoveFromBlacklist re-admits a borrower to one credential.
func (b *Broker) RemoveFromBlacklist(ctx context.Context, credID, borrowerID string) error {
	return b.store.RemoveBlacklist(ctx, credID, borrowerID)
}

// Blacklist lists the borrowers blocked from one credential.
func (b *Broker) Blacklist(ctx context.Context, credID string) ([]string, error) {
	return b.store.ListBlacklist(ctx, credID)
}

// shareable loads the currently shareable credentials, persisting any
// lazy borrow-day rollover so listings and selections agree.
func (b *Broker) shareable(ctx context.Context) ([]*credential.Credential, error) {
	creds, err := b.store.ListCredentials(ctx)
	if err != nil {
		return nil, err
	}
	now := b.nowFn()
	result := make([]*credential.Credential, 0, len(creds))
	for _, cred := range creds {
		if !cred.Shareable(now) {
			continue
		}
		used := cred.DayBorrowUsed
		ledger.RolloverBorrow(cred, now)
		if cred.DayBorrowUsed != used {
			if err := b.store.UpsertCredential(ctx, cred); err != nil {
				return nil, err
			}
		}
		result = append(result, cred)
	}
	return result, nil
}

func (b *Broker) randIntn(n int) int {
	b.rngMu.Lock()
	defer b.rngMu.Unlock()
	return b.rng.Intn(n)
}

// asyncAbuseCheck runs the abuse check on its own goroutine with its own
// deadline; failures only log.
func (b *Broker) asyncAbuseCheck(borrowerID string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), abuseCheckTimeout)
		defer cancel()
		if _, err := b.guard.CheckAndBan(ctx, borrowerID); err != nil {
			b.logger.Warn("abuse check failed",
				"borrower", borrowerID,
				"error", err,
			)
		}
	}()
}
