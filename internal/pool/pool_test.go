package pool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/credmux/internal/credential"
	"github.com/blueberrycongee/credmux/internal/store"
	crederrors "github.com/blueberrycongee/credmux/pkg/errors"
)

// countingStore counts ListCredentials calls to verify reload caching.
type countingStore struct {
	store.Store
	lists atomic.Int64
}

func (s *countingStore) ListCredentials(ctx context.Context) ([]*credential.Credential, error) {
	s.lists.Add(1)
	return s.Store.ListCredentials(ctx)
}

// fakeRefresher stamps a fresh lifetime onto the credential.
type fakeRefresher struct {
	calls atomic.Int64
	err   error
}

func (r *fakeRefresher) Refresh(_ context.Context, cred *credential.Credential) error {
	r.calls.Add(1)
	if r.err != nil {
		return r.err
	}
	cred.AccessToken = "refreshed-" + cred.ID
	cred.IssuedAt = time.Now()
	cred.Lifetime = time.Hour
	return nil
}

func seedCredentials(t *testing.T, st store.Store, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, st.UpsertCredential(context.Background(), &credential.Credential{
			ID:       id,
			Enabled:  true,
			IssuedAt: time.Now(),
			Lifetime: time.Hour,
		}))
	}
}

func newTestPool(t *testing.T, st store.Store, refresher TokenRefresher) *Pool {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ForceReloadPerSecond = 1000
	cfg.ForceReloadBurst = 1000
	return New(st, refresher, nil, cfg)
}

func TestPool_Next_RotatesInOrder(t *testing.T) {
	st := store.NewMemoryStore()
	seedCredentials(t, st, "cred-a", "cred-b", "cred-c")
	p := newTestPool(t, st, nil)

	ctx := context.Background()
	picks := make([]string, 0, 6)
	for i := 0; i < 6; i++ {
		cred, err := p.Next(ctx)
		require.NoError(t, err)
		picks = append(picks, cred.ID)
	}
	assert.Equal(t, []string{"cred-a", "cred-b", "cred-c", "cred-a", "cred-b", "cred-c"}, picks)
}

func TestPool_Next_Exhausted(t *testing.T) {
	st := store.NewMemoryStore()
	p := newTestPool(t, st, nil)

	_, err := p.Next(context.Background())
	require.ErrorIs(t, err, crederrors.ErrPoolExhausted)

	_, err = p.Any(context.Background())
	require.ErrorIs(t, err, crederrors.ErrPoolExhausted)
}

func TestPool_Any_DoesNotAdvanceCursor(t *testing.T) {
	st := store.NewMemoryStore()
	seedCredentials(t, st, "cred-a", "cred-b")
	p := newTestPool(t, st, nil)
	ctx := context.Background()

	first, err := p.Any(ctx)
	require.NoError(t, err)
	again, err := p.Any(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	next, err := p.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "cred-a", next.ID, "rotation starts from the beginning")
}

func TestPool_Load_CachesWithinInterval(t *testing.T) {
	cs := &countingStore{Store: store.NewMemoryStore()}
	seedCredentials(t, cs.Store, "cred-a")
	p := newTestPool(t, cs, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := p.Next(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), cs.lists.Load(), "cached load reused within the interval")

	require.NoError(t, p.Load(ctx, true))
	assert.Equal(t, int64(2), cs.lists.Load(), "force bypasses the cache")
}

func TestPool_Load_ForceGateThrottles(t *testing.T) {
	cs := &countingStore{Store: store.NewMemoryStore()}
	seedCredentials(t, cs.Store, "cred-a")
	cfg := DefaultConfig()
	cfg.ForceReloadPerSecond = 0.001
	cfg.ForceReloadBurst = 1
	p := New(cs, nil, nil, cfg)
	ctx := context.Background()

	require.NoError(t, p.Load(ctx, true))
	require.NoError(t, p.Load(ctx, true)) // throttled, serves cache
	assert.Equal(t, int64(1), cs.lists.Load())
}

func TestPool_DisableUntil_ExcludesFromSelection(t *testing.T) {
	st := store.NewMemoryStore()
	seedCredentials(t, st, "cred-a", "cred-b")
	p := newTestPool(t, st, nil)
	ctx := context.Background()

	require.NoError(t, p.Load(ctx, false))
	resetAt := time.Now().Add(time.Hour)
	require.NoError(t, p.DisableUntil(ctx, "cred-a", resetAt))

	for i := 0; i < 4; i++ {
		cred, err := p.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, "cred-b", cred.ID)
	}

	// Persisted with quarantine fields set.
	stored, err := st.GetCredential(ctx, "cred-a")
	require.NoError(t, err)
	require.NotNil(t, stored.QuarantinedUntil)
	assert.True(t, stored.QuotaExhausted)
	assert.True(t, stored.Enabled, "quarantine does not clear the enabled flag")
}

func TestPool_DisableUntil_PastInstantIsEligible(t *testing.T) {
	st := store.NewMemoryStore()
	seedCredentials(t, st, "cred-a")
	p := newTestPool(t, st, nil)
	ctx := context.Background()

	require.NoError(t, p.Load(ctx, false))
	require.NoError(t, p.DisableUntil(ctx, "cred-a", time.Now().Add(-time.Minute)))

	cred, err := p.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "cred-a", cred.ID)
}

func TestPool_DisablePermanently_RemovesImmediately(t *testing.T) {
	st := store.NewMemoryStore()
	seedCredentials(t, st, "cred-a", "cred-b")
	p := newTestPool(t, st, nil)
	ctx := context.Background()

	require.NoError(t, p.Load(ctx, false))
	require.NoError(t, p.DisablePermanently(ctx, "cred-a"))

	for i := 0; i < 3; i++ {
		cred, err := p.Next(ctx)
		require.NoError(t, err)
		assert.Equal(t, "cred-b", cred.ID)
	}

	stored, err := st.GetCredential(ctx, "cred-a")
	require.NoError(t, err)
	assert.False(t, stored.Enabled)
	assert.Nil(t, stored.QuarantinedUntil)
	assert.False(t, stored.QuotaExhausted)
}

func TestPool_RecordUsage_UpdatesLiveObjectAndStore(t *testing.T) {
	st := store.NewMemoryStore()
	seedCredentials(t, st, "cred-a")
	p := newTestPool(t, st, nil)
	ctx := context.Background()

	require.NoError(t, p.Load(ctx, false))
	require.NoError(t, p.RecordUsage(ctx, "cred-a", 0.5))
	require.NoError(t, p.RecordUsage(ctx, "cred-a", 0.25))

	live, err := p.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.75, live.TotalCost)
	assert.Equal(t, int64(2), live.RequestCount)

	stored, err := st.GetCredential(ctx, "cred-a")
	require.NoError(t, err)
	assert.Equal(t, 0.75, stored.TotalCost)
	assert.Equal(t, 0.75, stored.DayCost)
}

func TestPool_Next_RefreshesNearExpiry(t *testing.T) {
	st := store.NewMemoryStore()
	require.NoError(t, st.UpsertCredential(context.Background(), &credential.Credential{
		ID:       "cred-a",
		Enabled:  true,
		IssuedAt: time.Now().Add(-time.Hour),
		Lifetime: time.Hour, // already expired
	}))
	refresher := &fakeRefresher{}
	p := newTestPool(t, st, refresher)

	cred, err := p.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "refreshed-cred-a", cred.AccessToken)
	assert.Equal(t, int64(1), refresher.calls.Load())

	// Refreshed token persisted.
	stored, err := st.GetCredential(context.Background(), "cred-a")
	require.NoError(t, err)
	assert.Equal(t, "refreshed-cred-a", stored.AccessToken)

	// Second selection sees a fresh token and does not refresh again.
	_, err = p.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), refresher.calls.Load())
}

func TestPool_Next_RefreshFailurePropagates(t *testing.T) {
	st := store.NewMemoryStore()
	require.NoError(t, st.UpsertCredential(context.Background(), &credential.Credential{
		ID:      "cred-a",
		Enabled: true, // no lifetime recorded: treated as expired
	}))
	refreshErr := errors.New("invalid_grant")
	p := newTestPool(t, st, &fakeRefresher{err: refreshErr})

	_, err := p.Next(context.Background())
	require.ErrorIs(t, err, refreshErr)
}

func TestPool_HandleUpstreamError_QuarantinesUntilUTCMidnight(t *testing.T) {
	st := store.NewMemoryStore()
	seedCredentials(t, st, "cred-a")
	p := newTestPool(t, st, nil)
	ctx := context.Background()
	require.NoError(t, p.Load(ctx, false))

	action, err := p.HandleUpstreamError(ctx, "cred-a",
		crederrors.NewQuotaExceededError("cred-a", "daily quota exceeded"))
	require.NoError(t, err)
	assert.Equal(t, ActionQuarantine, action)

	stored, err := st.GetCredential(ctx, "cred-a")
	require.NoError(t, err)
	require.NotNil(t, stored.QuarantinedUntil)

	until := stored.QuarantinedUntil.UTC()
	assert.Equal(t, 0, until.Hour())
	assert.Equal(t, 0, until.Minute())
	assert.True(t, until.After(time.Now()))
}

func TestPool_HandleUpstreamError_DisablesOnRevocation(t *testing.T) {
	st := store.NewMemoryStore()
	seedCredentials(t, st, "cred-a")
	p := newTestPool(t, st, nil)
	ctx := context.Background()
	require.NoError(t, p.Load(ctx, false))

	action, err := p.HandleUpstreamError(ctx, "cred-a",
		crederrors.NewAccessRevokedError(403, "cred-a", "permission denied"))
	require.NoError(t, err)
	assert.Equal(t, ActionDisable, action)

	stored, err := st.GetCredential(ctx, "cred-a")
	require.NoError(t, err)
	assert.False(t, stored.Enabled)
}

func TestPool_HandleUpstreamError_PropagatesOtherFailures(t *testing.T) {
	st := store.NewMemoryStore()
	seedCredentials(t, st, "cred-a")
	p := newTestPool(t, st, nil)
	ctx := context.Background()

	upstream := crederrors.NewUpstreamError(503, "cred-a", "overloaded")
	action, err := p.HandleUpstreamError(ctx, "cred-a", upstream)
	assert.Equal(t, ActionPropagate, action)
	assert.Equal(t, upstream, err)
}

// stickyStaleRefresher rotates the access token without stamping a
// lifetime, so the credential stays within the expiry margin and every
// selection takes the refresh path.
type stickyStaleRefresher struct {
	calls atomic.Int64
}

func (r *stickyStaleRefresher) Refresh(_ context.Context, cred *credential.Credential) error {
	n := r.calls.Add(1)
	cred.AccessToken = fmt.Sprintf("refreshed-%d", n)
	return nil
}

func TestPool_Next_ConcurrentSelectionsShareRefresh(t *testing.T) {
	st := store.NewMemoryStore()
	require.NoError(t, st.UpsertCredential(context.Background(), &credential.Credential{
		ID:      "cred-a",
		Enabled: true, // no lifetime recorded: always within the margin
	}))
	refresher := &stickyStaleRefresher{}
	p := newTestPool(t, st, refresher)
	ctx := context.Background()

	const goroutines = 8
	const picks = 50
	var wg sync.WaitGroup
	wg.Add(goroutines)
	errCh := make(chan error, goroutines*picks)
	for g := 0; g < goroutines; g++ {
		go func() {
			defer wg.Done()
			for i := 0; i < picks; i++ {
				cred, err := p.Next(ctx)
				if err != nil {
					errCh <- err
					continue
				}
				if !strings.HasPrefix(cred.AccessToken, "refreshed-") {
					errCh <- fmt.Errorf("stale token %q", cred.AccessToken)
				}
			}
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatal(err)
	}

	calls := refresher.calls.Load()
	assert.GreaterOrEqual(t, calls, int64(1))
	assert.LessOrEqual(t, calls, int64(goroutines*picks),
		"concurrent selections of one credential must not multiply refreshes")

	stored, err := st.GetCredential(ctx, "cred-a")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(stored.AccessToken, "refreshed-"))
}

func TestPool_Next_ConcurrentCallersDoNotPanic(t *testing.T) {
	st := store.NewMemoryStore()
	seedCredentials(t, st, "cred-a", "cred-b", "cred-c")
	p := newTestPool(t, st, nil)
	ctx := context.Background()

	const goroutines = 20
	const picks = 50
	counts := make(map[string]int)
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func() {
			defer wg.Done()
			for i := 0; i < picks; i++ {
				cred, err := p.Next(ctx)
				if err != nil {
					continue
				}
				mu.Lock()
				counts[cred.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	total := 0
	for _, c := range counts {
		total += c
	}
	assert.Equal(t, goroutines*picks, total)
	// Best-effort fairness: every credential sees a meaningful share.
	for id, c := range counts {
		assert.Greater(t, c, 0, id)
	}
}
