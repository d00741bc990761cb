package supervisor

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/credmux/internal/credential"
	"github.com/blueberrycongee/credmux/internal/store"
)

type fakeReloader struct {
	calls int
	force bool
}

func (f *fakeReloader) Load(_ context.Context, force bool) error {
	f.calls++
	f.force = force
	return nil
}

func seedQuarantined(t *testing.T, st store.Store, id string, until time.Time) {
	t.Helper()
	require.NoError(t, st.UpsertCredential(context.Background(), &credential.Credential{
		ID:               id,
		Enabled:          true,
		QuarantinedUntil: &until,
		QuotaExhausted:   true,
	}))
}

func TestSupervisor_RunOnce_RecoversLapsed(t *testing.T) {
	now := time.Date(2025, 6, 11, 0, 5, 0, 0, time.UTC)
	st := store.NewMemoryStore()
	reloader := &fakeReloader{}
	s := New(Config{}, st, reloader, nil)
	s.nowFn = func() time.Time { return now }

	seedQuarantined(t, st, "lapsed", now.Add(-time.Minute))
	seedQuarantined(t, st, "active", now.Add(time.Hour))

	recovered := s.runOnce(context.Background())
	assert.Equal(t, 1, recovered)

	cred, err := st.GetCredential(context.Background(), "lapsed")
	require.NoError(t, err)
	assert.Nil(t, cred.QuarantinedUntil)
	assert.False(t, cred.QuotaExhausted)

	cred, err = st.GetCredential(context.Background(), "active")
	require.NoError(t, err)
	require.NotNil(t, cred.QuarantinedUntil)
	assert.True(t, cred.QuotaExhausted)

	assert.Equal(t, 1, reloader.calls)
	assert.True(t, reloader.force)
}

func TestSupervisor_RunOnce_Idempotent(t *testing.T) {
	now := time.Date(2025, 6, 11, 0, 5, 0, 0, time.UTC)
	st := store.NewMemoryStore()
	reloader := &fakeReloader{}
	s := New(Config{}, st, reloader, nil)
	s.nowFn = func() time.Time { return now }

	seedQuarantined(t, st, "lapsed", now.Add(-time.Minute))

	assert.Equal(t, 1, s.runOnce(context.Background()))
	assert.Equal(t, 0, s.runOnce(context.Background()))
	assert.Equal(t, 1, reloader.calls)
}

func TestSupervisor_RunOnce_NothingToDo(t *testing.T) {
	st := store.NewMemoryStore()
	reloader := &fakeReloader{}
	s := New(Config{}, st, reloader, nil)

	assert.Equal(t, 0, s.runOnce(context.Background()))
	assert.Zero(t, reloader.calls)
}

func TestSupervisor_LogsCredentialIDPrefixOnly(t *testing.T) {
	now := time.Date(2025, 6, 11, 0, 5, 0, 0, time.UTC)
	st := store.NewMemoryStore()

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	s := New(Config{}, st, nil, logger)
	s.nowFn = func() time.Time { return now }

	const fullID = "3f2c9b7a-4d1e-4a6b-9c0d-5e8f7a6b5c4d"
	seedQuarantined(t, st, fullID, now.Add(-time.Minute))

	require.Equal(t, 1, s.runOnce(context.Background()))

	logged := buf.String()
	assert.Contains(t, logged, fullID[:8])
	assert.NotContains(t, logged, fullID)
}

func TestSupervisor_StartOnlyOnce(t *testing.T) {
	st := store.NewMemoryStore()
	s := New(Config{Interval: time.Hour}, st, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.Start(ctx)
	s.Start(ctx)
	assert.True(t, s.started.Load())
}
