package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/credmux/internal/credential"
)

func TestMemoryStore_CredentialRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	missing, err := s.GetCredential(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	cred := &credential.Credential{ID: "c1", Enabled: true, AccessToken: "tok"}
	require.NoError(t, s.UpsertCredential(ctx, cred))

	// Mutating the caller's copy must not leak into the store.
	cred.Enabled = false

	got, err := s.GetCredential(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Enabled)

	require.NoError(t, s.DeleteCredential(ctx, "c1"))
	got, err = s.GetCredential(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryStore_ListCredentials_StableOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"c3", "c1", "c2"} {
		require.NoError(t, s.UpsertCredential(ctx, &credential.Credential{ID: id}))
	}
	creds, err := s.ListCredentials(ctx)
	require.NoError(t, err)
	require.Len(t, creds, 3)
	assert.Equal(t, "c1", creds[0].ID)
	assert.Equal(t, "c2", creds[1].ID)
	assert.Equal(t, "c3", creds[2].ID)
}

func TestMemoryStore_BanRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ban := &BanRecord{
		BorrowerID: "user-1",
		Until:      time.Now().Add(24 * time.Hour),
		Reason:     "abnormal usage",
		Offenses:   2,
	}
	require.NoError(t, s.UpsertBan(ctx, ban))

	got, err := s.GetBan(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 2, got.Offenses)

	require.NoError(t, s.DeleteBan(ctx, "user-1"))
	got, err = s.GetBan(ctx, "user-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestMemoryStore_Blacklist(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ok, err := s.IsBlacklisted(ctx, "c1", "user-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.AddBlacklist(ctx, "c1", "user-1"))
	require.NoError(t, s.AddBlacklist(ctx, "c1", "user-2"))
	require.NoError(t, s.AddBlacklist(ctx, "c1", "user-1")) // idempotent

	entries, err := s.ListBlacklist(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"user-1", "user-2"}, entries)

	require.NoError(t, s.RemoveBlacklist(ctx, "c1", "user-1"))
	ok, err = s.IsBlacklisted(ctx, "c1", "user-1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Deleting a credential drops its blacklist.
	require.NoError(t, s.DeleteCredential(ctx, "c1"))
	entries, err = s.ListBlacklist(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMemoryStore_Samples(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	now := time.Now()
	samples := []Sample{{At: now.Add(-time.Hour)}, {At: now}}
	require.NoError(t, s.PutSamples(ctx, "user-1", samples))

	got, err := s.ListSamples(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	require.NoError(t, s.PutSamples(ctx, "user-1", nil))
	got, err = s.ListSamples(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, got)
}
