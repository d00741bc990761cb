package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/credmux/internal/credential"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStoreFromClient(client, "credmux-test")
}

func TestRedisStore_CredentialRoundTrip(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	missing, err := s.GetCredential(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	until := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	cred := &credential.Credential{
		ID:               "c1",
		Enabled:          true,
		AccessToken:      "tok",
		QuarantinedUntil: &until,
		QuotaExhausted:   true,
		DayCost:          1.25,
	}
	require.NoError(t, s.UpsertCredential(ctx, cred))

	got, err := s.GetCredential(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.QuotaExhausted)
	require.NotNil(t, got.QuarantinedUntil)
	assert.True(t, got.QuarantinedUntil.Equal(until))
	assert.Equal(t, 1.25, got.DayCost)

	creds, err := s.ListCredentials(ctx)
	require.NoError(t, err)
	require.Len(t, creds, 1)

	require.NoError(t, s.DeleteCredential(ctx, "c1"))
	creds, err = s.ListCredentials(ctx)
	require.NoError(t, err)
	assert.Empty(t, creds)
}

func TestRedisStore_BanAndBlacklist(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	ban := &BanRecord{
		BorrowerID: "user-1",
		Until:      time.Now().Add(72 * time.Hour).UTC().Truncate(time.Second),
		Reason:     "abnormal usage",
		Offenses:   1,
	}
	require.NoError(t, s.UpsertBan(ctx, ban))
	got, err := s.GetBan(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "abnormal usage", got.Reason)

	require.NoError(t, s.DeleteBan(ctx, "user-1"))
	got, err = s.GetBan(ctx, "user-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.AddBlacklist(ctx, "c1", "user-1"))
	ok, err := s.IsBlacklisted(ctx, "c1", "user-1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.RemoveBlacklist(ctx, "c1", "user-1"))
	ok, err = s.IsBlacklisted(ctx, "c1", "user-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStore_Samples(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	got, err := s.ListSamples(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, got)

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.PutSamples(ctx, "user-1", []Sample{{At: now}}))
	got, err = s.ListSamples(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].At.Equal(now))

	require.NoError(t, s.PutSamples(ctx, "user-1", nil))
	got, err = s.ListSamples(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, got)
}
