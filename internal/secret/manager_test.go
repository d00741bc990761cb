package secret

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blueberrycongee/credmux/internal/secret/env"
)

type countingProvider struct {
	calls int
	value string
	err   error
}

func (p *countingProvider) Get(_ context.Context, _ string) (string, error) {
	p.calls++
	return p.value, p.err
}

func (p *countingProvider) Close() error { return nil }

func TestManager_Resolve(t *testing.T) {
	ctx := context.Background()
	t.Setenv("CREDMUX_TEST_SECRET", "s3cret")

	m := NewManager()
	m.Register("env", env.New())

	val, err := m.Resolve(ctx, "env://CREDMUX_TEST_SECRET")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", val)

	// No scheme: the reference is the value.
	val, err = m.Resolve(ctx, "plain-value")
	require.NoError(t, err)
	assert.Equal(t, "plain-value", val)

	_, err = m.Resolve(ctx, "vault://oauth/broker#secret")
	assert.Error(t, err)

	_, err = m.Resolve(ctx, "env://CREDMUX_TEST_UNSET")
	assert.Error(t, err)
}

func TestCachedProvider(t *testing.T) {
	ctx := context.Background()
	inner := &countingProvider{value: "cached"}
	p := NewCachedProvider(inner, time.Minute)

	for i := 0; i < 3; i++ {
		val, err := p.Get(ctx, "some/path")
		require.NoError(t, err)
		assert.Equal(t, "cached", val)
	}
	assert.Equal(t, 1, inner.calls)
}

func TestCachedProvider_ErrorNotCached(t *testing.T) {
	ctx := context.Background()
	inner := &countingProvider{err: errors.New("unavailable")}
	p := NewCachedProvider(inner, time.Minute)

	_, err := p.Get(ctx, "some/path")
	require.Error(t, err)
	_, err = p.Get(ctx, "some/path")
	require.Error(t, err)
	assert.Equal(t, 2, inner.calls)
}
