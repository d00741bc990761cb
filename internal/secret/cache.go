// Package secret resolves secret references from the environment or
// HashiCorp Vault, with optional caching for references re-resolved on
// config reloads.
package secret

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// CachedProvider decorates a Provider with in-memory caching, keeping
// config hot-reloads from hammering the backing secret store.
type CachedProvider struct {
	inner Provider
	cache *cache.Cache
}

// NewCachedProvider wraps inner with a cache whose entries expire after
// ttl.
func NewCachedProvider(inner Provider, ttl time.Duration) *CachedProvider {
	return &CachedProvider{
		inner: inner,
		cache: cache.New(ttl, ttl*2),
	}
}

// Get returns the cached value or delegates to the inner provider.
func (p *CachedProvider) Get(ctx context.Context, path string) (string, error) {
	if val, found := p.cache.Get(path); found {
		if str, ok := val.(string); ok {
			return str, nil
		}
	}

	val, err := p.inner.Get(ctx, path)
	if err != nil {
		return "", err
	}

	p.cache.Set(path, val, cache.DefaultExpiration)
	return val, nil
}

// Close closes the inner provider.
func (p *CachedProvider) Close() error {
	return p.inner.Close()
}
