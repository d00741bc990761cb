package secret

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Manager routes secret references to registered providers by URI
// scheme. A reference without a scheme is returned verbatim, so plain
// config values keep working.
type Manager struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewManager creates an empty secret manager.
func NewManager() *Manager {
	return &Manager{
		providers: make(map[string]Provider),
	}
}

// Register registers a provider for a scheme such as "env" or "vault".
func (m *Manager) Register(scheme string, provider Provider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.providers[scheme] = provider
}

// Resolve turns a secret reference like "env://CLIENT_SECRET" into its
// value. References without a scheme resolve to themselves.
func (m *Manager) Resolve(ctx context.Context, ref string) (string, error) {
	scheme, path, found := strings.Cut(ref, "://")
	if !found {
		return ref, nil
	}

	m.mu.RLock()
	provider, ok := m.providers[scheme]
	m.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("no secret provider registered for scheme %q", scheme)
	}

	return provider.Get(ctx, path)
}

// Close closes all registered providers.
func (m *Manager) Close() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs []string
	for scheme, p := range m.providers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", scheme, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close secret providers: %s", strings.Join(errs, "; "))
	}
	return nil
}
