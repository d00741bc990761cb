package secret

import "context"

// Provider resolves secret references to their values. The broker uses
// it for material that must not live in config files, chiefly the OAuth
// client secret.
type Provider interface {
	// Get retrieves the secret value for the given path. The path is
	// scheme-relative: "CLIENT_SECRET" for env, "oauth/broker#secret"
	// for vault.
	Get(ctx context.Context, path string) (string, error)

	// Close releases any resources held by the provider.
	Close() error
}
