// Package vault resolves secrets from HashiCorp Vault.
package vault

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	vault "github.com/hashicorp/vault/api"
)

// Config holds connection and authentication settings for Vault.
type Config struct {
	Address    string
	AuthMethod string // approle, cert, token
	RoleID     string
	SecretID   string
	Token      string
	CACert     string
	ClientCert string
	ClientKey  string
}

// Provider reads secrets from Vault, renewing its own auth token in the
// background for renewable leases.
type Provider struct {
	client *vault.Client
	logger *slog.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New authenticates against Vault and returns a provider.
func New(cfg Config, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	vConfig := vault.DefaultConfig()
	vConfig.Address = cfg.Address

	if cfg.ClientCert != "" || cfg.ClientKey != "" || cfg.CACert != "" {
		tlsConfig := &vault.TLSConfig{
			ClientCert: cfg.ClientCert,
			ClientKey:  cfg.ClientKey,
			CACert:     cfg.CACert,
		}
		if err := vConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("configure tls: %w", err)
		}
	}

	client, err := vault.NewClient(vConfig)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}

	p := &Provider{
		client: client,
		logger: logger,
		stopCh: make(chan struct{}),
	}

	if cfg.AuthMethod == "token" {
		client.SetToken(cfg.Token)
		return p, nil
	}

	var secret *vault.Secret
	switch cfg.AuthMethod {
	case "cert":
		secret, err = client.Logical().Write("auth/cert/login", nil)
	case "approle":
		secret, err = client.Logical().Write("auth/approle/login", map[string]interface{}{
			"role_id":   cfg.RoleID,
			"secret_id": cfg.SecretID,
		})
	default:
		return nil, fmt.Errorf("unknown vault auth method: %q", cfg.AuthMethod)
	}
	if err != nil {
		return nil, fmt.Errorf("vault login (%s): %w", cfg.AuthMethod, err)
	}
	if secret == nil || secret.Auth == nil {
		return nil, fmt.Errorf("vault login returned no auth info")
	}
	client.SetToken(secret.Auth.ClientToken)

	p.wg.Add(1)
	go p.renewToken(secret.Auth)

	return p, nil
}

// Get reads one key of a Vault secret. Path format: "path/to/secret#key";
// the key defaults to "value". KV v2 data wrapping is unwrapped.
func (p *Provider) Get(ctx context.Context, path string) (string, error) {
	secretPath := path
	key := "value"
	if idx := strings.LastIndex(path, "#"); idx != -1 {
		secretPath = path[:idx]
		key = path[idx+1:]
	}

	secret, err := p.client.Logical().ReadWithContext(ctx, secretPath)
	if err != nil {
		return "", fmt.Errorf("read vault secret %q: %w", secretPath, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("vault secret %q not found", secretPath)
	}

	data := secret.Data
	if v, ok := data["data"]; ok {
		if nested, ok := v.(map[string]interface{}); ok {
			data = nested
		}
	}

	val, ok := data[key]
	if !ok {
		return "", fmt.Errorf("key %q not found in vault secret %q", key, secretPath)
	}
	return fmt.Sprintf("%v", val), nil
}

// Close stops the token renewer.
func (p *Provider) Close() error {
	close(p.stopCh)
	p.wg.Wait()
	return nil
}

func (p *Provider) renewToken(auth *vault.SecretAuth) {
	defer p.wg.Done()

	if !auth.Renewable {
		return
	}

	watcher, err := p.client.NewLifetimeWatcher(&vault.LifetimeWatcherInput{
		Secret: &vault.Secret{Auth: auth},
	})
	if err != nil {
		p.logger.Error("vault lifetime watcher failed", "error", err)
		return
	}

	go watcher.Start()
	defer watcher.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case err := <-watcher.DoneCh():
			if err != nil {
				p.logger.Error("vault token renewal failed", "error", err)
			}
			return
		case <-watcher.RenewCh():
			p.logger.Debug("vault token renewed")
		}
	}
}
