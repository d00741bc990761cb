package credential

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"

	crederrors "github.com/blueberrycongee/credmux/pkg/errors"
)

const defaultRefreshTimeout = 30 * time.Second

// RefresherConfig identifies this client to the vendor OAuth token
// endpoint.
type RefresherConfig struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Timeout      time.Duration
}

// Refresher exchanges refresh tokens for new access tokens at the vendor
// OAuth endpoint. Refresh failures are propagated verbatim and never
// retried: a second attempt would likely fail identically.
type Refresher struct {
	cfg    RefresherConfig
	client *http.Client
	logger *slog.Logger
}

// NewRefresher creates a token refresher.
func NewRefresher(cfg RefresherConfig, logger *slog.Logger) *Refresher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRefreshTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Refresh obtains a new access token for the credential and overwrites
// its token fields in place. Persisting the mutated record is the
// caller's responsibility so the store write can be batched with other
// field updates.
func (r *Refresher) Refresh(ctx context.Context, cred *Credential) error {
	conf := &oauth2.Config{
		ClientID:     r.cfg.ClientID,
		ClientSecret: r.cfg.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: r.cfg.TokenURL},
	}

	client, err := r.httpClientFor(cred)
	if err != nil {
		return crederrors.NewRefreshFailedError(cred.ID, err)
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, client)

	src := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken})
	token, err := src.Token()
	if err != nil {
		r.logger.Warn("token refresh failed",
			"credential", crederrors.IDPrefix(cred.ID),
			"error", err,
		)
		return crederrors.NewRefreshFailedError(cred.ID, err)
	}

	now := time.Now()
	cred.AccessToken = token.AccessToken
	cred.IssuedAt = now
	if !token.Expiry.IsZero() {
		cred.Lifetime = token.Expiry.Sub(now)
	}
	// Some vendors rotate the refresh token on every exchange.
	if token.RefreshToken != "" {
		cred.RefreshToken = token.RefreshToken
	}
	cred.UpdatedAt = now

	r.logger.Debug("access token refreshed",
		"credential", crederrors.IDPrefix(cred.ID),
		"lifetime", cred.Lifetime,
	)
	return nil
}

// httpClientFor returns the shared client, or one routed through the
// credential's egress proxy when configured.
func (r *Refresher) httpClientFor(cred *Credential) (*http.Client, error) {
	if cred.ProxyURL == "" {
		return r.client, nil
	}
	proxyURL, err := url.Parse(cred.ProxyURL)
	if err != nil {
		return nil, err
	}
	return &http.Client{
		Timeout: r.client.Timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
		},
	}, nil
}
