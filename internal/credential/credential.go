// Package credential defines the upstream credential record and its
// token lifecycle: expiry detection and refresh against the vendor OAuth
// endpoint.
package credential

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ExpiryMargin is how close to expiry a token may get before it is
// treated as expired. The margin avoids races where a token expires
// mid-flight.
const ExpiryMargin = 30 * time.Second

// Credential is an access/refresh token pair used to authenticate to the
// upstream vendor API, together with its health and usage state.
type Credential struct {
	ID           string `json:"id"`
	Label        string `json:"label,omitempty"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`

	IssuedAt time.Time     `json:"issued_at,omitempty"`
	Lifetime time.Duration `json:"lifetime,omitempty"`

	Enabled  bool   `json:"enabled"`
	ProxyURL string `json:"proxy_url,omitempty"`

	QuarantinedUntil *time.Time `json:"quarantined_until,omitempty"`
	QuotaExhausted   bool       `json:"quota_exhausted"`

	TotalCost    float64   `json:"total_cost"`
	DayCost      float64   `json:"day_cost"`
	DayResetAt   time.Time `json:"day_reset_at"`
	RequestCount int64     `json:"request_count"`

	// Sharing attributes, owner-controlled.
	Shared           bool      `json:"shared"`
	DailyBorrowLimit int       `json:"daily_borrow_limit,omitempty"`
	DayBorrowUsed    int       `json:"day_borrow_used"`
	BorrowResetAt    time.Time `json:"borrow_reset_at"`
	OwnerEnabled     bool      `json:"owner_enabled"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Eligible reports whether the credential may be selected: enabled and
// either never quarantined or past its quarantine instant.
func (c *Credential) Eligible(now time.Time) bool {
	if !c.Enabled {
		return false
	}
	return c.QuarantinedUntil == nil || c.QuarantinedUntil.Before(now)
}

// Shareable reports whether the credential participates in the sharing
// pool: opted in, selectable, and not disabled by its owner.
func (c *Credential) Shareable(now time.Time) bool {
	return c.Shared && c.OwnerEnabled && c.Eligible(now)
}

// ExpiresAt returns the access token expiry instant and whether it is
// known. When no issue timestamp was recorded the token's own exp claim
// is consulted as a fallback.
func (c *Credential) ExpiresAt() (time.Time, bool) {
	if !c.IssuedAt.IsZero() && c.Lifetime > 0 {
		return c.IssuedAt.Add(c.Lifetime), true
	}
	return jwtExpiry(c.AccessToken)
}

// Expired reports whether the access token is within ExpiryMargin of
// expiry, or has no determinable expiry at all.
func (c *Credential) Expired(now time.Time) bool {
	expiresAt, ok := c.ExpiresAt()
	if !ok {
		return true
	}
	return !now.Add(ExpiryMargin).Before(expiresAt)
}

// Clone returns a copy so store implementations can hand out records
// without aliasing the caller's memory.
func (c *Credential) Clone() *Credential {
	dup := *c
	if c.QuarantinedUntil != nil {
		until := *c.QuarantinedUntil
		dup.QuarantinedUntil = &until
	}
	return &dup
}

// jwtExpiry extracts the exp claim from an access token without
// verifying the signature; the upstream verifies, we only need the
// expiry instant.
func jwtExpiry(accessToken string) (time.Time, bool) {
	if accessToken == "" {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
