package credential

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredential_Eligible(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	tests := []struct {
		name string
		cred Credential
		want bool
	}{
		{"enabled no quarantine", Credential{Enabled: true}, true},
		{"disabled", Credential{Enabled: false}, false},
		{"quarantine expired", Credential{Enabled: true, QuarantinedUntil: &past}, true},
		{"quarantine active", Credential{Enabled: true, QuarantinedUntil: &future}, false},
		{"disabled and quarantined", Credential{Enabled: false, QuarantinedUntil: &future}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.cred.Eligible(now))
		})
	}
}

func TestCredential_Expired_WithRecordedLifetime(t *testing.T) {
	now := time.Now()

	fresh := Credential{IssuedAt: now, Lifetime: time.Hour}
	assert.False(t, fresh.Expired(now))

	nearExpiry := Credential{IssuedAt: now.Add(-time.Hour + 20*time.Second), Lifetime: time.Hour}
	assert.True(t, nearExpiry.Expired(now), "within the 30s margin counts as expired")

	expired := Credential{IssuedAt: now.Add(-2 * time.Hour), Lifetime: time.Hour}
	assert.True(t, expired.Expired(now))
}

func TestCredential_Expired_UnknownLifetime(t *testing.T) {
	opaque := Credential{AccessToken: "not-a-jwt"}
	assert.True(t, opaque.Expired(time.Now()), "no determinable expiry means expired")
}

func TestCredential_Expired_JWTFallback(t *testing.T) {
	now := time.Now()

	signed := func(exp time.Time) string {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"exp": exp.Unix(),
		})
		s, err := token.SignedString([]byte("test-secret"))
		require.NoError(t, err)
		return s
	}

	live := Credential{AccessToken: signed(now.Add(time.Hour))}
	assert.False(t, live.Expired(now))

	stale := Credential{AccessToken: signed(now.Add(10 * time.Second))}
	assert.True(t, stale.Expired(now))
}

func TestCredential_Shareable(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour)

	assert.True(t, (&Credential{Enabled: true, OwnerEnabled: true, Shared: true}).Shareable(now))
	assert.False(t, (&Credential{Enabled: true, OwnerEnabled: false, Shared: true}).Shareable(now))
	assert.False(t, (&Credential{Enabled: true, OwnerEnabled: true, Shared: false}).Shareable(now))
	assert.False(t, (&Credential{Enabled: true, OwnerEnabled: true, Shared: true, QuarantinedUntil: &future}).Shareable(now))
}

func TestCredential_Clone_DoesNotAlias(t *testing.T) {
	until := time.Now().Add(time.Hour)
	orig := &Credential{ID: "c1", Enabled: true, QuarantinedUntil: &until}

	dup := orig.Clone()
	later := until.Add(time.Hour)
	dup.QuarantinedUntil = &later
	dup.Enabled = false

	assert.True(t, orig.Enabled)
	assert.True(t, orig.QuarantinedUntil.Equal(until))
}
