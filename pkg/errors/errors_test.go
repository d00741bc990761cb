package errors

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredError_RedactsCredentialID(t *testing.T) {
	err := NewQuotaExceededError("0b5a2c1d-9f2e-4b7a-8c3d-112233445566", "quota exceeded for today")
	assert.Contains(t, err.Error(), "0b5a2c1d")
	assert.NotContains(t, err.Error(), "112233445566")
}

func TestCredError_Retryability(t *testing.T) {
	assert.True(t, NewQuotaExceededError("c1", "quota").Retryable)
	assert.False(t, NewAccessRevokedError(403, "c1", "revoked").Retryable)
	assert.True(t, NewUpstreamError(503, "c1", "overloaded").Retryable)
	assert.False(t, NewUpstreamError(404, "c1", "not found").Retryable)
}

func TestSharingDeniedError_MatchesSentinel(t *testing.T) {
	banned := &SharingDeniedError{Ban: &BanInfo{
		BorrowerID: "user-7",
		Until:      time.Now().Add(24 * time.Hour),
		Reason:     "abnormal usage",
	}}
	require.True(t, errors.Is(banned, ErrSharingDenied))
	assert.Contains(t, banned.Error(), "user-7")

	empty := &SharingDeniedError{}
	require.True(t, errors.Is(empty, ErrSharingDenied))
	assert.Contains(t, empty.Error(), "no shared credential")
}

func TestIDPrefix(t *testing.T) {
	assert.Equal(t, "short", IDPrefix("short"))
	assert.Equal(t, "abcdefgh", IDPrefix("abcdefghijkl"))
}
