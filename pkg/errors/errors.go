// Package errors defines unified error types for credential brokering
// operations. Upstream failures and selection failures are mapped to these
// standard types so callers can branch without string matching.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// ErrPoolExhausted is returned when no eligible owned credential remains.
// Retry policy belongs to the caller, which may fall back to a shared
// credential.
var ErrPoolExhausted = errors.New("credential pool exhausted")

// ErrSharingDenied is returned when a borrower is banned or no shared
// credential is available.
var ErrSharingDenied = errors.New("sharing denied")

// Common error types as constants for consistency.
const (
	TypeQuotaExceeded = "quota_exceeded"
	TypeAccessRevoked = "access_revoked"
	TypeRefreshFailed = "refresh_failed"
	TypeUpstream      = "upstream_error"
)

// CredError represents a standardized failure attributed to a credential.
// The credential is referenced by id prefix only; token material never
// appears in error text.
type CredError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Type       string `json:"type"`
	CredID     string `json:"credential_id"`
	Retryable  bool   `json:"-"`
}

// Error implements the error interface.
func (e *CredError) Error() string {
	return fmt.Sprintf("[%s] %s (credential=%s, code=%d)",
		e.Type, e.Message, IDPrefix(e.CredID), e.StatusCode)
}

// NewQuotaExceededError creates a quota exhaustion error (429).
func NewQuotaExceededError(credID, message string) *CredError {
	return &CredError{
		StatusCode: 429,
		Message:    message,
		Type:       TypeQuotaExceeded,
		CredID:     credID,
		Retryable:  true,
	}
}

// NewAccessRevokedError creates a permanent access loss error.
func NewAccessRevokedError(statusCode int, credID, message string) *CredError {
	return &CredError{
		StatusCode: statusCode,
		Message:    message,
		Type:       TypeAccessRevoked,
		CredID:     credID,
		Retryable:  false,
	}
}

// NewRefreshFailedError wraps a token refresh failure. The underlying
// error is propagated verbatim and never retried internally.
func NewRefreshFailedError(credID string, err error) *CredError {
	return &CredError{
		Message:   err.Error(),
		Type:      TypeRefreshFailed,
		CredID:    credID,
		Retryable: false,
	}
}

// NewUpstreamError creates a pass-through upstream error for status codes
// the classifier does not absorb.
func NewUpstreamError(statusCode int, credID, message string) *CredError {
	return &CredError{
		StatusCode: statusCode,
		Message:    message,
		Type:       TypeUpstream,
		CredID:     credID,
		Retryable:  statusCode >= 500,
	}
}

// BanInfo carries structured ban metadata attached to ErrSharingDenied.
type BanInfo struct {
	BorrowerID string        `json:"borrower_id"`
	Until      time.Time     `json:"until"`
	Remaining  time.Duration `json:"remaining"`
	Reason     string        `json:"reason"`
}

// SharingDeniedError wraps ErrSharingDenied with optional ban metadata.
// Ban is nil when the denial is due to no shared credential being
// available rather than an active ban.
type SharingDeniedError struct {
	Ban *BanInfo
}

// Error implements the error interface.
func (e *SharingDeniedError) Error() string {
	if e.Ban == nil {
		return "sharing denied: no shared credential available"
	}
	return fmt.Sprintf("sharing denied: borrower %s banned until %s: %s",
		e.Ban.BorrowerID, e.Ban.Until.Format(time.RFC3339), e.Ban.Reason)
}

// Unwrap makes the error match ErrSharingDenied via errors.Is.
func (e *SharingDeniedError) Unwrap() error {
	return ErrSharingDenied
}

// IDPrefix returns the first 8 characters of a credential id for logging.
func IDPrefix(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
