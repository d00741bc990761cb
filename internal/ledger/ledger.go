// Package ledger meters per-credential cost and request counters with
// daily rollover. Day boundaries are UTC calendar days, matching the
// upstream vendor's quota reset anchor.
package ledger

import (
	"time"

	"github.com/blueberrycongee/credmux/internal/credential"
)

// Apply records a successful request's cost against the credential.
// The day-scoped counter is reset when the UTC calendar day has changed
// since the last reset; the lifetime counters always accumulate.
func Apply(cred *credential.Credential, cost float64, now time.Time) {
	if !SameDay(cred.DayResetAt, now) {
		cred.DayCost = 0
		cred.DayResetAt = now
	}
	cred.DayCost += cost
	cred.TotalCost += cost
	cred.RequestCount++
	cred.UpdatedAt = now
}

// RolloverBorrow lazily resets the day-scoped borrow counter when the
// calendar day changed. It is safe to call on every read.
func RolloverBorrow(cred *credential.Credential, now time.Time) {
	if !SameDay(cred.BorrowResetAt, now) {
		cred.DayBorrowUsed = 0
		cred.BorrowResetAt = now
	}
}

// ApplyBorrow counts one borrow against the credential's daily cap and
// returns the remaining allowance.
func ApplyBorrow(cred *credential.Credential, now time.Time) int {
	RolloverBorrow(cred, now)
	cred.DayBorrowUsed++
	cred.UpdatedAt = now
	return BorrowRemaining(cred)
}

// BorrowRemaining returns the remaining daily borrow allowance, never
// negative.
func BorrowRemaining(cred *credential.Credential) int {
	remaining := cred.DailyBorrowLimit - cred.DayBorrowUsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// SameDay reports whether two instants fall on the same UTC calendar day.
// A zero reset timestamp never matches, forcing an initial rollover.
func SameDay(a, b time.Time) bool {
	if a.IsZero() {
		return false
	}
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// NextUTCMidnight returns the next UTC day boundary after now, the
// instant daily quotas reset upstream.
func NextUTCMidnight(now time.Time) time.Time {
	utc := now.UTC()
	return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}
