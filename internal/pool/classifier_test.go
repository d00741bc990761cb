package pool

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	crederrors "github.com/blueberrycongee/credmux/pkg/errors"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "dial tcp: i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Action
	}{
		{"nil", nil, ActionPropagate},
		{"rate limited", crederrors.NewQuotaExceededError("c1", "too many requests"), ActionQuarantine},
		{"quota message without status", errors.New("RESOURCE_EXHAUSTED: quota metric exceeded"), ActionQuarantine},
		{"rate limit message", errors.New("rate limit reached for requests"), ActionQuarantine},
		{"forbidden", crederrors.NewAccessRevokedError(403, "c1", "permission denied"), ActionDisable},
		{"bad request", crederrors.NewAccessRevokedError(400, "c1", "model not permitted"), ActionDisable},
		{"server error", crederrors.NewUpstreamError(500, "c1", "internal"), ActionPropagate},
		{"unavailable", crederrors.NewUpstreamError(503, "c1", "overloaded"), ActionPropagate},
		{"not found", crederrors.NewUpstreamError(404, "c1", "no such model"), ActionPropagate},
		{"context deadline", context.DeadlineExceeded, ActionPropagate},
		{"net timeout", timeoutError{}, ActionPropagate},
		{"plain error", errors.New("connection reset by peer"), ActionPropagate},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassify_WrappedCredError(t *testing.T) {
	inner := crederrors.NewQuotaExceededError("c1", "quota exceeded")
	wrapped := errors.Join(errors.New("upstream call failed"), inner)
	assert.Equal(t, ActionQuarantine, Classify(wrapped))
}

func TestAction_String(t *testing.T) {
	assert.Equal(t, "quarantine", ActionQuarantine.String())
	assert.Equal(t, "disable", ActionDisable.String())
	assert.Equal(t, "propagate", ActionPropagate.String())
}
