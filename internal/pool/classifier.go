package pool

import (
	"context"
	"errors"
	"net"
	"strings"

	crederrors "github.com/blueberrycongee/credmux/pkg/errors"
)

// Action is the health transition the classifier prescribes for an
// upstream failure.
type Action int

const (
	// ActionPropagate surfaces the error to the caller, which decides
	// retry and backoff. Timeouts land here.
	ActionPropagate Action = iota
	// ActionQuarantine temporarily removes the credential until the
	// next UTC midnight, the instant daily quotas reset.
	ActionQuarantine
	// ActionDisable permanently disables the credential; access
	// revocation is not self-healing.
	ActionDisable
)

// String returns the action name for logging.
func (a Action) String() string {
	switch a {
	case ActionQuarantine:
		return "quarantine"
	case ActionDisable:
		return "disable"
	default:
		return "propagate"
	}
}

// quotaIndicators are message fragments upstream uses for quota
// exhaustion when the status code alone is ambiguous.
var quotaIndicators = []string{
	"quota",
	"resource_exhausted",
	"resource exhausted",
	"rate limit",
}

// Classify maps an upstream failure to a health transition.
//
// 429 and quota-indicating messages quarantine until the daily reset:
// probing sooner just burns requests. 403 disables permanently. 400 is
// treated the same: observed to correlate with model-level permission
// denial, though it conflates malformed-request causes and deserves a
// more specific upstream code.
func Classify(err error) Action {
	if err == nil {
		return ActionPropagate
	}

	// Caller-bounded timeouts are transient, not quota exhaustion.
	if errors.Is(err, context.DeadlineExceeded) {
		return ActionPropagate
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ActionPropagate
	}

	statusCode := 0
	message := err.Error()
	var credErr *crederrors.CredError
	if errors.As(err, &credErr) {
		statusCode = credErr.StatusCode
		message = credErr.Message
	}

	switch statusCode {
	case 429:
		return ActionQuarantine
	case 403, 400:
		return ActionDisable
	}

	lower := strings.ToLower(message)
	for _, indicator := range quotaIndicators {
		if strings.Contains(lower, indicator) {
			return ActionQuarantine
		}
	}
	return ActionPropagate
}
