package reliability

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/ent0n29/brigade/internal/protocol"
	"github.com/ent0n29/brigade/internal/registry"
	"github.com/ent0n29/brigade/internal/relay"
)

// Classify maps a dispatch error to the code reported to the participant and
// whether repeating the same request later may succeed.
func Classify(err error) (code string, retryable bool) {
	switch {
	case err == nil:
		return "", false
	case errors.Is(err, registry.ErrDuplicateStaff):
		return protocol.CodeDuplicateStaff, false
	case errors.Is(err, registry.ErrUnknownStaff):
		return protocol.CodeUnknownStaff, false
	case errors.Is(err, registry.ErrNoStaffAvailable):
		return protocol.CodeNoStaffAvailable, IsRetryableCode(protocol.CodeNoStaffAvailable)
	case errors.Is(err, protocol.ErrUnrecognizedEvent):
		return protocol.CodeUnrecognizedEvent, false
	case errors.Is(err, relay.ErrRelayFailure):
		return protocol.CodeRelayFailure, IsTimeout(err) || neverReachedStaff(err)
	default:
		return protocol.CodeInternal, false
	}
}

// neverReachedStaff reports a relay that failed while queued for a staff
// member, before the order was handed over.
func neverReachedStaff(err error) bool {
	var f *relay.Failure
	return errors.As(err, &f) && f.Step == relay.StepAwaitStaff
}

// IsRetryableCode classifies error codes that describe a transient state of
// the roster rather than a bad request.
func IsRetryableCode(code string) bool {
	switch code {
	case protocol.CodeNoStaffAvailable:
		return true
	default:
		return false
	}
}

// IsTimeout reports deadline expiry, from a context or a network deadline.
func IsTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
