package reliability

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ent0n29/brigade/internal/protocol"
	"github.com/ent0n29/brigade/internal/registry"
	"github.com/ent0n29/brigade/internal/relay"
	"github.com/ent0n29/brigade/internal/session"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		code      string
		retryable bool
	}{
		{"duplicate", registry.ErrDuplicateStaff, protocol.CodeDuplicateStaff, false},
		{"unknown", fmt.Errorf("offduty ghost: %w", registry.ErrUnknownStaff), protocol.CodeUnknownStaff, false},
		{"no staff", registry.ErrNoStaffAvailable, protocol.CodeNoStaffAvailable, true},
		{"unrecognized", fmt.Errorf("%w: type %q", protocol.ErrUnrecognizedEvent, "x"), protocol.CodeUnrecognizedEvent, false},
		{"relay timeout", &relay.Failure{Step: relay.StepReceiveResult, Err: context.DeadlineExceeded}, protocol.CodeRelayFailure, true},
		{"relay closed", &relay.Failure{Step: relay.StepSendOrder, Err: session.ErrClosed}, protocol.CodeRelayFailure, false},
		{"staff withdrawn", &relay.Failure{Step: relay.StepAwaitStaff, Err: registry.ErrStaffWithdrawn}, protocol.CodeRelayFailure, true},
		{"queue timeout", &relay.Failure{Step: relay.StepAwaitStaff, Err: context.DeadlineExceeded}, protocol.CodeRelayFailure, true},
		{"staff closed while queued", &relay.Failure{Step: relay.StepAwaitStaff, Err: session.ErrClosed}, protocol.CodeRelayFailure, true},
		{"other", errors.New("boom"), protocol.CodeInternal, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, retryable := Classify(tc.err)
			if code != tc.code || retryable != tc.retryable {
				t.Fatalf("Classify() = (%q, %v), want (%q, %v)", code, retryable, tc.code, tc.retryable)
			}
		})
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(2, base, capDur); got != 400*time.Millisecond {
		t.Fatalf("attempt 2 = %v, want %v", got, 400*time.Millisecond)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
}
