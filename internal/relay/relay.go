package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ent0n29/brigade/internal/session"
)

var ErrRelayFailure = errors.New("relay failure")

// Step names one stage of the hand-off.
type Step string

const (
	StepReceiveOrder  Step = "receive_order"
	StepAwaitStaff    Step = "await_staff"
	StepSendOrder     Step = "send_order"
	StepReceiveResult Step = "receive_result"
	StepSendResult    Step = "send_result"
)

// Failure reports which step aborted a relay. It matches ErrRelayFailure and
// the underlying cause with errors.Is.
type Failure struct {
	Step Step
	Err  error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("relay failure at %s: %v", f.Step, f.Err)
}

func (f *Failure) Unwrap() []error { return []error{ErrRelayFailure, f.Err} }

// Timeout reports whether the step ran out of time rather than losing its
// channel.
func (f *Failure) Timeout() bool { return errors.Is(f.Err, context.DeadlineExceeded) }

// CustomerReachable reports whether the customer can still be told about the
// failure.
func (f *Failure) CustomerReachable() bool {
	switch f.Step {
	case StepSendResult:
		return false
	case StepReceiveOrder:
		return f.Timeout()
	default:
		return true
	}
}

// OutOfStep reports whether the staff channel may still carry a reply that
// belongs to this order, so it must not be paired with another one.
func (f *Failure) OutOfStep() bool {
	return f.Step == StepSendOrder || f.Step == StepReceiveResult
}

// Turn serializes exchanges on a shared staff session.
type Turn interface {
	Acquire(ctx context.Context) error
	Release()
}

// Order is one customer/staff pairing to relay.
type Order struct {
	Customer session.Session
	Staff    session.Session
	// Turn is optional. When set it is held from sending the order to the
	// staff until the staff's result has been received. Waiting for it is
	// not bounded by the step timeout; it ends when ctx ends or either
	// session closes.
	Turn Turn
	// OnOutOfStep is optional. It runs with the turn still held when a
	// failure leaves the staff channel out of step.
	OnOutOfStep func(*Failure)
}

// Timings records how long each side took.
type Timings struct {
	ReceiveOrder time.Duration
	AwaitStaff   time.Duration
	StaffTurn    time.Duration
	Total        time.Duration
}

// Relay passes exactly one payload from customer to staff and one back.
type Relay struct {
	// StepTimeout bounds every receive and send. Zero waits indefinitely.
	StepTimeout time.Duration
}

func New(stepTimeout time.Duration) *Relay {
	if stepTimeout < 0 {
		stepTimeout = 0
	}
	return &Relay{StepTimeout: stepTimeout}
}

// Run performs the four steps in order. The first failing step aborts the
// rest. Run never closes either session.
func (r *Relay) Run(ctx context.Context, o Order) (t Timings, err error) {
	start := time.Now()
	defer func() { t.Total = time.Since(start) }()

	var order []byte
	err = r.step(ctx, func(ctx context.Context) error {
		var err error
		order, err = o.Customer.Receive(ctx)
		return err
	})
	if err != nil {
		return t, &Failure{Step: StepReceiveOrder, Err: err}
	}
	t.ReceiveOrder = time.Since(start)

	if o.Turn != nil {
		waitStart := time.Now()
		err = awaitTurn(ctx, o)
		t.AwaitStaff = time.Since(waitStart)
		if err != nil {
			return t, &Failure{Step: StepAwaitStaff, Err: err}
		}
	}

	staffStart := time.Now()
	result, f := r.exchange(ctx, o, order)
	t.StaffTurn = time.Since(staffStart)
	if f != nil && f.OutOfStep() && o.OnOutOfStep != nil {
		o.OnOutOfStep(f)
	}
	if o.Turn != nil {
		o.Turn.Release()
	}
	if f != nil {
		return t, f
	}

	err = r.step(ctx, func(ctx context.Context) error {
		return o.Customer.Send(ctx, result)
	})
	if err != nil {
		return t, &Failure{Step: StepSendResult, Err: err}
	}
	return t, nil
}

// awaitTurn queues for the staff member's turn. A session closing while
// queued ends the wait with session.ErrClosed.
func awaitTurn(ctx context.Context, o Order) error {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-o.Customer.Done():
		case <-o.Staff.Done():
		case <-waitCtx.Done():
		}
		cancel()
	}()

	err := o.Turn.Acquire(waitCtx)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.Canceled) {
		return session.ErrClosed
	}
	return err
}

func (r *Relay) exchange(ctx context.Context, o Order, order []byte) ([]byte, *Failure) {
	err := r.step(ctx, func(ctx context.Context) error {
		return o.Staff.Send(ctx, order)
	})
	if err != nil {
		return nil, &Failure{Step: StepSendOrder, Err: err}
	}

	var result []byte
	err = r.step(ctx, func(ctx context.Context) error {
		var err error
		result, err = o.Staff.Receive(ctx)
		return err
	})
	if err != nil {
		return nil, &Failure{Step: StepReceiveResult, Err: err}
	}
	return result, nil
}

func (r *Relay) step(ctx context.Context, fn func(context.Context) error) error {
	if r.StepTimeout <= 0 {
		return fn(ctx)
	}
	stepCtx, cancel := context.WithTimeout(ctx, r.StepTimeout)
	defer cancel()
	return fn(stepCtx)
}
