package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/brigade/internal/session"
)

type parties struct {
	customer, customerClient *session.Endpoint
	staff, staffClient       *session.Endpoint
}

func newParties(t *testing.T) parties {
	t.Helper()
	c, cc := session.Pipe(4)
	s, sc := session.Pipe(4)
	t.Cleanup(func() {
		_ = c.Close()
		_ = s.Close()
	})
	return parties{customer: c, customerClient: cc, staff: s, staffClient: sc}
}

func TestRunRelaysOnePairUnchanged(t *testing.T) {
	p := newParties(t)
	ctx := context.Background()

	go func() {
		order, err := p.staffClient.Receive(ctx)
		if err != nil {
			return
		}
		if string(order) == "burger" {
			_ = p.staffClient.Send(ctx, []byte("done"))
		}
	}()

	if err := p.customerClient.Send(ctx, []byte("burger")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	timings, err := New(time.Second).Run(ctx, Order{Customer: p.customer, Staff: p.staff})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if timings.Total <= 0 {
		t.Fatalf("Total = %v, want > 0", timings.Total)
	}

	got, err := p.customerClient.Receive(ctx)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if string(got) != "done" {
		t.Fatalf("customer got %q, want %q", got, "done")
	}
}

func TestRunStaffTimeoutIsRelayFailure(t *testing.T) {
	p := newParties(t)
	ctx := context.Background()
	if err := p.customerClient.Send(ctx, []byte("burger")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	_, err := New(30*time.Millisecond).Run(ctx, Order{Customer: p.customer, Staff: p.staff})
	if !errors.Is(err, ErrRelayFailure) {
		t.Fatalf("Run() error = %v, want ErrRelayFailure", err)
	}
	var f *Failure
	if !errors.As(err, &f) {
		t.Fatalf("Run() error = %T, want *Failure", err)
	}
	if f.Step != StepReceiveResult || !f.Timeout() {
		t.Fatalf("failure = %+v, want timed out %s", f, StepReceiveResult)
	}
	if !f.CustomerReachable() {
		t.Fatalf("CustomerReachable() = false, want true")
	}
}

func TestRunCustomerClosedBeforeOrder(t *testing.T) {
	p := newParties(t)
	_ = p.customerClient.Close()

	_, err := New(time.Second).Run(context.Background(), Order{Customer: p.customer, Staff: p.staff})
	var f *Failure
	if !errors.As(err, &f) {
		t.Fatalf("Run() error = %v, want *Failure", err)
	}
	if f.Step != StepReceiveOrder || !errors.Is(err, session.ErrClosed) {
		t.Fatalf("failure = %+v, want closed at %s", f, StepReceiveOrder)
	}
	if f.CustomerReachable() {
		t.Fatalf("CustomerReachable() = true for closed customer")
	}
}

func TestRunStaffClosedAbortsBeforeReply(t *testing.T) {
	p := newParties(t)
	ctx := context.Background()
	_ = p.staffClient.Close()
	if err := p.customerClient.Send(ctx, []byte("burger")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	_, err := New(time.Second).Run(ctx, Order{Customer: p.customer, Staff: p.staff})
	var f *Failure
	if !errors.As(err, &f) || f.Step != StepSendOrder {
		t.Fatalf("Run() error = %v, want failure at %s", err, StepSendOrder)
	}

	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if msg, err := p.customerClient.Receive(shortCtx); err == nil {
		t.Fatalf("customer received %q after aborted relay", msg)
	}
}

type countingTurn struct {
	mu      sync.Mutex
	sem     chan struct{}
	holders int
	maxSeen int
}

func (c *countingTurn) Acquire(ctx context.Context) error {
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.mu.Lock()
	c.holders++
	if c.holders > c.maxSeen {
		c.maxSeen = c.holders
	}
	c.mu.Unlock()
	return nil
}

func (c *countingTurn) Release() {
	c.mu.Lock()
	c.holders--
	c.mu.Unlock()
	<-c.sem
}

func TestRunSerializesSharedStaff(t *testing.T) {
	staff, staffClient := session.Pipe(8)
	defer staff.Close()
	ctx := context.Background()
	turn := &countingTurn{sem: make(chan struct{}, 1)}

	// Echo staff: each reply must pair with the order just received.
	go func() {
		for {
			msg, err := staffClient.Receive(ctx)
			if err != nil {
				return
			}
			time.Sleep(2 * time.Millisecond)
			if err := staffClient.Send(ctx, append([]byte("re:"), msg...)); err != nil {
				return
			}
		}
	}()

	const orders = 8
	var wg sync.WaitGroup
	errs := make(chan error, orders)
	for i := 0; i < orders; i++ {
		c, cc := session.Pipe(1)
		payload := []byte{'o', byte('0' + i)}
		if err := cc.Send(ctx, payload); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer c.Close()
			if _, err := New(time.Second).Run(ctx, Order{Customer: c, Staff: staff, Turn: turn}); err != nil {
				errs <- err
				return
			}
			got, err := cc.Receive(ctx)
			if err != nil {
				errs <- err
				return
			}
			if string(got) != "re:"+string(payload) {
				errs <- errors.New("interleaved reply " + string(got) + " for " + string(payload))
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("relay error = %v", err)
	}
	if turn.maxSeen != 1 {
		t.Fatalf("max concurrent exchanges = %d, want 1", turn.maxSeen)
	}
}

func TestTurnNotReleasedWhenAcquireFails(t *testing.T) {
	p := newParties(t)
	turn := &countingTurn{sem: make(chan struct{}, 1)}
	turn.sem <- struct{}{} // held elsewhere

	if err := p.customerClient.Send(context.Background(), []byte("burger")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := New(time.Second).Run(ctx, Order{Customer: p.customer, Staff: p.staff, Turn: turn})
	var f *Failure
	if !errors.As(err, &f) || f.Step != StepAwaitStaff || !f.Timeout() {
		t.Fatalf("Run() error = %v, want timeout at %s", err, StepAwaitStaff)
	}
	if len(turn.sem) != 1 {
		t.Fatalf("foreign turn was released")
	}
}

func TestQueueingForTurnNotBoundedByStepTimeout(t *testing.T) {
	staff, staffClient := session.Pipe(8)
	defer staff.Close()
	ctx := context.Background()
	turn := &countingTurn{sem: make(chan struct{}, 1)}

	go func() {
		for {
			msg, err := staffClient.Receive(ctx)
			if err != nil {
				return
			}
			time.Sleep(30 * time.Millisecond)
			if err := staffClient.Send(ctx, append([]byte("re:"), msg...)); err != nil {
				return
			}
		}
	}()

	// Each exchange fits in the step timeout; queueing behind the other two
	// does not.
	const orders = 3
	var wg sync.WaitGroup
	errs := make(chan error, orders)
	for i := 0; i < orders; i++ {
		c, cc := session.Pipe(1)
		if err := cc.Send(ctx, []byte{'o', byte('0' + i)}); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer c.Close()
			timings, err := New(50*time.Millisecond).Run(ctx, Order{Customer: c, Staff: staff, Turn: turn})
			if err != nil {
				errs <- err
				return
			}
			if timings.StaffTurn >= 50*time.Millisecond {
				errs <- errors.New("staff turn included queueing time")
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("relay error = %v", err)
	}
}

func TestStaffClosedWhileQueued(t *testing.T) {
	p := newParties(t)
	turn := &countingTurn{sem: make(chan struct{}, 1)}
	turn.sem <- struct{}{}

	if err := p.customerClient.Send(context.Background(), []byte("burger")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = p.staffClient.Close()
	}()
	_, err := New(0).Run(context.Background(), Order{Customer: p.customer, Staff: p.staff, Turn: turn})
	var f *Failure
	if !errors.As(err, &f) || f.Step != StepAwaitStaff || !errors.Is(err, session.ErrClosed) {
		t.Fatalf("Run() error = %v, want closed at %s", err, StepAwaitStaff)
	}
}

func TestOutOfStepHookRunsWithTurnHeld(t *testing.T) {
	p := newParties(t)
	turn := &countingTurn{sem: make(chan struct{}, 1)}
	if err := p.customerClient.Send(context.Background(), []byte("burger")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	var hooked *Failure
	held := 0
	_, err := New(20*time.Millisecond).Run(context.Background(), Order{
		Customer: p.customer,
		Staff:    p.staff,
		Turn:     turn,
		OnOutOfStep: func(f *Failure) {
			hooked = f
			held = len(turn.sem)
		},
	})
	if !errors.Is(err, ErrRelayFailure) {
		t.Fatalf("Run() error = %v, want ErrRelayFailure", err)
	}
	if hooked == nil || hooked.Step != StepReceiveResult {
		t.Fatalf("OnOutOfStep failure = %+v, want %s", hooked, StepReceiveResult)
	}
	if held != 1 {
		t.Fatalf("turn not held during OnOutOfStep")
	}
	if len(turn.sem) != 0 {
		t.Fatalf("turn still held after Run returned")
	}
}
