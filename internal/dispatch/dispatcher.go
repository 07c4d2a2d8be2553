package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/brigade/internal/journal"
	"github.com/ent0n29/brigade/internal/observability"
	"github.com/ent0n29/brigade/internal/protocol"
	"github.com/ent0n29/brigade/internal/registry"
	"github.com/ent0n29/brigade/internal/relay"
	"github.com/ent0n29/brigade/internal/reliability"
	"github.com/ent0n29/brigade/internal/session"
)

var (
	ErrNoStaffAvailable  = registry.ErrNoStaffAvailable
	ErrUnrecognizedEvent = protocol.ErrUnrecognizedEvent
	ErrShuttingDown      = errors.New("dispatcher shutting down")
)

const (
	defaultReplyTimeout = 5 * time.Second
	journalQueueSize    = 1024
)

// Options wires a Dispatcher's collaborators. Only Relay is required.
type Options struct {
	Selector     Selector
	Relay        *relay.Relay
	Journal      journal.Store
	Metrics      *observability.Metrics
	Logger       *zap.Logger
	ReplyTimeout time.Duration
	// OnWithdraw runs after a staff member is taken off duty because its
	// channel fell out of step. The transport uses it to drop the connection.
	OnWithdraw func(staffID string, sess session.Session)
}

// Dispatcher routes one envelope per session: staff registrations go to the
// registry and orders start a relay in their own goroutine.
type Dispatcher struct {
	registry     *registry.Registry
	selector     Selector
	relay        *relay.Relay
	journal      journal.Store
	metrics      *observability.Metrics
	logger       *zap.Logger
	replyTimeout time.Duration
	onWithdraw   func(string, session.Session)

	baseCtx context.Context
	cancel  context.CancelFunc

	mu           sync.Mutex
	closed       bool
	queueClosed  bool
	inflight     sync.WaitGroup
	records      chan journal.Record
	writerDone   chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
}

func New(reg *registry.Registry, opts Options) *Dispatcher {
	if opts.Selector == nil {
		opts.Selector = NewRandomSelector(0)
	}
	if opts.Relay == nil {
		opts.Relay = relay.New(0)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ReplyTimeout <= 0 {
		opts.ReplyTimeout = defaultReplyTimeout
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		registry:     reg,
		selector:     opts.Selector,
		relay:        opts.Relay,
		journal:      opts.Journal,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		replyTimeout: opts.ReplyTimeout,
		onWithdraw:   opts.OnWithdraw,
		baseCtx:      baseCtx,
		cancel:       cancel,
		records:      make(chan journal.Record, journalQueueSize),
		writerDone:   make(chan struct{}),
	}
	go d.journalWriter()
	return d
}

// Serve reads the routing envelope from sess and handles it. Parse failures
// are reported on sess. The parsed event is returned so the transport can
// tell what the connection became.
func (d *Dispatcher) Serve(ctx context.Context, sess session.Session) (protocol.Event, error) {
	raw, err := sess.Receive(ctx)
	if err != nil {
		return nil, err
	}
	return d.Route(ctx, sess, raw)
}

// Route handles an envelope the transport has already read from sess.
func (d *Dispatcher) Route(ctx context.Context, sess session.Session, raw []byte) (protocol.Event, error) {
	ev, err := protocol.ParseEvent(raw)
	if err != nil {
		d.observe("unknown", "unrecognized")
		d.logger.Debug("unrecognized event", zap.String("session_id", sess.ID()), zap.Error(err))
		d.reply(ctx, sess, err)
		return nil, err
	}
	return ev, d.Handle(ctx, sess, ev)
}

// Handle dispatches one event. Errors are reported on sess and returned; none
// of them leave the registry or other relays in a different state.
func (d *Dispatcher) Handle(ctx context.Context, sess session.Session, ev protocol.Event) error {
	switch e := ev.(type) {
	case protocol.StaffOnDuty:
		return d.onDuty(ctx, sess, e)
	case protocol.StaffOffDuty:
		return d.offDuty(ctx, sess, e)
	case protocol.Order:
		return d.order(ctx, sess, e)
	default:
		err := fmt.Errorf("%w: %T", ErrUnrecognizedEvent, ev)
		d.observe("unknown", "unrecognized")
		d.reply(ctx, sess, err)
		return err
	}
}

func (d *Dispatcher) onDuty(ctx context.Context, sess session.Session, e protocol.StaffOnDuty) error {
	staff, replaced, err := d.registry.RegisterHeld(e.ID, sess, e.Capabilities)
	if err != nil {
		err = fmt.Errorf("staff %q: %w", e.ID, err)
		d.logger.Warn("staff registration rejected", zap.String("staff_id", e.ID), zap.Error(err))
		d.observe(string(protocol.TypeStaffOnDuty), "rejected")
		d.reply(ctx, sess, err)
		return err
	}

	outcome := "registered"
	if replaced {
		outcome = "replaced"
		d.logger.Warn("staff id already on duty, newest registration wins",
			zap.String("staff_id", e.ID),
			zap.String("session_id", sess.ID()),
		)
	}
	// The ack goes out before the turn is released so it cannot trail an order.
	if err := d.send(ctx, sess, protocol.Encode(protocol.NewAck(protocol.TypeStaffOnDuty, e.ID))); err != nil {
		d.logger.Debug("onduty ack undeliverable", zap.String("staff_id", e.ID), zap.Error(err))
	}
	staff.Release()

	d.logger.Info("staff on duty", zap.String("staff_id", e.ID), zap.Strings("capabilities", staff.Capabilities))
	d.observe(string(protocol.TypeStaffOnDuty), outcome)
	d.updateRoster()
	return nil
}

func (d *Dispatcher) offDuty(ctx context.Context, sess session.Session, e protocol.StaffOffDuty) error {
	if err := d.registry.Unregister(e.ID); err != nil {
		err = fmt.Errorf("staff %q: %w", e.ID, err)
		d.logger.Warn("offduty for staff not on duty", zap.String("staff_id", e.ID))
		d.observe(string(protocol.TypeStaffOffDuty), "unknown")
		d.reply(ctx, sess, err)
		return err
	}

	if err := d.send(ctx, sess, protocol.Encode(protocol.NewAck(protocol.TypeStaffOffDuty, e.ID))); err != nil {
		d.logger.Debug("offduty ack undeliverable", zap.String("staff_id", e.ID), zap.Error(err))
	}
	d.logger.Info("staff off duty", zap.String("staff_id", e.ID))
	d.observe(string(protocol.TypeStaffOffDuty), "unregistered")
	d.updateRoster()
	return nil
}

func (d *Dispatcher) order(ctx context.Context, sess session.Session, e protocol.Order) error {
	started := time.Now().UTC()

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.reply(ctx, sess, ErrShuttingDown)
		return ErrShuttingDown
	}
	badPick, candidates := -1, 0
	staff, release, err := d.registry.Claim(e.Speciality, func(n int) int {
		idx := d.selector.Pick(n)
		if idx < 0 || idx >= n {
			badPick, candidates = idx, n
		}
		return idx
	})
	if err == nil {
		d.inflight.Add(1)
	}
	d.mu.Unlock()

	if candidates > 0 {
		d.logger.Warn("selector pick out of range, using first candidate",
			zap.String("speciality", e.Speciality),
			zap.Int("pick", badPick),
			zap.Int("candidates", candidates),
		)
	}

	if err != nil {
		err = fmt.Errorf("speciality %q: %w", e.Speciality, err)
		d.logger.Info("no staff available", zap.String("speciality", e.Speciality))
		d.observe(string(protocol.TypeOrder), string(journal.OutcomeNoStaff))
		if d.metrics != nil {
			d.metrics.ObserveOutcome(string(journal.OutcomeNoStaff))
		}
		d.record(journal.Record{
			Speciality: e.Speciality,
			CustomerID: sess.ID(),
			Outcome:    journal.OutcomeNoStaff,
			Detail:     err.Error(),
			StartedAt:  started,
		})
		d.reply(ctx, sess, err)
		return err
	}

	go d.runRelay(sess, staff, release, e.Speciality, started)
	return nil
}

func (d *Dispatcher) runRelay(customer session.Session, staff *registry.Staff, release func(), speciality string, started time.Time) {
	defer d.inflight.Done()
	defer release()
	if d.metrics != nil {
		d.metrics.RelaysInFlight.Inc()
		defer d.metrics.RelaysInFlight.Dec()
	}

	log := d.logger.With(
		zap.String("speciality", speciality),
		zap.String("staff_id", staff.ID),
		zap.String("customer_session_id", customer.ID()),
	)

	timings, err := d.relay.Run(d.baseCtx, relay.Order{
		Customer: customer,
		Staff:    staff.Session,
		Turn:     staff,
		OnOutOfStep: func(f *relay.Failure) {
			d.withdraw(log, staff, f)
		},
	})

	rec := journal.Record{
		Speciality: speciality,
		StaffID:    staff.ID,
		CustomerID: customer.ID(),
		Outcome:    journal.OutcomeRelayed,
		StartedAt:  started,
		Duration:   timings.Total,
	}
	if err != nil {
		rec.Outcome = journal.OutcomeRelayFailed
		rec.Detail = err.Error()
		log.Warn("relay failed", zap.Error(err))

		var f *relay.Failure
		if errors.As(err, &f) && f.CustomerReachable() {
			d.reply(d.baseCtx, customer, err)
		}
	} else {
		log.Debug("order relayed", zap.Duration("duration", timings.Total))
	}

	d.observe(string(protocol.TypeOrder), string(rec.Outcome))
	if d.metrics != nil {
		d.metrics.ObserveRelay(observability.RelaySample{
			Outcome:      string(rec.Outcome),
			ReceiveOrder: timings.ReceiveOrder,
			AwaitStaff:   timings.AwaitStaff,
			StaffTurn:    timings.StaffTurn,
			Total:        timings.Total,
		})
	}
	d.record(rec)
}

// withdraw takes a staff member off duty after a relay lost track of which
// reply on its channel belongs to which order. It runs with the staff turn
// held, so no queued order can read the stale reply first.
func (d *Dispatcher) withdraw(log *zap.Logger, staff *registry.Staff, f *relay.Failure) {
	removed := d.registry.Withdraw(staff)
	log.Warn("staff channel out of step, taking staff off duty",
		zap.String("step", string(f.Step)),
		zap.Bool("removed", removed),
		zap.Error(f.Err),
	)
	if !removed {
		return
	}
	d.observe(string(protocol.TypeStaffOffDuty), "withdrawn")
	d.updateRoster()
	if d.onWithdraw != nil {
		d.onWithdraw(staff.ID, staff.Session)
	}
}

// Disconnect takes a staff member off duty when its connection goes away,
// unless the id has since been registered by another session.
func (d *Dispatcher) Disconnect(id string, sess session.Session) {
	if !d.registry.Release(id, sess) {
		return
	}
	d.logger.Info("staff connection closed, off duty", zap.String("staff_id", id))
	d.observe(string(protocol.TypeStaffOffDuty), "disconnected")
	d.updateRoster()
}

// Shutdown stops accepting orders and waits for in-flight relays. When ctx
// ends first the remaining relays are cancelled and ctx.Err is returned.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.shutdownOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()

		done := make(chan struct{})
		go func() {
			d.inflight.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			d.cancel()
			<-done
			d.shutdownErr = ctx.Err()
		}

		d.mu.Lock()
		d.queueClosed = true
		close(d.records)
		d.mu.Unlock()
		<-d.writerDone
		d.cancel()
	})
	return d.shutdownErr
}

func (d *Dispatcher) reply(ctx context.Context, sess session.Session, cause error) {
	code, retryable := reliability.Classify(cause)
	msg := protocol.Encode(protocol.NewErrorEvent(code, retryable, cause.Error()))
	if err := d.send(ctx, sess, msg); err != nil {
		d.logger.Debug("error reply undeliverable",
			zap.String("session_id", sess.ID()),
			zap.String("code", code),
			zap.Error(err),
		)
	}
}

func (d *Dispatcher) send(ctx context.Context, sess session.Session, msg []byte) error {
	sendCtx, cancel := context.WithTimeout(ctx, d.replyTimeout)
	defer cancel()
	return sess.Send(sendCtx, msg)
}

// record queues a journal write; it never blocks the caller.
func (d *Dispatcher) record(rec journal.Record) {
	if d.journal == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.queueClosed {
		return
	}
	select {
	case d.records <- rec:
	default:
		d.logger.Warn("journal queue full, dropping record", zap.String("speciality", rec.Speciality))
		if d.metrics != nil {
			d.metrics.JournalFailures.Inc()
		}
	}
}

func (d *Dispatcher) journalWriter() {
	defer close(d.writerDone)
	for rec := range d.records {
		ctx, cancel := context.WithTimeout(context.Background(), d.replyTimeout)
		err := d.journal.Append(ctx, rec)
		cancel()
		if err != nil {
			d.logger.Warn("journal append failed", zap.Error(err))
			if d.metrics != nil {
				d.metrics.JournalFailures.Inc()
			}
		}
	}
}

func (d *Dispatcher) observe(event, outcome string) {
	if d.metrics != nil {
		d.metrics.ObserveDispatch(event, outcome)
	}
}

func (d *Dispatcher) updateRoster() {
	if d.metrics != nil {
		d.metrics.StaffOnDuty.Set(float64(d.registry.Len()))
	}
}
