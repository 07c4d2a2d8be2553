package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ent0n29/brigade/internal/session"
)

var (
	ErrDuplicateStaff   = errors.New("staff already on duty")
	ErrUnknownStaff     = errors.New("unknown staff")
	ErrNoStaffAvailable = errors.New("no staff available")
	// ErrStaffWithdrawn is returned to orders still waiting on a staff member
	// whose channel fell out of step and was taken off duty.
	ErrStaffWithdrawn = errors.New("staff withdrawn")
)

// Options selects registry policy.
type Options struct {
	// Strict rejects a staff.onduty for an id that is already on duty
	// instead of letting the newest registration win.
	Strict bool
	// Exclusive hides staff that are inside a relay from Find and Claim.
	// When false the same staff member may serve concurrent orders, one
	// exchange at a time.
	Exclusive bool
}

// Staff is one on-duty registration. ID, Capabilities, Session and
// OnDutySince never change after Register.
type Staff struct {
	ID           string
	Capabilities []string
	Session      session.Session
	OnDutySince  time.Time

	caps      map[string]struct{}
	active    int // guarded by Registry.mu
	turn      chan struct{}
	withdrawn chan struct{}
	once      sync.Once
}

// Can reports whether speciality is in the capability set.
func (s *Staff) Can(speciality string) bool {
	_, ok := s.caps[speciality]
	return ok
}

// Acquire takes the staff member's exchange turn so one order's
// send/receive pair is not interleaved with another's. It fails with
// ErrStaffWithdrawn once the staff member has been withdrawn.
func (s *Staff) Acquire(ctx context.Context) error {
	select {
	case <-s.withdrawn:
		return ErrStaffWithdrawn
	default:
	}
	select {
	case s.turn <- struct{}{}:
	case <-s.withdrawn:
		return ErrStaffWithdrawn
	case <-ctx.Done():
		return ctx.Err()
	}
	// Withdraw may have raced with the handover.
	select {
	case <-s.withdrawn:
		s.Release()
		return ErrStaffWithdrawn
	default:
		return nil
	}
}

func (s *Staff) Release() {
	select {
	case <-s.turn:
	default:
	}
}

// Entry is a read-only view of a registration.
type Entry struct {
	ID           string    `json:"id"`
	Capabilities []string  `json:"capabilities"`
	ActiveOrders int       `json:"active_orders"`
	SessionID    string    `json:"session_id"`
	OnDutySince  time.Time `json:"on_duty_since"`
}

// Registry maps staff ids to their sessions. All operations are serialized
// by one RWMutex; nothing blocks on a session while holding it.
type Registry struct {
	mu    sync.RWMutex
	staff map[string]*Staff
	opts  Options
}

func New(opts Options) *Registry {
	return &Registry{
		staff: make(map[string]*Staff),
		opts:  opts,
	}
}

func (r *Registry) Options() Options { return r.opts }

// Register puts sess on duty under id. It reports whether a live
// registration was replaced.
func (r *Registry) Register(id string, sess session.Session, capabilities []string) (bool, error) {
	s, replaced, err := r.RegisterHeld(id, sess, capabilities)
	if err != nil {
		return false, err
	}
	s.Release()
	return replaced, nil
}

// RegisterHeld is Register with the new staff member's exchange turn already
// taken, so the caller can talk to the session before any relay does. The
// caller must Release the returned Staff.
func (r *Registry) RegisterHeld(id string, sess session.Session, capabilities []string) (*Staff, bool, error) {
	caps := make(map[string]struct{}, len(capabilities))
	list := make([]string, 0, len(capabilities))
	for _, c := range capabilities {
		if _, ok := caps[c]; ok {
			continue
		}
		caps[c] = struct{}{}
		list = append(list, c)
	}
	sort.Strings(list)

	s := &Staff{
		ID:           id,
		Capabilities: list,
		Session:      sess,
		OnDutySince:  time.Now().UTC(),
		caps:         caps,
		turn:         make(chan struct{}, 1),
		withdrawn:    make(chan struct{}),
	}
	s.turn <- struct{}{}

	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.staff[id]
	if exists && r.opts.Strict {
		return nil, false, ErrDuplicateStaff
	}
	r.staff[id] = s
	return s, exists, nil
}

func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.staff[id]; !ok {
		return ErrUnknownStaff
	}
	delete(r.staff, id)
	return nil
}

// Release takes id off duty only if it is still registered to sess. It is
// used when a staff connection drops, so a newer registration under the
// same id survives the old connection going away.
func (r *Registry) Release(id string, sess session.Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.staff[id]
	if !ok || s.Session != sess {
		return false
	}
	delete(r.staff, id)
	return true
}

// Withdraw takes s off duty because its channel can no longer be trusted to
// pair an order with its result. Orders waiting on s fail with
// ErrStaffWithdrawn. Any registration of the same id on the same session is
// removed too; a newer session under that id is kept. It reports whether an
// entry was removed.
func (r *Registry) Withdraw(s *Staff) bool {
	s.once.Do(func() { close(s.withdrawn) })

	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.staff[s.ID]
	if !ok || cur.Session != s.Session {
		return false
	}
	if cur != s {
		cur.once.Do(func() { close(cur.withdrawn) })
	}
	delete(r.staff, s.ID)
	return true
}

// Find returns every on-duty staff member able to handle speciality, sorted
// by id. In exclusive mode busy staff are left out.
func (r *Registry) Find(speciality string) []*Staff {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.findLocked(speciality)
}

func (r *Registry) findLocked(speciality string) []*Staff {
	var out []*Staff
	for _, s := range r.staff {
		if !s.Can(speciality) {
			continue
		}
		if r.opts.Exclusive && s.active > 0 {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Claim finds matching staff and picks one in a single critical section, then
// counts the order against it until the returned release func runs. pick is
// called under the lock with the number of candidates and must not block. A
// pick outside [0, n) falls back to the first candidate by id.
func (r *Registry) Claim(speciality string, pick func(n int) int) (*Staff, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	candidates := r.findLocked(speciality)
	if len(candidates) == 0 {
		return nil, nil, ErrNoStaffAvailable
	}
	idx := 0
	if pick != nil && len(candidates) > 1 {
		idx = pick(len(candidates))
		if idx < 0 || idx >= len(candidates) {
			idx = 0
		}
	}
	chosen := candidates[idx]
	chosen.active++

	var once sync.Once
	release := func() {
		once.Do(func() {
			r.mu.Lock()
			chosen.active--
			r.mu.Unlock()
		})
	}
	return chosen, release, nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.staff)
}

func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.staff))
	for _, s := range r.staff {
		e := Entry{
			ID:           s.ID,
			Capabilities: append([]string(nil), s.Capabilities...),
			ActiveOrders: s.active,
			OnDutySince:  s.OnDutySince,
		}
		if s.Session != nil {
			e.SessionID = s.Session.ID()
		}
		out = append(out, e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
