package journal

import (
	"context"
	"time"
)

// Outcome is how an order ended.
type Outcome string

const (
	OutcomeRelayed     Outcome = "relayed"
	OutcomeNoStaff     Outcome = "no_staff"
	OutcomeRelayFailed Outcome = "relay_failed"
)

// Record is one order as seen by the dispatcher. Payloads are never stored.
type Record struct {
	ID         string        `json:"id"`
	Speciality string        `json:"speciality"`
	StaffID    string        `json:"staff_id,omitempty"`
	CustomerID string        `json:"customer_session_id"`
	Outcome    Outcome       `json:"outcome"`
	Detail     string        `json:"detail,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration_ns"`
}

// Store keeps an audit trail of orders, newest first on read.
type Store interface {
	Append(ctx context.Context, record Record) error
	Recent(ctx context.Context, limit int) ([]Record, error)
	Mode() string
	Close() error
}
