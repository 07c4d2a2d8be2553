package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// EventType identifies routing envelope variants and outbound replies.
type EventType string

const (
	TypeStaffOnDuty  EventType = "staff.onduty"
	TypeStaffOffDuty EventType = "staff.offduty"
	TypeOrder        EventType = "order"

	TypeAck   EventType = "ack"
	TypeError EventType = "error"
)

// Error codes carried by ErrorEvent.
const (
	CodeDuplicateStaff    = "duplicate_staff"
	CodeUnknownStaff      = "unknown_staff"
	CodeNoStaffAvailable  = "no_staff_available"
	CodeUnrecognizedEvent = "unrecognized_event"
	CodeRelayFailure      = "relay_failure"
	CodeInternal          = "internal"
)

var ErrUnrecognizedEvent = errors.New("unrecognized event")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Event is one routing envelope. The concrete type is StaffOnDuty,
// StaffOffDuty or Order.
type Event interface {
	Kind() EventType
}

type Envelope struct {
	Type EventType `json:"type"`
}

type StaffOnDuty struct {
	Type         EventType `json:"type"`
	ID           string    `json:"id" validate:"required"`
	Capabilities []string  `json:"capabilities" validate:"required,min=1,dive,required"`
}

type StaffOffDuty struct {
	Type EventType `json:"type"`
	ID   string    `json:"id" validate:"required"`
}

type Order struct {
	Type       EventType `json:"type"`
	Speciality string    `json:"speciality" validate:"required"`
}

func (StaffOnDuty) Kind() EventType  { return TypeStaffOnDuty }
func (StaffOffDuty) Kind() EventType { return TypeStaffOffDuty }
func (Order) Kind() EventType        { return TypeOrder }

// Ack confirms a registry mutation to the participant that asked for it.
type Ack struct {
	Type  EventType `json:"type"`
	Event EventType `json:"event"`
	ID    string    `json:"id,omitempty"`
}

type ErrorEvent struct {
	Type      EventType `json:"type"`
	Code      string    `json:"code"`
	Retryable bool      `json:"retryable"`
	Detail    string    `json:"detail"`
}

// ParseEvent decodes and validates a routing envelope. Every failure wraps
// ErrUnrecognizedEvent.
func ParseEvent(raw []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: invalid envelope: %v", ErrUnrecognizedEvent, err)
	}

	var ev Event
	switch env.Type {
	case TypeStaffOnDuty:
		var msg StaffOnDuty
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnrecognizedEvent, err)
		}
		msg.ID = strings.TrimSpace(msg.ID)
		msg.Capabilities = normalizeCapabilities(msg.Capabilities)
		ev = msg
	case TypeStaffOffDuty:
		var msg StaffOffDuty
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnrecognizedEvent, err)
		}
		msg.ID = strings.TrimSpace(msg.ID)
		ev = msg
	case TypeOrder:
		var msg Order
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnrecognizedEvent, err)
		}
		msg.Speciality = strings.TrimSpace(msg.Speciality)
		ev = msg
	default:
		return nil, fmt.Errorf("%w: type %q", ErrUnrecognizedEvent, env.Type)
	}

	if err := validate.Struct(ev); err != nil {
		return nil, fmt.Errorf("%w: invalid %s: %v", ErrUnrecognizedEvent, env.Type, err)
	}
	return ev, nil
}

// normalizeCapabilities trims, drops blanks and de-duplicates.
func normalizeCapabilities(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, c := range in {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func NewAck(event EventType, id string) Ack {
	return Ack{Type: TypeAck, Event: event, ID: id}
}

func NewErrorEvent(code string, retryable bool, detail string) ErrorEvent {
	return ErrorEvent{Type: TypeError, Code: code, Retryable: retryable, Detail: detail}
}

// Encode marshals an outbound reply. Reply types contain only strings and
// bools so encoding cannot fail.
func Encode(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		raw, _ = json.Marshal(NewErrorEvent(CodeInternal, false, err.Error()))
	}
	return raw
}
