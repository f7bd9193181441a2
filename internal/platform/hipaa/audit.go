package hipaa

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/compliance/internal/platform/apperror"
)

// Action is the operation an actor attempted on a record.
type Action string

const (
	ActionRead   Action = "READ"
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionRead, ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// Mutates reports whether the action changes the record.
func (a Action) Mutates() bool {
	return a == ActionCreate || a == ActionUpdate || a == ActionDelete
}

// Outcome is the access decision recorded with every audit event.
type Outcome string

const (
	OutcomeAllow Outcome = "ALLOW"
	OutcomeDeny  Outcome = "DENY"
)

// AnonymousActor is recorded when a request carried no usable identity.
const AnonymousActor = "anonymous"

var (
	now   = func() time.Time { return time.Now().UTC() }
	newID = uuid.New
)

// AuditEvent is an append-only record of one audited access to a record.
type AuditEvent struct {
	EventID    uuid.UUID     `json:"event_id"`
	Timestamp  time.Time     `json:"timestamp"`
	ActorID    string        `json:"actor_id"`
	ActorRole  string        `json:"actor_role"`
	RecordType string        `json:"record_type"`
	RecordID   string        `json:"record_id"`
	Action     Action        `json:"action"`
	Outcome    Outcome       `json:"outcome"`
	Tiers      []Tier        `json:"tiers"`
	ErrorCode  apperror.Code `json:"error_code,omitempty"`
	Detail     string        `json:"detail,omitempty"`
	RequestID  string        `json:"request_id,omitempty"`
	Sequence   int64         `json:"sequence"`
	RecordedAt time.Time     `json:"recorded_at"`
}

// Sensitive reports whether the event touched PII or PHI.
func (e *AuditEvent) Sensitive() bool {
	for _, t := range e.Tiers {
		if t.Sensitive() {
			return true
		}
	}
	return false
}

// Validate checks the fields every stored event must carry.
func (e *AuditEvent) Validate() error {
	if e.EventID == uuid.Nil {
		return fmt.Errorf("audit event: event id is required")
	}
	if e.RecordType == "" {
		return fmt.Errorf("audit event: record type is required")
	}
	if !e.Action.Valid() {
		return fmt.Errorf("audit event: unknown action %q", e.Action)
	}
	if e.Outcome != OutcomeAllow && e.Outcome != OutcomeDeny {
		return fmt.Errorf("audit event: unknown outcome %q", e.Outcome)
	}
	for _, t := range e.Tiers {
		if !t.Valid() {
			return fmt.Errorf("audit event: unknown tier %q", t)
		}
	}
	return nil
}

// normalize fills defaults for fields a caller may leave empty.
func (e *AuditEvent) normalize() {
	if e.EventID == uuid.Nil {
		e.EventID = newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = now()
	}
	if e.ActorID == "" {
		e.ActorID = AnonymousActor
	}
	if e.Tiers == nil {
		e.Tiers = []Tier{}
	}
}

// NewEvent creates an AuditEvent with a fresh event id and timestamp.
func NewEvent(action Action, outcome Outcome, actorID, actorRole, recordType, recordID string, fields []ClassifiedField) *AuditEvent {
	return &AuditEvent{
		EventID:    newID(),
		Timestamp:  now(),
		ActorID:    actorID,
		ActorRole:  actorRole,
		RecordType: recordType,
		RecordID:   recordID,
		Action:     action,
		Outcome:    outcome,
		Tiers:      Tiers(fields),
	}
}

// NewReadEvent creates an AuditEvent for an allowed read.
func NewReadEvent(actorID, actorRole, recordType, recordID string, fields []ClassifiedField) *AuditEvent {
	return NewEvent(ActionRead, OutcomeAllow, actorID, actorRole, recordType, recordID, fields)
}

// NewWriteEvent creates an AuditEvent for an allowed create or update.
func NewWriteEvent(action Action, actorID, actorRole, recordType, recordID string, fields []ClassifiedField) *AuditEvent {
	return NewEvent(action, OutcomeAllow, actorID, actorRole, recordType, recordID, fields)
}

// NewDeleteEvent creates an AuditEvent for an allowed delete.
func NewDeleteEvent(actorID, actorRole, recordType, recordID string, fields []ClassifiedField) *AuditEvent {
	return NewEvent(ActionDelete, OutcomeAllow, actorID, actorRole, recordType, recordID, fields)
}

// NewDenyEvent creates an AuditEvent for a denied request carrying the denial code.
func NewDenyEvent(action Action, actorID, actorRole, recordType, recordID string, fields []ClassifiedField, code apperror.Code, detail string) *AuditEvent {
	e := NewEvent(action, OutcomeDeny, actorID, actorRole, recordType, recordID, fields)
	e.ErrorCode = code
	e.Detail = detail
	return e
}

// AuditFilter selects events for the admin audit query.
type AuditFilter struct {
	ActorID    string
	RecordType string
	RecordID   string
	Outcome    Outcome
	Since      time.Time
	Until      time.Time
	Limit      int
	Offset     int
}

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

// normalizedLimit clamps Limit to the query bounds.
func (f AuditFilter) normalizedLimit() int {
	switch {
	case f.Limit <= 0:
		return defaultAuditLimit
	case f.Limit > maxAuditLimit:
		return maxAuditLimit
	}
	return f.Limit
}

// matches reports whether e satisfies the filter. Used by stores that filter in memory.
func (f AuditFilter) matches(e *AuditEvent) bool {
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.RecordType != "" && e.RecordType != f.RecordType {
		return false
	}
	if f.RecordID != "" && e.RecordID != f.RecordID {
		return false
	}
	if f.Outcome != "" && e.Outcome != f.Outcome {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.Timestamp.Before(f.Until) {
		return false
	}
	return true
}

// AuditStore persists audit events. Append is idempotent by event id: a
// replayed event reports inserted=false, leaves the stored copy untouched and
// has its Sequence set to the stored one.
type AuditStore interface {
	Append(ctx context.Context, event *AuditEvent) (inserted bool, err error)
	List(ctx context.Context, filter AuditFilter) ([]*AuditEvent, int, error)
	Close() error
}

// BatchAppender is implemented by stores that can persist several events in
// one round trip. Events are written in slice order.
type BatchAppender interface {
	AppendBatch(ctx context.Context, events []*AuditEvent) error
}

// SequenceSource is implemented by stores that can report the highest
// sequence recorded for an actor+record pair, zero when there is none.
type SequenceSource interface {
	LastSequence(ctx context.Context, actorID, recordType, recordID string) (int64, error)
}

// Initializer is implemented by stores that need setup before the first Append.
type Initializer interface {
	Init(ctx context.Context) error
}
