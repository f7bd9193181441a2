package compliance

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ehr/compliance/internal/platform/apperror"
	"github.com/ehr/compliance/internal/platform/auth"
	"github.com/ehr/compliance/internal/platform/concurrency"
	"github.com/ehr/compliance/internal/platform/hipaa"
)

// ClientRecordType is the record type whose id is the client id itself.
const ClientRecordType = "client"

var tracer = otel.Tracer("github.com/ehr/compliance/internal/compliance")

// View is a record as returned to an actor: only the authorized fields.
type View struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	ClientID  string    `json:"client_id,omitempty"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	Fields    Payload   `json:"fields"`
}

func newView(r concurrency.Resource, fields Payload) View {
	return View{
		ID:        r.ID,
		Type:      r.Type,
		ClientID:  r.ClientID,
		Version:   r.Version,
		UpdatedAt: r.UpdatedAt,
		Fields:    fields,
	}
}

// Service runs record operations through the access gate, the versioned
// write and the audit pipeline.
type Service struct {
	registry      *hipaa.Registry
	gate          *auth.Gate
	controller    *concurrency.Controller
	pipeline      *hipaa.Pipeline
	relationships RelationshipResolver
	logger        zerolog.Logger
	auditTimeout  time.Duration

	mu     sync.Mutex
	stages []stage
}

// Registry returns the classification registry the service was built with.
func (s *Service) Registry() *hipaa.Registry { return s.registry }

// Authorize classifies fields and asks the gate. A DENY is audited before
// it is returned as the decision's error; if that audit cannot be written
// the error is AUDIT_LOG_REQUIRED carrying the denial code as a detail.
func (s *Service) Authorize(ctx context.Context, actor auth.Actor, action hipaa.Action, target auth.Target, fields []string) (auth.AccessDecision, error) {
	d := s.gate.Authorize(auth.AccessRequest{
		Actor:  actor,
		Action: action,
		Target: target,
		Fields: s.registry.Classify(target.RecordType, fields),
	})
	if d.Allowed() {
		return d, nil
	}

	event := hipaa.NewDenyEvent(action, actor.ID, string(actor.Role), target.RecordType, target.RecordID, d.Fields, d.Code, d.Reason)
	event.RequestID = hipaa.RequestIDFromContext(ctx)
	if _, err := s.recordDetached(ctx, event); err != nil {
		s.logger.Error().Err(err).
			Str("actor_id", actor.ID).
			Str("record_type", target.RecordType).
			Str("record_id", target.RecordID).
			Str("code", string(d.Code)).
			Msg("denied access could not be audited")
		return d, denialUnaudited(err, d)
	}
	return d, d.Err()
}

// Read returns the requested fields of a record. An empty field list means
// every field the record holds. The read is audited before any data is
// returned.
func (s *Service) Read(ctx context.Context, actor auth.Actor, recordType, id string, fields []string) (_ View, err error) {
	ctx, span := startSpan(ctx, "compliance.Read", actor, hipaa.ActionRead, recordType, id)
	defer func() { endSpan(span, err) }()

	cur, payload, err := s.load(ctx, recordType, id)
	if err != nil {
		return View{}, err
	}
	if len(fields) == 0 {
		fields = payload.Fields()
	}
	target, err := s.target(ctx, cur)
	if err != nil {
		return View{}, err
	}

	d, err := s.Authorize(ctx, actor, hipaa.ActionRead, target, fields)
	if err != nil {
		return View{}, err
	}

	event := hipaa.NewReadEvent(actor.ID, string(actor.Role), recordType, id, d.Fields)
	event.RequestID = hipaa.RequestIDFromContext(ctx)
	if _, err := s.pipeline.Record(ctx, event); err != nil {
		return View{}, err
	}
	return newView(cur, payload.Project(fields)), nil
}

// Create stores a new record at version 1. For client records the client id
// is the record id. The audit event is written inside the atomic write; if
// it fails, the record is not stored.
func (s *Service) Create(ctx context.Context, actor auth.Actor, recordType, id, clientID string, data Payload) (_ View, err error) {
	if id == "" {
		id = uuid.NewString()
	}
	ctx, span := startSpan(ctx, "compliance.Create", actor, hipaa.ActionCreate, recordType, id)
	defer func() { endSpan(span, err) }()

	if err := s.knownType(recordType); err != nil {
		return View{}, err
	}
	if recordType == ClientRecordType {
		clientID = id
	}
	if clientID == "" {
		return View{}, apperror.New(apperror.CodeValidation, "Record must belong to a client",
			apperror.Detail{Field: "client_id", Code: "REQUIRED", Message: "client_id is required"})
	}
	target, err := s.target(ctx, concurrency.Resource{ID: id, Type: recordType, ClientID: clientID})
	if err != nil {
		return View{}, err
	}

	d, err := s.Authorize(ctx, actor, hipaa.ActionCreate, target, data.Fields())
	if err != nil {
		return View{}, err
	}
	raw, err := data.encode()
	if err != nil {
		return View{}, err
	}

	event := hipaa.NewWriteEvent(hipaa.ActionCreate, actor.ID, string(actor.Role), recordType, id, d.Fields)
	event.RequestID = hipaa.RequestIDFromContext(ctx)
	var ack hipaa.Ack
	written, err := s.controller.Create(ctx, concurrency.Resource{ID: id, Type: recordType, ClientID: clientID, Data: raw}, s.auditHook(event, &ack))
	if err != nil {
		return View{}, s.recordFailure(ctx, event, err)
	}
	s.forwardIfPending(ctx, ack, event)
	return newView(written, data), nil
}

// Update merges changes into the record if its version still equals
// expected. A null value removes a field. A stale version fails with
// OPTIMISTIC_LOCK_ERROR and that failure is audited.
func (s *Service) Update(ctx context.Context, actor auth.Actor, recordType, id string, expected int64, changes Payload) (_ View, err error) {
	ctx, span := startSpan(ctx, "compliance.Update", actor, hipaa.ActionUpdate, recordType, id)
	span.SetAttributes(attribute.Int64("record.expected_version", expected))
	defer func() { endSpan(span, err) }()

	cur, _, err := s.load(ctx, recordType, id)
	if err != nil {
		return View{}, err
	}
	target, err := s.target(ctx, cur)
	if err != nil {
		return View{}, err
	}
	fields := changes.Fields()
	d, err := s.Authorize(ctx, actor, hipaa.ActionUpdate, target, fields)
	if err != nil {
		return View{}, err
	}

	event := hipaa.NewWriteEvent(hipaa.ActionUpdate, actor.ID, string(actor.Role), recordType, id, d.Fields)
	event.RequestID = hipaa.RequestIDFromContext(ctx)
	var (
		ack    hipaa.Ack
		merged Payload
	)
	written, err := s.controller.Write(ctx, id, expected, func(current concurrency.Resource) (json.RawMessage, error) {
		p, err := decodePayload(current.Data)
		if err != nil {
			return nil, err
		}
		merged = p.Merge(changes)
		return merged.encode()
	}, s.auditHook(event, &ack))
	if err != nil {
		return View{}, s.recordFailure(ctx, event, err)
	}
	s.forwardIfPending(ctx, ack, event)
	return newView(written, merged.Project(fields)), nil
}

// Delete removes the record if its version still equals expected. Deleting
// touches every field the record holds, so the gate sees all of them.
func (s *Service) Delete(ctx context.Context, actor auth.Actor, recordType, id string, expected int64) (err error) {
	ctx, span := startSpan(ctx, "compliance.Delete", actor, hipaa.ActionDelete, recordType, id)
	defer func() { endSpan(span, err) }()

	cur, payload, err := s.load(ctx, recordType, id)
	if err != nil {
		return err
	}
	target, err := s.target(ctx, cur)
	if err != nil {
		return err
	}
	d, err := s.Authorize(ctx, actor, hipaa.ActionDelete, target, payload.Fields())
	if err != nil {
		return err
	}

	event := hipaa.NewDeleteEvent(actor.ID, string(actor.Role), recordType, id, d.Fields)
	event.RequestID = hipaa.RequestIDFromContext(ctx)
	var ack hipaa.Ack
	if _, err := s.controller.Delete(ctx, id, expected, s.auditHook(event, &ack)); err != nil {
		return s.recordFailure(ctx, event, err)
	}
	s.forwardIfPending(ctx, ack, event)
	return nil
}

// AssignmentRecordType is the audit record type of care assignment changes.
const AssignmentRecordType = "care_assignment"

// AssignWorker assigns workerID to clientID. The change is audited; if the
// audit cannot be written the assignment is withdrawn.
func (s *Service) AssignWorker(ctx context.Context, actor auth.Actor, clientID, workerID string) error {
	return s.changeAssignment(ctx, actor, hipaa.ActionCreate, clientID, workerID)
}

// UnassignWorker removes an assignment, audited like AssignWorker.
func (s *Service) UnassignWorker(ctx context.Context, actor auth.Actor, clientID, workerID string) error {
	return s.changeAssignment(ctx, actor, hipaa.ActionDelete, clientID, workerID)
}

func (s *Service) changeAssignment(ctx context.Context, actor auth.Actor, action hipaa.Action, clientID, workerID string) error {
	a, ok := s.relationships.(Assignments)
	if !ok {
		return apperror.New(apperror.CodeBusinessRuleViolation, "Care assignments are read-only in this deployment")
	}
	if clientID == "" || workerID == "" {
		return apperror.New(apperror.CodeValidation, "client_id and worker_id are required")
	}
	if !actor.Authenticated() {
		return apperror.New(apperror.CodeAuthenticationRequired, "Authentication is required")
	}

	apply, undo := a.Assign, a.Unassign
	if action == hipaa.ActionDelete {
		apply, undo = a.Unassign, a.Assign
	}
	if err := apply(ctx, clientID, workerID); err != nil {
		return apperror.FromStorage(err, "change care assignment")
	}

	event := hipaa.NewEvent(action, hipaa.OutcomeAllow, actor.ID, string(actor.Role),
		AssignmentRecordType, clientID+"/"+workerID, nil)
	event.RequestID = hipaa.RequestIDFromContext(ctx)
	if _, err := s.recordDetached(ctx, event); err != nil {
		if uerr := undo(context.WithoutCancel(ctx), clientID, workerID); uerr != nil {
			s.logger.Error().Err(uerr).Str("client_id", clientID).Str("worker_id", workerID).
				Msg("could not withdraw unaudited care assignment change")
		}
		return err
	}
	s.logger.Info().Str("client_id", clientID).Str("worker_id", workerID).
		Str("action", string(action)).Msg("care assignment changed")
	return nil
}

// Record appends an event to the audit pipeline directly.
func (s *Service) Record(ctx context.Context, event *hipaa.AuditEvent) (hipaa.Ack, error) {
	if event.RequestID == "" {
		event.RequestID = hipaa.RequestIDFromContext(ctx)
	}
	return s.pipeline.Record(ctx, event)
}

// AuditEvents lists stored audit events, newest first.
func (s *Service) AuditEvents(ctx context.Context, filter hipaa.AuditFilter) ([]*hipaa.AuditEvent, int, error) {
	return s.pipeline.List(ctx, filter)
}

// Flush persists buffered low-sensitivity audit events.
func (s *Service) Flush(ctx context.Context) error {
	return s.pipeline.Flush(ctx)
}

func (s *Service) knownType(recordType string) error {
	if len(s.registry.Fields(recordType)) == 0 {
		return apperror.New(apperror.CodeInvalidInput, "Unknown record type",
			apperror.Detail{Field: "type", Code: "UNKNOWN_RECORD_TYPE", Message: "record type is not registered", Value: recordType})
	}
	return nil
}

// load returns the current record and its decoded payload. A record of a
// different type is reported as not found.
func (s *Service) load(ctx context.Context, recordType, id string) (concurrency.Resource, Payload, error) {
	if err := s.knownType(recordType); err != nil {
		return concurrency.Resource{}, nil, err
	}
	cur, err := s.controller.Get(ctx, id)
	if err != nil {
		if apperror.IsCode(err, apperror.CodeResourceNotFound) {
			return concurrency.Resource{}, nil, apperror.NotFound(recordType, id)
		}
		return concurrency.Resource{}, nil, err
	}
	if cur.Type != recordType {
		return concurrency.Resource{}, nil, apperror.NotFound(recordType, id)
	}
	payload, err := decodePayload(cur.Data)
	if err != nil {
		return concurrency.Resource{}, nil, err
	}
	return cur, payload, nil
}

func (s *Service) target(ctx context.Context, r concurrency.Resource) (auth.Target, error) {
	t := auth.Target{RecordType: r.Type, RecordID: r.ID, ClientID: r.ClientID}
	if r.ClientID == "" {
		return t, nil
	}
	workers, err := s.relationships.AssignedWorkers(ctx, r.ClientID)
	if err != nil {
		return auth.Target{}, apperror.FromStorage(err, "resolve care assignments")
	}
	t.AssignedWorkerIDs = workers
	return t, nil
}

// auditHook records event inside the atomic write. The hook context carries
// the store's transaction when there is one, so the audit row commits or
// rolls back with the record.
func (s *Service) auditHook(event *hipaa.AuditEvent, ack *hipaa.Ack) concurrency.CommitHook {
	return func(ctx context.Context, _ concurrency.Resource) error {
		a, err := s.pipeline.Record(ctx, event)
		if err != nil {
			return err
		}
		*ack = a
		return nil
	}
}

func (s *Service) forwardIfPending(ctx context.Context, ack hipaa.Ack, event *hipaa.AuditEvent) {
	if ack.ForwardPending {
		s.pipeline.Forward(context.WithoutCancel(ctx), event)
	}
}

// recordFailure audits a permitted operation whose write failed, then
// returns the original error. AUDIT_LOG_REQUIRED is returned as is: the
// audit store is what failed.
func (s *Service) recordFailure(ctx context.Context, attempted *hipaa.AuditEvent, cause error) error {
	code := apperror.CodeOf(cause)
	if code == apperror.CodeAuditLogRequired {
		return cause
	}
	event := hipaa.NewEvent(attempted.Action, hipaa.OutcomeAllow, attempted.ActorID, attempted.ActorRole,
		attempted.RecordType, attempted.RecordID, nil)
	event.Tiers = attempted.Tiers
	event.ErrorCode = code
	if appErr, ok := apperror.As(cause); ok {
		event.Detail = appErr.Message
	}
	event.RequestID = attempted.RequestID

	if _, err := s.recordDetached(ctx, event); err != nil {
		s.logger.Error().Err(err).
			Str("record_id", attempted.RecordID).
			Str("code", string(code)).
			Msg("failed write could not be audited")
		return apperror.AuditRequired(err).WithDetails(apperror.Detail{
			Field: "operation", Code: string(code), Message: "the operation failed and its audit record could not be written",
		})
	}
	return cause
}

// recordDetached records on a context that survives caller cancellation:
// an attempt that reached the core is audited even if the client left.
func (s *Service) recordDetached(ctx context.Context, event *hipaa.AuditEvent) (hipaa.Ack, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.auditTimeout)
	defer cancel()
	return s.pipeline.Record(ctx, event)
}

func denialUnaudited(cause error, d auth.AccessDecision) error {
	return apperror.AuditRequired(cause).WithDetails(apperror.Detail{
		Field: "decision", Code: string(d.Code), Message: d.Reason,
	})
}

func startSpan(ctx context.Context, name string, actor auth.Actor, action hipaa.Action, recordType, id string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("actor.role", string(actor.Role)),
		attribute.String("audit.action", string(action)),
		attribute.String("record.type", recordType),
		attribute.String("record.id", id),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		code := apperror.CodeOf(err)
		span.SetAttributes(attribute.String("error.code", string(code)))
		span.SetStatus(codes.Error, string(code))
	}
	span.End()
}
