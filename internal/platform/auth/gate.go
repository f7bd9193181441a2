package auth

import (
	"fmt"
	"slices"
	"time"

	"github.com/ehr/compliance/internal/platform/apperror"
	"github.com/ehr/compliance/internal/platform/hipaa"
)

// Target identifies the record an operation touches together with the
// relationships the gate needs for PII and PHI fields.
type Target struct {
	RecordType        string
	RecordID          string
	ClientID          string
	AssignedWorkerIDs []string
}

// AccessRequest is the input of Gate.Authorize.
type AccessRequest struct {
	Actor  Actor
	Action hipaa.Action
	Target Target
	Fields []hipaa.ClassifiedField
}

// FieldDenial explains why one field failed its check.
type FieldDenial struct {
	Field hipaa.ClassifiedField
	Code  apperror.Code
}

// AccessDecision is the gate's verdict. It is not persisted; the caller
// records it through the audit pipeline.
type AccessDecision struct {
	Outcome   hipaa.Outcome
	Code      apperror.Code
	Reason    string
	Denied    []FieldDenial
	Fields    []hipaa.ClassifiedField
	Timestamp time.Time
}

// Allowed reports whether the outcome is ALLOW.
func (d AccessDecision) Allowed() bool {
	return d.Outcome == hipaa.OutcomeAllow
}

// OffendingFields returns the fields that caused a DENY.
func (d AccessDecision) OffendingFields() []hipaa.ClassifiedField {
	out := make([]hipaa.ClassifiedField, 0, len(d.Denied))
	for _, fd := range d.Denied {
		out = append(out, fd.Field)
	}
	return out
}

// Err returns nil for ALLOW and otherwise an AppError with one detail per
// offending field. Field values are never included.
func (d AccessDecision) Err() error {
	if d.Allowed() {
		return nil
	}
	details := make([]apperror.Detail, 0, len(d.Denied))
	for _, fd := range d.Denied {
		details = append(details, apperror.Detail{
			Field:   fd.Field.Field,
			Code:    string(fd.Code),
			Message: fmt.Sprintf("%s field %s.%s", fd.Field.Tier, fd.Field.RecordType, fd.Field.Field),
		})
	}
	return apperror.New(d.Code, d.Reason, details...)
}

// denyPrecedence orders denial codes from weakest to strongest.
var denyPrecedence = []apperror.Code{
	apperror.CodeInsufficientPermissions,
	apperror.CodeDataClassification,
	apperror.CodePHIAccessDenied,
}

func stronger(a, b apperror.Code) bool {
	return slices.Index(denyPrecedence, a) > slices.Index(denyPrecedence, b)
}

var reasons = map[apperror.Code]string{
	apperror.CodeAuthenticationRequired:  "Authentication is required",
	apperror.CodeInvalidInput:            "Unsupported operation",
	apperror.CodeInsufficientPermissions: "Insufficient permissions for this operation",
	apperror.CodeDataClassification:      "No relationship to this record permits access to its protected fields",
	apperror.CodePHIAccessDenied:         "Access to protected health information is not granted",
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithClock sets the clock used to stamp decisions.
func WithClock(now func() time.Time) GateOption {
	return func(g *Gate) { g.now = now }
}

// WithGateMetrics counts decisions in m.
func WithGateMetrics(m *GateMetrics) GateOption {
	return func(g *Gate) { g.metrics = m }
}

// Gate decides whether an actor may perform an operation on a set of
// classified fields. Authorize does no I/O and, for a fixed clock, returns
// the same decision for the same request.
type Gate struct {
	policy  *Policy
	now     func() time.Time
	metrics *GateMetrics
}

// NewGate creates a Gate over policy.
func NewGate(policy *Policy, opts ...GateOption) *Gate {
	g := &Gate{policy: policy, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Authorize evaluates every field of req. If any field fails, the whole
// request is denied with the strongest failure code: PHI_ACCESS_DENIED,
// then DATA_CLASSIFICATION_ERROR, then INSUFFICIENT_PERMISSIONS.
func (g *Gate) Authorize(req AccessRequest) AccessDecision {
	d := g.evaluate(req)
	d.Timestamp = g.now().UTC()
	d.Fields = slices.Clone(req.Fields)
	if !d.Allowed() {
		d.Reason = reasons[d.Code]
	}
	g.metrics.observe(d)
	return d
}

func (g *Gate) evaluate(req AccessRequest) AccessDecision {
	deny := func(code apperror.Code, denied []FieldDenial) AccessDecision {
		return AccessDecision{Outcome: hipaa.OutcomeDeny, Code: code, Denied: denied}
	}

	if !req.Actor.Authenticated() {
		return deny(apperror.CodeAuthenticationRequired, nil)
	}
	if !req.Action.Valid() {
		return deny(apperror.CodeInvalidInput, nil)
	}

	permitted := g.policy.Allows(req.Actor, Permission(req.Target.RecordType, req.Action))
	if len(req.Fields) == 0 {
		if !permitted {
			return deny(apperror.CodeInsufficientPermissions, nil)
		}
		return AccessDecision{Outcome: hipaa.OutcomeAllow}
	}

	related := relatedTo(req.Actor, req.Target)
	phiGranted := g.policy.Allows(req.Actor, PermPHIAccess)

	var (
		denied []FieldDenial
		code   apperror.Code
	)
	for _, f := range req.Fields {
		fc, ok := checkField(f.Tier, permitted, related, phiGranted)
		if ok {
			continue
		}
		denied = append(denied, FieldDenial{Field: f, Code: fc})
		if code == "" || stronger(fc, code) {
			code = fc
		}
	}
	if len(denied) > 0 {
		return deny(code, denied)
	}
	return AccessDecision{Outcome: hipaa.OutcomeAllow}
}

// checkField returns the strongest failing condition for one field.
func checkField(tier hipaa.Tier, permitted, related, phiGranted bool) (apperror.Code, bool) {
	var code apperror.Code
	fail := func(c apperror.Code) {
		if code == "" || stronger(c, code) {
			code = c
		}
	}

	if !permitted {
		fail(apperror.CodeInsufficientPermissions)
	}
	switch tier {
	case hipaa.TierPII:
		if !related {
			fail(apperror.CodeDataClassification)
		}
	case hipaa.TierPHI:
		if !related {
			fail(apperror.CodeDataClassification)
		}
		if !phiGranted {
			fail(apperror.CodePHIAccessDenied)
		}
	}
	return code, code == ""
}

// relatedTo reports whether actor may see personal data on target: the
// actor is the client, an assigned worker, or a supervisor or admin.
func relatedTo(actor Actor, t Target) bool {
	switch actor.Role {
	case RoleSupervisor, RoleAdmin:
		return true
	case RoleClient:
		return t.ClientID != "" && actor.ID == t.ClientID
	case RoleWorker:
		return slices.Contains(t.AssignedWorkerIDs, actor.ID)
	}
	return false
}
