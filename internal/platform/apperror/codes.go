package apperror

import "net/http"

// Code identifies a failure kind. The set is closed: every error that leaves
// the compliance core carries one of the codes below.
type Code string

// Category groups codes for routing and reporting.
type Category string

const (
	CategoryValidation Category = "validation"
	CategoryAuth       Category = "auth"
	CategoryBusiness   Category = "business"
	CategoryCompliance Category = "compliance"
	CategorySystem     Category = "system"
)

// Validation
const (
	CodeValidation   Code = "VALIDATION_ERROR"
	CodeInvalidInput Code = "INVALID_INPUT"
)

// Authentication and authorization
const (
	CodeAuthenticationRequired  Code = "AUTHENTICATION_REQUIRED"
	CodeInvalidCredentials      Code = "INVALID_CREDENTIALS"
	CodeTokenExpired            Code = "TOKEN_EXPIRED"
	CodeTokenInvalid            Code = "TOKEN_INVALID"
	CodeInsufficientPermissions Code = "INSUFFICIENT_PERMISSIONS"
	CodeAccountLocked           Code = "ACCOUNT_LOCKED"
)

// Business rules
const (
	CodeResourceNotFound      Code = "RESOURCE_NOT_FOUND"
	CodeResourceConflict      Code = "RESOURCE_CONFLICT"
	CodeBusinessRuleViolation Code = "BUSINESS_RULE_VIOLATION"
	CodeOptimisticLock        Code = "OPTIMISTIC_LOCK_ERROR"
)

// Compliance
const (
	CodeHIPAAViolation     Code = "HIPAA_VIOLATION"
	CodeDataClassification Code = "DATA_CLASSIFICATION_ERROR"
	CodeAuditLogRequired   Code = "AUDIT_LOG_REQUIRED"
	CodePHIAccessDenied    Code = "PHI_ACCESS_DENIED"
)

// System
const (
	CodeDatabase          Code = "DATABASE_ERROR"
	CodeExternalService   Code = "EXTERNAL_SERVICE_ERROR"
	CodeSystem            Code = "SYSTEM_ERROR"
	CodeRateLimitExceeded Code = "RATE_LIMIT_EXCEEDED"
)

type codeInfo struct {
	category  Category
	status    int
	retryable bool
}

var codes = map[Code]codeInfo{
	CodeValidation:   {CategoryValidation, http.StatusBadRequest, false},
	CodeInvalidInput: {CategoryValidation, http.StatusBadRequest, false},

	CodeAuthenticationRequired:  {CategoryAuth, http.StatusUnauthorized, false},
	CodeInvalidCredentials:      {CategoryAuth, http.StatusUnauthorized, false},
	CodeTokenExpired:            {CategoryAuth, http.StatusUnauthorized, false},
	CodeTokenInvalid:            {CategoryAuth, http.StatusUnauthorized, false},
	CodeInsufficientPermissions: {CategoryAuth, http.StatusForbidden, false},
	CodeAccountLocked:           {CategoryAuth, http.StatusForbidden, false},

	CodeResourceNotFound:      {CategoryBusiness, http.StatusNotFound, false},
	CodeResourceConflict:      {CategoryBusiness, http.StatusConflict, false},
	CodeBusinessRuleViolation: {CategoryBusiness, http.StatusUnprocessableEntity, false},
	// The caller must re-read and resubmit; never retried as-is.
	CodeOptimisticLock: {CategoryBusiness, http.StatusConflict, false},

	CodeHIPAAViolation:     {CategoryCompliance, http.StatusForbidden, false},
	CodeDataClassification: {CategoryCompliance, http.StatusForbidden, false},
	CodeAuditLogRequired:   {CategoryCompliance, http.StatusInternalServerError, false},
	CodePHIAccessDenied:    {CategoryCompliance, http.StatusForbidden, false},

	CodeDatabase:          {CategorySystem, http.StatusInternalServerError, true},
	CodeExternalService:   {CategorySystem, http.StatusBadGateway, true},
	CodeSystem:            {CategorySystem, http.StatusInternalServerError, false},
	CodeRateLimitExceeded: {CategorySystem, http.StatusTooManyRequests, true},
}

// Valid reports whether c belongs to the taxonomy.
func (c Code) Valid() bool {
	_, ok := codes[c]
	return ok
}

// Category returns the group the code belongs to. Unknown codes are system errors.
func (c Code) Category() Category {
	if info, ok := codes[c]; ok {
		return info.category
	}
	return CategorySystem
}

// Status returns the transport status classification for the code.
func (c Code) Status() int {
	if info, ok := codes[c]; ok {
		return info.status
	}
	return http.StatusInternalServerError
}

// Retryable reports whether a caller may retry an idempotent operation that
// failed with this code. The core itself never retries.
func (c Code) Retryable() bool {
	return codes[c].retryable
}

// Codes returns every code in the taxonomy.
func Codes() []Code {
	out := make([]Code, 0, len(codes))
	for c := range codes {
		out = append(out, c)
	}
	return out
}
