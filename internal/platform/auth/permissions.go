package auth

import (
	"fmt"
	"slices"
	"strings"

	"github.com/ehr/compliance/internal/platform/hipaa"
)

// PermPHIAccess must be granted explicitly to an actor before any PHI field
// is disclosed. Wildcard permissions never imply it.
const PermPHIAccess = "phi.access"

const (
	opRead   = "read"
	opCreate = "create"
	opUpdate = "update"
	opDelete = "delete"
	opWrite  = "write"
)

// Permission returns the permission string required for action on
// recordType, e.g. "client.read".
func Permission(recordType string, action hipaa.Action) string {
	return recordType + "." + operation(action)
}

func operation(action hipaa.Action) string {
	switch action {
	case hipaa.ActionRead:
		return opRead
	case hipaa.ActionCreate:
		return opCreate
	case hipaa.ActionUpdate:
		return opUpdate
	case hipaa.ActionDelete:
		return opDelete
	}
	return strings.ToLower(string(action))
}

// matchPermission checks if a granted permission satisfies a required one.
// Permissions have the form "<recordType>.<op>". Either part of the granted
// permission may be "*", and op "write" covers create, update and delete.
func matchPermission(granted, required string) bool {
	if granted == "" || required == "" {
		return false
	}
	if required == PermPHIAccess {
		return granted == PermPHIAccess
	}

	gType, gOp, ok := strings.Cut(granted, ".")
	if !ok {
		return false
	}
	rType, rOp, ok := strings.Cut(required, ".")
	if !ok {
		return false
	}

	if gType != "*" && gType != rType {
		return false
	}
	switch gOp {
	case "*", rOp:
		return true
	case opWrite:
		return rOp == opCreate || rOp == opUpdate || rOp == opDelete
	}
	return false
}

// ValidatePermission rejects strings that can never match anything.
func ValidatePermission(perm string) error {
	if perm == PermPHIAccess {
		return nil
	}
	recordType, op, ok := strings.Cut(perm, ".")
	if !ok || recordType == "" || op == "" {
		return fmt.Errorf("permission %q: want <recordType>.<op>", perm)
	}
	if !slices.Contains([]string{"*", opRead, opCreate, opUpdate, opDelete, opWrite}, op) {
		return fmt.Errorf("permission %q: unknown operation %q", perm, op)
	}
	return nil
}
