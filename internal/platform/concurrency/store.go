package concurrency

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"time"
)

// Store facts. Controllers translate them into AppErrors.
var (
	ErrNotFound        = errors.New("resource not found")
	ErrVersionMismatch = errors.New("resource version mismatch")
	ErrAlreadyExists   = errors.New("resource already exists")
)

// Resource is a versioned record. Version starts at 1 and grows by exactly
// one per successful write.
type Resource struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	ClientID  string          `json:"client_id,omitempty"`
	Version   int64           `json:"version"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (r Resource) clone() Resource {
	r.Data = slices.Clone(r.Data)
	return r
}

// CommitHook runs inside the atomic write, after the version check passed and
// before the change is visible to any other caller. A non-nil error abandons
// the write and is returned to the caller unchanged. The hook receives the
// resource as written; for a delete it receives the removed resource.
type CommitHook func(ctx context.Context, written Resource) error

// Store persists versioned resources with a compare-and-increment primitive.
// Implementations must make each conditional write a single atomic step for
// concurrent callers, including callers in other processes.
type Store interface {
	// Get returns ErrNotFound when id does not exist.
	Get(ctx context.Context, id string) (Resource, error)
	// Insert stores r at version 1, or returns ErrAlreadyExists.
	Insert(ctx context.Context, r Resource, hook CommitHook) (Resource, error)
	// CompareAndSwap replaces the data of r.ID and increments its version,
	// only if the stored version equals expected. It returns
	// ErrVersionMismatch or ErrNotFound otherwise.
	CompareAndSwap(ctx context.Context, expected int64, r Resource, hook CommitHook) (Resource, error)
	// Delete removes id if its stored version equals expected.
	Delete(ctx context.Context, id string, expected int64, hook CommitHook) (Resource, error)
}

func runHook(ctx context.Context, hook CommitHook, r Resource) error {
	if hook == nil {
		return nil
	}
	return hook(ctx, r.clone())
}
