package concurrency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/compliance/internal/platform/apperror"
)

const defaultWriteTimeout = 10 * time.Second

// MutateFunc computes the new data from the current resource. It must not
// have side effects: it runs before the conditional write and its result is
// discarded if the write loses the race.
type MutateFunc func(current Resource) (json.RawMessage, error)

// Controller performs version-checked writes. It never retries and never
// merges: a stale expected version fails with OPTIMISTIC_LOCK_ERROR and the
// caller re-reads and resubmits.
type Controller struct {
	store        Store
	logger       zerolog.Logger
	metrics      *Metrics
	writeTimeout time.Duration
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

// WithWriteTimeout bounds the conditional write once it has started.
func WithWriteTimeout(d time.Duration) ControllerOption {
	return func(c *Controller) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// WithMetrics records write metrics in m.
func WithMetrics(m *Metrics) ControllerOption {
	return func(c *Controller) { c.metrics = m }
}

// NewController creates a Controller over store.
func NewController(store Store, logger zerolog.Logger, opts ...ControllerOption) *Controller {
	c := &Controller{
		store:        store,
		logger:       logger.With().Str("component", "version_controller").Logger(),
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the current resource.
func (c *Controller) Get(ctx context.Context, id string) (Resource, error) {
	r, err := c.store.Get(ctx, id)
	if err != nil {
		return Resource{}, c.translate(err, "get resource", id, 0)
	}
	return r, nil
}

// Write applies mutate to resource id if its stored version equals expected
// and returns the resource at version expected+1. hook, when non-nil, runs
// inside the atomic step; its error abandons the write.
//
// ctx cancellation is honoured until the conditional write starts. From then
// on the write and its hook run to completion on a detached context bounded
// by the write timeout.
func (c *Controller) Write(ctx context.Context, id string, expected int64, mutate MutateFunc, hook CommitHook) (Resource, error) {
	if err := beforeWrite(ctx); err != nil {
		return Resource{}, err
	}
	if expected < 1 {
		return Resource{}, invalidVersion(expected)
	}

	cur, err := c.store.Get(ctx, id)
	if err != nil {
		return Resource{}, c.translate(err, "update resource", id, expected)
	}
	if cur.Version != expected {
		c.metrics.observe("update", "conflict", time.Now())
		return Resource{}, apperror.OptimisticLock(id, expected)
	}

	data, err := mutate(cur.clone())
	if err != nil {
		if _, ok := apperror.As(err); ok {
			return Resource{}, err
		}
		return Resource{}, apperror.Wrap(err, apperror.CodeBusinessRuleViolation, "Update rejected")
	}
	if err := beforeWrite(ctx); err != nil {
		return Resource{}, err
	}

	next := cur
	next.Data = data

	start := time.Now()
	wctx, cancel := c.detach(ctx)
	defer cancel()
	written, err := c.store.CompareAndSwap(wctx, expected, next, hook)
	if err != nil {
		c.metrics.observe("update", result(err), start)
		return Resource{}, c.translate(err, "update resource", id, expected)
	}
	c.metrics.observe("update", "ok", start)
	c.logger.Debug().Str("resource_id", id).Int64("version", written.Version).Msg("resource updated")
	return written, nil
}

// Create stores r at version 1. An existing id fails with RESOURCE_CONFLICT.
func (c *Controller) Create(ctx context.Context, r Resource, hook CommitHook) (Resource, error) {
	if err := beforeWrite(ctx); err != nil {
		return Resource{}, err
	}
	if r.ID == "" {
		return Resource{}, apperror.New(apperror.CodeValidation, "Resource id is required",
			apperror.Detail{Field: "id", Code: "REQUIRED", Message: "id is required"})
	}

	start := time.Now()
	wctx, cancel := c.detach(ctx)
	defer cancel()
	written, err := c.store.Insert(wctx, r, hook)
	if err != nil {
		c.metrics.observe("create", result(err), start)
		return Resource{}, c.translate(err, "create resource", r.ID, 0)
	}
	c.metrics.observe("create", "ok", start)
	return written, nil
}

// Delete removes resource id if its stored version equals expected and
// returns the removed resource.
func (c *Controller) Delete(ctx context.Context, id string, expected int64, hook CommitHook) (Resource, error) {
	if err := beforeWrite(ctx); err != nil {
		return Resource{}, err
	}
	if expected < 1 {
		return Resource{}, invalidVersion(expected)
	}

	start := time.Now()
	wctx, cancel := c.detach(ctx)
	defer cancel()
	removed, err := c.store.Delete(wctx, id, expected, hook)
	if err != nil {
		c.metrics.observe("delete", result(err), start)
		return Resource{}, c.translate(err, "delete resource", id, expected)
	}
	c.metrics.observe("delete", "ok", start)
	return removed, nil
}

func (c *Controller) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.writeTimeout)
}

func (c *Controller) translate(err error, op, id string, expected int64) error {
	switch {
	case errors.Is(err, ErrVersionMismatch):
		c.logger.Debug().Str("resource_id", id).Int64("expected_version", expected).Msg("stale write rejected")
		return apperror.OptimisticLock(id, expected)
	case errors.Is(err, ErrNotFound):
		return apperror.NotFound("resource", id)
	case errors.Is(err, ErrAlreadyExists):
		return apperror.New(apperror.CodeResourceConflict, fmt.Sprintf("resource %s already exists", id))
	}
	if _, ok := apperror.As(err); ok {
		return err
	}
	c.logger.Error().Err(err).Str("resource_id", id).Str("op", op).Msg("versioned write failed")
	return apperror.FromStorage(err, op)
}

func beforeWrite(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return apperror.Wrap(err, apperror.CodeSystem, "Request was cancelled before the write")
	}
	return nil
}

func invalidVersion(v int64) error {
	return apperror.New(apperror.CodeInvalidInput, "Expected version must be at least 1",
		apperror.Detail{Field: "version", Code: "INVALID_VERSION", Message: "must be at least 1", Value: v})
}

func result(err error) string {
	switch {
	case errors.Is(err, ErrVersionMismatch), errors.Is(err, ErrAlreadyExists):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	}
	return "error"
}
