package record

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/compliance/internal/platform/concurrency"
	"github.com/ehr/compliance/internal/platform/db"
)

// PostgresStore keeps versioned records in the versioned_resource table.
// Each write and its commit hook share one transaction: the hook receives a
// context carrying it (db.WithTx), so an audit insert through the same pool
// commits or rolls back with the record.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const resourceCols = `id, type, client_id, version, data, updated_at`

func scanResource(row pgx.Row) (concurrency.Resource, error) {
	var r concurrency.Resource
	err := row.Scan(&r.ID, &r.Type, &r.ClientID, &r.Version, &r.Data, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return concurrency.Resource{}, concurrency.ErrNotFound
	}
	return r, err
}

func (s *PostgresStore) Get(ctx context.Context, id string) (concurrency.Resource, error) {
	return scanResource(db.ConnFromContext(ctx, s.pool).QueryRow(ctx,
		`SELECT `+resourceCols+` FROM versioned_resource WHERE id = $1`, id))
}

func (s *PostgresStore) Insert(ctx context.Context, r concurrency.Resource, hook concurrency.CommitHook) (concurrency.Resource, error) {
	var written concurrency.Resource
	err := db.InTx(ctx, s.pool, func(ctx context.Context) error {
		var err error
		written, err = scanResource(db.ConnFromContext(ctx, s.pool).QueryRow(ctx, `
			INSERT INTO versioned_resource (id, type, client_id, version, data, updated_at)
			VALUES ($1, $2, $3, 1, $4, NOW())
			ON CONFLICT (id) DO NOTHING
			RETURNING `+resourceCols,
			r.ID, r.Type, r.ClientID, dataOrEmpty(r.Data)))
		if errors.Is(err, concurrency.ErrNotFound) {
			return concurrency.ErrAlreadyExists
		}
		if err != nil {
			return fmt.Errorf("insert resource %s: %w", r.ID, err)
		}
		return runHook(ctx, hook, written)
	})
	if err != nil {
		return concurrency.Resource{}, err
	}
	return written, nil
}

func (s *PostgresStore) CompareAndSwap(ctx context.Context, expected int64, r concurrency.Resource, hook concurrency.CommitHook) (concurrency.Resource, error) {
	var written concurrency.Resource
	err := db.InTx(ctx, s.pool, func(ctx context.Context) error {
		q := db.ConnFromContext(ctx, s.pool)
		var err error
		written, err = scanResource(q.QueryRow(ctx, `
			UPDATE versioned_resource
			SET data = $3, version = version + 1, updated_at = NOW()
			WHERE id = $1 AND version = $2
			RETURNING `+resourceCols,
			r.ID, expected, dataOrEmpty(r.Data)))
		if errors.Is(err, concurrency.ErrNotFound) {
			return s.missOrMismatch(ctx, q, r.ID)
		}
		if err != nil {
			return fmt.Errorf("update resource %s: %w", r.ID, err)
		}
		return runHook(ctx, hook, written)
	})
	if err != nil {
		return concurrency.Resource{}, err
	}
	return written, nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string, expected int64, hook concurrency.CommitHook) (concurrency.Resource, error) {
	var removed concurrency.Resource
	err := db.InTx(ctx, s.pool, func(ctx context.Context) error {
		q := db.ConnFromContext(ctx, s.pool)
		var err error
		removed, err = scanResource(q.QueryRow(ctx, `
			DELETE FROM versioned_resource
			WHERE id = $1 AND version = $2
			RETURNING `+resourceCols, id, expected))
		if errors.Is(err, concurrency.ErrNotFound) {
			return s.missOrMismatch(ctx, q, id)
		}
		if err != nil {
			return fmt.Errorf("delete resource %s: %w", id, err)
		}
		return runHook(ctx, hook, removed)
	})
	if err != nil {
		return concurrency.Resource{}, err
	}
	return removed, nil
}

// missOrMismatch tells a missing row from a stale version after a
// conditional statement matched nothing.
func (s *PostgresStore) missOrMismatch(ctx context.Context, q db.Querier, id string) error {
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM versioned_resource WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check resource %s: %w", id, err)
	}
	if exists {
		return concurrency.ErrVersionMismatch
	}
	return concurrency.ErrNotFound
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func runHook(ctx context.Context, hook concurrency.CommitHook, r concurrency.Resource) error {
	if hook == nil {
		return nil
	}
	return hook(ctx, r)
}

func dataOrEmpty(b []byte) []byte {
	if len(b) == 0 {
		return []byte("{}")
	}
	return b
}

// PostgresRelationships resolves care assignments from the care_assignment
// table.
type PostgresRelationships struct {
	pool *pgxpool.Pool
}

func NewPostgresRelationships(pool *pgxpool.Pool) *PostgresRelationships {
	return &PostgresRelationships{pool: pool}
}

func (r *PostgresRelationships) AssignedWorkers(ctx context.Context, clientID string) ([]string, error) {
	rows, err := db.ConnFromContext(ctx, r.pool).Query(ctx,
		`SELECT worker_id FROM care_assignment WHERE client_id = $1 ORDER BY worker_id`, clientID)
	if err != nil {
		return nil, fmt.Errorf("query care assignments: %w", err)
	}
	workers, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan care assignments: %w", err)
	}
	return workers, nil
}

func (r *PostgresRelationships) Assign(ctx context.Context, clientID, workerID string) error {
	_, err := db.ConnFromContext(ctx, r.pool).Exec(ctx, `
		INSERT INTO care_assignment (client_id, worker_id) VALUES ($1, $2)
		ON CONFLICT (client_id, worker_id) DO NOTHING`, clientID, workerID)
	return err
}

func (r *PostgresRelationships) Unassign(ctx context.Context, clientID, workerID string) error {
	_, err := db.ConnFromContext(ctx, r.pool).Exec(ctx,
		`DELETE FROM care_assignment WHERE client_id = $1 AND worker_id = $2`, clientID, workerID)
	return err
}
