package apperror

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Postgres SQLSTATE codes
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgSerializationFail   = "40001"
)

// FromStorage translates a storage driver error into the taxonomy. op names
// the operation for the message; the driver text is kept only as the cause.
func FromStorage(err error, op string) error {
	if err == nil {
		return nil
	}
	if _, ok := As(err); ok {
		return err
	}

	if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows) {
		return Wrap(err, CodeResourceNotFound, fmt.Sprintf("%s: resource not found", op))
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgUniqueViolation:
			return Wrap(err, CodeResourceConflict, fmt.Sprintf("%s: resource already exists", op))
		case pgForeignKeyViolation:
			return Wrap(err, CodeInvalidInput, fmt.Sprintf("%s: referenced resource does not exist", op))
		case pgSerializationFail:
			return Wrap(err, CodeDatabase, fmt.Sprintf("%s: concurrent transaction conflict", op))
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(err, CodeDatabase, fmt.Sprintf("%s: storage timed out", op))
	}
	return Wrap(err, CodeDatabase, fmt.Sprintf("%s: storage failure", op))
}
