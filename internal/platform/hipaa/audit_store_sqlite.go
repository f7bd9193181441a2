package hipaa

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"runtime"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ehr/compliance/internal/platform/apperror"
)

const sqliteAuditSchema = `
CREATE TABLE IF NOT EXISTS audit_event (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id    TEXT NOT NULL UNIQUE,
    occurred_at TEXT NOT NULL,
    actor_id    TEXT NOT NULL,
    actor_role  TEXT NOT NULL,
    record_type TEXT NOT NULL,
    record_id   TEXT NOT NULL,
    action      TEXT NOT NULL,
    outcome     TEXT NOT NULL,
    tiers       TEXT NOT NULL,
    error_code  TEXT NOT NULL DEFAULT '',
    detail      TEXT NOT NULL DEFAULT '',
    request_id  TEXT NOT NULL DEFAULT '',
    sequence    INTEGER NOT NULL DEFAULT 0,
    recorded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_event_actor ON audit_event (actor_id, occurred_at);
CREATE INDEX IF NOT EXISTS idx_audit_event_record ON audit_event (record_type, record_id, occurred_at);
CREATE INDEX IF NOT EXISTS idx_audit_event_pair_sequence ON audit_event (actor_id, record_type, record_id, sequence);
`

// SQLiteStore persists audit events to an embedded SQLite file for
// standalone deployments without Postgres. Writes go through a single
// connection; reads use a separate pool.
type SQLiteStore struct {
	r *sql.DB
	w *sql.DB
}

// OpenSQLiteStore opens (creating if needed) the database at path.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)", path)

	w, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit sqlite writer: %w", err)
	}
	w.SetMaxOpenConns(1)
	w.SetMaxIdleConns(1)
	w.SetConnMaxLifetime(0)

	r, err := sql.Open("sqlite", dsn)
	if err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("open audit sqlite reader: %w", err)
	}
	r.SetMaxOpenConns(runtime.NumCPU())

	return &SQLiteStore{r: r, w: w}, nil
}

// Init creates the audit table.
func (s *SQLiteStore) Init(ctx context.Context) error {
	if _, err := s.w.ExecContext(ctx, sqliteAuditSchema); err != nil {
		return fmt.Errorf("create audit sqlite schema: %w", err)
	}
	return nil
}

const sqliteInsertAudit = `
	INSERT OR IGNORE INTO audit_event (
		event_id, occurred_at, actor_id, actor_role, record_type, record_id,
		action, outcome, tiers, error_code, detail, request_id, sequence, recorded_at
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) insert(ctx context.Context, ex sqlExecer, e *AuditEvent) (bool, error) {
	if err := e.Validate(); err != nil {
		return false, err
	}
	tiers, err := json.Marshal(tierStrings(e.Tiers))
	if err != nil {
		return false, fmt.Errorf("encode tiers: %w", err)
	}
	recordedAt := now()
	res, err := ex.ExecContext(ctx, sqliteInsertAudit,
		e.EventID.String(), formatTime(e.Timestamp), e.ActorID, e.ActorRole, e.RecordType, e.RecordID,
		string(e.Action), string(e.Outcome), string(tiers), string(e.ErrorCode), e.Detail, e.RequestID,
		e.Sequence, formatTime(recordedAt),
	)
	if err != nil {
		return false, fmt.Errorf("hipaa audit sqlite: insert event %s: %w", e.EventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("hipaa audit sqlite: rows affected: %w", err)
	}
	if n == 0 {
		if err := ex.QueryRowContext(ctx, `SELECT sequence FROM audit_event WHERE event_id = ?`, e.EventID.String()).
			Scan(&e.Sequence); err != nil {
			return false, fmt.Errorf("hipaa audit sqlite: load replayed event %s: %w", e.EventID, err)
		}
		return false, nil
	}
	e.RecordedAt = recordedAt
	return true, nil
}

// Append inserts event. A replayed event id returns inserted=false.
func (s *SQLiteStore) Append(ctx context.Context, event *AuditEvent) (bool, error) {
	return s.insert(ctx, s.w, event)
}

// AppendBatch inserts events in order inside one transaction.
func (s *SQLiteStore) AppendBatch(ctx context.Context, events []*AuditEvent) error {
	tx, err := s.w.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("hipaa audit sqlite: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, e := range events {
		if _, err := s.insert(ctx, tx, e); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("hipaa audit sqlite: commit: %w", err)
	}
	return nil
}

// LastSequence returns the highest sequence stored for the pair.
func (s *SQLiteStore) LastSequence(ctx context.Context, actorID, recordType, recordID string) (int64, error) {
	var last int64
	err := s.r.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), 0) FROM audit_event
		WHERE actor_id = ? AND record_type = ? AND record_id = ?`,
		actorID, recordType, recordID).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("hipaa audit sqlite: last sequence: %w", err)
	}
	return last, nil
}

// List returns matching events newest first with the total match count.
func (s *SQLiteStore) List(ctx context.Context, f AuditFilter) ([]*AuditEvent, int, error) {
	where, args := auditWhere(f, func(int) string { return "?" })
	for i, a := range args {
		if t, ok := a.(time.Time); ok {
			args[i] = formatTime(t)
		}
	}

	var total int
	if err := s.r.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_event`+where, args...).Scan(&total); err != nil {
		return nil, 0, apperror.FromStorage(err, "count audit events")
	}

	query := `
		SELECT event_id, occurred_at, actor_id, actor_role, record_type, record_id,
		       action, outcome, tiers, error_code, detail, request_id, sequence, recorded_at
		FROM audit_event` + where + `
		ORDER BY id DESC
		LIMIT ? OFFSET ?`
	args = append(args, f.normalizedLimit(), f.Offset)

	rows, err := s.r.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, apperror.FromStorage(err, "list audit events")
	}
	defer rows.Close()

	out := []*AuditEvent{}
	for rows.Next() {
		var (
			e                          AuditEvent
			eventID, occurred, recAt   string
			action, outcome, errorCode string
			tiersJSON                  string
		)
		if err := rows.Scan(&eventID, &occurred, &e.ActorID, &e.ActorRole, &e.RecordType, &e.RecordID,
			&action, &outcome, &tiersJSON, &errorCode, &e.Detail, &e.RequestID, &e.Sequence, &recAt); err != nil {
			return nil, 0, apperror.FromStorage(err, "scan audit event")
		}
		if e.EventID, err = uuid.Parse(eventID); err != nil {
			return nil, 0, apperror.FromStorage(err, "parse audit event id")
		}
		e.Timestamp, _ = time.Parse(sqliteTimeLayout, occurred)
		e.RecordedAt, _ = time.Parse(sqliteTimeLayout, recAt)
		e.Action = Action(action)
		e.Outcome = Outcome(outcome)
		e.ErrorCode = apperror.Code(errorCode)
		var tiers []string
		if err := json.Unmarshal([]byte(tiersJSON), &tiers); err != nil {
			return nil, 0, apperror.FromStorage(err, "decode audit tiers")
		}
		e.Tiers = parseTiers(tiers)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, apperror.FromStorage(err, "iterate audit events")
	}
	return out, total, nil
}

// Ping checks the writer connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.w.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	rerr := s.r.Close()
	if err := s.w.Close(); err != nil {
		return err
	}
	return rerr
}

// sqliteTimeLayout is fixed width so text comparison orders chronologically.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}
