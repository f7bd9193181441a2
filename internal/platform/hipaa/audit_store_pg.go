package hipaa

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/compliance/internal/platform/apperror"
	"github.com/ehr/compliance/internal/platform/db"
)

// PostgresStore writes audit events to the audit_event table. When the
// context carries a transaction (db.WithTx) the insert joins it, so an audit
// failure rolls back the record change it describes.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgresStore backed by pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const insertAuditEvent = `
	INSERT INTO audit_event (
		event_id, occurred_at, actor_id, actor_role,
		record_type, record_id, action, outcome,
		tiers, error_code, detail, request_id, sequence
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	ON CONFLICT (event_id) DO NOTHING
	RETURNING recorded_at`

func auditArgs(e *AuditEvent) []any {
	return []any{
		e.EventID, e.Timestamp, e.ActorID, e.ActorRole,
		e.RecordType, e.RecordID, string(e.Action), string(e.Outcome),
		tierStrings(e.Tiers), string(e.ErrorCode), e.Detail, e.RequestID, e.Sequence,
	}
}

// Append inserts event. A replayed event id returns inserted=false.
func (s *PostgresStore) Append(ctx context.Context, event *AuditEvent) (bool, error) {
	if err := event.Validate(); err != nil {
		return false, err
	}

	q := db.ConnFromContext(ctx, s.pool)
	err := q.QueryRow(ctx, insertAuditEvent, auditArgs(event)...).Scan(&event.RecordedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		if err := q.QueryRow(ctx, `SELECT sequence FROM audit_event WHERE event_id = $1`, event.EventID).
			Scan(&event.Sequence); err != nil {
			return false, fmt.Errorf("hipaa audit: load replayed event %s: %w", event.EventID, err)
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("hipaa audit: insert event %s: %w", event.EventID, err)
	}
	return true, nil
}

// AppendBatch inserts events in order in one round trip.
func (s *PostgresStore) AppendBatch(ctx context.Context, events []*AuditEvent) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, e := range events {
		if err := e.Validate(); err != nil {
			return err
		}
		batch.Queue(insertAuditEvent, auditArgs(e)...)
	}

	return db.InTx(ctx, s.pool, func(ctx context.Context) error {
		br := db.ConnFromContext(ctx, s.pool).SendBatch(ctx, batch)
		for _, e := range events {
			if err := br.QueryRow().Scan(&e.RecordedAt); err != nil && !errors.Is(err, pgx.ErrNoRows) {
				br.Close()
				return fmt.Errorf("hipaa audit: batch insert event %s: %w", e.EventID, err)
			}
		}
		return br.Close()
	})
}

// LastSequence returns the highest sequence stored for the pair. It reads
// through the caller's transaction when there is one.
func (s *PostgresStore) LastSequence(ctx context.Context, actorID, recordType, recordID string) (int64, error) {
	var last int64
	err := db.ConnFromContext(ctx, s.pool).QueryRow(ctx, `
		SELECT COALESCE(MAX(sequence), 0) FROM audit_event
		WHERE actor_id = $1 AND record_type = $2 AND record_id = $3`,
		actorID, recordType, recordID).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("hipaa audit: last sequence: %w", err)
	}
	return last, nil
}

// List returns matching events newest first with the total match count.
func (s *PostgresStore) List(ctx context.Context, f AuditFilter) ([]*AuditEvent, int, error) {
	where, args := auditWhere(f, func(n int) string { return fmt.Sprintf("$%d", n) })
	q := db.ConnFromContext(ctx, s.pool)

	var total int
	if err := q.QueryRow(ctx, `SELECT COUNT(*) FROM audit_event`+where, args...).Scan(&total); err != nil {
		return nil, 0, apperror.FromStorage(err, "count audit events")
	}

	query := fmt.Sprintf(`
		SELECT event_id, occurred_at, actor_id, actor_role, record_type, record_id,
		       action, outcome, tiers, error_code, detail, request_id, sequence, recorded_at
		FROM audit_event%s
		ORDER BY recorded_at DESC, id DESC
		LIMIT $%d OFFSET $%d`, where, len(args)+1, len(args)+2)
	args = append(args, f.normalizedLimit(), f.Offset)

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, apperror.FromStorage(err, "list audit events")
	}
	defer rows.Close()

	var out []*AuditEvent
	for rows.Next() {
		var (
			e         AuditEvent
			action    string
			outcome   string
			tiers     []string
			errorCode string
		)
		if err := rows.Scan(&e.EventID, &e.Timestamp, &e.ActorID, &e.ActorRole, &e.RecordType, &e.RecordID,
			&action, &outcome, &tiers, &errorCode, &e.Detail, &e.RequestID, &e.Sequence, &e.RecordedAt); err != nil {
			return nil, 0, apperror.FromStorage(err, "scan audit event")
		}
		e.Action = Action(action)
		e.Outcome = Outcome(outcome)
		e.ErrorCode = apperror.Code(errorCode)
		e.Tiers = parseTiers(tiers)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, apperror.FromStorage(err, "iterate audit events")
	}
	return out, total, nil
}

// Ping checks the pool.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close is a no-op; the pool is owned by the caller.
func (s *PostgresStore) Close() error {
	return nil
}

// auditWhere builds the WHERE clause shared by the SQL stores. placeholder
// renders the n-th bind parameter for the dialect.
func auditWhere(f AuditFilter, placeholder func(n int) string) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		clauses = append(clauses, fmt.Sprintf(clause, placeholder(len(args))))
	}
	if f.ActorID != "" {
		add("actor_id = %s", f.ActorID)
	}
	if f.RecordType != "" {
		add("record_type = %s", f.RecordType)
	}
	if f.RecordID != "" {
		add("record_id = %s", f.RecordID)
	}
	if f.Outcome != "" {
		add("outcome = %s", string(f.Outcome))
	}
	if !f.Since.IsZero() {
		add("occurred_at >= %s", f.Since.UTC())
	}
	if !f.Until.IsZero() {
		add("occurred_at < %s", f.Until.UTC())
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func tierStrings(tiers []Tier) []string {
	out := make([]string, len(tiers))
	for i, t := range tiers {
		out[i] = string(t)
	}
	return out
}

func parseTiers(raw []string) []Tier {
	out := make([]Tier, 0, len(raw))
	for _, s := range raw {
		out = append(out, Tier(s))
	}
	return out
}
