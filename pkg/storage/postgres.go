package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/polisai/polis-governance/pkg/domain"
)

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	sequence      BIGINT PRIMARY KEY,
	id            TEXT        NOT NULL UNIQUE,
	timestamp_utc TIMESTAMPTZ NOT NULL,
	event_type    TEXT        NOT NULL,
	actor_id      TEXT        NOT NULL DEFAULT '',
	resource_type TEXT        NOT NULL DEFAULT '',
	resource_id   TEXT        NOT NULL DEFAULT '',
	action        TEXT        NOT NULL DEFAULT '',
	result        TEXT        NOT NULL DEFAULT '',
	prev_hash     TEXT        NOT NULL,
	hash          TEXT        NOT NULL,
	severity      TEXT        NOT NULL,
	details       TEXT        NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS audit_events_actor_idx ON audit_events (actor_id, sequence);
CREATE INDEX IF NOT EXISTS audit_events_resource_idx ON audit_events (resource_type, resource_id, sequence);
CREATE INDEX IF NOT EXISTS audit_events_type_idx ON audit_events (event_type, sequence);
CREATE INDEX IF NOT EXISTS audit_events_time_idx ON audit_events (timestamp_utc);
`

const auditColumns = `sequence, id, timestamp_utc, event_type, actor_id, resource_type, resource_id, action, result, prev_hash, hash, severity, details`

// pgxConn is the subset of *pgxpool.Pool the store uses.
type pgxConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
}

// PostgresAuditStore keeps the audit chain in the audit_events table.
type PostgresAuditStore struct {
	conn  pgxConn
	close func()
}

// NewPostgresPool creates a PostgreSQL connection pool and pings it.
func NewPostgresPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse postgres config: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("storage: new pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping postgres: %w", err)
	}
	return pool, nil
}

// NewPostgresAuditStore wraps pool. The store owns the pool and closes it on Close.
func NewPostgresAuditStore(pool *pgxpool.Pool) *PostgresAuditStore {
	return &PostgresAuditStore{conn: pool, close: pool.Close}
}

// EnsureSchema creates the audit table and indexes when missing.
func (s *PostgresAuditStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.conn.Exec(ctx, auditSchema); err != nil {
		return fmt.Errorf("storage: ensure audit schema: %w", err)
	}
	return nil
}

// SQLSTATEs for bytes the server cannot store: untranslatable_character and
// character_not_in_repertoire.
const (
	sqlstateUntranslatable  = "22P05"
	sqlstateNotInRepertoire = "22021"
)

// Append inserts events in one transaction. A sequence that already exists is
// accepted only when it carries the same hash; a sequence past the head is a gap.
// Details are stored as the exact JSON text that was hashed.
func (s *PostgresAuditStore) Append(ctx context.Context, events []domain.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.conn.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var head int64
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(sequence), 0) FROM audit_events`).Scan(&head); err != nil {
		return fmt.Errorf("storage: read audit head: %w", err)
	}
	next := uint64(head) + 1

	for _, event := range events {
		where, err := place(next, event.Sequence)
		if err != nil {
			return fmt.Errorf("storage: event %s: %w", event.ID, err)
		}
		if where == placeInsert {
			details, err := json.Marshal(nonNil(event.Details))
			if err != nil {
				return fmt.Errorf("storage: encode details of %d: %w", event.Sequence, err)
			}
			tag, err := tx.Exec(ctx,
				`INSERT INTO audit_events (`+auditColumns+`)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
				 ON CONFLICT (sequence) DO NOTHING`,
				int64(event.Sequence), event.ID, event.Timestamp.UTC(), event.EventType, event.ActorID,
				event.ResourceType, event.ResourceID, event.Action, event.Result,
				event.PrevHash, event.Hash, string(event.Severity), string(details),
			)
			if err != nil {
				return fmt.Errorf("storage: insert audit event %d: %w", event.Sequence, classify(err))
			}
			if tag.RowsAffected() == 1 {
				next++
				continue
			}
		}

		var stored string
		if err := tx.QueryRow(ctx, `SELECT hash FROM audit_events WHERE sequence = $1`, int64(event.Sequence)).Scan(&stored); err != nil {
			return fmt.Errorf("storage: check audit event %d: %w", event.Sequence, err)
		}
		if stored != event.Hash {
			return fmt.Errorf("%w: sequence %d", ErrSequenceConflict, event.Sequence)
		}
		if where == placeInsert {
			next++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit tx: %w", err)
	}
	return nil
}

// Head returns the event with the highest sequence.
func (s *PostgresAuditStore) Head(ctx context.Context) (domain.AuditEvent, bool, error) {
	row := s.conn.QueryRow(ctx, `SELECT `+auditColumns+` FROM audit_events ORDER BY sequence DESC LIMIT 1`)
	event, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.AuditEvent{}, false, nil
	}
	if err != nil {
		return domain.AuditEvent{}, false, fmt.Errorf("storage: read audit head: %w", err)
	}
	return event, true, nil
}

// Range streams events with sequence >= from.
func (s *PostgresAuditStore) Range(ctx context.Context, from uint64, fn func(domain.AuditEvent) error) error {
	rows, err := s.conn.Query(ctx, `SELECT `+auditColumns+` FROM audit_events WHERE sequence >= $1 ORDER BY sequence`, int64(from))
	if err != nil {
		return fmt.Errorf("storage: range audit events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return fmt.Errorf("storage: scan audit event: %w", err)
		}
		if err := fn(event); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Lookup fetches events by sequence.
func (s *PostgresAuditStore) Lookup(ctx context.Context, sequences []uint64) ([]domain.AuditEvent, error) {
	if len(sequences) == 0 {
		return nil, nil
	}
	ids := make([]int64, 0, len(sequences))
	for _, seq := range sequences {
		ids = append(ids, int64(seq))
	}
	rows, err := s.conn.Query(ctx, `SELECT `+auditColumns+` FROM audit_events WHERE sequence = ANY($1) ORDER BY sequence`, ids)
	if err != nil {
		return nil, fmt.Errorf("storage: lookup audit events: %w", err)
	}
	return collectEvents(rows)
}

// Query returns one page of matching events and the total.
func (s *PostgresAuditStore) Query(ctx context.Context, filter domain.AuditFilter, page domain.Page) ([]domain.AuditEvent, int, error) {
	page = page.Normalize()
	where, args := buildWhere(filter)

	var total int
	if err := s.conn.QueryRow(ctx, `SELECT count(*) FROM audit_events`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count audit events: %w", err)
	}

	args = append(args, page.Limit, page.Offset)
	sql := fmt.Sprintf(`SELECT %s FROM audit_events%s ORDER BY sequence LIMIT $%d OFFSET $%d`, auditColumns, where, len(args)-1, len(args))
	rows, err := s.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: query audit events: %w", err)
	}
	events, err := collectEvents(rows)
	if err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

// Close releases the pool.
func (s *PostgresAuditStore) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}

// severityLevels lists severities from least to most severe, matching Severity.Rank.
var severityLevels = []domain.Severity{
	domain.SeverityInfo, domain.SeverityLow, domain.SeverityMedium,
	domain.SeverityError, domain.SeverityHigh, domain.SeverityCritical,
}

// buildWhere renders filter as a WHERE clause with positional arguments.
func buildWhere(filter domain.AuditFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}

	if filter.ActorID != "" {
		add("actor_id = $%d", filter.ActorID)
	}
	if filter.ResourceType != "" {
		add("resource_type = $%d", filter.ResourceType)
	}
	if filter.ResourceID != "" {
		add("resource_id = $%d", filter.ResourceID)
	}
	if filter.EventType != "" {
		add("event_type = $%d", filter.EventType)
	}
	if filter.Result != "" {
		add("result = $%d", filter.Result)
	}
	if filter.Severity != "" {
		var allowed []string
		for _, level := range severityLevels {
			if level.AtLeast(filter.Severity) {
				allowed = append(allowed, string(level))
			}
		}
		add("severity = ANY($%d)", allowed)
	}
	if !filter.From.IsZero() {
		add("timestamp_utc >= $%d", filter.From.UTC())
	}
	if !filter.To.IsZero() {
		add("timestamp_utc < $%d", filter.To.UTC())
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func collectEvents(rows pgx.Rows) ([]domain.AuditEvent, error) {
	defer rows.Close()
	var out []domain.AuditEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan audit event: %w", err)
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: read audit events: %w", err)
	}
	return out, nil
}

func scanEvent(row pgx.Row) (domain.AuditEvent, error) {
	var (
		event    domain.AuditEvent
		sequence int64
		ts       time.Time
		severity string
		details  []byte
	)
	err := row.Scan(&sequence, &event.ID, &ts, &event.EventType, &event.ActorID, &event.ResourceType,
		&event.ResourceID, &event.Action, &event.Result, &event.PrevHash, &event.Hash, &severity, &details)
	if err != nil {
		return domain.AuditEvent{}, err
	}
	event.Sequence = uint64(sequence)
	event.Timestamp = ts.UTC()
	event.Severity = domain.Severity(severity)
	event.Details, err = decodeDetails(details)
	return event, err
}

// decodeDetails keeps numbers as json.Number so re-encoding reproduces the stored text.
func decodeDetails(raw []byte) (map[string]any, error) {
	details := map[string]any{}
	if len(raw) == 0 {
		return details, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&details); err != nil {
		return nil, fmt.Errorf("decode details: %w", err)
	}
	return details, nil
}

// classify marks errors caused by the event bytes themselves as ErrUnencodable.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == sqlstateUntranslatable || pgErr.Code == sqlstateNotInRepertoire) {
		return errors.Join(ErrUnencodable, err)
	}
	return err
}

func nonNil(details map[string]any) map[string]any {
	if details == nil {
		return map[string]any{}
	}
	return details
}
