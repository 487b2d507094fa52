package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"clinicore/internal/sentinel"
	id "clinicore/pkg/domain"
)

// appendOnlyViolation is the SQLSTATE raised by the audit_log triggers.
const appendOnlyViolation = "P0001"

// PostgresStore persists entries in the audit_log table. UPDATE and DELETE
// are rejected by triggers installed with the schema.
type PostgresStore struct {
	db *sql.DB
	tx *sql.Tx
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// NewPostgresTx binds the store to a transaction so the entry commits or
// rolls back with the mutation it describes.
func NewPostgresTx(tx *sql.Tx) *PostgresStore {
	return &PostgresStore{tx: tx}
}

type dbExecutor interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) execer() dbExecutor {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

func (s *PostgresStore) Append(ctx context.Context, e *Entry) error {
	if e == nil {
		return fmt.Errorf("audit entry is required")
	}
	query := `
		INSERT INTO audit_log (table_name, record_id, action, old_values, new_values, actor_id,
			source_ip, user_agent, occurred_at, decision, operation, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id
	`
	err := s.execer().QueryRowContext(ctx, query,
		e.Table,
		e.RecordID,
		string(e.Action),
		nullJSON(e.OldValues),
		nullJSON(e.NewValues),
		uuid.UUID(e.ActorID),
		e.SourceIP,
		e.UserAgent,
		e.Timestamp,
		string(e.Decision),
		e.Operation,
		e.Reason,
	).Scan(&e.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == appendOnlyViolation {
			return fmt.Errorf("append audit entry: %w", sentinel.ErrAppendOnly)
		}
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) Query(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.Table != "" {
		add("table_name = $%d", f.Table)
	}
	if f.RecordID != "" {
		add("record_id = $%d", f.RecordID)
	}
	if !f.ActorID.IsNil() {
		add("actor_id = $%d", uuid.UUID(f.ActorID))
	}
	if !f.From.IsZero() {
		add("occurred_at >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("occurred_at < $%d", f.To)
	}
	if f.Decision != "" {
		add("decision = $%d", string(f.Decision))
	}

	query := `
		SELECT id, table_name, record_id, action, old_values, new_values, actor_id,
			source_ip, user_agent, occurred_at, decision, operation, reason
		FROM audit_log`
	if len(where) > 0 {
		query += "\n\t\tWHERE " + strings.Join(where, " AND ")
	}
	args = append(args, effectiveLimit(f))
	query += fmt.Sprintf("\n\t\tORDER BY id ASC\n\t\tLIMIT $%d", len(args))

	rows, err := s.execer().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0)
	for rows.Next() {
		var (
			e        Entry
			action   string
			decision string
			actorID  uuid.UUID
			oldVals  []byte
			newVals  []byte
		)
		if err := rows.Scan(&e.ID, &e.Table, &e.RecordID, &action, &oldVals, &newVals, &actorID,
			&e.SourceIP, &e.UserAgent, &e.Timestamp, &decision, &e.Operation, &e.Reason); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Action = Action(action)
		e.Decision = Decision(decision)
		e.ActorID = id.UserID(actorID)
		if len(oldVals) > 0 {
			e.OldValues = oldVals
		}
		if len(newVals) > 0 {
			e.NewValues = newVals
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
