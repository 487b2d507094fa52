package records

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"clinicore/internal/lifecycle"
	"clinicore/internal/policy"
	"clinicore/internal/sentinel"
	id "clinicore/pkg/domain"
)

const uniqueViolation = "23505"

// PostgresStore persists records in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
	tx *sql.Tx
}

// NewPostgres constructs a PostgreSQL-backed record store.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// NewPostgresTx constructs a record store bound to a transaction.
func NewPostgresTx(tx *sql.Tx) *PostgresStore {
	return &PostgresStore{tx: tx}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) execer() dbExecutor {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

const selectRecord = `
	SELECT id, resource, kind, owner_id, status, co_signer_id, payload, created_at, updated_at
	FROM records
	WHERE id = $1
`

func (s *PostgresStore) FindByID(ctx context.Context, recordID id.RecordID) (*Record, error) {
	return s.find(ctx, selectRecord, recordID)
}

func (s *PostgresStore) FindForUpdate(ctx context.Context, recordID id.RecordID) (*Record, error) {
	if s.tx == nil {
		return s.find(ctx, selectRecord, recordID)
	}
	return s.find(ctx, selectRecord+" FOR UPDATE", recordID)
}

func (s *PostgresStore) find(ctx context.Context, query string, recordID id.RecordID) (*Record, error) {
	record, err := scanRecord(s.execer().QueryRowContext(ctx, query, uuid.UUID(recordID)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("record %s: %w", recordID, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("find record: %w", err)
	}
	return record, nil
}

func (s *PostgresStore) Create(ctx context.Context, record *Record) error {
	if record == nil {
		return fmt.Errorf("record is required")
	}
	query := `
		INSERT INTO records (id, resource, kind, owner_id, status, co_signer_id, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := s.execer().ExecContext(ctx, query,
		uuid.UUID(record.ID),
		string(record.Resource),
		string(record.Kind),
		uuid.UUID(record.OwnerID),
		string(record.Status),
		nullUserID(record.CoSignerID),
		nullPayload(record.Payload),
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("record %s: %w", record.ID, sentinel.ErrConflict)
		}
		return fmt.Errorf("create record: %w", err)
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, record *Record) error {
	if record == nil {
		return fmt.Errorf("record is required")
	}
	query := `
		UPDATE records
		SET owner_id = $2, status = $3, co_signer_id = $4, payload = $5, updated_at = $6
		WHERE id = $1
	`
	res, err := s.execer().ExecContext(ctx, query,
		uuid.UUID(record.ID),
		uuid.UUID(record.OwnerID),
		string(record.Status),
		nullUserID(record.CoSignerID),
		nullPayload(record.Payload),
		record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save record: %w", err)
	}
	return requireOneRow(res, record.ID)
}

func (s *PostgresStore) Delete(ctx context.Context, recordID id.RecordID) error {
	res, err := s.execer().ExecContext(ctx, `DELETE FROM records WHERE id = $1`, uuid.UUID(recordID))
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return requireOneRow(res, recordID)
}

func requireOneRow(res sql.Result, recordID id.RecordID) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("record rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("record %s: %w", recordID, sentinel.ErrNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		recordID uuid.UUID
		resource string
		kind     string
		ownerID  uuid.UUID
		status   string
		coSigner uuid.NullUUID
		payload  []byte
		r        Record
	)
	if err := row.Scan(&recordID, &resource, &kind, &ownerID, &status, &coSigner, &payload, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.ID = id.RecordID(recordID)
	r.Resource = policy.Resource(resource)
	r.Kind = lifecycle.Kind(kind)
	r.OwnerID = id.UserID(ownerID)
	r.Status = lifecycle.State(status)
	if coSigner.Valid {
		signer := id.UserID(coSigner.UUID)
		r.CoSignerID = &signer
	}
	if len(payload) > 0 {
		r.Payload = payload
	}
	return &r, nil
}

func nullUserID(u *id.UserID) uuid.NullUUID {
	if u == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: uuid.UUID(*u), Valid: true}
}

func nullPayload(p []byte) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}
