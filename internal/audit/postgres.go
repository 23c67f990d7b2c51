package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chainseal/chainseal/internal/canonical"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository persists audit records to PostgreSQL. Schema in
// migrations/001_init.sql; the (entity_id, digest) pair carries a unique
// constraint enforcing the idempotence invariant at the storage layer too.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a PostgresRepository backed by the pool.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Save implements Repository.
func (r *PostgresRepository) Save(ctx context.Context, rec *Record) error {
	snapshot, err := json.Marshal(rec.Snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	query := `
		INSERT INTO audit_records (
			id, entity_id, snapshot, digest, tx_ref,
			operation, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err = r.db.Exec(ctx, query,
		rec.ID, rec.EntityID, snapshot, rec.Digest, rec.TxRef,
		rec.Operation, rec.Status, rec.CreatedAt, rec.UpdatedAt,
	)
	return err
}

// FindByEntityAndDigest implements Repository.
func (r *PostgresRepository) FindByEntityAndDigest(ctx context.Context, entityID string, digest canonical.Digest) (*Record, error) {
	query := `
		SELECT id, entity_id, snapshot, digest, tx_ref,
		       operation, status, created_at, updated_at
		FROM audit_records
		WHERE entity_id = $1 AND digest = $2`
	return r.scanOne(ctx, query, entityID, digest)
}

// LatestPending implements Repository.
func (r *PostgresRepository) LatestPending(ctx context.Context, entityID string) (*Record, error) {
	query := `
		SELECT id, entity_id, snapshot, digest, tx_ref,
		       operation, status, created_at, updated_at
		FROM audit_records
		WHERE entity_id = $1 AND status = $2
		ORDER BY created_at DESC
		LIMIT 1`
	return r.scanOne(ctx, query, entityID, StatusPending)
}

// ListByEntity implements Repository.
func (r *PostgresRepository) ListByEntity(ctx context.Context, entityID string) ([]*Record, error) {
	query := `
		SELECT id, entity_id, snapshot, digest, tx_ref,
		       operation, status, created_at, updated_at
		FROM audit_records
		WHERE entity_id = $1
		ORDER BY created_at DESC`

	rows, err := r.db.Query(ctx, query, entityID)
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()

	var recs []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// CountUnanchored implements Repository.
func (r *PostgresRepository) CountUnanchored(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		"SELECT COUNT(*) FROM audit_records WHERE tx_ref = ''",
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unanchored records: %w", err)
	}
	return n, nil
}

// UpdateStatus implements Repository.
func (r *PostgresRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error {
	tag, err := r.db.Exec(ctx,
		"UPDATE audit_records SET status = $1, updated_at = $2 WHERE id = $3",
		status, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update audit status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetTxRef implements Repository.
func (r *PostgresRepository) SetTxRef(ctx context.Context, id uuid.UUID, txRef string) error {
	tag, err := r.db.Exec(ctx,
		"UPDATE audit_records SET tx_ref = $1, updated_at = $2 WHERE id = $3",
		txRef, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("set tx ref: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) scanOne(ctx context.Context, query string, args ...any) (*Record, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit record: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanRecord(rows)
}

func scanRecord(rows pgx.Rows) (*Record, error) {
	rec := &Record{}
	var snapshot []byte
	if err := rows.Scan(
		&rec.ID, &rec.EntityID, &snapshot, &rec.Digest, &rec.TxRef,
		&rec.Operation, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("scan audit record: %w", err)
	}
	if len(snapshot) > 0 {
		if err := json.Unmarshal(snapshot, &rec.Snapshot); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
	}
	return rec, nil
}

var _ Repository = (*PostgresRepository)(nil)
