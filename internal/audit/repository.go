package audit

import (
	"context"
	"errors"

	"github.com/chainseal/chainseal/internal/canonical"

	"github.com/google/uuid"
)

// ErrNotFound is returned when no audit record matches the query.
var ErrNotFound = errors.New("audit record not found")

// Repository is the off-chain store for audit records. PostgresRepository is
// the production implementation; MemoryRepository serves tests and
// database-less deployments.
type Repository interface {
	// Save inserts a new record.
	Save(ctx context.Context, rec *Record) error

	// FindByEntityAndDigest returns the record for the (entity, digest)
	// pair, or ErrNotFound. This pair is unique: it backs the idempotence
	// guard in the Coordinator.
	FindByEntityAndDigest(ctx context.Context, entityID string, digest canonical.Digest) (*Record, error)

	// LatestPending returns the most recent record for the entity still in
	// StatusPending, or ErrNotFound.
	LatestPending(ctx context.Context, entityID string) (*Record, error)

	// ListByEntity returns all records for the entity, newest first.
	ListByEntity(ctx context.Context, entityID string) ([]*Record, error)

	// CountUnanchored counts records with no transaction reference.
	CountUnanchored(ctx context.Context) (int, error)

	// UpdateStatus flips a record's status.
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error

	// SetTxRef fills in the ledger reference of a previously unanchored
	// record.
	SetTxRef(ctx context.Context, id uuid.UUID, txRef string) error
}
