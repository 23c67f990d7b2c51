// Package ledger provides a uniform abstraction over the interchangeable
// backends used to anchor record digests: an in-memory simulator, a
// smart-contract-backed chain, and a permissioned-chaincode network.
//
// All backends expose the same Store/Retrieve contract. Backends that model
// an on-chain approval workflow additionally honor Approve/Reject; the mock
// accepts them as local no-ops.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/chainseal/chainseal/internal/canonical"
)

// Backend identifies which ledger implementation recorded an entry.
type Backend string

const (
	BackendMock      Backend = "mock"
	BackendContract  Backend = "contract"
	BackendChaincode Backend = "chaincode"
)

var (
	// ErrNotFound is returned by Retrieve when no entry exists for the
	// entity. "Never recorded" is an expected outcome, not a transient
	// failure, and callers must be able to tell the two apart.
	ErrNotFound = errors.New("entity not recorded on ledger")

	// ErrUnavailable indicates the backend network or session could not be
	// reached or did not confirm in time. Eligible for retry.
	ErrUnavailable = errors.New("ledger unavailable")

	// ErrRejected indicates the backend explicitly refused the write, e.g.
	// a duplicate submission against an occupied slot. Never retried.
	ErrRejected = errors.New("ledger rejected write")
)

// Entry is the latest anchored digest a backend holds for an entity. A
// Store against an existing entity replaces what Retrieve reports; history
// lives in the off-chain audit trail, not here.
type Entry struct {
	EntityID   string           `json:"entity_id"`
	Digest     canonical.Digest `json:"digest"`
	TxRef      string           `json:"tx_ref"`
	RecordedAt time.Time        `json:"recorded_at"`
	Backend    Backend          `json:"backend"`
	Status     string           `json:"status,omitempty"`
	Reason     string           `json:"reason,omitempty"`
}

// Ledger is the uniform contract every backend implements.
type Ledger interface {
	// Backend reports which implementation this is.
	Backend() Backend

	// Store durably records digest against entityID and returns the
	// backend's transaction reference and confirmation time.
	Store(ctx context.Context, entityID string, digest canonical.Digest) (txRef string, recordedAt time.Time, err error)

	// Retrieve returns the latest entry for entityID, or ErrNotFound.
	Retrieve(ctx context.Context, entityID string) (*Entry, error)

	// Approve marks the entity's latest entry approved on the backend.
	// Backends without on-chain approval record the reason locally.
	Approve(ctx context.Context, entityID, reason string) (txRef string, err error)

	// Reject is the counterpart of Approve.
	Reject(ctx context.Context, entityID, reason string) (txRef string, err error)
}
