package audit

import (
	"time"

	"github.com/chainseal/chainseal/internal/canonical"

	"github.com/google/uuid"
)

// Status is the approval state of an audit record. It transitions only
// through the Coordinator's Approve/Reject operations.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// OperationType records which kind of mutation produced an audit record.
type OperationType string

const (
	OpInsert           OperationType = "insert"
	OpUpdate           OperationType = "update"
	OpDelete           OperationType = "delete"
	OpManualResubmit   OperationType = "manual_resubmit"
	OpInitialMigration OperationType = "initial_migration"
)

// Record is the off-chain row tying an entity mutation to its anchored
// digest. TxRef is empty when the ledger was unreachable at record time; such
// rows are recovered through Resubmit. No two records for the same entity
// share a digest.
type Record struct {
	ID        uuid.UUID        `json:"id"`
	EntityID  string           `json:"entity_id"`
	Snapshot  map[string]any   `json:"snapshot"`
	Digest    canonical.Digest `json:"digest"`
	TxRef     string           `json:"tx_ref,omitempty"`
	Operation OperationType    `json:"operation"`
	Status    Status           `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Outcome classifies what a write-path operation achieved, so callers can
// always tell "ledger confirmed" from "saved off-chain only".
type Outcome string

const (
	// OutcomeConfirmed: digest stored on the ledger and recorded off-chain.
	OutcomeConfirmed Outcome = "ledger_confirmed"
	// OutcomeOffChainOnly: ledger unreachable; the record was persisted
	// without a transaction reference and awaits resubmission.
	OutcomeOffChainOnly Outcome = "off_chain_only"
	// OutcomeUnchanged: content identical to an already-anchored record;
	// nothing was written anywhere.
	OutcomeUnchanged Outcome = "unchanged"
)
