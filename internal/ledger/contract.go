package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chainseal/chainseal/internal/canonical"

	"go.uber.org/zap"
)

// ChangeStatus is the approval state a change slot carries on-chain.
type ChangeStatus uint8

const (
	ChangePending ChangeStatus = iota
	ChangeApproved
	ChangeRejected
)

// String renders the status the way Entry.Status expects it.
func (s ChangeStatus) String() string {
	switch s {
	case ChangeApproved:
		return "approved"
	case ChangeRejected:
		return "rejected"
	default:
		return "pending"
	}
}

// ChangeState is the slot content returned by the contract's read call. A
// slot that was never written holds the all-zero digest.
type ChangeState struct {
	Digest string
	Status ChangeStatus
	Reason string
}

// ContractClient is the narrow RPC boundary to the anchoring smart contract.
// Implementations must classify failures at this boundary: transport and
// confirmation-timeout failures wrap ErrUnavailable, explicit contract
// refusals wrap ErrRejected. Callers never infer the class from message text.
type ContractClient interface {
	SubmitChange(ctx context.Context, nonce, slot uint64, digest string) (txRef string, err error)
	GetChange(ctx context.Context, slot uint64) (*ChangeState, error)
	Approve(ctx context.Context, nonce, slot uint64, reason string) (txRef string, err error)
	Reject(ctx context.Context, nonce, slot uint64, reason string) (txRef string, err error)
	PendingTransactionCount(ctx context.Context, signer string) (uint64, error)
}

// DispatchFunc performs one submission attempt with a freshly assigned nonce.
type DispatchFunc func(ctx context.Context, nonce uint64) (txRef string, err error)

// Submitter serializes contract writes for a single signer: one call in
// flight at a time, FIFO between callers, transient failures retried with a
// fresh nonce per attempt.
type Submitter interface {
	Submit(ctx context.Context, dispatch DispatchFunc) (txRef string, err error)
}

// zeroDigest is the default content of an unwritten slot as the contract
// renders it.
const zeroDigest = "0000000000000000000000000000000000000000000000000000000000000000"

// ContractLedger anchors digests on a smart-contract-backed chain. Writes go
// through the Submitter so the chain's strictly-increasing per-signer nonce
// discipline is respected; reads hit the client directly and may run fully
// concurrently with writes.
//
// Entity identifiers are opaque strings but the contract addresses storage
// by integer slot, so the adapter maps entityID to a slot via a truncated
// hash. The mapping is lossy: two entities can land on the same slot. The
// adapter tracks the slots it has written and surfaces a collision as
// ErrRejected instead of silently overwriting the other entity's slot.
type ContractLedger struct {
	client ContractClient
	sub    Submitter
	logger *zap.Logger

	mu    sync.Mutex
	slots map[uint64]string // slot → entityID that claimed it
}

// NewContract creates a ContractLedger whose writes are serialized by sub.
func NewContract(client ContractClient, sub Submitter, logger *zap.Logger) *ContractLedger {
	return &ContractLedger{
		client: client,
		sub:    sub,
		logger: logger,
		slots:  make(map[uint64]string),
	}
}

// Backend implements Ledger.
func (l *ContractLedger) Backend() Backend { return BackendContract }

// SlotFor maps an opaque entity identifier to the integer slot the contract
// addresses. The first 8 bytes of the identifier's SHA-256 are used, so the
// mapping is deterministic but lossy.
func SlotFor(entityID string) uint64 {
	sum := sha256.Sum256([]byte(entityID))
	return binary.BigEndian.Uint64(sum[:8])
}

// Store implements Ledger.
func (l *ContractLedger) Store(ctx context.Context, entityID string, digest canonical.Digest) (string, time.Time, error) {
	slot := SlotFor(entityID)
	if err := l.claimSlot(slot, entityID); err != nil {
		return "", time.Time{}, err
	}

	txRef, err := l.sub.Submit(ctx, func(ctx context.Context, nonce uint64) (string, error) {
		return l.client.SubmitChange(ctx, nonce, slot, digestHex(digest))
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("submit change for %s: %w", entityID, err)
	}

	now := time.Now().UTC()
	l.logger.Info("contract change submitted",
		zap.String("entity_id", entityID),
		zap.Uint64("slot", slot),
		zap.String("tx_ref", txRef),
	)
	return txRef, now, nil
}

// Retrieve implements Ledger. A slot holding the all-zero digest has never
// been written and reads as ErrNotFound.
func (l *ContractLedger) Retrieve(ctx context.Context, entityID string) (*Entry, error) {
	slot := SlotFor(entityID)
	state, err := l.client.GetChange(ctx, slot)
	if err != nil {
		return nil, fmt.Errorf("read slot %d: %w", slot, err)
	}
	if state.Digest == "" || state.Digest == zeroDigest {
		return nil, ErrNotFound
	}
	return &Entry{
		EntityID: entityID,
		Digest:   canonical.Digest(canonical.Prefix + state.Digest),
		Backend:  BackendContract,
		Status:   state.Status.String(),
		Reason:   state.Reason,
	}, nil
}

// Approve implements Ledger. The slot is derived from the same entityID used
// at submission time; the contract refuses the call for any other identifier.
func (l *ContractLedger) Approve(ctx context.Context, entityID, reason string) (string, error) {
	slot := SlotFor(entityID)
	txRef, err := l.sub.Submit(ctx, func(ctx context.Context, nonce uint64) (string, error) {
		return l.client.Approve(ctx, nonce, slot, reason)
	})
	if err != nil {
		return "", fmt.Errorf("approve slot %d: %w", slot, err)
	}
	return txRef, nil
}

// Reject implements Ledger.
func (l *ContractLedger) Reject(ctx context.Context, entityID, reason string) (string, error) {
	slot := SlotFor(entityID)
	txRef, err := l.sub.Submit(ctx, func(ctx context.Context, nonce uint64) (string, error) {
		return l.client.Reject(ctx, nonce, slot, reason)
	})
	if err != nil {
		return "", fmt.Errorf("reject slot %d: %w", slot, err)
	}
	return txRef, nil
}

// claimSlot records that entityID owns slot for the lifetime of this
// adapter. A slot already claimed by a different entity is a truncation
// collision and is refused rather than overwritten.
func (l *ContractLedger) claimSlot(slot uint64, entityID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if owner, taken := l.slots[slot]; taken && owner != entityID {
		return fmt.Errorf("slot %d already claimed by another entity: %w", slot, ErrRejected)
	}
	l.slots[slot] = entityID
	return nil
}

// digestHex strips the algorithm prefix; the contract stores raw hex.
func digestHex(d canonical.Digest) string {
	return strings.TrimPrefix(string(d), canonical.Prefix)
}
