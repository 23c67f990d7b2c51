// Package audit keeps the off-chain audit trail in sync with the anchoring
// ledger: every tracked mutation is hashed, anchored, and recorded as a
// pending row whose status only moves through explicit approve/reject
// actions.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chainseal/chainseal/internal/canonical"
	"github.com/chainseal/chainseal/internal/ledger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNoPending is returned by Approve/Reject when the entity has no pending
// audit record. That indicates a caller bug, not a transient condition.
var ErrNoPending = errors.New("no pending audit record for entity")

// MetricsRecordFunc is an optional callback for recording anchor outcomes.
type MetricsRecordFunc func(backend, outcome string)

// VerifyResult is the outcome of a tamper check.
type VerifyResult struct {
	Valid        bool             `json:"valid"`
	Reason       string           `json:"reason,omitempty"`
	Digest       canonical.Digest `json:"digest"`
	LedgerDigest canonical.Digest `json:"ledger_digest,omitempty"`
}

// Verification failure reasons.
const (
	ReasonNotFound = "not found on ledger"
	ReasonMismatch = "mismatch"
)

// Coordinator orchestrates compute-hash → anchor → record-status for tracked
// entities. It owns no entity storage of its own: callers pass the current
// entity snapshot in.
type Coordinator struct {
	repo       Repository
	ledger     ledger.Ledger
	exclusions []string
	onMetrics  MetricsRecordFunc
	logger     *zap.Logger
}

// NewCoordinator creates a Coordinator. exclusions extends the hasher's
// default field denylist.
func NewCoordinator(repo Repository, l ledger.Ledger, exclusions []string, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		repo:       repo,
		ledger:     l,
		exclusions: exclusions,
		logger:     logger,
	}
}

// SetMetricsRecord configures the metrics recording callback.
func (c *Coordinator) SetMetricsRecord(fn MetricsRecordFunc) {
	c.onMetrics = fn
}

// CurrentBackend reports which ledger backend anchors are written to.
func (c *Coordinator) CurrentBackend() ledger.Backend {
	return c.ledger.Backend()
}

// RecordMutation anchors a mutation of entityID. Unchanged content is an
// idempotent no-op. If the ledger is unreachable the record is still
// persisted, without a transaction reference, so the mutation is never
// silently lost; the outcome tells the caller which of the two happened.
func (c *Coordinator) RecordMutation(ctx context.Context, entityID string, snapshot map[string]any, op OperationType) (*Record, Outcome, error) {
	return c.record(ctx, entityID, snapshot, op, false)
}

// Resubmit re-anchors the entity's current snapshot, bypassing the
// idempotence guard. It is the recovery path for records stuck without a
// transaction reference.
func (c *Coordinator) Resubmit(ctx context.Context, entityID string, snapshot map[string]any) (*Record, Outcome, error) {
	return c.record(ctx, entityID, snapshot, OpManualResubmit, true)
}

func (c *Coordinator) record(ctx context.Context, entityID string, snapshot map[string]any, op OperationType, force bool) (*Record, Outcome, error) {
	digest, err := canonical.Hash(snapshot, c.exclusions)
	if err != nil {
		return nil, "", fmt.Errorf("hash snapshot for %s: %w", entityID, err)
	}

	existing, err := c.repo.FindByEntityAndDigest(ctx, entityID, digest)
	switch {
	case err == nil:
		if existing.TxRef != "" && !force {
			// Content unchanged and already anchored.
			return existing, c.report(OutcomeUnchanged), nil
		}
		return c.reanchor(ctx, existing)
	case !errors.Is(err, ErrNotFound):
		return nil, "", fmt.Errorf("look up audit record: %w", err)
	}

	now := time.Now().UTC()
	rec := &Record{
		ID:        uuid.New(),
		EntityID:  entityID,
		Snapshot:  snapshot,
		Digest:    digest,
		Operation: op,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	outcome := OutcomeConfirmed
	txRef, _, err := c.ledger.Store(ctx, entityID, digest)
	switch {
	case err == nil:
		rec.TxRef = txRef
	case errors.Is(err, ledger.ErrUnavailable):
		// Best-effort degradation: keep the row so the mutation is not
		// lost, leave TxRef empty for later resubmission.
		outcome = OutcomeOffChainOnly
		c.logger.Warn("ledger unreachable, audit record saved off-chain only",
			zap.String("entity_id", entityID),
			zap.Error(err),
		)
	default:
		return nil, "", fmt.Errorf("store digest for %s: %w", entityID, err)
	}

	if err := c.repo.Save(ctx, rec); err != nil {
		return nil, "", fmt.Errorf("save audit record: %w", err)
	}

	c.logger.Info("mutation recorded",
		zap.String("entity_id", entityID),
		zap.String("operation", string(op)),
		zap.String("outcome", string(outcome)),
	)
	return rec, c.report(outcome), nil
}

// reanchor retries the ledger write for an existing record, typically one
// saved while the ledger was unreachable.
func (c *Coordinator) reanchor(ctx context.Context, rec *Record) (*Record, Outcome, error) {
	txRef, _, err := c.ledger.Store(ctx, rec.EntityID, rec.Digest)
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrUnavailable):
		return rec, c.report(OutcomeOffChainOnly), nil
	default:
		return nil, "", fmt.Errorf("store digest for %s: %w", rec.EntityID, err)
	}

	if err := c.repo.SetTxRef(ctx, rec.ID, txRef); err != nil {
		return nil, "", fmt.Errorf("set tx ref: %w", err)
	}
	rec.TxRef = txRef
	c.logger.Info("audit record re-anchored",
		zap.String("entity_id", rec.EntityID),
		zap.String("tx_ref", txRef),
	)
	return rec, c.report(OutcomeConfirmed), nil
}

// Verify recomputes the digest of the entity's current snapshot and compares
// it with the digest the ledger holds. Read-only: no state changes anywhere.
func (c *Coordinator) Verify(ctx context.Context, entityID string, snapshot map[string]any) (*VerifyResult, error) {
	digest, err := canonical.Hash(snapshot, c.exclusions)
	if err != nil {
		return nil, fmt.Errorf("hash snapshot for %s: %w", entityID, err)
	}

	entry, err := c.ledger.Retrieve(ctx, entityID)
	if errors.Is(err, ledger.ErrNotFound) {
		return &VerifyResult{Valid: false, Reason: ReasonNotFound, Digest: digest}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("retrieve ledger entry for %s: %w", entityID, err)
	}

	if entry.Digest != digest {
		return &VerifyResult{
			Valid:        false,
			Reason:       ReasonMismatch,
			Digest:       digest,
			LedgerDigest: entry.Digest,
		}, nil
	}
	return &VerifyResult{Valid: true, Digest: digest, LedgerDigest: entry.Digest}, nil
}

// Approve marks the entity's latest pending record approved. The ledger-side
// approval runs first; the off-chain status flips only after it succeeds, so
// a ledger failure leaves the record pending.
func (c *Coordinator) Approve(ctx context.Context, entityID, reason string) (*Record, error) {
	return c.resolve(ctx, entityID, reason, StatusApproved)
}

// Reject is the counterpart of Approve.
func (c *Coordinator) Reject(ctx context.Context, entityID, reason string) (*Record, error) {
	return c.resolve(ctx, entityID, reason, StatusRejected)
}

func (c *Coordinator) resolve(ctx context.Context, entityID, reason string, status Status) (*Record, error) {
	rec, err := c.repo.LatestPending(ctx, entityID)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", entityID, ErrNoPending)
	}
	if err != nil {
		return nil, fmt.Errorf("find pending record: %w", err)
	}

	var txRef string
	if status == StatusApproved {
		txRef, err = c.ledger.Approve(ctx, entityID, reason)
	} else {
		txRef, err = c.ledger.Reject(ctx, entityID, reason)
	}
	if err != nil {
		// No optimistic flips: the off-chain row stays pending.
		return nil, fmt.Errorf("ledger %s for %s: %w", status, entityID, err)
	}

	if err := c.repo.UpdateStatus(ctx, rec.ID, status); err != nil {
		return nil, fmt.Errorf("update audit status: %w", err)
	}
	rec.Status = status

	c.logger.Info("audit record resolved",
		zap.String("entity_id", entityID),
		zap.String("status", string(status)),
		zap.String("tx_ref", txRef),
	)
	return rec, nil
}

// History returns the entity's audit trail, newest first.
func (c *Coordinator) History(ctx context.Context, entityID string) ([]*Record, error) {
	return c.repo.ListByEntity(ctx, entityID)
}

// UnanchoredCount reports how many records await resubmission. Logged at
// startup so operators know recovery is needed.
func (c *Coordinator) UnanchoredCount(ctx context.Context) (int, error) {
	return c.repo.CountUnanchored(ctx)
}

func (c *Coordinator) report(o Outcome) Outcome {
	if c.onMetrics != nil {
		c.onMetrics(string(c.ledger.Backend()), string(o))
	}
	return o
}
