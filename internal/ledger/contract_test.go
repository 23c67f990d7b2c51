package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/chainseal/chainseal/internal/canonical"
	"github.com/chainseal/chainseal/internal/ledger"

	"go.uber.org/zap"
)

// stubContractClient keeps slot state in memory and enumerates errors the
// way the real gateway does.
type stubContractClient struct {
	mu      sync.Mutex
	slots   map[uint64]*ledger.ChangeState
	pending uint64
	submits int
}

func newStubContractClient() *stubContractClient {
	return &stubContractClient{slots: make(map[uint64]*ledger.ChangeState)}
}

func (c *stubContractClient) SubmitChange(_ context.Context, nonce, slot uint64, digest string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.submits++
	c.slots[slot] = &ledger.ChangeState{Digest: digest}
	c.pending++
	return fmt.Sprintf("0xtx%d", nonce), nil
}

func (c *stubContractClient) GetChange(_ context.Context, slot uint64) (*ledger.ChangeState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.slots[slot]
	if !ok {
		// Chain reads of unwritten slots return zeroed state, not an error.
		return &ledger.ChangeState{}, nil
	}
	cp := *state
	return &cp, nil
}

func (c *stubContractClient) Approve(_ context.Context, nonce, slot uint64, reason string) (string, error) {
	return c.mark(nonce, slot, ledger.ChangeApproved, reason)
}

func (c *stubContractClient) Reject(_ context.Context, nonce, slot uint64, reason string) (string, error) {
	return c.mark(nonce, slot, ledger.ChangeRejected, reason)
}

func (c *stubContractClient) mark(nonce, slot uint64, status ledger.ChangeStatus, reason string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.slots[slot]
	if !ok {
		return "", fmt.Errorf("slot %d empty: %w", slot, ledger.ErrRejected)
	}
	state.Status = status
	state.Reason = reason
	c.pending++
	return fmt.Sprintf("0xtx%d", nonce), nil
}

func (c *stubContractClient) PendingTransactionCount(_ context.Context, _ string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending, nil
}

// directSubmitter dispatches inline with a counting nonce, standing in for
// the real sequencer in adapter-focused tests.
type directSubmitter struct {
	nonces ledger.ContractClient
}

func (d *directSubmitter) Submit(ctx context.Context, dispatch ledger.DispatchFunc) (string, error) {
	nonce, err := d.nonces.PendingTransactionCount(ctx, "test-signer")
	if err != nil {
		return "", err
	}
	return dispatch(ctx, nonce)
}

func newContractLedger(client *stubContractClient) *ledger.ContractLedger {
	return ledger.NewContract(client, &directSubmitter{nonces: client}, zap.NewNop())
}

func TestSlotFor_deterministic(t *testing.T) {
	a := ledger.SlotFor("entity-1")
	b := ledger.SlotFor("entity-1")
	if a != b {
		t.Error("slot mapping must be deterministic")
	}
	if ledger.SlotFor("entity-2") == a {
		t.Error("distinct entities should land on distinct slots here")
	}
}

func TestContract_storeAndRetrieve(t *testing.T) {
	client := newStubContractClient()
	l := newContractLedger(client)

	digest, _ := canonical.Hash(map[string]any{"x": float64(1)}, nil)
	txRef, _, err := l.Store(ctx, "e1", digest)
	if err != nil {
		t.Fatal(err)
	}
	if txRef == "" {
		t.Error("expected a transaction reference")
	}

	entry, err := l.Retrieve(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if entry.Digest != digest {
		t.Errorf("digest round-trip failed: got %s, want %s", entry.Digest, digest)
	}
	if entry.Backend != ledger.BackendContract {
		t.Errorf("expected contract backend tag, got %s", entry.Backend)
	}
}

func TestContract_retrieveEmptySlotIsNotFound(t *testing.T) {
	l := newContractLedger(newStubContractClient())

	_, err := l.Retrieve(ctx, "never-recorded")
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for zeroed slot, got %v", err)
	}
}

func TestContract_approveMutatesSlotStatus(t *testing.T) {
	client := newStubContractClient()
	l := newContractLedger(client)

	digest, _ := canonical.Hash(map[string]any{"x": float64(1)}, nil)
	if _, _, err := l.Store(ctx, "e1", digest); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Approve(ctx, "e1", "verified"); err != nil {
		t.Fatal(err)
	}

	entry, err := l.Retrieve(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != "approved" || entry.Reason != "verified" {
		t.Errorf("approval not reflected: status=%s reason=%s", entry.Status, entry.Reason)
	}
}

func TestContract_approveUnsubmittedEntityRejected(t *testing.T) {
	l := newContractLedger(newStubContractClient())

	_, err := l.Approve(ctx, "ghost", "nope")
	if !errors.Is(err, ledger.ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
}

func TestContract_resubmitSameEntityAllowed(t *testing.T) {
	client := newStubContractClient()
	l := newContractLedger(client)

	d1, _ := canonical.Hash(map[string]any{"v": float64(1)}, nil)
	d2, _ := canonical.Hash(map[string]any{"v": float64(2)}, nil)

	if _, _, err := l.Store(ctx, "e1", d1); err != nil {
		t.Fatal(err)
	}
	// The claim table must not mistake an update for a collision.
	if _, _, err := l.Store(ctx, "e1", d2); err != nil {
		t.Fatalf("same-entity update refused: %v", err)
	}

	entry, err := l.Retrieve(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if entry.Digest != d2 {
		t.Errorf("expected latest digest %s, got %s", d2, entry.Digest)
	}
}
