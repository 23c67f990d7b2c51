package ledger_test

import (
	"context"
	"errors"
	"testing"

	"github.com/chainseal/chainseal/internal/canonical"
	"github.com/chainseal/chainseal/internal/ledger"

	"go.uber.org/zap"
)

var ctx = context.Background()

func TestMock_storeAndRetrieve(t *testing.T) {
	m := ledger.NewMock(0, zap.NewNop())

	digest, _ := canonical.Hash(map[string]any{"x": float64(1)}, nil)
	txRef, recordedAt, err := m.Store(ctx, "e1", digest)
	if err != nil {
		t.Fatal(err)
	}
	if txRef == "" {
		t.Error("expected a transaction reference")
	}
	if recordedAt.IsZero() {
		t.Error("expected a recorded-at timestamp")
	}

	entry, err := m.Retrieve(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if entry.Digest != digest {
		t.Errorf("digest mismatch: got %s, want %s", entry.Digest, digest)
	}
	if entry.Backend != ledger.BackendMock {
		t.Errorf("expected mock backend tag, got %s", entry.Backend)
	}
}

func TestMock_retrieveUnknownIsNotFound(t *testing.T) {
	m := ledger.NewMock(0, zap.NewNop())

	_, err := m.Retrieve(ctx, "never-recorded")
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMock_storeOverwritesLatestWriteWins(t *testing.T) {
	m := ledger.NewMock(0, zap.NewNop())

	d1, _ := canonical.Hash(map[string]any{"v": float64(1)}, nil)
	d2, _ := canonical.Hash(map[string]any{"v": float64(2)}, nil)

	if _, _, err := m.Store(ctx, "e1", d1); err != nil {
		t.Fatal(err)
	}
	if _, _, err := m.Store(ctx, "e1", d2); err != nil {
		t.Fatal(err)
	}

	entry, err := m.Retrieve(ctx, "e1")
	if err != nil {
		t.Fatal(err)
	}
	if entry.Digest != d2 {
		t.Errorf("expected latest digest %s, got %s", d2, entry.Digest)
	}
}

func TestMock_approveRecordsReasonLocally(t *testing.T) {
	m := ledger.NewMock(0, zap.NewNop())

	digest, _ := canonical.Hash(map[string]any{"x": float64(1)}, nil)
	if _, _, err := m.Store(ctx, "e1", digest); err != nil {
		t.Fatal(err)
	}

	txRef, err := m.Approve(ctx, "e1", "looks good")
	if err != nil {
		t.Fatal(err)
	}
	if txRef == "" {
		t.Error("expected a synthetic reference")
	}

	entry, _ := m.Retrieve(ctx, "e1")
	if entry.Status != "approved" || entry.Reason != "looks good" {
		t.Errorf("approval not recorded: status=%s reason=%s", entry.Status, entry.Reason)
	}
}

func TestMock_approveUnknownEntity(t *testing.T) {
	m := ledger.NewMock(0, zap.NewNop())

	_, err := m.Reject(ctx, "ghost", "nope")
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
