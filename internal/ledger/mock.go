package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chainseal/chainseal/internal/canonical"

	"go.uber.org/zap"
)

// MockLedger is an in-memory, thread-safe Ledger used for tests and for
// running the service without any chain infrastructure. Store on an existing
// entity overwrites the held entry (latest-write-wins, simulating chain state
// replacement). A small artificial latency is injected on every call so
// asynchronous callers get exercised realistically in tests.
type MockLedger struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	seq     int
	latency time.Duration
	logger  *zap.Logger
}

// NewMock creates a MockLedger. latency is applied to every operation; pass
// zero to disable it.
func NewMock(latency time.Duration, logger *zap.Logger) *MockLedger {
	return &MockLedger{
		entries: make(map[string]*Entry),
		latency: latency,
		logger:  logger,
	}
}

// Backend implements Ledger.
func (m *MockLedger) Backend() Backend { return BackendMock }

// Store implements Ledger.
func (m *MockLedger) Store(ctx context.Context, entityID string, digest canonical.Digest) (string, time.Time, error) {
	if err := m.sleep(ctx); err != nil {
		return "", time.Time{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	now := time.Now().UTC()
	entry := &Entry{
		EntityID:   entityID,
		Digest:     digest,
		TxRef:      fmt.Sprintf("mock-tx-%d", m.seq),
		RecordedAt: now,
		Backend:    BackendMock,
		Status:     "pending",
	}
	m.entries[entityID] = entry

	m.logger.Debug("mock ledger stored digest",
		zap.String("entity_id", entityID),
		zap.String("tx_ref", entry.TxRef),
	)
	return entry.TxRef, now, nil
}

// Retrieve implements Ledger.
func (m *MockLedger) Retrieve(ctx context.Context, entityID string) (*Entry, error) {
	if err := m.sleep(ctx); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[entityID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *entry
	return &cp, nil
}

// Approve implements Ledger. The mock has no on-chain approval workflow, so
// the action is recorded locally and a synthetic reference is returned.
func (m *MockLedger) Approve(ctx context.Context, entityID, reason string) (string, error) {
	return m.mark(ctx, entityID, "approved", reason)
}

// Reject implements Ledger.
func (m *MockLedger) Reject(ctx context.Context, entityID, reason string) (string, error) {
	return m.mark(ctx, entityID, "rejected", reason)
}

func (m *MockLedger) mark(ctx context.Context, entityID, status, reason string) (string, error) {
	if err := m.sleep(ctx); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[entityID]
	if !ok {
		return "", ErrNotFound
	}
	entry.Status = status
	entry.Reason = reason
	m.seq++
	return fmt.Sprintf("mock-tx-%d", m.seq), nil
}

func (m *MockLedger) sleep(ctx context.Context) error {
	if m.latency == 0 {
		return nil
	}
	select {
	case <-time.After(m.latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
