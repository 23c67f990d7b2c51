package audit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/chainseal/chainseal/internal/canonical"

	"github.com/google/uuid"
)

// MemoryRepository is an in-memory, thread-safe Repository for tests and
// database-less deployments.
type MemoryRepository struct {
	mu   sync.RWMutex
	byID map[uuid.UUID]*Record
}

// NewMemoryRepository creates an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byID: make(map[uuid.UUID]*Record)}
}

// Save implements Repository.
func (r *MemoryRepository) Save(_ context.Context, rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *rec
	r.byID[rec.ID] = &cp
	return nil
}

// FindByEntityAndDigest implements Repository.
func (r *MemoryRepository) FindByEntityAndDigest(_ context.Context, entityID string, digest canonical.Digest) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.byID {
		if rec.EntityID == entityID && rec.Digest == digest {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// LatestPending implements Repository.
func (r *MemoryRepository) LatestPending(_ context.Context, entityID string) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var latest *Record
	for _, rec := range r.byID {
		if rec.EntityID != entityID || rec.Status != StatusPending {
			continue
		}
		if latest == nil || rec.CreatedAt.After(latest.CreatedAt) {
			latest = rec
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

// ListByEntity implements Repository.
func (r *MemoryRepository) ListByEntity(_ context.Context, entityID string) ([]*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var recs []*Record
	for _, rec := range r.byID {
		if rec.EntityID == entityID {
			cp := *rec
			recs = append(recs, &cp)
		}
	}
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].CreatedAt.After(recs[j].CreatedAt)
	})
	return recs, nil
}

// CountUnanchored implements Repository.
func (r *MemoryRepository) CountUnanchored(_ context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, rec := range r.byID {
		if rec.TxRef == "" {
			n++
		}
	}
	return n, nil
}

// UpdateStatus implements Repository.
func (r *MemoryRepository) UpdateStatus(_ context.Context, id uuid.UUID, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// SetTxRef implements Repository.
func (r *MemoryRepository) SetTxRef(_ context.Context, id uuid.UUID, txRef string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	rec.TxRef = txRef
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

var _ Repository = (*MemoryRepository)(nil)
