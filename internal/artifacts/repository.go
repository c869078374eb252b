package artifacts

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/harborcrm/harbor/internal/apperr"
)

// MemoryRepository keeps metadata rows in memory, for tests and
// deployments without a database.
type MemoryRepository struct {
	mu   sync.RWMutex
	byID map[string]*Ref
	// byKey indexes (tenant_id, r2_key) for conflict detection.
	byKey map[string]string
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:  make(map[string]*Ref),
		byKey: make(map[string]string),
	}
}

func uniqueKey(tenantID, r2Key string) string {
	return tenantID + "\x00" + r2Key
}

func (r *MemoryRepository) Insert(_ context.Context, ref *Ref) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := uniqueKey(ref.TenantID, ref.R2Key)
	if _, exists := r.byKey[key]; exists {
		return apperr.Newf(apperr.KindConflict, "artifact key %q already exists for tenant", ref.R2Key)
	}

	clone := *ref
	r.byID[ref.ID] = &clone
	r.byKey[key] = ref.ID
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id, tenantID string) (*Ref, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ref, ok := r.byID[id]
	if !ok || ref.TenantID != tenantID {
		// Cross-tenant access is indistinguishable from absence.
		return nil, apperr.Newf(apperr.KindNotFound, "artifact %q not found", id)
	}
	clone := *ref
	return &clone, nil
}

func (r *MemoryRepository) List(_ context.Context, tenantID, kind, entityID string, limit int) ([]*Ref, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var refs []*Ref
	for _, ref := range r.byID {
		if ref.TenantID != tenantID {
			continue
		}
		if kind != "" && ref.Kind != kind {
			continue
		}
		if entityID != "" && ref.EntityID != entityID {
			continue
		}
		clone := *ref
		refs = append(refs, &clone)
	}

	sort.Slice(refs, func(i, j int) bool {
		return refs[i].CreatedAt.After(refs[j].CreatedAt)
	})
	if limit > 0 && len(refs) > limit {
		refs = refs[:limit]
	}
	return refs, nil
}

func (r *MemoryRepository) DeleteOlderThan(_ context.Context, kind string, cutoff time.Time) ([]*Ref, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []*Ref
	for id, ref := range r.byID {
		if ref.Kind != kind || !ref.CreatedAt.Before(cutoff) {
			continue
		}
		clone := *ref
		removed = append(removed, &clone)
		delete(r.byID, id)
		delete(r.byKey, uniqueKey(ref.TenantID, ref.R2Key))
	}
	return removed, nil
}

func (r *MemoryRepository) Close() error { return nil }
