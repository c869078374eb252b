package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"
)

// CRMEntityModules is the set of modules whose writes also invalidate
// the tenant's dashboard aggregates.
var CRMEntityModules = map[string]bool{
	"leads":         true,
	"accounts":      true,
	"contacts":      true,
	"opportunities": true,
	"activities":    true,
	"notes":         true,
	"bizdev":        true,
}

// IsCRMEntity reports whether module belongs to the CRM entity set.
func IsCRMEntity(module string) bool {
	return CRMEntityModules[module]
}

// Stats counts cache outcomes since process start.
type Stats struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Errors        int64 `json:"errors"`
	Invalidations int64 `json:"invalidations"`
}

// TenantCache applies the key grammar and the advisory failure policy
// over a raw Backend. Any backend failure is logged, counted, and
// reported as a miss; business logic never sees a cache error.
type TenantCache struct {
	backend Backend
	logger  *slog.Logger

	hits          atomic.Int64
	misses        atomic.Int64
	errs          atomic.Int64
	invalidations atomic.Int64
}

// NewTenantCache wraps a backend.
func NewTenantCache(backend Backend, logger *slog.Logger) *TenantCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &TenantCache{backend: backend, logger: logger}
}

// Get returns the cached value and true on a hit. Backend errors count
// separately from misses but both return ok=false.
func (c *TenantCache) Get(ctx context.Context, key string) ([]byte, bool) {
	value, err := c.backend.Get(ctx, key)
	switch {
	case err == nil:
		c.hits.Add(1)
		return value, true
	case errors.Is(err, ErrMiss):
		c.misses.Add(1)
		return nil, false
	default:
		c.errs.Add(1)
		c.logger.Warn("cache get failed, treating as miss", "key", key, "error", err)
		return nil, false
	}
}

// Set stores a value best-effort. Errors are swallowed.
func (c *TenantCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if err := c.backend.Set(ctx, key, value, ttl); err != nil {
		c.errs.Add(1)
		c.logger.Warn("cache set failed", "key", key, "error", err)
	}
}

// InvalidateTenant removes every entry under "<module>:<tenantUUID>:".
func (c *TenantCache) InvalidateTenant(ctx context.Context, tenantUUID, module string) {
	c.deletePrefix(ctx, TenantPrefix(module, tenantUUID))
}

// InvalidateDashboard removes the tenant's derived-aggregate entries.
func (c *TenantCache) InvalidateDashboard(ctx context.Context, tenantUUID string) {
	c.deletePrefix(ctx, DashboardPrefix(tenantUUID))
}

func (c *TenantCache) deletePrefix(ctx context.Context, prefix string) {
	removed, err := c.backend.DeleteByPrefix(ctx, prefix)
	if err != nil {
		c.errs.Add(1)
		c.logger.Warn("cache invalidation failed", "prefix", prefix, "error", err)
		return
	}
	c.invalidations.Add(1)
	if removed > 0 {
		c.logger.Debug("cache invalidated", "prefix", prefix, "removed", removed)
	}
}

// Stats returns a snapshot of the counters.
func (c *TenantCache) Stats() Stats {
	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Errors:        c.errs.Load(),
		Invalidations: c.invalidations.Load(),
	}
}

// Close releases the backend.
func (c *TenantCache) Close() error {
	return c.backend.Close()
}
