// Package tenant maps incoming tenant identifiers (slug or UUID) to
// canonical tenant records. Every downstream key — cache entries, goal
// records, artifact rows, telemetry events — is qualified by the
// canonical UUID, never the slug.
package tenant

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/harborcrm/harbor/internal/apperr"
)

// SystemIdentifier is the literal accepted in place of a tenant id for
// backend-initiated work.
const SystemIdentifier = "system"

// Tenant is a canonical tenant record.
type Tenant struct {
	UUID string `json:"uuid"`
	Slug string `json:"slug"`
	Name string `json:"name"`
	// Source records how the identifier resolved: "uuid", "slug",
	// "system", or "directory".
	Source string `json:"source"`
}

// Directory is the lookup backing a Resolver. Implementations must be
// safe for concurrent use.
type Directory interface {
	// ByUUID returns the tenant with the given canonical UUID.
	ByUUID(ctx context.Context, id string) (*Tenant, error)

	// BySlug returns the tenant with the given human slug.
	BySlug(ctx context.Context, slug string) (*Tenant, error)
}

// Resolver resolves slugs and UUIDs to canonical tenant records, with a
// process-local read-through cache. Resolution is a pure lookup; results
// are stable for the lifetime of a request.
type Resolver struct {
	dir        Directory
	systemUUID string

	mu    sync.RWMutex
	cache map[string]*Tenant
}

// NewResolver creates a resolver over the given directory. systemUUID is
// the tenant the literal "system" maps to; empty disables that alias.
func NewResolver(dir Directory, systemUUID string) *Resolver {
	return &Resolver{
		dir:        dir,
		systemUUID: systemUUID,
		cache:      make(map[string]*Tenant),
	}
}

// Resolve maps an identifier to a canonical tenant record. The
// identifier may be a UUID, a slug, or the literal "system". Unknown
// identifiers fail with a tenant-not-found error.
func (r *Resolver) Resolve(ctx context.Context, identifier string) (*Tenant, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return nil, apperr.New(apperr.KindTenantNotFound, "tenant identifier is required")
	}

	if identifier == SystemIdentifier {
		if r.systemUUID == "" {
			return nil, apperr.New(apperr.KindTenantNotFound, "system tenant is not configured")
		}
		return &Tenant{UUID: r.systemUUID, Slug: SystemIdentifier, Name: "System", Source: "system"}, nil
	}

	r.mu.RLock()
	cached, ok := r.cache[identifier]
	r.mu.RUnlock()
	if ok {
		return cached, nil
	}

	var (
		t   *Tenant
		err error
	)
	if _, parseErr := uuid.Parse(identifier); parseErr == nil {
		t, err = r.dir.ByUUID(ctx, strings.ToLower(identifier))
		if t != nil {
			t.Source = "uuid"
		}
	} else {
		t, err = r.dir.BySlug(ctx, strings.ToLower(identifier))
		if t != nil {
			t.Source = "slug"
		}
	}
	if err != nil {
		return nil, err
	}
	if t == nil || t.UUID == "" {
		return nil, apperr.Newf(apperr.KindTenantNotFound, "tenant %q not found", identifier)
	}

	r.mu.Lock()
	r.cache[identifier] = t
	r.cache[t.UUID] = t
	if t.Slug != "" {
		r.cache[t.Slug] = t
	}
	r.mu.Unlock()

	return t, nil
}

// StaticDirectory serves tenants from a fixed in-memory set, used for
// small deployments and tests.
type StaticDirectory struct {
	byUUID map[string]*Tenant
	bySlug map[string]*Tenant
}

// NewStaticDirectory builds a directory from the given tenants.
func NewStaticDirectory(tenants []Tenant) *StaticDirectory {
	d := &StaticDirectory{
		byUUID: make(map[string]*Tenant, len(tenants)),
		bySlug: make(map[string]*Tenant, len(tenants)),
	}
	for i := range tenants {
		t := tenants[i]
		t.UUID = strings.ToLower(strings.TrimSpace(t.UUID))
		t.Slug = strings.ToLower(strings.TrimSpace(t.Slug))
		if t.UUID == "" {
			continue
		}
		d.byUUID[t.UUID] = &t
		if t.Slug != "" {
			d.bySlug[t.Slug] = &t
		}
	}
	return d
}

func (d *StaticDirectory) ByUUID(_ context.Context, id string) (*Tenant, error) {
	if t, ok := d.byUUID[strings.ToLower(id)]; ok {
		clone := *t
		return &clone, nil
	}
	return nil, apperr.Newf(apperr.KindTenantNotFound, "tenant %q not found", id)
}

func (d *StaticDirectory) BySlug(_ context.Context, slug string) (*Tenant, error) {
	if t, ok := d.bySlug[strings.ToLower(slug)]; ok {
		clone := *t
		return &clone, nil
	}
	return nil, apperr.Newf(apperr.KindTenantNotFound, "tenant %q not found", slug)
}
