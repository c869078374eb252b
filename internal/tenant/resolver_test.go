package tenant

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/harborcrm/harbor/internal/apperr"
)

const (
	acmeUUID   = "7b9e4a1c-2f3d-4e5a-8b6c-1d2e3f4a5b6c"
	globexUUID = "0a1b2c3d-4e5f-4a7b-8c9d-0e1f2a3b4c5d"
	systemUUID = "ffffffff-0000-4000-8000-000000000001"
)

func newTestResolver() *Resolver {
	dir := NewStaticDirectory([]Tenant{
		{UUID: acmeUUID, Slug: "acme", Name: "Acme Corp"},
		{UUID: globexUUID, Slug: "globex", Name: "Globex"},
	})
	return NewResolver(dir, systemUUID)
}

func TestResolveBySlug(t *testing.T) {
	r := newTestResolver()
	got, err := r.Resolve(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.UUID != acmeUUID || got.Source != "slug" {
		t.Errorf("got %+v", got)
	}
}

func TestResolveByUUID(t *testing.T) {
	r := newTestResolver()
	got, err := r.Resolve(context.Background(), acmeUUID)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Slug != "acme" || got.Source != "uuid" {
		t.Errorf("got %+v", got)
	}
}

func TestResolveCaseInsensitive(t *testing.T) {
	r := newTestResolver()
	for _, id := range []string{"ACME", "Acme", "  acme  "} {
		got, err := r.Resolve(context.Background(), id)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", id, err)
		}
		if got.UUID != acmeUUID {
			t.Errorf("Resolve(%q) = %+v", id, got)
		}
	}
}

func TestResolveSystem(t *testing.T) {
	r := newTestResolver()
	got, err := r.Resolve(context.Background(), "system")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.UUID != systemUUID || got.Source != "system" {
		t.Errorf("got %+v", got)
	}

	noSystem := NewResolver(NewStaticDirectory(nil), "")
	if _, err := noSystem.Resolve(context.Background(), "system"); apperr.KindOf(err) != apperr.KindTenantNotFound {
		t.Errorf("unconfigured system alias: kind = %q", apperr.KindOf(err))
	}
}

func TestResolveUnknown(t *testing.T) {
	r := newTestResolver()
	for _, id := range []string{"", "no-such-tenant", "00000000-0000-4000-8000-00000000dead"} {
		_, err := r.Resolve(context.Background(), id)
		if apperr.KindOf(err) != apperr.KindTenantNotFound {
			t.Errorf("Resolve(%q): kind = %q, want tenant_not_found", id, apperr.KindOf(err))
		}
	}
}

// countingDirectory wraps a directory and counts lookups so caching is
// observable.
type countingDirectory struct {
	inner   Directory
	lookups atomic.Int64
}

func (d *countingDirectory) ByUUID(ctx context.Context, id string) (*Tenant, error) {
	d.lookups.Add(1)
	return d.inner.ByUUID(ctx, id)
}

func (d *countingDirectory) BySlug(ctx context.Context, slug string) (*Tenant, error) {
	d.lookups.Add(1)
	return d.inner.BySlug(ctx, slug)
}

func TestResolveCachesLookups(t *testing.T) {
	dir := &countingDirectory{inner: NewStaticDirectory([]Tenant{
		{UUID: acmeUUID, Slug: "acme", Name: "Acme Corp"},
	})}
	r := NewResolver(dir, "")
	ctx := context.Background()

	if _, err := r.Resolve(ctx, "acme"); err != nil {
		t.Fatal(err)
	}
	// Repeat by slug and by the canonical UUID; both hit the cache.
	if _, err := r.Resolve(ctx, "acme"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Resolve(ctx, acmeUUID); err != nil {
		t.Fatal(err)
	}
	if got := dir.lookups.Load(); got != 1 {
		t.Errorf("directory hit %d times, want 1", got)
	}
}

type failingDirectory struct{}

func (failingDirectory) ByUUID(context.Context, string) (*Tenant, error) {
	return nil, errors.New("directory down")
}
func (failingDirectory) BySlug(context.Context, string) (*Tenant, error) {
	return nil, errors.New("directory down")
}

func TestResolveDirectoryErrorNotCached(t *testing.T) {
	r := NewResolver(failingDirectory{}, "")
	if _, err := r.Resolve(context.Background(), "acme"); err == nil {
		t.Fatal("expected error from failing directory")
	}
}
