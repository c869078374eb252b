// Package artifacts stores large tool results out-of-band as
// content-addressed blobs with a tenant-scoped metadata row, so later
// turns can reference prior context by id instead of re-inlining the
// payload.
package artifacts

import (
	"context"
	"io"
	"time"
)

// Ref is the immutable metadata row describing one stored artifact.
type Ref struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	Kind       string    `json:"kind"`
	EntityType string    `json:"entity_type,omitempty"`
	EntityID   string    `json:"entity_id,omitempty"`
	R2Key      string    `json:"r2_key"`
	SHA256     string    `json:"sha256"`
	SizeBytes  int64     `json:"size_bytes"`
	CreatedAt  time.Time `json:"created_at"`
}

// BlobStore is a key-addressed byte store. Keys are tenant-prefixed by
// the service layer; stores do not enforce tenancy themselves.
type BlobStore interface {
	// Put uploads the blob under key.
	Put(ctx context.Context, key string, data io.Reader) error

	// Get returns a reader over the blob. The caller closes it.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes a blob. Missing keys are not an error.
	Delete(ctx context.Context, key string) error

	// Exists reports whether the key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Close releases store resources.
	Close() error
}

// Repository persists artifact metadata rows.
type Repository interface {
	// Insert writes a new row. Duplicate (tenant_id, r2_key) pairs
	// fail with a conflict error.
	Insert(ctx context.Context, ref *Ref) error

	// Get returns the row with the given id, tenant-scoped.
	Get(ctx context.Context, id, tenantID string) (*Ref, error)

	// List returns rows for a tenant, newest first, optionally
	// filtered by kind and entity id. limit is clamped by the caller.
	List(ctx context.Context, tenantID, kind, entityID string, limit int) ([]*Ref, error)

	// DeleteOlderThan removes rows of the given kind created before
	// cutoff and returns their refs so blobs can be deleted too.
	DeleteOlderThan(ctx context.Context, kind string, cutoff time.Time) ([]*Ref, error)

	// Close releases repository resources.
	Close() error
}
