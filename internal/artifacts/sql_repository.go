package artifacts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/harborcrm/harbor/internal/apperr"
)

// SQLRepository persists metadata rows in Postgres.
type SQLRepository struct {
	db *sql.DB
}

// artifactsSchema is applied on startup; idempotent.
const artifactsSchema = `
CREATE TABLE IF NOT EXISTS artifacts (
	id          TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	kind        TEXT NOT NULL,
	entity_type TEXT NOT NULL DEFAULT '',
	entity_id   TEXT NOT NULL DEFAULT '',
	r2_key      TEXT NOT NULL,
	sha256      TEXT NOT NULL,
	size_bytes  BIGINT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	UNIQUE (tenant_id, r2_key)
);
CREATE INDEX IF NOT EXISTS artifacts_tenant_created_idx
	ON artifacts (tenant_id, created_at DESC);
`

// NewSQLRepository opens the database and ensures the schema exists.
func NewSQLRepository(ctx context.Context, databaseURL string) (*SQLRepository, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open artifacts db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping artifacts db: %w", err)
	}
	if _, err := db.ExecContext(ctx, artifactsSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply artifacts schema: %w", err)
	}
	return &SQLRepository{db: db}, nil
}

// NewSQLRepositoryWithDB wraps an existing handle, used by tests.
func NewSQLRepositoryWithDB(db *sql.DB) *SQLRepository {
	return &SQLRepository{db: db}
}

func (r *SQLRepository) Insert(ctx context.Context, ref *Ref) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, tenant_id, kind, entity_type, entity_id, r2_key, sha256, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ref.ID, ref.TenantID, ref.Kind, ref.EntityType, ref.EntityID,
		ref.R2Key, ref.SHA256, ref.SizeBytes, ref.CreatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return apperr.Newf(apperr.KindConflict, "artifact key %q already exists for tenant", ref.R2Key)
		}
		return apperr.Wrap(apperr.KindStorageUnavailable, "insert artifact row", err)
	}
	return nil
}

func (r *SQLRepository) Get(ctx context.Context, id, tenantID string) (*Ref, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, kind, entity_type, entity_id, r2_key, sha256, size_bytes, created_at
		FROM artifacts WHERE id = $1 AND tenant_id = $2`,
		id, tenantID,
	)
	ref, err := scanRef(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.Newf(apperr.KindNotFound, "artifact %q not found", id)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, "get artifact row", err)
	}
	return ref, nil
}

func (r *SQLRepository) List(ctx context.Context, tenantID, kind, entityID string, limit int) ([]*Ref, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, tenant_id, kind, entity_type, entity_id, r2_key, sha256, size_bytes, created_at
		FROM artifacts
		WHERE tenant_id = $1
		  AND ($2 = '' OR kind = $2)
		  AND ($3 = '' OR entity_id = $3)
		ORDER BY created_at DESC
		LIMIT $4`,
		tenantID, kind, entityID, limit,
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, "list artifact rows", err)
	}
	defer rows.Close()

	var refs []*Ref
	for rows.Next() {
		ref, err := scanRef(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindStorageUnavailable, "scan artifact row", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, "iterate artifact rows", err)
	}
	return refs, nil
}

func (r *SQLRepository) DeleteOlderThan(ctx context.Context, kind string, cutoff time.Time) ([]*Ref, error) {
	rows, err := r.db.QueryContext(ctx, `
		DELETE FROM artifacts
		WHERE kind = $1 AND created_at < $2
		RETURNING id, tenant_id, kind, entity_type, entity_id, r2_key, sha256, size_bytes, created_at`,
		kind, cutoff,
	)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, "sweep artifact rows", err)
	}
	defer rows.Close()

	var refs []*Ref
	for rows.Next() {
		ref, err := scanRef(rows)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindStorageUnavailable, "scan swept artifact row", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, "iterate swept artifact rows", err)
	}
	return refs, nil
}

func (r *SQLRepository) Close() error {
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRef(row rowScanner) (*Ref, error) {
	var ref Ref
	err := row.Scan(&ref.ID, &ref.TenantID, &ref.Kind, &ref.EntityType, &ref.EntityID,
		&ref.R2Key, &ref.SHA256, &ref.SizeBytes, &ref.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &ref, nil
}
