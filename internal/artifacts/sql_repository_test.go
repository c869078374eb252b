package artifacts

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/harborcrm/harbor/internal/apperr"
)

var refColumns = []string{
	"id", "tenant_id", "kind", "entity_type", "entity_id",
	"r2_key", "sha256", "size_bytes", "created_at",
}

func testRef() *Ref {
	return &Ref{
		ID:        "art-1",
		TenantID:  "tenant-1",
		Kind:      "tool_result",
		EntityID:  "call-1",
		R2Key:     "tenant-1/tool_result/abcd-art-1",
		SHA256:    "deadbeef",
		SizeBytes: 42,
		CreatedAt: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
}

func TestSQLRepositoryInsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	repo := NewSQLRepositoryWithDB(db)
	defer repo.Close()

	ref := testRef()
	mock.ExpectExec("INSERT INTO artifacts").
		WithArgs(ref.ID, ref.TenantID, ref.Kind, ref.EntityType, ref.EntityID,
			ref.R2Key, ref.SHA256, ref.SizeBytes, ref.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.Insert(context.Background(), ref); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestSQLRepositoryInsertConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	repo := NewSQLRepositoryWithDB(db)
	defer repo.Close()

	mock.ExpectExec("INSERT INTO artifacts").
		WillReturnError(&pq.Error{Code: "23505"})

	err = repo.Insert(context.Background(), testRef())
	if apperr.KindOf(err) != apperr.KindConflict {
		t.Errorf("unique violation mapped to %q, want conflict", apperr.KindOf(err))
	}
}

func TestSQLRepositoryGet(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	repo := NewSQLRepositoryWithDB(db)
	defer repo.Close()

	want := testRef()
	mock.ExpectQuery("SELECT (.+) FROM artifacts WHERE id").
		WithArgs("art-1", "tenant-1").
		WillReturnRows(sqlmock.NewRows(refColumns).AddRow(
			want.ID, want.TenantID, want.Kind, want.EntityType, want.EntityID,
			want.R2Key, want.SHA256, want.SizeBytes, want.CreatedAt,
		))

	got, err := repo.Get(context.Background(), "art-1", "tenant-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.R2Key != want.R2Key || got.SHA256 != want.SHA256 {
		t.Errorf("got %+v", got)
	}
}

func TestSQLRepositoryGetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	repo := NewSQLRepositoryWithDB(db)
	defer repo.Close()

	mock.ExpectQuery("SELECT (.+) FROM artifacts WHERE id").
		WithArgs("missing", "tenant-1").
		WillReturnRows(sqlmock.NewRows(refColumns))

	_, err = repo.Get(context.Background(), "missing", "tenant-1")
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("kind = %q, want not_found", apperr.KindOf(err))
	}
}

func TestSQLRepositoryDeleteOlderThan(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	repo := NewSQLRepositoryWithDB(db)
	defer repo.Close()

	want := testRef()
	cutoff := time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("DELETE FROM artifacts").
		WithArgs("tool_result", cutoff).
		WillReturnRows(sqlmock.NewRows(refColumns).AddRow(
			want.ID, want.TenantID, want.Kind, want.EntityType, want.EntityID,
			want.R2Key, want.SHA256, want.SizeBytes, want.CreatedAt,
		))

	refs, err := repo.DeleteOlderThan(context.Background(), "tool_result", cutoff)
	if err != nil {
		t.Fatalf("DeleteOlderThan: %v", err)
	}
	if len(refs) != 1 || refs[0].R2Key != want.R2Key {
		t.Errorf("refs = %+v", refs)
	}
}
