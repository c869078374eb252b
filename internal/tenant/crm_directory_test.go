package tenant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/harborcrm/harbor/internal/apperr"
	"github.com/harborcrm/harbor/internal/crm"
)

func newDirectoryServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	record := map[string]string{
		"uuid": "7b9e4a1c-2f3d-4e5a-8b6c-1d2e3f4a5b6c",
		"slug": "acme",
		"name": "Acme Corp",
	}
	serve := func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer dir-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(record)
	}
	mux.HandleFunc("GET /tenants/by-slug/acme", serve)
	mux.HandleFunc("GET /tenants/"+record["uuid"], serve)
	mux.HandleFunc("GET /tenants/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("GET /tenants/by-slug/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func staticToken(tok string) TokenSource {
	return func() (string, error) { return tok, nil }
}

func TestCRMDirectoryLookups(t *testing.T) {
	srv := newDirectoryServer(t)
	dir := NewCRMDirectory(crm.NewClient(srv.URL), staticToken("dir-token"))

	bySlug, err := dir.BySlug(context.Background(), "acme")
	if err != nil {
		t.Fatalf("BySlug: %v", err)
	}
	if bySlug.UUID != "7b9e4a1c-2f3d-4e5a-8b6c-1d2e3f4a5b6c" || bySlug.Name != "Acme Corp" {
		t.Errorf("BySlug = %+v", bySlug)
	}
	if bySlug.Source != "directory" {
		t.Errorf("source = %q", bySlug.Source)
	}

	byUUID, err := dir.ByUUID(context.Background(), bySlug.UUID)
	if err != nil {
		t.Fatalf("ByUUID: %v", err)
	}
	if byUUID.Slug != "acme" {
		t.Errorf("ByUUID = %+v", byUUID)
	}
}

func TestCRMDirectoryNotFound(t *testing.T) {
	srv := newDirectoryServer(t)
	dir := NewCRMDirectory(crm.NewClient(srv.URL), staticToken("dir-token"))

	_, err := dir.BySlug(context.Background(), "initech")
	if apperr.KindOf(err) != apperr.KindTenantNotFound {
		t.Errorf("kind = %q, want tenant_not_found", apperr.KindOf(err))
	}
}

func TestCRMDirectoryUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	dir := NewCRMDirectory(crm.NewClient(srv.URL), staticToken("dir-token"))

	_, err := dir.BySlug(context.Background(), "acme")
	if apperr.KindOf(err) != apperr.KindStorageUnavailable {
		t.Errorf("kind = %q, want storage_unavailable", apperr.KindOf(err))
	}
}

func TestCRMDirectoryTokenFailure(t *testing.T) {
	srv := newDirectoryServer(t)
	dir := NewCRMDirectory(crm.NewClient(srv.URL), func() (string, error) {
		return "", errors.New("minter down")
	})

	_, err := dir.BySlug(context.Background(), "acme")
	if apperr.KindOf(err) != apperr.KindUnauthorized {
		t.Errorf("kind = %q, want unauthorized", apperr.KindOf(err))
	}
}

func TestCRMDirectoryWithResolver(t *testing.T) {
	srv := newDirectoryServer(t)
	dir := NewCRMDirectory(crm.NewClient(srv.URL), staticToken("dir-token"))
	r := NewResolver(dir, "")

	resolved, err := r.Resolve(context.Background(), "acme")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.UUID != "7b9e4a1c-2f3d-4e5a-8b6c-1d2e3f4a5b6c" || resolved.Source != "slug" {
		t.Errorf("resolved = %+v", resolved)
	}
}
