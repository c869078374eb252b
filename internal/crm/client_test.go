package crm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/harborcrm/harbor/internal/apperr"
)

func TestDoSendsBearerToken(t *testing.T) {
	var gotAuth, gotAccept, gotContentType string
	var gotQuery url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		gotContentType = r.Header.Get("Content-Type")
		gotQuery = r.URL.Query()
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	query := url.Values{}
	query.Set("limit", "5")

	resp, err := c.Do(context.Background(), http.MethodPost, "/leads", "tok-123", query,
		map[string]string{"name": "Acme"})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !resp.OK() || resp.StatusCode != http.StatusOK {
		t.Errorf("resp = %+v", resp)
	}
	if gotAuth != "Bearer tok-123" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotAccept != "application/json" || gotContentType != "application/json" {
		t.Errorf("headers = %q / %q", gotAccept, gotContentType)
	}
	if gotQuery.Get("limit") != "5" {
		t.Errorf("query = %v", gotQuery)
	}
	if string(resp.Body) != `{"ok":true}` {
		t.Errorf("body = %s", resp.Body)
	}
}

func TestDoPassesThroughErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"no such lead"}`))
	}))
	defer srv.Close()

	resp, err := NewClient(srv.URL).Do(context.Background(), http.MethodGet, "/leads/l1", "tok", nil, nil)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if resp.OK() {
		t.Error("404 reported as OK")
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d", resp.StatusCode)
	}
}

func TestDoTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := NewClient(srv.URL).Do(ctx, http.MethodGet, "/leads", "tok", nil, nil)
	if apperr.KindOf(err) != apperr.KindTimeout {
		t.Errorf("kind = %q, want timeout", apperr.KindOf(err))
	}
}

func TestDoTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	_, err := NewClient(srv.URL).Do(context.Background(), http.MethodGet, "/leads", "tok", nil, nil)
	if apperr.KindOf(err) != apperr.KindStorageUnavailable {
		t.Errorf("kind = %q, want storage_unavailable", apperr.KindOf(err))
	}
	if !apperr.Retryable(err) {
		t.Error("transport errors are retryable")
	}
}

func TestFindLeadByName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/leads/search" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if q := r.URL.Query().Get("q"); q != "John Smith" {
			t.Errorf("q = %q", q)
		}
		if limit := r.URL.Query().Get("limit"); limit != "1" {
			t.Errorf("limit = %q", limit)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"leads": []Lead{{ID: "l1", Name: "John Smith", Email: "john@acme.test"}},
		})
	}))
	defer srv.Close()

	lead, err := NewClient(srv.URL).FindLeadByName(context.Background(), "tok", "John Smith")
	if err != nil {
		t.Fatalf("FindLeadByName: %v", err)
	}
	if lead == nil || lead.ID != "l1" || lead.Email != "john@acme.test" {
		t.Errorf("lead = %+v", lead)
	}
}

func TestFindLeadByNameNoMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"leads":[]}`))
	}))
	defer srv.Close()

	lead, err := NewClient(srv.URL).FindLeadByName(context.Background(), "tok", "Nobody")
	if err != nil {
		t.Fatal(err)
	}
	if lead != nil {
		t.Errorf("expected nil for no match, got %+v", lead)
	}
}

func TestFindLeadByNameUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).FindLeadByName(context.Background(), "tok", "John")
	if apperr.KindOf(err) != apperr.KindStorageUnavailable {
		t.Errorf("kind = %q, want storage_unavailable", apperr.KindOf(err))
	}
}
