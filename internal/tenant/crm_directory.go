package tenant

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/harborcrm/harbor/internal/apperr"
	"github.com/harborcrm/harbor/internal/crm"
)

// TokenSource supplies an internal token for directory lookups, minted
// fresh per call so expiry never bites a long-lived directory.
type TokenSource func() (string, error)

// CRMDirectory resolves tenants against the resource layer's tenant
// endpoints. Deployments with a tenant service use this instead of the
// static config list.
type CRMDirectory struct {
	client *crm.Client
	tokens TokenSource
}

// NewCRMDirectory builds a directory over the resource-layer client.
func NewCRMDirectory(client *crm.Client, tokens TokenSource) *CRMDirectory {
	return &CRMDirectory{client: client, tokens: tokens}
}

func (d *CRMDirectory) ByUUID(ctx context.Context, id string) (*Tenant, error) {
	return d.fetch(ctx, "/tenants/"+url.PathEscape(id))
}

func (d *CRMDirectory) BySlug(ctx context.Context, slug string) (*Tenant, error) {
	return d.fetch(ctx, "/tenants/by-slug/"+url.PathEscape(slug))
}

func (d *CRMDirectory) fetch(ctx context.Context, path string) (*Tenant, error) {
	token, err := d.tokens()
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnauthorized, "mint directory token", err)
	}

	resp, err := d.client.Do(ctx, http.MethodGet, path, token, nil, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, apperr.New(apperr.KindTenantNotFound, "tenant not found")
	}
	if !resp.OK() {
		return nil, apperr.Newf(apperr.KindStorageUnavailable, "tenant lookup returned status %d", resp.StatusCode)
	}

	var t Tenant
	if err := json.Unmarshal(resp.Body, &t); err != nil {
		return nil, fmt.Errorf("decode tenant record: %w", err)
	}
	if t.UUID == "" {
		return nil, apperr.New(apperr.KindTenantNotFound, "tenant record has no uuid")
	}
	t.Source = "directory"
	return &t, nil
}
