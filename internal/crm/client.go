// Package crm is the HTTP client for the tenant-scoped CRM resource
// layer. Every request carries a short-lived internal token minted for
// the calling user; the resource layer enforces tenant scoping from
// the token's claims.
package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/harborcrm/harbor/internal/apperr"
)

// Client talks to the CRM resource layer.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates a client for the resource layer at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: slog.Default().With("component", "crm.client"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Response is a resource-layer reply. Body is the raw JSON payload;
// StatusCode is the upstream HTTP status.
type Response struct {
	StatusCode int
	Body       json.RawMessage
}

// OK reports whether the response is a success status.
func (r *Response) OK() bool {
	return r.StatusCode < 400
}

// Do issues one request against the resource layer. token is the
// internal bearer token minted for this call; body, when non-nil, is
// JSON-encoded.
func (c *Client) Do(ctx context.Context, method, path string, token string, query url.Values, body any) (*Response, error) {
	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, "encode request body", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "create request", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperr.Wrap(apperr.KindTimeout, "resource call timed out", err)
		}
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, "resource layer unreachable", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStorageUnavailable, "read resource response", err)
	}

	c.logger.Debug("resource call",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds())

	return &Response{StatusCode: resp.StatusCode, Body: payload}, nil
}

// Lead is the subset of the resource layer's lead record the
// assistant works with.
type Lead struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Company string `json:"company,omitempty"`
	Status  string `json:"status,omitempty"`
}

// FindLeadByName resolves a free-text lead name to a lead record via
// the search endpoint. Returns nil when no match exists.
func (c *Client) FindLeadByName(ctx context.Context, token, name string) (*Lead, error) {
	query := url.Values{}
	query.Set("q", name)
	query.Set("limit", "1")

	resp, err := c.Do(ctx, http.MethodGet, "/leads/search", token, query, nil)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, apperr.Newf(apperr.KindStorageUnavailable, "lead search returned status %d", resp.StatusCode)
	}

	var result struct {
		Leads []*Lead `json:"leads"`
	}
	if err := json.Unmarshal(resp.Body, &result); err != nil {
		return nil, fmt.Errorf("decode lead search response: %w", err)
	}
	if len(result.Leads) == 0 {
		return nil, nil
	}
	return result.Leads[0], nil
}
