package tools

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harborcrm/harbor/internal/apperr"
	"github.com/harborcrm/harbor/internal/artifacts"
	"github.com/harborcrm/harbor/internal/auth"
	"github.com/harborcrm/harbor/internal/cache"
	"github.com/harborcrm/harbor/internal/telemetry"
	"github.com/harborcrm/harbor/pkg/models"
)

// countingBackend records DeleteByPrefix calls so invalidation scope
// and multiplicity can be asserted.
type countingBackend struct {
	cache.Backend
	mu       sync.Mutex
	prefixes []string
}

func (b *countingBackend) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	b.mu.Lock()
	b.prefixes = append(b.prefixes, prefix)
	b.mu.Unlock()
	return b.Backend.DeleteByPrefix(ctx, prefix)
}

func (b *countingBackend) deletedPrefixes() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.prefixes...)
}

type testEnv struct {
	executor  *Executor
	registry  *Registry
	backend   *countingBackend
	artifacts *artifacts.Service
	caller    auth.CallerIdentity
}

func newTestEnv(t *testing.T, opts ExecutorOptions) *testEnv {
	t.Helper()

	backend := &countingBackend{Backend: cache.NewMemoryBackend(cache.MemoryBackendOptions{})}
	registry := NewRegistry()

	blobs, err := artifacts.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	svc := artifacts.NewService(blobs, artifacts.NewMemoryRepository(), nil)

	opts.Registry = registry
	opts.Cache = cache.NewTenantCache(backend, nil)
	opts.Minter = auth.NewMinter("test-secret", time.Minute)
	opts.Artifacts = svc
	opts.Emitter = telemetry.NewEmitter(telemetry.EmitterOptions{})

	return &testEnv{
		executor:  NewExecutor(opts),
		registry:  registry,
		backend:   backend,
		artifacts: svc,
		caller: auth.CallerIdentity{
			ID:         "user-1",
			Role:       auth.RoleEmployee,
			TenantUUID: "tenant-1",
		},
	}
}

func (env *testEnv) execute(t *testing.T, name string, args string) (*models.ToolResult, error) {
	t.Helper()
	return env.executor.Execute(context.Background(), telemetry.NewRootContext(),
		models.ToolCall{ID: "call-1", Name: name, Args: json.RawMessage(args)}, env.caller)
}

func TestExecuteReadCaches(t *testing.T) {
	env := newTestEnv(t, ExecutorOptions{})

	invocations := 0
	_ = env.registry.Register(&Definition{
		Name: "list_leads", Module: "leads", Safety: ReadOnly,
		Handler: func(ctx context.Context, req *Request) (*Response, error) {
			invocations++
			return &Response{StatusCode: 200, Body: json.RawMessage(`{"leads":[{"id":"l1"}]}`)}, nil
		},
	})

	first, err := env.execute(t, "list_leads", `{"limit":10}`)
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}
	if first.CacheHit {
		t.Error("first call should miss")
	}

	second, err := env.execute(t, "list_leads", `{"limit":10}`)
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if !second.CacheHit {
		t.Error("second call with identical args should hit")
	}
	if invocations != 1 {
		t.Errorf("handler invoked %d times, want 1", invocations)
	}
	if second.Content != first.Content {
		t.Error("cached result differs from the original")
	}

	// Different args miss.
	if _, err := env.execute(t, "list_leads", `{"limit":20}`); err != nil {
		t.Fatal(err)
	}
	if invocations != 2 {
		t.Errorf("handler invoked %d times after new args, want 2", invocations)
	}
}

func TestExecuteCacheIsTenantScoped(t *testing.T) {
	env := newTestEnv(t, ExecutorOptions{})

	invocations := 0
	_ = env.registry.Register(&Definition{
		Name: "list_leads", Module: "leads", Safety: ReadOnly,
		Handler: func(ctx context.Context, req *Request) (*Response, error) {
			invocations++
			return &Response{StatusCode: 200, Body: json.RawMessage(`{}`)}, nil
		},
	})

	if _, err := env.execute(t, "list_leads", `{}`); err != nil {
		t.Fatal(err)
	}

	other := env.caller
	other.TenantUUID = "tenant-2"
	result, err := env.executor.Execute(context.Background(), telemetry.NewRootContext(),
		models.ToolCall{Name: "list_leads", Args: json.RawMessage(`{}`)}, other)
	if err != nil {
		t.Fatal(err)
	}
	if result.CacheHit {
		t.Error("a different tenant must not hit the first tenant's cache")
	}
	if invocations != 2 {
		t.Errorf("invocations = %d, want 2", invocations)
	}
}

func TestExecuteDeniedBeforeValidation(t *testing.T) {
	env := newTestEnv(t, ExecutorOptions{})

	invoked := false
	_ = env.registry.Register(&Definition{
		Name: "delete_lead", Module: "leads", Safety: Write,
		Schema: json.RawMessage(`{"type":"object","required":["lead_id"]}`),
		Handler: func(ctx context.Context, req *Request) (*Response, error) {
			invoked = true
			return &Response{StatusCode: 200}, nil
		},
	})

	// Args are invalid too; the deny must win and the handler must not run.
	_, err := env.execute(t, "delete_lead", `{}`)
	if apperr.KindOf(err) != apperr.KindForbidden {
		t.Errorf("kind = %q, want forbidden", apperr.KindOf(err))
	}
	if invoked {
		t.Error("denied tool handler was invoked")
	}
}

func TestExecuteDestructiveFlagDenied(t *testing.T) {
	env := newTestEnv(t, ExecutorOptions{})
	_ = env.registry.Register(&Definition{
		Name: "archive_all_records", Module: "leads", Safety: Write, Destructive: true,
		Handler: okHandler,
	})
	_, err := env.execute(t, "archive_all_records", `{}`)
	if apperr.KindOf(err) != apperr.KindForbidden {
		t.Errorf("kind = %q, want forbidden", apperr.KindOf(err))
	}
}

func TestExecuteValidationFailure(t *testing.T) {
	env := newTestEnv(t, ExecutorOptions{})

	invoked := false
	_ = env.registry.Register(&Definition{
		Name: "search_leads", Module: "leads", Safety: ReadOnly,
		Schema: json.RawMessage(`{"type":"object","required":["q"]}`),
		Handler: func(ctx context.Context, req *Request) (*Response, error) {
			invoked = true
			return &Response{StatusCode: 200}, nil
		},
	})

	_, err := env.execute(t, "search_leads", `{}`)
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("kind = %q, want validation", apperr.KindOf(err))
	}
	if invoked {
		t.Error("handler ran on invalid args")
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	env := newTestEnv(t, ExecutorOptions{})
	_, err := env.execute(t, "no_such_tool", `{}`)
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("kind = %q, want not_found", apperr.KindOf(err))
	}
}

func TestExecuteWriteInvalidates(t *testing.T) {
	env := newTestEnv(t, ExecutorOptions{})

	readInvocations := 0
	_ = env.registry.Register(&Definition{
		Name: "list_leads", Module: "leads", Safety: ReadOnly,
		Handler: func(ctx context.Context, req *Request) (*Response, error) {
			readInvocations++
			return &Response{StatusCode: 200, Body: json.RawMessage(`{}`)}, nil
		},
	})
	_ = env.registry.Register(&Definition{
		Name: "create_lead", Module: "leads", Safety: Write, Invalidates: []string{"leads"},
		Handler: func(ctx context.Context, req *Request) (*Response, error) {
			return &Response{StatusCode: 201, Body: json.RawMessage(`{"id":"l2"}`)}, nil
		},
	})

	// Prime the cache.
	if _, err := env.execute(t, "list_leads", `{}`); err != nil {
		t.Fatal(err)
	}
	if _, err := env.execute(t, "create_lead", `{"name":"Acme"}`); err != nil {
		t.Fatal(err)
	}
	// The read must re-fetch now.
	result, err := env.execute(t, "list_leads", `{}`)
	if err != nil {
		t.Fatal(err)
	}
	if result.CacheHit {
		t.Error("read hit the cache after an invalidating write")
	}
	if readInvocations != 2 {
		t.Errorf("read invoked %d times, want 2", readInvocations)
	}

	// Exactly one tenant sweep per module plus one dashboard sweep.
	prefixes := env.backend.deletedPrefixes()
	wantTenant, wantDash := 0, 0
	for _, p := range prefixes {
		switch p {
		case "leads:tenant-1:":
			wantTenant++
		case "dashboard:tenant-1:":
			wantDash++
		}
	}
	if wantTenant != 1 || wantDash != 1 {
		t.Errorf("invalidation prefixes = %v, want one leads and one dashboard sweep", prefixes)
	}
}

func TestWriteToNonCRMModuleSkipsDashboard(t *testing.T) {
	env := newTestEnv(t, ExecutorOptions{})
	_ = env.registry.Register(&Definition{
		Name: "send_email", Module: "emails", Safety: Write, Invalidates: []string{"emails"},
		Handler: func(ctx context.Context, req *Request) (*Response, error) {
			return &Response{StatusCode: 200, Body: json.RawMessage(`{}`)}, nil
		},
	})
	if _, err := env.execute(t, "send_email", `{}`); err != nil {
		t.Fatal(err)
	}
	for _, p := range env.backend.deletedPrefixes() {
		if strings.HasPrefix(p, "dashboard:") {
			t.Errorf("non-CRM write swept the dashboard: %v", p)
		}
	}
}

func TestFailedWriteDoesNotInvalidate(t *testing.T) {
	env := newTestEnv(t, ExecutorOptions{})
	_ = env.registry.Register(&Definition{
		Name: "create_lead", Module: "leads", Safety: Write, Invalidates: []string{"leads"},
		Handler: func(ctx context.Context, req *Request) (*Response, error) {
			return &Response{StatusCode: 409, Body: json.RawMessage(`{"error":"duplicate"}`)}, nil
		},
	})

	_, err := env.execute(t, "create_lead", `{}`)
	if apperr.KindOf(err) != apperr.KindConflict {
		t.Errorf("kind = %q, want conflict", apperr.KindOf(err))
	}
	if len(env.backend.deletedPrefixes()) != 0 {
		t.Error("failed write still invalidated the cache")
	}
}

func TestStatusErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		want   apperr.Kind
	}{
		{400, apperr.KindValidation},
		{401, apperr.KindUnauthorized},
		{403, apperr.KindForbidden},
		{404, apperr.KindNotFound},
		{409, apperr.KindConflict},
		{500, apperr.KindStorageUnavailable},
		{503, apperr.KindStorageUnavailable},
	}
	for _, tt := range tests {
		err := statusError("t", &Response{StatusCode: tt.status})
		if apperr.KindOf(err) != tt.want {
			t.Errorf("status %d mapped to %q, want %q", tt.status, apperr.KindOf(err), tt.want)
		}
	}
}

func TestExecuteTimeout(t *testing.T) {
	env := newTestEnv(t, ExecutorOptions{})
	_ = env.registry.Register(&Definition{
		Name: "slow_tool", Module: "leads", Safety: ReadOnly, Timeout: 20 * time.Millisecond,
		Handler: func(ctx context.Context, req *Request) (*Response, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Second):
				return &Response{StatusCode: 200}, nil
			}
		},
	})

	start := time.Now()
	_, err := env.execute(t, "slow_tool", `{}`)
	if apperr.KindOf(err) != apperr.KindTimeout {
		t.Fatalf("kind = %q, want timeout", apperr.KindOf(err))
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("timeout did not cut the handler off")
	}
	if !apperr.Retryable(err) {
		t.Error("timeouts are retryable")
	}
}

func TestExecuteOffloadsLargeResults(t *testing.T) {
	env := newTestEnv(t, ExecutorOptions{OffloadThreshold: 256})

	big := `{"rows":"` + strings.Repeat("x", 4096) + `"}`
	_ = env.registry.Register(&Definition{
		Name: "list_activities", Module: "activities", Safety: ReadOnly,
		Summarize: func(body json.RawMessage) string { return "4 KB of activity rows" },
		Handler: func(ctx context.Context, req *Request) (*Response, error) {
			return &Response{StatusCode: 200, Body: json.RawMessage(big)}, nil
		},
	})

	result, err := env.execute(t, "list_activities", `{}`)
	if err != nil {
		t.Fatal(err)
	}
	if result.ResultRef == "" {
		t.Fatal("large result was not offloaded")
	}
	if result.Content != "4 KB of activity rows" {
		t.Errorf("content = %q, want the summary", result.Content)
	}

	// Full payload is retrievable for the owning tenant.
	ref, payload, err := env.artifacts.Get(context.Background(), result.ResultRef, "tenant-1")
	if err != nil {
		t.Fatalf("artifact get: %v", err)
	}
	if string(payload) != big {
		t.Error("offloaded payload does not round-trip")
	}
	if ref.Kind != "tool_result" {
		t.Errorf("kind = %q", ref.Kind)
	}

	// Another tenant cannot read it.
	if _, _, err := env.artifacts.Get(context.Background(), result.ResultRef, "tenant-2"); apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("cross-tenant get: kind = %q, want not_found", apperr.KindOf(err))
	}
}

func TestExecuteSmallResultStaysInline(t *testing.T) {
	env := newTestEnv(t, ExecutorOptions{OffloadThreshold: 256})
	_ = env.registry.Register(&Definition{
		Name: "get_lead", Module: "leads", Safety: ReadOnly,
		Handler: func(ctx context.Context, req *Request) (*Response, error) {
			return &Response{StatusCode: 200, Body: json.RawMessage(`{"id":"l1","name":"Acme"}`)}, nil
		},
	})

	result, err := env.execute(t, "get_lead", `{}`)
	if err != nil {
		t.Fatal(err)
	}
	if result.ResultRef != "" {
		t.Error("small result was offloaded")
	}
	if result.Content != `{"id":"l1","name":"Acme"}` {
		t.Errorf("content = %q", result.Content)
	}
}

func TestHandlerReceivesMintedToken(t *testing.T) {
	env := newTestEnv(t, ExecutorOptions{})

	var gotToken string
	var gotCaller auth.CallerIdentity
	_ = env.registry.Register(&Definition{
		Name: "get_lead", Module: "leads", Safety: ReadOnly,
		Handler: func(ctx context.Context, req *Request) (*Response, error) {
			gotToken = req.Token
			gotCaller = req.Caller
			return &Response{StatusCode: 200, Body: json.RawMessage(`{}`)}, nil
		},
	})

	if _, err := env.execute(t, "get_lead", `{}`); err != nil {
		t.Fatal(err)
	}
	if gotToken == "" {
		t.Fatal("handler received no internal token")
	}
	resolved, err := auth.NewMinter("test-secret", time.Minute).Resolve(gotToken)
	if err != nil {
		t.Fatalf("minted token does not resolve: %v", err)
	}
	if resolved.TenantUUID != "tenant-1" || resolved.Role != auth.RoleEmployee {
		t.Errorf("token claims = %+v", resolved)
	}
	if gotCaller.ID != "user-1" {
		t.Errorf("caller = %+v", gotCaller)
	}
}

func TestExecuteConcurrencyBound(t *testing.T) {
	env := newTestEnv(t, ExecutorOptions{Concurrency: 1})

	entered := make(chan struct{})
	release := make(chan struct{})
	_ = env.registry.Register(&Definition{
		Name: "slow_report", Module: "reports", Safety: ReadOnly,
		Handler: func(ctx context.Context, req *Request) (*Response, error) {
			close(entered)
			<-release
			return &Response{StatusCode: 200, Body: json.RawMessage(`{}`)}, nil
		},
	})
	_ = env.registry.Register(&Definition{
		Name: "fast_report", Module: "reports", Safety: ReadOnly,
		Handler: func(ctx context.Context, req *Request) (*Response, error) {
			return &Response{StatusCode: 200, Body: json.RawMessage(`{}`)}, nil
		},
	})

	done := make(chan error, 1)
	go func() {
		_, err := env.executor.Execute(context.Background(), telemetry.NewRootContext(),
			models.ToolCall{ID: "call-slow", Name: "slow_report", Args: json.RawMessage(`{}`)}, env.caller)
		done <- err
	}()
	<-entered

	// The only slot is held; a caller whose context is already gone
	// fails instead of queueing.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := env.executor.Execute(ctx, telemetry.NewRootContext(),
		models.ToolCall{ID: "call-fast", Name: "fast_report", Args: json.RawMessage(`{}`)}, env.caller)
	if apperr.KindOf(err) != apperr.KindTimeout {
		t.Errorf("kind = %q, want timeout", apperr.KindOf(err))
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("held call failed: %v", err)
	}

	// Slot released; the next call runs normally.
	if _, err := env.execute(t, "fast_report", `{}`); err != nil {
		t.Fatal(err)
	}
}
