package tools

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/harborcrm/harbor/internal/apperr"
	"github.com/harborcrm/harbor/internal/artifacts"
	"github.com/harborcrm/harbor/internal/auth"
	"github.com/harborcrm/harbor/internal/cache"
	"github.com/harborcrm/harbor/internal/observability"
	"github.com/harborcrm/harbor/internal/telemetry"
	"github.com/harborcrm/harbor/pkg/models"
)

// Default executor limits, overridable per ExecutorOptions.
const (
	DefaultToolTimeout      = 30 * time.Second
	DefaultCacheTTL         = 90 * time.Second
	DefaultOffloadThreshold = 64 * 1024
	summaryLimit            = 1200
)

// Executor runs tool calls through the full contract: deny-list,
// validation, token minting, cache-around reads, invalidating writes,
// artifact offload, and telemetry.
type Executor struct {
	registry  *Registry
	cache     *cache.TenantCache
	minter    *auth.Minter
	artifacts *artifacts.Service
	emitter   *telemetry.Emitter
	metrics   *observability.Metrics
	logger    *slog.Logger

	defaultTTL       time.Duration
	toolTimeout      time.Duration
	offloadThreshold int
	sem              chan struct{}
}

// ExecutorOptions wires an Executor. Registry, cache, and minter are
// required; artifacts, emitter, and metrics degrade gracefully when
// nil.
type ExecutorOptions struct {
	Registry  *Registry
	Cache     *cache.TenantCache
	Minter    *auth.Minter
	Artifacts *artifacts.Service
	Emitter   *telemetry.Emitter
	Metrics   *observability.Metrics
	Logger    *slog.Logger

	DefaultTTL       time.Duration
	ToolTimeout      time.Duration
	OffloadThreshold int

	// Concurrency bounds in-flight handler invocations. Zero leaves
	// them unbounded; cache hits never wait.
	Concurrency int
}

// NewExecutor builds an executor with defaults applied.
func NewExecutor(opts ExecutorOptions) *Executor {
	e := &Executor{
		registry:         opts.Registry,
		cache:            opts.Cache,
		minter:           opts.Minter,
		artifacts:        opts.Artifacts,
		emitter:          opts.Emitter,
		metrics:          opts.Metrics,
		logger:           opts.Logger,
		defaultTTL:       opts.DefaultTTL,
		toolTimeout:      opts.ToolTimeout,
		offloadThreshold: opts.OffloadThreshold,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.defaultTTL <= 0 {
		e.defaultTTL = DefaultCacheTTL
	}
	if e.toolTimeout <= 0 {
		e.toolTimeout = DefaultToolTimeout
	}
	if e.offloadThreshold <= 0 {
		e.offloadThreshold = DefaultOffloadThreshold
	}
	if opts.Concurrency > 0 {
		e.sem = make(chan struct{}, opts.Concurrency)
	}
	return e
}

// Registry exposes the underlying registry for schema advertisement.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Execute runs one tool call for the caller under the given
// correlation context. The returned result carries the (possibly
// offloaded) output; errors are structured and safe to surface.
func (e *Executor) Execute(ctx context.Context, tc telemetry.Context, call models.ToolCall, caller auth.CallerIdentity) (*models.ToolResult, error) {
	def, ok := e.registry.Get(call.Name)
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "unknown tool %q", call.Name)
	}

	callID := call.ID
	if callID == "" {
		callID = uuid.NewString()
	}
	ctx = observability.AddToolCallID(ctx, callID)
	tenantUUID := caller.TenantUUID

	// Destructive tools are denied before anything else runs,
	// regardless of role or argument validity.
	if def.Denied() {
		e.emitter.ToolCallFailed(tc, tenantUUID, def.Name, callID, "FORBIDDEN", "destructive tool not allowed", false)
		e.countExecution(def.Name, "denied", "none")
		return nil, apperr.Newf(apperr.KindForbidden, "tool %q is not available in assistant context", def.Name)
	}

	if err := def.ValidateArgs(call.Args); err != nil {
		e.emitter.ToolCallFailed(tc, tenantUUID, def.Name, callID, "VALIDATION", err.Error(), false)
		e.countExecution(def.Name, "error", "none")
		return nil, apperr.Wrap(apperr.KindValidation, "invalid tool arguments", err)
	}

	token, err := e.minter.Mint(caller)
	if err != nil {
		e.emitter.ToolCallFailed(tc, tenantUUID, def.Name, callID, "UNAUTHORIZED", err.Error(), false)
		e.countExecution(def.Name, "error", "none")
		return nil, err
	}

	span := tc.Child()
	e.emitter.ToolCallStarted(span, tenantUUID, def.Name, callID, argsForTelemetry(call.Args))
	start := time.Now()

	var (
		body         json.RawMessage
		cacheOutcome = "none"
	)
	if def.Safety == ReadOnly {
		body, cacheOutcome, err = e.executeRead(ctx, def, call.Args, token, caller)
	} else {
		body, err = e.executeWrite(ctx, def, call.Args, token, caller)
	}
	duration := time.Since(start)

	if err != nil {
		retryable := apperr.Retryable(err)
		e.emitter.ToolCallFailed(span, tenantUUID, def.Name, callID, string(apperr.KindOf(err)), apperr.SafeMessage(err), retryable)
		e.countExecution(def.Name, "error", cacheOutcome)
		e.observeDuration(def.Name, duration)
		return nil, err
	}

	result := &models.ToolResult{
		ToolCallID: callID,
		CacheHit:   cacheOutcome == "hit",
	}

	summary := summarize(def, body)
	if len(body) > e.offloadThreshold && e.artifacts != nil {
		ref, putErr := e.artifacts.Put(ctx, artifacts.PutInput{
			TenantID: tenantUUID,
			Kind:     "tool_result",
			EntityID: callID,
			Payload:  body,
		})
		if putErr != nil {
			// Offload is an optimization; inline the truncated output
			// instead of failing the call.
			e.logger.Warn("tool result offload failed", "tool", def.Name, "error", putErr)
			result.Content = summary
		} else {
			result.ResultRef = ref.ID
			result.Content = summary
			e.emitter.ArtifactCreated(span, tenantUUID, ref.ID, "tool_result", ref.SizeBytes)
			if e.metrics != nil {
				e.metrics.ArtifactBytes.Add(float64(ref.SizeBytes))
			}
		}
	} else {
		result.Content = summary
	}

	e.emitter.ToolCallFinished(span, tenantUUID, def.Name, callID, cacheOutcome, duration, result.Content, result.ResultRef)
	e.countExecution(def.Name, "success", cacheOutcome)
	e.observeDuration(def.Name, duration)
	return result, nil
}

// executeRead serves a read-only tool through the tenant cache.
func (e *Executor) executeRead(ctx context.Context, def *Definition, args json.RawMessage, token string, caller auth.CallerIdentity) (json.RawMessage, string, error) {
	key := cache.Key(def.Module, caller.TenantUUID, def.Name, args)

	if value, ok := e.cache.Get(ctx, key); ok {
		e.countCache(def.Module, "hit")
		return value, "hit", nil
	}
	e.countCache(def.Module, "miss")

	resp, err := e.invoke(ctx, def, args, token, caller)
	if err != nil {
		return nil, "miss", err
	}
	if !resp.OK() {
		return nil, "miss", statusError(def.Name, resp)
	}

	ttl := def.TTL
	if ttl <= 0 {
		ttl = e.defaultTTL
	}
	e.cache.Set(ctx, key, resp.Body, ttl)
	return resp.Body, "miss", nil
}

// executeWrite runs a write tool and invalidates on success.
func (e *Executor) executeWrite(ctx context.Context, def *Definition, args json.RawMessage, token string, caller auth.CallerIdentity) (json.RawMessage, error) {
	resp, err := e.invoke(ctx, def, args, token, caller)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, statusError(def.Name, resp)
	}

	dashboard := false
	for _, module := range def.Invalidates {
		e.cache.InvalidateTenant(ctx, caller.TenantUUID, module)
		e.countCache(module, "invalidate")
		if cache.IsCRMEntity(module) {
			dashboard = true
		}
	}
	if dashboard {
		e.cache.InvalidateDashboard(ctx, caller.TenantUUID)
	}
	return resp.Body, nil
}

func (e *Executor) invoke(ctx context.Context, def *Definition, args json.RawMessage, token string, caller auth.CallerIdentity) (*Response, error) {
	if e.sem != nil {
		select {
		case e.sem <- struct{}{}:
			defer func() { <-e.sem }()
		case <-ctx.Done():
			return nil, apperr.Wrap(apperr.KindTimeout, "tool execution timed out", ctx.Err())
		}
	}

	timeout := def.Timeout
	if timeout <= 0 {
		timeout = e.toolTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := def.Handler(ctx, &Request{
		TenantUUID: caller.TenantUUID,
		Token:      token,
		Args:       args,
		Caller:     caller,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, apperr.Wrap(apperr.KindTimeout, "tool execution timed out", err)
		}
		return nil, err
	}
	return resp, nil
}

func (e *Executor) countExecution(tool, status, cacheOutcome string) {
	if e.metrics == nil {
		return
	}
	e.metrics.ToolExecutionCounter.WithLabelValues(tool, status, cacheOutcome).Inc()
}

func (e *Executor) observeDuration(tool string, d time.Duration) {
	if e.metrics == nil {
		return
	}
	e.metrics.ToolExecutionDuration.WithLabelValues(tool).Observe(d.Seconds())
}

func (e *Executor) countCache(module, outcome string) {
	if e.metrics == nil {
		return
	}
	e.metrics.CacheOperations.WithLabelValues(module, outcome).Inc()
}

func statusError(tool string, resp *Response) error {
	switch resp.StatusCode {
	case 400:
		return apperr.Newf(apperr.KindValidation, "tool %q rejected the request", tool)
	case 401:
		return apperr.Newf(apperr.KindUnauthorized, "tool %q rejected the internal token", tool)
	case 403:
		return apperr.Newf(apperr.KindForbidden, "tool %q denied access", tool)
	case 404:
		return apperr.Newf(apperr.KindNotFound, "tool %q target not found", tool)
	case 409:
		return apperr.Newf(apperr.KindConflict, "tool %q hit a conflict", tool)
	default:
		return apperr.Newf(apperr.KindStorageUnavailable, "tool %q upstream returned status %d", tool, resp.StatusCode)
	}
}

func summarize(def *Definition, body json.RawMessage) string {
	if def.Summarize != nil {
		if s := def.Summarize(body); s != "" {
			return truncate(s, summaryLimit)
		}
	}
	return truncate(string(body), summaryLimit)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

func argsForTelemetry(args json.RawMessage) any {
	var decoded map[string]any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return string(args)
	}
	return decoded
}
