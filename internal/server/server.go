// Package server assembles the orchestration core from configuration:
// the chat router and its HTTP surface, the tool executor with cache
// and artifact offload, and the telemetry emitter, plus a separate
// metrics listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harborcrm/harbor/internal/artifacts"
	"github.com/harborcrm/harbor/internal/auth"
	"github.com/harborcrm/harbor/internal/cache"
	"github.com/harborcrm/harbor/internal/config"
	"github.com/harborcrm/harbor/internal/crm"
	"github.com/harborcrm/harbor/internal/goals"
	"github.com/harborcrm/harbor/internal/intent"
	"github.com/harborcrm/harbor/internal/llm"
	"github.com/harborcrm/harbor/internal/observability"
	"github.com/harborcrm/harbor/internal/router"
	"github.com/harborcrm/harbor/internal/telemetry"
	"github.com/harborcrm/harbor/internal/tenant"
	"github.com/harborcrm/harbor/internal/tools"
)

const (
	shutdownTimeout = 10 * time.Second

	// Tool result artifacts are swept hourly; anything older than a day
	// has long since fallen out of every conversation window.
	sweepInterval  = time.Hour
	sweepRetention = 24 * time.Hour
)

// Server wires the whole core together and owns its lifecycle.
type Server struct {
	cfg     *config.Config
	logger  *observability.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer

	emitter   *telemetry.Emitter
	cache     *cache.TenantCache
	goals     goals.Store
	artifacts *artifacts.Service
	router    *router.Router

	httpSrv    *http.Server
	metricsSrv *http.Server

	tracerShutdown func(context.Context) error
	closers        []io.Closer
}

// New builds every component from cfg. The returned server is ready to
// Run; nothing listens yet.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	slogger := logger.Slog()

	tracer, tracerShutdown := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "harbor",
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})

	s := &Server{
		cfg:            cfg,
		logger:         logger,
		metrics:        observability.NewMetrics(),
		tracer:         tracer,
		tracerShutdown: tracerShutdown,
	}

	if err := s.build(ctx, slogger); err != nil {
		s.closeAll()
		return nil, err
	}
	return s, nil
}

func (s *Server) build(ctx context.Context, slogger *slog.Logger) error {
	cfg := s.cfg

	s.emitter = telemetry.NewEmitter(telemetry.EmitterOptions{
		Enabled: cfg.Telemetry.Enabled,
		Path:    cfg.Telemetry.LogPath,
		Logger:  slogger,
		Metrics: s.metrics,
	})
	s.closers = append(s.closers, s.emitter)

	minter := auth.NewMinter(cfg.Auth.InternalJWTSecret, cfg.Auth.InternalTokenTTL)

	crmOpts := []crm.Option{crm.WithLogger(slogger)}
	if cfg.CRM.Timeout > 0 {
		crmOpts = append(crmOpts, crm.WithHTTPClient(&http.Client{Timeout: cfg.CRM.Timeout}))
	}
	crmClient := crm.NewClient(cfg.CRM.BaseURL, crmOpts...)

	// Static tenants take precedence; without them, tenant lookups go
	// through the resource layer.
	var directory tenant.Directory
	if len(cfg.Tenants.Static) > 0 {
		staticTenants := make([]tenant.Tenant, 0, len(cfg.Tenants.Static))
		for _, t := range cfg.Tenants.Static {
			staticTenants = append(staticTenants, tenant.Tenant{UUID: t.UUID, Slug: t.Slug, Name: t.Name})
		}
		directory = tenant.NewStaticDirectory(staticTenants)
	} else {
		system := auth.CallerIdentity{
			ID:         "system",
			Role:       auth.RoleSuperadmin,
			TenantUUID: cfg.Tenants.SystemUUID,
		}
		directory = tenant.NewCRMDirectory(crmClient, func() (string, error) {
			return minter.Mint(system)
		})
	}
	resolver := tenant.NewResolver(directory, cfg.Tenants.SystemUUID)

	backend, err := s.buildCacheBackend(ctx)
	if err != nil {
		return fmt.Errorf("cache backend: %w", err)
	}
	s.cache = cache.NewTenantCache(backend, slogger)
	s.closers = append(s.closers, s.cache)

	goalStore, err := s.buildGoalStore(ctx)
	if err != nil {
		return fmt.Errorf("goal store: %w", err)
	}
	s.goals = goalStore
	s.closers = append(s.closers, goalStore)

	artifactSvc, err := s.buildArtifacts(ctx, slogger)
	if err != nil {
		return fmt.Errorf("artifact store: %w", err)
	}
	s.artifacts = artifactSvc
	s.closers = append(s.closers, artifactSvc)

	registry := tools.NewRegistry()
	if err := tools.RegisterCRMTools(registry, crmClient); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}

	executor := tools.NewExecutor(tools.ExecutorOptions{
		Registry:         registry,
		Cache:            s.cache,
		Minter:           minter,
		Artifacts:        artifactSvc,
		Emitter:          s.emitter,
		Metrics:          s.metrics,
		Logger:           slogger,
		DefaultTTL:       cfg.Tools.DefaultTTL,
		ToolTimeout:      cfg.Tools.Timeout,
		OffloadThreshold: cfg.Artifacts.InlineThreshold,
		Concurrency:      cfg.Tools.Concurrency,
	})

	provider, err := llm.NewProvider(llm.ProviderConfig{
		Provider: cfg.LLM.Provider,
		APIKey:   cfg.LLM.APIKey,
		Model:    cfg.LLM.Model,
		BaseURL:  cfg.LLM.BaseURL,
	})
	if err != nil {
		return fmt.Errorf("llm provider: %w", err)
	}
	if cfg.LLM.Timeout > 0 {
		provider = withTimeout(provider, cfg.LLM.Timeout)
	}

	s.router = router.New(router.Options{
		Goals:          goalStore,
		Classifier:     intent.NewClassifier(time.Now),
		Executor:       executor,
		Provider:       provider,
		CRM:            crmClient,
		Minter:         minter,
		Emitter:        s.emitter,
		Metrics:        s.metrics,
		Logger:         slogger,
		GoalTTL:        cfg.Goals.TTL,
		ToolCallBudget: cfg.Router.ToolCallBudget,
		WindowMessages: cfg.Router.WindowMessages,
	})

	mux := http.NewServeMux()
	router.NewHTTPHandler(s.router, resolver).Register(mux)
	artifacts.NewHTTPHandler(artifactSvc).Register(mux)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)

	handler := RequestID(Trace(s.tracer, AccessLog(s.logger, mux)))

	s.httpSrv = &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", promhttp.Handler())
	s.metricsSrv = &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.MetricsPort)),
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

func (s *Server) buildCacheBackend(ctx context.Context) (cache.Backend, error) {
	switch s.cfg.Cache.Backend {
	case "", "memory":
		return cache.NewMemoryBackend(cache.MemoryBackendOptions{MaxSize: s.cfg.Cache.MaxEntries}), nil
	case "redis":
		return cache.NewRedisBackend(ctx, cache.RedisBackendOptions{
			Addr: s.cfg.Cache.RedisAddr,
			DB:   s.cfg.Cache.RedisDB,
		})
	default:
		return nil, fmt.Errorf("unknown cache backend %q", s.cfg.Cache.Backend)
	}
}

func (s *Server) buildGoalStore(ctx context.Context) (goals.Store, error) {
	switch s.cfg.Goals.Backend {
	case "", "memory":
		return goals.NewMemoryStore(), nil
	case "redis":
		return goals.NewRedisStore(ctx, s.cfg.Goals.RedisAddr)
	default:
		return nil, fmt.Errorf("unknown goals backend %q", s.cfg.Goals.Backend)
	}
}

func (s *Server) buildArtifacts(ctx context.Context, slogger *slog.Logger) (*artifacts.Service, error) {
	var blobs artifacts.BlobStore
	var err error
	switch s.cfg.Artifacts.Backend {
	case "", "local":
		blobs, err = artifacts.NewLocalStore(s.cfg.Artifacts.Local.Root)
	case "s3":
		blobs, err = artifacts.NewS3Store(ctx, artifacts.S3StoreConfig{
			Bucket:          s.cfg.Artifacts.S3.Bucket,
			Region:          s.cfg.Artifacts.S3.Region,
			Endpoint:        s.cfg.Artifacts.S3.Endpoint,
			Prefix:          s.cfg.Artifacts.S3.Prefix,
			AccessKeyID:     s.cfg.Artifacts.S3.AccessKeyID,
			SecretAccessKey: s.cfg.Artifacts.S3.SecretAccessKey,
			UsePathStyle:    s.cfg.Artifacts.S3.UsePathStyle,
		})
	default:
		err = fmt.Errorf("unknown artifacts backend %q", s.cfg.Artifacts.Backend)
	}
	if err != nil {
		return nil, err
	}

	var repo artifacts.Repository
	if s.cfg.Artifacts.DatabaseURL != "" {
		repo, err = artifacts.NewSQLRepository(ctx, s.cfg.Artifacts.DatabaseURL)
		if err != nil {
			_ = blobs.Close()
			return nil, err
		}
	} else {
		repo = artifacts.NewMemoryRepository()
	}

	return artifacts.NewService(blobs, repo, slogger), nil
}

// Run serves until ctx is cancelled or a listener fails, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 2)

	go func() {
		s.logger.Info(ctx, "http server listening", "addr", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		s.logger.Info(ctx, "metrics server listening", "addr", s.metricsSrv.Addr)
		if err := s.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()
	go s.sweepLoop(ctx)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		s.logger.Error(ctx, "server failed", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	if err := s.metricsSrv.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	if err := s.tracerShutdown(shutdownCtx); err != nil {
		s.logger.Warn(shutdownCtx, "tracer shutdown failed", "error", err)
	}
	s.closeAll()
	return runErr
}

func (s *Server) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.artifacts.Sweep(ctx, "tool_result", sweepRetention); err != nil {
				s.logger.Warn(ctx, "artifact sweep failed", "error", err)
			}
		}
	}
}

func (s *Server) closeAll() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			s.logger.Warn(context.Background(), "close failed", "error", err)
		}
	}
	s.closers = nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleReady reports readiness with cache counters, enough for a probe
// to tell a live process from a wedged one.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	stats := s.cache.Stats()
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ready","cache_hits":%d,"cache_misses":%d}`+"\n",
		stats.Hits, stats.Misses)
}
