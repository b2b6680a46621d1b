package app

import (
	"context"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sourcepulse/activity-engine/internal/activity"
	"github.com/sourcepulse/activity-engine/internal/bitbucket"
	"github.com/sourcepulse/activity-engine/internal/cache"
	"github.com/sourcepulse/activity-engine/internal/config"
	"github.com/sourcepulse/activity-engine/internal/engine"
	"github.com/sourcepulse/activity-engine/internal/health"
	"github.com/sourcepulse/activity-engine/internal/jobs"
	"github.com/sourcepulse/activity-engine/internal/metrics"
	"github.com/sourcepulse/activity-engine/internal/registry"
	"go.uber.org/zap"
)

// Runtime owns the wired application: upstream client, cache, registry,
// job coordinator, engine, and the HTTP surface over them.
type Runtime struct {
	cfg        *config.Config
	engine     *engine.Engine
	repos      *registry.Registry
	metricsSet *metrics.Metrics
	evaluator  *health.StatusEvaluator
	logger     *zap.Logger

	pollInterval time.Duration

	mu              sync.RWMutex
	cacheHealthy    bool
	jobStoreHealthy bool
	upstreamHealthy bool
}

// NewRuntime wires the application from configuration.
func NewRuntime(cfg *config.Config, logger *zap.Logger) (*Runtime, error) {
	if cfg == nil {
		cfg = &config.Config{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	metricsSet := metrics.New()

	httpClient := &http.Client{Timeout: cfg.Bitbucket.RequestTimeout}
	client := bitbucket.NewClient(httpClient, bitbucket.ClientConfig{
		Retry: bitbucket.RetryConfig{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			InitialBackoff: cfg.Retry.InitialBackoff,
			MaxBackoff:     cfg.Retry.MaxBackoff,
		},
		RequestsPerSecond: cfg.Bitbucket.RequestsPerSecond,
		Username:          cfg.Bitbucket.Username,
		AppPassword:       cfg.Bitbucket.AppPassword,
	})
	dataClient, err := bitbucket.NewDataClient(client, bitbucket.DataClientConfig{
		BaseURL:            cfg.Bitbucket.APIBaseURL,
		PullRequestPageCap: cfg.Fetch.PRPageCap,
		CommitPageCap:      cfg.Fetch.CommitPageCap,
		Logger:             logger,
	})
	if err != nil {
		return nil, err
	}

	var redisClient *redis.Client
	if cfg.Cache.Backend == "redis" || cfg.Jobs.PersistBackend == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.RedisAddr,
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		})
	}

	var store cache.Store
	if cfg.Cache.Backend == "redis" {
		store = cache.NewRedisStore(redisClient, cache.RedisStoreConfig{
			Namespace:  cfg.Cache.RedisNamespace,
			ListingTTL: cfg.Cache.ListingTTL,
		})
	} else {
		store = cache.NewMemoryStore(cfg.Cache.ListingTTL)
	}

	var jobStore jobs.StateStore
	if cfg.Jobs.PersistBackend == "redis" {
		jobStore = jobs.NewRedisStore(redisClient, cfg.Cache.RedisNamespace, logger)
	} else {
		jobStore = jobs.NewFileStore(cfg.Jobs.StateFilePath, logger)
	}

	selectionPath := filepath.Join(filepath.Dir(cfg.Jobs.StateFilePath), "selection.json")
	selections := registry.NewFileSelectionStore(selectionPath, logger)
	repos := registry.New(dataClient, store, selections, cfg.Bitbucket.Workspaces, logger)

	coordinator := jobs.NewCoordinator(jobStore, logger, jobs.CoordinatorConfig{
		StallThreshold:  cfg.Jobs.StallThreshold,
		MaxPersistedAge: cfg.Jobs.MaxPersistedAge,
	})
	coordinator.Restore(context.Background())

	reconciler := activity.NewReconciler(activity.ReconcilerConfig{
		ExpandCap:    cfg.Fetch.ExpandCap,
		RecentWindow: cfg.Fetch.RecentWindow,
	})

	eng := engine.New(dataClient, repos, store, coordinator, reconciler, metricsSet, logger, engine.Config{
		Concurrency: cfg.Sync.Concurrency,
	})

	pollInterval := cfg.Jobs.PollInterval
	if pollInterval <= 0 {
		pollInterval = jobs.DefaultPollInterval
	}

	return &Runtime{
		cfg:             cfg,
		engine:          eng,
		repos:           repos,
		metricsSet:      metricsSet,
		evaluator:       health.NewStatusEvaluator(),
		logger:          logger,
		pollInterval:    pollInterval,
		cacheHealthy:    true,
		jobStoreHealthy: true,
		upstreamHealthy: true,
	}, nil
}

// Engine exposes the aggregation engine.
func (r *Runtime) Engine() *engine.Engine {
	return r.engine
}

// Handler returns the combined HTTP handler.
func (r *Runtime) Handler() http.Handler {
	api := NewAPI(r.engine, r.repos, r.pollInterval, r.logger)
	return NewHTTPHandler(api, r.metricsSet.Handler(), health.NewHandler(r))
}

// CurrentStatus implements health.Provider.
func (r *Runtime) CurrentStatus(_ context.Context) health.Status {
	r.mu.RLock()
	input := health.Input{
		CacheHealthy:    r.cacheHealthy,
		JobStoreHealthy: r.jobStoreHealthy,
		UpstreamHealthy: r.upstreamHealthy,
	}
	r.mu.RUnlock()
	return r.evaluator.Evaluate(input)
}

// SetUpstreamHealthy records upstream API reachability for health output.
func (r *Runtime) SetUpstreamHealthy(healthy bool) {
	r.mu.Lock()
	r.upstreamHealthy = healthy
	r.mu.Unlock()
}
