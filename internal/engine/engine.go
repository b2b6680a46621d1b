package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sourcepulse/activity-engine/internal/activity"
	"github.com/sourcepulse/activity-engine/internal/bitbucket"
	"github.com/sourcepulse/activity-engine/internal/cache"
	"github.com/sourcepulse/activity-engine/internal/jobs"
	"github.com/sourcepulse/activity-engine/internal/metrics"
	"go.uber.org/zap"
)

const defaultDayWindow = 7

// DataSource fetches pull requests and commits from the upstream API.
type DataSource interface {
	ListPullRequests(ctx context.Context, workspace, repo string, since time.Time) ([]activity.PullRequest, error)
	ListPullRequestCommits(ctx context.Context, workspace, repo string, pr activity.PullRequest) ([]activity.Commit, error)
	ListRepositoryCommits(ctx context.Context, workspace, repo string, since time.Time, username string) ([]activity.Commit, error)
}

// RepositorySource resolves the repository set a refresh acts on.
type RepositorySource interface {
	ListEnabled(ctx context.Context) ([]activity.Repository, error)
	Resolve(ctx context.Context, fullNames []string) ([]activity.Repository, error)
}

// Options selects what a fetch or refresh covers.
type Options struct {
	Days   int
	Repos  []string
	Author string
	// Force bypasses the cache and always starts a refresh.
	Force bool
}

// Result is the outcome of a fetch: either cached items, or a job
// reference the caller polls while the refresh runs in the background.
type Result struct {
	Items     []activity.Item  `json:"items"`
	FromCache bool             `json:"from_cache"`
	Job       *jobs.RefreshJob `json:"job,omitempty"`
}

// Engine ties the upstream data source, the reconciler, the cache, and
// the job coordinator into the activity aggregation pipeline.
type Engine struct {
	source      DataSource
	repos       RepositorySource
	cache       cache.Store
	coordinator *jobs.Coordinator
	reconciler  *activity.Reconciler
	metrics     *metrics.Metrics
	logger      *zap.Logger
	concurrency int

	mu       sync.Mutex
	inflight map[string]string

	// Now is injected for testability.
	Now func() time.Time
}

// Config configures the engine.
type Config struct {
	Concurrency int
}

// New creates the aggregation engine.
func New(
	source DataSource,
	repos RepositorySource,
	store cache.Store,
	coordinator *jobs.Coordinator,
	reconciler *activity.Reconciler,
	m *metrics.Metrics,
	logger *zap.Logger,
	cfg Config,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Engine{
		source:      source,
		repos:       repos,
		cache:       store,
		coordinator: coordinator,
		reconciler:  reconciler,
		metrics:     m,
		logger:      logger,
		concurrency: cfg.Concurrency,
		inflight:    make(map[string]string),
		Now:         time.Now,
	}
}

// FetchActivity serves the activity stream for the requested scope. A
// cache hit returns items directly; a miss (or force) starts a
// background refresh and returns its job reference instead.
func (e *Engine) FetchActivity(ctx context.Context, opts Options) (Result, error) {
	opts = e.normalize(opts)
	repos, names, err := e.resolveScope(ctx, opts)
	if err != nil {
		return Result{}, err
	}

	if !opts.Force {
		if items, ok := e.cache.Get(names, opts.Days, opts.Author); ok {
			if e.metrics != nil {
				e.metrics.CacheHits.Inc()
			}
			return Result{Items: items, FromCache: true}, nil
		}
	}
	if e.metrics != nil {
		e.metrics.CacheMisses.Inc()
	}

	job := e.startRefresh(ctx, opts, repos, names)
	return Result{Job: &job}, nil
}

// StartRefresh begins a background refresh for the requested scope and
// returns the job handle together with whatever the cache still holds
// for that scope, so callers can keep rendering stale data while they
// poll. A refresh already running for the same cache key is reused
// instead of starting a duplicate.
func (e *Engine) StartRefresh(ctx context.Context, opts Options) (Result, error) {
	opts = e.normalize(opts)
	repos, names, err := e.resolveScope(ctx, opts)
	if err != nil {
		return Result{}, err
	}

	stale, _ := e.cache.Get(names, opts.Days, opts.Author)
	job := e.startRefresh(ctx, opts, repos, names)
	return Result{Items: stale, Job: &job}, nil
}

// CheckJobStatus returns the current snapshot of a refresh job.
func (e *Engine) CheckJobStatus(ctx context.Context, jobID string) (jobs.RefreshJob, bool) {
	return e.coordinator.CheckStatus(ctx, jobID)
}

// CancelJob requests cooperative cancellation of a running refresh.
func (e *Engine) CancelJob(ctx context.Context, jobID string) (jobs.RefreshJob, bool) {
	return e.coordinator.Cancel(ctx, jobID)
}

// AcknowledgeJob removes a finished job from the registry.
func (e *Engine) AcknowledgeJob(ctx context.Context, jobID string) bool {
	return e.coordinator.Acknowledge(ctx, jobID)
}

// InvalidateCache removes cached activity entries matching pattern and
// returns how many were removed. An empty pattern clears everything.
func (e *Engine) InvalidateCache(pattern string) int {
	if pattern == "" {
		e.cache.InvalidateAll()
		return -1
	}
	return e.cache.Invalidate(pattern)
}

func (e *Engine) normalize(opts Options) Options {
	if opts.Days <= 0 {
		opts.Days = defaultDayWindow
	}
	return opts
}

func (e *Engine) resolveScope(ctx context.Context, opts Options) ([]activity.Repository, []string, error) {
	var repos []activity.Repository
	var err error
	if len(opts.Repos) == 0 {
		repos, err = e.repos.ListEnabled(ctx)
	} else {
		repos, err = e.repos.Resolve(ctx, opts.Repos)
	}
	if err != nil {
		return nil, nil, err
	}

	names := make([]string, 0, len(repos))
	for _, repo := range repos {
		names = append(names, repo.FullName())
	}
	return repos, names, nil
}

func (e *Engine) startRefresh(ctx context.Context, opts Options, repos []activity.Repository, names []string) jobs.RefreshJob {
	key := cache.Key(names, opts.Days, opts.Author)

	e.mu.Lock()
	if jobID, ok := e.inflight[key]; ok {
		if job, found := e.coordinator.CheckStatus(ctx, jobID); found && job.IsRunning() {
			e.mu.Unlock()
			e.logger.Debug("reusing in-flight refresh job",
				zap.String("job_id", job.ID),
				zap.String("cache_key", key))
			return job
		}
		delete(e.inflight, key)
	}

	params := jobs.Params{Days: opts.Days, RepoCount: len(repos), Author: opts.Author}
	var jobID string
	job := e.coordinator.Start(ctx, params, func(runCtx context.Context, tracker *jobs.Tracker) error {
		defer func() {
			e.mu.Lock()
			if e.inflight[key] == jobID {
				delete(e.inflight, key)
			}
			e.mu.Unlock()
		}()

		err := e.runRefresh(runCtx, tracker, opts, repos, names)
		if e.metrics != nil {
			switch {
			case tracker.Cancelled():
				e.metrics.RefreshJobs.WithLabelValues(string(jobs.StatusCancelled)).Inc()
			case err != nil:
				e.metrics.RefreshJobs.WithLabelValues(string(jobs.StatusFailed)).Inc()
			default:
				e.metrics.RefreshJobs.WithLabelValues(string(jobs.StatusCompleted)).Inc()
			}
		}
		return err
	})
	jobID = job.ID
	e.inflight[key] = job.ID
	e.mu.Unlock()

	e.logger.Info("started refresh job",
		zap.String("job_id", job.ID),
		zap.Int("days", opts.Days),
		zap.Int("repositories", len(repos)),
		zap.String("author", opts.Author))
	return job
}

// runRefresh walks every repository in scope, reconciles its activity,
// and writes the merged stream to the cache. An authentication failure
// aborts the whole job and caches nothing; any other per-repository
// failure degrades to a warning so one broken repository cannot empty
// the report.
func (e *Engine) runRefresh(ctx context.Context, tracker *jobs.Tracker, opts Options, repos []activity.Repository, names []string) error {
	since := e.Now().AddDate(0, 0, -opts.Days)
	results := make([][]activity.Item, len(repos))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		completed int
		authErr   error
	)
	sem := make(chan struct{}, e.concurrency)

	for i, repo := range repos {
		sem <- struct{}{}
		if tracker.Cancelled() {
			<-sem
			break
		}
		mu.Lock()
		aborted := authErr != nil
		mu.Unlock()
		if aborted {
			<-sem
			break
		}

		wg.Add(1)
		go func(i int, repo activity.Repository) {
			defer wg.Done()
			defer func() { <-sem }()

			items, err := e.collectRepository(ctx, repo, since, opts.Author)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if errors.Is(err, bitbucket.ErrUnauthorized) {
					if authErr == nil {
						authErr = err
					}
					return
				}
				e.logger.Warn("skipping repository after fetch failure",
					zap.String("repository", repo.FullName()),
					zap.Error(err))
			}
			results[i] = items
			completed++
			tracker.Step(
				fmt.Sprintf("Processing %s (%d/%d)", repo.FullName(), completed, len(repos)),
				completed*100/len(repos),
			)
		}(i, repo)
	}
	wg.Wait()

	if authErr != nil {
		return authErr
	}
	if tracker.Cancelled() {
		return nil
	}

	var merged []activity.Item
	for _, items := range results {
		merged = append(merged, items...)
	}
	merged = activity.Dedupe(merged)
	merged = activity.FilterByAuthor(merged, opts.Author)
	sortByRecency(merged)

	e.cache.Put(names, opts.Days, opts.Author, merged)
	if e.metrics != nil {
		e.metrics.ActivityItems.Set(float64(len(merged)))
	}
	e.logger.Info("refresh produced activity stream",
		zap.Int("items", len(merged)),
		zap.Int("repositories", len(repos)),
		zap.Int("days", opts.Days))
	return nil
}

// collectRepository runs the per-repository pipeline: list pull requests,
// expand the bounded candidate subset into commits, scan direct commits,
// and reconcile everything into one stream.
func (e *Engine) collectRepository(ctx context.Context, repo activity.Repository, since time.Time, author string) ([]activity.Item, error) {
	prs, err := e.source.ListPullRequests(ctx, repo.Workspace, repo.Name, since)
	e.countUpstream("pull_requests")
	if err != nil {
		return nil, err
	}

	expanded := make(map[int][]activity.Commit)
	for _, pr := range e.reconciler.SelectForExpansion(prs, author) {
		commits, err := e.source.ListPullRequestCommits(ctx, repo.Workspace, repo.Name, pr)
		e.countUpstream("pr_commits")
		if err != nil {
			if errors.Is(err, bitbucket.ErrUnauthorized) {
				return nil, err
			}
			e.logger.Warn("skipping pull request expansion",
				zap.String("repository", repo.FullName()),
				zap.Int("pr_id", pr.ID),
				zap.Error(err))
			continue
		}
		expanded[pr.ID] = commits
	}

	repoCommits, err := e.source.ListRepositoryCommits(ctx, repo.Workspace, repo.Name, since, author)
	e.countUpstream("repo_commits")
	if err != nil {
		if errors.Is(err, bitbucket.ErrUnauthorized) {
			return nil, err
		}
		e.logger.Warn("skipping direct commit scan",
			zap.String("repository", repo.FullName()),
			zap.Error(err))
		repoCommits = nil
	}

	return e.reconciler.Reconcile(repo.FullName(), prs, expanded, repoCommits), nil
}

func (e *Engine) countUpstream(kind string) {
	if e.metrics != nil {
		e.metrics.UpstreamRequests.WithLabelValues(kind).Inc()
	}
}

func sortByRecency(items []activity.Item) {
	sort.SliceStable(items, func(i, j int) bool {
		return occurredAt(items[i]).After(occurredAt(items[j]))
	})
}

func occurredAt(item activity.Item) time.Time {
	if item.IsCommitShaped() {
		return item.CommitDate
	}
	if !item.PRUpdatedOn.IsZero() {
		return item.PRUpdatedOn
	}
	return item.PRCreatedOn
}
