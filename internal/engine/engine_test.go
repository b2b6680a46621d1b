package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sourcepulse/activity-engine/internal/activity"
	"github.com/sourcepulse/activity-engine/internal/bitbucket"
	"github.com/sourcepulse/activity-engine/internal/cache"
	"github.com/sourcepulse/activity-engine/internal/jobs"
)

func fixedNow() time.Time {
	return time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
}

type fakeSource struct {
	prs       map[string][]activity.PullRequest
	prCommits map[int][]activity.Commit
	commits   map[string][]activity.Commit
	listErr   map[string]error

	// enterList/releaseList let tests hold ListPullRequests open.
	enterList   chan string
	releaseList chan struct{}

	mu        sync.Mutex
	listCalls []string
}

func (s *fakeSource) ListPullRequests(_ context.Context, workspace, repo string, _ time.Time) ([]activity.PullRequest, error) {
	full := workspace + "/" + repo
	s.mu.Lock()
	s.listCalls = append(s.listCalls, full)
	s.mu.Unlock()

	if s.enterList != nil {
		s.enterList <- full
	}
	if s.releaseList != nil {
		<-s.releaseList
	}
	if err := s.listErr[full]; err != nil {
		return nil, err
	}
	return s.prs[full], nil
}

func (s *fakeSource) ListPullRequestCommits(_ context.Context, _, _ string, pr activity.PullRequest) ([]activity.Commit, error) {
	return s.prCommits[pr.ID], nil
}

func (s *fakeSource) ListRepositoryCommits(_ context.Context, workspace, repo string, _ time.Time, _ string) ([]activity.Commit, error) {
	return s.commits[workspace+"/"+repo], nil
}

func (s *fakeSource) pullRequestCalls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	calls := make([]string, len(s.listCalls))
	copy(calls, s.listCalls)
	return calls
}

type fakeRepoSource struct {
	repos []activity.Repository
}

func (f *fakeRepoSource) ListEnabled(context.Context) ([]activity.Repository, error) {
	return f.repos, nil
}

func (f *fakeRepoSource) Resolve(_ context.Context, fullNames []string) ([]activity.Repository, error) {
	byName := make(map[string]activity.Repository, len(f.repos))
	for _, repo := range f.repos {
		byName[repo.FullName()] = repo
	}
	resolved := make([]activity.Repository, 0, len(fullNames))
	for _, name := range fullNames {
		repo, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown repository %q", name)
		}
		resolved = append(resolved, repo)
	}
	return resolved, nil
}

type testEngine struct {
	engine      *Engine
	store       *cache.MemoryStore
	coordinator *jobs.Coordinator
}

func newTestEngine(source DataSource, repos []activity.Repository, concurrency int) *testEngine {
	store := cache.NewMemoryStore(time.Hour)
	store.Now = fixedNow
	coordinator := jobs.NewCoordinator(nil, nil, jobs.CoordinatorConfig{})
	reconciler := activity.NewReconciler(activity.ReconcilerConfig{Now: fixedNow})

	e := New(source, &fakeRepoSource{repos: repos}, store, coordinator, reconciler, nil, nil, Config{Concurrency: concurrency})
	e.Now = fixedNow
	return &testEngine{engine: e, store: store, coordinator: coordinator}
}

func TestFetchActivityRefreshesAndDeduplicates(t *testing.T) {
	t.Parallel()

	repo := activity.Repository{Workspace: "teamx", Name: "api", Enabled: true}
	wipCommit := activity.Commit{
		Hash:      "aaa",
		Date:      fixedNow().Add(-2 * time.Hour),
		RawAuthor: "Jane Doe <jane@example.com>",
		Message:   "wip",
	}
	source := &fakeSource{
		prs: map[string][]activity.PullRequest{
			"teamx/api": {{
				ID:        10,
				Title:     "Fix ABC-99 login bug",
				Author:    "Jane Doe",
				CreatedOn: fixedNow().Add(-24 * time.Hour),
				UpdatedOn: fixedNow().Add(-time.Hour),
			}},
		},
		prCommits: map[int][]activity.Commit{10: {wipCommit}},
		// The direct scan rediscovers the same commit.
		commits: map[string][]activity.Commit{"teamx/api": {wipCommit}},
	}

	te := newTestEngine(source, []activity.Repository{repo}, 1)
	ctx := context.Background()

	result, err := te.engine.FetchActivity(ctx, Options{Days: 7})
	if err != nil {
		t.Fatalf("FetchActivity() unexpected error: %v", err)
	}
	if result.FromCache || result.Job == nil {
		t.Fatalf("FetchActivity() on empty cache = %+v, want background job reference", result)
	}
	te.coordinator.Wait(result.Job.ID)

	job, ok := te.engine.CheckJobStatus(ctx, result.Job.ID)
	if !ok || job.Status != jobs.StatusCompleted {
		t.Fatalf("job status = %q (found=%v), want completed", job.Status, ok)
	}

	cached, err := te.engine.FetchActivity(ctx, Options{Days: 7})
	if err != nil {
		t.Fatalf("FetchActivity() after refresh unexpected error: %v", err)
	}
	if !cached.FromCache {
		t.Fatalf("FetchActivity() after refresh did not hit the cache")
	}
	if len(cached.Items) != 1 {
		t.Fatalf("activity stream has %d items, want 1 after deduplication: %+v", len(cached.Items), cached.Items)
	}

	item := cached.Items[0]
	if item.Hash != "aaa" || item.Ticket != "ABC-99" || item.TicketSource != "PR title" {
		t.Fatalf("item = %+v, want hash aaa with ticket ABC-99 from the PR title", item)
	}
	if item.PRID != 10 {
		t.Fatalf("item.PRID = %d, want the expanded pull request id 10", item.PRID)
	}
}

func TestRefreshDegradesOnSingleRepositoryFailure(t *testing.T) {
	t.Parallel()

	repos := []activity.Repository{
		{Workspace: "teamx", Name: "api", Enabled: true},
		{Workspace: "teamx", Name: "web", Enabled: true},
	}
	source := &fakeSource{
		listErr: map[string]error{"teamx/api": fmt.Errorf("connection reset")},
		commits: map[string][]activity.Commit{
			"teamx/web": {{Hash: "bbb", Date: fixedNow().Add(-time.Hour), RawAuthor: "Jane Doe <jane@example.com>", Message: "QRS-4 fix"}},
		},
	}

	te := newTestEngine(source, repos, 1)
	ctx := context.Background()

	result, err := te.engine.StartRefresh(ctx, Options{Days: 7})
	if err != nil {
		t.Fatalf("StartRefresh() unexpected error: %v", err)
	}
	te.coordinator.Wait(result.Job.ID)

	got, _ := te.engine.CheckJobStatus(ctx, result.Job.ID)
	if got.Status != jobs.StatusCompleted {
		t.Fatalf("job status = %q, want completed despite one failing repository", got.Status)
	}

	items, ok := te.store.Get([]string{"teamx/api", "teamx/web"}, 7, "")
	if !ok || len(items) != 1 || items[0].Hash != "bbb" {
		t.Fatalf("cached items = %+v (hit=%v), want the surviving repository's commit", items, ok)
	}
}

func TestRefreshFailsOnAuthErrorWithoutCaching(t *testing.T) {
	t.Parallel()

	repo := activity.Repository{Workspace: "teamx", Name: "api", Enabled: true}
	source := &fakeSource{
		listErr: map[string]error{"teamx/api": fmt.Errorf("%w: status 401", bitbucket.ErrUnauthorized)},
	}

	te := newTestEngine(source, []activity.Repository{repo}, 1)
	ctx := context.Background()

	result, err := te.engine.StartRefresh(ctx, Options{Days: 7})
	if err != nil {
		t.Fatalf("StartRefresh() unexpected error: %v", err)
	}
	te.coordinator.Wait(result.Job.ID)

	got, _ := te.engine.CheckJobStatus(ctx, result.Job.ID)
	if got.Status != jobs.StatusFailed || got.Error == "" {
		t.Fatalf("job = %+v, want failed with an error detail", got)
	}

	if _, ok := te.store.Get([]string{"teamx/api"}, 7, ""); ok {
		t.Fatalf("partial results were cached after an authentication failure")
	}
}

func TestCancelSkipsRemainingRepositories(t *testing.T) {
	t.Parallel()

	repos := []activity.Repository{
		{Workspace: "teamx", Name: "api", Enabled: true},
		{Workspace: "teamx", Name: "web", Enabled: true},
	}
	source := &fakeSource{
		enterList:   make(chan string),
		releaseList: make(chan struct{}),
	}

	te := newTestEngine(source, repos, 1)
	ctx := context.Background()

	result, err := te.engine.StartRefresh(ctx, Options{Days: 7})
	if err != nil {
		t.Fatalf("StartRefresh() unexpected error: %v", err)
	}

	// The first repository is in flight; cancel before releasing it.
	<-source.enterList
	if _, ok := te.engine.CancelJob(ctx, result.Job.ID); !ok {
		t.Fatalf("CancelJob() on running job = false")
	}
	close(source.releaseList)
	te.coordinator.Wait(result.Job.ID)

	got, _ := te.engine.CheckJobStatus(ctx, result.Job.ID)
	if got.Status != jobs.StatusCancelled {
		t.Fatalf("job status = %q, want cancelled to stick after the pipeline drains", got.Status)
	}
	if calls := source.pullRequestCalls(); len(calls) != 1 {
		t.Fatalf("upstream saw %d repositories after cancellation, want only the in-flight one", len(calls))
	}
	if _, ok := te.store.Get([]string{"teamx/api", "teamx/web"}, 7, ""); ok {
		t.Fatalf("cancelled refresh wrote to the cache")
	}
}

func TestStartRefreshReusesInflightJob(t *testing.T) {
	t.Parallel()

	repo := activity.Repository{Workspace: "teamx", Name: "api", Enabled: true}
	source := &fakeSource{
		enterList:   make(chan string, 2),
		releaseList: make(chan struct{}),
	}

	te := newTestEngine(source, []activity.Repository{repo}, 1)
	ctx := context.Background()

	first, err := te.engine.StartRefresh(ctx, Options{Days: 7})
	if err != nil {
		t.Fatalf("StartRefresh() unexpected error: %v", err)
	}
	<-source.enterList

	second, err := te.engine.StartRefresh(ctx, Options{Days: 7})
	if err != nil {
		t.Fatalf("StartRefresh() second call unexpected error: %v", err)
	}
	if second.Job.ID != first.Job.ID {
		t.Fatalf("second StartRefresh() = job %q, want in-flight job %q reused", second.Job.ID, first.Job.ID)
	}

	// A different scope gets its own job.
	other, err := te.engine.StartRefresh(ctx, Options{Days: 30})
	if err != nil {
		t.Fatalf("StartRefresh() for other scope unexpected error: %v", err)
	}
	if other.Job.ID == first.Job.ID {
		t.Fatalf("different scope reused job %q", first.Job.ID)
	}

	close(source.releaseList)
	te.coordinator.Wait(first.Job.ID)
	te.coordinator.Wait(other.Job.ID)
}

func TestStartRefreshReturnsStaleCachedItems(t *testing.T) {
	t.Parallel()

	repo := activity.Repository{Workspace: "teamx", Name: "api", Enabled: true}
	source := &fakeSource{
		enterList:   make(chan string, 1),
		releaseList: make(chan struct{}),
	}

	te := newTestEngine(source, []activity.Repository{repo}, 1)
	ctx := context.Background()

	staleItem := activity.Item{Repository: "teamx/api", Hash: "old", CommitDate: fixedNow().Add(-time.Hour)}
	te.store.Put([]string{"teamx/api"}, 7, "", []activity.Item{staleItem})

	result, err := te.engine.StartRefresh(ctx, Options{Days: 7})
	if err != nil {
		t.Fatalf("StartRefresh() unexpected error: %v", err)
	}
	if result.Job == nil {
		t.Fatalf("StartRefresh() = %+v, want a job reference", result)
	}
	if len(result.Items) != 1 || result.Items[0].Hash != "old" {
		t.Fatalf("StartRefresh() items = %+v, want the stale cached entry alongside the job", result.Items)
	}

	close(source.releaseList)
	te.coordinator.Wait(result.Job.ID)
}

func TestCompletedRefreshLeavesNoInflightEntry(t *testing.T) {
	t.Parallel()

	repo := activity.Repository{Workspace: "teamx", Name: "api", Enabled: true}
	te := newTestEngine(&fakeSource{}, []activity.Repository{repo}, 1)
	ctx := context.Background()

	result, err := te.engine.StartRefresh(ctx, Options{Days: 7})
	if err != nil {
		t.Fatalf("StartRefresh() unexpected error: %v", err)
	}
	te.coordinator.Wait(result.Job.ID)

	te.engine.mu.Lock()
	remaining := len(te.engine.inflight)
	te.engine.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("inflight map holds %d entries after the job finished, want 0", remaining)
	}
}

func TestFetchActivityFiltersByAuthor(t *testing.T) {
	t.Parallel()

	repo := activity.Repository{Workspace: "teamx", Name: "api", Enabled: true}
	source := &fakeSource{
		commits: map[string][]activity.Commit{
			"teamx/api": {
				{Hash: "aaa", Date: fixedNow().Add(-time.Hour), RawAuthor: "Jane Doe <jane@example.com>", Message: "ABC-1 fix"},
				{Hash: "bbb", Date: fixedNow().Add(-time.Hour), RawAuthor: "Sam Poe <sam@example.com>", Message: "ABC-2 fix"},
			},
		},
	}

	te := newTestEngine(source, []activity.Repository{repo}, 1)
	ctx := context.Background()

	refresh, err := te.engine.StartRefresh(ctx, Options{Days: 7, Author: "Jane"})
	if err != nil {
		t.Fatalf("StartRefresh() unexpected error: %v", err)
	}
	te.coordinator.Wait(refresh.Job.ID)

	result, err := te.engine.FetchActivity(ctx, Options{Days: 7, Author: "Jane"})
	if err != nil {
		t.Fatalf("FetchActivity() unexpected error: %v", err)
	}
	if !result.FromCache || len(result.Items) != 1 || result.Items[0].Hash != "aaa" {
		t.Fatalf("filtered stream = %+v (cache=%v), want only Jane's commit", result.Items, result.FromCache)
	}
}
