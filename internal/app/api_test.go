package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sourcepulse/activity-engine/internal/activity"
	"github.com/sourcepulse/activity-engine/internal/engine"
	"github.com/sourcepulse/activity-engine/internal/jobs"
)

type fakeEngine struct {
	fetchResult   engine.Result
	fetchErr      error
	startResult   engine.Result
	startErr      error
	startedOpts   *engine.Options
	statusJobs    map[string]jobs.RefreshJob
	cancelable    map[string]bool
	acked         []string
	invalidated   []string
	invalidateRet int
}

func (f *fakeEngine) FetchActivity(_ context.Context, opts engine.Options) (engine.Result, error) {
	f.startedOpts = &opts
	return f.fetchResult, f.fetchErr
}

func (f *fakeEngine) StartRefresh(_ context.Context, opts engine.Options) (engine.Result, error) {
	f.startedOpts = &opts
	return f.startResult, f.startErr
}

func (f *fakeEngine) CheckJobStatus(_ context.Context, jobID string) (jobs.RefreshJob, bool) {
	job, ok := f.statusJobs[jobID]
	return job, ok
}

func (f *fakeEngine) CancelJob(_ context.Context, jobID string) (jobs.RefreshJob, bool) {
	if !f.cancelable[jobID] {
		return jobs.RefreshJob{}, false
	}
	return jobs.RefreshJob{ID: jobID, Status: jobs.StatusCancelled}, true
}

func (f *fakeEngine) AcknowledgeJob(_ context.Context, jobID string) bool {
	if _, ok := f.statusJobs[jobID]; !ok {
		return false
	}
	f.acked = append(f.acked, jobID)
	return true
}

func (f *fakeEngine) InvalidateCache(pattern string) int {
	f.invalidated = append(f.invalidated, pattern)
	if pattern == "" {
		return -1
	}
	return f.invalidateRet
}

type fakeRepoAdmin struct {
	repos     []activity.Repository
	changed   map[string]bool
	selection []string
}

func (f *fakeRepoAdmin) ListAll(context.Context) ([]activity.Repository, error) {
	return f.repos, nil
}

func (f *fakeRepoAdmin) ListEnabled(context.Context) ([]activity.Repository, error) {
	var enabled []activity.Repository
	for _, repo := range f.repos {
		if repo.Enabled {
			enabled = append(enabled, repo)
		}
	}
	return enabled, nil
}

func (f *fakeRepoAdmin) SetEnabled(_ context.Context, fullName string, enabled bool) error {
	if f.changed == nil {
		f.changed = map[string]bool{}
	}
	f.changed[fullName] = enabled
	return nil
}

func (f *fakeRepoAdmin) SaveSelection(_ context.Context, fullNames []string) error {
	f.selection = fullNames
	return nil
}

func newTestHandler(eng *fakeEngine, repos *fakeRepoAdmin) http.Handler {
	api := NewAPI(eng, repos, 3*time.Second, nil)
	return NewHTTPHandler(api, nil, nil)
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var parsed map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &parsed); err != nil {
		t.Fatalf("response body is not valid json: %v (%q)", err, rec.Body.String())
	}
	return parsed
}

func TestGetActivityCacheHit(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{
		fetchResult: engine.Result{
			Items:     []activity.Item{{Repository: "teamx/api", Hash: "aaa", Ticket: "ABC-99"}},
			FromCache: true,
		},
	}
	handler := newTestHandler(eng, &fakeRepoAdmin{})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/activity?days=7&repos=teamx/api&author=Jane", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/activity = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["from_cache"] != true || body["count"] != float64(1) {
		t.Fatalf("body = %v, want cached single item", body)
	}
	if eng.startedOpts.Days != 7 || eng.startedOpts.Author != "Jane" || len(eng.startedOpts.Repos) != 1 {
		t.Fatalf("engine options = %+v, want parsed query", eng.startedOpts)
	}
}

func TestGetActivityCacheMissReturnsJob(t *testing.T) {
	t.Parallel()

	job := jobs.RefreshJob{ID: "refresh-1", Status: jobs.StatusStarted}
	eng := &fakeEngine{fetchResult: engine.Result{Job: &job}}
	handler := newTestHandler(eng, &fakeRepoAdmin{})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/activity", nil))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("GET /api/activity on miss = %d, want 202", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["poll_interval_seconds"] != float64(3) {
		t.Fatalf("poll_interval_seconds = %v, want 3", body["poll_interval_seconds"])
	}
	if body["job"] == nil {
		t.Fatalf("body carries no job reference: %v", body)
	}
}

func TestGetActivityRejectsBadParams(t *testing.T) {
	t.Parallel()

	handler := newTestHandler(&fakeEngine{}, &fakeRepoAdmin{})

	for _, target := range []string{"/api/activity?days=zero", "/api/activity?days=-1", "/api/activity?force=perhaps"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("GET %s = %d, want 400", target, rec.Code)
		}
	}
}

func TestStartRefreshForcesBypass(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{startResult: engine.Result{
		Items: []activity.Item{{Repository: "teamx/api", Hash: "old"}},
		Job:   &jobs.RefreshJob{ID: "refresh-2", Status: jobs.StatusStarted},
	}}
	handler := newTestHandler(eng, &fakeRepoAdmin{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/refresh", strings.NewReader(`{"days":30,"repos":["teamx/api"],"author":"Jane"}`))
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("POST /api/refresh = %d, want 202", rec.Code)
	}
	if !eng.startedOpts.Force {
		t.Fatalf("explicit refresh did not bypass the cache")
	}
	if eng.startedOpts.Days != 30 || eng.startedOpts.Author != "Jane" {
		t.Fatalf("engine options = %+v, want body fields", eng.startedOpts)
	}

	body := decodeBody(t, rec)
	if body["count"] != float64(1) || body["job"] == nil {
		t.Fatalf("body = %v, want stale items alongside the job", body)
	}
	items := body["items"].([]any)
	if item := items[0].(map[string]any); item["commit_hash"] != "old" {
		t.Fatalf("stale item = %v, want the cached entry echoed back", item)
	}
}

func TestJobStatusEndpoints(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{
		statusJobs: map[string]jobs.RefreshJob{
			"refresh-3": {ID: "refresh-3", Status: jobs.StatusCompleted},
		},
	}
	handler := newTestHandler(eng, &fakeRepoAdmin{})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/refresh-3", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/jobs/refresh-3 = %d, want 200", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/ghost", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("GET /api/jobs/ghost = %d, want 404", rec.Code)
	}
}

func TestJobDeleteCancelsOrAcknowledges(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{
		cancelable: map[string]bool{"refresh-running": true},
		statusJobs: map[string]jobs.RefreshJob{
			"refresh-done": {ID: "refresh-done", Status: jobs.StatusCompleted},
		},
	}
	handler := newTestHandler(eng, &fakeRepoAdmin{})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/jobs/refresh-running", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("DELETE running job = %d, want 200 with cancelled job", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != string(jobs.StatusCancelled) {
		t.Fatalf("DELETE running job status = %v, want cancelled", body["status"])
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/jobs/refresh-done", nil))
	if rec.Code != http.StatusNoContent {
		t.Fatalf("DELETE finished job = %d, want 204", rec.Code)
	}
	if len(eng.acked) != 1 || eng.acked[0] != "refresh-done" {
		t.Fatalf("acknowledged jobs = %v, want [refresh-done]", eng.acked)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/jobs/ghost", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("DELETE unknown job = %d, want 404", rec.Code)
	}
}

func TestCacheInvalidate(t *testing.T) {
	t.Parallel()

	eng := &fakeEngine{invalidateRet: 2}
	handler := newTestHandler(eng, &fakeRepoAdmin{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/cache/invalidate", strings.NewReader(`{"pattern":"teamx/api"}`))
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /api/cache/invalidate = %d, want 200", rec.Code)
	}
	if body := decodeBody(t, rec); body["removed"] != float64(2) {
		t.Fatalf("body = %v, want removed=2", body)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/cache/invalidate", strings.NewReader(`{}`)))
	if body := decodeBody(t, rec); body["cleared"] != "all" {
		t.Fatalf("body = %v, want cleared=all on empty pattern", body)
	}
}

func TestRepositoryEndpoints(t *testing.T) {
	t.Parallel()

	repos := &fakeRepoAdmin{
		repos: []activity.Repository{
			{Workspace: "teamx", Name: "api", Language: "go", Enabled: true},
			{Workspace: "teamx", Name: "web", Language: "typescript", Enabled: false},
		},
	}
	handler := newTestHandler(&fakeEngine{}, repos)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/repositories", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/repositories = %d, want 200", rec.Code)
	}
	if body := decodeBody(t, rec); body["count"] != float64(2) {
		t.Fatalf("body = %v, want 2 repositories", body)
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPut, "/api/repositories/teamx/web", strings.NewReader(`{"enabled":true}`))
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("PUT /api/repositories/teamx/web = %d, want 204", rec.Code)
	}
	if enabled, ok := repos.changed["teamx/web"]; !ok || !enabled {
		t.Fatalf("selection change = %v, want teamx/web enabled", repos.changed)
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPut, "/api/repositories/teamx/web", strings.NewReader(`{}`))
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("PUT without enabled = %d, want 400", rec.Code)
	}
}

func TestListEnabledRepositories(t *testing.T) {
	t.Parallel()

	repos := &fakeRepoAdmin{
		repos: []activity.Repository{
			{Workspace: "teamx", Name: "api", Enabled: true},
			{Workspace: "teamx", Name: "web", Enabled: false},
		},
	}
	handler := newTestHandler(&fakeEngine{}, repos)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/repositories/enabled", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /api/repositories/enabled = %d, want 200", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["count"] != float64(1) {
		t.Fatalf("body = %v, want only the enabled repository", body)
	}
}

func TestSaveRepositorySelection(t *testing.T) {
	t.Parallel()

	repos := &fakeRepoAdmin{}
	handler := newTestHandler(&fakeEngine{}, repos)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/repositories/selection", strings.NewReader(`{"repos":["teamx/api"]}`))
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /api/repositories/selection = %d, want 200", rec.Code)
	}
	if body := decodeBody(t, rec); body["success"] != true {
		t.Fatalf("body = %v, want success", body)
	}
	if len(repos.selection) != 1 || repos.selection[0] != "teamx/api" {
		t.Fatalf("saved selection = %v, want [teamx/api]", repos.selection)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/repositories/selection", strings.NewReader(`{}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("POST without repos = %d, want 400", rec.Code)
	}
}
