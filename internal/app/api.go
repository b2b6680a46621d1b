package app

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sourcepulse/activity-engine/internal/activity"
	"github.com/sourcepulse/activity-engine/internal/engine"
	"github.com/sourcepulse/activity-engine/internal/jobs"
	"go.uber.org/zap"
)

type activityEngine interface {
	FetchActivity(ctx context.Context, opts engine.Options) (engine.Result, error)
	StartRefresh(ctx context.Context, opts engine.Options) (engine.Result, error)
	CheckJobStatus(ctx context.Context, jobID string) (jobs.RefreshJob, bool)
	CancelJob(ctx context.Context, jobID string) (jobs.RefreshJob, bool)
	AcknowledgeJob(ctx context.Context, jobID string) bool
	InvalidateCache(pattern string) int
}

type repositoryAdmin interface {
	ListAll(ctx context.Context) ([]activity.Repository, error)
	ListEnabled(ctx context.Context) ([]activity.Repository, error)
	SetEnabled(ctx context.Context, fullName string, enabled bool) error
	SaveSelection(ctx context.Context, fullNames []string) error
}

// API implements the JSON activity endpoints.
type API struct {
	engine       activityEngine
	repos        repositoryAdmin
	pollInterval time.Duration
	logger       *zap.Logger
}

// NewAPI creates the API handler set.
func NewAPI(eng activityEngine, repos repositoryAdmin, pollInterval time.Duration, logger *zap.Logger) *API {
	if pollInterval <= 0 {
		pollInterval = jobs.DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &API{engine: eng, repos: repos, pollInterval: pollInterval, logger: logger}
}

// handleGetActivity serves GET /api/activity. A cache hit returns items;
// a miss answers 202 with the background job to poll.
func (a *API) handleGetActivity(w http.ResponseWriter, r *http.Request) {
	opts, ok := a.optionsFromQuery(w, r)
	if !ok {
		return
	}

	result, err := a.engine.FetchActivity(r.Context(), opts)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if result.FromCache {
		a.writeJSON(w, http.StatusOK, map[string]any{
			"items":      result.Items,
			"count":      len(result.Items),
			"from_cache": true,
		})
		return
	}
	a.writeJSON(w, http.StatusAccepted, map[string]any{
		"job":                   result.Job,
		"poll_interval_seconds": a.pollInterval.Seconds(),
	})
}

type refreshRequest struct {
	Days   int      `json:"days"`
	Repos  []string `json:"repos"`
	Author string   `json:"author"`
}

// handleStartRefresh serves POST /api/refresh. The response carries the
// stale cached items for the scope alongside the job to poll, so clients
// can keep rendering data while the refresh runs.
func (a *API) handleStartRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "decode request body: "+err.Error())
		return
	}

	result, err := a.engine.StartRefresh(r.Context(), engine.Options{
		Days:   req.Days,
		Repos:  req.Repos,
		Author: req.Author,
		Force:  true,
	})
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a.writeJSON(w, http.StatusAccepted, map[string]any{
		"items":                 result.Items,
		"count":                 len(result.Items),
		"job":                   result.Job,
		"poll_interval_seconds": a.pollInterval.Seconds(),
	})
}

// handleJobStatus serves GET /api/jobs/{jobID}.
func (a *API) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, ok := a.engine.CheckJobStatus(r.Context(), jobID)
	if !ok {
		a.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	a.writeJSON(w, http.StatusOK, job)
}

// handleJobDelete serves DELETE /api/jobs/{jobID}. A running job is
// cancelled; a finished one is acknowledged and removed.
func (a *API) handleJobDelete(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	if job, ok := a.engine.CancelJob(r.Context(), jobID); ok {
		a.writeJSON(w, http.StatusOK, job)
		return
	}
	if a.engine.AcknowledgeJob(r.Context(), jobID) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	a.writeError(w, http.StatusNotFound, "job not found")
}

type invalidateRequest struct {
	Pattern string `json:"pattern"`
}

// handleCacheInvalidate serves POST /api/cache/invalidate. An empty
// pattern clears the whole cache.
func (a *API) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	var req invalidateRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			a.writeError(w, http.StatusBadRequest, "decode request body: "+err.Error())
			return
		}
	}

	removed := a.engine.InvalidateCache(strings.TrimSpace(req.Pattern))
	response := map[string]any{"pattern": req.Pattern}
	if removed < 0 {
		response["cleared"] = "all"
	} else {
		response["removed"] = removed
	}
	a.writeJSON(w, http.StatusOK, response)
}

// handleListRepositories serves GET /api/repositories.
func (a *API) handleListRepositories(w http.ResponseWriter, r *http.Request) {
	repos, err := a.repos.ListAll(r.Context())
	if err != nil {
		a.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{
		"repositories": repos,
		"count":        len(repos),
	})
}

// handleListEnabledRepositories serves GET /api/repositories/enabled.
func (a *API) handleListEnabledRepositories(w http.ResponseWriter, r *http.Request) {
	repos, err := a.repos.ListEnabled(r.Context())
	if err != nil {
		a.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{
		"repositories": repos,
		"count":        len(repos),
	})
}

type selectionRequest struct {
	Repos []string `json:"repos"`
}

// handleSaveSelection serves POST /api/repositories/selection. The named
// repositories become the enabled set; everything else is disabled.
func (a *API) handleSaveSelection(w http.ResponseWriter, r *http.Request) {
	var req selectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "decode request body: "+err.Error())
		return
	}
	if req.Repos == nil {
		a.writeError(w, http.StatusBadRequest, "repos is required")
		return
	}

	if err := a.repos.SaveSelection(r.Context(), req.Repos); err != nil {
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type enabledRequest struct {
	Enabled *bool `json:"enabled"`
}

// handleSetRepositoryEnabled serves PUT /api/repositories/{workspace}/{name}.
func (a *API) handleSetRepositoryEnabled(w http.ResponseWriter, r *http.Request) {
	workspace := chi.URLParam(r, "workspace")
	name := chi.URLParam(r, "name")

	var req enabledRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "decode request body: "+err.Error())
		return
	}
	if req.Enabled == nil {
		a.writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}

	if err := a.repos.SetEnabled(r.Context(), workspace+"/"+name, *req.Enabled); err != nil {
		a.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) optionsFromQuery(w http.ResponseWriter, r *http.Request) (engine.Options, bool) {
	query := r.URL.Query()
	opts := engine.Options{Author: strings.TrimSpace(query.Get("author"))}

	if raw := query.Get("days"); raw != "" {
		days, err := strconv.Atoi(raw)
		if err != nil || days <= 0 {
			a.writeError(w, http.StatusBadRequest, "days must be a positive integer")
			return engine.Options{}, false
		}
		opts.Days = days
	}
	if raw := query.Get("repos"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(name); trimmed != "" {
				opts.Repos = append(opts.Repos, trimmed)
			}
		}
	}
	if raw := query.Get("force"); raw != "" {
		force, err := strconv.ParseBool(raw)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, "force must be a boolean")
			return engine.Options{}, false
		}
		opts.Force = force
	}
	return opts, true
}

func (a *API) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		a.logger.Warn("failed to encode response", zap.Error(err))
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, message string) {
	a.writeJSON(w, status, map[string]string{"error": message})
}
