package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sourcepulse/activity-engine/internal/activity"
	"github.com/sourcepulse/activity-engine/internal/cache"
	"go.uber.org/zap"
)

// RepositoryLister fetches the repository listing for a workspace.
type RepositoryLister interface {
	ListWorkspaceRepositories(ctx context.Context, workspace string) ([]activity.Repository, error)
}

// Registry resolves the tracked repository set across the configured
// workspaces. Listings come from the upstream API through the listing
// cache; the enabled/disabled selection is persisted so it survives
// restarts. A repository with no recorded selection is enabled.
type Registry struct {
	lister     RepositoryLister
	cache      cache.Store
	selections SelectionStore
	workspaces []string
	logger     *zap.Logger

	mu       sync.Mutex
	disabled map[string]bool
	loaded   bool
}

// New creates a repository registry.
func New(lister RepositoryLister, store cache.Store, selections SelectionStore, workspaces []string, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		lister:     lister,
		cache:      store,
		selections: selections,
		workspaces: workspaces,
		logger:     logger,
		disabled:   make(map[string]bool),
	}
}

// ListAll returns every repository across the configured workspaces,
// annotated with its enabled state, sorted by full name.
func (r *Registry) ListAll(ctx context.Context) ([]activity.Repository, error) {
	if err := r.ensureSelectionLoaded(ctx); err != nil {
		return nil, err
	}

	var all []activity.Repository
	for _, workspace := range r.workspaces {
		repos, err := r.listWorkspace(ctx, workspace)
		if err != nil {
			return nil, err
		}
		all = append(all, repos...)
	}

	r.mu.Lock()
	for i := range all {
		all[i].Enabled = !r.disabled[all[i].FullName()]
	}
	r.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].FullName() < all[j].FullName()
	})
	return all, nil
}

// ListEnabled returns the repositories refreshes act on.
func (r *Registry) ListEnabled(ctx context.Context) ([]activity.Repository, error) {
	all, err := r.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	enabled := make([]activity.Repository, 0, len(all))
	for _, repo := range all {
		if repo.Enabled {
			enabled = append(enabled, repo)
		}
	}
	return enabled, nil
}

// Resolve maps full names to known repositories. Unknown names are
// reported so callers can reject them before a refresh starts.
func (r *Registry) Resolve(ctx context.Context, fullNames []string) ([]activity.Repository, error) {
	all, err := r.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]activity.Repository, len(all))
	for _, repo := range all {
		byName[repo.FullName()] = repo
	}

	resolved := make([]activity.Repository, 0, len(fullNames))
	for _, name := range fullNames {
		repo, ok := byName[strings.TrimSpace(name)]
		if !ok {
			return nil, fmt.Errorf("unknown repository %q", name)
		}
		resolved = append(resolved, repo)
	}
	return resolved, nil
}

// SaveSelection replaces the selection wholesale: exactly the named
// repositories are enabled afterwards, every other known repository is
// disabled. Names absent from the listing are ignored.
func (r *Registry) SaveSelection(ctx context.Context, fullNames []string) error {
	all, err := r.ListAll(ctx)
	if err != nil {
		return err
	}

	keep := make(map[string]bool, len(fullNames))
	for _, name := range fullNames {
		keep[strings.TrimSpace(name)] = true
	}

	disabled := make(map[string]bool)
	for _, repo := range all {
		if !keep[repo.FullName()] {
			disabled[repo.FullName()] = true
		}
	}
	snapshot := make(map[string]bool, len(disabled))
	for name := range disabled {
		snapshot[name] = true
	}

	r.mu.Lock()
	r.disabled = disabled
	r.mu.Unlock()

	if r.selections == nil {
		return nil
	}
	if err := r.selections.Save(ctx, snapshot); err != nil {
		return fmt.Errorf("save repository selection: %w", err)
	}
	return nil
}

// SetEnabled flips a repository's selection and persists the result.
func (r *Registry) SetEnabled(ctx context.Context, fullName string, enabled bool) error {
	if err := r.ensureSelectionLoaded(ctx); err != nil {
		return err
	}

	r.mu.Lock()
	if enabled {
		delete(r.disabled, fullName)
	} else {
		r.disabled[fullName] = true
	}
	snapshot := make(map[string]bool, len(r.disabled))
	for name := range r.disabled {
		snapshot[name] = true
	}
	r.mu.Unlock()

	if r.selections == nil {
		return nil
	}
	if err := r.selections.Save(ctx, snapshot); err != nil {
		return fmt.Errorf("save repository selection: %w", err)
	}
	return nil
}

func (r *Registry) listWorkspace(ctx context.Context, workspace string) ([]activity.Repository, error) {
	if r.cache != nil {
		if repos, ok := r.cache.GetRepoListing(workspace); ok {
			return repos, nil
		}
	}

	repos, err := r.lister.ListWorkspaceRepositories(ctx, workspace)
	if err != nil {
		return nil, fmt.Errorf("list repositories for workspace %s: %w", workspace, err)
	}
	r.logger.Debug("fetched workspace repository listing",
		zap.String("workspace", workspace),
		zap.Int("repositories", len(repos)))

	if r.cache != nil {
		r.cache.PutRepoListing(workspace, repos)
	}
	return repos, nil
}

func (r *Registry) ensureSelectionLoaded(ctx context.Context) error {
	r.mu.Lock()
	loaded := r.loaded
	r.mu.Unlock()
	if loaded || r.selections == nil {
		return nil
	}

	disabled, found, err := r.selections.Load(ctx)
	if err != nil {
		return fmt.Errorf("load repository selection: %w", err)
	}

	r.mu.Lock()
	if found {
		r.disabled = disabled
	}
	r.loaded = true
	r.mu.Unlock()
	return nil
}
