package activity

import (
	"strings"
	"time"

	"github.com/sourcepulse/activity-engine/internal/ticket"
)

const (
	// defaultExpandCap bounds how many pull requests are expanded into
	// per-commit detail in one pass. Each expansion is a paginated
	// network call, so the set must stay small.
	defaultExpandCap = 20

	// defaultRecentWindow marks pull requests as expansion candidates
	// regardless of author when they were updated recently.
	defaultRecentWindow = 72 * time.Hour
)

// ReconcilerConfig tunes pull request expansion behavior.
type ReconcilerConfig struct {
	ExpandCap    int
	RecentWindow time.Duration
	Now          func() time.Time
}

// Reconciler merges pull-request-sourced commits with direct repository
// commit scans into one canonical activity stream per repository.
type Reconciler struct {
	cfg ReconcilerConfig
}

// NewReconciler creates a reconciler with defaults applied.
func NewReconciler(cfg ReconcilerConfig) *Reconciler {
	if cfg.ExpandCap <= 0 {
		cfg.ExpandCap = defaultExpandCap
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = defaultRecentWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Reconciler{cfg: cfg}
}

// AnnotatePullRequest resolves the primary ticket for a pull request title.
// The returned record carries ticket and source; the input is not modified.
func (r *Reconciler) AnnotatePullRequest(pr PullRequest) PullRequest {
	if resolved, found := ticket.Primary(pr.Title); found {
		pr.Ticket = resolved
		pr.TicketSource = ticket.SourcePRTitle
	}
	return pr
}

// SelectForExpansion returns the bounded, prioritized subset of pull
// requests whose commits should be fetched: those authored by the tracked
// author plus any updated within the recent window, capped.
func (r *Reconciler) SelectForExpansion(prs []PullRequest, author string) []PullRequest {
	recentCutoff := r.cfg.Now().Add(-r.cfg.RecentWindow)
	trimmedAuthor := strings.TrimSpace(author)

	selected := make([]PullRequest, 0, r.cfg.ExpandCap)
	for _, pr := range prs {
		if len(selected) >= r.cfg.ExpandCap {
			break
		}
		if trimmedAuthor != "" && pr.Author == trimmedAuthor {
			selected = append(selected, pr)
			continue
		}
		if pr.UpdatedOn.After(recentCutoff) {
			selected = append(selected, pr)
		}
	}
	return selected
}

// ItemFromPullRequestCommit builds a commit-shaped item for a commit that
// belongs to an expanded pull request. A ticket in the commit message wins;
// otherwise the pull request's ticket and its source label are inherited
// unchanged.
func (r *Reconciler) ItemFromPullRequestCommit(repo string, pr PullRequest, commit Commit) Item {
	item := Item{
		Repository:  repo,
		Hash:        commit.Hash,
		CommitDate:  commit.Date,
		RawAuthor:   commit.RawAuthor,
		Message:     commit.Message,
		PRID:        pr.ID,
		PRTitle:     pr.Title,
		PRAuthor:    pr.Author,
		PRCreatedOn: pr.CreatedOn,
		PRUpdatedOn: pr.UpdatedOn,
	}
	if resolved, found := ticket.Primary(commit.Message); found {
		item.Ticket = resolved
		item.TicketSource = ticket.SourceCommitMessage
		return item
	}
	item.Ticket = pr.Ticket
	item.TicketSource = pr.TicketSource
	return item
}

// ItemFromPullRequest builds a PR-shaped item for a pull request that was
// not expanded into per-commit detail.
func (r *Reconciler) ItemFromPullRequest(repo string, pr PullRequest) Item {
	return Item{
		Repository:   repo,
		PRID:         pr.ID,
		PRTitle:      pr.Title,
		PRAuthor:     pr.Author,
		PRCreatedOn:  pr.CreatedOn,
		PRUpdatedOn:  pr.UpdatedOn,
		Ticket:       pr.Ticket,
		TicketSource: pr.TicketSource,
	}
}

// ItemFromRepositoryCommit builds a commit-shaped item for a commit found
// by the direct repository scan. These items carry no pull request fields
// and derive their ticket only from the commit message.
func (r *Reconciler) ItemFromRepositoryCommit(repo string, commit Commit) Item {
	item := Item{
		Repository: repo,
		Hash:       commit.Hash,
		CommitDate: commit.Date,
		RawAuthor:  commit.RawAuthor,
		Message:    commit.Message,
	}
	if resolved, found := ticket.Primary(commit.Message); found {
		item.Ticket = resolved
		item.TicketSource = ticket.SourceCommitMessage
	}
	return item
}

// Reconcile produces the full unfiltered activity stream for one
// repository. expandedCommits maps pull request id to its fetched commits;
// pull requests absent from the map are emitted PR-shaped. Author filtering
// and deduplication happen downstream.
func (r *Reconciler) Reconcile(
	repo string,
	prs []PullRequest,
	expandedCommits map[int][]Commit,
	repoCommits []Commit,
) []Item {
	items := make([]Item, 0, len(prs)+len(repoCommits))

	for _, pr := range prs {
		annotated := r.AnnotatePullRequest(pr)
		commits, expanded := expandedCommits[pr.ID]
		if !expanded || len(commits) == 0 {
			items = append(items, r.ItemFromPullRequest(repo, annotated))
			continue
		}
		for _, commit := range commits {
			items = append(items, r.ItemFromPullRequestCommit(repo, annotated, commit))
		}
	}

	for _, commit := range repoCommits {
		items = append(items, r.ItemFromRepositoryCommit(repo, commit))
	}

	return items
}
