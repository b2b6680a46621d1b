package bitbucket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sourcepulse/activity-engine/internal/activity"
	"go.uber.org/zap"
)

const defaultAPIBaseURL = "https://api.bitbucket.org/2.0/"

// Page caps bound the worst-case cost of one sync pass. Unbounded
// pagination against a third-party API is unsafe; extremely active
// repositories are truncated rather than walked to exhaustion.
const (
	defaultPullRequestPageCap = 3
	defaultCommitPageCap      = 2
	defaultPageLen            = 50
)

// DataClientConfig configures the typed upstream data client.
type DataClientConfig struct {
	BaseURL            string
	PullRequestPageCap int
	CommitPageCap      int
	Logger             *zap.Logger
}

// DataClient is a typed client for the upstream repository-hosting API. It
// walks cursor-paged responses where each page body embeds the next-page
// URL, and stops at the per-resource page cap.
type DataClient struct {
	baseURL    *url.URL
	client     *Client
	prPageCap  int
	commitsCap int
	logger     *zap.Logger
}

// NewDataClient creates a typed data client over the request client.
func NewDataClient(client *Client, cfg DataClientConfig) (*DataClient, error) {
	if client == nil {
		return nil, fmt.Errorf("request client is required")
	}

	rawBaseURL := strings.TrimSpace(cfg.BaseURL)
	if rawBaseURL == "" {
		rawBaseURL = defaultAPIBaseURL
	}
	parsed, err := url.Parse(rawBaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse api base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("parse api base url: missing scheme or host")
	}
	if !strings.HasSuffix(parsed.Path, "/") {
		parsed.Path += "/"
	}

	prPageCap := cfg.PullRequestPageCap
	if prPageCap <= 0 {
		prPageCap = defaultPullRequestPageCap
	}
	commitsCap := cfg.CommitPageCap
	if commitsCap <= 0 {
		commitsCap = defaultCommitPageCap
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DataClient{
		baseURL:    parsed,
		client:     client,
		prPageCap:  prPageCap,
		commitsCap: commitsCap,
		logger:     logger,
	}, nil
}

type pagedResponse struct {
	Values []json.RawMessage `json:"values"`
	Next   string            `json:"next"`
}

// walkPages follows the next-page cursor embedded in each response body,
// stopping when the cursor is absent or maxPages is reached. A failed page
// fetch ends the walk with the records collected so far; it is "no more
// data from this point", not a hard error. Authentication failures do
// propagate.
func (c *DataClient) walkPages(ctx context.Context, startURL string, maxPages int) ([]json.RawMessage, error) {
	var records []json.RawMessage
	nextURL := startURL

	for pageIndex := 0; pageIndex < maxPages && nextURL != ""; pageIndex++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, nextURL, nil)
		if err != nil {
			return records, fmt.Errorf("build page request: %w", err)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if errors.Is(err, ErrUnauthorized) {
				return records, err
			}
			c.logger.Debug("page fetch failed, stopping walk",
				zap.String("url", nextURL),
				zap.Int("page", pageIndex+1),
				zap.Error(err),
			)
			return records, nil
		}
		if resp.StatusCode != http.StatusOK {
			_ = resp.Body.Close()
			c.logger.Debug("page fetch returned non-ok status, stopping walk",
				zap.String("url", nextURL),
				zap.Int("status", resp.StatusCode),
			)
			return records, nil
		}

		var page pagedResponse
		decodeErr := json.NewDecoder(resp.Body).Decode(&page)
		_ = resp.Body.Close()
		if decodeErr != nil {
			c.logger.Debug("page decode failed, stopping walk",
				zap.String("url", nextURL),
				zap.Error(decodeErr),
			)
			return records, nil
		}

		records = append(records, page.Values...)
		nextURL = page.Next
	}

	return records, nil
}

type repositoryPayload struct {
	Slug      string    `json:"slug"`
	Name      string    `json:"name"`
	Language  string    `json:"language"`
	UpdatedOn time.Time `json:"updated_on"`
	Workspace struct {
		Slug string `json:"slug"`
	} `json:"workspace"`
	IsPrivate bool `json:"is_private"`
}

// ListWorkspaceRepositories lists all repositories in a workspace.
func (c *DataClient) ListWorkspaceRepositories(ctx context.Context, workspace string) ([]activity.Repository, error) {
	trimmed := strings.TrimSpace(workspace)
	if trimmed == "" {
		return nil, fmt.Errorf("workspace is required")
	}

	startURL := c.endpoint("repositories", url.PathEscape(trimmed))
	query := url.Values{}
	query.Set("pagelen", strconv.Itoa(defaultPageLen))
	query.Set("sort", "-updated_on")

	// Repository listings are small; walk without the tight PR/commit caps.
	records, err := c.walkPages(ctx, startURL+"?"+query.Encode(), 20)
	if err != nil {
		return nil, fmt.Errorf("list repositories for %q: %w", trimmed, err)
	}

	repos := make([]activity.Repository, 0, len(records))
	for _, record := range records {
		var payload repositoryPayload
		if err := json.Unmarshal(record, &payload); err != nil {
			continue
		}
		name := payload.Slug
		if name == "" {
			name = payload.Name
		}
		workspaceSlug := payload.Workspace.Slug
		if workspaceSlug == "" {
			workspaceSlug = trimmed
		}
		repos = append(repos, activity.Repository{
			Workspace: workspaceSlug,
			Name:      name,
			Language:  payload.Language,
			UpdatedOn: payload.UpdatedOn,
		})
	}
	return repos, nil
}

type pullRequestPayload struct {
	ID     int    `json:"id"`
	Title  string `json:"title"`
	Author struct {
		DisplayName string `json:"display_name"`
	} `json:"author"`
	CreatedOn time.Time `json:"created_on"`
	UpdatedOn time.Time `json:"updated_on"`
	Links     struct {
		Commits struct {
			Href string `json:"href"`
		} `json:"commits"`
	} `json:"links"`
}

// ListPullRequests lists pull requests for a repository updated within the
// window, newest first, bounded by the pull request page cap.
func (c *DataClient) ListPullRequests(ctx context.Context, workspace, repo string, since time.Time) ([]activity.PullRequest, error) {
	if err := requireRepo(workspace, repo); err != nil {
		return nil, err
	}

	startURL := c.endpoint("repositories", url.PathEscape(workspace), url.PathEscape(repo), "pullrequests")
	query := url.Values{}
	query.Set("pagelen", strconv.Itoa(defaultPageLen))
	query.Set("state", "MERGED")
	query.Add("state", "OPEN")
	query.Set("sort", "-updated_on")
	if !since.IsZero() {
		query.Set("q", fmt.Sprintf(`updated_on >= %s`, since.UTC().Format(time.RFC3339)))
	}

	records, err := c.walkPages(ctx, startURL+"?"+query.Encode(), c.prPageCap)
	if err != nil {
		return nil, fmt.Errorf("list pull requests for %s/%s: %w", workspace, repo, err)
	}

	prs := make([]activity.PullRequest, 0, len(records))
	for _, record := range records {
		var payload pullRequestPayload
		if err := json.Unmarshal(record, &payload); err != nil {
			continue
		}
		prs = append(prs, activity.PullRequest{
			ID:         payload.ID,
			Title:      payload.Title,
			Author:     payload.Author.DisplayName,
			CreatedOn:  payload.CreatedOn,
			UpdatedOn:  payload.UpdatedOn,
			CommitsURL: payload.Links.Commits.Href,
		})
	}
	return prs, nil
}

type commitPayload struct {
	Hash   string    `json:"hash"`
	Date   time.Time `json:"date"`
	Author struct {
		Raw string `json:"raw"`
	} `json:"author"`
	Message string `json:"message"`
}

func commitsFromRecords(records []json.RawMessage) []activity.Commit {
	commits := make([]activity.Commit, 0, len(records))
	for _, record := range records {
		var payload commitPayload
		if err := json.Unmarshal(record, &payload); err != nil {
			continue
		}
		commits = append(commits, activity.Commit{
			Hash:      payload.Hash,
			Date:      payload.Date,
			RawAuthor: payload.Author.Raw,
			Message:   payload.Message,
		})
	}
	return commits
}

// ListPullRequestCommits lists the commits of one pull request, bounded by
// the commit page cap.
func (c *DataClient) ListPullRequestCommits(ctx context.Context, workspace, repo string, pr activity.PullRequest) ([]activity.Commit, error) {
	if err := requireRepo(workspace, repo); err != nil {
		return nil, err
	}

	commitsURL := strings.TrimSpace(pr.CommitsURL)
	if commitsURL == "" {
		commitsURL = c.endpoint(
			"repositories",
			url.PathEscape(workspace),
			url.PathEscape(repo),
			"pullrequests",
			strconv.Itoa(pr.ID),
			"commits",
		)
	}

	records, err := c.walkPages(ctx, commitsURL, c.commitsCap)
	if err != nil {
		return nil, fmt.Errorf("list commits for %s/%s pull request %d: %w", workspace, repo, pr.ID, err)
	}
	return commitsFromRecords(records), nil
}

// ListRepositoryCommits scans commits directly on the repository, bypassing
// the pull request graph, bounded by the commit page cap. When a username
// is given the server-side filter is tried first; if it yields no rows the
// scan falls back to the advanced query syntax matching the raw author
// string. Without a username the scan is unfiltered.
func (c *DataClient) ListRepositoryCommits(ctx context.Context, workspace, repo string, since time.Time, username string) ([]activity.Commit, error) {
	if err := requireRepo(workspace, repo); err != nil {
		return nil, err
	}

	startURL := c.endpoint("repositories", url.PathEscape(workspace), url.PathEscape(repo), "commits")

	buildQuery := func(filter string) string {
		query := url.Values{}
		query.Set("pagelen", strconv.Itoa(defaultPageLen))
		if !since.IsZero() {
			query.Set("q", fmt.Sprintf(`date >= %s`, since.UTC().Format(time.RFC3339)))
		}
		if filter != "" {
			query.Set(filter, username)
		}
		return startURL + "?" + query.Encode()
	}

	trimmedUser := strings.TrimSpace(username)
	if trimmedUser != "" {
		records, err := c.walkPages(ctx, buildQuery("username"), c.commitsCap)
		if err != nil {
			return nil, fmt.Errorf("list commits for %s/%s: %w", workspace, repo, err)
		}
		if len(records) > 0 {
			return commitsFromRecords(records), nil
		}

		// Server-side username filtering found nothing; fall back to
		// the advanced query syntax against the raw author string.
		c.logger.Debug("username filter returned no commits, using advanced query fallback",
			zap.String("repository", workspace+"/"+repo),
			zap.String("username", trimmedUser),
		)
		query := url.Values{}
		query.Set("pagelen", strconv.Itoa(defaultPageLen))
		filter := fmt.Sprintf(`author.raw ~ "%s"`, trimmedUser)
		if !since.IsZero() {
			filter = fmt.Sprintf(`%s AND date >= %s`, filter, since.UTC().Format(time.RFC3339))
		}
		query.Set("q", filter)
		records, err = c.walkPages(ctx, startURL+"?"+query.Encode(), c.commitsCap)
		if err != nil {
			return nil, fmt.Errorf("list commits for %s/%s: %w", workspace, repo, err)
		}
		return commitsFromRecords(records), nil
	}

	records, err := c.walkPages(ctx, buildQuery(""), c.commitsCap)
	if err != nil {
		return nil, fmt.Errorf("list commits for %s/%s: %w", workspace, repo, err)
	}
	return commitsFromRecords(records), nil
}

func (c *DataClient) endpoint(parts ...string) string {
	joined := *c.baseURL
	joined.Path = strings.TrimSuffix(joined.Path, "/") + "/" + strings.Join(parts, "/")
	return joined.String()
}

func requireRepo(workspace, repo string) error {
	if strings.TrimSpace(workspace) == "" {
		return fmt.Errorf("workspace is required")
	}
	if strings.TrimSpace(repo) == "" {
		return fmt.Errorf("repository is required")
	}
	return nil
}
