package gitlab

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/devpulse/devpulse/internal/fetch"
	"github.com/devpulse/devpulse/internal/ratelimit"
)

// Client wraps the GitLab REST API behind the rate-limited fetcher.
type Client struct {
	api *fetch.Client
}

type ClientOptions struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	Clock      ratelimit.Clock
}

func NewClient(opts ClientOptions) *Client {
	limiter := ratelimit.New(ratelimit.Options{
		Interval: requestInterval,
		Clock:    opts.Clock,
	})
	return &Client{
		api: fetch.NewClient(fetch.Options{
			BaseURL:    opts.BaseURL + DefaultAPIEndpoint,
			AuthHeader: "PRIVATE-TOKEN",
			AuthValue:  opts.Token,
			HTTPClient: opts.HTTPClient,
			Limiter:    limiter,
		}),
	}
}

// ListAccessibleProjects pages through every project visible to the
// credential. Used only when no explicit project allow-list is configured.
func (c *Client) ListAccessibleProjects(ctx context.Context) ([]int64, error) {
	var ids []int64
	for page := 1; page <= MaxPages; page++ {
		q := url.Values{}
		q.Set("membership", "true")
		q.Set("simple", "true")
		q.Set("per_page", strconv.Itoa(MaxPageSize))
		q.Set("page", strconv.Itoa(page))
		var projects []Project
		if err := c.api.GetJSON(ctx, "/projects", q, &projects); err != nil {
			return nil, fmt.Errorf("list projects page %d: %w", page, err)
		}
		for _, p := range projects {
			ids = append(ids, p.ID)
		}
		if len(projects) < MaxPageSize {
			break
		}
	}
	return ids, nil
}

// GetProject fetches project detail including repository statistics.
func (c *Client) GetProject(ctx context.Context, projectID int64) (Project, error) {
	q := url.Values{}
	q.Set("statistics", "true")
	var p Project
	if err := c.api.GetJSON(ctx, fmt.Sprintf("/projects/%d", projectID), q, &p); err != nil {
		return Project{}, fmt.Errorf("get project %d: %w", projectID, err)
	}
	return p, nil
}

// ListCommits returns one page of commits authored since the given time,
// newest first, with diff stats included where the API provides them.
func (c *Client) ListCommits(ctx context.Context, projectID int64, since time.Time, page, perPage int) ([]Commit, error) {
	q := url.Values{}
	q.Set("since", since.UTC().Format(time.RFC3339))
	q.Set("page", strconv.Itoa(page))
	q.Set("per_page", strconv.Itoa(perPage))
	q.Set("with_stats", "true")
	var commits []Commit
	if err := c.api.GetJSON(ctx, fmt.Sprintf("/projects/%d/repository/commits", projectID), q, &commits); err != nil {
		return nil, fmt.Errorf("list commits project %d page %d: %w", projectID, page, err)
	}
	return commits, nil
}

// GetCommit fetches a single commit, which always carries diff stats.
func (c *Client) GetCommit(ctx context.Context, projectID int64, sha string) (Commit, error) {
	var commit Commit
	path := fmt.Sprintf("/projects/%d/repository/commits/%s", projectID, url.PathEscape(sha))
	if err := c.api.GetJSON(ctx, path, nil, &commit); err != nil {
		return Commit{}, fmt.Errorf("get commit %s: %w", sha, err)
	}
	return commit, nil
}

// ListContributors returns the repository contributor summary: cumulative
// commit and line totals per author email.
func (c *Client) ListContributors(ctx context.Context, projectID int64) ([]Contributor, error) {
	var contributors []Contributor
	if err := c.api.GetJSON(ctx, fmt.Sprintf("/projects/%d/repository/contributors", projectID), nil, &contributors); err != nil {
		return nil, fmt.Errorf("list contributors project %d: %w", projectID, err)
	}
	return contributors, nil
}
