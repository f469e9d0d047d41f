package clickup

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

// Client wraps the ClickUp REST API behind the rate-limited fetcher. ClickUp
// expects the personal token bare in the Authorization header, no scheme.
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
			AuthHeader: "Authorization",
			AuthValue:  opts.Token,
			HTTPClient: opts.HTTPClient,
			Limiter:    limiter,
		}),
	}
}

func (c *Client) ListSpaces(ctx context.Context, teamID string) ([]Space, error) {
	var resp spacesResponse
	if err := c.api.GetJSON(ctx, fmt.Sprintf("/team/%s/space", url.PathEscape(teamID)), nil, &resp); err != nil {
		return nil, fmt.Errorf("list spaces for team %s: %w", teamID, err)
	}
	return resp.Spaces, nil
}

func (c *Client) ListFolders(ctx context.Context, spaceID string) ([]Folder, error) {
	var resp foldersResponse
	if err := c.api.GetJSON(ctx, fmt.Sprintf("/space/%s/folder", url.PathEscape(spaceID)), nil, &resp); err != nil {
		return nil, fmt.Errorf("list folders for space %s: %w", spaceID, err)
	}
	return resp.Folders, nil
}

// ListFolderlessLists returns the lists attached directly to a space, outside
// any folder.
func (c *Client) ListFolderlessLists(ctx context.Context, spaceID string) ([]List, error) {
	var resp listsResponse
	if err := c.api.GetJSON(ctx, fmt.Sprintf("/space/%s/list", url.PathEscape(spaceID)), nil, &resp); err != nil {
		return nil, fmt.Errorf("list folderless lists for space %s: %w", spaceID, err)
	}
	return resp.Lists, nil
}

// ListTasks returns one page of a list's tasks updated since the given time.
// Pages are zero-indexed; lastPage is the API's own end-of-results marker.
func (c *Client) ListTasks(ctx context.Context, listID string, updatedSince time.Time, page int) (tasks []Task, lastPage bool, err error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("include_closed", "true")
	q.Set("subtasks", "true")
	if !updatedSince.IsZero() {
		q.Set("date_updated_gt", strconv.FormatInt(updatedSince.UnixMilli(), 10))
	}
	var resp tasksResponse
	if err := c.api.GetJSON(ctx, fmt.Sprintf("/list/%s/task", url.PathEscape(listID)), q, &resp); err != nil {
		return nil, false, fmt.Errorf("list tasks for list %s page %d: %w", listID, page, err)
	}
	return resp.Tasks, resp.LastPage, nil
}

// ListTimeEntries returns the team's time entries within [start, end].
func (c *Client) ListTimeEntries(ctx context.Context, teamID string, start, end time.Time) ([]TimeEntry, error) {
	q := url.Values{}
	q.Set("start_date", strconv.FormatInt(start.UnixMilli(), 10))
	q.Set("end_date", strconv.FormatInt(end.UnixMilli(), 10))
	var resp timeEntriesResponse
	if err := c.api.GetJSON(ctx, fmt.Sprintf("/team/%s/time_entries", url.PathEscape(teamID)), q, &resp); err != nil {
		return nil, fmt.Errorf("list time entries for team %s: %w", teamID, err)
	}
	return resp.Data, nil
}
