package clickup

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/devpulse/devpulse/internal/config"
	"github.com/devpulse/devpulse/internal/ratelimit"
	"github.com/devpulse/devpulse/internal/store"
)

const (
	// spaceConcurrency bounds the space fan-out. Kept lower than the GitLab
	// side because every space multiplies into folder and list requests
	// against the same 100 req/min budget.
	spaceConcurrency = 2

	// taskWindow is the trailing window of task updates synchronized.
	taskWindow = 30 * 24 * time.Hour

	// timeEntryWindow is the trailing window of time entries synchronized.
	timeEntryWindow = 30 * 24 * time.Hour
)

type Logger interface {
	Printf(format string, args ...any)
}

// Connector drives one full ClickUp ingestion pass: the space/folder/list
// hierarchy, tasks fanned out per assignee, team time entries, and recomputed
// per-user task and time totals.
type Connector struct {
	client   *Client
	store    store.Store
	teamID   string
	spaceIDs []string
	logger   Logger
	now      func() time.Time

	mu      sync.Mutex
	touched map[string]struct{}
}

type ConnectorOptions struct {
	HTTPClient *http.Client
	Clock      ratelimit.Clock
	Logger     Logger
	Now        func() time.Time
}

func NewConnector(cfg config.ClickUpConfig, st store.Store, opts ConnectorOptions) (*Connector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fmt.Errorf("%w: store is required", store.ErrInvalidInput)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Connector{
		client: NewClient(ClientOptions{
			BaseURL:    cfg.BaseURL,
			Token:      cfg.Token,
			HTTPClient: opts.HTTPClient,
			Clock:      opts.Clock,
		}),
		store:    st,
		teamID:   cfg.TeamID,
		spaceIDs: cfg.SpaceIDs,
		logger:   opts.Logger,
		now:      now,
	}, nil
}

func (c *Connector) Service() store.SyncService { return store.ServiceClickUp }

// Sync synchronizes every configured (or discovered) space, then the team's
// time entries, then recomputes task and time totals for every user a task or
// entry touched. One space's failure never aborts its siblings.
func (c *Connector) Sync(ctx context.Context) (processed, failed int, err error) {
	spaces, err := c.client.ListSpaces(ctx, c.teamID)
	if err != nil {
		return 0, 0, fmt.Errorf("discover spaces: %w", err)
	}
	spaces = c.filterSpaces(spaces)

	c.mu.Lock()
	c.touched = map[string]struct{}{}
	c.mu.Unlock()

	var (
		mu  sync.Mutex
		sem = semaphore.NewWeighted(spaceConcurrency)
		g   errgroup.Group
	)
	for _, space := range spaces {
		space := space
		if acquireErr := sem.Acquire(ctx, 1); acquireErr != nil {
			// Settle in-flight spaces before reading the shared counters;
			// no worker write may outlive the run.
			_ = g.Wait()
			return processed, failed, acquireErr
		}
		g.Go(func() error {
			defer sem.Release(1)
			count, skipped, syncErr := c.syncSpace(ctx, space)
			mu.Lock()
			defer mu.Unlock()
			processed += count
			failed += skipped
			if syncErr != nil {
				failed++
				c.logf("clickup: space %s sync failed: %v", space.ID, syncErr)
			}
			return nil
		})
	}
	_ = g.Wait()

	entryCount, entrySkipped, entryErr := c.syncTimeEntries(ctx)
	processed += entryCount
	failed += entrySkipped
	if entryErr != nil {
		failed++
		c.logf("clickup: time entry sync failed: %v", entryErr)
	}

	if totalsErr := c.refreshTouchedUsers(ctx); totalsErr != nil {
		failed++
		c.logf("clickup: totals recompute failed: %v", totalsErr)
	}
	return processed, failed, nil
}

func (c *Connector) filterSpaces(spaces []Space) []Space {
	if len(c.spaceIDs) == 0 {
		out := spaces[:0]
		for _, space := range spaces {
			if !space.Archived {
				out = append(out, space)
			}
		}
		return out
	}
	allowed := map[string]struct{}{}
	for _, id := range c.spaceIDs {
		allowed[id] = struct{}{}
	}
	var out []Space
	for _, space := range spaces {
		if _, ok := allowed[space.ID]; ok {
			out = append(out, space)
		}
	}
	return out
}

func (c *Connector) syncSpace(ctx context.Context, space Space) (processed, skipped int, err error) {
	folders, err := c.client.ListFolders(ctx, space.ID)
	if err != nil {
		return 0, 0, err
	}
	type listScope struct {
		list     List
		folderID string
	}
	var lists []listScope
	for _, folder := range folders {
		for _, list := range folder.Lists {
			lists = append(lists, listScope{list: list, folderID: folder.ID})
		}
	}
	folderless, err := c.client.ListFolderlessLists(ctx, space.ID)
	if err != nil {
		return 0, 0, err
	}
	for _, list := range folderless {
		lists = append(lists, listScope{list: list})
	}

	for _, scope := range lists {
		if scope.list.Archived {
			continue
		}
		count, listSkipped, listErr := c.syncList(ctx, space.ID, scope.folderID, scope.list)
		processed += count
		skipped += listSkipped
		if listErr != nil {
			skipped++
			c.logf("clickup: space %s list %s sync failed: %v", space.ID, scope.list.ID, listErr)
		}
	}
	return processed, skipped, nil
}

func (c *Connector) syncList(ctx context.Context, spaceID, folderID string, list List) (processed, skipped int, err error) {
	updatedSince := c.now().Add(-taskWindow)
	for page := 0; page < MaxPages; page++ {
		tasks, lastPage, listErr := c.client.ListTasks(ctx, list.ID, updatedSince, page)
		if listErr != nil {
			return processed, skipped, listErr
		}
		for _, task := range tasks {
			count, taskErr := c.processTask(ctx, spaceID, folderID, list.ID, task)
			if taskErr != nil {
				skipped++
				c.logf("clickup: list %s task %s skipped: %v", list.ID, task.ID, taskErr)
				continue
			}
			processed += count
		}
		if lastPage || len(tasks) < TaskPageSize {
			break
		}
	}
	return processed, skipped, nil
}

// processTask writes one Task row per assignee. Tasks with no resolvable
// assignee are attached to the reserved unassigned user so they stay
// queryable. Returns the number of rows written.
func (c *Connector) processTask(ctx context.Context, spaceID, folderID, listID string, task Task) (int, error) {
	if strings.TrimSpace(task.ID) == "" {
		return 0, fmt.Errorf("task without id")
	}

	record := store.Task{
		ID:              task.ID,
		Name:            task.Name,
		Description:     task.TextContent,
		Status:          mapStatus(task.Status),
		Priority:        mapPriority(task.Priority),
		ListID:          listID,
		FolderID:        folderID,
		SpaceID:         spaceID,
		CreatedAt:       task.DateCreated.Time(),
		EstimateMinutes: int(task.TimeEstimate / int64(time.Minute/time.Millisecond)),
		SpentMinutes:    int(task.TimeSpent / int64(time.Minute/time.Millisecond)),
	}
	if !task.DueDate.IsZero() {
		due := task.DueDate.Time()
		record.DueAt = &due
	}
	if !task.StartDate.IsZero() {
		started := task.StartDate.Time()
		record.StartedAt = &started
	}
	completed := task.DateDone
	if completed.IsZero() {
		completed = task.DateClosed
	}
	if !completed.IsZero() && record.Status.Completed() {
		done := completed.Time()
		record.CompletedAt = &done
	}

	var emails []string
	for _, assignee := range task.Assignees {
		email := strings.ToLower(strings.TrimSpace(assignee.Email))
		if email == "" {
			continue
		}
		if _, err := c.store.EnsureUser(ctx, store.User{
			Email:      email,
			Name:       assignee.Username,
			Username:   assignee.Username,
			AvatarURL:  assignee.ProfilePicture,
			ClickUpID:  assignee.ID,
			LastSeenAt: task.DateUpdated.Time(),
		}); err != nil {
			return 0, fmt.Errorf("resolve assignee %s: %w", email, err)
		}
		emails = append(emails, email)
	}
	if len(emails) == 0 {
		if _, err := c.store.EnsureUser(ctx, store.User{
			Email: store.UnassignedUserEmail,
			Name:  "Unassigned",
		}); err != nil {
			return 0, err
		}
		emails = append(emails, store.UnassignedUserEmail)
	}

	written := 0
	for _, email := range emails {
		row := record
		row.AssigneeEmail = email
		if err := c.store.UpsertTask(ctx, row); err != nil {
			return written, fmt.Errorf("upsert task %s for %s: %w", task.ID, email, err)
		}
		written++
		c.markTouched(email)
	}
	return written, nil
}

func (c *Connector) syncTimeEntries(ctx context.Context) (processed, skipped int, err error) {
	end := c.now()
	start := end.Add(-timeEntryWindow)
	entries, err := c.client.ListTimeEntries(ctx, c.teamID, start, end)
	if err != nil {
		return 0, 0, err
	}
	for _, entry := range entries {
		if entry.User == nil || strings.TrimSpace(entry.User.Email) == "" {
			skipped++
			c.logf("clickup: time entry %s skipped: no user email", entry.ID)
			continue
		}
		email := strings.ToLower(strings.TrimSpace(entry.User.Email))
		if _, ensureErr := c.store.EnsureUser(ctx, store.User{
			Email:      email,
			Name:       entry.User.Username,
			Username:   entry.User.Username,
			ClickUpID:  entry.User.ID,
			LastSeenAt: entry.End.Time(),
		}); ensureErr != nil {
			skipped++
			c.logf("clickup: time entry %s skipped: %v", entry.ID, ensureErr)
			continue
		}
		record := store.TimeEntry{
			ID:          entry.ID,
			UserEmail:   email,
			StartAt:     entry.Start.Time(),
			EndAt:       entry.End.Time(),
			Duration:    time.Duration(entry.Duration) * time.Millisecond,
			Description: entry.Description,
		}
		if entry.Task != nil {
			record.TaskID = entry.Task.ID
		}
		if upsertErr := c.store.UpsertTimeEntry(ctx, record); upsertErr != nil {
			skipped++
			c.logf("clickup: time entry %s skipped: %v", entry.ID, upsertErr)
			continue
		}
		processed++
		c.markTouched(email)
	}
	return processed, skipped, nil
}

// refreshTouchedUsers recomputes task and time totals from stored rows for
// every user this pass wrote to. Recomputing from source rows keeps re-runs
// convergent even when upstream edits or deletes history.
func (c *Connector) refreshTouchedUsers(ctx context.Context) error {
	c.mu.Lock()
	emails := make([]string, 0, len(c.touched))
	for email := range c.touched {
		emails = append(emails, email)
	}
	c.mu.Unlock()

	var firstErr error
	for _, email := range emails {
		if err := c.refreshUserTotals(ctx, email); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("recompute totals for %s: %w", email, err)
			}
			c.logf("clickup: totals for %s: %v", email, err)
		}
	}
	return firstErr
}

func (c *Connector) refreshUserTotals(ctx context.Context, email string) error {
	tasks, err := c.store.ListTasksByAssignee(ctx, email)
	if err != nil {
		return err
	}
	completed := 0
	for _, task := range tasks {
		if task.Status.Completed() {
			completed++
		}
	}
	if err := c.store.UpdateUserTaskTotals(ctx, email, completed); err != nil {
		return err
	}

	entries, err := c.store.ListTimeEntriesByUser(ctx, email, time.Time{}, time.Time{})
	if err != nil {
		return err
	}
	var total time.Duration
	for _, entry := range entries {
		total += entry.Duration
	}
	return c.store.UpdateUserTimeSpent(ctx, email, total)
}

func (c *Connector) markTouched(email string) {
	c.mu.Lock()
	c.touched[email] = struct{}{}
	c.mu.Unlock()
}

func (c *Connector) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}
