package gitlab

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
	// projectConcurrency bounds the project fan-out.
	projectConcurrency = 3

	// commitWindow is the trailing window commits are synchronized for.
	commitWindow = 30 * 24 * time.Hour

	// codeStatsWindow is the trailing window of daily rollups recomputed
	// after each project sync.
	codeStatsWindow = 7 * 24 * time.Hour
)

type Logger interface {
	Printf(format string, args ...any)
}

// Connector drives one full GitLab ingestion pass: projects, commits with
// diff stats, contributor reconciliation, daily code rollups, and an interim
// productivity estimate per touched user.
type Connector struct {
	client     *Client
	store      store.Store
	projectIDs []int64
	logger     Logger
	now        func() time.Time
}

type ConnectorOptions struct {
	HTTPClient *http.Client
	Clock      ratelimit.Clock
	Logger     Logger
	Now        func() time.Time
}

func NewConnector(cfg config.GitLabConfig, st store.Store, opts ConnectorOptions) (*Connector, error) {
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
		store:      st,
		projectIDs: cfg.ProjectIDs,
		logger:     opts.Logger,
		now:        now,
	}, nil
}

func (c *Connector) Service() store.SyncService { return store.ServiceGitLab }

// Sync synchronizes every configured (or discovered) project with a bounded
// fan-out. One project's failure never aborts its siblings; per-commit
// failures are logged and skipped. The returned error is non-nil only for
// connector-level failures such as project discovery being unreachable.
func (c *Connector) Sync(ctx context.Context) (processed, failed int, err error) {
	projectIDs := c.projectIDs
	if len(projectIDs) == 0 {
		projectIDs, err = c.client.ListAccessibleProjects(ctx)
		if err != nil {
			return 0, 0, fmt.Errorf("discover projects: %w", err)
		}
	}

	var (
		mu  sync.Mutex
		sem = semaphore.NewWeighted(projectConcurrency)
		g   errgroup.Group
	)
	for _, projectID := range projectIDs {
		projectID := projectID
		if acquireErr := sem.Acquire(ctx, 1); acquireErr != nil {
			// Settle in-flight projects before reading the shared counters;
			// no worker write may outlive the run.
			_ = g.Wait()
			return processed, failed, acquireErr
		}
		g.Go(func() error {
			defer sem.Release(1)
			count, skipped, syncErr := c.syncProject(ctx, projectID)
			mu.Lock()
			defer mu.Unlock()
			processed += count
			failed += skipped
			if syncErr != nil {
				failed++
				c.logf("gitlab: project %d sync failed: %v", projectID, syncErr)
			}
			return nil
		})
	}
	_ = g.Wait()
	return processed, failed, nil
}

func (c *Connector) syncProject(ctx context.Context, projectID int64) (processed, skipped int, err error) {
	project, err := c.client.GetProject(ctx, projectID)
	if err != nil {
		return 0, 0, err
	}
	record := store.Project{
		ID:         project.ID,
		Name:       project.Name,
		Visibility: project.Visibility,
		WebURL:     project.WebURL,
	}
	if project.Namespace != nil {
		record.Namespace = project.Namespace.FullPath
	}
	if project.LastActivityAt != nil {
		record.LastActivityAt = *project.LastActivityAt
	}
	if project.Statistics != nil {
		record.TotalCommits = int(project.Statistics.CommitCount)
	}
	if err := c.store.UpsertProject(ctx, record); err != nil {
		return 0, 0, fmt.Errorf("upsert project %d: %w", projectID, err)
	}
	processed++

	since := c.now().Add(-commitWindow)
	for page := 1; page <= MaxPages; page++ {
		commits, listErr := c.client.ListCommits(ctx, projectID, since, page, MaxPageSize)
		if listErr != nil {
			return processed, skipped, listErr
		}
		for _, commit := range commits {
			if commitErr := c.processCommit(ctx, projectID, commit); commitErr != nil {
				skipped++
				c.logf("gitlab: project %d commit %s skipped: %v", projectID, commit.ID, commitErr)
				continue
			}
			processed++
		}
		if len(commits) < MaxPageSize {
			break
		}
	}

	if reconcileErr := c.reconcileContributors(ctx, projectID); reconcileErr != nil {
		c.logf("gitlab: project %d contributor reconciliation failed: %v", projectID, reconcileErr)
		skipped++
	}
	if statsErr := c.recomputeCodeStats(ctx, projectID); statsErr != nil {
		c.logf("gitlab: project %d code stats recompute failed: %v", projectID, statsErr)
		skipped++
	}
	return processed, skipped, nil
}

func (c *Connector) processCommit(ctx context.Context, projectID int64, commit Commit) error {
	if strings.TrimSpace(commit.ID) == "" {
		return fmt.Errorf("commit without hash")
	}
	email := strings.ToLower(strings.TrimSpace(commit.AuthorEmail))
	if email == "" {
		return fmt.Errorf("commit %s has no author email", commit.ID)
	}

	authored := c.now()
	if commit.AuthoredDate != nil {
		authored = *commit.AuthoredDate
	}
	user, err := c.store.EnsureUser(ctx, store.User{
		Email:      email,
		Name:       commit.AuthorName,
		LastSeenAt: authored,
	})
	if err != nil {
		return fmt.Errorf("resolve author %s: %w", email, err)
	}

	// A present-but-zero stats object is a legitimately empty commit; only a
	// missing object warrants the extra per-commit request.
	stats := commit.Stats
	if stats == nil {
		detailed, fetchErr := c.client.GetCommit(ctx, projectID, commit.ID)
		if fetchErr != nil {
			return fetchErr
		}
		stats = detailed.Stats
	}
	additions, deletions := 0, 0
	if stats != nil {
		additions = stats.Additions
		deletions = stats.Deletions
	}

	if err := c.store.UpsertCommit(ctx, store.Commit{
		Hash:         commit.ID,
		ProjectID:    projectID,
		AuthorEmail:  email,
		AuthorName:   commit.AuthorName,
		Message:      commit.Message,
		AuthoredAt:   authored,
		Additions:    additions,
		Deletions:    deletions,
		FilesChanged: estimateFilesChanged(additions, deletions),
	}); err != nil {
		return fmt.Errorf("upsert commit %s: %w", commit.ID, err)
	}

	return c.refreshUserActivity(ctx, user.Email)
}

// refreshUserActivity recomputes the author's cumulative code totals from
// stored commits and writes an interim productivity estimate from a rolling
// 30-day activity sample. The metrics engine recomputes the authoritative
// score after the full cycle.
func (c *Connector) refreshUserActivity(ctx context.Context, email string) error {
	commits, err := c.store.ListCommitsByAuthor(ctx, email, time.Time{}, time.Time{})
	if err != nil {
		return err
	}
	totalAdded, totalDeleted := 0, 0
	for _, commit := range commits {
		totalAdded += commit.Additions
		totalDeleted += commit.Deletions
	}
	if err := c.store.UpdateUserCodeTotals(ctx, email, len(commits), totalAdded, totalDeleted); err != nil {
		return err
	}

	windowStart := c.now().Add(-commitWindow)
	recentCommits := 0
	for _, commit := range commits {
		if !commit.AuthoredAt.Before(windowStart) {
			recentCommits++
		}
	}
	tasks, err := c.store.ListTasksByAssignee(ctx, email)
	if err != nil {
		return err
	}
	recentCompleted := 0
	for _, task := range tasks {
		if task.Status.Completed() && task.CompletedAt != nil && !task.CompletedAt.Before(windowStart) {
			recentCompleted++
		}
	}
	entries, err := c.store.ListTimeEntriesByUser(ctx, email, windowStart, time.Time{})
	if err != nil {
		return err
	}
	var tracked time.Duration
	for _, entry := range entries {
		tracked += entry.Duration
	}

	score := interimScore(recentCommits, recentCompleted, tracked)
	return c.store.SetUserProductivityScore(ctx, email, score)
}

// interimScore is the connector's fast estimate: commit activity up to 400
// points (capped at 10 commits / 30 days), task completions up to 500 (capped
// at 5), tracked time up to 100 (capped at 100 hours), scaled to [0,100].
func interimScore(commits, tasksCompleted int, tracked time.Duration) float64 {
	commitPoints := ratio(float64(commits), 10) * 400
	taskPoints := ratio(float64(tasksCompleted), 5) * 500
	timePoints := ratio(tracked.Hours(), 100) * 100
	return (commitPoints + taskPoints + timePoints) / 10
}

func ratio(value, cap float64) float64 {
	if value <= 0 {
		return 0
	}
	if value >= cap {
		return 1
	}
	return value / cap
}

// reconcileContributors resolves every contributor into a User row. Totals
// are not taken from the summary: cumulative counters are recomputed from
// stored commits so amended upstream history self-heals on re-sync.
func (c *Connector) reconcileContributors(ctx context.Context, projectID int64) error {
	contributors, err := c.client.ListContributors(ctx, projectID)
	if err != nil {
		return err
	}
	for _, contributor := range contributors {
		email := strings.ToLower(strings.TrimSpace(contributor.Email))
		if email == "" {
			continue
		}
		user, ensureErr := c.store.EnsureUser(ctx, store.User{Email: email, Name: contributor.Name})
		if ensureErr != nil {
			c.logf("gitlab: project %d contributor %s skipped: %v", projectID, email, ensureErr)
			continue
		}
		if refreshErr := c.refreshUserActivity(ctx, user.Email); refreshErr != nil {
			c.logf("gitlab: project %d contributor %s totals: %v", projectID, email, refreshErr)
		}
	}
	return nil
}

// recomputeCodeStats re-aggregates the project's commits into daily per-user
// rollups for the trailing week. Rows are derived and safe to overwrite.
func (c *Connector) recomputeCodeStats(ctx context.Context, projectID int64) error {
	from := store.DateOf(c.now().Add(-codeStatsWindow))
	commits, err := c.store.ListCommitsByProject(ctx, projectID, from, time.Time{})
	if err != nil {
		return err
	}
	type statsKey struct {
		email string
		date  time.Time
	}
	rollups := map[statsKey]*store.CodeStats{}
	for _, commit := range commits {
		key := statsKey{email: commit.AuthorEmail, date: store.DateOf(commit.AuthoredAt)}
		rollup, ok := rollups[key]
		if !ok {
			rollup = &store.CodeStats{
				UserEmail: key.email,
				ProjectID: projectID,
				Date:      key.date,
			}
			rollups[key] = rollup
		}
		rollup.Commits++
		rollup.LinesAdded += commit.Additions
		rollup.LinesDeleted += commit.Deletions
		rollup.FilesChanged += commit.FilesChanged
	}
	for _, rollup := range rollups {
		if err := c.store.UpsertCodeStats(ctx, *rollup); err != nil {
			return err
		}
	}
	return nil
}

// estimateFilesChanged approximates touched files from line churn; the
// commits API does not report a file count without fetching each diff.
func estimateFilesChanged(additions, deletions int) int {
	lines := additions + deletions
	if lines <= 0 {
		return 0
	}
	files := (lines + 24) / 25
	if files < 1 {
		files = 1
	}
	return files
}

func (c *Connector) logf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Printf(format, args...)
}
