package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/devpulse/devpulse/internal/cache"
	"github.com/devpulse/devpulse/internal/store"
)

// snapshotTTL bounds staleness of cached window results between cycles.
const snapshotTTL = time.Hour

type Logger interface {
	Printf(format string, args ...any)
}

type Window string

const (
	WindowDaily   Window = "daily"
	WindowWeekly  Window = "weekly"
	WindowMonthly Window = "monthly"
)

var Windows = []Window{WindowDaily, WindowWeekly, WindowMonthly}

// Bounds returns the window's current range and the immediately preceding
// range of equal length. Daily means today since midnight UTC.
func (w Window) Bounds(now time.Time) (from, to, prevFrom, prevTo time.Time) {
	switch w {
	case WindowDaily:
		from = store.DateOf(now)
		return from, now, from.Add(-24 * time.Hour), from
	case WindowWeekly:
		from = now.Add(-7 * 24 * time.Hour)
		return from, now, now.Add(-14 * 24 * time.Hour), from
	default:
		from = now.Add(-30 * 24 * time.Hour)
		return from, now, now.Add(-60 * 24 * time.Hour), from
	}
}

// UserMetrics is one user's computed result for one window.
type UserMetrics struct {
	Email             string        `json:"email"`
	Window            Window        `json:"window"`
	From              time.Time     `json:"from"`
	To                time.Time     `json:"to"`
	Commits           int           `json:"commits"`
	LinesAdded        int           `json:"linesAdded"`
	LinesDeleted      int           `json:"linesDeleted"`
	FilesChanged      int           `json:"filesChanged"`
	TasksCompleted    int           `json:"tasksCompleted"`
	TasksInProgress   int           `json:"tasksInProgress"`
	AvgCompletionDays float64       `json:"avgCompletionDays"`
	TimeTracked       time.Duration `json:"timeTracked"`
	CodeScore         float64       `json:"codeScore"`
	TaskScore         float64       `json:"taskScore"`
	OverallScore      float64       `json:"overallScore"`
	CommitTrend       float64       `json:"commitTrend"`
	TaskTrend         float64       `json:"taskTrend"`
	ScoreTrend        float64       `json:"scoreTrend"`
	Rank              int           `json:"rank"`
	Percentile        float64       `json:"percentile"`

	// Prior-window raw values, kept for team aggregation within a cycle.
	// Not serialized; a cache round-trip loses them harmlessly.
	prevCommits        int
	prevTasksCompleted int
	prevOverall        float64
}

type TopPerformer struct {
	Email string  `json:"email"`
	Name  string  `json:"name"`
	Score float64 `json:"score"`
	Rank  int     `json:"rank"`
}

type ProjectSummary struct {
	ProjectID    int64  `json:"projectId"`
	Name         string `json:"name"`
	Commits      int    `json:"commits"`
	Contributors int    `json:"contributors"`
}

// TeamMetrics aggregates the same window across all active users.
type TeamMetrics struct {
	Window          Window           `json:"window"`
	From            time.Time        `json:"from"`
	To              time.Time        `json:"to"`
	ActiveUsers     int              `json:"activeUsers"`
	Commits         int              `json:"commits"`
	LinesAdded      int              `json:"linesAdded"`
	TasksCompleted  int              `json:"tasksCompleted"`
	TasksInProgress int              `json:"tasksInProgress"`
	TimeTracked     time.Duration    `json:"timeTracked"`
	AvgScore        float64          `json:"avgScore"`
	CommitTrend     float64          `json:"commitTrend"`
	TaskTrend       float64          `json:"taskTrend"`
	ScoreTrend      float64          `json:"scoreTrend"`
	TopPerformers   []TopPerformer   `json:"topPerformers"`
	Projects        []ProjectSummary `json:"projects"`
}

// Engine recomputes all window metrics from the canonical store. It reads
// source rows, never the connectors' interim counters, so late corrections
// from re-sync flow through on the next cycle.
type Engine struct {
	store  store.Store
	cache  cache.Cache
	logger Logger
	now    func() time.Time
	topN   int
}

type Options struct {
	Cache  cache.Cache
	Logger Logger
	Now    func() time.Time
	TopN   int
}

func NewEngine(st store.Store, opts Options) *Engine {
	c := opts.Cache
	if c == nil {
		c = cache.Noop{}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	topN := opts.TopN
	if topN <= 0 {
		topN = 5
	}
	return &Engine{store: st, cache: c, logger: opts.Logger, now: now, topN: topN}
}

// Recompute runs the full cycle: every window for every active user, team
// aggregates, persisted monthly scores, cached snapshots, and the daily team
// snapshot row. One user's failure is logged and skipped, never fatal.
func (e *Engine) Recompute(ctx context.Context) error {
	users, err := e.store.ListActiveUsers(ctx)
	if err != nil {
		return fmt.Errorf("list active users: %w", err)
	}
	now := e.now()

	for _, window := range Windows {
		results := make([]UserMetrics, 0, len(users))
		failed := 0
		for _, user := range users {
			m, userErr := e.computeUser(ctx, user.Email, window, now)
			if userErr != nil {
				failed++
				e.logf("metrics: user %s window %s skipped: %v", user.Email, window, userErr)
				continue
			}
			results = append(results, m)
		}

		scores := make([]float64, len(results))
		for i, m := range results {
			scores[i] = m.OverallScore
		}
		for i := range results {
			results[i].Rank = rankOf(results[i].OverallScore, scores)
			results[i].Percentile = percentileOf(results[i].Rank, len(results))
			e.cacheUser(ctx, results[i])
			if window == WindowMonthly {
				if scoreErr := e.store.SetUserProductivityScore(ctx, results[i].Email, results[i].OverallScore); scoreErr != nil {
					e.logf("metrics: persist score for %s: %v", results[i].Email, scoreErr)
				}
			}
		}

		team, teamErr := e.computeTeam(ctx, window, now, users, results)
		if teamErr != nil {
			e.logf("metrics: team window %s: %v", window, teamErr)
			continue
		}
		e.cacheTeam(ctx, team)
	}

	if snapErr := e.snapshot(ctx, now); snapErr != nil {
		e.logf("metrics: system snapshot: %v", snapErr)
	}
	return nil
}

// UserMetrics serves a cached snapshot when present and recomputes on a miss.
func (e *Engine) UserMetrics(ctx context.Context, email string, window Window) (UserMetrics, error) {
	key := userKey(email, window)
	if raw, ok := e.cache.Get(ctx, key); ok {
		var m UserMetrics
		if json.Unmarshal(raw, &m) == nil {
			return m, nil
		}
		e.cache.Delete(ctx, key)
	}
	m, err := e.computeUser(ctx, email, window, e.now())
	if err != nil {
		return UserMetrics{}, err
	}
	e.cacheUser(ctx, m)
	return m, nil
}

// TeamMetrics serves a cached snapshot when present and recomputes on a miss.
func (e *Engine) TeamMetrics(ctx context.Context, window Window) (TeamMetrics, error) {
	key := teamKey(window)
	if raw, ok := e.cache.Get(ctx, key); ok {
		var m TeamMetrics
		if json.Unmarshal(raw, &m) == nil {
			return m, nil
		}
		e.cache.Delete(ctx, key)
	}
	users, err := e.store.ListActiveUsers(ctx)
	if err != nil {
		return TeamMetrics{}, err
	}
	now := e.now()
	results := make([]UserMetrics, 0, len(users))
	for _, user := range users {
		m, userErr := e.computeUser(ctx, user.Email, window, now)
		if userErr != nil {
			e.logf("metrics: user %s window %s skipped: %v", user.Email, window, userErr)
			continue
		}
		results = append(results, m)
	}
	team, err := e.computeTeam(ctx, window, now, users, results)
	if err != nil {
		return TeamMetrics{}, err
	}
	e.cacheTeam(ctx, team)
	return team, nil
}

// activity is the raw windowed sample a score is computed from.
type activity struct {
	commits           int
	linesAdded        int
	linesDeleted      int
	filesChanged      int
	tasksCompleted    int
	tasksInProgress   int
	avgCompletionDays float64
	timeTracked       time.Duration
}

func (e *Engine) gather(ctx context.Context, email string, from, to time.Time) (activity, error) {
	var a activity

	commits, err := e.store.ListCommitsByAuthor(ctx, email, from, to)
	if err != nil {
		return a, err
	}
	a.commits = len(commits)
	for _, c := range commits {
		a.linesAdded += c.Additions
		a.linesDeleted += c.Deletions
		a.filesChanged += c.FilesChanged
	}

	tasks, err := e.store.ListTasksByAssignee(ctx, email)
	if err != nil {
		return a, err
	}
	var completionDays float64
	for _, t := range tasks {
		if t.Status == store.TaskInProgress {
			a.tasksInProgress++
		}
		if !t.Status.Completed() || t.CompletedAt == nil {
			continue
		}
		done := *t.CompletedAt
		if done.Before(from) || done.After(to) {
			continue
		}
		a.tasksCompleted++
		if !t.CreatedAt.IsZero() && done.After(t.CreatedAt) {
			completionDays += done.Sub(t.CreatedAt).Hours() / 24
		}
	}
	if a.tasksCompleted > 0 {
		a.avgCompletionDays = completionDays / float64(a.tasksCompleted)
	}

	entries, err := e.store.ListTimeEntriesByUser(ctx, email, from, to)
	if err != nil {
		return a, err
	}
	for _, entry := range entries {
		a.timeTracked += entry.Duration
	}
	return a, nil
}

func (e *Engine) computeUser(ctx context.Context, email string, window Window, now time.Time) (UserMetrics, error) {
	from, to, prevFrom, prevTo := window.Bounds(now)
	cur, err := e.gather(ctx, email, from, to)
	if err != nil {
		return UserMetrics{}, err
	}
	prev, err := e.gather(ctx, email, prevFrom, prevTo)
	if err != nil {
		return UserMetrics{}, err
	}

	code := codeSubScore(cur.commits, cur.linesAdded, cur.filesChanged)
	task := taskSubScore(cur.tasksCompleted, cur.avgCompletionDays, cur.tasksInProgress)
	overall := overallScore(code, task)

	prevOverall := overallScore(
		codeSubScore(prev.commits, prev.linesAdded, prev.filesChanged),
		taskSubScore(prev.tasksCompleted, prev.avgCompletionDays, prev.tasksInProgress),
	)

	return UserMetrics{
		Email:             email,
		Window:            window,
		From:              from,
		To:                to,
		Commits:           cur.commits,
		LinesAdded:        cur.linesAdded,
		LinesDeleted:      cur.linesDeleted,
		FilesChanged:      cur.filesChanged,
		TasksCompleted:    cur.tasksCompleted,
		TasksInProgress:   cur.tasksInProgress,
		AvgCompletionDays: cur.avgCompletionDays,
		TimeTracked:       cur.timeTracked,
		CodeScore:         code,
		TaskScore:         task,
		OverallScore:      overall,
		CommitTrend:       trendPercent(float64(cur.commits), float64(prev.commits)),
		TaskTrend:         trendPercent(float64(cur.tasksCompleted), float64(prev.tasksCompleted)),
		ScoreTrend:        trendPercent(overall, prevOverall),

		prevCommits:        prev.commits,
		prevTasksCompleted: prev.tasksCompleted,
		prevOverall:        prevOverall,
	}, nil
}

func (e *Engine) computeTeam(ctx context.Context, window Window, now time.Time, users []store.User, results []UserMetrics) (TeamMetrics, error) {
	from, to, _, _ := window.Bounds(now)
	team := TeamMetrics{
		Window:      window,
		From:        from,
		To:          to,
		ActiveUsers: len(users),
	}

	var scoreSum, prevScoreSum float64
	var prevCommits, prevTasks int
	names := map[string]string{}
	for _, u := range users {
		names[u.Email] = u.Name
	}
	scores := make([]float64, len(results))
	for i, m := range results {
		team.Commits += m.Commits
		team.LinesAdded += m.LinesAdded
		team.TasksCompleted += m.TasksCompleted
		team.TasksInProgress += m.TasksInProgress
		team.TimeTracked += m.TimeTracked
		scoreSum += m.OverallScore
		scores[i] = m.OverallScore

		prevCommits += m.prevCommits
		prevTasks += m.prevTasksCompleted
		prevScoreSum += m.prevOverall
	}
	if len(results) > 0 {
		team.AvgScore = scoreSum / float64(len(results))
		team.CommitTrend = trendPercent(float64(team.Commits), float64(prevCommits))
		team.TaskTrend = trendPercent(float64(team.TasksCompleted), float64(prevTasks))
		team.ScoreTrend = trendPercent(team.AvgScore, prevScoreSum/float64(len(results)))
	}

	ranked := make([]UserMetrics, len(results))
	copy(ranked, results)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].OverallScore > ranked[j].OverallScore })
	for i, m := range ranked {
		if i >= e.topN {
			break
		}
		team.TopPerformers = append(team.TopPerformers, TopPerformer{
			Email: m.Email,
			Name:  names[m.Email],
			Score: m.OverallScore,
			Rank:  rankOf(m.OverallScore, scores),
		})
	}

	projects, err := e.store.ListProjects(ctx)
	if err != nil {
		return TeamMetrics{}, err
	}
	for _, p := range projects {
		commits, listErr := e.store.ListCommitsByProject(ctx, p.ID, from, to)
		if listErr != nil {
			e.logf("metrics: project %d window %s: %v", p.ID, window, listErr)
			continue
		}
		authors := map[string]struct{}{}
		for _, c := range commits {
			authors[c.AuthorEmail] = struct{}{}
		}
		team.Projects = append(team.Projects, ProjectSummary{
			ProjectID:    p.ID,
			Name:         p.Name,
			Commits:      len(commits),
			Contributors: len(authors),
		})
	}
	return team, nil
}

// snapshot upserts the daily team totals row from cumulative user counters.
func (e *Engine) snapshot(ctx context.Context, now time.Time) error {
	users, err := e.store.ListActiveUsers(ctx)
	if err != nil {
		return err
	}
	totalUsers, err := e.store.CountUsers(ctx)
	if err != nil {
		return err
	}
	projects, err := e.store.ListProjects(ctx)
	if err != nil {
		return err
	}
	snap := store.SystemMetrics{
		Date:          store.DateOf(now),
		TotalUsers:    totalUsers,
		ActiveUsers:   len(users),
		TotalProjects: len(projects),
	}
	var scoreSum float64
	for _, u := range users {
		snap.TotalCommits += u.TotalCommits
		snap.TasksCompleted += u.TasksCompleted
		snap.TimeTracked += u.TotalTimeSpent
		scoreSum += u.ProductivityScore

		tasks, taskErr := e.store.ListTasksByAssignee(ctx, u.Email)
		if taskErr != nil {
			e.logf("metrics: snapshot tasks for %s: %v", u.Email, taskErr)
			continue
		}
		snap.TotalTasks += len(tasks)
	}
	if len(users) > 0 {
		snap.AvgProductivityScore = scoreSum / float64(len(users))
	}
	return e.store.UpsertSystemMetrics(ctx, snap)
}

func (e *Engine) cacheUser(ctx context.Context, m UserMetrics) {
	raw, err := json.Marshal(m)
	if err != nil {
		return
	}
	e.cache.Set(ctx, userKey(m.Email, m.Window), raw, snapshotTTL)
}

func (e *Engine) cacheTeam(ctx context.Context, m TeamMetrics) {
	raw, err := json.Marshal(m)
	if err != nil {
		return
	}
	e.cache.Set(ctx, teamKey(m.Window), raw, snapshotTTL)
}

func userKey(email string, window Window) string {
	return fmt.Sprintf("metrics:user:%s:%s", email, window)
}

func teamKey(window Window) string {
	return fmt.Sprintf("metrics:team:%s", window)
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}
