package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is the reference Store implementation. It backs tests and the
// cacheless local profile; the Postgres implementation mirrors its semantics.
type MemoryStore struct {
	mu  sync.RWMutex
	now func() time.Time

	users         map[string]*memoryRow[User]
	projects      map[int64]*memoryRow[Project]
	commits       map[string]*memoryRow[Commit]
	tasks         map[taskKey]*memoryRow[Task]
	timeEntries   map[string]*memoryRow[TimeEntry]
	codeStats     map[codeStatsKey]CodeStats
	syncLogs      map[string]SyncLog
	systemMetrics map[time.Time]SystemMetrics
}

type memoryRow[T any] struct {
	value     T
	touchedAt time.Time
}

type taskKey struct {
	id       string
	assignee string
}

type codeStatsKey struct {
	email     string
	projectID int64
	date      time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:           time.Now,
		users:         map[string]*memoryRow[User]{},
		projects:      map[int64]*memoryRow[Project]{},
		commits:       map[string]*memoryRow[Commit]{},
		tasks:         map[taskKey]*memoryRow[Task]{},
		timeEntries:   map[string]*memoryRow[TimeEntry]{},
		codeStats:     map[codeStatsKey]CodeStats{},
		syncLogs:      map[string]SyncLog{},
		systemMetrics: map[time.Time]SystemMetrics{},
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) EnsureUser(ctx context.Context, u User) (User, error) {
	email := normalizeEmail(u.Email)
	if email == "" {
		return User{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.users[email]
	if !ok {
		u.Email = email
		u.Active = true
		if u.LastSeenAt.IsZero() {
			u.LastSeenAt = s.now()
		}
		s.users[email] = &memoryRow[User]{value: u, touchedAt: s.now()}
		return u, nil
	}

	existing := row.value
	if u.Name != "" {
		existing.Name = u.Name
	}
	if u.Username != "" {
		existing.Username = u.Username
	}
	if u.AvatarURL != "" {
		existing.AvatarURL = u.AvatarURL
	}
	if u.GitLabID != 0 {
		existing.GitLabID = u.GitLabID
	}
	if u.ClickUpID != 0 {
		existing.ClickUpID = u.ClickUpID
	}
	if u.LastSeenAt.After(existing.LastSeenAt) {
		existing.LastSeenAt = u.LastSeenAt
	}
	row.value = existing
	row.touchedAt = s.now()
	return existing, nil
}

func (s *MemoryStore) GetUser(ctx context.Context, email string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.users[normalizeEmail(email)]
	if !ok {
		return User{}, ErrNotFound
	}
	return row.value, nil
}

func (s *MemoryStore) ListActiveUsers(ctx context.Context) ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]User, 0, len(s.users))
	for _, row := range s.users {
		if row.value.Active {
			users = append(users, row.value)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Email < users[j].Email })
	return users, nil
}

func (s *MemoryStore) SetUserActive(ctx context.Context, email string, active bool) error {
	return s.mutateUser(email, func(u *User) {
		u.Active = active
	})
}

func (s *MemoryStore) CountUsers(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users), nil
}

func (s *MemoryStore) UpdateUserCodeTotals(ctx context.Context, email string, commits, linesAdded, linesDeleted int) error {
	return s.mutateUser(email, func(u *User) {
		u.TotalCommits = commits
		u.TotalLinesAdded = linesAdded
		u.TotalLinesDeleted = linesDeleted
	})
}

func (s *MemoryStore) UpdateUserTaskTotals(ctx context.Context, email string, tasksCompleted int) error {
	return s.mutateUser(email, func(u *User) {
		u.TasksCompleted = tasksCompleted
	})
}

func (s *MemoryStore) UpdateUserTimeSpent(ctx context.Context, email string, total time.Duration) error {
	return s.mutateUser(email, func(u *User) {
		u.TotalTimeSpent = total
	})
}

func (s *MemoryStore) SetUserProductivityScore(ctx context.Context, email string, score float64) error {
	return s.mutateUser(email, func(u *User) {
		u.ProductivityScore = score
	})
}

func (s *MemoryStore) mutateUser(email string, mutate func(*User)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.users[normalizeEmail(email)]
	if !ok {
		return ErrNotFound
	}
	mutate(&row.value)
	row.touchedAt = s.now()
	return nil
}

func (s *MemoryStore) UpsertProject(ctx context.Context, p Project) error {
	if p.ID == 0 {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[p.ID] = &memoryRow[Project]{value: p, touchedAt: s.now()}
	return nil
}

func (s *MemoryStore) GetProject(ctx context.Context, id int64) (Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.projects[id]
	if !ok {
		return Project{}, ErrNotFound
	}
	return row.value, nil
}

func (s *MemoryStore) ListProjects(ctx context.Context) ([]Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	projects := make([]Project, 0, len(s.projects))
	for _, row := range s.projects {
		projects = append(projects, row.value)
	}
	sort.Slice(projects, func(i, j int) bool { return projects[i].ID < projects[j].ID })
	return projects, nil
}

func (s *MemoryStore) UpsertCommit(ctx context.Context, c Commit) error {
	if strings.TrimSpace(c.Hash) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits[c.Hash] = &memoryRow[Commit]{value: c, touchedAt: s.now()}
	return nil
}

func (s *MemoryStore) GetCommit(ctx context.Context, hash string) (Commit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.commits[hash]
	if !ok {
		return Commit{}, ErrNotFound
	}
	return row.value, nil
}

func (s *MemoryStore) ListCommitsByAuthor(ctx context.Context, email string, from, to time.Time) ([]Commit, error) {
	email = normalizeEmail(email)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var commits []Commit
	for _, row := range s.commits {
		c := row.value
		if normalizeEmail(c.AuthorEmail) == email && inRange(c.AuthoredAt, from, to) {
			commits = append(commits, c)
		}
	}
	sortCommits(commits)
	return commits, nil
}

func (s *MemoryStore) ListCommitsByProject(ctx context.Context, projectID int64, from, to time.Time) ([]Commit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var commits []Commit
	for _, row := range s.commits {
		c := row.value
		if c.ProjectID == projectID && inRange(c.AuthoredAt, from, to) {
			commits = append(commits, c)
		}
	}
	sortCommits(commits)
	return commits, nil
}

func (s *MemoryStore) UpsertTask(ctx context.Context, t Task) error {
	if strings.TrimSpace(t.ID) == "" {
		return ErrInvalidInput
	}
	t.AssigneeEmail = normalizeEmail(t.AssigneeEmail)
	if t.AssigneeEmail == "" {
		t.AssigneeEmail = UnassignedUserEmail
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := taskKey{id: t.ID, assignee: t.AssigneeEmail}
	s.tasks[key] = &memoryRow[Task]{value: t, touchedAt: s.now()}
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *Task
	for key, row := range s.tasks {
		if key.id != id {
			continue
		}
		task := row.value
		if found == nil || task.AssigneeEmail < found.AssigneeEmail {
			found = &task
		}
	}
	if found == nil {
		return Task{}, ErrNotFound
	}
	return *found, nil
}

func (s *MemoryStore) ListTasksByAssignee(ctx context.Context, email string) ([]Task, error) {
	email = normalizeEmail(email)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var tasks []Task
	for _, row := range s.tasks {
		if row.value.AssigneeEmail == email {
			tasks = append(tasks, row.value)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

func (s *MemoryStore) UpsertTimeEntry(ctx context.Context, e TimeEntry) error {
	if strings.TrimSpace(e.ID) == "" {
		return ErrInvalidInput
	}
	e.UserEmail = normalizeEmail(e.UserEmail)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeEntries[e.ID] = &memoryRow[TimeEntry]{value: e, touchedAt: s.now()}
	return nil
}

func (s *MemoryStore) ListTimeEntriesByUser(ctx context.Context, email string, from, to time.Time) ([]TimeEntry, error) {
	email = normalizeEmail(email)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var entries []TimeEntry
	for _, row := range s.timeEntries {
		e := row.value
		if e.UserEmail == email && inRange(e.StartAt, from, to) {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].StartAt.Before(entries[j].StartAt) })
	return entries, nil
}

func (s *MemoryStore) UpsertCodeStats(ctx context.Context, stats CodeStats) error {
	email := normalizeEmail(stats.UserEmail)
	if email == "" || stats.ProjectID == 0 {
		return ErrInvalidInput
	}
	stats.UserEmail = email
	stats.Date = DateOf(stats.Date)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codeStats[codeStatsKey{email: email, projectID: stats.ProjectID, date: stats.Date}] = stats
	return nil
}

func (s *MemoryStore) ListCodeStats(ctx context.Context, email string, from, to time.Time) ([]CodeStats, error) {
	email = normalizeEmail(email)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stats []CodeStats
	for key, value := range s.codeStats {
		if key.email == email && inRange(value.Date, DateOf(from), to) {
			stats = append(stats, value)
		}
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Date.Before(stats[j].Date) })
	return stats, nil
}

func (s *MemoryStore) CreateSyncLog(ctx context.Context, l SyncLog) error {
	if strings.TrimSpace(l.ID) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.syncLogs[l.ID]; exists {
		return ErrInvalidState
	}
	if l.Status == "" {
		l.Status = SyncRunning
	}
	s.syncLogs[l.ID] = l
	return nil
}

func (s *MemoryStore) CompleteSyncLog(ctx context.Context, id string, status SyncStatus, duration time.Duration, records int, message, errorDetail string) error {
	if !status.IsTerminal() {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	log, ok := s.syncLogs[id]
	if !ok {
		return ErrNotFound
	}
	if log.Status.IsTerminal() {
		return ErrInvalidState
	}
	completed := s.now()
	log.Status = status
	log.CompletedAt = &completed
	log.Duration = duration
	log.RecordsProcessed = records
	log.Message = message
	log.ErrorDetail = errorDetail
	s.syncLogs[id] = log
	return nil
}

func (s *MemoryStore) GetSyncLog(ctx context.Context, id string) (SyncLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log, ok := s.syncLogs[id]
	if !ok {
		return SyncLog{}, ErrNotFound
	}
	return log, nil
}

func (s *MemoryStore) ListSyncLogs(ctx context.Context, f SyncLogFilter) ([]SyncLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var logs []SyncLog
	for _, log := range s.syncLogs {
		if f.Service != "" && log.Service != f.Service {
			continue
		}
		if f.Status != "" && log.Status != f.Status {
			continue
		}
		if !f.Since.IsZero() && log.StartedAt.Before(f.Since) {
			continue
		}
		logs = append(logs, log)
	}
	sort.Slice(logs, func(i, j int) bool { return logs[i].StartedAt.After(logs[j].StartedAt) })
	if f.Limit > 0 && len(logs) > f.Limit {
		logs = logs[:f.Limit]
	}
	return logs, nil
}

func (s *MemoryStore) UpsertSystemMetrics(ctx context.Context, m SystemMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m.Date = DateOf(m.Date)
	s.systemMetrics[m.Date] = m
	return nil
}

// GetSystemMetrics is used by tests to verify snapshot contents.
func (s *MemoryStore) GetSystemMetrics(ctx context.Context, date time.Time) (SystemMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.systemMetrics[DateOf(date)]
	if !ok {
		return SystemMetrics{}, ErrNotFound
	}
	return m, nil
}

func (s *MemoryStore) CountRecordsSince(ctx context.Context, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, row := range s.users {
		if !row.touchedAt.Before(since) {
			count++
		}
	}
	for _, row := range s.projects {
		if !row.touchedAt.Before(since) {
			count++
		}
	}
	for _, row := range s.commits {
		if !row.touchedAt.Before(since) {
			count++
		}
	}
	for _, row := range s.tasks {
		if !row.touchedAt.Before(since) {
			count++
		}
	}
	for _, row := range s.timeEntries {
		if !row.touchedAt.Before(since) {
			count++
		}
	}
	return count, nil
}

// CountCommits and CountTasks support idempotency assertions in tests.
func (s *MemoryStore) CountCommits() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.commits)
}

func (s *MemoryStore) CountTasks() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tasks)
}

func (s *MemoryStore) CountTimeEntries() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.timeEntries)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func inRange(t, from, to time.Time) bool {
	if !from.IsZero() && t.Before(from) {
		return false
	}
	if !to.IsZero() && t.After(to) {
		return false
	}
	return true
}

func sortCommits(commits []Commit) {
	sort.Slice(commits, func(i, j int) bool {
		if commits[i].AuthoredAt.Equal(commits[j].AuthoredAt) {
			return commits[i].Hash < commits[j].Hash
		}
		return commits[i].AuthoredAt.Before(commits[j].AuthoredAt)
	})
}
