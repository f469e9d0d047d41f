package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const postgresOperationTimeout = 5 * time.Second

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore persists the canonical model in Postgres. Schema is
// provisioned lazily on first use; every write is an ON CONFLICT upsert so
// concurrent and replayed syncs converge without pessimistic locking.
type PostgresStore struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{dsn: dsn, openDB: sql.Open}, nil
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		email TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		username TEXT NOT NULL DEFAULT '',
		avatar_url TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		last_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		gitlab_id BIGINT NOT NULL DEFAULT 0,
		clickup_id BIGINT NOT NULL DEFAULT 0,
		total_commits INTEGER NOT NULL DEFAULT 0,
		total_lines_added INTEGER NOT NULL DEFAULT 0,
		total_lines_deleted INTEGER NOT NULL DEFAULT 0,
		tasks_completed INTEGER NOT NULL DEFAULT 0,
		total_time_spent_seconds BIGINT NOT NULL DEFAULT 0,
		productivity_score DOUBLE PRECISION NOT NULL DEFAULT 0,
		touched_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS projects (
		id BIGINT PRIMARY KEY,
		name TEXT NOT NULL,
		namespace TEXT NOT NULL DEFAULT '',
		visibility TEXT NOT NULL DEFAULT '',
		web_url TEXT NOT NULL DEFAULT '',
		last_activity_at TIMESTAMPTZ,
		total_commits INTEGER NOT NULL DEFAULT 0,
		touched_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS commits (
		hash TEXT PRIMARY KEY,
		project_id BIGINT NOT NULL,
		author_email TEXT NOT NULL,
		author_name TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		authored_at TIMESTAMPTZ NOT NULL,
		additions INTEGER NOT NULL DEFAULT 0,
		deletions INTEGER NOT NULL DEFAULT 0,
		files_changed INTEGER NOT NULL DEFAULT 0,
		touched_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS commits_author_authored_idx ON commits (author_email, authored_at)`,
	`CREATE INDEX IF NOT EXISTS commits_project_authored_idx ON commits (project_id, authored_at)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT NOT NULL,
		assignee_email TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		priority TEXT NOT NULL DEFAULT '',
		list_id TEXT NOT NULL DEFAULT '',
		folder_id TEXT NOT NULL DEFAULT '',
		space_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		due_at TIMESTAMPTZ,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		estimate_minutes INTEGER NOT NULL DEFAULT 0,
		spent_minutes INTEGER NOT NULL DEFAULT 0,
		touched_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (id, assignee_email)
	)`,
	`CREATE INDEX IF NOT EXISTS tasks_assignee_idx ON tasks (assignee_email)`,
	`CREATE TABLE IF NOT EXISTS time_entries (
		id TEXT PRIMARY KEY,
		user_email TEXT NOT NULL,
		task_id TEXT NOT NULL DEFAULT '',
		start_at TIMESTAMPTZ NOT NULL,
		end_at TIMESTAMPTZ,
		duration_seconds BIGINT NOT NULL DEFAULT 0,
		description TEXT NOT NULL DEFAULT '',
		touched_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS time_entries_user_start_idx ON time_entries (user_email, start_at)`,
	`CREATE TABLE IF NOT EXISTS code_stats (
		user_email TEXT NOT NULL,
		project_id BIGINT NOT NULL,
		date DATE NOT NULL,
		lines_added INTEGER NOT NULL DEFAULT 0,
		lines_deleted INTEGER NOT NULL DEFAULT 0,
		files_changed INTEGER NOT NULL DEFAULT 0,
		commits INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (user_email, project_id, date)
	)`,
	`CREATE TABLE IF NOT EXISTS sync_logs (
		id TEXT PRIMARY KEY,
		service TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ,
		duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
		records_processed INTEGER NOT NULL DEFAULT 0,
		message TEXT NOT NULL DEFAULT '',
		error_detail TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS sync_logs_started_idx ON sync_logs (started_at)`,
	`CREATE TABLE IF NOT EXISTS system_metrics (
		date DATE PRIMARY KEY,
		total_users INTEGER NOT NULL DEFAULT 0,
		active_users INTEGER NOT NULL DEFAULT 0,
		total_projects INTEGER NOT NULL DEFAULT 0,
		total_commits INTEGER NOT NULL DEFAULT 0,
		total_tasks INTEGER NOT NULL DEFAULT 0,
		tasks_completed INTEGER NOT NULL DEFAULT 0,
		time_tracked_seconds BIGINT NOT NULL DEFAULT 0,
		avg_productivity_score DOUBLE PRECISION NOT NULL DEFAULT 0
	)`,
}

func (s *PostgresStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		for _, stmt := range postgresSchema {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				s.initErr = fmt.Errorf("provision schema: %w", err)
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) EnsureUser(ctx context.Context, u User) (User, error) {
	email := normalizeEmail(u.Email)
	if email == "" {
		return User{}, ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return User{}, err
	}
	lastSeen := u.LastSeenAt
	if lastSeen.IsZero() {
		lastSeen = time.Now()
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO users (email, name, username, avatar_url, active, last_seen_at, gitlab_id, clickup_id, touched_at)
		VALUES ($1, $2, $3, $4, TRUE, $5, $6, $7, NOW())
		ON CONFLICT (email) DO UPDATE SET
			name = COALESCE(NULLIF(EXCLUDED.name, ''), users.name),
			username = COALESCE(NULLIF(EXCLUDED.username, ''), users.username),
			avatar_url = COALESCE(NULLIF(EXCLUDED.avatar_url, ''), users.avatar_url),
			gitlab_id = CASE WHEN EXCLUDED.gitlab_id <> 0 THEN EXCLUDED.gitlab_id ELSE users.gitlab_id END,
			clickup_id = CASE WHEN EXCLUDED.clickup_id <> 0 THEN EXCLUDED.clickup_id ELSE users.clickup_id END,
			last_seen_at = GREATEST(users.last_seen_at, EXCLUDED.last_seen_at),
			touched_at = NOW()
		RETURNING email, name, username, avatar_url, active, last_seen_at, gitlab_id, clickup_id,
			total_commits, total_lines_added, total_lines_deleted, tasks_completed,
			total_time_spent_seconds, productivity_score`,
		email, u.Name, u.Username, u.AvatarURL, lastSeen, u.GitLabID, u.ClickUpID)
	return scanUser(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (User, error) {
	var u User
	var timeSpentSeconds int64
	err := row.Scan(&u.Email, &u.Name, &u.Username, &u.AvatarURL, &u.Active, &u.LastSeenAt,
		&u.GitLabID, &u.ClickUpID, &u.TotalCommits, &u.TotalLinesAdded, &u.TotalLinesDeleted,
		&u.TasksCompleted, &timeSpentSeconds, &u.ProductivityScore)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, err
	}
	u.TotalTimeSpent = time.Duration(timeSpentSeconds) * time.Second
	return u, nil
}

const userColumns = `email, name, username, avatar_url, active, last_seen_at, gitlab_id, clickup_id,
	total_commits, total_lines_added, total_lines_deleted, tasks_completed,
	total_time_spent_seconds, productivity_score`

func (s *PostgresStore) GetUser(ctx context.Context, email string) (User, error) {
	if err := s.ensureReady(); err != nil {
		return User{}, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, normalizeEmail(email))
	return scanUser(row)
}

func (s *PostgresStore) ListActiveUsers(ctx context.Context) ([]User, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE active ORDER BY email`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *PostgresStore) SetUserActive(ctx context.Context, email string, active bool) error {
	return s.updateUser(ctx, `UPDATE users SET active = $2, touched_at = NOW() WHERE email = $1`,
		normalizeEmail(email), active)
}

func (s *PostgresStore) CountUsers(ctx context.Context) (int, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count)
	return count, err
}

func (s *PostgresStore) UpdateUserCodeTotals(ctx context.Context, email string, commits, linesAdded, linesDeleted int) error {
	return s.updateUser(ctx, `UPDATE users SET total_commits = $2, total_lines_added = $3, total_lines_deleted = $4, touched_at = NOW() WHERE email = $1`,
		normalizeEmail(email), commits, linesAdded, linesDeleted)
}

func (s *PostgresStore) UpdateUserTaskTotals(ctx context.Context, email string, tasksCompleted int) error {
	return s.updateUser(ctx, `UPDATE users SET tasks_completed = $2, touched_at = NOW() WHERE email = $1`,
		normalizeEmail(email), tasksCompleted)
}

func (s *PostgresStore) UpdateUserTimeSpent(ctx context.Context, email string, total time.Duration) error {
	return s.updateUser(ctx, `UPDATE users SET total_time_spent_seconds = $2, touched_at = NOW() WHERE email = $1`,
		normalizeEmail(email), int64(total/time.Second))
}

func (s *PostgresStore) SetUserProductivityScore(ctx context.Context, email string, score float64) error {
	return s.updateUser(ctx, `UPDATE users SET productivity_score = $2, touched_at = NOW() WHERE email = $1`,
		normalizeEmail(email), score)
}

func (s *PostgresStore) updateUser(ctx context.Context, query string, args ...any) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpsertProject(ctx context.Context, p Project) error {
	if p.ID == 0 {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, namespace, visibility, web_url, last_activity_at, total_commits, touched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			namespace = EXCLUDED.namespace,
			visibility = EXCLUDED.visibility,
			web_url = EXCLUDED.web_url,
			last_activity_at = EXCLUDED.last_activity_at,
			total_commits = EXCLUDED.total_commits,
			touched_at = NOW()`,
		p.ID, p.Name, p.Namespace, p.Visibility, p.WebURL, nullableTime(p.LastActivityAt), p.TotalCommits)
	return err
}

func (s *PostgresStore) GetProject(ctx context.Context, id int64) (Project, error) {
	if err := s.ensureReady(); err != nil {
		return Project{}, err
	}
	var p Project
	var lastActivity sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, namespace, visibility, web_url, last_activity_at, total_commits
		FROM projects WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.Namespace, &p.Visibility, &p.WebURL, &lastActivity, &p.TotalCommits)
	if errors.Is(err, sql.ErrNoRows) {
		return Project{}, ErrNotFound
	}
	if err != nil {
		return Project{}, err
	}
	if lastActivity.Valid {
		p.LastActivityAt = lastActivity.Time
	}
	return p, nil
}

func (s *PostgresStore) ListProjects(ctx context.Context) ([]Project, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, namespace, visibility, web_url, last_activity_at, total_commits
		FROM projects ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var projects []Project
	for rows.Next() {
		var p Project
		var lastActivity sql.NullTime
		if err := rows.Scan(&p.ID, &p.Name, &p.Namespace, &p.Visibility, &p.WebURL, &lastActivity, &p.TotalCommits); err != nil {
			return nil, err
		}
		if lastActivity.Valid {
			p.LastActivityAt = lastActivity.Time
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (s *PostgresStore) UpsertCommit(ctx context.Context, c Commit) error {
	if strings.TrimSpace(c.Hash) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO commits (hash, project_id, author_email, author_name, message, authored_at, additions, deletions, files_changed, touched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (hash) DO UPDATE SET
			message = EXCLUDED.message,
			additions = EXCLUDED.additions,
			deletions = EXCLUDED.deletions,
			files_changed = EXCLUDED.files_changed,
			touched_at = NOW()`,
		c.Hash, c.ProjectID, normalizeEmail(c.AuthorEmail), c.AuthorName, c.Message, c.AuthoredAt,
		c.Additions, c.Deletions, c.FilesChanged)
	return err
}

func (s *PostgresStore) GetCommit(ctx context.Context, hash string) (Commit, error) {
	if err := s.ensureReady(); err != nil {
		return Commit{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT hash, project_id, author_email, author_name, message, authored_at, additions, deletions, files_changed
		FROM commits WHERE hash = $1`, hash)
	return scanCommit(row)
}

func scanCommit(row rowScanner) (Commit, error) {
	var c Commit
	err := row.Scan(&c.Hash, &c.ProjectID, &c.AuthorEmail, &c.AuthorName, &c.Message, &c.AuthoredAt,
		&c.Additions, &c.Deletions, &c.FilesChanged)
	if errors.Is(err, sql.ErrNoRows) {
		return Commit{}, ErrNotFound
	}
	return c, err
}

func (s *PostgresStore) ListCommitsByAuthor(ctx context.Context, email string, from, to time.Time) ([]Commit, error) {
	return s.listCommits(ctx, `author_email = $1`, normalizeEmail(email), from, to)
}

func (s *PostgresStore) ListCommitsByProject(ctx context.Context, projectID int64, from, to time.Time) ([]Commit, error) {
	return s.listCommits(ctx, `project_id = $1`, projectID, from, to)
}

func (s *PostgresStore) listCommits(ctx context.Context, where string, key any, from, to time.Time) ([]Commit, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	if to.IsZero() {
		to = time.Now().Add(24 * time.Hour)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT hash, project_id, author_email, author_name, message, authored_at, additions, deletions, files_changed
		FROM commits WHERE `+where+` AND authored_at >= $2 AND authored_at <= $3
		ORDER BY authored_at, hash`, key, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var commits []Commit
	for rows.Next() {
		c, err := scanCommit(rows)
		if err != nil {
			return nil, err
		}
		commits = append(commits, c)
	}
	return commits, rows.Err()
}

func (s *PostgresStore) UpsertTask(ctx context.Context, t Task) error {
	if strings.TrimSpace(t.ID) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	assignee := normalizeEmail(t.AssigneeEmail)
	if assignee == "" {
		assignee = UnassignedUserEmail
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, assignee_email, name, description, status, priority, list_id, folder_id, space_id,
			created_at, due_at, started_at, completed_at, estimate_minutes, spent_minutes, touched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW())
		ON CONFLICT (id, assignee_email) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			status = EXCLUDED.status,
			priority = EXCLUDED.priority,
			list_id = EXCLUDED.list_id,
			folder_id = EXCLUDED.folder_id,
			space_id = EXCLUDED.space_id,
			due_at = EXCLUDED.due_at,
			started_at = EXCLUDED.started_at,
			completed_at = EXCLUDED.completed_at,
			estimate_minutes = EXCLUDED.estimate_minutes,
			spent_minutes = EXCLUDED.spent_minutes,
			touched_at = NOW()`,
		t.ID, assignee, t.Name, t.Description, string(t.Status), string(t.Priority),
		t.ListID, t.FolderID, t.SpaceID, t.CreatedAt, t.DueAt, t.StartedAt, t.CompletedAt,
		t.EstimateMinutes, t.SpentMinutes)
	return err
}

const taskColumns = `id, assignee_email, name, description, status, priority, list_id, folder_id, space_id,
	created_at, due_at, started_at, completed_at, estimate_minutes, spent_minutes`

func scanTask(row rowScanner) (Task, error) {
	var t Task
	var status, priority string
	err := row.Scan(&t.ID, &t.AssigneeEmail, &t.Name, &t.Description, &status, &priority,
		&t.ListID, &t.FolderID, &t.SpaceID, &t.CreatedAt, &t.DueAt, &t.StartedAt, &t.CompletedAt,
		&t.EstimateMinutes, &t.SpentMinutes)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, err
	}
	t.Status = TaskStatus(status)
	t.Priority = TaskPriority(priority)
	return t, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, id string) (Task, error) {
	if err := s.ensureReady(); err != nil {
		return Task{}, err
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 ORDER BY assignee_email LIMIT 1`, id)
	return scanTask(row)
}

func (s *PostgresStore) ListTasksByAssignee(ctx context.Context, email string) ([]Task, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE assignee_email = $1 ORDER BY id`, normalizeEmail(email))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var tasks []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *PostgresStore) UpsertTimeEntry(ctx context.Context, e TimeEntry) error {
	if strings.TrimSpace(e.ID) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO time_entries (id, user_email, task_id, start_at, end_at, duration_seconds, description, touched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (id) DO UPDATE SET
			user_email = EXCLUDED.user_email,
			task_id = EXCLUDED.task_id,
			start_at = EXCLUDED.start_at,
			end_at = EXCLUDED.end_at,
			duration_seconds = EXCLUDED.duration_seconds,
			description = EXCLUDED.description,
			touched_at = NOW()`,
		e.ID, normalizeEmail(e.UserEmail), e.TaskID, e.StartAt, nullableTime(e.EndAt),
		int64(e.Duration/time.Second), e.Description)
	return err
}

func (s *PostgresStore) ListTimeEntriesByUser(ctx context.Context, email string, from, to time.Time) ([]TimeEntry, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	if to.IsZero() {
		to = time.Now().Add(24 * time.Hour)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_email, task_id, start_at, end_at, duration_seconds, description
		FROM time_entries WHERE user_email = $1 AND start_at >= $2 AND start_at <= $3
		ORDER BY start_at`, normalizeEmail(email), from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []TimeEntry
	for rows.Next() {
		var e TimeEntry
		var endAt sql.NullTime
		var seconds int64
		if err := rows.Scan(&e.ID, &e.UserEmail, &e.TaskID, &e.StartAt, &endAt, &seconds, &e.Description); err != nil {
			return nil, err
		}
		if endAt.Valid {
			e.EndAt = endAt.Time
		}
		e.Duration = time.Duration(seconds) * time.Second
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) UpsertCodeStats(ctx context.Context, stats CodeStats) error {
	email := normalizeEmail(stats.UserEmail)
	if email == "" || stats.ProjectID == 0 {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO code_stats (user_email, project_id, date, lines_added, lines_deleted, files_changed, commits)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_email, project_id, date) DO UPDATE SET
			lines_added = EXCLUDED.lines_added,
			lines_deleted = EXCLUDED.lines_deleted,
			files_changed = EXCLUDED.files_changed,
			commits = EXCLUDED.commits`,
		email, stats.ProjectID, DateOf(stats.Date), stats.LinesAdded, stats.LinesDeleted,
		stats.FilesChanged, stats.Commits)
	return err
}

func (s *PostgresStore) ListCodeStats(ctx context.Context, email string, from, to time.Time) ([]CodeStats, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	if to.IsZero() {
		to = time.Now().Add(24 * time.Hour)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_email, project_id, date, lines_added, lines_deleted, files_changed, commits
		FROM code_stats WHERE user_email = $1 AND date >= $2 AND date <= $3
		ORDER BY date`, normalizeEmail(email), DateOf(from), to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var stats []CodeStats
	for rows.Next() {
		var cs CodeStats
		if err := rows.Scan(&cs.UserEmail, &cs.ProjectID, &cs.Date, &cs.LinesAdded, &cs.LinesDeleted, &cs.FilesChanged, &cs.Commits); err != nil {
			return nil, err
		}
		stats = append(stats, cs)
	}
	return stats, rows.Err()
}

func (s *PostgresStore) CreateSyncLog(ctx context.Context, l SyncLog) error {
	if strings.TrimSpace(l.ID) == "" {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	if l.Status == "" {
		l.Status = SyncRunning
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_logs (id, service, status, started_at, records_processed, message, error_detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		l.ID, string(l.Service), string(l.Status), l.StartedAt, l.RecordsProcessed, l.Message, l.ErrorDetail)
	return err
}

func (s *PostgresStore) CompleteSyncLog(ctx context.Context, id string, status SyncStatus, duration time.Duration, records int, message, errorDetail string) error {
	if !status.IsTerminal() {
		return ErrInvalidInput
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	// The RUNNING guard makes the terminal transition happen at most once.
	result, err := s.db.ExecContext(ctx, `
		UPDATE sync_logs SET status = $2, completed_at = NOW(), duration_seconds = $3,
			records_processed = $4, message = $5, error_detail = $6
		WHERE id = $1 AND status = $7`,
		id, string(status), duration.Seconds(), records, message, errorDetail, string(SyncRunning))
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}
	var current string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM sync_logs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrInvalidState
}

func (s *PostgresStore) GetSyncLog(ctx context.Context, id string) (SyncLog, error) {
	if err := s.ensureReady(); err != nil {
		return SyncLog{}, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, service, status, started_at, completed_at, duration_seconds, records_processed, message, error_detail
		FROM sync_logs WHERE id = $1`, id)
	return scanSyncLog(row)
}

func scanSyncLog(row rowScanner) (SyncLog, error) {
	var l SyncLog
	var service, status string
	var completed sql.NullTime
	var durationSeconds float64
	err := row.Scan(&l.ID, &service, &status, &l.StartedAt, &completed, &durationSeconds,
		&l.RecordsProcessed, &l.Message, &l.ErrorDetail)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncLog{}, ErrNotFound
	}
	if err != nil {
		return SyncLog{}, err
	}
	l.Service = SyncService(service)
	l.Status = SyncStatus(status)
	if completed.Valid {
		l.CompletedAt = &completed.Time
	}
	l.Duration = time.Duration(durationSeconds * float64(time.Second))
	return l, nil
}

func (s *PostgresStore) ListSyncLogs(ctx context.Context, f SyncLogFilter) ([]SyncLog, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	query := `SELECT id, service, status, started_at, completed_at, duration_seconds, records_processed, message, error_detail
		FROM sync_logs WHERE 1=1`
	args := []any{}
	if f.Service != "" {
		args = append(args, string(f.Service))
		query += fmt.Sprintf(" AND service = $%d", len(args))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		query += fmt.Sprintf(" AND started_at >= $%d", len(args))
	}
	query += " ORDER BY started_at DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var logs []SyncLog
	for rows.Next() {
		l, err := scanSyncLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (s *PostgresStore) UpsertSystemMetrics(ctx context.Context, m SystemMetrics) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_metrics (date, total_users, active_users, total_projects, total_commits,
			total_tasks, tasks_completed, time_tracked_seconds, avg_productivity_score)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (date) DO UPDATE SET
			total_users = EXCLUDED.total_users,
			active_users = EXCLUDED.active_users,
			total_projects = EXCLUDED.total_projects,
			total_commits = EXCLUDED.total_commits,
			total_tasks = EXCLUDED.total_tasks,
			tasks_completed = EXCLUDED.tasks_completed,
			time_tracked_seconds = EXCLUDED.time_tracked_seconds,
			avg_productivity_score = EXCLUDED.avg_productivity_score`,
		DateOf(m.Date), m.TotalUsers, m.ActiveUsers, m.TotalProjects, m.TotalCommits,
		m.TotalTasks, m.TasksCompleted, int64(m.TimeTracked/time.Second), m.AvgProductivityScore)
	return err
}

func (s *PostgresStore) CountRecordsSince(ctx context.Context, since time.Time) (int, error) {
	if err := s.ensureReady(); err != nil {
		return 0, err
	}
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT (SELECT COUNT(*) FROM users WHERE touched_at >= $1)
			+ (SELECT COUNT(*) FROM projects WHERE touched_at >= $1)
			+ (SELECT COUNT(*) FROM commits WHERE touched_at >= $1)
			+ (SELECT COUNT(*) FROM tasks WHERE touched_at >= $1)
			+ (SELECT COUNT(*) FROM time_entries WHERE touched_at >= $1)`, since).Scan(&count)
	return count, err
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
