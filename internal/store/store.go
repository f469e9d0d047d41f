package store

import (
	"context"
	"time"
)

// Store is the canonical system of record. Both implementations share the
// same semantics: every write is an idempotent upsert keyed by natural
// identity, reads never mutate, and lookups for missing rows return
// ErrNotFound.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	// Users.
	//
	// EnsureUser creates the user on first observation or refreshes identity
	// fields (name, username, avatar, provider correlation ids, last-seen) on
	// an existing row. It never touches counters or the productivity score;
	// those are recomputed from source rows by the dedicated methods below.
	EnsureUser(ctx context.Context, u User) (User, error)
	GetUser(ctx context.Context, email string) (User, error)
	ListActiveUsers(ctx context.Context) ([]User, error)
	// SetUserActive flips the lifecycle flag; deactivated users drop out of
	// ListActiveUsers but stay on the roster and keep their history.
	SetUserActive(ctx context.Context, email string, active bool) error
	CountUsers(ctx context.Context) (int, error)
	UpdateUserCodeTotals(ctx context.Context, email string, commits, linesAdded, linesDeleted int) error
	UpdateUserTaskTotals(ctx context.Context, email string, tasksCompleted int) error
	UpdateUserTimeSpent(ctx context.Context, email string, total time.Duration) error
	SetUserProductivityScore(ctx context.Context, email string, score float64) error

	// Projects.
	UpsertProject(ctx context.Context, p Project) error
	GetProject(ctx context.Context, id int64) (Project, error)
	ListProjects(ctx context.Context) ([]Project, error)

	// Commits.
	UpsertCommit(ctx context.Context, c Commit) error
	GetCommit(ctx context.Context, hash string) (Commit, error)
	ListCommitsByAuthor(ctx context.Context, email string, from, to time.Time) ([]Commit, error)
	ListCommitsByProject(ctx context.Context, projectID int64, from, to time.Time) ([]Commit, error)

	// Tasks. GetTask returns any view of the provider task id.
	UpsertTask(ctx context.Context, t Task) error
	GetTask(ctx context.Context, id string) (Task, error)
	ListTasksByAssignee(ctx context.Context, email string) ([]Task, error)

	// Time entries.
	UpsertTimeEntry(ctx context.Context, e TimeEntry) error
	ListTimeEntriesByUser(ctx context.Context, email string, from, to time.Time) ([]TimeEntry, error)

	// Daily code rollups.
	UpsertCodeStats(ctx context.Context, s CodeStats) error
	ListCodeStats(ctx context.Context, email string, from, to time.Time) ([]CodeStats, error)

	// Sync run log. CompleteSyncLog writes the single terminal update and
	// fails with ErrInvalidState if the run already reached a terminal state.
	CreateSyncLog(ctx context.Context, l SyncLog) error
	CompleteSyncLog(ctx context.Context, id string, status SyncStatus, duration time.Duration, records int, message, errorDetail string) error
	GetSyncLog(ctx context.Context, id string) (SyncLog, error)
	ListSyncLogs(ctx context.Context, f SyncLogFilter) ([]SyncLog, error)

	// Daily team snapshot.
	UpsertSystemMetrics(ctx context.Context, m SystemMetrics) error

	// CountRecordsSince approximates records processed by a run: the number
	// of commit, task, time-entry, project, and user rows touched at or after
	// the given instant.
	CountRecordsSince(ctx context.Context, since time.Time) (int, error)
}
