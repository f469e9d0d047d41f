// Package store defines the canonical data model shared by the connectors,
// the sync orchestrator, and the metrics engine, together with the Store
// interface both the in-memory and Postgres implementations satisfy.
//
// Every write is an upsert keyed by a stable natural identifier, so replaying
// a sync against identical upstream data converges to the same state.
package store

import (
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrInvalidInput = errors.New("invalid input")
	ErrInvalidState = errors.New("invalid state")
)

// UnassignedUserEmail is the reserved system user that owns tasks with no
// assignee, so they remain queryable after ingestion.
const UnassignedUserEmail = "unassigned@devpulse.local"

type SyncService string

const (
	ServiceGitLab  SyncService = "GITLAB"
	ServiceClickUp SyncService = "CLICKUP"
)

type SyncStatus string

const (
	SyncQueued  SyncStatus = "QUEUED"
	SyncRunning SyncStatus = "RUNNING"
	SyncSuccess SyncStatus = "SUCCESS"
	SyncFailed  SyncStatus = "FAILED"
	SyncPartial SyncStatus = "PARTIAL"
)

// IsTerminal reports whether a sync status can no longer change.
func (s SyncStatus) IsTerminal() bool {
	switch s {
	case SyncSuccess, SyncFailed, SyncPartial:
		return true
	}
	return false
}

type TaskStatus string

const (
	TaskTodo       TaskStatus = "TODO"
	TaskInProgress TaskStatus = "IN_PROGRESS"
	TaskReview     TaskStatus = "REVIEW"
	TaskTesting    TaskStatus = "TESTING"
	TaskDone       TaskStatus = "DONE"
	TaskClosed     TaskStatus = "CLOSED"
	TaskCancelled  TaskStatus = "CANCELLED"
)

// Completed reports whether the status counts as a completion for metrics.
func (s TaskStatus) Completed() bool {
	return s == TaskDone || s == TaskClosed
}

type TaskPriority string

const (
	PriorityLow    TaskPriority = "LOW"
	PriorityNormal TaskPriority = "NORMAL"
	PriorityHigh   TaskPriority = "HIGH"
	PriorityUrgent TaskPriority = "URGENT"
	PriorityNone   TaskPriority = ""
)

// User identity is keyed by email, the one identifier stable across both
// providers. Counters are recomputed from source rows, never incremented in
// place, and users are deactivated rather than deleted.
type User struct {
	Email             string        `json:"email"`
	Name              string        `json:"name"`
	Username          string        `json:"username,omitempty"`
	AvatarURL         string        `json:"avatarUrl,omitempty"`
	Active            bool          `json:"active"`
	LastSeenAt        time.Time     `json:"lastSeenAt"`
	GitLabID          int64         `json:"gitlabId,omitempty"`
	ClickUpID         int64         `json:"clickupId,omitempty"`
	TotalCommits      int           `json:"totalCommits"`
	TotalLinesAdded   int           `json:"totalLinesAdded"`
	TotalLinesDeleted int           `json:"totalLinesDeleted"`
	TasksCompleted    int           `json:"tasksCompleted"`
	TotalTimeSpent    time.Duration `json:"totalTimeSpent"`
	ProductivityScore float64       `json:"productivityScore"`
}

type Project struct {
	ID             int64     `json:"id"`
	Name           string    `json:"name"`
	Namespace      string    `json:"namespace,omitempty"`
	Visibility     string    `json:"visibility,omitempty"`
	WebURL         string    `json:"webUrl,omitempty"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	TotalCommits   int       `json:"totalCommits"`
}

// Commit rows are append-only: re-sync may amend message text and diff stats
// if upstream rewrote them, but a commit is never deleted.
type Commit struct {
	Hash         string    `json:"hash"`
	ProjectID    int64     `json:"projectId"`
	AuthorEmail  string    `json:"authorEmail"`
	AuthorName   string    `json:"authorName,omitempty"`
	Message      string    `json:"message"`
	AuthoredAt   time.Time `json:"authoredAt"`
	Additions    int       `json:"additions"`
	Deletions    int       `json:"deletions"`
	FilesChanged int       `json:"filesChanged"`
}

// Task is one assignee's view of a provider task. Multi-assignee tasks fan
// out into one row per assignee, all sharing the provider task id; the upsert
// key is (ID, AssigneeEmail).
type Task struct {
	ID              string       `json:"id"`
	AssigneeEmail   string       `json:"assigneeEmail"`
	Name            string       `json:"name"`
	Description     string       `json:"description,omitempty"`
	Status          TaskStatus   `json:"status"`
	Priority        TaskPriority `json:"priority,omitempty"`
	ListID          string       `json:"listId,omitempty"`
	FolderID        string       `json:"folderId,omitempty"`
	SpaceID         string       `json:"spaceId,omitempty"`
	CreatedAt       time.Time    `json:"createdAt"`
	DueAt           *time.Time   `json:"dueAt,omitempty"`
	StartedAt       *time.Time   `json:"startedAt,omitempty"`
	CompletedAt     *time.Time   `json:"completedAt,omitempty"`
	EstimateMinutes int          `json:"estimateMinutes,omitempty"`
	SpentMinutes    int          `json:"spentMinutes,omitempty"`
}

type TimeEntry struct {
	ID          string        `json:"id"`
	UserEmail   string        `json:"userEmail"`
	TaskID      string        `json:"taskId,omitempty"`
	StartAt     time.Time     `json:"startAt"`
	EndAt       time.Time     `json:"endAt"`
	Duration    time.Duration `json:"duration"`
	Description string        `json:"description,omitempty"`
}

// CodeStats is the daily per-user per-project rollup derived entirely from
// Commit rows; it is recomputable and safe to overwrite.
type CodeStats struct {
	UserEmail    string    `json:"userEmail"`
	ProjectID    int64     `json:"projectId"`
	Date         time.Time `json:"date"`
	LinesAdded   int       `json:"linesAdded"`
	LinesDeleted int       `json:"linesDeleted"`
	FilesChanged int       `json:"filesChanged"`
	Commits      int       `json:"commits"`
}

type SyncLog struct {
	ID               string        `json:"id"`
	Service          SyncService   `json:"service"`
	Status           SyncStatus    `json:"status"`
	StartedAt        time.Time     `json:"startedAt"`
	CompletedAt      *time.Time    `json:"completedAt,omitempty"`
	Duration         time.Duration `json:"duration,omitempty"`
	RecordsProcessed int           `json:"recordsProcessed"`
	Message          string        `json:"message,omitempty"`
	ErrorDetail      string        `json:"errorDetail,omitempty"`
}

// SystemMetrics is the team-wide daily snapshot, keyed by calendar date and
// idempotently overwritten once per sync cycle.
type SystemMetrics struct {
	Date                 time.Time     `json:"date"`
	TotalUsers           int           `json:"totalUsers"`
	ActiveUsers          int           `json:"activeUsers"`
	TotalProjects        int           `json:"totalProjects"`
	TotalCommits         int           `json:"totalCommits"`
	TotalTasks           int           `json:"totalTasks"`
	TasksCompleted       int           `json:"tasksCompleted"`
	TimeTracked          time.Duration `json:"timeTracked"`
	AvgProductivityScore float64       `json:"avgProductivityScore"`
}

// SyncLogFilter narrows ListSyncLogs. Zero values match everything.
type SyncLogFilter struct {
	Service SyncService
	Status  SyncStatus
	Since   time.Time
	Limit   int
}

// DateOf truncates a timestamp to its UTC calendar day, the key granularity
// for CodeStats and SystemMetrics.
func DateOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
