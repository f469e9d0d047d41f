package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEnsureUserCreatesThenRefreshesIdentityOnly(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	created, err := s.EnsureUser(ctx, User{Email: "Dev@Example.com", Name: "Dev One"})
	require.NoError(t, err)
	require.Equal(t, "dev@example.com", created.Email)
	require.True(t, created.Active)
	require.False(t, created.LastSeenAt.IsZero())

	require.NoError(t, s.UpdateUserCodeTotals(ctx, "dev@example.com", 7, 100, 40))

	refreshed, err := s.EnsureUser(ctx, User{
		Email:     "dev@example.com",
		Username:  "devone",
		ClickUpID: 42,
	})
	require.NoError(t, err)
	require.Equal(t, "Dev One", refreshed.Name)
	require.Equal(t, "devone", refreshed.Username)
	require.Equal(t, int64(42), refreshed.ClickUpID)
	require.Equal(t, 7, refreshed.TotalCommits, "identity refresh must not touch counters")
}

func TestEnsureUserRejectsEmptyEmail(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.EnsureUser(context.Background(), User{Name: "anon"})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestSetUserActiveControlsRosterNotHistory(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.EnsureUser(ctx, User{Email: "a@example.com"})
	require.NoError(t, err)
	_, err = s.EnsureUser(ctx, User{Email: "b@example.com"})
	require.NoError(t, err)

	require.NoError(t, s.SetUserActive(ctx, "b@example.com", false))

	active, err := s.ListActiveUsers(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, "a@example.com", active[0].Email)

	total, err := s.CountUsers(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, total, "deactivated users stay on the roster")

	parked, err := s.GetUser(ctx, "b@example.com")
	require.NoError(t, err)
	require.False(t, parked.Active)

	require.ErrorIs(t, s.SetUserActive(ctx, "missing@example.com", false), ErrNotFound)
}

func TestUpsertCommitIsIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	c := Commit{
		Hash:        "abc123",
		ProjectID:   1,
		AuthorEmail: "dev@example.com",
		AuthoredAt:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Additions:   10,
		Deletions:   2,
	}

	require.NoError(t, s.UpsertCommit(ctx, c))
	require.NoError(t, s.UpsertCommit(ctx, c))
	require.Equal(t, 1, s.CountCommits())

	c.Additions = 12
	require.NoError(t, s.UpsertCommit(ctx, c))
	got, err := s.GetCommit(ctx, "abc123")
	require.NoError(t, err)
	require.Equal(t, 12, got.Additions)
	require.Equal(t, 1, s.CountCommits())
}

func TestUpsertTaskFansOutPerAssignee(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, s.UpsertTask(ctx, Task{ID: "t1", AssigneeEmail: "a@example.com", Status: TaskTodo}))
	require.NoError(t, s.UpsertTask(ctx, Task{ID: "t1", AssigneeEmail: "b@example.com", Status: TaskTodo}))
	require.NoError(t, s.UpsertTask(ctx, Task{ID: "t1", AssigneeEmail: "b@example.com", Status: TaskDone}))
	require.Equal(t, 2, s.CountTasks())

	forB, err := s.ListTasksByAssignee(ctx, "b@example.com")
	require.NoError(t, err)
	require.Len(t, forB, 1)
	require.Equal(t, TaskDone, forB[0].Status)
}

func TestUpsertTaskWithoutAssigneeFallsBackToUnassigned(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.UpsertTask(ctx, Task{ID: "t9"}))

	tasks, err := s.ListTasksByAssignee(ctx, UnassignedUserEmail)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
}

func TestCompleteSyncLogWritesExactlyOneTerminalState(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	started := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, s.CreateSyncLog(ctx, SyncLog{ID: "run-1", Service: ServiceGitLab, Status: SyncRunning, StartedAt: started}))
	require.ErrorIs(t, s.CreateSyncLog(ctx, SyncLog{ID: "run-1", Service: ServiceGitLab}), ErrInvalidState)

	require.ErrorIs(t, s.CompleteSyncLog(ctx, "run-1", SyncRunning, 0, 0, "", ""), ErrInvalidInput)
	require.NoError(t, s.CompleteSyncLog(ctx, "run-1", SyncSuccess, 3*time.Second, 12, "processed 12 records", ""))

	err := s.CompleteSyncLog(ctx, "run-1", SyncFailed, time.Second, 0, "late failure", "boom")
	require.ErrorIs(t, err, ErrInvalidState)

	got, err := s.GetSyncLog(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, SyncSuccess, got.Status)
	require.Equal(t, 12, got.RecordsProcessed)
	require.NotNil(t, got.CompletedAt)
}

func TestCompleteSyncLogUnknownRun(t *testing.T) {
	s := NewMemoryStore()
	err := s.CompleteSyncLog(context.Background(), "missing", SyncFailed, 0, 0, "", "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListSyncLogsFiltersAndOrders(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.CreateSyncLog(ctx, SyncLog{ID: "g1", Service: ServiceGitLab, Status: SyncRunning, StartedAt: base}))
	require.NoError(t, s.CompleteSyncLog(ctx, "g1", SyncSuccess, time.Second, 5, "", ""))
	require.NoError(t, s.CreateSyncLog(ctx, SyncLog{ID: "c1", Service: ServiceClickUp, Status: SyncRunning, StartedAt: base.Add(time.Hour)}))
	require.NoError(t, s.CompleteSyncLog(ctx, "c1", SyncFailed, time.Second, 0, "", "token expired"))
	require.NoError(t, s.CreateSyncLog(ctx, SyncLog{ID: "g2", Service: ServiceGitLab, Status: SyncRunning, StartedAt: base.Add(2 * time.Hour)}))

	all, err := s.ListSyncLogs(ctx, SyncLogFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "g2", all[0].ID, "newest first")

	gitlabOnly, err := s.ListSyncLogs(ctx, SyncLogFilter{Service: ServiceGitLab})
	require.NoError(t, err)
	require.Len(t, gitlabOnly, 2)

	failedOnly, err := s.ListSyncLogs(ctx, SyncLogFilter{Status: SyncFailed})
	require.NoError(t, err)
	require.Len(t, failedOnly, 1)
	require.Equal(t, "c1", failedOnly[0].ID)

	limited, err := s.ListSyncLogs(ctx, SyncLogFilter{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
}

func TestCountRecordsSinceOnlyCountsTouchedRows(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	current := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return current }

	_, err := s.EnsureUser(ctx, User{Email: "old@example.com"})
	require.NoError(t, err)
	require.NoError(t, s.UpsertCommit(ctx, Commit{Hash: "old", ProjectID: 1, AuthorEmail: "old@example.com"}))

	cutoff := current.Add(time.Minute)
	current = cutoff.Add(time.Minute)

	_, err = s.EnsureUser(ctx, User{Email: "new@example.com"})
	require.NoError(t, err)
	require.NoError(t, s.UpsertCommit(ctx, Commit{Hash: "new", ProjectID: 1, AuthorEmail: "new@example.com"}))
	require.NoError(t, s.UpsertTask(ctx, Task{ID: "t1", AssigneeEmail: "new@example.com"}))

	count, err := s.CountRecordsSince(ctx, cutoff)
	require.NoError(t, err)
	require.Equal(t, 3, count)
}

func TestListCommitsByAuthorWindowing(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	for i, offset := range []time.Duration{0, 24 * time.Hour, 48 * time.Hour} {
		require.NoError(t, s.UpsertCommit(ctx, Commit{
			Hash:        string(rune('a' + i)),
			ProjectID:   1,
			AuthorEmail: "dev@example.com",
			AuthoredAt:  base.Add(offset),
		}))
	}

	window, err := s.ListCommitsByAuthor(ctx, "dev@example.com", base.Add(12*time.Hour), base.Add(36*time.Hour))
	require.NoError(t, err)
	require.Len(t, window, 1)

	unbounded, err := s.ListCommitsByAuthor(ctx, "dev@example.com", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, unbounded, 3)
	require.True(t, unbounded[0].AuthoredAt.Before(unbounded[2].AuthoredAt))
}

func TestUpsertCodeStatsKeyedByDay(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	morning := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	evening := time.Date(2026, 3, 1, 21, 0, 0, 0, time.UTC)

	require.NoError(t, s.UpsertCodeStats(ctx, CodeStats{UserEmail: "dev@example.com", ProjectID: 1, Date: morning, Commits: 2}))
	require.NoError(t, s.UpsertCodeStats(ctx, CodeStats{UserEmail: "dev@example.com", ProjectID: 1, Date: evening, Commits: 5}))

	stats, err := s.ListCodeStats(ctx, "dev@example.com", morning, evening)
	require.NoError(t, err)
	require.Len(t, stats, 1, "same calendar day collapses to one row")
	require.Equal(t, 5, stats[0].Commits)
}
