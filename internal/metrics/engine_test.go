package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/devpulse/devpulse/internal/cache"
	"github.com/devpulse/devpulse/internal/store"
)

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func seedStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	st := store.NewMemoryStore()
	ctx := context.Background()

	_, err := st.EnsureUser(ctx, store.User{Email: "alice@example.com", Name: "Alice"})
	require.NoError(t, err)
	_, err = st.EnsureUser(ctx, store.User{Email: "bob@example.com", Name: "Bob"})
	require.NoError(t, err)

	require.NoError(t, st.UpsertProject(ctx, store.Project{ID: 1, Name: "platform"}))

	// Alice: active this month, quiet the month before.
	for i, hash := range []string{"a1", "a2", "a3"} {
		require.NoError(t, st.UpsertCommit(ctx, store.Commit{
			Hash:         hash,
			ProjectID:    1,
			AuthorEmail:  "alice@example.com",
			AuthoredAt:   testNow.Add(-time.Duration(i+1) * 24 * time.Hour),
			Additions:    50,
			Deletions:    10,
			FilesChanged: 2,
		}))
	}
	created := testNow.Add(-6 * 24 * time.Hour)
	done := testNow.Add(-2 * 24 * time.Hour)
	require.NoError(t, st.UpsertTask(ctx, store.Task{
		ID:            "t1",
		AssigneeEmail: "alice@example.com",
		Status:        store.TaskDone,
		CreatedAt:     created,
		CompletedAt:   &done,
	}))
	require.NoError(t, st.UpsertTimeEntry(ctx, store.TimeEntry{
		ID:        "e1",
		UserEmail: "alice@example.com",
		StartAt:   testNow.Add(-24 * time.Hour),
		EndAt:     testNow.Add(-23 * time.Hour),
		Duration:  time.Hour,
	}))

	// Bob: one commit in the previous monthly window only.
	require.NoError(t, st.UpsertCommit(ctx, store.Commit{
		Hash:        "b1",
		ProjectID:   1,
		AuthorEmail: "bob@example.com",
		AuthoredAt:  testNow.Add(-45 * 24 * time.Hour),
		Additions:   10,
	}))
	return st
}

func newTestEngine(st store.Store, c cache.Cache) *Engine {
	return NewEngine(st, Options{
		Cache: c,
		Now:   func() time.Time { return testNow },
		TopN:  3,
	})
}

func TestRecomputePersistsMonthlyScoreAndSnapshots(t *testing.T) {
	st := seedStore(t)
	mem := cache.NewMemory()
	engine := newTestEngine(st, mem)
	ctx := context.Background()

	require.NoError(t, engine.Recompute(ctx))

	alice, err := st.GetUser(ctx, "alice@example.com")
	require.NoError(t, err)
	require.Greater(t, alice.ProductivityScore, 0.0)
	require.LessOrEqual(t, alice.ProductivityScore, 100.0)

	bob, err := st.GetUser(ctx, "bob@example.com")
	require.NoError(t, err)
	require.Less(t, bob.ProductivityScore, alice.ProductivityScore)

	raw, ok := mem.Get(ctx, userKey("alice@example.com", WindowMonthly))
	require.True(t, ok, "window results are written through the cache")
	var cached UserMetrics
	require.NoError(t, json.Unmarshal(raw, &cached))
	require.Equal(t, 3, cached.Commits)
	require.Equal(t, 1, cached.TasksCompleted)
	require.Equal(t, alice.ProductivityScore, cached.OverallScore)
	require.Equal(t, 1, cached.Rank)
	require.Equal(t, 100.0, cached.Percentile)

	snap, err := st.GetSystemMetrics(ctx, testNow)
	require.NoError(t, err)
	require.Equal(t, 2, snap.ActiveUsers)
	require.Equal(t, 1, snap.TotalProjects)
}

func TestSnapshotKeepsDeactivatedUsersInTotal(t *testing.T) {
	st := seedStore(t)
	ctx := context.Background()
	require.NoError(t, st.SetUserActive(ctx, "bob@example.com", false))

	engine := newTestEngine(st, cache.NewMemory())
	require.NoError(t, engine.Recompute(ctx))

	snap, err := st.GetSystemMetrics(ctx, testNow)
	require.NoError(t, err)
	require.Equal(t, 2, snap.TotalUsers, "deactivation removes a user from the active roster only")
	require.Equal(t, 1, snap.ActiveUsers)
}

func TestRecomputeTrendsAgainstPrecedingWindow(t *testing.T) {
	st := seedStore(t)
	engine := newTestEngine(st, cache.NewMemory())
	ctx := context.Background()

	m, err := engine.UserMetrics(ctx, "alice@example.com", WindowMonthly)
	require.NoError(t, err)
	require.Equal(t, 100.0, m.CommitTrend, "prior window had zero commits")

	bob, err := engine.UserMetrics(ctx, "bob@example.com", WindowMonthly)
	require.NoError(t, err)
	require.Equal(t, 0, bob.Commits)
	require.Equal(t, -100.0, bob.CommitTrend, "activity fell to zero")
	require.Equal(t, 0.0, bob.TaskTrend, "zero to zero is flat, not growth")
}

func TestTeamMetricsAggregatesAndRanks(t *testing.T) {
	st := seedStore(t)
	engine := newTestEngine(st, cache.NewMemory())
	ctx := context.Background()

	team, err := engine.TeamMetrics(ctx, WindowMonthly)
	require.NoError(t, err)
	require.Equal(t, 2, team.ActiveUsers)
	require.Equal(t, 3, team.Commits)
	require.Equal(t, 1, team.TasksCompleted)
	require.Equal(t, time.Hour, team.TimeTracked)

	require.NotEmpty(t, team.TopPerformers)
	require.Equal(t, "alice@example.com", team.TopPerformers[0].Email)
	require.Equal(t, 1, team.TopPerformers[0].Rank)

	require.Len(t, team.Projects, 1)
	require.Equal(t, 3, team.Projects[0].Commits)
	require.Equal(t, 1, team.Projects[0].Contributors, "only alice committed inside the window")
}

func TestUserMetricsServedFromCache(t *testing.T) {
	st := seedStore(t)
	mem := cache.NewMemory()
	engine := newTestEngine(st, mem)
	ctx := context.Background()

	first, err := engine.UserMetrics(ctx, "alice@example.com", WindowWeekly)
	require.NoError(t, err)

	// New commits become visible only after the next recompute or expiry.
	require.NoError(t, st.UpsertCommit(ctx, store.Commit{
		Hash:        "a9",
		ProjectID:   1,
		AuthorEmail: "alice@example.com",
		AuthoredAt:  testNow.Add(-time.Hour),
		Additions:   5,
	}))
	second, err := engine.UserMetrics(ctx, "alice@example.com", WindowWeekly)
	require.NoError(t, err)
	require.Equal(t, first.Commits, second.Commits)

	mem.Delete(ctx, userKey("alice@example.com", WindowWeekly))
	third, err := engine.UserMetrics(ctx, "alice@example.com", WindowWeekly)
	require.NoError(t, err)
	require.Equal(t, first.Commits+1, third.Commits)
}

// brokenCommitsStore fails commit listings for one user to exercise per-user
// failure isolation.
type brokenCommitsStore struct {
	store.Store
	failFor string
}

func (s *brokenCommitsStore) ListCommitsByAuthor(ctx context.Context, email string, from, to time.Time) ([]store.Commit, error) {
	if email == s.failFor {
		return nil, errors.New("storage offline")
	}
	return s.Store.ListCommitsByAuthor(ctx, email, from, to)
}

func TestRecomputeIsolatesSingleUserFailure(t *testing.T) {
	st := seedStore(t)
	broken := &brokenCommitsStore{Store: st, failFor: "bob@example.com"}
	engine := newTestEngine(broken, cache.NewMemory())
	ctx := context.Background()

	require.NoError(t, engine.Recompute(ctx), "one user's failure never aborts the batch")

	alice, err := st.GetUser(ctx, "alice@example.com")
	require.NoError(t, err)
	require.Greater(t, alice.ProductivityScore, 0.0)
}
