package clickup

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/devpulse/devpulse/internal/config"
	"github.com/devpulse/devpulse/internal/ratelimit"
	"github.com/devpulse/devpulse/internal/store"
)

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func millisAgo(d time.Duration) Millis {
	return Millis(testNow.Add(-d).UnixMilli())
}

type fakeClickUp struct {
	spaces      []Space
	folders     []Folder
	folderless  []List
	tasksByList map[string][]Task
	timeEntries []TimeEntry
}

func newFakeClickUp() *fakeClickUp {
	alice := Member{ID: 100, Username: "alice", Email: "alice@example.com"}
	bob := Member{ID: 101, Username: "bob", Email: "Bob@Example.com"}
	return &fakeClickUp{
		spaces:     []Space{{ID: "sp1", Name: "Engineering"}},
		folders:    []Folder{{ID: "f1", Name: "Sprints", Lists: []List{{ID: "l1", Name: "Sprint 12"}}}},
		folderless: []List{{ID: "l2", Name: "Backlog"}},
		tasksByList: map[string][]Task{
			"l1": {
				{
					ID:           "t1",
					Name:         "implement parser",
					Status:       &TaskStatus{Status: "in progress"},
					Priority:     &TaskPriority{Priority: "high"},
					Assignees:    []Member{alice, bob},
					DateCreated:  millisAgo(5 * 24 * time.Hour),
					DateUpdated:  millisAgo(24 * time.Hour),
					TimeEstimate: int64(2 * time.Hour / time.Millisecond),
				},
				{
					ID:          "t3",
					Name:        "review parser",
					Status:      &TaskStatus{Status: "Complete"},
					Assignees:   []Member{alice},
					DateCreated: millisAgo(10 * 24 * time.Hour),
					DateUpdated: millisAgo(2 * 24 * time.Hour),
					DateDone:    millisAgo(2 * 24 * time.Hour),
				},
			},
			"l2": {
				{
					ID:          "t2",
					Name:        "triage bug reports",
					Status:      &TaskStatus{Status: "blocked"},
					DateCreated: millisAgo(3 * 24 * time.Hour),
					DateUpdated: millisAgo(12 * time.Hour),
				},
			},
		},
		timeEntries: []TimeEntry{
			{
				ID:       "e1",
				User:     &alice,
				Task:     &Ref{ID: "t1"},
				Start:    millisAgo(26 * time.Hour),
				End:      millisAgo(25 * time.Hour),
				Duration: Millis(time.Hour / time.Millisecond),
			},
		},
	}
}

func (f *fakeClickUp) handler(t *testing.T) http.Handler {
	writeJSON := func(w http.ResponseWriter, v any) {
		require.NoError(t, json.NewEncoder(w).Encode(v))
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/team/9/space", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "cu-secret", r.Header.Get("Authorization"))
		writeJSON(w, spacesResponse{Spaces: f.spaces})
	})
	mux.HandleFunc("/api/v2/space/sp1/folder", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, foldersResponse{Folders: f.folders})
	})
	mux.HandleFunc("/api/v2/space/sp1/list", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, listsResponse{Lists: f.folderless})
	})
	mux.HandleFunc("/api/v2/list/l1/task", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "true", r.URL.Query().Get("include_closed"))
		require.NotEmpty(t, r.URL.Query().Get("date_updated_gt"))
		writeJSON(w, tasksResponse{Tasks: f.tasksByList["l1"], LastPage: true})
	})
	mux.HandleFunc("/api/v2/list/l2/task", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, tasksResponse{Tasks: f.tasksByList["l2"], LastPage: true})
	})
	mux.HandleFunc("/api/v2/team/9/time_entries", func(w http.ResponseWriter, r *http.Request) {
		require.NotEmpty(t, r.URL.Query().Get("start_date"))
		require.NotEmpty(t, r.URL.Query().Get("end_date"))
		writeJSON(w, timeEntriesResponse{Data: f.timeEntries})
	})
	return mux
}

func newTestConnector(t *testing.T, serverURL string, st store.Store) *Connector {
	t.Helper()
	c, err := NewConnector(config.ClickUpConfig{
		BaseURL: serverURL,
		Token:   "cu-secret",
		TeamID:  "9",
	}, st, ConnectorOptions{
		Clock: ratelimit.NewFakeClock(testNow),
		Now:   func() time.Time { return testNow },
	})
	require.NoError(t, err)
	return c
}

func TestSyncPersistsTasksAssigneesAndTimeEntries(t *testing.T) {
	fake := newFakeClickUp()
	server := httptest.NewServer(fake.handler(t))
	defer server.Close()

	st := store.NewMemoryStore()
	connector := newTestConnector(t, server.URL, st)
	ctx := context.Background()

	processed, failed, err := connector.Sync(ctx)
	require.NoError(t, err)
	require.Zero(t, failed)
	require.Equal(t, 5, processed, "4 task views + 1 time entry")

	// Multi-assignee fan-out: one row per assignee, same provider id.
	require.Equal(t, 4, st.CountTasks())
	forAlice, err := st.ListTasksByAssignee(ctx, "alice@example.com")
	require.NoError(t, err)
	require.Len(t, forAlice, 2)
	forBob, err := st.ListTasksByAssignee(ctx, "bob@example.com")
	require.NoError(t, err)
	require.Len(t, forBob, 1)
	require.Equal(t, store.TaskInProgress, forBob[0].Status)
	require.Equal(t, store.PriorityHigh, forBob[0].Priority)
	require.Equal(t, 120, forBob[0].EstimateMinutes, "milliseconds normalized to minutes at ingestion")
	require.Equal(t, "sp1", forBob[0].SpaceID)
	require.Equal(t, "f1", forBob[0].FolderID)

	// Zero-assignee task lands on the reserved unassigned user.
	unassigned, err := st.ListTasksByAssignee(ctx, store.UnassignedUserEmail)
	require.NoError(t, err)
	require.Len(t, unassigned, 1)
	require.Equal(t, store.TaskTodo, unassigned[0].Status, "unknown status defaults to TODO")

	alice, err := st.GetUser(ctx, "alice@example.com")
	require.NoError(t, err)
	require.Equal(t, int64(100), alice.ClickUpID)
	require.Equal(t, 1, alice.TasksCompleted, "recomputed from stored task rows")
	require.Equal(t, time.Hour, alice.TotalTimeSpent, "recomputed from stored time entries")

	require.Equal(t, 1, st.CountTimeEntries())
	entries, err := st.ListTimeEntriesByUser(ctx, "alice@example.com", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Equal(t, "t1", entries[0].TaskID)
	require.Equal(t, time.Hour, entries[0].Duration)
}

func TestSyncRerunIsIdempotent(t *testing.T) {
	fake := newFakeClickUp()
	server := httptest.NewServer(fake.handler(t))
	defer server.Close()

	st := store.NewMemoryStore()
	connector := newTestConnector(t, server.URL, st)
	ctx := context.Background()

	_, _, err := connector.Sync(ctx)
	require.NoError(t, err)
	_, failed, err := connector.Sync(ctx)
	require.NoError(t, err)
	require.Zero(t, failed)

	require.Equal(t, 4, st.CountTasks())
	require.Equal(t, 1, st.CountTimeEntries())

	alice, err := st.GetUser(ctx, "alice@example.com")
	require.NoError(t, err)
	require.Equal(t, 1, alice.TasksCompleted)
	require.Equal(t, time.Hour, alice.TotalTimeSpent)
}

func TestSyncCompletedTaskCarriesCompletionTimestamp(t *testing.T) {
	fake := newFakeClickUp()
	server := httptest.NewServer(fake.handler(t))
	defer server.Close()

	st := store.NewMemoryStore()
	connector := newTestConnector(t, server.URL, st)
	ctx := context.Background()

	_, _, err := connector.Sync(ctx)
	require.NoError(t, err)

	done, err := st.GetTask(ctx, "t3")
	require.NoError(t, err)
	require.Equal(t, store.TaskDone, done.Status)
	require.NotNil(t, done.CompletedAt)
	require.Equal(t, millisAgo(2*24*time.Hour).Time(), *done.CompletedAt)
}

func TestSyncSpaceAllowListFiltersDiscovery(t *testing.T) {
	fake := newFakeClickUp()
	fake.spaces = append(fake.spaces, Space{ID: "sp2", Name: "Marketing"})
	server := httptest.NewServer(fake.handler(t))
	defer server.Close()

	st := store.NewMemoryStore()
	c, err := NewConnector(config.ClickUpConfig{
		BaseURL:  server.URL,
		Token:    "cu-secret",
		TeamID:   "9",
		SpaceIDs: []string{"sp1"},
	}, st, ConnectorOptions{
		Clock: ratelimit.NewFakeClock(testNow),
		Now:   func() time.Time { return testNow },
	})
	require.NoError(t, err)

	// sp2 has no registered routes; the allow-list must keep the run clean.
	_, failed, err := c.Sync(context.Background())
	require.NoError(t, err)
	require.Zero(t, failed)
}

func TestSyncIsolatesSpaceFailure(t *testing.T) {
	fake := newFakeClickUp()
	fake.spaces = append(fake.spaces, Space{ID: "sp2", Name: "Marketing"})
	server := httptest.NewServer(fake.handler(t))
	defer server.Close()

	st := store.NewMemoryStore()
	connector := newTestConnector(t, server.URL, st)

	processed, failed, err := connector.Sync(context.Background())
	require.NoError(t, err, "space failures are isolated, not fatal")
	require.Equal(t, 1, failed, "sp2's folder listing 404s")
	require.Equal(t, 5, processed, "sp1 still syncs fully")
}

func TestSyncDrainsSpaceWorkersOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Space discovery succeeds; every request after it parks until the run is
	// cancelled, so the third space can never acquire a fan-out slot.
	var inFlight atomic.Int32
	allBlocked := make(chan struct{})
	var once sync.Once
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v2/team/9/space", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(spacesResponse{Spaces: []Space{
			{ID: "sp1"}, {ID: "sp2"}, {ID: "sp3"},
		}}))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if inFlight.Add(1) == spaceConcurrency {
			once.Do(func() { close(allBlocked) })
		}
		<-r.Context().Done()
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	st := store.NewMemoryStore()
	connector := newTestConnector(t, server.URL, st)

	go func() {
		<-allBlocked
		cancel()
	}()

	processed, failed, err := connector.Sync(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, processed)
	require.Equal(t, int(spaceConcurrency), failed, "every started space settles before Sync returns")
}
