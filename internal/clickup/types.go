// Package clickup ingests the team workspace hierarchy, tasks, and time
// entries from the ClickUp REST API into the canonical store.
package clickup

import (
	"bytes"
	"fmt"
	"strconv"
	"time"
)

const (
	// DefaultAPIEndpoint is the ClickUp API v2 endpoint suffix.
	DefaultAPIEndpoint = "/api/v2"

	// TaskPageSize is the fixed page size of the list-tasks endpoint.
	TaskPageSize = 100

	// MaxPages bounds pagination loops against malformed responses.
	MaxPages = 1000

	// requestInterval keeps the client under ClickUp's 100 req/min limit.
	requestInterval = 250 * time.Millisecond
)

// Millis is a millisecond Unix timestamp. ClickUp serializes these
// inconsistently: sometimes a JSON number, sometimes a quoted string, and
// null for unset dates.
type Millis int64

func (m *Millis) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*m = 0
		return nil
	}
	data = bytes.Trim(data, `"`)
	if len(data) == 0 {
		*m = 0
		return nil
	}
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return fmt.Errorf("parse millis timestamp %q: %w", data, err)
	}
	*m = Millis(v)
	return nil
}

// Time converts to time.Time; the zero Millis maps to the zero time.
func (m Millis) Time() time.Time {
	if m == 0 {
		return time.Time{}
	}
	return time.UnixMilli(int64(m)).UTC()
}

func (m Millis) IsZero() bool { return m == 0 }

type Space struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Private  bool   `json:"private"`
	Archived bool   `json:"archived"`
}

type spacesResponse struct {
	Spaces []Space `json:"spaces"`
}

type Folder struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Lists []List `json:"lists"`
}

type foldersResponse struct {
	Folders []Folder `json:"folders"`
}

type List struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	TaskCount int    `json:"task_count,omitempty"`
	Archived  bool   `json:"archived"`
}

type listsResponse struct {
	Lists []List `json:"lists"`
}

// Task is a task from the list-tasks endpoint. Dates are Millis and absent
// dates come through as null or "0".
type Task struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	TextContent  string        `json:"text_content,omitempty"`
	Status       *TaskStatus   `json:"status,omitempty"`
	Priority     *TaskPriority `json:"priority,omitempty"`
	Assignees    []Member      `json:"assignees"`
	DateCreated  Millis        `json:"date_created"`
	DateUpdated  Millis        `json:"date_updated"`
	DateClosed   Millis        `json:"date_closed"`
	DateDone     Millis        `json:"date_done"`
	StartDate    Millis        `json:"start_date"`
	DueDate      Millis        `json:"due_date"`
	TimeEstimate int64         `json:"time_estimate,omitempty"` // milliseconds
	TimeSpent    int64         `json:"time_spent,omitempty"`    // milliseconds
	List         *Ref          `json:"list,omitempty"`
	Folder       *Ref          `json:"folder,omitempty"`
	Space        *Ref          `json:"space,omitempty"`
}

type TaskStatus struct {
	Status string `json:"status"`
	Type   string `json:"type,omitempty"`
}

type TaskPriority struct {
	Priority string `json:"priority"`
}

type Ref struct {
	ID string `json:"id"`
}

type Member struct {
	ID             int64  `json:"id"`
	Username       string `json:"username"`
	Email          string `json:"email"`
	ProfilePicture string `json:"profilePicture,omitempty"`
}

type tasksResponse struct {
	Tasks    []Task `json:"tasks"`
	LastPage bool   `json:"last_page"`
}

// TimeEntry is a row from the team time-entries endpoint. Start, End, and
// Duration are millisecond values serialized as strings.
type TimeEntry struct {
	ID          string  `json:"id"`
	Task        *Ref    `json:"task,omitempty"`
	User        *Member `json:"user,omitempty"`
	Start       Millis  `json:"start"`
	End         Millis  `json:"end"`
	Duration    Millis  `json:"duration"`
	Description string  `json:"description,omitempty"`
}

type timeEntriesResponse struct {
	Data []TimeEntry `json:"data"`
}
