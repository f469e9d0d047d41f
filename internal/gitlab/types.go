// Package gitlab ingests projects, commit history, and contributor summaries
// from the GitLab REST API into the canonical store.
package gitlab

import "time"

const (
	// DefaultAPIEndpoint is the GitLab API v4 endpoint suffix.
	DefaultAPIEndpoint = "/api/v4"

	// MaxPageSize is the page size used for project and commit pagination.
	MaxPageSize = 100

	// MaxPages bounds pagination loops against malformed responses.
	MaxPages = 1000

	// requestInterval keeps the client under GitLab's published rate limit.
	requestInterval = 100 * time.Millisecond
)

// Project is a project from the GitLab API, fetched with ?statistics=true.
type Project struct {
	ID                int64      `json:"id"`
	Name              string     `json:"name"`
	PathWithNamespace string     `json:"path_with_namespace"`
	Visibility        string     `json:"visibility,omitempty"`
	WebURL            string     `json:"web_url"`
	LastActivityAt    *time.Time `json:"last_activity_at,omitempty"`
	Namespace         *Namespace `json:"namespace,omitempty"`
	Statistics        *Statistics `json:"statistics,omitempty"`
}

type Namespace struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Path     string `json:"path"`
	FullPath string `json:"full_path"`
}

type Statistics struct {
	CommitCount    int64 `json:"commit_count"`
	RepositorySize int64 `json:"repository_size,omitempty"`
}

// Commit is a commit from the repository commits endpoint. Stats is present
// when the request sets with_stats=true; otherwise the single-commit endpoint
// fills it in.
type Commit struct {
	ID           string       `json:"id"`
	ShortID      string       `json:"short_id,omitempty"`
	Title        string       `json:"title,omitempty"`
	Message      string       `json:"message"`
	AuthorName   string       `json:"author_name"`
	AuthorEmail  string       `json:"author_email"`
	AuthoredDate *time.Time   `json:"authored_date"`
	Stats        *CommitStats `json:"stats,omitempty"`
}

type CommitStats struct {
	Additions int `json:"additions"`
	Deletions int `json:"deletions"`
	Total     int `json:"total"`
}

// Contributor is a row from the repository contributors endpoint: cumulative
// totals per author over the whole repository history.
type Contributor struct {
	Name      string `json:"name"`
	Email     string `json:"email"`
	Commits   int    `json:"commits"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
}
