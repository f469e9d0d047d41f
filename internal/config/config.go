// Package config loads process configuration from the environment. One
// Config is constructed at startup and passed into constructors; nothing
// reads the environment after that.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrConfiguration marks missing or invalid credentials. Connector
// constructors fail fast with it instead of attempting network calls.
var ErrConfiguration = errors.New("configuration error")

type GitLabConfig struct {
	BaseURL string
	Token   string
	// ProjectIDs is an optional allow-list; when empty the connector
	// discovers every project visible to the credential.
	ProjectIDs []int64
}

func (c GitLabConfig) Configured() bool {
	return strings.TrimSpace(c.Token) != ""
}

func (c GitLabConfig) Validate() error {
	if !c.Configured() {
		return fmt.Errorf("%w: gitlab token is required (DEVPULSE_GITLAB_TOKEN)", ErrConfiguration)
	}
	return nil
}

type ClickUpConfig struct {
	BaseURL string
	Token   string
	TeamID  string
	// SpaceIDs is an optional allow-list; when empty the connector
	// enumerates every space under the team.
	SpaceIDs []string
}

func (c ClickUpConfig) Configured() bool {
	return strings.TrimSpace(c.Token) != "" && strings.TrimSpace(c.TeamID) != ""
}

func (c ClickUpConfig) Validate() error {
	if strings.TrimSpace(c.Token) == "" {
		return fmt.Errorf("%w: clickup token is required (DEVPULSE_CLICKUP_TOKEN)", ErrConfiguration)
	}
	if strings.TrimSpace(c.TeamID) == "" {
		return fmt.Errorf("%w: clickup team id is required (DEVPULSE_CLICKUP_TEAM_ID)", ErrConfiguration)
	}
	return nil
}

type Config struct {
	DatabaseDSN  string
	SyncInterval time.Duration
	GitLab       GitLabConfig
	ClickUp      ClickUpConfig
}

// Load reads DEVPULSE_* environment variables. Absent values fall back to
// defaults; provider credential validation is deferred to the connector
// constructors so one missing provider never blocks the other.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DEVPULSE")
	v.AutomaticEnv()

	v.SetDefault("gitlab_url", "https://gitlab.com")
	v.SetDefault("clickup_url", "https://api.clickup.com")
	v.SetDefault("sync_interval_hours", 1)

	intervalHours := v.GetInt("sync_interval_hours")
	if intervalHours <= 0 {
		return nil, fmt.Errorf("%w: sync interval must be positive, got %d", ErrConfiguration, intervalHours)
	}

	projectIDs, err := parseProjectIDs(v.GetString("gitlab_project_ids"))
	if err != nil {
		return nil, err
	}

	return &Config{
		DatabaseDSN:  strings.TrimSpace(v.GetString("database_dsn")),
		SyncInterval: time.Duration(intervalHours) * time.Hour,
		GitLab: GitLabConfig{
			BaseURL:    strings.TrimSpace(v.GetString("gitlab_url")),
			Token:      strings.TrimSpace(v.GetString("gitlab_token")),
			ProjectIDs: projectIDs,
		},
		ClickUp: ClickUpConfig{
			BaseURL:  strings.TrimSpace(v.GetString("clickup_url")),
			Token:    strings.TrimSpace(v.GetString("clickup_token")),
			TeamID:   strings.TrimSpace(v.GetString("clickup_team_id")),
			SpaceIDs: splitList(v.GetString("clickup_space_ids")),
		},
	}, nil
}

func parseProjectIDs(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range splitList(raw) {
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid gitlab project id %q", ErrConfiguration, part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
