package models

import "time"

// Repo is a registered repository whose pull requests get reviewed.
// WebhookSecret is the per-repo shared secret used to validate inbound
// webhook signatures; WebhookID is the upstream registration handle.
type Repo struct {
	ID            string    `json:"id"`
	GitHubRepoID  int64     `json:"github_repo_id"`
	FullName      string    `json:"full_name"`
	Language      string    `json:"language,omitempty"`
	WebhookSecret string    `json:"-"`
	WebhookID     *int64    `json:"webhook_id,omitempty"`
	AutoAnalyze   bool      `json:"auto_analyze"`
	CreatedAt     time.Time `json:"created_at"`
}

// Subject is the unit under review: one pull request of a registered repo.
type Subject struct {
	ID         string    `json:"id"`
	RepoID     string    `json:"repo_id"`
	Number     int       `json:"number"`
	Title      string    `json:"title,omitempty"`
	Author     string    `json:"author,omitempty"`
	BaseBranch string    `json:"base_branch,omitempty"`
	HeadBranch string    `json:"head_branch,omitempty"`
	State      string    `json:"state"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
