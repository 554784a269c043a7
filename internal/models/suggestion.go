package models

import "time"

// SuggestionSeverity prioritizes which findings to address first.
type SuggestionSeverity string

const (
	SeverityCritical SuggestionSeverity = "critical"
	SeverityModerate SuggestionSeverity = "moderate"
	SeverityMinor    SuggestionSeverity = "minor"
)

// SuggestionStatus tracks the user's decision on a finding.
type SuggestionStatus string

const (
	SuggestionPending  SuggestionStatus = "pending"
	SuggestionAccepted SuggestionStatus = "accepted"
	SuggestionRejected SuggestionStatus = "rejected"
	SuggestionIgnored  SuggestionStatus = "ignored"
)

// Suggestion is one generated finding tied to exactly one job.
// RespondedAt is nil exactly while the status is pending.
type Suggestion struct {
	ID              string             `json:"id"`
	JobID           string             `json:"job_id"`
	FilePath        string             `json:"file_path"`
	LineNumber      int                `json:"line_number"`
	LineEnd         *int               `json:"line_end,omitempty"`
	Category        string             `json:"category"`
	Severity        SuggestionSeverity `json:"severity"`
	Message         string             `json:"message"`
	Explanation     string             `json:"explanation,omitempty"`
	SuggestedFix    string             `json:"suggested_fix,omitempty"`
	ConfidenceScore float64            `json:"confidence_score"`
	Status          SuggestionStatus   `json:"status"`
	UserFeedback    string             `json:"user_feedback,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	RespondedAt     *time.Time         `json:"responded_at,omitempty"`
}

// IsPending reports whether the suggestion awaits a user decision.
func (s *Suggestion) IsPending() bool {
	return s.Status == SuggestionPending
}
