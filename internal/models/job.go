// Package models defines the persistent records of the review pipeline.
package models

import (
	"time"
)

// JobStatus represents the lifecycle state of an analysis job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether the status is an end state.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job is one execution of the analysis pipeline against a subject revision.
// A job is created pending, claimed by exactly one worker, and driven to a
// terminal state; re-analysis of the same subject creates a new job.
type Job struct {
	ID              string         `json:"id"`
	SubjectID       string         `json:"subject_id"`
	Status          JobStatus      `json:"status"`
	ProgressPercent int            `json:"progress_percent"`
	ProgressMessage string         `json:"progress_message"`
	FilesAnalyzed   int            `json:"files_analyzed"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	DurationMs      *int64         `json:"duration_ms,omitempty"`
}

// MarkStarted transitions the job to processing and records the start time.
func (j *Job) MarkStarted() {
	now := time.Now().UTC()
	j.Status = JobStatusProcessing
	j.StartedAt = &now
}

// MarkCompleted transitions the job to completed and computes its duration.
func (j *Job) MarkCompleted() {
	now := time.Now().UTC()
	j.Status = JobStatusCompleted
	j.CompletedAt = &now
	j.computeDuration()
}

// MarkFailed transitions the job to failed with a sanitized message.
// Duration is still computed so failed runs show up in latency stats.
func (j *Job) MarkFailed(message string) {
	now := time.Now().UTC()
	j.Status = JobStatusFailed
	j.CompletedAt = &now
	j.ErrorMessage = message
	j.computeDuration()
}

func (j *Job) computeDuration() {
	if j.StartedAt != nil && j.CompletedAt != nil {
		ms := j.CompletedAt.Sub(*j.StartedAt).Milliseconds()
		j.DurationMs = &ms
	}
}
