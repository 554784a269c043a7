package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/codesage/reviewd/internal/models"
)

// JobStore is the data access layer for analysis jobs. It owns the status
// machine: pending → processing → completed|failed, never reversed.
type JobStore struct {
	db *DB
}

// NewJobStore creates a job store.
func NewJobStore(db *DB) *JobStore {
	return &JobStore{db: db}
}

// Create inserts a new pending job for a subject and returns it.
func (s *JobStore) Create(ctx context.Context, subjectID string) (*models.Job, error) {
	job := &models.Job{
		ID:        uuid.New().String(),
		SubjectID: subjectID,
		Status:    models.JobStatusPending,
		Metadata:  map[string]any{},
		CreatedAt: time.Now().UTC(),
	}

	meta, err := json.Marshal(job.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, subject_id, status, metadata, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		job.ID, job.SubjectID, string(job.Status), string(meta), job.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// Get fetches a job by ID.
func (s *JobStore) Get(ctx context.Context, id string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, subject_id, status, progress_percent, progress_message,
		       files_analyzed, error_message, metadata, created_at,
		       started_at, completed_at, duration_ms
		FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// Update persists the full mutable state of a job. Transitions out of a
// terminal state are rejected with ErrTerminalState; the guard lives in the
// UPDATE's WHERE clause so a racing writer cannot reopen a finished job.
func (s *JobStore) Update(ctx context.Context, job *models.Job) error {
	meta, err := json.Marshal(job.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, progress_percent = ?, progress_message = ?,
		    files_analyzed = ?, error_message = ?, metadata = ?,
		    started_at = ?, completed_at = ?, duration_ms = ?
		WHERE id = ?
		  AND (status NOT IN ('completed', 'failed') OR status = ?)`,
		string(job.Status), job.ProgressPercent, job.ProgressMessage,
		job.FilesAnalyzed, job.ErrorMessage, string(meta),
		job.StartedAt, job.CompletedAt, job.DurationMs,
		job.ID, string(job.Status))
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n == 0 {
		current, getErr := s.Get(ctx, job.ID)
		if getErr != nil {
			return getErr
		}
		if current.Status.Terminal() && current.Status != job.Status {
			return fmt.Errorf("%w: %s is %s", ErrTerminalState, job.ID, current.Status)
		}
		return fmt.Errorf("update job %s: no rows affected", job.ID)
	}
	return nil
}

// LatestForSubject returns the most recent job for a subject.
func (s *JobStore) LatestForSubject(ctx context.Context, subjectID string) (*models.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, subject_id, status, progress_percent, progress_message,
		       files_analyzed, error_message, metadata, created_at,
		       started_at, completed_at, duration_ms
		FROM jobs WHERE subject_id = ?
		ORDER BY created_at DESC LIMIT 1`, subjectID)
	return scanJob(row)
}

// ListStuck returns non-terminal jobs created before the cutoff. An
// external reaper watches this; reviewd itself never cancels a job.
func (s *JobStore) ListStuck(ctx context.Context, before time.Time) ([]*models.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject_id, status, progress_percent, progress_message,
		       files_analyzed, error_message, metadata, created_at,
		       started_at, completed_at, duration_ms
		FROM jobs
		WHERE status IN ('pending', 'processing') AND created_at < ?
		ORDER BY created_at`, before)
	if err != nil {
		return nil, fmt.Errorf("list stuck jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// CountByStatus reports how many jobs are in the given status.
func (s *JobStore) CountByStatus(ctx context.Context, status models.JobStatus) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status = ?`, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

// AverageDuration returns the mean duration of completed jobs in
// milliseconds, or 0 when none completed yet.
func (s *JobStore) AverageDuration(ctx context.Context) (float64, error) {
	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT AVG(duration_ms) FROM jobs
		WHERE status = 'completed' AND duration_ms IS NOT NULL`).Scan(&avg)
	if err != nil {
		return 0, fmt.Errorf("average job duration: %w", err)
	}
	return avg.Float64, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job       models.Job
		status    string
		meta      string
		startedAt sql.NullTime
		completed sql.NullTime
		duration  sql.NullInt64
	)
	err := row.Scan(&job.ID, &job.SubjectID, &status, &job.ProgressPercent,
		&job.ProgressMessage, &job.FilesAnalyzed, &job.ErrorMessage, &meta,
		&job.CreatedAt, &startedAt, &completed, &duration)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}

	job.Status = models.JobStatus(status)
	if err := json.Unmarshal([]byte(meta), &job.Metadata); err != nil {
		job.Metadata = map[string]any{}
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		job.CompletedAt = &t
	}
	if duration.Valid {
		d := duration.Int64
		job.DurationMs = &d
	}
	return &job, nil
}

func collectJobs(rows *sql.Rows) ([]*models.Job, error) {
	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
