package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/codesage/reviewd/internal/models"
)

// SuggestionStore is the data access layer for review suggestions.
// Invariant: responded_at is set exactly when status leaves pending.
type SuggestionStore struct {
	db *DB
}

// NewSuggestionStore creates a suggestion store.
func NewSuggestionStore(db *DB) *SuggestionStore {
	return &SuggestionStore{db: db}
}

// Create inserts one suggestion for a job. The ID is assigned here when
// empty.
func (s *SuggestionStore) Create(ctx context.Context, sg *models.Suggestion) error {
	if sg.ID == "" {
		sg.ID = uuid.New().String()
	}
	if sg.Status == "" {
		sg.Status = models.SuggestionPending
	}
	if sg.CreatedAt.IsZero() {
		sg.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO suggestions (id, job_id, file_path, line_number, line_end,
		                         category, severity, message, explanation,
		                         suggested_fix, confidence_score, status,
		                         user_feedback, created_at, responded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sg.ID, sg.JobID, sg.FilePath, sg.LineNumber, sg.LineEnd,
		sg.Category, string(sg.Severity), sg.Message, sg.Explanation,
		sg.SuggestedFix, sg.ConfidenceScore, string(sg.Status),
		sg.UserFeedback, sg.CreatedAt, sg.RespondedAt)
	if err != nil {
		return fmt.Errorf("insert suggestion: %w", err)
	}
	return nil
}

// Get fetches a suggestion by ID.
func (s *SuggestionStore) Get(ctx context.Context, id string) (*models.Suggestion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, job_id, file_path, line_number, line_end, category,
		       severity, message, explanation, suggested_fix,
		       confidence_score, status, user_feedback, created_at,
		       responded_at
		FROM suggestions WHERE id = ?`, id)
	return scanSuggestion(row)
}

// ListByJob returns a job's suggestions, optionally filtered by status
// and/or severity. Empty filters match everything.
func (s *SuggestionStore) ListByJob(ctx context.Context, jobID string, status models.SuggestionStatus, severity models.SuggestionSeverity) ([]*models.Suggestion, error) {
	query := `
		SELECT id, job_id, file_path, line_number, line_end, category,
		       severity, message, explanation, suggested_fix,
		       confidence_score, status, user_feedback, created_at,
		       responded_at
		FROM suggestions WHERE job_id = ?`
	args := []any{jobID}

	if status != "" {
		query += " AND status = ?"
		args = append(args, string(status))
	}
	if severity != "" {
		query += " AND severity = ?"
		args = append(args, string(severity))
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list suggestions: %w", err)
	}
	defer rows.Close()

	var out []*models.Suggestion
	for rows.Next() {
		sg, err := scanSuggestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sg)
	}
	return out, rows.Err()
}

// CountByJob reports how many suggestions a job produced.
func (s *SuggestionStore) CountByJob(ctx context.Context, jobID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM suggestions WHERE job_id = ?`, jobID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count suggestions: %w", err)
	}
	return n, nil
}

// Respond records the user's decision on a suggestion. Calling it again
// overwrites status, feedback and responded_at with the latest call's
// values regardless of prior state.
func (s *SuggestionStore) Respond(ctx context.Context, id string, status models.SuggestionStatus, feedback string) (*models.Suggestion, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE suggestions
		SET status = ?, user_feedback = ?, responded_at = ?
		WHERE id = ?`,
		string(status), feedback, now, id)
	if err != nil {
		return nil, fmt.Errorf("respond to suggestion: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("respond to suggestion: %w", err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}
	return s.Get(ctx, id)
}

// AcceptanceRate returns accepted / responded suggestions as a percentage,
// or 0 when nothing has been responded to yet. Pending suggestions are not
// part of the denominator.
func (s *SuggestionStore) AcceptanceRate(ctx context.Context) (float64, error) {
	var accepted, responded int64
	err := s.db.QueryRowContext(ctx, `
		SELECT
		  COUNT(CASE WHEN status = 'accepted' THEN 1 END),
		  COUNT(CASE WHEN status != 'pending' THEN 1 END)
		FROM suggestions`).Scan(&accepted, &responded)
	if err != nil {
		return 0, fmt.Errorf("acceptance rate: %w", err)
	}
	if responded == 0 {
		return 0, nil
	}
	return float64(accepted) * 100 / float64(responded), nil
}

func scanSuggestion(row rowScanner) (*models.Suggestion, error) {
	var (
		sg        models.Suggestion
		severity  string
		status    string
		lineEnd   sql.NullInt64
		responded sql.NullTime
	)
	err := row.Scan(&sg.ID, &sg.JobID, &sg.FilePath, &sg.LineNumber, &lineEnd,
		&sg.Category, &severity, &sg.Message, &sg.Explanation,
		&sg.SuggestedFix, &sg.ConfidenceScore, &status, &sg.UserFeedback,
		&sg.CreatedAt, &responded)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan suggestion: %w", err)
	}

	sg.Severity = models.SuggestionSeverity(severity)
	sg.Status = models.SuggestionStatus(status)
	if lineEnd.Valid {
		v := int(lineEnd.Int64)
		sg.LineEnd = &v
	}
	if responded.Valid {
		t := responded.Time
		sg.RespondedAt = &t
	}
	return &sg, nil
}
