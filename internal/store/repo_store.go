package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/codesage/reviewd/internal/models"
)

// RepoStore is the data access layer for registered repositories and
// their review subjects.
type RepoStore struct {
	db *DB
}

// NewRepoStore creates a repo store.
func NewRepoStore(db *DB) *RepoStore {
	return &RepoStore{db: db}
}

// Create registers a repository. The ID is assigned here when empty.
func (s *RepoStore) Create(ctx context.Context, repo *models.Repo) error {
	if repo.ID == "" {
		repo.ID = uuid.New().String()
	}
	if repo.CreatedAt.IsZero() {
		repo.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO repos (id, github_repo_id, full_name, language,
		                   webhook_secret, webhook_id, auto_analyze, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		repo.ID, repo.GitHubRepoID, repo.FullName, repo.Language,
		repo.WebhookSecret, repo.WebhookID, repo.AutoAnalyze, repo.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert repo: %w", err)
	}
	return nil
}

// Get fetches a repo by ID.
func (s *RepoStore) Get(ctx context.Context, id string) (*models.Repo, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, github_repo_id, full_name, language, webhook_secret,
		       webhook_id, auto_analyze, created_at
		FROM repos WHERE id = ?`, id)
	return scanRepo(row)
}

// GetByGitHubRepoID resolves an inbound webhook's repository.id to the
// registered repo. ErrNotFound means the repo was never registered here.
func (s *RepoStore) GetByGitHubRepoID(ctx context.Context, githubRepoID int64) (*models.Repo, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, github_repo_id, full_name, language, webhook_secret,
		       webhook_id, auto_analyze, created_at
		FROM repos WHERE github_repo_id = ?`, githubRepoID)
	return scanRepo(row)
}

// List returns all registered repos ordered by name.
func (s *RepoStore) List(ctx context.Context) ([]*models.Repo, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, github_repo_id, full_name, language, webhook_secret,
		       webhook_id, auto_analyze, created_at
		FROM repos ORDER BY full_name`)
	if err != nil {
		return nil, fmt.Errorf("list repos: %w", err)
	}
	defer rows.Close()

	var repos []*models.Repo
	for rows.Next() {
		repo, err := scanRepo(rows)
		if err != nil {
			return nil, err
		}
		repos = append(repos, repo)
	}
	return repos, rows.Err()
}

// SetWebhook records the upstream webhook registration handle, or clears
// it when id is nil.
func (s *RepoStore) SetWebhook(ctx context.Context, repoID string, webhookID *int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE repos SET webhook_id = ? WHERE id = ?`, webhookID, repoID)
	if err != nil {
		return fmt.Errorf("set webhook: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set webhook: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a registered repo.
func (s *RepoStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM repos WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete repo: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete repo: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertSubject creates or refreshes the subject for (repo, number) and
// returns the stored row. Webhook deliveries for the same pull request
// all map onto one subject.
func (s *RepoStore) UpsertSubject(ctx context.Context, subj *models.Subject) (*models.Subject, error) {
	now := time.Now().UTC()
	if subj.ID == "" {
		subj.ID = uuid.New().String()
	}
	if subj.State == "" {
		subj.State = "open"
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subjects (id, repo_id, number, title, author,
		                      base_branch, head_branch, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (repo_id, number) DO UPDATE SET
		    title = excluded.title,
		    author = excluded.author,
		    base_branch = excluded.base_branch,
		    head_branch = excluded.head_branch,
		    state = excluded.state,
		    updated_at = excluded.updated_at`,
		subj.ID, subj.RepoID, subj.Number, subj.Title, subj.Author,
		subj.BaseBranch, subj.HeadBranch, subj.State, now, now)
	if err != nil {
		return nil, fmt.Errorf("upsert subject: %w", err)
	}

	return s.GetSubjectByNumber(ctx, subj.RepoID, subj.Number)
}

// GetSubject fetches a subject by ID.
func (s *RepoStore) GetSubject(ctx context.Context, id string) (*models.Subject, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, repo_id, number, title, author, base_branch, head_branch,
		       state, created_at, updated_at
		FROM subjects WHERE id = ?`, id)
	return scanSubject(row)
}

// GetSubjectByNumber fetches a subject by its repo and pull request number.
func (s *RepoStore) GetSubjectByNumber(ctx context.Context, repoID string, number int) (*models.Subject, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, repo_id, number, title, author, base_branch, head_branch,
		       state, created_at, updated_at
		FROM subjects WHERE repo_id = ? AND number = ?`, repoID, number)
	return scanSubject(row)
}

func scanRepo(row rowScanner) (*models.Repo, error) {
	var (
		repo      models.Repo
		webhookID sql.NullInt64
	)
	err := row.Scan(&repo.ID, &repo.GitHubRepoID, &repo.FullName,
		&repo.Language, &repo.WebhookSecret, &webhookID,
		&repo.AutoAnalyze, &repo.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan repo: %w", err)
	}
	if webhookID.Valid {
		id := webhookID.Int64
		repo.WebhookID = &id
	}
	return &repo, nil
}

func scanSubject(row rowScanner) (*models.Subject, error) {
	var subj models.Subject
	err := row.Scan(&subj.ID, &subj.RepoID, &subj.Number, &subj.Title,
		&subj.Author, &subj.BaseBranch, &subj.HeadBranch, &subj.State,
		&subj.CreatedAt, &subj.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan subject: %w", err)
	}
	return &subj, nil
}
