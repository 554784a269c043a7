package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codesage/reviewd/internal/models"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "reviewd.db"))
	require.NoError(t, err, "should open test database")
	t.Cleanup(func() { db.Close() })
	return db
}

// seedSubject creates a registered repo with one pull request subject so
// jobs have something to reference.
func seedSubject(t *testing.T, db *DB) *models.Subject {
	t.Helper()
	ctx := context.Background()
	repos := NewRepoStore(db)

	repo := &models.Repo{
		GitHubRepoID:  1001,
		FullName:      "octo/widgets",
		Language:      "Go",
		WebhookSecret: "secret",
		AutoAnalyze:   true,
	}
	require.NoError(t, repos.Create(ctx, repo))

	subject, err := repos.UpsertSubject(ctx, &models.Subject{
		RepoID: repo.ID,
		Number: 42,
		Title:  "Add widget pooling",
		Author: "octocat",
	})
	require.NoError(t, err)
	return subject
}

// backdateJob rewrites a job's creation time so ordering and cutoff
// queries can be tested deterministically.
func backdateJob(t *testing.T, db *DB, jobID string, createdAt time.Time) {
	t.Helper()
	_, err := db.Exec(`UPDATE jobs SET created_at = ? WHERE id = ?`, createdAt, jobID)
	require.NoError(t, err)
}
