package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codesage/reviewd/internal/broadcast"
	"github.com/codesage/reviewd/internal/cache"
	"github.com/codesage/reviewd/internal/github"
	"github.com/codesage/reviewd/internal/metrics"
	"github.com/codesage/reviewd/internal/models"
	"github.com/codesage/reviewd/internal/orchestrator"
	"github.com/codesage/reviewd/internal/store"
)

type stubTrigger struct {
	handle *orchestrator.JobHandle
	err    error
	calls  int
}

func (s *stubTrigger) TriggerJob(ctx context.Context, repo *models.Repo, subject *models.Subject) (*orchestrator.JobHandle, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if s.handle != nil {
		return s.handle, nil
	}
	return &orchestrator.JobHandle{JobID: "job-stub"}, nil
}

func (s *stubTrigger) QueueDepth() int { return 0 }

type stubHub struct {
	repos     []github.Repository
	createErr error
	deleteErr error
	deleted   []int64
}

func (s *stubHub) ListRepositories(ctx context.Context, token string) ([]github.Repository, error) {
	return s.repos, nil
}

func (s *stubHub) CreateWebhook(ctx context.Context, token, repoFullName, secret string) (*github.Webhook, error) {
	if s.createErr != nil {
		return nil, s.createErr
	}
	return &github.Webhook{ID: 555, Active: true}, nil
}

func (s *stubHub) DeleteWebhook(ctx context.Context, token, repoFullName string, webhookID int64) error {
	s.deleted = append(s.deleted, webhookID)
	return s.deleteErr
}

type testEnv struct {
	handler http.Handler
	trigger *stubTrigger
	hub     *stubHub
	db      *store.DB
	jobs    *store.JobStore
	sugg    *store.SuggestionStore
	repos   *store.RepoStore
	cache   *cache.Cache
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "reviewd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	c := cache.New(nil)
	c.Register(cache.NamespaceJob, time.Minute)
	c.Register(cache.NamespaceRepo, time.Minute)

	trigger := &stubTrigger{}
	hub := &stubHub{}
	jobs := store.NewJobStore(db)
	sugg := store.NewSuggestionStore(db)
	repos := store.NewRepoStore(db)

	srv := New(Options{
		Jobs:        jobs,
		Suggestions: sugg,
		Repos:       repos,
		Cache:       c,
		Broadcaster: broadcast.New(nil),
		Trigger:     trigger,
		Hub:         hub,
		Collector:   metrics.NewCollector(),
		Token:       "token",
	})

	return &testEnv{
		handler: srv.Routes(),
		trigger: trigger,
		hub:     hub,
		db:      db,
		jobs:    jobs,
		sugg:    sugg,
		repos:   repos,
		cache:   c,
	}
}

func (e *testEnv) registerRepo(t *testing.T) *models.Repo {
	t.Helper()
	repo := &models.Repo{
		GitHubRepoID:  1001,
		FullName:      "octo/widgets",
		Language:      "Go",
		WebhookSecret: "hook-secret",
		AutoAnalyze:   true,
	}
	require.NoError(t, e.repos.Create(context.Background(), repo))
	return repo
}

func (e *testEnv) do(method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func prWebhookBody(repoID int64, action string) []byte {
	return []byte(fmt.Sprintf(`{
		"action": %q,
		"number": 42,
		"pull_request": {
			"number": 42,
			"title": "Add widget pooling",
			"state": "open",
			"user": {"login": "octocat"},
			"base": {"ref": "main"},
			"head": {"ref": "feature/pooling"}
		},
		"repository": {"id": %d, "full_name": "octo/widgets"}
	}`, action, repoID))
}

func webhookHeaders(body []byte, secret string) map[string]string {
	return map[string]string{
		"X-GitHub-Event":      "pull_request",
		"X-Hub-Signature-256": github.SignBody(body, secret),
	}
}

func TestWebhookTriggersAnalysis(t *testing.T) {
	e := newTestEnv(t)
	repo := e.registerRepo(t)

	body := prWebhookBody(repo.GitHubRepoID, "opened")
	rec := e.do(http.MethodPost, "/api/v1/webhooks/github", body, webhookHeaders(body, repo.WebhookSecret))

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "queued", resp["status"])
	assert.Equal(t, "job-stub", resp["jobId"])
	assert.Equal(t, 1, e.trigger.calls)

	// The delivery upserted the subject.
	subject, err := e.repos.GetSubjectByNumber(context.Background(), repo.ID, 42)
	require.NoError(t, err)
	assert.Equal(t, "octocat", subject.Author)
	assert.Equal(t, "feature/pooling", subject.HeadBranch)
}

func TestWebhookBadSignatureIsRejected(t *testing.T) {
	e := newTestEnv(t)
	repo := e.registerRepo(t)

	body := prWebhookBody(repo.GitHubRepoID, "opened")
	headers := webhookHeaders(body, "wrong-secret")
	rec := e.do(http.MethodPost, "/api/v1/webhooks/github", body, headers)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, e.trigger.calls)
}

func TestWebhookUnregisteredRepoIsAcknowledged(t *testing.T) {
	e := newTestEnv(t)

	body := prWebhookBody(9999, "opened")
	rec := e.do(http.MethodPost, "/api/v1/webhooks/github", body, webhookHeaders(body, "whatever"))

	assert.Equal(t, http.StatusOK, rec.Code, "unknown repos get a 200 so the sender keeps the hook alive")
	assert.Contains(t, rec.Body.String(), "repository not registered")
	assert.Equal(t, 0, e.trigger.calls)
}

func TestWebhookIgnoredActions(t *testing.T) {
	e := newTestEnv(t)
	repo := e.registerRepo(t)

	for _, action := range []string{"closed", "labeled", "assigned"} {
		body := prWebhookBody(repo.GitHubRepoID, action)
		rec := e.do(http.MethodPost, "/api/v1/webhooks/github", body, webhookHeaders(body, repo.WebhookSecret))
		assert.Equal(t, http.StatusOK, rec.Code, "action %s is acknowledged without analysis", action)
	}
	assert.Equal(t, 0, e.trigger.calls)
}

func TestWebhookAnalyzedActions(t *testing.T) {
	e := newTestEnv(t)
	repo := e.registerRepo(t)

	for _, action := range []string{"opened", "synchronize", "reopened"} {
		body := prWebhookBody(repo.GitHubRepoID, action)
		rec := e.do(http.MethodPost, "/api/v1/webhooks/github", body, webhookHeaders(body, repo.WebhookSecret))
		assert.Equal(t, http.StatusAccepted, rec.Code, "action %s triggers analysis", action)
	}
	assert.Equal(t, 3, e.trigger.calls)
}

func TestWebhookPing(t *testing.T) {
	e := newTestEnv(t)
	repo := e.registerRepo(t)

	body := prWebhookBody(repo.GitHubRepoID, "")
	headers := webhookHeaders(body, repo.WebhookSecret)
	headers["X-GitHub-Event"] = "ping"
	rec := e.do(http.MethodPost, "/api/v1/webhooks/github", body, headers)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "pong")
}

func TestWebhookAutoAnalyzeDisabled(t *testing.T) {
	e := newTestEnv(t)
	repo := &models.Repo{GitHubRepoID: 1002, FullName: "octo/quiet", WebhookSecret: "s", AutoAnalyze: false}
	require.NoError(t, e.repos.Create(context.Background(), repo))

	body := prWebhookBody(repo.GitHubRepoID, "opened")
	rec := e.do(http.MethodPost, "/api/v1/webhooks/github", body, webhookHeaders(body, "s"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, e.trigger.calls)
}

func TestWebhookQueueFull(t *testing.T) {
	e := newTestEnv(t)
	repo := e.registerRepo(t)
	e.trigger.err = orchestrator.ErrQueueFull

	body := prWebhookBody(repo.GitHubRepoID, "opened")
	rec := e.do(http.MethodPost, "/api/v1/webhooks/github", body, webhookHeaders(body, repo.WebhookSecret))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestWebhookUnknownProvider(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(http.MethodPost, "/api/v1/webhooks/gitlab", []byte(`{}`), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func (e *testEnv) seedJob(t *testing.T) *models.Job {
	t.Helper()
	ctx := context.Background()
	repo := e.registerRepo(t)
	subject, err := e.repos.UpsertSubject(ctx, &models.Subject{RepoID: repo.ID, Number: 42})
	require.NoError(t, err)
	job, err := e.jobs.Create(ctx, subject.ID)
	require.NoError(t, err)
	return job
}

func TestGetJobStatus(t *testing.T) {
	e := newTestEnv(t)
	job := e.seedJob(t)
	ctx := context.Background()

	job.MarkStarted()
	job.ProgressPercent = 50
	job.ProgressMessage = "Analyzing code"
	require.NoError(t, e.jobs.Update(ctx, job))

	rec := e.do(http.MethodGet, "/api/v1/jobs/"+job.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp jobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, job.ID, resp.ID)
	assert.Equal(t, "processing", resp.Status)
	assert.Equal(t, 50, resp.ProgressPercent)
	assert.Equal(t, 0, resp.SuggestionCount)
}

func TestGetJobStatusIncludesSuggestionCount(t *testing.T) {
	e := newTestEnv(t)
	job := e.seedJob(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, e.sugg.Create(ctx, &models.Suggestion{
			JobID: job.ID, FilePath: "a.go", LineNumber: 1,
			Severity: models.SeverityMinor, Message: "m",
		}))
	}

	rec := e.do(http.MethodGet, "/api/v1/jobs/"+job.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp jobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.SuggestionCount)
}

func TestGetJobStatusUnknown(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(http.MethodGet, "/api/v1/jobs/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetJobStatusServedFromCache(t *testing.T) {
	e := newTestEnv(t)
	job := e.seedJob(t)

	// A cached terminal snapshot answers without a store read, even if the
	// row were gone.
	job.MarkStarted()
	job.MarkCompleted()
	e.cache.Set(cache.NamespaceJob, job.ID, job)

	rec := e.do(http.MethodGet, "/api/v1/jobs/"+job.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp jobResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "completed", resp.Status)
}

func TestListSuggestionsWithFilters(t *testing.T) {
	e := newTestEnv(t)
	job := e.seedJob(t)
	ctx := context.Background()

	sev := []models.SuggestionSeverity{models.SeverityCritical, models.SeverityModerate, models.SeverityMinor}
	for i, s := range sev {
		require.NoError(t, e.sugg.Create(ctx, &models.Suggestion{
			JobID: job.ID, FilePath: fmt.Sprintf("f%d.go", i), LineNumber: 1,
			Severity: s, Message: "m",
		}))
	}

	rec := e.do(http.MethodGet, "/api/v1/jobs/"+job.ID+"/suggestions", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Suggestions []*models.Suggestion `json:"suggestions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Suggestions, 3)

	rec = e.do(http.MethodGet, "/api/v1/jobs/"+job.ID+"/suggestions?severity=critical", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Suggestions, 1)
	assert.Equal(t, models.SeverityCritical, resp.Suggestions[0].Severity)
}

func TestAcceptAndRejectSuggestion(t *testing.T) {
	e := newTestEnv(t)
	job := e.seedJob(t)
	ctx := context.Background()

	sg := &models.Suggestion{JobID: job.ID, FilePath: "a.go", LineNumber: 1, Severity: models.SeverityMinor, Message: "m"}
	require.NoError(t, e.sugg.Create(ctx, sg))

	rec := e.do(http.MethodPost, "/api/v1/suggestions/"+sg.ID+"/accept", []byte(`{"feedback":"nice"}`), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got models.Suggestion
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, models.SuggestionAccepted, got.Status)
	assert.Equal(t, "nice", got.UserFeedback)
	assert.NotNil(t, got.RespondedAt)

	// A second decision overwrites the first; the endpoint stays 200.
	rec = e.do(http.MethodPost, "/api/v1/suggestions/"+sg.ID+"/reject", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, models.SuggestionRejected, got.Status)
}

func TestRespondToUnknownSuggestion(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(http.MethodPost, "/api/v1/suggestions/nope/accept", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRegisterRepoCreatesWebhook(t *testing.T) {
	e := newTestEnv(t)

	body := []byte(`{"github_repo_id": 2002, "full_name": "octo/gadgets", "language": "Go"}`)
	rec := e.do(http.MethodPost, "/api/v1/repos", body, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var repo models.Repo
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &repo))
	assert.Equal(t, "octo/gadgets", repo.FullName)
	require.NotNil(t, repo.WebhookID)
	assert.Equal(t, int64(555), *repo.WebhookID)
	assert.True(t, repo.AutoAnalyze, "auto-analyze defaults on")

	stored, err := e.repos.GetByGitHubRepoID(context.Background(), 2002)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.WebhookSecret, "a secret is generated server-side")
}

func TestRegisterRepoDuplicate(t *testing.T) {
	e := newTestEnv(t)
	repo := e.registerRepo(t)

	body := []byte(fmt.Sprintf(`{"github_repo_id": %d, "full_name": %q}`, repo.GitHubRepoID, repo.FullName))
	rec := e.do(http.MethodPost, "/api/v1/repos", body, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestRegisterRepoRollsBackOnWebhookFailure(t *testing.T) {
	e := newTestEnv(t)
	e.hub.createErr = fmt.Errorf("upstream down")

	body := []byte(`{"github_repo_id": 2002, "full_name": "octo/gadgets"}`)
	rec := e.do(http.MethodPost, "/api/v1/repos", body, nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	_, err := e.repos.GetByGitHubRepoID(context.Background(), 2002)
	assert.ErrorIs(t, err, store.ErrNotFound, "failed registration leaves no partial state")
}

func TestDeleteRepoRemovesWebhook(t *testing.T) {
	e := newTestEnv(t)
	repo := e.registerRepo(t)
	hookID := int64(777)
	require.NoError(t, e.repos.SetWebhook(context.Background(), repo.ID, &hookID))

	rec := e.do(http.MethodDelete, "/api/v1/repos/"+repo.ID, nil, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []int64{777}, e.hub.deleted)

	_, err := e.repos.Get(context.Background(), repo.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListAvailableReposIsCached(t *testing.T) {
	e := newTestEnv(t)
	e.hub.repos = []github.Repository{{ID: 1, FullName: "octo/widgets"}}

	rec := e.do(http.MethodGet, "/api/v1/repos/available", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "octo/widgets")

	// A later upstream change is invisible until the cache entry expires.
	e.hub.repos = nil
	rec = e.do(http.MethodGet, "/api/v1/repos/available", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "octo/widgets")
}

func TestHealth(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestStats(t *testing.T) {
	e := newTestEnv(t)
	job := e.seedJob(t)
	ctx := context.Background()

	job.MarkStarted()
	require.NoError(t, e.jobs.Update(ctx, job))
	job.MarkCompleted()
	require.NoError(t, e.jobs.Update(ctx, job))

	rec := e.do(http.MethodGet, "/api/v1/stats", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, float64(1), resp["jobsCompleted"])
	assert.Equal(t, float64(0), resp["jobsPending"])
	assert.Contains(t, resp, "uptimeSeconds")
	assert.Contains(t, resp, "acceptanceRate")
}
