package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/codesage/reviewd/internal/cache"
	"github.com/codesage/reviewd/internal/github"
	"github.com/codesage/reviewd/internal/models"
	"github.com/codesage/reviewd/internal/orchestrator"
	"github.com/codesage/reviewd/internal/store"
)

const maxWebhookBody = 5 << 20

// webhookPayload is the subset of the delivery body the service consumes.
type webhookPayload struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		State  string `json:"state"`
		User   struct {
			Login string `json:"login"`
		} `json:"user"`
		Base struct {
			Ref string `json:"ref"`
		} `json:"base"`
		Head struct {
			Ref string `json:"ref"`
		} `json:"head"`
	} `json:"pull_request"`
	Repository struct {
		ID       int64  `json:"id"`
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// analyzedActions are the PR actions that trigger a review.
var analyzedActions = map[string]bool{
	"opened":      true,
	"synchronize": true,
	"reopened":    true,
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.PathValue("provider") != "github" {
		s.writeError(w, http.StatusNotFound, "unknown webhook provider")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed webhook payload")
		return
	}

	repo, err := s.repos.GetByGitHubRepoID(r.Context(), payload.Repository.ID)
	if errors.Is(err, store.ErrNotFound) {
		// Deliveries for unknown repos are acknowledged so the sender does
		// not retry or disable the hook.
		s.logger.Debug("webhook for unregistered repository", "github_repo_id", payload.Repository.ID)
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": "repository not registered"})
		return
	}
	if err != nil {
		s.logger.Error("repo lookup failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	signature := r.Header.Get("X-Hub-Signature-256")
	if !github.ValidateSignature(body, signature, repo.WebhookSecret) {
		s.logger.Warn("webhook signature rejected", "repo", repo.FullName)
		s.writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	event := r.Header.Get("X-GitHub-Event")
	if event == "ping" {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "pong"})
		return
	}
	if event != "pull_request" || !analyzedActions[payload.Action] {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": "event not analyzed"})
		return
	}
	if !repo.AutoAnalyze {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "ignored", "reason": "auto-analyze disabled"})
		return
	}

	number := payload.PullRequest.Number
	if number == 0 {
		number = payload.Number
	}
	subject, err := s.repos.UpsertSubject(r.Context(), &models.Subject{
		RepoID:     repo.ID,
		Number:     number,
		Title:      payload.PullRequest.Title,
		Author:     payload.PullRequest.User.Login,
		BaseBranch: payload.PullRequest.Base.Ref,
		HeadBranch: payload.PullRequest.Head.Ref,
		State:      payload.PullRequest.State,
	})
	if err != nil {
		s.logger.Error("subject upsert failed", "repo", repo.FullName, "pr_number", number, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	handle, err := s.trigger.TriggerJob(r.Context(), repo, subject)
	if errors.Is(err, orchestrator.ErrQueueFull) {
		s.writeError(w, http.StatusServiceUnavailable, "analysis queue is full")
		return
	}
	if err != nil {
		s.logger.Error("trigger failed", "repo", repo.FullName, "pr_number", number, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "jobId": handle.JobID})
}

// jobResponse is the public view of a job.
type jobResponse struct {
	ID              string     `json:"id"`
	Status          string     `json:"status"`
	ProgressPercent int        `json:"progressPercent"`
	ProgressMessage string     `json:"progressMessage"`
	FilesAnalyzed   int        `json:"filesAnalyzed"`
	ErrorMessage    string     `json:"errorMessage,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
	DurationMs      *int64     `json:"durationMs,omitempty"`
	SuggestionCount int        `json:"suggestionCount"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	// Terminal jobs are snapshotted into the cache on completion; live jobs
	// always come from the store so progress stays fresh.
	var job models.Job
	if !s.cache.Get(cache.NamespaceJob, id, &job) {
		found, err := s.jobs.Get(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		if err != nil {
			s.logger.Error("job lookup failed", "job_id", id, "error", err)
			s.writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		job = *found
	}

	count, err := s.suggestions.CountByJob(r.Context(), id)
	if err != nil {
		s.logger.Error("suggestion count failed", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	s.writeJSON(w, http.StatusOK, jobResponse{
		ID:              job.ID,
		Status:          string(job.Status),
		ProgressPercent: job.ProgressPercent,
		ProgressMessage: job.ProgressMessage,
		FilesAnalyzed:   job.FilesAnalyzed,
		ErrorMessage:    job.ErrorMessage,
		CreatedAt:       job.CreatedAt,
		StartedAt:       job.StartedAt,
		CompletedAt:     job.CompletedAt,
		DurationMs:      job.DurationMs,
		SuggestionCount: count,
	})
}

func (s *Server) handleListSuggestions(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if _, err := s.jobs.Get(r.Context(), id); errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	} else if err != nil {
		s.logger.Error("job lookup failed", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	status := models.SuggestionStatus(r.URL.Query().Get("status"))
	severity := models.SuggestionSeverity(r.URL.Query().Get("severity"))

	list, err := s.suggestions.ListByJob(r.Context(), id, status, severity)
	if err != nil {
		s.logger.Error("suggestion list failed", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if list == nil {
		list = []*models.Suggestion{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"suggestions": list})
}

type respondRequest struct {
	Feedback string `json:"feedback"`
}

func (s *Server) handleAcceptSuggestion(w http.ResponseWriter, r *http.Request) {
	s.respondToSuggestion(w, r, models.SuggestionAccepted)
}

func (s *Server) handleRejectSuggestion(w http.ResponseWriter, r *http.Request) {
	s.respondToSuggestion(w, r, models.SuggestionRejected)
}

func (s *Server) respondToSuggestion(w http.ResponseWriter, r *http.Request, status models.SuggestionStatus) {
	id := r.PathValue("id")

	var req respondRequest
	if r.Body != nil {
		// The body is optional; a missing or empty one means no feedback.
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			s.writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}
	}

	sg, err := s.suggestions.Respond(r.Context(), id, status, req.Feedback)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "suggestion not found")
		return
	}
	if err != nil {
		s.logger.Error("suggestion response failed", "suggestion_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.writeJSON(w, http.StatusOK, sg)
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.jobs.Get(r.Context(), id); errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	} else if err != nil {
		s.logger.Error("job lookup failed", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.broadcaster.ServeWS(w, r, id)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statsResponse struct {
	UptimeSeconds     float64 `json:"uptimeSeconds"`
	QueueDepth        int     `json:"queueDepth"`
	JobsPending       int64   `json:"jobsPending"`
	JobsProcessing    int64   `json:"jobsProcessing"`
	JobsCompleted     int64   `json:"jobsCompleted"`
	JobsFailed        int64   `json:"jobsFailed"`
	AvgJobDurationMs  float64 `json:"avgJobDurationMs"`
	AcceptanceRate    float64 `json:"acceptanceRate"`
	Operations        any     `json:"operations"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	snap := s.collector.Snapshot()

	resp := statsResponse{
		UptimeSeconds: snap.UptimeSeconds,
		QueueDepth:    s.trigger.QueueDepth(),
		Operations:    snap,
	}

	counts := []struct {
		status models.JobStatus
		dest   *int64
	}{
		{models.JobStatusPending, &resp.JobsPending},
		{models.JobStatusProcessing, &resp.JobsProcessing},
		{models.JobStatusCompleted, &resp.JobsCompleted},
		{models.JobStatusFailed, &resp.JobsFailed},
	}
	for _, c := range counts {
		n, err := s.jobs.CountByStatus(ctx, c.status)
		if err != nil {
			s.logger.Error("job count failed", "status", c.status, "error", err)
			s.writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		*c.dest = n
	}

	avg, err := s.jobs.AverageDuration(ctx)
	if err != nil {
		s.logger.Error("average duration failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	resp.AvgJobDurationMs = avg

	rate, err := s.suggestions.AcceptanceRate(ctx)
	if err != nil {
		s.logger.Error("acceptance rate failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	resp.AcceptanceRate = rate

	s.writeJSON(w, http.StatusOK, resp)
}
