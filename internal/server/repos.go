package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/codesage/reviewd/internal/cache"
	"github.com/codesage/reviewd/internal/github"
	"github.com/codesage/reviewd/internal/models"
	"github.com/codesage/reviewd/internal/store"
)

func (s *Server) handleListRepos(w http.ResponseWriter, r *http.Request) {
	repos, err := s.repos.List(r.Context())
	if err != nil {
		s.logger.Error("repo list failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if repos == nil {
		repos = []*models.Repo{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"repositories": repos})
}

// handleListAvailableRepos proxies the upstream repository listing so the
// caller can pick what to register. The listing is cache-aside: repo
// metadata moves slowly and the upstream call is the expensive part.
func (s *Server) handleListAvailableRepos(w http.ResponseWriter, r *http.Request) {
	var repos []github.Repository
	if !s.cache.Get(cache.NamespaceRepo, "available", &repos) {
		var err error
		repos, err = s.hub.ListRepositories(r.Context(), s.token)
		if err != nil {
			s.logger.Error("upstream repo list failed", "error", err)
			s.writeError(w, http.StatusBadGateway, "failed to list repositories")
			return
		}
		s.cache.Set(cache.NamespaceRepo, "available", repos)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"repositories": repos})
}

type registerRepoRequest struct {
	GitHubRepoID int64  `json:"github_repo_id"`
	FullName     string `json:"full_name"`
	Language     string `json:"language"`
	AutoAnalyze  *bool  `json:"auto_analyze"`
}

// handleRegisterRepo registers a repository for review: it stores the repo
// with a freshly generated webhook secret, then creates the upstream
// webhook pointing back at this service.
func (s *Server) handleRegisterRepo(w http.ResponseWriter, r *http.Request) {
	var req registerRepoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.GitHubRepoID == 0 || req.FullName == "" {
		s.writeError(w, http.StatusBadRequest, "github_repo_id and full_name are required")
		return
	}

	if _, err := s.repos.GetByGitHubRepoID(r.Context(), req.GitHubRepoID); err == nil {
		s.writeError(w, http.StatusConflict, "repository already registered")
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		s.logger.Error("repo lookup failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	secret, err := generateSecret()
	if err != nil {
		s.logger.Error("secret generation failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	repo := &models.Repo{
		GitHubRepoID:  req.GitHubRepoID,
		FullName:      req.FullName,
		Language:      req.Language,
		WebhookSecret: secret,
		AutoAnalyze:   req.AutoAnalyze == nil || *req.AutoAnalyze,
	}
	if err := s.repos.Create(r.Context(), repo); err != nil {
		s.logger.Error("repo create failed", "repo", req.FullName, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	hook, err := s.hub.CreateWebhook(r.Context(), s.token, repo.FullName, secret)
	if err != nil {
		// Roll the registration back so a retry starts clean.
		if derr := s.repos.Delete(r.Context(), repo.ID); derr != nil {
			s.logger.Error("repo rollback failed", "repo", repo.FullName, "error", derr)
		}
		s.logger.Error("webhook registration failed", "repo", repo.FullName, "error", err)
		s.writeError(w, http.StatusBadGateway, "failed to register webhook")
		return
	}

	if err := s.repos.SetWebhook(r.Context(), repo.ID, &hook.ID); err != nil {
		s.logger.Error("webhook id persist failed", "repo", repo.FullName, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	repo.WebhookID = &hook.ID

	s.writeJSON(w, http.StatusCreated, repo)
}

// handleDeleteRepo removes the upstream webhook and unregisters the repo.
// An upstream 404 for the hook counts as already deleted.
func (s *Server) handleDeleteRepo(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	repo, err := s.repos.Get(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "repository not found")
		return
	}
	if err != nil {
		s.logger.Error("repo lookup failed", "repo_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if repo.WebhookID != nil {
		if err := s.hub.DeleteWebhook(r.Context(), s.token, repo.FullName, *repo.WebhookID); err != nil {
			s.logger.Error("webhook removal failed", "repo", repo.FullName, "error", err)
			s.writeError(w, http.StatusBadGateway, "failed to remove webhook")
			return
		}
	}

	if err := s.repos.Delete(r.Context(), id); err != nil {
		s.logger.Error("repo delete failed", "repo_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
