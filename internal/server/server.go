// Package server exposes the review pipeline over HTTP: webhook intake,
// job and suggestion queries, repo management and the realtime channel.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/codesage/reviewd/internal/broadcast"
	"github.com/codesage/reviewd/internal/cache"
	"github.com/codesage/reviewd/internal/github"
	"github.com/codesage/reviewd/internal/metrics"
	"github.com/codesage/reviewd/internal/models"
	"github.com/codesage/reviewd/internal/orchestrator"
	"github.com/codesage/reviewd/internal/store"
)

// Hub is the slice of the upstream client the HTTP layer needs for repo
// management. The orchestrator holds its own narrower view.
type Hub interface {
	ListRepositories(ctx context.Context, token string) ([]github.Repository, error)
	CreateWebhook(ctx context.Context, token, repoFullName, secret string) (*github.Webhook, error)
	DeleteWebhook(ctx context.Context, token, repoFullName string, webhookID int64) error
}

var _ Hub = (*github.Client)(nil)

// Trigger starts analysis jobs. Implemented by the orchestrator.
type Trigger interface {
	TriggerJob(ctx context.Context, repo *models.Repo, subject *models.Subject) (*orchestrator.JobHandle, error)
	QueueDepth() int
}

// Server holds the handler dependencies.
type Server struct {
	jobs        *store.JobStore
	suggestions *store.SuggestionStore
	repos       *store.RepoStore
	cache       *cache.Cache
	broadcaster *broadcast.Broadcaster
	trigger     Trigger
	hub         Hub
	collector   *metrics.Collector
	logger      *slog.Logger
	token       string
}

// Options configures a Server.
type Options struct {
	Jobs        *store.JobStore
	Suggestions *store.SuggestionStore
	Repos       *store.RepoStore
	Cache       *cache.Cache
	Broadcaster *broadcast.Broadcaster
	Trigger     Trigger
	Hub         Hub
	Collector   *metrics.Collector
	Logger      *slog.Logger
	Token       string
}

// New creates a server.
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		jobs:        opts.Jobs,
		suggestions: opts.Suggestions,
		repos:       opts.Repos,
		cache:       opts.Cache,
		broadcaster: opts.Broadcaster,
		trigger:     opts.Trigger,
		hub:         opts.Hub,
		collector:   opts.Collector,
		logger:      opts.Logger,
		token:       opts.Token,
	}
}

// Routes builds the HTTP handler.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/webhooks/{provider}", s.handleWebhook)

	mux.HandleFunc("GET /api/v1/jobs/{id}", s.handleGetJob)
	mux.HandleFunc("GET /api/v1/jobs/{id}/suggestions", s.handleListSuggestions)
	mux.HandleFunc("POST /api/v1/suggestions/{id}/accept", s.handleAcceptSuggestion)
	mux.HandleFunc("POST /api/v1/suggestions/{id}/reject", s.handleRejectSuggestion)

	mux.HandleFunc("GET /api/v1/repos", s.handleListRepos)
	mux.HandleFunc("GET /api/v1/repos/available", s.handleListAvailableRepos)
	mux.HandleFunc("POST /api/v1/repos", s.handleRegisterRepo)
	mux.HandleFunc("DELETE /api/v1/repos/{id}", s.handleDeleteRepo)

	mux.HandleFunc("GET /ws/jobs/{id}", s.handleJobStream)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/stats", s.handleStats)

	return s.loggingMiddleware(mux)
}
