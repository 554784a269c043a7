// Package main runs the reviewd server: webhook intake, the analysis
// worker pool and the HTTP/websocket API.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/codesage/reviewd/internal/broadcast"
	"github.com/codesage/reviewd/internal/cache"
	"github.com/codesage/reviewd/internal/config"
	"github.com/codesage/reviewd/internal/github"
	"github.com/codesage/reviewd/internal/inference"
	"github.com/codesage/reviewd/internal/metrics"
	"github.com/codesage/reviewd/internal/orchestrator"
	"github.com/codesage/reviewd/internal/server"
	"github.com/codesage/reviewd/internal/store"
)

func main() {
	configFile := flag.String("config", "reviewd.yml", "path to the YAML config overlay")
	flag.Parse()

	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	cfg := config.Load()
	if err := cfg.ApplyFile(*configFile); err != nil {
		slog.Error("failed to apply config file", "file", *configFile, "error", err)
		os.Exit(1)
	}

	logger, cleanup := config.SetupLogger(cfg.LogFile, cfg.LogLevel)
	defer cleanup()
	slog.SetDefault(logger)

	logger.Info("starting reviewd", "port", cfg.Port, "workers", cfg.Workers)

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	jobs := store.NewJobStore(db)
	suggestions := store.NewSuggestionStore(db)
	repos := store.NewRepoStore(db)

	c := cache.New(logger)
	c.Register(cache.NamespaceDiff, cfg.DiffTTL)
	c.Register(cache.NamespacePR, cfg.DiffTTL)
	c.Register(cache.NamespaceProfile, cfg.ProfileTTL)
	c.Register(cache.NamespaceRepo, cfg.RepoTTL)
	c.Register(cache.NamespaceJob, cfg.JobTTL)

	collector := metrics.NewCollector()
	broadcaster := broadcast.New(logger)
	hub := github.NewClient(cfg.GitHubAPIURL, cfg.PublicURL, cfg.Resilience, logger)
	analyzer := inference.NewClient(cfg.InferenceURL, cfg.InferenceTimeout, logger)

	orch := orchestrator.New(orchestrator.Options{
		Jobs:          jobs,
		Suggestions:   suggestions,
		Cache:         c,
		Broadcaster:   broadcaster,
		Upstream:      hub,
		Analyzer:      analyzer,
		Collector:     collector,
		Logger:        logger,
		Token:         cfg.GitHubToken,
		Workers:       cfg.Workers,
		QueueCapacity: cfg.QueueCapacity,
	})
	orch.Start()
	defer orch.Stop()

	srv := server.New(server.Options{
		Jobs:        jobs,
		Suggestions: suggestions,
		Repos:       repos,
		Cache:       c,
		Broadcaster: broadcaster,
		Trigger:     orch,
		Hub:         hub,
		Collector:   collector,
		Logger:      logger,
		Token:       cfg.GitHubToken,
	})

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}
