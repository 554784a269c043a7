// Package orchestrator runs the analysis pipeline. A bounded worker pool
// consumes triggered jobs and drives each one through diff retrieval, AI
// analysis and suggestion persistence, publishing progress along the way.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codesage/reviewd/internal/broadcast"
	"github.com/codesage/reviewd/internal/cache"
	"github.com/codesage/reviewd/internal/github"
	"github.com/codesage/reviewd/internal/inference"
	"github.com/codesage/reviewd/internal/metrics"
	"github.com/codesage/reviewd/internal/models"
	"github.com/codesage/reviewd/internal/store"
)

// ErrQueueFull is returned when the job queue cannot accept another trigger.
var ErrQueueFull = errors.New("orchestrator: job queue is full")

// ErrStopped is returned when a trigger arrives after shutdown began.
var ErrStopped = errors.New("orchestrator: stopped")

// ErrEmptyDiff fails a job whose pull request produced no diff.
var ErrEmptyDiff = errors.New("pull request diff is empty, nothing to analyze")

// errInternal hides panics behind a generic message.
var errInternal = errors.New("internal error")

// Upstream is the slice of the code-host client the pipeline needs.
type Upstream interface {
	GetPullRequestDiff(ctx context.Context, token, repoFullName string, number int) (string, error)
	GetPullRequestFiles(ctx context.Context, token, repoFullName string, number int) ([]github.ChangedFile, error)
}

// Analyzer is the slice of the inference client the pipeline needs.
type Analyzer interface {
	Analyze(ctx context.Context, req inference.AnalyzeRequest) (*inference.AnalyzeResponse, error)
}

var (
	_ Upstream = (*github.Client)(nil)
	_ Analyzer = (*inference.Client)(nil)
)

// JobHandle is the caller's view of an in-flight job: its ID right away,
// and a channel that closes once the job reaches a terminal state. The job
// store holds the authoritative result.
type JobHandle struct {
	JobID string

	done chan struct{}
}

// Done returns a channel closed when the job is terminal.
func (h *JobHandle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the job is terminal or the context is cancelled.
func (h *JobHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type task struct {
	job     *models.Job
	repo    *models.Repo
	subject *models.Subject
	handle  *JobHandle
}

// Orchestrator owns the worker pool and the pipeline.
type Orchestrator struct {
	jobs        *store.JobStore
	suggestions *store.SuggestionStore
	cache       *cache.Cache
	broadcaster *broadcast.Broadcaster
	upstream    Upstream
	analyzer    Analyzer
	collector   *metrics.Collector
	logger      *slog.Logger

	token   string
	workers int
	queue   chan task

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Options configures an Orchestrator.
type Options struct {
	Jobs        *store.JobStore
	Suggestions *store.SuggestionStore
	Cache       *cache.Cache
	Broadcaster *broadcast.Broadcaster
	Upstream    Upstream
	Analyzer    Analyzer
	Collector   *metrics.Collector
	Logger      *slog.Logger

	Token         string
	Workers       int
	QueueCapacity int
}

// New creates an orchestrator. Call Start before triggering jobs.
func New(opts Options) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = 5
	}
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 25
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Collector == nil {
		opts.Collector = metrics.NewCollector()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		jobs:        opts.Jobs,
		suggestions: opts.Suggestions,
		cache:       opts.Cache,
		broadcaster: opts.Broadcaster,
		upstream:    opts.Upstream,
		analyzer:    opts.Analyzer,
		collector:   opts.Collector,
		logger:      opts.Logger,
		token:       opts.Token,
		workers:     opts.Workers,
		queue:       make(chan task, opts.QueueCapacity),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Start launches the worker pool.
func (o *Orchestrator) Start() {
	for i := 0; i < o.workers; i++ {
		o.wg.Add(1)
		go o.worker()
	}
	o.logger.Info("orchestrator started", "workers", o.workers, "queue_capacity", cap(o.queue))
}

// Stop shuts the pool down. Queued jobs that no worker picked up stay
// pending in the store; in-flight jobs run to completion.
func (o *Orchestrator) Stop() {
	o.cancel()
	o.wg.Wait()
	o.logger.Info("orchestrator stopped")
}

// TriggerJob creates a job for the subject and queues it for analysis.
// Overlapping triggers for the same subject each get their own job. When
// the queue is full the job is failed immediately and ErrQueueFull
// returned, so the caller can push back on the webhook sender.
func (o *Orchestrator) TriggerJob(ctx context.Context, repo *models.Repo, subject *models.Subject) (*JobHandle, error) {
	if o.ctx.Err() != nil {
		return nil, ErrStopped
	}

	job, err := o.jobs.Create(ctx, subject.ID)
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	handle := &JobHandle{JobID: job.ID, done: make(chan struct{})}
	t := task{job: job, repo: repo, subject: subject, handle: handle}

	select {
	case o.queue <- t:
	default:
		job.MarkFailed("analysis queue is full, try again later")
		if uerr := o.jobs.Update(ctx, job); uerr != nil {
			o.logger.Error("failed to persist queue rejection", "job_id", job.ID, "error", uerr)
		}
		close(handle.done)
		o.collector.RecordFailure(metrics.OpJob)
		return nil, ErrQueueFull
	}

	o.logger.Info("job queued",
		"job_id", job.ID,
		"repo", repo.FullName,
		"pr_number", subject.Number,
		"queue_depth", len(o.queue))
	return handle, nil
}

// QueueDepth reports how many triggered jobs wait for a worker.
func (o *Orchestrator) QueueDepth() int {
	return len(o.queue)
}

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for {
		select {
		case <-o.ctx.Done():
			return
		case t := <-o.queue:
			o.run(t)
		}
	}
}

// run executes one job. Panics inside the pipeline fail the job instead of
// killing the worker.
func (o *Orchestrator) run(t task) {
	defer close(t.handle.done)

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("pipeline panic", "job_id", t.job.ID, "panic", r)
			o.fail(t.job, errInternal)
		}
	}()

	if err := o.process(t); err != nil {
		o.fail(t.job, err)
		return
	}
	o.collector.RecordTiming(metrics.OpJob, time.Since(start))
}

func (o *Orchestrator) process(t task) error {
	// Shutdown stops the intake, not the pipeline: a claimed job runs to
	// its terminal state, so persistence is never cut off mid-flight.
	ctx := context.Background()
	job, repo, subject := t.job, t.repo, t.subject

	job.MarkStarted()
	if err := o.setProgress(ctx, job, 10, "Fetching pull request diff"); err != nil {
		return err
	}

	diff, err := o.fetchDiff(ctx, repo, subject)
	if err != nil {
		return err
	}
	if diff == "" {
		return ErrEmptyDiff
	}

	if err := o.setProgress(ctx, job, 30, "Preparing code for analysis"); err != nil {
		return err
	}

	// The file list carries per-file patches and churn stats that go stale
	// fast, so it is fetched fresh on every run.
	upstreamStart := time.Now()
	files, err := o.upstream.GetPullRequestFiles(ctx, o.token, repo.FullName, subject.Number)
	if err != nil {
		o.collector.RecordFailure(metrics.OpUpstream)
		return fmt.Errorf("fetch changed files: %w", err)
	}
	o.collector.RecordTiming(metrics.OpUpstream, time.Since(upstreamStart))

	if err := o.setProgress(ctx, job, 50, "Analyzing code"); err != nil {
		return err
	}

	inferenceStart := time.Now()
	resp, err := o.analyzer.Analyze(ctx, inference.AnalyzeRequest{
		RepositoryID: repo.ID,
		PRNumber:     subject.Number,
		Diff:         diff,
		Files:        files,
		Language:     repo.Language,
	})
	if err != nil {
		o.collector.RecordFailure(metrics.OpInference)
		return fmt.Errorf("analyze: %w", err)
	}
	o.collector.RecordTiming(metrics.OpInference, time.Since(inferenceStart))

	if err := o.setProgress(ctx, job, 80, "Processing suggestions"); err != nil {
		return err
	}

	for _, p := range resp.Suggestions {
		sg := &models.Suggestion{
			JobID:           job.ID,
			FilePath:        p.FilePath,
			LineNumber:      p.LineNumber,
			LineEnd:         p.LineEnd,
			Category:        p.Category,
			Severity:        models.SuggestionSeverity(p.Severity),
			Message:         p.Message,
			Explanation:     p.Explanation,
			SuggestedFix:    p.SuggestedFix,
			ConfidenceScore: p.ConfidenceScore,
		}
		if err := o.suggestions.Create(ctx, sg); err != nil {
			return fmt.Errorf("save suggestion: %w", err)
		}
		o.broadcaster.Publish(job.ID, broadcast.EventSuggestion, sg)
	}

	job.FilesAnalyzed = len(files)
	job.ProgressPercent = 100
	job.ProgressMessage = "Analysis complete"
	job.MarkCompleted()
	if err := o.jobs.Update(ctx, job); err != nil {
		return fmt.Errorf("complete job: %w", err)
	}

	o.cache.Set(cache.NamespaceJob, job.ID, job)
	o.broadcaster.Publish(job.ID, broadcast.EventComplete, broadcast.CompletePayload{
		SuggestionCount: len(resp.Suggestions),
	})

	o.logger.Info("job completed",
		"job_id", job.ID,
		"repo", repo.FullName,
		"pr_number", subject.Number,
		"files", len(files),
		"suggestions", len(resp.Suggestions),
		"duration_ms", derefInt64(job.DurationMs))
	return nil
}

// fetchDiff returns the PR diff, cache-aside keyed by repo and PR number.
func (o *Orchestrator) fetchDiff(ctx context.Context, repo *models.Repo, subject *models.Subject) (string, error) {
	key := fmt.Sprintf("%s:%d", repo.ID, subject.Number)
	if diff, ok := o.cache.GetString(cache.NamespaceDiff, key); ok {
		o.logger.Debug("diff cache hit", "repo", repo.FullName, "pr_number", subject.Number)
		return diff, nil
	}

	start := time.Now()
	diff, err := o.upstream.GetPullRequestDiff(ctx, o.token, repo.FullName, subject.Number)
	if err != nil {
		o.collector.RecordFailure(metrics.OpUpstream)
		return "", fmt.Errorf("fetch diff: %w", err)
	}
	o.collector.RecordTiming(metrics.OpUpstream, time.Since(start))

	if diff != "" {
		o.cache.Set(cache.NamespaceDiff, key, diff)
	}
	return diff, nil
}

func (o *Orchestrator) setProgress(ctx context.Context, job *models.Job, percent int, message string) error {
	job.ProgressPercent = percent
	job.ProgressMessage = message
	if err := o.jobs.Update(ctx, job); err != nil {
		return fmt.Errorf("update progress: %w", err)
	}
	o.broadcaster.Publish(job.ID, broadcast.EventProgress, broadcast.ProgressPayload{
		Percent: percent,
		Message: message,
	})
	return nil
}

// fail drives the job to the failed state with a client-safe message and
// broadcasts the error. The detailed cause stays in the log.
func (o *Orchestrator) fail(job *models.Job, cause error) {
	message := sanitize(cause)
	o.logger.Error("job failed", "job_id", job.ID, "error", cause, "message", message)

	job.MarkFailed(message)
	if err := o.jobs.Update(context.Background(), job); err != nil && !errors.Is(err, store.ErrTerminalState) {
		o.logger.Error("failed to persist job failure", "job_id", job.ID, "error", err)
	}

	o.cache.Set(cache.NamespaceJob, job.ID, job)
	o.broadcaster.Publish(job.ID, broadcast.EventError, broadcast.ErrorPayload{Message: message})
	o.collector.RecordFailure(metrics.OpJob)
}

// sanitize maps internal failures onto messages safe to show users. Raw
// upstream bodies and wrapped error chains never leave the server.
func sanitize(err error) string {
	switch {
	case errors.Is(err, ErrEmptyDiff):
		return ErrEmptyDiff.Error()
	case errors.Is(err, github.ErrCircuitOpen):
		return "code host is temporarily unavailable, analysis will be retried on the next push"
	case errors.Is(err, inference.ErrDeadline):
		return "analysis timed out"
	case errors.Is(err, context.Canceled):
		return "analysis was cancelled"
	case errors.Is(err, errInternal):
		return errInternal.Error()
	}

	var apiErr *github.APIError
	if errors.As(err, &apiErr) {
		return "code host request failed"
	}
	return "analysis failed"
}

func derefInt64(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}
