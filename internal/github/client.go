// Package github is the resilient client for the upstream code-hosting API.
// Every operation runs behind its own circuit breaker and a bounded retry
// with exponential backoff; retries are invisible to the breaker, which only
// sees the final outcome of each logical call.
package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/codesage/reviewd/internal/config"
)

// Operation names, one breaker each.
const (
	opListRepos     = "list_repositories"
	opGetPR         = "get_pull_request"
	opGetDiff       = "get_pull_request_diff"
	opGetFiles      = "get_pull_request_files"
	opCreateWebhook = "create_webhook"
	opDeleteWebhook = "delete_webhook"
)

const diffMediaType = "application/vnd.github.v3.diff"

// Repository is the subset of upstream repo data the service consumes.
type Repository struct {
	ID       int64  `json:"id"`
	FullName string `json:"full_name"`
	Language string `json:"language"`
	Private  bool   `json:"private"`
	HTMLURL  string `json:"html_url"`
}

// PullRequest is the subset of upstream PR data the service consumes.
type PullRequest struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	State   string `json:"state"`
	HTMLURL string `json:"html_url"`
	User    struct {
		Login string `json:"login"`
	} `json:"user"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
	Head struct {
		Ref string `json:"ref"`
	} `json:"head"`
}

// ChangedFile describes one file touched by a pull request.
type ChangedFile struct {
	Filename  string `json:"filename"`
	Status    string `json:"status"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Changes   int    `json:"changes"`
	Patch     string `json:"patch,omitempty"`
}

// Webhook is an upstream webhook registration.
type Webhook struct {
	ID     int64  `json:"id"`
	Active bool   `json:"active"`
	URL    string `json:"url"`
}

// Client calls the upstream API with per-operation circuit breaking and
// retry. Safe for concurrent use.
type Client struct {
	baseURL     string
	callbackURL string
	httpClient  *http.Client
	res         config.Resilience
	logger      *slog.Logger

	mu       sync.Mutex
	breakers map[string]*breaker
}

// NewClient creates an upstream API client. callbackURL is the externally
// reachable base URL webhook registrations point at.
func NewClient(baseURL, callbackURL string, res config.Resilience, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:     baseURL,
		callbackURL: callbackURL,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		res:         res,
		logger:      logger,
		breakers:    make(map[string]*breaker),
	}
}

// ListRepositories fetches the repositories visible to the token's user.
func (c *Client) ListRepositories(ctx context.Context, token string) ([]Repository, error) {
	var repos []Repository
	url := c.baseURL + "/user/repos?sort=updated&per_page=100&affiliation=owner,collaborator"
	err := c.call(ctx, opListRepos, func(ctx context.Context) error {
		return c.getJSON(ctx, opListRepos, token, url, &repos)
	})
	if err != nil {
		return nil, err
	}
	return repos, nil
}

// GetPullRequest fetches PR metadata.
func (c *Client) GetPullRequest(ctx context.Context, token, repoFullName string, number int) (*PullRequest, error) {
	var pr PullRequest
	url := fmt.Sprintf("%s/repos/%s/pulls/%d", c.baseURL, repoFullName, number)
	err := c.call(ctx, opGetPR, func(ctx context.Context) error {
		return c.getJSON(ctx, opGetPR, token, url, &pr)
	})
	if err != nil {
		return nil, err
	}
	return &pr, nil
}

// GetPullRequestDiff fetches the PR's unified diff.
func (c *Client) GetPullRequestDiff(ctx context.Context, token, repoFullName string, number int) (string, error) {
	var diff string
	url := fmt.Sprintf("%s/repos/%s/pulls/%d", c.baseURL, repoFullName, number)
	err := c.call(ctx, opGetDiff, func(ctx context.Context) error {
		body, err := c.do(ctx, opGetDiff, token, http.MethodGet, url, diffMediaType, nil)
		if err != nil {
			return err
		}
		diff = string(body)
		return nil
	})
	if err != nil {
		return "", err
	}
	return diff, nil
}

// GetPullRequestFiles fetches the list of files changed by the PR.
func (c *Client) GetPullRequestFiles(ctx context.Context, token, repoFullName string, number int) ([]ChangedFile, error) {
	var files []ChangedFile
	url := fmt.Sprintf("%s/repos/%s/pulls/%d/files", c.baseURL, repoFullName, number)
	err := c.call(ctx, opGetFiles, func(ctx context.Context) error {
		return c.getJSON(ctx, opGetFiles, token, url, &files)
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// CreateWebhook registers a pull-request webhook pointing back at this
// service and returns the upstream registration.
func (c *Client) CreateWebhook(ctx context.Context, token, repoFullName, secret string) (*Webhook, error) {
	payload := map[string]any{
		"name":   "web",
		"active": true,
		"events": []string{"pull_request", "pull_request_review"},
		"config": map[string]any{
			"url":          c.callbackURL + "/api/v1/webhooks/github",
			"content_type": "json",
			"secret":       secret,
			"insecure_ssl": "0",
		},
	}

	var hook Webhook
	url := fmt.Sprintf("%s/repos/%s/hooks", c.baseURL, repoFullName)
	err := c.call(ctx, opCreateWebhook, func(ctx context.Context) error {
		body, err := c.do(ctx, opCreateWebhook, token, http.MethodPost, url, "", payload)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(body, &hook); err != nil {
			return fmt.Errorf("decode webhook response: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("webhook created", "repo", repoFullName, "webhook_id", hook.ID)
	return &hook, nil
}

// DeleteWebhook removes an upstream webhook registration. A 404 means the
// hook is already gone and counts as success.
func (c *Client) DeleteWebhook(ctx context.Context, token, repoFullName string, webhookID int64) error {
	url := fmt.Sprintf("%s/repos/%s/hooks/%d", c.baseURL, repoFullName, webhookID)
	return c.call(ctx, opDeleteWebhook, func(ctx context.Context) error {
		_, err := c.do(ctx, opDeleteWebhook, token, http.MethodDelete, url, "", nil)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			c.logger.Warn("webhook already deleted", "repo", repoFullName, "webhook_id", webhookID)
			return nil
		}
		return err
	})
}

// call runs fn behind the operation's breaker and retry policy. The breaker
// records exactly one outcome per logical call, after retries settle.
func (c *Client) call(ctx context.Context, op string, fn func(context.Context) error) error {
	br := c.breakerFor(op)
	if err := br.allow(); err != nil {
		return fmt.Errorf("%s: service unavailable: %w", op, err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.res.RetryInitialWait
	policy.MaxInterval = c.res.RetryMaxWait
	policy.MaxElapsedTime = 0

	attempts := c.res.RetryMaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	err := backoff.Retry(func() error {
		callErr := fn(ctx)
		if callErr == nil {
			return nil
		}
		if !isTransient(callErr) {
			return backoff.Permanent(callErr)
		}
		c.logger.Warn("upstream call failed, retrying", "op", op, "error", callErr)
		return callErr
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(attempts-1)), ctx))

	br.record(err != nil)
	return err
}

func (c *Client) breakerFor(op string) *breaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	br, ok := c.breakers[op]
	if !ok {
		br = newBreaker(c.res.BreakerWindow, c.res.BreakerThreshold, c.res.BreakerCooldown)
		c.breakers[op] = br
	}
	return br
}

func (c *Client) getJSON(ctx context.Context, op, token, url string, out any) error {
	body, err := c.do(ctx, op, token, http.MethodGet, url, "", nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

// do performs one HTTP exchange and returns the response body. Non-2xx
// responses become *APIError with a truncated body for logging.
func (c *Client) do(ctx context.Context, op, token, method, url, accept string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("%s: marshal request: %w", op, err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if accept == "" {
		accept = "application/json"
	}
	req.Header.Set("Accept", accept)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{Op: op, StatusCode: resp.StatusCode, Body: truncate(string(body), 256)}
	}
	return body, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
