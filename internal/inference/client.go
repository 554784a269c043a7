// Package inference is the thin client for the external AI analysis
// service. The service's internals (models, prompts, retrieval) are its own
// business; this side only speaks the analyze contract under a hard
// deadline.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/codesage/reviewd/internal/github"
)

// ErrDeadline is returned when the analysis call exceeds its deadline.
var ErrDeadline = errors.New("inference: analysis deadline exceeded")

// AnalyzeRequest is the payload sent to the analysis service.
type AnalyzeRequest struct {
	RepositoryID string               `json:"repository_id"`
	PRNumber     int                  `json:"pr_number"`
	Diff         string               `json:"diff"`
	Files        []github.ChangedFile `json:"files"`
	Language     string               `json:"language"`
}

// SuggestionPayload is one finding as the analysis service reports it.
type SuggestionPayload struct {
	FilePath        string  `json:"file_path"`
	LineNumber      int     `json:"line_number"`
	LineEnd         *int    `json:"line_end,omitempty"`
	Category        string  `json:"category"`
	Severity        string  `json:"severity"`
	Message         string  `json:"message"`
	Explanation     string  `json:"explanation"`
	SuggestedFix    string  `json:"suggested_fix,omitempty"`
	ConfidenceScore float64 `json:"confidence_score"`
}

// AnalyzeResponse is the analysis service's reply.
type AnalyzeResponse struct {
	Suggestions []SuggestionPayload `json:"suggestions"`
}

// Client posts analysis requests to the AI service.
type Client struct {
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates an analysis client with the given per-call deadline.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		timeout:    timeout,
		httpClient: &http.Client{},
		logger:     logger,
	}
}

// Analyze submits the diff for review. Exceeding the deadline is a normal
// failure path surfaced as ErrDeadline; the caller fails the whole job.
// Analysis is all-or-nothing: there is no partial result to salvage.
func (c *Client) Analyze(ctx context.Context, req AnalyzeRequest) (*AnalyzeResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("inference: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/ai/analyze/pr", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("inference: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return nil, ErrDeadline
		}
		return nil, fmt.Errorf("inference: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrDeadline
		}
		return nil, fmt.Errorf("inference: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("inference: analysis service returned status %d", resp.StatusCode)
	}

	var out AnalyzeResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("inference: decode response: %w", err)
	}

	c.logger.Debug("analysis call finished",
		"pr_number", req.PRNumber,
		"suggestions", len(out.Suggestions),
		"elapsed_ms", time.Since(start).Milliseconds())
	return &out, nil
}
