package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codesage/reviewd/internal/github"
)

func TestAnalyzeContract(t *testing.T) {
	var gotPath string
	var gotReq map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Write([]byte(`{"suggestions":[
			{"file_path":"main.go","line_number":12,"category":"bug","severity":"critical",
			 "message":"nil deref","explanation":"pointer unchecked","confidence_score":95}
		]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, nil)
	resp, err := c.Analyze(context.Background(), AnalyzeRequest{
		RepositoryID: "repo-1",
		PRNumber:     42,
		Diff:         "diff --git",
		Files:        []github.ChangedFile{{Filename: "main.go", Status: "modified"}},
		Language:     "Go",
	})
	require.NoError(t, err)

	assert.Equal(t, "/ai/analyze/pr", gotPath)
	assert.Equal(t, "repo-1", gotReq["repository_id"])
	assert.Equal(t, float64(42), gotReq["pr_number"])
	assert.Equal(t, "Go", gotReq["language"])

	require.Len(t, resp.Suggestions, 1)
	sg := resp.Suggestions[0]
	assert.Equal(t, "main.go", sg.FilePath)
	assert.Equal(t, 12, sg.LineNumber)
	assert.Equal(t, "critical", sg.Severity)
	assert.InDelta(t, 95, sg.ConfidenceScore, 0.001)
}

func TestAnalyzeDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 30*time.Millisecond, nil)
	_, err := c.Analyze(context.Background(), AnalyzeRequest{RepositoryID: "repo-1", PRNumber: 1})
	assert.ErrorIs(t, err, ErrDeadline)
}

func TestAnalyzeServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second, nil)
	_, err := c.Analyze(context.Background(), AnalyzeRequest{RepositoryID: "repo-1", PRNumber: 1})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDeadline)
}
