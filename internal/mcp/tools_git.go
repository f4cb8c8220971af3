package mcp

import (
	"context"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/emmilco/mnemo/internal/faults"
	"github.com/emmilco/mnemo/internal/gitx"
)

// IndexCommitsInput is the input schema for index_commits.
type IndexCommitsInput struct {
	RepoPath string `json:"repo_path"         jsonschema:"path to a git repository"`
	Project  string `json:"project,omitempty" jsonschema:"project name (default: repository directory name)"`
	Since    string `json:"since,omitempty"   jsonschema:"RFC3339 timestamp; only commits at or after it"`
	Limit    int    `json:"limit,omitempty"   jsonschema:"maximum commits to index"`
	Force    bool   `json:"force,omitempty"   jsonschema:"ignore the stored cursor and reindex from scratch"`
}

// SearchCommitsInput is the input schema for search_commits.
type SearchCommitsInput struct {
	Query  string `json:"query"            jsonschema:"semantic search query"`
	Limit  int    `json:"limit,omitempty"  jsonschema:"maximum results (default 10)"`
	Author string `json:"author,omitempty" jsonschema:"optional author filter"`
	Since  string `json:"since,omitempty"  jsonschema:"RFC3339 timestamp; only commits at or after it"`
}

// FileHistoryInput is the input schema for get_file_history.
type FileHistoryInput struct {
	RepoPath string `json:"repo_path"       jsonschema:"path to a git repository"`
	FilePath string `json:"file_path"       jsonschema:"file path relative to the repository root"`
	Limit    int    `json:"limit,omitempty" jsonschema:"maximum commits (default 20)"`
}

// ChurnHotspotsInput is the input schema for get_churn_hotspots.
type ChurnHotspotsInput struct {
	RepoPath   string `json:"repo_path"             jsonschema:"path to a git repository"`
	Days       int    `json:"days,omitempty"        jsonschema:"lookback window in days (default 90)"`
	Limit      int    `json:"limit,omitempty"       jsonschema:"maximum files (default 10)"`
	MinChanges int    `json:"min_changes,omitempty" jsonschema:"minimum commits touching a file (default 3)"`
}

// CodeAuthorsInput is the input schema for get_code_authors.
type CodeAuthorsInput struct {
	RepoPath string `json:"repo_path" jsonschema:"path to a git repository"`
	FilePath string `json:"file_path" jsonschema:"file path relative to the repository root"`
}

func (s *Server) handleIndexCommits(ctx context.Context, _ *mcpsdk.CallToolRequest, in IndexCommitsInput) (*mcpsdk.CallToolResult, toolOutput, error) {
	if in.RepoPath == "" {
		return errorResult("index_commits", faults.Validation("repo_path is required"))
	}
	since, err := parseSince(in.Since)
	if err != nil {
		return errorResult("index_commits", err)
	}
	stats, err := s.deps.Git.IndexCommits(ctx, in.RepoPath, in.Project, gitx.IndexOptions{
		Since: since,
		Limit: in.Limit,
		Force: in.Force,
	})
	if err != nil {
		return errorResult("index_commits", err)
	}
	return jsonResult(stats)
}

func (s *Server) handleSearchCommits(ctx context.Context, _ *mcpsdk.CallToolRequest, in SearchCommitsInput) (*mcpsdk.CallToolResult, toolOutput, error) {
	limit := in.Limit
	if limit <= 0 {
		limit = 10
	}
	since, err := parseSince(in.Since)
	if err != nil {
		return errorResult("search_commits", err)
	}
	results, err := s.deps.Searcher.SearchCommits(ctx, in.Query, limit, in.Author, since)
	if err != nil {
		return errorResult("search_commits", err)
	}
	return jsonResult(map[string]any{"commits": results, "count": len(results)})
}

func (s *Server) handleFileHistory(ctx context.Context, _ *mcpsdk.CallToolRequest, in FileHistoryInput) (*mcpsdk.CallToolResult, toolOutput, error) {
	if err := requireRepoAndFile(in.RepoPath, in.FilePath); err != nil {
		return errorResult("get_file_history", err)
	}
	commits, err := s.deps.Git.FileHistory(ctx, in.RepoPath, in.FilePath, in.Limit)
	if err != nil {
		return errorResult("get_file_history", err)
	}
	return jsonResult(map[string]any{"commits": commits, "count": len(commits)})
}

func (s *Server) handleChurnHotspots(ctx context.Context, _ *mcpsdk.CallToolRequest, in ChurnHotspotsInput) (*mcpsdk.CallToolResult, toolOutput, error) {
	if in.RepoPath == "" {
		return errorResult("get_churn_hotspots", faults.Validation("repo_path is required"))
	}
	hotspots, err := s.deps.Git.ChurnHotspots(ctx, in.RepoPath, in.Days, in.Limit, in.MinChanges)
	if err != nil {
		return errorResult("get_churn_hotspots", err)
	}
	return jsonResult(map[string]any{"hotspots": hotspots, "count": len(hotspots)})
}

func (s *Server) handleCodeAuthors(ctx context.Context, _ *mcpsdk.CallToolRequest, in CodeAuthorsInput) (*mcpsdk.CallToolResult, toolOutput, error) {
	if err := requireRepoAndFile(in.RepoPath, in.FilePath); err != nil {
		return errorResult("get_code_authors", err)
	}
	authors, err := s.deps.Git.FileAuthors(ctx, in.RepoPath, in.FilePath)
	if err != nil {
		return errorResult("get_code_authors", err)
	}
	return jsonResult(map[string]any{"authors": authors})
}

// parseSince accepts an empty or RFC3339 timestamp.
func parseSince(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, faults.Validation("since must be an RFC3339 timestamp, got %q", raw)
	}
	return t, nil
}

func requireRepoAndFile(repoPath, filePath string) error {
	if repoPath == "" {
		return faults.Validation("repo_path is required")
	}
	if filePath == "" {
		return faults.Validation("file_path is required")
	}
	return nil
}
