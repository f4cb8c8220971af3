package mcp

import (
	"context"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/emmilco/mnemo/internal/faults"
)

// IndexCodebaseInput is the input schema for index_codebase.
type IndexCodebaseInput struct {
	Path            string   `json:"path"                       jsonschema:"directory to index"`
	Project         string   `json:"project"                    jsonschema:"project name the units are filed under"`
	Recursive       *bool    `json:"recursive,omitempty"        jsonschema:"descend into subdirectories (default true)"`
	ExcludePatterns []string `json:"exclude_patterns,omitempty" jsonschema:"glob patterns to skip, matched against names and relative paths"`
}

// SearchCodeInput is the input schema for search_code.
type SearchCodeInput struct {
	Query    string `json:"query"              jsonschema:"semantic search query"`
	Limit    int    `json:"limit,omitempty"    jsonschema:"maximum results (default 10)"`
	Project  string `json:"project,omitempty"  jsonschema:"optional project filter"`
	Language string `json:"language,omitempty" jsonschema:"optional language filter"`
}

// FindSimilarCodeInput is the input schema for find_similar_code.
type FindSimilarCodeInput struct {
	UnitID string `json:"unit_id"         jsonschema:"id of an indexed code unit"`
	Limit  int    `json:"limit,omitempty" jsonschema:"maximum results (default 10)"`
}

// IndexingStatsInput is the input schema for get_indexing_stats.
type IndexingStatsInput struct {
	Project string `json:"project" jsonschema:"project name"`
}

func (s *Server) handleIndexCodebase(ctx context.Context, _ *mcpsdk.CallToolRequest, in IndexCodebaseInput) (*mcpsdk.CallToolResult, toolOutput, error) {
	if in.Path == "" {
		return errorResult("index_codebase", faults.Validation("path is required"))
	}
	if in.Project == "" {
		return errorResult("index_codebase", faults.Validation("project is required"))
	}
	recursive := true
	if in.Recursive != nil {
		recursive = *in.Recursive
	}
	stats, err := s.deps.Indexer.IndexDirectory(ctx, in.Path, in.Project, recursive, in.ExcludePatterns)
	if err != nil {
		return errorResult("index_codebase", err)
	}
	return jsonResult(stats)
}

func (s *Server) handleSearchCode(ctx context.Context, _ *mcpsdk.CallToolRequest, in SearchCodeInput) (*mcpsdk.CallToolResult, toolOutput, error) {
	limit := in.Limit
	if limit <= 0 {
		limit = 10
	}
	results, err := s.deps.Searcher.SearchCode(ctx, in.Query, limit, in.Project, in.Language)
	if err != nil {
		return errorResult("search_code", err)
	}
	return jsonResult(map[string]any{"units": results, "count": len(results)})
}

func (s *Server) handleFindSimilarCode(ctx context.Context, _ *mcpsdk.CallToolRequest, in FindSimilarCodeInput) (*mcpsdk.CallToolResult, toolOutput, error) {
	if in.UnitID == "" {
		return errorResult("find_similar_code", faults.Validation("unit_id is required"))
	}
	limit := in.Limit
	if limit <= 0 {
		limit = 10
	}
	results, err := s.deps.Searcher.FindSimilarCode(ctx, in.UnitID, limit)
	if err != nil {
		return errorResult("find_similar_code", err)
	}
	return jsonResult(map[string]any{"units": results, "count": len(results)})
}

func (s *Server) handleIndexingStats(ctx context.Context, _ *mcpsdk.CallToolRequest, in IndexingStatsInput) (*mcpsdk.CallToolResult, toolOutput, error) {
	if in.Project == "" {
		return errorResult("get_indexing_stats", faults.Validation("project is required"))
	}
	stats, err := s.deps.Indexer.Stats(ctx, in.Project)
	if err != nil {
		return errorResult("get_indexing_stats", err)
	}
	return jsonResult(stats)
}
