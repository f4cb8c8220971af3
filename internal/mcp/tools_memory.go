package mcp

import (
	"context"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// StoreMemoryInput is the input schema for store_memory.
type StoreMemoryInput struct {
	Content    string   `json:"content"              jsonschema:"memory text (max 10000 chars)"`
	Category   string   `json:"category"             jsonschema:"one of: preference fact event workflow context error decision"`
	Importance float64  `json:"importance,omitempty" jsonschema:"importance in [0,1] (default 0.5)"`
	Tags       []string `json:"tags,omitempty"       jsonschema:"up to 20 tags, each max 50 chars"`
}

// RetrieveMemoriesInput is the input schema for retrieve_memories.
type RetrieveMemoriesInput struct {
	Query         string  `json:"query"                    jsonschema:"semantic search query"`
	Limit         int     `json:"limit,omitempty"          jsonschema:"maximum results (default 10)"`
	Category      string  `json:"category,omitempty"       jsonschema:"optional category filter"`
	MinImportance float64 `json:"min_importance,omitempty" jsonschema:"drop results below this importance"`
}

// ListMemoriesInput is the input schema for list_memories.
type ListMemoriesInput struct {
	Category string `json:"category,omitempty" jsonschema:"optional category filter"`
	Limit    int    `json:"limit,omitempty"    jsonschema:"maximum results (default 50, max 100)"`
}

// DeleteMemoryInput is the input schema for delete_memory.
type DeleteMemoryInput struct {
	ID string `json:"id" jsonschema:"memory id to delete"`
}

func (s *Server) handleStoreMemory(ctx context.Context, _ *mcpsdk.CallToolRequest, in StoreMemoryInput) (*mcpsdk.CallToolResult, toolOutput, error) {
	importance := in.Importance
	if importance == 0 {
		importance = 0.5
	}
	m, err := s.deps.Memories.Save(ctx, in.Content, in.Category, importance, in.Tags)
	if err != nil {
		return errorResult("store_memory", err)
	}
	return jsonResult(m)
}

func (s *Server) handleRetrieveMemories(ctx context.Context, _ *mcpsdk.CallToolRequest, in RetrieveMemoriesInput) (*mcpsdk.CallToolResult, toolOutput, error) {
	limit := in.Limit
	if limit <= 0 {
		limit = 10
	}
	results, err := s.deps.Searcher.SearchMemories(ctx, in.Query, limit, in.Category, in.MinImportance)
	if err != nil {
		return errorResult("retrieve_memories", err)
	}
	return jsonResult(map[string]any{"memories": results, "count": len(results)})
}

func (s *Server) handleListMemories(ctx context.Context, _ *mcpsdk.CallToolRequest, in ListMemoriesInput) (*mcpsdk.CallToolResult, toolOutput, error) {
	memories, err := s.deps.Memories.List(ctx, in.Category, in.Limit)
	if err != nil {
		return errorResult("list_memories", err)
	}
	return jsonResult(map[string]any{"memories": memories, "count": len(memories)})
}

func (s *Server) handleDeleteMemory(ctx context.Context, _ *mcpsdk.CallToolRequest, in DeleteMemoryInput) (*mcpsdk.CallToolResult, toolOutput, error) {
	if err := s.deps.Memories.Delete(ctx, in.ID); err != nil {
		return errorResult("delete_memory", err)
	}
	return jsonResult(map[string]any{"deleted": in.ID})
}
