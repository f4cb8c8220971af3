package mcp

import (
	"context"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/emmilco/mnemo/internal/faults"
)

// GetClustersInput is the input schema for get_clusters.
type GetClustersInput struct {
	Axis string `json:"axis" jsonschema:"one of: full strategy surprise root_cause"`
}

// ClusterMembersInput is the input schema for get_cluster_members.
type ClusterMembersInput struct {
	ClusterID string `json:"cluster_id"      jsonschema:"cluster id, e.g. strategy_0"`
	Limit     int    `json:"limit,omitempty" jsonschema:"maximum members (default all)"`
}

// ValidateValueInput is the input schema for validate_value.
type ValidateValueInput struct {
	Text      string `json:"text"       jsonschema:"candidate value statement (max 500 chars)"`
	ClusterID string `json:"cluster_id" jsonschema:"cluster the value claims to summarize"`
}

// StoreValueInput is the input schema for store_value.
type StoreValueInput struct {
	Text      string `json:"text"       jsonschema:"value statement (max 500 chars)"`
	ClusterID string `json:"cluster_id" jsonschema:"cluster the value summarizes"`
}

// ListValuesInput is the input schema for list_values.
type ListValuesInput struct {
	Axis  string `json:"axis,omitempty"  jsonschema:"optional axis filter"`
	Limit int    `json:"limit,omitempty" jsonschema:"maximum values (default 50)"`
}

// SearchExperiencesInput is the input schema for search_experiences.
type SearchExperiencesInput struct {
	Query    string `json:"query"              jsonschema:"semantic search query"`
	Axis     string `json:"axis,omitempty"     jsonschema:"axis to search (default full)"`
	Domain   string `json:"domain,omitempty"   jsonschema:"optional domain filter"`
	Strategy string `json:"strategy,omitempty" jsonschema:"optional strategy filter"`
	Outcome  string `json:"outcome,omitempty"  jsonschema:"optional outcome filter"`
	Limit    int    `json:"limit,omitempty"    jsonschema:"maximum results (default 10)"`
}

func (s *Server) handleGetClusters(ctx context.Context, _ *mcpsdk.CallToolRequest, in GetClustersInput) (*mcpsdk.CallToolResult, toolOutput, error) {
	result, err := s.deps.Clusterer.ClusterAxis(ctx, in.Axis)
	if err != nil {
		return errorResult("get_clusters", err)
	}
	return jsonResult(result)
}

func (s *Server) handleClusterMembers(ctx context.Context, _ *mcpsdk.CallToolRequest, in ClusterMembersInput) (*mcpsdk.CallToolResult, toolOutput, error) {
	if in.ClusterID == "" {
		return errorResult("get_cluster_members", faults.Validation("cluster_id is required"))
	}
	members, err := s.deps.Clusterer.Members(ctx, in.ClusterID, in.Limit)
	if err != nil {
		return errorResult("get_cluster_members", err)
	}
	return jsonResult(map[string]any{"members": members, "count": len(members)})
}

func (s *Server) handleValidateValue(ctx context.Context, _ *mcpsdk.CallToolRequest, in ValidateValueInput) (*mcpsdk.CallToolResult, toolOutput, error) {
	result, err := s.deps.Values.Validate(ctx, in.Text, in.ClusterID)
	if err != nil {
		return errorResult("validate_value", err)
	}
	return jsonResult(result)
}

func (s *Server) handleStoreValue(ctx context.Context, _ *mcpsdk.CallToolRequest, in StoreValueInput) (*mcpsdk.CallToolResult, toolOutput, error) {
	value, err := s.deps.Values.StoreValue(ctx, in.Text, in.ClusterID)
	if err != nil {
		return errorResult("store_value", err)
	}
	return jsonResult(value)
}

func (s *Server) handleListValues(ctx context.Context, _ *mcpsdk.CallToolRequest, in ListValuesInput) (*mcpsdk.CallToolResult, toolOutput, error) {
	list, err := s.deps.Values.List(ctx, in.Axis, in.Limit)
	if err != nil {
		return errorResult("list_values", err)
	}
	return jsonResult(map[string]any{"values": list, "count": len(list)})
}

func (s *Server) handleSearchExperiences(ctx context.Context, _ *mcpsdk.CallToolRequest, in SearchExperiencesInput) (*mcpsdk.CallToolResult, toolOutput, error) {
	limit := in.Limit
	if limit <= 0 {
		limit = 10
	}
	results, err := s.deps.Searcher.SearchExperiences(ctx, in.Query, in.Axis, in.Domain, in.Strategy, in.Outcome, limit)
	if err != nil {
		return errorResult("search_experiences", err)
	}
	return jsonResult(map[string]any{"experiences": results, "count": len(results)})
}
