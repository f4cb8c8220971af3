package mcp

import (
	"context"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// AssembleContextInput is the input schema for assemble_context.
type AssembleContextInput struct {
	Query        string   `json:"query"                   jsonschema:"what the context should be about"`
	ContextTypes []string `json:"context_types,omitempty" jsonschema:"sources to draw from: memories code experiences values commits (default all)"`
	Limit        int      `json:"limit,omitempty"         jsonschema:"per-source retrieval limit (default 20)"`
	MaxTokens    int      `json:"max_tokens,omitempty"    jsonschema:"token budget for the assembled block (default 2000)"`
}

// PremortemInput is the input schema for get_premortem_context.
type PremortemInput struct {
	Domain    string `json:"domain"               jsonschema:"task domain, e.g. debugging refactoring feature"`
	Strategy  string `json:"strategy,omitempty"   jsonschema:"optional strategy to evaluate"`
	Limit     int    `json:"limit,omitempty"      jsonschema:"per-section retrieval limit (default 10)"`
	MaxTokens int    `json:"max_tokens,omitempty" jsonschema:"token budget (default 1500)"`
}

func (s *Server) handleAssembleContext(ctx context.Context, _ *mcpsdk.CallToolRequest, in AssembleContextInput) (*mcpsdk.CallToolResult, toolOutput, error) {
	out, err := s.deps.Assembler.AssembleContext(ctx, in.Query, in.ContextTypes, in.Limit, in.MaxTokens)
	if err != nil {
		return errorResult("assemble_context", err)
	}
	return jsonResult(out)
}

func (s *Server) handlePremortem(ctx context.Context, _ *mcpsdk.CallToolRequest, in PremortemInput) (*mcpsdk.CallToolResult, toolOutput, error) {
	out, err := s.deps.Assembler.PremortemContext(ctx, in.Domain, in.Strategy, in.Limit, in.MaxTokens)
	if err != nil {
		return errorResult("get_premortem_context", err)
	}
	return jsonResult(out)
}

// handlePing touches no models or stores; a pure liveness check.
func (s *Server) handlePing(_ context.Context, _ *mcpsdk.CallToolRequest, _ struct{}) (*mcpsdk.CallToolResult, toolOutput, error) {
	return jsonResult(map[string]any{
		"status": "ok",
		"server": serverName,
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
