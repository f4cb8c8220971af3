package mcp

import (
	"context"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/emmilco/mnemo/internal/ghap"
	"github.com/emmilco/mnemo/internal/logging"
)

// StartGHAPInput is the input schema for start_ghap.
type StartGHAPInput struct {
	Domain     string `json:"domain"     jsonschema:"task domain, e.g. debugging refactoring feature"`
	Strategy   string `json:"strategy"   jsonschema:"approach, e.g. systematic-elimination read-the-error"`
	Goal       string `json:"goal"       jsonschema:"what you are trying to accomplish (max 1000 chars)"`
	Hypothesis string `json:"hypothesis" jsonschema:"what you believe is true (max 1000 chars)"`
	Action     string `json:"action"     jsonschema:"what you are about to do (max 1000 chars)"`
	Prediction string `json:"prediction" jsonschema:"what you expect to happen (max 1000 chars)"`
}

// UpdateGHAPInput is the input schema for update_ghap. Omitted fields
// keep their current value.
type UpdateGHAPInput struct {
	Hypothesis *string `json:"hypothesis,omitempty" jsonschema:"revised hypothesis"`
	Action     *string `json:"action,omitempty"     jsonschema:"revised action"`
	Prediction *string `json:"prediction,omitempty" jsonschema:"revised prediction"`
	Strategy   *string `json:"strategy,omitempty"   jsonschema:"revised strategy"`
	Note       string  `json:"note,omitempty"       jsonschema:"why the revision happened"`
}

// ResolveGHAPInput is the input schema for resolve_ghap.
type ResolveGHAPInput struct {
	Status    string          `json:"status"               jsonschema:"one of: confirmed falsified abandoned"`
	Result    string          `json:"result"               jsonschema:"what actually happened (max 2000 chars)"`
	Surprise  string          `json:"surprise,omitempty"   jsonschema:"what was unexpected (required when falsified)"`
	RootCause *ghap.RootCause `json:"root_cause,omitempty" jsonschema:"category and description (required when falsified)"`
	Lesson    *ghap.Lesson    `json:"lesson,omitempty"     jsonschema:"what worked and the takeaway"`
}

// ListGHAPInput is the input schema for list_ghap_entries.
type ListGHAPInput struct {
	Outcome string `json:"outcome,omitempty" jsonschema:"optional outcome filter: confirmed falsified abandoned"`
	Limit   int    `json:"limit,omitempty"   jsonschema:"maximum entries (default 50)"`
}

func (s *Server) handleStartGHAP(_ context.Context, _ *mcpsdk.CallToolRequest, in StartGHAPInput) (*mcpsdk.CallToolResult, toolOutput, error) {
	entry, orphaned, err := s.deps.Collector.Start(ghap.StartParams{
		Domain:     in.Domain,
		Strategy:   in.Strategy,
		Goal:       in.Goal,
		Hypothesis: in.Hypothesis,
		Action:     in.Action,
		Prediction: in.Prediction,
	})
	if err != nil {
		return errorResult("start_ghap", err)
	}
	out := map[string]any{"entry": entry}
	if orphaned != nil {
		out["warning"] = "previous active entry " + orphaned.ID + " was never resolved and has been orphaned"
	}
	return jsonResult(out)
}

func (s *Server) handleUpdateGHAP(_ context.Context, _ *mcpsdk.CallToolRequest, in UpdateGHAPInput) (*mcpsdk.CallToolResult, toolOutput, error) {
	entry, err := s.deps.Collector.Update(ghap.UpdateParams{
		Hypothesis: in.Hypothesis,
		Action:     in.Action,
		Prediction: in.Prediction,
		Strategy:   in.Strategy,
		Note:       in.Note,
	})
	if err != nil {
		return errorResult("update_ghap", err)
	}
	return jsonResult(map[string]any{"entry": entry})
}

// handleResolveGHAP resolves locally first, then persists vectors.
// Persistence failure is reported but never undoes the resolution; the
// journal copy remains the durable record.
func (s *Server) handleResolveGHAP(ctx context.Context, _ *mcpsdk.CallToolRequest, in ResolveGHAPInput) (*mcpsdk.CallToolResult, toolOutput, error) {
	entry, err := s.deps.Collector.Resolve(ghap.ResolveParams{
		Status:    in.Status,
		Result:    in.Result,
		Surprise:  in.Surprise,
		RootCause: in.RootCause,
		Lesson:    in.Lesson,
	})
	if err != nil {
		return errorResult("resolve_ghap", err)
	}

	out := map[string]any{"entry": entry, "persisted": true}
	if err := s.deps.Persister.Persist(ctx, entry); err != nil {
		logging.Get(logging.CategoryGHAP).Warn("resolved entry not persisted to vectors",
			zap.String("id", entry.ID), zap.Error(err))
		out["persisted"] = false
		out["warning"] = "entry resolved and journaled, but vector persistence failed: " + err.Error()
	}
	return jsonResult(out)
}

func (s *Server) handleActiveGHAP(_ context.Context, _ *mcpsdk.CallToolRequest, _ struct{}) (*mcpsdk.CallToolResult, toolOutput, error) {
	entry := s.deps.Collector.Current()
	if entry == nil {
		return jsonResult(map[string]any{"active": false})
	}
	return jsonResult(map[string]any{"active": true, "entry": entry})
}

func (s *Server) handleListGHAP(_ context.Context, _ *mcpsdk.CallToolRequest, in ListGHAPInput) (*mcpsdk.CallToolResult, toolOutput, error) {
	entries, err := s.deps.Collector.List(in.Outcome, in.Limit)
	if err != nil {
		return errorResult("list_ghap_entries", err)
	}
	return jsonResult(map[string]any{"entries": entries, "count": len(entries)})
}
