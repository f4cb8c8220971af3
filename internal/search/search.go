package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/emmilco/mnemo/internal/embedding"
	"github.com/emmilco/mnemo/internal/faults"
	"github.com/emmilco/mnemo/internal/ghap"
	"github.com/emmilco/mnemo/internal/logging"
	"github.com/emmilco/mnemo/internal/memory"
	"github.com/emmilco/mnemo/internal/vector"
)

// Per-method result caps.
const (
	capMemories    = 100
	capCode        = 50
	capExperiences = 50
	capValues      = 50
	capCommits     = 50
)

// Searcher is the typed query surface. All methods treat an empty
// query as an empty result and a missing collection as an empty list.
type Searcher struct {
	store    vector.Store
	registry *embedding.Registry
}

// New creates a searcher.
func New(store vector.Store, registry *embedding.Registry) *Searcher {
	return &Searcher{store: store, registry: registry}
}

// query embeds the text and searches one collection, mapping absent
// collections to an empty result.
func (s *Searcher) query(ctx context.Context, engine embedding.Engine, collection, text string, limit int, filter *vector.Filter) ([]vector.SearchResult, error) {
	qvec, err := engine.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", faults.ErrEmbedding, err)
	}
	results, err := s.store.Search(ctx, collection, qvec, limit, filter)
	if err != nil {
		if errors.Is(err, faults.ErrNotFound) {
			logging.Get(logging.CategorySearch).Info("collection absent, returning empty results",
				zap.String("collection", collection))
			return nil, nil
		}
		return nil, err
	}
	return results, nil
}

// SearchMemories finds notes similar to query. minImportance filters
// after retrieval since importance is a range, not an equality.
func (s *Searcher) SearchMemories(ctx context.Context, query string, limit int, category string, minImportance float64) ([]MemoryResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if category != "" {
		valid := false
		for _, c := range memory.Categories {
			if c == category {
				valid = true
				break
			}
		}
		if !valid {
			return nil, faults.Validation("invalid category %q; valid options: %s",
				category, strings.Join(memory.Categories, ", "))
		}
	}
	if minImportance < 0 || minImportance > 1 {
		return nil, faults.Validation("min_importance must be between 0 and 1, got %v", minImportance)
	}
	if limit <= 0 || limit > capMemories {
		limit = 10
	}

	engine, err := s.registry.Semantic()
	if err != nil {
		return nil, err
	}
	var filter *vector.Filter
	if category != "" {
		filter = &vector.Filter{Equals: map[string]interface{}{"category": category}}
	}
	results, err := s.query(ctx, engine, vector.CollectionMemories, query, capMemories, filter)
	if err != nil {
		return nil, err
	}

	out := make([]MemoryResult, 0, len(results))
	for _, res := range results {
		m := memory.FromPayload(res.ID, res.Payload)
		if m.Importance < minImportance {
			continue
		}
		out = append(out, MemoryResult{Memory: m, Score: res.Score})
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// SearchCode finds code units similar to query, embedded with the code
// embedder so query and index share a vector space.
func (s *Searcher) SearchCode(ctx context.Context, query string, limit int, project, language string) ([]CodeResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if limit <= 0 || limit > capCode {
		limit = 10
	}

	engine, err := s.registry.Code()
	if err != nil {
		return nil, err
	}
	equals := map[string]interface{}{}
	if project != "" {
		equals["project"] = project
	}
	if language != "" {
		equals["language"] = language
	}
	var filter *vector.Filter
	if len(equals) > 0 {
		filter = &vector.Filter{Equals: equals}
	}
	results, err := s.query(ctx, engine, vector.CollectionCodeUnits, query, limit, filter)
	if err != nil {
		return nil, err
	}

	out := make([]CodeResult, 0, len(results))
	for _, res := range results {
		out = append(out, codeFromResult(res))
	}
	return out, nil
}

// FindSimilarCode searches by an existing unit's vector, excluding the
// unit itself.
func (s *Searcher) FindSimilarCode(ctx context.Context, unitID string, limit int) ([]CodeResult, error) {
	if strings.TrimSpace(unitID) == "" {
		return nil, faults.Validation("unit_id is required")
	}
	if limit <= 0 || limit > capCode {
		limit = 10
	}

	seed, err := s.store.Get(ctx, vector.CollectionCodeUnits, unitID, true)
	if err != nil {
		if errors.Is(err, faults.ErrNotFound) {
			return nil, faults.NotFound("code unit %s not found; index the codebase first", unitID)
		}
		return nil, err
	}
	if seed == nil {
		return nil, faults.NotFound("code unit %s not found", unitID)
	}

	results, err := s.store.Search(ctx, vector.CollectionCodeUnits, seed.Vector, limit+1, nil)
	if err != nil {
		return nil, err
	}

	out := make([]CodeResult, 0, limit)
	for _, res := range results {
		if res.ID == unitID {
			continue
		}
		out = append(out, codeFromResult(res))
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// SearchExperiences finds resolved reflections on one axis.
func (s *Searcher) SearchExperiences(ctx context.Context, query, axis, domain, strategy, outcome string, limit int) ([]ExperienceResult, error) {
	if axis == "" {
		axis = "full"
	}
	if !inSet(axis, ghap.Axes) {
		return nil, faults.Validation("invalid axis %q; valid options: %s",
			axis, strings.Join(ghap.Axes, ", "))
	}
	if domain != "" && !inSet(domain, ghap.Domains) {
		return nil, faults.Validation("invalid domain %q; valid options: %s",
			domain, strings.Join(ghap.Domains, ", "))
	}
	if strategy != "" && !inSet(strategy, ghap.Strategies) {
		return nil, faults.Validation("invalid strategy %q; valid options: %s",
			strategy, strings.Join(ghap.Strategies, ", "))
	}
	if outcome != "" && !inSet(outcome, ghap.OutcomeStatuses) {
		return nil, faults.Validation("invalid outcome %q; valid options: %s",
			outcome, strings.Join(ghap.OutcomeStatuses, ", "))
	}
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if limit <= 0 || limit > capExperiences {
		limit = 10
	}

	engine, err := s.registry.Semantic()
	if err != nil {
		return nil, err
	}
	equals := map[string]interface{}{}
	if domain != "" {
		equals["domain"] = domain
	}
	if strategy != "" {
		equals["strategy"] = strategy
	}
	if outcome != "" {
		equals["outcome_status"] = outcome
	}
	var filter *vector.Filter
	if len(equals) > 0 {
		filter = &vector.Filter{Equals: equals}
	}
	results, err := s.query(ctx, engine, vector.GHAPCollection(axis), query, limit, filter)
	if err != nil {
		return nil, err
	}

	out := make([]ExperienceResult, 0, len(results))
	for _, res := range results {
		out = append(out, experienceFromResult(res))
	}
	return out, nil
}

// SearchValues finds stored principles similar to query.
func (s *Searcher) SearchValues(ctx context.Context, query string, limit int, axis string) ([]ValueResult, error) {
	if axis != "" && !inSet(axis, ghap.Axes) {
		return nil, faults.Validation("invalid axis %q; valid options: %s",
			axis, strings.Join(ghap.Axes, ", "))
	}
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if limit <= 0 || limit > capValues {
		limit = 10
	}

	engine, err := s.registry.Semantic()
	if err != nil {
		return nil, err
	}
	var filter *vector.Filter
	if axis != "" {
		filter = &vector.Filter{Equals: map[string]interface{}{"axis": axis}}
	}
	results, err := s.query(ctx, engine, vector.CollectionValues, query, limit, filter)
	if err != nil {
		return nil, err
	}

	out := make([]ValueResult, 0, len(results))
	for _, res := range results {
		out = append(out, valueFromResult(res))
	}
	return out, nil
}

// SearchCommits finds indexed commits similar to query.
func (s *Searcher) SearchCommits(ctx context.Context, query string, limit int, author string, since time.Time) ([]CommitResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if limit <= 0 || limit > capCommits {
		limit = 10
	}

	engine, err := s.registry.Semantic()
	if err != nil {
		return nil, err
	}
	filter := &vector.Filter{}
	if author != "" {
		filter.Equals = map[string]interface{}{"author": author}
	}
	if !since.IsZero() {
		filter.GTE = map[string]time.Time{"timestamp": since}
	}
	if filter.Equals == nil && filter.GTE == nil {
		filter = nil
	}
	results, err := s.query(ctx, engine, vector.CollectionCommits, query, limit, filter)
	if err != nil {
		return nil, err
	}

	out := make([]CommitResult, 0, len(results))
	for _, res := range results {
		out = append(out, commitFromResult(res))
	}
	return out, nil
}

func inSet(value string, set []string) bool {
	for _, s := range set {
		if s == value {
			return true
		}
	}
	return false
}

func splitTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
