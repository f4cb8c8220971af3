// Package memory stores freeform notes as semantic vectors. Notes are
// immutable; a correction is a delete followed by a new store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/emmilco/mnemo/internal/embedding"
	"github.com/emmilco/mnemo/internal/faults"
	"github.com/emmilco/mnemo/internal/logging"
	"github.com/emmilco/mnemo/internal/vector"
)

// Categories is the closed set of memory categories.
var Categories = []string{
	"preference", "fact", "event", "workflow", "context", "error", "decision",
}

const (
	maxTags   = 20
	maxTagLen = 50
)

// Memory is one stored note.
type Memory struct {
	ID         string    `json:"id"`
	Content    string    `json:"content"`
	Category   string    `json:"category"`
	Importance float64   `json:"importance"`
	Tags       []string  `json:"tags,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store writes and deletes memories.
type Store struct {
	store      vector.Store
	registry   *embedding.Registry
	guard      *vector.Ensurer
	maxContent int
}

// New creates a memory store. maxContent caps note length; zero takes
// the default of 10000.
func New(store vector.Store, registry *embedding.Registry, maxContent int) *Store {
	if maxContent <= 0 {
		maxContent = 10000
	}
	s := &Store{store: store, registry: registry, maxContent: maxContent}
	s.guard = vector.NewEnsurer(store, vector.CollectionMemories, func(ctx context.Context) (int, error) {
		engine, err := registry.Semantic()
		if err != nil {
			return 0, err
		}
		return engine.Dimensions(ctx)
	})
	return s
}

// Save validates and stores a note.
func (s *Store) Save(ctx context.Context, content, category string, importance float64, tags []string) (*Memory, error) {
	if strings.TrimSpace(content) == "" {
		return nil, faults.Validation("content is required")
	}
	if len(content) > s.maxContent {
		return nil, faults.Validation("content exceeds %d characters", s.maxContent)
	}
	if !validCategory(category) {
		return nil, faults.Validation("invalid category %q; valid options: %s",
			category, strings.Join(Categories, ", "))
	}
	if importance < 0 || importance > 1 {
		return nil, faults.Validation("importance must be between 0 and 1, got %v", importance)
	}
	if len(tags) > maxTags {
		return nil, faults.Validation("at most %d tags allowed, got %d", maxTags, len(tags))
	}
	for _, tag := range tags {
		if len(tag) > maxTagLen {
			return nil, faults.Validation("tag %q exceeds %d characters", tag, maxTagLen)
		}
	}

	engine, err := s.registry.Semantic()
	if err != nil {
		return nil, err
	}
	vec, err := engine.Embed(ctx, content)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", faults.ErrEmbedding, err)
	}

	if err := s.guard.Ensure(ctx); err != nil {
		return nil, err
	}

	m := &Memory{
		ID:         uuid.NewString(),
		Content:    content,
		Category:   category,
		Importance: importance,
		Tags:       tags,
		CreatedAt:  time.Now().UTC(),
	}
	payload := vector.Payload{
		"content":    m.Content,
		"category":   m.Category,
		"importance": m.Importance,
		"created_at": m.CreatedAt.Format(time.RFC3339),
	}
	if len(m.Tags) > 0 {
		payload["tags"] = strings.Join(m.Tags, ",")
	}
	if err := s.store.Upsert(ctx, vector.CollectionMemories, m.ID, vec, payload); err != nil {
		return nil, err
	}

	logging.Get(logging.CategoryMemory).Info("memory stored",
		zap.String("id", m.ID), zap.String("category", m.Category))
	return m, nil
}

// Delete removes a note by id. Absent ids are not_found.
func (s *Store) Delete(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return faults.Validation("id is required")
	}
	res, err := s.store.Get(ctx, vector.CollectionMemories, id, false)
	if err != nil || res == nil {
		return faults.NotFound("memory %s not found", id)
	}
	return s.store.Delete(ctx, vector.CollectionMemories, id)
}

// List scrolls stored notes, optionally by category, newest first.
// A missing collection is an empty list.
func (s *Store) List(ctx context.Context, category string, limit int) ([]Memory, error) {
	if category != "" && !validCategory(category) {
		return nil, faults.Validation("invalid category %q; valid options: %s",
			category, strings.Join(Categories, ", "))
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	info, err := s.store.GetCollectionInfo(ctx, vector.CollectionMemories)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, nil
	}

	var filter *vector.Filter
	if category != "" {
		filter = &vector.Filter{Equals: map[string]interface{}{"category": category}}
	}
	results, err := s.store.Scroll(ctx, vector.CollectionMemories, info.VectorCount, filter, false)
	if err != nil {
		return nil, err
	}

	memories := make([]Memory, 0, len(results))
	for _, res := range results {
		memories = append(memories, FromPayload(res.ID, res.Payload))
	}
	sort.Slice(memories, func(i, j int) bool {
		return memories[i].CreatedAt.After(memories[j].CreatedAt)
	})
	if len(memories) > limit {
		memories = memories[:limit]
	}
	return memories, nil
}

// FromPayload rebuilds a Memory from its stored payload.
func FromPayload(id string, p vector.Payload) Memory {
	m := Memory{ID: id}
	if s, ok := p["content"].(string); ok {
		m.Content = s
	}
	if s, ok := p["category"].(string); ok {
		m.Category = s
	}
	switch v := p["importance"].(type) {
	case float64:
		m.Importance = v
	case int:
		m.Importance = float64(v)
	}
	if s, ok := p["tags"].(string); ok && s != "" {
		m.Tags = strings.Split(s, ",")
	}
	if s, ok := p["created_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			m.CreatedAt = t
		}
	}
	return m
}

func validCategory(category string) bool {
	for _, c := range Categories {
		if c == category {
			return true
		}
	}
	return false
}
