package vector

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/emmilco/mnemo/internal/embedding"
	"github.com/emmilco/mnemo/internal/faults"
)

// MemoryStore is the in-memory Store variant. Tests and ephemeral runs
// use it; semantics match SQLiteStore exactly.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
}

type memCollection struct {
	dimension int
	distance  Distance
	points    map[string]memPoint
	order     []string // insertion order for stable scrolls
}

type memPoint struct {
	vector  []float32
	payload Payload
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]*memCollection)}
}

func (s *MemoryStore) CreateCollection(_ context.Context, name string, dimension int, distance Distance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[name]; ok {
		return fmt.Errorf("%w: %s", faults.ErrCollectionExists, name)
	}
	if distance == "" {
		distance = DistanceCosine
	}
	s.collections[name] = &memCollection{
		dimension: dimension,
		distance:  distance,
		points:    make(map[string]memPoint),
	}
	return nil
}

func (s *MemoryStore) GetCollectionInfo(_ context.Context, name string) (*CollectionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	col, ok := s.collections[name]
	if !ok {
		return nil, nil
	}
	return &CollectionInfo{Name: name, Dimension: col.dimension, VectorCount: len(col.points)}, nil
}

func (s *MemoryStore) DeleteCollection(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections, name)
	return nil
}

func (s *MemoryStore) Upsert(_ context.Context, collection, id string, vec []float32, payload Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	col, ok := s.collections[collection]
	if !ok {
		return fmt.Errorf("%w: collection %s", faults.ErrNotFound, collection)
	}
	if len(vec) != col.dimension {
		return fmt.Errorf("%w: collection %s expects %d, got %d",
			faults.ErrDimensionMismatch, collection, col.dimension, len(vec))
	}
	if _, exists := col.points[id]; !exists {
		col.order = append(col.order, id)
	}
	stored := make([]float32, len(vec))
	copy(stored, vec)
	col.points[id] = memPoint{vector: stored, payload: clonePayload(payload)}
	return nil
}

func (s *MemoryStore) Search(_ context.Context, collection string, query []float32, limit int, filter *Filter) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	col, ok := s.collections[collection]
	if !ok {
		return nil, fmt.Errorf("%w: collection %s", faults.ErrNotFound, collection)
	}
	if limit <= 0 {
		limit = 10
	}

	results := make([]SearchResult, 0, len(col.points))
	for _, id := range col.order {
		pt, ok := col.points[id]
		if !ok || !filter.Matches(pt.payload) {
			continue
		}
		score, err := embedding.CosineSimilarity(query, pt.vector)
		if err != nil {
			continue
		}
		results = append(results, SearchResult{ID: id, Score: score, Payload: clonePayload(pt.payload)})
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func (s *MemoryStore) Scroll(_ context.Context, collection string, limit int, filter *Filter, withVectors bool) ([]SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	col, ok := s.collections[collection]
	if !ok {
		return nil, fmt.Errorf("%w: collection %s", faults.ErrNotFound, collection)
	}
	if limit <= 0 {
		limit = 100
	}

	var results []SearchResult
	for _, id := range col.order {
		pt, ok := col.points[id]
		if !ok || !filter.Matches(pt.payload) {
			continue
		}
		res := SearchResult{ID: id, Payload: clonePayload(pt.payload)}
		if withVectors {
			vec := make([]float32, len(pt.vector))
			copy(vec, pt.vector)
			res.Vector = vec
		}
		results = append(results, res)
		if len(results) >= limit {
			break
		}
	}
	return results, nil
}

func (s *MemoryStore) Get(_ context.Context, collection, id string, withVector bool) (*SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	col, ok := s.collections[collection]
	if !ok {
		return nil, fmt.Errorf("%w: collection %s", faults.ErrNotFound, collection)
	}
	pt, ok := col.points[id]
	if !ok {
		return nil, nil
	}
	res := &SearchResult{ID: id, Payload: clonePayload(pt.payload)}
	if withVector {
		vec := make([]float32, len(pt.vector))
		copy(vec, pt.vector)
		res.Vector = vec
	}
	return res, nil
}

func (s *MemoryStore) Delete(_ context.Context, collection, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	col, ok := s.collections[collection]
	if !ok {
		return nil
	}
	if _, exists := col.points[id]; exists {
		delete(col.points, id)
		for i, oid := range col.order {
			if oid == id {
				col.order = append(col.order[:i], col.order[i+1:]...)
				break
			}
		}
	}
	return nil
}

func (s *MemoryStore) Count(_ context.Context, collection string, filter *Filter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	col, ok := s.collections[collection]
	if !ok {
		return 0, nil
	}
	if filter == nil {
		return len(col.points), nil
	}
	n := 0
	for _, pt := range col.points {
		if filter.Matches(pt.payload) {
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Close() error { return nil }

func clonePayload(p Payload) Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
