// Package vector provides the vector collection store: collection CRUD
// with dimensional metadata, upsert/search/scroll/get/delete with
// payload filters, and the idempotent ensure-collection guard every
// writer threads before its first upsert.
//
// Two backends exist: SQLiteStore persists collections in a single
// sqlite database, MemoryStore keeps them in process memory for tests.
package vector

import (
	"context"
	"time"
)

// Distance is the similarity metric of a collection. Cosine only.
type Distance string

// DistanceCosine scores results by cosine similarity in [-1, 1];
// higher means more similar.
const DistanceCosine Distance = "cosine"

// Payload is the structured metadata stored alongside a vector.
type Payload map[string]interface{}

// CollectionInfo is reflective metadata for a collection.
type CollectionInfo struct {
	Name        string
	Dimension   int
	VectorCount int
}

// SearchResult is one hit from Search, Scroll, or Get.
type SearchResult struct {
	ID      string
	Score   float64
	Payload Payload
	Vector  []float32
}

// Filter restricts matches with AND semantics: every Equals entry must
// match the payload value exactly, and every GTE entry requires the
// named timestamp field to be at or after the given instant.
type Filter struct {
	Equals map[string]interface{}
	GTE    map[string]time.Time
}

// Store is the polymorphic vector collection store.
type Store interface {
	// CreateCollection creates a collection. If it already exists the
	// call fails with faults.ErrCollectionExists so callers can swallow
	// it as idempotent success.
	CreateCollection(ctx context.Context, name string, dimension int, distance Distance) error

	// GetCollectionInfo returns collection metadata, or nil when the
	// collection does not exist. Transport failures return an error.
	GetCollectionInfo(ctx context.Context, name string) (*CollectionInfo, error)

	// DeleteCollection removes a collection and all its points.
	DeleteCollection(ctx context.Context, name string) error

	// Upsert inserts or replaces a point. Fails with
	// faults.ErrDimensionMismatch when the vector length differs from
	// the collection dimension.
	Upsert(ctx context.Context, collection, id string, vec []float32, payload Payload) error

	// Search returns up to limit points ordered by descending cosine
	// similarity to the query vector.
	Search(ctx context.Context, collection string, query []float32, limit int, filter *Filter) ([]SearchResult, error)

	// Scroll lists up to limit points without semantic ordering.
	Scroll(ctx context.Context, collection string, limit int, filter *Filter, withVectors bool) ([]SearchResult, error)

	// Get fetches one point by id, or nil when absent.
	Get(ctx context.Context, collection, id string, withVector bool) (*SearchResult, error)

	// Delete removes one point. Deleting an absent point is a no-op.
	Delete(ctx context.Context, collection, id string) error

	// Count returns the number of points matching the filter.
	Count(ctx context.Context, collection string, filter *Filter) (int, error)

	// Close releases backend resources.
	Close() error
}

// Matches reports whether a payload satisfies the filter.
func (f *Filter) Matches(p Payload) bool {
	if f == nil {
		return true
	}
	for key, want := range f.Equals {
		got, ok := p[key]
		if !ok || !looseEqual(got, want) {
			return false
		}
	}
	for key, since := range f.GTE {
		raw, ok := p[key]
		if !ok {
			return false
		}
		ts, ok := parseTime(raw)
		if !ok || ts.Before(since) {
			return false
		}
	}
	return true
}

// looseEqual compares payload values across the numeric widening JSON
// round-trips introduce (int vs float64).
func looseEqual(got, want interface{}) bool {
	if got == want {
		return true
	}
	gf, gok := asFloat(got)
	wf, wok := asFloat(want)
	if gok && wok {
		return gf == wf
	}
	return false
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func parseTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		ts, err := time.Parse(time.RFC3339, t)
		if err != nil {
			ts, err = time.Parse(time.RFC3339Nano, t)
		}
		if err != nil {
			return time.Time{}, false
		}
		return ts, true
	}
	return time.Time{}, false
}
