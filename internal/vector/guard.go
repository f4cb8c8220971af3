package vector

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/emmilco/mnemo/internal/faults"
	"github.com/emmilco/mnemo/internal/logging"
)

// DimensionSource yields the live embedder's dimension at
// collection-create time. Dimensions are never configured directly.
type DimensionSource func(ctx context.Context) (int, error)

// Ensurer is the idempotent ensure-collection guard. Every component
// that writes a collection threads one of these before its first
// upsert. When the stored dimension no longer matches the embedder's,
// the collection is deleted and recreated (dimension migration).
type Ensurer struct {
	store Store
	name  string
	dims  DimensionSource

	mu      sync.Mutex
	ensured bool
}

// NewEnsurer builds a guard for one collection.
func NewEnsurer(store Store, name string, dims DimensionSource) *Ensurer {
	return &Ensurer{store: store, name: name, dims: dims}
}

// Ensure makes the collection exist with the embedder's dimension.
// Safe for concurrent callers; the "already exists" error is absorbed.
func (e *Ensurer) Ensure(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ensured {
		return nil
	}

	expected, err := e.dims(ctx)
	if err != nil {
		return fmt.Errorf("resolve dimension for %s: %w", e.name, err)
	}

	info, err := e.store.GetCollectionInfo(ctx, e.name)
	if err != nil {
		return fmt.Errorf("inspect collection %s: %w", e.name, err)
	}
	if info != nil && info.Dimension != expected {
		logging.Get(logging.CategoryVector).Warn("dimension_mismatch",
			zap.String("collection", e.name),
			zap.Int("expected", expected),
			zap.Int("actual", info.Dimension),
			zap.String("action", "recreating"))
		if err := e.store.DeleteCollection(ctx, e.name); err != nil {
			return fmt.Errorf("recreate collection %s: %w", e.name, err)
		}
		info = nil
	}

	err = e.store.CreateCollection(ctx, e.name, expected, DistanceCosine)
	if err != nil && !errors.Is(err, faults.ErrCollectionExists) {
		return fmt.Errorf("create collection %s: %w", e.name, err)
	}

	e.ensured = true
	return nil
}

// Reset clears the ensured flag. Tests use this to simulate restarts.
func (e *Ensurer) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ensured = false
}
