package values

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emmilco/mnemo/internal/cluster"
	"github.com/emmilco/mnemo/internal/config"
	"github.com/emmilco/mnemo/internal/embedding"
	"github.com/emmilco/mnemo/internal/faults"
	"github.com/emmilco/mnemo/internal/vector"
)

const dim = 8

// mapEngine returns canned vectors per text, so tests control exactly
// where a candidate lands relative to the cluster.
type mapEngine struct {
	vectors map[string][]float32
}

func (m *mapEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, ok := m.vectors[text]
	if !ok {
		return nil, fmt.Errorf("no canned vector for %q", text)
	}
	return vec, nil
}

func (m *mapEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := m.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}

func (m *mapEngine) Dimensions(ctx context.Context) (int, error) { return dim, nil }
func (m *mapEngine) Name() string                                { return "map" }

func axisVector(spread float32) []float32 {
	v := make([]float32, dim)
	v[0] = 1
	v[7] = spread
	return v
}

// newFixture seeds a single tight cluster of 21 experience vectors
// around the first axis, with three spread variants so the member
// distance distribution has nonzero variance.
func newFixture(t *testing.T) (*Store, *vector.MemoryStore) {
	t.Helper()
	store := vector.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.CreateCollection(ctx, "ghap_full", dim, vector.DistanceCosine))
	for i := 0; i < 21; i++ {
		id := fmt.Sprintf("exp-%d", i)
		vec := axisVector(0.05 * float32(i%3))
		require.NoError(t, store.Upsert(ctx, "ghap_full", id, vec, vector.Payload{"ghap_id": id}))
	}

	engine := &mapEngine{vectors: map[string][]float32{
		"prefer the middle path": axisVector(0.05), // inside the spread
		"something unrelated":    {0, 1, 0, 0, 0, 0, 0, 0},
	}}
	registry := embedding.NewRegistry(config.EmbeddingConfig{})
	registry.SetSemantic(engine)

	clusterer := cluster.New(store, config.ClusterConfig{})
	return New(store, registry, clusterer), store
}

func TestValidateAdmitsCentralCandidate(t *testing.T) {
	s, _ := newFixture(t)

	result, err := s.Validate(context.Background(), "prefer the middle path", "full_0")
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Greater(t, result.Similarity, 0.99)
	assert.LessOrEqual(t, result.CentroidDistance, result.ThresholdDistance)
	assert.Empty(t, result.Reason)
}

func TestValidateRejectsDistantCandidate(t *testing.T) {
	s, _ := newFixture(t)

	result, err := s.Validate(context.Background(), "something unrelated", "full_0")
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Greater(t, result.CentroidDistance, result.ThresholdDistance)
	assert.Contains(t, result.Reason, "too far")
}

func TestValidateInputErrors(t *testing.T) {
	s, _ := newFixture(t)
	ctx := context.Background()

	_, err := s.Validate(ctx, "  ", "full_0")
	require.Error(t, err)
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))

	_, err = s.Validate(ctx, strings.Repeat("x", 501), "full_0")
	require.Error(t, err)
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))

	_, err = s.Validate(ctx, "fine", "not-a-cluster-id")
	require.Error(t, err)
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))
}

func TestStoreValueAdmissionAndRejection(t *testing.T) {
	s, store := newFixture(t)
	ctx := context.Background()

	value, err := s.StoreValue(ctx, "prefer the middle path", "full_0")
	require.NoError(t, err)
	assert.NotEmpty(t, value.ID)
	assert.Equal(t, "full", value.Axis)
	assert.Equal(t, 21, value.ClusterSize)

	count, err := store.Count(ctx, vector.CollectionValues, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// Rejected candidates never reach the store.
	_, err = s.StoreValue(ctx, "something unrelated", "full_0")
	require.Error(t, err)
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))

	count, err = store.Count(ctx, vector.CollectionValues, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestListSortsAndFilters(t *testing.T) {
	s, _ := newFixture(t)
	ctx := context.Background()

	// Empty before anything is stored, and no error.
	values, err := s.List(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, values)

	_, err = s.StoreValue(ctx, "prefer the middle path", "full_0")
	require.NoError(t, err)

	values, err = s.List(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, values, 1)
	assert.Equal(t, "prefer the middle path", values[0].Text)
	assert.Equal(t, 21, values[0].ClusterSize)

	values, err = s.List(ctx, "strategy", 10)
	require.NoError(t, err)
	assert.Empty(t, values)

	_, err = s.List(ctx, "bogus", 10)
	require.Error(t, err)
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))
}
