package cluster

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emmilco/mnemo/internal/config"
	"github.com/emmilco/mnemo/internal/faults"
	"github.com/emmilco/mnemo/internal/vector"
)

const dim = 8

// groupVector builds a near-unit vector pointing along base with a
// small per-member perturbation, so in-group cosine distance is tiny
// and cross-group distance is ~1.
func groupVector(base, member int) []float32 {
	v := make([]float32, dim)
	v[base] = 1
	v[7] = 0.01 * float32(member%3)
	return v
}

func seedStore(t *testing.T, sizes []int, noise int) *vector.MemoryStore {
	t.Helper()
	store := vector.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.CreateCollection(ctx, "ghap_full", dim, vector.DistanceCosine))

	for group, size := range sizes {
		for i := 0; i < size; i++ {
			id := fmt.Sprintf("g%d-%d", group, i)
			payload := vector.Payload{"ghap_id": id, "domain": "debugging"}
			require.NoError(t, store.Upsert(ctx, "ghap_full", id, groupVector(group, i), payload))
		}
	}
	for i := 0; i < noise; i++ {
		id := fmt.Sprintf("noise-%d", i)
		v := make([]float32, dim)
		v[4+i] = 1 // isolated directions
		require.NoError(t, store.Upsert(ctx, "ghap_full", id, v, vector.Payload{"ghap_id": id}))
	}
	return store
}

func TestClusterAxisFindsGroups(t *testing.T) {
	store := seedStore(t, []int{10, 8, 6}, 2)
	c := New(store, config.ClusterConfig{})

	result, err := c.ClusterAxis(context.Background(), "full")
	require.NoError(t, err)

	require.Len(t, result.Clusters, 3)
	assert.Equal(t, 26, result.Total)
	assert.Equal(t, 2, result.Noise)

	// Sorted by size descending.
	assert.Equal(t, 10, result.Clusters[0].Size)
	assert.Equal(t, 8, result.Clusters[1].Size)
	assert.Equal(t, 6, result.Clusters[2].Size)

	for _, cl := range result.Clusters {
		assert.Equal(t, "full", cl.Axis)
		assert.Equal(t, fmt.Sprintf("full_%d", cl.Label), cl.ClusterID)
		assert.Len(t, cl.MemberIDs, cl.Size)
		assert.Nil(t, cl.AvgWeight) // no weight payloads seeded

		// Centroid is unit-normalized.
		var norm float64
		for _, v := range cl.Centroid {
			norm += float64(v) * float64(v)
		}
		assert.InDelta(t, 1.0, norm, 1e-4)
	}
}

func TestClusterAxisInsufficientData(t *testing.T) {
	store := seedStore(t, []int{5, 5}, 0) // 10 < 20
	c := New(store, config.ClusterConfig{})

	_, err := c.ClusterAxis(context.Background(), "full")
	require.ErrorIs(t, err, faults.ErrInsufficientData)
	assert.Equal(t, faults.KindInsufficientData, faults.KindOf(err))
}

func TestClusterAxisInvalidAxis(t *testing.T) {
	c := New(vector.NewMemoryStore(), config.ClusterConfig{})
	_, err := c.ClusterAxis(context.Background(), "vibes")
	require.Error(t, err)
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))
}

func TestSmallClustersDemotedToNoise(t *testing.T) {
	// Two members in a group is a valid DBSCAN cluster with
	// min_samples=2 but sits under min_cluster_size=3.
	store := seedStore(t, []int{18, 2}, 0)
	c := New(store, config.ClusterConfig{})

	result, err := c.ClusterAxis(context.Background(), "full")
	require.NoError(t, err)
	require.Len(t, result.Clusters, 1)
	assert.Equal(t, 18, result.Clusters[0].Size)
	assert.Equal(t, 2, result.Noise)
}

func TestFindClusterAndMembers(t *testing.T) {
	store := seedStore(t, []int{12, 9}, 0)
	c := New(store, config.ClusterConfig{})
	ctx := context.Background()

	result, err := c.ClusterAxis(ctx, "full")
	require.NoError(t, err)
	id := result.Clusters[0].ClusterID

	cl, err := c.FindCluster(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 12, cl.Size)

	members, err := c.Members(ctx, id, 5)
	require.NoError(t, err)
	require.Len(t, members, 5)
	assert.Contains(t, members[0].Payload, "ghap_id")

	_, err = c.FindCluster(ctx, "full_99")
	require.Error(t, err)
	assert.Equal(t, faults.KindNotFound, faults.KindOf(err))
}

func TestParseClusterID(t *testing.T) {
	axis, label, err := ParseClusterID("root_cause_3")
	require.NoError(t, err)
	assert.Equal(t, "root_cause", axis)
	assert.Equal(t, 3, label)

	axis, label, err = ParseClusterID("full_0")
	require.NoError(t, err)
	assert.Equal(t, "full", axis)
	assert.Equal(t, 0, label)

	for _, bad := range []string{"", "full", "full_", "full_x", "banana_1"} {
		_, _, err := ParseClusterID(bad)
		require.Error(t, err, bad)
		assert.Equal(t, faults.KindValidation, faults.KindOf(err), bad)
	}
}
