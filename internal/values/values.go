// Package values admits short principle statements against experience
// clusters. A candidate is stored only when it sits inside the
// cluster's own distance distribution around the centroid.
package values

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/emmilco/mnemo/internal/cluster"
	"github.com/emmilco/mnemo/internal/embedding"
	"github.com/emmilco/mnemo/internal/faults"
	"github.com/emmilco/mnemo/internal/ghap"
	"github.com/emmilco/mnemo/internal/logging"
	"github.com/emmilco/mnemo/internal/vector"
)

const maxValueLen = 500

// ValidationResult explains an admission decision.
type ValidationResult struct {
	Valid             bool    `json:"valid"`
	Similarity        float64 `json:"similarity,omitempty"`
	CentroidDistance  float64 `json:"centroid_distance"`
	ThresholdDistance float64 `json:"threshold_distance"`
	Reason            string  `json:"reason,omitempty"`
}

// Value is one admitted principle.
type Value struct {
	ID                   string    `json:"id"`
	Text                 string    `json:"text"`
	Axis                 string    `json:"axis"`
	ClusterID            string    `json:"cluster_id"`
	ClusterSize          int       `json:"cluster_size"`
	SimilarityToCentroid float64   `json:"similarity_to_centroid"`
	CreatedAt            time.Time `json:"created_at"`
}

// Store validates and persists values.
type Store struct {
	store     vector.Store
	registry  *embedding.Registry
	clusterer *cluster.Clusterer
	guard     *vector.Ensurer
}

// New creates a value store over the values collection.
func New(store vector.Store, registry *embedding.Registry, clusterer *cluster.Clusterer) *Store {
	s := &Store{store: store, registry: registry, clusterer: clusterer}
	s.guard = vector.NewEnsurer(store, vector.CollectionValues, func(ctx context.Context) (int, error) {
		engine, err := registry.Semantic()
		if err != nil {
			return 0, err
		}
		return engine.Dimensions(ctx)
	})
	return s
}

// Validate scores a candidate against its cluster. The threshold is
// the cluster's mean member-to-centroid cosine distance plus one
// population standard deviation.
func (s *Store) Validate(ctx context.Context, text, clusterID string) (*ValidationResult, error) {
	if strings.TrimSpace(text) == "" {
		return nil, faults.Validation("text is required")
	}
	if len(text) > maxValueLen {
		return nil, faults.Validation("text exceeds %d characters", maxValueLen)
	}

	cl, err := s.clusterer.FindCluster(ctx, clusterID)
	if err != nil {
		return nil, err
	}

	engine, err := s.registry.Semantic()
	if err != nil {
		return nil, err
	}
	candidate, err := engine.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", faults.ErrEmbedding, err)
	}

	sim, err := embedding.CosineSimilarity(candidate, cl.Centroid)
	if err != nil {
		return nil, err
	}
	dCand := 1 - sim

	mean, stddev, err := s.memberDistances(ctx, cl)
	if err != nil {
		return nil, err
	}
	threshold := mean + stddev

	result := &ValidationResult{
		Valid:             dCand <= threshold,
		Similarity:        sim,
		CentroidDistance:  dCand,
		ThresholdDistance: threshold,
	}
	if !result.Valid {
		result.Reason = fmt.Sprintf(
			"candidate is too far from the cluster centroid (distance %.4f > threshold %.4f); rephrase it closer to what the cluster's experiences share",
			dCand, threshold)
	}
	return result, nil
}

// memberDistances computes the population mean and stddev of member
// cosine distances to the centroid.
func (s *Store) memberDistances(ctx context.Context, cl *cluster.Cluster) (float64, float64, error) {
	collection := vector.GHAPCollection(cl.Axis)
	distances := make([]float64, 0, len(cl.MemberIDs))
	for _, id := range cl.MemberIDs {
		res, err := s.store.Get(ctx, collection, id, true)
		if err != nil {
			return 0, 0, err
		}
		if res == nil {
			continue
		}
		sim, err := embedding.CosineSimilarity(res.Vector, cl.Centroid)
		if err != nil {
			continue
		}
		distances = append(distances, 1-sim)
	}
	if len(distances) == 0 {
		return 0, 0, faults.NotFound("cluster %s has no retrievable members", cl.ClusterID)
	}

	var mean float64
	for _, d := range distances {
		mean += d
	}
	mean /= float64(len(distances))

	var variance float64
	for _, d := range distances {
		variance += (d - mean) * (d - mean)
	}
	variance /= float64(len(distances))
	return mean, math.Sqrt(variance), nil
}

// StoreValue admits a validated candidate into the values collection.
// Invalid candidates are rejected, not stored.
func (s *Store) StoreValue(ctx context.Context, text, clusterID string) (*Value, error) {
	result, err := s.Validate(ctx, text, clusterID)
	if err != nil {
		return nil, err
	}
	if !result.Valid {
		return nil, faults.Validation("value rejected: %s", result.Reason)
	}

	cl, err := s.clusterer.FindCluster(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	engine, err := s.registry.Semantic()
	if err != nil {
		return nil, err
	}
	vec, err := engine.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", faults.ErrEmbedding, err)
	}

	if err := s.guard.Ensure(ctx); err != nil {
		return nil, err
	}

	value := &Value{
		ID:                   uuid.NewString(),
		Text:                 text,
		Axis:                 cl.Axis,
		ClusterID:            clusterID,
		ClusterSize:          cl.Size,
		SimilarityToCentroid: result.Similarity,
		CreatedAt:            time.Now().UTC(),
	}
	payload := vector.Payload{
		"text":                   value.Text,
		"axis":                   value.Axis,
		"cluster_id":             value.ClusterID,
		"cluster_size":           value.ClusterSize,
		"similarity_to_centroid": value.SimilarityToCentroid,
		"created_at":             value.CreatedAt.Format(time.RFC3339),
	}
	if err := s.store.Upsert(ctx, vector.CollectionValues, value.ID, vec, payload); err != nil {
		return nil, err
	}

	logging.Get(logging.CategoryValues).Info("value stored",
		zap.String("id", value.ID),
		zap.String("cluster_id", clusterID),
		zap.Float64("similarity", value.SimilarityToCentroid))
	return value, nil
}

// List returns stored values, cluster_size descending then newest
// first. A missing collection is an empty list, not an error.
func (s *Store) List(ctx context.Context, axis string, limit int) ([]Value, error) {
	if axis != "" {
		valid := false
		for _, a := range ghap.Axes {
			if a == axis {
				valid = true
				break
			}
		}
		if !valid {
			return nil, faults.Validation("invalid axis %q; valid options: %s",
				axis, strings.Join(ghap.Axes, ", "))
		}
	}
	if limit <= 0 {
		limit = 50
	}

	info, err := s.store.GetCollectionInfo(ctx, vector.CollectionValues)
	if err != nil {
		return nil, err
	}
	if info == nil {
		logging.Get(logging.CategoryValues).Info("values collection absent, returning empty list")
		return nil, nil
	}

	var filter *vector.Filter
	if axis != "" {
		filter = &vector.Filter{Equals: map[string]interface{}{"axis": axis}}
	}
	results, err := s.store.Scroll(ctx, vector.CollectionValues, info.VectorCount, filter, false)
	if err != nil {
		return nil, err
	}

	values := make([]Value, 0, len(results))
	for _, res := range results {
		values = append(values, valueFromPayload(res.ID, res.Payload))
	}
	sort.Slice(values, func(i, j int) bool {
		if values[i].ClusterSize != values[j].ClusterSize {
			return values[i].ClusterSize > values[j].ClusterSize
		}
		return values[i].CreatedAt.After(values[j].CreatedAt)
	})
	if len(values) > limit {
		values = values[:limit]
	}
	return values, nil
}

func valueFromPayload(id string, p vector.Payload) Value {
	v := Value{ID: id}
	if s, ok := p["text"].(string); ok {
		v.Text = s
	}
	if s, ok := p["axis"].(string); ok {
		v.Axis = s
	}
	if s, ok := p["cluster_id"].(string); ok {
		v.ClusterID = s
	}
	switch n := p["cluster_size"].(type) {
	case int:
		v.ClusterSize = n
	case float64:
		v.ClusterSize = int(n)
	}
	if f, ok := p["similarity_to_centroid"].(float64); ok {
		v.SimilarityToCentroid = f
	}
	if s, ok := p["created_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			v.CreatedAt = t
		}
	}
	return v
}
