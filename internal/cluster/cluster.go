// Package cluster groups resolved experience vectors by density so
// recurring patterns can be distilled into values. Clustering is
// on-demand; labels are never persisted.
package cluster

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/emmilco/mnemo/internal/config"
	"github.com/emmilco/mnemo/internal/embedding"
	"github.com/emmilco/mnemo/internal/faults"
	"github.com/emmilco/mnemo/internal/ghap"
	"github.com/emmilco/mnemo/internal/logging"
	"github.com/emmilco/mnemo/internal/vector"
)

// minMembership is the floor below which clustering refuses to run.
const minMembership = 20

// Cluster is one density cluster over an axis collection.
type Cluster struct {
	ClusterID string    `json:"cluster_id"`
	Axis      string    `json:"axis"`
	Label     int       `json:"label"`
	Size      int       `json:"size"`
	Centroid  []float32 `json:"-"`
	MemberIDs []string  `json:"member_ids"`
	AvgWeight *float64  `json:"avg_weight,omitempty"`
}

// Result is one clustering run.
type Result struct {
	Axis     string    `json:"axis"`
	Clusters []Cluster `json:"clusters"`
	Noise    int       `json:"noise"`
	Total    int       `json:"total"`
}

// Clusterer runs density clustering over axis collections.
type Clusterer struct {
	store vector.Store
	cfg   config.ClusterConfig
}

// New creates a clusterer. Zero config fields take defaults.
func New(store vector.Store, cfg config.ClusterConfig) *Clusterer {
	if cfg.MinClusterSize <= 0 {
		cfg.MinClusterSize = 3
	}
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 2
	}
	if cfg.Eps <= 0 {
		cfg.Eps = 0.35
	}
	return &Clusterer{store: store, cfg: cfg}
}

// ClusterAxis clusters every vector of one axis collection. Fails
// with insufficient_data below the membership floor.
func (c *Clusterer) ClusterAxis(ctx context.Context, axis string) (*Result, error) {
	if !validAxis(axis) {
		return nil, faults.Validation("invalid axis %q; valid options: %s",
			axis, strings.Join(ghap.Axes, ", "))
	}

	collection := vector.GHAPCollection(axis)
	total, err := c.store.Count(ctx, collection, nil)
	if err != nil {
		return nil, err
	}
	if total < minMembership {
		return nil, fmt.Errorf("%w: axis %s has %d entries, need at least %d: %s",
			faults.ErrInsufficientData, axis, total, minMembership,
			"resolve more reflection entries first")
	}

	points, err := c.store.Scroll(ctx, collection, total, nil, true)
	if err != nil {
		return nil, err
	}

	labels := dbscan(points, c.cfg.Eps, c.cfg.MinSamples)
	demoteSmallClusters(labels, c.cfg.MinClusterSize)

	byLabel := map[int][]int{}
	noise := 0
	for i, label := range labels {
		if label < 0 {
			noise++
			continue
		}
		byLabel[label] = append(byLabel[label], i)
	}

	clusters := make([]Cluster, 0, len(byLabel))
	for label, members := range byLabel {
		cl := Cluster{
			Axis:      axis,
			Label:     label,
			ClusterID: fmt.Sprintf("%s_%d", axis, label),
			Size:      len(members),
			Centroid:  centroid(points, members),
		}
		for _, idx := range members {
			cl.MemberIDs = append(cl.MemberIDs, points[idx].ID)
		}
		if avg, ok := avgWeight(points, members); ok {
			cl.AvgWeight = &avg
		}
		clusters = append(clusters, cl)
	}
	sort.Slice(clusters, func(i, j int) bool {
		if clusters[i].Size != clusters[j].Size {
			return clusters[i].Size > clusters[j].Size
		}
		return clusters[i].Label < clusters[j].Label
	})

	logging.Get(logging.CategoryCluster).Info("axis clustered",
		zap.String("axis", axis),
		zap.Int("total", total),
		zap.Int("clusters", len(clusters)),
		zap.Int("noise", noise))
	return &Result{Axis: axis, Clusters: clusters, Noise: noise, Total: total}, nil
}

// FindCluster re-derives the axis clusters and returns the one with
// the requested id.
func (c *Clusterer) FindCluster(ctx context.Context, clusterID string) (*Cluster, error) {
	axis, _, err := ParseClusterID(clusterID)
	if err != nil {
		return nil, err
	}
	result, err := c.ClusterAxis(ctx, axis)
	if err != nil {
		return nil, err
	}
	for i := range result.Clusters {
		if result.Clusters[i].ClusterID == clusterID {
			return &result.Clusters[i], nil
		}
	}
	return nil, faults.NotFound("cluster %s not found; labels may have shifted, re-run get_clusters", clusterID)
}

// Members returns the payloads of a cluster's member points.
func (c *Clusterer) Members(ctx context.Context, clusterID string, limit int) ([]vector.SearchResult, error) {
	cl, err := c.FindCluster(ctx, clusterID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > len(cl.MemberIDs) {
		limit = len(cl.MemberIDs)
	}

	collection := vector.GHAPCollection(cl.Axis)
	members := make([]vector.SearchResult, 0, limit)
	for _, id := range cl.MemberIDs[:limit] {
		res, err := c.store.Get(ctx, collection, id, false)
		if err != nil {
			return nil, err
		}
		if res != nil {
			members = append(members, *res)
		}
	}
	return members, nil
}

// ParseClusterID splits "{axis}_{label}". Axis names themselves
// contain underscores, so match against the canonical axis list.
func ParseClusterID(clusterID string) (string, int, error) {
	for _, axis := range ghap.Axes {
		prefix := axis + "_"
		if !strings.HasPrefix(clusterID, prefix) {
			continue
		}
		label, err := strconv.Atoi(clusterID[len(prefix):])
		if err != nil || label < 0 {
			break
		}
		return axis, label, nil
	}
	return "", 0, faults.Validation("invalid cluster_id %q; expected \"{axis}_{label}\" such as full_0", clusterID)
}

func validAxis(axis string) bool {
	for _, a := range ghap.Axes {
		if a == axis {
			return true
		}
	}
	return false
}

// dbscan labels points by density reachability under cosine distance.
// Returns -1 for noise. Deterministic for a fixed point order.
func dbscan(points []vector.SearchResult, eps float64, minSamples int) []int {
	const (
		unvisited = -2
		noiseMark = -1
	)
	labels := make([]int, len(points))
	for i := range labels {
		labels[i] = unvisited
	}

	next := 0
	for i := range points {
		if labels[i] != unvisited {
			continue
		}
		neighbors := regionQuery(points, i, eps)
		if len(neighbors) < minSamples {
			labels[i] = noiseMark
			continue
		}

		label := next
		next++
		labels[i] = label

		queue := append([]int(nil), neighbors...)
		for len(queue) > 0 {
			j := queue[0]
			queue = queue[1:]
			if labels[j] == noiseMark {
				labels[j] = label
			}
			if labels[j] != unvisited {
				continue
			}
			labels[j] = label
			jn := regionQuery(points, j, eps)
			if len(jn) >= minSamples {
				queue = append(queue, jn...)
			}
		}
	}
	return labels
}

// regionQuery returns indices within eps cosine distance of points[i],
// including i itself.
func regionQuery(points []vector.SearchResult, i int, eps float64) []int {
	var neighbors []int
	for j := range points {
		sim, err := embedding.CosineSimilarity(points[i].Vector, points[j].Vector)
		if err != nil {
			continue
		}
		if 1-sim <= eps {
			neighbors = append(neighbors, j)
		}
	}
	return neighbors
}

// demoteSmallClusters relabels clusters under the size floor as noise.
func demoteSmallClusters(labels []int, minClusterSize int) {
	sizes := map[int]int{}
	for _, label := range labels {
		if label >= 0 {
			sizes[label]++
		}
	}
	for i, label := range labels {
		if label >= 0 && sizes[label] < minClusterSize {
			labels[i] = -1
		}
	}
}

// centroid is the unit-normalized mean of the member vectors.
func centroid(points []vector.SearchResult, members []int) []float32 {
	if len(members) == 0 {
		return nil
	}
	dim := len(points[members[0]].Vector)
	sum := make([]float64, dim)
	for _, idx := range members {
		for d, v := range points[idx].Vector {
			sum[d] += float64(v)
		}
	}

	var norm float64
	for d := range sum {
		sum[d] /= float64(len(members))
		norm += sum[d] * sum[d]
	}
	norm = math.Sqrt(norm)

	out := make([]float32, dim)
	for d := range sum {
		if norm > 0 {
			out[d] = float32(sum[d] / norm)
		}
	}
	return out
}

// avgWeight averages the optional weight payload field. Present only
// when every member carries one.
func avgWeight(points []vector.SearchResult, members []int) (float64, bool) {
	var sum float64
	for _, idx := range members {
		raw, ok := points[idx].Payload["weight"]
		if !ok {
			return 0, false
		}
		switch v := raw.(type) {
		case float64:
			sum += v
		case int:
			sum += float64(v)
		default:
			return 0, false
		}
	}
	return sum / float64(len(members)), true
}
