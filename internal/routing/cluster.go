package routing

import (
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Clustering methods.
const (
	MethodKMeans  = "kmeans"
	MethodDensity = "density"
)

// kmeansMaxIter bounds the Lloyd iteration count; assignments almost always
// stabilize well before this on the vector sizes seen here.
const kmeansMaxIter = 100

// NoCluster is the cluster id recorded when no model exists or a vector
// falls outside every density cluster.
const NoCluster = -1

// Model is one immutable clustering snapshot. Routers swap the whole model
// atomically at rebuild time, so readers never see a half-built state.
type Model struct {
	method   string
	builtAt  time.Time
	samples  int
	clusters int

	// kmeans: one centroid per cluster.
	centroids []Vector

	// density: labeled reference points plus the assignment radius.
	points []Vector
	labels []int
	eps    float64
}

// Method returns the clustering method that built the model.
func (m *Model) Method() string { return m.method }

// BuiltAt returns when the model was built.
func (m *Model) BuiltAt() time.Time { return m.builtAt }

// Samples returns how many outcome samples the model was built from.
func (m *Model) Samples() int { return m.samples }

// Clusters returns the number of clusters in the model.
func (m *Model) Clusters() int { return m.clusters }

// Assign maps a vector to its cluster. The second return is false when the
// model cannot place the vector (density noise).
func (m *Model) Assign(v Vector) (int, bool) {
	switch m.method {
	case MethodKMeans:
		if len(m.centroids) == 0 {
			return NoCluster, false
		}
		best, _ := nearest(v, m.centroids)
		return best, true
	case MethodDensity:
		bestLabel := NoCluster
		bestDist := m.eps * m.eps
		for i, p := range m.points {
			if m.labels[i] == NoCluster {
				continue
			}
			if d := squaredDistance(v, p); d <= bestDist {
				bestDist = d
				bestLabel = m.labels[i]
			}
		}
		return bestLabel, bestLabel != NoCluster
	default:
		return NoCluster, false
	}
}

// nearest returns the index of the closest centroid and the squared distance.
func nearest(v Vector, centroids []Vector) (int, float64) {
	best := 0
	bestDist := math.MaxFloat64
	for i, c := range centroids {
		if d := squaredDistance(v, c); d < bestDist {
			bestDist = d
			best = i
		}
	}
	return best, bestDist
}

// kmeans runs Lloyd's algorithm with seeded random initialization. Empty
// clusters are reseeded with the point farthest from its centroid so k
// stays meaningful on small sample sets.
func kmeans(points []Vector, k int, rng *rand.Rand) ([]Vector, []int) {
	if k > len(points) {
		k = len(points)
	}
	if k == 0 {
		return nil, nil
	}

	centroids := make([]Vector, k)
	for i, idx := range rng.Perm(len(points))[:k] {
		centroids[i] = append(Vector(nil), points[idx]...)
	}

	assignments := make([]int, len(points))
	for iter := 0; iter < kmeansMaxIter; iter++ {
		changed := false
		for i, p := range points {
			c, _ := nearest(p, centroids)
			if assignments[i] != c {
				assignments[i] = c
				changed = true
			}
		}
		if !changed && iter > 0 {
			break
		}

		counts := make([]int, k)
		sums := make([]Vector, k)
		for i := range sums {
			sums[i] = make(Vector, len(points[0]))
		}
		for i, p := range points {
			c := assignments[i]
			counts[c]++
			for j, x := range p {
				sums[c][j] += x
			}
		}
		for c := 0; c < k; c++ {
			if counts[c] == 0 {
				centroids[c] = append(Vector(nil), farthestPoint(points, assignments, centroids)...)
				continue
			}
			for j := range sums[c] {
				sums[c][j] /= float64(counts[c])
			}
			centroids[c] = sums[c]
		}
	}
	return centroids, assignments
}

// farthestPoint returns the point with the greatest distance from its
// assigned centroid, used to reseed an empty cluster.
func farthestPoint(points []Vector, assignments []int, centroids []Vector) Vector {
	best := points[0]
	bestDist := -1.0
	for i, p := range points {
		d := squaredDistance(p, centroids[assignments[i]])
		if d > bestDist {
			bestDist = d
			best = p
		}
	}
	return best
}

// dbscan labels points by density: a point with at least minPts neighbors
// (itself included) within eps seeds a cluster that grows through
// density-reachable points. Unreached points are labeled NoCluster.
func dbscan(points []Vector, eps float64, minPts int) ([]int, int) {
	const unvisited = -2
	labels := make([]int, len(points))
	for i := range labels {
		labels[i] = unvisited
	}
	epsSq := eps * eps

	neighbors := func(i int) []int {
		var out []int
		for j := range points {
			if squaredDistance(points[i], points[j]) <= epsSq {
				out = append(out, j)
			}
		}
		return out
	}

	cluster := 0
	for i := range points {
		if labels[i] != unvisited {
			continue
		}
		seed := neighbors(i)
		if len(seed) < minPts {
			labels[i] = NoCluster
			continue
		}
		labels[i] = cluster
		queue := append([]int(nil), seed...)
		for len(queue) > 0 {
			j := queue[0]
			queue = queue[1:]
			if labels[j] == NoCluster {
				labels[j] = cluster
			}
			if labels[j] != unvisited {
				continue
			}
			labels[j] = cluster
			if next := neighbors(j); len(next) >= minPts {
				queue = append(queue, next...)
			}
		}
		cluster++
	}
	return labels, cluster
}

// buildModel clusters the sample vectors with the configured method.
func buildModel(vectors []Vector, method string, k int, eps float64, minPts int, seed int64) (*Model, []int, error) {
	if len(vectors) == 0 {
		return nil, nil, fmt.Errorf("cannot build cluster model: no samples")
	}

	m := &Model{
		method:  method,
		builtAt: time.Now().UTC(),
		samples: len(vectors),
	}

	switch method {
	case MethodKMeans:
		centroids, assignments := kmeans(vectors, k, rand.New(rand.NewSource(seed)))
		m.centroids = centroids
		m.clusters = len(centroids)
		return m, assignments, nil
	case MethodDensity:
		labels, clusters := dbscan(vectors, eps, minPts)
		m.points = vectors
		m.labels = labels
		m.eps = eps
		m.clusters = clusters
		return m, labels, nil
	default:
		return nil, nil, fmt.Errorf("unknown clustering method %q", method)
	}
}
