package routing

import (
	"hash/fnv"
	"math"
	"strings"
)

// Vector is a dense feature vector.
type Vector []float64

// Embedder turns task content into a fixed-dimension vector. Implementations
// must be deterministic: the same content always yields the same vector.
type Embedder interface {
	Embed(content string) Vector
	Dim() int
}

// DefaultEmbeddingDim is the dimension used when no embedder is supplied.
const DefaultEmbeddingDim = 64

// HashingEmbedder embeds text with the feature-hashing trick: each token is
// hashed into one of Dim buckets with a ±1 sign bit, and the result is
// L2-normalized. It needs no external provider and no vocabulary, which
// keeps routing self-contained; a provider-backed Embedder can replace it
// without touching the router.
type HashingEmbedder struct {
	dim int
}

// NewHashingEmbedder creates an embedder with the given dimension.
func NewHashingEmbedder(dim int) *HashingEmbedder {
	if dim <= 0 {
		dim = DefaultEmbeddingDim
	}
	return &HashingEmbedder{dim: dim}
}

// Dim returns the embedding dimension.
func (e *HashingEmbedder) Dim() int { return e.dim }

// Embed hashes the lowercased tokens of content into a normalized vector.
// Empty content yields the zero vector.
func (e *HashingEmbedder) Embed(content string) Vector {
	v := make(Vector, e.dim)
	for _, tok := range strings.Fields(strings.ToLower(content)) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum32()
		idx := int(sum % uint32(e.dim))
		if sum&0x80000000 != 0 {
			v[idx]--
		} else {
			v[idx]++
		}
	}
	return l2normalize(v)
}

// l2normalize scales v to unit length in place. The zero vector stays zero.
func l2normalize(v Vector) Vector {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	if sum == 0 {
		return v
	}
	norm := math.Sqrt(sum)
	for i := range v {
		v[i] /= norm
	}
	return v
}

// squaredDistance returns the squared Euclidean distance between a and b.
// Vectors of unequal length compare over the shorter prefix; the remainder
// of the longer vector counts in full.
func squaredDistance(a, b Vector) float64 {
	var sum float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		d := a[i] - b[i]
		sum += d * d
	}
	for i := n; i < len(a); i++ {
		sum += a[i] * a[i]
	}
	for i := n; i < len(b); i++ {
		sum += b[i] * b[i]
	}
	return sum
}
