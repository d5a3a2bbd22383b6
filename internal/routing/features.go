package routing

import (
	"math"
	"sort"
	"sync"

	"github.com/parley-ai/parley/internal/protocol"
)

// Numeric feature scales applied after standardization. The embedding
// dominates cluster geometry; the scalar features nudge it.
const (
	complexityScale = 0.5
	wordCountScale  = 0.1
	categoryScale   = 0.3
)

// Features are the raw per-task inputs the extractor vectorizes.
type Features struct {
	Content        string
	WordCount      int
	Complexity     float64
	CategoryScores map[string]float64
}

// FeaturesFromDiagnostics builds Features from an estimator diagnostics
// record, weighting each category's hit count by nothing further: hit
// counts are already weight-adjusted upstream via the complexity score.
func FeaturesFromDiagnostics(content string, d *protocol.Diagnostics) Features {
	f := Features{Content: content}
	if d == nil {
		return f
	}
	f.WordCount = d.WordCount
	f.Complexity = d.ComplexityScore
	if len(d.CategoryHits) > 0 {
		f.CategoryScores = make(map[string]float64, len(d.CategoryHits))
		for name, hits := range d.CategoryHits {
			f.CategoryScores[name] = float64(hits)
		}
	}
	return f
}

// welford tracks a running mean and variance.
type welford struct {
	n    int
	mean float64
	m2   float64
}

func (w *welford) add(x float64) {
	w.n++
	delta := x - w.mean
	w.mean += delta / float64(w.n)
	w.m2 += delta * (x - w.mean)
}

// standardize maps x to zero mean and unit variance under the observed
// distribution. With fewer than two observations, or zero variance, the
// raw distance from the mean is used so early vectors stay bounded.
func (w *welford) standardize(x float64) float64 {
	if w.n < 2 {
		return 0
	}
	variance := w.m2 / float64(w.n-1)
	if variance <= 0 {
		return x - w.mean
	}
	return (x - w.mean) / math.Sqrt(variance)
}

// Extractor turns Features into vectors: the content embedding concatenated
// with standardized, scaled numeric features. Category columns have a fixed
// order so every vector has the same layout.
type Extractor struct {
	embedder   Embedder
	categories []string

	mu       sync.Mutex
	wordStat welford
	cplxStat welford
}

// NewExtractor creates an extractor over the given category names. The
// names are sorted once so the vector layout does not depend on map order.
func NewExtractor(embedder Embedder, categories []string) *Extractor {
	if embedder == nil {
		embedder = NewHashingEmbedder(DefaultEmbeddingDim)
	}
	sorted := append([]string(nil), categories...)
	sort.Strings(sorted)
	return &Extractor{embedder: embedder, categories: sorted}
}

// Dim returns the full vector dimension.
func (x *Extractor) Dim() int {
	return x.embedder.Dim() + 2 + len(x.categories)
}

// Observe feeds one finished task's numerics into the running statistics
// used for standardization. Call it when outcomes are recorded, not when
// vectors are extracted, so unrouted probes do not skew the distribution.
func (x *Extractor) Observe(f Features) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.wordStat.add(float64(f.WordCount))
	x.cplxStat.add(f.Complexity)
}

// Vector extracts the feature vector for one task. Deterministic for a
// fixed extractor state.
func (x *Extractor) Vector(f Features) Vector {
	out := make(Vector, 0, x.Dim())
	out = append(out, x.embedder.Embed(f.Content)...)

	x.mu.Lock()
	cplx := x.cplxStat.standardize(f.Complexity)
	words := x.wordStat.standardize(float64(f.WordCount))
	x.mu.Unlock()

	out = append(out, cplx*complexityScale, words*wordCountScale)
	for _, name := range x.categories {
		out = append(out, f.CategoryScores[name]*categoryScale)
	}
	return out
}
