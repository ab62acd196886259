// Package embedding provides the capability-style Embedder interface
// and a dependency-free fallback, mirroring the optional nature of
// embedding providers: the system must keep working, with degraded
// retrieval quality, when no real embedder is configured.
package embedding

import (
	"context"
	"errors"

	"github.com/Protocol-Lattice/cascade-memory/internal/record"
)

// ErrUnsupported is returned by providers that cannot embed at all, so
// callers can distinguish "no vector available" from an I/O failure.
var ErrUnsupported = errors.New("embedding: not supported by this provider")

// Embedder is a pluggable text-embedding provider. Implementations
// must be safe for concurrent use.
type Embedder interface {
	// Embed returns a vector of the provider's native dimension for
	// content. Callers are responsible for normalizing to the
	// system's configured dimension via Normalize.
	Embed(ctx context.Context, content []byte) ([]float32, error)
	// Dim reports the provider's native output dimension.
	Dim() int
}

// DummyEmbedder is a deterministic, offline fallback: it hashes bytes
// of content into buckets of a fixed-size vector. It produces stable,
// content-sensitive vectors without any external dependency, enough to
// exercise nearest-neighbour code paths in tests and in deployments
// that have not wired a real provider.
type DummyEmbedder struct {
	dim int
}

// NewDummyEmbedder returns a DummyEmbedder producing vectors of dim.
func NewDummyEmbedder(dim int) *DummyEmbedder {
	if dim <= 0 {
		dim = 256
	}
	return &DummyEmbedder{dim: dim}
}

// Embed implements Embedder.
func (d *DummyEmbedder) Embed(_ context.Context, content []byte) ([]float32, error) {
	return DummyVector(content, d.dim), nil
}

// Dim implements Embedder.
func (d *DummyEmbedder) Dim() int { return d.dim }

// DummyVector computes the deterministic fallback embedding for content.
func DummyVector(content []byte, dim int) []float32 {
	vec := make([]float32, dim)
	for i, b := range content {
		vec[i%dim] += float32(b) / 255.0
	}
	return record.L2NormalizeCopy(vec)
}

// Normalize projects v onto the system's configured dimension (by
// truncation or zero-padding) and L2-normalizes it, so vectors drawn
// from providers of different native width remain comparable.
func Normalize(v []float32, dim int) []float32 {
	out := make([]float32, dim)
	n := len(v)
	if n > dim {
		n = dim
	}
	copy(out, v[:n])
	return record.L2Normalize(out)
}
