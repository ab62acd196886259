// Package simindex provides nearest-neighbour lookup over record
// embeddings, used both for direct similarity search and for building
// the redundancy graph consolidation partitions on.
package simindex

import (
	"context"

	"github.com/Protocol-Lattice/cascade-memory/internal/record"
)

// Neighbor is one ranked result of a similarity query.
type Neighbor struct {
	ID    record.ID
	Score float64
}

// Index is the nearest-neighbour search boundary. Implementations must
// be safe for concurrent use.
type Index interface {
	// Insert adds or replaces the vector for id.
	Insert(ctx context.Context, id record.ID, vector []float32) error
	// Remove deletes id from the index, if present.
	Remove(ctx context.Context, id record.ID) error
	// Query returns up to k neighbors of vector ranked by descending
	// cosine similarity, excluding the query's own id if present.
	Query(ctx context.Context, vector []float32, k int, exclude record.ID) ([]Neighbor, error)
	// Close releases any resources.
	Close() error
}
