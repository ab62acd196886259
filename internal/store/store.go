// Package store defines the persistence boundary for memory records
// and provides in-process, embedded and relational backends.
package store

import (
	"context"
	"time"

	"github.com/Protocol-Lattice/cascade-memory/internal/record"
)

// Store is the durable record repository underlying the cache tiers.
// Implementations must be safe for concurrent use.
type Store interface {
	// Put admits a new record. Putting an ID that already exists
	// returns a conflict error rather than silently overwriting.
	Put(ctx context.Context, r record.Record) error

	// Get fetches a record by ID.
	Get(ctx context.Context, id record.ID) (record.Record, error)

	// UpdateMetadata applies a partial, in-place mutation to the
	// subset of fields callers are allowed to change post-admission.
	UpdateMetadata(ctx context.Context, id record.ID, fn func(*record.Record)) error

	// Archive marks a record as archived without deleting it.
	Archive(ctx context.Context, id record.ID) error

	// IterateRecent streams non-archived records in descending
	// CreatedAt order, stopping early if fn returns false.
	IterateRecent(ctx context.Context, limit int, fn func(record.Record) bool) error

	// ScanCandidates streams every non-archived record regardless of
	// order, for callers (consolidation) that need a full pass.
	ScanCandidates(ctx context.Context, fn func(record.Record) bool) error

	// Count returns the number of non-archived records.
	Count(ctx context.Context) (int, error)

	// Close releases any resources (file handles, connections).
	Close() error
}

// TierManifest captures the tier parameters a snapshot was taken
// under, so a restore can refuse to replay records against a
// differently configured cache rather than silently mis-admitting them.
type TierManifest struct {
	TokenCapacity       uint64
	ImportanceThreshold float64
	CompressionPolicy   string
	HalfLife            time.Duration
	WeightImportance    float64
	WeightRecency       float64
	WeightAccess        float64
	WeightCompression   float64
	WeightPenalty       float64
}

// Manifest records the cache/embedding configuration a Snapshot was
// taken under: tier count, capacities, thresholds, weights and
// policies (T), plus the embedding dimension (D).
type Manifest struct {
	Tiers        []TierManifest
	EmbeddingDim int
}

// Equal reports whether two manifests describe the same configuration.
func (m Manifest) Equal(other Manifest) bool {
	if m.EmbeddingDim != other.EmbeddingDim || len(m.Tiers) != len(other.Tiers) {
		return false
	}
	for i := range m.Tiers {
		if m.Tiers[i] != other.Tiers[i] {
			return false
		}
	}
	return true
}

// Snapshot is the serializable unit a Store can export/import for
// durability across process restarts.
type Snapshot struct {
	TakenAt  time.Time
	Manifest Manifest
	Records  []record.Record
}
