// Package record defines the core data model: Record and Episode,
// plus the helpers used to keep them internally consistent.
package record

import (
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/cespare/xxhash/v2"
)

// Kind is the closed set of record tags. Adding a variant is an API change.
type Kind string

const (
	KindConversation Kind = "conversation"
	KindCode         Kind = "code"
	KindConcept      Kind = "concept"
	KindReasoning    Kind = "reasoning"
	KindFact         Kind = "fact"
	KindReference    Kind = "reference"
	KindSummary      Kind = "summary"
	KindMerged       Kind = "merged"
	KindReflection   Kind = "reflection"
	KindSystem       Kind = "system"
)

// ValidKinds enumerates every admissible Kind for exhaustive validation.
var ValidKinds = map[Kind]struct{}{
	KindConversation: {},
	KindCode:         {},
	KindConcept:      {},
	KindReasoning:    {},
	KindFact:         {},
	KindReference:    {},
	KindSummary:      {},
	KindMerged:       {},
	KindReflection:   {},
	KindSystem:       {},
}

// IsNonIngested reports whether records of this kind are produced by
// consolidation (merging or summarizing existing records) rather than
// ingested directly from outside the system.
func (k Kind) IsNonIngested() bool {
	return k == KindMerged || k == KindSummary || k == KindReflection
}

// ID is a content-addressed record identifier: xxhash64 over the
// canonical content, kind and creation timestamp, hex-encoded.
// Importance and other mutable metadata are deliberately excluded from
// the hash input so update_metadata never mints a new identity for the
// same logical content.
type ID string

// NewID computes the content address for a record about to be admitted.
func NewID(content []byte, kind Kind, createdAt time.Time) ID {
	h := xxhash.New()
	_, _ = h.Write(content)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(kind))
	_, _ = h.Write([]byte{0})
	var tsBuf [8]byte
	ts := createdAt.UnixNano()
	for i := 0; i < 8; i++ {
		tsBuf[i] = byte(ts >> (8 * i))
	}
	_, _ = h.Write(tsBuf[:])
	sum := h.Sum64()
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(sum >> (8 * (7 - i)))
	}
	return ID(hex.EncodeToString(b[:]))
}

func (id ID) String() string { return string(id) }

// Record is the immutable-once-admitted memory unit. Only Importance,
// AccessCount, LastAccessAt, Tags and CompressionLevel are ever
// changed after admission, plus the Archived flag set by Archive;
// everything else is fixed at creation.
type Record struct {
	ID         ID
	Content    []byte
	Kind       Kind
	CreatedAt  time.Time
	Tokens     uint32
	Embedding  []float32 // nil if unavailable at admit time
	Importance float64

	AccessCount  uint64
	LastAccessAt time.Time

	Tags       []string
	Provenance []ID

	CompressionLevel int

	Archived bool

	// Metadata carries small derived/auxiliary fields that are not part
	// of the normative model but are convenient to round-trip, e.g.
	// {"truncated":"true","original_tokens":"512"}.
	Metadata map[string]string
}

// Clone returns a deep copy safe to hand to callers outside any lock.
func (r Record) Clone() Record {
	out := r
	if r.Content != nil {
		out.Content = append([]byte(nil), r.Content...)
	}
	if r.Embedding != nil {
		out.Embedding = append([]float32(nil), r.Embedding...)
	}
	if r.Tags != nil {
		out.Tags = append([]string(nil), r.Tags...)
	}
	if r.Provenance != nil {
		out.Provenance = append([]ID(nil), r.Provenance...)
	}
	if r.Metadata != nil {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// SortTags normalizes Tags into a deduplicated, sorted slice so two
// records built from the same logical tag set serialize identically.
func SortTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ValidateProvenance makes cycles impossible by construction: created_at
// must strictly increase along a provenance edge, and every non-ingested
// kind must carry at least one parent.
func ValidateProvenance(kind Kind, createdAt time.Time, provenance []ID, parentCreatedAt map[ID]time.Time) error {
	if kind.IsNonIngested() && len(provenance) == 0 {
		return fmt.Errorf("record of kind %q requires non-empty provenance", kind)
	}
	for _, p := range provenance {
		if pt, ok := parentCreatedAt[p]; ok && !pt.Before(createdAt) {
			return fmt.Errorf("provenance %q does not precede record creation time", p)
		}
	}
	return nil
}

// Episode groups temporally adjacent, semantically coherent records.
type Episode struct {
	ID                 string
	MemberIDs          []ID // temporally ordered
	OpenedAt           time.Time
	ClosedAt           time.Time // zero while open
	CentroidEmbedding  []float32
	SurpriseAtOpen     float64
	SizeTokens         uint64
	DominantKindCached Kind   // supplemental: the first member's kind
	LabelCached        string // supplemental: prefix of the first member's content
}

// IsOpen reports whether the episode has not yet been closed.
func (e *Episode) IsOpen() bool { return e.ClosedAt.IsZero() }

// CompressionPolicy is the per-tier compression behaviour.
type CompressionPolicy string

const (
	CompressionNone     CompressionPolicy = "none"
	CompressionLossless CompressionPolicy = "lossless"
	CompressionSemantic CompressionPolicy = "semantic"
)

// Level returns the ordinal of a policy. A record's CompressionLevel
// only ever moves to a higher ordinal, never back down.
func (c CompressionPolicy) Level() int {
	switch c {
	case CompressionLossless:
		return 1
	case CompressionSemantic:
		return 2
	default:
		return 0
	}
}
