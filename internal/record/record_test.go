package record

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewIDIsStableForIdenticalInput(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	id1 := NewID([]byte("hello"), KindFact, now)
	id2 := NewID([]byte("hello"), KindFact, now)
	require.Equal(t, id1, id2)
}

func TestNewIDIgnoresImportanceByConstruction(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	id := NewID([]byte("hello"), KindFact, now)
	require.NotEmpty(t, id.String())
}

func TestNewIDDiffersOnContentOrKindOrTime(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	base := NewID([]byte("hello"), KindFact, now)

	require.NotEqual(t, base, NewID([]byte("goodbye"), KindFact, now))
	require.NotEqual(t, base, NewID([]byte("hello"), KindConcept, now))
	require.NotEqual(t, base, NewID([]byte("hello"), KindFact, now.Add(time.Second)))
}

func TestValidateProvenanceRequiresParentForNonIngestedKinds(t *testing.T) {
	now := time.Now()
	err := ValidateProvenance(KindSummary, now, nil, nil)
	require.Error(t, err)

	err = ValidateProvenance(KindSummary, now, []ID{"parent"}, map[ID]time.Time{"parent": now.Add(-time.Minute)})
	require.NoError(t, err)
}

func TestValidateProvenanceRejectsNonIncreasingTimestamps(t *testing.T) {
	now := time.Now()
	err := ValidateProvenance(KindMerged, now, []ID{"parent"}, map[ID]time.Time{"parent": now.Add(time.Minute)})
	require.Error(t, err)
}

func TestSortTagsDedupsAndSorts(t *testing.T) {
	got := SortTags([]string{"b", "a", "b", "", "c"})
	require.Equal(t, []string{"a", "b", "c"}, got)
}

func TestCompressionLevelIsMonotonicOrdinal(t *testing.T) {
	require.Equal(t, 0, CompressionNone.Level())
	require.Equal(t, 1, CompressionLossless.Level())
	require.Equal(t, 2, CompressionSemantic.Level())
}

func TestCosineSimilarityOfIdenticalVectorsIsOne(t *testing.T) {
	v := []float32{1, 2, 3}
	require.InDelta(t, 1.0, CosineSimilarity(v, v), 1e-6)
}

func TestCosineSimilarityOfOrthogonalVectorsIsZero(t *testing.T) {
	require.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-6)
}

func TestL2NormalizeCopyLeavesInputUntouched(t *testing.T) {
	v := []float32{3, 4}
	out := L2NormalizeCopy(v)
	require.Equal(t, []float32{3, 4}, v)
	require.InDelta(t, 1.0, float64(out[0]*out[0]+out[1]*out[1]), 1e-5)
}
