package cmc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Protocol-Lattice/cascade-memory/internal/record"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func threeTierParams() []TierParams {
	w := Weights{Importance: 0.6, Recency: 0.3, Access: 0.1, Compression: 0.05, Penalty: 1}
	return []TierParams{
		{TokenCapacity: 100, ImportanceThreshold: 0.7, CompressionPolicy: record.CompressionNone, HalfLife: time.Minute, Weights: w},
		{TokenCapacity: 200, ImportanceThreshold: 0.4, CompressionPolicy: record.CompressionNone, HalfLife: time.Hour, Weights: w},
		{TokenCapacity: 400, ImportanceThreshold: 0.1, CompressionPolicy: record.CompressionNone, HalfLife: 24 * time.Hour, Weights: w},
	}
}

func rec(id string, importance float64, tokens uint32, at time.Time) record.Record {
	return record.Record{
		ID:         record.ID(id),
		Content:    []byte(id),
		Kind:       record.KindFact,
		CreatedAt:  at,
		Tokens:     tokens,
		Importance: importance,
	}
}

func TestAdmitPicksLowestIndexedQualifyingTier(t *testing.T) {
	now := time.Now()
	c := New(threeTierParams(), nil, nil, nil, nil, fixedClock(now))

	res, err := c.Admit(context.Background(), rec("hot", 0.9, 10, now))
	require.NoError(t, err)
	require.Equal(t, Admitted, res.Outcome)
	require.Equal(t, 0, res.Tier)

	res, err = c.Admit(context.Background(), rec("warm", 0.5, 10, now))
	require.NoError(t, err)
	require.Equal(t, 1, res.Tier)

	res, err = c.Admit(context.Background(), rec("cold", 0.2, 10, now))
	require.NoError(t, err)
	require.Equal(t, 2, res.Tier)
}

func TestAdmitRejectsBelowColdestThreshold(t *testing.T) {
	now := time.Now()
	c := New(threeTierParams(), nil, nil, nil, nil, fixedClock(now))
	res, err := c.Admit(context.Background(), rec("negligible", 0.01, 10, now))
	require.NoError(t, err)
	require.Equal(t, Rejected, res.Outcome)
}

func TestAdmitEvictsAndCascadesDemotion(t *testing.T) {
	now := time.Now()
	c := New(threeTierParams(), nil, nil, nil, nil, fixedClock(now))

	// Fill tier 0 (capacity 100) with two 60-token hot records; the
	// second admit must evict the weaker one, which still clears tier
	// 1's 0.4 threshold and so cascades down instead of vanishing.
	_, err := c.Admit(context.Background(), rec("first", 0.75, 60, now))
	require.NoError(t, err)
	res, err := c.Admit(context.Background(), rec("second", 0.95, 60, now))
	require.NoError(t, err)
	require.Equal(t, 0, res.Tier)
	require.Equal(t, 1, res.Evicted)
	require.Equal(t, 1, res.Demoted)

	tier, ok := c.Resident("first")
	require.True(t, ok)
	require.Equal(t, 1, tier)
}

func TestTouchPromotesAcrossTiers(t *testing.T) {
	now := time.Now()
	c := New(threeTierParams(), nil, nil, nil, nil, fixedClock(now))

	_, err := c.Admit(context.Background(), rec("cold-but-rising", 0.5, 10, now))
	require.NoError(t, err)
	tier, _ := c.Resident("cold-but-rising")
	require.Equal(t, 1, tier)

	_, err = c.Admit(context.Background(), rec("weak-hot", 0.71, 10, now))
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		require.NoError(t, c.Touch("cold-but-rising"))
	}

	tier, ok := c.Resident("cold-but-rising")
	require.True(t, ok)
	require.Equal(t, 0, tier)
}

func TestPinnedRecordSurvivesColdestTierEviction(t *testing.T) {
	now := time.Now()
	c := New(threeTierParams(), nil, nil, nil, nil, fixedClock(now))

	_, err := c.Admit(context.Background(), rec("pinned-low", 0.15, 300, now))
	require.NoError(t, err)
	c.SetPinned("pinned-low", true)

	_, err = c.Admit(context.Background(), rec("incoming-low", 0.12, 300, now))
	require.NoError(t, err)

	_, stillResident := c.Resident("pinned-low")
	require.True(t, stillResident)
}

func TestSelectRespectsTokenBudget(t *testing.T) {
	now := time.Now()
	c := New(threeTierParams(), nil, nil, nil, nil, fixedClock(now))
	_, _ = c.Admit(context.Background(), rec("a", 0.9, 40, now))
	_, _ = c.Admit(context.Background(), rec("b", 0.8, 40, now))

	selected := c.Select(nil, 50)
	var used uint64
	for range selected {
		used += 40
	}
	require.LessOrEqual(t, used, uint64(50))
}
