package memory

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Protocol-Lattice/cascade-memory/internal/record"
)

func openTestCore(t *testing.T) *Core {
	t.Helper()
	cfg := DefaultConfig()
	cfg.CS.Interval = time.Hour // keep the scheduler from firing mid-test
	c, err := Open(context.Background(), cfg, Deps{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestPutAndGetRoundTrip(t *testing.T) {
	c := openTestCore(t)
	ctx := context.Background()

	res, err := c.Put(ctx, PutRequest{Content: []byte("the rain in spain"), Kind: record.KindFact})
	require.NoError(t, err)
	require.NotEmpty(t, res.ID)

	got, err := c.Get(ctx, res.ID)
	require.NoError(t, err)
	require.Equal(t, []byte("the rain in spain"), got.Content)
}

func TestPutRejectsEmptyContent(t *testing.T) {
	c := openTestCore(t)
	_, err := c.Put(context.Background(), PutRequest{Content: nil, Kind: record.KindFact})
	require.Error(t, err)
	require.True(t, IsKind(err, KindInvalidArgument))
}

func TestPutRejectsUnknownKind(t *testing.T) {
	c := openTestCore(t)
	_, err := c.Put(context.Background(), PutRequest{Content: []byte("x"), Kind: record.Kind("not-a-real-kind")})
	require.Error(t, err)
	require.True(t, IsKind(err, KindInvalidArgument))
}

func TestGetUnknownIDReturnsNotFound(t *testing.T) {
	c := openTestCore(t)
	_, err := c.Get(context.Background(), record.ID("missing"))
	require.Error(t, err)
	require.True(t, IsKind(err, KindNotFound))
}

func TestBuildContextStaysWithinBudget(t *testing.T) {
	c := openTestCore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := c.Put(ctx, PutRequest{Content: []byte("memory entry number"), Kind: record.KindFact, ImportanceHint: 0.8})
		require.NoError(t, err)
	}

	wc, err := c.BuildContext(ctx, []byte("query about memory"), 60)
	require.NoError(t, err)
	require.LessOrEqual(t, wc.EstimatedTokens, uint64(60))
}

func TestConsolidateRunsWithoutError(t *testing.T) {
	c := openTestCore(t)
	ctx := context.Background()

	_, err := c.Put(ctx, PutRequest{Content: []byte("a fact worth keeping"), Kind: record.KindFact, ImportanceHint: 0.9})
	require.NoError(t, err)

	report, err := c.Consolidate(ctx)
	require.NoError(t, err)
	require.NotNil(t, report)
}

func TestStatsReportsStoreCount(t *testing.T) {
	c := openTestCore(t)
	ctx := context.Background()

	_, err := c.Put(ctx, PutRequest{Content: []byte("one"), Kind: record.KindFact})
	require.NoError(t, err)
	_, err = c.Put(ctx, PutRequest{Content: []byte("two"), Kind: record.KindFact})
	require.NoError(t, err)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, stats.StoreCount)
}

func TestPutUsesInjectedClockForRecordTimestamps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CS.Interval = time.Hour
	fixed := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	c, err := Open(context.Background(), cfg, Deps{Clock: func() time.Time { return fixed }})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	res, err := c.Put(context.Background(), PutRequest{Content: []byte("deterministic"), Kind: record.KindFact})
	require.NoError(t, err)

	got, err := c.Get(context.Background(), res.ID)
	require.NoError(t, err)
	require.True(t, got.CreatedAt.Equal(fixed))
}

func TestSnapshotRestoreRebuildsDerivedIndices(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "snap.json")

	c1 := openTestCore(t)
	for i := 0; i < 3; i++ {
		_, err := c1.Put(ctx, PutRequest{Content: []byte("fact to remember"), Kind: record.KindFact, ImportanceHint: 0.9})
		require.NoError(t, err)
	}
	require.NoError(t, c1.Snapshot(ctx, path))

	c2 := openTestCore(t)
	require.NoError(t, c2.Restore(ctx, path))

	statsBefore, err := c1.Stats(ctx)
	require.NoError(t, err)
	statsAfter, err := c2.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, statsBefore.StoreCount, statsAfter.StoreCount)
	require.Equal(t, statsBefore.Episodes, statsAfter.Episodes)

	var occupied uint64
	for _, tier := range statsAfter.CMC.Tiers {
		occupied += tier.Occupancy
	}
	require.NotZero(t, occupied)
}

func TestRestoreRejectsManifestMismatch(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "snap.json")

	c1 := openTestCore(t)
	_, err := c1.Put(ctx, PutRequest{Content: []byte("fact"), Kind: record.KindFact})
	require.NoError(t, err)
	require.NoError(t, c1.Snapshot(ctx, path))

	cfg := DefaultConfig()
	cfg.CS.Interval = time.Hour
	cfg.Tiers[0].TokenCapacity *= 2
	c2, err := Open(ctx, cfg, Deps{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c2.Close() })

	err = c2.Restore(ctx, path)
	require.Error(t, err)
	require.True(t, IsKind(err, KindConflict))
}
