package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Protocol-Lattice/cascade-memory/internal/record"
)

func TestMemStorePutGetRoundTrip(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	r := record.Record{ID: "a", Content: []byte("x"), CreatedAt: time.Now()}

	require.NoError(t, s.Put(ctx, r))
	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, r.Content, got.Content)
}

func TestMemStorePutRejectsDuplicateID(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	r := record.Record{ID: "dup", CreatedAt: time.Now()}
	require.NoError(t, s.Put(ctx, r))
	require.Error(t, s.Put(ctx, r))
}

func TestMemStoreGetReturnsIndependentCopy(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	r := record.Record{ID: "a", Content: []byte("original"), CreatedAt: time.Now()}
	require.NoError(t, s.Put(ctx, r))

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	got.Content[0] = 'X'

	again, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, []byte("original"), again.Content)
}

func TestMemStoreArchiveExcludesFromCount(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, record.Record{ID: "a", CreatedAt: time.Now()}))
	require.NoError(t, s.Put(ctx, record.Record{ID: "b", CreatedAt: time.Now()}))

	require.NoError(t, s.Archive(ctx, "a"))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestMemStoreUpdateMetadataMutatesInPlace(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, record.Record{ID: "a", Importance: 0.1, CreatedAt: time.Now()}))

	err := s.UpdateMetadata(ctx, "a", func(r *record.Record) {
		r.Importance = 0.9
	})
	require.NoError(t, err)

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	require.InDelta(t, 0.9, got.Importance, 1e-9)
}

func TestMemStoreIterateRecentOrdersDescendingAndRespectsLimit(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	base := time.Now()
	require.NoError(t, s.Put(ctx, record.Record{ID: "old", CreatedAt: base}))
	require.NoError(t, s.Put(ctx, record.Record{ID: "new", CreatedAt: base.Add(time.Hour)}))

	var seen []record.ID
	err := s.IterateRecent(ctx, 1, func(r record.Record) bool {
		seen = append(seen, r.ID)
		return true
	})
	require.NoError(t, err)
	require.Equal(t, []record.ID{"new"}, seen)
}

func TestMemStoreExportImportRoundTrip(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, record.Record{ID: "a", Content: []byte("x"), CreatedAt: time.Now()}))

	snap := s.Export()

	dst := NewMemStore()
	dst.Import(snap)

	got, err := dst.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, []byte("x"), got.Content)
}
