package epm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Protocol-Lattice/cascade-memory/internal/record"
)

func importanceLookup(record.ID) (float64, bool) { return 0.5, true }

func TestEpisodicContextSeparatesPinnedFromRemaining(t *testing.T) {
	pins := newFakePinNotifier()
	params := baseParams()
	params.PinCount = 0 // only the currently open episode stays pinned
	m := New(params, pins, &fakeConsolidationRequester{})
	now := time.Now()

	for i := 0; i < 3; i++ {
		m.OnRecord(record.Record{
			ID:        record.ID(string(rune('a' + i))),
			Kind:      record.KindFact,
			CreatedAt: now.Add(time.Duration(i) * time.Second),
			Tokens:    10,
		})
	}
	m.OnRecord(record.Record{ID: "d", Kind: record.KindFact, CreatedAt: now.Add(4 * time.Second), Tokens: 10})

	eps := m.Episodes()
	require.Len(t, eps, 2)
	require.False(t, eps[0].IsOpen())
	require.True(t, eps[1].IsOpen())

	ctx := m.EpisodicContext(nil, 1000, importanceLookup)
	require.ElementsMatch(t, []string{eps[0].ID, eps[1].ID}, ctx.EpisodeIDs)
	require.Equal(t, []record.ID{"d"}, ctx.PinnedRecords)
	require.Equal(t, []record.ID{"a", "b", "c"}, ctx.Records)
}
