package contextbuilder

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Protocol-Lattice/cascade-memory/internal/epm"
	"github.com/Protocol-Lattice/cascade-memory/internal/record"
)

type fakeSelector struct {
	ids []record.ID
}

func (f *fakeSelector) Select(_ []float32, _ uint64) []record.ID { return f.ids }

type fakeEpisodic struct {
	ctx epm.Context
}

func (f *fakeEpisodic) EpisodicContext(_ []float32, _ uint64, _ epm.ImportanceLookup) epm.Context {
	return f.ctx
}

func TestBuildOrdersPinnedThenResidentThenRemainingEpisodic(t *testing.T) {
	records := map[record.ID]record.Record{
		"pin1": {ID: "pin1", Tokens: 10},
		"res1": {ID: "res1", Tokens: 10},
		"ep2":  {ID: "ep2", Tokens: 10},
	}
	resolve := func(id record.ID) (record.Record, bool) {
		r, ok := records[id]
		return r, ok
	}

	sel := &fakeSelector{ids: []record.ID{"res1"}}
	epr := &fakeEpisodic{ctx: epm.Context{
		EpisodeIDs:    []string{"e1", "e2"},
		PinnedRecords: []record.ID{"pin1"},
		Records:       []record.ID{"ep2"},
	}}

	b := New(sel, epr, resolve, 0.5)
	wc, err := b.Build(nil, 0, 1000)
	require.NoError(t, err)
	require.Equal(t, []record.ID{"pin1", "res1", "ep2"}, wc.Records)
	require.EqualValues(t, 30, wc.EstimatedTokens)
}

func TestBuildDedupsOverlapBetweenResidentAndEpisodic(t *testing.T) {
	records := map[record.ID]record.Record{
		"pin1": {ID: "pin1", Tokens: 10},
		"ep2":  {ID: "ep2", Tokens: 10},
	}
	resolve := func(id record.ID) (record.Record, bool) {
		r, ok := records[id]
		return r, ok
	}

	sel := &fakeSelector{ids: []record.ID{"ep2"}} // overlaps with the remaining episodic bucket
	epr := &fakeEpisodic{ctx: epm.Context{
		EpisodeIDs:    []string{"e1", "e2"},
		PinnedRecords: []record.ID{"pin1"},
		Records:       []record.ID{"ep2"},
	}}

	b := New(sel, epr, resolve, 0.5)
	wc, err := b.Build(nil, 0, 1000)
	require.NoError(t, err)
	require.Equal(t, []record.ID{"pin1", "ep2"}, wc.Records)
	require.EqualValues(t, 20, wc.EstimatedTokens)
}

func TestBuildEnforcesStrictBudget(t *testing.T) {
	records := map[record.ID]record.Record{
		"a": {ID: "a", Tokens: 40},
		"b": {ID: "b", Tokens: 40},
		"c": {ID: "c", Tokens: 40},
	}
	resolve := func(id record.ID) (record.Record, bool) {
		r, ok := records[id]
		return r, ok
	}
	sel := &fakeSelector{ids: []record.ID{"a", "b", "c"}}
	epr := &fakeEpisodic{}

	b := New(sel, epr, resolve, 0.5)
	wc, err := b.Build(nil, 5, 90)
	require.NoError(t, err)
	require.LessOrEqual(t, wc.EstimatedTokens, uint64(90))
}

func TestBuildZeroBudgetReturnsEmpty(t *testing.T) {
	b := New(&fakeSelector{}, &fakeEpisodic{}, func(record.ID) (record.Record, bool) { return record.Record{}, false }, 0.5)
	wc, err := b.Build(nil, 0, 0)
	require.NoError(t, err)
	require.Empty(t, wc.Records)
}
