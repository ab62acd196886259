package epm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Protocol-Lattice/cascade-memory/internal/record"
)

type fakePinNotifier struct {
	pinned map[record.ID]bool
}

func newFakePinNotifier() *fakePinNotifier {
	return &fakePinNotifier{pinned: make(map[record.ID]bool)}
}

func (f *fakePinNotifier) SetPinned(id record.ID, pinned bool) {
	f.pinned[id] = pinned
}

type fakeConsolidationRequester struct {
	requested []string
}

func (f *fakeConsolidationRequester) RequestEpisodeConsolidation(episodeID string) {
	f.requested = append(f.requested, episodeID)
}

func baseParams() Params {
	return Params{
		SurpriseThresholdBootstrap: 0.5,
		AdaptiveQuantile:           0.8,
		MaxMembers:                 3,
		MaxEpisodeSpan:             time.Hour,
		PinCount:                   1,
		SummarizeThreshold:         100,
		LambdaQuery:                0.5,
	}
}

func TestOnRecordOpensFirstEpisode(t *testing.T) {
	pins := newFakePinNotifier()
	m := New(baseParams(), pins, &fakeConsolidationRequester{})
	now := time.Now()

	m.OnRecord(record.Record{ID: "r1", Kind: record.KindFact, CreatedAt: now, Tokens: 10})

	eps := m.Episodes()
	require.Len(t, eps, 1)
	require.True(t, eps[0].IsOpen())
	require.True(t, pins.pinned["r1"])
}

func TestOnRecordClosesOnMaxMembers(t *testing.T) {
	pins := newFakePinNotifier()
	m := New(baseParams(), pins, &fakeConsolidationRequester{})
	now := time.Now()

	for i := 0; i < 3; i++ {
		m.OnRecord(record.Record{
			ID:        record.ID(string(rune('a' + i))),
			Kind:      record.KindFact,
			CreatedAt: now.Add(time.Duration(i) * time.Second),
			Tokens:    10,
		})
	}
	// A fourth record must trip the max_members boundary and open a
	// fresh episode rather than growing the first past its cap.
	m.OnRecord(record.Record{ID: "d", Kind: record.KindFact, CreatedAt: now.Add(4 * time.Second), Tokens: 10})

	eps := m.Episodes()
	require.Len(t, eps, 2)
	require.False(t, eps[0].IsOpen())
	require.True(t, eps[1].IsOpen())
}

func TestOnRecordClosesOnMaxSpan(t *testing.T) {
	pins := newFakePinNotifier()
	m := New(baseParams(), pins, &fakeConsolidationRequester{})
	now := time.Now()

	m.OnRecord(record.Record{ID: "a", Kind: record.KindFact, CreatedAt: now, Tokens: 10})
	m.OnRecord(record.Record{ID: "b", Kind: record.KindFact, CreatedAt: now.Add(2 * time.Hour), Tokens: 10})

	eps := m.Episodes()
	require.Len(t, eps, 2)
	require.False(t, eps[0].IsOpen())
}

func TestCloseEpisodeRequestsConsolidationAboveThreshold(t *testing.T) {
	pins := newFakePinNotifier()
	cs := &fakeConsolidationRequester{}
	params := baseParams()
	params.SummarizeThreshold = 15
	m := New(params, pins, cs)
	now := time.Now()

	m.OnRecord(record.Record{ID: "a", Kind: record.KindFact, CreatedAt: now, Tokens: 20})
	m.OnRecord(record.Record{ID: "b", Kind: record.KindFact, CreatedAt: now.Add(2 * time.Hour), Tokens: 10})

	require.Len(t, cs.requested, 1)
}

func TestRepinKeepsOnlyRecentEpisodesPinned(t *testing.T) {
	pins := newFakePinNotifier()
	params := baseParams()
	params.PinCount = 1
	m := New(params, pins, &fakeConsolidationRequester{})
	now := time.Now()

	// Four groups of 3 records each: once a second episode has closed,
	// the oldest episode (the first) falls outside the pinned window of
	// the open episode plus PinCount=1 closed ones.
	for ep := 0; ep < 4; ep++ {
		for i := 0; i < 3; i++ {
			m.OnRecord(record.Record{
				ID:        record.ID(string(rune('A'+ep)) + string(rune('0'+i))),
				Kind:      record.KindFact,
				CreatedAt: now.Add(time.Duration(ep*10+i) * time.Second),
				Tokens:    5,
			})
		}
	}

	require.False(t, pins.pinned["A0"], "oldest episode's members should be unpinned after repin")
}
