package cmc

import (
	"container/heap"
	"container/list"
	"time"

	"github.com/Protocol-Lattice/cascade-memory/internal/record"
)

// entry is a tier-resident record's cache-local view: its own
// (possibly compressed) content and bookkeeping fields, kept separate
// from the Memory Store's canonical, content-immutable Record.
type entry struct {
	id               record.ID
	content          []byte
	tokens           uint32
	importance       float64
	accessCount      uint64
	lastAccessAt     time.Time
	compressionLevel int
}

// tier holds one cache level's resident set, ordered by recency of
// touch via a container/list, with eviction order computed on demand
// from the retention score rather than from list position.
type tier struct {
	params  TierParams
	current uint64
	order   *list.List
	elems   map[record.ID]*list.Element
}

func newTier(p TierParams) *tier {
	return &tier{
		params: p,
		order:  list.New(),
		elems:  make(map[record.ID]*list.Element),
	}
}

func (t *tier) len() int { return t.order.Len() }

func (t *tier) overflow(incoming uint32) uint64 {
	if t.current+uint64(incoming) <= t.params.TokenCapacity {
		return 0
	}
	return t.current + uint64(incoming) - t.params.TokenCapacity
}

func (t *tier) get(id record.ID) *entry {
	elem, ok := t.elems[id]
	if !ok {
		return nil
	}
	return elem.Value.(*entry)
}

func (t *tier) insert(e *entry) {
	elem := t.order.PushFront(e)
	t.elems[e.id] = elem
	t.current += uint64(e.tokens)
}

func (t *tier) remove(id record.ID) {
	elem, ok := t.elems[id]
	if !ok {
		return
	}
	e := elem.Value.(*entry)
	t.current -= uint64(e.tokens)
	t.order.Remove(elem)
	delete(t.elems, id)
}

func (t *tier) touch(id record.ID) {
	if elem, ok := t.elems[id]; ok {
		t.order.MoveToFront(elem)
	}
}

func (t *tier) forEach(fn func(*entry)) {
	for elem := t.order.Front(); elem != nil; elem = elem.Next() {
		fn(elem.Value.(*entry))
	}
}

// weakestEntry returns the lowest-scoring member, or nil if the tier is empty.
func (t *tier) weakestEntry(now time.Time) *entry {
	var weakest *entry
	var weakestScore float64
	first := true
	t.forEach(func(e *entry) {
		s := score(e, now, t.params.HalfLife, t.params.Weights)
		if first || s < weakestScore {
			weakest, weakestScore, first = e, s, false
		}
	})
	return weakest
}

// evictLowestScoring pops the lowest-scoring members until at least
// needed tokens have been freed, skipping entries for which protect
// returns true. It returns the evicted entries, already removed from
// the tier.
func (t *tier) evictLowestScoring(needed uint64, now time.Time, protect func(record.ID) bool) []*entry {
	h := &scoreHeap{}
	heap.Init(h)
	t.forEach(func(e *entry) {
		if protect != nil && protect(e.id) {
			return
		}
		heap.Push(h, scoredEntry{e: e, score: score(e, now, t.params.HalfLife, t.params.Weights)})
	})

	var evicted []*entry
	var freed uint64
	for freed < needed && h.Len() > 0 {
		se := heap.Pop(h).(scoredEntry)
		t.remove(se.e.id)
		evicted = append(evicted, se.e)
		freed += uint64(se.e.tokens)
	}
	return evicted
}

// scoredEntry pairs an entry with its precomputed score for the heap below.
type scoredEntry struct {
	e     *entry
	score float64
}

// scoreHeap is a min-heap on score, used to pull the weakest members
// first when freeing space.
type scoreHeap []scoredEntry

func (h scoreHeap) Len() int            { return len(h) }
func (h scoreHeap) Less(i, j int) bool  { return h[i].score < h[j].score }
func (h scoreHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *scoreHeap) Push(x interface{}) { *h = append(*h, x.(scoredEntry)) }
func (h *scoreHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
