package simindex

import (
	"container/heap"
	"context"
	"sync"

	"github.com/Protocol-Lattice/cascade-memory/internal/record"
)

// BruteForce is an exact, linear-scan Index. It needs no external
// service and is exact by construction, making it the default for
// small deployments and for verifying an approximate index's recall.
type BruteForce struct {
	mu      sync.RWMutex
	vectors map[record.ID][]float32
}

// NewBruteForce returns an empty BruteForce index.
func NewBruteForce() *BruteForce {
	return &BruteForce{vectors: make(map[record.ID][]float32)}
}

func (b *BruteForce) Insert(_ context.Context, id record.ID, vector []float32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.vectors[id] = append([]float32(nil), vector...)
	return nil
}

func (b *BruteForce) Remove(_ context.Context, id record.ID) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.vectors, id)
	return nil
}

func (b *BruteForce) Query(_ context.Context, vector []float32, k int, exclude record.ID) ([]Neighbor, error) {
	if k <= 0 {
		return nil, nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	h := &neighborHeap{}
	heap.Init(h)
	for id, v := range b.vectors {
		if id == exclude {
			continue
		}
		score := record.CosineSimilarity(vector, v)
		if h.Len() < k {
			heap.Push(h, Neighbor{ID: id, Score: score})
			continue
		}
		if score > (*h)[0].Score {
			heap.Pop(h)
			heap.Push(h, Neighbor{ID: id, Score: score})
		}
	}
	out := make([]Neighbor, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(Neighbor)
	}
	return out, nil
}

func (b *BruteForce) Close() error { return nil }

// neighborHeap is a min-heap on Score, used to keep the running top-k
// during a linear scan without sorting the full candidate set.
type neighborHeap []Neighbor

func (h neighborHeap) Len() int            { return len(h) }
func (h neighborHeap) Less(i, j int) bool  { return h[i].Score < h[j].Score }
func (h neighborHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *neighborHeap) Push(x interface{}) { *h = append(*h, x.(Neighbor)) }
func (h *neighborHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
