// Package cmc implements the Cascading Memory Cache: a fixed number
// of token-bounded tiers, ordered hottest (index 0) to coldest, that
// hold the subset of records currently worth keeping on the hot path.
package cmc

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/Protocol-Lattice/cascade-memory/internal/record"
	"github.com/Protocol-Lattice/cascade-memory/internal/store"
	"github.com/Protocol-Lattice/cascade-memory/internal/tokenest"
)

// Weights configures the retention score's linear blend.
type Weights struct {
	Importance  float64
	Recency     float64
	Access      float64
	Compression float64
	Penalty     float64
}

// TierParams configures one cache tier. Params are frozen for the
// lifetime of a Cache.
type TierParams struct {
	TokenCapacity       uint64
	ImportanceThreshold float64
	CompressionPolicy   record.CompressionPolicy
	HalfLife            time.Duration
	Weights             Weights
}

// Outcome classifies the result of Admit.
type Outcome int

const (
	Admitted Outcome = iota
	Rejected
)

func (o Outcome) String() string {
	if o == Admitted {
		return "admitted"
	}
	return "rejected"
}

// AdmitResult reports where a record landed and what happened along the way.
type AdmitResult struct {
	Outcome    Outcome
	Tier       int
	Evicted    int
	Demoted    int
	Compressed int
}

// TierStats reports per-tier occupancy for observability.
type TierStats struct {
	Level           int
	Occupancy       uint64
	Capacity        uint64
	MemberCount     int
}

// Stats aggregates cumulative counters plus the current snapshot.
type Stats struct {
	Tiers       []TierStats
	Evictions   uint64
	Promotions  uint64
	Demotions   uint64
	Compressions uint64
}

// Cache is the Cascading Memory Cache over a fixed tier ladder.
type Cache struct {
	mu         sync.RWMutex
	tiers      []*tier
	index      map[record.ID]int // tier holding this id, absent if non-resident
	pinned     map[record.ID]struct{}
	store      store.Store
	tokens     tokenest.Estimator
	compressor Compressor
	summarizer Summarizer
	clock      func() time.Time

	evictions, promotions, demotions, compressions uint64
}

// Compressor performs lossless, semantic-free compression of content.
type Compressor interface {
	Compress(content []byte) ([]byte, error)
}

// Summarizer is the injected capability behind semantic compression.
// It is optional: a nil Summarizer makes CMC fall back to lossless
// whenever a tier requests semantic compression.
type Summarizer interface {
	Summarize(ctx context.Context, content []byte) ([]byte, error)
}

// New builds a Cache with the given tier ladder (index 0 = hottest).
// Capacities must be strictly increasing and thresholds strictly
// decreasing across the ladder; New does not validate this, the
// caller (the root package's config defaulting) does.
func New(params []TierParams, st store.Store, est tokenest.Estimator, compressor Compressor, summarizer Summarizer, clock func() time.Time) *Cache {
	if clock == nil {
		clock = time.Now
	}
	c := &Cache{
		index:      make(map[record.ID]int),
		pinned:     make(map[record.ID]struct{}),
		store:      st,
		tokens:     est,
		compressor: compressor,
		summarizer: summarizer,
		clock:      clock,
	}
	for _, p := range params {
		c.tiers = append(c.tiers, newTier(p))
	}
	return c
}

// SetPinned marks id as pinned (true) or unpins it (false). A pinned
// record is never dropped from the coldest tier under eviction
// pressure, though it may still be compressed or demoted.
func (c *Cache) SetPinned(id record.ID, pinned bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pinned {
		c.pinned[id] = struct{}{}
	} else {
		delete(c.pinned, id)
	}
}

// Admit places a record into the lowest-indexed tier whose importance
// threshold it clears, evicting and cascading demotions as needed.
func (c *Cache) Admit(ctx context.Context, r record.Record) (AdmitResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	start := -1
	for i, t := range c.tiers {
		if r.Importance >= t.params.ImportanceThreshold {
			start = i
			break
		}
	}
	if start == -1 {
		return AdmitResult{Outcome: Rejected}, nil
	}

	e := &entry{
		id:               r.ID,
		content:          r.Content,
		tokens:           r.Tokens,
		importance:       r.Importance,
		accessCount:      r.AccessCount,
		lastAccessAt:     r.LastAccessAt,
		compressionLevel: r.CompressionLevel,
	}
	if e.lastAccessAt.IsZero() {
		e.lastAccessAt = r.CreatedAt
	}

	res := AdmitResult{Outcome: Admitted, Tier: start}
	if err := c.admitEntry(ctx, start, e, &res); err != nil {
		return AdmitResult{Outcome: Rejected}, err
	}
	return res, nil
}

// admitEntry inserts e into tier t, evicting/demoting as needed. It
// recurses into t+1 for demoted entries.
func (c *Cache) admitEntry(ctx context.Context, t int, e *entry, res *AdmitResult) error {
	tier := c.tiers[t]
	needed := tier.overflow(e.tokens)
	if needed > 0 {
		freed := tier.evictLowestScoring(needed, c.clock(), func(id record.ID) bool {
			_, isPinned := c.pinned[id]
			return isPinned && t == len(c.tiers)-1
		})
		for _, ev := range freed {
			delete(c.index, ev.id)
			res.Evicted++
			c.evictions++
			if t+1 < len(c.tiers) && ev.importance >= c.tiers[t+1].params.ImportanceThreshold {
				c.applyCompression(ctx, c.tiers[t+1].params.CompressionPolicy, ev, res)
				res.Demoted++
				c.demotions++
				if err := c.admitEntry(ctx, t+1, ev, res); err != nil {
					return err
				}
			}
			// Otherwise the record falls out of CMC entirely but remains
			// durable in the Memory Store.
		}
	}
	tier.insert(e)
	c.index[e.id] = t
	return nil
}

// Touch records an access and promotes the record one tier at a time
// while its retention score beats the weakest member of the
// next-hotter tier, cascading at most len(tiers)-1 times.
func (c *Cache) Touch(id record.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.index[id]
	if !ok {
		return fmt.Errorf("record %s not resident in cache", id)
	}
	e := c.tiers[t].get(id)
	if e == nil {
		return fmt.Errorf("record %s not resident in cache", id)
	}
	now := c.clock()
	e.accessCount++
	e.lastAccessAt = now
	c.tiers[t].touch(id)

	for t > 0 {
		above := c.tiers[t-1]
		weakest := above.weakestEntry(now)
		if weakest == nil {
			break
		}
		if score(e, now, above.params.HalfLife, above.params.Weights) <= score(weakest, now, above.params.HalfLife, above.params.Weights) {
			break
		}
		// Swap e and weakest between tiers t and t-1.
		c.tiers[t].remove(e.id)
		above.remove(weakest.id)
		above.insert(e)
		c.tiers[t].insert(weakest)
		c.index[e.id] = t - 1
		c.index[weakest.id] = t
		c.promotions++
		t--
	}
	return nil
}

// Select returns, highest priority first, resident records whose
// total tokens fit within budget. It never mutates cache state.
func (c *Cache) Select(queryEmbedding []float32, budget uint64) []record.ID {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.clock()
	type scored struct {
		id    record.ID
		score float64
		tokens uint32
	}
	var all []scored
	for _, tier := range c.tiers {
		tier.forEach(func(e *entry) {
			all = append(all, scored{id: e.id, score: score(e, now, tier.params.HalfLife, tier.params.Weights), tokens: e.tokens})
		})
	}
	// Insertion sort by descending score; tier populations are small
	// enough in practice that this beats pulling in a sort import for
	// a one-shot ranking.
	for i := 1; i < len(all); i++ {
		for j := i; j > 0 && all[j].score > all[j-1].score; j-- {
			all[j], all[j-1] = all[j-1], all[j]
		}
	}
	var out []record.ID
	var used uint64
	for _, s := range all {
		if used+uint64(s.tokens) > budget {
			continue
		}
		out = append(out, s.id)
		used += uint64(s.tokens)
	}
	return out
}

// Stats returns a snapshot of per-tier occupancy and cumulative counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := Stats{
		Evictions:    c.evictions,
		Promotions:   c.promotions,
		Demotions:    c.demotions,
		Compressions: c.compressions,
	}
	for i, t := range c.tiers {
		st.Tiers = append(st.Tiers, TierStats{
			Level:       i,
			Occupancy:   t.current,
			Capacity:    t.params.TokenCapacity,
			MemberCount: t.len(),
		})
	}
	return st
}

// Resident reports whether id currently occupies a tier, and which.
func (c *Cache) Resident(id record.ID) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.index[id]
	return t, ok
}

// applyCompression raises an entry's compression level to meet policy
// if it hasn't already reached at least that level. It never lowers
// CompressionLevel, matching the record model's monotonicity rule.
func (c *Cache) applyCompression(ctx context.Context, policy record.CompressionPolicy, e *entry, res *AdmitResult) {
	target := policy.Level()
	if e.compressionLevel >= target {
		return
	}
	switch policy {
	case record.CompressionLossless:
		if c.compressor == nil {
			return
		}
		compressed, err := c.compressor.Compress(e.content)
		if err != nil {
			return
		}
		e.content = compressed
		e.compressionLevel = record.CompressionLossless.Level()
	case record.CompressionSemantic:
		if c.summarizer == nil {
			c.applyCompression(ctx, record.CompressionLossless, e, res)
			return
		}
		summary, err := c.summarizer.Summarize(ctx, e.content)
		if err != nil {
			c.applyCompression(ctx, record.CompressionLossless, e, res)
			return
		}
		e.content = summary
		e.compressionLevel = record.CompressionSemantic.Level()
	default:
		return
	}
	if c.tokens != nil {
		if n, err := c.tokens.Estimate(e.content); err == nil {
			e.tokens = n
		}
	}
	res.Compressed++
	c.compressions++
}

func score(e *entry, now time.Time, halfLife time.Duration, w Weights) float64 {
	var recency float64
	if halfLife > 0 {
		recency = math.Exp(-now.Sub(e.lastAccessAt).Seconds() / halfLife.Seconds())
	} else {
		recency = 1
	}
	return w.Importance*e.importance +
		w.Recency*recency +
		w.Access*math.Log1p(float64(e.accessCount)) -
		w.Compression*float64(e.compressionLevel)*w.Penalty
}
