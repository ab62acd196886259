package epm

import (
	"github.com/Protocol-Lattice/cascade-memory/internal/record"
)

// Context is the result of an episodic-context retrieval: the
// episodes selected and their members. PinnedRecords holds the
// members of episodes that are currently pinned (the open episode and
// the pin_count most recently closed ones), in temporal order; Records
// holds the members of every other selected episode, in descending
// episode-score order.
type Context struct {
	EpisodeIDs      []string
	PinnedRecords   []record.ID
	Records         []record.ID
	EstimatedTokens uint64
}

// ImportanceLookup resolves a record's current importance, used to
// score episodes by mean importance.
type ImportanceLookup func(id record.ID) (float64, bool)

// EpisodicContext scores episodes by
// lambda*cos(query, centroid) + (1-lambda)*mean_importance and greedily
// selects them, highest score first, until budget would be exceeded.
func (m *Manager) EpisodicContext(queryEmbedding []float32, budget uint64, importance ImportanceLookup) Context {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pinned := m.pinnedEpisodeIDsLocked()

	type scored struct {
		ep    *record.Episode
		score float64
	}
	candidates := make([]scored, 0, len(m.episodes))
	for _, ep := range m.episodes {
		if len(ep.MemberIDs) == 0 {
			continue
		}
		sim := record.CosineSimilarity(queryEmbedding, ep.CentroidEmbedding)
		meanImp := meanImportance(ep, importance)
		s := m.params.LambdaQuery*sim + (1-m.params.LambdaQuery)*meanImp
		candidates = append(candidates, scored{ep: ep, score: s})
	}
	for i := 1; i < len(candidates); i++ {
		for j := i; j > 0 && candidates[j].score > candidates[j-1].score; j-- {
			candidates[j], candidates[j-1] = candidates[j-1], candidates[j]
		}
	}

	selected := make(map[string]bool, len(candidates))
	var out Context
	var used uint64
	for _, c := range candidates {
		if used+c.ep.SizeTokens > budget {
			continue
		}
		out.EpisodeIDs = append(out.EpisodeIDs, c.ep.ID)
		selected[c.ep.ID] = true
		if !pinned[c.ep.ID] {
			out.Records = append(out.Records, c.ep.MemberIDs...)
		}
		used += c.ep.SizeTokens
	}
	// Pinned members are appended in the manager's own temporal
	// (episode-open) order, independent of score rank.
	for _, ep := range m.episodes {
		if selected[ep.ID] && pinned[ep.ID] {
			out.PinnedRecords = append(out.PinnedRecords, ep.MemberIDs...)
		}
	}
	out.EstimatedTokens = used
	return out
}

// pinnedEpisodeIDsLocked reports, for each episode currently tracked,
// whether it falls within the pinned window: the open episode plus the
// pin_count most recently closed ones. Mirrors repin's "keep" rule.
// Callers must hold at least a read lock.
func (m *Manager) pinnedEpisodeIDsLocked() map[string]bool {
	keep := m.params.PinCount + 1
	n := len(m.episodes)
	out := make(map[string]bool, keep)
	for i, ep := range m.episodes {
		if n-i <= keep {
			out[ep.ID] = true
		}
	}
	return out
}

func meanImportance(ep *record.Episode, lookup ImportanceLookup) float64 {
	if lookup == nil || len(ep.MemberIDs) == 0 {
		return 0
	}
	var sum float64
	var n int
	for _, id := range ep.MemberIDs {
		if v, ok := lookup(id); ok {
			sum += v
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
