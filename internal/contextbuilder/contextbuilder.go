// Package contextbuilder assembles the token-budgeted working context
// a downstream model call consumes, blending the Cascading Memory
// Cache's resident selection with the Episodic Memory Manager's
// episode-aware retrieval.
package contextbuilder

import (
	"fmt"
	"time"

	"github.com/Protocol-Lattice/cascade-memory/internal/epm"
	"github.com/Protocol-Lattice/cascade-memory/internal/record"
)

// Selector is the CMC capability this package depends on.
type Selector interface {
	Select(queryEmbedding []float32, budget uint64) []record.ID
}

// EpisodicRetriever is the EPM capability this package depends on.
type EpisodicRetriever interface {
	EpisodicContext(queryEmbedding []float32, budget uint64, importance epm.ImportanceLookup) epm.Context
}

// RecordResolver fetches a record by id, for header/suffix assembly
// and final token accounting.
type RecordResolver func(id record.ID) (record.Record, bool)

// WorkingContext is the final, ordered, token-bounded assembly.
type WorkingContext struct {
	Records          []record.ID
	EstimatedTokens  uint64
	IncludedEpisodes []string
	ExcludedCount    int
}

// DefaultAlpha is the fraction of budget reserved for the episodic
// share when New is given alpha <= 0.
const DefaultAlpha = 0.4

// Builder assembles working contexts from a CMC and an EPM.
type Builder struct {
	cmc     Selector
	epm     EpisodicRetriever
	resolve RecordResolver
	alpha   float64
}

// New builds a Builder. alpha <= 0 uses DefaultAlpha.
func New(cmc Selector, epm EpisodicRetriever, resolve RecordResolver, alpha float64) *Builder {
	if alpha <= 0 {
		alpha = DefaultAlpha
	}
	return &Builder{cmc: cmc, epm: epm, resolve: resolve, alpha: alpha}
}

// Build assembles a WorkingContext for query within budget tokens.
func (b *Builder) Build(queryEmbedding []float32, queryTokens uint32, budget uint64) (WorkingContext, error) {
	if budget == 0 {
		return WorkingContext{}, nil
	}

	episodicBudget := uint64(float64(budget) * b.alpha)
	residentBudget := budget - episodicBudget
	if residentBudget > budget {
		residentBudget = 0
	}

	episodic := b.epm.EpisodicContext(queryEmbedding, episodicBudget, func(id record.ID) (float64, bool) {
		r, ok := b.resolve(id)
		if !ok {
			return 0, false
		}
		return r.Importance, true
	})
	resident := b.cmc.Select(queryEmbedding, residentBudget)

	ordered, excluded := b.order(resident, episodic)

	var used uint64
	var out []record.ID
	for _, id := range ordered {
		r, ok := b.resolve(id)
		if !ok {
			excluded++
			continue
		}
		if used+uint64(r.Tokens) > budget {
			excluded++
			continue
		}
		out = append(out, id)
		used += uint64(r.Tokens)
	}
	used += uint64(queryTokens)
	if used > budget {
		// Trim from the tail until back under budget; the query suffix
		// itself is never dropped.
		for used > budget && len(out) > 0 {
			last := out[len(out)-1]
			r, _ := b.resolve(last)
			used -= uint64(r.Tokens)
			out = out[:len(out)-1]
			excluded++
		}
	}

	return WorkingContext{
		Records:          out,
		EstimatedTokens:  used,
		IncludedEpisodes: episodic.EpisodeIDs,
		ExcludedCount:    excluded,
	}, nil
}

// order merges resident and episodic ids per the fixed priority:
// pinned-episode records first (temporal, via episodic.PinnedRecords),
// then CMC-selected residents (already ranked by descending retention
// score), then any remaining episodic records not already included.
func (b *Builder) order(resident []record.ID, episodic epm.Context) ([]record.ID, int) {
	seen := make(map[record.ID]struct{}, len(resident)+len(episodic.PinnedRecords)+len(episodic.Records))
	var out []record.ID
	excluded := 0

	for _, id := range episodic.PinnedRecords {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, id := range resident {
		if _, dup := seen[id]; dup {
			excluded++
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, id := range episodic.Records {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, excluded
}

// Header renders a short description of the episodes included, for
// the prefix the caller places ahead of the record contents.
func Header(episodeIDs []string, resolveEpisode func(id string) (record.Episode, bool)) string {
	if len(episodeIDs) == 0 {
		return ""
	}
	header := fmt.Sprintf("context spans %d episode(s):", len(episodeIDs))
	for _, id := range episodeIDs {
		ep, ok := resolveEpisode(id)
		if !ok {
			continue
		}
		span := ep.ClosedAt.Sub(ep.OpenedAt)
		if span < 0 {
			span = time.Since(ep.OpenedAt)
		}
		header += fmt.Sprintf(" [%s, %d members, %s]", ep.ID, len(ep.MemberIDs), span)
	}
	return header
}
