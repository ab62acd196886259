package consolidation

import (
	"context"
	"fmt"
	"math"

	"github.com/Protocol-Lattice/cascade-memory/internal/record"
)

// merge resolves component member ids into full records, emits a
// kind=merged record referencing them, archives the originals, and
// re-admits the merged record through the ingest pipeline.
func (s *Service) merge(ctx context.Context, component []record.ID) (record.ID, error) {
	members := make([]record.Record, 0, len(component))
	for _, id := range component {
		r, err := s.deps.Store.Get(ctx, id)
		if err != nil {
			return "", fmt.Errorf("resolve merge member %s: %w", id, err)
		}
		if r.Kind.IsNonIngested() && r.Kind != record.KindMerged {
			// Summaries and reflections are never merge inputs.
			return "", fmt.Errorf("member %s has non-mergeable kind %s", id, r.Kind)
		}
		members = append(members, r)
	}
	if len(members) < 2 {
		return "", fmt.Errorf("merge requires at least two members")
	}

	sortByImportanceThenCreatedAt(members)
	representative := members[0]

	content := representative.Content
	if s.caps.SynthesizeMerge != nil {
		if synth, err := s.caps.SynthesizeMerge(ctx, members); err == nil && len(synth) > 0 {
			content = synth
		}
	}

	maxImportance := 0.0
	provenance := make([]record.ID, 0, len(members))
	for _, m := range members {
		if m.Importance > maxImportance {
			maxImportance = m.Importance
		}
		provenance = append(provenance, m.ID)
	}
	importance := math.Min(1.0, maxImportance+0.05)

	now := s.deps.Clock()
	tokens := representative.Tokens
	if s.deps.Tokens != nil {
		if n, err := s.deps.Tokens.Estimate(content); err == nil {
			tokens = n
		}
	}

	merged := record.Record{
		ID:         record.NewID(content, record.KindMerged, now),
		Content:    content,
		Kind:       record.KindMerged,
		CreatedAt:  now,
		Tokens:     tokens,
		Importance: importance,
		Provenance: provenance,
	}

	if err := s.deps.Admit.Admit(ctx, merged); err != nil {
		return "", fmt.Errorf("admit merged record: %w", err)
	}
	for _, m := range members {
		if err := s.deps.Store.Archive(ctx, m.ID); err != nil {
			return "", fmt.Errorf("archive merge member %s: %w", m.ID, err)
		}
	}
	return merged.ID, nil
}

// summarizeEpisodes drains pending episode-close requests, calling the
// injected Summarize capability for each and admitting the result as
// a kind=summary record.
func (s *Service) summarizeEpisodes(ctx context.Context, report *Report) error {
	s.mu.Lock()
	pending := s.pendingEpisodes
	s.pendingEpisodes = nil
	s.mu.Unlock()

	if s.caps.Summarize == nil {
		if len(pending) > 0 {
			report.Skipped = append(report.Skipped, "episode summarization: capability unavailable")
		}
		return nil
	}

	episodes := s.deps.EPM.Episodes()
	byID := make(map[string]record.Episode, len(episodes))
	for _, ep := range episodes {
		byID[ep.ID] = ep
	}

	for _, epID := range pending {
		ep, ok := byID[epID]
		if !ok {
			continue
		}
		members := make([]record.Record, 0, len(ep.MemberIDs))
		for _, id := range ep.MemberIDs {
			r, err := s.deps.Store.Get(ctx, id)
			if err != nil {
				continue
			}
			members = append(members, r)
		}
		if len(members) == 0 {
			continue
		}
		content, err := s.caps.Summarize(ctx, members)
		if err != nil || len(content) == 0 {
			report.Skipped = append(report.Skipped, fmt.Sprintf("episode %s: summarize failed", epID))
			continue
		}
		now := s.deps.Clock()
		tokens := uint32(len(content) / 4)
		if s.deps.Tokens != nil {
			if n, err := s.deps.Tokens.Estimate(content); err == nil {
				tokens = n
			}
		}
		importance := math.Max(meanImportanceOf(members), s.params.MinSummaryImportance)
		summary := record.Record{
			ID:         record.NewID(content, record.KindSummary, now),
			Content:    content,
			Kind:       record.KindSummary,
			CreatedAt:  now,
			Tokens:     tokens,
			Importance: importance,
			Provenance: ep.MemberIDs,
		}
		if err := s.deps.Admit.Admit(ctx, summary); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("admit summary for episode %s: %v", epID, err))
			continue
		}
		report.Summarized++
	}
	return nil
}

func meanImportanceOf(records []record.Record) float64 {
	if len(records) == 0 {
		return 0
	}
	var sum float64
	for _, r := range records {
		sum += r.Importance
	}
	return sum / float64(len(records))
}

// reweight recomputes importance for every touched record as a blend
// of its current value, an inbound-provenance factor, a recency
// factor, and a per-kind prior.
func (s *Service) reweight(ctx context.Context, touched map[record.ID]struct{}, report *Report) error {
	if len(touched) == 0 {
		return nil
	}
	inbound := make(map[record.ID]int)
	_ = s.deps.Store.ScanCandidates(ctx, func(r record.Record) bool {
		for _, p := range r.Provenance {
			inbound[p]++
		}
		return true
	})

	now := s.deps.Clock()
	for id := range touched {
		r, err := s.deps.Store.Get(ctx, id)
		if err != nil {
			continue
		}
		relFactor := math.Min(1, float64(inbound[id])/4.0)
		recencyFactor := math.Exp(-now.Sub(r.CreatedAt).Hours() / (24 * 7))
		prior := kindPrior(r.Kind)
		newImportance := 0.5*r.Importance + 0.2*relFactor + 0.2*recencyFactor + 0.1*prior
		err = s.deps.Store.UpdateMetadata(ctx, id, func(rec *record.Record) {
			rec.Importance = math.Min(1, math.Max(0, newImportance))
		})
		if err != nil {
			continue
		}
		report.Reweighted++
	}
	return nil
}

func kindPrior(k record.Kind) float64 {
	switch k {
	case record.KindSummary, record.KindReflection:
		return 0.8
	case record.KindMerged:
		return 0.6
	case record.KindFact, record.KindConcept:
		return 0.5
	default:
		return 0.3
	}
}

// prune archives records below the prune threshold, excluding
// summaries/reflections and anything pinned by an open episode or
// referenced as provenance by a younger record.
func (s *Service) prune(ctx context.Context, report *Report) error {
	youngerProvenance := make(map[record.ID]struct{})
	var all []record.Record
	err := s.deps.Store.ScanCandidates(ctx, func(r record.Record) bool {
		all = append(all, r)
		for _, p := range r.Provenance {
			youngerProvenance[p] = struct{}{}
		}
		return true
	})
	if err != nil {
		return fmt.Errorf("scan for pruning: %w", err)
	}

	pinned := make(map[record.ID]struct{})
	if s.deps.EPM != nil {
		for _, ep := range s.deps.EPM.Episodes() {
			if ep.IsOpen() {
				for _, id := range ep.MemberIDs {
					pinned[id] = struct{}{}
				}
			}
		}
	}

	for _, r := range all {
		if r.Kind == record.KindSummary || r.Kind == record.KindReflection {
			continue
		}
		if _, isPinned := pinned[r.ID]; isPinned {
			continue
		}
		if r.Importance >= s.params.PruneThreshold {
			continue
		}
		if _, referenced := youngerProvenance[r.ID]; referenced {
			continue
		}
		if s.deps.CMC != nil {
			if _, resident := s.deps.CMC.Resident(r.ID); resident {
				continue // let CMC's own demotion path handle residents
			}
		}
		if err := s.deps.Store.Archive(ctx, r.ID); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("archive %s: %v", r.ID, err))
			continue
		}
		report.Pruned++
	}
	return nil
}
