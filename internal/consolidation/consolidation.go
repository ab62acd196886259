// Package consolidation implements the Consolidation Service: the
// background pass that deduplicates, merges, summarizes, reweights
// and prunes the record population.
package consolidation

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/Protocol-Lattice/cascade-memory/internal/cmc"
	"github.com/Protocol-Lattice/cascade-memory/internal/epm"
	"github.com/Protocol-Lattice/cascade-memory/internal/record"
	"github.com/Protocol-Lattice/cascade-memory/internal/simindex"
	"github.com/Protocol-Lattice/cascade-memory/internal/store"
	"github.com/Protocol-Lattice/cascade-memory/internal/tokenest"
)

// Params configures thresholds and scheduling for a consolidation run.
type Params struct {
	Interval             time.Duration
	RedundancyThreshold  float64
	PruneThreshold       float64
	MinSummaryImportance float64
	CoarseTimeBucket     time.Duration
	MinGroupSize         int
}

// Capabilities are the optional, injected synthesis hooks. A nil
// field degrades that phase rather than failing the run.
type Capabilities struct {
	Summarize       func(ctx context.Context, members []record.Record) ([]byte, error)
	SynthesizeMerge func(ctx context.Context, members []record.Record) ([]byte, error)
}

// Admitter re-enters the ingest pipeline for records CS produces, so
// merged/summary records flow through the same Store -> EPM -> CMC path.
type Admitter interface {
	Admit(ctx context.Context, r record.Record) error
}

// Deps wires the service to the rest of the core.
type Deps struct {
	Store   store.Store
	Index   simindex.Index
	CMC     *cmc.Cache
	EPM     *epm.Manager
	Tokens  tokenest.Estimator
	Admit   Admitter
	Clock   func() time.Time
}

// Report summarizes one consolidation run.
type Report struct {
	GroupsFormed    int
	MergeCandidates int
	Merged          int
	Summarized      int
	Reweighted      int
	Pruned          int
	Skipped         []string
	Errors          []string
}

// Service runs the six-phase consolidation pipeline, coalescing
// concurrent triggers so at most one pass is active at a time.
type Service struct {
	deps   Deps
	params Params
	caps   Capabilities

	sf   singleflight.Group
	cron *cron.Cron

	mu              sync.Mutex
	pendingEpisodes []string
}

// New builds a Service. It does not start the scheduler; call Start for that.
func New(deps Deps, params Params, caps Capabilities) *Service {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Service{deps: deps, params: params, caps: caps}
}

// RequestEpisodeConsolidation implements epm.ConsolidationRequester.
func (s *Service) RequestEpisodeConsolidation(episodeID string) {
	s.mu.Lock()
	s.pendingEpisodes = append(s.pendingEpisodes, episodeID)
	s.mu.Unlock()
}

// Start schedules periodic runs on the configured interval until Stop
// is called. Each scheduled run is given ctx; cancelling ctx does not
// stop the scheduler.
func (s *Service) Start(ctx context.Context) error {
	s.cron = cron.New(cron.WithSeconds())
	spec := fmt.Sprintf("@every %s", s.params.Interval)
	_, err := s.cron.AddFunc(spec, func() {
		if _, err := s.Run(ctx); err != nil {
			return
		}
	})
	if err != nil {
		return fmt.Errorf("schedule consolidation: %w", err)
	}
	s.cron.Start()
	return nil
}

// Stop halts the scheduler, waiting for any in-flight run to finish.
func (s *Service) Stop() {
	if s.cron != nil {
		stopCtx := s.cron.Stop()
		<-stopCtx.Done()
	}
}

// Run executes one consolidation pass synchronously. Concurrent
// callers coalesce onto the same in-flight run via singleflight.
func (s *Service) Run(ctx context.Context) (Report, error) {
	v, err, _ := s.sf.Do("run", func() (interface{}, error) {
		return s.run(ctx)
	})
	if err != nil {
		return Report{}, err
	}
	return v.(Report), nil
}

func (s *Service) run(ctx context.Context) (Report, error) {
	var report Report

	candidates, err := s.collectCandidates(ctx)
	if err != nil {
		return report, fmt.Errorf("collect candidates: %w", err)
	}

	groups := s.groupByKindAndBucket(candidates)
	report.GroupsFormed = len(groups)

	touched := make(map[record.ID]struct{})

	eg, egCtx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	for _, group := range groups {
		group := group
		if len(group) < s.params.MinGroupSize {
			continue
		}
		eg.Go(func() error {
			components, err := s.detectRedundancy(egCtx, group)
			if err != nil {
				mu.Lock()
				report.Errors = append(report.Errors, err.Error())
				mu.Unlock()
				return nil
			}
			for _, comp := range components {
				merged, err := s.merge(egCtx, comp)
				mu.Lock()
				report.MergeCandidates++
				if err != nil {
					report.Skipped = append(report.Skipped, fmt.Sprintf("merge: %v", err))
				} else {
					report.Merged++
					touched[merged] = struct{}{}
				}
				for _, id := range comp {
					touched[id] = struct{}{}
				}
				mu.Unlock()
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return report, err
	}

	if err := s.summarizeEpisodes(ctx, &report); err != nil {
		report.Errors = append(report.Errors, err.Error())
	}

	if err := s.reweight(ctx, touched, &report); err != nil {
		report.Errors = append(report.Errors, err.Error())
	}

	if err := s.prune(ctx, &report); err != nil {
		report.Errors = append(report.Errors, err.Error())
	}

	return report, nil
}

func (s *Service) collectCandidates(ctx context.Context) ([]record.Record, error) {
	var out []record.Record
	err := s.deps.Store.ScanCandidates(ctx, func(r record.Record) bool {
		if !r.Kind.IsNonIngested() {
			out = append(out, r)
		}
		return true
	})
	return out, err
}

func (s *Service) groupByKindAndBucket(records []record.Record) map[string][]record.Record {
	groups := make(map[string][]record.Record)
	bucket := s.params.CoarseTimeBucket
	if bucket <= 0 {
		bucket = time.Hour
	}
	for _, r := range records {
		b := r.CreatedAt.Truncate(bucket)
		key := string(r.Kind) + "|" + b.Format(time.RFC3339)
		groups[key] = append(groups[key], r)
	}
	return groups
}

func (s *Service) detectRedundancy(ctx context.Context, group []record.Record) ([][]record.ID, error) {
	uf := newUnionFind()
	for _, r := range group {
		uf.add(r.ID)
		if r.Embedding == nil || s.deps.Index == nil {
			continue
		}
		neighbors, err := s.deps.Index.Query(ctx, r.Embedding, 8, r.ID)
		if err != nil {
			return nil, fmt.Errorf("query similarity index: %w", err)
		}
		for _, n := range neighbors {
			if n.Score >= s.params.RedundancyThreshold {
				uf.union(r.ID, n.ID)
			}
		}
	}
	return uf.components(), nil
}

// sortByImportanceThenCreatedAt orders a component for representative selection.
func sortByImportanceThenCreatedAt(members []record.Record) {
	sort.Slice(members, func(i, j int) bool {
		if members[i].Importance != members[j].Importance {
			return members[i].Importance > members[j].Importance
		}
		return members[i].CreatedAt.Before(members[j].CreatedAt)
	})
}
