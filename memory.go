// Package memory is the hierarchical long-lived memory subsystem: a
// Cascading Memory Cache, an Episodic Memory Manager, and a
// Consolidation Service wired together behind a single ingest/query
// facade.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Protocol-Lattice/cascade-memory/internal/cmc"
	"github.com/Protocol-Lattice/cascade-memory/internal/consolidation"
	"github.com/Protocol-Lattice/cascade-memory/internal/contextbuilder"
	"github.com/Protocol-Lattice/cascade-memory/internal/embedding"
	"github.com/Protocol-Lattice/cascade-memory/internal/epm"
	"github.com/Protocol-Lattice/cascade-memory/internal/record"
	"github.com/Protocol-Lattice/cascade-memory/internal/simindex"
	"github.com/Protocol-Lattice/cascade-memory/internal/store"
	"github.com/Protocol-Lattice/cascade-memory/internal/tokenest"
)

// PutRequest describes a record to ingest.
type PutRequest struct {
	Content        []byte
	Kind           record.Kind
	Tags           []string
	ImportanceHint float64 // used as-is if > 0; otherwise a default is assigned
}

// PutResult reports the outcome of an ingest.
type PutResult struct {
	ID ID
}

// ID re-exports the internal record identifier type at the package boundary.
type ID = record.ID

// SearchHit is one ranked similarity-search result.
type SearchHit struct {
	ID         ID
	Similarity float64
}

// Stats aggregates observability across the three subsystems.
type Stats struct {
	StoreCount int
	CMC        cmc.Stats
	Episodes   int
}

// Core is the assembled memory subsystem. Build one with Open.
type Core struct {
	cfg Config
	log zerolog.Logger

	store       store.Store
	tokens      tokenest.Estimator
	embedder    embedding.Embedder
	index       simindex.Index
	cache       *cmc.Cache
	episodes    *epm.Manager
	consolidate *consolidation.Service
	clock       func() time.Time

	ingestCh chan ingestJob
	wg       sync.WaitGroup
}

type ingestJob struct {
	r    record.Record
	done chan error
}

// consolidationForwarder breaks the EPM<->Consolidation Service
// construction cycle: it implements epm.ConsolidationRequester and
// forwards to the real service once set is called.
type consolidationForwarder struct {
	mu  sync.Mutex
	svc *consolidation.Service
}

func (f *consolidationForwarder) set(svc *consolidation.Service) {
	f.mu.Lock()
	f.svc = svc
	f.mu.Unlock()
}

func (f *consolidationForwarder) RequestEpisodeConsolidation(episodeID string) {
	f.mu.Lock()
	svc := f.svc
	f.mu.Unlock()
	if svc != nil {
		svc.RequestEpisodeConsolidation(episodeID)
	}
}

// Deps lets callers override the default in-process components
// (in-memory store, brute-force index, dummy embedder, approximate
// bytes-per-token estimator, zstd compressor, no-op logger). Any nil
// field among those falls back to its default; the Summarizer,
// Summarize and SynthesizeMerge capabilities have no default.
type Deps struct {
	Store       store.Store
	Tokens      tokenest.Estimator
	Embedder    embedding.Embedder
	Index       simindex.Index
	Compressor  cmc.Compressor
	Summarizer  cmc.Summarizer
	Clock       func() time.Time
	Logger      *zerolog.Logger

	Summarize       func(ctx context.Context, members []record.Record) ([]byte, error)
	SynthesizeMerge func(ctx context.Context, members []record.Record) ([]byte, error)
}

// Open assembles a Core from cfg and deps, starting the consolidation
// scheduler. Call Close to release resources.
func Open(ctx context.Context, cfg Config, deps Deps) (*Core, error) {
	cfg = cfg.WithDefaults()

	logger := zerolog.Nop()
	if deps.Logger != nil {
		logger = *deps.Logger
	}

	st := deps.Store
	if st == nil {
		st = store.NewMemStore()
	}
	tok := deps.Tokens
	if tok == nil {
		tok = tokenest.NewApproxEstimator()
	}
	emb := deps.Embedder
	if emb == nil {
		emb = embedding.NewDummyEmbedder(cfg.EmbeddingDim)
	}
	idx := deps.Index
	if idx == nil {
		idx = simindex.NewBruteForce()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	tierParams := make([]cmc.TierParams, 0, len(cfg.Tiers))
	for _, t := range cfg.Tiers {
		tierParams = append(tierParams, cmc.TierParams{
			TokenCapacity:       t.TokenCapacity,
			ImportanceThreshold: t.ImportanceThreshold,
			CompressionPolicy:   record.CompressionPolicy(t.CompressionPolicy),
			HalfLife:            t.HalfLife,
			Weights: cmc.Weights{
				Importance:  t.WeightImportance,
				Recency:     t.WeightRecency,
				Access:      t.WeightAccess,
				Compression: t.WeightCompression,
				Penalty:     t.CompressionPenalty,
			},
		})
	}

	var compressor cmc.Compressor = deps.Compressor
	if compressor == nil {
		zc, err := cmc.NewZstdCompressor()
		if err != nil {
			return nil, newErr("Open", KindInternal, err)
		}
		compressor = zc
	}

	cache := cmc.New(tierParams, st, tok, compressor, deps.Summarizer, clock)

	c := &Core{
		cfg:      cfg,
		log:      logger,
		store:    st,
		tokens:   tok,
		embedder: emb,
		index:    idx,
		cache:    cache,
		clock:    clock,
		ingestCh: make(chan ingestJob, cfg.Concurrency.IngestQueueCapacity),
	}

	// episodes and the consolidation service each depend on the other
	// (EPM notifies CS of episode closes; CS reads episode members back
	// through EPM), so a forwarding requester breaks the construction
	// cycle: it is handed to epm.New before the real Service exists and
	// starts forwarding the moment csRef.set runs.
	csRef := &consolidationForwarder{}
	episodes := epm.New(epm.Params{
		SurpriseThresholdBootstrap: cfg.EPM.SurpriseThresholdBootstrap,
		AdaptiveQuantile:           cfg.EPM.AdaptiveQuantile,
		MaxMembers:                 cfg.EPM.MaxMembers,
		MaxEpisodeSpan:             cfg.EPM.MaxEpisodeSpan,
		PinCount:                   cfg.EPM.PinCount,
		SummarizeThreshold:         cfg.EPM.SummarizeThreshold,
		LambdaQuery:                cfg.EPM.LambdaQuery,
	}, cache, csRef)
	c.episodes = episodes

	cs := consolidation.New(consolidation.Deps{
		Store:  st,
		Index:  idx,
		CMC:    cache,
		EPM:    episodes,
		Tokens: tok,
		Admit:  c,
		Clock:  clock,
	}, consolidation.Params{
		Interval:             cfg.CS.Interval,
		RedundancyThreshold:  cfg.CS.RedundancyThreshold,
		PruneThreshold:       cfg.CS.PruneThreshold,
		MinSummaryImportance: cfg.CS.MinSummaryImportance,
		CoarseTimeBucket:     cfg.CS.CoarseTimeBucket,
		MinGroupSize:         2,
	}, consolidation.Capabilities{
		Summarize:       deps.Summarize,
		SynthesizeMerge: deps.SynthesizeMerge,
	})
	c.consolidate = cs
	csRef.set(cs)

	if err := cs.Start(ctx); err != nil {
		return nil, newErr("Open", KindInternal, err)
	}

	c.wg.Add(1)
	go c.ingestLoop(ctx)

	c.log.Info().Msg("memory core opened")
	return c, nil
}

func (c *Core) ingestLoop(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-c.ingestCh:
			if !ok {
				return
			}
			job.done <- c.admitPipeline(ctx, job.r)
		}
	}
}

// Put ingests new content: it estimates tokens, computes an
// embedding, persists the canonical record, feeds episodic
// segmentation, and admits the record into the cache.
func (c *Core) Put(ctx context.Context, req PutRequest) (PutResult, error) {
	if len(req.Content) == 0 {
		return PutResult{}, newErr("Put", KindInvalidArgument, fmt.Errorf("content must be non-empty"))
	}
	if req.Kind == "" {
		req.Kind = record.KindConversation
	}
	if _, ok := record.ValidKinds[req.Kind]; !ok {
		return PutResult{}, newErr("Put", KindInvalidArgument, fmt.Errorf("unknown kind %q", req.Kind))
	}

	now := c.clock()
	content := req.Content
	var metadata map[string]string
	tokens, err := c.tokens.Estimate(content)
	if err != nil {
		return PutResult{}, newErr("Put", KindInternal, err)
	}
	if tokens > c.cfg.PerRecordMaxTokens {
		truncated, orig, didTruncate, terr := tokenest.Truncate(c.tokens, content, c.cfg.PerRecordMaxTokens)
		if terr != nil {
			return PutResult{}, newErr("Put", KindInternal, terr)
		}
		if didTruncate {
			content = truncated
			tokens = c.cfg.PerRecordMaxTokens
			req.Tags = append(append([]string(nil), req.Tags...), "truncated")
			metadata = map[string]string{"truncated": "true", "original_tokens": fmt.Sprintf("%d", orig)}
		}
	}

	importance := req.ImportanceHint
	if importance <= 0 {
		importance = 0.5
	}

	r := record.Record{
		ID:         record.NewID(content, req.Kind, now),
		Content:    content,
		Kind:       req.Kind,
		CreatedAt:  now,
		Tokens:     tokens,
		Importance: importance,
		Tags:       record.SortTags(req.Tags),
		Metadata:   metadata,
	}

	if vec, err := c.embedder.Embed(ctx, content); err == nil {
		r.Embedding = embedding.Normalize(vec, c.cfg.EmbeddingDim)
	}

	job := ingestJob{r: r, done: make(chan error, 1)}
	if c.cfg.Concurrency.NonBlocking {
		select {
		case c.ingestCh <- job:
		default:
			return PutResult{}, newErr("Put", KindBusy, ErrBusy)
		}
	} else {
		select {
		case c.ingestCh <- job:
		case <-ctx.Done():
			return PutResult{}, newErr("Put", KindTimeout, ctx.Err())
		}
	}

	select {
	case err := <-job.done:
		if err != nil {
			return PutResult{}, err
		}
		return PutResult{ID: r.ID}, nil
	case <-ctx.Done():
		return PutResult{}, newErr("Put", KindTimeout, ctx.Err())
	}
}

// Admit implements consolidation.Admitter, re-entering the ingest
// pipeline directly (bypassing the queue) for records the
// Consolidation Service produces.
func (c *Core) Admit(ctx context.Context, r record.Record) error {
	return c.admitPipeline(ctx, r)
}

func (c *Core) admitPipeline(ctx context.Context, r record.Record) error {
	if err := c.store.Put(ctx, r); err != nil {
		c.log.Error().Err(err).Str("id", r.ID.String()).Msg("store put failed")
		return newErr("admit", KindConflict, err)
	}
	if r.Embedding != nil {
		if err := c.index.Insert(ctx, r.ID, r.Embedding); err != nil {
			c.log.Warn().Err(err).Str("id", r.ID.String()).Msg("similarity index insert failed")
		}
	}
	c.episodes.OnRecord(r)
	if _, err := c.cache.Admit(ctx, r); err != nil {
		c.log.Warn().Err(err).Str("id", r.ID.String()).Msg("cache admit failed")
	}
	return nil
}

// Get fetches a record by id, touching the cache to record the access.
func (c *Core) Get(ctx context.Context, id ID) (record.Record, error) {
	r, err := c.store.Get(ctx, id)
	if err != nil {
		return record.Record{}, newErr("Get", KindNotFound, err)
	}
	_ = c.cache.Touch(id)
	return r, nil
}

// Touch records an access against id, promoting it within the cache
// if its retention score now clears a hotter tier.
func (c *Core) Touch(id ID) error {
	if err := c.cache.Touch(id); err != nil {
		return newErr("Touch", KindNotFound, err)
	}
	return nil
}

// Search runs a similarity query against the embedding index.
func (c *Core) Search(ctx context.Context, query []byte, k int, minSimilarity float64) ([]SearchHit, error) {
	vec, err := c.embedder.Embed(ctx, query)
	if err != nil {
		return nil, newErr("Search", KindCapabilityUnavailable, err)
	}
	vec = embedding.Normalize(vec, c.cfg.EmbeddingDim)
	neighbors, err := c.index.Query(ctx, vec, k, "")
	if err != nil {
		return nil, newErr("Search", KindInternal, err)
	}
	out := make([]SearchHit, 0, len(neighbors))
	for _, n := range neighbors {
		if n.Score < minSimilarity {
			continue
		}
		out = append(out, SearchHit{ID: n.ID, Similarity: n.Score})
	}
	return out, nil
}

// BuildContext assembles a token-budgeted working context for query.
func (c *Core) BuildContext(ctx context.Context, query []byte, budget uint64) (contextbuilder.WorkingContext, error) {
	vec, err := c.embedder.Embed(ctx, query)
	if err != nil {
		return contextbuilder.WorkingContext{}, newErr("BuildContext", KindCapabilityUnavailable, err)
	}
	vec = embedding.Normalize(vec, c.cfg.EmbeddingDim)
	queryTokens, err := c.tokens.Estimate(query)
	if err != nil {
		return contextbuilder.WorkingContext{}, newErr("BuildContext", KindInternal, err)
	}

	builder := contextbuilder.New(c.cache, c.episodes, func(id ID) (record.Record, bool) {
		r, err := c.store.Get(ctx, id)
		if err != nil {
			return record.Record{}, false
		}
		return r, true
	}, c.cfg.LambdaQuery)

	return builder.Build(vec, queryTokens, budget)
}

// Consolidate runs one consolidation pass synchronously, honoring
// ctx's deadline if one is set.
func (c *Core) Consolidate(ctx context.Context) (consolidation.Report, error) {
	report, err := c.consolidate.Run(ctx)
	if err != nil {
		return report, newErr("Consolidate", KindInternal, err)
	}
	return report, nil
}

// manifest describes the tier/embedding configuration this Core is
// running under, for stamping and validating snapshots.
func (c *Core) manifest() store.Manifest {
	tiers := make([]store.TierManifest, 0, len(c.cfg.Tiers))
	for _, t := range c.cfg.Tiers {
		tiers = append(tiers, store.TierManifest{
			TokenCapacity:       t.TokenCapacity,
			ImportanceThreshold: t.ImportanceThreshold,
			CompressionPolicy:   t.CompressionPolicy,
			HalfLife:            t.HalfLife,
			WeightImportance:    t.WeightImportance,
			WeightRecency:       t.WeightRecency,
			WeightAccess:        t.WeightAccess,
			WeightCompression:   t.WeightCompression,
			WeightPenalty:       t.CompressionPenalty,
		})
	}
	return store.Manifest{Tiers: tiers, EmbeddingDim: c.cfg.EmbeddingDim}
}

// Snapshot writes the full store contents, stamped with the current
// tier/embedding configuration, to path.
func (c *Core) Snapshot(ctx context.Context, path string) error {
	snap, err := store.ExportSnapshot(ctx, c.store, c.manifest())
	if err != nil {
		return newErr("Snapshot", KindInternal, err)
	}
	snap.TakenAt = c.clock()
	if err := store.WriteSnapshotFile(path, snap); err != nil {
		return newErr("Snapshot", KindInternal, err)
	}
	return nil
}

// Restore reloads records from a snapshot file written by Snapshot,
// re-admitting each through the ingest pipeline in CreatedAt order so
// the CMC and EPM derived indices are rebuilt deterministically rather
// than merely repopulating the Memory Store. A snapshot taken under a
// different tier/embedding configuration is rejected outright.
func (c *Core) Restore(ctx context.Context, path string) error {
	snap, err := store.ReadSnapshotFile(path)
	if err != nil {
		return newErr("Restore", KindCorrupt, err)
	}
	want := c.manifest()
	if !snap.Manifest.Equal(want) {
		return newErr("Restore", KindConflict, store.ErrManifestMismatch)
	}
	if err := store.RestoreInto(ctx, c.store, snap, want); err != nil {
		return newErr("Restore", KindInternal, err)
	}

	records := make([]record.Record, len(snap.Records))
	copy(records, snap.Records)
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	for _, r := range records {
		if r.Embedding != nil {
			if err := c.index.Insert(ctx, r.ID, r.Embedding); err != nil {
				c.log.Warn().Err(err).Str("id", r.ID.String()).Msg("similarity index insert failed during restore")
			}
		}
		c.episodes.OnRecord(r)
		if _, err := c.cache.Admit(ctx, r); err != nil {
			c.log.Warn().Err(err).Str("id", r.ID.String()).Msg("cache admit failed during restore")
		}
	}
	return nil
}

// Stats reports current subsystem occupancy.
func (c *Core) Stats(ctx context.Context) (Stats, error) {
	n, err := c.store.Count(ctx)
	if err != nil {
		return Stats{}, newErr("Stats", KindInternal, err)
	}
	return Stats{
		StoreCount: n,
		CMC:        c.cache.Stats(),
		Episodes:   len(c.episodes.Episodes()),
	}, nil
}

// Close stops the consolidation scheduler and ingest loop, then
// releases the store and index.
func (c *Core) Close() error {
	c.consolidate.Stop()
	close(c.ingestCh)
	c.wg.Wait()
	if err := c.index.Close(); err != nil {
		c.log.Warn().Err(err).Msg("index close failed")
	}
	if err := c.store.Close(); err != nil {
		return newErr("Close", KindInternal, err)
	}
	return nil
}
