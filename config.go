package memory

import "time"

// TierConfig configures one Cascading Memory Cache tier.
type TierConfig struct {
	TokenCapacity        uint64
	ImportanceThreshold  float64
	CompressionPolicy    string // "none" | "lossless" | "semantic"
	HalfLife             time.Duration
	WeightImportance     float64 // w_i
	WeightRecency        float64 // w_r
	WeightAccess         float64 // w_a
	WeightCompression    float64 // w_c
	CompressionPenalty   float64 // c
}

// EPMConfig configures the Episodic Memory Manager.
type EPMConfig struct {
	SurpriseThresholdBootstrap float64
	AdaptiveQuantile           float64 // e.g. 0.8 for the 80th percentile
	MaxMembers                 int
	MaxEpisodeSpan             time.Duration
	PinCount                   int
	SummarizeThreshold         uint64
	LambdaQuery                float64 // λ in episodic_context scoring
}

// CSConfig configures the Consolidation Service.
type CSConfig struct {
	Interval             time.Duration
	RedundancyThreshold  float64
	PruneThreshold       float64
	MinSummaryImportance float64
	CoarseTimeBucket     time.Duration
	EvictionRateTrigger  float64 // defaulted but not read by Open; no eviction-rate trigger starts a run
}

// ConcurrencyConfig bounds ingest queueing.
type ConcurrencyConfig struct {
	IngestQueueCapacity int
	NonBlocking         bool
}

// Config is the full configuration surface accepted by Open. Zero-value
// fields are filled in by WithDefaults.
type Config struct {
	Tiers             []TierConfig
	PerRecordMaxTokens uint32
	EPM               EPMConfig
	CS                CSConfig
	Concurrency       ConcurrencyConfig
	EmbeddingDim      int
	LambdaQuery       float64 // passed to the Context Builder as α, the episodic share of the budget
}

// DefaultConfig returns a three-tier configuration: capacities
// {1000,2000,4000} tokens, importance thresholds {0.7,0.4,0.1}.
func DefaultConfig() Config {
	return Config{
		Tiers: []TierConfig{
			{
				TokenCapacity:       1000,
				ImportanceThreshold: 0.7,
				CompressionPolicy:   "none",
				HalfLife:            10 * time.Minute,
				WeightImportance:    0.6,
				WeightRecency:       0.3,
				WeightAccess:        0.1,
				WeightCompression:   0.05,
				CompressionPenalty:  1,
			},
			{
				TokenCapacity:       2000,
				ImportanceThreshold: 0.4,
				CompressionPolicy:   "lossless",
				HalfLife:            1 * time.Hour,
				WeightImportance:    0.6,
				WeightRecency:       0.3,
				WeightAccess:        0.1,
				WeightCompression:   0.05,
				CompressionPenalty:  1,
			},
			{
				TokenCapacity:       4000,
				ImportanceThreshold: 0.1,
				CompressionPolicy:   "semantic",
				HalfLife:            24 * time.Hour,
				WeightImportance:    0.6,
				WeightRecency:       0.3,
				WeightAccess:        0.1,
				WeightCompression:   0.05,
				CompressionPenalty:  1,
			},
		},
		PerRecordMaxTokens: 500,
		EPM: EPMConfig{
			SurpriseThresholdBootstrap: 0.5,
			AdaptiveQuantile:           0.8,
			MaxMembers:                 50,
			MaxEpisodeSpan:             2 * time.Hour,
			PinCount:                   2,
			SummarizeThreshold:         800,
			LambdaQuery:                0.5,
		},
		CS: CSConfig{
			Interval:             5 * time.Minute,
			RedundancyThreshold:  0.85,
			PruneThreshold:       0.2,
			MinSummaryImportance: 0.3,
			CoarseTimeBucket:     time.Hour,
			EvictionRateTrigger:  0.5,
		},
		Concurrency: ConcurrencyConfig{
			IngestQueueCapacity: 256,
			NonBlocking:         false,
		},
		EmbeddingDim: 256,
		LambdaQuery:  0.5,
	}
}

// WithDefaults fills zero-value fields with DefaultConfig's values,
// field by field.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if len(c.Tiers) == 0 {
		c.Tiers = d.Tiers
	}
	if c.PerRecordMaxTokens == 0 {
		c.PerRecordMaxTokens = d.PerRecordMaxTokens
	}
	if c.EPM.SurpriseThresholdBootstrap == 0 {
		c.EPM.SurpriseThresholdBootstrap = d.EPM.SurpriseThresholdBootstrap
	}
	if c.EPM.AdaptiveQuantile == 0 {
		c.EPM.AdaptiveQuantile = d.EPM.AdaptiveQuantile
	}
	if c.EPM.MaxMembers == 0 {
		c.EPM.MaxMembers = d.EPM.MaxMembers
	}
	if c.EPM.MaxEpisodeSpan == 0 {
		c.EPM.MaxEpisodeSpan = d.EPM.MaxEpisodeSpan
	}
	if c.EPM.PinCount == 0 {
		c.EPM.PinCount = d.EPM.PinCount
	}
	if c.EPM.SummarizeThreshold == 0 {
		c.EPM.SummarizeThreshold = d.EPM.SummarizeThreshold
	}
	if c.EPM.LambdaQuery == 0 {
		c.EPM.LambdaQuery = d.EPM.LambdaQuery
	}
	if c.CS.Interval == 0 {
		c.CS.Interval = d.CS.Interval
	}
	if c.CS.RedundancyThreshold == 0 {
		c.CS.RedundancyThreshold = d.CS.RedundancyThreshold
	}
	if c.CS.PruneThreshold == 0 {
		c.CS.PruneThreshold = d.CS.PruneThreshold
	}
	if c.CS.MinSummaryImportance == 0 {
		c.CS.MinSummaryImportance = d.CS.MinSummaryImportance
	}
	if c.CS.CoarseTimeBucket == 0 {
		c.CS.CoarseTimeBucket = d.CS.CoarseTimeBucket
	}
	if c.CS.EvictionRateTrigger == 0 {
		c.CS.EvictionRateTrigger = d.CS.EvictionRateTrigger
	}
	if c.Concurrency.IngestQueueCapacity == 0 {
		c.Concurrency.IngestQueueCapacity = d.Concurrency.IngestQueueCapacity
	}
	if c.EmbeddingDim == 0 {
		c.EmbeddingDim = d.EmbeddingDim
	}
	if c.LambdaQuery == 0 {
		c.LambdaQuery = d.LambdaQuery
	}
	return c
}
