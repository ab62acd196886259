// Package epm implements the Episodic Memory Manager: surprise-driven
// event segmentation over the admit stream, and episode-aware context
// retrieval.
package epm

import (
	"encoding/hex"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/Protocol-Lattice/cascade-memory/internal/quantile"
	"github.com/Protocol-Lattice/cascade-memory/internal/record"
)

// Params configures segmentation and retrieval.
type Params struct {
	SurpriseThresholdBootstrap float64
	AdaptiveQuantile           float64
	MaxMembers                 int
	MaxEpisodeSpan             time.Duration
	PinCount                   int
	SummarizeThreshold         uint64
	LambdaQuery                float64
}

// PinNotifier is implemented by the cache so EPM can pin/unpin
// records belonging to the open episode and the most recently closed ones.
type PinNotifier interface {
	SetPinned(id record.ID, pinned bool)
}

// ConsolidationRequester receives episode-close notifications once an
// episode is large enough to be worth summarizing.
type ConsolidationRequester interface {
	RequestEpisodeConsolidation(episodeID string)
}

// warmupSamples is how many non-boundary surprise values must be
// observed before the adaptive quantile replaces the bootstrap threshold.
const warmupSamples = 5

// Manager holds the ordered episode history and segmentation state.
type Manager struct {
	mu       sync.RWMutex
	params   Params
	episodes []*record.Episode
	quantile *quantile.P2
	observed int
	pins     PinNotifier
	cs       ConsolidationRequester
}

// New builds an empty Manager.
func New(params Params, pins PinNotifier, cs ConsolidationRequester) *Manager {
	return &Manager{
		params:   params,
		quantile: quantile.NewP2(params.AdaptiveQuantile),
		pins:     pins,
		cs:       cs,
	}
}

// OnRecord feeds a newly admitted record through segmentation.
func (m *Manager) OnRecord(r record.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.episodes) == 0 || m.currentEpisode() == nil {
		m.openEpisode(r)
		return
	}

	open := m.currentEpisode()
	s := m.surprise(r, open)

	boundary := s >= m.threshold() ||
		len(open.MemberIDs) >= m.params.MaxMembers ||
		(!open.OpenedAt.IsZero() && r.CreatedAt.Sub(open.OpenedAt) >= m.params.MaxEpisodeSpan)

	if boundary {
		m.closeEpisode(open, r.CreatedAt)
		m.openEpisode(r)
		return
	}

	if s > 0 {
		m.quantile.Observe(s)
		m.observed++
	}
	m.appendMember(open, r)
}

func (m *Manager) currentEpisode() *record.Episode {
	if len(m.episodes) == 0 {
		return nil
	}
	last := m.episodes[len(m.episodes)-1]
	if last.IsOpen() {
		return last
	}
	return nil
}

func (m *Manager) threshold() float64 {
	if m.observed < warmupSamples || m.quantile.Value() == 0 {
		return m.params.SurpriseThresholdBootstrap
	}
	return m.quantile.Value()
}

// surprise computes 1 - cos(embedding, centroid) when both vectors
// exist, falling back to a kind-transition penalty otherwise.
func (m *Manager) surprise(r record.Record, open *record.Episode) float64 {
	if r.Embedding != nil && open.CentroidEmbedding != nil {
		return 1 - record.CosineSimilarity(r.Embedding, open.CentroidEmbedding)
	}
	if open.DominantKindCached != "" && open.DominantKindCached != r.Kind {
		return 0.6
	}
	return 0.3
}

func (m *Manager) openEpisode(r record.Record) {
	ep := &record.Episode{
		ID:                episodeID(r, len(m.episodes)),
		OpenedAt:          r.CreatedAt,
		CentroidEmbedding: append([]float32(nil), r.Embedding...),
		SurpriseAtOpen:    0,
	}
	m.appendMember(ep, r)
	m.episodes = append(m.episodes, ep)
}

// episodeID derives a stable id from the opening record and its
// position in the episode sequence, so the same admit stream replayed
// through the same parameters (e.g. during a snapshot restore) always
// rebuilds identical episode ids rather than minting fresh random ones.
func episodeID(r record.Record, ordinal int) string {
	h := xxhash.New()
	_, _ = h.Write([]byte(r.ID))
	_, _ = h.Write([]byte{0})
	var ordBuf [8]byte
	for i := 0; i < 8; i++ {
		ordBuf[i] = byte(ordinal >> (8 * i))
	}
	_, _ = h.Write(ordBuf[:])
	sum := h.Sum64()
	var b [8]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(sum >> (8 * (7 - i)))
	}
	return "ep_" + hex.EncodeToString(b[:])
}

func (m *Manager) appendMember(ep *record.Episode, r record.Record) {
	ep.MemberIDs = append(ep.MemberIDs, r.ID)
	ep.SizeTokens += uint64(r.Tokens)
	ep.CentroidEmbedding = ewmaCentroid(ep.CentroidEmbedding, r.Embedding, len(ep.MemberIDs))
	if ep.DominantKindCached == "" {
		ep.DominantKindCached = r.Kind
	}
	if ep.LabelCached == "" {
		ep.LabelCached = labelFromContent(r.Content)
	}
	if m.pins != nil {
		m.pins.SetPinned(r.ID, true)
	}
}

func (m *Manager) closeEpisode(ep *record.Episode, closedAt time.Time) {
	ep.ClosedAt = closedAt
	m.repin()
	if ep.SizeTokens >= m.params.SummarizeThreshold && m.cs != nil {
		m.cs.RequestEpisodeConsolidation(ep.ID)
	}
}

// repin keeps the open episode and the pin_count most recently closed
// episodes pinned, unpinning everything older.
func (m *Manager) repin() {
	if m.pins == nil {
		return
	}
	keep := m.params.PinCount
	if m.currentEpisode() != nil {
		keep++ // the open episode
	}
	n := len(m.episodes)
	for i, ep := range m.episodes {
		shouldPin := n-i <= keep
		for _, id := range ep.MemberIDs {
			m.pins.SetPinned(id, shouldPin)
		}
	}
}

// ewmaCentroid folds vec into an exponentially weighted moving mean,
// giving more recent members slightly more influence.
func ewmaCentroid(centroid, vec []float32, memberCount int) []float32 {
	if vec == nil {
		return centroid
	}
	if centroid == nil {
		return append([]float32(nil), vec...)
	}
	const alpha = 0.3
	n := len(centroid)
	if len(vec) < n {
		n = len(vec)
	}
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = float32((1-alpha)*float64(centroid[i]) + alpha*float64(vec[i]))
	}
	return out
}

func labelFromContent(content []byte) string {
	const maxLen = 48
	if len(content) <= maxLen {
		return string(content)
	}
	return string(content[:maxLen])
}

// Episodes returns a snapshot of all episodes, open and closed.
func (m *Manager) Episodes() []record.Episode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]record.Episode, len(m.episodes))
	for i, ep := range m.episodes {
		out[i] = *ep
	}
	return out
}
