package quantile

import (
	"math"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestP2ConvergesToMedian(t *testing.T) {
	p := NewP2(0.5)
	samples := []float64{15, 20, 35, 40, 50, 10, 25, 45, 30, 5, 60, 65, 70, 75, 80}
	for _, s := range samples {
		p.Observe(s)
	}

	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	want := sorted[len(sorted)/2]

	got := p.Value()
	require.InDelta(t, want, got, 20, "P2 estimate should track the true median within a loose tolerance")
}

func TestP2BootstrapFallback(t *testing.T) {
	p := NewP2(0.8)
	p.Observe(1)
	p.Observe(2)
	got := p.Value()
	require.False(t, math.IsNaN(got))
}

func TestP2MonotonicOnSortedInput(t *testing.T) {
	p := NewP2(0.9)
	for i := 1; i <= 200; i++ {
		p.Observe(float64(i))
	}
	got := p.Value()
	require.Greater(t, got, 150.0)
	require.LessOrEqual(t, got, 200.0)
}
