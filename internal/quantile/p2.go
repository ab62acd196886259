// Package quantile provides a streaming quantile estimator so the
// Episodic Memory Manager can track an adaptive surprise threshold
// without retaining the full history of observed values.
package quantile

// P2 implements the Jain & Chlamtac P² algorithm: a fixed five-marker
// estimator that converges to the p-quantile of a stream in O(1)
// memory and O(1) amortized time per observation.
type P2 struct {
	p         float64
	n         [5]int
	np        [5]float64
	dn        [5]float64
	heights   [5]float64
	count     int
	initBuf   []float64
}

// NewP2 returns an estimator for quantile p (e.g. 0.8 for P80).
func NewP2(p float64) *P2 {
	return &P2{p: p, initBuf: make([]float64, 0, 5)}
}

// Observe feeds one sample into the estimator.
func (e *P2) Observe(x float64) {
	if e.count < 5 {
		e.initBuf = append(e.initBuf, x)
		e.count++
		if e.count == 5 {
			e.bootstrap()
		}
		return
	}

	k := e.findCell(x)
	for i := k + 1; i < 5; i++ {
		e.n[i]++
	}
	for i := 0; i < 5; i++ {
		e.np[i] += e.dn[i]
	}
	for i := 1; i < 4; i++ {
		e.adjust(i)
	}
	e.count++
}

// Value returns the current quantile estimate. Before five
// observations it falls back to the plain sample quantile of the
// buffered values.
func (e *P2) Value() float64 {
	if e.count < 5 {
		if len(e.initBuf) == 0 {
			return 0
		}
		sorted := append([]float64(nil), e.initBuf...)
		insertionSort(sorted)
		idx := int(e.p * float64(len(sorted)-1))
		return sorted[idx]
	}
	return e.heights[2]
}

func (e *P2) bootstrap() {
	insertionSort(e.initBuf)
	for i := 0; i < 5; i++ {
		e.heights[i] = e.initBuf[i]
		e.n[i] = i + 1
	}
	e.np[0] = 1
	e.np[1] = 1 + 2*e.p
	e.np[2] = 1 + 4*e.p
	e.np[3] = 3 + 2*e.p
	e.np[4] = 5
	e.dn[0] = 0
	e.dn[1] = e.p / 2
	e.dn[2] = e.p
	e.dn[3] = (1 + e.p) / 2
	e.dn[4] = 1
}

func (e *P2) findCell(x float64) int {
	switch {
	case x < e.heights[0]:
		e.heights[0] = x
		return 0
	case x < e.heights[1]:
		return 0
	case x < e.heights[2]:
		return 1
	case x < e.heights[3]:
		return 2
	case x <= e.heights[4]:
		return 3
	default:
		e.heights[4] = x
		return 3
	}
}

func (e *P2) adjust(i int) {
	d := e.np[i] - float64(e.n[i])
	if (d >= 1 && e.n[i+1]-e.n[i] > 1) || (d <= -1 && e.n[i-1]-e.n[i] < -1) {
		sign := 1
		if d < 0 {
			sign = -1
		}
		newHeight := parabolic(e, i, float64(sign))
		if e.heights[i-1] < newHeight && newHeight < e.heights[i+1] {
			e.heights[i] = newHeight
		} else {
			e.heights[i] = linear(e, i, sign)
		}
		e.n[i] += sign
	}
}

func parabolic(e *P2, i int, d float64) float64 {
	return e.heights[i] + d/float64(e.n[i+1]-e.n[i-1])*
		((float64(e.n[i]-e.n[i-1])+d)*(e.heights[i+1]-e.heights[i])/float64(e.n[i+1]-e.n[i])+
			(float64(e.n[i+1]-e.n[i])-d)*(e.heights[i]-e.heights[i-1])/float64(e.n[i]-e.n[i-1]))
}

func linear(e *P2, i int, d int) float64 {
	return e.heights[i] + float64(d)*(e.heights[i+d]-e.heights[i])/float64(e.n[i+d]-e.n[i])
}

func insertionSort(xs []float64) {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && xs[j] < xs[j-1]; j-- {
			xs[j], xs[j-1] = xs[j-1], xs[j]
		}
	}
}
