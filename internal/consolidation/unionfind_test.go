package consolidation

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Protocol-Lattice/cascade-memory/internal/record"
)

func TestUnionFindGroupsTransitiveMembers(t *testing.T) {
	uf := newUnionFind()
	a, b, c, d := record.ID("a"), record.ID("b"), record.ID("c"), record.ID("d")
	uf.add(a)
	uf.add(b)
	uf.add(c)
	uf.add(d)
	uf.union(a, b)
	uf.union(b, c)

	comps := uf.components()
	require.Len(t, comps, 1)
	group := comps[0]
	require.ElementsMatch(t, []record.ID{a, b, c}, group)
}

func TestUnionFindSkipsSingletons(t *testing.T) {
	uf := newUnionFind()
	uf.add(record.ID("lonely"))
	require.Empty(t, uf.components())
}

func TestUnionFindFindIsIdempotent(t *testing.T) {
	uf := newUnionFind()
	x, y := record.ID("x"), record.ID("y")
	uf.union(x, y)
	require.Equal(t, uf.find(x), uf.find(y))
	require.Equal(t, uf.find(x), uf.find(x))
}
