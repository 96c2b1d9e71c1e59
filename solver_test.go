package kupferbuild

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func recipeWithDeps(base string, deps ...string) *Recipe {
	return &Recipe{Base: base, Path: base, LocalDepends: deps, Depends: deps, Arches: []Arch{ArchAny}}
}

func indexOf(recipes ...*Recipe) *Index {
	idx := &Index{Recipes: map[string]*Recipe{}}
	for _, r := range recipes {
		idx.Recipes[r.Base] = r
	}
	idx.buildNameIndex(logrus.New())
	return idx
}

// TestSolveDiamond matches spec §8 scenario 1 exactly: a->b, a->c, b->d,
// c->d must produce levels [{d}, {b, c}, {a}] (dependencies first).
func TestSolveDiamond(t *testing.T) {
	a := recipeWithDeps("a", "b", "c")
	b := recipeWithDeps("b", "d")
	c := recipeWithDeps("c", "d")
	d := recipeWithDeps("d")
	idx := indexOf(a, b, c, d)

	levels, err := idx.Solve([]*Recipe{a})
	require.NoError(t, err)
	require.Len(t, levels, 3)

	names := func(lvl []*Recipe) []string {
		out := make([]string, len(lvl))
		for i, r := range lvl {
			out[i] = r.Base
		}
		return out
	}

	require.Equal(t, []string{"d"}, names(levels[0]))
	require.Equal(t, []string{"b", "c"}, names(levels[1]))
	require.Equal(t, []string{"a"}, names(levels[2]))
}

// TestSolveCycleDetection matches spec §8 scenario 2: x->y, y->x must raise
// a cycle error rather than loop forever.
func TestSolveCycleDetection(t *testing.T) {
	x := recipeWithDeps("x", "y")
	y := recipeWithDeps("y", "x")
	idx := indexOf(x, y)

	_, err := idx.Solve([]*Recipe{x})
	require.Error(t, err)

	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
}

func TestSolveNoLocalDepsSingleLevel(t *testing.T) {
	a := recipeWithDeps("a")
	idx := indexOf(a)

	levels, err := idx.Solve([]*Recipe{a})
	require.NoError(t, err)
	require.Len(t, levels, 1)
	require.Len(t, levels[0], 1)
	require.Equal(t, "a", levels[0][0].Base)
}

// TestSolveLinearChain exercises a chain fully resolved within a single
// movePass per level: a->b->c->d.
func TestSolveLinearChain(t *testing.T) {
	a := recipeWithDeps("a", "b")
	b := recipeWithDeps("b", "c")
	c := recipeWithDeps("c", "d")
	d := recipeWithDeps("d")
	idx := indexOf(a, b, c, d)

	levels, err := idx.Solve([]*Recipe{a})
	require.NoError(t, err)
	require.Len(t, levels, 4)
	require.Equal(t, "d", levels[0][0].Base)
	require.Equal(t, "c", levels[1][0].Base)
	require.Equal(t, "b", levels[2][0].Base)
	require.Equal(t, "a", levels[3][0].Base)
}

// TestSolveInvariants checks the general properties §4.9 promises for any
// acyclic graph: no empty levels, every recipe appears exactly once, and
// every local dependency lands in a strictly earlier level than its
// dependent.
func TestSolveInvariants(t *testing.T) {
	a := recipeWithDeps("a", "b", "c")
	b := recipeWithDeps("b", "d")
	c := recipeWithDeps("c", "d")
	d := recipeWithDeps("d")
	idx := indexOf(a, b, c, d)

	levels, err := idx.Solve([]*Recipe{a})
	require.NoError(t, err)

	levelOf := map[string]int{}
	seen := map[string]int{}
	for i, lvl := range levels {
		require.NotEmpty(t, lvl, "level %d must not be empty", i)
		for _, r := range lvl {
			levelOf[r.Base] = i
			seen[r.Base]++
		}
	}

	for name, count := range seen {
		require.Equal(t, 1, count, "recipe %q must appear exactly once", name)
	}

	for _, r := range []*Recipe{a, b, c, d} {
		for _, dep := range r.LocalDepends {
			require.Less(t, levelOf[dep], levelOf[r.Base],
				"dependency %q of %q must be in a strictly earlier level", dep, r.Base)
		}
	}
}

func TestGetDependants(t *testing.T) {
	a := recipeWithDeps("a")
	b := recipeWithDeps("b", "a")
	c := recipeWithDeps("c", "b")
	idx := indexOf(a, b, c)

	direct := idx.GetDependants([]*Recipe{a}, false)
	require.Len(t, direct, 1)
	require.Equal(t, "b", direct[0].Base)

	recursive := idx.GetDependants([]*Recipe{a}, true)
	names := map[string]bool{}
	for _, r := range recursive {
		names[r.Base] = true
	}
	require.True(t, names["b"])
	require.True(t, names["c"])
}
