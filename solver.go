package kupferbuild

import (
	"sort"

	"k8s.io/apimachinery/pkg/util/sets"
)

// maxSolverDepth and maxStalledPasses are the termination guards named in
// spec §4.9: a level list depth >= 100 is treated as a bug, and the same
// level content observed unchanged across 10 consecutive outer iterations
// indicates a dependency cycle.
const (
	maxSolverDepth   = 100
	maxStalledPasses = 10
)

// Solve implements the Dependency Solver (spec §4.9): given the recipe
// index and a seed set, it returns levels in build order (dependencies
// first), with every recipe's local dependencies in a strictly earlier
// level, and no empty levels.
func (idx *Index) Solve(seeds []*Recipe) ([][]*Recipe, error) {
	levels := []map[string]struct{}{idx.closure(seeds)}

	var lastLevel map[string]struct{}
	repeat := 0

	i := 0
	for i < len(levels) {
		if i >= maxSolverDepth {
			return nil, &CycleError{Stuck: mapKeys(levels[len(levels)-1])}
		}

		current := levels[i]
		if len(current) == 0 {
			i++
			continue
		}

		if sameSet(current, lastLevel) {
			repeat++
			if repeat >= maxStalledPasses {
				return nil, &CycleError{Stuck: mapKeys(current)}
			}
		} else {
			repeat = 0
		}
		lastLevel = copySet(current)

		if i+1 == len(levels) {
			levels = append(levels, map[string]struct{}{})
		}
		next := levels[i+1]

		for idx.movePass(current, next) {
		}

		i++
	}

	return idx.finalizeLevels(levels), nil
}

// closure seeds level 0 with the requested set and all of their transitive
// local dependencies.
func (idx *Index) closure(seeds []*Recipe) map[string]struct{} {
	seen := sets.New[string]()
	var queue []*Recipe
	for _, s := range seeds {
		if seen.Has(s.Base) {
			continue
		}
		seen.Insert(s.Base)
		queue = append(queue, s)
	}

	for len(queue) > 0 {
		r := queue[0]
		queue = queue[1:]
		for _, dep := range r.LocalDepends {
			depRecipe, ok := idx.Get(dep)
			if !ok || seen.Has(depRecipe.Base) {
				continue
			}
			seen.Insert(depRecipe.Base)
			queue = append(queue, depRecipe)
		}
	}

	return stringSetToMap(seen)
}

// movePass scans `current`: every recipe that is a local dependency of
// another member of `current` moves into `next`. Returns whether anything
// moved, so the caller can keep re-running it until the level stabilizes.
func (idx *Index) movePass(current, next map[string]struct{}) bool {
	depOf := sets.New[string]()
	for name := range current {
		r, ok := idx.Recipes[name]
		if !ok {
			continue
		}
		for _, dep := range r.LocalDepends {
			if dep == name {
				continue // length-1 cycles don't count
			}
			depRecipe, ok := idx.Get(dep)
			if !ok {
				continue
			}
			if _, onLevel := current[depRecipe.Base]; onLevel {
				depOf.Insert(depRecipe.Base)
			}
		}
	}

	if depOf.Len() == 0 {
		return false
	}

	for name := range depOf {
		delete(current, name)
		next[name] = struct{}{}
	}
	return true
}

func sameSet(a, b map[string]struct{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func copySet(m map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}

func stringSetToMap(s sets.Set[string]) map[string]struct{} {
	m := make(map[string]struct{}, s.Len())
	for v := range s {
		m[v] = struct{}{}
	}
	return m
}

func mapKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// finalizeLevels reverses the level order (so roots land last, matching
// spec §4.9 "reverse (so roots last)"), drops empty levels, and resolves
// names to *Recipe.
func (idx *Index) finalizeLevels(levels []map[string]struct{}) [][]*Recipe {
	out := make([][]*Recipe, 0, len(levels))
	for i := len(levels) - 1; i >= 0; i-- {
		lvl := levels[i]
		if len(lvl) == 0 {
			continue
		}
		names := mapKeys(lvl)
		recipes := make([]*Recipe, 0, len(names))
		for _, name := range names {
			if r, ok := idx.Recipes[name]; ok {
				recipes = append(recipes, r)
			}
		}
		out = append(out, recipes)
	}
	return out
}

// GetDependants implements spec §4.9's dual operation: every recipe whose
// deps mention any seed name, optionally closed under iteration
// (recursive=true walks downstream consumers-of-consumers too).
func (idx *Index) GetDependants(seeds []*Recipe, recursive bool) []*Recipe {
	seedNames := sets.New[string]()
	for _, s := range seeds {
		for name := range s.NameSet() {
			seedNames.Insert(name)
		}
	}

	found := sets.New[string]()
	changed := true
	for changed {
		changed = false
		for base, r := range idx.Recipes {
			if found.Has(base) {
				continue
			}
			all := append(append(append([]string{}, r.Depends...), r.MakeDepends...), r.CheckDepends...)
			for _, dep := range all {
				if seedNames.Has(dep) {
					found.Insert(base)
					if recursive {
						for name := range r.NameSet() {
							seedNames.Insert(name)
						}
					}
					changed = true
					break
				}
			}
		}
		if !recursive {
			break
		}
	}

	names := mapKeys(stringSetToMap(found))
	out := make([]*Recipe, 0, len(names))
	for _, n := range names {
		out = append(out, idx.Recipes[n])
	}
	return out
}
