package kupferbuild

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Index is the global name->recipe lookup Recipe Discovery builds (spec
// §4.6): every recipe is reachable by its base name plus its provides and
// replaces aliases.
type Index struct {
	Recipes map[string]*Recipe // keyed by Base
	byName  map[string]string  // alias/name -> Base, built from NameSet()
}

// Discoverer implements spec §4.6 Recipe Discovery over a pkgbuilds tree
// laid out as <pkgbuilds>/<channel>/<pkg>/PKGBUILD.
type Discoverer struct {
	Cache *SrcinfoCache
	Log   logrus.FieldLogger
}

func NewDiscoverer(cache *SrcinfoCache, log logrus.FieldLogger) *Discoverer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Discoverer{Cache: cache, Log: log}
}

// DiscoverPkgbuilds implements discover_pkgbuilds(lazy, repositories): it
// lists every channel directory under root, then parses each recipe
// directory in parallel with a worker pool sized to cores*4 (spec §4.6,
// §5). Each directory goes through the SRCINFO cache without a forced
// refresh, so a recipe whose srcinfo_meta.json checksums still match is
// read from the cache; there is no switch to skip or force that check.
func (d *Discoverer) DiscoverPkgbuilds(ctx context.Context, root string, channels []Channel) (*Index, error) {
	var dirs []struct {
		path    string
		channel Channel
	}

	for _, ch := range channels {
		chanDir := filepath.Join(root, string(ch))
		entries, err := os.ReadDir(chanDir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "reading channel dir %s", chanDir)
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			dirs = append(dirs, struct {
				path    string
				channel Channel
			}{filepath.Join(chanDir, e.Name()), ch})
		}
	}

	workers := runtime.NumCPU() * 4
	if workers < 1 {
		workers = 1
	}

	results := make([]*Recipe, len(dirs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	for i, dir := range dirs {
		i, dir := i, dir
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return gctx.Err()
			default:
			}
			entry, lines, err := d.Cache.HandleDirectory(dir.path, false)
			if err != nil {
				// Recipe-malformed is fatal to this recipe only; discovery
				// keeps going for the rest of the tree (spec §7).
				d.Log.WithError(err).WithField("recipe", dir.path).Warn("skipping malformed recipe")
				return nil
			}

			base, subs, _ := parseSrcinfo(strings.Join(lines, "\n"))

			mode := ModeHost
			if entry.BuildMode != nil {
				mode = BuildMode(*entry.BuildMode)
			}
			nodeps := false
			if entry.BuildNoDeps != nil {
				nodeps = *entry.BuildNoDeps
			}

			rel, err := filepath.Rel(root, dir.path)
			if err != nil {
				rel = dir.path
			}

			recipe, err := buildRecipe(rel, dir.channel, mode, nodeps, base, subs)
			if err != nil {
				d.Log.WithError(err).WithField("recipe", dir.path).Warn("skipping malformed recipe")
				return nil
			}
			recipe.CachePath = filepath.Join(dir.path, metaFile)
			results[i] = recipe
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	idx := &Index{Recipes: map[string]*Recipe{}}
	for _, r := range results {
		if r == nil {
			continue
		}
		idx.Recipes[r.Base] = r
	}

	idx.buildNameIndex(d.Log)
	idx.computeLocalDepends()

	return idx, nil
}

// buildNameIndex builds the name/provides/replaces -> base mapping. On a
// collision, the later entry (by map iteration over a name-sorted base
// list, to make "later" deterministic) overrides with a warning, per
// spec §4.6.
func (idx *Index) buildNameIndex(log logrus.FieldLogger) {
	idx.byName = map[string]string{}

	bases := make([]string, 0, len(idx.Recipes))
	for base := range idx.Recipes {
		bases = append(bases, base)
	}
	sort.Strings(bases)

	for _, base := range bases {
		r := idx.Recipes[base]
		for name := range r.NameSet() {
			if existing, ok := idx.byName[name]; ok && existing != base {
				log.Warnf("name collision: %q provided by both %q and %q, %q wins", name, existing, base, base)
			}
			idx.byName[name] = base
		}
	}
}

// computeLocalDepends is Recipe Discovery's second pass (spec §4.6):
// local_depends = {d ∈ depends : some recipe in the index has d in its
// name-set}. It consults all recognized dependency keys, matching the
// original implementation's single merged dependency list.
func (idx *Index) computeLocalDepends() {
	for _, r := range idx.Recipes {
		all := append(append(append([]string{}, r.Depends...), r.MakeDepends...), r.CheckDepends...)
		var local []string
		for _, dep := range dedupe(all) {
			if _, ok := idx.byName[dep]; ok {
				local = append(local, dep)
			}
		}
		r.LocalDepends = local
	}
}

// Get looks up a recipe by base name or any provides/replaces alias.
func (idx *Index) Get(name string) (*Recipe, bool) {
	base, ok := idx.byName[name]
	if !ok {
		return nil, false
	}
	r, ok := idx.Recipes[base]
	return r, ok
}

// FilterPkgbuilds implements filter_pkgbuilds(queries, arch): recipes
// matching by path or name, filtered to those whose arches include the
// target or "any". Empty results raise unless allowEmpty is set.
func (idx *Index) FilterPkgbuilds(queries []string, arch Arch, allowEmpty bool) ([]*Recipe, error) {
	seen := map[string]struct{}{}
	var out []*Recipe

	add := func(r *Recipe) {
		if !r.HasArch(arch) {
			return
		}
		if _, ok := seen[r.Base]; ok {
			return
		}
		seen[r.Base] = struct{}{}
		out = append(out, r)
	}

	for _, q := range queries {
		if r, ok := idx.Get(q); ok {
			add(r)
			continue
		}
		for _, r := range idx.Recipes {
			if r.Path == q {
				add(r)
			}
		}
	}

	if len(out) == 0 && !allowEmpty {
		return nil, errors.Errorf("no recipes matched queries %v for arch %s", queries, arch)
	}

	return out, nil
}
