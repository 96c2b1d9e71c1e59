package kupferbuild

import (
	"strings"
)

// parsedPkg is the line-parser's accumulator for one pkgbase or subpackage
// block inside a SRCINFO dump, before it's folded into a Recipe/Subrecipe.
type parsedPkg struct {
	name         string
	pkgver       string
	pkgrel       string
	arches       []Arch
	provides     []string
	replaces     []string
	depends      []string
	makeDepends  []string
	checkDepends []string
}

// parseSrcinfo implements the SRCINFO line parser named in spec §4.6: it
// recognizes pkgbase, pkgname, pkgver, pkgrel, arch, provides, replaces,
// and the four dependency keys (other keys such as pkgdesc are skipped),
// stripping version constraints
// ("foo>=1.0" -> "foo") and optdepends descriptions ("foo: does a thing" ->
// "foo"). It returns the pkgbase block first, followed by any subpackage
// blocks in declaration order.
func parseSrcinfo(text string) (base parsedPkg, subs []parsedPkg, baseName string) {
	current := &base
	var multiPkg bool

	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		key, value, ok := strings.Cut(line, " = ")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch {
		case key == "pkgbase":
			baseName = value
			base.name = value
			multiPkg = true
		case key == "pkgname":
			if multiPkg {
				subs = append(subs, parsedPkg{name: value})
				current = &subs[len(subs)-1]
			} else {
				current.name = value
			}
		case key == "pkgver":
			current.pkgver = value
		case key == "pkgrel":
			current.pkgrel = value
		case key == "arch":
			current.arches = append(current.arches, Arch(value))
		case key == "provides":
			current.provides = append(current.provides, stripDepConstraint(value))
		case key == "replaces":
			current.replaces = append(current.replaces, stripDepConstraint(value))
		case key == "depends":
			current.depends = append(current.depends, stripDepConstraint(value))
		case key == "makedepends":
			current.makeDepends = append(current.makeDepends, stripDepConstraint(value))
		case key == "checkdepends":
			current.checkDepends = append(current.checkDepends, stripDepConstraint(value))
		case key == "optdepends":
			// Optional deps carry a "name: description" form; fold the name
			// into the ordinary dependency set like the rest of the build
			// machinery deps, dropping the description.
			current.depends = append(current.depends, stripDepConstraint(value))
		}
	}

	if !multiPkg {
		baseName = base.name
	}

	return base, subs, baseName
}

// stripDepConstraint removes a trailing version constraint ("pkg>=1.0",
// "pkg=1.0", "pkg<1.0") and an optdepends description ("pkg: does things"),
// leaving the bare package name.
func stripDepConstraint(s string) string {
	if idx := strings.IndexAny(s, "<>="); idx >= 0 {
		s = s[:idx]
	}
	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// buildRecipe turns parsed SRCINFO blocks into a Recipe. A single pkgname
// block collapses into the base recipe with no Subrecipes; two or more make
// it a split package, and every subrecipe's version is checked against the
// base's (spec §4.6: "mismatch is fatal").
func buildRecipe(path string, channel Channel, mode BuildMode, nodeps bool, base parsedPkg, subs []parsedPkg) (*Recipe, error) {
	r := &Recipe{
		Path:         path,
		Base:         base.name,
		PkgVer:       base.pkgver,
		PkgRel:       base.pkgrel,
		Arches:       base.arches,
		Mode:         mode,
		NoDeps:       nodeps,
		Channel:      channel,
		Depends:      dedupe(base.depends),
		MakeDepends:  dedupe(base.makeDepends),
		CheckDepends: dedupe(base.checkDepends),
		Provides:     base.provides,
		Replaces:     base.replaces,
	}

	// makepkg --printsrcinfo always emits at least one pkgname block, even
	// for a single-package recipe, in which case that lone pkgname is the
	// base itself rather than a distinct subrecipe (original:
	// pkgbuild.py's "results = subpackages if len(subpackages) > 1 else
	// [base_package]"). Only more than one pkgname makes this a genuine
	// split package.
	if len(subs) <= 1 {
		return r, nil
	}

	versions := make(map[string]string, len(subs))
	for _, s := range subs {
		// SRCINFO never repeats pkgver/pkgrel under a pkgname block; they
		// live only in the pkgbase block, and every subpackage shares the
		// base's version (original: SubPkgbuild.__init__ copies
		// pkgbase.pkgver/pkgrel).
		pkgver, pkgrel := s.pkgver, s.pkgrel
		if pkgver == "" {
			pkgver = base.pkgver
		}
		if pkgrel == "" {
			pkgrel = base.pkgrel
		}
		versions[s.name] = pkgver + "-" + pkgrel

		sub := Subrecipe{
			Base:     r.Base,
			Name:     s.name,
			Arches:   s.arches,
			Depends:  dedupe(append(append([]string{}, r.Depends...), s.depends...)),
			Provides: s.provides,
			Replaces: s.replaces,
		}
		if len(sub.Arches) == 0 {
			sub.Arches = r.Arches
		}
		r.Subrecipes = append(r.Subrecipes, sub)
	}

	if err := validateSubrecipeVersions(r, versions); err != nil {
		return nil, err
	}

	return r, nil
}
