package kupferbuild

import (
	"fmt"
)

// Arch is one of the closed set of target architectures, plus the
// pseudo-arch "any" for architecture-independent packages.
type Arch string

const (
	ArchX86_64  Arch = "x86_64"
	ArchAarch64 Arch = "aarch64"
	ArchArmv7h  Arch = "armv7h"
	ArchAny     Arch = "any"
)

// Arches is the closed set of real (non-pseudo) architectures this core
// knows how to build for.
var Arches = []Arch{ArchX86_64, ArchAarch64, ArchArmv7h}

// Channel is one of the fixed closed set of repository channels a recipe
// belongs to.
type Channel string

const (
	ChannelBoot     Channel = "boot"
	ChannelCross    Channel = "cross"
	ChannelDevice   Channel = "device"
	ChannelFirmware Channel = "firmware"
	ChannelLinux    Channel = "linux"
	ChannelMain     Channel = "main"
	ChannelPhosh    Channel = "phosh"
)

// Channels is the closed set named in spec §6.
var Channels = []Channel{ChannelBoot, ChannelCross, ChannelDevice, ChannelFirmware, ChannelLinux, ChannelMain, ChannelPhosh}

// BuildMode is the PKGBUILD _mode= value. Any value other than the two
// below is fatal to the recipe at parse time; an absent _mode warns and
// defaults to Host (spec §9 Design Notes).
type BuildMode string

const (
	ModeHost  BuildMode = "host"
	ModeCross BuildMode = "cross"
)

// Recipe is a parsed pkgbase: a directory of PKGBUILD + SRCINFO, possibly
// producing more than one installable package (its Subrecipes).
type Recipe struct {
	// Path is the recipe directory, relative to the pkgbuilds tree root.
	Path string
	// Base is the pkgbase name.
	Base string
	PkgVer  string
	PkgRel  string
	Arches  []Arch
	Mode    BuildMode
	NoDeps  bool
	Channel Channel

	Depends     []string
	MakeDepends []string
	CheckDepends []string
	Provides    []string
	Replaces    []string

	Subrecipes []Subrecipe

	// LocalDepends is computed by Recipe Discovery's second pass: the
	// entries of Depends, MakeDepends and CheckDepends that resolve to a
	// recipe in the same tree.
	LocalDepends []string

	// CachePath is the absolute path to this recipe's srcinfo_meta.json,
	// set by Recipe Discovery after the SRCINFO Cache has handled the
	// recipe's directory.
	CachePath string
}

// Subrecipe is a split package sharing its base's pkgver/pkgrel/path.
type Subrecipe struct {
	Base     string
	Name     string
	Arches   []Arch
	Depends  []string
	Provides []string
	Replaces []string
}

// Version renders the full "[epoch:]pkgver-pkgrel" string. Kupferbootstrap
// PKGBUILDs don't carry an explicit epoch field separately from pkgver, so
// an embedded "epoch:" prefix in PkgVer is passed through untouched.
func (r *Recipe) Version() string {
	return fmt.Sprintf("%s-%s", r.PkgVer, r.PkgRel)
}

// NameSet returns the set of names this base recipe can satisfy a
// dependency under: its own name plus every subrecipe's name, provides, and
// replaces (spec §3: "the union over its subrecipes").
func (r *Recipe) NameSet() map[string]struct{} {
	set := map[string]struct{}{r.Base: {}}
	for _, alias := range r.Provides {
		set[alias] = struct{}{}
	}
	for _, alias := range r.Replaces {
		set[alias] = struct{}{}
	}
	for _, sub := range r.Subrecipes {
		set[sub.Name] = struct{}{}
		for _, alias := range sub.Provides {
			set[alias] = struct{}{}
		}
		for _, alias := range sub.Replaces {
			set[alias] = struct{}{}
		}
	}
	return set
}

// HasArch reports whether the recipe may be built for arch, honoring the
// "any" pseudo-arch wildcard.
func (r *Recipe) HasArch(arch Arch) bool {
	for _, a := range r.Arches {
		if a == arch || a == ArchAny {
			return true
		}
	}
	return false
}

// validateMode checks the PKGBUILD-declared _mode value. A blank value
// warns (via the returned bool) and defaults to ModeHost; any non-empty,
// unrecognized value is fatal per spec §6 "any other value is fatal".
func validateMode(raw string) (mode BuildMode, warnedDefault bool, err error) {
	switch BuildMode(raw) {
	case ModeHost, ModeCross:
		return BuildMode(raw), false, nil
	case "":
		return ModeHost, true, nil
	default:
		return "", false, fmt.Errorf("%w: invalid _mode %q", ErrRecipeMalformed, raw)
	}
}

// validateSubrecipeVersions enforces spec §4.6: "every subrecipe's version
// must equal the base's; mismatch is fatal." Subrecipes don't carry their
// own pkgver/pkgrel (they share the base's); versions holds each
// subpackage's pkgver-pkgrel, keyed by name, with any field its SRCINFO
// block does not set taken from the base, so the check only fires when a
// subpackage block sets a differing pkgver or pkgrel.
func validateSubrecipeVersions(base *Recipe, versions map[string]string) error {
	for name, v := range versions {
		if v != base.Version() {
			return fmt.Errorf("%w: subrecipe %q version %q does not match base %q version %q",
				ErrRecipeMalformed, name, v, base.Base, base.Version())
		}
	}
	return nil
}
