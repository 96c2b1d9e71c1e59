package kupferbuild

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSrcinfoSinglePackageCollapsesToBase(t *testing.T) {
	// Real makepkg --printsrcinfo output always emits a pkgname line, even
	// for a single-package recipe, where it simply repeats pkgbase.
	text := "pkgbase = foo\npkgver = 1.0\npkgrel = 2\narch = x86_64\npkgname = foo\n"
	base, subs, baseName := parseSrcinfo(text)
	require.Equal(t, "foo", baseName)

	r, err := buildRecipe("main/foo", ChannelMain, ModeHost, false, base, subs)
	require.NoError(t, err)
	require.Equal(t, "foo", r.Base)
	require.Equal(t, "1.0-2", r.Version())
	require.Empty(t, r.Subrecipes)
}

func TestParseSrcinfoSplitPackageInheritsBaseVersion(t *testing.T) {
	text := "pkgbase = foo\npkgver = 1.0\npkgrel = 2\narch = x86_64\n" +
		"pkgname = foo\n" +
		"pkgname = foo-extra\n"
	base, subs, baseName := parseSrcinfo(text)
	require.Equal(t, "foo", baseName)
	require.Len(t, subs, 2)

	r, err := buildRecipe("main/foo", ChannelMain, ModeHost, false, base, subs)
	require.NoError(t, err)
	require.Len(t, r.Subrecipes, 2)
	for _, sub := range r.Subrecipes {
		require.Equal(t, []Arch{ArchX86_64}, sub.Arches)
	}
	require.Equal(t, "1.0-2", r.Version())
}

func TestParseSrcinfoThreeWaySplitRejectsMismatchedVersion(t *testing.T) {
	base := parsedPkg{name: "foo", pkgver: "1.0", pkgrel: "1"}
	subs := []parsedPkg{
		{name: "foo-a"},
		{name: "foo-b", pkgver: "2.0", pkgrel: "1"},
	}

	_, err := buildRecipe("main/foo", ChannelMain, ModeHost, false, base, subs)
	require.ErrorIs(t, err, ErrRecipeMalformed)
}
