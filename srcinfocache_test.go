package kupferbuild

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type fakePrinter struct {
	calls int
	text  string
	err   error
}

func (f *fakePrinter) PrintSrcinfo(dir string) (string, error) {
	f.calls++
	return f.text, f.err
}

const fakeSrcinfo = `pkgbase = foo
	pkgver = 1.0
	pkgrel = 1
	arch = x86_64
	depends = bar
pkgname = foo
`

func writePkgbuild(t *testing.T, dir, mode string) {
	t.Helper()
	content := "pkgver=1.0\npkgrel=1\n"
	if mode != "" {
		content = "_mode=" + mode + "\n" + content
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, pkgbuildFile), []byte(content), 0o644))
}

func TestHandleDirectoryRegeneratesWhenCacheMissing(t *testing.T) {
	dir := t.TempDir()
	writePkgbuild(t, dir, "host")

	printer := &fakePrinter{text: fakeSrcinfo}
	cache := NewSrcinfoCache(printer, logrus.New())

	entry, lines, err := cache.HandleDirectory(dir, false)
	require.NoError(t, err)
	require.Equal(t, 1, printer.calls)
	require.Equal(t, "host", *entry.BuildMode)
	require.NotEmpty(t, lines)

	// srcinfo_meta.json and SRCINFO should now exist on disk.
	_, err = os.Stat(filepath.Join(dir, metaFile))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, srcinfoFile))
	require.NoError(t, err)
}

func TestHandleDirectoryCacheHitMakesNoSubprocessCall(t *testing.T) {
	dir := t.TempDir()
	writePkgbuild(t, dir, "host")

	printer := &fakePrinter{text: fakeSrcinfo}
	cache := NewSrcinfoCache(printer, logrus.New())

	_, _, err := cache.HandleDirectory(dir, false)
	require.NoError(t, err)
	require.Equal(t, 1, printer.calls)

	// Second call with unchanged PKGBUILD+SRCINFO must be a pure cache hit:
	// no further subprocess invocations (testable property §8.5).
	_, lines, err := cache.HandleDirectory(dir, false)
	require.NoError(t, err)
	require.Equal(t, 1, printer.calls)
	require.NotEmpty(t, lines)
}

func TestHandleDirectoryRegeneratesOnChecksumMismatch(t *testing.T) {
	dir := t.TempDir()
	writePkgbuild(t, dir, "host")

	printer := &fakePrinter{text: fakeSrcinfo}
	cache := NewSrcinfoCache(printer, logrus.New())

	_, _, err := cache.HandleDirectory(dir, false)
	require.NoError(t, err)
	require.Equal(t, 1, printer.calls)

	// Mutate PKGBUILD after caching: checksum no longer matches.
	writePkgbuild(t, dir, "cross")
	printer.text = fakeSrcinfo + "\n"
	_, _, err = cache.HandleDirectory(dir, false)
	require.NoError(t, err)
	require.Equal(t, 2, printer.calls)
}

func TestHandleDirectoryForceRefresh(t *testing.T) {
	dir := t.TempDir()
	writePkgbuild(t, dir, "host")

	printer := &fakePrinter{text: fakeSrcinfo}
	cache := NewSrcinfoCache(printer, logrus.New())

	_, _, err := cache.HandleDirectory(dir, false)
	require.NoError(t, err)
	require.Equal(t, 1, printer.calls)

	_, _, err = cache.HandleDirectory(dir, true)
	require.NoError(t, err)
	require.Equal(t, 2, printer.calls)
}

func TestHandleDirectoryMissingModeWarnsAndDefaultsHost(t *testing.T) {
	dir := t.TempDir()
	writePkgbuild(t, dir, "") // no _mode= line at all

	printer := &fakePrinter{text: fakeSrcinfo}
	cache := NewSrcinfoCache(printer, logrus.New())

	entry, _, err := cache.HandleDirectory(dir, false)
	require.NoError(t, err)
	require.Equal(t, "host", *entry.BuildMode)
}

func TestHandleDirectoryInvalidModeIsFatal(t *testing.T) {
	dir := t.TempDir()
	writePkgbuild(t, dir, "bogus")

	printer := &fakePrinter{text: fakeSrcinfo}
	cache := NewSrcinfoCache(printer, logrus.New())

	_, _, err := cache.HandleDirectory(dir, false)
	require.Error(t, err)
}

func TestMarkSourcesInitialised(t *testing.T) {
	dir := t.TempDir()
	writePkgbuild(t, dir, "host")

	printer := &fakePrinter{text: fakeSrcinfo}
	cache := NewSrcinfoCache(printer, logrus.New())

	_, _, err := cache.HandleDirectory(dir, false)
	require.NoError(t, err)

	require.NoError(t, cache.MarkSourcesInitialised(dir, "1.0-1"))

	entry, err := readEntry(filepath.Join(dir, metaFile))
	require.NoError(t, err)
	require.Equal(t, "1.0-1", *entry.SrcInitialised)
}
