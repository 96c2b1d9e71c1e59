package kupferbuild

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	digest "github.com/opencontainers/go-digest"

	"github.com/kupferbootstrap/kupferbuild/internal/executil"
)

func newFreshnessLocalRepo(t *testing.T, channelDir string) *LocalRepo {
	t.Helper()
	return NewLocalRepo("main", ArchX86_64, channelDir, "", &fakeRepoAddRunner{})
}

func TestExpectedFilenameUsesAnyForArchIndependentRecipe(t *testing.T) {
	recipe := &Recipe{Base: "foo", PkgVer: "1.0", PkgRel: "1", Arches: []Arch{ArchAny}}
	require.Equal(t, "foo-1.0-1-any.pkg.tar.zst", ExpectedFilename(recipe, ArchX86_64))
}

func TestExpectedFilenameUsesRequestedArch(t *testing.T) {
	recipe := &Recipe{Base: "foo", PkgVer: "1.0", PkgRel: "1", Arches: []Arch{ArchX86_64, ArchAarch64}}
	require.Equal(t, "foo-1.0-1-x86_64.pkg.tar.zst", ExpectedFilename(recipe, ArchX86_64))
}

func TestCheckPackageVersionBuiltTrueFromDBEntry(t *testing.T) {
	channelDir := t.TempDir()
	localRepo := newFreshnessLocalRepo(t, channelDir)

	pkgFile := filepath.Join(channelDir, "foo-1.0-1-x86_64.pkg.tar.zst")
	require.NoError(t, os.WriteFile(pkgFile, []byte("contents"), 0o644))
	sum := digest.Canonical.FromBytes([]byte("contents")).Encoded()

	localRepo.Packages["foo"] = PackageRecord{
		Name: "foo", Version: "1.0-1", Arch: ArchX86_64,
		Filename: "foo-1.0-1-x86_64.pkg.tar.zst", SHA256: sum,
		ResolvedURL: "file://" + pkgFile,
	}

	recipe := &Recipe{Base: "foo", PkgVer: "1.0", PkgRel: "1", Arches: []Arch{ArchX86_64}}
	built, err := CheckPackageVersionBuilt(context.Background(), recipe, ArchX86_64, localRepo, nil, nil, "", false, nil)
	require.NoError(t, err)
	require.True(t, built)
}

func TestCheckPackageVersionBuiltFalseOnChecksumMismatch(t *testing.T) {
	channelDir := t.TempDir()
	localRepo := newFreshnessLocalRepo(t, channelDir)

	pkgFile := filepath.Join(channelDir, "foo-1.0-1-x86_64.pkg.tar.zst")
	require.NoError(t, os.WriteFile(pkgFile, []byte("contents"), 0o644))

	localRepo.Packages["foo"] = PackageRecord{
		Name: "foo", Version: "1.0-1", Arch: ArchX86_64,
		Filename: "foo-1.0-1-x86_64.pkg.tar.zst", SHA256: "deadbeef",
		ResolvedURL: "file://" + pkgFile,
	}

	recipe := &Recipe{Base: "foo", PkgVer: "1.0", PkgRel: "1", Arches: []Arch{ArchX86_64}}
	built, err := CheckPackageVersionBuilt(context.Background(), recipe, ArchX86_64, localRepo, nil, nil, "", false, nil)
	require.NoError(t, err)
	require.False(t, built)
}

func TestCheckPackageVersionBuiltFindsFileOnDiskNotYetInDB(t *testing.T) {
	channelDir := t.TempDir()
	localRepo := newFreshnessLocalRepo(t, channelDir)

	pkgFile := filepath.Join(channelDir, "foo-1.0-1-x86_64.pkg.tar.xz")
	require.NoError(t, os.WriteFile(pkgFile, []byte("contents"), 0o644))

	recipe := &Recipe{Base: "foo", PkgVer: "1.0", PkgRel: "1", Arches: []Arch{ArchX86_64}}
	built, err := CheckPackageVersionBuilt(context.Background(), recipe, ArchX86_64, localRepo, nil, nil, "", false, nil)
	require.NoError(t, err)
	require.True(t, built)

	// repo-add should have been invoked to re-insert the discovered file.
	runner := localRepo.Runner.(*fakeRepoAddRunner)
	found := false
	for _, s := range runner.scripts {
		if contains(s, "repo-add") {
			found = true
		}
	}
	require.True(t, found)
}

func TestCheckPackageVersionBuiltPropagatesAnyArchToSiblingChannels(t *testing.T) {
	mainChannelDir := t.TempDir()
	otherChannelDir := t.TempDir()
	localRepo := newFreshnessLocalRepo(t, mainChannelDir)
	otherRepo := NewLocalRepo("main", ArchAarch64, otherChannelDir, "", &fakeRepoAddRunner{})

	pkgFile := filepath.Join(mainChannelDir, "foo-1.0-1-any.pkg.tar.zst")
	require.NoError(t, os.WriteFile(pkgFile, []byte("contents"), 0o644))

	recipe := &Recipe{Base: "foo", PkgVer: "1.0", PkgRel: "1", Arches: []Arch{ArchAny}}
	built, err := CheckPackageVersionBuilt(
		context.Background(), recipe, ArchX86_64, localRepo,
		map[Arch]*LocalRepo{ArchAarch64: otherRepo},
		nil, "", false, nil,
	)
	require.NoError(t, err)
	require.True(t, built)

	_, err = os.Stat(filepath.Join(otherChannelDir, "foo-1.0-1-any.pkg.tar.zst"))
	require.NoError(t, err, "any-arch package should have been propagated to the sibling channel")
}

func TestCheckPackageVersionBuiltReturnsFalseWhenNothingFound(t *testing.T) {
	channelDir := t.TempDir()
	localRepo := newFreshnessLocalRepo(t, channelDir)
	recipe := &Recipe{Base: "foo", PkgVer: "1.0", PkgRel: "1", Arches: []Arch{ArchX86_64}}

	built, err := CheckPackageVersionBuilt(context.Background(), recipe, ArchX86_64, localRepo, nil, nil, "", false, nil)
	require.NoError(t, err)
	require.False(t, built)
}

// failingRepoAddRunner simulates repo-add failing on the sibling channel,
// so any-arch propagation's best-effort failure path is exercised.
type failingRepoAddRunner struct{}

func (failingRepoAddRunner) Run(ctx context.Context, script string, opts executil.Options) (*executil.Result, error) {
	return &executil.Result{ExitCode: 1}, nil
}

func TestCheckPackageVersionBuiltSurvivesPropagationFailure(t *testing.T) {
	mainChannelDir := t.TempDir()
	otherChannelDir := t.TempDir()
	localRepo := newFreshnessLocalRepo(t, mainChannelDir)
	otherRepo := NewLocalRepo("main", ArchAarch64, otherChannelDir, "", failingRepoAddRunner{})

	pkgFile := filepath.Join(mainChannelDir, "foo-1.0-1-any.pkg.tar.zst")
	require.NoError(t, os.WriteFile(pkgFile, []byte("contents"), 0o644))

	recipe := &Recipe{Base: "foo", PkgVer: "1.0", PkgRel: "1", Arches: []Arch{ArchAny}}
	built, err := CheckPackageVersionBuilt(
		context.Background(), recipe, ArchX86_64, localRepo,
		map[Arch]*LocalRepo{ArchAarch64: otherRepo},
		nil, "", false, nil,
	)
	require.NoError(t, err, "a propagation failure must not fail the primary verdict")
	require.True(t, built)
}

type stubDownloadFetcher struct {
	body []byte
	err  error
}

func (f *stubDownloadFetcher) Open(ctx context.Context, uri string) (io.ReadCloser, error) {
	if f.err != nil {
		return nil, f.err
	}
	return io.NopCloser(bytes.NewReader(f.body)), nil
}

func TestCheckPackageVersionBuiltFallsBackToHTTPSDownload(t *testing.T) {
	channelDir := t.TempDir()
	localRepo := newFreshnessLocalRepo(t, channelDir)
	recipe := &Recipe{Base: "foo", PkgVer: "1.0", PkgRel: "1", Arches: []Arch{ArchX86_64}}

	fetcher := &stubDownloadFetcher{body: []byte("downloaded contents")}
	built, err := CheckPackageVersionBuilt(
		context.Background(), recipe, ArchX86_64, localRepo, nil,
		fetcher, "https://example.com/x86_64/main", true, nil,
	)
	require.NoError(t, err)
	require.True(t, built)

	_, err = os.Stat(filepath.Join(channelDir, "foo-1.0-1-x86_64.pkg.tar.zst"))
	require.NoError(t, err)
}
