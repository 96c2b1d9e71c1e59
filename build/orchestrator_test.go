package build

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	kupferbuild "github.com/kupferbootstrap/kupferbuild"
	"github.com/kupferbootstrap/kupferbuild/internal/executil"
)

type nopRunner struct{}

func (nopRunner) Run(ctx context.Context, script string, opts executil.Options) (*executil.Result, error) {
	return &executil.Result{ExitCode: 0}, nil
}

// fakeExecutor records every recipe it was asked to materialize/build and
// serves pre-staged package directories, so the Orchestrator's scheduling
// logic is exercised without a real chroot.
type fakeExecutor struct {
	materialized []string
	built        []string
	pkgDirs      map[string]string // recipe base -> directory containing staged .pkg.tar.zst files
}

func (f *fakeExecutor) MaterializeSources(ctx context.Context, recipe *kupferbuild.Recipe, strategy Strategy, root BuildRoot) (*kupferbuild.Recipe, error) {
	f.materialized = append(f.materialized, recipe.Base)
	return recipe, nil
}

func (f *fakeExecutor) Build(ctx context.Context, recipe *kupferbuild.Recipe, strategy Strategy, root BuildRoot) (string, error) {
	f.built = append(f.built, recipe.Base)
	return f.pkgDirs[recipe.Base], nil
}

type fakeBinfmt struct {
	enabledFor []kupferbuild.Arch
}

func (f *fakeBinfmt) EnableQemuBinfmt(ctx context.Context, arch kupferbuild.Arch) error {
	f.enabledFor = append(f.enabledFor, arch)
	return nil
}

func newTestRepo(t *testing.T, channel kupferbuild.Channel, arch kupferbuild.Arch) *kupferbuild.LocalRepo {
	t.Helper()
	return kupferbuild.NewLocalRepo(string(channel), arch, t.TempDir(), t.TempDir(), &nopRunner{})
}

func stagePackage(t *testing.T, dir, filename string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, filename), []byte("pkg contents"), 0o644))
}

func TestBuildPackagesNativeSkipsWhenAlreadyFresh(t *testing.T) {
	localRepo := newTestRepo(t, kupferbuild.ChannelMain, kupferbuild.ArchX86_64)
	require.NoError(t, localRepo.Init(context.Background()))

	pkgFile := "foo-1.0-1-x86_64.pkg.tar.zst"
	stagePackage(t, localRepo.ChannelDir, pkgFile)

	repos := NewRepoSet()
	repos.Add(kupferbuild.ChannelMain, kupferbuild.ArchX86_64, localRepo)

	idx := &kupferbuild.Index{Recipes: map[string]*kupferbuild.Recipe{}}
	recipe := &kupferbuild.Recipe{Base: "foo", PkgVer: "1.0", PkgRel: "1", Arches: []kupferbuild.Arch{kupferbuild.ArchX86_64}, Channel: kupferbuild.ChannelMain}
	idx.Recipes["foo"] = recipe

	exec := &fakeExecutor{pkgDirs: map[string]string{}}
	orch := NewOrchestrator(idx, repos, exec, nil, nil)

	err := orch.BuildPackages(context.Background(), []*kupferbuild.Recipe{recipe}, Options{
		HostArch: kupferbuild.ArchX86_64, TargetArch: kupferbuild.ArchX86_64,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"foo"}, exec.materialized, "sources are always materialized before the freshness re-check")
	require.Empty(t, exec.built, "a fresh package must not be rebuilt")
}

func TestBuildPackagesBuildsAndInsertsWhenMissing(t *testing.T) {
	localRepo := newTestRepo(t, kupferbuild.ChannelMain, kupferbuild.ArchX86_64)
	require.NoError(t, localRepo.Init(context.Background()))

	repos := NewRepoSet()
	repos.Add(kupferbuild.ChannelMain, kupferbuild.ArchX86_64, localRepo)

	idx := &kupferbuild.Index{Recipes: map[string]*kupferbuild.Recipe{}}
	recipe := &kupferbuild.Recipe{Base: "foo", PkgVer: "1.0", PkgRel: "1", Arches: []kupferbuild.Arch{kupferbuild.ArchX86_64}, Channel: kupferbuild.ChannelMain}
	idx.Recipes["foo"] = recipe

	pkgbuildDir := t.TempDir()
	stagePackage(t, pkgbuildDir, "foo-1.0-1-x86_64.pkg.tar.zst")

	exec := &fakeExecutor{pkgDirs: map[string]string{"foo": pkgbuildDir}}
	orch := NewOrchestrator(idx, repos, exec, nil, nil)

	err := orch.BuildPackages(context.Background(), []*kupferbuild.Recipe{recipe}, Options{
		HostArch: kupferbuild.ArchX86_64, TargetArch: kupferbuild.ArchX86_64,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"foo"}, exec.built)

	_, err = os.Stat(filepath.Join(localRepo.ChannelDir, "foo-1.0-1-x86_64.pkg.tar.zst"))
	require.NoError(t, err, "built artifact should have been inserted into the local repo")
}

func TestBuildPackagesSkipsRecipeNotMatchingTargetArch(t *testing.T) {
	localRepo := newTestRepo(t, kupferbuild.ChannelMain, kupferbuild.ArchAarch64)
	require.NoError(t, localRepo.Init(context.Background()))

	repos := NewRepoSet()
	repos.Add(kupferbuild.ChannelMain, kupferbuild.ArchAarch64, localRepo)

	idx := &kupferbuild.Index{Recipes: map[string]*kupferbuild.Recipe{}}
	recipe := &kupferbuild.Recipe{Base: "armonly", PkgVer: "1.0", PkgRel: "1", Arches: []kupferbuild.Arch{kupferbuild.ArchAarch64}, Channel: kupferbuild.ChannelMain}
	idx.Recipes["armonly"] = recipe

	exec := &fakeExecutor{pkgDirs: map[string]string{}}
	orch := NewOrchestrator(idx, repos, exec, nil, nil)

	err := orch.BuildPackages(context.Background(), []*kupferbuild.Recipe{recipe}, Options{
		HostArch: kupferbuild.ArchX86_64, TargetArch: kupferbuild.ArchX86_64,
	})
	require.NoError(t, err)
	require.Empty(t, exec.materialized, "a recipe that doesn't support the target arch must be skipped entirely")
}

func TestBuildPackagesEnablesBinfmtForNonNativeStrategies(t *testing.T) {
	localRepo := newTestRepo(t, kupferbuild.ChannelMain, kupferbuild.ArchAarch64)
	require.NoError(t, localRepo.Init(context.Background()))

	repos := NewRepoSet()
	repos.Add(kupferbuild.ChannelMain, kupferbuild.ArchAarch64, localRepo)

	idx := &kupferbuild.Index{Recipes: map[string]*kupferbuild.Recipe{}}
	recipe := &kupferbuild.Recipe{Base: "foo", PkgVer: "1.0", PkgRel: "1", Arches: []kupferbuild.Arch{kupferbuild.ArchAarch64}, Channel: kupferbuild.ChannelMain}
	idx.Recipes["foo"] = recipe

	pkgbuildDir := t.TempDir()
	stagePackage(t, pkgbuildDir, "foo-1.0-1-aarch64.pkg.tar.zst")

	exec := &fakeExecutor{pkgDirs: map[string]string{"foo": pkgbuildDir}}
	binfmt := &fakeBinfmt{}
	orch := NewOrchestrator(idx, repos, exec, binfmt, nil)

	err := orch.BuildPackages(context.Background(), []*kupferbuild.Recipe{recipe}, Options{
		HostArch: kupferbuild.ArchX86_64, TargetArch: kupferbuild.ArchAarch64,
	})
	require.NoError(t, err)
	require.Equal(t, []kupferbuild.Arch{kupferbuild.ArchAarch64}, binfmt.enabledFor)
}

func TestBuildPackagesErrorsOnUnregisteredChannelBeforeFreshnessCheck(t *testing.T) {
	repos := NewRepoSet() // no repo registered for ChannelMain/x86_64

	idx := &kupferbuild.Index{Recipes: map[string]*kupferbuild.Recipe{}}
	recipe := &kupferbuild.Recipe{Base: "foo", PkgVer: "1.0", PkgRel: "1", Arches: []kupferbuild.Arch{kupferbuild.ArchX86_64}, Channel: kupferbuild.ChannelMain}
	idx.Recipes["foo"] = recipe

	exec := &fakeExecutor{pkgDirs: map[string]string{}}
	orch := NewOrchestrator(idx, repos, exec, nil, nil)

	err := orch.BuildPackages(context.Background(), []*kupferbuild.Recipe{recipe}, Options{
		HostArch: kupferbuild.ArchX86_64, TargetArch: kupferbuild.ArchX86_64,
	})
	require.Error(t, err, "an unregistered repo must error cleanly rather than nil-panic in the freshness check")
}

func TestBuildPackagesSkipsAlreadyBuiltBaseWithinSameRun(t *testing.T) {
	localRepo := newTestRepo(t, kupferbuild.ChannelMain, kupferbuild.ArchX86_64)
	require.NoError(t, localRepo.Init(context.Background()))

	repos := NewRepoSet()
	repos.Add(kupferbuild.ChannelMain, kupferbuild.ArchX86_64, localRepo)

	idx := &kupferbuild.Index{Recipes: map[string]*kupferbuild.Recipe{}}
	recipe := &kupferbuild.Recipe{Base: "foo", PkgVer: "1.0", PkgRel: "1", Arches: []kupferbuild.Arch{kupferbuild.ArchX86_64}, Channel: kupferbuild.ChannelMain}
	idx.Recipes["foo"] = recipe

	pkgbuildDir := t.TempDir()
	stagePackage(t, pkgbuildDir, "foo-1.0-1-x86_64.pkg.tar.zst")
	exec := &fakeExecutor{pkgDirs: map[string]string{"foo": pkgbuildDir}}
	orch := NewOrchestrator(idx, repos, exec, nil, nil)

	// Seeding the same recipe twice (as a split package's two subrecipe
	// entries might) must still only build it once per run.
	err := orch.BuildPackages(context.Background(), []*kupferbuild.Recipe{recipe, recipe}, Options{
		HostArch: kupferbuild.ArchX86_64, TargetArch: kupferbuild.ArchX86_64,
	})
	require.NoError(t, err)
	require.Len(t, exec.built, 1)
}
