package build

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	kupferbuild "github.com/kupferbootstrap/kupferbuild"
)

// Executor performs the host-interfacing half of a single recipe build:
// provisioning whatever chroot(s) the selected Strategy needs, materializing
// sources, and running the real makepkg invocation (spec §4.11). Real
// implementations wrap internal/chroot's BuildChroot; tests substitute a
// fake so the Orchestrator's scheduling logic is exercised without a real
// root filesystem.
type Executor interface {
	// MaterializeSources runs `makepkg --nobuild --nodeps --noprepare
	// --skippgpcheck` in the strategy's build root and returns the recipe
	// re-parsed from the refreshed SRCINFO, so pkgver() hooks are reflected
	// before the freshness check runs (spec §4.11).
	MaterializeSources(ctx context.Context, recipe *kupferbuild.Recipe, strategy Strategy, root BuildRoot) (*kupferbuild.Recipe, error)
	// Build runs the real build and returns the directory the produced
	// .pkg.tar.* files were left in.
	Build(ctx context.Context, recipe *kupferbuild.Recipe, strategy Strategy, root BuildRoot) (pkgDir string, err error)
}

// BinfmtEnabler registers binary-format emulation handlers for a foreign
// architecture (spec §4.13), consulted before dispatching any non-native
// build.
type BinfmtEnabler interface {
	EnableQemuBinfmt(ctx context.Context, arch kupferbuild.Arch) error
}

// RepoSet is the per-channel, per-architecture set of local repos the
// Orchestrator reads freshness from and writes built packages into.
type RepoSet struct {
	Repos map[kupferbuild.Channel]map[kupferbuild.Arch]*kupferbuild.LocalRepo
}

func NewRepoSet() *RepoSet {
	return &RepoSet{Repos: map[kupferbuild.Channel]map[kupferbuild.Arch]*kupferbuild.LocalRepo{}}
}

// Add registers a channel's local repo for one architecture.
func (s *RepoSet) Add(channel kupferbuild.Channel, arch kupferbuild.Arch, repo *kupferbuild.LocalRepo) {
	if s.Repos[channel] == nil {
		s.Repos[channel] = map[kupferbuild.Arch]*kupferbuild.LocalRepo{}
	}
	s.Repos[channel][arch] = repo
}

func (s *RepoSet) For(channel kupferbuild.Channel, arch kupferbuild.Arch) *kupferbuild.LocalRepo {
	return s.Repos[channel][arch]
}

// Siblings returns every other architecture's local repo for channel,
// consulted for -any package propagation (spec §4.10, §4.12).
func (s *RepoSet) Siblings(channel kupferbuild.Channel, arch kupferbuild.Arch) map[kupferbuild.Arch]*kupferbuild.LocalRepo {
	out := map[kupferbuild.Arch]*kupferbuild.LocalRepo{}
	for a, r := range s.Repos[channel] {
		if a != arch {
			out[a] = r
		}
	}
	return out
}

// siblingChannelDirs is Siblings reduced to the channel-directory strings
// AddPackageToRepo wants.
func (s *RepoSet) siblingChannelDirs(channel kupferbuild.Channel, arch kupferbuild.Arch) map[kupferbuild.Arch]string {
	out := map[kupferbuild.Arch]string{}
	for a, r := range s.Siblings(channel, arch) {
		out[a] = r.ChannelDir
	}
	return out
}

// Options carries build_packages' top-level flags (spec §4.11).
type Options struct {
	HostArch   kupferbuild.Arch
	TargetArch kupferbuild.Arch

	Force             bool
	RebuildDependants bool
	TryDownload       bool

	EnableCrosscompile bool
	EnableCrossdirect  bool
	EnableCcache       bool
	CleanChroot        bool

	RemoteBaseURL string
	Fetcher       kupferbuild.Fetcher

	// CrossdirectToolchains names the recipes that are themselves part of
	// the crossdirect toolchain and must never be routed to crossdirect
	// (spec §4.11 table, "recipe is not a crossdirect toolchain itself").
	CrossdirectToolchains map[string]bool
}

// Orchestrator drives build_packages (spec §4.11): solve, then per-level
// freshness-gate and dispatch each recipe through the Build Strategy
// Router.
type Orchestrator struct {
	Index    *kupferbuild.Index
	Repos    *RepoSet
	Executor Executor
	Binfmt   BinfmtEnabler
	Log      logrus.FieldLogger
}

func NewOrchestrator(idx *kupferbuild.Index, repos *RepoSet, exec Executor, binfmt BinfmtEnabler, log logrus.FieldLogger) *Orchestrator {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Orchestrator{Index: idx, Repos: repos, Executor: exec, Binfmt: binfmt, Log: log}
}

// BuildPackages implements build_packages (spec §4.11).
func (o *Orchestrator) BuildPackages(ctx context.Context, seeds []*kupferbuild.Recipe, opts Options) error {
	if err := o.ensureRepos(ctx, opts.TargetArch); err != nil {
		return err
	}

	work := seeds
	if opts.RebuildDependants {
		dependants := o.Index.GetDependants(seeds, true)
		work = append(append([]*kupferbuild.Recipe{}, seeds...), dependants...)
	}

	levels, err := o.Index.Solve(work)
	if err != nil {
		return err
	}

	builtFor := map[string]map[kupferbuild.Arch]bool{}

	for _, level := range levels {
		touchedChannels := map[kupferbuild.Channel]bool{}

		for _, recipe := range level {
			if !recipe.HasArch(opts.TargetArch) {
				continue
			}
			if builtFor[recipe.Base][opts.TargetArch] {
				continue
			}

			if err := o.buildOne(ctx, recipe, opts, builtFor); err != nil {
				return errors.Wrapf(err, "building %s", recipe.Base)
			}
			touchedChannels[recipe.Channel] = true
		}

		if err := o.rescanChannels(ctx, touchedChannels, opts); err != nil {
			return err
		}
	}

	return nil
}

// buildOne handles a single recipe: freshness gate, strategy dispatch,
// insertion of the produced artifacts.
func (o *Orchestrator) buildOne(ctx context.Context, recipe *kupferbuild.Recipe, opts Options, builtFor map[string]map[kupferbuild.Arch]bool) error {
	routerOpts := RouterOptions{
		EnableCrosscompile:     opts.EnableCrosscompile,
		EnableCrossdirect:      opts.EnableCrossdirect,
		IsCrossdirectToolchain: opts.CrossdirectToolchains[recipe.Base],
	}
	strategy := SelectStrategy(opts.HostArch, opts.TargetArch, recipe.Mode, routerOpts)
	root := ResolveBuildRoot(strategy, opts.HostArch, opts.TargetArch)

	if strategy != StrategyNative && o.Binfmt != nil {
		if err := o.Binfmt.EnableQemuBinfmt(ctx, opts.TargetArch); err != nil {
			return errors.Wrapf(err, "enabling emulation for %s", opts.TargetArch)
		}
	}

	refreshed, err := o.Executor.MaterializeSources(ctx, recipe, strategy, root)
	if err != nil {
		return errors.Wrap(err, "materializing sources")
	}
	if refreshed != nil {
		recipe = refreshed
	}

	localRepo := o.Repos.For(recipe.Channel, opts.TargetArch)
	if localRepo == nil {
		return errors.Errorf("no local repo registered for channel %s arch %s", recipe.Channel, opts.TargetArch)
	}

	if !opts.Force {
		built, err := kupferbuild.CheckPackageVersionBuilt(
			ctx, recipe, opts.TargetArch, localRepo,
			o.Repos.Siblings(recipe.Channel, opts.TargetArch),
			opts.Fetcher, opts.RemoteBaseURL, opts.TryDownload, o.Log,
		)
		if err != nil {
			return errors.Wrap(err, "checking freshness")
		}
		if built {
			markBuilt(builtFor, recipe)
			return nil
		}
	}

	pkgDir, err := o.Executor.Build(ctx, recipe, strategy, root)
	if err != nil {
		return errors.Wrap(err, "makepkg")
	}

	if _, err := localRepo.AddPackageToRepo(ctx, recipe, pkgDir, o.Repos.siblingChannelDirs(recipe.Channel, opts.TargetArch)); err != nil {
		return errors.Wrap(err, "inserting built packages")
	}

	markBuilt(builtFor, recipe)
	return nil
}

func markBuilt(builtFor map[string]map[kupferbuild.Arch]bool, recipe *kupferbuild.Recipe) {
	if builtFor[recipe.Base] == nil {
		builtFor[recipe.Base] = map[kupferbuild.Arch]bool{}
	}
	for _, a := range recipe.Arches {
		if a == kupferbuild.ArchAny {
			for _, real := range kupferbuild.Arches {
				builtFor[recipe.Base][real] = true
			}
			continue
		}
		builtFor[recipe.Base][a] = true
	}
}

// ensureRepos initializes every registered channel's repo for arch (spec
// §4.11 step 1: "ensure local repo directories and DB files exist").
func (o *Orchestrator) ensureRepos(ctx context.Context, arch kupferbuild.Arch) error {
	for channel, byArch := range o.Repos.Repos {
		repo, ok := byArch[arch]
		if !ok {
			continue
		}
		if err := repo.Init(ctx); err != nil {
			return errors.Wrapf(err, "initializing repo %s/%s", channel, arch)
		}
	}
	return nil
}

// rescanChannels re-reads the repo DB for every channel touched this level,
// across every architecture it's registered for, so the next level sees
// fresh state (spec §4.11 step 6).
func (o *Orchestrator) rescanChannels(ctx context.Context, channels map[kupferbuild.Channel]bool, opts Options) error {
	if opts.Fetcher == nil {
		return nil
	}
	for channel := range channels {
		for arch, repo := range o.Repos.Repos[channel] {
			if err := repo.Repo.Scan(ctx, opts.Fetcher, true); err != nil {
				return errors.Wrapf(err, "rescanning repo %s/%s", channel, arch)
			}
		}
	}
	return nil
}
