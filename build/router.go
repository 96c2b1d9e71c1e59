// Package build implements the Build Orchestrator and Build Strategy
// Router (spec §4.11): per-recipe strategy selection, the makepkg
// invocation it composes, and the binfmt emulation-enablement recursion
// that backs foreign-arch builds (spec §4.13).
package build

import (
	kupferbuild "github.com/kupferbootstrap/kupferbuild"
	"github.com/kupferbootstrap/kupferbuild/internal/chroot"
)

// Strategy is one of the four build strategies the router selects between.
type Strategy string

const (
	StrategyNative          Strategy = "native"
	StrategyCross           Strategy = "cross"
	StrategyCrossdirect     Strategy = "crossdirect"
	StrategyEmulatedForeign Strategy = "emulated-foreign"
)

// RouterOptions carries the per-run feature flags the router consults.
type RouterOptions struct {
	EnableCrosscompile bool
	EnableCrossdirect  bool
	// IsCrossdirectToolchain marks a recipe whose own package IS one of
	// the crossdirect toolchain packages — such a recipe must never be
	// routed to crossdirect itself (spec §4.11 table, "recipe is not a
	// crossdirect toolchain itself").
	IsCrossdirectToolchain bool
}

// SelectStrategy implements the Build Strategy Router table (spec §4.11).
func SelectStrategy(hostArch, targetArch kupferbuild.Arch, mode kupferbuild.BuildMode, opts RouterOptions) Strategy {
	if targetArch == hostArch {
		return StrategyNative
	}
	if mode == kupferbuild.ModeCross && opts.EnableCrosscompile {
		return StrategyCross
	}
	if opts.EnableCrossdirect && !opts.IsCrossdirectToolchain {
		return StrategyCrossdirect
	}
	return StrategyEmulatedForeign
}

// BuildRoot names which chroot(s) a strategy builds inside, for callers
// that need to decide what to provision before invoking makepkg.
type BuildRoot struct {
	Strategy Strategy
	// Primary is the chroot makepkg itself runs in.
	Primary kupferbuild.Arch
	// Overlay, if non-empty, is a second chroot that must be mounted into
	// Primary before the build starts (the nested target chroot for
	// cross, or the native chroot exposed at /native for crossdirect).
	Overlay kupferbuild.Arch
	HasOverlay bool
}

// ResolveBuildRoot reports which chroot(s) a strategy needs provisioned,
// per the "Build root" column of spec §4.11's router table.
func ResolveBuildRoot(strategy Strategy, hostArch, targetArch kupferbuild.Arch) BuildRoot {
	switch strategy {
	case StrategyCross:
		return BuildRoot{Strategy: strategy, Primary: hostArch, Overlay: targetArch, HasOverlay: true}
	case StrategyCrossdirect:
		return BuildRoot{Strategy: strategy, Primary: targetArch, Overlay: hostArch, HasOverlay: true}
	default:
		return BuildRoot{Strategy: strategy, Primary: targetArch}
	}
}

// MakepkgArgs composes the makepkg invocation argv the router hands to the
// chosen build chroot (spec §4.11): always --config and --skippgpcheck,
// plus --nodeps for cross builds or --syncdeps otherwise (unless the
// recipe itself declares nodeps).
func MakepkgArgs(confPath string, strategy Strategy, recipeNoDeps bool) []string {
	args := []string{"makepkg", "--config", confPath, "--skippgpcheck"}
	switch {
	case strategy == StrategyCross:
		args = append(args, "--nodeps")
	case recipeNoDeps:
		args = append(args, "--nodeps")
	default:
		args = append(args, "--syncdeps")
	}
	return args
}

// MaterializeSourcesArgs is the source-materialization invocation run
// before the freshness check and real build (spec §4.11: "sources are
// materialized via makepkg --nobuild --nodeps --noprepare --skippgpcheck").
func MaterializeSourcesArgs(confPath string) []string {
	return []string{"makepkg", "--config", confPath, "--nobuild", "--nodeps", "--noprepare", "--skippgpcheck"}
}

// CrossdirectEnv returns the PATH prefix a crossdirect build must prepend
// so emulated builds can shell out to the overlaid native toolchain (spec
// §4.11, §4.8).
func CrossdirectEnv(targetArch kupferbuild.Arch, existingPath string) map[string]string {
	shim := chroot.CrossdirectPathShim(targetArch)
	path := shim
	if existingPath != "" {
		path = shim + ":" + existingPath
	}
	return map[string]string{"PATH": path}
}
