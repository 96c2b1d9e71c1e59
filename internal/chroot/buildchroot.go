package chroot

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	kupferbuild "github.com/kupferbootstrap/kupferbuild"
	"github.com/kupferbootstrap/kupferbuild/internal/fsops"
)

// Canonical in-chroot mount targets (spec §6 On-disk layout).
const (
	pathPacmanCache = "var/cache/pacman/pkg"
	pathPackages    = "prebuilts"
	pathPkgbuilds   = "pkgbuilds"
	pathChroots     = "chroot"
	pathNative      = "native"
)

// Paths is the set of host directories a Build Chroot mounts in.
type Paths struct {
	PacmanCache string // <pacman>/<arch>
	Packages    string
	Pkgbuilds   string
	Chroots     string
}

// BuildChroot extends Chroot with the domain mounts and makepkg.conf
// generation needed to actually build a package inside it (spec §4.8).
type BuildChroot struct {
	*Chroot
	Paths Paths
}

func NewBuildChroot(c *Chroot, paths Paths) *BuildChroot {
	return &BuildChroot{Chroot: c, Paths: paths}
}

func (b *BuildChroot) MountPkgbuilds(ctx context.Context, failIfMounted bool) (string, error) {
	return b.Mount(ctx, b.Paths.Pkgbuilds, pathPkgbuilds, fsops.MountOptions{Options: []string{"bind"}}, failIfMounted)
}

func (b *BuildChroot) MountPacmanCache(ctx context.Context, failIfMounted bool) (string, error) {
	if err := fsops.MakeDir(b.Paths.PacmanCache, 0o755); err != nil {
		return "", err
	}
	return b.Mount(ctx, b.Paths.PacmanCache, pathPacmanCache, fsops.MountOptions{Options: []string{"bind"}}, failIfMounted)
}

func (b *BuildChroot) MountPackages(ctx context.Context, failIfMounted bool) (string, error) {
	return b.Mount(ctx, b.Paths.Packages, pathPackages, fsops.MountOptions{Options: []string{"bind"}}, failIfMounted)
}

func (b *BuildChroot) MountChroots(ctx context.Context, failIfMounted bool) (string, error) {
	return b.Mount(ctx, b.Paths.Chroots, pathChroots, fsops.MountOptions{Options: []string{"bind"}}, failIfMounted)
}

// MountCcache bind-mounts the host's per-user ccache directory to
// accelerate repeat compiles (spec §4.8).
func (b *BuildChroot) MountCcache(ctx context.Context, hostCcacheDir, user string, failIfMounted bool) (string, error) {
	rel := filepath.Join("home", user, ".ccache")
	if err := fsops.MakeDir(hostCcacheDir, 0o755); err != nil {
		return "", err
	}
	return b.Mount(ctx, hostCcacheDir, rel, fsops.MountOptions{Options: []string{"bind"}}, failIfMounted)
}

// MountRust bind-mounts the host's per-user cargo registry cache.
func (b *BuildChroot) MountRust(ctx context.Context, hostCargoDir, user string, failIfMounted bool) (string, error) {
	rel := filepath.Join("home", user, ".cargo", "registry")
	if err := fsops.MakeDir(hostCargoDir, 0o755); err != nil {
		return "", err
	}
	return b.Mount(ctx, hostCargoDir, rel, fsops.MountOptions{Options: []string{"bind"}}, failIfMounted)
}

// MountCrosscompile nests a foreign-arch chroot under this native chroot
// at a known path, enabling cross-toolchain builds that invoke the
// foreign sysroot (spec §4.8).
func (b *BuildChroot) MountCrosscompile(ctx context.Context, target *BuildChroot, failIfMounted bool) (string, error) {
	rel := filepath.Join(pathChroots, target.Name)
	return b.Mount(ctx, target.Path, rel, fsops.MountOptions{Options: []string{"bind"}}, failIfMounted)
}

// MountCrossdirect is the inverse: expose a native-arch chroot under
// /native inside this foreign-arch chroot, so emulated builds can shell
// out to native compilers via a PATH shim (spec §4.8, §4.11).
func (b *BuildChroot) MountCrossdirect(ctx context.Context, native *BuildChroot, failIfMounted bool) (string, error) {
	return b.Mount(ctx, native.Path, pathNative, fsops.MountOptions{Options: []string{"bind"}}, failIfMounted)
}

// CrossdirectPathShim is the PATH entry the Build Strategy Router
// prepends for crossdirect builds (spec §4.11).
func CrossdirectPathShim(arch kupferbuild.Arch) string {
	return fmt.Sprintf("/%s/usr/lib/crossdirect/%s", pathNative, arch)
}

// WriteMakepkgConf generates /etc/makepkg.conf (or
// /etc/makepkg_cross_<arch>.conf for cross builds) carrying target
// CFLAGS, the toolchain host triple, and cross-compile hooks when
// applicable. Returns the path relative to the chroot root.
func (b *BuildChroot) WriteMakepkgConf(ctx context.Context, targetArch kupferbuild.Arch, hostArch kupferbuild.Arch, cross bool, crossChrootRelative string) (string, error) {
	conf, err := generateMakepkgConf(targetArch, hostArch, cross, crossChrootRelative)
	if err != nil {
		return "", err
	}

	filename := "makepkg.conf"
	if cross {
		filename = fmt.Sprintf("makepkg_cross_%s.conf", targetArch)
	}
	relPath := filepath.Join("etc", filename)

	if err := fsops.MakeDir(b.GetPath("etc"), 0o755); err != nil {
		return "", err
	}
	if err := fsops.WriteFile(ctx, b.Runner, b.GetPath(relPath), []byte(conf), fsops.WriteOptions{User: "root", Group: "root"}); err != nil {
		return "", err
	}
	return relPath, nil
}

// generateMakepkgConf renders a minimal makepkg.conf fragment: CFLAGS for
// the target arch and, for cross builds, the CARCH/CHOST/cross-compile
// hooks makepkg needs to invoke the foreign toolchain (spec §4.8).
func generateMakepkgConf(targetArch, hostArch kupferbuild.Arch, cross bool, crossChrootRelative string) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "CARCH=%q\n", string(targetArch))
	fmt.Fprintf(&b, "CFLAGS=\"-O2 -pipe -fstack-protector-strong\"\n")
	fmt.Fprintf(&b, "CXXFLAGS=\"$CFLAGS\"\n")

	if cross {
		triple, ok := gccHostspecs[hostArch][targetArch]
		if !ok {
			return "", errors.Errorf("no toolchain triple known for host %s targeting %s", hostArch, targetArch)
		}
		fmt.Fprintf(&b, "CHOST=%q\n", triple)
		fmt.Fprintf(&b, "CC=%q\n", triple+"-gcc")
		fmt.Fprintf(&b, "CXX=%q\n", triple+"-g++")
		if crossChrootRelative != "" {
			fmt.Fprintf(&b, "KUPFER_CROSS_CHROOT=%q\n", crossChrootRelative)
		}
	}

	return b.String(), nil
}
