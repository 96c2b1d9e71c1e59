package build

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	kupferbuild "github.com/kupferbootstrap/kupferbuild"
	"github.com/kupferbootstrap/kupferbuild/internal/chroot"
	"github.com/kupferbootstrap/kupferbuild/internal/executil"
)

// PackageInstaller installs already-built package files into the host's
// package manager, used once the emulator/binfmt-registration packages for
// the host architecture are available (spec §4.13).
type PackageInstaller interface {
	InstallPackages(ctx context.Context, files []string) error
}

// ConfReader reads the binfmt registration conf shipped by the
// binfmt-registration package once it's installed (spec §4.13: "parsed
// from /usr/lib/binfmt.d/qemu-static.conf").
type ConfReader interface {
	ReadBinfmtConf(ctx context.Context) (string, error)
}

// Binfmt implements build_enable_qemu_binfmt (spec §4.13): idempotent,
// recursing into the Orchestrator to build the emulator and
// binfmt-registration packages for the host architecture (reusing copies
// already fresh in the local repo; the recursive build sets no remote
// download source, so nothing is fetched over HTTPS), installing them,
// then registering each handler with the kernel.
type Binfmt struct {
	Orchestrator *Orchestrator
	Installer    PackageInstaller
	ConfReader   ConfReader
	Runner       executil.Runner
	// EmulatorRecipes seeds the recursive build for the emulator and
	// binfmt-registration packages (spec §4.13).
	EmulatorRecipes []*kupferbuild.Recipe
	HostArch        kupferbuild.Arch
	Log             logrus.FieldLogger

	mu      sync.Mutex
	enabled map[kupferbuild.Arch]bool
}

func NewBinfmt(orch *Orchestrator, installer PackageInstaller, confReader ConfReader, runner executil.Runner, emulatorRecipes []*kupferbuild.Recipe, hostArch kupferbuild.Arch, log logrus.FieldLogger) *Binfmt {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Binfmt{
		Orchestrator:    orch,
		Installer:       installer,
		ConfReader:      confReader,
		Runner:          runner,
		EmulatorRecipes: emulatorRecipes,
		HostArch:        hostArch,
		Log:             log,
		enabled:         map[kupferbuild.Arch]bool{},
	}
}

// EnableQemuBinfmt implements spec §4.13. A per-arch map held by this
// Binfmt short-circuits repeat calls for an already-registered foreign arch.
func (b *Binfmt) EnableQemuBinfmt(ctx context.Context, arch kupferbuild.Arch) error {
	if arch == b.HostArch {
		return nil
	}

	b.mu.Lock()
	if b.enabled[arch] {
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	if len(b.EmulatorRecipes) > 0 {
		err := b.Orchestrator.BuildPackages(ctx, b.EmulatorRecipes, Options{
			HostArch:           b.HostArch,
			TargetArch:         b.HostArch,
			EnableCrosscompile: false,
			EnableCrossdirect:  false,
			EnableCcache:       false,
		})
		if err != nil {
			return errors.Wrap(err, "building emulator and binfmt-registration packages")
		}
	}

	crossRepo := b.Orchestrator.Repos.For(kupferbuild.ChannelCross, b.HostArch)
	if crossRepo == nil {
		return errors.Errorf("no local repo registered for channel %s arch %s", kupferbuild.ChannelCross, b.HostArch)
	}
	var files []string
	for _, pkg := range crossRepo.Packages {
		files = append(files, strings.TrimPrefix(pkg.ResolvedURL, "file://"))
	}
	if len(files) == 0 {
		return errors.Errorf("no emulator packages found in channel %s for %s", kupferbuild.ChannelCross, b.HostArch)
	}
	if err := b.Installer.InstallPackages(ctx, files); err != nil {
		return errors.Wrap(err, "installing emulator packages")
	}

	conf, err := b.ConfReader.ReadBinfmtConf(ctx)
	if err != nil {
		return errors.Wrap(err, "reading binfmt registration conf")
	}
	lines := chroot.ParseBinfmtRegistrationLines(conf)
	if err := chroot.RegisterBinfmtLines(ctx, b.Runner, lines); err != nil {
		return err
	}

	if !chroot.IsBinfmtRegistered(ctx, b.Runner, string(arch)) {
		return errors.Errorf("binfmt registration for %s did not take effect", arch)
	}

	b.mu.Lock()
	b.enabled[arch] = true
	b.mu.Unlock()

	return nil
}
