// Package chroot implements the Chroot Core and Build Chroot (spec §4.7,
// §4.8): lifecycle (initialize/activate/deactivate), the integrity-critical
// mount bookkeeping, and command execution inside the root.
package chroot

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	kupferbuild "github.com/kupferbootstrap/kupferbuild"
	"github.com/kupferbootstrap/kupferbuild/internal/executil"
	"github.com/kupferbootstrap/kupferbuild/internal/fsops"
	"github.com/kupferbootstrap/kupferbuild/internal/session"
)

// gccHostspecs mirrors GCC_HOSTSPECS: the toolchain triple to pass to
// QEMU_LD_PREFIX when running foreign-arch binaries under emulation.
var gccHostspecs = map[kupferbuild.Arch]map[kupferbuild.Arch]string{
	kupferbuild.ArchX86_64: {
		kupferbuild.ArchX86_64:  "x86_64-pc-linux-gnu",
		kupferbuild.ArchAarch64: "aarch64-linux-gnu",
	},
	kupferbuild.ArchAarch64: {
		kupferbuild.ArchAarch64: "aarch64-unknown-linux-gnu",
	},
}

// mountSpec is one of the fixed bind-mounts activate() establishes.
type mountSpec struct {
	RelDst  string
	Src     string
	FSType  string
	Options []string
}

// basicMounts are the three filesystems every active chroot needs mounted
// from the host (spec §4.7 "mounts /dev, /sys, /proc").
var basicMounts = []mountSpec{
	{RelDst: "dev", Src: "/dev", Options: []string{"bind"}},
	{RelDst: "dev/pts", Src: "devpts", FSType: "devpts"},
	{RelDst: "sys", Src: "/sys", Options: []string{"bind"}},
	{RelDst: "proc", Src: "proc", FSType: "proc"},
}

// Chroot is a named root filesystem for one architecture, with its own
// mount bookkeeping ledger.
type Chroot struct {
	ID   uuid.UUID
	Name string
	Arch kupferbuild.Arch
	Path string

	BasePackages []string
	ExtraRepos   []kupferbuild.Channel

	Initialized bool
	Active      bool
	// ActiveMounts holds the mounts this chroot believes it owns, in
	// acquisition order, as "/"-rooted relative paths.
	ActiveMounts []string

	Runner  executil.Runner
	Session *session.Session
	Log     logrus.FieldLogger
}

// New constructs a chroot rooted at <chrootsDir>/<name>.
func New(name string, arch kupferbuild.Arch, chrootsDir string, basePackages []string, runner executil.Runner, sess *session.Session, log logrus.FieldLogger) *Chroot {
	if log == nil {
		log = logrus.StandardLogger()
	}
	if len(basePackages) == 0 {
		basePackages = []string{"base", "base-devel", "git"}
	}
	return &Chroot{
		ID:           uuid.New(),
		Name:         name,
		Arch:         arch,
		Path:         filepath.Join(chrootsDir, name),
		BasePackages: basePackages,
		Runner:       runner,
		Session:      sess,
		Log:          log.WithField("chroot", name),
	}
}

// GetPath joins path components onto the chroot's root, stripping a
// leading slash from the first component the way os.path.join's
// lstrip('/') dance does.
func (c *Chroot) GetPath(joins ...string) string {
	if len(joins) == 0 {
		return c.Path
	}
	cleaned := append([]string{strings.TrimPrefix(joins[0], "/")}, joins[1:]...)
	return filepath.Join(append([]string{c.Path}, cleaned...)...)
}

// Initialize creates the root via pacstrap, installing BasePackages. If
// reset, any existing tree contents are wiped first (spec §4.7).
func (c *Chroot) Initialize(ctx context.Context, pacmanConfPath string, reset bool, failIfInitialized bool) error {
	if c.Initialized && !reset {
		if failIfInitialized {
			return errors.Errorf("chroot %s (%s) is already initialized", c.Name, c.ID)
		}
		c.Log.Debug("already initialized")
		return nil
	}

	if err := c.Deactivate(ctx, false, true); err != nil {
		c.Log.WithError(err).Warn("deactivate before reinitialize failed")
	}

	if reset {
		c.Log.Info("resetting chroot")
		if err := fsops.RemoveAll(c.Path); err != nil {
			return errors.Wrapf(err, "resetting %s", c.Path)
		}
	}
	if err := fsops.MakeDir(c.Path, 0o755); err != nil {
		return err
	}

	args := append([]string{"pacstrap", "-C", pacmanConfPath, "-c", "-G", c.Path}, c.BasePackages...)
	args = append(args, "--needed", "--overwrite=*", "-yyuu")

	res, err := executil.RunAsRoot(ctx, c.Runner, shellJoin(args), executil.Options{CaptureOut: true})
	if err != nil {
		return errors.Wrapf(err, "pacstrap %s", c.Name)
	}
	if !res.Success() {
		return errors.Errorf("failed to initialize chroot %q: pacstrap exited %d", c.Name, res.ExitCode)
	}

	c.Initialized = true
	return nil
}

// Mount is the single integrity-critical operation (spec §4.7): query the
// kernel first, fail loudly on a leaked mount, otherwise perform the mount
// and register it both in ActiveMounts and the session's teardown ledger.
func (c *Chroot) Mount(ctx context.Context, absSrc, relDst string, opts fsops.MountOptions, failIfMounted bool) (string, error) {
	relDst = strings.TrimPrefix(relDst, "/")
	absDst := c.GetPath(relDst)
	pseudo := "/" + relDst

	mounted := fsops.CheckFindmnt(ctx, c.Runner, absDst)
	tracked := contains(c.ActiveMounts, pseudo)

	switch {
	case mounted && !tracked:
		return "", &kupferbuild.MountLeakError{Path: absDst, Inside: true}
	case mounted && tracked && failIfMounted:
		return "", errors.Errorf("%s: %s is already mounted", c.Name, absDst)
	case mounted && tracked:
		c.Log.WithField("path", absDst).Debug("already mounted, skipping")
		return absDst, nil
	}

	if tracked && !mounted {
		return "", &kupferbuild.MountLeakError{Path: absDst, Inside: false}
	}

	if err := fsops.MakeDir(absDst, 0o755); err != nil {
		return "", err
	}
	if err := fsops.Mount(ctx, c.Runner, absSrc, absDst, opts); err != nil {
		return "", errors.Wrapf(err, "%s: mounting %s to %s", c.Name, absSrc, absDst)
	}

	c.ActiveMounts = append(c.ActiveMounts, pseudo)
	if c.Session != nil {
		c.Session.RegisterMount(ctx, absDst, false)
	}
	return absDst, nil
}

// Umount unmounts relPath and drops it from ActiveMounts on success.
func (c *Chroot) Umount(ctx context.Context, relPath string, lazy bool) error {
	abs := c.GetPath(relPath)
	if err := fsops.Umount(ctx, c.Runner, abs, lazy); err != nil {
		return err
	}
	pseudo := "/" + strings.TrimPrefix(relPath, "/")
	c.ActiveMounts = removeString(c.ActiveMounts, pseudo)
	return nil
}

// umountMany unmounts a set of relative paths in reverse-sorted order,
// deferring "/proc" to last since other mounts may be nested beneath it.
func (c *Chroot) umountMany(ctx context.Context, relPaths []string) {
	sorted := append([]string{}, relPaths...)
	sortDesc(sorted)

	var procPath string
	for _, p := range sorted {
		if p == "/proc" {
			procPath = p
			continue
		}
		if err := c.Umount(ctx, p, false); err != nil {
			c.Log.WithError(err).WithField("path", p).Error("umount failed")
		}
	}
	if procPath != "" {
		if err := c.Umount(ctx, procPath, false); err != nil {
			c.Log.WithError(err).WithField("path", procPath).Error("umount failed")
		}
	}
}

// Activate mounts /dev, /sys, /proc from the host, initializing the chroot
// first if necessary.
func (c *Chroot) Activate(ctx context.Context, pacmanConfPath string, failIfActive bool) error {
	if c.Active && failIfActive {
		return errors.Errorf("chroot %s already active", c.Name)
	}
	if !c.Initialized {
		if err := c.Initialize(ctx, pacmanConfPath, false, false); err != nil {
			return err
		}
	}
	for _, m := range basicMounts {
		if _, err := c.Mount(ctx, m.Src, m.RelDst, fsops.MountOptions{Options: m.Options, FSType: m.FSType}, failIfActive); err != nil {
			return err
		}
	}
	c.Active = true
	return nil
}

// Deactivate unmounts everything in ActiveMounts in reverse order.
// ignoreRootfs keeps "/" and "/boot" mounted, matching the teacher's
// initialize() path which deactivates without tearing down the rootfs
// itself.
func (c *Chroot) Deactivate(ctx context.Context, failIfInactive bool, ignoreRootfs bool) error {
	if !c.Active {
		if failIfInactive {
			return errors.Errorf("chroot %s not activated, can't deactivate", c.Name)
		}
	}
	toUnmount := make([]string, 0, len(c.ActiveMounts))
	for _, m := range c.ActiveMounts {
		if ignoreRootfs && (m == "/" || m == "/boot") {
			continue
		}
		toUnmount = append(toUnmount, m)
	}
	c.umountMany(ctx, toUnmount)
	c.Active = false
	return nil
}

// RunCmd composes: optional `cd cwd &&`, optional user-switch wrapper,
// then `chroot <path> env <k=v…> bash -c "…"` (spec §4.7). When the
// chroot's architecture differs from the host's, QEMU_LD_PREFIX is
// injected into the outer environment.
func (c *Chroot) RunCmd(ctx context.Context, script string, innerEnv, outerEnv map[string]string, cwd, switchUser string, hostArch kupferbuild.Arch, failInactive bool) (*executil.Result, error) {
	if !c.Active && failInactive {
		return nil, errors.Errorf("chroot %s is inactive, not running command", c.Name)
	}

	outer := map[string]string{}
	for k, v := range outerEnv {
		outer[k] = v
	}
	if c.Arch != hostArch {
		if _, ok := outer["QEMU_LD_PREFIX"]; !ok {
			triple, ok := gccHostspecs[hostArch][c.Arch]
			if !ok {
				return nil, errors.Errorf("no toolchain triple known for host %s targeting %s", hostArch, c.Arch)
			}
			outer["QEMU_LD_PREFIX"] = "/usr/" + triple
		}
	}

	if cwd != "" {
		script = fmt.Sprintf("cd %s && ( %s )", executil.ShellQuote(cwd), script)
	}

	envArgs := []string{}
	for k, v := range innerEnv {
		envArgs = append(envArgs, k+"="+v)
	}

	inner := []string{"/bin/bash", "-c", script}
	cmdParts := append([]string{"chroot", c.Path}, append(append([]string{"env"}, envArgs...), inner...)...)
	composed := quoteJoin(cmdParts)

	opts := executil.Options{Env: outer, CaptureOut: true}
	if switchUser != "" {
		opts.SwitchUser = switchUser
	} else {
		opts.SwitchUser = "root"
	}
	return c.Runner.Run(ctx, composed, opts)
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func removeString(list []string, v string) []string {
	out := make([]string, 0, len(list))
	for _, item := range list {
		if item != v {
			out = append(out, item)
		}
	}
	return out
}

func sortDesc(list []string) {
	for i := 1; i < len(list); i++ {
		for j := i; j > 0 && list[j-1] < list[j]; j-- {
			list[j-1], list[j] = list[j], list[j-1]
		}
	}
}

func shellJoin(args []string) string {
	return strings.Join(args, " ")
}

func quoteJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = executil.ShellQuote(a)
	}
	return strings.Join(quoted, " ")
}
