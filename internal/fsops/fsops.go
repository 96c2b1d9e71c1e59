// Package fsops implements the ownership-preserving filesystem primitives
// FS Ops needs (spec §4.3): writes that fall back to an elevated tee when
// the caller lacks permission, temp directories, and mount/umount wrapping
// a kernel operation through the external `mount`/`umount`/`findmnt` tools.
package fsops

import (
	"context"
	"os"
	"os/user"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/kupferbootstrap/kupferbuild/internal/executil"
)

// writeTeeTimeout bounds elevated tee writes (spec §5: "writes piped
// through elevated tee time out at 300s").
const writeTeeTimeout = 300 * time.Second

// WriteOptions mirrors write_file's knobs: requested mode and owner.
type WriteOptions struct {
	Mode  os.FileMode
	User  string
	Group string
}

// WriteFile writes content to path, trying a direct write first. On
// permission failure it retries via an elevated `tee`, then applies mode
// and owner:group as a final step (spec §4.3).
func WriteFile(ctx context.Context, runner executil.Runner, path string, content []byte, opts WriteOptions) error {
	mode := opts.Mode
	if mode == 0 {
		mode = 0o644
	}

	writeErr := os.WriteFile(path, content, mode)
	if writeErr != nil {
		if !os.IsPermission(writeErr) {
			return errors.Wrapf(writeErr, "writing %s", path)
		}
		if err := writeViaElevatedTee(ctx, runner, path, content); err != nil {
			return errors.Wrapf(err, "elevated write to %s failed", path)
		}
	}

	if err := chmod(ctx, runner, path, mode, writeErr == nil); err != nil {
		return err
	}
	return chown(ctx, runner, path, opts.User, opts.Group)
}

func writeViaElevatedTee(ctx context.Context, runner executil.Runner, path string, content []byte) error {
	tctx, cancel := context.WithTimeout(ctx, writeTeeTimeout)
	defer cancel()

	script := "tee " + executil.ShellQuote(path) + " >/dev/null"
	res, err := executil.RunAsRoot(tctx, runner, script, executil.Options{Stdin: content})
	if err != nil {
		return err
	}
	if !res.Success() {
		return errors.Errorf("tee into %q exited %d", path, res.ExitCode)
	}
	return nil
}

func chmod(ctx context.Context, runner executil.Runner, path string, mode os.FileMode, nativeSucceeded bool) error {
	if nativeSucceeded {
		return os.Chmod(path, mode)
	}
	script := "chmod " + strconv.FormatInt(int64(mode), 8) + " " + executil.ShellQuote(path)
	res, err := executil.RunAsRoot(ctx, runner, script, executil.Options{})
	if err != nil {
		return err
	}
	if !res.Success() {
		return errors.Errorf("failed to set mode of %q", path)
	}
	return nil
}

func chown(ctx context.Context, runner executil.Runner, path, userName, groupName string) error {
	if userName == "" && groupName == "" {
		return nil
	}
	owner := userName
	if groupName != "" {
		owner += ":" + groupName
	}
	script := "chown " + executil.ShellQuote(owner) + " " + executil.ShellQuote(path)
	res, err := executil.RunAsRoot(ctx, runner, script, executil.Options{})
	if err != nil {
		return err
	}
	if !res.Success() {
		return errors.Errorf("failed to change owner of %q to %q", path, owner)
	}
	return nil
}

// TempDir creates a mode-0755 directory under the system temp root. Its
// removal is the caller's responsibility via a session ledger (internal/
// session), which replaces the teacher's at-exit registration with an
// explicit, scoped teardown.
func TempDir(prefix string) (string, error) {
	dir, err := os.MkdirTemp("", prefix)
	if err != nil {
		return "", errors.Wrap(err, "creating temp dir")
	}
	if err := os.Chmod(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "chmod temp dir %s", dir)
	}
	return dir, nil
}

// CheckFindmnt reports whether path is a currently mounted target, per
// spec §4.7's "query the kernel" leak-detection pre-check. Routed through
// the Runner interface, like every other privileged call here, so mount
// bookkeeping logic is testable without a real kernel.
func CheckFindmnt(ctx context.Context, runner executil.Runner, path string) bool {
	res, err := runner.Run(ctx, "findmnt "+executil.ShellQuote(path), executil.Options{})
	if err != nil {
		return false
	}
	return res.Success()
}

// MountOptions configures a single Mount call.
type MountOptions struct {
	Options []string // e.g. ["bind"]
	FSType  string
}

// Mount wraps the kernel mount syscall via the external `mount` tool,
// matching the teacher's subprocess-first approach to privileged
// operations instead of direct syscalls (spec §4.3).
func Mount(ctx context.Context, runner executil.Runner, src, dst string, opts MountOptions) error {
	args := []string{"mount"}
	if opts.FSType != "" {
		args = append(args, "-t", opts.FSType)
	}
	if len(opts.Options) > 0 {
		args = append(args, "-o", joinComma(opts.Options))
	}
	args = append(args, src, dst)

	res, err := executil.RunAsRoot(ctx, runner, quoteAll(args), executil.Options{})
	if err != nil {
		return err
	}
	if !res.Success() {
		return errors.Errorf("failed to mount %s to %s", src, dst)
	}
	return nil
}

// Umount unmounts path, optionally lazily (spec §4.3 "umount() accepts a
// lazy flag").
func Umount(ctx context.Context, runner executil.Runner, path string, lazy bool) error {
	args := []string{"umount"}
	if lazy {
		args = append(args, "-l")
	}
	args = append(args, path)

	res, err := executil.RunAsRoot(ctx, runner, quoteAll(args), executil.Options{})
	if err != nil {
		return err
	}
	if !res.Success() {
		return errors.Errorf("failed to umount %s", path)
	}
	return nil
}

func joinComma(items []string) string {
	out := items[0]
	for _, i := range items[1:] {
		out += "," + i
	}
	return out
}

func quoteAll(args []string) string {
	out := ""
	for i, a := range args {
		if i > 0 {
			out += " "
		}
		out += executil.ShellQuote(a)
	}
	return out
}

// RemoveAll removes path recursively, per spec §4.3 "remove_file(recursive
// =true) on a non-empty directory must succeed" — returning the
// underlying error unchanged rather than swallowing it.
func RemoveAll(path string) error {
	return os.RemoveAll(path)
}

// MakeDir creates dir (and parents) as the caller; callers that need a
// root-owned directory should route through WriteFile's chown path
// instead, matching root_makedir's "create natively, then chown" pattern.
func MakeDir(dir string, mode os.FileMode) error {
	if mode == 0 {
		mode = 0o755
	}
	return os.MkdirAll(dir, mode)
}

// ResolveUserGroup resolves symbolic user/group names to numeric owner
// strings suitable for `chown`.
func ResolveUserGroup(userName, groupName string) (string, string, error) {
	var uid, gid string
	if userName != "" {
		u, err := user.Lookup(userName)
		if err != nil {
			return "", "", err
		}
		uid = u.Uid
	}
	if groupName != "" {
		g, err := user.LookupGroup(groupName)
		if err != nil {
			return "", "", err
		}
		gid = g.Gid
	}
	return uid, gid, nil
}
