package chroot

import (
	"bufio"
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/kupferbootstrap/kupferbuild/internal/executil"
)

// ParseBinfmtRegistrationLines extracts the `:name:type:...` registration
// lines from a qemu-static.conf-style binfmt_misc config (spec §4.13:
// "parsed from /usr/lib/binfmt.d/qemu-static.conf"). Blank lines and '#'
// comments are skipped.
func ParseBinfmtRegistrationLines(conf string) []string {
	var lines []string
	scanner := bufio.NewScanner(strings.NewReader(conf))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// RegisterBinfmtLines writes each registration line to
// /proc/sys/fs/binfmt_misc/register on the host, as root (binfmt_misc is a
// single kernel-wide table, so no chroot is involved).
func RegisterBinfmtLines(ctx context.Context, runner executil.Runner, lines []string) error {
	for _, line := range lines {
		script := "echo " + executil.ShellQuote(line) + " > /proc/sys/fs/binfmt_misc/register"
		res, err := executil.RunAsRoot(ctx, runner, script, executil.Options{})
		if err != nil {
			return errors.Wrapf(err, "registering binfmt handler %q", line)
		}
		if !res.Success() {
			return errors.Errorf("failed to register binfmt handler %q", line)
		}
	}
	return nil
}

// IsBinfmtRegistered verifies registration by checking that
// /proc/sys/fs/binfmt_misc/qemu-<arch> exists (spec §4.13).
func IsBinfmtRegistered(ctx context.Context, runner executil.Runner, arch string) bool {
	res, err := runner.Run(ctx, "test -e /proc/sys/fs/binfmt_misc/qemu-"+arch, executil.Options{})
	if err != nil {
		return false
	}
	return res.Success()
}
