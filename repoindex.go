package kupferbuild

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/kupferbootstrap/kupferbuild/internal/executil"
)

// pkgExtensions are the makepkg-forced output extensions a freshly built
// package can carry (spec §4.12 "Forced extension by makepkg.conf").
var pkgExtensions = []string{".pkg.tar.xz", ".pkg.tar.zst"}

// LocalRepo wraps a Repo with the on-disk mutation operations the Build
// Orchestrator needs after a successful build: inserting new package files
// into the channel directory and its repo-add database (spec §4.12).
type LocalRepo struct {
	*Repo

	// ChannelDir is the on-disk directory holding this channel's package
	// files and database for Arch (e.g. <packages>/<arch>/<channel>).
	ChannelDir string
	// PacmanCacheDir is the arch-scoped pacman cache directory, used to
	// evict stale same-named cache entries after an insert.
	PacmanCacheDir string

	Runner      executil.Runner
	initialized bool
}

// NewLocalRepo constructs a LocalRepo rooted at channelDir for arch.
func NewLocalRepo(name string, arch Arch, channelDir, pacmanCacheDir string, runner executil.Runner) *LocalRepo {
	return &LocalRepo{
		Repo:           NewRepo(RepoInfo{Name: name, URLTemplate: "file://" + channelDir, Options: map[string]string{"SigLevel": "Never"}}, arch),
		ChannelDir:     channelDir,
		PacmanCacheDir: pacmanCacheDir,
		Runner:         runner,
	}
}

// Init creates the channel directory and, if missing, empty repo database
// and files archives so pacman can reference the channel before its first
// package is ever added (spec §4.12 "init-if-missing").
func (lr *LocalRepo) Init(ctx context.Context) error {
	if lr.initialized {
		return nil
	}
	if err := os.MkdirAll(lr.ChannelDir, 0o755); err != nil {
		return errors.Wrapf(err, "creating channel dir %s", lr.ChannelDir)
	}
	for _, ext := range []string{"db", "files"} {
		for _, suffix := range []string{"", ".tar.xz"} {
			target := filepath.Join(lr.ChannelDir, lr.Name+"."+ext+suffix)
			if _, err := os.Stat(target); err == nil {
				continue
			}
			script := "tar -czf " + executil.ShellQuote(target) + " -T /dev/null"
			res, err := lr.Runner.Run(ctx, script, executil.Options{Cwd: lr.ChannelDir})
			if err != nil {
				return errors.Wrapf(err, "creating empty repo archive %s", target)
			}
			if !res.Success() {
				return errors.Errorf("failed to create prebuilt repo archive %s", target)
			}
		}
	}
	lr.initialized = true
	return nil
}

// CopyFileToRepo copies filePath into the channel directory, skipping the
// copy if a byte-identical file is already there, and returns the in-repo
// path (spec §4.12 local_repo.copy_file_to_repo). The source is removed
// after a successful copy iff removeOriginal is set.
func (lr *LocalRepo) CopyFileToRepo(filePath string, removeOriginal bool) (string, error) {
	fileName := filepath.Base(filePath)
	target := filepath.Join(lr.ChannelDir, fileName)

	if err := os.MkdirAll(lr.ChannelDir, 0o755); err != nil {
		return "", errors.Wrapf(err, "creating channel dir %s", lr.ChannelDir)
	}

	if filePath == target {
		return target, nil
	}

	srcSum, err := sha256File(filePath)
	if err != nil {
		return "", errors.Wrapf(err, "hashing %s", filePath)
	}
	if dstSum, err := sha256File(target); err == nil && dstSum == srcSum {
		if removeOriginal {
			return target, os.Remove(filePath)
		}
		return target, nil
	}

	if err := copyFile(filePath, target); err != nil {
		return "", errors.Wrapf(err, "copying %s to %s", filePath, target)
	}
	if removeOriginal {
		if err := os.Remove(filePath); err != nil {
			return "", errors.Wrapf(err, "removing original %s", filePath)
		}
	}
	return target, nil
}

// AddFileToRepo copies file into the channel, evicts any stale pacman-cache
// copy of the same filename, invokes repo-add, then removes the .old
// backups repo-add leaves behind (spec §4.12). The source file is removed
// after the copy iff removeOriginal is set — Artifact Freshness's
// rediscovery paths (§4.10) pass false since the "original" may be another
// architecture's channel copy that must survive.
func (lr *LocalRepo) AddFileToRepo(ctx context.Context, filePath string, removeOriginal bool) (string, error) {
	if err := lr.Init(ctx); err != nil {
		return "", err
	}

	target, err := lr.CopyFileToRepo(filePath, removeOriginal)
	if err != nil {
		return "", err
	}

	if lr.PacmanCacheDir != "" {
		cacheFile := filepath.Join(lr.PacmanCacheDir, filepath.Base(filePath))
		targetSum, err := sha256File(target)
		if err == nil {
			if cacheSum, err := sha256File(cacheFile); err == nil && cacheSum != targetSum {
				_ = os.Remove(cacheFile)
			}
		}
	}

	if err := lr.runRepoAdd(ctx, target); err != nil {
		return "", err
	}
	return target, nil
}

func (lr *LocalRepo) runRepoAdd(ctx context.Context, targetFile string) error {
	dbPath := filepath.Join(lr.ChannelDir, lr.Name+".db.tar.xz")
	script := "repo-add --remove " + executil.ShellQuote(dbPath) + " " + executil.ShellQuote(targetFile)
	res, err := lr.Runner.Run(ctx, script, executil.Options{})
	if err != nil {
		return errors.Wrapf(err, "running repo-add for %s", targetFile)
	}
	if !res.Success() {
		return errors.Errorf("failed to add package %s to repo %s", targetFile, lr.Name)
	}

	for _, ext := range []string{"db", "files"} {
		file := filepath.Join(lr.ChannelDir, lr.Name+"."+ext)
		archive := file + ".tar.xz"
		if _, err := os.Stat(archive); err == nil {
			_ = os.Remove(file)
			if err := copyFile(archive, file); err != nil {
				return errors.Wrapf(err, "relinking %s", file)
			}
		}
		old := archive + ".old"
		if _, err := os.Stat(old); err == nil {
			_ = os.Remove(old)
		}
	}
	return nil
}

// AddPackageToRepo moves every .pkg.tar.{xz,zst} file sitting next to
// recipe's PKGBUILD into this channel and, for -any packages, first replicates
// them (without removing the original) into every other architecture's
// channel via otherArchChannelDirs (spec §4.12 add_package_to_repo).
func (lr *LocalRepo) AddPackageToRepo(ctx context.Context, recipe *Recipe, pkgbuildDir string, otherArchChannelDirs map[Arch]string) ([]string, error) {
	entries, err := os.ReadDir(pkgbuildDir)
	if err != nil {
		return nil, errors.Wrapf(err, "listing %s", pkgbuildDir)
	}

	var added []string
	for _, entry := range entries {
		if entry.IsDir() || !hasPkgExtension(entry.Name()) {
			continue
		}
		srcPath := filepath.Join(pkgbuildDir, entry.Name())

		if isAnyArchPackageName(entry.Name()) {
			for arch, channelDir := range otherArchChannelDirs {
				other := NewLocalRepo(lr.Name, arch, channelDir, "", lr.Runner)
				replicaPath, err := replicateFile(srcPath, filepath.Join(channelDir, entry.Name()))
				if err != nil {
					return added, err
				}
				if err := other.Init(ctx); err != nil {
					return added, err
				}
				if err := other.runRepoAdd(ctx, replicaPath); err != nil {
					return added, err
				}
			}
		}

		target, err := lr.AddFileToRepo(ctx, srcPath, true)
		if err != nil {
			return added, err
		}
		added = append(added, target)
	}
	return added, nil
}

func hasPkgExtension(name string) bool {
	for _, ext := range pkgExtensions {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

func isAnyArchPackageName(name string) bool {
	return strings.Contains(name, "-"+string(ArchAny)+".pkg.tar")
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

// replicateFile copies src to dst without removing src (spec §4.12: -any
// packages are replicated to other arches "without removing the original").
func replicateFile(src, dst string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", errors.Wrapf(err, "creating %s", filepath.Dir(dst))
	}
	if err := copyFile(src, dst); err != nil {
		return "", errors.Wrapf(err, "replicating %s to %s", src, dst)
	}
	return dst, nil
}
