package kupferbuild

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// compressionExts are the package archive extensions CheckPackageVersionBuilt
// probes for on disk, in the order the original decision tree checks them
// (spec §4.10 step 3: ".zst, .xz").
var compressionExts = []string{".zst", ".xz"}

// stripExts additionally recognizes .gz, for comparing against filenames
// recorded by older repo DBs that predate the zstd default.
var stripExts = append(append([]string{}, compressionExts...), ".gz")

// ExpectedFilename renders name-version-arch.pkg.tar.zst, substituting
// ArchAny when the recipe is architecture-independent (spec §4.10 step 1).
func ExpectedFilename(recipe *Recipe, arch Arch) string {
	return fmt.Sprintf("%s-%s-%s.pkg.tar.zst", recipe.Base, recipe.Version(), filenameArch(recipe, arch))
}

func filenameArch(recipe *Recipe, arch Arch) Arch {
	if len(recipe.Arches) == 1 && recipe.Arches[0] == ArchAny {
		return ArchAny
	}
	return arch
}

// stripCompressionExt trims a trailing .zst/.xz (or .gz, for completeness
// with older archives) off a pkg.tar filename, yielding the bare
// "name-version-arch.pkg.tar" stem used to compare filenames across
// compression formats.
func stripCompressionExt(filename string) string {
	for _, ext := range stripExts {
		if strings.HasSuffix(filename, ext) {
			return strings.TrimSuffix(filename, ext)
		}
	}
	return filename
}

// CheckPackageVersionBuilt implements the Artifact Freshness decision tree
// (spec §4.10): is recipe already built, for arch, in the local repo?
//
// localRepo is the channel-scoped repo for arch; otherArchRepos holds the
// same channel's LocalRepo for every other known architecture, consulted
// only for -any packages. fetcher and remoteBaseURL are only used when
// tryDownload is set; remoteBaseURL may be empty to disable the HTTPS
// fallback even when tryDownload is true.
func CheckPackageVersionBuilt(
	ctx context.Context,
	recipe *Recipe,
	arch Arch,
	localRepo *LocalRepo,
	otherArchRepos map[Arch]*LocalRepo,
	fetcher Fetcher,
	remoteBaseURL string,
	tryDownload bool,
	log logrus.FieldLogger,
) (bool, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	filename := ExpectedFilename(recipe, arch)
	stem := stripCompressionExt(filename)
	if !strings.HasSuffix(stem, ".pkg.tar") {
		return false, errors.Errorf("%s: stripped filename has unknown extension: %s", recipe.Base, filename)
	}
	anyArch := filenameArch(recipe, arch) == ArchAny

	if ok, _ := dbEntryMatches(localRepo, recipe, arch, stem, anyArch); ok {
		return true, nil
	}

	file, found := probeChannelDir(localRepo.ChannelDir, stem)
	if !found && anyArch {
		if exact := filepath.Join(localRepo.ChannelDir, filename); fileExists(exact) {
			file, found = exact, true
		}
	}
	if !found && anyArch {
		for otherArch, otherRepo := range otherArchRepos {
			if otherArch == arch || otherRepo == nil {
				continue
			}
			candidate := filepath.Join(otherRepo.ChannelDir, filename)
			if fileExists(candidate) {
				file, found = candidate, true
				break
			}
		}
	}

	if !found && tryDownload && remoteBaseURL != "" {
		downloaded, err := downloadPackage(ctx, fetcher, remoteBaseURL, filename)
		if err != nil {
			return false, err
		}
		if downloaded != "" {
			file, found = downloaded, true
		}
	}

	if !found {
		return false, nil
	}

	if _, err := localRepo.AddFileToRepo(ctx, file, false); err != nil {
		return false, errors.Wrapf(err, "re-inserting discovered artifact %s", file)
	}
	// Rescanning the repo DB after this insertion is the Build
	// Orchestrator's responsibility (spec §4.11 step 6), not this
	// function's — CheckPackageVersionBuilt only answers the freshness
	// question for the current call.

	if anyArch {
		propagateAnyArch(ctx, file, filename, arch, otherArchRepos, log)
	}

	return true, nil
}

// dbEntryMatches implements spec §4.10 step 2: DB lookup plus on-disk
// checksum confirmation.
func dbEntryMatches(localRepo *LocalRepo, recipe *Recipe, arch Arch, stem string, anyArch bool) (bool, string) {
	pkg, ok := localRepo.Packages[recipe.Base]
	if !ok {
		return false, ""
	}
	if pkg.Version != recipe.Version() {
		return false, ""
	}
	if anyArch {
		if pkg.Arch != ArchAny {
			return false, ""
		}
	} else if pkg.Arch != arch {
		return false, ""
	}
	if stripCompressionExt(pkg.Filename) != stem {
		return false, ""
	}
	filePath := strings.TrimPrefix(pkg.ResolvedURL, "file://")
	if !fileExists(filePath) {
		return false, ""
	}
	if pkg.SHA256 == "" {
		return false, ""
	}
	sum, err := sha256File(filePath)
	if err != nil || sum != pkg.SHA256 {
		return false, ""
	}
	return true, filePath
}

// probeChannelDir looks for stem with each supported compression
// extension in dir (spec §4.10 step 3).
func probeChannelDir(dir, stem string) (string, bool) {
	for _, ext := range compressionExts {
		candidate := filepath.Join(dir, stem+ext)
		if fileExists(candidate) {
			return candidate, true
		}
	}
	return "", false
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// downloadPackage attempts the HTTPS fallback (spec §4.10 step 5). The
// requested filename is always the recipe's own ExpectedFilename, so name/
// version/(modulo-compression) matching is guaranteed by construction; a
// 404 or network failure is treated as "not found", not fatal.
func downloadPackage(ctx context.Context, fetcher Fetcher, remoteBaseURL, filename string) (string, error) {
	if fetcher == nil {
		return "", nil
	}
	uri := strings.TrimSuffix(remoteBaseURL, "/") + "/" + filename
	rc, err := fetcher.Open(ctx, uri)
	if err != nil {
		return "", nil
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return "", errors.Wrapf(err, "reading downloaded package %s", filename)
	}

	tmp, err := os.CreateTemp("", "kupferbuild-download-*")
	if err != nil {
		return "", errors.Wrap(err, "creating temp file for download")
	}
	defer tmp.Close()
	if _, err := tmp.Write(data); err != nil {
		return "", errors.Wrap(err, "writing downloaded package")
	}
	renamed := filepath.Join(os.TempDir(), filename)
	if err := os.Rename(tmp.Name(), renamed); err != nil {
		return "", errors.Wrap(err, "staging downloaded package")
	}
	return renamed, nil
}

// propagateAnyArch copies file into every sibling architecture's channel
// that doesn't already have it (spec §4.10 step 6). Propagation is
// best-effort: a failure here doesn't change the freshness verdict already
// returned for arch, but it warns rather than disappearing silently (spec
// §4.10/§7: any-arch propagation "warns and proceeds").
func propagateAnyArch(ctx context.Context, file, filename string, arch Arch, otherArchRepos map[Arch]*LocalRepo, log logrus.FieldLogger) {
	for otherArch, otherRepo := range otherArchRepos {
		if otherArch == arch || otherRepo == nil {
			continue
		}
		target := filepath.Join(otherRepo.ChannelDir, filename)
		if fileExists(target) {
			continue
		}
		if _, err := otherRepo.AddFileToRepo(ctx, file, false); err != nil {
			log.WithError(err).Warnf("propagating %s to %s failed", filename, otherArch)
			continue
		}
	}
}
