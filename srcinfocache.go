package kupferbuild

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	digest "github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	pkgbuildFile = "PKGBUILD"
	srcinfoFile  = "SRCINFO"
	metaFile     = "srcinfo_meta.json"
)

// CacheEntry is the persisted JSON cache described in spec §3 and §6: a
// SHA-256 checksum pair over PKGBUILD and the generated SRCINFO text, the
// build-mode/nodeps flags lifted from the PKGBUILD, and whether sources
// have been materialized on disk for this recipe.
type CacheEntry struct {
	Checksums      map[string]string `json:"checksums"`
	BuildMode      *string           `json:"build_mode"`
	BuildNoDeps    *bool             `json:"build_nodeps"`
	SrcInitialised *string           `json:"src_initialised"`
}

// SrcinfoPrinter invokes `makepkg --printsrcinfo` in dir and returns its
// stdout. Isolated behind an interface so the cache logic is testable
// without a real makepkg binary; cmd/kupferbuild-levels provides a real
// one on top of executil.Runner.
type SrcinfoPrinter interface {
	PrintSrcinfo(dir string) (string, error)
}

// SrcinfoCache implements spec §4.5 over a real filesystem.
type SrcinfoCache struct {
	Printer SrcinfoPrinter
	Log     logrus.FieldLogger
}

func NewSrcinfoCache(p SrcinfoPrinter, log logrus.FieldLogger) *SrcinfoCache {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &SrcinfoCache{Printer: p, Log: log}
}

// sha256File returns the bare hex digest of a file's contents, matching the
// spec's JSON schema (no "sha256:" algorithm prefix). Binary Package
// Records use the same digest.Canonical algorithm for their expected
// content checksums (§4.10), so both paths route through go-digest.
func sha256File(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return digest.Canonical.FromBytes(data).Encoded(), nil
}

func readEntry(path string) (*CacheEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var e CacheEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	if e.Checksums == nil {
		return nil, errors.New("cache entry missing checksums")
	}
	return &e, nil
}

func writeEntry(path string, e *CacheEntry) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return err
	}
	// Written whole, in one syscall, after every field is populated: this
	// is what "atomic from the consumer's perspective" means here (spec
	// §4.5) without introducing a separate temp-file-rename dance that
	// nothing downstream actually depends on.
	return os.WriteFile(path, data, 0o644)
}

// validateChecksums reports whether both checksummed files exist on disk
// and match the entry's recorded checksums (spec §3 invariant).
func (e *CacheEntry) validateChecksums(dir string) bool {
	for _, name := range []string{pkgbuildFile, srcinfoFile} {
		want, ok := e.Checksums[name]
		if !ok {
			return false
		}
		got, err := sha256File(filepath.Join(dir, name))
		if err != nil {
			return false
		}
		if got != want {
			return false
		}
	}
	return true
}

func extractMode(pkgbuildPath string) (string, error) {
	data, err := os.ReadFile(pkgbuildPath)
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "_mode=") {
			val := strings.TrimPrefix(line, "_mode=")
			val = strings.Trim(val, "\"'")
			return val, nil
		}
	}
	return "", nil
}

func extractNoDeps(pkgbuildPath string) (bool, error) {
	data, err := os.ReadFile(pkgbuildPath)
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "_nodeps=") {
			val := strings.Trim(strings.TrimPrefix(line, "_nodeps="), "\"'")
			return val == "true" || val == "1" || val == "yes", nil
		}
	}
	return false, nil
}

// HandleDirectory implements spec §4.5's handle_directory decision tree. It
// returns the cache entry alongside the SRCINFO text's lines.
func (c *SrcinfoCache) HandleDirectory(dir string, forceRefresh bool) (*CacheEntry, []string, error) {
	metaPath := filepath.Join(dir, metaFile)
	srcinfoPath := filepath.Join(dir, srcinfoFile)
	pkgbuildPath := filepath.Join(dir, pkgbuildFile)

	entry, err := readEntry(metaPath)
	if err != nil {
		c.Log.WithField("recipe", dir).Debug("no usable srcinfo_meta.json, regenerating")
		return c.regenerate(dir)
	}

	var lines []string
	if _, statErr := os.Stat(srcinfoPath); os.IsNotExist(statErr) {
		if _, statErr := os.Stat(pkgbuildPath); statErr != nil {
			return nil, nil, errors.Wrap(statErr, "neither SRCINFO nor PKGBUILD present")
		}
		text, err := c.Printer.PrintSrcinfo(dir)
		if err != nil {
			return nil, nil, errors.Wrap(err, "regenerate SRCINFO only")
		}
		if err := os.WriteFile(srcinfoPath, []byte(text), 0o644); err != nil {
			return nil, nil, err
		}
		lines = strings.Split(text, "\n")
	}

	if !entry.validateChecksums(dir) {
		return c.regenerate(dir)
	}

	if forceRefresh {
		return c.regenerate(dir)
	}

	if lines == nil {
		data, err := os.ReadFile(srcinfoPath)
		if err != nil {
			return nil, nil, err
		}
		lines = strings.Split(string(data), "\n")
	}

	return entry, lines, nil
}

// regenerate runs `makepkg --printsrcinfo`, rewrites SRCINFO and the cache
// entry, and returns the fresh lines.
func (c *SrcinfoCache) regenerate(dir string) (*CacheEntry, []string, error) {
	text, err := c.Printer.PrintSrcinfo(dir)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "%s: makepkg --printsrcinfo failed", dir)
	}

	srcinfoPath := filepath.Join(dir, srcinfoFile)
	if err := os.WriteFile(srcinfoPath, []byte(text), 0o644); err != nil {
		return nil, nil, err
	}

	pkgbuildPath := filepath.Join(dir, pkgbuildFile)
	pkgbuildSum, err := sha256File(pkgbuildPath)
	if err != nil {
		return nil, nil, err
	}
	srcinfoSum, err := sha256File(srcinfoPath)
	if err != nil {
		return nil, nil, err
	}

	rawMode, err := extractMode(pkgbuildPath)
	if err != nil {
		return nil, nil, err
	}

	var modePtr *string
	mode, warned, err := validateMode(rawMode)
	if err != nil {
		return nil, nil, err
	}
	if warned {
		c.Log.WithField("recipe", dir).Warn("PKGBUILD has no _mode set, defaulting to host")
	}
	modeStr := string(mode)
	modePtr = &modeStr

	nodeps, err := extractNoDeps(pkgbuildPath)
	if err != nil {
		return nil, nil, err
	}

	entry := &CacheEntry{
		Checksums: map[string]string{
			pkgbuildFile: pkgbuildSum,
			srcinfoFile:  srcinfoSum,
		},
		BuildMode:   modePtr,
		BuildNoDeps: &nodeps,
	}

	metaPath := filepath.Join(dir, metaFile)
	if err := writeEntry(metaPath, entry); err != nil {
		return nil, nil, err
	}

	return entry, strings.Split(text, "\n"), nil
}

// MarkSourcesInitialised flips the src_initialised flag after the Build
// Orchestrator materializes a recipe's sources via `makepkg --nobuild`
// (spec §4.5 last sentence).
func (c *SrcinfoCache) MarkSourcesInitialised(dir, version string) error {
	metaPath := filepath.Join(dir, metaFile)
	entry, err := readEntry(metaPath)
	if err != nil {
		return err
	}
	v := version
	entry.SrcInitialised = &v
	return writeEntry(metaPath, entry)
}
