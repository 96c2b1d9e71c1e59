package kupferbuild

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

// PackageRecord is a Binary Package Record parsed from a repo desc file
// (spec §4.4): NAME, VERSION, ARCH, FILENAME, SHA256SUM plus the resolved
// download/file URL.
type PackageRecord struct {
	Name        string
	Version     string
	Arch        Arch
	Filename    string
	SHA256      string
	Depends     []string
	Provides    []string
	Replaces    []string
	ResolvedURL string
}

// parseDesc parses a sequence of %KEY%-delimited blocks into a
// PackageRecord (spec §4.4). Unrecognized keys are ignored.
func parseDesc(text string) (PackageRecord, error) {
	fields := strings.Split(text, "%")
	var pkg PackageRecord
	var key string
	for i, raw := range fields {
		field := strings.TrimSpace(raw)
		if field == "" {
			continue
		}
		if i%2 == 1 {
			key = field
			continue
		}
		switch key {
		case "NAME":
			pkg.Name = firstLine(field)
		case "VERSION":
			pkg.Version = firstLine(field)
		case "ARCH":
			pkg.Arch = Arch(firstLine(field))
		case "FILENAME":
			pkg.Filename = firstLine(field)
		case "SHA256SUM":
			pkg.SHA256 = firstLine(field)
		case "DEPENDS":
			pkg.Depends = splitLines(field)
		case "PROVIDES":
			pkg.Provides = splitLines(field)
		case "REPLACES":
			pkg.Replaces = splitLines(field)
		}
	}
	if pkg.Name == "" || pkg.Version == "" {
		return PackageRecord{}, errors.Errorf("%v: desc missing NAME or VERSION", ErrRecipeMalformed)
	}
	return pkg, nil
}

func firstLine(s string) string {
	lines := splitLines(s)
	if len(lines) == 0 {
		return ""
	}
	return lines[0]
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// resolveRepoURL expands $repo/$arch template placeholders, per spec §4.4.
func resolveRepoURL(template, repoName string, arch Arch) string {
	r := strings.ReplaceAll(template, "$repo", repoName)
	r = strings.ReplaceAll(r, "$arch", string(arch))
	return r
}

// RepoInfo is the static configuration of a channel's remote or local
// repository: URL template plus pacman.conf options.
type RepoInfo struct {
	Name        string
	URLTemplate string
	Options     map[string]string
}

// Fetcher opens the repo database file at uri, downloading it over the
// network for remote URLs. Isolated behind an interface so Scan is
// testable without real network access.
type Fetcher interface {
	Open(ctx context.Context, uri string) (io.ReadCloser, error)
}

// Repo exposes Scan() (spec §4.4): downloading or reading the repo
// database, parsing each desc file, and populating the package table.
type Repo struct {
	Name        string
	URLTemplate string
	Arch        Arch
	Options     map[string]string
	Packages    map[string]PackageRecord

	Remote      bool
	resolvedURL string
	scanned     bool
}

func NewRepo(info RepoInfo, arch Arch) *Repo {
	return &Repo{
		Name:        info.Name,
		URLTemplate: info.URLTemplate,
		Arch:        arch,
		Options:     info.Options,
		Packages:    map[string]PackageRecord{},
		Remote:      !strings.HasPrefix(info.URLTemplate, "file://"),
	}
}

// ConfigSnippet renders this repo's [name]\nServer = …\n… fragment for a
// pacman.conf (spec §4.4).
func (r *Repo) ConfigSnippet() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s]\n", r.Name)
	fmt.Fprintf(&b, "Server = %s\n", r.ResolveURL())
	for k, v := range r.Options {
		fmt.Fprintf(&b, "%s = %s\n", k, v)
	}
	return b.String()
}

// ResolveURL expands this repo's URL template for its own name/arch.
func (r *Repo) ResolveURL() string {
	r.resolvedURL = resolveRepoURL(r.URLTemplate, r.Name, r.Arch)
	r.Remote = !strings.HasPrefix(r.resolvedURL, "file://")
	return r.resolvedURL
}

// Scan downloads (remote) or reads (local) the repo database, a
// compressed tar stream of per-package desc files, and populates
// r.Packages. Modern pacman repos compress with zstd; older ones with
// gzip; Scan sniffs both before falling back to an uncompressed tar.
func (r *Repo) Scan(ctx context.Context, fetcher Fetcher, refresh bool) error {
	if r.scanned && !refresh {
		return nil
	}

	uri := fmt.Sprintf("%s/%s.db", r.ResolveURL(), r.Name)
	rc, err := fetcher.Open(ctx, uri)
	if err != nil {
		return errors.Wrapf(err, "acquiring repo index for %s", r.Name)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return errors.Wrapf(err, "reading repo index for %s", r.Name)
	}

	tr, err := openTarStream(data)
	if err != nil {
		return errors.Wrapf(err, "opening repo index archive for %s", r.Name)
	}

	packages := map[string]PackageRecord{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrapf(err, "reading repo index tar for %s", r.Name)
		}
		if path.Base(hdr.Name) != "desc" {
			continue
		}
		descBytes, err := io.ReadAll(tr)
		if err != nil {
			return err
		}
		pkg, err := parseDesc(string(descBytes))
		if err != nil {
			continue // malformed desc entries are skipped, not fatal to the scan
		}
		pkg.ResolvedURL = r.resolvedURL + "/" + pkg.Filename
		if !r.Remote {
			pkg.ResolvedURL = "file://" + strings.TrimPrefix(r.resolvedURL, "file://") + "/" + pkg.Filename
		}
		packages[pkg.Name] = pkg
	}

	r.Packages = packages
	r.scanned = true
	return nil
}

var (
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	gzipMagic = []byte{0x1f, 0x8b}
)

// openTarStream sniffs the compression format by magic bytes (zstd is
// pacman's current default for .db.tar.zst, gzip covers older .tar.gz
// archives) and returns a tar.Reader over the decompressed content.
func openTarStream(data []byte) (*tar.Reader, error) {
	switch {
	case bytes.HasPrefix(data, zstdMagic):
		dec, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		return tar.NewReader(dec.IOReadCloser()), nil
	case bytes.HasPrefix(data, gzipMagic):
		gz, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		return tar.NewReader(gz), nil
	default:
		return tar.NewReader(bytes.NewReader(data)), nil
	}
}

// GetProviders returns every package in this repo whose name, provides,
// or replaces list matches name.
func (r *Repo) GetProviders(name string) (exact, provides, replaces []PackageRecord) {
	for _, pkg := range r.Packages {
		if pkg.Name == name {
			exact = append(exact, pkg)
		}
		if containsStr(pkg.Provides, name) {
			provides = append(provides, pkg)
		}
		if containsStr(pkg.Replaces, name) {
			replaces = append(replaces, pkg)
		}
	}
	return
}

func containsStr(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
