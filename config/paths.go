package config

import (
	"path/filepath"

	"github.com/adrg/xdg"
)

// BuildSection is the [build] table: the same boolean toggles the Build
// Orchestrator's options (build.Options) are sourced from in a real
// deployment (spec §4.11).
type BuildSection struct {
	Ccache       bool `toml:"ccache"`
	CleanMode    bool `toml:"clean_mode"`
	Crosscompile bool `toml:"crosscompile"`
	Crossdirect  bool `toml:"crossdirect"`
	Threads      int  `toml:"threads"`
}

// PkgbuildsSection is the [pkgbuilds] table: where the recipe tree Recipe
// Discovery (spec §4.6) walks is cloned from.
type PkgbuildsSection struct {
	GitRepo   string `toml:"git_repo"`
	GitBranch string `toml:"git_branch"`
}

// PacmanSection is the [pacman] table: knobs for the pacman.conf preamble
// Distro.GetPacmanConf's caller supplies (spec §4.4).
type PacmanSection struct {
	ParallelDownloads int    `toml:"parallel_downloads"`
	CheckSpace        bool   `toml:"check_space"`
	RepoBranch        string `toml:"repo_branch"`
}

// PathsSection is the [paths] table: the on-disk layout roots named in
// spec §6, defaulting under an XDG base directory rather than a hardcoded
// /var/... tree.
type PathsSection struct {
	CacheDir  string `toml:"cache_dir"`
	Chroots   string `toml:"chroots"`
	Pacman    string `toml:"pacman"`
	Packages  string `toml:"packages"`
	Pkgbuilds string `toml:"pkgbuilds"`
	Jumpdrive string `toml:"jumpdrive"`
	Images    string `toml:"images"`
	Ccache    string `toml:"ccache"`
	Rust      string `toml:"rust"`
}

// WrapperSection is the [wrapper] table: which container/VM wrapper (if
// any) re-execs the tool. The build core itself never reads this — it's
// carried purely so config round-trips unknown-key-free (spec §9 Design
// Notes).
type WrapperSection struct {
	Type string `toml:"type"`
}

// DefaultPaths resolves the spec §6 layout under the XDG cache home,
// mirroring state.py's get_path_vars() but rooted at an XDG-compliant
// directory instead of a hardcoded path.
func DefaultPaths() PathsSection {
	root := filepath.Join(xdg.CacheHome, "kupferbuild")
	return PathsSection{
		CacheDir:  root,
		Chroots:   filepath.Join(root, "chroot"),
		Pacman:    filepath.Join(root, "pacman"),
		Packages:  filepath.Join(root, "packages"),
		Pkgbuilds: filepath.Join(root, "pkgbuilds"),
		Jumpdrive: filepath.Join(root, "jumpdrive"),
		Images:    filepath.Join(root, "images"),
		Ccache:    filepath.Join(xdg.CacheHome, "ccache"),
		Rust:      filepath.Join(xdg.CacheHome, "kupferbuild-cargo"),
	}
}

// PacmanCacheForArch, ChannelDir, and ChrootPath resolve the per-arch
// and per-channel subdirectories spec §6 describes relative to the roots
// above.
func (p PathsSection) PacmanCacheForArch(arch string) string {
	return filepath.Join(p.Pacman, arch)
}

func (p PathsSection) ChannelDir(arch, channel string) string {
	return filepath.Join(p.Packages, arch, channel)
}

func (p PathsSection) ChrootPath(name string) string {
	return filepath.Join(p.Chroots, name)
}
