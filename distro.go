package kupferbuild

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// Distro groups one repo per channel for one architecture (spec §4.4).
type Distro struct {
	Arch  Arch
	Repos map[Channel]*Repo
}

// NewDistro builds a Distro from per-channel RepoInfo, optionally scanning
// every repo immediately.
func NewDistro(ctx context.Context, arch Arch, repoInfos map[Channel]RepoInfo, fetcher Fetcher, scan bool) (*Distro, error) {
	d := &Distro{Arch: arch, Repos: map[Channel]*Repo{}}
	for channel, info := range repoInfos {
		repo := NewRepo(info, arch)
		if scan {
			if err := repo.Scan(ctx, fetcher, false); err != nil {
				return nil, errors.Wrapf(err, "scanning channel %s", channel)
			}
		}
		d.Repos[channel] = repo
	}
	return d, nil
}

// ReposConfigSnippet concatenates every repo's config_snippet, channel
// order preserved, with extraRepos appended (spec §4.4).
func (d *Distro) ReposConfigSnippet(channelOrder []Channel, extraRepos map[Channel]RepoInfo) string {
	var parts []string
	for _, ch := range channelOrder {
		if repo, ok := d.Repos[ch]; ok {
			parts = append(parts, repo.ConfigSnippet())
		}
	}
	for name, info := range extraRepos {
		extra := NewRepo(info, d.Arch)
		extra.Name = string(name)
		parts = append(parts, extra.ConfigSnippet())
	}
	return strings.Join(parts, "\n\n")
}

// GetPacmanConf emits a text config fragment consumable by the package
// manager inside a chroot, with channel order preserved and extra repos
// appended (spec §4.4). pacmanConfBody is the non-repo preamble (e.g.
// architecture, parallel downloads, cache settings), supplied by the
// caller since its knobs live outside this module's scope.
func (d *Distro) GetPacmanConf(pacmanConfBody string, channelOrder []Channel, extraRepos map[Channel]RepoInfo) string {
	return pacmanConfBody + d.ReposConfigSnippet(channelOrder, extraRepos)
}

// RewriteLocalURLsForHost rewrites local (file://) repo URLs that point at
// an in-chroot path to their host-absolute equivalent, for a pacman.conf
// generated for use outside a chroot (spec §4.4).
func (d *Distro) RewriteLocalURLsForHost(inChrootPrefix, hostPrefix string) {
	for _, repo := range d.Repos {
		if strings.HasPrefix(repo.URLTemplate, "file://"+inChrootPrefix) {
			repo.URLTemplate = strings.Replace(repo.URLTemplate, "file://"+inChrootPrefix, "file://"+hostPrefix, 1)
		}
	}
}

// GetProviders searches every repo in the distro for name, merging
// results by channel.
func (d *Distro) GetProviders(name string) map[Channel]struct{ Exact, Provides, Replaces []PackageRecord } {
	out := map[Channel]struct{ Exact, Provides, Replaces []PackageRecord }{}
	for ch, repo := range d.Repos {
		exact, provides, replaces := repo.GetProviders(name)
		if len(exact)+len(provides)+len(replaces) > 0 {
			out[ch] = struct{ Exact, Provides, Replaces []PackageRecord }{exact, provides, replaces}
		}
	}
	return out
}
