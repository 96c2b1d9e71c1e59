package config

import (
	"bytes"
	"os"
	"sort"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ProfilesSection is the [profiles] table: a "current" selector plus one
// arbitrarily-named sub-table per profile (scheme.py's ProfilesSection,
// which accepts extra profile names beyond "default").
type ProfilesSection struct {
	Current string
	Named   map[string]Profile
}

// Get resolves name, walking Parent chains (cycle-guarded) and merging
// each ancestor's fields under its child's, closest profile winning.
func (s ProfilesSection) Get(name string) (Profile, bool) {
	visited := map[string]bool{}
	var resolve func(n string) (Profile, bool)
	resolve = func(n string) (Profile, bool) {
		if visited[n] {
			return Profile{}, false
		}
		visited[n] = true
		p, ok := s.Named[n]
		if !ok {
			return Profile{}, false
		}
		if p.Parent == "" {
			return p, true
		}
		parent, ok := resolve(p.Parent)
		if !ok {
			return p, true
		}
		return parent.Merge(p), true
	}
	return resolve(name)
}

// CurrentProfile resolves the profile named by Current.
func (s ProfilesSection) CurrentProfile() (Profile, bool) {
	return s.Get(s.Current)
}

// Config models the whole TOML document (scheme.py's Config): the build
// toggles, pkgbuilds source, pacman knobs, path roots, and profile table
// every higher layer reads to select a target architecture.
type Config struct {
	Wrapper   WrapperSection
	Build     BuildSection
	Pkgbuilds PkgbuildsSection
	Pacman    PacmanSection
	Paths     PathsSection
	Profiles  ProfilesSection

	// unknown holds every top-level key this struct doesn't model, kept
	// verbatim so Save round-trips it (spec §9 Design Notes:
	// "warn-on-read, persist-on-write").
	unknown map[string]interface{}
}

// knownTopLevelKeys are the sections Config models directly; anything else
// in the document is preserved in unknown.
var knownTopLevelKeys = map[string]bool{
	"wrapper": true, "build": true, "pkgbuilds": true,
	"pacman": true, "paths": true, "profiles": true,
}

// Load parses path as TOML into a Config, warning about (but not failing
// on) unrecognized keys and retaining them for Save to round-trip.
func Load(path string, log logrus.FieldLogger) (*Config, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config %s", path)
	}

	var raw map[string]interface{}
	if _, err := toml.Decode(string(data), &raw); err != nil {
		return nil, errors.Wrapf(err, "parsing config %s", path)
	}

	cfg := &Config{
		Paths:   DefaultPaths(),
		unknown: map[string]interface{}{},
	}

	for key, value := range raw {
		if !knownTopLevelKeys[key] {
			cfg.unknown[key] = value
			log.Warnf("config %s: ignoring unrecognized top-level key %q", path, key)
			continue
		}
	}

	var known struct {
		Wrapper   WrapperSection
		Build     BuildSection
		Pkgbuilds PkgbuildsSection
		Pacman    PacmanSection
		Paths     PathsSection
	}
	if _, err := toml.Decode(string(data), &known); err != nil {
		return nil, errors.Wrapf(err, "decoding config %s", path)
	}
	cfg.Wrapper = known.Wrapper
	cfg.Build = known.Build
	cfg.Pkgbuilds = known.Pkgbuilds
	cfg.Pacman = known.Pacman
	if _, ok := raw["paths"]; ok {
		cfg.Paths = known.Paths
	}

	profiles, err := decodeProfiles(raw["profiles"])
	if err != nil {
		return nil, errors.Wrapf(err, "decoding profiles in %s", path)
	}
	cfg.Profiles = profiles

	return cfg, nil
}

// decodeProfiles turns the raw ["profiles"] map (itself already decoded
// generically by toml.Decode into Go values) into a ProfilesSection.
func decodeProfiles(raw interface{}) (ProfilesSection, error) {
	section := ProfilesSection{Named: map[string]Profile{}}
	table, ok := raw.(map[string]interface{})
	if !ok {
		return section, nil
	}
	for key, value := range table {
		if key == "current" {
			if s, ok := value.(string); ok {
				section.Current = s
			}
			continue
		}
		sub, ok := value.(map[string]interface{})
		if !ok {
			continue
		}
		section.Named[key] = profileFromMap(sub)
	}
	return section, nil
}

func profileFromMap(m map[string]interface{}) Profile {
	var p Profile
	if v, ok := m["parent"].(string); ok {
		p.Parent = v
	}
	if v, ok := m["device"].(string); ok {
		p.Device = v
	}
	if v, ok := m["flavour"].(string); ok {
		p.Flavour = v
	}
	if v, ok := m["hostname"].(string); ok {
		p.Hostname = v
	}
	if v, ok := m["username"].(string); ok {
		p.Username = v
	}
	if v, ok := m["password"].(string); ok {
		p.Password = v
	}
	if v, ok := m["pkgs_include"].([]interface{}); ok {
		p.PkgsInclude = toStringSlice(v)
	}
	if v, ok := m["pkgs_exclude"].([]interface{}); ok {
		p.PkgsExclude = toStringSlice(v)
	}
	if v, ok := m["size_extra_mb"].(int64); ok {
		p.SizeExtraMB = int(v)
	}
	return p
}

func toStringSlice(values []interface{}) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Save re-encodes the config to path, folding the preserved unknown
// top-level keys back in alongside the known sections.
func (c *Config) Save(path string) error {
	doc := map[string]interface{}{
		"wrapper":   c.Wrapper,
		"build":     c.Build,
		"pkgbuilds": c.Pkgbuilds,
		"pacman":    c.Pacman,
		"paths":     c.Paths,
		"profiles":  c.profilesAsMap(),
	}
	for key, value := range c.unknown {
		doc[key] = value
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
		return errors.Wrap(err, "encoding config")
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return errors.Wrapf(err, "writing config %s", path)
	}
	return nil
}

func (c *Config) profilesAsMap() map[string]interface{} {
	out := map[string]interface{}{"current": c.Profiles.Current}
	names := make([]string, 0, len(c.Profiles.Named))
	for name := range c.Profiles.Named {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		out[name] = c.Profiles.Named[name]
	}
	return out
}
