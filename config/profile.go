// Package config models the device/flavour/profile scheme the build core
// consumes to pick a target architecture and resolve default on-disk paths
// (grounded on original_source/config/scheme.py and config/state.py),
// parsed from TOML.
package config

// Profile is one named build target: a device/flavour pair plus the
// per-image customizations layered on top of it. Parent lets a profile
// inherit from another by name, the way SparseProfile.parent does in the
// original scheme.
type Profile struct {
	Parent      string   `toml:"parent,omitempty"`
	Device      string   `toml:"device"`
	Flavour     string   `toml:"flavour"`
	PkgsInclude []string `toml:"pkgs_include,omitempty"`
	PkgsExclude []string `toml:"pkgs_exclude,omitempty"`
	Hostname    string   `toml:"hostname,omitempty"`
	Username    string   `toml:"username,omitempty"`
	Password    string   `toml:"password,omitempty"`
	SizeExtraMB int      `toml:"size_extra_mb,omitempty"`
}

// Merge layers override on top of p, returning a new Profile. Empty fields
// in override leave p's value untouched; non-empty fields replace it. Parent
// is the exception: it is always taken from override, even when empty. This
// is how a profile inherits from the one named in its Parent field.
func (p Profile) Merge(override Profile) Profile {
	out := p
	if override.Device != "" {
		out.Device = override.Device
	}
	if override.Flavour != "" {
		out.Flavour = override.Flavour
	}
	if len(override.PkgsInclude) > 0 {
		out.PkgsInclude = override.PkgsInclude
	}
	if len(override.PkgsExclude) > 0 {
		out.PkgsExclude = override.PkgsExclude
	}
	if override.Hostname != "" {
		out.Hostname = override.Hostname
	}
	if override.Username != "" {
		out.Username = override.Username
	}
	if override.Password != "" {
		out.Password = override.Password
	}
	if override.SizeExtraMB != 0 {
		out.SizeExtraMB = override.SizeExtraMB
	}
	out.Parent = override.Parent
	return out
}
