// Package kupferbuild implements the build core of a cross-architecture
// Linux distribution bootstrapper: recipe discovery and parsing, alpm-style
// version comparison, dependency-level scheduling, local/remote binary repo
// handling, and the SRCINFO metadata cache that anchors rebuild freshness.
//
// Host-facing concerns that require root privileges or real kernel mounts
// (chroot lifecycle, subprocess execution, filesystem ops) live under
// internal/, and are consumed by the build orchestrator in ./build.
package kupferbuild
