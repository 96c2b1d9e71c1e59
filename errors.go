package kupferbuild

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel error kinds, matched with errors.Is by callers. These cover the
// fatal kinds (recipe-malformed, config-incomplete, not-found; dependency
// cycles and mount leaks use the typed errors below). The soft outcomes
// (freshness-mismatch, network-failure) are not errors: freshness.go
// reports them as "not built" with a nil error.
var (
	// ErrRecipeMalformed covers invalid _mode, subrecipe version mismatch,
	// and a repo desc entry missing NAME or VERSION. Fatal to the current
	// recipe; discovery continues processing the rest of the tree.
	// Provides/replaces name collisions are not errors: discovery logs a
	// warning and the later recipe wins.
	ErrRecipeMalformed = errors.New("recipe malformed")

	// ErrConfigIncomplete is returned at operation entry when a required
	// device or flavour is missing from the active profile.
	ErrConfigIncomplete = errors.New("config incomplete")

	// ErrNotFound mirrors the teacher's graph lookup failure: a referenced
	// recipe or dependency name isn't present in the index.
	ErrNotFound = errors.New("not found")
)

// CycleError is raised by the Dependency Solver when level assignment makes
// no further progress. It carries the set of recipe names still stuck on
// the unresolved level so the caller can report something actionable.
type CycleError struct {
	Stuck []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle among: %v", e.Stuck)
}

// MountLeakError is raised when the Chroot Core finds a kernel mount that
// its own bookkeeping doesn't know about, or vice versa. This is always
// fatal to the run; it is never silently reconciled.
type MountLeakError struct {
	Path   string
	Inside bool // true: mounted in kernel but missing from active_mounts
}

func (e *MountLeakError) Error() string {
	if e.Inside {
		return fmt.Sprintf("mount leaked: %q is mounted but not tracked", e.Path)
	}
	return fmt.Sprintf("mount leaked: %q is tracked but not mounted", e.Path)
}
