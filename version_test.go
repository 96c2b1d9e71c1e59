package kupferbuild

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompareKnownVectors(t *testing.T) {
	// Drawn from pacman's libalpm vercmp test suite (the alpm comparator
	// spec §4.1 says this must match).
	cases := []struct {
		a, b string
		want VerCmp
	}{
		{"1.0a", "1.0b", RightNewer},
		{"1.0b", "1.0a", LeftNewer},
		{"1.0", "1.0", Equal},
		{"1.0", "1.1", RightNewer},
		{"1.1", "1.0", LeftNewer},
		{"1.0", "1.0a", LeftNewer},
		{"1.0a", "1.0", RightNewer},
		{"1.0a", "1.0a", Equal},
		{"1.0a1", "1.0a", LeftNewer},
		{"1.0", "1.0.1", RightNewer},
		{"1.0.1", "1.0", LeftNewer},
		{"1.0.1", "1.0a", LeftNewer},
		{"1.0a", "1.0.1", RightNewer},
		{"2.0", "2.0a", LeftNewer},
		{"2.0a", "2.0", RightNewer},
		{"0:1.0", "1.0", Equal},
		{"1:1.0", "1.0", LeftNewer},
		{"1.0", "1:1.0", RightNewer},
		{"1.0-1", "1.0-2", RightNewer},
		{"1.0-2", "1.0-1", LeftNewer},
	}

	for _, c := range cases {
		got := Compare(c.a, c.b)
		assert.Equalf(t, c.want, got, "Compare(%q, %q)", c.a, c.b)
		// antisymmetric
		assert.Equal(t, -c.want, Compare(c.b, c.a), "antisymmetry for (%q, %q)", c.a, c.b)
	}
}

func TestCompareReflexiveAndTotalOrder(t *testing.T) {
	versions := []string{"0.1-1", "1.0-1", "1.0-2", "1:0.1-1", "2.0.0-1", "2.0.0a-1", "2.0.1-1"}
	for _, v := range versions {
		assert.Equal(t, Equal, Compare(v, v))
	}

	for i := range versions {
		for j := range versions {
			for k := range versions {
				ab := Compare(versions[i], versions[j])
				bc := Compare(versions[j], versions[k])
				ac := Compare(versions[i], versions[k])
				if ab <= 0 && bc <= 0 {
					assert.LessOrEqualf(t, int(ac), 0, "transitivity violated for %v", []string{versions[i], versions[j], versions[k]})
				}
			}
		}
	}
}
