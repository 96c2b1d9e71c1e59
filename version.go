package kupferbuild

import (
	"strconv"
	"strings"

	"golang.org/x/exp/constraints"
)

// VerCmp is the result of comparing two versions, matching the sign
// convention of the alpm/pacman comparator this mirrors: a negative result
// means the right-hand side is newer, zero means equal, positive means the
// left-hand side is newer.
type VerCmp int

const (
	RightNewer VerCmp = -1
	Equal      VerCmp = 0
	LeftNewer  VerCmp = 1
)

// evr is the parsed Epoch:Version-Release of a package version string.
// Release is split into a major/minor pair since PKGBUILD pkgrel may be
// either a bare integer or "major.minor".
type evr struct {
	epoch      int
	version    string
	release    int
	subrelease int
}

// parseEVR parses "[epoch:]pkgver[-pkgrel]" per spec §3. A missing epoch
// defaults to 0, a missing release defaults to 1.
func parseEVR(input string) evr {
	e := evr{release: 1}

	rest := input
	if idx := strings.IndexByte(rest, ':'); idx >= 0 {
		epochStr, tail := rest[:idx], rest[idx+1:]
		if n, err := strconv.Atoi(epochStr); err == nil {
			e.epoch = n
		}
		rest = tail
	}

	e.version = rest
	if idx := strings.LastIndexByte(rest, '-'); idx >= 0 {
		version, relStr := rest[:idx], rest[idx+1:]
		e.version = version
		if n, err := strconv.Atoi(relStr); err == nil {
			e.release = n
		} else if maj, min, ok := splitMajorMinor(relStr); ok {
			e.release = maj
			e.subrelease = min
		}
	}

	return e
}

func splitMajorMinor(s string) (int, int, bool) {
	parts := strings.Split(s, ".")
	if len(parts) != 2 {
		return 0, 0, false
	}
	maj, err1 := strconv.Atoi(parts[0])
	min, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return maj, min, true
}

// Compare returns the ordering of two full version strings
// ("[epoch:]pkgver[-pkgrel]"), following alpm's comparison rules: epoch
// numerically, then pkgver segment-by-segment, then pkgrel numerically
// (major then minor/subrelease).
func Compare(a, b string) VerCmp {
	ea, eb := parseEVR(a), parseEVR(b)

	if c := intCompare(ea.epoch, eb.epoch); c != Equal {
		return c
	}
	if c := compareSegments(ea.version, eb.version); c != Equal {
		return c
	}
	if c := intCompare(ea.release, eb.release); c != Equal {
		return c
	}
	return intCompare(ea.subrelease, eb.subrelease)
}

func intCompare[T constraints.Ordered](a, b T) VerCmp {
	switch {
	case a > b:
		return LeftNewer
	case b > a:
		return RightNewer
	default:
		return Equal
	}
}

func isAlnum(b byte) bool {
	return isDigit(b) || isAlpha(b)
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func isAlpha(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// compareSegments implements pacman's rpmvercmp: alternating alphanumeric
// runs are compared pairwise, numeric segments by length-after-leading-zero
// strip then lexically, alpha segments lexically, and a numeric segment
// always outranks an absent one.
func compareSegments(a, b string) VerCmp {
	if a == b {
		return Equal
	}

	one, two := 0, 0
	for one < len(a) && two < len(b) {
		// skip non-alnum separators on both sides
		startOne, startTwo := one, two
		for one < len(a) && !isAlnum(a[one]) {
			one++
		}
		for two < len(b) && !isAlnum(b[two]) {
			two++
		}

		if one >= len(a) || two >= len(b) {
			break
		}

		// different separator lengths: longer separator is newer
		if (one - startOne) != (two - startTwo) {
			if (one - startOne) < (two - startTwo) {
				return RightNewer
			}
			return LeftNewer
		}

		offsetOne, offsetTwo := one, two
		numeric := isDigit(a[offsetOne])
		if numeric {
			for offsetOne < len(a) && isDigit(a[offsetOne]) {
				offsetOne++
			}
			for offsetTwo < len(b) && isDigit(b[offsetTwo]) {
				offsetTwo++
			}
		} else {
			for offsetOne < len(a) && isAlpha(a[offsetOne]) {
				offsetOne++
			}
			for offsetTwo < len(b) && isAlpha(b[offsetTwo]) {
				offsetTwo++
			}
		}

		oneCut := a[one:offsetOne]
		twoCut := b[two:offsetTwo]

		if offsetTwo == two {
			// b has no matching segment here: numeric beats absent, alpha loses to absent
			if numeric {
				return LeftNewer
			}
			return RightNewer
		}

		if numeric {
			oneCut = strings.TrimLeft(oneCut, "0")
			twoCut = strings.TrimLeft(twoCut, "0")
			if len(oneCut) != len(twoCut) {
				if len(oneCut) > len(twoCut) {
					return LeftNewer
				}
				return RightNewer
			}
		}

		if oneCut != twoCut {
			if oneCut > twoCut {
				return LeftNewer
			}
			return RightNewer
		}

		one, two = offsetOne, offsetTwo
	}

	if one >= len(a) && two >= len(b) {
		return Equal
	}

	// trailing alpha never beats an exhausted string; trailing numeric does
	if one < len(a) && isAlpha(a[one]) {
		return RightNewer
	}
	if one >= len(a) && two < len(b) && !isAlpha(b[two]) {
		return RightNewer
	}
	return LeftNewer
}
