// Package version parses and compares the MAJOR.MINOR.PATCH strings
// exchanged between the manager and runners at registration.
package version

import (
	"fmt"
	"regexp"
	"strconv"
)

var majorMinorRe = regexp.MustCompile(`^v?(0|[1-9]\d*)\.(0|[1-9]\d*)`)

// Info is a parsed semver-ish version; Patch defaults to 0 when absent.
type Info struct {
	Major int
	Minor int
	Patch int
}

// Parse extracts the leading MAJOR.MINOR(.PATCH) component of s. PATCH is
// optional and not validated; callers compare on Major/Minor only.
func Parse(s string) (Info, error) {
	loc := majorMinorRe.FindStringSubmatchIndex(s)
	if loc == nil {
		return Info{}, fmt.Errorf("version: %q is not a recognizable major.minor version", s)
	}
	matches := majorMinorRe.FindStringSubmatch(s)
	major, _ := strconv.Atoi(matches[1])
	minor, _ := strconv.Atoi(matches[2])

	info := Info{Major: major, Minor: minor}
	// Best-effort patch: look for a third dot-component right after the
	// matched major.minor span.
	rest := s[loc[1]:]
	if len(rest) > 0 && rest[0] == '.' {
		var patch int
		if _, err := fmt.Sscanf(rest[1:], "%d", &patch); err == nil {
			info.Patch = patch
		}
	}
	return info, nil
}

// CompatibleMajorMinor reports whether a and b share the same major and
// minor component; patch is free to differ.
func CompatibleMajorMinor(a, b Info) bool {
	return a.Major == b.Major && a.Minor == b.Minor
}
