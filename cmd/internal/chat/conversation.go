package chat

import (
	"strconv"
	"strings"
)

const versionSep = "_v"

// VersionID derives the branch id for counter n of the family rooted at base.
func VersionID(base string, n int) string {
	return base + versionSep + strconv.Itoa(n)
}

// ParseVersion splits a version id into its base id and counter.
// Ids that are not version ids return (id, 1, false).
func ParseVersion(id string) (base string, n int, ok bool) {
	i := strings.LastIndex(id, versionSep)
	if i <= 0 {
		return id, 1, false
	}
	digits := id[i+len(versionSep):]
	if digits == "" {
		return id, 1, false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return id, 1, false
		}
	}
	v, err := strconv.Atoi(digits)
	if err != nil || v < 2 {
		return id, 1, false
	}
	return id[:i], v, true
}

// BaseID returns the root id of the branch family id belongs to.
func BaseID(id string) string {
	base, _, _ := ParseVersion(id)
	return base
}

// IsVersion reports whether id names a derived branch rather than a root.
func IsVersion(id string) bool {
	_, _, ok := ParseVersion(id)
	return ok
}
