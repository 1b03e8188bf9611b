package util

import (
	"regexp"
	"strings"
)

const HashLength = 32

var (
	hashRegexp    = regexp.MustCompile(`^[a-f0-9]{32}$`)
	hashURLRegexp = regexp.MustCompile(`/md5/([a-f0-9]{32})`)
)

// IsHash reports whether str is a canonical content hash.
func IsHash(str string) bool {
	return hashRegexp.MatchString(str)
}

// ResolveHash returns the canonical content hash for a raw hash or a catalog
// URL containing /md5/<hash>.
func ResolveHash(input string) (string, bool) {
	if lower := strings.ToLower(input); IsHash(lower) {
		return lower, true
	}

	if m := hashURLRegexp.FindStringSubmatch(input); m != nil {
		return m[1], true
	}

	return "", false
}
