// Package versionutil normalizes and compares semantic version strings.
package versionutil

import "strings"

// EnsureVPrefix returns s with a leading "v" if it doesn't already have one.
func EnsureVPrefix(s string) string {
	if s != "" && !strings.HasPrefix(s, "v") {
		return "v" + s
	}
	return s
}

// Compare returns -1, 0 or +1 comparing a and b as major.minor.patch.
// Pre-release and build suffixes are ignored. Unparseable input falls back
// to string comparison.
func Compare(a, b string) int {
	ap := parseSemver(strings.TrimPrefix(a, "v"))
	bp := parseSemver(strings.TrimPrefix(b, "v"))
	if ap == nil || bp == nil {
		return strings.Compare(a, b)
	}
	for i := range 3 {
		if ap[i] != bp[i] {
			if ap[i] < bp[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// AppVersion formats the x-pm-appversion header value.
func AppVersion(client, version string) string {
	return client + "@" + strings.TrimPrefix(strings.TrimSpace(version), "v")
}

// SplitAppVersion splits an x-pm-appversion value into client and version.
func SplitAppVersion(v string) (client, version string) {
	client, version, _ = strings.Cut(strings.TrimSpace(v), "@")
	return client, version
}

// Upgraded reports whether app version to is a newer release of the same
// client as from.
func Upgraded(from, to string) bool {
	fc, fv := SplitAppVersion(from)
	tc, tv := SplitAppVersion(to)
	return fc == tc && Compare(tv, fv) > 0
}

func parseSemver(v string) []int {
	parts := strings.SplitN(v, ".", 3)
	if len(parts) != 3 {
		return nil
	}
	nums := make([]int, 3)
	for i, p := range parts {
		p = strings.SplitN(p, "-", 2)[0]
		p = strings.SplitN(p, "+", 2)[0]
		if p == "" {
			return nil
		}
		n := 0
		for _, ch := range p {
			if ch < '0' || ch > '9' {
				return nil
			}
			n = n*10 + int(ch-'0')
		}
		nums[i] = n
	}
	return nums
}
