// Package versionutil normalizes release version strings.
package versionutil

import "strings"

// EnsureVPrefix returns s with a leading "v". Release tooling strips the
// prefix while git describe keeps it, so both forms reach the binary.
func EnsureVPrefix(s string) string {
	s = strings.TrimSpace(s)
	if s != "" && s != "dev" && !strings.HasPrefix(s, "v") {
		return "v" + s
	}
	return s
}
