package versionutil

import "testing"

func TestEnsureVPrefix(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"1.2.3":       "v1.2.3",
		"v1.2.3":      "v1.2.3",
		" 0.4.0-dev ": "v0.4.0-dev",
		"dev":         "dev",
		"":            "",
	}
	for in, want := range cases {
		if got := EnsureVPrefix(in); got != want {
			t.Fatalf("EnsureVPrefix(%q) = %q, want %q", in, got, want)
		}
	}
}
