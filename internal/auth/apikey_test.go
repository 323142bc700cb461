package auth

import (
	"net/http"
	"testing"
)

func TestHashAPIKeyDeterministicAndPeppered(t *testing.T) {
	t.Parallel()

	a := HashAPIKey("egk_abc", "pepper")
	b := HashAPIKey(" egk_abc ", "pepper")
	if a != b {
		t.Fatalf("expected deterministic hash, got %q and %q", a, b)
	}
	if c := HashAPIKey("egk_abc", "other"); c == a {
		t.Fatal("expected pepper to change the hash")
	}
	if len(a) != 64 {
		t.Fatalf("expected hex sha256 length, got %d", len(a))
	}
}

func TestGenerateAPIKey(t *testing.T) {
	t.Parallel()

	k1, err := GenerateAPIKey()
	if err != nil {
		t.Fatal(err)
	}
	k2, err := GenerateAPIKey()
	if err != nil {
		t.Fatal(err)
	}
	if k1 == k2 {
		t.Fatal("expected distinct keys")
	}
	if !IsAPIKey(k1) {
		t.Fatalf("expected prefixed key, got %q", k1)
	}
	if IsAPIKey("eyJhbGciOiJIUzI1NiJ9.x.y") {
		t.Fatal("jwt must not look like an api key")
	}
}

func TestConstantTimeHashEquals(t *testing.T) {
	t.Parallel()

	if !ConstantTimeHashEquals("abc", "abc") {
		t.Fatalf("expected equal hashes")
	}
	if ConstantTimeHashEquals("abc", "abd") {
		t.Fatalf("expected non-equal hashes")
	}
	if ConstantTimeHashEquals("abc", "abcd") {
		t.Fatalf("expected length mismatch to fail")
	}
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		header string
		want   string
		ok     bool
	}{
		"standard":     {header: "Bearer tok", want: "tok", ok: true},
		"lower scheme": {header: "bearer  tok ", want: "tok", ok: true},
		"basic":        {header: "Basic dXNlcjpw", ok: false},
		"empty token":  {header: "Bearer   ", ok: false},
		"missing":      {header: "", ok: false},
	}
	for name, tt := range tests {
		h := http.Header{}
		if tt.header != "" {
			h.Set("Authorization", tt.header)
		}
		got, ok := BearerToken(h)
		if ok != tt.ok || got != tt.want {
			t.Fatalf("%s: got (%q, %v), want (%q, %v)", name, got, ok, tt.want, tt.ok)
		}
	}
}
