// Package auth provides admin API key generation and hashing plus bearer
// header parsing shared by the gateway and the CLI admin commands.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"net/http"
	"strings"
)

// APIKeyPrefix marks admin keys so they are never mistaken for device
// credentials in logs or headers.
const APIKeyPrefix = "egk_"

// GenerateAPIKey returns a random, URL-safe admin API key.
func GenerateAPIKey() (string, error) {
	secret, err := GenerateSecret(32)
	if err != nil {
		return "", err
	}
	return APIKeyPrefix + secret, nil
}

// GenerateSecret returns n random bytes encoded as unpadded base64url.
func GenerateSecret(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashAPIKey returns the hex HMAC-SHA256 of key keyed by pepper. Only the
// hash is stored.
func HashAPIKey(key, pepper string) string {
	mac := hmac.New(sha256.New, []byte(pepper))
	_, _ = mac.Write([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(mac.Sum(nil))
}

// ConstantTimeHashEquals compares two hex hash strings in constant time.
func ConstantTimeHashEquals(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// IsAPIKey reports whether raw looks like an admin key rather than a
// device credential.
func IsAPIKey(raw string) bool {
	return strings.HasPrefix(strings.TrimSpace(raw), APIKeyPrefix)
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
// The scheme match is case-insensitive.
func BearerToken(h http.Header) (string, bool) {
	authz := strings.TrimSpace(h.Get("Authorization"))
	scheme, token, ok := strings.Cut(authz, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}
	return token, true
}
