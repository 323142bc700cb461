package codec

import (
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Algorithm names a digest algorithm using its RFC 9530 registry token.
type Algorithm string

const (
	SHA256     Algorithm = "sha-256"
	SHA512     Algorithm = "sha-512"
	BLAKE2b256 Algorithm = "blake2b-256"
)

// DefaultAlgorithm is used when the caller declares no expected digest.
const DefaultAlgorithm = SHA256

var ErrUnsupportedAlgorithm = errors.New("unsupported digest algorithm")

// ParseAlgorithm resolves a case-insensitive algorithm token. The unhyphenated
// forms "sha256" and "sha512" are accepted as aliases.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "sha-256", "sha256":
		return SHA256, nil
	case "sha-512", "sha512":
		return SHA512, nil
	case "blake2b-256", "blake2b256":
		return BLAKE2b256, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, s)
	}
}

func (a Algorithm) newHash() (hash.Hash, error) {
	switch a {
	case SHA256:
		return sha256.New(), nil
	case SHA512:
		return sha512.New(), nil
	case BLAKE2b256:
		return blake2b.New256(nil)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, string(a))
	}
}

// Size returns the digest length in bytes, or 0 for unknown algorithms.
func (a Algorithm) Size() int {
	switch a {
	case SHA256, BLAKE2b256:
		return 32
	case SHA512:
		return 64
	default:
		return 0
	}
}

// Digest is a finalized fingerprint of a byte stream.
type Digest struct {
	Algorithm Algorithm
	Sum       []byte
}

// IsZero reports whether d carries no value.
func (d Digest) IsZero() bool {
	return d.Algorithm == "" && len(d.Sum) == 0
}

// String renders d as a Content-Digest dictionary member: alg=:base64:.
func (d Digest) String() string {
	if d.IsZero() {
		return ""
	}
	return string(d.Algorithm) + "=:" + base64.StdEncoding.EncodeToString(d.Sum) + ":"
}

// Hex returns the lower-case hex encoding of the sum.
func (d Digest) Hex() string {
	return hex.EncodeToString(d.Sum)
}

// Equal compares two digests in constant time with respect to the sum.
func (d Digest) Equal(other Digest) bool {
	if d.Algorithm != other.Algorithm || len(d.Sum) != len(other.Sum) {
		return false
	}
	return subtle.ConstantTimeCompare(d.Sum, other.Sum) == 1
}

// ParseDigest parses a Content-Digest header value. The value may list
// several comma-separated members; the first one with a supported algorithm
// wins. Each member is either alg=:base64: (RFC 9530) or alg=hex.
func ParseDigest(header string) (Digest, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return Digest{}, errors.New("empty digest header")
	}
	var firstErr error
	for _, member := range strings.Split(header, ",") {
		d, err := parseDigestMember(member)
		if err == nil {
			return d, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return Digest{}, firstErr
}

func parseDigestMember(member string) (Digest, error) {
	name, value, ok := strings.Cut(strings.TrimSpace(member), "=")
	if !ok {
		return Digest{}, fmt.Errorf("malformed digest member %q", member)
	}
	alg, err := ParseAlgorithm(name)
	if err != nil {
		return Digest{}, err
	}
	value = strings.TrimSpace(value)
	var sum []byte
	if len(value) >= 2 && strings.HasPrefix(value, ":") && strings.HasSuffix(value, ":") {
		sum, err = base64.StdEncoding.DecodeString(value[1 : len(value)-1])
	} else {
		sum, err = hex.DecodeString(value)
	}
	if err != nil {
		return Digest{}, fmt.Errorf("decode %s digest: %w", alg, err)
	}
	if len(sum) != alg.Size() {
		return Digest{}, fmt.Errorf("%s digest must be %d bytes, got %d", alg, alg.Size(), len(sum))
	}
	return Digest{Algorithm: alg, Sum: sum}, nil
}
