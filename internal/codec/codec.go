// Package codec implements the chunked transfer codec: an incremental digest
// over a byte stream that never holds more than one chunk at a time and can
// verify the result against a caller-declared expectation.
package codec

import (
	"errors"
	"fmt"
	"hash"
	"sync"

	"github.com/koltyakov/edgegate/internal/domain"
)

var ErrFinalized = errors.New("codec already finalized")

// IntegrityError reports a digest mismatch for a completed transfer.
type IntegrityError struct {
	Expected Digest
	Actual   Digest
	Bytes    int64
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity: expected %s, computed %s over %d bytes", e.Expected, e.Actual, e.Bytes)
}

func (e *IntegrityError) Unwrap() error {
	return domain.ErrIntegrity
}

// Codec is one transfer session: a running digest, a byte counter, an
// optional expected digest and a failed flag. Chunks must be written in
// stream order.
type Codec struct {
	mu       sync.Mutex
	alg      Algorithm
	h        hash.Hash
	n        int64
	expected *Digest
	sum      *Digest
	failed   bool
}

// New returns a codec that computes alg without verifying.
func New(alg Algorithm) (*Codec, error) {
	h, err := alg.newHash()
	if err != nil {
		return nil, err
	}
	return &Codec{alg: alg, h: h}, nil
}

// NewVerifying returns a codec that computes expected's algorithm and checks
// the result against it at finalization.
func NewVerifying(expected Digest) (*Codec, error) {
	c, err := New(expected.Algorithm)
	if err != nil {
		return nil, err
	}
	exp := Digest{Algorithm: expected.Algorithm, Sum: append([]byte(nil), expected.Sum...)}
	c.expected = &exp
	return c, nil
}

// Algorithm returns the digest algorithm in use.
func (c *Codec) Algorithm() Algorithm {
	return c.alg
}

// Write appends one chunk to the running digest.
func (c *Codec) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sum != nil {
		return 0, ErrFinalized
	}
	n, _ := c.h.Write(p)
	c.n += int64(n)
	return n, nil
}

// BytesSeen returns the number of bytes consumed so far.
func (c *Codec) BytesSeen() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

// Finalize closes the session and returns the digest. It is idempotent.
func (c *Codec) Finalize() Digest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finalizeLocked()
}

func (c *Codec) finalizeLocked() Digest {
	if c.sum == nil {
		c.sum = &Digest{Algorithm: c.alg, Sum: c.h.Sum(nil)}
	}
	return *c.sum
}

// Verify finalizes and compares against expected. A mismatch marks the
// session failed.
func (c *Codec) Verify(expected Digest) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	ok := c.finalizeLocked().Equal(expected)
	if !ok {
		c.failed = true
	}
	return ok
}

// Expected returns the declared digest, if any.
func (c *Codec) Expected() (Digest, bool) {
	if c.expected == nil {
		return Digest{}, false
	}
	return *c.expected, true
}

// Check finalizes the session and, when an expected digest was declared,
// returns an *IntegrityError on mismatch.
func (c *Codec) Check() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	actual := c.finalizeLocked()
	if c.failed {
		return c.integrityErrorLocked(actual)
	}
	if c.expected == nil {
		return nil
	}
	if !actual.Equal(*c.expected) {
		c.failed = true
		return c.integrityErrorLocked(actual)
	}
	return nil
}

func (c *Codec) integrityErrorLocked(actual Digest) error {
	e := &IntegrityError{Actual: actual, Bytes: c.n}
	if c.expected != nil {
		e.Expected = *c.expected
	}
	return e
}

// Fail marks the transfer untrusted regardless of the digest outcome.
func (c *Codec) Fail() {
	c.mu.Lock()
	c.failed = true
	c.mu.Unlock()
}

// Failed reports whether the transfer has been marked untrusted.
func (c *Codec) Failed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed
}
