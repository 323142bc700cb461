package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries. Callers should use [errors.Is] to match these.
var (
	// ErrConflict indicates the device already has an active registration.
	ErrConflict = errors.New("device already registered")

	// ErrNotFound means the requested device does not exist.
	ErrNotFound = errors.New("device not found")

	// ErrDeviceUnreachable means the downstream device endpoint could not be
	// reached or the stream to it broke.
	ErrDeviceUnreachable = errors.New("device unreachable")

	// ErrIntegrity indicates a streamed payload failed digest verification.
	ErrIntegrity = errors.New("payload integrity check failed")

	// ErrTimeout is returned when a forwarded request exceeds its deadline.
	ErrTimeout = errors.New("request timed out")

	// ErrForbidden means the caller is authenticated but not for this device.
	ErrForbidden = errors.New("forbidden")

	// ErrRenewTooEarly is returned when a renewal is requested before the
	// credential entered its grace window.
	ErrRenewTooEarly = errors.New("credential not yet renewable")

	// ErrRateLimitExceeded is returned when a caller exceeds the allowed
	// registration rate.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
)

// AuthKind classifies why a credential was rejected.
type AuthKind string

const (
	AuthBadSignature  AuthKind = "bad_signature"
	AuthExpired       AuthKind = "expired"
	AuthUnknownDevice AuthKind = "unknown_device"
	AuthStale         AuthKind = "stale"
)

// AuthError reports a rejected credential. Two AuthErrors match under
// [errors.Is] when their kinds are equal.
type AuthError struct {
	Kind AuthKind
	Err  error
}

// Auth error sentinels for use with [errors.Is].
var (
	ErrBadSignature  = &AuthError{Kind: AuthBadSignature}
	ErrExpired       = &AuthError{Kind: AuthExpired}
	ErrUnknownDevice = &AuthError{Kind: AuthUnknownDevice}
	ErrStale         = &AuthError{Kind: AuthStale}
)

// NewAuthError wraps cause with the given kind.
func NewAuthError(kind AuthKind, cause error) *AuthError {
	return &AuthError{Kind: kind, Err: cause}
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %v", e.Kind, e.Err)
	}
	return "auth: " + string(e.Kind)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	return ok && t.Kind == e.Kind
}

// GatewayError wraps an underlying error with device context.
type GatewayError struct {
	DeviceID string
	Op       string
	Err      error
}

func (e *GatewayError) Error() string {
	if e.DeviceID != "" {
		return fmt.Sprintf("device %s: %s: %v", e.DeviceID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}
