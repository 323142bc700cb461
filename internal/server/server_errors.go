package server

import (
	"errors"
	"net/http"

	"github.com/koltyakov/edgegate/internal/domain"
	"github.com/koltyakov/edgegate/internal/registry"
)

const (
	errCodeBadRequest        = "bad_request"
	errCodeConflict          = "conflict"
	errCodeNotFound          = "not_found"
	errCodeForbidden         = "forbidden"
	errCodeUnauthorized      = "unauthorized"
	errCodeRenewTooEarly     = "renew_too_early"
	errCodeRateLimit         = "rate_limited"
	errCodeDeviceUnreachable = "device_unreachable"
	errCodeIntegrity         = "integrity_error"
	errCodeTimeout           = "timeout"
	errCodeInternal          = "internal"
)

// Directions a transfer can fail in. Integrity failures on the request side
// are the caller's fault; on the response side they are the device's.
const (
	opRequest  = "request"
	opResponse = "response"
	opConnect  = "connect"
)

// badRequestError marks caller input problems.
type badRequestError struct {
	msg string
}

func (e *badRequestError) Error() string {
	return e.msg
}

func badRequest(msg string) error {
	return &badRequestError{msg: msg}
}

var (
	errMissingCredential = domain.NewAuthError(domain.AuthBadSignature, errors.New("missing bearer credential"))
	errAdminRequired     = errors.New("valid admin api key required")
)

// errorStatus maps err onto an HTTP status and a stable error code.
func errorStatus(err error) (int, string) {
	var authErr *domain.AuthError
	var badReq *badRequestError
	var gwErr *domain.GatewayError
	switch {
	case errors.As(err, &badReq):
		return http.StatusBadRequest, errCodeBadRequest
	case errors.Is(err, errAdminRequired):
		return http.StatusUnauthorized, errCodeUnauthorized
	case errors.As(err, &authErr):
		return http.StatusUnauthorized, string(authErr.Kind)
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, errCodeConflict
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, errCodeNotFound
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden, errCodeForbidden
	case errors.Is(err, registry.ErrRevoked):
		return http.StatusUnauthorized, string(domain.AuthUnknownDevice)
	case errors.Is(err, domain.ErrRenewTooEarly):
		return http.StatusConflict, errCodeRenewTooEarly
	case errors.Is(err, domain.ErrRateLimitExceeded):
		return http.StatusTooManyRequests, errCodeRateLimit
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout, errCodeTimeout
	case errors.Is(err, domain.ErrIntegrity):
		if errors.As(err, &gwErr) && gwErr.Op == opResponse {
			return http.StatusBadGateway, errCodeIntegrity
		}
		return http.StatusUnprocessableEntity, errCodeIntegrity
	case errors.Is(err, domain.ErrDeviceUnreachable):
		return http.StatusBadGateway, errCodeDeviceUnreachable
	default:
		return http.StatusInternalServerError, errCodeInternal
	}
}

// writeError renders err as an ErrorResponse. Internal errors are logged and
// never echoed to the caller.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "req_id", requestID(r), "err", err)
		msg = "internal error"
	}
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="edgegate"`)
	}
	writeJSON(w, status, domain.ErrorResponse{Error: msg, ErrorCode: code, RequestID: requestID(r)})
}
