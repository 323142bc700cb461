package server

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/stretchr/testify/require"

	"github.com/koltyakov/edgegate/internal/codec"
	"github.com/koltyakov/edgegate/internal/domain"
	"github.com/koltyakov/edgegate/internal/registry"
)

func TestDecodeJSONBodyRejectsUnknownFields(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/register", strings.NewReader(`{"device_id":"dev1","nope":1}`))
	rec := httptest.NewRecorder()
	var dst domain.RegisterRequest
	err := decodeJSONBody(rec, req, maxRegisterBodyBytes, &dst)
	var badReq *badRequestError
	require.ErrorAs(t, err, &badReq)
}

func TestDecodeJSONBodyRejectsTooLargeBody(t *testing.T) {
	body := `{"device_id":"` + strings.Repeat("a", 256) + `"}`
	req := httptest.NewRequest(http.MethodPost, "/api/register", strings.NewReader(body))
	rec := httptest.NewRecorder()
	var dst domain.RegisterRequest
	require.Error(t, decodeJSONBody(rec, req, 64, &dst), "oversized body")
}

func TestValidateDeviceID(t *testing.T) {
	t.Parallel()

	valid := []string{"dev1", "sensor-07", "plant_3.line-2", strings.Repeat("x", maxDeviceIDLen)}
	for _, id := range valid {
		require.NoError(t, validateDeviceID(id), id)
	}
	invalid := []string{"", ".", "..", "dev/1", "dev 1", "dév", strings.Repeat("x", maxDeviceIDLen+1)}
	for _, id := range invalid {
		require.Error(t, validateDeviceID(id), id)
	}
}

func TestValidateMetadataRequiresURL(t *testing.T) {
	t.Parallel()

	require.Error(t, validateMetadata(nil))
	require.Error(t, validateMetadata(domain.Metadata{"url": "ftp://dev.local"}), "non-http url")
	require.NoError(t, validateMetadata(domain.Metadata{"url": "http://10.0.0.5:8080", "site": "north"}))
}

func TestErrorStatus(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"bad request", badRequest("nope"), http.StatusBadRequest, errCodeBadRequest},
		{"admin required", errAdminRequired, http.StatusUnauthorized, errCodeUnauthorized},
		{"expired", domain.NewAuthError(domain.AuthExpired, nil), http.StatusUnauthorized, "expired"},
		{"stale", domain.NewAuthError(domain.AuthStale, nil), http.StatusUnauthorized, "stale"},
		{"missing credential", errMissingCredential, http.StatusUnauthorized, "bad_signature"},
		{"revoked", registry.ErrRevoked, http.StatusUnauthorized, "unknown_device"},
		{"not found", domain.ErrNotFound, http.StatusNotFound, errCodeNotFound},
		{"forbidden", domain.ErrForbidden, http.StatusForbidden, errCodeForbidden},
		{"conflict", domain.ErrConflict, http.StatusConflict, errCodeConflict},
		{"renew too early", domain.ErrRenewTooEarly, http.StatusConflict, errCodeRenewTooEarly},
		{"rate limited", domain.ErrRateLimitExceeded, http.StatusTooManyRequests, errCodeRateLimit},
		{"timeout", &domain.GatewayError{DeviceID: "d", Op: opConnect, Err: domain.ErrTimeout}, http.StatusGatewayTimeout, errCodeTimeout},
		{"request integrity", &domain.GatewayError{DeviceID: "d", Op: opRequest, Err: &codec.IntegrityError{}}, http.StatusUnprocessableEntity, errCodeIntegrity},
		{"response integrity", &domain.GatewayError{DeviceID: "d", Op: opResponse, Err: &codec.IntegrityError{}}, http.StatusBadGateway, errCodeIntegrity},
		{"unreachable", &domain.GatewayError{DeviceID: "d", Op: opConnect, Err: domain.ErrDeviceUnreachable}, http.StatusBadGateway, errCodeDeviceUnreachable},
		{"other", errors.New("boom"), http.StatusInternalServerError, errCodeInternal},
	}
	for _, tc := range cases {
		status, code := errorStatus(tc.err)
		require.Equal(t, tc.status, status, tc.name)
		require.Equal(t, tc.code, code, tc.name)
	}
}

func TestWriteErrorHidesInternalDetails(t *testing.T) {
	srv := &Server{log: slog.New(slog.NewTextHandler(io.Discard, nil))}
	req := httptest.NewRequest(http.MethodGet, "/api/devices", nil)
	rec := httptest.NewRecorder()

	srv.writeError(rec, req, errors.New("database is on fire"))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.NotContains(t, rec.Body.String(), "fire")
}

func TestWriteErrorSetsAuthenticateChallenge(t *testing.T) {
	srv := &Server{log: slog.New(slog.NewTextHandler(io.Discard, nil))}
	req := httptest.NewRequest(http.MethodGet, "/invoke/dev1/", nil)
	rec := httptest.NewRecorder()

	srv.writeError(rec, req, domain.NewAuthError(domain.AuthExpired, nil))

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.True(t, strings.HasPrefix(rec.Header().Get("WWW-Authenticate"), "Bearer"))
}

func TestHubReplacementPreventsStaleEviction(t *testing.T) {
	t.Parallel()

	h := newHub()
	first := &session{deviceID: "dev1"}
	second := &session{deviceID: "dev1"}

	require.Nil(t, h.replace(first))
	require.Same(t, first, h.replace(second))
	require.False(t, h.remove(first), "stale removal is ignored")
	require.Same(t, second, h.get("dev1"))
	require.True(t, h.remove(second))
	require.Nil(t, h.get("dev1"))
}

func TestExpireStaleSessions(t *testing.T) {
	srv := &Server{
		log: slog.New(slog.NewTextHandler(io.Discard, nil)),
		hub: newHub(),
	}
	srv.cfg.LivenessTimeout = time.Minute
	now := time.Now()

	stale := &session{deviceID: "stale"}
	stale.touch(now.Add(-2 * time.Minute))
	fresh := &session{deviceID: "fresh"}
	fresh.touch(now.Add(-10 * time.Second))
	srv.hub.replace(stale)
	srv.hub.replace(fresh)

	require.Equal(t, 1, srv.expireStaleSessions(now))
	require.True(t, stale.closing.Load())
	require.False(t, fresh.closing.Load())
	require.Zero(t, srv.expireStaleSessions(now), "closing sessions are skipped")
}

func TestQueueDeviceTouchDeduplicates(t *testing.T) {
	srv := &Server{
		deviceTouches: make(chan deviceTouch, 4),
		touchPending:  make(map[string]struct{}),
	}
	at := time.Now()

	srv.queueDeviceTouch("dev1", at)
	srv.queueDeviceTouch("dev1", at.Add(time.Second))
	require.Len(t, srv.deviceTouches, 1)

	touch := <-srv.deviceTouches
	srv.completeDeviceTouch(touch.deviceID)

	srv.queueDeviceTouch("dev1", at.Add(2*time.Second))
	require.Len(t, srv.deviceTouches, 1, "requeued after completion")
}

func TestQueueDeviceTouchReleasesDedupOnOverflow(t *testing.T) {
	srv := &Server{
		deviceTouches: make(chan deviceTouch, 1),
		touchPending:  make(map[string]struct{}),
	}

	srv.queueDeviceTouch("dev1", time.Now())
	srv.queueDeviceTouch("dev2", time.Now()) // dropped because queue is full

	require.Len(t, srv.deviceTouches, 1)
	require.True(t, srv.reserveDeviceTouch("dev2"), "dropped touch is released from dedupe tracking")
	srv.completeDeviceTouch("dev2")
}

func TestOutboundHeadersStripCredentialAndHopHeaders(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "http://gw.example.com/invoke/dev1/x", nil)
	req.RemoteAddr = "203.0.113.7:5555"
	req.Header.Set("Authorization", "Bearer secret")
	req.Header.Set("Connection", "X-Custom-Hop")
	req.Header.Set("X-Custom-Hop", "1")
	req.Header.Set("Keep-Alive", "timeout=5")
	req.Header.Set(trailerRespDigest, "spoofed")
	req.Header.Set("X-App", "kept")

	h := outboundHeaders(req, "dev1")

	for _, name := range []string{"Authorization", "Connection", "X-Custom-Hop", "Keep-Alive", trailerRespDigest} {
		require.Empty(t, h.Get(name), name)
	}
	require.Equal(t, "kept", h.Get("X-App"))
	require.Equal(t, "dev1", h.Get(headerDeviceID))
	require.Equal(t, "203.0.113.7", h.Get("X-Forwarded-For"))
}

func TestInjectForwardedFor(t *testing.T) {
	headers := http.Header{"X-Forwarded-For": {"1.2.3.4"}}
	injectForwardedFor(headers, "5.6.7.8:1234")
	require.Equal(t, []string{"1.2.3.4, 5.6.7.8"}, headers["X-Forwarded-For"])
}

func TestInjectForwardedProxyHeadersOverwritesSpoofedValues(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "https://gw.example.com:10443/invoke/dev1/", nil)
	req.TLS = &tls.ConnectionState{}

	headers := http.Header{
		"X-Forwarded-Proto": {"http"},
		"x-forwarded-host":  {"evil.example.com"},
		"X-Forwarded-Port":  {"123"},
	}
	injectForwardedProxyHeaders(headers, req)

	require.NotContains(t, headers, "x-forwarded-host")
	require.Equal(t, "https", headers.Get("X-Forwarded-Proto"))
	require.Equal(t, "gw.example.com:10443", headers.Get("X-Forwarded-Host"))
	require.Equal(t, "10443", headers.Get("X-Forwarded-Port"))
}

func TestPeekResponseReadsShortBodyToEnd(t *testing.T) {
	buf := make([]byte, 16)
	n, err := peekResponse(iotestOneByteReader("hello"), buf, 5)
	require.Equal(t, 5, n)
	require.ErrorIs(t, err, io.EOF)
}

func TestPeekResponseSingleReadForUnknownLength(t *testing.T) {
	buf := make([]byte, 16)
	n, err := peekResponse(iotestOneByteReader("hello"), buf, -1)
	require.NoError(t, err)
	require.Equal(t, 1, n, "a single short read")
}

func TestPeekResponseKeepsTruncationError(t *testing.T) {
	buf := make([]byte, 16)
	_, err := peekResponse(io.MultiReader(strings.NewReader("he"), errReader{io.ErrUnexpectedEOF}), buf, 5)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestCheckPeerIdentity(t *testing.T) {
	td := spiffeid.RequireTrustDomainFromString("factory.example")
	srv := &Server{trustDomain: td}

	req := httptest.NewRequest(http.MethodGet, "/v1/devices/connect", nil)
	require.NoError(t, srv.checkPeerIdentity(req, "dev1"), "plain connection")

	req.TLS = &tls.ConnectionState{PeerCertificates: []*x509.Certificate{spiffeCert(t, "spiffe://factory.example/device/dev1")}}
	require.NoError(t, srv.checkPeerIdentity(req, "dev1"))
	require.ErrorIs(t, srv.checkPeerIdentity(req, "dev2"), domain.ErrForbidden)

	req.TLS = &tls.ConnectionState{PeerCertificates: []*x509.Certificate{spiffeCert(t, "spiffe://other.example/device/dev1")}}
	require.ErrorIs(t, srv.checkPeerIdentity(req, "dev1"), domain.ErrForbidden, "foreign trust domain")
}

func TestCheckPeerIdentityDisabledWithoutTrustDomain(t *testing.T) {
	srv := &Server{}
	req := httptest.NewRequest(http.MethodGet, "/v1/devices/connect", nil)
	req.TLS = &tls.ConnectionState{PeerCertificates: []*x509.Certificate{spiffeCert(t, "spiffe://other.example/device/x")}}
	require.NoError(t, srv.checkPeerIdentity(req, "dev1"))
}

func TestIsLikelyScannerTLSReason(t *testing.T) {
	tests := []struct {
		reason string
		want   bool
	}{
		{reason: "tls: client offered only unsupported versions: [302 301]", want: true},
		{reason: "tls: first record does not look like a TLS handshake", want: true},
		{reason: "EOF", want: true},
		{reason: "tls: failed to verify certificate", want: false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, isLikelyScannerTLSReason(tt.reason), tt.reason)
	}
}

func TestDeviceTrailersRideAlongGatewayDigests(t *testing.T) {
	t.Parallel()

	device := http.Header{"X-Device-Sum": nil, "x-device-seq": nil, trailerRespDigest: nil}
	h := http.Header{}
	announceTrailers(h, device)
	require.Equal(t, trailerRequestDigest+", "+trailerRespDigest+", X-Device-Seq, X-Device-Sum", h.Get("Trailer"))

	device = http.Header{"X-Device-Sum": {"abc"}, "X-Device-Seq": nil, trailerRespDigest: {"spoofed"}}
	copyDeviceTrailers(h, device)
	require.Equal(t, "abc", h.Get("X-Device-Sum"))
	require.NotContains(t, h, "X-Device-Seq")
	require.Empty(t, h.Get(trailerRespDigest), "the device cannot forge gateway digests")
}

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

type oneByteReader struct{ r io.Reader }

func (o oneByteReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return o.r.Read(p[:1])
}

func iotestOneByteReader(s string) io.Reader {
	return oneByteReader{r: strings.NewReader(s)}
}

func spiffeCert(t *testing.T, rawID string) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	id, err := url.Parse(rawID)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "device"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		URIs:         []*url.URL{id},
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}
