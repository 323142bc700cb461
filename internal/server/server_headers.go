package server

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/koltyakov/edgegate/internal/netutil"
)

const (
	headerContentDigest  = "Content-Digest"
	headerDeviceID       = "X-Gateway-Device-Id"
	trailerRequestDigest = "X-Gateway-Request-Digest"
	trailerRespDigest    = "X-Gateway-Response-Digest"
)

// outboundHeaders builds the header set forwarded to a device. The caller's
// bearer credential is never passed downstream.
func outboundHeaders(r *http.Request, deviceID string) http.Header {
	h := r.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	netutil.RemoveHopByHopHeaders(h)
	h.Del("Authorization")
	h.Del(trailerRequestDigest)
	h.Del(trailerRespDigest)
	injectForwardedProxyHeaders(h, r)
	injectForwardedFor(h, r.RemoteAddr)
	h.Set(headerDeviceID, deviceID)
	if id := requestID(r); id != "" {
		h.Set(requestIDHeader, id)
	}
	return h
}

// copyResponseHeaders copies device response headers to dst, dropping
// hop-by-hop headers and any gateway-owned trailer names.
func copyResponseHeaders(dst, src http.Header) {
	src = src.Clone()
	netutil.RemoveHopByHopHeaders(src)
	src.Del(trailerRequestDigest)
	src.Del(trailerRespDigest)
	src.Del(requestIDHeader)
	for k, vals := range src {
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

// injectForwardedFor appends the client's IP to the X-Forwarded-For header
// chain so the device can identify unique callers.
func injectForwardedFor(h http.Header, remoteAddr string) {
	ip := netutil.RemoteIP(remoteAddr)
	if ip == "" {
		return
	}
	if existing := strings.TrimSpace(h.Get("X-Forwarded-For")); existing != "" {
		h.Set("X-Forwarded-For", existing+", "+ip)
		return
	}
	h.Set("X-Forwarded-For", ip)
}

// injectForwardedProxyHeaders overwrites reverse-proxy headers to reflect the
// public request. Callers can spoof these headers, so we remove any
// case-insensitive variants before setting canonical keys.
func injectForwardedProxyHeaders(h http.Header, r *http.Request) {
	if h == nil || r == nil {
		return
	}

	host := strings.TrimSpace(r.Host)
	if host == "" {
		return
	}

	deleteHeaderCI(h, "X-Forwarded-Proto")
	deleteHeaderCI(h, "X-Forwarded-Host")
	deleteHeaderCI(h, "X-Forwarded-Port")

	proto := "http"
	defaultPort := "80"
	if r.TLS != nil {
		proto = "https"
		defaultPort = "443"
	}

	h.Set("X-Forwarded-Proto", proto)
	h.Set("X-Forwarded-Host", host)

	port := ""
	if _, p, err := net.SplitHostPort(host); err == nil {
		port = strings.TrimSpace(p)
	}
	if port == "" {
		port = defaultPort
	}
	h.Set("X-Forwarded-Port", port)
}

func deleteHeaderCI(h http.Header, key string) {
	if h == nil || key == "" {
		return
	}
	for k := range h {
		if strings.EqualFold(k, key) {
			delete(h, k)
		}
	}
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	defer func() { _ = r.Body.Close() }()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return badRequest("invalid json: " + err.Error())
	}
	var extra any
	if err := dec.Decode(&extra); err != io.EOF {
		if err == nil {
			return badRequest("request body must contain a single JSON object")
		}
		return badRequest("invalid json: " + err.Error())
	}
	return nil
}

// publicBaseURL is the externally reachable gateway origin used in
// registration responses.
func (s *Server) publicBaseURL(r *http.Request) string {
	if u := strings.TrimSpace(s.cfg.PublicURL); u != "" {
		return strings.TrimSuffix(u, "/")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}
