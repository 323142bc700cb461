// Package netutil provides shared HTTP/network normalization helpers.
package netutil

import (
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
)

var hopByHopHeaderNames = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// NormalizeHost lower-cases and strips ports/trailing dots from host values.
func NormalizeHost(raw string) string {
	host := strings.ToLower(strings.TrimSpace(raw))
	if host == "" {
		return ""
	}

	if h, p, err := net.SplitHostPort(host); err == nil && p != "" {
		host = h
	} else if strings.Count(host, ":") == 1 {
		left, right, ok := strings.Cut(host, ":")
		if ok && isDigits(right) {
			host = left
		}
	}

	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return strings.TrimSuffix(host, ".")
}

// RemoveHopByHopHeaders strips hop-by-hop headers, including any named by
// Connection, so they are never forwarded to the next hop.
func RemoveHopByHopHeaders(h http.Header) {
	if len(h) == 0 {
		return
	}
	for _, connectionValue := range h.Values("Connection") {
		for _, token := range strings.Split(connectionValue, ",") {
			if key := textproto.CanonicalMIMEHeaderKey(strings.TrimSpace(token)); key != "" {
				h.Del(key)
			}
		}
	}
	for _, key := range hopByHopHeaderNames {
		h.Del(key)
	}
}

// RemoteIP returns the host part of a "host:port" remote address, or the
// trimmed input when it carries no port.
func RemoteIP(remoteAddr string) string {
	remoteAddr = strings.TrimSpace(remoteAddr)
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}

// JoinURL resolves a request path and query against a device base URL. The
// base path acts as a prefix; the base query is kept when rawQuery is empty.
func JoinURL(base *url.URL, path, rawQuery string) *url.URL {
	out := *base
	out.User = nil
	out.Fragment = ""
	out.RawPath = ""

	prefix := strings.TrimSuffix(base.Path, "/")
	if path == "" {
		path = "/"
	} else if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	out.Path = prefix + path

	switch {
	case rawQuery == "":
	case out.RawQuery == "":
		out.RawQuery = rawQuery
	default:
		out.RawQuery = out.RawQuery + "&" + rawQuery
	}
	return &out
}

func isDigits(v string) bool {
	if v == "" {
		return false
	}
	for _, r := range v {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
