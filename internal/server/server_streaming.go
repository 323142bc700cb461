package server

import (
	"errors"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/koltyakov/edgegate/internal/codec"
)

const defaultChunkSize = 64 * 1024

var chunkPool = sync.Pool{
	New: func() any {
		b := make([]byte, defaultChunkSize)
		return &b
	},
}

// errClientGone marks a caller that disconnected mid-request. Nothing can
// be reported to it.
var errClientGone = errors.New("client disconnected")

func (s *Server) chunkSize() int {
	if s.cfg.ChunkSize > 0 {
		return s.cfg.ChunkSize
	}
	return defaultChunkSize
}

// getChunk returns a pooled buffer of exactly size bytes.
func getChunk(size int) *[]byte {
	ref := chunkPool.Get().(*[]byte)
	if cap(*ref) < size {
		b := make([]byte, size)
		*ref = b
	} else {
		*ref = (*ref)[:size]
	}
	return ref
}

func putChunk(ref *[]byte) {
	chunkPool.Put(ref)
}

// newBodyCodec starts a transfer session for one direction. A declared
// Content-Digest turns on verification; otherwise the default algorithm is
// computed for the gateway trailers only.
func newBodyCodec(declared string) (*codec.Codec, error) {
	if declared == "" {
		return codec.New(codec.DefaultAlgorithm)
	}
	expected, err := codec.ParseDigest(declared)
	if err != nil {
		return nil, err
	}
	return codec.NewVerifying(expected)
}

func hasRequestBody(r *http.Request) bool {
	return r.Body != nil && r.Body != http.NoBody && r.ContentLength != 0
}

// abortResponse tears down the client connection. Used once the status line
// is out, so a broken transfer can never look like a complete one.
func abortResponse() {
	panic(http.ErrAbortHandler)
}

// announceTrailers declares the gateway digests plus every trailer the
// device announced, so device trailers pass through unchanged.
func announceTrailers(h, device http.Header) {
	names := []string{trailerRequestDigest, trailerRespDigest}
	extra := make([]string, 0, len(device))
	for k := range device {
		if k = http.CanonicalHeaderKey(k); !isGatewayTrailer(k) {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	h.Set("Trailer", strings.Join(append(names, extra...), ", "))
}

// copyDeviceTrailers sets the device's trailer values once its body is
// fully read.
func copyDeviceTrailers(h, device http.Header) {
	for k, vals := range device {
		k = http.CanonicalHeaderKey(k)
		if isGatewayTrailer(k) || len(vals) == 0 {
			continue
		}
		h[k] = append([]string(nil), vals...)
	}
}

func isGatewayTrailer(name string) bool {
	return name == trailerRequestDigest || name == trailerRespDigest
}

// setDigestTrailers publishes the computed digests of completed bodies.
func setDigestTrailers(w http.ResponseWriter, inv *invocation) {
	if inv.reqBody != nil && inv.reqBody.Complete() {
		w.Header().Set(trailerRequestDigest, inv.reqBody.Codec().Finalize().String())
	}
	if inv.respBody != nil && inv.respBody.Complete() {
		w.Header().Set(trailerRespDigest, inv.respBody.Codec().Finalize().String())
	}
}
