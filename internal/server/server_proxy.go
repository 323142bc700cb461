package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/koltyakov/edgegate/internal/codec"
	"github.com/koltyakov/edgegate/internal/domain"
	"github.com/koltyakov/edgegate/internal/netutil"
)

type invokePhase int

const (
	phaseReceived invokePhase = iota
	phaseAuthenticating
	phaseResolving
	phaseStreaming
	phaseCompleted
	phaseFailed
)

func (p invokePhase) String() string {
	switch p {
	case phaseReceived:
		return "received"
	case phaseAuthenticating:
		return "authenticating"
	case phaseResolving:
		return "resolving"
	case phaseStreaming:
		return "streaming"
	case phaseCompleted:
		return "completed"
	case phaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// invocation is the state of one proxied call. It moves forward only:
// received, authenticating, resolving, streaming, then completed or failed.
type invocation struct {
	reqID       string
	deviceID    string
	phase       invokePhase
	started     time.Time
	status      int
	headersSent bool
	reqBody     *codec.Reader
	respBody    *codec.Reader
}

func (s *Server) advance(inv *invocation, p invokePhase) {
	if p <= inv.phase {
		return
	}
	inv.phase = p
	s.log.Debug("invoke phase", "req_id", inv.reqID, "device_id", inv.deviceID, "phase", p.String())
}

// handleInvoke forwards an authenticated call to the device's downstream
// endpoint and streams both bodies through the transfer codec.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	inv := &invocation{
		reqID:    requestID(r),
		deviceID: r.PathValue("device_id"),
		started:  time.Now(),
	}

	s.advance(inv, phaseAuthenticating)
	rec, err := s.authorizeInvoke(r, inv.deviceID)
	if err != nil {
		s.failInvoke(w, r, inv, err)
		return
	}

	s.advance(inv, phaseResolving)
	target, err := resolveTarget(rec, r)
	if err != nil {
		s.failInvoke(w, r, inv, err)
		return
	}

	s.advance(inv, phaseStreaming)
	if err := s.forward(w, r, inv, target); err != nil {
		s.failInvoke(w, r, inv, err)
		return
	}

	s.advance(inv, phaseCompleted)
	attrs := []any{
		"req_id", inv.reqID,
		"device_id", inv.deviceID,
		"method", r.Method,
		"status", inv.status,
		"duration", time.Since(inv.started).String(),
	}
	if inv.reqBody != nil {
		attrs = append(attrs, "bytes_in", inv.reqBody.Codec().BytesSeen())
	}
	if inv.respBody != nil {
		attrs = append(attrs, "bytes_out", inv.respBody.Codec().BytesSeen())
	}
	s.log.Info("device invoked", attrs...)
}

// authorizeInvoke returns the record to route to. Devices may only invoke
// themselves; admin keys may invoke any active device.
func (s *Server) authorizeInvoke(r *http.Request, deviceID string) (domain.DeviceRecord, error) {
	c, err := s.authenticateCaller(r)
	if err != nil {
		return domain.DeviceRecord{}, err
	}
	if !c.mayAct(deviceID) {
		return domain.DeviceRecord{}, domain.ErrForbidden
	}
	if !c.admin() {
		return c.device, nil
	}
	rec, err := s.registry.Get(deviceID)
	if err != nil {
		return domain.DeviceRecord{}, err
	}
	if !rec.Active() {
		return domain.DeviceRecord{}, domain.NewAuthError(domain.AuthUnknownDevice, errors.New("device is revoked"))
	}
	return rec, nil
}

func resolveTarget(rec domain.DeviceRecord, r *http.Request) (*url.URL, error) {
	base, err := rec.Metadata.BaseURL()
	if err != nil {
		return nil, &domain.GatewayError{DeviceID: rec.DeviceID, Op: "resolve", Err: errors.Join(domain.ErrDeviceUnreachable, err)}
	}
	return netutil.JoinURL(base, r.PathValue("path"), r.URL.RawQuery), nil
}

func (s *Server) forward(w http.ResponseWriter, r *http.Request, inv *invocation, target *url.URL) error {
	ctx, cancel := context.WithCancelCause(r.Context())
	defer cancel(nil)
	if s.cfg.RequestTimeout > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeoutCause(ctx, s.cfg.RequestTimeout, domain.ErrTimeout)
		defer stop()
	}

	declared := r.Header.Get(headerContentDigest)
	var body io.Reader
	switch {
	case hasRequestBody(r):
		c, err := newBodyCodec(declared)
		if err != nil {
			return badRequest("invalid " + headerContentDigest + ": " + err.Error())
		}
		inv.reqBody = codec.NewReader(r.Body, c, s.chunkSize())
		body = inv.reqBody

		// A broken upload cancels the downstream call.
		go func(rd *codec.Reader) {
			select {
			case <-rd.Done():
				if err := rd.Err(); err != nil && !errors.Is(err, codec.ErrIncomplete) {
					cancel(&domain.GatewayError{DeviceID: inv.deviceID, Op: opRequest, Err: err})
				}
			case <-ctx.Done():
			}
		}(inv.reqBody)
	case declared != "":
		// An empty body still has to match the digest the caller declared.
		c, err := newBodyCodec(declared)
		if err != nil {
			return badRequest("invalid " + headerContentDigest + ": " + err.Error())
		}
		inv.reqBody = codec.NewReader(http.NoBody, c, s.chunkSize())
		_, _ = io.Copy(io.Discard, inv.reqBody)
		if err := requestFailure(inv, true); err != nil {
			return err
		}
	}

	outReq, err := http.NewRequestWithContext(ctx, r.Method, target.String(), body)
	if err != nil {
		return err
	}
	outReq.Header = outboundHeaders(r, inv.deviceID)
	if body != nil {
		outReq.ContentLength = r.ContentLength
	}

	resp, err := s.transport.RoundTrip(outReq)
	if err != nil {
		return s.forwardError(ctx, r, inv, opConnect, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := requestFailure(inv, false); err != nil {
		return err
	}

	respCodec, err := newBodyCodec(resp.Header.Get(headerContentDigest))
	if err != nil {
		s.log.Debug("ignoring device content digest", "req_id", inv.reqID, "device_id", inv.deviceID, "err", err)
		if respCodec, err = codec.New(codec.DefaultAlgorithm); err != nil {
			return err
		}
	}
	inv.respBody = codec.NewReader(resp.Body, respCodec, s.chunkSize())

	bufRef := getChunk(s.chunkSize())
	defer putChunk(bufRef)
	buf := *bufRef

	// Nothing is committed to the caller until the first chunk arrived
	// intact, so early failures still get a proper status.
	n, rerr := peekResponse(inv.respBody, buf, resp.ContentLength)
	if rerr != nil && !errors.Is(rerr, io.EOF) {
		return s.forwardError(ctx, r, inv, opResponse, rerr)
	}

	copyResponseHeaders(w.Header(), resp.Header)
	w.Header().Del("Content-Length")
	announceTrailers(w.Header(), resp.Trailer)
	w.WriteHeader(resp.StatusCode)
	inv.status = resp.StatusCode
	inv.headersSent = true

	rc := http.NewResponseController(w)
	flush := func() { _ = rc.Flush() }
	if n > 0 {
		if _, err := w.Write(buf[:n]); err != nil {
			return errClientGone
		}
		flush()
	}
	if rerr == nil {
		if _, err := codec.Pump(w, inv.respBody, buf, flush); err != nil {
			var pe *codec.PumpError
			if errors.As(err, &pe) && pe.Op == "write" {
				return errClientGone
			}
			return s.forwardError(ctx, r, inv, opResponse, errors.Unwrap(err))
		}
	}

	// A declared request digest must verify before the response may
	// complete.
	if inv.reqBody != nil {
		if _, declared := inv.reqBody.Codec().Expected(); declared {
			select {
			case <-inv.reqBody.Done():
			case <-ctx.Done():
				return s.forwardError(ctx, r, inv, opRequest, context.Cause(ctx))
			}
		}
		if err := requestFailure(inv, true); err != nil {
			return err
		}
	}

	copyDeviceTrailers(w.Header(), resp.Trailer)
	setDigestTrailers(w, inv)
	return nil
}

// peekResponse reads the first chunk. A body known to fit in one chunk is
// read to the end, so a short corrupt response is rejected before any byte
// reaches the caller. Streams of unknown length only wait for one read.
func peekResponse(body io.Reader, buf []byte, contentLength int64) (int, error) {
	if contentLength < 0 || contentLength > int64(len(buf)) {
		return body.Read(buf)
	}
	total := 0
	for total < len(buf) {
		n, err := body.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// requestFailure reports a request body that ended badly. An unread tail
// counts only once final is set and the caller declared a digest.
func requestFailure(inv *invocation, final bool) error {
	if inv.reqBody == nil {
		return nil
	}
	err := inv.reqBody.Err()
	if err == nil {
		return nil
	}
	_, declared := inv.reqBody.Codec().Expected()
	if errors.Is(err, codec.ErrIncomplete) {
		if !declared || !final {
			return nil
		}
		err = errors.Join(domain.ErrIntegrity, err)
	}
	if !errors.Is(err, domain.ErrIntegrity) {
		// The caller's own upload broke.
		return errors.Join(errClientGone, err)
	}
	return &domain.GatewayError{DeviceID: inv.deviceID, Op: opRequest, Err: err}
}

// forwardError classifies a failed exchange. Request-side integrity wins,
// then the deadline, then a vanished caller; everything else is the
// device's fault.
func (s *Server) forwardError(ctx context.Context, r *http.Request, inv *invocation, op string, err error) error {
	if ferr := requestFailure(inv, false); ferr != nil {
		return ferr
	}
	if errors.Is(err, domain.ErrIntegrity) {
		return &domain.GatewayError{DeviceID: inv.deviceID, Op: op, Err: err}
	}
	cause := context.Cause(ctx)
	var gwErr *domain.GatewayError
	switch {
	case errors.Is(cause, domain.ErrTimeout):
		return &domain.GatewayError{DeviceID: inv.deviceID, Op: op, Err: domain.ErrTimeout}
	case errors.As(cause, &gwErr):
		return gwErr
	case r.Context().Err() != nil:
		return errClientGone
	}
	return &domain.GatewayError{DeviceID: inv.deviceID, Op: op, Err: errors.Join(domain.ErrDeviceUnreachable, err)}
}

func (s *Server) failInvoke(w http.ResponseWriter, r *http.Request, inv *invocation, err error) {
	s.advance(inv, phaseFailed)
	status, code := errorStatus(err)
	switch {
	case errors.Is(err, errClientGone):
		s.log.Debug("invoke abandoned by caller", "req_id", inv.reqID, "device_id", inv.deviceID)
	case inv.headersSent:
		s.log.Warn("invoke aborted mid-stream", "req_id", inv.reqID, "device_id", inv.deviceID, "code", code, "err", err)
	case status < http.StatusInternalServerError:
		s.log.Info("invoke rejected", "req_id", inv.reqID, "device_id", inv.deviceID, "code", code, "err", err)
	case status != http.StatusInternalServerError:
		s.log.Warn("invoke failed", "req_id", inv.reqID, "device_id", inv.deviceID, "code", code, "err", err)
	}

	if inv.headersSent {
		abortResponse()
	}
	if errors.Is(err, errClientGone) {
		return
	}
	s.writeError(w, r, err)
}
