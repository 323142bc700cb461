package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/edgegate/internal/domain"
	"github.com/koltyakov/edgegate/internal/liveproto"
)

func (a *Agent) runSession(ctx context.Context) error {
	cred := a.Credential()
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: wsHandshakeTimeout,
		TLSClientConfig:  a.tlsConfig,
	}
	header := http.Header{"Authorization": {"Bearer " + cred.Token}}
	conn, resp, err := dialer.DialContext(ctx, connectURL(cred, a.cfg.ServerURL), header)
	if err != nil {
		if resp != nil && resp.StatusCode >= http.StatusBadRequest {
			apiErr := readAPIError(resp)
			_ = resp.Body.Close()
			return a.credentialRejected(apiErr)
		}
		return fmt.Errorf("liveness connect: %w", err)
	}
	conn.SetReadLimit(agentWSReadLimit)
	a.log.Info("liveness channel up", "device_id", cred.DeviceID)

	sessCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	writer := liveproto.NewWSWritePump(conn, agentWSWriteTimeout, wsControlQueueSize, wsDataQueueSize)
	defer writer.Close()
	defer func() { _ = conn.Close() }()
	go func() {
		<-sessCtx.Done()
		_ = conn.Close()
	}()

	var pingSentAt atomic.Int64
	go a.keepalive(sessCtx, cancel, writer, &pingSentAt)
	go a.renewLoop(sessCtx, cancel)

	for {
		var msg liveproto.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if sessCtx.Err() != nil {
				return context.Cause(sessCtx)
			}
			return err
		}
		switch msg.Kind {
		case liveproto.KindPong:
			if sent := pingSentAt.Load(); sent > 0 {
				a.log.Debug("liveness pong", "rtt", time.Since(time.Unix(0, sent)).String())
			}
		case liveproto.KindPush:
			a.handlePush(msg)
		case liveproto.KindRevoked:
			a.setCredential(domain.RegisterResponse{})
			return fmt.Errorf("%w: %s", ErrRevoked, revocationReason(msg))
		case liveproto.KindError:
			a.log.Warn("gateway reported liveness error", "err", msg.Error)
		default:
			a.log.Debug("ignoring liveness message", "kind", msg.Kind)
		}
	}
}

func (a *Agent) keepalive(ctx context.Context, cancel context.CancelCauseFunc, writer *liveproto.WSWritePump, sentAt *atomic.Int64) {
	var seq uint64
	ping := func() error {
		seq++
		sentAt.Store(time.Now().UnixNano())
		msg := liveproto.Message{Kind: liveproto.KindPing, ID: "ping-" + strconv.FormatUint(seq, 10), SentAt: time.Now().UTC()}
		if err := writer.WriteJSON(msg); err != nil {
			return err
		}
		if a.telemetry == nil {
			return nil
		}
		tm, err := liveproto.NewPayloadMessage(liveproto.KindTelemetry, "", a.telemetry())
		if err != nil {
			a.log.Warn("telemetry is not valid json", "err", err)
			return nil
		}
		return writer.WriteJSON(tm)
	}

	if err := ping(); err != nil {
		cancel(err)
		return
	}
	ticker := time.NewTicker(a.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ping(); err != nil {
				cancel(err)
				return
			}
		}
	}
}

// renewLoop renews the credential once its grace window opens. A rejected
// credential ends the session; transient failures are retried.
func (a *Agent) renewLoop(ctx context.Context, cancel context.CancelCauseFunc) {
	for {
		cred := a.Credential()
		if cred.Token == "" {
			return
		}
		if !sleepCtx(ctx, max(time.Until(cred.RenewAfter), 0)) {
			return
		}
		next, err := a.renew(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			var apiErr *apiError
			if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
				cancel(a.credentialRejected(apiErr))
				return
			}
			a.log.Warn("credential renewal failed", "err", shortenError(err), "retry_in", renewRetryDelay.String())
			if !sleepCtx(ctx, renewRetryDelay) {
				return
			}
			continue
		}
		a.setCredential(next)
		a.log.Info("credential renewed", "device_id", next.DeviceID, "expires_at", next.ExpiresAt.Format(time.RFC3339))
	}
}

// credentialRejected turns a gateway auth rejection into the agent's
// terminal error. An unknown device means the registration is gone.
func (a *Agent) credentialRejected(apiErr *apiError) error {
	a.setCredential(domain.RegisterResponse{})
	if apiErr.Code == string(domain.AuthUnknownDevice) {
		return fmt.Errorf("%w: %v", ErrRevoked, apiErr)
	}
	return apiErr
}

func (a *Agent) handlePush(msg liveproto.Message) {
	if a.onPush != nil {
		a.onPush(msg)
		return
	}
	a.log.Info("gateway push received", "message_id", msg.ID, "bytes", len(msg.Payload))
}

func revocationReason(msg liveproto.Message) string {
	var body struct {
		Reason string `json:"reason"`
	}
	if len(msg.Payload) > 0 && json.Unmarshal(msg.Payload, &body) == nil && body.Reason != "" {
		return body.Reason
	}
	return "revoked"
}

// connectURL prefers the endpoint the gateway advertised and otherwise
// derives it from the server URL.
func connectURL(cred domain.RegisterResponse, serverURL string) string {
	if u := strings.TrimSpace(cred.CloudEndpoints.Connect); u != "" {
		return u
	}
	u, err := url.Parse(strings.TrimSuffix(serverURL, "/") + "/v1/devices/connect")
	if err != nil {
		return serverURL
	}
	if strings.EqualFold(u.Scheme, "https") {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	return u.String()
}
