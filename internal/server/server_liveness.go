package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/edgegate/internal/domain"
	"github.com/koltyakov/edgegate/internal/liveproto"
	"github.com/koltyakov/edgegate/internal/registry"
)

const (
	wsWriteTimeout   = 10 * time.Second
	wsControlQueue   = 8
	wsDataQueue      = 64
	wsDisconnectWait = 10 * time.Second
)

// hub tracks at most one liveness session per device.
type hub struct {
	mu       sync.RWMutex
	sessions map[string]*session
	wg       sync.WaitGroup
}

type session struct {
	deviceID         string
	conn             *websocket.Conn
	pump             *liveproto.WSWritePump
	lastSeenUnixNano atomic.Int64
	closing          atomic.Bool
	closeOnce        sync.Once
}

func newHub() *hub {
	return &hub{sessions: make(map[string]*session)}
}

// replace installs sess as the device's session and returns the one it
// displaced, if any.
func (h *hub) replace(sess *session) *session {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.sessions[sess.deviceID]
	h.sessions[sess.deviceID] = sess
	return prev
}

// remove drops sess only while it is still the device's current session, so
// a replaced session cannot evict its successor. It reports whether sess was
// current.
func (h *hub) remove(sess *session) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sessions[sess.deviceID] != sess {
		return false
	}
	delete(h.sessions, sess.deviceID)
	return true
}

func (h *hub) get(deviceID string) *session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[deviceID]
}

func (h *hub) snapshot() []*session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*session, 0, len(h.sessions))
	for _, sess := range h.sessions {
		out = append(out, sess)
	}
	return out
}

func (h *hub) closeAll() {
	for _, sess := range h.snapshot() {
		sess.close()
	}
}

func (s *session) touch(t time.Time) {
	s.lastSeenUnixNano.Store(t.UnixNano())
}

func (s *session) lastSeen() time.Time {
	n := s.lastSeenUnixNano.Load()
	if n == 0 {
		return time.Unix(0, 0)
	}
	return time.Unix(0, n)
}

// close tears the connection down; the read loop notices and cleans up.
func (s *session) close() {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}

func (s *session) send(msg liveproto.Message) error {
	if s.pump == nil {
		return liveproto.ErrWSWritePumpClosed
	}
	return s.pump.WriteJSON(msg)
}

// handleConnect upgrades an authenticated device to the liveness channel.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	rec, err := s.authenticateDevice(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "device_id", rec.DeviceID, "err", err)
		return
	}
	conn.SetReadLimit(minWSReadLimit)

	sess := &session{
		deviceID: rec.DeviceID,
		conn:     conn,
		pump:     liveproto.NewWSWritePump(conn, wsWriteTimeout, wsControlQueue, wsDataQueue),
	}
	sess.touch(time.Now())

	if prev := s.hub.replace(sess); prev != nil {
		s.log.Info("liveness session replaced", "device_id", rec.DeviceID)
		prev.close()
	}
	// A revoke racing this handshake may have missed the session; the
	// registry refuses to mark a revoked record connected.
	if err := s.tracker.OnConnect(r.Context(), rec.DeviceID); err != nil {
		s.hub.remove(sess)
		if errors.Is(err, registry.ErrRevoked) {
			s.log.Info("refusing liveness channel for revoked device", "device_id", rec.DeviceID)
			s.endSession(sess, "revoked")
		} else {
			s.log.Warn("failed to mark device connected", "device_id", rec.DeviceID, "err", err)
			sess.close()
		}
		sess.pump.Close()
		return
	}
	s.log.Info("device connected", "device_id", rec.DeviceID, "remote_addr", r.RemoteAddr)

	s.hub.wg.Add(1)
	go func() {
		defer s.hub.wg.Done()
		s.readLoop(sess)
	}()
}

func (s *Server) readLoop(sess *session) {
	defer func() {
		sess.close()
		sess.pump.Close()
		if !s.hub.remove(sess) {
			// A newer session owns the device's connected state.
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), wsDisconnectWait)
		defer cancel()
		if err := s.tracker.OnDisconnect(ctx, sess.deviceID); err != nil && !errors.Is(err, domain.ErrNotFound) {
			s.log.Error("failed to mark device disconnected", "device_id", sess.deviceID, "err", err)
		}
		s.log.Info("device disconnected", "device_id", sess.deviceID)
	}()

	for {
		var msg liveproto.Message
		if err := sess.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) && !sess.closing.Load() {
				s.log.Warn("liveness read error", "device_id", sess.deviceID, "err", err)
			}
			return
		}
		sess.touch(time.Now())

		switch msg.Kind {
		case liveproto.KindPing, liveproto.KindTelemetry:
			if err := s.tracker.OnMessage(sess.deviceID, msg.Payload); err != nil {
				// The record is gone; the channel has nothing left to report on.
				s.log.Info("closing liveness channel for unknown device", "device_id", sess.deviceID, "err", err)
				return
			}
			if msg.Kind == liveproto.KindPing {
				pong := liveproto.Message{Kind: liveproto.KindPong, ID: msg.ID, SentAt: time.Now().UTC()}
				if err := sess.send(pong); err != nil {
					return
				}
			}
		case liveproto.KindPong:
		default:
			s.log.Debug("ignoring liveness message", "device_id", sess.deviceID, "kind", msg.Kind)
		}
	}
}

// pushToDevice queues payload on the device's liveness channel.
func (s *Server) pushToDevice(deviceID string, payload any) (string, error) {
	sess := s.hub.get(deviceID)
	if sess == nil || sess.closing.Load() {
		return "", &domain.GatewayError{DeviceID: deviceID, Op: "push", Err: domain.ErrDeviceUnreachable}
	}
	id := s.nextRequestID()
	msg, err := liveproto.NewPayloadMessage(liveproto.KindPush, id, payload)
	if err != nil {
		return "", badRequest("payload is not valid json: " + err.Error())
	}
	if err := sess.send(msg); err != nil {
		return "", &domain.GatewayError{DeviceID: deviceID, Op: "push", Err: errors.Join(domain.ErrDeviceUnreachable, err)}
	}
	return id, nil
}

// disconnectDevice tells a connected device why its channel is ending and
// closes it. reason is carried as the message payload.
func (s *Server) disconnectDevice(deviceID, reason string) {
	if sess := s.hub.get(deviceID); sess != nil {
		s.endSession(sess, reason)
	}
}

func (s *Server) endSession(sess *session, reason string) {
	payload, _ := json.Marshal(map[string]string{"reason": reason})
	msg := liveproto.Message{Kind: liveproto.KindRevoked, SentAt: time.Now().UTC(), Payload: payload}
	if err := sess.send(msg); err != nil {
		s.log.Debug("failed to notify device before disconnect", "device_id", sess.deviceID, "err", err)
	}
	sess.close()
}
