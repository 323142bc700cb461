package server

import (
	"context"
	"errors"
	"time"
)

type deviceTouch struct {
	deviceID string
	at       time.Time
}

// queueDeviceTouch is the registry's touch observer. It never blocks: when a
// write for the device is already queued, or the queue is full, the touch is
// dropped and the next one carries a newer timestamp anyway.
func (s *Server) queueDeviceTouch(deviceID string, at time.Time) {
	if deviceID == "" || s.deviceTouches == nil {
		return
	}
	if !s.reserveDeviceTouch(deviceID) {
		return
	}
	select {
	case s.deviceTouches <- deviceTouch{deviceID: deviceID, at: at}:
	default:
		s.completeDeviceTouch(deviceID)
	}
}

func (s *Server) runDeviceTouchWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-s.deviceTouches:
			touchCtx, cancel := context.WithTimeout(ctx, deviceTouchTimeout)
			err := s.store.TouchDevice(touchCtx, t.deviceID, t.at)
			cancel()
			s.completeDeviceTouch(t.deviceID)
			if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				s.log.Warn("failed to persist device last seen", "device_id", t.deviceID, "err", err)
			}
		}
	}
}

func (s *Server) reserveDeviceTouch(deviceID string) bool {
	s.touchMu.Lock()
	defer s.touchMu.Unlock()
	if _, exists := s.touchPending[deviceID]; exists {
		return false
	}
	s.touchPending[deviceID] = struct{}{}
	return true
}

func (s *Server) completeDeviceTouch(deviceID string) {
	s.touchMu.Lock()
	delete(s.touchPending, deviceID)
	s.touchMu.Unlock()
}

func (s *Server) runJanitor(ctx context.Context) {
	heartbeatTicker := time.NewTicker(s.cfg.HeartbeatCheckInterval)
	cleanupTicker := time.NewTicker(s.cfg.CleanupInterval)
	bucketTicker := time.NewTicker(regCleanupAge)
	defer heartbeatTicker.Stop()
	defer cleanupTicker.Stop()
	defer bucketTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeatTicker.C:
			s.expireStaleSessions(time.Now())
		case <-cleanupTicker.C:
			s.cleanupStaleDevices(ctx, time.Now())
		case <-bucketTicker.C:
			s.regLimiter.cleanup()
		}
	}
}

// expireStaleSessions closes liveness channels that missed their heartbeat;
// the read loop then marks the device disconnected.
func (s *Server) expireStaleSessions(now time.Time) int {
	expired := 0
	for _, sess := range s.hub.snapshot() {
		lastSeen := sess.lastSeen()
		if now.Sub(lastSeen) <= s.cfg.LivenessTimeout {
			continue
		}
		if !sess.closing.CompareAndSwap(false, true) {
			continue
		}
		s.log.Warn("device heartbeat timeout", "device_id", sess.deviceID, "last_seen", lastSeen.UTC().Format(time.RFC3339))
		sess.close()
		expired++
	}
	return expired
}

// cleanupStaleDevices removes devices that have been offline longer than the
// retention window, then trims revoked admin keys past the same window.
func (s *Server) cleanupStaleDevices(ctx context.Context, now time.Time) {
	if s.cfg.StaleDeviceRetention <= 0 {
		return
	}
	cutoff := now.Add(-s.cfg.StaleDeviceRetention)

	removed, err := s.registry.PurgeStale(ctx, cutoff)
	if err != nil {
		s.log.Error("stale device cleanup failed", "err", err)
	}
	if len(removed) > 0 {
		s.log.Info("stale devices removed", "devices", len(removed), "retention", s.cfg.StaleDeviceRetention.String())
	}

	purged, err := s.store.PurgeRevokedAPIKeys(ctx, cutoff, staleRecordBatchSize)
	if err != nil {
		s.log.Error("revoked api key cleanup failed", "err", err)
	} else if purged > 0 {
		s.log.Info("revoked api keys cleaned", "keys", purged)
	}
}
