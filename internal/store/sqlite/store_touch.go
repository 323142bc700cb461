package sqlite

import (
	"context"
	"strings"
	"time"
)

// TouchDevice persists a newer last_seen for the device. Writes for the same
// device are throttled to one per touch interval; the in-memory registry
// stays authoritative in between.
func (s *Store) TouchDevice(ctx context.Context, deviceID string, at time.Time) error {
	at = at.UTC()
	if !s.reserveDeviceTouch(deviceID, at) {
		return nil
	}

	var err error
	if s.touchDeviceStmt != nil {
		_, err = s.touchDeviceStmt.ExecContext(ctx, at, deviceID, at)
	} else {
		_, err = s.db.ExecContext(ctx, touchDeviceQuery, at, deviceID, at)
	}
	if err != nil {
		s.rollbackDeviceTouch(deviceID, at)
	}
	return err
}

func (s *Store) reserveDeviceTouch(deviceID string, now time.Time) bool {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return false
	}

	s.touchMu.Lock()
	defer s.touchMu.Unlock()

	if now.After(s.nextTouchCleanupAt) {
		s.cleanupStaleTouchEntriesLocked(now)
		s.nextTouchCleanupAt = now.Add(s.touchCleanupInterval)
	}
	if last, ok := s.lastDeviceTouch[deviceID]; ok && now.Sub(last) < s.touchMinInterval {
		return false
	}
	s.lastDeviceTouch[deviceID] = now
	return true
}

func (s *Store) rollbackDeviceTouch(deviceID string, reservedAt time.Time) {
	s.touchMu.Lock()
	defer s.touchMu.Unlock()

	if last, ok := s.lastDeviceTouch[deviceID]; ok && last.Equal(reservedAt) {
		delete(s.lastDeviceTouch, deviceID)
	}
}

func (s *Store) forgetDeviceTouch(deviceID string) {
	s.touchMu.Lock()
	delete(s.lastDeviceTouch, deviceID)
	s.touchMu.Unlock()
}

func (s *Store) cleanupStaleTouchEntriesLocked(now time.Time) {
	cutoff := now.Add(-(s.touchMinInterval * 4))
	for deviceID, last := range s.lastDeviceTouch {
		if last.Before(cutoff) {
			delete(s.lastDeviceTouch, deviceID)
		}
	}
}
