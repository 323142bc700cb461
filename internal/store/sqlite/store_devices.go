package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/koltyakov/edgegate/internal/domain"
)

// SaveDevice inserts or replaces the persisted copy of rec.
func (s *Store) SaveDevice(ctx context.Context, rec domain.DeviceRecord) error {
	md := rec.Metadata
	if md == nil {
		md = domain.Metadata{}
	}
	raw, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("encode device metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO devices(device_id, metadata, status, connected, current_token_id, registered_at, last_seen_at)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(device_id) DO UPDATE SET
	metadata = excluded.metadata,
	status = excluded.status,
	connected = excluded.connected,
	current_token_id = excluded.current_token_id,
	registered_at = excluded.registered_at,
	last_seen_at = MAX(devices.last_seen_at, excluded.last_seen_at)`,
		rec.DeviceID, string(raw), rec.Status, boolToInt(rec.Connected), nullableString(rec.CurrentTokenID),
		rec.RegisteredAt.UTC(), rec.LastSeen.UTC())
	if err == nil {
		s.forgetDeviceTouch(rec.DeviceID)
	}
	return err
}

// DeleteDevice removes the device. Deleting an unknown device is not an error.
func (s *Store) DeleteDevice(ctx context.Context, deviceID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE device_id = ?`, deviceID)
	if err == nil {
		s.forgetDeviceTouch(deviceID)
	}
	return err
}

// LoadDevices returns every persisted device ordered by id.
func (s *Store) LoadDevices(ctx context.Context) ([]domain.DeviceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT device_id, metadata, status, connected, current_token_id, registered_at, last_seen_at
FROM devices
ORDER BY device_id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []domain.DeviceRecord
	for rows.Next() {
		var (
			rec       domain.DeviceRecord
			raw       string
			connected int
			tokenID   sql.NullString
		)
		if err := rows.Scan(&rec.DeviceID, &raw, &rec.Status, &connected, &tokenID, &rec.RegisteredAt, &rec.LastSeen); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for device %s: %w", rec.DeviceID, err)
		}
		rec.Connected = connected != 0
		rec.CurrentTokenID = tokenID.String
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ResetConnectedDevices clears every connected flag. Called on boot since no
// liveness channel survives a restart.
func (s *Store) ResetConnectedDevices(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE devices SET connected = 0 WHERE connected != 0`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountDevicesByStatus returns the number of persisted devices per status.
func (s *Store) CountDevicesByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM devices GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make(map[string]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[status] = n
	}
	return out, rows.Err()
}
