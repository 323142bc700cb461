package sqlite

import (
	"context"
	"time"
)

// PurgeRevokedAPIKeys deletes up to limit keys revoked before olderThan and
// returns how many were removed.
func (s *Store) PurgeRevokedAPIKeys(ctx context.Context, olderThan time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = 100
	}
	res, err := s.db.ExecContext(ctx, `
DELETE FROM api_keys
WHERE id IN (
	SELECT id FROM api_keys
	WHERE revoked_at IS NOT NULL AND revoked_at < ?
	ORDER BY revoked_at ASC
	LIMIT ?
)`, olderThan.UTC(), limit)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
