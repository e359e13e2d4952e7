package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SaveSyncState upserts one Matrix sync value (filter id, next_batch token)
// for userID.
func (s *Store) SaveSyncState(ctx context.Context, userID, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO matrix_sync_state (user_id, key, value)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value
	`, userID, key, value)
	if err != nil {
		return fmt.Errorf("save sync state %s: %w", key, err)
	}
	return nil
}

// LoadSyncState returns a stored sync value, or "" when none was saved.
func (s *Store) LoadSyncState(ctx context.Context, userID, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM matrix_sync_state WHERE user_id = ? AND key = ?
	`, userID, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("load sync state %s: %w", key, err)
	}
	return value, nil
}
