package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bdobrica/Hibari/internal/hibari/notes"
)

// InsertNote stores a new note.
func (s *Store) InsertNote(ctx context.Context, n notes.Note) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notes (id, conversation_id, content, keywords, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, n.ID, n.ConversationID, n.Content, n.Keywords, n.CreatedAt.UTC(), nullableTime(n.ExpiresAt))
	if err != nil {
		return fmt.Errorf("insert note: %w", err)
	}
	return nil
}

// ListNotes returns every note of conversationID, expired ones included,
// oldest first.
func (s *Store) ListNotes(ctx context.Context, conversationID string) ([]notes.Note, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, content, keywords, created_at, expires_at
		FROM notes WHERE conversation_id = ? ORDER BY created_at, id
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query notes: %w", err)
	}
	defer rows.Close()

	var out []notes.Note
	for rows.Next() {
		var (
			n       notes.Note
			expires sql.NullTime
		)
		if err := rows.Scan(&n.ID, &n.ConversationID, &n.Content, &n.Keywords, &n.CreatedAt, &expires); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		if expires.Valid {
			n.ExpiresAt = expires.Time
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// DeleteNote removes one note. It returns ErrNotFound when the note does not
// belong to conversationID or does not exist.
func (s *Store) DeleteNote(ctx context.Context, conversationID, id string) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM notes WHERE conversation_id = ? AND id = ?", conversationID, id)
	if err != nil {
		return fmt.Errorf("delete note: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteExpiredNotes removes every note that expired at or before now.
func (s *Store) DeleteExpiredNotes(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM notes WHERE expires_at IS NOT NULL AND expires_at <= ?", now.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired notes: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

var _ notes.Store = (*Store)(nil)
