package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/bdobrica/Hibari/internal/hibari/llm"
)

// LoadWindow returns the persisted rolling window of a conversation. A
// conversation with no saved window yields an empty slice and no error.
func (s *Store) LoadWindow(ctx context.Context, conversationID string) ([]llm.Message, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT messages_json FROM message_windows WHERE conversation_id = ?", conversationID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load window %s: %w", conversationID, err)
	}
	msgs, err := llm.Unmarshal([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("decode window %s: %w", conversationID, err)
	}
	return msgs, nil
}

// SaveWindow replaces the persisted window of a conversation.
func (s *Store) SaveWindow(ctx context.Context, conversationID string, msgs []llm.Message) error {
	raw, err := llm.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("encode window %s: %w", conversationID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO message_windows (conversation_id, messages_json, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(conversation_id) DO UPDATE SET
			messages_json = excluded.messages_json,
			updated_at    = excluded.updated_at
	`, conversationID, string(raw))
	if err != nil {
		return fmt.Errorf("save window %s: %w", conversationID, err)
	}
	return nil
}

// DeleteWindow forgets the persisted window of a conversation.
func (s *Store) DeleteWindow(ctx context.Context, conversationID string) error {
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM message_windows WHERE conversation_id = ?", conversationID,
	); err != nil {
		return fmt.Errorf("delete window %s: %w", conversationID, err)
	}
	return nil
}
