package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ChatPolicy lists who and what the assistant ignores in a conversation.
type ChatPolicy struct {
	BlockedUsers    []string `json:"blocked_users"`
	BlockedKeywords []string `json:"blocked_keywords"`
	// Disabled switches the assistant off in the conversation.
	Disabled bool `json:"disabled"`
}

// Blocks reports whether a message from sender with the given content falls
// under the policy.
func (p ChatPolicy) Blocks(sender, content string) bool {
	if slices.Contains(p.BlockedUsers, sender) {
		return true
	}
	for _, kw := range p.BlockedKeywords {
		if kw != "" && strings.Contains(content, kw) {
			return true
		}
	}
	return false
}

// LoadPolicy returns the policy of conversationID. Conversations without one
// get the empty policy.
func (s *Store) LoadPolicy(ctx context.Context, conversationID string) (ChatPolicy, error) {
	var users, keywords string
	var disabled bool
	err := s.db.QueryRowContext(ctx, `
		SELECT blocked_users_json, blocked_keywords_json, disabled
		FROM chat_policies WHERE conversation_id = ?
	`, conversationID).Scan(&users, &keywords, &disabled)
	if errors.Is(err, sql.ErrNoRows) {
		return ChatPolicy{}, nil
	}
	if err != nil {
		return ChatPolicy{}, fmt.Errorf("load policy %s: %w", conversationID, err)
	}
	p := ChatPolicy{Disabled: disabled}
	if err := json.Unmarshal([]byte(users), &p.BlockedUsers); err != nil {
		return ChatPolicy{}, fmt.Errorf("decode blocked_users_json: %w", err)
	}
	if err := json.Unmarshal([]byte(keywords), &p.BlockedKeywords); err != nil {
		return ChatPolicy{}, fmt.Errorf("decode blocked_keywords_json: %w", err)
	}
	return p, nil
}

// SavePolicy upserts the policy of conversationID.
func (s *Store) SavePolicy(ctx context.Context, conversationID string, p ChatPolicy) error {
	if p.BlockedUsers == nil {
		p.BlockedUsers = []string{}
	}
	if p.BlockedKeywords == nil {
		p.BlockedKeywords = []string{}
	}
	users, err := json.Marshal(p.BlockedUsers)
	if err != nil {
		return fmt.Errorf("encode blocked users: %w", err)
	}
	keywords, err := json.Marshal(p.BlockedKeywords)
	if err != nil {
		return fmt.Errorf("encode blocked keywords: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chat_policies (conversation_id, blocked_users_json, blocked_keywords_json, disabled, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(conversation_id) DO UPDATE SET
			blocked_users_json    = excluded.blocked_users_json,
			blocked_keywords_json = excluded.blocked_keywords_json,
			disabled              = excluded.disabled,
			updated_at            = excluded.updated_at
	`, conversationID, string(users), string(keywords), p.Disabled)
	if err != nil {
		return fmt.Errorf("save policy %s: %w", conversationID, err)
	}
	return nil
}

// PolicyField selects which list UpdatePolicy edits.
type PolicyField int

const (
	PolicyUsers PolicyField = iota
	PolicyKeywords
)

// UpdatePolicy adds (block=true) or removes a value from one list of the
// policy of conversationID and returns the resulting policy.
func (s *Store) UpdatePolicy(ctx context.Context, conversationID string, field PolicyField, value string, block bool) (ChatPolicy, error) {
	p, err := s.LoadPolicy(ctx, conversationID)
	if err != nil {
		return ChatPolicy{}, err
	}
	list := &p.BlockedUsers
	if field == PolicyKeywords {
		list = &p.BlockedKeywords
	}
	has := slices.Contains(*list, value)
	switch {
	case block && !has:
		*list = append(*list, value)
	case !block && has:
		*list = slices.DeleteFunc(*list, func(v string) bool { return v == value })
	}
	if err := s.SavePolicy(ctx, conversationID, p); err != nil {
		return ChatPolicy{}, err
	}
	return p, nil
}

// SetEnabled flips the off switch of conversationID, keeping its block lists.
func (s *Store) SetEnabled(ctx context.Context, conversationID string, enabled bool) (ChatPolicy, error) {
	p, err := s.LoadPolicy(ctx, conversationID)
	if err != nil {
		return ChatPolicy{}, err
	}
	p.Disabled = !enabled
	if err := s.SavePolicy(ctx, conversationID, p); err != nil {
		return ChatPolicy{}, err
	}
	return p, nil
}
