package session

import (
	"context"

	"github.com/bdobrica/Hibari/internal/hibari/llm"
	"github.com/bdobrica/Hibari/internal/hibari/store"
)

// Platform is the chat network a session talks through.
type Platform interface {
	// Name identifies the platform in logs ("matrix", "discord").
	Name() string
	// SelfID is the assistant's own user id on the platform.
	SelfID() string
	// Send posts content to target, optionally as a reply to the platform
	// message replyTo, and returns the id of the sent message.
	Send(ctx context.Context, target, content, replyTo string) (string, error)
	DisplayName(ctx context.Context, userID string) (string, error)
	// Members maps display names to user ids for target.
	Members(ctx context.Context, target string) (map[string]string, error)
	// Mention renders an inline mention of userID.
	Mention(userID, name string) string
}

// WindowStore persists rolling windows.
type WindowStore interface {
	LoadWindow(ctx context.Context, conversationID string) ([]llm.Message, error)
	SaveWindow(ctx context.Context, conversationID string, msgs []llm.Message) error
	DeleteWindow(ctx context.Context, conversationID string) error
}

// PolicySource supplies per-conversation block lists.
type PolicySource interface {
	LoadPolicy(ctx context.Context, conversationID string) (store.ChatPolicy, error)
}
