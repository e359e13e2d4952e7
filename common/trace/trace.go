// Package trace provides correlation IDs for reply fetches and other
// per-conversation operations, carried through context.Context.
package trace

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

type traceKey struct{}

type conversationKey struct{}

// GenerateID returns a random trace ID of the form "t_<32 hex chars>".
func GenerateID() string {
	return NewID("t")
}

// NewID returns a random ID with the given prefix, e.g. NewID("f") for a
// reply fetch.
func NewID(prefix string) string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
	}
	return prefix + "_" + hex.EncodeToString(b)
}

// WithTraceID returns a child context carrying the given trace ID.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceKey{}, id)
}

// FromContext extracts the trace ID from ctx, returning "" if absent.
func FromContext(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok {
		return v
	}
	return ""
}

// WithConversation returns a child context tagged with a conversation ID.
func WithConversation(ctx context.Context, conversationID string) context.Context {
	return context.WithValue(ctx, conversationKey{}, conversationID)
}

// ConversationFromContext returns the conversation ID stored by
// WithConversation, or "".
func ConversationFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(conversationKey{}).(string); ok {
		return v
	}
	return ""
}
