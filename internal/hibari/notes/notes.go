// Package notes keeps short-lived facts the assistant chose to write down for
// a conversation. Notes are matched against the chat history by keyword and
// surfaced in the system prompt.
package notes

import (
	"context"
	"crypto/rand"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// NeverExpires as expireDays keeps a note until it is deleted.
const NeverExpires = -1

// Note is a stored note. A zero ExpiresAt means the note never expires.
type Note struct {
	ID             string
	ConversationID string
	Content        string
	// Keywords is a space-separated list. Empty matches every history.
	Keywords  string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the note has expired at now.
func (n Note) Expired(now time.Time) bool {
	return !n.ExpiresAt.IsZero() && !n.ExpiresAt.After(now)
}

// Matches reports whether the note is relevant to history or topics: notes
// without keywords always match, otherwise any keyword must appear in history
// or equal one of the topics.
func (n Note) Matches(history string, topics []string) bool {
	keywords := strings.Fields(n.Keywords)
	if len(keywords) == 0 {
		return true
	}
	for _, kw := range keywords {
		if strings.Contains(history, kw) || slices.Contains(topics, kw) {
			return true
		}
	}
	return false
}

// Store persists notes.
type Store interface {
	InsertNote(ctx context.Context, n Note) error
	ListNotes(ctx context.Context, conversationID string) ([]Note, error)
	DeleteNote(ctx context.Context, conversationID, id string) error
	DeleteExpiredNotes(ctx context.Context, now time.Time) (int, error)
}

// Manager manages the notes of one conversation.
type Manager struct {
	store          Store
	conversationID string
	now            func() time.Time
}

// NewManager returns a Manager for conversationID. now may be nil.
func NewManager(s Store, conversationID string, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{store: s, conversationID: conversationID, now: now}
}

// Create stores a new note. expireDays of NeverExpires (or 0) keeps it
// forever; any other value expires it that many days from now.
func (m *Manager) Create(ctx context.Context, content, keywords string, expireDays int) (Note, error) {
	now := m.now()
	n := Note{
		ID:             ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		ConversationID: m.conversationID,
		Content:        content,
		Keywords:       strings.Join(strings.Fields(keywords), " "),
		CreatedAt:      now,
	}
	if expireDays > 0 {
		n.ExpiresAt = now.AddDate(0, 0, expireDays)
	}
	if err := m.store.InsertNote(ctx, n); err != nil {
		return Note{}, fmt.Errorf("create note: %w", err)
	}
	return n, nil
}

// List returns the live notes of the conversation, oldest first.
func (m *Manager) List(ctx context.Context) ([]Note, error) {
	all, err := m.store.ListNotes(ctx, m.conversationID)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	now := m.now()
	live := all[:0]
	for _, n := range all {
		if !n.Expired(now) {
			live = append(live, n)
		}
	}
	return live, nil
}

// Delete removes one note of the conversation.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.store.DeleteNote(ctx, m.conversationID, id); err != nil {
		return fmt.Errorf("delete note %s: %w", id, err)
	}
	return nil
}

// Filter returns the live notes matching history or topics.
func (m *Manager) Filter(ctx context.Context, history string, topics []string) ([]Note, error) {
	live, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []Note
	for _, n := range live {
		if n.Matches(history, topics) {
			out = append(out, n)
		}
	}
	return out, nil
}

// Sweep deletes expired notes across every conversation.
func Sweep(ctx context.Context, s Store, now time.Time) (int, error) {
	n, err := s.DeleteExpiredNotes(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("sweep notes: %w", err)
	}
	return n, nil
}
