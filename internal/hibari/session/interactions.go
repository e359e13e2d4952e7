package session

import (
	"time"

	"github.com/google/uuid"
)

// InteractionTTL is how long a pending interaction can be refused.
const InteractionTTL = 300 * time.Second

// Action is something a user did to the assistant, e.g. a pat or a hug.
type Action struct {
	Name string
	// Refusable actions create a pending interaction the model may refuse.
	Refusable bool
}

// PendingInteraction is a refusable action waiting for the model's decision.
type PendingInteraction struct {
	ID        string
	UserID    string
	Nickname  string
	Action    Action
	CreatedAt time.Time
}

// CreatePendingInteraction records an interaction and returns its short id.
func (s *Session) CreatePendingInteraction(userID, nickname string, action Action) string {
	id := uuid.New().String()[:8]
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interactions[id] = PendingInteraction{
		ID:        id,
		UserID:    userID,
		Nickname:  nickname,
		Action:    action,
		CreatedAt: s.deps.Now(),
	}
	return id
}

// RemovePendingInteraction removes and returns the interaction id.
func (s *Session) RemovePendingInteraction(id string) (PendingInteraction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.interactions[id]
	if ok {
		delete(s.interactions, id)
	}
	return p, ok
}

// PendingInteractions returns the number of pending interactions.
func (s *Session) PendingInteractions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.interactions)
}

// CleanupExpiredInteractions drops interactions older than maxAge and
// returns how many were dropped.
func (s *Session) CleanupExpiredInteractions(maxAge time.Duration) int {
	return s.cleanupExpiredInteractionsAt(s.deps.Now(), maxAge)
}

func (s *Session) cleanupExpiredInteractionsAt(now time.Time, maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, p := range s.interactions {
		if now.Sub(p.CreatedAt) > maxAge {
			delete(s.interactions, id)
			n++
		}
	}
	return n
}
