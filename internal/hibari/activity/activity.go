// Package activity measures how busy each conversation is.
package activity

import (
	"sync"
	"time"
)

// DefaultWindow is the sliding window the score counts messages over.
const DefaultWindow = 10 * time.Minute

// Tracker keeps per-conversation message timestamps inside a sliding window
// and prunes stale entries on every call, so memory stays bounded by the
// message rate.
//
// Tracker is safe for concurrent use from multiple goroutines.
type Tracker struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string][]time.Time // conversation id → message timestamps in window
}

// NewTracker returns a Tracker over window. If window <= 0 it defaults to
// DefaultWindow.
func NewTracker(window time.Duration) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Tracker{window: window, seen: make(map[string][]time.Time)}
}

// Record notes one message in conversationID at the given time.
func (t *Tracker) Record(conversationID string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seen[conversationID] = append(t.prune(conversationID, at), at)
}

// Score returns the number of messages recorded for conversationID within
// the window ending at now.
func (t *Tracker) Score(conversationID string, now time.Time) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	valid := t.prune(conversationID, now)
	if len(valid) == 0 {
		delete(t.seen, conversationID)
		return 0
	}
	t.seen[conversationID] = valid
	return float64(len(valid))
}

// prune drops timestamps that fell out of the window. Callers hold mu.
func (t *Tracker) prune(conversationID string, now time.Time) []time.Time {
	cutoff := now.Add(-t.window)
	existing := t.seen[conversationID]
	valid := existing[:0]
	for _, ts := range existing {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}
	return valid
}
