package session

import "github.com/bdobrica/Hibari/internal/hibari/llm"

// DefaultMaxEntries caps the rolling window.
const DefaultMaxEntries = 50

// Window is the rolling context of a conversation: an ordered list of chat
// entries, trimmed from the front. It is not safe for concurrent use; the
// owning Session guards it.
type Window struct {
	max     int
	entries []llm.Message
}

// NewWindow returns an empty window holding at most max entries.
func NewWindow(max int) *Window {
	if max <= 0 {
		max = DefaultMaxEntries
	}
	return &Window{max: max}
}

// Append adds m and trims the oldest entries beyond the cap.
func (w *Window) Append(m llm.Message) {
	w.entries = append(w.entries, m)
	w.trim()
}

// Replace swaps the whole content, trimming to the cap.
func (w *Window) Replace(msgs []llm.Message) {
	w.entries = llm.Clone(msgs)
	w.trim()
}

// Reset empties the window.
func (w *Window) Reset() { w.entries = nil }

// Entries returns a deep copy of the entries.
func (w *Window) Entries() []llm.Message { return llm.Clone(w.entries) }

// Len returns the number of entries.
func (w *Window) Len() int { return len(w.entries) }

// Last returns the newest entry.
func (w *Window) Last() (llm.Message, bool) {
	if len(w.entries) == 0 {
		return llm.Message{}, false
	}
	return w.entries[len(w.entries)-1], true
}

func (w *Window) trim() {
	if over := len(w.entries) - w.max; over > 0 {
		w.entries = append([]llm.Message(nil), w.entries[over:]...)
	}
}

// PrepareContext returns the entries a fetch sends to the model: leading
// entries that are neither user nor assistant (orphaned tool results, stale
// system notes) are dropped, the rest is trimmed to max from the front and
// deep-copied.
func PrepareContext(entries []llm.Message, max int) []llm.Message {
	start := 0
	for start < len(entries) && !conversational(entries[start].Role) {
		start++
	}
	out := entries[start:]
	if len(out) > max {
		out = out[len(out)-max:]
	}
	return llm.Clone(out)
}

func conversational(r llm.Role) bool {
	return r == llm.RoleUser || r == llm.RoleAssistant
}
