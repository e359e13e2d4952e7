package session

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// TriggerMode says whether processing an item may start a reply.
type TriggerMode int

const (
	// TriggerNone never starts a reply.
	TriggerNone TriggerMode = iota
	// TriggerProbability starts a reply by random draw once the queue drains.
	TriggerProbability
	// TriggerAll always starts a reply.
	TriggerAll
)

func (m TriggerMode) String() string {
	switch m {
	case TriggerNone:
		return "none"
	case TriggerProbability:
		return "probability"
	case TriggerAll:
		return "all"
	}
	return fmt.Sprintf("TriggerMode(%d)", int(m))
}

// ItemKind tags an Item.
type ItemKind int

const (
	ItemMessage ItemKind = iota
	ItemEvent
)

// Message is an inbound chat message, already converted to text by the
// platform adapter.
type Message struct {
	Content    string
	Sender     string
	SenderName string
	Timestamp  time.Time
	// Mentioned is set by the adapter when the message is directed at the
	// assistant (mention, reply to the assistant, private chat).
	Mentioned         bool
	PlatformMessageID string
}

// Event is a synthetic prompt injected into the conversation: timers,
// recalls, pokes, interactions.
type Event struct {
	Text string
	Mode TriggerMode
}

// Item is one entry of a session's queue.
type Item struct {
	Kind    ItemKind
	Message Message
	Event   Event
}

// CachedMessage is a recent chat line kept for hotness, favorability and
// proactive reply decisions.
type CachedMessage struct {
	Sender     string
	SenderName string
	Content    string
	Timestamp  time.Time
	MessageID  string
	Self       bool
}

const clockLayout = "15:04:05"

// RenderMessage formats a message as it appears in the rolling window.
func RenderMessage(m Message) string {
	return fmt.Sprintf("[%s][%s](%s): %s", m.Timestamp.Format(clockLayout), m.SenderName, m.PlatformMessageID, m.Content)
}

// RenderEvent formats an event as it appears in the rolling window.
func RenderEvent(at time.Time, text string) string {
	return fmt.Sprintf("[%s] event: %s", at.Format(clockLayout), text)
}

var (
	bracketed  = regexp.MustCompile(`\[.*?\]`)
	whitespace = regexp.MustCompile(`\s+`)
)

// SignalLength is the length a message contributes to the accumulated
// signal: bracketed segments (attachments, stickers, quotes) are removed and
// runs of whitespace collapsed.
func SignalLength(content string) int {
	cleaned := bracketed.ReplaceAllString(content, "")
	cleaned = strings.TrimSpace(whitespace.ReplaceAllString(cleaned, " "))
	return len([]rune(cleaned))
}
