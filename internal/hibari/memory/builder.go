package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bdobrica/Hibari/internal/hibari/llm"
)

// ErrNoProvider is returned by operations that need a completion provider
// when the graph was built without one.
var ErrNoProvider = errors.New("memory: no completion provider")

const maxTopics = 5

func consolidatePrompt(old, text string) string {
	return "You merge memories. Combine the old and the new memory below into one " +
		"complete and accurate memory. Keep important details, drop repetition and " +
		"reconcile contradictions. Reply with the merged memory only.\n\n" +
		"Old memory:\n" + old + "\n\nNew memory:\n" + text + "\n\nMerged memory:"
}

func topicsPrompt(text string, limit int) string {
	return fmt.Sprintf("Here is a piece of text:\n%s\n\n"+
		"List at most %d key concepts from it (people, things, ideas, events, places). "+
		"Wrap each in angle brackets and separate them with commas, for example <a>,<b>. "+
		"No numbering and nothing else. If there is no clear topic reply <none>.", text, limit)
}

func summaryPrompt(text, topic string) string {
	return fmt.Sprintf("Here is a piece of text:\n%s\n\n"+
		"Describe the concept %q in a few natural sentences: what it is, what happened and "+
		"what is known about it. Use only information from the text.", text, topic)
}

// ParseTopics decodes the "<a>,<b>" topic list format. "<none>" and blank
// input yield nil.
func ParseTopics(reply string) []string {
	reply = strings.TrimSpace(reply)
	if reply == "" || reply == "<none>" {
		return nil
	}
	var topics []string
	seen := map[string]bool{}
	for _, part := range strings.Split(reply, ",") {
		t := strings.TrimSpace(part)
		t = strings.TrimPrefix(t, "<")
		t = strings.TrimSuffix(t, ">")
		t = strings.TrimSpace(t)
		if t == "" || t == "none" || seen[t] {
			continue
		}
		seen[t] = true
		topics = append(topics, t)
	}
	return topics
}

// ExtractTopics asks the provider for at most limit concepts found in text.
func ExtractTopics(ctx context.Context, p llm.Provider, text string, limit int) ([]string, error) {
	if p == nil {
		return nil, ErrNoProvider
	}
	reply, err := llm.Ask(ctx, p, topicsPrompt(text, limit))
	if err != nil {
		return nil, fmt.Errorf("extract topics: %w", err)
	}
	topics := ParseTopics(reply)
	if len(topics) > limit {
		topics = topics[:limit]
	}
	return topics, nil
}

// TopicCount is the number of topics extracted from text of the given length:
// max(1, min(5, int(length * rate / 10))).
func TopicCount(length int, compressRate float64) int {
	n := int(float64(length) * compressRate / 10)
	return max(1, min(maxTopics, n))
}

// BuildFromText extracts topics from text, stores a summary of each under its
// concept and connects every pair of topics. It returns the topics found.
func (g *Graph) BuildFromText(ctx context.Context, text string, compressRate float64) ([]string, error) {
	if g.opts.Provider == nil {
		return nil, ErrNoProvider
	}
	topics, err := ExtractTopics(ctx, g.opts.Provider, text, TopicCount(len([]rune(text)), compressRate))
	if err != nil {
		return nil, err
	}
	if len(topics) == 0 {
		return nil, nil
	}

	for _, topic := range topics {
		summary, err := llm.Ask(ctx, g.opts.Provider, summaryPrompt(text, topic))
		if err != nil {
			g.logger.Warn("memory summary failed", "topic", topic, "err", err)
			g.AddMemory(ctx, topic, fallbackSummary(topic, text))
			continue
		}
		if summary != "" {
			g.AddMemory(ctx, topic, summary)
		}
	}

	for i, a := range topics {
		for _, b := range topics[i+1:] {
			g.Connect(a, b)
		}
	}
	return topics, nil
}

func fallbackSummary(topic, text string) string {
	r := []rune(text)
	if len(r) > 100 {
		r = r[:100]
	}
	return "about " + topic + ": " + string(r) + "..."
}
