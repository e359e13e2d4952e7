package memory

import (
	"context"
	"sort"
	"strings"

	"github.com/bdobrica/Hibari/internal/hibari/llm"
)

const maxActivationKeywords = 10

// Activator surfaces stored memories relevant to an incoming message.
type Activator struct {
	Provider llm.Provider
}

// Activation is a recalled memory with its relevance score.
type Activation struct {
	Recollection
	Relevance float64
}

// Activate extracts topics from target (and history, when not empty), gathers
// the memories related to each from g and returns the limit most relevant,
// highest first. It also returns the topics it extracted.
func (a *Activator) Activate(ctx context.Context, g *Graph, target, history string, limit int) ([]Activation, []string, error) {
	if n, _ := g.Len(); n == 0 {
		return nil, nil, nil
	}

	keywords, err := ExtractTopics(ctx, a.Provider, target, maxTopics)
	if err != nil {
		return nil, nil, err
	}
	if history != "" {
		more, err := ExtractTopics(ctx, a.Provider, history, maxTopics)
		if err != nil {
			return nil, nil, err
		}
		keywords = append(keywords, more...)
	}
	keywords = dedupe(keywords)
	if len(keywords) > maxActivationKeywords {
		keywords = keywords[:maxActivationKeywords]
	}

	var out []Activation
	used := map[string]bool{}
	for _, kw := range keywords {
		for _, r := range g.Related(kw, 2) {
			if used[r.Concept] {
				continue
			}
			used[r.Concept] = true
			out = append(out, Activation{Recollection: r, Relevance: Relevance(kw, target, r.Memory)})
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Relevance > out[j].Relevance })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, keywords, nil
}

// Relevance scores a memory against the message that activated it: the mean
// of keyword-in-message, keyword-in-memory and the length ratio of the two
// texts.
func Relevance(keyword, message, memory string) float64 {
	kw := strings.ToLower(keyword)
	var inMsg, inMem float64
	if strings.Contains(strings.ToLower(message), kw) {
		inMsg = 1
	}
	if strings.Contains(strings.ToLower(memory), kw) {
		inMem = 1
	}
	lm, lr := len([]rune(message)), len([]rune(memory))
	var lenSim float64
	if hi := max(lm, lr); hi > 0 {
		lenSim = float64(min(lm, lr)) / float64(hi)
	}
	return (inMsg + inMem + lenSim) / 3
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
