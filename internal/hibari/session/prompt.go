package session

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/bdobrica/Hibari/internal/hibari/llm"
	"github.com/bdobrica/Hibari/internal/hibari/memory"
	"github.com/bdobrica/Hibari/internal/hibari/notes"
	"github.com/bdobrica/Hibari/internal/hibari/reputation"
	"github.com/bdobrica/Hibari/internal/hibari/status"
)

// promptInput is everything the system prompt is assembled from.
type promptInput struct {
	Assistant    string
	Conversation string
	Now          time.Time
	Status       *status.Status
	Interest     *float64
	Notes        []notes.Note
	Memories     []memory.Activation
	Profiles     map[string]reputation.Profile // by nickname
}

// buildSystemPrompt assembles the system prompt. Assembly order:
//
//  1. identity and conversation
//  2. current time
//  3. mood and activity
//  4. interest in the conversation
//  5. notes
//  6. activated memories
//  7. user profiles
//  8. output format
func buildSystemPrompt(in promptInput) string {
	var sb strings.Builder

	// ─── 1. Identity ─────────────────────────────────────────────────────────
	fmt.Fprintf(&sb, "You are %s, a member of %s. Chat like a person: short, casual messages. "+
		"Lines in the history look like [HH:MM:SS][nickname](message id): text, and "+
		"[HH:MM:SS] event: text for things that happened around you.", in.Assistant, in.Conversation)

	// ─── 2. Time ─────────────────────────────────────────────────────────────
	fmt.Fprintf(&sb, "\n\n## Time\n%s", in.Now.Format("Monday 2006-01-02 15:04:05"))

	// ─── 3. Status ───────────────────────────────────────────────────────────
	if st := in.Status; st != nil {
		sb.WriteString("\n\n## Status\n")
		fmt.Fprintf(&sb, "- mood: %s", st.Mood)
		if st.MoodReason != "" {
			fmt.Fprintf(&sb, " (%s)", st.MoodReason)
		}
		fmt.Fprintf(&sb, "\n- activity: %s", st.Activity)
		if st.RemainingMinutes > 0 {
			fmt.Fprintf(&sb, ", %d more minutes", st.RemainingMinutes)
		}
	}

	// ─── 4. Interest ─────────────────────────────────────────────────────────
	if in.Interest != nil {
		fmt.Fprintf(&sb, "\n\n## Interest\nYour interest in this conversation was %.2f last time.", *in.Interest)
	}

	// ─── 5. Notes ────────────────────────────────────────────────────────────
	if len(in.Notes) > 0 {
		sb.WriteString("\n\n## Notes\n")
		for _, n := range in.Notes {
			fmt.Fprintf(&sb, "- %s", n.Content)
			if !n.ExpiresAt.IsZero() {
				fmt.Fprintf(&sb, " (until %s)", n.ExpiresAt.Format(time.DateOnly))
			}
			sb.WriteString("\n")
		}
	}

	// ─── 6. Memories ─────────────────────────────────────────────────────────
	if len(in.Memories) > 0 {
		sb.WriteString("\n\n## Things You Remember\n")
		for _, m := range in.Memories {
			fmt.Fprintf(&sb, "- %s: %s\n", m.Concept, m.Memory)
		}
	}

	// ─── 7. Profiles ─────────────────────────────────────────────────────────
	if len(in.Profiles) > 0 {
		sb.WriteString("\n\n## People\n")
		names := make([]string, 0, len(in.Profiles))
		for name := range in.Profiles {
			names = append(names, name)
		}
		slices.Sort(names)
		for _, name := range names {
			p := in.Profiles[name]
			fmt.Fprintf(&sb, "- %s: favorability %.4f", name, p.Favorability)
			if p.Description != "" {
				fmt.Fprintf(&sb, ", %s", p.Description)
			}
			sb.WriteString("\n")
		}
	}

	// ─── 8. Output format ────────────────────────────────────────────────────
	sb.WriteString("\n\n## Output Format\n")
	sb.WriteString(FormatInstructions)

	return sb.String()
}

// systemPrompt gathers the prompt input for the context about to be sent.
// Lookup failures are logged and leave their section out.
func (s *Session) systemPrompt(ctx context.Context, entries []llm.Message) string {
	in := promptInput{
		Assistant:    s.cfg.AssistantName,
		Conversation: s.variant.Name(ctx),
		Now:          s.deps.Now(),
	}
	if s.deps.Status != nil {
		st := s.deps.Status.Status()
		in.Status = &st
	}
	if v, ok := s.Interest(); ok {
		in.Interest = &v
	}

	history := historyText(entries)
	target := ""
	if n := len(entries); n > 0 {
		target = entries[n-1].Content
	}

	var topics []string
	if s.deps.Provider != nil {
		act := memory.Activator{Provider: s.deps.Provider}
		mems, kws, err := act.Activate(ctx, s.graph, target, "", s.cfg.MaxMemories)
		if err != nil {
			s.logger.Warn("memory activation failed", "err", err)
		}
		in.Memories, topics = mems, kws
	}

	if s.notes != nil {
		ns, err := s.notes.Filter(ctx, history, topics)
		if err != nil {
			s.logger.Warn("notes unavailable", "err", err)
		}
		in.Notes = ns
	}

	if s.deps.Reputation != nil {
		users := s.variant.Users(ctx, s.CachedMessages())
		in.Profiles = make(map[string]reputation.Profile, len(users))
		for name, id := range users {
			p, err := s.deps.Reputation.Profile(ctx, id)
			if err != nil {
				s.logger.Warn("profile unavailable", "user", id, "err", err)
				continue
			}
			in.Profiles[name] = p
		}
	}
	return buildSystemPrompt(in)
}

func historyText(entries []llm.Message) string {
	var sb strings.Builder
	for _, m := range entries {
		if m.Role == llm.RoleUser || m.Role == llm.RoleAssistant {
			sb.WriteString(m.Content)
			sb.WriteString("\n")
		}
	}
	return sb.String()
}
