package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bdobrica/Hibari/internal/hibari/builtin"
	"github.com/bdobrica/Hibari/internal/hibari/notes"
)

// Refusal styles accepted by refuse_interaction.
const (
	RefuseDodge = "dodge"
	RefuseBite  = "bite"
)

// newTools builds the tool catalogue offered during this session's fetches.
// Tools close over the session, so each session owns its registry.
func (s *Session) newTools() *builtin.Registry {
	r := builtin.New()

	r.Register(builtin.Func{
		Def: builtin.Definition("set_timer",
			"Remind yourself of something later. You will get an event when the timer is due.",
			map[string]any{
				"delay_minutes": map[string]any{"type": "integer", "minimum": 1, "description": "minutes from now"},
				"description":   map[string]any{"type": "string", "description": "what the timer is for"},
			}, "delay_minutes", "description"),
		Fn: func(_ context.Context, args map[string]any) (string, error) {
			delay := builtin.IntArg(args, "delay_minutes", 0)
			if delay < 1 {
				return "", errors.New("delay_minutes must be at least 1")
			}
			t := s.AddTimer(s.deps.Now().Add(time.Duration(delay)*time.Minute), builtin.StringArg(args, "description"))
			return fmt.Sprintf("timer %s set for %s", t.ID, t.Due.Format(clockLayout)), nil
		},
	})

	r.Register(builtin.Func{
		Def: builtin.Definition("leave_for_a_while",
			"Stop replying in this chat for a while, e.g. when asked to be quiet.", nil),
		Fn: func(context.Context, map[string]any) (string, error) {
			until := s.Mute()
			if until.IsZero() {
				return "", ErrDisabled
			}
			return "you will be back at " + until.Format(clockLayout), nil
		},
	})

	r.Register(builtin.Func{
		Def: builtin.Definition("refuse_interaction",
			"Refuse an interaction someone started with you, using the id from the event.",
			map[string]any{
				"id":   map[string]any{"type": "string"},
				"type": map[string]any{"type": "string", "enum": []string{RefuseDodge, RefuseBite}},
			}, "id", "type"),
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			return s.refuseInteraction(ctx, builtin.StringArg(args, "id"), builtin.StringArg(args, "type"))
		},
	})

	if s.notes != nil {
		r.Register(builtin.Func{
			Def: builtin.Definition("create_note",
				"Write down something worth remembering in this chat. Notes show up in your context when their keywords come up.",
				map[string]any{
					"content":     map[string]any{"type": "string"},
					"keywords":    map[string]any{"type": "string", "description": "space-separated; empty means always shown"},
					"expire_days": map[string]any{"type": "integer", "description": "-1 keeps the note forever"},
				}, "content"),
			Fn: func(ctx context.Context, args map[string]any) (string, error) {
				content := strings.TrimSpace(builtin.StringArg(args, "content"))
				if content == "" {
					return "", errors.New("content is empty")
				}
				n, err := s.notes.Create(ctx, content, builtin.StringArg(args, "keywords"),
					builtin.IntArg(args, "expire_days", notes.NeverExpires))
				if err != nil {
					return "", err
				}
				return "note " + n.ID + " saved", nil
			},
		})
	}

	r.Register(builtin.Func{
		Def: builtin.Definition("recall_memory",
			"Look up what you remember about a topic.",
			map[string]any{"topic": map[string]any{"type": "string"}}, "topic"),
		Fn: func(_ context.Context, args map[string]any) (string, error) {
			recs := s.graph.Related(builtin.StringArg(args, "topic"), 2)
			if len(recs) == 0 {
				return "nothing comes to mind", nil
			}
			var sb strings.Builder
			for _, r := range recs {
				fmt.Fprintf(&sb, "%s: %s\n", r.Concept, r.Memory)
			}
			return sb.String(), nil
		},
	})

	return r
}

// refuseInteraction consumes a pending interaction and answers it on the
// platform.
func (s *Session) refuseInteraction(ctx context.Context, id, style string) (string, error) {
	if style != RefuseDodge && style != RefuseBite {
		return "", fmt.Errorf("unknown refusal type %q", style)
	}
	p, ok := s.RemovePendingInteraction(id)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrInteractionNotFound, id)
	}

	who := p.Nickname
	if s.key.Platform != nil && p.UserID != "" {
		who = s.key.Platform.Mention(p.UserID, p.Nickname)
	}
	var text string
	switch style {
	case RefuseDodge:
		text = fmt.Sprintf("*dodges %s's %s*", who, p.Action.Name)
	case RefuseBite:
		text = fmt.Sprintf("*bites %s instead of letting them %s*", who, p.Action.Name)
	}
	if err := s.send(ctx, text, ""); err != nil {
		return "", err
	}
	return "refused " + p.Action.Name, nil
}
