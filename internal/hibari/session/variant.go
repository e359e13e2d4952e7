package session

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/bdobrica/Hibari/internal/hibari/activity"
	"github.com/bdobrica/Hibari/internal/hibari/trigger"
)

// Kind distinguishes group rooms from one-to-one chats.
type Kind int

const (
	KindGroup Kind = iota
	KindPrivate
)

func (k Kind) String() string {
	if k == KindPrivate {
		return "private"
	}
	return "group"
}

// DefaultPrivateHotness keeps one-to-one chats responsive: any accumulated
// text all but guarantees a reply.
const DefaultPrivateHotness = 100

// Variant holds the behaviour that differs between group and private
// conversations.
type Variant interface {
	Kind() Kind
	// Users maps the nicknames the model may refer to onto user ids.
	Users(ctx context.Context, cached []CachedMessage) map[string]string
	// FormatOutgoing turns model text into what is sent to the platform.
	FormatOutgoing(content string, users map[string]string) string
	// Hotness recomputes the probability coefficient after a cached message.
	Hotness(now time.Time, cached []CachedMessage) float64
	// Name describes the conversation in the system prompt.
	Name(ctx context.Context) string
}

// cachedUsers maps nicknames of non-self senders to their ids.
func cachedUsers(cached []CachedMessage) map[string]string {
	users := make(map[string]string)
	for _, m := range cached {
		if !m.Self {
			users[m.SenderName] = m.Sender
		}
	}
	return users
}

type groupVariant struct {
	key       Key
	assistant string
	activity  *activity.Tracker
}

func (g *groupVariant) Kind() Kind { return KindGroup }

func (g *groupVariant) Users(ctx context.Context, cached []CachedMessage) map[string]string {
	users := cachedUsers(cached)
	if g.key.Platform == nil {
		return users
	}
	members, err := g.key.Platform.Members(ctx, g.key.Target)
	if err != nil {
		return users
	}
	for name, id := range members {
		if _, ok := users[name]; !ok {
			users[name] = id
		}
	}
	return users
}

// FormatOutgoing strips an echoed window prefix and turns @nickname into
// platform mentions for known users.
func (g *groupVariant) FormatOutgoing(content string, users map[string]string) string {
	prefix := regexp.MustCompile(`^\[\d\d:\d\d:\d\d\]\[` + regexp.QuoteMeta(g.assistant) + `\]\([^)]*\): ?`)
	content = strings.TrimSpace(prefix.ReplaceAllString(strings.TrimSpace(content), ""))
	if len(users) == 0 || g.key.Platform == nil {
		return content
	}

	names := make([]string, 0, len(users))
	for name := range users {
		if name != "" {
			names = append(names, regexp.QuoteMeta("@"+name))
		}
	}
	if len(names) == 0 {
		return content
	}
	// Longest first so "@Ann Lee" wins over "@Ann".
	sort.Slice(names, func(i, j int) bool { return len(names[i]) > len(names[j]) })
	re := regexp.MustCompile(strings.Join(names, "|"))
	return re.ReplaceAllStringFunc(content, func(at string) string {
		name := at[1:]
		return g.key.Platform.Mention(users[name], name)
	})
}

func (g *groupVariant) Hotness(now time.Time, cached []CachedMessage) float64 {
	score := 0.0
	if g.activity != nil {
		score = g.activity.Score(g.key.ID, now)
	}
	earlier := map[string]bool{}
	if n := len(cached) - 5; n > 0 {
		for _, m := range cached[:n] {
			if !m.Self {
				earlier[m.Sender] = true
			}
		}
	}
	return trigger.GroupHotness(score, len(earlier))
}

func (g *groupVariant) Name(context.Context) string {
	return fmt.Sprintf("the group chat %s", g.key.Target)
}

type privateVariant struct {
	key     Key
	hotness float64
}

func (p *privateVariant) Kind() Kind { return KindPrivate }

func (p *privateVariant) peerName(ctx context.Context) string {
	if p.key.Platform != nil {
		if name, err := p.key.Platform.DisplayName(ctx, p.key.Peer); err == nil && name != "" {
			return name
		}
	}
	return p.key.Peer
}

func (p *privateVariant) Users(ctx context.Context, _ []CachedMessage) map[string]string {
	return map[string]string{p.peerName(ctx): p.key.Peer}
}

func (p *privateVariant) FormatOutgoing(content string, _ map[string]string) string {
	return strings.TrimSpace(content)
}

func (p *privateVariant) Hotness(time.Time, []CachedMessage) float64 { return p.hotness }

func (p *privateVariant) Name(ctx context.Context) string {
	return fmt.Sprintf("a private chat with %s", p.peerName(ctx))
}
