// Package matrix connects sessions to Matrix rooms through mautrix-go. The
// client is the session.Platform for every Matrix conversation and feeds
// room events into the session registry.
package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/bdobrica/Hibari/common/retry"
	"github.com/bdobrica/Hibari/internal/hibari/session"
)

// Config holds the Matrix connection parameters.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// Rooms are joined on start. Invites are accepted regardless.
	Rooms []string
	// AssistantName is matched in message bodies as a mention.
	AssistantName string
	// ReactionProbability is the chance a reaction becomes an event. 0.3.
	ReactionProbability float64
	// SyncState persists the sync position. Nil replays history on restart.
	SyncState SyncStateStore
	Logger    *slog.Logger
}

// recentEvents bounds the set of own event ids kept for reply detection.
const recentEvents = 256

// Client is safe for concurrent use.
type Client struct {
	mxc      *mautrix.Client
	cfg      Config
	log      *slog.Logger
	self     id.UserID
	registry *session.Registry
	started  time.Time

	mu      sync.Mutex
	names   map[id.UserID]string
	rooms   map[id.RoomID]roomInfo
	own     map[id.EventID]bool
	ownRing []id.EventID
}

type roomInfo struct {
	kind session.Kind
	peer id.UserID
}

var _ session.Platform = (*Client)(nil)

// New creates a Matrix client but does not start syncing yet.
func New(cfg Config) (*Client, error) {
	mxc, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("create matrix client: %w", err)
	}
	if cfg.ReactionProbability <= 0 {
		cfg.ReactionProbability = 0.3
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "matrix")
	if cfg.SyncState != nil {
		mxc.Store = &syncStore{kv: cfg.SyncState}
	} else {
		log.Warn("no sync store configured; room history will replay on restart")
	}
	return &Client{
		mxc:   mxc,
		cfg:   cfg,
		log:   log,
		self:  id.UserID(cfg.UserID),
		names: make(map[id.UserID]string),
		rooms: make(map[id.RoomID]roomInfo),
		own:   make(map[id.EventID]bool),
	}, nil
}

// Run joins the configured rooms and syncs until ctx is done, feeding
// events into registry. Sync errors reconnect with exponential back-off.
func (c *Client) Run(ctx context.Context, registry *session.Registry) error {
	c.registry = registry
	c.started = time.Now()
	c.log.Warn("Matrix E2EE is not enabled; messages are in plaintext")

	syncer := c.mxc.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, c.onMessage)
	syncer.OnEventType(event.EventReaction, c.onReaction)
	syncer.OnEventType(event.EventRedaction, c.onRedaction)
	syncer.OnEventType(event.StateMember, c.onMember)

	for _, room := range c.cfg.Rooms {
		c.join(ctx, id.RoomID(room))
	}

	const (
		backoffMin = 2 * time.Second
		backoffMax = 5 * time.Minute
	)
	backoff := backoffMin
	for {
		err := c.mxc.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			backoff = backoffMin
			continue
		}
		c.log.Error("matrix sync error; reconnecting", "err", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, backoffMax)
	}
}

// join joins a room. Homeservers answer M_FORBIDDEN for rooms the bot
// already belongs to, which is not an error here.
func (c *Client) join(ctx context.Context, roomID id.RoomID) {
	_, err := c.mxc.JoinRoomByID(ctx, roomID)
	switch {
	case err == nil:
	case errors.Is(err, mautrix.MForbidden):
		c.log.Debug("join room: already a member or access denied", "room", roomID)
	default:
		c.log.Warn("could not join room", "room", roomID, "err", err)
	}
}

func (c *Client) fresh(evt *event.Event) bool {
	return evt.Sender != c.self && time.UnixMilli(evt.Timestamp).After(c.started.Add(-time.Minute))
}

func conversationID(roomID id.RoomID) string { return "matrix:" + roomID.String() }

func (c *Client) onMessage(ctx context.Context, evt *event.Event) {
	if !c.fresh(evt) {
		return
	}
	content := evt.Content.AsMessage()
	text := messageText(content)
	if text == "" {
		return
	}

	info := c.roomInfo(ctx, evt.RoomID, evt.Sender)
	key := session.Key{
		ID:       conversationID(evt.RoomID),
		Kind:     info.kind,
		Target:   evt.RoomID.String(),
		Peer:     info.peer.String(),
		Platform: c,
	}
	name, _ := c.DisplayName(ctx, evt.Sender.String())
	mentioned := info.kind == session.KindPrivate ||
		mentions(content, c.self, c.cfg.AssistantName) ||
		c.isOwn(content.RelatesTo.GetReplyTo())
	err := c.registry.Deliver(ctx, key, session.Message{
		Content:           text,
		Sender:            evt.Sender.String(),
		SenderName:        name,
		Timestamp:         time.UnixMilli(evt.Timestamp),
		Mentioned:         mentioned,
		PlatformMessageID: evt.ID.String(),
	})
	switch {
	case err == nil:
	case errors.Is(err, session.ErrConversationOff):
		c.log.Debug("conversation switched off", "room", evt.RoomID)
	default:
		c.log.Error("message not delivered", "room", evt.RoomID, "err", err)
	}
}

func (c *Client) onReaction(ctx context.Context, evt *event.Event) {
	if !c.fresh(evt) {
		return
	}
	s, ok := c.registry.Get(conversationID(evt.RoomID))
	if !ok {
		return
	}
	r := evt.Content.AsReaction()
	name, _ := c.DisplayName(ctx, evt.Sender.String())
	if err := s.HandleReaction(name, r.RelatesTo.Key, r.RelatesTo.EventID.String(), c.cfg.ReactionProbability); err != nil {
		c.log.Debug("reaction not queued", "room", evt.RoomID, "err", err)
	}
}

func (c *Client) onRedaction(_ context.Context, evt *event.Event) {
	if !c.fresh(evt) {
		return
	}
	s, ok := c.registry.Get(conversationID(evt.RoomID))
	if !ok {
		return
	}
	redacts := evt.Redacts
	if redacts == "" {
		redacts = evt.Content.AsRedaction().Redacts
	}
	if err := s.HandleRecall(redacts.String()); err != nil {
		c.log.Debug("recall not queued", "room", evt.RoomID, "err", err)
	}
}

// onMember accepts invites and forgets the cached kind of rooms whose
// membership changed.
func (c *Client) onMember(ctx context.Context, evt *event.Event) {
	c.mu.Lock()
	delete(c.rooms, evt.RoomID)
	c.mu.Unlock()

	m := evt.Content.AsMember()
	if evt.GetStateKey() == c.self.String() && m.Membership == event.MembershipInvite {
		c.log.Info("invited to room", "room", evt.RoomID, "by", evt.Sender)
		c.join(ctx, evt.RoomID)
	}
}

// roomInfo classifies a room: two members make a private chat with the
// other one.
func (c *Client) roomInfo(ctx context.Context, roomID id.RoomID, sender id.UserID) roomInfo {
	c.mu.Lock()
	info, ok := c.rooms[roomID]
	c.mu.Unlock()
	if ok {
		return info
	}

	info = roomInfo{kind: session.KindGroup}
	resp, err := c.mxc.JoinedMembers(ctx, roomID)
	if err != nil {
		c.log.Warn("joined members unavailable", "room", roomID, "err", err)
		return info
	}
	if len(resp.Joined) <= 2 {
		info = roomInfo{kind: session.KindPrivate, peer: sender}
	}
	c.mu.Lock()
	c.rooms[roomID] = info
	c.mu.Unlock()
	return info
}

func (c *Client) remember(evtID id.EventID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.own[evtID] = true
	c.ownRing = append(c.ownRing, evtID)
	if len(c.ownRing) > recentEvents {
		delete(c.own, c.ownRing[0])
		c.ownRing = c.ownRing[1:]
	}
}

func (c *Client) isOwn(evtID id.EventID) bool {
	if evtID == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.own[evtID]
}

// Name implements session.Platform.
func (c *Client) Name() string { return "matrix" }

// SelfID implements session.Platform.
func (c *Client) SelfID() string { return c.cfg.UserID }

// Send posts text to a room, as a reply when replyTo is set. Pills produced
// by Mention are sent as HTML with intentional mentions.
func (c *Client) Send(ctx context.Context, target, text, replyTo string) (string, error) {
	resp, err := c.mxc.SendMessageEvent(ctx, id.RoomID(target), event.EventMessage, outgoing(text, replyTo))
	if err != nil {
		if errors.Is(err, mautrix.MForbidden) {
			return "", retry.Permanent(err)
		}
		return "", err
	}
	c.remember(resp.EventID)
	return resp.EventID.String(), nil
}

// DisplayName returns the profile name of userID, falling back to the
// localpart.
func (c *Client) DisplayName(ctx context.Context, userID string) (string, error) {
	uid := id.UserID(userID)
	c.mu.Lock()
	name, ok := c.names[uid]
	c.mu.Unlock()
	if ok {
		return name, nil
	}

	profile, err := c.mxc.GetProfile(ctx, uid)
	if err != nil || profile.DisplayName == "" {
		localpart, _, _ := uid.Parse()
		if localpart == "" {
			localpart = strings.TrimPrefix(userID, "@")
		}
		return localpart, err
	}
	c.mu.Lock()
	c.names[uid] = profile.DisplayName
	c.mu.Unlock()
	return profile.DisplayName, nil
}

// Members maps display names of the joined members of a room to user ids.
func (c *Client) Members(ctx context.Context, target string) (map[string]string, error) {
	resp, err := c.mxc.JoinedMembers(ctx, id.RoomID(target))
	if err != nil {
		return nil, fmt.Errorf("joined members of %s: %w", target, err)
	}
	out := make(map[string]string, len(resp.Joined))
	for uid, m := range resp.Joined {
		if uid == c.self {
			continue
		}
		name := m.DisplayName
		if name == "" {
			name, _, _ = uid.Parse()
		}
		out[name] = uid.String()
	}
	return out, nil
}

// Mention renders a user pill.
func (c *Client) Mention(userID, name string) string { return pillHTML(userID, name) }
