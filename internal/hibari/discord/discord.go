// Package discord connects sessions to Discord channels through discordgo.
// Guild channels become group sessions, DM channels private ones.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/bdobrica/Hibari/common/retry"
	"github.com/bdobrica/Hibari/internal/hibari/session"
)

// maxMessageLen is Discord's per-message character limit.
const maxMessageLen = 2000

// Config holds the Discord connection parameters.
type Config struct {
	Token string
	// AllowedGuilds and AllowedChannels restrict where the bot listens.
	// Empty means everywhere.
	AllowedGuilds   []string
	AllowedChannels []string
	// ReactionProbability is the chance a reaction becomes an event. 0.3.
	ReactionProbability float64
	Logger              *slog.Logger
}

// Discord is the session.Platform for Discord conversations.
type Discord struct {
	cfg      Config
	logger   *slog.Logger
	session  *discordgo.Session
	registry *session.Registry

	mu       sync.Mutex
	selfID   string
	channels map[string]*discordgo.Channel
}

var _ session.Platform = (*Discord)(nil)

// New creates a Discord client. It connects in Run.
func New(cfg Config) *Discord {
	if cfg.ReactionProbability <= 0 {
		cfg.ReactionProbability = 0.3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Discord{
		cfg:      cfg,
		logger:   logger.With("component", "discord"),
		channels: make(map[string]*discordgo.Channel),
	}
}

// Run opens the gateway connection, feeds events into registry and closes
// the connection when ctx is done. discordgo reconnects on its own.
func (d *Discord) Run(ctx context.Context, registry *session.Registry) error {
	if d.cfg.Token == "" {
		return errors.New("discord: bot token is required")
	}
	s, err := discordgo.New("Bot " + d.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: creating session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent |
		discordgo.IntentsGuildMessageReactions |
		discordgo.IntentsDirectMessageReactions |
		discordgo.IntentsGuildMembers

	d.registry = registry
	s.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) { d.onMessage(ctx, m) })
	s.AddHandler(func(_ *discordgo.Session, r *discordgo.MessageReactionAdd) { d.onReaction(r) })
	s.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageDelete) { d.onDelete(m) })

	err = retry.Do(ctx, retry.Config{MaxAttempts: 5, InitialDelay: 2 * time.Second, MaxDelay: time.Minute, Logger: d.logger}, s.Open)
	if err != nil {
		return fmt.Errorf("discord: opening gateway: %w", err)
	}
	d.mu.Lock()
	d.session = s
	d.selfID = s.State.User.ID
	d.mu.Unlock()
	d.logger.Info("connected", "bot", s.State.User.Username, "id", s.State.User.ID)

	<-ctx.Done()
	if err := s.Close(); err != nil {
		d.logger.Warn("close gateway", "err", err)
	}
	d.logger.Info("disconnected")
	return nil
}

func (d *Discord) allowed(guildID, channelID string) bool {
	if len(d.cfg.AllowedGuilds) > 0 && guildID != "" && !slices.Contains(d.cfg.AllowedGuilds, guildID) {
		return false
	}
	return len(d.cfg.AllowedChannels) == 0 || slices.Contains(d.cfg.AllowedChannels, channelID)
}

func conversationID(channelID string) string { return "discord:" + channelID }

func (d *Discord) onMessage(ctx context.Context, m *discordgo.MessageCreate) {
	self := d.SelfID()
	if m.Author == nil || m.Author.ID == self || m.Author.Bot || !d.allowed(m.GuildID, m.ChannelID) {
		return
	}
	text := messageText(m.Message)
	if text == "" {
		return
	}

	kind := session.KindGroup
	if m.GuildID == "" {
		kind = session.KindPrivate
	}
	key := session.Key{
		ID:       conversationID(m.ChannelID),
		Kind:     kind,
		Target:   m.ChannelID,
		Peer:     m.Author.ID,
		Platform: d,
	}
	err := d.registry.Deliver(ctx, key, session.Message{
		Content:           text,
		Sender:            m.Author.ID,
		SenderName:        displayName(m.Member, m.Author),
		Timestamp:         m.Timestamp,
		Mentioned:         kind == session.KindPrivate || mentioned(m.Message, self),
		PlatformMessageID: m.ID,
	})
	switch {
	case err == nil:
	case errors.Is(err, session.ErrConversationOff):
		d.logger.Debug("conversation switched off", "channel", m.ChannelID)
	default:
		d.logger.Error("message not delivered", "channel", m.ChannelID, "err", err)
	}
}

func (d *Discord) onReaction(r *discordgo.MessageReactionAdd) {
	if r.UserID == d.SelfID() {
		return
	}
	s, ok := d.registry.Get(conversationID(r.ChannelID))
	if !ok {
		return
	}
	name := r.UserID
	if r.Member != nil {
		name = displayName(r.Member, r.Member.User)
	}
	if err := s.HandleReaction(name, r.Emoji.Name, r.MessageID, d.cfg.ReactionProbability); err != nil {
		d.logger.Debug("reaction not queued", "channel", r.ChannelID, "err", err)
	}
}

func (d *Discord) onDelete(m *discordgo.MessageDelete) {
	s, ok := d.registry.Get(conversationID(m.ChannelID))
	if !ok {
		return
	}
	if err := s.HandleRecall(m.ID); err != nil {
		d.logger.Debug("recall not queued", "channel", m.ChannelID, "err", err)
	}
}

// Name implements session.Platform.
func (d *Discord) Name() string { return "discord" }

// SelfID returns the bot user id once connected.
func (d *Discord) SelfID() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.selfID
}

func (d *Discord) conn() (*discordgo.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil {
		return nil, retry.Permanent(errors.New("discord: not connected"))
	}
	return d.session, nil
}

// Send posts content, split at the length limit. Only the first part
// replies to replyTo. It returns the id of the last part.
func (d *Discord) Send(ctx context.Context, target, content, replyTo string) (string, error) {
	s, err := d.conn()
	if err != nil {
		return "", err
	}
	var last string
	for i, chunk := range splitMessage(content, maxMessageLen) {
		send := &discordgo.MessageSend{Content: chunk}
		if i == 0 && replyTo != "" {
			send.Reference = &discordgo.MessageReference{MessageID: replyTo, ChannelID: target}
		}
		msg, err := s.ChannelMessageSendComplex(target, send, discordgo.WithContext(ctx))
		if err != nil {
			return last, classify(err)
		}
		last = msg.ID
	}
	return last, nil
}

// classify marks client errors other than rate limiting as permanent.
func classify(err error) error {
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		code := rest.Response.StatusCode
		if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
			return retry.Permanent(err)
		}
	}
	return err
}

// DisplayName returns the global name or username of userID.
func (d *Discord) DisplayName(ctx context.Context, userID string) (string, error) {
	s, err := d.conn()
	if err != nil {
		return "", err
	}
	u, err := s.User(userID, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("discord: user %s: %w", userID, err)
	}
	return displayName(nil, u), nil
}

// Members maps display names of the guild members of a channel to user
// ids. DM channels map their recipients.
func (d *Discord) Members(ctx context.Context, target string) (map[string]string, error) {
	s, err := d.conn()
	if err != nil {
		return nil, err
	}
	ch, err := d.channel(ctx, s, target)
	if err != nil {
		return nil, err
	}
	out := map[string]string{}
	if ch.GuildID == "" {
		for _, u := range ch.Recipients {
			out[displayName(nil, u)] = u.ID
		}
		return out, nil
	}
	members, err := s.GuildMembers(ch.GuildID, "", 1000, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("discord: members of %s: %w", ch.GuildID, err)
	}
	self := d.SelfID()
	for _, m := range members {
		if m.User == nil || m.User.ID == self {
			continue
		}
		out[displayName(m, m.User)] = m.User.ID
	}
	return out, nil
}

func (d *Discord) channel(ctx context.Context, s *discordgo.Session, channelID string) (*discordgo.Channel, error) {
	d.mu.Lock()
	ch, ok := d.channels[channelID]
	d.mu.Unlock()
	if ok {
		return ch, nil
	}
	ch, err := s.Channel(channelID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("discord: channel %s: %w", channelID, err)
	}
	d.mu.Lock()
	d.channels[channelID] = ch
	d.mu.Unlock()
	return ch, nil
}

// Mention renders a user mention.
func (d *Discord) Mention(userID, _ string) string { return "<@" + userID + ">" }
