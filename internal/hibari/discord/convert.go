package discord

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
)

// messageText renders a Discord message for a session: user mentions become
// @name, attachments and stickers become bracketed placeholders.
func messageText(m *discordgo.Message) string {
	text := m.Content
	for _, u := range m.Mentions {
		name := "@" + displayName(nil, u)
		text = strings.ReplaceAll(text, "<@"+u.ID+">", name)
		text = strings.ReplaceAll(text, "<@!"+u.ID+">", name)
	}
	parts := []string{}
	if t := strings.TrimSpace(text); t != "" {
		parts = append(parts, t)
	}
	for _, a := range m.Attachments {
		parts = append(parts, attachmentText(a))
	}
	for _, s := range m.StickerItems {
		parts = append(parts, fmt.Sprintf("[sticker: %s]", s.Name))
	}
	return strings.Join(parts, " ")
}

func attachmentText(a *discordgo.MessageAttachment) string {
	ct := strings.ToLower(a.ContentType)
	switch {
	case strings.HasPrefix(ct, "image/"):
		return "[image]"
	case strings.HasPrefix(ct, "audio/"):
		return "[audio]"
	case strings.HasPrefix(ct, "video/"):
		return "[video]"
	}
	return fmt.Sprintf("[file: %s]", a.Filename)
}

// mentioned reports whether m mentions selfID or replies to one of its
// messages.
func mentioned(m *discordgo.Message, selfID string) bool {
	if selfID == "" {
		return false
	}
	for _, u := range m.Mentions {
		if u.ID == selfID {
			return true
		}
	}
	ref := m.ReferencedMessage
	return ref != nil && ref.Author != nil && ref.Author.ID == selfID
}

// displayName prefers the guild nickname, then the global name, then the
// username.
func displayName(member *discordgo.Member, u *discordgo.User) string {
	if member != nil && member.Nick != "" {
		return member.Nick
	}
	if u == nil {
		return ""
	}
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

// splitMessage splits text into chunks of at most maxLen bytes, preferring
// newlines in the second half of a chunk and never cutting a rune.
func splitMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}
	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}
		cutAt := maxLen
		for cutAt > 0 && !utf8.RuneStart(text[cutAt]) {
			cutAt--
		}
		if idx := strings.LastIndex(text[:cutAt], "\n"); idx > maxLen/2 {
			cutAt = idx + 1
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	return chunks
}
