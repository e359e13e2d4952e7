package matrix

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// messageText turns a message event into the text a session sees. Media is
// reduced to a bracketed placeholder, which does not count towards the
// reply signal.
func messageText(content *event.MessageEventContent) string {
	body := strings.TrimSpace(stripReplyFallback(content.Body))
	switch content.MsgType {
	case event.MsgText, event.MsgNotice:
		return body
	case event.MsgEmote:
		return "*" + body + "*"
	case event.MsgImage:
		return "[image]"
	case event.MsgVideo:
		return "[video]"
	case event.MsgAudio:
		return "[audio]"
	case event.MsgFile:
		return fmt.Sprintf("[file: %s]", body)
	case event.MsgLocation:
		return "[location]"
	}
	return ""
}

// stripReplyFallback drops the "> <@user> quoted" lines clients prepend to
// replies.
func stripReplyFallback(body string) string {
	if !strings.HasPrefix(body, "> ") {
		return body
	}
	lines := strings.Split(body, "\n")
	i := 0
	for i < len(lines) && strings.HasPrefix(lines[i], "> ") {
		i++
	}
	return strings.Join(lines[i:], "\n")
}

// mentions reports whether content addresses self, by intentional mention,
// by user id or by display name in the body.
func mentions(content *event.MessageEventContent, self id.UserID, names ...string) bool {
	if content.Mentions != nil && content.Mentions.Has(self) {
		return true
	}
	body := strings.ToLower(content.Body)
	if strings.Contains(body, strings.ToLower(self.String())) {
		return true
	}
	for _, n := range names {
		if n != "" && strings.Contains(body, strings.ToLower(n)) {
			return true
		}
	}
	return false
}

const pillPrefix = "https://matrix.to/#/"

var pill = regexp.MustCompile(`<a href="` + regexp.QuoteMeta(pillPrefix) + `([^"]+)">([^<]*)</a>`)

// pillHTML renders a user pill.
func pillHTML(userID, name string) string {
	return fmt.Sprintf(`<a href="%s%s">%s</a>`, pillPrefix, userID, html.EscapeString(name))
}

// outgoing builds the event content for text that may contain pills. Text
// without pills is sent plain.
func outgoing(text, replyTo string) *event.MessageEventContent {
	content := &event.MessageEventContent{MsgType: event.MsgText, Body: text}
	if matches := pill.FindAllStringSubmatch(text, -1); len(matches) > 0 {
		content.Format = event.FormatHTML
		content.FormattedBody = formatted(text)
		content.Body = pill.ReplaceAllStringFunc(text, func(m string) string {
			return html.UnescapeString(pill.FindStringSubmatch(m)[2])
		})
		content.Mentions = &event.Mentions{}
		for _, m := range matches {
			content.Mentions.UserIDs = append(content.Mentions.UserIDs, id.UserID(m[1]))
		}
	}
	if replyTo != "" {
		content.RelatesTo = &event.RelatesTo{
			InReplyTo: &event.InReplyTo{EventID: id.EventID(replyTo)},
		}
	}
	return content
}

// formatted escapes everything but the pills and keeps line breaks.
func formatted(text string) string {
	var sb strings.Builder
	last := 0
	for _, loc := range pill.FindAllStringIndex(text, -1) {
		sb.WriteString(html.EscapeString(text[last:loc[0]]))
		sb.WriteString(text[loc[0]:loc[1]])
		last = loc[1]
	}
	sb.WriteString(html.EscapeString(text[last:]))
	return strings.ReplaceAll(sb.String(), "\n", "<br>")
}
