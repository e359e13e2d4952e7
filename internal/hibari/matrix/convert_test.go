package matrix

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

func TestMessageText(t *testing.T) {
	tests := []struct {
		content event.MessageEventContent
		want    string
	}{
		{event.MessageEventContent{MsgType: event.MsgText, Body: " hello "}, "hello"},
		{event.MessageEventContent{MsgType: event.MsgNotice, Body: "bot says"}, "bot says"},
		{event.MessageEventContent{MsgType: event.MsgEmote, Body: "waves"}, "*waves*"},
		{event.MessageEventContent{MsgType: event.MsgImage, Body: "cat.png"}, "[image]"},
		{event.MessageEventContent{MsgType: event.MsgFile, Body: "notes.pdf"}, "[file: notes.pdf]"},
		{event.MessageEventContent{MsgType: event.MsgText, Body: "> <@ann:x> old\n> more\n\nnew text"}, "new text"},
		{event.MessageEventContent{MsgType: "m.unknown", Body: "?"}, ""},
	}
	for _, tt := range tests {
		if got := messageText(&tt.content); got != tt.want {
			t.Errorf("messageText(%q, %q) = %q, want %q", tt.content.MsgType, tt.content.Body, got, tt.want)
		}
	}
}

func TestMentions(t *testing.T) {
	self := id.UserID("@hibari:example.org")
	tests := []struct {
		name    string
		content event.MessageEventContent
		want    bool
	}{
		{"intentional", event.MessageEventContent{Body: "hey", Mentions: &event.Mentions{UserIDs: []id.UserID{self}}}, true},
		{"user id", event.MessageEventContent{Body: "ping @hibari:example.org"}, true},
		{"display name", event.MessageEventContent{Body: "hibari, are you up?"}, true},
		{"someone else", event.MessageEventContent{Body: "hi ann", Mentions: &event.Mentions{UserIDs: []id.UserID{"@ann:x"}}}, false},
	}
	for _, tt := range tests {
		if got := mentions(&tt.content, self, "Hibari"); got != tt.want {
			t.Errorf("%s: mentions = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestOutgoing(t *testing.T) {
	plain := outgoing("just text", "")
	if plain.Format != "" || plain.Body != "just text" || plain.RelatesTo != nil {
		t.Errorf("plain content = %+v", plain)
	}

	text := "thanks " + pillHTML("@ann:x", "Ann & co") + " <3"
	got := outgoing(text, "$evt")
	if got.Body != "thanks Ann & co <3" {
		t.Errorf("body = %q", got.Body)
	}
	if got.FormattedBody != `thanks <a href="https://matrix.to/#/@ann:x">Ann &amp; co</a> &lt;3` {
		t.Errorf("formatted body = %q", got.FormattedBody)
	}
	if diff := cmp.Diff([]id.UserID{"@ann:x"}, got.Mentions.UserIDs); diff != "" {
		t.Errorf("mentions (-want +got):\n%s", diff)
	}
	if got.RelatesTo.GetReplyTo() != "$evt" {
		t.Errorf("reply to = %q", got.RelatesTo.GetReplyTo())
	}
}

type memKV map[string]string

func (m memKV) SaveSyncState(_ context.Context, userID, key, value string) error {
	m[userID+"/"+key] = value
	return nil
}

func (m memKV) LoadSyncState(_ context.Context, userID, key string) (string, error) {
	return m[userID+"/"+key], nil
}

func TestSyncStore(t *testing.T) {
	kv := memKV{}
	s := &syncStore{kv: kv}
	ctx := context.Background()
	user := id.UserID("@hibari:example.org")

	if err := s.SaveNextBatch(ctx, user, "batch_1"); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveFilterID(ctx, user, "filter_1"); err != nil {
		t.Fatal(err)
	}
	if got, _ := s.LoadNextBatch(ctx, user); got != "batch_1" {
		t.Errorf("next batch = %q", got)
	}
	if got, _ := s.LoadFilterID(ctx, user); got != "filter_1" {
		t.Errorf("filter id = %q", got)
	}
	if got, _ := s.LoadNextBatch(ctx, "@other:example.org"); got != "" {
		t.Errorf("other user next batch = %q", got)
	}
}

func TestOwnEventRing(t *testing.T) {
	c := &Client{own: map[id.EventID]bool{}}
	for i := range recentEvents + 1 {
		c.remember(id.EventID(string(rune('a'+i%26)) + string(rune(i))))
	}
	if len(c.own) > recentEvents || len(c.ownRing) != recentEvents {
		t.Errorf("ring holds %d/%d events, want at most %d", len(c.own), len(c.ownRing), recentEvents)
	}
	if c.isOwn("") {
		t.Errorf("empty id reported as own")
	}
}
