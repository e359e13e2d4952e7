package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bdobrica/Hibari/internal/hibari/llm"
	"github.com/bdobrica/Hibari/internal/hibari/store"
)

func TestFetch_SingleFlight(t *testing.T) {
	p := &blockingProvider{entered: make(chan struct{}, 4), release: make(chan struct{})}
	s, _ := newTestSession(t, KindPrivate, p, Deps{})
	s.ingestMessage(context.Background(), userMsg("@ann", "hello", t0))

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.fetch(context.Background())
		}()
	}

	<-p.entered
	time.Sleep(20 * time.Millisecond)
	if got := s.FetchStats().InFlight; got != 1 {
		t.Errorf("in flight while blocked = %d, want 1", got)
	}
	close(p.release)
	wg.Wait()

	st := s.FetchStats()
	if st.MaxInFlight != 1 {
		t.Errorf("max in flight = %d, want 1", st.MaxInFlight)
	}
	if st.InFlight != 0 {
		t.Errorf("in flight after = %d, want 0", st.InFlight)
	}
}

func TestQueue_FIFOUnderConcurrentProducers(t *testing.T) {
	const producers, perProducer = 4, 25
	s, _ := newTestSessionWith(t, KindGroup, &scriptedProvider{}, Deps{}, Config{
		PollInterval:     5 * time.Millisecond,
		MaxEntries:       200,
		MaxCached:        200,
		MemoryBuildEvery: 1000,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sender := fmt.Sprintf("@user%d", p)
			for i := range perProducer {
				if err := s.HandleMessage(userMsg(sender, fmt.Sprintf("%d", i), t0)); err != nil {
					t.Error(err)
				}
			}
		}()
	}
	wg.Wait()

	deadline := time.Now().Add(5 * time.Second)
	for len(s.CachedMessages()) < producers*perProducer {
		if time.Now().After(deadline) {
			t.Fatalf("processed %d of %d items", len(s.CachedMessages()), producers*perProducer)
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.Disable()
	<-s.Done()
	s.Wait()

	next := map[string]int{}
	for _, m := range s.CachedMessages() {
		want := fmt.Sprintf("%d", next[m.Sender])
		if m.Content != want {
			t.Fatalf("%s: got message %s, want %s", m.Sender, m.Content, want)
		}
		next[m.Sender]++
	}

	window := s.Window()
	cached := s.CachedMessages()
	for i, m := range cached {
		if !strings.HasSuffix(window[i].Content, "): "+m.Content) {
			t.Fatalf("window[%d] = %q does not match cached %q", i, window[i].Content, m.Content)
		}
	}
}

func TestFetch_RollbackIsExact(t *testing.T) {
	p := &scriptedProvider{replies: []scriptedReply{{err: errors.New("connection reset")}}}
	s, plat := newTestSession(t, KindPrivate, p, Deps{})
	ctx := context.Background()

	a := userMsg("@ann", "first", t0)
	s.ingestMessage(ctx, a)
	b := userMsg("@ann", "while you think", t0.Add(time.Second))
	p.hook = func(int) { s.ingestMessage(ctx, b) }

	err := s.fetch(ctx)
	if !errors.Is(err, ErrTransientGateway) {
		t.Fatalf("fetch error = %v, want ErrTransientGateway", err)
	}

	want := []llm.Message{
		llm.Text(llm.RoleUser, RenderMessage(a)),
		llm.Text(llm.RoleUser, RenderMessage(b)),
	}
	if diff := cmp.Diff(want, s.Window()); diff != "" {
		t.Errorf("window after rollback (-want +got):\n%s", diff)
	}
	if len(plat.messages()) != 0 {
		t.Errorf("sent %v on a failed fetch", plat.messages())
	}
}

func TestFetch_SuccessKeepsTranscriptAndLateEntries(t *testing.T) {
	reply := `{"messages": [{"message_content": "hi ann"}]}`
	p := &scriptedProvider{replies: []scriptedReply{{content: reply}}}
	s, plat := newTestSession(t, KindPrivate, p, Deps{})
	ctx := context.Background()

	a := userMsg("@ann", "hello", t0)
	s.ingestMessage(ctx, a)
	b := userMsg("@ann", "are you there", t0.Add(time.Second))
	p.hook = func(int) { s.ingestMessage(ctx, b) }

	if err := s.fetch(ctx); err != nil {
		t.Fatal(err)
	}

	want := []llm.Message{
		llm.Text(llm.RoleUser, RenderMessage(a)),
		llm.Text(llm.RoleAssistant, reply),
		llm.Text(llm.RoleUser, RenderMessage(b)),
	}
	if diff := cmp.Diff(want, s.Window()); diff != "" {
		t.Errorf("window after fetch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]sentMessage{{"room", "hi ann", ""}}, plat.messages(), cmp.AllowUnexported(sentMessage{})); diff != "" {
		t.Errorf("sent (-want +got):\n%s", diff)
	}
	cached := s.CachedMessages()
	if last := cached[len(cached)-1]; !last.Self || last.Content != "hi ann" {
		t.Errorf("last cached = %+v, want own message", last)
	}
	if s.Accumulated() != 0 {
		t.Errorf("accumulated = %d after sending, want 0", s.Accumulated())
	}
}

func TestFetch_SystemPromptNotPersisted(t *testing.T) {
	p := &scriptedProvider{}
	s, _ := newTestSession(t, KindPrivate, p, Deps{})
	s.ingestMessage(context.Background(), userMsg("@ann", "hello", t0))

	if err := s.fetch(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := p.calls[0].Messages[0]; got.Role != llm.RoleSystem || !strings.Contains(got.Content, "Hibari") {
		t.Errorf("first request message = %+v, want system prompt", got)
	}
	for _, m := range s.Window() {
		if m.Role == llm.RoleSystem {
			t.Errorf("system prompt persisted in window")
		}
	}
}

func TestFetch_SkipsWhenLastIsAssistant(t *testing.T) {
	p := &scriptedProvider{}
	s, _ := newTestSession(t, KindPrivate, p, Deps{})
	s.window.Replace([]llm.Message{
		llm.Text(llm.RoleUser, "hi"),
		llm.Text(llm.RoleAssistant, `{"messages": []}`),
	})
	if err := s.fetch(context.Background()); err != nil {
		t.Fatal(err)
	}
	if p.callCount() != 0 {
		t.Errorf("provider called %d times", p.callCount())
	}
	if s.window.Len() != 2 {
		t.Errorf("window changed: %v", s.Window())
	}
}

func TestScenarioB_ImportantEventFetchesOnce(t *testing.T) {
	p := &scriptedProvider{}
	s, _ := newTestSession(t, KindGroup, p, Deps{})

	for i := range 3 {
		if err := s.HandleMessage(userMsg("@ann", fmt.Sprintf("message %d", i), t0)); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.PostEvent("someone waved at you", TriggerAll); err != nil {
		t.Fatal(err)
	}
	drain(s)

	if got := s.FetchStats().Total; got != 1 {
		t.Errorf("fetches = %d, want 1", got)
	}
	if got := p.callCount(); got != 1 {
		t.Errorf("provider calls = %d, want 1", got)
	}
}

func TestScenarioC_CorrectiveNotes(t *testing.T) {
	p := &scriptedProvider{replies: []scriptedReply{
		{content: "sure, here you go"},
		{content: `{"messages": "not a list"}`},
		{content: "```json\n{\"messages\": [{\"message_content\": \"ok\"}]}\n```"},
	}}
	s, plat := newTestSession(t, KindPrivate, p, Deps{})
	s.ingestMessage(context.Background(), userMsg("@ann", "hello", t0))

	if err := s.fetch(context.Background()); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	notes := 0
	for _, m := range s.Window() {
		if m.Role == llm.RoleUser && strings.Contains(m.Content, "could not be used") {
			notes++
		}
	}
	if notes != 2 {
		t.Errorf("corrective notes = %d, want 2", notes)
	}
	if p.callCount() != 3 {
		t.Errorf("provider calls = %d, want 3", p.callCount())
	}
	if sent := plat.messages(); len(sent) != 1 || sent[0].content != "ok" {
		t.Errorf("sent = %+v", sent)
	}
}

func TestFetch_MalformedOutputAborts(t *testing.T) {
	var replies []scriptedReply
	for range 10 {
		replies = append(replies, scriptedReply{content: "no json today"})
	}
	p := &scriptedProvider{replies: replies}
	s, _ := newTestSession(t, KindPrivate, p, Deps{})
	a := userMsg("@ann", "hello", t0)
	s.ingestMessage(context.Background(), a)

	err := s.fetch(context.Background())
	if !errors.Is(err, ErrMalformedOutput) {
		t.Fatalf("err = %v, want ErrMalformedOutput", err)
	}
	if p.callCount() != 6 {
		t.Errorf("provider calls = %d, want 6", p.callCount())
	}
	want := []llm.Message{llm.Text(llm.RoleUser, RenderMessage(a))}
	if diff := cmp.Diff(want, s.Window()); diff != "" {
		t.Errorf("window (-want +got):\n%s", diff)
	}
}

func TestScenarioD_MuteExpiry(t *testing.T) {
	c := newClock(t0)
	s, _ := newTestSession(t, KindGroup, &scriptedProvider{}, Deps{Now: c.Now})
	ctx := context.Background()

	s.Mute()
	if s.State() != Muted {
		t.Fatalf("state = %v, want muted", s.State())
	}
	if err := s.processTimerAt(ctx, t0.Add(14*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if s.State() != Muted {
		t.Errorf("state at +14m = %v, want muted", s.State())
	}
	if err := s.processTimerAt(ctx, t0.Add(16*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if s.State() != Active {
		t.Errorf("state at +16m = %v, want active", s.State())
	}
}

func TestGenerateReply_Gates(t *testing.T) {
	tests := []struct {
		name  string
		setup func(s *Session, c *clock)
		want  int
	}{
		{"important fires", func(*Session, *clock) {}, 1},
		{"muted", func(s *Session, _ *clock) { s.Mute() }, 0},
		{"cooling down", func(s *Session, _ *clock) { s.cooldownUntil = t0.Add(time.Second) }, 0},
		{"cooldown over", func(s *Session, c *clock) {
			s.cooldownUntil = t0.Add(time.Second)
			c.Set(t0.Add(2 * time.Second))
		}, 1},
		{"last entry is ours", func(s *Session, _ *clock) {
			s.window.Append(llm.Text(llm.RoleAssistant, "{}"))
		}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClock(t0)
			p := &scriptedProvider{}
			s, _ := newTestSession(t, KindGroup, p, Deps{Now: c.Now})
			s.ingestMessage(context.Background(), userMsg("@ann", "hello", t0))
			tt.setup(s, c)

			s.generateReply(context.Background(), true)
			if got := p.callCount(); got != tt.want {
				t.Errorf("provider calls = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestGenerateReply_ProbabilityDraw(t *testing.T) {
	for _, tt := range []struct {
		draw float64
		want int
	}{{0.40, 1}, {0.90, 0}} {
		p := &scriptedProvider{}
		s, _ := newTestSession(t, KindGroup, p, Deps{Rand: func() float64 { return tt.draw }})
		s.ingestMessage(context.Background(), userMsg("@ann", strings.Repeat("a", 100), t0))
		s.hotness = 1

		s.generateReply(context.Background(), false)
		if got := p.callCount(); got != tt.want {
			t.Errorf("draw %.2f: provider calls = %d, want %d", tt.draw, got, tt.want)
		}
	}
}

func TestGenerateReply_DrawAtThresholdFires(t *testing.T) {
	p := &scriptedProvider{}
	var s *Session
	s, _ = newTestSession(t, KindGroup, p, Deps{Rand: func() float64 { return s.Probability(context.Background(), 0, true) }})
	s.ingestMessage(context.Background(), userMsg("@ann", strings.Repeat("a", 100), t0))
	s.hotness = 1

	s.generateReply(context.Background(), false)
	if got := p.callCount(); got != 1 {
		t.Errorf("draw equal to the probability: provider calls = %d, want 1", got)
	}
}

func TestProbability(t *testing.T) {
	s, _ := newTestSession(t, KindGroup, &scriptedProvider{}, Deps{})
	if got := s.Probability(context.Background(), 0, true); got != 0 {
		t.Errorf("empty session probability = %v, want 0", got)
	}

	s.ingestMessage(context.Background(), userMsg("@ann", strings.Repeat("a", 100)+" [image]", t0))
	if s.Accumulated() != 100 {
		t.Fatalf("accumulated = %d, want 100", s.Accumulated())
	}
	if got := s.Probability(context.Background(), 0, false); math.Abs(got-0.475) > 1e-9 {
		t.Errorf("probability without hotness = %v, want 0.475", got)
	}
	// A quiet room with one speaker: round(15*0.8) * 0.75 = 9.
	if s.Hotness() != 9 {
		t.Errorf("hotness = %v, want 9", s.Hotness())
	}
	if got := s.Probability(context.Background(), 0, true); got != 1 {
		t.Errorf("probability with hotness = %v, want 1", got)
	}
	if got := s.Probability(context.Background(), -100, false); got != 0 {
		t.Errorf("probability with adjustment to 0 = %v, want 0", got)
	}
}

type staticPolicy store.ChatPolicy

func (p staticPolicy) LoadPolicy(context.Context, string) (store.ChatPolicy, error) {
	return store.ChatPolicy(p), nil
}

func TestPolicy_BlockedMessagesNeverTrigger(t *testing.T) {
	p := &scriptedProvider{}
	s, _ := newTestSession(t, KindGroup, p, Deps{
		Policies: staticPolicy{BlockedUsers: []string{"@troll"}, BlockedKeywords: []string{"casino"}},
	})

	for _, m := range []Message{
		{Content: "hello @Hibari", Sender: "@troll", SenderName: "troll", Mentioned: true},
		{Content: "best casino in town", Sender: "@ann", SenderName: "ann", Mentioned: true},
	} {
		if err := s.HandleMessage(m); err != nil {
			t.Fatal(err)
		}
	}
	drain(s)

	if s.window.Len() != 0 {
		t.Errorf("window = %v, want empty", s.Window())
	}
	if len(s.CachedMessages()) != 2 {
		t.Errorf("cached = %d, want 2", len(s.CachedMessages()))
	}
	if p.callCount() != 0 {
		t.Errorf("provider called %d times", p.callCount())
	}
	if s.Accumulated() != 0 {
		t.Errorf("accumulated = %d, want 0", s.Accumulated())
	}
}

func TestIngest_MentionAndSelf(t *testing.T) {
	s, plat := newTestSession(t, KindGroup, &scriptedProvider{}, Deps{})
	ctx := context.Background()

	mode := s.ingestMessage(ctx, Message{Content: "how are you", Sender: "@ann", SenderName: "ann", Mentioned: true, Timestamp: t0})
	if mode != TriggerAll {
		t.Errorf("mentioned message mode = %v, want all", mode)
	}
	if w := s.Window(); !strings.HasSuffix(w[0].Content, "@Hibari how are you") {
		t.Errorf("window entry = %q, want mention prefix", w[0].Content)
	}

	before := s.Accumulated()
	mode = s.ingestMessage(ctx, Message{Content: "my own echo", Sender: plat.SelfID(), SenderName: "Hibari", Timestamp: t0})
	if mode != TriggerProbability {
		t.Errorf("mode = %v, want probability", mode)
	}
	if s.Accumulated() != before {
		t.Errorf("own message counted towards accumulated")
	}
	if c := s.CachedMessages(); !c[len(c)-1].Self {
		t.Errorf("own message not marked self")
	}
}

func TestDisable_StopsLoopAndRejectsItems(t *testing.T) {
	s, _ := newTestSession(t, KindGroup, &scriptedProvider{}, Deps{})
	s.Start(context.Background())
	s.Disable()

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("consumer loop did not exit")
	}
	if s.State() != Disabled {
		t.Errorf("state = %v", s.State())
	}
	if err := s.HandleMessage(userMsg("@ann", "hi", t0)); !errors.Is(err, ErrDisabled) {
		t.Errorf("HandleMessage after disable = %v, want ErrDisabled", err)
	}
	if !s.Mute().IsZero() {
		t.Errorf("disabled session muted")
	}
}

func TestSaveAndLoad(t *testing.T) {
	windows := newMemWindows()
	s, _ := newTestSession(t, KindPrivate, &scriptedProvider{}, Deps{Windows: windows})
	s.ingestMessage(context.Background(), userMsg("@ann", "remember me", t0))
	if err := s.Save(context.Background()); err != nil {
		t.Fatal(err)
	}

	restored, _ := newTestSession(t, KindPrivate, &scriptedProvider{}, Deps{Windows: windows})
	if err := restored.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(s.Window(), restored.Window()); diff != "" {
		t.Errorf("restored window (-want +got):\n%s", diff)
	}
}
