package session

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bdobrica/Hibari/internal/hibari/llm"
)

func TestTimers_FireOnceWhenDue(t *testing.T) {
	p := &scriptedProvider{}
	s, _ := newTestSession(t, KindPrivate, p, Deps{})
	ctx := context.Background()

	timer := s.AddTimer(t0.Add(time.Minute), "tea is ready")
	if timer.ID != "fake:room_"+"1714564860_1" {
		t.Errorf("timer id = %q", timer.ID)
	}

	if err := s.processTimerAt(ctx, t0.Add(30*time.Second)); err != nil {
		t.Fatal(err)
	}
	if s.queue.len() != 0 || len(s.Timers()) != 1 {
		t.Fatalf("timer fired early")
	}

	if err := s.processTimerAt(ctx, t0.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if len(s.Timers()) != 0 {
		t.Errorf("timer not removed")
	}
	drain(s)
	if p.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1", p.callCount())
	}
	if w := s.Window(); !strings.Contains(w[0].Content, `event: your timer "tea is ready" is due`) {
		t.Errorf("window = %v", w)
	}

	if err := s.processTimerAt(ctx, t0.Add(2*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if s.queue.len() != 0 {
		t.Errorf("timer fired twice")
	}
}

func TestProcessTimer_SavesWindow(t *testing.T) {
	windows := newMemWindows()
	s, _ := newTestSession(t, KindPrivate, &scriptedProvider{}, Deps{Windows: windows})
	s.ingestMessage(context.Background(), userMsg("@ann", "hello", t0))

	if err := s.ProcessTimer(context.Background()); err != nil {
		t.Fatal(err)
	}
	got, _ := windows.LoadWindow(context.Background(), s.ID())
	if diff := cmp.Diff(s.Window(), got); diff != "" {
		t.Errorf("saved window (-want +got):\n%s", diff)
	}
}

func TestProactiveReply(t *testing.T) {
	tests := []struct {
		name  string
		kind  Kind
		after time.Duration
		self  bool
		want  int
	}{
		{"quiet group", KindGroup, 31 * time.Second, false, 1},
		{"too soon", KindGroup, 30 * time.Second, false, 0},
		{"own message last", KindGroup, time.Minute, true, 0},
		{"private chats wait", KindPrivate, time.Minute, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &scriptedProvider{}
			s, plat := newTestSession(t, tt.kind, p, Deps{})
			sender := "@ann"
			if tt.self {
				sender = plat.SelfID()
			}
			s.ingestMessage(context.Background(), userMsg(sender, "anyone?", t0))

			if err := s.processTimerAt(context.Background(), t0.Add(tt.after)); err != nil {
				t.Fatal(err)
			}
			s.Wait()
			if got := p.callCount(); got != tt.want {
				t.Errorf("provider calls = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestProactiveReply_HandlesMessageOnce(t *testing.T) {
	s, _ := newTestSession(t, KindGroup, &scriptedProvider{}, Deps{})
	s.ingestMessage(context.Background(), userMsg("@ann", "anyone?", t0))

	s.proactiveReply(t0.Add(time.Minute))
	s.Wait()
	first := s.lastHandled
	s.proactiveReply(t0.Add(2 * time.Minute))
	s.Wait()
	if first == nil || s.lastHandled != first {
		t.Errorf("last handled message changed on the second pass")
	}
}

func TestInteractions(t *testing.T) {
	c := newClock(t0)
	s, _ := newTestSession(t, KindGroup, &scriptedProvider{}, Deps{Now: c.Now})

	id := s.CreatePendingInteraction("@ann", "ann", Action{Name: "pat", Refusable: true})
	if len(id) != 8 {
		t.Errorf("id %q, want 8 characters", id)
	}
	old := s.CreatePendingInteraction("@bob", "bob", Action{Name: "hug", Refusable: true})

	if _, ok := s.RemovePendingInteraction("nope"); ok {
		t.Errorf("removed an unknown interaction")
	}
	got, ok := s.RemovePendingInteraction(id)
	if !ok || got.UserID != "@ann" || got.Action.Name != "pat" {
		t.Errorf("removed %+v, %v", got, ok)
	}
	if _, ok := s.RemovePendingInteraction(id); ok {
		t.Errorf("interaction removed twice")
	}

	c.Set(t0.Add(InteractionTTL))
	if n := s.CleanupExpiredInteractions(InteractionTTL); n != 0 {
		t.Errorf("expired %d at exactly the ttl", n)
	}
	c.Set(t0.Add(InteractionTTL + time.Second))
	if n := s.CleanupExpiredInteractions(InteractionTTL); n != 1 {
		t.Errorf("expired %d, want 1", n)
	}
	if _, ok := s.RemovePendingInteraction(old); ok {
		t.Errorf("expired interaction still pending")
	}
}

func TestHandleInteraction_RefuseTool(t *testing.T) {
	s, plat := newTestSession(t, KindGroup, &scriptedProvider{}, Deps{})
	ctx := context.Background()

	id, err := s.HandleInteraction("ann", "@ann", Action{Name: "pat", Refusable: true})
	if err != nil {
		t.Fatal(err)
	}
	it, _ := s.queue.pop()
	if it.Event.Mode != TriggerAll || !strings.Contains(it.Event.Text, id) {
		t.Errorf("event = %+v, want All with id %s", it.Event, id)
	}

	out, err := s.tools.Call(ctx, "refuse_interaction", `{"id": "`+id+`", "type": "dodge"}`)
	if err != nil {
		t.Fatal(err)
	}
	if out != "refused pat" {
		t.Errorf("tool result = %q", out)
	}
	if sent := plat.messages(); len(sent) != 1 || sent[0].content != "*dodges <@ann>'s pat*" {
		t.Errorf("sent = %+v", sent)
	}

	_, err = s.tools.Call(ctx, "refuse_interaction", `{"id": "`+id+`", "type": "bite"}`)
	if !errors.Is(err, ErrInteractionNotFound) {
		t.Errorf("second refusal = %v, want ErrInteractionNotFound", err)
	}
	_, err = s.tools.Call(ctx, "refuse_interaction", `{"id": "x", "type": "shrug"}`)
	if err == nil {
		t.Errorf("unknown refusal type accepted")
	}
}

func TestHandleInteraction_NotRefusable(t *testing.T) {
	s, _ := newTestSession(t, KindGroup, &scriptedProvider{}, Deps{})
	id, err := s.HandleInteraction("ann", "@ann", Action{Name: "wave"})
	if err != nil || id != "" {
		t.Fatalf("id = %q, err = %v", id, err)
	}
	if s.PendingInteractions() != 0 {
		t.Errorf("non-refusable action left pending")
	}
}

func TestEvents(t *testing.T) {
	s, _ := newTestSession(t, KindGroup, &scriptedProvider{}, Deps{})
	s.ingestMessage(context.Background(), userMsg("@ann", "oops", t0))

	tests := []struct {
		name string
		post func() error
		mode TriggerMode
		text string
	}{
		{"recall of cached message", func() error { return s.HandleRecall("$oops") }, TriggerProbability, `@ann deleted their message ($oops): "oops"`},
		{"recall of unknown message", func() error { return s.HandleRecall("$gone") }, TriggerProbability, "message $gone was deleted"},
		{"poke at me", func() error { return s.HandlePoke("ann", "Hibari", true) }, TriggerAll, "ann poked you"},
		{"poke at someone else", func() error { return s.HandlePoke("ann", "bob", false) }, TriggerProbability, "ann poked bob"},
		{"reaction", func() error { return s.HandleReaction("ann", "👍", "$oops", 3) }, TriggerProbability, "ann reacted 👍 to message $oops"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.post(); err != nil {
				t.Fatal(err)
			}
			it, ok := s.queue.pop()
			if !ok {
				t.Fatal("nothing queued")
			}
			if it.Event.Mode != tt.mode || it.Event.Text != tt.text {
				t.Errorf("event = %+v, want %v %q", it.Event, tt.mode, tt.text)
			}
		})
	}

	// never() draws 2, above any probability below 2.
	if err := s.HandleReaction("ann", "👍", "$oops", 0.5); err != nil {
		t.Fatal(err)
	}
	if s.queue.len() != 0 {
		t.Errorf("unlikely reaction queued")
	}
}

func TestTools_TimerAndLeave(t *testing.T) {
	s, _ := newTestSession(t, KindGroup, &scriptedProvider{}, Deps{})
	ctx := context.Background()

	if _, err := s.tools.Call(ctx, "set_timer", `{"delay_minutes": 5, "description": "stretch"}`); err != nil {
		t.Fatal(err)
	}
	timers := s.Timers()
	if len(timers) != 1 || !timers[0].Due.Equal(t0.Add(5*time.Minute)) || timers[0].Description != "stretch" {
		t.Errorf("timers = %+v", timers)
	}
	if _, err := s.tools.Call(ctx, "set_timer", `{"delay_minutes": 0}`); err == nil {
		t.Errorf("zero delay accepted")
	}

	if _, err := s.tools.Call(ctx, "leave_for_a_while", ""); err != nil {
		t.Fatal(err)
	}
	if s.State() != Muted {
		t.Errorf("state = %v, want muted", s.State())
	}

	names := []string{}
	for _, d := range s.tools.Definitions() {
		names = append(names, d.Function.Name)
	}
	want := []string{"leave_for_a_while", "recall_memory", "refuse_interaction", "set_timer"}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("tools without a notes store (-want +got):\n%s", diff)
	}
}

func TestRegistry(t *testing.T) {
	windows := newMemWindows()
	windows.windows["fake:dm"] = []llm.Message{llm.Text(llm.RoleUser, "from last time")}
	plat := &fakePlatform{}
	deps := Deps{Provider: &scriptedProvider{}, Windows: windows, Now: newClock(t0).Now, Rand: never}
	r := NewRegistry(RegistryConfig{}, NewFactory(Config{PollInterval: 10 * time.Millisecond}, deps))
	ctx := context.Background()

	dm := Key{ID: "fake:dm", Kind: KindPrivate, Target: "dm", Peer: "@ann", Platform: plat}
	group := Key{ID: "fake:group", Kind: KindGroup, Target: "group", Platform: plat}

	s1, err := r.GetOrCreate(ctx, dm)
	if err != nil {
		t.Fatal(err)
	}
	s2, _ := r.GetOrCreate(ctx, dm)
	if s1 != s2 {
		t.Errorf("GetOrCreate returned two sessions for one id")
	}
	if diff := cmp.Diff(windows.windows["fake:dm"], s1.Window()); diff != "" {
		t.Errorf("window not restored (-want +got):\n%s", diff)
	}
	if _, err := r.GetOrCreate(ctx, group); err != nil {
		t.Fatal(err)
	}

	var ids []string
	r.ForEach(func(s *Session) { ids = append(ids, s.ID()) })
	if diff := cmp.Diff([]string{"fake:dm", "fake:group"}, ids); diff != "" {
		t.Errorf("ForEach (-want +got):\n%s", diff)
	}
	if r.PostEvent("fake:nobody", "hi", TriggerNone) {
		t.Errorf("event posted to an unknown session")
	}
	if !r.PostEvent("fake:group", "hi", TriggerNone) {
		t.Errorf("event not posted")
	}

	s1.CreatePendingInteraction("@ann", "ann", Action{Name: "pat", Refusable: true})
	r.Tick(ctx, t0.Add(16*time.Minute))
	if s1.PendingInteractions() != 0 {
		t.Errorf("expired interaction survived the tick")
	}
	if _, ok := r.Get("fake:dm"); ok {
		t.Errorf("idle private session not removed")
	}
	if _, ok := r.Get("fake:group"); !ok {
		t.Errorf("group session removed")
	}
	<-s1.Done()

	if err := r.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if r.Len() != 0 {
		t.Errorf("sessions left after close: %d", r.Len())
	}
	if _, err := r.GetOrCreate(ctx, group); err == nil {
		t.Errorf("GetOrCreate after close succeeded")
	}
}

func TestAddTimer_UniqueWithinOneSecond(t *testing.T) {
	s, _ := newTestSession(t, KindGroup, &scriptedProvider{}, Deps{})
	due := t0.Add(time.Minute)
	a := s.AddTimer(due, "first")
	b := s.AddTimer(due, "second")
	if a.ID == b.ID {
		t.Errorf("two timers due the same second share id %q", a.ID)
	}
}

func TestProcessTimer_SkipsSaveDuringFetch(t *testing.T) {
	p := &blockingProvider{entered: make(chan struct{}, 1), release: make(chan struct{})}
	windows := newMemWindows()
	s, _ := newTestSession(t, KindPrivate, p, Deps{Windows: windows})
	ctx := context.Background()
	s.ingestMessage(ctx, userMsg("@ann", "hello", t0))

	fetched := make(chan error, 1)
	go func() { fetched <- s.fetch(ctx) }()
	<-p.entered

	returned := make(chan error, 1)
	go func() { returned <- s.processTimerAt(ctx, t0.Add(time.Minute)) }()
	select {
	case err := <-returned:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ProcessTimer waited for the fetch")
	}
	if saved, _ := windows.LoadWindow(ctx, s.ID()); saved != nil {
		t.Errorf("window saved mid-fetch: %v", saved)
	}

	close(p.release)
	if err := <-fetched; err != nil {
		t.Fatal(err)
	}
	if err := s.processTimerAt(ctx, t0.Add(2*time.Minute)); err != nil {
		t.Fatal(err)
	}
	saved, _ := windows.LoadWindow(ctx, s.ID())
	if diff := cmp.Diff(s.Window(), saved); diff != "" {
		t.Errorf("saved window (-want +got):\n%s", diff)
	}
}

func TestMuteUnmuteDesire(t *testing.T) {
	s, _ := newTestSession(t, KindGroup, &scriptedProvider{}, Deps{})
	ctx := context.Background()
	s.ingestMessage(ctx, userMsg("@ann", "hello there", t0))

	until := s.Mute()
	d := s.Desire(ctx)
	if d.State != Muted || !d.MuteUntil.Equal(until) {
		t.Errorf("desire while muted = %+v", d)
	}
	if d.Accumulated != s.Accumulated() || d.Hotness != s.Hotness() {
		t.Errorf("desire inputs = %+v", d)
	}
	if want := s.Probability(ctx, 0, false); d.Probability != want {
		t.Errorf("probability = %v, want %v", d.Probability, want)
	}

	s.Unmute()
	if d := s.Desire(ctx); d.State != Active || !d.MuteUntil.IsZero() {
		t.Errorf("desire after unmute = %+v", d)
	}
}
