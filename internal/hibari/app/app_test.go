package app

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bdobrica/Hibari/internal/hibari/config"
	"github.com/bdobrica/Hibari/internal/hibari/llm"
	"github.com/bdobrica/Hibari/internal/hibari/session"
	"github.com/bdobrica/Hibari/internal/hibari/store"
)

type nopProvider struct{}

func (nopProvider) Complete(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return &llm.CompletionResponse{Message: llm.Text(llm.RoleAssistant, `{"messages": []}`)}, nil
}

// fakeAdapter opens one session, then waits for shutdown or fails.
type fakeAdapter struct {
	fail    error
	started chan struct{}
}

func (f *fakeAdapter) Run(ctx context.Context, reg *session.Registry) error {
	if f.fail != nil {
		return f.fail
	}
	s, err := reg.GetOrCreate(ctx, session.Key{ID: "fake:room", Kind: session.KindGroup, Target: "room"})
	if err != nil {
		return err
	}
	if err := s.PostEvent("someone waved", session.TriggerNone); err != nil {
		return err
	}
	close(f.started)
	<-ctx.Done()
	return ctx.Err()
}

func newTestApp(t *testing.T, ad runner) (*App, *store.Store) {
	t.Helper()
	return newTestAppWith(t, ad, func(*config.Config) {})
}

func newTestAppWith(t *testing.T, ad runner, mutate func(*config.Config)) (*App, *store.Store) {
	t.Helper()
	db, err := store.New(filepath.Join(t.TempDir(), "hibari.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	cfg := config.Default()
	cfg.Session.PollInterval = 10 * time.Millisecond
	mutate(&cfg)
	a, err := build(cfg, nil, db, nopProvider{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	a.adapters["fake"] = ad
	return a, db
}

func TestRun_SavesSessionsOnShutdown(t *testing.T) {
	ad := &fakeAdapter{started: make(chan struct{})}
	a, db := newTestApp(t, ad)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	select {
	case <-ad.started:
	case <-time.After(5 * time.Second):
		t.Fatal("adapter never started")
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		s, ok := a.Registry().Get("fake:room")
		if ok && len(s.Window()) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("event never reached the window")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
	}

	msgs, err := db.LoadWindow(context.Background(), "fake:room")
	if err != nil {
		t.Fatalf("LoadWindow: %v", err)
	}
	if len(msgs) != 1 || !strings.Contains(msgs[0].Content, "someone waved") {
		t.Errorf("saved window = %+v", msgs)
	}
}

func TestRun_AdapterFailureStopsEverything(t *testing.T) {
	a, _ := newTestApp(t, &fakeAdapter{fail: errors.New("boom")})

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()
	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "fake adapter: boom") {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after adapter failure")
	}
}

func TestRun_HonorsSwitchedOffConversations(t *testing.T) {
	a, db := newTestApp(t, &fakeAdapter{started: make(chan struct{})})
	if _, err := db.SetEnabled(context.Background(), "fake:room", false); err != nil {
		t.Fatal(err)
	}
	err := a.Run(context.Background())
	if !errors.Is(err, session.ErrConversationOff) {
		t.Errorf("err = %v, want ErrConversationOff", err)
	}
}

func TestRun_ServesControlAPI(t *testing.T) {
	ad := &fakeAdapter{started: make(chan struct{})}
	a, _ := newTestAppWith(t, ad, func(c *config.Config) {
		c.Control = config.ControlConfig{Addr: "127.0.0.1:0", Token: "op-token"}
	})
	if a.control == nil {
		t.Fatal("control API not built")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	<-ad.started
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSessionConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Assistant.Name = "Suzume"
	cfg.LLM.Model = "gpt-4.1"
	cfg.Session.WindowSize = 30
	cfg.Session.Cooldown = 7 * time.Second
	cfg.Memory.CompressRate = 0.2

	got := SessionConfig(cfg)
	if got.AssistantName != "Suzume" || got.Model != "gpt-4.1" || got.MaxEntries != 30 ||
		got.Cooldown != 7*time.Second || got.CompressRate != 0.2 {
		t.Errorf("SessionConfig = %+v", got)
	}
}
