package main

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bdobrica/Hibari/internal/hibari/control"
	"github.com/bdobrica/Hibari/internal/hibari/llm"
	"github.com/bdobrica/Hibari/internal/hibari/session"
	"github.com/bdobrica/Hibari/internal/hibari/store"
)

type silentProvider struct{}

func (silentProvider) Complete(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return &llm.CompletionResponse{Message: llm.Text(llm.RoleAssistant, `{"messages": []}`), FinishReason: "stop"}, nil
}

// startServer runs a control API over a fresh registry and points the CLI
// at it through the environment.
func startServer(t *testing.T) *session.Registry {
	t.Helper()
	db, err := store.New(filepath.Join(t.TempDir(), "served.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	deps := session.Deps{Provider: silentProvider{}, Windows: db, Policies: db, Rand: func() float64 { return 2 }}
	reg := session.NewRegistry(session.RegistryConfig{Windows: db, Policies: db},
		session.NewFactory(session.Config{PollInterval: 10 * time.Millisecond}, deps))
	t.Cleanup(func() { reg.Close(context.Background()) })

	srv := control.New(":0", control.Handlers{Token: "op-token", Registry: reg, Switch: db})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Setenv("HIBARI_CONTROL_URL", ts.URL)
	t.Setenv("HIBARI_CONTROL_TOKEN", "op-token")
	return reg
}

func TestConversation_Commands(t *testing.T) {
	cfg := testConfig(t)
	reg := startServer(t)
	if _, err := reg.GetOrCreate(context.Background(), session.Key{ID: "discord:42", Kind: session.KindGroup, Target: "42"}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		args []string
		want string
	}{
		{[]string{"list"}, "discord:42"},
		{[]string{"status", "discord:42"}, "state:          active"},
		{[]string{"mute", "discord:42"}, "muted until:"},
		{[]string{"unmute", "discord:42"}, "state:          active"},
		{[]string{"reset", "discord:42"}, "discord:42 reset"},
		{[]string{"disable", "discord:42"}, "discord:42 switched off"},
		{[]string{"enable", "discord:42"}, "discord:42 switched on"},
		{[]string{"list"}, "no live conversations"},
	}
	for _, tt := range tests {
		out, err := run(t, append([]string{"--config", cfg, "conversation"}, tt.args...)...)
		if err != nil {
			t.Fatalf("conversation %v: %v", tt.args, err)
		}
		if !strings.Contains(out, tt.want) {
			t.Errorf("conversation %v output = %q, want %q", tt.args, out, tt.want)
		}
	}

	if _, err := run(t, "--config", cfg, "conversation", "status", "discord:404"); err == nil {
		t.Error("status of an unknown conversation succeeded")
	}
}

func TestConversation_NotConfigured(t *testing.T) {
	cfg := testConfig(t)
	t.Setenv("HIBARI_CONTROL_URL", "")
	t.Setenv("HIBARI_CONTROL_ADDR", "")
	_, err := run(t, "--config", cfg, "conversation", "list")
	if err == nil || !strings.Contains(err.Error(), "control API not configured") {
		t.Fatalf("err = %v", err)
	}
}
