package memory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/bdobrica/Hibari/internal/hibari/llm"
)

type fakeProvider struct {
	reply func(prompt string) (string, error)
}

func (f fakeProvider) Complete(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	out, err := f.reply(req.Messages[len(req.Messages)-1].Content)
	if err != nil {
		return nil, err
	}
	return &llm.CompletionResponse{Message: llm.Text(llm.RoleAssistant, out), FinishReason: "stop"}, nil
}

type memStore struct {
	mu    sync.Mutex
	nodes map[string][]Node
	edges map[string][]Edge
}

func newMemStore() *memStore {
	return &memStore{nodes: map[string][]Node{}, edges: map[string][]Edge{}}
}

func (m *memStore) LoadGraph(_ context.Context, id string) ([]Node, []Edge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Node(nil), m.nodes[id]...), append([]Edge(nil), m.edges[id]...), nil
}

func (m *memStore) SaveGraph(_ context.Context, id string, nodes []Node, edges []Edge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodes[id], m.edges[id] = nodes, edges
	return nil
}

func (m *memStore) GraphIDs(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id := range m.nodes {
		ids = append(ids, id)
	}
	return ids, nil
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock(t time.Time) func() time.Time { return func() time.Time { return t } }

func always(v float64) func() float64 { return func() float64 { return v } }

func TestForget_EligibilityBoundary(t *testing.T) {
	for _, weight := range []float64{1, 2, 5} {
		g := NewGraph("room", Options{Now: fixedClock(t0), Rand: always(0)})
		g.AddMemory(context.Background(), "cats", "they purr")
		g.mu.Lock()
		g.nodes["cats"].Weight = weight
		g.mu.Unlock()

		limit := time.Duration(float64(ForgetAfter) * weight)
		if n := g.Forget(1, t0.Add(limit)); n != 0 {
			t.Errorf("weight %v: node forgotten at exactly %v", weight, limit)
		}
		if n := g.Forget(1, t0.Add(limit+time.Second)); n != 1 {
			t.Errorf("weight %v: node not forgotten after %v", weight, limit)
		}
	}
}

func TestForget_RatioGatesRemoval(t *testing.T) {
	g := NewGraph("room", Options{Now: fixedClock(t0), Rand: always(0.5)})
	g.AddMemory(context.Background(), "cats", "they purr")
	if n := g.Forget(0.4, t0.Add(30*24*time.Hour)); n != 0 {
		t.Errorf("draw 0.5 should survive ratio 0.4, forgot %d", n)
	}
	if n := g.Forget(0.6, t0.Add(30*24*time.Hour)); n != 1 {
		t.Errorf("draw 0.5 should be forgotten at ratio 0.6, forgot %d", n)
	}
}

func TestForget_DropsEdgesOfForgottenNodes(t *testing.T) {
	g := NewGraph("room", Options{Now: fixedClock(t0), Rand: always(0)})
	ctx := context.Background()
	g.AddMemory(ctx, "a", "x")
	g.AddMemory(ctx, "b", "y")
	g.Connect("a", "b")
	g.Connect("a", "b")
	g.mu.Lock()
	g.nodes["b"].Weight = 100
	g.mu.Unlock()

	g.Forget(1, t0.Add(4*24*time.Hour))
	nodes, edges := g.Len()
	if nodes != 1 || edges != 0 {
		t.Fatalf("got %d nodes %d edges, want 1 and 0", nodes, edges)
	}
}

func TestForget_WeakEdges(t *testing.T) {
	g := NewGraph("room", Options{Now: fixedClock(t0), Rand: always(0)})
	ctx := context.Background()
	for _, c := range []string{"a", "b", "c"} {
		g.AddMemory(ctx, c, c)
		g.mu.Lock()
		g.nodes[c].Weight = 100
		g.mu.Unlock()
	}
	g.Connect("a", "b")
	g.Connect("b", "c")
	g.Connect("b", "c")

	g.Forget(1, t0.Add(ForgetAfter))
	if _, edges := g.Len(); edges != 2 {
		t.Fatalf("edges at exactly 3 days: got %d, want 2", edges)
	}
	g.Forget(1, t0.Add(ForgetAfter+time.Minute))
	_, edges := g.Snapshot()
	want := []Edge{{Source: "b", Target: "c", Strength: 2, CreatedAt: t0, ModifiedAt: t0}}
	if diff := cmp.Diff(want, edges); diff != "" {
		t.Errorf("edges mismatch (-want +got):\n%s", diff)
	}
}

func TestAddMemory_WeightGrowsAndConsolidates(t *testing.T) {
	p := fakeProvider{reply: func(prompt string) (string, error) {
		if strings.Contains(prompt, "Old memory") {
			return "merged", nil
		}
		return "", errors.New("unexpected prompt")
	}}
	g := NewGraph("room", Options{Provider: p, Now: fixedClock(t0)})
	ctx := context.Background()

	prev := 0.0
	for i := 0; i < 4; i++ {
		g.AddMemory(ctx, "cats", "fact")
		n, _ := g.Node("cats")
		if n.Weight <= prev {
			t.Fatalf("weight did not grow: %v -> %v", prev, n.Weight)
		}
		prev = n.Weight
	}
	n, _ := g.Node("cats")
	if n.Memory != "merged" || n.Weight != 4 {
		t.Errorf("got %+v", n)
	}
}

func TestAddMemory_FallbackOnProviderError(t *testing.T) {
	p := fakeProvider{reply: func(string) (string, error) { return "", errors.New("boom") }}
	g := NewGraph("room", Options{Provider: p, Now: fixedClock(t0)})
	ctx := context.Background()
	g.AddMemory(ctx, "cats", "old")
	g.AddMemory(ctx, "cats", "new")
	n, _ := g.Node("cats")
	if n.Memory != "old | new" {
		t.Errorf("Memory = %q, want %q", n.Memory, "old | new")
	}
	if n.Weight != 2 {
		t.Errorf("Weight = %v, want 2", n.Weight)
	}
}

func TestConnect_UnorderedPairs(t *testing.T) {
	g := NewGraph("room", Options{Now: fixedClock(t0)})
	g.Connect("zeta", "alpha")
	g.Connect("alpha", "zeta")
	g.Connect("alpha", "alpha")

	_, edges := g.Snapshot()
	want := []Edge{{Source: "alpha", Target: "zeta", Strength: 2, CreatedAt: t0, ModifiedAt: t0}}
	if diff := cmp.Diff(want, edges); diff != "" {
		t.Errorf("edges mismatch (-want +got):\n%s", diff)
	}
}

func TestRelated(t *testing.T) {
	g := NewGraph("room", Options{Now: fixedClock(t0)})
	ctx := context.Background()
	g.AddMemory(ctx, "cats", "purr")
	g.AddMemory(ctx, "milk", "white")
	g.AddMemory(ctx, "dogs", "bark")
	g.AddMemory(ctx, "fish", "swim")
	g.Connect("cats", "milk")
	g.Connect("dogs", "cats")
	g.Connect("dogs", "fish")

	tests := []struct {
		name  string
		topic string
		depth int
		want  []Recollection
	}{
		{"unknown", "birds", 2, nil},
		{"topic only", "cats", 1, []Recollection{{"cats", "purr"}}},
		{"one hop", "cats", 2, []Recollection{{"cats", "purr"}, {"dogs", "bark"}, {"milk", "white"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, g.Related(tt.topic, tt.depth)); diff != "" {
				t.Errorf("Related mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := newMemStore()
	ctx := context.Background()
	g := NewGraph("room", Options{Now: fixedClock(t0)})
	g.AddMemory(ctx, "a", "x")
	g.AddMemory(ctx, "b", "y")
	g.Connect("b", "a")
	if err := g.Save(ctx, s); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded := NewGraph("room", Options{})
	if err := loaded.Load(ctx, s); err != nil {
		t.Fatalf("Load: %v", err)
	}
	wantN, wantE := g.Snapshot()
	gotN, gotE := loaded.Snapshot()
	if diff := cmp.Diff(wantN, gotN); diff != "" {
		t.Errorf("nodes mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantE, gotE); diff != "" {
		t.Errorf("edges mismatch (-want +got):\n%s", diff)
	}
}

func TestForgetStored(t *testing.T) {
	s := newMemStore()
	ctx := context.Background()
	g := NewGraph("room", Options{Now: fixedClock(t0)})
	g.AddMemory(ctx, "a", "x")
	if err := g.Save(ctx, s); err != nil {
		t.Fatal(err)
	}

	n, err := ForgetStored(ctx, s, "room", 1, t0.Add(10*24*time.Hour), Options{Rand: always(0)})
	if err != nil {
		t.Fatalf("ForgetStored: %v", err)
	}
	if n != 1 {
		t.Errorf("forgot %d, want 1", n)
	}
	nodes, _, _ := s.LoadGraph(ctx, "room")
	if len(nodes) != 0 {
		t.Errorf("stored graph still has %d nodes", len(nodes))
	}
}
