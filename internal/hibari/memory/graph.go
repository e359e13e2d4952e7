// Package memory implements the per-conversation associative memory: a graph
// of concepts, each holding a consolidated memory text, joined by weighted
// unordered edges. Graphs decay over time and are persisted as whole-graph
// replaces.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/bdobrica/Hibari/internal/hibari/llm"
)

// ForgetAfter is the base retention period. A node survives ForgetAfter times
// its weight; a weak edge survives ForgetAfter.
const ForgetAfter = 3 * 24 * time.Hour

// Node is one concept in the graph.
type Node struct {
	Concept    string
	Memory     string
	Weight     float64
	CreatedAt  time.Time
	ModifiedAt time.Time
}

// Edge links two concepts. Source is always lexically smaller than Target.
type Edge struct {
	Source     string
	Target     string
	Strength   int
	CreatedAt  time.Time
	ModifiedAt time.Time
}

// Recollection is a concept and its memory text, as returned by Related.
type Recollection struct {
	Concept string
	Memory  string
}

// Store persists whole graphs.
type Store interface {
	LoadGraph(ctx context.Context, conversationID string) ([]Node, []Edge, error)
	SaveGraph(ctx context.Context, conversationID string, nodes []Node, edges []Edge) error
	GraphIDs(ctx context.Context) ([]string, error)
}

type edgeKey struct{ a, b string }

func newEdgeKey(x, y string) edgeKey {
	if y < x {
		x, y = y, x
	}
	return edgeKey{x, y}
}

// Options configures a Graph. Every field is optional.
type Options struct {
	// Provider consolidates and summarises memories. Without it new text is
	// appended to the old memory verbatim.
	Provider llm.Provider
	Logger   *slog.Logger
	// Rand returns a uniform float in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
	// Now defaults to time.Now.
	Now func() time.Time
}

// Graph is safe for concurrent use.
type Graph struct {
	id     string
	opts   Options
	logger *slog.Logger

	mu    sync.Mutex
	nodes map[string]*Node
	edges map[edgeKey]*Edge
}

// NewGraph returns an empty graph for the conversation id.
func NewGraph(id string, opts Options) *Graph {
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Graph{
		id:     id,
		opts:   opts,
		logger: logger.With("component", "memory", "conversation", id),
		nodes:  make(map[string]*Node),
		edges:  make(map[edgeKey]*Edge),
	}
}

// ID returns the conversation id the graph belongs to.
func (g *Graph) ID() string { return g.id }

// Len returns the number of nodes and edges.
func (g *Graph) Len() (nodes, edges int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.nodes), len(g.edges)
}

// Node returns a copy of the named node.
func (g *Graph) Node(concept string) (Node, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[concept]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// AddMemory stores text under concept. When the concept already holds a
// memory the two are consolidated through the provider (falling back to
// "old | new") and the weight grows by one.
func (g *Graph) AddMemory(ctx context.Context, concept, text string) {
	now := g.opts.Now()

	g.mu.Lock()
	existing, ok := g.nodes[concept]
	var old string
	if ok {
		old = existing.Memory
	}
	g.mu.Unlock()

	if !ok {
		g.mu.Lock()
		g.nodes[concept] = &Node{Concept: concept, Memory: text, Weight: 1, CreatedAt: now, ModifiedAt: now}
		g.mu.Unlock()
		return
	}

	merged, grow := text, false
	if old != "" {
		merged, grow = g.consolidate(ctx, old, text), true
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[concept]
	switch {
	case !ok:
		// Forgotten while the provider was busy.
		n = &Node{Concept: concept, Weight: 1, CreatedAt: now}
		g.nodes[concept] = n
	case grow:
		n.Weight++
	}
	n.Memory = merged
	n.ModifiedAt = now
}

func (g *Graph) consolidate(ctx context.Context, old, text string) string {
	fallback := old + " | " + text
	if g.opts.Provider == nil {
		return fallback
	}
	out, err := llm.Ask(ctx, g.opts.Provider, consolidatePrompt(old, text))
	if err != nil {
		g.logger.Warn("memory consolidation failed", "err", err)
		return fallback
	}
	if out == "" {
		return fallback
	}
	return out
}

// Connect strengthens the edge between two distinct concepts, creating it
// with strength 1 when absent.
func (g *Graph) Connect(a, b string) {
	if a == b {
		return
	}
	now := g.opts.Now()
	k := newEdgeKey(a, b)

	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.edges[k]; ok {
		e.Strength++
		e.ModifiedAt = now
		return
	}
	g.edges[k] = &Edge{Source: k.a, Target: k.b, Strength: 1, CreatedAt: now, ModifiedAt: now}
}

// Related returns the memory of topic and, when maxDepth > 1, the memories of
// its direct neighbours. Unknown topics and empty memories yield nothing.
func (g *Graph) Related(topic string, maxDepth int) []Recollection {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[topic]
	if !ok {
		return nil
	}
	var out []Recollection
	visited := map[string]bool{}
	if n.Memory != "" {
		out = append(out, Recollection{Concept: topic, Memory: n.Memory})
		visited[topic] = true
	}
	if maxDepth <= 1 {
		return out
	}

	var neighbours []string
	for k := range g.edges {
		switch topic {
		case k.a:
			neighbours = append(neighbours, k.b)
		case k.b:
			neighbours = append(neighbours, k.a)
		}
	}
	sort.Strings(neighbours)
	for _, c := range neighbours {
		if visited[c] {
			continue
		}
		if rn, ok := g.nodes[c]; ok && rn.Memory != "" {
			out = append(out, Recollection{Concept: c, Memory: rn.Memory})
			visited[c] = true
		}
	}
	return out
}

// Forget removes stale nodes (untouched for longer than ForgetAfter times
// their weight) and stale weak edges (strength <= 1, untouched for longer
// than ForgetAfter), each eligible item with probability ratio. Removing a
// node removes its edges. It returns the number of nodes forgotten.
func (g *Graph) Forget(ratio float64, now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	forgotten := 0
	for concept, n := range g.nodes {
		threshold := time.Duration(float64(ForgetAfter) * n.Weight)
		if now.Sub(n.ModifiedAt) > threshold && g.opts.Rand() < ratio {
			delete(g.nodes, concept)
			forgotten++
			for k := range g.edges {
				if k.a == concept || k.b == concept {
					delete(g.edges, k)
				}
			}
		}
	}
	for k, e := range g.edges {
		if now.Sub(e.ModifiedAt) > ForgetAfter && e.Strength <= 1 && g.opts.Rand() < ratio {
			delete(g.edges, k)
		}
	}
	if forgotten > 0 {
		g.logger.Info("memories forgotten", "count", forgotten)
	}
	return forgotten
}

// Snapshot returns copies of all nodes and edges in a stable order.
func (g *Graph) Snapshot() ([]Node, []Edge) {
	g.mu.Lock()
	defer g.mu.Unlock()

	nodes := make([]Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		nodes = append(nodes, *n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Concept < nodes[j].Concept })

	edges := make([]Edge, 0, len(g.edges))
	for _, e := range g.edges {
		edges = append(edges, *e)
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Source != edges[j].Source {
			return edges[i].Source < edges[j].Source
		}
		return edges[i].Target < edges[j].Target
	})
	return nodes, edges
}

// Load replaces the in-memory graph with the persisted one.
func (g *Graph) Load(ctx context.Context, s Store) error {
	nodes, edges, err := s.LoadGraph(ctx, g.id)
	if err != nil {
		return fmt.Errorf("load graph %s: %w", g.id, err)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes = make(map[string]*Node, len(nodes))
	for i := range nodes {
		n := nodes[i]
		g.nodes[n.Concept] = &n
	}
	g.edges = make(map[edgeKey]*Edge, len(edges))
	for i := range edges {
		e := edges[i]
		k := newEdgeKey(e.Source, e.Target)
		e.Source, e.Target = k.a, k.b
		g.edges[k] = &e
	}
	return nil
}

// Save persists the whole graph, replacing what was stored.
func (g *Graph) Save(ctx context.Context, s Store) error {
	nodes, edges := g.Snapshot()
	if err := s.SaveGraph(ctx, g.id, nodes, edges); err != nil {
		return fmt.Errorf("save graph %s: %w", g.id, err)
	}
	return nil
}

// ForgetStored loads the graph of conversationID, applies Forget and writes
// it back when anything was removed.
func ForgetStored(ctx context.Context, s Store, conversationID string, ratio float64, now time.Time, opts Options) (int, error) {
	g := NewGraph(conversationID, opts)
	if err := g.Load(ctx, s); err != nil {
		return 0, err
	}
	n := g.Forget(ratio, now)
	if n == 0 {
		return 0, nil
	}
	return n, g.Save(ctx, s)
}
