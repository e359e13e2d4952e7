// Package builtin holds the registry of in-process tools offered to the model
// during a reply fetch. A Registry satisfies llm.ToolHandler, so an
// llm.Exchange can dispatch tool calls to it directly.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/bdobrica/Hibari/internal/hibari/llm"
)

// Tool is implemented by every built-in tool.
type Tool interface {
	// Definition returns the name, description and JSON Schema parameters.
	Definition() llm.ToolDefinition
	// Execute runs the tool with decoded arguments and returns the text fed
	// back to the model.
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// Func adapts a definition and a function into a Tool.
type Func struct {
	Def llm.ToolDefinition
	Fn  func(ctx context.Context, args map[string]any) (string, error)
}

func (f Func) Definition() llm.ToolDefinition { return f.Def }

func (f Func) Execute(ctx context.Context, args map[string]any) (string, error) {
	return f.Fn(ctx, args)
}

// Registry maps tool names to tools. Populate it before use; it is not safe
// to Register concurrently with lookups.
type Registry struct {
	tools map[string]Tool
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds t. It panics on a duplicate name, which is a wiring bug.
func (r *Registry) Register(t Tool) {
	name := t.Definition().Function.Name
	if _, dup := r.tools[name]; dup {
		panic("builtin: duplicate tool registration: " + name)
	}
	r.tools[name] = t
}

// Get returns the tool registered under name, or nil.
func (r *Registry) Get(name string) Tool {
	return r.tools[name]
}

// Definitions returns every tool definition sorted by name, so requests are
// stable across calls.
func (r *Registry) Definitions() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Definition())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Function.Name < defs[j].Function.Name })
	return defs
}

// Call decodes the raw JSON arguments and executes the named tool.
func (r *Registry) Call(ctx context.Context, name, arguments string) (string, error) {
	t := r.tools[name]
	if t == nil {
		return "", fmt.Errorf("unknown tool %q", name)
	}
	args := map[string]any{}
	if arguments != "" {
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			return "", fmt.Errorf("decode arguments for %s: %w", name, err)
		}
	}
	return t.Execute(ctx, args)
}

var _ llm.ToolHandler = (*Registry)(nil)

// Definition builds a function tool definition from a name, a description
// and a properties map; required lists the mandatory property names.
func Definition(name, description string, properties map[string]any, required ...string) llm.ToolDefinition {
	if properties == nil {
		properties = map[string]any{}
	}
	if required == nil {
		required = []string{}
	}
	return llm.ToolDefinition{
		Type: "function",
		Function: llm.FunctionDef{
			Name:        name,
			Description: description,
			Parameters: map[string]any{
				"type":       "object",
				"properties": properties,
				"required":   required,
			},
		},
	}
}

// StringArg returns args[key] as a string, or "" when missing.
func StringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	return ""
}

// IntArg returns args[key] as an int. JSON numbers decode to float64 and are
// truncated; numeric strings are not accepted.
func IntArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}
