package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
)

const defaultMaxRounds = 16

// ErrTooManyRounds is returned when an exchange keeps requesting tool calls
// past its round limit.
var ErrTooManyRounds = errors.New("llm: exchange exceeded round limit")

// ToolHandler executes tool calls on behalf of an Exchange.
type ToolHandler interface {
	Definitions() []ToolDefinition
	// Call runs the named tool with its raw JSON arguments.
	Call(ctx context.Context, name, arguments string) (string, error)
}

// ExchangeOptions tunes an Exchange.
type ExchangeOptions struct {
	Model     string
	MaxTokens int
	// MaxRounds bounds the number of completion calls. Defaults to 16.
	MaxRounds int
	Tools     ToolHandler
	// BeforeToolCall, when set, observes each tool call before it runs.
	BeforeToolCall func(ctx context.Context, call ToolCall)
	Logger         *slog.Logger
}

// Exchange drives a multi-round conversation with a Provider. Every round's
// assistant text is yielded as one chunk by Next; tool calls are resolved
// through the ToolHandler and fed back before the next round. The exchange
// finishes when a round ends with a stop reason and nothing was inserted
// since.
//
// An Exchange is not safe for concurrent use.
type Exchange struct {
	provider Provider
	opts     ExchangeOptions
	log      *slog.Logger

	messages []Message
	rounds   int
	finished bool
}

// NewExchange starts an exchange over a copy of messages.
func NewExchange(p Provider, messages []Message, opts ExchangeOptions) *Exchange {
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = defaultMaxRounds
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Exchange{
		provider: p,
		opts:     opts,
		log:      log,
		messages: Clone(messages),
	}
}

// Insert appends a message to the exchange, e.g. a corrective note after an
// unusable chunk. A finished exchange is reopened so the model can answer.
func (e *Exchange) Insert(m Message) {
	e.messages = append(e.messages, m)
	e.finished = false
}

// Messages returns a copy of the full message list, including the initial
// messages, every assistant round, tool results and inserted messages.
func (e *Exchange) Messages() []Message {
	return Clone(e.messages)
}

// Rounds reports how many completion calls were made.
func (e *Exchange) Rounds() int { return e.rounds }

// Next runs rounds until one produces assistant text and returns it. It
// returns io.EOF once the exchange is finished.
func (e *Exchange) Next(ctx context.Context) (string, error) {
	for !e.finished {
		if e.rounds >= e.opts.MaxRounds {
			return "", ErrTooManyRounds
		}
		e.rounds++

		req := CompletionRequest{
			Model:     e.opts.Model,
			Messages:  e.messages,
			MaxTokens: e.opts.MaxTokens,
		}
		if e.opts.Tools != nil {
			req.Tools = e.opts.Tools.Definitions()
		}
		resp, err := e.provider.Complete(ctx, req)
		if err != nil {
			return "", fmt.Errorf("completion round %d: %w", e.rounds, err)
		}
		e.messages = append(e.messages, resp.Message)

		if len(resp.Message.ToolCalls) > 0 {
			for _, call := range resp.Message.ToolCalls {
				e.messages = append(e.messages, e.callTool(ctx, call))
			}
		} else if isStop(resp.FinishReason) {
			e.finished = true
		}

		if text := resp.Message.Content; strings.TrimSpace(text) != "" {
			return text, nil
		}
	}
	return "", io.EOF
}

func (e *Exchange) callTool(ctx context.Context, call ToolCall) Message {
	if e.opts.BeforeToolCall != nil {
		e.opts.BeforeToolCall(ctx, call)
	}
	result := "success"
	if e.opts.Tools == nil {
		result = "error: no tools are available"
	} else {
		out, err := e.opts.Tools.Call(ctx, call.Function.Name, call.Function.Arguments)
		switch {
		case err != nil:
			e.log.Warn("tool call failed", "tool", call.Function.Name, "err", err)
			result = "error: " + err.Error()
		case out != "":
			result = out
		}
	}
	return Message{Role: RoleTool, ToolCallID: call.ID, Name: call.Function.Name, Content: result}
}

// isStop treats an empty finish reason as a stop: several compatible
// servers omit it on the final round.
func isStop(reason string) bool {
	switch reason {
	case "stop", "eos", "length", "":
		return true
	}
	return false
}

// Ask sends a single user prompt and returns the trimmed reply text.
func Ask(ctx context.Context, p Provider, prompt string) (string, error) {
	resp, err := p.Complete(ctx, CompletionRequest{Messages: []Message{Text(RoleUser, prompt)}})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Message.Content), nil
}
