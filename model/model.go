package model

import (
	"context"
	"strings"

	"github.com/hupe1980/agentflow/core"
)

// ToolSpec declaratively exposes a callable tool to the model. Parameters is a
// JSON Schema object.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request captures the normalized model input produced by steps.
type Request struct {
	System   string         `json:"system,omitempty"`
	Messages []core.Message `json:"messages"`
}

// Prompt builds a single user-turn request.
func Prompt(text string) Request {
	return Request{Messages: []core.Message{core.NewTextMessage(core.RoleUser, text)}}
}

// LastUserText returns the text of the most recent user message.
func (r Request) LastUserText() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == core.RoleUser {
			return r.Messages[i].Text()
		}
	}
	return ""
}

// Response is the final output of a model call.
type Response struct {
	Text         string          `json:"text,omitempty"`
	ToolCalls    []core.ToolCall `json:"tool_calls,omitempty"`
	Usage        core.Usage      `json:"usage"`
	FinishReason string          `json:"finish_reason,omitempty"` // "stop", "length", "tool_calls", etc.
}

// Message converts the response into an assistant turn for the conversation.
func (r Response) Message() core.Message {
	msg := core.Message{Role: core.RoleAssistant}
	if r.Text != "" {
		msg.Parts = append(msg.Parts, core.TextPart{Text: r.Text})
	}
	for _, c := range r.ToolCalls {
		msg.Parts = append(msg.Parts, core.ToolCallPart{Call: c})
	}
	return msg
}

// Chunk is one streamed text fragment. Usage is set on the final chunk when
// the provider reports it.
type Chunk struct {
	Text  string      `json:"text"`
	Usage *core.Usage `json:"usage,omitempty"`
}

// Info contains metadata about a model implementation.
type Info struct {
	Name          string `json:"name"`
	Provider      string `json:"provider"` // "openai", "anthropic", "mock", etc.
	SupportsTools bool   `json:"supports_tools"`
}

// Model is the uniform contract every vendor adapter implements.
//
// Stream returns a finite, non-restartable sequence of fragments. The chunk
// channel is closed when the stream ends; at most one error is delivered on
// the error channel, which is closed afterwards.
type Model interface {
	Generate(ctx context.Context, req Request) (Response, error)
	GenerateWithTools(ctx context.Context, req Request, tools []ToolSpec) (Response, error)
	Stream(ctx context.Context, req Request) (<-chan Chunk, <-chan error)

	// Info returns information about the model implementation.
	Info() Info
}

// Collect drains a stream, invoking onChunk for every fragment, and returns
// the concatenated text.
func Collect(ctx context.Context, chunks <-chan Chunk, errs <-chan error, onChunk func(Chunk)) (string, core.Usage, error) {
	var (
		sb    strings.Builder
		usage core.Usage
	)
	for chunks != nil {
		select {
		case <-ctx.Done():
			return sb.String(), usage, ctx.Err()
		case c, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			sb.WriteString(c.Text)
			if c.Usage != nil {
				usage = *c.Usage
			}
			if onChunk != nil {
				onChunk(c)
			}
		}
	}
	if errs != nil {
		select {
		case <-ctx.Done():
			return sb.String(), usage, ctx.Err()
		case err, ok := <-errs:
			if ok && err != nil {
				return sb.String(), usage, err
			}
		}
	}
	return sb.String(), usage, nil
}
