package core

// Role identifies the author of a Message.
type Role string

const (
	// RoleSystem carries system instructions.
	RoleSystem Role = "system"
	// RoleUser carries user (or synthesized) input.
	RoleUser Role = "user"
	// RoleAssistant carries model output including tool call requests.
	RoleAssistant Role = "assistant"
	// RoleTool carries tool results fed back to the model.
	RoleTool Role = "tool"
)

// Part represents a polymorphic segment of message content. Concrete part
// types implement the unexported isPart marker enabling a closed set.
type Part interface{ isPart() }

// TextPart is a plain text content segment.
type TextPart struct {
	Text string
}

func (TextPart) isPart() {}

// ToolCallPart is a model's request to invoke a tool.
type ToolCallPart struct {
	Call ToolCall
}

func (ToolCallPart) isPart() {}

// ToolResultPart is the outcome of a tool call, matched by CallID.
type ToolResultPart struct {
	CallID  string
	Name    string
	Content string
	IsError bool
}

func (ToolResultPart) isPart() {}

// Message is a single conversation turn.
type Message struct {
	Role  Role
	Parts []Part
}

// NewTextMessage builds a single-part text message.
func NewTextMessage(role Role, text string) Message {
	return Message{Role: role, Parts: []Part{TextPart{Text: text}}}
}

// Text concatenates all text parts of the message.
func (m Message) Text() string {
	var out string
	for _, p := range m.Parts {
		if tp, ok := p.(TextPart); ok {
			out += tp.Text
		}
	}
	return out
}

// ToolCalls returns the tool call requests carried by the message.
func (m Message) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, p := range m.Parts {
		if cp, ok := p.(ToolCallPart); ok {
			calls = append(calls, cp.Call)
		}
	}
	return calls
}
