package core

import (
	"encoding/json"
	"time"
)

// ToolDefinition describes a tool advertised by a server.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
	Server      ServerHandle    `json:"-"`
}

// QualifiedName is the tool's name prefixed with its server scope.
func (d ToolDefinition) QualifiedName() string {
	return QualifiedName(d.Server.Scope(), d.Name)
}

// ToolCall is a request to invoke a named tool.
type ToolCall struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// ToolCallRecord captures one tool invocation inside a step result.
type ToolCallRecord struct {
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name"`
	Server    string         `json:"server,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Output    string         `json:"output,omitempty"`
	// Structured holds the server's structured content when it returned any.
	Structured any           `json:"structured,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Failed reports whether the call produced an error.
func (r ToolCallRecord) Failed() bool { return r.Error != "" }
