package agent

import (
	"context"

	"github.com/hupe1980/agentflow/internal/util"
)

// DefaultInstruction tells the coordinator how to answer. It is rendered with
// InstructionData.
const DefaultInstruction = `You coordinate a team of agents. Reply with exactly one JSON object and nothing else.
To hand a sub-task to an agent: {"delegate": "<agent name>", "task": "<what it should do>"}
When the task is complete: {"done": "<final answer>"}

Agents:
{{range .Children}}- {{.Name}}: {{.Description}}
{{end}}`

// ChildInfo describes a candidate to the coordinator.
type ChildInfo struct {
	Name        string
	Description string
}

// InstructionData is the template data of an instruction.
type InstructionData struct {
	Children []ChildInfo
	Vars     map[string]any
}

// Provider supplies instruction text at runtime.
type Provider interface {
	Instruction(ctx context.Context, data InstructionData) (string, error)
}

// Func adapts a function to Provider.
type Func func(ctx context.Context, data InstructionData) (string, error)

// Instruction implements Provider.
func (f Func) Instruction(ctx context.Context, data InstructionData) (string, error) {
	return f(ctx, data)
}

// Instruction is either a static template or a dynamic provider.
type Instruction struct {
	text     string
	provider Provider
}

// NewInstructionFromText creates an Instruction from a template string.
func NewInstructionFromText(text string) Instruction { return Instruction{text: text} }

// NewInstructionFromFunc creates an Instruction from a function.
func NewInstructionFromFunc(f func(ctx context.Context, data InstructionData) (string, error)) Instruction {
	return Instruction{provider: Func(f)}
}

// IsZero reports whether no instruction was set.
func (i Instruction) IsZero() bool { return i.text == "" && i.provider == nil }

// Resolve returns the instruction text, rendering the template or invoking
// the provider.
func (i Instruction) Resolve(ctx context.Context, data InstructionData) (string, error) {
	if i.provider != nil {
		return i.provider.Instruction(ctx, data)
	}
	return util.RenderTemplate(i.text, data)
}
