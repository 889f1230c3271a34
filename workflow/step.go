package workflow

import (
	"time"

	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/policy"
)

// Predicate inspects the results accumulated so far.
type Predicate func(results []core.StepResult) bool

// Selector maps the results accumulated so far to a Switch case key.
type Selector func(results []core.StepResult) string

// Condition decides whether a RetryUntil attempt succeeded. last is the final
// result the attempt produced, or the zero value when it produced none.
type Condition func(last core.StepResult) bool

// ItemsFunc computes ForEach items from the results accumulated so far.
type ItemsFunc func(results []core.StepResult) []any

// BodyFunc builds the ForEach body for one item.
type BodyFunc func(item any, index int) []Step

// StepConfig holds the settings shared by all step kinds.
type StepConfig struct {
	// ID replaces the positional step id.
	ID    string
	Label string
	// Model names an engine model. Empty selects the workflow's model.
	Model  string
	System string
	// ResetContext runs the step without the history block, and hides the
	// earlier history from the steps that follow it.
	ResetContext bool
	// Stream delivers model output token by token to observers.
	Stream bool
	// Sequential disables concurrent tool calls within the step.
	Sequential bool
	// MaxIterations caps AutoSelect tool turns or Delegate turns.
	MaxIterations int

	Retry       *policy.RetryPolicy
	Timeout     *policy.TimeoutSpec
	ToolRetry   *policy.RetryPolicy
	ToolTimeout *policy.TimeoutSpec

	Servers []core.ServerHandle
}

// StepOption configures a step.
type StepOption func(c *StepConfig)

// ID sets an explicit step id.
func ID(id string) StepOption { return func(c *StepConfig) { c.ID = id } }

// Label attaches a human readable label.
func Label(l string) StepOption { return func(c *StepConfig) { c.Label = l } }

// Model selects a named engine model.
func Model(name string) StepOption { return func(c *StepConfig) { c.Model = name } }

// System sets the system prompt.
func System(s string) StepOption { return func(c *StepConfig) { c.System = s } }

// Reset runs the step without history and starts a fresh history after it.
func Reset() StepOption { return func(c *StepConfig) { c.ResetContext = true } }

// Stream makes the step stream its model output.
func Stream() StepOption { return func(c *StepConfig) { c.Stream = true } }

// Sequential forces the step's tool calls to run one at a time.
func Sequential() StepOption { return func(c *StepConfig) { c.Sequential = true } }

// MaxIterations caps the turns of an AutoSelect or Delegate step.
func MaxIterations(n int) StepOption { return func(c *StepConfig) { c.MaxIterations = n } }

// Retry overrides the model retry policy. For InvokeTool steps it applies to
// the tool call.
func Retry(p policy.RetryPolicy) StepOption { return func(c *StepConfig) { c.Retry = &p } }

// Timeout bounds each model attempt. For InvokeTool steps it bounds each tool
// attempt.
func Timeout(d time.Duration) StepOption {
	return func(c *StepConfig) { c.Timeout = &policy.TimeoutSpec{PerAttempt: d} }
}

// ToolRetry overrides the retry policy of tool calls made by AutoSelect.
func ToolRetry(p policy.RetryPolicy) StepOption { return func(c *StepConfig) { c.ToolRetry = &p } }

// ToolTimeout bounds each tool attempt made by AutoSelect.
func ToolTimeout(d time.Duration) StepOption {
	return func(c *StepConfig) { c.ToolTimeout = &policy.TimeoutSpec{PerAttempt: d} }
}

// Servers sets the candidate servers of an AutoSelect step. A handle carrying
// only a name is resolved through the engine's registry.
func Servers(handles ...core.ServerHandle) StepOption {
	return func(c *StepConfig) { c.Servers = append(c.Servers, handles...) }
}

// Server refers to a registered server by name.
func Server(name string) core.ServerHandle { return core.ServerHandle{Name: name} }

func newConfig(opts []StepOption) StepConfig {
	var c StepConfig
	for _, fn := range opts {
		fn(&c)
	}
	return c
}

// Step is one declared unit of workflow behavior. The set of implementations
// is closed; the interpreter matches them exhaustively.
type Step interface {
	Kind() core.StepKind
	Settings() StepConfig
	isStep()
}

// Generate asks a model for text.
type Generate struct {
	StepConfig
	Prompt string
}

// InvokeTool calls one tool with fixed arguments. String arguments are
// rendered as prompt templates.
type InvokeTool struct {
	StepConfig
	Server    core.ServerHandle
	Tool      string
	Arguments map[string]any
}

// AutoSelect lets a model pick and call tools of the candidate servers. With
// no servers configured, every registered server is a candidate.
type AutoSelect struct {
	StepConfig
	Prompt string
}

// Delegate lets a coordinator model hand sub-tasks to child workflows.
type Delegate struct {
	StepConfig
	Prompt   string
	Children []*Workflow
}

// Branch runs Then when Predicate holds and Else otherwise.
type Branch struct {
	StepConfig
	Predicate Predicate
	Then      []Step
	Else      []Step
}

// Switch runs the case selected by Selector, falling back to Default. A nil
// Default means there is none.
type Switch struct {
	StepConfig
	Selector Selector
	Cases    map[string][]Step
	Default  []Step
}

// While repeats Body as long as Predicate holds, at most MaxIterations times.
type While struct {
	StepConfig
	Predicate     Predicate
	Body          []Step
	MaxIterations int
}

// ForEach runs a body per item, sequentially and in item order. Items and
// ItemsFunc are alternatives, as are Body and BodyFunc.
type ForEach struct {
	StepConfig
	Items     []any
	ItemsFunc ItemsFunc
	Body      []Step
	BodyFunc  BodyFunc
}

// RetryUntil repeats Body until Until holds on its last result, waiting
// between attempts as Policy prescribes.
type RetryUntil struct {
	StepConfig
	Body   []Step
	Until  Condition
	Policy policy.RetryPolicy
}

// Parallel runs Steps, or Named, concurrently.
type Parallel struct {
	StepConfig
	Steps []Step
	Named map[string]Step
}

// Compose splices a child workflow inline.
type Compose struct {
	StepConfig
	Workflow *Workflow
}

func (*Generate) Kind() core.StepKind   { return core.KindGenerate }
func (*InvokeTool) Kind() core.StepKind { return core.KindInvokeTool }
func (*AutoSelect) Kind() core.StepKind { return core.KindAutoSelect }
func (*Delegate) Kind() core.StepKind   { return core.KindDelegate }
func (*Branch) Kind() core.StepKind     { return core.KindBranch }
func (*Switch) Kind() core.StepKind     { return core.KindSwitch }
func (*While) Kind() core.StepKind      { return core.KindWhile }
func (*ForEach) Kind() core.StepKind    { return core.KindForEach }
func (*RetryUntil) Kind() core.StepKind { return core.KindRetryUntil }
func (*Parallel) Kind() core.StepKind   { return core.KindParallel }
func (*Compose) Kind() core.StepKind    { return core.KindCompose }

func (s *Generate) Settings() StepConfig   { return s.StepConfig }
func (s *InvokeTool) Settings() StepConfig { return s.StepConfig }
func (s *AutoSelect) Settings() StepConfig { return s.StepConfig }
func (s *Delegate) Settings() StepConfig   { return s.StepConfig }
func (s *Branch) Settings() StepConfig     { return s.StepConfig }
func (s *Switch) Settings() StepConfig     { return s.StepConfig }
func (s *While) Settings() StepConfig      { return s.StepConfig }
func (s *ForEach) Settings() StepConfig    { return s.StepConfig }
func (s *RetryUntil) Settings() StepConfig { return s.StepConfig }
func (s *Parallel) Settings() StepConfig   { return s.StepConfig }
func (s *Compose) Settings() StepConfig    { return s.StepConfig }

func (*Generate) isStep()   {}
func (*InvokeTool) isStep() {}
func (*AutoSelect) isStep() {}
func (*Delegate) isStep()   {}
func (*Branch) isStep()     {}
func (*Switch) isStep()     {}
func (*While) isStep()      {}
func (*ForEach) isStep()    {}
func (*RetryUntil) isStep() {}
func (*Parallel) isStep()   {}
func (*Compose) isStep()    {}
