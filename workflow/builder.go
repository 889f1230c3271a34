package workflow

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/engine"
	"github.com/hupe1980/agentflow/memory"
	"github.com/hupe1980/agentflow/policy"
)

// Sequence is an ordered list of steps under construction. Builder methods
// append and return the sequence for chaining. The first invalid step is
// remembered and reported by Err and by Run.
type Sequence struct {
	mu    sync.Mutex
	steps []Step
	err   error
}

// Seq starts an empty sequence, typically used for the children of a
// control-flow step.
func Seq(steps ...Step) *Sequence {
	s := &Sequence{}
	return s.Then(steps...)
}

// Then appends already declared steps.
func (s *Sequence) Then(steps ...Step) *Sequence {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range steps {
		if err := validateShallow(st); err != nil {
			if s.err == nil {
				s.err = err
			}
			continue
		}
		s.steps = append(s.steps, st)
	}
	return s
}

// Steps returns a copy of the declared steps.
func (s *Sequence) Steps() []Step {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Step(nil), s.steps...)
}

// Len returns the number of declared steps.
func (s *Sequence) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.steps)
}

// Err returns the first declaration error.
func (s *Sequence) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Generate appends a model call. The prompt is a template over the current
// ForEach item and the workflow variables.
func (s *Sequence) Generate(prompt string, opts ...StepOption) *Sequence {
	return s.Then(&Generate{StepConfig: newConfig(opts), Prompt: prompt})
}

// InvokeTool appends a direct tool call.
func (s *Sequence) InvokeTool(server core.ServerHandle, tool string, args map[string]any, opts ...StepOption) *Sequence {
	return s.Then(&InvokeTool{StepConfig: newConfig(opts), Server: server, Tool: tool, Arguments: args})
}

// AutoSelect appends a model-driven tool loop over the servers given with the
// Servers option.
func (s *Sequence) AutoSelect(prompt string, opts ...StepOption) *Sequence {
	return s.Then(&AutoSelect{StepConfig: newConfig(opts), Prompt: prompt})
}

// Delegate appends a coordinator turn loop over children.
func (s *Sequence) Delegate(prompt string, children []*Workflow, opts ...StepOption) *Sequence {
	return s.Then(&Delegate{StepConfig: newConfig(opts), Prompt: prompt, Children: children})
}

// Branch appends a two-way conditional. els may be nil.
func (s *Sequence) Branch(pred Predicate, then, els *Sequence, opts ...StepOption) *Sequence {
	if err := firstErr(then, els); err != nil {
		return s.fail(err)
	}
	return s.Then(&Branch{StepConfig: newConfig(opts), Predicate: pred, Then: then.Steps(), Else: els.Steps()})
}

// Switch appends a multi-way conditional. def may be nil, in which case an
// unmatched key fails the run.
func (s *Sequence) Switch(sel Selector, cases map[string]*Sequence, def *Sequence, opts ...StepOption) *Sequence {
	st := &Switch{StepConfig: newConfig(opts), Selector: sel, Cases: make(map[string][]Step, len(cases))}
	for k, c := range cases {
		if err := firstErr(c); err != nil {
			return s.fail(err)
		}
		st.Cases[k] = c.Steps()
	}
	if def != nil {
		if err := def.Err(); err != nil {
			return s.fail(err)
		}
		st.Default = append([]Step{}, def.Steps()...)
	}
	return s.Then(st)
}

// While appends a bounded loop.
func (s *Sequence) While(pred Predicate, maxIter int, body *Sequence, opts ...StepOption) *Sequence {
	if err := firstErr(body); err != nil {
		return s.fail(err)
	}
	return s.Then(&While{StepConfig: newConfig(opts), Predicate: pred, Body: body.Steps(), MaxIterations: maxIter})
}

// ForEach appends a sequential loop over items. Prompts and tool arguments in
// body can refer to {{.Item}} and {{.Index}}.
func (s *Sequence) ForEach(items []any, body *Sequence, opts ...StepOption) *Sequence {
	if err := firstErr(body); err != nil {
		return s.fail(err)
	}
	return s.Then(&ForEach{StepConfig: newConfig(opts), Items: items, Body: append([]Step{}, body.Steps()...)})
}

// ForEachFunc appends a sequential loop whose items are computed from the
// results so far and whose body is built per item.
func (s *Sequence) ForEachFunc(items ItemsFunc, body BodyFunc, opts ...StepOption) *Sequence {
	return s.Then(&ForEach{StepConfig: newConfig(opts), ItemsFunc: items, BodyFunc: body})
}

// RetryUntil appends a loop repeating body until until holds. p bounds the
// attempts and the waits in between.
func (s *Sequence) RetryUntil(until Condition, p policy.RetryPolicy, body *Sequence, opts ...StepOption) *Sequence {
	if err := firstErr(body); err != nil {
		return s.fail(err)
	}
	return s.Then(&RetryUntil{StepConfig: newConfig(opts), Until: until, Policy: p, Body: body.Steps()})
}

// Parallel appends a fan-out whose results keep the order of steps.
func (s *Sequence) Parallel(steps []Step, opts ...StepOption) *Sequence {
	return s.Then(&Parallel{StepConfig: newConfig(opts), Steps: append([]Step(nil), steps...)})
}

// ParallelNamed appends a fan-out whose results are keyed like steps.
func (s *Sequence) ParallelNamed(steps map[string]Step, opts ...StepOption) *Sequence {
	named := make(map[string]Step, len(steps))
	for k, st := range steps {
		named[k] = st
	}
	return s.Then(&Parallel{StepConfig: newConfig(opts), Named: named})
}

// Compose appends a child workflow whose steps run inline.
func (s *Sequence) Compose(child *Workflow, opts ...StepOption) *Sequence {
	return s.Then(&Compose{StepConfig: newConfig(opts), Workflow: child})
}

func (s *Sequence) fail(err error) *Sequence {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
	return s
}

func firstErr(seqs ...*Sequence) error {
	for _, s := range seqs {
		if s == nil {
			continue
		}
		if err := s.Err(); err != nil {
			return err
		}
	}
	return nil
}

// Options configures a Workflow. Unset values inherit from the engine, or
// from the parent workflow when the workflow is composed or delegated to.
type Options struct {
	Description string

	// Model names the engine model used by steps that do not name one.
	Model  string
	System string

	Retry       *policy.RetryPolicy
	Timeout     *policy.TimeoutSpec
	ToolRetry   *policy.RetryPolicy
	ToolTimeout *policy.TimeoutSpec

	// Budget limits the history block injected into prompts.
	Budget *memory.Budget

	// SequentialTools runs every tool call one at a time, trading speed for
	// guaranteed ordering.
	SequentialTools bool

	// Streaming makes every Generate step stream its output to observers.
	Streaming bool

	MaxToolIterations int
	MaxDelegations    int

	Vars      map[string]any
	Observers []core.Observer
}

// WithDescription describes what the workflow does. Coordinators show it to
// their model when the workflow is a delegation candidate.
func WithDescription(d string) func(o *Options) {
	return func(o *Options) { o.Description = d }
}

// WithModel selects the default engine model of the workflow.
func WithModel(name string) func(o *Options) {
	return func(o *Options) { o.Model = name }
}

// WithSystem sets the default system prompt.
func WithSystem(s string) func(o *Options) {
	return func(o *Options) { o.System = s }
}

// WithRetry sets the retry policy of model calls.
func WithRetry(p policy.RetryPolicy) func(o *Options) {
	return func(o *Options) { o.Retry = &p }
}

// WithTimeout bounds each model attempt.
func WithTimeout(d time.Duration) func(o *Options) {
	return func(o *Options) { o.Timeout = &policy.TimeoutSpec{PerAttempt: d} }
}

// WithToolRetry sets the retry policy of tool calls.
func WithToolRetry(p policy.RetryPolicy) func(o *Options) {
	return func(o *Options) { o.ToolRetry = &p }
}

// WithToolTimeout bounds each tool attempt.
func WithToolTimeout(d time.Duration) func(o *Options) {
	return func(o *Options) { o.ToolTimeout = &policy.TimeoutSpec{PerAttempt: d} }
}

// WithBudget limits the injected history block.
func WithBudget(b memory.Budget) func(o *Options) {
	return func(o *Options) { o.Budget = &b }
}

// WithSequentialTools disables concurrent tool calls.
func WithSequentialTools() func(o *Options) {
	return func(o *Options) { o.SequentialTools = true }
}

// WithStreaming streams every Generate step.
func WithStreaming() func(o *Options) {
	return func(o *Options) { o.Streaming = true }
}

// WithVars sets template variables, available as {{.Vars.name}}.
func WithVars(vars map[string]any) func(o *Options) {
	return func(o *Options) {
		if o.Vars == nil {
			o.Vars = make(map[string]any, len(vars))
		}
		for k, v := range vars {
			o.Vars[k] = v
		}
	}
}

// WithObserver adds a progress observer.
func WithObserver(obs core.Observer) func(o *Options) {
	return func(o *Options) { o.Observers = append(o.Observers, obs) }
}

// Workflow is a named, reusable sequence of steps bound to an engine.
//
// Declaring is not thread-safe; running is. A workflow may be composed into
// or delegated to by any number of other workflows, but Run rejects a second
// top-level run of the same workflow while one is in flight.
type Workflow struct {
	*Sequence

	name    string
	engine  *engine.Engine
	opts    Options
	optErr  error
	running atomic.Bool
}

// New creates an empty workflow.
func New(eng *engine.Engine, name string, optFns ...func(o *Options)) *Workflow {
	var opts Options
	for _, fn := range optFns {
		fn(&opts)
	}

	w := &Workflow{Sequence: &Sequence{}, name: name, engine: eng, opts: opts}
	w.optErr = validateOptions(opts)
	return w
}

// Name returns the workflow name.
func (w *Workflow) Name() string { return w.name }

// Description returns the capability description.
func (w *Workflow) Description() string { return w.opts.Description }

// Engine returns the engine the workflow runs on.
func (w *Workflow) Engine() *engine.Engine { return w.engine }

// Err returns the first configuration or declaration error.
func (w *Workflow) Err() error {
	if w.optErr != nil {
		return w.optErr
	}
	return w.Sequence.Err()
}

func validateOptions(o Options) error {
	return validateConfig(StepConfig{
		Retry:       o.Retry,
		Timeout:     o.Timeout,
		ToolRetry:   o.ToolRetry,
		ToolTimeout: o.ToolTimeout,
	})
}
