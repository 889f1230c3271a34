package workflow

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/hupe1980/agentflow/agent"
	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/engine"
	"github.com/hupe1980/agentflow/logging"
	"github.com/hupe1980/agentflow/memory"
	"github.com/hupe1980/agentflow/policy"
	"github.com/hupe1980/agentflow/telemetry"
)

// RunOptions configures one run.
type RunOptions struct {
	// Vars are merged over the workflow variables.
	Vars map[string]any
	// Observers are notified in addition to the engine and workflow observers.
	Observers []core.Observer
	// Task is shown to the first steps as the assignment of the run.
	Task string
}

// Run executes the workflow and returns its trace in execution order.
//
// Run fails on the first step that fails irrecoverably; the error carries the
// step id (core.StepIDOf) and the returned trace holds the results produced
// up to that point. Configuration errors are reported before any step runs.
// A second Run of the same workflow while one is in flight fails with a
// core.ConcurrencyGuardError and leaves the first run untouched.
func (w *Workflow) Run(ctx context.Context, optFns ...func(o *RunOptions)) ([]core.StepResult, error) {
	if !w.running.CompareAndSwap(false, true) {
		return nil, &core.ConcurrencyGuardError{Workflow: w.name}
	}
	defer w.running.Store(false)

	var ro RunOptions
	for _, fn := range optFns {
		fn(&ro)
	}

	if w.engine == nil {
		return nil, &core.ConfigError{Field: "engine", Message: "workflow has no engine"}
	}
	if err := validateWorkflow(w, map[*Workflow]bool{}); err != nil {
		return nil, err
	}

	release, err := w.engine.AcquireRun(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	r := newRunner(w, ro)
	sc := r.rootScope(w)
	f := newFrame(ro.Task)

	ctx, span := r.recorder.StartSpan(ctx, telemetry.SpanRun, telemetry.Attributes{"workflow": w.name, "run.id": r.runID})
	start := time.Now()
	r.logger.Info("workflow.run.start", "steps", w.Len())

	err = r.execSteps(ctx, sc, f, "", w.Steps())
	dur := time.Since(start)

	r.recorder.EndSpan(span, err)
	r.recorder.RecordMetric(ctx, "agentflow.run.duration", dur.Seconds(), telemetry.Attributes{"workflow": w.name})
	if ferr := r.recorder.Flush(context.WithoutCancel(ctx)); ferr != nil {
		r.logger.Warn("workflow.telemetry.flush_failed", "error", ferr.Error())
	}

	switch {
	case r.outcomes != nil:
		r.outcomes.LogRun(w.name, len(f.trace), dur, err)
	case err != nil:
		r.logger.Error("workflow.run.failed", "step_id", core.StepIDOf(err), "duration_ms", dur.Milliseconds(), "error", err.Error())
	default:
		r.logger.Info("workflow.run.completed", "results", len(f.trace), "duration_ms", dur.Milliseconds())
	}
	return f.trace, err
}

// RunNested runs the workflow for task as a nested run with its own step
// numbering. It makes a Workflow usable as an agent.Child.
func (w *Workflow) RunNested(ctx context.Context, task string) (agent.Outcome, error) {
	if w.engine == nil {
		return agent.Outcome{}, &core.ConfigError{Field: "engine", Message: "workflow has no engine"}
	}
	if err := validateWorkflow(w, map[*Workflow]bool{}); err != nil {
		return agent.Outcome{}, err
	}
	r := newRunner(w, RunOptions{Task: task})
	sc := r.rootScope(w)
	sc.depth, sc.nested = 1, true

	f := newFrame(task)
	err := r.execSteps(ctx, sc, f, w.name+":", w.Steps())
	return agent.Outcome{Text: core.LastText(f.trace), Results: f.trace}, err
}

// outcomeLogger is implemented by *logging.WorkflowLogger.
type outcomeLogger interface {
	LogRun(workflow string, steps int, dur time.Duration, err error)
	LogModelCall(model string, tokens int, dur time.Duration, err error)
	LogStepExecution(stepID, kind string, dur time.Duration, err error)
}

// runner carries what is shared by all steps of one run.
type runner struct {
	engine   *engine.Engine
	runID    string
	logger   logging.Logger
	outcomes outcomeLogger
	recorder telemetry.Recorder
	notifier *core.Notifier
	vars     map[string]any
}

func newRunner(w *Workflow, ro RunOptions) *runner {
	eng := w.engine
	runID := core.NewID()

	logger := eng.Logger()
	var outcomes outcomeLogger
	if wl, ok := logger.(*logging.WorkflowLogger); ok {
		wl = wl.WithRun(runID, w.name)
		logger, outcomes = wl, wl
	}

	observers := append([]core.Observer(nil), eng.Observers()...)
	observers = append(observers, w.opts.Observers...)
	observers = append(observers, ro.Observers...)

	vars := make(map[string]any, len(w.opts.Vars)+len(ro.Vars)+1)
	for k, v := range w.opts.Vars {
		vars[k] = v
	}
	for k, v := range ro.Vars {
		vars[k] = v
	}
	if ro.Task != "" {
		vars["task"] = ro.Task
	}

	return &runner{
		engine:   eng,
		runID:    runID,
		logger:   logger,
		outcomes: outcomes,
		recorder: eng.Recorder(),
		notifier: core.NewNotifier(logger, observers...),
		vars:     vars,
	}
}

// settings are the effective defaults of a workflow scope.
type settings struct {
	model        string
	system       string
	modelRetry   policy.RetryPolicy
	modelTimeout policy.TimeoutSpec
	toolRetry    policy.RetryPolicy
	toolTimeout  policy.TimeoutSpec
	budget       memory.Budget
	sequential   bool
	streaming    bool
	maxTools     int
	maxDelegates int
}

func (s settings) merge(o Options) settings {
	if o.Model != "" {
		s.model = o.Model
	}
	if o.System != "" {
		s.system = o.System
	}
	s.modelRetry = policy.Merge(s.modelRetry, o.Retry)
	s.modelTimeout = policy.MergeTimeout(s.modelTimeout, o.Timeout)
	s.toolRetry = policy.Merge(s.toolRetry, o.ToolRetry)
	s.toolTimeout = policy.MergeTimeout(s.toolTimeout, o.ToolTimeout)
	if o.Budget != nil {
		s.budget = *o.Budget
	}
	s.sequential = s.sequential || o.SequentialTools
	s.streaming = s.streaming || o.Streaming
	if o.MaxToolIterations > 0 {
		s.maxTools = o.MaxToolIterations
	}
	if o.MaxDelegations > 0 {
		s.maxDelegates = o.MaxDelegations
	}
	return s
}

// scope is one workflow's view of the run. Composed and delegated workflows
// get their own scope with local step numbering.
type scope struct {
	name    string
	set     settings
	depth   int
	nested  bool
	counter *atomic.Int64
}

func (r *runner) rootScope(w *Workflow) *scope {
	p := r.engine.Policies()
	cfg := r.engine.Config()
	base := settings{
		modelRetry:   p.ModelRetry,
		modelTimeout: p.ModelTimeout,
		toolRetry:    p.ToolRetry,
		toolTimeout:  p.ToolTimeout,
		budget:       cfg.ContextBudget,
		maxTools:     cfg.MaxToolIterations,
		maxDelegates: cfg.MaxDelegations,
	}
	return &scope{name: w.name, set: base.merge(w.opts), counter: new(atomic.Int64)}
}

func (sc *scope) child(w *Workflow) *scope {
	return &scope{
		name:    w.name,
		set:     sc.set.merge(w.opts),
		depth:   sc.depth + 1,
		nested:  true,
		counter: new(atomic.Int64),
	}
}

// frame is the trace a sequence of steps appends to.
type frame struct {
	// base is history visible to the frame but owned by an enclosing one.
	base  []core.StepResult
	trace []core.StepResult
	// resetAt is the trace position history starts from after a reset, or -1.
	resetAt int
	task    string

	item    any
	index   int
	hasItem bool
}

func newFrame(task string) *frame {
	return &frame{resetAt: -1, task: task}
}

// fork creates a frame for a concurrent child that sees this frame's history.
func (f *frame) fork() *frame {
	return &frame{base: f.visible(), resetAt: -1, task: f.task, item: f.item, index: f.index, hasItem: f.hasItem}
}

func (f *frame) add(r core.StepResult) {
	f.trace = core.AppendResult(f.trace, r)
}

// all is the full history predicates are evaluated over.
func (f *frame) all() []core.StepResult {
	if len(f.base) == 0 {
		return f.trace
	}
	out := make([]core.StepResult, 0, len(f.base)+len(f.trace))
	return append(append(out, f.base...), f.trace...)
}

// visible is the history context blocks are built from.
func (f *frame) visible() []core.StepResult {
	if f.resetAt >= 0 {
		return f.trace[f.resetAt:]
	}
	return f.all()
}

func stepID(prefix string, i int) string {
	n := strconv.Itoa(i + 1)
	switch {
	case prefix == "":
		return n
	case prefix[len(prefix)-1] == ':':
		return prefix + n
	default:
		return prefix + "." + n
	}
}

func (r *runner) execSteps(ctx context.Context, sc *scope, f *frame, prefix string, steps []Step) error {
	for i, s := range steps {
		id := stepID(prefix, i)
		if c := s.Settings(); c.ID != "" {
			id = c.ID
		}
		if err := r.exec(ctx, sc, f, id, s); err != nil {
			return err
		}
	}
	return nil
}

// exec runs one step of any kind. Steps that produce a single result return
// it and exec appends it; control-flow steps append their children's results
// to the frame themselves.
func (r *runner) exec(ctx context.Context, sc *scope, f *frame, id string, s Step) error {
	if err := ctx.Err(); err != nil {
		return core.AttachStep(err, id)
	}

	cfg := s.Settings()
	info := core.StepInfo{
		RunID:    r.runID,
		Workflow: sc.name,
		StepID:   id,
		Kind:     s.Kind(),
		Label:    cfg.Label,
		Index:    int(sc.counter.Add(1)),
		Depth:    sc.depth,
		Nested:   sc.nested,
	}

	if cfg.ResetContext {
		f.resetAt = len(f.trace)
	}

	r.notifier.BeforeStep(ctx, info)
	attrs := telemetry.Attributes{"workflow": sc.name, "step.id": id, "step.kind": string(info.Kind)}
	stepCtx, span := r.recorder.StartSpan(ctx, telemetry.SpanStep, attrs)
	r.logger.Debug("workflow.step.start", "step_id", id, "kind", info.Kind, "workflow", sc.name, "index", info.Index)

	start := time.Now()
	before := len(f.trace)

	var (
		res  core.StepResult
		leaf bool
		err  error
	)

	switch st := s.(type) {
	case *Generate:
		leaf = true
		res, err = r.generate(stepCtx, sc, f, info, st)
	case *InvokeTool:
		leaf = true
		res, err = r.invokeTool(stepCtx, sc, f, info, st)
	case *AutoSelect:
		leaf = true
		res, err = r.autoSelect(stepCtx, sc, f, info, st)
	case *Delegate:
		leaf = true
		res, err = r.delegate(stepCtx, sc, f, info, st)
	case *Parallel:
		leaf = true
		res, err = r.parallel(stepCtx, sc, f, id, st)
	case *Branch:
		err = r.branch(stepCtx, sc, f, id, st)
	case *Switch:
		err = r.switchStep(stepCtx, sc, f, id, st)
	case *While:
		err = r.while(stepCtx, sc, f, id, st)
	case *ForEach:
		err = r.forEach(stepCtx, sc, f, id, st)
	case *RetryUntil:
		err = r.retryUntil(stepCtx, sc, f, id, st)
	case *Compose:
		err = r.compose(stepCtx, sc, f, id, st)
	default:
		err = &core.ConfigError{Field: "step", Message: fmt.Sprintf("unsupported step type %T", s)}
	}

	dur := time.Since(start)
	r.recorder.EndSpan(span, err)
	r.recorder.RecordMetric(ctx, "agentflow.step.duration", dur.Seconds(), attrs)

	if err != nil {
		err = core.AttachStep(err, id)
		if r.outcomes != nil {
			r.outcomes.LogStepExecution(id, string(info.Kind), dur, err)
		} else {
			r.logger.Error("workflow.step.failed", "step_id", id, "kind", info.Kind, "duration_ms", dur.Milliseconds(), "error", err.Error())
		}
		return err
	}

	var last core.StepResult
	if leaf {
		res.StepID = id
		res.Kind = info.Kind
		res.Label = cfg.Label
		res.ResetContext = cfg.ResetContext
		if res.Duration == 0 {
			res.Duration = dur
		}
		f.add(res)
		last = f.trace[len(f.trace)-1]
	} else if len(f.trace) > before {
		last = f.trace[len(f.trace)-1]
	}

	r.notifier.AfterStep(ctx, info, last)
	if r.outcomes != nil {
		r.outcomes.LogStepExecution(id, string(info.Kind), dur, nil)
	} else {
		r.logger.Debug("workflow.step.completed", "step_id", id, "kind", info.Kind, "duration_ms", dur.Milliseconds(), "results", len(f.trace)-before)
	}
	return nil
}

// WithTask sets the assignment shown to the first steps of the run.
func WithTask(task string) func(o *RunOptions) {
	return func(o *RunOptions) { o.Task = task }
}

// WithRunVars merges vars over the workflow variables for one run.
func WithRunVars(vars map[string]any) func(o *RunOptions) {
	return func(o *RunOptions) {
		if o.Vars == nil {
			o.Vars = make(map[string]any, len(vars))
		}
		for k, v := range vars {
			o.Vars[k] = v
		}
	}
}

// WithRunObserver adds an observer for one run.
func WithRunObserver(obs core.Observer) func(o *RunOptions) {
	return func(o *RunOptions) { o.Observers = append(o.Observers, obs) }
}
