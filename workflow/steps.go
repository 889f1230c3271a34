package workflow

import (
	"context"
	"time"

	"github.com/hupe1980/agentflow/agent"
	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/flow"
	"github.com/hupe1980/agentflow/internal/util"
	"github.com/hupe1980/agentflow/memory"
	"github.com/hupe1980/agentflow/model"
	"github.com/hupe1980/agentflow/policy"
	"github.com/hupe1980/agentflow/telemetry"
	"github.com/hupe1980/agentflow/tool"
)

func (r *runner) data(f *frame) util.PromptData {
	d := util.PromptData{Vars: r.vars}
	if f.hasItem {
		d.Item, d.Index = f.item, f.index
	}
	return d
}

func (r *runner) render(text string, f *frame) (string, error) {
	out, err := util.RenderTemplate(text, r.data(f))
	if err != nil {
		return "", &core.ConfigError{Field: "prompt", Message: err.Error()}
	}
	return out, nil
}

// prompt renders the step prompt and prefixes the task and the history block
// unless the step resets its context.
func (r *runner) prompt(sc *scope, f *frame, cfg StepConfig, text string) (string, error) {
	p, err := r.render(text, f)
	if err != nil {
		return "", err
	}
	if cfg.ResetContext {
		return p, nil
	}
	p = memory.WithContext(memory.BuildContext(f.visible(), sc.set.budget), p)
	if f.task != "" {
		p = "Task: " + f.task + "\n\n" + p
	}
	return p, nil
}

func (r *runner) model(sc *scope, cfg StepConfig) (model.Model, error) {
	name := cfg.Model
	if name == "" {
		name = sc.set.model
	}
	return r.engine.Model(name)
}

func system(sc *scope, cfg StepConfig) string {
	if cfg.System != "" {
		return cfg.System
	}
	return sc.set.system
}

// resolve turns name-only handles into registered ones.
func (r *runner) resolve(h core.ServerHandle) (core.ServerHandle, error) {
	if h.Address != "" || h.Command != "" {
		return h, nil
	}
	return r.engine.Server(h.Name)
}

type attemptOutput struct {
	resp   model.Response
	tokens []string
}

func (r *runner) generate(ctx context.Context, sc *scope, f *frame, info core.StepInfo, st *Generate) (core.StepResult, error) {
	m, err := r.model(sc, st.StepConfig)
	if err != nil {
		return core.StepResult{}, err
	}
	prompt, err := r.prompt(sc, f, st.StepConfig, st.Prompt)
	if err != nil {
		return core.StepResult{}, err
	}

	req := model.Prompt(prompt)
	req.System = system(sc, st.StepConfig)
	retry := policy.Merge(sc.set.modelRetry, st.Retry)
	timeout := policy.MergeTimeout(sc.set.modelTimeout, st.Timeout)
	stream := st.Stream || sc.set.streaming

	mi := m.Info()
	spanCtx, span := r.recorder.StartSpan(ctx, telemetry.SpanModel, telemetry.Attributes{"model": mi.Name, "provider": mi.Provider, "step.id": info.StepID})
	start := time.Now()

	// Tokens of an attempt are held back until it succeeds so a retried
	// stream reaches observers once.
	out, err := policy.Do(spanCtx, retry, timeout, "model "+mi.Name, func(ctx context.Context) (attemptOutput, error) {
		if !stream {
			resp, err := m.Generate(ctx, req)
			return attemptOutput{resp: resp}, err
		}
		var tokens []string
		chunks, errs := m.Stream(ctx, req)
		text, usage, err := model.Collect(ctx, chunks, errs, func(c model.Chunk) {
			if c.Text != "" {
				tokens = append(tokens, c.Text)
			}
		})
		return attemptOutput{resp: model.Response{Text: text, Usage: usage}, tokens: tokens}, err
	})
	resp := out.resp
	dur := time.Since(start)
	r.recorder.EndSpan(span, err)
	if err == nil {
		for _, tok := range out.tokens {
			r.notifier.Token(ctx, info, tok)
		}
	}

	r.logger.Debug("workflow.model.call", "step_id", info.StepID, "model", mi.Name, "streamed", stream, "duration_ms", dur.Milliseconds(), "tokens", resp.Usage.Total)
	if r.outcomes != nil {
		r.outcomes.LogModelCall(mi.Name, resp.Usage.Total, dur, err)
	}
	if err != nil {
		return core.StepResult{}, err
	}

	return core.StepResult{
		Prompt:    prompt,
		Text:      resp.Text,
		Usage:     resp.Usage,
		ModelTime: dur,
	}, nil
}

func (r *runner) invokeTool(ctx context.Context, sc *scope, f *frame, info core.StepInfo, st *InvokeTool) (core.StepResult, error) {
	h, err := r.resolve(st.Server)
	if err != nil {
		return core.StepResult{}, err
	}
	def, err := r.engine.Tool(ctx, h, st.Tool)
	if err != nil {
		return core.StepResult{}, err
	}
	args, err := r.renderArgs(st.Arguments, f)
	if err != nil {
		return core.StepResult{}, err
	}

	retry := policy.Merge(sc.set.toolRetry, st.Retry)
	timeout := policy.MergeTimeout(sc.set.toolTimeout, st.Timeout)

	rec, err := r.engine.Invoker().Invoke(ctx, def, core.ToolCall{ID: core.NewID(), Name: def.QualifiedName(), Arguments: args}, func(o *tool.CallOptions) {
		o.Retry = &retry
		o.Timeout = &timeout
	})
	if err != nil {
		return core.StepResult{}, err
	}
	r.notifier.ToolCall(ctx, info, rec)

	return core.StepResult{
		Text:      rec.Output,
		ToolCalls: []core.ToolCallRecord{rec},
		ToolTime:  rec.Duration,
	}, nil
}

// renderArgs renders string values, recursively, as prompt templates.
func (r *runner) renderArgs(args map[string]any, f *frame) (map[string]any, error) {
	if args == nil {
		return map[string]any{}, nil
	}
	out, err := r.renderValue(args, f)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func (r *runner) renderValue(v any, f *frame) (any, error) {
	switch t := v.(type) {
	case string:
		return r.render(t, f)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			rv, err := r.renderValue(e, f)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			rv, err := r.renderValue(e, f)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}

func (r *runner) autoSelect(ctx context.Context, sc *scope, f *frame, info core.StepInfo, st *AutoSelect) (core.StepResult, error) {
	m, err := r.model(sc, st.StepConfig)
	if err != nil {
		return core.StepResult{}, err
	}
	prompt, err := r.prompt(sc, f, st.StepConfig, st.Prompt)
	if err != nil {
		return core.StepResult{}, err
	}

	var servers []core.ServerHandle
	if len(st.Servers) == 0 {
		servers = r.engine.Registry().List()
	}
	for _, h := range st.Servers {
		rh, err := r.resolve(h)
		if err != nil {
			return core.StepResult{}, err
		}
		servers = append(servers, rh)
	}

	maxIter := sc.set.maxTools
	if st.MaxIterations > 0 {
		maxIter = st.MaxIterations
	}
	toolRetry := policy.Merge(sc.set.toolRetry, st.ToolRetry)
	toolTimeout := policy.MergeTimeout(sc.set.toolTimeout, st.ToolTimeout)

	res, err := r.engine.Loop().Run(ctx, flow.Request{
		Prompt:          prompt,
		System:          system(sc, st.StepConfig),
		Servers:         servers,
		MaxIterations:   maxIter,
		Model:           m,
		ModelRetry:      policy.Merge(sc.set.modelRetry, st.Retry),
		ModelTimeout:    policy.MergeTimeout(sc.set.modelTimeout, st.Timeout),
		ToolRetry:       &toolRetry,
		ToolTimeout:     &toolTimeout,
		ForceSequential: sc.set.sequential || st.Sequential,
		Observer: func(ctx context.Context, rec core.ToolCallRecord) error {
			r.notifier.ToolCall(ctx, info, rec)
			return nil
		},
	})
	if err != nil {
		return core.StepResult{}, err
	}
	res.Prompt = prompt
	return res, nil
}

func (r *runner) delegate(ctx context.Context, sc *scope, f *frame, info core.StepInfo, st *Delegate) (core.StepResult, error) {
	m, err := r.model(sc, st.StepConfig)
	if err != nil {
		return core.StepResult{}, err
	}
	prompt, err := r.prompt(sc, f, st.StepConfig, st.Prompt)
	if err != nil {
		return core.StepResult{}, err
	}

	children := make([]agent.Child, len(st.Children))
	for i, w := range st.Children {
		children[i] = &nestedChild{runner: r, parent: sc, workflow: w, stepID: info.StepID}
	}

	maxIter := sc.set.maxDelegates
	if st.MaxIterations > 0 {
		maxIter = st.MaxIterations
	}

	res, err := r.engine.Coordinator().Run(ctx, agent.Request{
		Prompt:        prompt,
		Children:      children,
		MaxIterations: maxIter,
		Model:         m,
		Vars:          r.vars,
		ModelRetry:    policy.Merge(sc.set.modelRetry, st.Retry),
		ModelTimeout:  policy.MergeTimeout(sc.set.modelTimeout, st.Timeout),
	})
	if err != nil {
		return core.StepResult{}, err
	}
	res.Prompt = prompt
	return res, nil
}

// nestedChild runs a delegated workflow inside the current run, so its steps
// reach the run's observers with local numbering.
type nestedChild struct {
	runner   *runner
	parent   *scope
	workflow *Workflow
	stepID   string
}

func (c *nestedChild) Name() string        { return c.workflow.Name() }
func (c *nestedChild) Description() string { return c.workflow.Description() }

func (c *nestedChild) RunNested(ctx context.Context, task string) (agent.Outcome, error) {
	sc := c.parent.child(c.workflow)
	f := newFrame(task)
	err := c.runner.execSteps(ctx, sc, f, c.stepID+"/"+c.workflow.Name()+":", c.workflow.Steps())
	return agent.Outcome{Text: core.LastText(f.trace), Results: f.trace}, err
}
