package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/logging"
	"github.com/hupe1980/agentflow/model"
	"github.com/hupe1980/agentflow/policy"
	"github.com/hupe1980/agentflow/telemetry"
)

// DefaultMaxIterations bounds coordinator turns when unset.
const DefaultMaxIterations = 5

// Outcome is what a nested child run produced.
type Outcome struct {
	Text    string
	Results []core.StepResult
}

// Child is a workflow the coordinator may delegate to.
type Child interface {
	Name() string
	Description() string
	// RunNested executes the child for task with its own step numbering.
	RunNested(ctx context.Context, task string) (Outcome, error)
}

// Options configures a Coordinator.
type Options struct {
	MaxIterations int
	Instruction   Instruction
	Logger        logging.Logger
	Recorder      telemetry.Recorder
}

// Request describes one Delegate step.
type Request struct {
	Prompt        string
	Children      []Child
	MaxIterations int
	Model         model.Model
	Vars          map[string]any

	ModelRetry   policy.RetryPolicy
	ModelTimeout policy.TimeoutSpec
}

// Coordinator runs Delegate steps.
type Coordinator struct {
	opts Options
}

// NewCoordinator creates a coordinator.
func NewCoordinator(optFns ...func(o *Options)) *Coordinator {
	opts := Options{
		MaxIterations: DefaultMaxIterations,
		Instruction:   NewInstructionFromText(DefaultInstruction),
		Logger:        logging.NoOpLogger{},
		Recorder:      telemetry.NoopRecorder{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.Instruction.IsZero() {
		opts.Instruction = NewInstructionFromText(DefaultInstruction)
	}
	return &Coordinator{opts: opts}
}

// Run loops until the coordinator declares completion or the iteration cap is
// reached. At the cap the last delegated output (or coordinator text) is the
// step's text.
func (c *Coordinator) Run(ctx context.Context, req Request) (core.StepResult, error) {
	start := time.Now()
	res := core.StepResult{Kind: core.KindDelegate, Prompt: req.Prompt}

	if req.Model == nil {
		return res, &core.ConfigError{Field: "model", Message: "delegate step needs a model"}
	}
	if len(req.Children) == 0 {
		return res, &core.ConfigError{Field: "children", Message: "delegate step needs at least one child workflow"}
	}

	children, infos, err := index(req.Children)
	if err != nil {
		return res, err
	}

	system, err := c.opts.Instruction.Resolve(ctx, InstructionData{Children: infos, Vars: req.Vars})
	if err != nil {
		return res, &core.ConfigError{Field: "instruction", Message: err.Error()}
	}

	max := c.opts.MaxIterations
	if req.MaxIterations > 0 {
		max = req.MaxIterations
	}

	conv := model.Request{System: system, Messages: []core.Message{core.NewTextMessage(core.RoleUser, req.Prompt)}}
	var lastOutput string

	for iter := 1; iter <= max; iter++ {
		res.Iterations = iter

		resp, dur, err := c.generate(ctx, req, conv)
		res.ModelTime += dur
		res.Usage = res.Usage.Add(resp.Usage)
		if err != nil {
			return res, err
		}
		conv.Messages = append(conv.Messages, core.NewTextMessage(core.RoleAssistant, resp.Text))
		lastOutput = resp.Text

		d := ParseDirective(resp.Text)
		if d.Done {
			c.opts.Logger.Debug("agent.coordinator.done", "iterations", iter)
			res.Text = d.Answer
			res.Duration = time.Since(start)
			return res, nil
		}

		child, ok := children[d.Delegate]
		if !ok {
			c.opts.Logger.Warn("agent.coordinator.unknown_child", "child", d.Delegate)
			conv.Messages = append(conv.Messages, core.NewTextMessage(core.RoleUser,
				fmt.Sprintf("There is no agent named %q. Choose one of: %s.", d.Delegate, names(infos))))
			continue
		}

		task := d.Task
		if task == "" {
			task = req.Prompt
		}

		del, err := c.delegate(ctx, child, task)
		res.Delegations = append(res.Delegations, del)
		if n := len(del.Results); n > 0 {
			last := del.Results[n-1]
			res.ModelTime += last.CumulativeModelTime
			res.ToolTime += last.CumulativeToolTime
		}
		if err != nil {
			return res, err
		}

		lastOutput = del.Output
		conv.Messages = append(conv.Messages, core.NewTextMessage(core.RoleUser,
			fmt.Sprintf("Result from %s:\n%s", child.Name(), del.Output)))
	}

	c.opts.Logger.Warn("agent.coordinator.iteration_cap", "max_iterations", max)
	res.Text = lastOutput
	res.Duration = time.Since(start)
	return res, nil
}

func (c *Coordinator) delegate(ctx context.Context, child Child, task string) (core.Delegation, error) {
	c.opts.Logger.Info("agent.delegate.start", "child", child.Name())
	start := time.Now()

	out, err := child.RunNested(ctx, task)
	del := core.Delegation{
		Child:     child.Name(),
		Task:      task,
		Output:    out.Text,
		ToolCalls: core.AllToolCalls(out.Results),
		Results:   out.Results,
		Duration:  time.Since(start),
	}

	if err != nil {
		c.opts.Logger.Error("agent.delegate.failed", "child", child.Name(), "error", err.Error())
		return del, err
	}
	c.opts.Logger.Info("agent.delegate.completed", "child", child.Name(), "steps", len(out.Results), "duration_ms", del.Duration.Milliseconds())
	return del, nil
}

func (c *Coordinator) generate(ctx context.Context, req Request, conv model.Request) (model.Response, time.Duration, error) {
	info := req.Model.Info()
	attrs := telemetry.Attributes{"model": info.Name, "provider": info.Provider, "role": "coordinator"}
	spanCtx, span := c.opts.Recorder.StartSpan(ctx, telemetry.SpanModel, attrs)

	start := time.Now()
	resp, err := policy.Do(spanCtx, req.ModelRetry, req.ModelTimeout, "model "+info.Name, func(ctx context.Context) (model.Response, error) {
		return req.Model.Generate(ctx, conv)
	})
	dur := time.Since(start)

	c.opts.Recorder.EndSpan(span, err)
	c.opts.Recorder.RecordMetric(ctx, telemetry.MetricModelTokens, float64(resp.Usage.Total), attrs)
	return resp, dur, err
}

func index(children []Child) (map[string]Child, []ChildInfo, error) {
	byName := make(map[string]Child, len(children))
	infos := make([]ChildInfo, 0, len(children))
	for _, ch := range children {
		if _, dup := byName[ch.Name()]; dup {
			return nil, nil, &core.ConfigError{Field: "children", Message: fmt.Sprintf("duplicate child %q", ch.Name())}
		}
		byName[ch.Name()] = ch
		infos = append(infos, ChildInfo{Name: ch.Name(), Description: ch.Description()})
	}
	return byName, infos, nil
}

func names(infos []ChildInfo) string {
	out := make([]string, len(infos))
	for i, in := range infos {
		out[i] = in.Name
	}
	sort.Strings(out)
	return strings.Join(out, ", ")
}
