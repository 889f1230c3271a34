package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hupe1980/agentflow/classify"
	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/discovery"
	"github.com/hupe1980/agentflow/model"
	"github.com/hupe1980/agentflow/policy"
	"github.com/hupe1980/agentflow/telemetry"
)

// Run executes one AutoSelect step. Tool failures reported by a tool are fed
// back to the model; argument validation failures, unknown tools and
// exhausted transport failures end the step with an error.
func (l *Loop) Run(ctx context.Context, req Request) (core.StepResult, error) {
	start := time.Now()
	res := core.StepResult{Kind: core.KindAutoSelect, Prompt: req.Prompt}

	if req.Model == nil {
		return res, &core.ConfigError{Field: "model", Message: "auto-select step needs a model"}
	}

	catalog, err := l.catalogs.DiscoverAll(ctx, req.Servers)
	if err != nil {
		return res, err
	}
	if catalog.Len() == 0 {
		l.opts.Logger.Warn("flow.autoselect.no_tools", "servers", len(req.Servers))
		res.Text = NoToolsText
		res.Duration = time.Since(start)
		return res, nil
	}

	specs, err := toolSpecs(catalog)
	if err != nil {
		return res, err
	}

	max := l.opts.MaxIterations
	if req.MaxIterations > 0 {
		max = req.MaxIterations
	}

	conv := model.Request{System: req.System, Messages: []core.Message{core.NewTextMessage(core.RoleUser, req.Prompt)}}
	exec := &batchExecutor{loop: l, req: req}

	for iter := 1; iter <= max; iter++ {
		res.Iterations = iter

		resp, dur, err := l.generate(ctx, req, conv, specs)
		res.ModelTime += dur
		res.Usage = res.Usage.Add(resp.Usage)
		if err != nil {
			return res, err
		}
		if resp.Text != "" {
			res.Text = resp.Text
		}

		if len(resp.ToolCalls) == 0 {
			l.opts.Logger.Debug("flow.autoselect.done", "iterations", iter)
			break
		}

		calls, defs, err := l.resolve(catalog, resp.ToolCalls)
		if err != nil {
			return res, err
		}
		conv.Messages = append(conv.Messages, model.Response{Text: resp.Text, ToolCalls: calls}.Message())

		groups := classify.Classify(calls, l.classifyPolicy(req))
		toolStart := time.Now()
		records, err := exec.run(ctx, groups, defs)
		res.ToolTime += time.Since(toolStart)
		res.ToolCalls = append(res.ToolCalls, records...)
		if err != nil {
			return res, err
		}

		for _, rec := range records {
			conv.Messages = append(conv.Messages, toolResultMessage(rec))
		}

		if iter == max {
			l.opts.Logger.Warn("flow.autoselect.iteration_cap", "max_iterations", max, "pending_calls", len(calls))
		}
	}

	res.Duration = time.Since(start)
	return res, nil
}

func (l *Loop) generate(ctx context.Context, req Request, conv model.Request, specs []model.ToolSpec) (model.Response, time.Duration, error) {
	info := req.Model.Info()
	attrs := telemetry.Attributes{"model": info.Name, "provider": info.Provider, "tools": len(specs)}
	spanCtx, span := l.opts.Recorder.StartSpan(ctx, telemetry.SpanModel, attrs)

	start := time.Now()
	resp, err := policy.Do(spanCtx, req.ModelRetry, req.ModelTimeout, "model "+info.Name, func(ctx context.Context) (model.Response, error) {
		return req.Model.GenerateWithTools(ctx, conv, specs)
	})
	dur := time.Since(start)

	l.opts.Recorder.EndSpan(span, err)
	l.opts.Recorder.RecordMetric(ctx, telemetry.MetricModelTokens, float64(resp.Usage.Total), attrs)
	if err != nil {
		l.opts.Logger.Error("flow.model.failed", "model", info.Name, "duration_ms", dur.Milliseconds(), "error", err.Error())
	} else {
		l.opts.Logger.Debug("flow.model.completed", "model", info.Name, "duration_ms", dur.Milliseconds(), "tool_calls", len(resp.ToolCalls))
	}
	return resp, dur, err
}

// resolve maps proposed calls onto definitions and validates every call of
// the batch before any of them runs.
func (l *Loop) resolve(catalog *discovery.Catalog, proposed []core.ToolCall) ([]core.ToolCall, []core.ToolDefinition, error) {
	calls := make([]core.ToolCall, len(proposed))
	defs := make([]core.ToolDefinition, len(proposed))

	for i, c := range proposed {
		def, ok := catalog.Lookup(c.Name)
		if !ok {
			return nil, nil, &core.ValidationError{Tool: c.Name, Message: "model proposed an unknown tool"}
		}
		if c.ID == "" {
			c.ID = core.NewID()
		}
		if err := l.invoker.Validate(def, c.Arguments); err != nil {
			l.opts.Logger.Warn("flow.tool.invalid_arguments", "tool", c.Name, "error", err.Error())
			return nil, nil, err
		}
		calls[i], defs[i] = c, def
	}

	return calls, defs, nil
}

func toolSpecs(catalog *discovery.Catalog) ([]model.ToolSpec, error) {
	defs := catalog.Definitions()
	specs := make([]model.ToolSpec, 0, len(defs))
	for _, d := range defs {
		params := map[string]any{"type": "object"}
		if len(d.InputSchema) > 0 {
			if err := json.Unmarshal(d.InputSchema, &params); err != nil {
				return nil, &core.ConfigError{Field: "input_schema", Message: fmt.Sprintf("tool %s: %v", d.QualifiedName(), err)}
			}
		}
		specs = append(specs, model.ToolSpec{Name: d.QualifiedName(), Description: d.Description, Parameters: params})
	}
	return specs, nil
}

func toolResultMessage(rec core.ToolCallRecord) core.Message {
	content := rec.Output
	if rec.Failed() {
		content = rec.Error
	}
	return core.Message{
		Role:  core.RoleTool,
		Parts: []core.Part{core.ToolResultPart{CallID: rec.ID, Name: rec.Name, Content: content, IsError: rec.Failed()}},
	}
}

func (l *Loop) classifyPolicy(req Request) classify.Policy {
	p := l.opts.Classify
	if req.ForceSequential {
		p.ForceSequential = true
	}
	return p
}
