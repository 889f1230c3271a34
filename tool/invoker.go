package tool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/logging"
	"github.com/hupe1980/agentflow/policy"
	"github.com/hupe1980/agentflow/pool"
	"github.com/hupe1980/agentflow/session"
	"github.com/hupe1980/agentflow/telemetry"
)

// ErrToolReported marks a failure the tool server reported in its result, as
// opposed to a transport or protocol failure. Such results are never retried.
var ErrToolReported = errors.New("tool reported an error")

// Options configures an Invoker.
type Options struct {
	// Retry is the default policy applied to each call.
	Retry policy.RetryPolicy
	// Timeout bounds a single attempt.
	Timeout  policy.TimeoutSpec
	Logger   logging.Logger
	Recorder telemetry.Recorder
}

// CallOptions overrides invoker defaults for one call.
type CallOptions struct {
	Retry   *policy.RetryPolicy
	Timeout *policy.TimeoutSpec
}

// Invoker executes tool calls through the connection pool.
type Invoker struct {
	pool      *pool.Pool
	validator *Validator
	opts      Options
}

// NewInvoker creates an invoker backed by p.
func NewInvoker(p *pool.Pool, optFns ...func(o *Options)) *Invoker {
	opts := Options{
		Retry:    policy.NoRetry,
		Logger:   logging.NoOpLogger{},
		Recorder: telemetry.NoopRecorder{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Invoker{pool: p, validator: NewValidator(), opts: opts}
}

// Validate checks call arguments without touching the network.
func (i *Invoker) Validate(def core.ToolDefinition, args map[string]any) error {
	return i.validator.Validate(def, args)
}

// Invoke validates and executes call against def's server. The returned
// record is populated even when the call fails. Failures reported by the tool
// itself come back as *core.ToolInvocationError and are not retried;
// transport failures are retried per policy.
func (i *Invoker) Invoke(ctx context.Context, def core.ToolDefinition, call core.ToolCall, optFns ...func(o *CallOptions)) (core.ToolCallRecord, error) {
	co := CallOptions{}
	for _, fn := range optFns {
		fn(&co)
	}

	rec := core.ToolCallRecord{
		ID:        call.ID,
		Name:      def.QualifiedName(),
		Server:    def.Server.Name,
		Arguments: call.Arguments,
	}
	if rec.ID == "" {
		rec.ID = core.NewID()
	}

	if err := i.Validate(def, call.Arguments); err != nil {
		rec.Error = err.Error()
		i.opts.Logger.Warn("tool.call.validation_failed", "tool", rec.Name, "error", err.Error())
		return rec, err
	}

	retry := policy.Merge(i.opts.Retry, co.Retry)
	timeout := policy.MergeTimeout(i.opts.Timeout, co.Timeout)

	attrs := telemetry.Attributes{"tool": def.Name, "server": def.Server.String()}
	spanCtx, span := i.opts.Recorder.StartSpan(ctx, telemetry.SpanTool, attrs)

	i.opts.Logger.Debug("tool.call.start", "tool", rec.Name, "call_id", rec.ID)
	start := time.Now()

	res, err := policy.Do(spanCtx, retry, timeout, "tool "+rec.Name, func(ctx context.Context) (session.Result, error) {
		return i.attempt(ctx, def, call.Arguments)
	})

	rec.Duration = time.Since(start)
	if err == nil && res.IsError {
		err = &core.ToolInvocationError{Provider: def.Server.String(), Tool: def.Name, Message: res.Text, Err: ErrToolReported}
	}
	rec.Output = res.Text
	rec.Structured = res.Structured
	if err != nil {
		rec.Error = err.Error()
	}

	i.opts.Recorder.EndSpan(span, err)
	i.opts.Recorder.RecordMetric(ctx, telemetry.MetricToolDuration, float64(rec.Duration.Milliseconds()), attrs)
	i.opts.Recorder.RecordMetric(ctx, telemetry.MetricToolCalls, 1, attrs)

	switch wl, ok := i.opts.Logger.(*logging.WorkflowLogger); {
	case ok:
		wl.LogToolCall(def.Server.Name, def.Name, rec.Duration, err)
	case err != nil:
		i.opts.Logger.Error("tool.call.failed", "tool", rec.Name, "call_id", rec.ID, "duration_ms", rec.Duration.Milliseconds(), "error", err.Error())
	default:
		i.opts.Logger.Info("tool.call.completed", "tool", rec.Name, "call_id", rec.ID, "duration_ms", rec.Duration.Milliseconds())
	}
	return rec, err
}

// attempt runs one call on a pooled session. A transport failure discards
// the session since its state is unknown.
func (i *Invoker) attempt(ctx context.Context, def core.ToolDefinition, args map[string]any) (res session.Result, err error) {
	ps, err := i.pool.Acquire(ctx, def.Server)
	if err != nil {
		return session.Result{}, err
	}

	defer func() {
		if r := recover(); r != nil {
			err = &core.ToolInvocationError{Provider: def.Server.String(), Tool: def.Name, Message: fmt.Sprintf("panic: %v", r)}
			_ = i.pool.Discard(ps)
		}
	}()

	res, err = ps.CallTool(ctx, def.Name, args)
	if err != nil {
		_ = i.pool.Discard(ps)
		var tie *core.ToolInvocationError
		if errors.As(err, &tie) {
			return session.Result{}, err
		}
		return session.Result{}, &core.ToolInvocationError{Provider: def.Server.String(), Tool: def.Name, Err: err}
	}

	if rerr := i.pool.Release(ps); rerr != nil {
		i.opts.Logger.Warn("tool.session.release_failed", "server", def.Server.String(), "error", rerr.Error())
	}
	return res, nil
}
