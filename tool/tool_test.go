package tool

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/internal/testutil"
	"github.com/hupe1980/agentflow/policy"
	"github.com/hupe1980/agentflow/pool"
	"github.com/hupe1980/agentflow/session"
	"github.com/hupe1980/agentflow/telemetry"
)

const ticketSchema = `{
	"type": "object",
	"properties": {
		"id": {"type": "integer", "minimum": 1},
		"note": {"type": "string"}
	},
	"required": ["id"]
}`

func ticketDef() core.ToolDefinition {
	return core.ToolDefinition{Name: "close_ticket", InputSchema: json.RawMessage(ticketSchema), Server: core.InProcessServer("tracker")}
}

func TestValidator(t *testing.T) {
	v := NewValidator()
	def := ticketDef()

	assert.NoError(t, v.Validate(def, map[string]any{"id": 7}))
	assert.NoError(t, v.Validate(def, map[string]any{"id": 7.0, "note": "done"}))

	err := v.Validate(def, map[string]any{"note": "missing id"})
	var ve *core.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "tracker__close_ticket", ve.Tool)

	err = v.Validate(def, map[string]any{"id": "seven"})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "/id", ve.Field)
	assert.Equal(t, "seven", ve.Value)

	err = v.Validate(def, map[string]any{"id": 0})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "/id", ve.Field)

	assert.Equal(t, 1, v.Len())
	assert.NoError(t, v.Validate(core.ToolDefinition{Name: "free"}, map[string]any{"anything": true}))
}

func TestValidator_BrokenSchema(t *testing.T) {
	v := NewValidator()
	def := core.ToolDefinition{Name: "bad", InputSchema: json.RawMessage(`{"type": 12}`)}

	var ve *core.ValidationError
	assert.ErrorAs(t, v.Validate(def, nil), &ve)
	assert.ErrorAs(t, v.Validate(def, nil), &ve)
	assert.Zero(t, v.Len())
}

type fixture struct {
	dialer  *session.MCPDialer
	pool    *pool.Pool
	invoker *Invoker
	rec     *telemetry.MemoryRecorder
}

func newFixture(t *testing.T, optFns ...func(o *Options)) *fixture {
	t.Helper()
	d := session.NewDialer()
	p := pool.New(d, func(o *pool.Options) { o.SweepInterval = 0 })
	t.Cleanup(func() { _ = p.Close() })

	rec := telemetry.NewMemoryRecorder()
	fns := append([]func(o *Options){func(o *Options) { o.Recorder = rec }}, optFns...)
	return &fixture{dialer: d, pool: p, invoker: NewInvoker(p, fns...), rec: rec}
}

func (f *fixture) definition(t *testing.T, h core.ServerHandle, name string) core.ToolDefinition {
	t.Helper()
	ps, err := f.pool.Acquire(context.Background(), h)
	require.NoError(t, err)
	defer func() { _ = f.pool.Release(ps) }()

	defs, err := ps.ListTools(context.Background())
	require.NoError(t, err)
	for _, d := range defs {
		if d.Name == name {
			return d
		}
	}
	t.Fatalf("tool %s not listed", name)
	return core.ToolDefinition{}
}

func TestInvoker_LocalFunctionTool(t *testing.T) {
	f := newFixture(t)

	type sumArgs struct {
		A float64 `json:"a"`
		B float64 `json:"b"`
	}
	sum := NewFunctionToolFromStruct("sum", "Add two numbers", sumArgs{}, func(_ context.Context, args map[string]any) (any, error) {
		return map[string]any{"total": args["a"].(float64) + args["b"].(float64)}, nil
	})
	h := NewLocalServer("math", sum).Mount(f.dialer)

	def := f.definition(t, h, "sum")
	rec, err := f.invoker.Invoke(context.Background(), def, core.ToolCall{ID: "c1", Name: "sum", Arguments: map[string]any{"a": 1, "b": 2}})
	require.NoError(t, err)

	assert.Equal(t, "c1", rec.ID)
	assert.Equal(t, "math__sum", rec.Name)
	assert.Equal(t, "math", rec.Server)
	assert.JSONEq(t, `{"total":3}`, rec.Output)
	assert.False(t, rec.Failed())
	assert.Positive(t, rec.Duration)

	assert.Len(t, f.rec.Spans(telemetry.SpanTool), 1)
	assert.Len(t, f.rec.Metrics(telemetry.MetricToolCalls), 1)
	assert.Equal(t, 1, f.pool.Stats().Idle)
}

func TestInvoker_ValidationFailureMakesNoCall(t *testing.T) {
	f := newFixture(t)
	fs := testutil.NewToolServer("tracker").Tool("close_ticket", ticketSchema, func(context.Context, map[string]any) (string, error) {
		return "closed", nil
	}).Build()
	f.dialer.RegisterInProcess("tracker", fs.Server)

	def := f.definition(t, core.InProcessServer("tracker"), "close_ticket")
	rec, err := f.invoker.Invoke(context.Background(), def, core.ToolCall{Name: "close_ticket", Arguments: map[string]any{"id": "x"}})

	var ve *core.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.True(t, rec.Failed())
	assert.NotEmpty(t, rec.ID)
	assert.Zero(t, fs.CallCount(""))
	assert.Empty(t, f.rec.Spans(telemetry.SpanTool))
}

func TestInvoker_ToolErrorIsNotRetried(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.Retry = policy.RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond}
	})
	fs := testutil.NewToolServer("tracker").Failing("reopen", "ticket is archived").Build()
	f.dialer.RegisterInProcess("tracker", fs.Server)

	def := f.definition(t, core.InProcessServer("tracker"), "reopen")
	rec, err := f.invoker.Invoke(context.Background(), def, core.ToolCall{Name: "reopen"})

	var tie *core.ToolInvocationError
	require.ErrorAs(t, err, &tie)
	assert.Equal(t, "reopen", tie.Tool)
	assert.ErrorIs(t, err, ErrToolReported)
	assert.Contains(t, rec.Error, "ticket is archived")
	assert.Equal(t, 1, fs.CallCount("reopen"))
}

func TestInvoker_PanickingFunctionIsReported(t *testing.T) {
	f := newFixture(t)
	boom := NewFunctionTool("boom", "always panics", nil, func(context.Context, map[string]any) (any, error) {
		panic("kaboom")
	})
	h := NewLocalServer("danger", boom).Mount(f.dialer)

	def := f.definition(t, h, "boom")
	_, err := f.invoker.Invoke(context.Background(), def, core.ToolCall{Name: "boom"})

	var tie *core.ToolInvocationError
	require.ErrorAs(t, err, &tie)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestInvoker_TimeoutPerCall(t *testing.T) {
	f := newFixture(t)
	fs := testutil.NewToolServer("slow").Slow("wait", 500*time.Millisecond).Build()
	f.dialer.RegisterInProcess("slow", fs.Server)

	def := f.definition(t, core.InProcessServer("slow"), "wait")
	start := time.Now()
	_, err := f.invoker.Invoke(context.Background(), def, core.ToolCall{Name: "wait"}, func(o *CallOptions) {
		o.Timeout = &policy.TimeoutSpec{PerAttempt: 30 * time.Millisecond}
	})

	var te *core.TimeoutError
	require.ErrorAs(t, err, &te)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}

func TestFunctionTool_Call(t *testing.T) {
	tl := NewFunctionTool("greet", "says hi", map[string]any{"type": "object"}, func(_ context.Context, args map[string]any) (any, error) {
		if args["name"] == nil {
			return nil, errors.New("name required")
		}
		return "hi " + args["name"].(string), nil
	})

	assert.Equal(t, "greet", tl.Name())
	assert.Equal(t, "says hi", tl.Description())
	assert.Equal(t, "object", tl.Parameters()["type"])

	out, err := tl.Call(context.Background(), map[string]any{"name": "ada"})
	require.NoError(t, err)
	assert.Equal(t, "hi ada", out)

	_, err = tl.Call(context.Background(), nil)
	assert.EqualError(t, err, "name required")
}
