package flow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentflow/classify"
	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/discovery"
	"github.com/hupe1980/agentflow/internal/testutil"
	"github.com/hupe1980/agentflow/model"
	"github.com/hupe1980/agentflow/pool"
	"github.com/hupe1980/agentflow/session"
	"github.com/hupe1980/agentflow/tool"
)

type harness struct {
	dialer *session.MCPDialer
	loop   *Loop
}

func newHarness(t *testing.T, optFns ...func(o *Options)) *harness {
	t.Helper()
	d := session.NewDialer()
	p := pool.New(d, func(o *pool.Options) { o.SweepInterval = 0 })
	t.Cleanup(func() { _ = p.Close() })

	cache := discovery.New(discovery.PoolFetcher(p))
	return &harness{dialer: d, loop: NewLoop(cache, tool.NewInvoker(p), optFns...)}
}

func (h *harness) mount(fs *testutil.FakeServer) core.ServerHandle {
	h.dialer.RegisterInProcess(fs.Name, fs.Server)
	return core.InProcessServer(fs.Name)
}

func callTool(name string, args map[string]any) model.Response {
	return model.Response{ToolCalls: []core.ToolCall{{Name: name, Arguments: args}}, FinishReason: "tool_calls"}
}

func TestLoop_ExecutesToolAndFeedsResultBack(t *testing.T) {
	h := newHarness(t)
	srv := h.mount(testutil.NewToolServer("files").Echo("read").Build())

	m := model.NewMockModel("m", "mock").Enqueue(
		callTool("files__read", map[string]any{"path": "a.txt"}),
		model.Response{Text: "a.txt says hello"},
	)

	res, err := h.loop.Run(context.Background(), Request{Prompt: "read a.txt", Servers: []core.ServerHandle{srv}, Model: m})
	require.NoError(t, err)

	assert.Equal(t, core.KindAutoSelect, res.Kind)
	assert.Equal(t, "a.txt says hello", res.Text)
	assert.Equal(t, 2, res.Iterations)
	require.Len(t, res.ToolCalls, 1)
	assert.Equal(t, `read:{"path":"a.txt"}`, res.ToolCalls[0].Output)
	assert.Positive(t, res.ToolTime)

	calls := m.Calls()
	require.Len(t, calls, 2)
	require.Len(t, calls[0].Tools, 1)
	assert.Equal(t, "files__read", calls[0].Tools[0].Name)

	msgs := calls[1].Request.Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, core.RoleAssistant, msgs[1].Role)
	assert.Equal(t, core.RoleTool, msgs[2].Role)
	part := msgs[2].Parts[0].(core.ToolResultPart)
	assert.Equal(t, res.ToolCalls[0].ID, part.CallID)
	assert.Equal(t, `read:{"path":"a.txt"}`, part.Content)
}

func TestLoop_NoToolsAvailable(t *testing.T) {
	h := newHarness(t)
	srv := h.mount(testutil.NewToolServer("empty").Build())
	m := model.NewMockModel("m", "mock")

	res, err := h.loop.Run(context.Background(), Request{Prompt: "x", Servers: []core.ServerHandle{srv}, Model: m})
	require.NoError(t, err)
	assert.Equal(t, NoToolsText, res.Text)
	assert.Empty(t, m.Calls())
}

func TestLoop_InvalidArgumentsAreFatalAndNeverSent(t *testing.T) {
	h := newHarness(t)
	fs := testutil.NewToolServer("tracker").
		Tool("close", `{"type":"object","properties":{"id":{"type":"integer"}},"required":["id"]}`,
			func(context.Context, map[string]any) (string, error) { return "closed", nil }).
		Build()
	srv := h.mount(fs)

	m := model.NewMockModel("m", "mock").Enqueue(
		model.Response{ToolCalls: []core.ToolCall{
			{Name: "tracker__close", Arguments: map[string]any{"id": 1}},
			{Name: "tracker__close", Arguments: map[string]any{"id": "two"}},
		}},
	)

	_, err := h.loop.Run(context.Background(), Request{Prompt: "close", Servers: []core.ServerHandle{srv}, Model: m})
	var ve *core.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Zero(t, fs.CallCount(""))
}

func TestLoop_UnknownToolIsFatal(t *testing.T) {
	h := newHarness(t)
	srv := h.mount(testutil.NewToolServer("files").Echo("read").Build())
	m := model.NewMockModel("m", "mock").Enqueue(callTool("files__delete", nil))

	_, err := h.loop.Run(context.Background(), Request{Prompt: "x", Servers: []core.ServerHandle{srv}, Model: m})
	var ve *core.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestLoop_ToolReportedErrorIsFedBack(t *testing.T) {
	h := newHarness(t)
	srv := h.mount(testutil.NewToolServer("tracker").Failing("reopen", "archived").Build())
	m := model.NewMockModel("m", "mock").Enqueue(
		callTool("tracker__reopen", nil),
		model.Response{Text: "could not reopen"},
	)

	res, err := h.loop.Run(context.Background(), Request{Prompt: "reopen", Servers: []core.ServerHandle{srv}, Model: m})
	require.NoError(t, err)
	assert.Equal(t, "could not reopen", res.Text)
	require.Len(t, res.ToolCalls, 1)
	assert.True(t, res.ToolCalls[0].Failed())

	part := m.Calls()[1].Request.Messages[2].Parts[0].(core.ToolResultPart)
	assert.True(t, part.IsError)
	assert.Contains(t, part.Content, "archived")
}

func batchOfThree() model.Response {
	return model.Response{ToolCalls: []core.ToolCall{
		{Name: "issues__get", Arguments: map[string]any{"id": 1}},
		{Name: "issues__get", Arguments: map[string]any{"id": 2}},
		{Name: "issues__get", Arguments: map[string]any{"id": 3}},
	}}
}

func TestLoop_ParallelSafeGroupRunsConcurrently(t *testing.T) {
	h := newHarness(t)
	fs := testutil.NewToolServer("issues").Slow("get", 80*time.Millisecond).Build()
	srv := h.mount(fs)
	m := model.NewMockModel("m", "mock").Enqueue(batchOfThree(), model.Response{Text: "done"})

	res, err := h.loop.Run(context.Background(), Request{Prompt: "x", Servers: []core.ServerHandle{srv}, Model: m})
	require.NoError(t, err)
	assert.Greater(t, fs.MaxInFlight(), 1)

	require.Len(t, res.ToolCalls, 3)
	for i, rec := range res.ToolCalls {
		assert.Equal(t, i+1, rec.Arguments["id"], "records keep proposal order")
	}
}

func TestLoop_ForceSequential(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Classify = classify.Policy{ForceSequential: true} })
	fs := testutil.NewToolServer("issues").Slow("get", 10*time.Millisecond).Build()
	srv := h.mount(fs)
	m := model.NewMockModel("m", "mock").Enqueue(batchOfThree(), model.Response{Text: "done"})

	_, err := h.loop.Run(context.Background(), Request{Prompt: "x", Servers: []core.ServerHandle{srv}, Model: m})
	require.NoError(t, err)
	assert.Equal(t, 1, fs.MaxInFlight())

	calls := fs.Calls()
	require.Len(t, calls, 3)
	for i := 1; i < len(calls); i++ {
		assert.False(t, calls[i].Start.Before(calls[i-1].End))
	}
}

func TestLoop_RequestCanForceSequential(t *testing.T) {
	h := newHarness(t)
	fs := testutil.NewToolServer("issues").Slow("get", 10*time.Millisecond).Build()
	srv := h.mount(fs)
	m := model.NewMockModel("m", "mock").Enqueue(batchOfThree(), model.Response{Text: "done"})

	_, err := h.loop.Run(context.Background(), Request{Prompt: "x", Servers: []core.ServerHandle{srv}, Model: m, ForceSequential: true})
	require.NoError(t, err)
	assert.Equal(t, 1, fs.MaxInFlight())
	assert.Equal(t, 3, fs.CallCount("get"))
}

func TestLoop_IterationCapReturnsLastText(t *testing.T) {
	h := newHarness(t)
	fs := testutil.NewToolServer("loop").Echo("again").Build()
	srv := h.mount(fs)

	var turns atomic.Int32
	m := model.NewMockModel("m", "mock").WithHandler(func(context.Context, model.Request, []model.ToolSpec) (model.Response, error) {
		n := turns.Add(1)
		resp := callTool("loop__again", map[string]any{"n": n})
		if n == 2 {
			resp.Text = "still working"
		}
		return resp, nil
	})

	res, err := h.loop.Run(context.Background(), Request{Prompt: "x", Servers: []core.ServerHandle{srv}, Model: m, MaxIterations: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Iterations)
	assert.Equal(t, "still working", res.Text)
	assert.Equal(t, 3, fs.CallCount("again"))
}

func TestLoop_ObserverFailuresAreIgnored(t *testing.T) {
	h := newHarness(t)
	srv := h.mount(testutil.NewToolServer("files").Echo("read").Build())
	m := model.NewMockModel("m", "mock").Enqueue(
		model.Response{ToolCalls: []core.ToolCall{
			{Name: "files__read", Arguments: map[string]any{"path": "a"}},
			{Name: "files__read", Arguments: map[string]any{"path": "b"}},
		}},
		model.Response{Text: "ok"},
	)

	var seen atomic.Int32
	observer := func(_ context.Context, rec core.ToolCallRecord) error {
		if seen.Add(1) == 1 {
			return errors.New("observer broke")
		}
		panic("observer panicked")
	}

	res, err := h.loop.Run(context.Background(), Request{Prompt: "x", Servers: []core.ServerHandle{srv}, Model: m, Observer: observer})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Text)
	assert.Equal(t, int32(2), seen.Load())
}

func TestLoop_ModelErrorSurfaces(t *testing.T) {
	h := newHarness(t)
	srv := h.mount(testutil.NewToolServer("files").Echo("read").Build())
	m := model.NewMockModel("m", "mock").EnqueueError(core.NewModelError("mock", "m", 400, errors.New("bad request")))

	_, err := h.loop.Run(context.Background(), Request{Prompt: "x", Servers: []core.ServerHandle{srv}, Model: m})
	var me *core.ModelError
	require.ErrorAs(t, err, &me)
	assert.False(t, me.Retryable)
}

func TestLoop_RequiresModel(t *testing.T) {
	h := newHarness(t)
	_, err := h.loop.Run(context.Background(), Request{Prompt: "x"})
	var ce *core.ConfigError
	assert.ErrorAs(t, err, &ce)
}
