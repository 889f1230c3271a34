package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/engine"
	"github.com/hupe1980/agentflow/internal/testutil"
	"github.com/hupe1980/agentflow/logging"
	"github.com/hupe1980/agentflow/memory"
	"github.com/hupe1980/agentflow/model"
	"github.com/hupe1980/agentflow/policy"
	"github.com/hupe1980/agentflow/telemetry"
)

func newEngine(t *testing.T, m model.Model, optFns ...func(o *engine.Options)) *engine.Engine {
	t.Helper()
	cfg := engine.DefaultConfig
	cfg.SweepInterval = 0
	base := []func(o *engine.Options){
		engine.WithConfig(cfg),
		engine.WithPolicies(engine.Policies{ModelRetry: policy.NoRetry, ToolRetry: policy.NoRetry}),
		engine.WithDefaultModel(m),
	}
	eng := engine.New(append(base, optFns...)...)
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func mount(t *testing.T, eng *engine.Engine, fs *testutil.FakeServer) core.ServerHandle {
	t.Helper()
	eng.Dialer().RegisterInProcess(fs.Name, fs.Server)
	h := core.InProcessServer(fs.Name)
	require.NoError(t, eng.Registry().Register(h))
	return h
}

// echoModel answers every prompt with "re: <last line of the prompt>".
func echoModel() *model.MockModel {
	return model.NewMockModel("echo", "mock").WithHandler(func(_ context.Context, req model.Request, _ []model.ToolSpec) (model.Response, error) {
		lines := strings.Split(req.LastUserText(), "\n")
		return model.Response{Text: "re: " + lines[len(lines)-1]}, nil
	})
}

func constModel(text string) *model.MockModel {
	return model.NewMockModel("const", "mock").WithHandler(func(context.Context, model.Request, []model.ToolSpec) (model.Response, error) {
		return model.Response{Text: text}, nil
	})
}

type recordingObserver struct {
	mu     sync.Mutex
	before []core.StepInfo
	after  []core.StepResult
	tokens []string
	tools  []core.ToolCallRecord
}

func (o *recordingObserver) funcs() core.ObserverFuncs {
	return core.ObserverFuncs{
		BeforeStepFunc: func(_ context.Context, s core.StepInfo) error {
			o.mu.Lock()
			defer o.mu.Unlock()
			o.before = append(o.before, s)
			return nil
		},
		AfterStepFunc: func(_ context.Context, _ core.StepInfo, r core.StepResult) error {
			o.mu.Lock()
			defer o.mu.Unlock()
			o.after = append(o.after, r)
			return nil
		},
		TokenFunc: func(_ context.Context, _ core.StepInfo, tok string) error {
			o.mu.Lock()
			defer o.mu.Unlock()
			o.tokens = append(o.tokens, tok)
			return nil
		},
		ToolCallFunc: func(_ context.Context, _ core.StepInfo, rec core.ToolCallRecord) error {
			o.mu.Lock()
			defer o.mu.Unlock()
			o.tools = append(o.tools, rec)
			return nil
		},
	}
}

func TestRun_SequentialGenerateSteps(t *testing.T) {
	eng := newEngine(t, echoModel())
	wf := New(eng, "seq")
	wf.Generate("one").Generate("two").Generate("three")

	trace, err := wf.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, trace, 3)

	for i, want := range []string{"one", "two", "three"} {
		assert.Equal(t, i+1, trace[i].Index)
		assert.Equal(t, core.KindGenerate, trace[i].Kind)
		assert.Equal(t, "re: "+want, trace[i].Text)
	}
	assert.Equal(t, []string{"1", "2", "3"}, []string{trace[0].StepID, trace[1].StepID, trace[2].StepID})
	assert.LessOrEqual(t, trace[0].CumulativeModelTime, trace[2].CumulativeModelTime)
}

func TestRun_ContextBlockCarriesEarlierOutput(t *testing.T) {
	m := constModel("OK")
	eng := newEngine(t, m)
	wf := New(eng, "ctx")
	wf.Generate("first").Generate("second")

	trace, err := wf.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, trace, 2)

	assert.NotContains(t, trace[0].Prompt, memory.Header)
	assert.Contains(t, trace[1].Prompt, memory.Header)
	assert.Contains(t, trace[1].Prompt, "OK")
	assert.True(t, strings.HasSuffix(trace[1].Prompt, "second"))

	calls := m.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, trace[1].Prompt, calls[1].Request.LastUserText())
}

func TestRun_ResetDropsContextBlock(t *testing.T) {
	eng := newEngine(t, constModel("OK"))
	wf := New(eng, "reset")
	wf.Generate("first").Generate("second", Reset()).Generate("third")

	trace, err := wf.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, trace, 3)

	assert.Equal(t, "second", trace[1].Prompt)
	assert.True(t, trace[1].ResetContext)
	assert.Contains(t, trace[2].Prompt, "step 2 (generate)")
	assert.NotContains(t, trace[2].Prompt, "step 1 (generate)")
}

func TestRun_StreamedTextMatchesGenerated(t *testing.T) {
	const answer = "streams arrive one fragment at a time"
	eng := newEngine(t, constModel(answer))
	obs := &recordingObserver{}

	streamed := New(eng, "streamed", WithObserver(obs.funcs()))
	streamed.Generate("go", Stream())
	plain := New(eng, "plain")
	plain.Generate("go")

	st, err := streamed.Run(context.Background())
	require.NoError(t, err)
	pt, err := plain.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, pt[0].Text, st[0].Text)
	assert.Equal(t, answer, strings.Join(obs.tokens, ""))
	assert.Greater(t, len(obs.tokens), 1)
}

func TestRun_TemplatesUseVars(t *testing.T) {
	m := echoModel()
	eng := newEngine(t, m)
	wf := New(eng, "vars", WithVars(map[string]any{"topic": "go"}))
	wf.Generate("write about {{.Vars.topic}} and {{.Vars.extra}}", Reset())

	trace, err := wf.Run(context.Background(), func(o *RunOptions) { o.Vars = map[string]any{"extra": "tests"} })
	require.NoError(t, err)
	assert.Equal(t, "re: write about go and tests", trace[0].Text)
}

func TestRun_NamedModel(t *testing.T) {
	def := constModel("default")
	fast := constModel("fast")
	eng := newEngine(t, def, engine.WithModel("fast", fast))

	wf := New(eng, "models")
	wf.Generate("a").Generate("b", Model("fast"))

	trace, err := wf.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "default", trace[0].Text)
	assert.Equal(t, "fast", trace[1].Text)

	wf2 := New(eng, "missing")
	wf2.Generate("a", Model("slow"))
	_, err = wf2.Run(context.Background())
	var cfgErr *core.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "1", core.StepIDOf(err))
}

func TestRun_ModelErrorCarriesStepID(t *testing.T) {
	m := model.NewMockModel("m", "mock").
		Enqueue(model.Response{Text: "fine"}).
		EnqueueError(core.NewModelError("mock", "m", 400, errors.New("bad request")))
	eng := newEngine(t, m)

	wf := New(eng, "fails")
	wf.Generate("a").Branch(func([]core.StepResult) bool { return true }, Seq().Generate("b"), nil).Generate("never")

	trace, err := wf.Run(context.Background())
	var modelErr *core.ModelError
	require.ErrorAs(t, err, &modelErr)
	assert.Equal(t, "2.then.1", core.StepIDOf(err))
	assert.Len(t, trace, 1, "results before the failure are returned")
	assert.Len(t, m.Calls(), 2)
}

func TestRun_ModelRetryPolicy(t *testing.T) {
	m := model.NewMockModel("m", "mock").
		EnqueueError(core.NewModelError("mock", "m", 503, errors.New("unavailable"))).
		Enqueue(model.Response{Text: "recovered"})
	eng := newEngine(t, m)

	wf := New(eng, "retry", WithRetry(policy.RetryPolicy{MaxAttempts: 2}))
	wf.Generate("a")

	trace, err := wf.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "recovered", trace[0].Text)
	assert.Len(t, m.Calls(), 2)
}

// brokenStream fails its first stream after emitting a partial answer.
type brokenStream struct {
	*model.MockModel
	mu    sync.Mutex
	calls int
}

func (b *brokenStream) Stream(ctx context.Context, req model.Request) (<-chan model.Chunk, <-chan error) {
	b.mu.Lock()
	b.calls++
	first := b.calls == 1
	b.mu.Unlock()
	if !first {
		return b.MockModel.Stream(ctx, req)
	}
	chunks := make(chan model.Chunk, 2)
	errs := make(chan error, 1)
	chunks <- model.Chunk{Text: "par"}
	chunks <- model.Chunk{Text: "tial"}
	close(chunks)
	errs <- core.NewModelError("mock", "m", 503, errors.New("connection reset"))
	close(errs)
	return chunks, errs
}

func TestRun_RetriedStreamDeliversTokensOnce(t *testing.T) {
	m := &brokenStream{MockModel: constModel("complete answer")}
	eng := newEngine(t, m)
	obs := &recordingObserver{}

	wf := New(eng, "retry-stream", WithObserver(obs.funcs()), WithRetry(policy.RetryPolicy{MaxAttempts: 2}))
	wf.Generate("go", Stream())

	trace, err := wf.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "complete answer", trace[0].Text)
	assert.Equal(t, "complete answer", strings.Join(obs.tokens, ""))
	assert.Equal(t, 2, m.calls)
}

func TestRun_InvalidPolicyFailsBeforeAnyStep(t *testing.T) {
	m := echoModel()
	eng := newEngine(t, m)

	bad := policy.RetryPolicy{MaxAttempts: 3, Delay: 1, Backoff: &policy.Backoff{Initial: 1}}
	wf := New(eng, "bad", WithRetry(bad))
	wf.Generate("a")

	_, err := wf.Run(context.Background())
	var cfgErr *core.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Empty(t, m.Calls())

	wf2 := New(eng, "bad-step")
	wf2.Generate("a").Generate("b", Retry(bad))
	require.Error(t, wf2.Err())
	_, err = wf2.Run(context.Background())
	require.ErrorAs(t, err, &cfgErr)
	assert.Empty(t, m.Calls())
}

func TestRun_ConcurrencyGuard(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	m := model.NewMockModel("m", "mock").WithHandler(func(ctx context.Context, _ model.Request, _ []model.ToolSpec) (model.Response, error) {
		once.Do(func() { close(started) })
		<-release
		return model.Response{Text: "done"}, nil
	})
	eng := newEngine(t, m)
	wf := New(eng, "guarded")
	wf.Generate("slow")

	done := make(chan error, 1)
	go func() {
		_, err := wf.Run(context.Background())
		done <- err
	}()
	<-started

	_, err := wf.Run(context.Background())
	var guard *core.ConcurrencyGuardError
	require.ErrorAs(t, err, &guard)
	assert.Equal(t, "guarded", guard.Workflow)

	close(release)
	require.NoError(t, <-done)

	_, err = wf.Run(context.Background())
	assert.NoError(t, err, "the guard is released after the run")
}

func TestRun_ObserversSeeEveryStepAndFailuresAreIgnored(t *testing.T) {
	eng := newEngine(t, echoModel())
	obs := &recordingObserver{}
	panicky := core.ObserverFuncs{
		BeforeStepFunc: func(context.Context, core.StepInfo) error { panic("observer bug") },
		AfterStepFunc: func(context.Context, core.StepInfo, core.StepResult) error {
			return errors.New("observer failed")
		},
	}

	wf := New(eng, "observed", WithObserver(panicky), WithObserver(obs.funcs()))
	wf.Generate("a").Generate("b")

	trace, err := wf.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, trace, 2)

	require.Len(t, obs.before, 2)
	assert.Equal(t, 1, obs.before[0].Index)
	assert.Equal(t, 2, obs.before[1].Index)
	assert.Equal(t, "observed", obs.before[0].Workflow)
	assert.False(t, obs.before[0].Nested)
	assert.Equal(t, obs.before[0].RunID, obs.before[1].RunID)
	require.Len(t, obs.after, 2)
	assert.Equal(t, trace[1].Text, obs.after[1].Text)
}

func TestRun_FlushesTelemetryOnce(t *testing.T) {
	rec := telemetry.NewMemoryRecorder()
	eng := newEngine(t, echoModel(), engine.WithRecorder(rec))

	child := New(eng, "child")
	child.Generate("c")
	wf := New(eng, "parent")
	wf.Generate("a").Compose(child)

	_, err := wf.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, rec.Flushes())
	assert.Len(t, rec.Spans(telemetry.SpanRun), 1)
	assert.Len(t, rec.Spans(telemetry.SpanStep), 3)
	assert.Len(t, rec.Spans(telemetry.SpanModel), 2)
	assert.Len(t, rec.Metrics("agentflow.step.duration"), 3)
}

func TestRun_CancelledContext(t *testing.T) {
	eng := newEngine(t, echoModel())
	wf := New(eng, "cancelled")
	wf.Generate("a")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := wf.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "1", core.StepIDOf(err))
}

func TestRun_NeedsEngine(t *testing.T) {
	wf := New(nil, "orphan")
	wf.Generate("a")
	_, err := wf.Run(context.Background())
	var cfgErr *core.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) lines(t *testing.T) []map[string]any {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(b.buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestRun_WorkflowLoggerRecordsOutcomes(t *testing.T) {
	out := &syncBuffer{}
	cfg := logging.DefaultLoggerConfig()
	cfg.Output = out
	logger := logging.NewLogger(cfg)

	eng := newEngine(t, echoModel(), engine.WithLogger(logger))
	wf := New(eng, "logged")
	wf.Generate("one").Generate("two")

	_, err := wf.Run(context.Background())
	require.NoError(t, err)

	var models int
	var steps []any
	var run map[string]any
	for _, l := range out.lines(t) {
		switch l["msg"] {
		case "model.call.completed":
			models++
		case "workflow.step.completed":
			steps = append(steps, l["step_id"])
		case "workflow.run.completed":
			run = l
		}
	}
	assert.Equal(t, 2, models)
	assert.Equal(t, []any{"1", "2"}, steps)
	require.NotNil(t, run)
	assert.Equal(t, "logged", run["workflow"])
	assert.Equal(t, float64(2), run["step_count"])
	assert.NotEmpty(t, run["run_id"])
}
