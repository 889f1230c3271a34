package agentflow

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/agentflow/model"
	"github.com/hupe1980/agentflow/tool"
	"github.com/hupe1980/agentflow/workflow"
)

func newTestFlow(t *testing.T, m model.Model) *AgentFlow {
	t.Helper()
	af := New(func(o *Options) {
		o.EngineConfig.SweepInterval = 0
		o.DefaultModel = m
	})
	t.Cleanup(func() { _ = af.Close() })
	return af
}

func TestAgentFlow_RunReturnsLastText(t *testing.T) {
	m := model.NewMockModel("mock", "mock").Enqueue(model.Response{Text: "summary"})
	af := newTestFlow(t, m)

	greet := tool.NewFunctionTool("greet", "says hi", map[string]any{"type": "object"}, func(_ context.Context, args map[string]any) (any, error) {
		return "hi " + args["name"].(string), nil
	})
	h, err := af.Mount(tool.NewLocalServer("local", greet))
	require.NoError(t, err)

	wf := af.Workflow("greeting")
	wf.Generate("Summarize {{.Vars.task}}").
		InvokeTool(h, "greet", map[string]any{"name": "ada"})

	text, trace, err := af.Run(context.Background(), wf, "the week")
	require.NoError(t, err)
	assert.Equal(t, "hi ada", text)
	require.Len(t, trace, 2)
	assert.Equal(t, "summary", trace[0].Text)
	assert.Contains(t, m.Calls()[0].Request.LastUserText(), "Summarize the week")
}

func TestAgentFlow_LoadServers(t *testing.T) {
	af := newTestFlow(t, model.NewMockModel("mock", "mock"))

	path := filepath.Join(t.TempDir(), "servers.yaml")
	doc := "servers:\n  search:\n    url: http://localhost:9000/mcp\n  offline:\n    command: ./srv\n    disabled: true\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	n, err := af.LoadServers(path)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	h, err := af.Engine().Server("search")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9000/mcp", h.Address)
}

func TestAgentFlow_WorkflowUsesEngine(t *testing.T) {
	af := newTestFlow(t, model.NewMockModel("mock", "mock"))
	wf := af.Workflow("empty", workflow.WithDescription("does nothing"))
	assert.Same(t, af.Engine(), wf.Engine())
	assert.Equal(t, "does nothing", wf.Description())
}
