// Package agentflow provides a high-level façade over the engine and workflow
// packages for building multi-step agent workflows. Most applications
// interact with this package by:
//  1. Creating an AgentFlow via New() with at least a default model
//  2. Mounting in-process tool servers or loading remote ones from a file
//  3. Declaring workflows with Workflow() and running them
//
// The façade delegates orchestration to engine.Engine and workflow.Workflow
// while keeping setup concise. Defaults suit local development; production
// deployments typically add a structured logger and an OpenTelemetry recorder.
package agentflow

import (
	"context"

	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/engine"
	"github.com/hupe1980/agentflow/logging"
	"github.com/hupe1980/agentflow/model"
	"github.com/hupe1980/agentflow/telemetry"
	"github.com/hupe1980/agentflow/tool"
	"github.com/hupe1980/agentflow/workflow"
)

// Options configures the AgentFlow instance.
type Options struct {
	// EngineConfig holds pool, cache and concurrency limits.
	EngineConfig engine.Config

	// Policies are the retry and timeout defaults of model and tool calls.
	Policies engine.Policies

	// DefaultModel serves every step that does not name a model.
	DefaultModel model.Model

	// Models are additional models addressable by name.
	Models map[string]model.Model

	// Observers receive the progress of every run.
	Observers []core.Observer

	// Logger (defaults to NoOp logger if nil)
	Logger logging.Logger

	// Recorder (defaults to a no-op recorder if nil)
	Recorder telemetry.Recorder
}

// AgentFlow is the high-level façade aggregating an engine and the workflows
// declared on it.
type AgentFlow struct {
	opts   Options
	engine *engine.Engine
}

// New creates a new AgentFlow instance with optional overrides.
func New(optFns ...func(o *Options)) *AgentFlow {
	opts := Options{
		EngineConfig: engine.DefaultConfig,
		Policies:     engine.DefaultPolicies,
		Logger:       logging.NoOpLogger{},
		Recorder:     telemetry.NoopRecorder{},
	}

	for _, fn := range optFns {
		fn(&opts)
	}

	e := engine.New(func(o *engine.Options) {
		o.Config = opts.EngineConfig
		o.Policies = opts.Policies
		o.DefaultModel = opts.DefaultModel
		o.Models = opts.Models
		o.Observers = opts.Observers
		o.Logger = opts.Logger
		o.Recorder = opts.Recorder
	})

	return &AgentFlow{opts: opts, engine: e}
}

// Engine returns the underlying engine.
func (a *AgentFlow) Engine() *engine.Engine { return a.engine }

// Mount registers an in-process tool server.
func (a *AgentFlow) Mount(s *tool.LocalServer) (core.ServerHandle, error) {
	return a.engine.Mount(s)
}

// LoadServers registers the remote servers declared in a YAML or JSON file
// and returns how many were added.
func (a *AgentFlow) LoadServers(path string) (int, error) {
	return a.engine.Registry().LoadFile(path)
}

// Workflow declares a new workflow on the engine.
func (a *AgentFlow) Workflow(name string, optFns ...func(o *workflow.Options)) *workflow.Workflow {
	return workflow.New(a.engine, name, optFns...)
}

// Run executes wf and returns the text of its last result along with the
// full trace.
func (a *AgentFlow) Run(ctx context.Context, wf *workflow.Workflow, task string) (string, []core.StepResult, error) {
	trace, err := wf.Run(ctx, workflow.WithTask(task))
	if err != nil {
		return "", trace, err
	}
	return core.LastText(trace), trace, nil
}

// Close releases pooled sessions. Runs in flight fail once their next call
// needs a session.
func (a *AgentFlow) Close() error { return a.engine.Close() }
