// Package flow implements the automatic tool-selection loop: discover the
// tools of a set of servers, let a model choose calls, execute them through
// the invoker honouring the concurrency classifier, feed the results back and
// repeat until the model answers without calls or the iteration cap is hit.
package flow

import (
	"context"

	"github.com/hupe1980/agentflow/classify"
	"github.com/hupe1980/agentflow/core"
	"github.com/hupe1980/agentflow/discovery"
	"github.com/hupe1980/agentflow/logging"
	"github.com/hupe1980/agentflow/model"
	"github.com/hupe1980/agentflow/policy"
	"github.com/hupe1980/agentflow/telemetry"
	"github.com/hupe1980/agentflow/tool"
)

// DefaultMaxIterations bounds the loop when neither the request nor the
// options set a cap.
const DefaultMaxIterations = 8

// NoToolsText is the step output when the candidate servers expose no tools.
const NoToolsText = "No tools were available for this step."

// Catalogs discovers and merges tool definitions. *discovery.Cache
// implements it.
type Catalogs interface {
	DiscoverAll(ctx context.Context, handles []core.ServerHandle) (*discovery.Catalog, error)
}

// Invoker validates and executes tool calls. *tool.Invoker implements it.
type Invoker interface {
	Validate(def core.ToolDefinition, args map[string]any) error
	Invoke(ctx context.Context, def core.ToolDefinition, call core.ToolCall, optFns ...func(o *tool.CallOptions)) (core.ToolCallRecord, error)
}

// ToolObserver is told about every completed tool call. Its error is logged
// and otherwise ignored.
type ToolObserver func(ctx context.Context, rec core.ToolCallRecord) error

// Options configures a Loop.
type Options struct {
	MaxIterations int
	// Classify controls which calls of one batch may run concurrently.
	Classify classify.Policy
	Logger   logging.Logger
	Recorder telemetry.Recorder
}

// Request describes one AutoSelect step.
type Request struct {
	Prompt  string
	System  string
	Servers []core.ServerHandle
	// MaxIterations overrides Options.MaxIterations when positive.
	MaxIterations int
	Model         model.Model

	ModelRetry   policy.RetryPolicy
	ModelTimeout policy.TimeoutSpec
	ToolRetry    *policy.RetryPolicy
	ToolTimeout  *policy.TimeoutSpec
	// ForceSequential runs every proposed call one at a time.
	ForceSequential bool

	Observer ToolObserver
}

// Loop runs AutoSelect steps against shared discovery and invocation.
type Loop struct {
	catalogs Catalogs
	invoker  Invoker
	opts     Options
}

// NewLoop creates a loop.
func NewLoop(c Catalogs, inv Invoker, optFns ...func(o *Options)) *Loop {
	opts := Options{
		MaxIterations: DefaultMaxIterations,
		Logger:        logging.NoOpLogger{},
		Recorder:      telemetry.NoopRecorder{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	return &Loop{catalogs: c, invoker: inv, opts: opts}
}
