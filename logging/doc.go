// Package logging provides a minimal logging interface and adapters for agentflow.
//
// The Logger interface defines the structured logging methods (Debug, Info, Warn, Error)
// that the engine, pool, caches and interpreter use for observability. This package includes:
//
//   - Logger interface for dependency injection
//   - SlogAdapter wrapping Go's structured logging
//   - WorkflowLogger with run/component scoping and step, tool and model helpers
//   - NoOpLogger for silent operation (testing, minimal setups)
//
// Usage:
//
//	logger := logging.NewSlogLogger(logging.LogLevelInfo, "json", false)
//	eng := engine.New(engine.WithLogger(logger))
//
// Messages are dotted event names ("workflow.step.completed") followed by
// key/value pairs.
package logging
