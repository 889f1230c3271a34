// Package core provides the foundational types shared by every agentflow
// package. It defines:
//
//   - ServerHandle / Credential (how a tool server is reached and authorized)
//   - ToolDefinition / ToolCall / ToolCallRecord (tool catalog and call records)
//   - Message / Part (model conversation content)
//   - StepResult and the rollup helpers that keep a trace consistent
//   - the typed error taxonomy returned by workflow runs
//   - Observer (per-step, per-token and per-tool-call notifications)
//
// The package has no knowledge of transports, models or the interpreter so
// that all other packages can depend on it without cycles.
package core
