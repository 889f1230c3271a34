// Package model defines the provider‑agnostic abstractions and concrete
// helpers for interacting with language models inside agentflow.
//
// Core goals:
//   - One contract for plain generation, generation with tools and token streaming
//   - Normalize tool call representation (ToolSpec, core.ToolCall)
//   - Normalize token usage to core.Usage{Input, Output, Total}
//   - Facilitate lightweight mocking for tests (MockModel)
//
// Providers (e.g. OpenAI, Anthropic) implement the Model interface from this
// package so higher layers (flows, coordinators, workflows) remain decoupled
// from vendor SDKs.
package model
